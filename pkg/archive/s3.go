package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/cairn-db/cairn/pkg/storage"
)

// s3Client is the slice of the S3 API the sink needs; *s3.Client
// satisfies it, tests substitute a fake.
type s3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink uploads archives to an S3 bucket under
// <prefix>/<partition>/<archive-name>.
type S3Sink struct {
	client s3Client
	bucket string
	prefix string
	log    zerolog.Logger
}

// NewS3Sink creates an S3 sink using the ambient AWS configuration
// (environment, shared config, instance role).
func NewS3Sink(ctx context.Context, bucket, prefix string, log zerolog.Logger) (*S3Sink, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Sink{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
		log:    log.With().Str("component", "s3sink").Logger(),
	}, nil
}

// NewS3SinkWithClient creates a sink around an existing client.
func NewS3SinkWithClient(client s3Client, bucket, prefix string, log zerolog.Logger) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: prefix, log: log}
}

// Put uploads the archive blob.
func (s *S3Sink) Put(ctx context.Context, a *storage.Archive) error {
	key := path.Join(s.prefix, a.Partition, a.Name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(a.Data),
		ContentType:   aws.String("application/zip"),
		ContentLength: aws.Int64(a.Size),
	})
	if err != nil {
		return fmt.Errorf("upload archive s3://%s/%s: %w", s.bucket, key, err)
	}
	s.log.Info().Str("bucket", s.bucket).Str("key", key).Int64("bytes", a.Size).Msg("uploaded archive")
	return nil
}
