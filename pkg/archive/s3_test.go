package archive

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cairn-db/cairn/pkg/storage"
)

type fakeS3 struct {
	inputs []*s3.PutObjectInput
	err    error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, params)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Sink_Put(t *testing.T) {
	fake := &fakeS3{}
	sink := NewS3SinkWithClient(fake, "cold-archives", "cairn", zerolog.Nop())

	err := sink.Put(context.Background(), &storage.Archive{
		ID:        "arc-1",
		Name:      "p1_2026-03-01_abcd1234.zip",
		Partition: "p1",
		Data:      []byte("zipbytes"),
		Size:      8,
		Records:   2,
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.Len(t, fake.inputs, 1)

	in := fake.inputs[0]
	require.Equal(t, "cold-archives", *in.Bucket)
	require.Equal(t, "cairn/p1/p1_2026-03-01_abcd1234.zip", *in.Key)
	require.Equal(t, "application/zip", *in.ContentType)

	body, err := io.ReadAll(in.Body)
	require.NoError(t, err)
	require.Equal(t, []byte("zipbytes"), body)
}

func TestS3Sink_PutError(t *testing.T) {
	fake := &fakeS3{err: context.DeadlineExceeded}
	sink := NewS3SinkWithClient(fake, "cold-archives", "", zerolog.Nop())

	err := sink.Put(context.Background(), &storage.Archive{ID: "x", Name: "x.zip", Partition: "p"})
	require.Error(t, err)
}
