// Package client is the Go client for cairn's public gateways: batched
// appends against the exposer and merged-view reads against the
// retriever.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cairn-db/cairn/pkg/storage"
)

// Config holds client configuration.
type Config struct {
	// ExposerURL and RetrieverURL are the gateway base URLs.
	ExposerURL   string
	RetrieverURL string

	// APIKey is the shared secret presented as a bearer token.
	APIKey string

	// Batching for appends.
	MaxBatchSize int
	FlushEvery   time.Duration
}

// Client talks to both gateways.
type Client struct {
	cfg     Config
	batcher *Batcher
	http    *http.Client
}

// New creates and starts a client.
func New(ctx context.Context, cfg Config) *Client {
	transport := NewHTTPTransport(cfg.ExposerURL, cfg.APIKey)
	batcher := NewBatcher(transport, BatchConfig{
		MaxBatchSize: cfg.MaxBatchSize,
		FlushEvery:   cfg.FlushEvery,
	})
	batcher.Start(ctx)

	return &Client{
		cfg:     cfg,
		batcher: batcher,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Append buffers one record for the partition. The payload must be a
// JSON object with numeric leaves; it is flattened server-side.
func (c *Client) Append(partition string, payload any) {
	c.batcher.Add(OutgoingRecord{Partition: partition, Payload: payload})
}

// Flush forces out everything buffered.
func (c *Client) Flush(ctx context.Context) error {
	return c.batcher.Flush(ctx)
}

// Close flushes and stops the batcher.
func (c *Client) Close() error {
	return c.batcher.Stop()
}

// MergedView mirrors the retriever's read response.
type MergedView struct {
	Partition     string             `json:"partition_key"`
	Generation    uint64             `json:"generation"`
	Payload       map[string]float64 `json:"merged_payload"`
	CoveredCount  int                `json:"covered_records"`
	PendingMerged int                `json:"pending_merged"`
	ReadAt        time.Time          `json:"read_at"`
}

// Read fetches the merged view for a partition from the retriever.
func (c *Client) Read(ctx context.Context, partition string) (*MergedView, error) {
	u := c.cfg.RetrieverURL + "/v1/read/" + url.PathEscape(partition)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", partition, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("read %s: %w", partition, storage.ErrNotFound)
	case http.StatusServiceUnavailable:
		return nil, fmt.Errorf("read %s: %w", partition, storage.ErrUnavailable)
	default:
		return nil, fmt.Errorf("read %s: unexpected status %d", partition, resp.StatusCode)
	}

	var view MergedView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return nil, fmt.Errorf("decode view: %w", err)
	}
	return &view, nil
}
