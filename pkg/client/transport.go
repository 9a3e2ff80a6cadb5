package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Transport sends record batches to the exposer.
type Transport interface {
	Send(ctx context.Context, records []OutgoingRecord) error
}

// OutgoingRecord is one record in an append request.
type OutgoingRecord struct {
	Partition string `json:"partition_key"`
	Payload   any    `json:"payload"`
}

// HTTPTransport implements Transport against the exposer's
// /v1/records endpoint, retrying transient failures with bounded
// exponential backoff. 4xx responses are permanent: the payload is
// wrong and resending it cannot help.
type HTTPTransport struct {
	endpoint   string
	apiKey     string
	client     *http.Client
	maxRetries uint64
}

// NewHTTPTransport creates a transport. endpoint is the exposer base
// URL, e.g. "http://localhost:8080".
func NewHTTPTransport(endpoint, apiKey string) *HTTPTransport {
	return &HTTPTransport{
		endpoint:   endpoint + "/v1/records",
		apiKey:     apiKey,
		client:     &http.Client{Timeout: 10 * time.Second},
		maxRetries: 4,
	}
}

// Send posts the batch.
func (t *HTTPTransport) Send(ctx context.Context, records []OutgoingRecord) error {
	if len(records) == 0 {
		return nil
	}

	body, err := json.Marshal(map[string]any{"records": records})
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), t.maxRetries), ctx)
	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if t.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+t.apiKey)
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return fmt.Errorf("send records: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("records rejected: %s", readError(resp)))
		default:
			return fmt.Errorf("send failed with status %d", resp.StatusCode)
		}
	}, policy)
}

func readError(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(data) == 0 {
		return resp.Status
	}
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil && body.Message != "" {
		return body.Message
	}
	return string(data)
}
