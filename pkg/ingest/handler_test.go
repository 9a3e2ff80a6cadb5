package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cairn-db/cairn/pkg/config"
	"github.com/cairn-db/cairn/pkg/record"
	"github.com/cairn-db/cairn/pkg/storage/memory"
)

func postRecords(t *testing.T, h *Handler, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/records", &buf)
	rr := httptest.NewRecorder()
	h.HandleAppend(rr, req)
	return rr
}

func TestHandleAppend_StoresNormalizedRecords(t *testing.T) {
	store := memory.New()
	h := NewHandler(store, zerolog.Nop())

	rr := postRecords(t, h, AppendRequest{Records: []IncomingRecord{
		{Partition: "tenant-1", Payload: json.RawMessage(`{"requests": 2, "latency": {"p99": 0.8}}`)},
		{Partition: "tenant-2", Payload: json.RawMessage(`{"requests": 1}`)},
	}})
	require.Equal(t, http.StatusOK, rr.Code)

	var resp AppendResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "success", resp.Status)
	require.Equal(t, 2, resp.Count)
	require.Len(t, resp.IDs, 2)

	pending, err := store.PendingRecords(context.Background(), "tenant-1", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, record.StatePending, pending[0].State)

	fields, err := record.DecodeFields(pending[0].Payload)
	require.NoError(t, err)
	require.Equal(t, record.Fields{"requests": 2, "latency.p99": 0.8}, fields)
}

func TestHandleAppend_InvalidJSON(t *testing.T) {
	h := NewHandler(memory.New(), zerolog.Nop())
	rr := postRecords(t, h, `{"records": [`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleAppend_EmptyBatch(t *testing.T) {
	h := NewHandler(memory.New(), zerolog.Nop())
	rr := postRecords(t, h, AppendRequest{})
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleAppend_TooManyRecords(t *testing.T) {
	h := NewHandler(memory.New(), zerolog.Nop())

	records := make([]IncomingRecord, config.MaxRecordsPerRequest+1)
	for i := range records {
		records[i] = IncomingRecord{Partition: "p", Payload: json.RawMessage(`{"v": 1}`)}
	}
	rr := postRecords(t, h, AppendRequest{Records: records})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "too many records")
}

// A malformed record anywhere in the batch rejects the whole batch
// before any record is written.
func TestHandleAppend_NoPartialWrites(t *testing.T) {
	store := memory.New()
	h := NewHandler(store, zerolog.Nop())

	rr := postRecords(t, h, AppendRequest{Records: []IncomingRecord{
		{Partition: "tenant-1", Payload: json.RawMessage(`{"v": 1}`)},
		{Partition: "tenant-1", Payload: json.RawMessage(`{"name": "not numeric"}`)},
	}})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	pending, err := store.PendingRecords(context.Background(), "tenant-1", 0)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestHandleAppend_PayloadValidation(t *testing.T) {
	h := NewHandler(memory.New(), zerolog.Nop())

	cases := []struct {
		name    string
		rec     IncomingRecord
		message string
	}{
		{"missing payload", IncomingRecord{Partition: "p"}, "missing payload"},
		{"empty object", IncomingRecord{Partition: "p", Payload: json.RawMessage(`{}`)}, "no fields"},
		{"non-object", IncomingRecord{Partition: "p", Payload: json.RawMessage(`42`)}, "not a JSON object"},
		{"empty partition", IncomingRecord{Payload: json.RawMessage(`{"v": 1}`)}, "empty partition key"},
		{"bad partition", IncomingRecord{Partition: "a/b", Payload: json.RawMessage(`{"v": 1}`)}, "invalid character"},
		{"long partition", IncomingRecord{
			Partition: strings.Repeat("x", config.MaxPartitionKeyLength+1),
			Payload:   json.RawMessage(`{"v": 1}`),
		}, "exceeds"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := postRecords(t, h, AppendRequest{Records: []IncomingRecord{tc.rec}})
			require.Equal(t, http.StatusBadRequest, rr.Code)
			require.Contains(t, rr.Body.String(), tc.message)
		})
	}
}

func TestHandleAppend_OversizedPayload(t *testing.T) {
	h := NewHandler(memory.New(), zerolog.Nop())

	big := fmt.Sprintf(`{"v": 1, "pad": [%s1]}`, strings.Repeat("1,", config.MaxPayloadBytes/2))
	rr := postRecords(t, h, AppendRequest{Records: []IncomingRecord{
		{Partition: "p", Payload: json.RawMessage(big)},
	}})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "payload exceeds")
}

func TestHandleAppend_PartitionLimit(t *testing.T) {
	h := NewHandler(memory.New(), zerolog.Nop())
	h.partitions = NewPartitionTracker(1)

	rr := postRecords(t, h, AppendRequest{Records: []IncomingRecord{
		{Partition: "first", Payload: json.RawMessage(`{"v": 1}`)},
	}})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = postRecords(t, h, AppendRequest{Records: []IncomingRecord{
		{Partition: "second", Payload: json.RawMessage(`{"v": 1}`)},
	}})
	require.Equal(t, http.StatusTooManyRequests, rr.Code)

	// An already-known partition is still admitted.
	rr = postRecords(t, h, AppendRequest{Records: []IncomingRecord{
		{Partition: "first", Payload: json.RawMessage(`{"v": 2}`)},
	}})
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestValidatePartitionKey(t *testing.T) {
	require.NoError(t, ValidatePartitionKey("tenant-42"))
	require.NoError(t, ValidatePartitionKey("a.b:c_d"))
	require.Error(t, ValidatePartitionKey(""))
	require.Error(t, ValidatePartitionKey("has space"))
	require.Error(t, ValidatePartitionKey("tab\there"))
	require.Error(t, ValidatePartitionKey("non-ascii-é"))
	require.Error(t, ValidatePartitionKey("back\\slash"))
}

func TestHandleHealth(t *testing.T) {
	h := NewHandler(memory.New(), zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rr := httptest.NewRecorder()
	h.HandleHealth(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "healthy")
}
