package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cairn-db/cairn/pkg/config"
	"github.com/cairn-db/cairn/pkg/httpx"
	"github.com/cairn-db/cairn/pkg/record"
	"github.com/cairn-db/cairn/pkg/storage"
)

// Handler accepts writer traffic, validates and normalizes incoming
// records, and appends them to the record store.
type Handler struct {
	store      storage.Store
	partitions *PartitionTracker
	hub        *WatchHub // optional
	log        zerolog.Logger
}

// NewHandler creates an ingest handler.
func NewHandler(store storage.Store, log zerolog.Logger) *Handler {
	return &Handler{
		store:      store,
		partitions: NewPartitionTracker(config.MaxActivePartitions),
		log:        log.With().Str("component", "ingest").Logger(),
	}
}

// SetWatchHub attaches the live append feed.
func (h *Handler) SetWatchHub(hub *WatchHub) {
	h.hub = hub
}

// AppendRequest is the body of POST /v1/records.
type AppendRequest struct {
	Records []IncomingRecord `json:"records"`
}

// IncomingRecord is one record as submitted by a writer. The payload
// must be a JSON object with numeric leaves.
type IncomingRecord struct {
	Partition string          `json:"partition_key"`
	Payload   json.RawMessage `json:"payload"`
}

// AppendResponse reports the ids assigned to accepted records.
type AppendResponse struct {
	Status string   `json:"status"`
	Count  int      `json:"count"`
	IDs    []string `json:"ids"`
}

// HandleAppend handles POST /v1/records. Validation failures are 400
// and never retried; transient store failures are 503 and the caller
// retries.
func (h *Handler) HandleAppend(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.IngestTimeout)
	defer cancel()

	var req AppendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if len(req.Records) == 0 {
		httpx.RespondErrorString(w, http.StatusBadRequest, "no records in request")
		return
	}
	if len(req.Records) > config.MaxRecordsPerRequest {
		httpx.RespondErrorString(w, http.StatusBadRequest,
			fmt.Sprintf("too many records in one request: %d > %d", len(req.Records), config.MaxRecordsPerRequest))
		return
	}

	// Validate and normalize the whole batch before writing anything,
	// so a malformed record rejects the batch without partial appends.
	recs := make([]record.Record, 0, len(req.Records))
	now := time.Now().UTC()
	for i, in := range req.Records {
		rec, err := h.normalize(in, now)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, ErrPartitionLimit) {
				status = http.StatusTooManyRequests
			}
			httpx.RespondErrorString(w, status, fmt.Sprintf("record %d: %v", i, err))
			return
		}
		recs = append(recs, rec)
	}

	ids := make([]string, 0, len(recs))
	for i := range recs {
		if err := h.store.AppendRecord(ctx, &recs[i]); err != nil {
			h.log.Error().Err(err).Str("partition", recs[i].Partition).Msg("append failed")
			httpx.RespondStoreError(w, err)
			return
		}
		ids = append(ids, recs[i].ID)
	}

	if h.hub != nil {
		h.hub.BroadcastAppend(recs)
	}

	httpx.RespondJSON(w, http.StatusOK, AppendResponse{
		Status: "success",
		Count:  len(ids),
		IDs:    ids,
	})
}

// normalize validates an incoming record and produces the stored form:
// uuid id, flattened canonical payload, pending state.
func (h *Handler) normalize(in IncomingRecord, now time.Time) (record.Record, error) {
	if err := ValidatePartitionKey(in.Partition); err != nil {
		return record.Record{}, err
	}
	if err := h.partitions.Check(in.Partition); err != nil {
		return record.Record{}, err
	}
	if len(in.Payload) == 0 {
		return record.Record{}, fmt.Errorf("missing payload")
	}
	if len(in.Payload) > config.MaxPayloadBytes {
		return record.Record{}, fmt.Errorf("payload exceeds %d bytes", config.MaxPayloadBytes)
	}

	fields, err := record.FlattenPayload(in.Payload)
	if err != nil {
		return record.Record{}, err
	}
	if len(fields) == 0 {
		return record.Record{}, fmt.Errorf("payload has no fields")
	}
	payload, err := record.EncodeFields(fields)
	if err != nil {
		return record.Record{}, err
	}

	return record.Record{
		ID:         uuid.NewString(),
		Partition:  in.Partition,
		Payload:    payload,
		IngestedAt: now,
		State:      record.StatePending,
	}, nil
}

// HandleHealth handles GET /v1/health.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"status":            "healthy",
		"active_partitions": h.partitions.Active(),
	})
}
