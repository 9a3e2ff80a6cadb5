// Package query implements the query gateway's read path: merged
// views combining compacted aggregates with not-yet-compacted raw
// records into one consistent result.
package query

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/cairn-db/cairn/pkg/config"
	"github.com/cairn-db/cairn/pkg/httpx"
	"github.com/cairn-db/cairn/pkg/storage"
)

// Handler serves reader traffic.
type Handler struct {
	store  storage.Store
	reader *Reader
	log    zerolog.Logger
}

// NewHandler creates a query handler.
func NewHandler(store storage.Store, reader *Reader, log zerolog.Logger) *Handler {
	return &Handler{
		store:  store,
		reader: reader,
		log:    log.With().Str("component", "query").Logger(),
	}
}

// HandleRead handles GET /v1/read/{partition}.
func (h *Handler) HandleRead(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.ReadTimeout)
	defer cancel()

	partition := mux.Vars(r)["partition"]
	view, err := h.reader.Read(ctx, partition)
	if err != nil {
		httpx.RespondStoreError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, view)
}

// HandlePartitions handles GET /v1/partitions.
func (h *Handler) HandlePartitions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.StatsTimeout)
	defer cancel()

	stats, err := h.store.PartitionStats(ctx)
	if err != nil {
		httpx.RespondStoreError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"partitions": stats,
		"count":      len(stats),
	})
}

// HandleStats handles GET /v1/stats.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.StatsTimeout)
	defer cancel()

	stats, err := h.store.Stats(ctx)
	if err != nil {
		httpx.RespondStoreError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, stats)
}

// HandleHealth handles GET /v1/health.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}
