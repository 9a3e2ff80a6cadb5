package archive

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cairn-db/cairn/pkg/config"
	"github.com/cairn-db/cairn/pkg/httpx"
	"github.com/cairn-db/cairn/pkg/storage"
)

// Handler serves stored archives through the retriever. Only archives
// written by the store sink are visible here; S3-bound archives are
// listed in the bucket instead.
type Handler struct {
	store storage.Store
}

// NewHandler creates an archive handler.
func NewHandler(store storage.Store) *Handler {
	return &Handler{store: store}
}

// HandleList handles GET /v1/archives.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.ArchiveListTimeout)
	defer cancel()

	archives, err := h.store.ListArchives(ctx)
	if err != nil {
		httpx.RespondStoreError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"archives": archives,
		"count":    len(archives),
	})
}

// HandleGet handles GET /v1/archives/{id}, streaming the zip.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.ArchiveGetTimeout)
	defer cancel()

	id := mux.Vars(r)["id"]
	arch, err := h.store.GetArchive(ctx, id)
	if err != nil {
		httpx.RespondStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", arch.Size))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", arch.Name))
	w.WriteHeader(http.StatusOK)
	w.Write(arch.Data)
}
