package query

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cairn-db/cairn/pkg/compaction"
	"github.com/cairn-db/cairn/pkg/record"
	"github.com/cairn-db/cairn/pkg/storage/memory"
)

func testRouter(store *memory.Store) *mux.Router {
	h := NewHandler(store, NewReader(store, compaction.CounterMerger{}), zerolog.Nop())
	router := mux.NewRouter()
	router.HandleFunc("/v1/read/{partition}", h.HandleRead).Methods("GET")
	router.HandleFunc("/v1/partitions", h.HandlePartitions).Methods("GET")
	router.HandleFunc("/v1/stats", h.HandleStats).Methods("GET")
	return router
}

func TestHandleRead_NotFound(t *testing.T) {
	router := testRouter(memory.New())

	req := httptest.NewRequest(http.MethodGet, "/v1/read/ghost", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleRead_ReturnsView(t *testing.T) {
	store := memory.New()
	router := testRouter(store)

	appendCounter(t, store, "tenant-1", "A", time.Now().UTC(), record.Fields{"v": 2})

	req := httptest.NewRequest(http.MethodGet, "/v1/read/tenant-1", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var view View
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	require.Equal(t, "tenant-1", view.Partition)
	require.Equal(t, 1, view.PendingMerged)
}

func TestHandlePartitionsAndStats(t *testing.T) {
	store := memory.New()
	router := testRouter(store)

	appendCounter(t, store, "tenant-1", "A", time.Now().UTC(), record.Fields{"v": 2})

	req := httptest.NewRequest(http.MethodGet, "/v1/partitions", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var partitions struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &partitions))
	require.Equal(t, 1, partitions.Count)

	req = httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}
