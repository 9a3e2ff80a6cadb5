// Package server wires the cairn services together: it builds the
// store, the public routers for the exposer and retriever, and the
// compacter's background jobs. Which of the three run in a given
// process is decided by the configured role.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/cairn-db/cairn/pkg/archive"
	"github.com/cairn-db/cairn/pkg/auth"
	"github.com/cairn-db/cairn/pkg/compaction"
	"github.com/cairn-db/cairn/pkg/config"
	"github.com/cairn-db/cairn/pkg/httpx"
	"github.com/cairn-db/cairn/pkg/ingest"
	"github.com/cairn-db/cairn/pkg/query"
	"github.com/cairn-db/cairn/pkg/storage"
	badgerstore "github.com/cairn-db/cairn/pkg/storage/badger"
	"github.com/cairn-db/cairn/pkg/storage/memory"
)

var startTime = time.Now()

// App holds everything a cairnd process can run. All components are
// built up front; the role decides which ones are started.
type App struct {
	Cfg   *config.File
	Store storage.Store
	Log   zerolog.Logger

	Ingest   *ingest.Handler
	Hub      *ingest.WatchHub
	Query    *query.Handler
	Archives *archive.Handler

	Engine    *compaction.Engine
	Scheduler *compaction.Scheduler
	Retirer   *compaction.Retirer
	Archiver  *archive.Archiver
	Monitor   *compaction.Monitor
}

// NewApp opens the store and constructs every component.
func NewApp(ctx context.Context, cfg *config.File, log zerolog.Logger) (*App, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	merger := compaction.CounterMerger{}

	ingestHandler := ingest.NewHandler(store, log)
	hub := ingest.NewWatchHub(log)
	ingestHandler.SetWatchHub(hub)

	reader := query.NewReader(store, merger)
	queryHandler := query.NewHandler(store, reader, log)
	archiveHandler := archive.NewHandler(store)

	engine := compaction.New(store, merger, compaction.Config{
		RetryBudget:    cfg.Compaction.RetryBudget,
		RetryBaseDelay: config.WriteRetryBaseDelay,
		RetryMaxDelay:  config.WriteRetryMaxDelay,
		RetentionDelay: cfg.Compaction.RetentionDelay,
	}, log)

	monitor := &compaction.Monitor{}
	scheduler := compaction.NewScheduler(engine, store, compaction.SchedulerConfig{
		Interval:       cfg.Compaction.Interval,
		Jitter:         config.CompactionJitter,
		BatchThreshold: cfg.Compaction.BatchThreshold,
		MaxDelay:       cfg.Compaction.MaxDelay,
		Workers:        cfg.Compaction.Workers,
		TaskTimeout:    config.CompactionTaskTimeout,
	}, monitor, log)

	retirer := compaction.NewRetirer(store, cfg.Compaction.RetentionDelay, log)

	sink, err := buildSink(ctx, cfg, store, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	archiver := archive.New(store, sink, cfg.Archive.BatchSize, log)

	return &App{
		Cfg:       cfg,
		Store:     store,
		Log:       log,
		Ingest:    ingestHandler,
		Hub:       hub,
		Query:     queryHandler,
		Archives:  archiveHandler,
		Engine:    engine,
		Scheduler: scheduler,
		Retirer:   retirer,
		Archiver:  archiver,
		Monitor:   monitor,
	}, nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}

func openStore(cfg *config.File) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return memory.New(), nil
	case "badger":
		if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return badgerstore.New(badgerstore.Config{
			Path:        cfg.Storage.DataDir,
			MaxMemoryMB: cfg.Storage.MaxMemoryMB,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func buildSink(ctx context.Context, cfg *config.File, store storage.Store, log zerolog.Logger) (archive.Sink, error) {
	switch cfg.Archive.Sink {
	case "s3":
		sink, err := archive.NewS3Sink(ctx, cfg.Archive.S3Bucket, cfg.Archive.S3Prefix, log)
		if err != nil {
			return nil, fmt.Errorf("s3 sink: %w", err)
		}
		return sink, nil
	default:
		return &archive.StoreSink{Store: store}, nil
	}
}

// ExposerRouter builds the ingestion API.
func (a *App) ExposerRouter() *mux.Router {
	router := mux.NewRouter()
	router.Use(auth.Middleware(a.Cfg.APIKey))

	api := router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/records", a.Ingest.HandleAppend).Methods("POST")
	api.HandleFunc("/watch", a.Ingest.HandleWatch(a.Hub)).Methods("GET")
	api.HandleFunc("/health", a.Ingest.HandleHealth).Methods("GET")

	return router
}

// RetrieverRouter builds the query API.
func (a *App) RetrieverRouter() *mux.Router {
	router := mux.NewRouter()
	router.Use(auth.Middleware(a.Cfg.APIKey))

	api := router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/read/{partition}", a.Query.HandleRead).Methods("GET")
	api.HandleFunc("/partitions", a.Query.HandlePartitions).Methods("GET")
	api.HandleFunc("/stats", a.Query.HandleStats).Methods("GET")
	api.HandleFunc("/archives", a.Archives.HandleList).Methods("GET")
	api.HandleFunc("/archives/{id}", a.Archives.HandleGet).Methods("GET")
	api.HandleFunc("/health", a.handleRetrieverHealth).Methods("GET")

	return router
}

// HealthResponse is the retriever's health payload. In all-in-one
// deployments it also reports compaction health, so a stuck compacter
// flips the service to degraded.
type HealthResponse struct {
	Status     string            `json:"status"`
	Uptime     string            `json:"uptime"`
	Compaction compaction.Status `json:"compaction"`
}

func (a *App) handleRetrieverHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if !a.Monitor.IsHealthy() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	httpx.RespondJSON(w, code, HealthResponse{
		Status:     status,
		Uptime:     time.Since(startTime).String(),
		Compaction: a.Monitor.Status(),
	})
}
