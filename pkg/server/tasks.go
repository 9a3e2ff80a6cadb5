package server

import (
	"context"
	"sync"
	"time"

	"github.com/cairn-db/cairn/pkg/config"
	badgerstore "github.com/cairn-db/cairn/pkg/storage/badger"
)

// RunCompacter starts the compaction scheduler, the retirer and the
// archiver. They stop when ctx is cancelled; Wait on wg before
// closing the store.
func (a *App) RunCompacter(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(3)

	go func() {
		defer wg.Done()
		a.Scheduler.Run(ctx)
	}()

	go func() {
		defer wg.Done()
		a.Retirer.Run(ctx, config.RetireInterval)
	}()

	go func() {
		defer wg.Done()
		a.Archiver.Run(ctx, config.ArchiveInterval)
	}()

	a.Log.Info().
		Dur("interval", a.Cfg.Compaction.Interval).
		Int("workers", a.Cfg.Compaction.Workers).
		Msg("compacter started")
}

// RunWatchHub starts the websocket hub for the exposer's /v1/watch.
func (a *App) RunWatchHub(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Hub.Run(ctx)
	}()
}

// RunStoreGC runs badger value-log garbage collection periodically.
// No-op for the memory backend.
func (a *App) RunStoreGC(ctx context.Context, wg *sync.WaitGroup) {
	bs, ok := a.Store.(*badgerstore.Store)
	if !ok {
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(config.BadgerGCInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := bs.RunGC(0.5); err != nil {
					// badger returns an error when there was nothing
					// to collect; only log at debug.
					a.Log.Debug().Err(err).Msg("value log gc")
				}
			}
		}
	}()
}
