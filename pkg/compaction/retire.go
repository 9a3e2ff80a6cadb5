package compaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cairn-db/cairn/pkg/record"
	"github.com/cairn-db/cairn/pkg/storage"
)

// Retirer soft-deletes compacted records once they are past the
// retention delay. It runs at a lower priority than compaction: a
// separate loop with a longer interval. A record is only ever retired
// after its containing aggregate is durably committed, which the
// compacted state already guarantees.
type Retirer struct {
	store     storage.Store
	retention time.Duration
	log       zerolog.Logger
}

// NewRetirer creates a retirer.
func NewRetirer(store storage.Store, retention time.Duration, log zerolog.Logger) *Retirer {
	return &Retirer{
		store:     store,
		retention: retention,
		log:       log.With().Str("component", "retirer").Logger(),
	}
}

// Run ticks until the context is cancelled.
func (r *Retirer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("retirer stopped")
			return
		case <-ticker.C:
			retired, err := r.Tick(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.log.Error().Err(err).Msg("retirement tick failed")
			} else if retired > 0 {
				r.log.Info().Int("records", retired).Msg("retired records past retention")
			}
		}
	}
}

// Tick retires eligible records across all partitions and returns how
// many were retired.
func (r *Retirer) Tick(ctx context.Context) (int, error) {
	stats, err := r.store.PartitionStats(ctx)
	if err != nil {
		return 0, fmt.Errorf("list partitions: %w", err)
	}

	cutoff := time.Now().Add(-r.retention)
	total := 0
	for _, ps := range stats {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		recs, err := r.store.RecordsInState(ctx, ps.Partition, record.StateCompacted, cutoff, 0)
		if err != nil {
			return total, fmt.Errorf("scan compacted %s: %w", ps.Partition, err)
		}
		if len(recs) == 0 {
			continue
		}

		ids := make([]string, len(recs))
		for i, rec := range recs {
			ids[i] = rec.ID
		}
		if err := r.store.MarkRecords(ctx, ps.Partition, ids, record.StateRetired); err != nil {
			return total, fmt.Errorf("retire %s: %w", ps.Partition, err)
		}
		total += len(ids)
	}
	return total, nil
}
