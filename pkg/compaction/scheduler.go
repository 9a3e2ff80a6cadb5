package compaction

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cairn-db/cairn/pkg/storage"
)

// SchedulerConfig tunes partition selection and dispatch.
type SchedulerConfig struct {
	// Interval between ticks; Jitter is added randomly on top so
	// co-deployed compacters don't tick in lockstep.
	Interval time.Duration
	Jitter   time.Duration

	// A partition is selected when it has pending records and either
	// PendingCount >= BatchThreshold or its oldest pending record is
	// older than MaxDelay.
	BatchThreshold int
	MaxDelay       time.Duration

	// Workers bounds how many partition tasks run concurrently.
	Workers int

	// TaskTimeout bounds a single partition task.
	TaskTimeout time.Duration
}

// Scheduler decides when and on which partitions compaction runs. One
// task per selected partition per tick; tasks for different partitions
// run in parallel, tasks for the same partition never overlap (the
// engine's per-partition lock enforces that). A partition whose
// previous task is still running is skipped, not queued.
type Scheduler struct {
	engine  *Engine
	store   storage.Store
	cfg     SchedulerConfig
	monitor *Monitor
	log     zerolog.Logger
}

// NewScheduler creates a scheduler for the engine.
func NewScheduler(engine *Engine, store storage.Store, cfg SchedulerConfig, monitor *Monitor, log zerolog.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Scheduler{
		engine:  engine,
		store:   store,
		cfg:     cfg,
		monitor: monitor,
		log:     log.With().Str("component", "scheduler").Logger(),
	}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return
		case <-time.After(s.nextDelay()):
			if err := s.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error().Err(err).Msg("compaction tick failed")
			}
		}
	}
}

func (s *Scheduler) nextDelay() time.Duration {
	d := s.cfg.Interval
	if s.cfg.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(s.cfg.Jitter)))
	}
	return d
}

// Tick selects eligible partitions and runs one compaction task per
// partition through a bounded worker pool, then waits for them all.
func (s *Scheduler) Tick(ctx context.Context) error {
	stats, err := s.store.PartitionStats(ctx)
	if err != nil {
		s.monitor.RecordFailure(err)
		return err
	}

	selected := s.selectPartitions(stats, time.Now())
	if len(selected) == 0 {
		return nil
	}
	s.log.Debug().Int("partitions", len(selected)).Msg("compaction tick")

	sem := make(chan struct{}, s.cfg.Workers)
	var wg sync.WaitGroup
	for _, partition := range selected {
		wg.Add(1)
		sem <- struct{}{}
		go func(partition string) {
			defer wg.Done()
			defer func() { <-sem }()
			s.runTask(ctx, partition)
		}(partition)
	}
	wg.Wait()
	return nil
}

// selectPartitions applies the selection rule to the latest stats.
func (s *Scheduler) selectPartitions(stats []storage.PartitionStats, now time.Time) []string {
	var out []string
	for _, ps := range stats {
		if ps.PendingCount == 0 {
			continue
		}
		if ps.PendingCount >= s.cfg.BatchThreshold ||
			now.Sub(ps.OldestPending) >= s.cfg.MaxDelay {
			out = append(out, ps.Partition)
		}
	}
	return out
}

func (s *Scheduler) runTask(ctx context.Context, partition string) {
	taskCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.TaskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, s.cfg.TaskTimeout)
		defer cancel()
	}

	_, err := s.engine.CompactPartition(taskCtx, partition)
	switch {
	case err == nil:
		s.monitor.RecordSuccess()
	case errors.Is(err, ErrPartitionBusy):
		// Previous task still running; retried next tick.
		s.log.Debug().Str("partition", partition).Msg("partition busy, skipped")
	case errors.Is(err, ErrCorruptCheckpoint):
		s.monitor.RecordFailure(err)
		s.log.Error().Err(err).Str("partition", partition).
			Msg("checkpoint corruption requires manual reconciliation")
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		s.log.Warn().Str("partition", partition).Msg("compaction task cancelled")
	default:
		s.monitor.RecordFailure(err)
		s.log.Error().Err(err).Str("partition", partition).Msg("compaction task failed")
	}
}
