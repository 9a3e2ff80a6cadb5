package compaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/cairn-db/cairn/pkg/record"
	"github.com/cairn-db/cairn/pkg/storage"
)

// Config tunes the engine's durable-write retries and retention.
type Config struct {
	// RetryBudget is the number of retries per durable write before
	// the task aborts and waits for the next scheduler tick.
	RetryBudget int

	// RetryBaseDelay and RetryMaxDelay bound the exponential backoff
	// between retries.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// RetentionDelay is how long a compacted record stays readable
	// before the retirer marks it retired.
	RetentionDelay time.Duration
}

// Engine merges pending raw records into per-partition aggregates
// following a strictly ordered, resumable protocol:
//
//  1. read pending records and the previous aggregate
//  2. compute the new aggregate in memory (no side effects)
//  3. durably write the new aggregate
//  4. durably advance the checkpoint to its generation
//  5. mark the merged raw records compacted
//
// Interruption at any point is safe: steps 3-5 are each atomic
// single-document writes, recovery on the next task detects how far
// the previous one got and resumes without recomputing or
// double-writing, and the read path resolves the step-4/5 window via
// covers membership.
type Engine struct {
	store  storage.Store
	merger Merger
	cfg    Config
	locks  partitionLocks
	log    zerolog.Logger
}

// New creates a compaction engine.
func New(store storage.Store, merger Merger, cfg Config, log zerolog.Logger) *Engine {
	return &Engine{
		store:  store,
		merger: merger,
		cfg:    cfg,
		log:    log.With().Str("component", "compaction").Logger(),
	}
}

// CompactPartition runs one compaction task for a partition. It
// returns the newly committed aggregate, or nil when there was nothing
// to merge. ErrPartitionBusy means another task holds the partition.
func (e *Engine) CompactPartition(ctx context.Context, partition string) (*record.Aggregate, error) {
	if !e.locks.tryLock(partition) {
		return nil, fmt.Errorf("%w: %s", ErrPartitionBusy, partition)
	}
	defer e.locks.unlock(partition)

	return e.compactLocked(ctx, partition)
}

func (e *Engine) compactLocked(ctx context.Context, partition string) (*record.Aggregate, error) {
	prev, err := e.recover(ctx, partition)
	if err != nil {
		return nil, err
	}

	// Step 1: read the pending set.
	pending, err := e.store.PendingRecords(ctx, partition, 0)
	if err != nil {
		return nil, fmt.Errorf("read pending %s: %w", partition, err)
	}

	// A pending record already in covers was merged by an earlier task
	// that died before marking it; finish the marking, never re-merge.
	covers := record.CoverSetOf(prev)
	batch := pending[:0]
	var stragglers []string
	for _, rec := range pending {
		if covers.Contains(rec.ID) {
			stragglers = append(stragglers, rec.ID)
			continue
		}
		batch = append(batch, rec)
	}
	if len(stragglers) > 0 {
		if err := e.durably(ctx, "mark straggler records", func(ctx context.Context) error {
			return e.store.MarkRecords(ctx, partition, stragglers, record.StateCompacted)
		}); err != nil {
			return nil, err
		}
		e.log.Debug().Str("partition", partition).Int("records", len(stragglers)).
			Msg("marked records left pending by an interrupted task")
	}

	// Empty pending set: nothing to do, no new generation.
	if len(batch) == 0 {
		return nil, nil
	}

	// Step 2: compute the new aggregate in memory.
	agg, err := e.merge(prev, batch)
	if err != nil {
		return nil, err
	}

	// Cancellation is honored only at step boundaries so the
	// resumability invariant holds.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 3: durably write the aggregate. Not authoritative for
	// readers until the checkpoint advances.
	if err := e.durably(ctx, "write aggregate", func(ctx context.Context) error {
		return e.store.PutAggregate(ctx, agg)
	}); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 4: advance the checkpoint.
	if err := e.commitCheckpoint(ctx, agg); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 5: mark the merged records compacted.
	ids := make([]string, len(batch))
	for i, rec := range batch {
		ids[i] = rec.ID
	}
	if err := e.durably(ctx, "mark compacted records", func(ctx context.Context) error {
		return e.store.MarkRecords(ctx, partition, ids, record.StateCompacted)
	}); err != nil {
		return nil, err
	}

	e.log.Info().Str("partition", partition).Uint64("generation", agg.Generation).
		Int("records", len(batch)).Msg("compacted partition")
	return agg, nil
}

// merge computes the next aggregate from the previous one and the
// ordered batch. Records are folded in (IngestedAt, ID) order; the
// merger's algebra makes the result independent of that order anyway.
func (e *Engine) merge(prev *record.Aggregate, batch []record.Record) (*record.Aggregate, error) {
	record.SortRecords(batch)

	acc := e.merger.Zero()
	var generation uint64 = 1
	var prevCovers []string
	if prev != nil {
		acc = prev.Payload
		generation = prev.Generation + 1
		prevCovers = prev.Covers
	}

	merged := make([]string, 0, len(batch))
	seen := make(map[string]struct{}, len(batch))
	for _, rec := range batch {
		// Re-delivered duplicate inside the batch: merge once.
		if _, dup := seen[rec.ID]; dup {
			continue
		}
		seen[rec.ID] = struct{}{}

		next, err := e.merger.Merge(acc, rec.Payload)
		if err != nil {
			return nil, fmt.Errorf("merge record %s/%s: %w", rec.Partition, rec.ID, err)
		}
		acc = next
		merged = append(merged, rec.ID)
	}

	return &record.Aggregate{
		Partition:  batch[0].Partition,
		Generation: generation,
		Covers:     record.MergeCovers(prevCovers, merged),
		Payload:    acc,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// recover inspects the partition's checkpoint and latest aggregate,
// finishes whatever an interrupted task left half-done, and returns
// the committed aggregate the next merge builds on (nil if the
// partition has never been compacted).
func (e *Engine) recover(ctx context.Context, partition string) (*record.Aggregate, error) {
	cp, err := e.store.Checkpoint(ctx, partition)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("read checkpoint %s: %w", partition, err)
	}

	latest, err := e.store.LatestAggregate(ctx, partition)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("read latest aggregate %s: %w", partition, err)
	}

	var cpGen uint64
	if cp != nil {
		cpGen = cp.Generation
	}

	// The checkpoint references a generation that does not exist:
	// fatal for this partition until manually reconciled.
	if cp != nil && (latest == nil || latest.Generation < cpGen) {
		return nil, fmt.Errorf("%w: partition %s checkpoint at generation %d, no such aggregate",
			ErrCorruptCheckpoint, partition, cpGen)
	}

	// Aggregate ahead of checkpoint: the previous task died between
	// writing the aggregate and advancing the checkpoint. The write
	// was atomic, so verify it against its parent and resume at the
	// checkpoint step. Never recompute, never double-write.
	if latest != nil && latest.Generation > cpGen {
		if err := e.verifyAggregate(ctx, latest); err != nil {
			return nil, err
		}
		e.log.Warn().Str("partition", partition).
			Uint64("generation", latest.Generation).
			Uint64("checkpointed", cpGen).
			Msg("resuming interrupted compaction")

		if err := e.commitCheckpoint(ctx, latest); err != nil {
			return nil, err
		}
	}

	return latest, nil
}

// verifyAggregate checks that an uncheckpointed aggregate is complete:
// it must cover everything its parent generation covered.
func (e *Engine) verifyAggregate(ctx context.Context, agg *record.Aggregate) error {
	if agg.Generation <= 1 {
		return nil
	}
	parent, err := e.store.AggregateAt(ctx, agg.Partition, agg.Generation-1)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: partition %s generation %d has no parent aggregate",
			ErrCorruptCheckpoint, agg.Partition, agg.Generation)
	}
	if err != nil {
		return fmt.Errorf("read parent aggregate %s/%d: %w", agg.Partition, agg.Generation-1, err)
	}

	covers := record.CoverSetOf(agg)
	for _, id := range parent.Covers {
		if !covers.Contains(id) {
			return fmt.Errorf("%w: partition %s generation %d lost coverage of record %s",
				ErrCorruptCheckpoint, agg.Partition, agg.Generation, id)
		}
	}
	return nil
}

func (e *Engine) commitCheckpoint(ctx context.Context, agg *record.Aggregate) error {
	cp := &record.Checkpoint{
		Partition:  agg.Partition,
		Generation: agg.Generation,
		UpdatedAt:  time.Now().UTC(),
	}
	if n := len(agg.Covers); n > 0 {
		cp.LastRecordID = agg.Covers[n-1]
	}
	return e.durably(ctx, "write checkpoint", func(ctx context.Context) error {
		return e.store.PutCheckpoint(ctx, cp)
	})
}

// durably runs a storage write with bounded exponential backoff on
// transient failure. The write itself is never cancelled mid-flight;
// the surrounding context is only consulted between attempts.
func (e *Engine) durably(ctx context.Context, op string, fn func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.RetryBaseDelay
	bo.MaxInterval = e.cfg.RetryMaxDelay

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.cfg.RetryBudget)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn(context.WithoutCancel(ctx))
		if err == nil {
			return nil
		}
		if !storage.IsTransient(err) {
			return backoff.Permanent(err)
		}
		e.log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("transient store failure, retrying")
		return err
	}, policy)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
