package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cairn-db/cairn/pkg/record"
	"github.com/cairn-db/cairn/pkg/storage"
)

// Store keeps everything in memory. Data is lost on restart.
// Useful for testing and development.
type Store struct {
	mu          sync.RWMutex
	records     map[string]map[string]record.Record    // partition -> id -> record
	aggregates  map[string]map[uint64]record.Aggregate // partition -> generation -> aggregate
	checkpoints map[string]record.Checkpoint           // partition -> checkpoint
	archives    map[string]storage.Archive             // id -> archive
}

// New creates an in-memory store.
func New() *Store {
	return &Store{
		records:     make(map[string]map[string]record.Record),
		aggregates:  make(map[string]map[uint64]record.Aggregate),
		checkpoints: make(map[string]record.Checkpoint),
		archives:    make(map[string]storage.Archive),
	}
}

// AppendRecord stores a new raw record.
func (s *Store) AppendRecord(ctx context.Context, rec *record.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	part := s.records[rec.Partition]
	if part == nil {
		part = make(map[string]record.Record)
		s.records[rec.Partition] = part
	}
	part[rec.ID] = *rec
	return nil
}

// PendingRecords returns pending records ordered by (IngestedAt, ID).
func (s *Store) PendingRecords(ctx context.Context, partition string, limit int) ([]record.Record, error) {
	return s.RecordsInState(ctx, partition, record.StatePending, time.Time{}, limit)
}

// RecordsInState returns records in the given state ingested before the
// cutoff. A zero cutoff means no age filter.
func (s *Store) RecordsInState(ctx context.Context, partition string, state record.State, before time.Time, limit int) ([]record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []record.Record
	for _, rec := range s.records[partition] {
		if rec.State != state {
			continue
		}
		if !before.IsZero() && !rec.IngestedAt.Before(before) {
			continue
		}
		out = append(out, rec)
	}

	record.SortRecords(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkRecords moves records to the given state, forward only.
func (s *Store) MarkRecords(ctx context.Context, partition string, ids []string, state record.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	part := s.records[partition]
	for _, id := range ids {
		rec, ok := part[id]
		if !ok {
			return fmt.Errorf("mark %s/%s: %w", partition, id, storage.ErrNotFound)
		}
		if !rec.State.CanTransition(state) {
			return fmt.Errorf("mark %s/%s %s -> %s: %w", partition, id, rec.State, state, storage.ErrStateRegression)
		}
		rec.State = state
		part[id] = rec
	}
	return nil
}

// PurgeRecords hard-deletes records.
func (s *Store) PurgeRecords(ctx context.Context, partition string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	part := s.records[partition]
	for _, id := range ids {
		delete(part, id)
	}
	return nil
}

// PartitionStats reports pending counts per partition.
func (s *Store) PartitionStats(ctx context.Context) ([]storage.PartitionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []storage.PartitionStats
	for partition, recs := range s.records {
		ps := storage.PartitionStats{Partition: partition}
		for _, rec := range recs {
			if rec.State != record.StatePending {
				continue
			}
			ps.PendingCount++
			if ps.OldestPending.IsZero() || rec.IngestedAt.Before(ps.OldestPending) {
				ps.OldestPending = rec.IngestedAt
			}
		}
		out = append(out, ps)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out, nil
}

// PutAggregate stores a new aggregate generation.
func (s *Store) PutAggregate(ctx context.Context, agg *record.Aggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	part := s.aggregates[agg.Partition]
	if part == nil {
		part = make(map[uint64]record.Aggregate)
		s.aggregates[agg.Partition] = part
	}
	part[agg.Generation] = *agg
	return nil
}

// LatestAggregate returns the highest generation for a partition.
func (s *Store) LatestAggregate(ctx context.Context, partition string) (*record.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *record.Aggregate
	for gen, agg := range s.aggregates[partition] {
		if latest == nil || gen > latest.Generation {
			a := agg
			latest = &a
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	return latest, nil
}

// AggregateAt returns a specific generation.
func (s *Store) AggregateAt(ctx context.Context, partition string, generation uint64) (*record.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg, ok := s.aggregates[partition][generation]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &agg, nil
}

// PutCheckpoint stores the partition checkpoint.
func (s *Store) PutCheckpoint(ctx context.Context, cp *record.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints[cp.Partition] = *cp
	return nil
}

// Checkpoint returns the partition checkpoint.
func (s *Store) Checkpoint(ctx context.Context, partition string) (*record.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[partition]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &cp, nil
}

// PutArchive stores an archive document.
func (s *Store) PutArchive(ctx context.Context, a *storage.Archive) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.archives[a.ID] = *a
	return nil
}

// ListArchives returns archive metadata, newest first.
func (s *Store) ListArchives(ctx context.Context) ([]storage.ArchiveInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.ArchiveInfo, 0, len(s.archives))
	for _, a := range s.archives {
		out = append(out, storage.ArchiveInfo{
			ID:        a.ID,
			Name:      a.Name,
			Partition: a.Partition,
			Size:      a.Size,
			Records:   a.Records,
			CreatedAt: a.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// GetArchive returns a stored archive.
func (s *Store) GetArchive(ctx context.Context, id string) (*storage.Archive, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.archives[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &a, nil
}

// Stats returns store statistics.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{
		TotalPartitions: uint64(len(s.records)),
		TotalArchives:   uint64(len(s.archives)),
	}

	for _, recs := range s.records {
		for _, rec := range recs {
			stats.TotalRecords++
			if rec.State == record.StatePending {
				stats.PendingRecords++
			}
			if stats.OldestRecord.IsZero() || rec.IngestedAt.Before(stats.OldestRecord) {
				stats.OldestRecord = rec.IngestedAt
			}
			if rec.IngestedAt.After(stats.NewestRecord) {
				stats.NewestRecord = rec.IngestedAt
			}
			// Rough size estimate
			stats.SizeBytes += uint64(len(rec.Payload)) + 100
		}
	}
	for _, aggs := range s.aggregates {
		stats.TotalAggregates += uint64(len(aggs))
	}
	return stats, nil
}

// Close is a no-op for the memory store.
func (s *Store) Close() error {
	return nil
}
