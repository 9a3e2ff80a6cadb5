package query

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cairn-db/cairn/pkg/compaction"
	"github.com/cairn-db/cairn/pkg/record"
	"github.com/cairn-db/cairn/pkg/storage"
	"github.com/cairn-db/cairn/pkg/storage/memory"
)

func appendCounter(t *testing.T, store storage.Store, partition, id string, at time.Time, fields record.Fields) {
	t.Helper()
	payload, err := record.EncodeFields(fields)
	require.NoError(t, err)
	require.NoError(t, store.AppendRecord(context.Background(), &record.Record{
		ID:         id,
		Partition:  partition,
		Payload:    payload,
		IngestedAt: at,
		State:      record.StatePending,
	}))
}

func viewSum(t *testing.T, view *View, field string) float64 {
	t.Helper()
	fields, err := record.DecodeFields(view.Payload)
	require.NoError(t, err)
	return fields[field]
}

func TestRead_UnknownPartition(t *testing.T) {
	reader := NewReader(memory.New(), compaction.CounterMerger{})
	_, err := reader.Read(context.Background(), "ghost")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRead_PendingOnly(t *testing.T) {
	store := memory.New()
	reader := NewReader(store, compaction.CounterMerger{})
	base := time.Now().UTC()

	appendCounter(t, store, "p1", "A", base, record.Fields{"v": 1})
	appendCounter(t, store, "p1", "B", base, record.Fields{"v": 2})

	view, err := reader.Read(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, uint64(0), view.Generation)
	require.Equal(t, 2, view.PendingMerged)
	require.Equal(t, 0, view.CoveredCount)
	require.Equal(t, 3.0, viewSum(t, view, "v"))
}

func TestRead_AggregatePlusPending(t *testing.T) {
	store := memory.New()
	merger := compaction.CounterMerger{}
	engine := compaction.New(store, merger, compaction.Config{
		RetryBudget:    1,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  time.Millisecond,
	}, zerolog.Nop())
	reader := NewReader(store, merger)
	ctx := context.Background()
	base := time.Now().UTC()

	appendCounter(t, store, "p1", "A", base, record.Fields{"v": 1})
	appendCounter(t, store, "p1", "B", base, record.Fields{"v": 2})
	_, err := engine.CompactPartition(ctx, "p1")
	require.NoError(t, err)

	appendCounter(t, store, "p1", "C", base.Add(time.Minute), record.Fields{"v": 4})

	view, err := reader.Read(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), view.Generation)
	require.Equal(t, 2, view.CoveredCount)
	require.Equal(t, 1, view.PendingMerged)
	require.Equal(t, 7.0, viewSum(t, view, "v"))
}

// A record that is covered by the aggregate but still marked pending
// (compaction died before its final step) must not be counted twice.
func TestRead_NeverDoubleCountsCoveredPending(t *testing.T) {
	store := memory.New()
	merger := compaction.CounterMerger{}
	reader := NewReader(store, merger)
	ctx := context.Background()
	base := time.Now().UTC()

	// Pending record plus an aggregate that already covers it, the
	// exact state between protocol steps 4 and 5.
	appendCounter(t, store, "p1", "A", base, record.Fields{"v": 5})
	payload, err := record.EncodeFields(record.Fields{"v": 5})
	require.NoError(t, err)
	require.NoError(t, store.PutAggregate(ctx, &record.Aggregate{
		Partition:  "p1",
		Generation: 1,
		Covers:     []string{"A"},
		Payload:    payload,
		CreatedAt:  base,
	}))

	view, err := reader.Read(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 0, view.PendingMerged)
	require.Equal(t, 5.0, viewSum(t, view, "v"))
}

// The merged total is identical before, during and after a compaction
// interruption.
func TestRead_ConsistentAcrossInterruptedCompaction(t *testing.T) {
	store := memory.New()
	merger := compaction.CounterMerger{}
	reader := NewReader(store, merger)
	ctx := context.Background()
	base := time.Now().UTC()

	appendCounter(t, store, "p1", "A", base, record.Fields{"v": 1})
	appendCounter(t, store, "p1", "B", base, record.Fields{"v": 2})

	before, err := reader.Read(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 3.0, viewSum(t, before, "v"))

	// Aggregate written, checkpoint and marking never happened.
	payload, err := record.EncodeFields(record.Fields{"v": 3})
	require.NoError(t, err)
	require.NoError(t, store.PutAggregate(ctx, &record.Aggregate{
		Partition:  "p1",
		Generation: 1,
		Covers:     []string{"A", "B"},
		Payload:    payload,
		CreatedAt:  base,
	}))

	during, err := reader.Read(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 3.0, viewSum(t, during, "v"))

	// Marking finally lands.
	require.NoError(t, store.MarkRecords(ctx, "p1", []string{"A", "B"}, record.StateCompacted))
	after, err := reader.Read(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 3.0, viewSum(t, after, "v"))
	require.Equal(t, 2, after.CoveredCount)
}

// Retired records no longer contribute to reads; the aggregate does.
func TestRead_RetiredRecordsInvisible(t *testing.T) {
	store := memory.New()
	merger := compaction.CounterMerger{}
	reader := NewReader(store, merger)
	ctx := context.Background()
	base := time.Now().UTC()

	appendCounter(t, store, "p1", "A", base, record.Fields{"v": 9})
	payload, err := record.EncodeFields(record.Fields{"v": 9})
	require.NoError(t, err)
	require.NoError(t, store.PutAggregate(ctx, &record.Aggregate{
		Partition:  "p1",
		Generation: 1,
		Covers:     []string{"A"},
		Payload:    payload,
		CreatedAt:  base,
	}))
	require.NoError(t, store.MarkRecords(ctx, "p1", []string{"A"}, record.StateRetired))

	view, err := reader.Read(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 9.0, viewSum(t, view, "v"))
	require.Equal(t, 0, view.PendingMerged)
}
