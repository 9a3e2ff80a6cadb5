package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cairn-db/cairn/pkg/record"
	"github.com/cairn-db/cairn/pkg/storage"
)

func pendingRecord(id, partition string, at time.Time) *record.Record {
	return &record.Record{
		ID:         id,
		Partition:  partition,
		Payload:    []byte(`{"v":1}`),
		IngestedAt: at,
		State:      record.StatePending,
	}
}

func TestAppendAndPendingRecords(t *testing.T) {
	store := New()
	defer store.Close()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.AppendRecord(ctx, pendingRecord("B", "p1", base.Add(time.Second))))
	require.NoError(t, store.AppendRecord(ctx, pendingRecord("A", "p1", base)))
	require.NoError(t, store.AppendRecord(ctx, pendingRecord("X", "p2", base)))

	pending, err := store.PendingRecords(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "A", pending[0].ID, "ordered by ingestion time")
	require.Equal(t, "B", pending[1].ID)

	limited, err := store.PendingRecords(ctx, "p1", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestAppendRecord_RejectsInvalid(t *testing.T) {
	store := New()
	defer store.Close()
	err := store.AppendRecord(context.Background(), &record.Record{Partition: "p1", State: record.StatePending})
	require.Error(t, err)
}

func TestMarkRecords_ForwardOnly(t *testing.T) {
	store := New()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.AppendRecord(ctx, pendingRecord("A", "p1", time.Now())))
	require.NoError(t, store.MarkRecords(ctx, "p1", []string{"A"}, record.StateCompacted))

	// Same-state write is idempotent.
	require.NoError(t, store.MarkRecords(ctx, "p1", []string{"A"}, record.StateCompacted))

	// Backward transition is refused.
	err := store.MarkRecords(ctx, "p1", []string{"A"}, record.StatePending)
	require.ErrorIs(t, err, storage.ErrStateRegression)

	// Unknown id is not found.
	err = store.MarkRecords(ctx, "p1", []string{"nope"}, record.StateCompacted)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRecordsInState_CutoffFilter(t *testing.T) {
	store := New()
	defer store.Close()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.AppendRecord(ctx, pendingRecord("old", "p1", base)))
	require.NoError(t, store.AppendRecord(ctx, pendingRecord("new", "p1", base.Add(time.Hour))))
	require.NoError(t, store.MarkRecords(ctx, "p1", []string{"old", "new"}, record.StateCompacted))

	recs, err := store.RecordsInState(ctx, "p1", record.StateCompacted, base.Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "old", recs[0].ID)
}

func TestPurgeRecords(t *testing.T) {
	store := New()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.AppendRecord(ctx, pendingRecord("A", "p1", time.Now())))
	require.NoError(t, store.PurgeRecords(ctx, "p1", []string{"A"}))

	pending, err := store.PendingRecords(ctx, "p1", 0)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestAggregates_LatestAndAt(t *testing.T) {
	store := New()
	defer store.Close()
	ctx := context.Background()

	_, err := store.LatestAggregate(ctx, "p1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	for gen := uint64(1); gen <= 3; gen++ {
		require.NoError(t, store.PutAggregate(ctx, &record.Aggregate{
			Partition:  "p1",
			Generation: gen,
			Covers:     []string{"A"},
			Payload:    []byte(`{}`),
			CreatedAt:  time.Now().UTC(),
		}))
	}

	latest, err := store.LatestAggregate(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, uint64(3), latest.Generation)

	second, err := store.AggregateAt(ctx, "p1", 2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), second.Generation)

	_, err = store.AggregateAt(ctx, "p1", 9)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCheckpointRoundTrip(t *testing.T) {
	store := New()
	defer store.Close()
	ctx := context.Background()

	_, err := store.Checkpoint(ctx, "p1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	cp := &record.Checkpoint{Partition: "p1", Generation: 4, LastRecordID: "r9", UpdatedAt: time.Now().UTC()}
	require.NoError(t, store.PutCheckpoint(ctx, cp))

	got, err := store.Checkpoint(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, uint64(4), got.Generation)
	require.Equal(t, "r9", got.LastRecordID)
}

func TestPartitionStats(t *testing.T) {
	store := New()
	defer store.Close()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.AppendRecord(ctx, pendingRecord("A", "p1", base.Add(time.Minute))))
	require.NoError(t, store.AppendRecord(ctx, pendingRecord("B", "p1", base)))
	require.NoError(t, store.AppendRecord(ctx, pendingRecord("C", "p2", base)))
	require.NoError(t, store.MarkRecords(ctx, "p2", []string{"C"}, record.StateCompacted))

	stats, err := store.PartitionStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	require.Equal(t, "p1", stats[0].Partition)
	require.Equal(t, 2, stats[0].PendingCount)
	require.Equal(t, base, stats[0].OldestPending)
	require.Equal(t, 0, stats[1].PendingCount)
}

func TestArchives(t *testing.T) {
	store := New()
	defer store.Close()
	ctx := context.Background()

	a := &storage.Archive{
		ID:        "arc-1",
		Name:      "p1_2026-03-01.zip",
		Partition: "p1",
		Data:      []byte("zipbytes"),
		Size:      8,
		Records:   3,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.PutArchive(ctx, a))

	infos, err := store.ListArchives(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "arc-1", infos[0].ID)

	got, err := store.GetArchive(ctx, "arc-1")
	require.NoError(t, err)
	require.Equal(t, []byte("zipbytes"), got.Data)

	_, err = store.GetArchive(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}
