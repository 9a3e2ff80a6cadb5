package storage

import (
	"context"
	"time"

	"github.com/cairn-db/cairn/pkg/record"
)

// Store is the record store shared by the ingestion gateway, the query
// gateway and the compaction engine. All mutation goes through atomic
// single-document writes; no multi-partition transactions are assumed.
// Implementations: memory (testing), badger (embedded production).
type Store interface {
	// AppendRecord durably writes a new raw record.
	AppendRecord(ctx context.Context, rec *record.Record) error

	// PendingRecords returns up to limit pending records for a
	// partition, ordered by (IngestedAt, ID). limit <= 0 means all.
	PendingRecords(ctx context.Context, partition string, limit int) ([]record.Record, error)

	// RecordsInState returns records of a partition in the given state
	// ingested before the cutoff, ordered by (IngestedAt, ID).
	RecordsInState(ctx context.Context, partition string, state record.State, before time.Time, limit int) ([]record.Record, error)

	// MarkRecords moves the listed records to the given state.
	// Backward transitions are rejected; re-applying the current state
	// is a no-op so the compaction protocol can safely resume.
	MarkRecords(ctx context.Context, partition string, ids []string, state record.State) error

	// PurgeRecords hard-deletes records. Only the archiver calls this,
	// and only for records already exported.
	PurgeRecords(ctx context.Context, partition string, ids []string) error

	// PartitionStats reports per-partition pending counts and the age
	// of the oldest pending record, the scheduler's selection input.
	PartitionStats(ctx context.Context) ([]PartitionStats, error)

	// PutAggregate durably writes a new aggregate generation.
	PutAggregate(ctx context.Context, agg *record.Aggregate) error

	// LatestAggregate returns the highest-generation aggregate for a
	// partition, or ErrNotFound if the partition has none.
	LatestAggregate(ctx context.Context, partition string) (*record.Aggregate, error)

	// AggregateAt returns a specific generation, or ErrNotFound.
	AggregateAt(ctx context.Context, partition string, generation uint64) (*record.Aggregate, error)

	// PutCheckpoint durably writes the compaction checkpoint for a
	// partition. Callers must only do this after the referenced
	// aggregate is durable.
	PutCheckpoint(ctx context.Context, cp *record.Checkpoint) error

	// Checkpoint returns the partition's checkpoint, or ErrNotFound if
	// the partition has never completed a compaction.
	Checkpoint(ctx context.Context, partition string) (*record.Checkpoint, error)

	// PutArchive stores an exported archive document.
	PutArchive(ctx context.Context, a *Archive) error

	// ListArchives returns metadata for all stored archives, newest
	// first.
	ListArchives(ctx context.Context) ([]ArchiveInfo, error)

	// GetArchive returns a stored archive by id, or ErrNotFound.
	GetArchive(ctx context.Context, id string) (*Archive, error)

	// Stats returns store-wide statistics.
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the store.
	Close() error
}

// PartitionStats summarizes one partition for the compaction scheduler.
type PartitionStats struct {
	Partition     string    `json:"partition_key"`
	PendingCount  int       `json:"pending_count"`
	OldestPending time.Time `json:"oldest_pending,omitempty"`
}

// Archive is an exported batch of purged raw records: a zip of CSV
// files plus metadata, the long-term cold copy of retired data.
type Archive struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Partition string    `json:"partition_key"`
	Data      []byte    `json:"-"`
	Size      int64     `json:"size"`
	Records   int       `json:"records"`
	CreatedAt time.Time `json:"created_at"`
}

// ArchiveInfo is archive metadata without the blob.
type ArchiveInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Partition string    `json:"partition_key"`
	Size      int64     `json:"size"`
	Records   int       `json:"records"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats provides store health and usage info.
type Stats struct {
	TotalRecords    uint64    `json:"total_records"`
	PendingRecords  uint64    `json:"pending_records"`
	TotalAggregates uint64    `json:"total_aggregates"`
	TotalPartitions uint64    `json:"total_partitions"`
	TotalArchives   uint64    `json:"total_archives"`
	SizeBytes       uint64    `json:"size_bytes"`
	OldestRecord    time.Time `json:"oldest_record,omitempty"`
	NewestRecord    time.Time `json:"newest_record,omitempty"`
}
