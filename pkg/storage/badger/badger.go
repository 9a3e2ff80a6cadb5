// Package badger implements storage.Store on BadgerDB, the embedded
// LSM-tree store used for single-node deployments.
package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/golang/snappy"

	"github.com/cairn-db/cairn/pkg/record"
	"github.com/cairn-db/cairn/pkg/storage"
)

// Key layout, one byte of kind then fixed-width binary segments so
// prefix iteration stays ordered:
//
//	'r' + partition_hash(8) + ingested_at_nanos(8) + id_hash(8) -> record JSON
//	'a' + partition_hash(8) + generation(8)                     -> snappy(aggregate JSON)
//	'c' + partition_hash(8)                                     -> checkpoint JSON
//	'm' + archive_id                                            -> archive metadata JSON
//	'z' + archive_id                                            -> archive blob
//
// The partition string itself lives in the value, so hash collisions
// are resolved by comparing it after decode.
const (
	kindRecord      = 'r'
	kindAggregate   = 'a'
	kindCheckpoint  = 'c'
	kindArchiveMeta = 'm'
	kindArchiveData = 'z'
)

// Store implements storage.Store using BadgerDB.
type Store struct {
	db *badger.DB
}

// Config holds BadgerDB configuration.
type Config struct {
	// Path to the database directory.
	Path string

	// InMemory mode, for testing.
	InMemory bool

	// MaxMemoryMB caps BadgerDB memory use (0 = conservative default).
	MaxMemoryMB int64
}

// New opens a BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// 16 MB memtable is the floor for decent performance; smaller
	// causes excessive flushes.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumCompactors(2).
		WithValueThreshold(1024).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db}, nil
}

// AppendRecord durably writes a new raw record.
func (s *Store) AppendRecord(ctx context.Context, rec *record.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	key := recordKey(rec.Partition, rec.IngestedAt, rec.ID)

	return s.guarded(ctx, func() error {
		return s.update(func(txn *badger.Txn) error {
			return txn.Set(key, value)
		})
	})
}

// PendingRecords returns pending records ordered by (IngestedAt, ID).
func (s *Store) PendingRecords(ctx context.Context, partition string, limit int) ([]record.Record, error) {
	return s.RecordsInState(ctx, partition, record.StatePending, time.Time{}, limit)
}

// RecordsInState scans the partition prefix for records in the given
// state ingested before the cutoff. A zero cutoff means no age filter.
func (s *Store) RecordsInState(ctx context.Context, partition string, state record.State, before time.Time, limit int) ([]record.Record, error) {
	var out []record.Record

	err := s.guarded(ctx, func() error {
		return s.db.View(func(txn *badger.Txn) error {
			return s.scanPartition(ctx, txn, partition, func(rec record.Record) (bool, error) {
				if rec.State != state {
					return true, nil
				}
				if !before.IsZero() && !rec.IngestedAt.Before(before) {
					return true, nil
				}
				out = append(out, rec)
				return limit <= 0 || len(out) < limit, nil
			})
		})
	})
	if err != nil {
		return nil, err
	}

	record.SortRecords(out)
	return out, nil
}

// MarkRecords moves records to the given state, forward only.
func (s *Store) MarkRecords(ctx context.Context, partition string, ids []string, state record.State) error {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	return s.guarded(ctx, func() error {
		return s.update(func(txn *badger.Txn) error {
			found := 0
			err := s.scanPartition(ctx, txn, partition, func(rec record.Record) (bool, error) {
				if _, ok := want[rec.ID]; !ok {
					return true, nil
				}
				if !rec.State.CanTransition(state) {
					return false, fmt.Errorf("mark %s/%s %s -> %s: %w",
						partition, rec.ID, rec.State, state, storage.ErrStateRegression)
				}
				found++
				if rec.State == state {
					return found < len(want), nil
				}
				rec.State = state
				value, err := json.Marshal(&rec)
				if err != nil {
					return false, fmt.Errorf("encode record: %w", err)
				}
				if err := txn.Set(recordKey(partition, rec.IngestedAt, rec.ID), value); err != nil {
					return false, err
				}
				return found < len(want), nil
			})
			if err != nil {
				return err
			}
			if found != len(want) {
				return fmt.Errorf("mark %s: %d of %d records: %w", partition, found, len(want), storage.ErrNotFound)
			}
			return nil
		})
	})
}

// PurgeRecords hard-deletes records.
func (s *Store) PurgeRecords(ctx context.Context, partition string, ids []string) error {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	return s.guarded(ctx, func() error {
		return s.update(func(txn *badger.Txn) error {
			var keys [][]byte
			err := s.scanPartitionKeys(ctx, txn, partition, func(key []byte, rec record.Record) (bool, error) {
				if _, ok := want[rec.ID]; ok {
					keys = append(keys, append([]byte(nil), key...))
				}
				return len(keys) < len(want), nil
			})
			if err != nil {
				return err
			}
			for _, key := range keys {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// PartitionStats scans all records and reports pending counts per
// partition.
func (s *Store) PartitionStats(ctx context.Context) ([]storage.PartitionStats, error) {
	acc := make(map[string]*storage.PartitionStats)

	err := s.guarded(ctx, func() error {
		return s.db.View(func(txn *badger.Txn) error {
			return s.scanAll(ctx, txn, func(rec record.Record) error {
				ps := acc[rec.Partition]
				if ps == nil {
					ps = &storage.PartitionStats{Partition: rec.Partition}
					acc[rec.Partition] = ps
				}
				if rec.State == record.StatePending {
					ps.PendingCount++
					if ps.OldestPending.IsZero() || rec.IngestedAt.Before(ps.OldestPending) {
						ps.OldestPending = rec.IngestedAt
					}
				}
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}

	out := make([]storage.PartitionStats, 0, len(acc))
	for _, ps := range acc {
		out = append(out, *ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out, nil
}

// PutAggregate durably writes a new aggregate generation. The document
// is snappy-compressed: covers lists grow with partition history.
func (s *Store) PutAggregate(ctx context.Context, agg *record.Aggregate) error {
	raw, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("encode aggregate: %w", err)
	}
	value := snappy.Encode(nil, raw)
	key := aggregateKey(agg.Partition, agg.Generation)

	return s.guarded(ctx, func() error {
		return s.update(func(txn *badger.Txn) error {
			return txn.Set(key, value)
		})
	})
}

// LatestAggregate returns the highest generation for a partition.
func (s *Store) LatestAggregate(ctx context.Context, partition string) (*record.Aggregate, error) {
	var out *record.Aggregate

	err := s.guarded(ctx, func() error {
		return s.db.View(func(txn *badger.Txn) error {
			prefix := aggregatePrefix(partition)

			opts := badger.DefaultIteratorOptions
			opts.Reverse = true
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			defer it.Close()

			// Seek past the last possible generation, then walk back.
			seek := append(append([]byte(nil), prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
			for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
				agg, err := decodeAggregate(it.Item())
				if err != nil {
					return err
				}
				if agg.Partition != partition { // hash collision
					continue
				}
				out = agg
				return nil
			}
			return storage.ErrNotFound
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AggregateAt returns a specific generation.
func (s *Store) AggregateAt(ctx context.Context, partition string, generation uint64) (*record.Aggregate, error) {
	var out *record.Aggregate

	err := s.guarded(ctx, func() error {
		return s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(aggregateKey(partition, generation))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			if err != nil {
				return err
			}
			agg, err := decodeAggregate(item)
			if err != nil {
				return err
			}
			if agg.Partition != partition {
				return storage.ErrNotFound
			}
			out = agg
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutCheckpoint durably writes the partition checkpoint.
func (s *Store) PutCheckpoint(ctx context.Context, cp *record.Checkpoint) error {
	value, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	key := checkpointKey(cp.Partition)

	return s.guarded(ctx, func() error {
		return s.update(func(txn *badger.Txn) error {
			return txn.Set(key, value)
		})
	})
}

// Checkpoint returns the partition checkpoint.
func (s *Store) Checkpoint(ctx context.Context, partition string) (*record.Checkpoint, error) {
	var out *record.Checkpoint

	err := s.guarded(ctx, func() error {
		return s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(checkpointKey(partition))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			if err != nil {
				return err
			}
			return item.Value(func(val []byte) error {
				var cp record.Checkpoint
				if err := json.Unmarshal(val, &cp); err != nil {
					return fmt.Errorf("decode checkpoint: %w", err)
				}
				if cp.Partition != partition {
					return storage.ErrNotFound
				}
				out = &cp
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutArchive stores archive metadata and blob under separate keys so
// listings never load blobs.
func (s *Store) PutArchive(ctx context.Context, a *storage.Archive) error {
	meta, err := json.Marshal(storage.ArchiveInfo{
		ID:        a.ID,
		Name:      a.Name,
		Partition: a.Partition,
		Size:      a.Size,
		Records:   a.Records,
		CreatedAt: a.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode archive metadata: %w", err)
	}

	return s.guarded(ctx, func() error {
		return s.update(func(txn *badger.Txn) error {
			if err := txn.Set(archiveKey(kindArchiveMeta, a.ID), meta); err != nil {
				return err
			}
			return txn.Set(archiveKey(kindArchiveData, a.ID), a.Data)
		})
	})
}

// ListArchives returns archive metadata, newest first.
func (s *Store) ListArchives(ctx context.Context) ([]storage.ArchiveInfo, error) {
	var out []storage.ArchiveInfo

	err := s.guarded(ctx, func() error {
		return s.db.View(func(txn *badger.Txn) error {
			prefix := []byte{kindArchiveMeta}
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				err := it.Item().Value(func(val []byte) error {
					var info storage.ArchiveInfo
					if err := json.Unmarshal(val, &info); err != nil {
						return fmt.Errorf("decode archive metadata: %w", err)
					}
					out = append(out, info)
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// GetArchive returns a stored archive with its blob.
func (s *Store) GetArchive(ctx context.Context, id string) (*storage.Archive, error) {
	var out *storage.Archive

	err := s.guarded(ctx, func() error {
		return s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(archiveKey(kindArchiveMeta, id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			if err != nil {
				return err
			}

			var info storage.ArchiveInfo
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &info) }); err != nil {
				return fmt.Errorf("decode archive metadata: %w", err)
			}

			data, err := txn.Get(archiveKey(kindArchiveData, id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			if err != nil {
				return err
			}
			blob, err := data.ValueCopy(nil)
			if err != nil {
				return err
			}

			out = &storage.Archive{
				ID:        info.ID,
				Name:      info.Name,
				Partition: info.Partition,
				Data:      blob,
				Size:      info.Size,
				Records:   info.Records,
				CreatedAt: info.CreatedAt,
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stats scans the store and returns global statistics.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}

	err := s.guarded(ctx, func() error {
		return s.db.View(func(txn *badger.Txn) error {
			partitions := make(map[string]struct{})

			if err := s.scanAll(ctx, txn, func(rec record.Record) error {
				stats.TotalRecords++
				partitions[rec.Partition] = struct{}{}
				if rec.State == record.StatePending {
					stats.PendingRecords++
				}
				if stats.OldestRecord.IsZero() || rec.IngestedAt.Before(stats.OldestRecord) {
					stats.OldestRecord = rec.IngestedAt
				}
				if rec.IngestedAt.After(stats.NewestRecord) {
					stats.NewestRecord = rec.IngestedAt
				}
				return nil
			}); err != nil {
				return err
			}
			stats.TotalPartitions = uint64(len(partitions))

			for _, kind := range []byte{kindAggregate, kindArchiveMeta} {
				prefix := []byte{kind}
				opts := badger.DefaultIteratorOptions
				opts.Prefix = prefix
				opts.PrefetchValues = false
				it := txn.NewIterator(opts)
				count := uint64(0)
				for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
					count++
				}
				it.Close()
				if kind == kindAggregate {
					stats.TotalAggregates = count
				} else {
					stats.TotalArchives = count
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	lsm, vlog := s.db.Size()
	stats.SizeBytes = uint64(lsm + vlog)
	return stats, nil
}

// RunGC runs BadgerDB's value log garbage collection to reclaim disk
// space from purged records.
func (s *Store) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Close shuts down BadgerDB cleanly.
func (s *Store) Close() error {
	return s.db.Close()
}

// update runs a read-write transaction, mapping commit failures to the
// transient error class so callers retry them.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	err := s.db.Update(fn)
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrStateRegression) {
		return err
	}
	if errors.Is(err, badger.ErrConflict) || errors.Is(err, badger.ErrBlockedWrites) || errors.Is(err, badger.ErrDBClosed) {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return err
}

// guarded runs fn in a goroutine and honors context cancellation while
// waiting, so a stalled disk cannot block shutdown.
func (s *Store) guarded(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("store operation cancelled: %w", ctx.Err())
	}
}

// scanPartition iterates a partition's records in key order. The
// visitor returns false to stop early.
func (s *Store) scanPartition(ctx context.Context, txn *badger.Txn, partition string, visit func(record.Record) (bool, error)) error {
	return s.scanPartitionKeys(ctx, txn, partition, func(_ []byte, rec record.Record) (bool, error) {
		return visit(rec)
	})
}

func (s *Store) scanPartitionKeys(ctx context.Context, txn *badger.Txn, partition string, visit func([]byte, record.Record) (bool, error)) error {
	prefix := recordPrefix(partition)

	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchSize = 100
	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		n++
		if n%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		item := it.Item()
		var rec record.Record
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		if rec.Partition != partition { // hash collision
			continue
		}

		cont, err := visit(item.Key(), rec)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// scanAll iterates every record in the store.
func (s *Store) scanAll(ctx context.Context, txn *badger.Txn, visit func(record.Record) error) error {
	prefix := []byte{kindRecord}

	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchSize = 100
	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		n++
		if n%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		var rec record.Record
		if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		if err := visit(rec); err != nil {
			return err
		}
	}
	return nil
}

func recordPrefix(partition string) []byte {
	key := make([]byte, 9)
	key[0] = kindRecord
	binary.BigEndian.PutUint64(key[1:9], xxhash.Sum64String(partition))
	return key
}

func recordKey(partition string, ingestedAt time.Time, id string) []byte {
	key := make([]byte, 25)
	key[0] = kindRecord
	binary.BigEndian.PutUint64(key[1:9], xxhash.Sum64String(partition))
	binary.BigEndian.PutUint64(key[9:17], uint64(ingestedAt.UnixNano()))
	binary.BigEndian.PutUint64(key[17:25], xxhash.Sum64String(id))
	return key
}

func aggregatePrefix(partition string) []byte {
	key := make([]byte, 9)
	key[0] = kindAggregate
	binary.BigEndian.PutUint64(key[1:9], xxhash.Sum64String(partition))
	return key
}

func aggregateKey(partition string, generation uint64) []byte {
	key := make([]byte, 17)
	key[0] = kindAggregate
	binary.BigEndian.PutUint64(key[1:9], xxhash.Sum64String(partition))
	binary.BigEndian.PutUint64(key[9:17], generation)
	return key
}

func checkpointKey(partition string) []byte {
	key := make([]byte, 9)
	key[0] = kindCheckpoint
	binary.BigEndian.PutUint64(key[1:9], xxhash.Sum64String(partition))
	return key
}

func archiveKey(kind byte, id string) []byte {
	var buf bytes.Buffer
	buf.WriteByte(kind)
	buf.WriteString(id)
	return buf.Bytes()
}

func decodeAggregate(item *badger.Item) (*record.Aggregate, error) {
	var agg record.Aggregate
	err := item.Value(func(val []byte) error {
		raw, err := snappy.Decode(nil, val)
		if err != nil {
			return fmt.Errorf("decompress aggregate: %w", err)
		}
		return json.Unmarshal(raw, &agg)
	})
	if err != nil {
		return nil, fmt.Errorf("decode aggregate: %w", err)
	}
	return &agg, nil
}
