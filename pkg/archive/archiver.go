// Package archive exports retired records into zipped CSV archives and
// purges them from the record store. Archives are the cold copy of
// retired data; purging is the only hard-delete path in cairn.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cairn-db/cairn/pkg/record"
	"github.com/cairn-db/cairn/pkg/storage"
)

// Sink persists finished archives.
type Sink interface {
	Put(ctx context.Context, a *storage.Archive) error
}

// StoreSink keeps archives as documents in the record store itself,
// served back by the retriever's archive endpoints.
type StoreSink struct {
	Store storage.Store
}

// Put stores the archive document.
func (s *StoreSink) Put(ctx context.Context, a *storage.Archive) error {
	return s.Store.PutArchive(ctx, a)
}

// Archiver drains retired records, one batch per partition per tick.
type Archiver struct {
	store     storage.Store
	sink      Sink
	batchSize int
	log       zerolog.Logger
}

// New creates an archiver writing to the given sink.
func New(store storage.Store, sink Sink, batchSize int, log zerolog.Logger) *Archiver {
	return &Archiver{
		store:     store,
		sink:      sink,
		batchSize: batchSize,
		log:       log.With().Str("component", "archiver").Logger(),
	}
}

// Run ticks until the context is cancelled.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.log.Info().Msg("archiver stopped")
			return
		case <-ticker.C:
			archived, err := a.Tick(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error().Err(err).Msg("archive tick failed")
			} else if archived > 0 {
				a.log.Info().Int("records", archived).Msg("archived retired records")
			}
		}
	}
}

// Tick exports one batch per partition that has accumulated at least
// batchSize retired records. Records are purged only after the archive
// write succeeded, so a crash in between duplicates an archive at
// worst, never loses data.
func (a *Archiver) Tick(ctx context.Context) (int, error) {
	stats, err := a.store.PartitionStats(ctx)
	if err != nil {
		return 0, fmt.Errorf("list partitions: %w", err)
	}

	total := 0
	for _, ps := range stats {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		recs, err := a.store.RecordsInState(ctx, ps.Partition, record.StateRetired, time.Now(), a.batchSize)
		if err != nil {
			return total, fmt.Errorf("scan retired %s: %w", ps.Partition, err)
		}
		if len(recs) < a.batchSize {
			continue
		}

		n, err := a.ExportBatch(ctx, ps.Partition, recs)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// ExportBatch archives the given retired records for a partition and
// purges them.
func (a *Archiver) ExportBatch(ctx context.Context, partition string, recs []record.Record) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	blob, err := buildZip(partition, recs)
	if err != nil {
		return 0, fmt.Errorf("build archive %s: %w", partition, err)
	}

	id := uuid.NewString()
	arch := &storage.Archive{
		ID:        id,
		Name:      archiveName(partition, recs, id),
		Partition: partition,
		Data:      blob,
		Size:      int64(len(blob)),
		Records:   len(recs),
		CreatedAt: time.Now().UTC(),
	}
	if err := a.sink.Put(ctx, arch); err != nil {
		return 0, fmt.Errorf("store archive %s: %w", arch.Name, err)
	}

	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
	}
	if err := a.store.PurgeRecords(ctx, partition, ids); err != nil {
		return 0, fmt.Errorf("purge archived records %s: %w", partition, err)
	}

	a.log.Info().Str("partition", partition).Str("archive", arch.Name).
		Int("records", len(recs)).Int64("bytes", arch.Size).Msg("exported archive")
	return len(recs), nil
}

func archiveName(partition string, recs []record.Record, id string) string {
	day := recs[0].IngestedAt.Format("2006-01-02")
	return fmt.Sprintf("%s_%s_%s.zip", partition, day, id[:8])
}

// buildZip renders records as one CSV file inside a zip. Columns are
// id, ingested_at, then the sorted union of payload field names across
// the batch, so every row lines up even when payload shapes differ.
func buildZip(partition string, recs []record.Record) ([]byte, error) {
	fieldSet := make(map[string]struct{})
	payloads := make([]record.Fields, len(recs))
	for i, rec := range recs {
		fields, err := record.DecodeFields(rec.Payload)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", rec.ID, err)
		}
		payloads[i] = fields
		for k := range fields {
			fieldSet[k] = struct{}{}
		}
	}

	columns := make([]string, 0, len(fieldSet))
	for k := range fieldSet {
		columns = append(columns, k)
	}
	sort.Strings(columns)

	var csvBuf bytes.Buffer
	cw := csv.NewWriter(&csvBuf)

	header := append([]string{"id", "ingested_at"}, columns...)
	if err := cw.Write(header); err != nil {
		return nil, err
	}
	for i, rec := range recs {
		row := make([]string, 0, len(header))
		row = append(row, rec.ID, rec.IngestedAt.Format(time.RFC3339Nano))
		for _, col := range columns {
			if v, ok := payloads[i][col]; ok {
				row = append(row, strconv.FormatFloat(v, 'f', -1, 64))
			} else {
				row = append(row, "")
			}
		}
		if err := cw.Write(row); err != nil {
			return nil, err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, err
	}

	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)
	f, err := zw.Create(partition + ".csv")
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(csvBuf.Bytes()); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return zipBuf.Bytes(), nil
}
