package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cairn-db/cairn/pkg/record"
	"github.com/cairn-db/cairn/pkg/storage"
	"github.com/cairn-db/cairn/pkg/storage/memory"
)

func retiredRecord(t *testing.T, id, partition string, at time.Time, fields record.Fields) *record.Record {
	t.Helper()
	payload, err := record.EncodeFields(fields)
	require.NoError(t, err)
	return &record.Record{
		ID:         id,
		Partition:  partition,
		Payload:    payload,
		IngestedAt: at,
		State:      record.StateRetired,
	}
}

func seedRetired(t *testing.T, store storage.Store, partition string, n int) {
	t.Helper()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		rec := retiredRecord(t, fmt.Sprintf("r%03d", i), partition,
			base.Add(time.Duration(i)*time.Second), record.Fields{"v": float64(i)})
		require.NoError(t, store.AppendRecord(context.Background(), rec))
	}
}

func readZipCSV(t *testing.T, blob []byte) [][]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)

	f, err := zr.File[0].Open()
	require.NoError(t, err)
	defer f.Close()

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestExportBatch_ZipAndPurge(t *testing.T) {
	store := memory.New()
	sink := &StoreSink{Store: store}
	archiver := New(store, sink, 10, zerolog.Nop())
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	recs := []record.Record{
		*retiredRecord(t, "A", "p1", base, record.Fields{"v": 1, "extra": 2}),
		*retiredRecord(t, "B", "p1", base.Add(time.Second), record.Fields{"v": 3}),
	}
	for i := range recs {
		require.NoError(t, store.AppendRecord(ctx, &recs[i]))
	}

	n, err := archiver.ExportBatch(ctx, "p1", recs)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// Archived records are gone from the store.
	left, err := store.RecordsInState(ctx, "p1", record.StateRetired, time.Time{}, 0)
	require.NoError(t, err)
	require.Empty(t, left)

	infos, err := store.ListArchives(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "p1", infos[0].Partition)
	require.Equal(t, 2, infos[0].Records)
	require.Contains(t, infos[0].Name, "p1_2026-03-01_")

	arch, err := store.GetArchive(ctx, infos[0].ID)
	require.NoError(t, err)

	rows := readZipCSV(t, arch.Data)
	require.Equal(t, []string{"id", "ingested_at", "extra", "v"}, rows[0])
	require.Len(t, rows, 3)
	require.Equal(t, "A", rows[1][0])
	require.Equal(t, "2", rows[1][2])
	require.Equal(t, "1", rows[1][3])
	require.Equal(t, "B", rows[2][0])
	require.Equal(t, "", rows[2][2], "missing field renders empty")
	require.Equal(t, "3", rows[2][3])
}

// failingSink rejects every put.
type failingSink struct{}

func (failingSink) Put(ctx context.Context, a *storage.Archive) error {
	return fmt.Errorf("sink down")
}

// Records are purged only after the sink accepted the archive.
func TestExportBatch_NoPurgeOnSinkFailure(t *testing.T) {
	store := memory.New()
	archiver := New(store, failingSink{}, 10, zerolog.Nop())
	ctx := context.Background()

	rec := retiredRecord(t, "A", "p1", time.Now().UTC(), record.Fields{"v": 1})
	require.NoError(t, store.AppendRecord(ctx, rec))

	_, err := archiver.ExportBatch(ctx, "p1", []record.Record{*rec})
	require.Error(t, err)

	left, err := store.RecordsInState(ctx, "p1", record.StateRetired, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, left, 1, "record must survive a failed archive write")
}

func TestTick_WaitsForFullBatch(t *testing.T) {
	store := memory.New()
	archiver := New(store, &StoreSink{Store: store}, 5, zerolog.Nop())
	ctx := context.Background()

	seedRetired(t, store, "p1", 3)
	n, err := archiver.Tick(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "below batch size, nothing exported")

	seedRetired(t, store, "p2", 5)
	n, err = archiver.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	infos, err := store.ListArchives(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "p2", infos[0].Partition)
}
