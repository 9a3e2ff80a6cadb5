package compaction

import "errors"

var (
	// ErrPartitionBusy means another compaction task holds the
	// partition lock. The task aborts cleanly with no state change and
	// the scheduler retries on its next tick.
	ErrPartitionBusy = errors.New("compaction: partition busy")

	// ErrCorruptCheckpoint means a partition's checkpoint references a
	// generation with no corresponding aggregate. Compaction for that
	// partition halts until manually reconciled; the checkpoint is
	// never auto-discarded, to avoid silent data loss.
	ErrCorruptCheckpoint = errors.New("compaction: corrupt checkpoint")
)
