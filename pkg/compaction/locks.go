package compaction

import "sync"

// partitionLocks provides per-partition mutual exclusion without any
// process-wide lock, preserving cross-partition parallelism. Entries
// live in a concurrent map keyed by partition.
type partitionLocks struct {
	held sync.Map // partition -> struct{}
}

// tryLock acquires the partition lock if free. It never blocks.
func (l *partitionLocks) tryLock(partition string) bool {
	_, loaded := l.held.LoadOrStore(partition, struct{}{})
	return !loaded
}

// unlock releases the partition lock.
func (l *partitionLocks) unlock(partition string) {
	l.held.Delete(partition)
}
