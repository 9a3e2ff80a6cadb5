package ingest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cairn-db/cairn/pkg/config"
)

// ErrPartitionLimit means the store already tracks the maximum number
// of active partitions and the incoming record would add a new one.
var ErrPartitionLimit = errors.New("ingest: active partition limit reached")

const (
	// Partitions idle longer than this stop counting against the limit.
	partitionRetention = 24 * time.Hour

	// How often the tracker sweeps idle partitions.
	sweepInterval = 1 * time.Hour
)

// PartitionTracker bounds the number of distinct active partitions so
// a misbehaving writer cannot explode the scheduler's working set.
// Idle partitions age out to keep memory bounded.
type PartitionTracker struct {
	mu        sync.Mutex
	limit     int
	lastSeen  map[string]time.Time
	lastSweep time.Time
}

// NewPartitionTracker creates a tracker with the given limit.
func NewPartitionTracker(limit int) *PartitionTracker {
	return &PartitionTracker{
		limit:     limit,
		lastSeen:  make(map[string]time.Time),
		lastSweep: time.Now(),
	}
}

// Check admits a record for the partition or returns ErrPartitionLimit.
func (t *PartitionTracker) Check(partition string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if now.Sub(t.lastSweep) > sweepInterval {
		t.sweepLocked(now)
	}

	if _, ok := t.lastSeen[partition]; !ok && len(t.lastSeen) >= t.limit {
		return ErrPartitionLimit
	}
	t.lastSeen[partition] = now
	return nil
}

// Active returns the number of partitions seen recently.
func (t *PartitionTracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.lastSeen)
}

func (t *PartitionTracker) sweepLocked(now time.Time) {
	for partition, seen := range t.lastSeen {
		if now.Sub(seen) > partitionRetention {
			delete(t.lastSeen, partition)
		}
	}
	t.lastSweep = now
}

// ValidatePartitionKey checks the grouping key's shape: non-empty,
// bounded length, printable ASCII without path-ish separators.
func ValidatePartitionKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty partition key")
	}
	if len(key) > config.MaxPartitionKeyLength {
		return fmt.Errorf("partition key exceeds %d characters", config.MaxPartitionKeyLength)
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c <= ' ' || c > '~' || c == '/' || c == '\\' {
			return fmt.Errorf("partition key contains invalid character at position %d", i)
		}
	}
	return nil
}
