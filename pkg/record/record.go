package record

import (
	"fmt"
	"sort"
	"time"
)

// State tracks where a raw record is in its lifecycle.
// Transitions are forward-only: pending -> compacted -> retired.
type State string

const (
	StatePending   State = "pending"   // Ingested, not yet merged into an aggregate
	StateCompacted State = "compacted" // Covered by a durably committed aggregate
	StateRetired   State = "retired"   // Past retention, safe to archive and purge
)

// stateRank orders states for forward-only transition checks.
var stateRank = map[State]int{
	StatePending:   0,
	StateCompacted: 1,
	StateRetired:   2,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := stateRank[s]
	return ok
}

// CanTransition reports whether a record may move from s to next.
// Backward moves are never allowed; same-state writes are idempotent.
func (s State) CanTransition(next State) bool {
	a, ok := stateRank[s]
	b, ok2 := stateRank[next]
	return ok && ok2 && b >= a
}

// Record is a single raw ingested document. The payload is immutable
// once written; only State changes afterwards.
type Record struct {
	ID         string    `json:"id"`
	Partition  string    `json:"partition_key"`
	Payload    []byte    `json:"payload"`
	IngestedAt time.Time `json:"ingested_at"`
	State      State     `json:"state"`
}

// Aggregate is the compacted representation of one or more raw records
// for a partition. Aggregates are append-only: a new generation is
// written, an existing one is never edited.
type Aggregate struct {
	Partition  string    `json:"partition_key"`
	Generation uint64    `json:"generation"`
	Covers     []string  `json:"covers"` // sorted raw record ids
	Payload    []byte    `json:"merged_payload"`
	CreatedAt  time.Time `json:"created_at"`
}

// CoverSet answers covers-membership questions for an aggregate.
// Covers is the source of truth for whether a raw record has been
// merged, regardless of the record's own State field.
type CoverSet map[string]struct{}

// CoverSetOf builds a CoverSet from an aggregate. A nil aggregate
// yields an empty set.
func CoverSetOf(agg *Aggregate) CoverSet {
	if agg == nil {
		return CoverSet{}
	}
	set := make(CoverSet, len(agg.Covers))
	for _, id := range agg.Covers {
		set[id] = struct{}{}
	}
	return set
}

// Contains reports whether the record id is covered.
func (c CoverSet) Contains(id string) bool {
	_, ok := c[id]
	return ok
}

// MergeCovers returns the sorted union of previous covers and newly
// merged ids.
func MergeCovers(prev []string, merged []string) []string {
	out := make([]string, 0, len(prev)+len(merged))
	out = append(out, prev...)
	out = append(out, merged...)
	sort.Strings(out)

	// Drop duplicates in place (re-delivered ids).
	dedup := out[:0]
	for i, id := range out {
		if i == 0 || out[i-1] != id {
			dedup = append(dedup, id)
		}
	}
	return dedup
}

// Checkpoint is the durable marker of compaction progress for a
// partition. It is persisted only after the aggregate it references
// has been durably written, and it only ever advances.
type Checkpoint struct {
	Partition    string    `json:"partition_key"`
	Generation   uint64    `json:"generation"`
	LastRecordID string    `json:"last_record_id,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SortRecords orders records by (IngestedAt, ID), the canonical
// processing order for deterministic merges.
func SortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].IngestedAt.Equal(recs[j].IngestedAt) {
			return recs[i].IngestedAt.Before(recs[j].IngestedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}

// Validate checks structural invariants before a record is stored.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("record has empty id")
	}
	if r.Partition == "" {
		return fmt.Errorf("record %s has empty partition key", r.ID)
	}
	if !r.State.Valid() {
		return fmt.Errorf("record %s has unknown state %q", r.ID, r.State)
	}
	return nil
}
