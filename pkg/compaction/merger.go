package compaction

import (
	"fmt"

	"github.com/cairn-db/cairn/pkg/record"
)

// Merger combines raw payloads into an aggregate payload. The merge
// must be associative and commutative over payload combination, so
// that merging a fixed input set in any processing order yields an
// identical result. Duplicate-input idempotence is handled above the
// merger, via aggregate covers containment.
type Merger interface {
	// Zero returns the identity payload an empty partition starts from.
	Zero() []byte

	// Merge folds one payload into the accumulator and returns the new
	// accumulator.
	Merge(acc []byte, payload []byte) ([]byte, error)
}

// CounterMerger merges flattened numeric payloads by field-wise sum.
// Addition is commutative and associative, and the canonical Fields
// encoding makes equal results byte-identical.
type CounterMerger struct{}

// Zero returns the empty counter set.
func (CounterMerger) Zero() []byte {
	out, _ := record.EncodeFields(record.Fields{})
	return out
}

// Merge sums payload fields into the accumulator.
func (CounterMerger) Merge(acc []byte, payload []byte) ([]byte, error) {
	sums, err := record.DecodeFields(acc)
	if err != nil {
		return nil, fmt.Errorf("merge accumulator: %w", err)
	}
	fields, err := record.DecodeFields(payload)
	if err != nil {
		return nil, fmt.Errorf("merge payload: %w", err)
	}

	for k, v := range fields {
		sums[k] = record.Round6(sums[k] + v)
	}
	return record.EncodeFields(sums)
}
