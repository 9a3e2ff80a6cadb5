package compaction

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cairn-db/cairn/pkg/record"
)

func encode(t *testing.T, f record.Fields) []byte {
	t.Helper()
	out, err := record.EncodeFields(f)
	require.NoError(t, err)
	return out
}

func TestCounterMerger_Sums(t *testing.T) {
	m := CounterMerger{}

	acc, err := m.Merge(m.Zero(), encode(t, record.Fields{"requests": 3, "bytes": 100}))
	require.NoError(t, err)
	acc, err = m.Merge(acc, encode(t, record.Fields{"requests": 2, "errors": 1}))
	require.NoError(t, err)

	fields, err := record.DecodeFields(acc)
	require.NoError(t, err)
	require.Equal(t, record.Fields{"requests": 5, "bytes": 100, "errors": 1}, fields)
}

// Merging a fixed input set must produce byte-identical output no
// matter the fold order.
func TestCounterMerger_OrderIndependent(t *testing.T) {
	m := CounterMerger{}

	payloads := [][]byte{
		encode(t, record.Fields{"a": 1, "b": 0.25}),
		encode(t, record.Fields{"a": 2.5}),
		encode(t, record.Fields{"b": 0.75, "c": 10}),
		encode(t, record.Fields{"c": -4, "a": 0.125}),
	}

	fold := func(order []int) []byte {
		acc := m.Zero()
		for _, i := range order {
			next, err := m.Merge(acc, payloads[i])
			require.NoError(t, err)
			acc = next
		}
		return acc
	}

	want := fold([]int{0, 1, 2, 3})
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		order := rng.Perm(len(payloads))
		require.Equal(t, want, fold(order), "order %v", order)
	}
}

func TestCounterMerger_BadPayload(t *testing.T) {
	m := CounterMerger{}
	_, err := m.Merge(m.Zero(), []byte(`{"x": "nope"}`))
	require.Error(t, err)
}
