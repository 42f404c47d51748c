package bitset

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitSet_Empty(t *testing.T) {
	var set BitSet

	_, ok := set.First()
	require.False(t, ok)
	require.True(t, set.IsEmpty())
	require.False(t, set.IsSet(5000))

	// Unsetting beyond the allocated storage is a no-op
	set.Unset(MaxSize - 1)
	require.True(t, set.IsEmpty())
	require.NoError(t, set.Validate())
}

func TestBitSet_FirstAcrossLevels(t *testing.T) {
	var set BitSet

	set.Set(200000)
	first, ok := set.First()
	require.True(t, ok)
	require.Equal(t, 200000, first)

	set.Set(4097)
	first, ok = set.First()
	require.True(t, ok)
	require.Equal(t, 4097, first)

	set.Set(3)
	first, _ = set.First()
	require.Equal(t, 3, first)

	set.Unset(3)
	first, _ = set.First()
	require.Equal(t, 4097, first)

	set.Unset(4097)
	first, _ = set.First()
	require.Equal(t, 200000, first)

	require.Equal(t, 1, set.Count())
	require.NoError(t, set.Validate())
}

func TestBitSet_UnsetKeepsSiblings(t *testing.T) {
	var set BitSet

	set.Set(64)
	set.Set(65)
	set.Unset(64)

	require.True(t, set.IsSet(65))
	first, ok := set.First()
	require.True(t, ok)
	require.Equal(t, 65, first)

	// Unsetting an already-clear bit must not hide its neighbors
	set.Unset(64)
	first, ok = set.First()
	require.True(t, ok)
	require.Equal(t, 65, first)
	require.NoError(t, set.Validate())
}

func TestBitSet_SetIsIdempotent(t *testing.T) {
	var set BitSet

	set.Set(10)
	set.Set(10)
	require.Equal(t, 1, set.Count())

	set.Unset(10)
	require.True(t, set.IsEmpty())
}

func TestBitSet_OutOfRange(t *testing.T) {
	var set BitSet

	require.Panics(t, func() { set.Set(MaxSize) })
	require.Panics(t, func() { set.Set(-1) })
}

func TestBitSet_Random(t *testing.T) {
	var set BitSet
	reference := make(map[int]struct{})
	random := rand.New(rand.NewSource(7))

	for i := 0; i < 5000; i++ {
		index := random.Intn(20000)
		if random.Intn(3) == 0 {
			set.Unset(index)
			delete(reference, index)
		} else {
			set.Set(index)
			reference[index] = struct{}{}
		}

		if i%250 == 0 {
			require.NoError(t, set.Validate())
		}
	}

	expected := make([]int, 0, len(reference))
	for index := range reference {
		expected = append(expected, index)
	}
	sort.Ints(expected)

	require.Equal(t, len(expected), set.Count())
	for _, index := range expected {
		first, ok := set.First()
		require.True(t, ok)
		require.Equal(t, index, first)
		set.Unset(index)
	}
	require.True(t, set.IsEmpty())
	require.NoError(t, set.Validate())
}
