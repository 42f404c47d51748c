package memutils

import (
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestAlignUp(t *testing.T) {
	aligned, ok := AlignUp[uint64](15, 0)
	require.True(t, ok)
	require.Equal(t, uint64(0), aligned)

	aligned, ok = AlignUp[uint64](15, 1)
	require.True(t, ok)
	require.Equal(t, uint64(16), aligned)

	aligned, ok = AlignUp[uint64](15, 32)
	require.True(t, ok)
	require.Equal(t, uint64(32), aligned)

	aligned, ok = AlignUp[uint64](0, 33)
	require.True(t, ok)
	require.Equal(t, uint64(33), aligned)

	_, ok = AlignUp[uint64](255, math.MaxUint64-3)
	require.False(t, ok)
}

func TestAlignDown(t *testing.T) {
	require.Equal(t, uint64(48), AlignDown[uint64](15, 63))
	require.Equal(t, uint64(64), AlignDown[uint64](63, 64))
}

func TestAlignMask(t *testing.T) {
	require.Equal(t, uint64(0), AlignMask(0))
	require.Equal(t, uint64(0), AlignMask(1))
	require.Equal(t, uint64(255), AlignMask(256))
}

func TestNextPow2(t *testing.T) {
	require.Equal(t, uint64(1), NextPow2(0))
	require.Equal(t, uint64(1), NextPow2(1))
	require.Equal(t, uint64(8), NextPow2(5))
	require.Equal(t, uint64(8), NextPow2(8))
	require.Equal(t, uint64(64), NextPow2(33))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, CheckPow2(64, "atom"))
	require.NoError(t, CheckPow2(0, "atom"))

	err := CheckPow2(48, "atom")
	require.Error(t, err)
	require.True(t, errors.Is(err, PowerOfTwoError))
	require.Contains(t, err.Error(), "atom is 48")
}

func TestStatistics_AddStatistics(t *testing.T) {
	stats := Statistics{BlockCount: 1, AllocationCount: 2, BlockBytes: 100, AllocationBytes: 40}
	stats.AddStatistics(&Statistics{BlockCount: 2, AllocationCount: 1, BlockBytes: 50, AllocationBytes: 10})

	require.Equal(t, Statistics{BlockCount: 3, AllocationCount: 3, BlockBytes: 150, AllocationBytes: 50}, stats)

	stats.Clear()
	require.Equal(t, Statistics{}, stats)
}
