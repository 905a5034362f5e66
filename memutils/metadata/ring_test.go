package metadata_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/suballoc/memutils/metadata"
)

func TestRingExhaustsExactly(t *testing.T) {
	fence := &fakeFence{current: 1}
	ring := metadata.NewRingMetadata(fence, 256, 256)

	for i := 0; i < 128; i++ {
		offset := ring.Allocate(2)
		require.Equal(t, i*2, offset)
	}

	require.Equal(t, metadata.FailedAllocation, ring.Allocate(2))
	require.Equal(t, 0, ring.SumFreeSize())
	require.NoError(t, ring.Validate())
}

func TestRingReclaimsCompletedFences(t *testing.T) {
	fence := &fakeFence{current: 1}
	ring := metadata.NewRingMetadata(fence, 1, 10)

	require.Equal(t, 0, ring.Allocate(4))
	fence.signal()
	require.Equal(t, 4, ring.Allocate(4))
	fence.signal()

	// Nothing is complete yet. The 2 units before the end of the ring are consumed as padding,
	// but the allocation itself still doesn't fit
	require.Equal(t, metadata.FailedAllocation, ring.Allocate(4))
	require.Equal(t, 10, ring.OutstandingUnits())

	// Fence 1 completes and the first 4 units come back, so the allocation wraps to 0
	fence.completed = 1
	require.Equal(t, 0, ring.Allocate(4))
	require.Equal(t, 14, ring.Tail())
	require.Equal(t, 14, ring.Head())
	require.NoError(t, ring.Validate())

	fence.completeAll()
	require.Equal(t, 4, ring.Allocate(2))
	require.Equal(t, 8, ring.OutstandingUnits())
}

func TestRingCoalescesByFenceValue(t *testing.T) {
	fence := &fakeFence{current: 3}
	ring := metadata.NewRingMetadata(fence, 1, 100)

	ring.Allocate(5)
	ring.Allocate(7)
	require.Equal(t, 1, ring.AllocationCount())
	require.Equal(t, 12, ring.OutstandingUnits())

	fence.signal()
	ring.Allocate(1)
	require.Equal(t, 2, ring.AllocationCount())
}

func TestRingNeverOverlapsOutstanding(t *testing.T) {
	fence := &fakeFence{current: 1}
	ring := metadata.NewRingMetadata(fence, 1, 64)

	type span struct {
		start, end int
		fence      uint64
	}
	var live []span

	sizes := []int{3, 7, 1, 16, 5, 9, 2, 11, 4, 8}
	for i := 0; i < 400; i++ {
		size := sizes[i%len(sizes)]
		offset := ring.Allocate(size)
		if offset != metadata.FailedAllocation {
			for _, s := range live {
				if fence.IsCompleteUpTo(s.fence) {
					continue
				}
				require.False(t, offset < s.end && s.start < offset+size,
					"allocation [%d, %d) overlaps outstanding [%d, %d)", offset, offset+size, s.start, s.end)
			}
			live = append(live, span{start: offset, end: offset + size, fence: fence.CurrentValue()})
		}

		if i%3 == 0 {
			fence.signal()
		}
		if i%7 == 0 {
			fence.completed = fence.current - 2
		}
		require.NoError(t, ring.Validate())
	}
}

func TestRingReset(t *testing.T) {
	fence := &fakeFence{current: 1}
	ring := metadata.NewRingMetadata(fence, 256, 4)
	ring.Allocate(4)
	require.Equal(t, metadata.FailedAllocation, ring.Allocate(1))

	ring.Reset(6)
	require.Equal(t, 6*256, ring.Size())
	require.True(t, ring.IsEmpty())
	require.Equal(t, 0, ring.Allocate(6))
}
