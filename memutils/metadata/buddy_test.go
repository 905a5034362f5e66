package metadata_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/suballoc/memutils"
	"github.com/vkngwrapper/suballoc/memutils/metadata"
)

const (
	kb = 1024
	mb = 1024 * kb
)

func TestBuddyUnitSizeToOrder(t *testing.T) {
	buddy, err := metadata.NewBuddyMetadata(64*kb, mb)
	require.NoError(t, err)

	require.Equal(t, 0, buddy.UnitSizeToOrder(1))
	require.Equal(t, 1, buddy.UnitSizeToOrder(2))
	require.Equal(t, 2, buddy.UnitSizeToOrder(3))
	require.Equal(t, 2, buddy.UnitSizeToOrder(4))
	require.Equal(t, 3, buddy.UnitSizeToOrder(5))
	require.Equal(t, 4, buddy.MaxOrder())
}

func TestBuddyInvalidSizes(t *testing.T) {
	_, err := metadata.NewBuddyMetadata(64*kb, 3*64*kb)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	_, err = metadata.NewBuddyMetadata(64*kb, 100*kb)
	require.Error(t, err)
}

func TestBuddyAllocateFreeReverseOrder(t *testing.T) {
	buddy, err := metadata.NewBuddyMetadata(64*kb, mb)
	require.NoError(t, err)

	require.True(t, buddy.CanAllocate(70*kb, 1))
	order70 := buddy.OrderForSize(70*kb, 1)
	require.Equal(t, 1, order70)
	first := buddy.Allocate(order70)

	require.True(t, buddy.CanAllocate(10*kb, 1))
	order10 := buddy.OrderForSize(10*kb, 1)
	require.Equal(t, 0, order10)
	second := buddy.Allocate(order10)

	require.NoError(t, buddy.Validate())
	require.Equal(t, 192*kb, buddy.TotalUsedSize())
	require.False(t, buddy.IsEmpty())

	buddy.Free(second, order10)
	buddy.Free(first, order70)

	require.NoError(t, buddy.Validate())
	require.True(t, buddy.IsEmpty())
	require.Equal(t, []int{0}, buddy.FreeBlocks(4))
	for order := 0; order < 4; order++ {
		require.Empty(t, buddy.FreeBlocks(order))
	}
}

func TestBuddyMergeEitherOrder(t *testing.T) {
	for _, leftFirst := range []bool{true, false} {
		buddy, err := metadata.NewBuddyMetadata(16, 16*8)
		require.NoError(t, err)

		left := buddy.Allocate(0)
		right := buddy.Allocate(0)
		require.Equal(t, left^1, right)

		if leftFirst {
			buddy.Free(left, 0)
			buddy.Free(right, 0)
		} else {
			buddy.Free(right, 0)
			buddy.Free(left, 0)
		}

		require.Empty(t, buddy.FreeBlocks(0))
		require.True(t, buddy.IsEmpty())
		require.NoError(t, buddy.Validate())
	}
}

func TestBuddyPartialMerge(t *testing.T) {
	buddy, err := metadata.NewBuddyMetadata(16, 16*8)
	require.NoError(t, err)

	a := buddy.Allocate(0)
	b := buddy.Allocate(0)
	c := buddy.Allocate(1)

	buddy.Free(a, 0)
	buddy.Free(b, 0)

	// a and b merge into one order 1 block, but c keeps it from merging further
	require.Empty(t, buddy.FreeBlocks(0))
	require.Len(t, buddy.FreeBlocks(1), 1)
	require.False(t, buddy.IsEmpty())

	buddy.Free(c, 1)
	require.True(t, buddy.IsEmpty())
}

func TestBuddyCanAllocateDoesNotMutate(t *testing.T) {
	buddy, err := metadata.NewBuddyMetadata(64*kb, mb)
	require.NoError(t, err)

	buddy.Allocate(3)
	require.False(t, buddy.CanAllocate(600*kb, 1))
	require.True(t, buddy.CanAllocate(512*kb, 1))
	require.Equal(t, []int{8}, buddy.FreeBlocks(3))
	require.Equal(t, 1, buddy.FreeBlockCount())

	buddy.Allocate(3)
	require.False(t, buddy.CanAllocate(1, 1))
}

func TestBuddyAlignmentPadding(t *testing.T) {
	buddy, err := metadata.NewBuddyMetadata(48, 48*16)
	require.NoError(t, err)

	// 16 divides 48 so no padding is required
	require.Equal(t, 48, buddy.PaddedSize(48, 16))
	// 32 does not divide 48, so the allocation is padded
	require.Equal(t, 80, buddy.PaddedSize(48, 32))
	require.Equal(t, 1, buddy.OrderForSize(48, 32))
}

func TestBuddyOrderTooLargePanics(t *testing.T) {
	buddy, err := metadata.NewBuddyMetadata(64*kb, mb)
	require.NoError(t, err)

	require.Panics(t, func() {
		buddy.AllocateBlock(5)
	})
}

func TestBuddyDoubleFreePanics(t *testing.T) {
	buddy, err := metadata.NewBuddyMetadata(64*kb, mb)
	require.NoError(t, err)

	offset := buddy.Allocate(1)
	require.Panics(t, func() {
		buddy.Free(offset, 0)
	})

	buddy.Free(offset, 1)
	require.Panics(t, func() {
		buddy.Free(offset, 1)
	})
}

func TestBuddyRandomNoOverlapAndConservation(t *testing.T) {
	buddy, err := metadata.NewBuddyMetadata(256, 256*1024)
	require.NoError(t, err)

	type live struct {
		offset int
		order  int
	}

	rng := rand.New(rand.NewSource(17))
	var allocations []live

	for i := 0; i < 2000; i++ {
		if len(allocations) > 0 && rng.Intn(3) == 0 {
			index := rng.Intn(len(allocations))
			alloc := allocations[index]
			allocations[index] = allocations[len(allocations)-1]
			allocations = allocations[:len(allocations)-1]

			buddy.Free(alloc.offset, alloc.order)
			continue
		}

		size := rng.Intn(8*1024) + 1
		if !buddy.CanAllocate(size, 1) {
			continue
		}
		order := buddy.OrderForSize(size, 1)
		allocations = append(allocations, live{offset: buddy.Allocate(order), order: order})

		if i%100 == 0 {
			require.NoError(t, buddy.Validate())
		}
	}

	for i := 0; i < len(allocations); i++ {
		for j := i + 1; j < len(allocations); j++ {
			a, b := allocations[i], allocations[j]
			aEnd := a.offset + buddy.OrderToUnitSize(a.order)
			bEnd := b.offset + buddy.OrderToUnitSize(b.order)
			require.False(t, a.offset < bEnd && b.offset < aEnd, "allocations %v and %v overlap", a, b)
		}
	}

	for _, alloc := range allocations {
		buddy.Free(alloc.offset, alloc.order)
	}

	require.NoError(t, buddy.Validate())
	require.True(t, buddy.IsEmpty())
	require.Equal(t, 1, buddy.FreeBlockCount())
	require.Equal(t, []int{0}, buddy.FreeBlocks(buddy.MaxOrder()))
}

func TestBuddyStatistics(t *testing.T) {
	buddy, err := metadata.NewBuddyMetadata(64*kb, mb)
	require.NoError(t, err)

	buddy.Allocate(1)

	var stats memutils.DetailedStatistics
	stats.Clear()
	buddy.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      mb,
			AllocationCount: 1,
			AllocationBytes: 128 * kb,
		},
		UnusedRangeCount:   3,
		AllocationSizeMin:  128 * kb,
		AllocationSizeMax:  128 * kb,
		UnusedRangeSizeMin: 128 * kb,
		UnusedRangeSizeMax: 512 * kb,
	}, stats)

	var empty memutils.DetailedStatistics
	empty.Clear()
	require.Equal(t, math.MaxInt, empty.AllocationSizeMin)
}
