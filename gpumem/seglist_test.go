package gpumem

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/suballoc/device"
)

func TestSegListCalculateHeapSize(t *testing.T) {
	d := readyQuietDevice(t, CreateOptions{})

	allocator, err := NewSegListAllocator(d.dev, SegListOptions{
		MinPoolSize:  mb,
		MinNumToPool: 8,
		MaxPoolSize:  4 * mb,
	})
	require.NoError(t, err)

	require.Equal(t, mb, allocator.CalculateHeapSize(16*kb))
	require.Equal(t, 8*256*kb, allocator.CalculateHeapSize(256*kb))
	require.Equal(t, 4*mb, allocator.CalculateHeapSize(mb))
	require.True(t, allocator.ShouldPool(2*mb))
	require.False(t, allocator.ShouldPool(2*mb+1))

	require.NoError(t, d.dev.Destroy())
}

func TestSegListRejectsInvalidOptions(t *testing.T) {
	d := readyQuietDevice(t, CreateOptions{})

	_, err := NewSegListAllocator(d.dev, SegListOptions{MinPoolSize: 8 * mb, MaxPoolSize: 4 * mb})
	require.Error(t, err)

	_, err = NewSegListAllocator(d.dev, SegListOptions{MinNumToPool: 1})
	require.Error(t, err)

	require.Empty(t, d.dev.registeredAllocators())
}

func TestSegListPlacesTexturesInSegregatedHeaps(t *testing.T) {
	d := readyQuietDevice(t, CreateOptions{})

	allocator, err := NewSegListAllocator(d.dev, SegListOptions{
		Name:         "Textures",
		HeapType:     device.HeapTypeDefault,
		HeapFlags:    device.HeapAllowOnlyNonTargetTextures,
		Dimension:    device.ResourceDimensionTexture,
		MinPoolSize:  64 * kb,
		MinNumToPool: 2,
		MaxPoolSize:  256 * kb,
	})
	require.NoError(t, err)

	locations := make([]ResourceLocation, 3)
	for i := range locations {
		success, err := allocator.TryAllocate(64*kb, 0, &locations[i])
		require.NoError(t, err)
		require.True(t, success)
		require.Equal(t, device.ResourceDimensionTexture, locations[i].Resource().Dimension())
	}

	require.Equal(t, 1, allocator.SegListCount())
	require.Equal(t, 2, allocator.HeapCount(64*kb))
	require.Equal(t, 2, d.backend.LiveHeapCount())
	require.Equal(t, 3, d.backend.LiveResourceCount())
	require.NoError(t, allocator.Validate())

	first, ok := locations[0].SegListData()
	require.True(t, ok)
	require.Equal(t, 128*kb, first.Heap.Size())
	require.Equal(t, 64*kb, first.Heap.BlockSize())
	require.Equal(t, first.Heap.Heap(), locations[0].Resource().Heap())
	require.Equal(t, first.Offset, locations[0].Resource().HeapOffset())

	budget := d.dev.HeapBudget(device.HeapTypeDefault)
	require.Equal(t, 2, budget.Statistics.BlockCount)
	require.Equal(t, 3, budget.Statistics.AllocationCount)
	require.Equal(t, 192*kb, budget.Statistics.AllocationBytes)

	for i := range locations {
		locations[i].Clear()
	}
	require.NoError(t, allocator.CleanUpAllocations())
	require.Equal(t, 2, allocator.HeapCount(64*kb))

	d.finishFrame()
	require.NoError(t, allocator.CleanUpAllocations())
	require.Equal(t, 0, allocator.HeapCount(64*kb))
	require.NoError(t, allocator.Validate())
	d.requireEmpty(t)

	require.NoError(t, d.dev.Destroy())
}

func TestSegListRefusesLargeBlocks(t *testing.T) {
	d := readyQuietDevice(t, CreateOptions{})

	allocator, err := NewSegListAllocator(d.dev, SegListOptions{
		HeapType:     device.HeapTypeDefault,
		MinPoolSize:  64 * kb,
		MinNumToPool: 2,
		MaxPoolSize:  256 * kb,
	})
	require.NoError(t, err)

	var location ResourceLocation
	success, err := allocator.TryAllocate(200*kb, 0, &location)
	require.NoError(t, err)
	require.False(t, success)
	require.Equal(t, 0, allocator.SegListCount())

	offset, heap, err := allocator.Allocate(200*kb, 0)
	require.NoError(t, err)
	require.Equal(t, InvalidOffset, offset)
	require.Nil(t, heap)

	require.NoError(t, d.dev.Destroy())
}

func TestSegListRawBlocks(t *testing.T) {
	d := readyQuietDevice(t, CreateOptions{})

	allocator, err := NewSegListAllocator(d.dev, SegListOptions{
		HeapType:     device.HeapTypeDefault,
		MinPoolSize:  64 * kb,
		MinNumToPool: 2,
		MaxPoolSize:  256 * kb,
	})
	require.NoError(t, err)

	offset, heap, err := allocator.Allocate(60*kb, 64*kb)
	require.NoError(t, err)
	require.Equal(t, 0, offset)
	require.Equal(t, 64*kb, heap.BlockSize())

	totalAllocated, totalUnused := allocator.GetMemoryStats()
	require.Equal(t, 128*kb, totalAllocated)
	require.Equal(t, 68*kb, totalUnused)

	second, secondHeap, err := allocator.Allocate(64*kb, 0)
	require.NoError(t, err)
	require.Equal(t, heap, secondHeap)
	require.Equal(t, 64*kb, second)

	allocator.DeallocateBlock(heap, offset, 60*kb, nil)
	require.Panics(t, func() {
		allocator.DeallocateBlock(heap, offset, 60*kb, nil)
	})

	allocator.DeallocateBlock(secondHeap, second, 64*kb, nil)
	d.finishFrame()
	require.NoError(t, allocator.CleanUpAllocations())

	totalAllocated, totalUnused = allocator.GetMemoryStats()
	require.Equal(t, 0, totalAllocated)
	require.Equal(t, 0, totalUnused)
	d.requireEmpty(t)

	require.NoError(t, d.dev.Destroy())
}

func TestSegListDestroyReportsUnreleasedMemory(t *testing.T) {
	d := readyDevice(t, CreateOptions{})

	allocator, err := NewSegListAllocator(d.dev, SegListOptions{
		HeapType:     device.HeapTypeDefault,
		MinPoolSize:  64 * kb,
		MinNumToPool: 2,
		MaxPoolSize:  256 * kb,
	})
	require.NoError(t, err)

	var leaked ResourceLocation
	success, err := allocator.TryAllocate(32*kb, 0, &leaked)
	require.NoError(t, err)
	require.True(t, success)

	require.NoError(t, allocator.Destroy())
	require.Contains(t, d.logs.String(), "[UNRELEASED MEMORY]")
	require.Equal(t, 0, d.dev.HeapBudget(device.HeapTypeDefault).Statistics.AllocationCount)
	d.requireEmpty(t)
}
