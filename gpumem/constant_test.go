package gpumem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConstantAllocatorGrowsWhenFull(t *testing.T) {
	d := readyQuietDevice(t, CreateOptions{})

	allocator, err := NewFastConstantAllocator(d.dev, ConstantAllocatorOptions{PageSize: 64 * kb})
	require.NoError(t, err)
	require.Equal(t, 64*kb, allocator.PageSize())
	firstResource := allocator.Resource()

	locations := make([]ResourceLocation, 128)
	for i := range locations {
		ptr, err := allocator.Allocate(300, &locations[i])
		require.NoError(t, err)
		require.NotNil(t, ptr)
		require.Equal(t, 512, locations[i].Size())
		require.Equal(t, i*512, locations[i].OffsetFromBaseOfResource())
		require.Equal(t, firstResource, locations[i].Resource())
	}
	require.NoError(t, allocator.Validate())

	var overflow ResourceLocation
	_, err = allocator.Allocate(300, &overflow)
	require.NoError(t, err)
	require.Equal(t, 98304, allocator.PageSize())
	require.Equal(t, 0, overflow.OffsetFromBaseOfResource())
	require.NotEqual(t, firstResource, overflow.Resource())
	require.Equal(t, 98304, overflow.Resource().Size())
	require.NoError(t, allocator.Validate())

	// The old page stays alive until the GPU is done with the frame that used it
	require.Equal(t, 1, d.dev.PendingReleaseCount())
	require.Equal(t, 2, d.backend.LiveResourceCount())

	d.finishFrame()
	require.NoError(t, d.dev.CleanUpAllocations())
	require.Equal(t, 0, d.dev.PendingReleaseCount())
	require.Equal(t, 1, d.backend.LiveResourceCount())

	require.NoError(t, d.dev.Destroy())
	d.requireEmpty(t)
}

func TestConstantAllocatorWrapsAfterFence(t *testing.T) {
	d := readyQuietDevice(t, CreateOptions{})

	allocator, err := NewFastConstantAllocator(d.dev, ConstantAllocatorOptions{PageSize: 4 * kb})
	require.NoError(t, err)

	for i := 0; i < 16; i++ {
		var location ResourceLocation
		_, err := allocator.Allocate(200, &location)
		require.NoError(t, err)
		require.Equal(t, 256, location.Size())
	}

	d.finishFrame()

	var wrapped ResourceLocation
	_, err = allocator.Allocate(256, &wrapped)
	require.NoError(t, err)
	require.Equal(t, 0, wrapped.OffsetFromBaseOfResource())
	require.Equal(t, 4*kb, allocator.PageSize())
	require.Equal(t, 0, d.dev.PendingReleaseCount())
	require.NoError(t, allocator.Validate())

	require.NoError(t, d.dev.Destroy())
	d.requireEmpty(t)
}

func TestConstantAllocatorGrowsToFitLargeRequests(t *testing.T) {
	d := readyQuietDevice(t, CreateOptions{})

	allocator, err := NewFastConstantAllocator(d.dev, ConstantAllocatorOptions{})
	require.NoError(t, err)
	require.Equal(t, DefaultConstantAllocatorPageSize, allocator.PageSize())

	var location ResourceLocation
	_, err = allocator.Allocate(100*kb, &location)
	require.NoError(t, err)
	require.Equal(t, 100*kb, allocator.PageSize())
	require.Equal(t, 0, location.OffsetFromBaseOfResource())

	// Fast locations carry no page, so clearing them is a no-op
	location.Clear()
	require.False(t, location.IsValid())

	require.NoError(t, d.dev.Destroy())
	d.requireEmpty(t)
}

func TestConstantAllocatorRejectsUnalignedPageSize(t *testing.T) {
	d := readyQuietDevice(t, CreateOptions{})

	_, err := NewFastConstantAllocator(d.dev, ConstantAllocatorOptions{PageSize: 1000})
	require.Error(t, err)
	require.Equal(t, 0, d.backend.LiveResourceCount())

	allocator, err := NewFastConstantAllocator(d.dev, ConstantAllocatorOptions{})
	require.NoError(t, err)
	require.Panics(t, func() {
		var location ResourceLocation
		_, _ = allocator.Allocate(-1, &location)
	})

	require.NoError(t, d.dev.Destroy())
	d.requireEmpty(t)
}
