package gpumem

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/suballoc/device"
)

func readyTexturePool(t *testing.T, d *testDevice) *TextureAllocatorPool {
	pool, err := NewTextureAllocatorPool(d.dev, TextureOptions{
		MinPoolSize:  256 * kb,
		MinNumToPool: 2,
		MaxPoolSize:  mb,
	})
	require.NoError(t, err)
	return pool
}

func TestTexturePoolPlacesReadOnlyTextures(t *testing.T) {
	d := readyQuietDevice(t, CreateOptions{})
	pool := readyTexturePool(t, d)

	var large, small ResourceLocation
	require.NoError(t, pool.AllocateTexture(TextureDesc{Size: 64 * kb, Name: "Albedo"}, &large))
	require.NoError(t, pool.AllocateTexture(TextureDesc{Size: 10 * kb, SmallAlignment: true, Name: "Icon"}, &small))

	require.Equal(t, LocationSubAllocation, large.Type())
	require.Equal(t, 64*kb, large.Size())
	require.Equal(t, device.ResourceDimensionTexture, large.Resource().Dimension())
	require.Equal(t, device.HeapAllowOnlyNonTargetTextures, large.Resource().Heap().Flags())

	require.Equal(t, 10*kb, small.Size())
	require.Equal(t, 10*kb, small.Resource().Size())
	data, ok := small.SegListData()
	require.True(t, ok)
	require.Equal(t, 12*kb, data.Heap.BlockSize())
	require.Zero(t, small.Resource().HeapOffset()%SmallResourcePlacementAlignment)

	// Wastage counts the alignment padding of the small texture
	totalAllocated, totalUnused := pool.ReadOnlyPool().GetMemoryStats()
	require.Positive(t, totalAllocated)
	require.Equal(t, totalAllocated-74*kb, totalUnused)

	require.Equal(t, 2, pool.ReadOnlyPool().SegListCount())
	require.Equal(t, 0, d.dev.StandAloneCount())

	large.Clear()
	small.Clear()
	d.finishFrame()
	require.NoError(t, pool.CleanUpAllocations())
	d.requireEmpty(t)

	require.NoError(t, pool.Destroy())
	require.Empty(t, d.dev.registeredAllocators())
}

func TestTexturePoolStandAloneTextures(t *testing.T) {
	d := readyQuietDevice(t, CreateOptions{})
	pool := readyTexturePool(t, d)

	descs := []TextureDesc{
		{Size: 64 * kb, Flags: device.ResourceAllowRenderTarget, Name: "GBuffer"},
		{Size: 64 * kb, Flags: device.ResourceAllowDepthStencil, Name: "Depth"},
		{Size: 64 * kb, Flags: device.ResourceAllowUnorderedAccess, Name: "Scratch"},
		{Size: 64 * kb, SampleCount: 4, Name: "Multisampled"},
		{Size: 600 * kb, Name: "Huge"},
	}

	locations := make([]ResourceLocation, len(descs))
	for i, desc := range descs {
		require.NoError(t, pool.AllocateTexture(desc, &locations[i]))
		require.Equal(t, LocationStandAlone, locations[i].Type(), desc.Name)
		require.Equal(t, desc.Size, locations[i].Size(), desc.Name)
		require.Equal(t, device.ResourceDimensionTexture, locations[i].Resource().Dimension(), desc.Name)
		require.Equal(t, desc.Flags, locations[i].Resource().Flags(), desc.Name)
		require.Nil(t, locations[i].Resource().Heap(), desc.Name)
	}
	require.Equal(t, len(descs), d.dev.StandAloneCount())
	require.Equal(t, 0, d.backend.LiveHeapCount())

	for i := range locations {
		locations[i].Clear()
	}
	require.NoError(t, d.dev.Destroy())
	d.requireEmpty(t)
}
