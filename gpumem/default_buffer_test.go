package gpumem

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/suballoc/device"
)

func TestBufferPoolForFlags(t *testing.T) {
	require.Equal(t, BufferPoolSRV, BufferPoolForFlags(0))
	require.Equal(t, BufferPoolNone, BufferPoolForFlags(device.ResourceDenyShaderResource))
	require.Equal(t, BufferPoolUAV, BufferPoolForFlags(device.ResourceAllowUnorderedAccess))
	require.Equal(t, BufferPoolUAV, BufferPoolForFlags(device.ResourceAllowUnorderedAccess|device.ResourceDenyShaderResource))
	require.Equal(t, "BufferPoolUAV", BufferPoolUAV.String())
}

func TestDefaultBufferPoolsPerFlags(t *testing.T) {
	d := readyQuietDevice(t, CreateOptions{})
	allocator := NewDefaultBufferAllocator(d.dev, DefaultBufferOptions{})

	var srv, srvNeighbor, uav, uavNeighbor ResourceLocation
	require.NoError(t, allocator.AllocDefaultResource(device.ResourceDesc{Size: kb}, 0, &srv))
	require.NoError(t, allocator.AllocDefaultResource(device.ResourceDesc{Size: 2 * kb}, 256, &srvNeighbor))
	require.Equal(t, 1, allocator.PoolCount())
	require.Equal(t, srv.Resource(), srvNeighbor.Resource())
	require.Nil(t, srv.MappedAddress())
	require.Zero(t, srvNeighbor.OffsetFromBaseOfResource()%256)

	srvPool := allocator.Pool(0)
	require.NotNil(t, srvPool)
	require.Equal(t, "BufferPoolSRV(0)", srvPool.Name())

	uavFlags := device.ResourceAllowUnorderedAccess
	require.NoError(t, allocator.AllocDefaultResource(device.ResourceDesc{Size: kb, Flags: uavFlags}, 0, &uav))
	require.NoError(t, allocator.AllocDefaultResource(device.ResourceDesc{Size: kb, Flags: uavFlags}, 0, &uavNeighbor))
	require.Equal(t, 2, allocator.PoolCount())
	require.NotEqual(t, uav.Resource(), uavNeighbor.Resource())
	require.NotNil(t, uav.Resource().Heap())
	require.Equal(t, uav.Resource().Heap(), uavNeighbor.Resource().Heap())
	require.Equal(t, uavFlags, uav.Resource().Flags())
	require.Equal(t, DefaultBufferPoolSize, uav.Resource().Heap().Size())

	uavPool := allocator.Pool(uavFlags)
	require.NotNil(t, uavPool)
	require.Equal(t, "BufferPoolUAV(4)", uavPool.Name())
	require.Nil(t, allocator.Pool(device.ResourceDenyShaderResource))

	srv.Clear()
	srvNeighbor.Clear()
	uav.Clear()
	uavNeighbor.Clear()
	d.finishFrame()
	require.NoError(t, allocator.CleanupFreeBlocks())
	d.requireEmpty(t)

	require.NoError(t, allocator.FreeDefaultBufferPools())
	require.Equal(t, 0, allocator.PoolCount())
	require.Empty(t, d.dev.registeredAllocators())
}

func TestDefaultBufferLargeAndEmptyRequests(t *testing.T) {
	d := readyQuietDevice(t, CreateOptions{})
	allocator := NewDefaultBufferAllocator(d.dev, DefaultBufferOptions{})

	var empty ResourceLocation
	require.NoError(t, allocator.AllocDefaultResource(device.ResourceDesc{Size: 0}, 0, &empty))
	require.False(t, empty.IsValid())
	require.Equal(t, 0, allocator.PoolCount())

	var large ResourceLocation
	require.NoError(t, allocator.AllocDefaultResource(device.ResourceDesc{
		Size:     DefaultBufferPoolMaxAllocSize,
		HeapType: device.HeapTypeUpload,
		Name:     "Vertices",
	}, 0, &large))
	require.Equal(t, LocationStandAlone, large.Type())
	require.Equal(t, device.HeapTypeDefault, large.Resource().HeapType())
	require.Equal(t, device.ResourceDimensionBuffer, large.Resource().Dimension())
	require.Equal(t, 0, allocator.PoolCount())

	large.Clear()
	require.NoError(t, d.dev.Destroy())
	d.requireEmpty(t)
}

func TestDefaultBufferBucketKind(t *testing.T) {
	d := readyQuietDevice(t, CreateOptions{})
	allocator := NewDefaultBufferAllocator(d.dev, DefaultBufferOptions{Kind: AllocatorKindBucket})

	var location ResourceLocation
	require.NoError(t, allocator.AllocDefaultResource(device.ResourceDesc{Size: 3 * kb}, 0, &location))

	_, ok := location.BucketData()
	require.True(t, ok)
	require.IsType(t, &BucketAllocator{}, allocator.Pool(0))

	location.Clear()
	require.NoError(t, allocator.FreeDefaultBufferPools())
	require.NoError(t, d.dev.Destroy())
	d.requireEmpty(t)
}
