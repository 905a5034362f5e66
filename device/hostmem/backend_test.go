package hostmem_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/suballoc/device"
	"github.com/vkngwrapper/suballoc/device/hostmem"
)

func TestPlacedResourcesShareHeapMemory(t *testing.T) {
	backend := hostmem.New(hostmem.Options{})

	heap, err := backend.CreateHeap(4096, device.HeapTypeUpload, device.HeapAllowOnlyBuffers)
	require.NoError(t, err)

	first, err := backend.CreateResource(device.ResourceDesc{Size: 1024, Heap: heap, HeapOffset: 0})
	require.NoError(t, err)
	second, err := backend.CreateResource(device.ResourceDesc{Size: 1024, Heap: heap, HeapOffset: 1024})
	require.NoError(t, err)

	require.Equal(t, device.HeapTypeUpload, second.HeapType())
	require.Equal(t, backend.GPUVirtualAddress(first)+1024, backend.GPUVirtualAddress(second))

	firstPtr, err := backend.Map(first)
	require.NoError(t, err)
	secondPtr, err := backend.Map(second)
	require.NoError(t, err)
	require.Equal(t, uintptr(firstPtr)+1024, uintptr(secondPtr))

	*(*byte)(secondPtr) = 7
	require.Equal(t, byte(7), *(*byte)(unsafe.Add(firstPtr, 1024)))

	// The heap cannot be destroyed out from under its resources
	require.Error(t, backend.DestroyHeap(heap))

	require.NoError(t, backend.DestroyResource(first))
	require.NoError(t, backend.DestroyResource(second))
	require.Error(t, backend.DestroyResource(second))
	require.NoError(t, backend.DestroyHeap(heap))

	require.Equal(t, 0, backend.LiveHeapCount())
	require.Equal(t, 0, backend.LiveResourceCount())
	require.Equal(t, 0, backend.LiveBytes())
}

func TestDefaultHeapIsNotMappable(t *testing.T) {
	backend := hostmem.New(hostmem.Options{})

	resource, err := backend.CreateResource(device.ResourceDesc{Size: 256, HeapType: device.HeapTypeDefault})
	require.NoError(t, err)
	require.NotZero(t, backend.GPUVirtualAddress(resource))

	_, err = backend.Map(resource)
	require.ErrorIs(t, err, device.ErrNotMappable)
}

func TestPlacementValidation(t *testing.T) {
	backend := hostmem.New(hostmem.Options{})

	heap, err := backend.CreateHeap(1024, device.HeapTypeDefault, device.HeapAllowOnlyBuffers)
	require.NoError(t, err)

	_, err = backend.CreateResource(device.ResourceDesc{Size: 512, Heap: heap, HeapOffset: 768})
	require.Error(t, err)

	_, err = backend.CreateResource(device.ResourceDesc{Size: 512, Heap: heap, Dimension: device.ResourceDimensionTexture})
	require.Error(t, err)

	_, err = backend.CreateResource(device.ResourceDesc{Size: 0, Heap: heap})
	require.Error(t, err)
}

func TestMaxBytes(t *testing.T) {
	backend := hostmem.New(hostmem.Options{MaxBytes: 2048})

	heap, err := backend.CreateHeap(2048, device.HeapTypeDefault, 0)
	require.NoError(t, err)

	_, err = backend.CreateHeap(1, device.HeapTypeDefault, 0)
	require.ErrorIs(t, err, device.ErrOutOfMemory)

	require.NoError(t, backend.DestroyHeap(heap))
	_, err = backend.CreateResource(device.ResourceDesc{Size: 2048, HeapType: device.HeapTypeReadback})
	require.NoError(t, err)
}
