package vulkan

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/suballoc/device"
)

func discreteProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return &core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
				HeapIndex:     0,
			},
			{
				PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
				HeapIndex:     1,
			},
			{
				PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent | core1_0.MemoryPropertyHostCached,
				HeapIndex:     1,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{
				Size:  1024 * 1024 * 1024,
				Flags: core1_0.MemoryHeapDeviceLocal,
			},
			{
				Size:  512 * 1024 * 1024,
				Flags: 0,
			},
		},
	}
}

func TestFindMemoryTypeIndex_Discrete(t *testing.T) {
	properties := discreteProperties()

	index, err := FindMemoryTypeIndex(properties, device.HeapTypeDefault)
	require.NoError(t, err)
	require.Equal(t, 0, index)

	index, err = FindMemoryTypeIndex(properties, device.HeapTypeUpload)
	require.NoError(t, err)
	require.Equal(t, 1, index)

	index, err = FindMemoryTypeIndex(properties, device.HeapTypeReadback)
	require.NoError(t, err)
	require.Equal(t, 2, index)
}

func TestFindMemoryTypeIndex_Integrated(t *testing.T) {
	properties := &core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
				HeapIndex:     0,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{
				Size:  1024 * 1024 * 1024,
				Flags: core1_0.MemoryHeapDeviceLocal,
			},
		},
	}

	// Every heap type must fall back to the single unified memory type
	for _, heapType := range []device.HeapType{device.HeapTypeDefault, device.HeapTypeUpload, device.HeapTypeReadback} {
		index, err := FindMemoryTypeIndex(properties, heapType)
		require.NoError(t, err)
		require.Equal(t, 0, index)
	}
}

func TestFindMemoryTypeIndex_Missing(t *testing.T) {
	properties := &core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
				HeapIndex:     0,
			},
		},
	}

	_, err := FindMemoryTypeIndex(properties, device.HeapTypeUpload)
	require.ErrorIs(t, err, ErrNoMemoryType)
}
