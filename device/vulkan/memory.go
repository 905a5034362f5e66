package vulkan

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/suballoc/internal/utils"
)

// deviceMemory wraps a single vkDeviceMemory. Every resource that maps the memory holds a mapping
// reference, and the memory is unmapped when the last reference is dropped.
type deviceMemory struct {
	mapReferences int
	mapData       unsafe.Pointer

	mapMutex utils.OptionalMutex
	memory   core1_0.DeviceMemory
	size     int

	allocationCallbacks *driver.AllocationCallbacks
}

func allocateDeviceMemory(device core1_0.Device, useMutex bool, callbacks *driver.AllocationCallbacks, allocateInfo core1_0.MemoryAllocateInfo) (*deviceMemory, common.VkResult, error) {
	memory, res, err := device.AllocateMemory(callbacks, allocateInfo)
	if err != nil {
		return nil, res, err
	}

	return &deviceMemory{
		memory: memory,
		size:   allocateInfo.AllocationSize,
		mapMutex: utils.OptionalMutex{
			UseMutex: useMutex,
		},
		allocationCallbacks: callbacks,
	}, res, nil
}

func (m *deviceMemory) bindBuffer(offset int, buffer core1_0.Buffer) (common.VkResult, error) {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return buffer.BindBufferMemory(m.memory, offset)
}

// Map adds a mapping reference and returns the base pointer of the whole allocation
func (m *deviceMemory) Map() (unsafe.Pointer, common.VkResult, error) {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences > 0 {
		if m.mapData == nil {
			return nil, core1_0.VKErrorUnknown, errors.New("the memory is showing existing memory mapping references, but no mapped memory")
		}

		m.mapReferences++
		return m.mapData, core1_0.VKSuccess, nil
	}

	mappedData, result, err := m.memory.Map(0, -1, 0)
	if err != nil {
		return nil, result, err
	}

	m.mapData = mappedData
	m.mapReferences = 1
	return mappedData, result, nil
}

func (m *deviceMemory) Unmap() error {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences == 0 {
		return errors.New("device memory has more references being unmapped than are currently mapped")
	}

	m.mapReferences--
	if m.mapReferences == 0 {
		m.memory.Unmap()
		m.mapData = nil
	}

	return nil
}

func (m *deviceMemory) Free() {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences > 0 {
		m.memory.Unmap()
		m.mapReferences = 0
		m.mapData = nil
	}

	m.memory.Free(m.allocationCallbacks)
}
