package gpumem

import "github.com/vkngwrapper/suballoc/device"

// DeviceMemory is the device object a memory callback fires for: a device.Heap for backing heaps, or a
// device.Resource for committed resources
type DeviceMemory interface {
	Size() int
}

type AllocateDeviceMemoryCallback func(
	dev *Device,
	heapType device.HeapType,
	memory DeviceMemory,
	size int,
	userData interface{},
)

type FreeDeviceMemoryCallback func(
	dev *Device,
	heapType device.HeapType,
	memory DeviceMemory,
	size int,
	userData interface{},
)

type MemoryCallbackOptions struct {
	Allocate AllocateDeviceMemoryCallback
	Free     FreeDeviceMemoryCallback
	UserData interface{}
}

type memoryCallbacks struct {
	Callbacks *MemoryCallbackOptions
	Device    *Device
}

func (c *memoryCallbacks) Allocate(
	heapType device.HeapType,
	memory DeviceMemory,
	size int,
) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Device, heapType, memory, size, c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Free(
	heapType device.HeapType,
	memory DeviceMemory,
	size int,
) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Device, heapType, memory, size, c.Callbacks.UserData)
	}
}
