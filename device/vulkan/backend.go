// Package vulkan provides a device.Backend on top of a Vulkan device. Heaps are vkDeviceMemory objects and
// buffer resources are vkBuffer objects bound into them. Textures and heap views are represented by their
// memory range alone, leaving image creation to the consumer.
package vulkan

import (
	"context"
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/core/v2/core1_2"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"github.com/vkngwrapper/extensions/v2/khr_buffer_device_address"
	"github.com/vkngwrapper/suballoc/device"
)

// Options configure a Backend
type Options struct {
	Device         core1_0.Device
	PhysicalDevice core1_0.PhysicalDevice

	// AllocationCallbacks is an optional set of host allocation callbacks passed to every Vulkan call
	AllocationCallbacks *driver.AllocationCallbacks
	// ExternallySynchronized disables the mutex around each vkDeviceMemory. The consumer must then
	// guarantee that a heap is never mapped or bound to from two goroutines at once.
	ExternallySynchronized bool
}

type Backend struct {
	logger    *slog.Logger
	device    core1_0.Device
	callbacks *driver.AllocationCallbacks
	useMutex  bool
	features  *Features

	memoryTypes [device.HeapTypeCount]int
}

var _ device.Backend = &Backend{}

func New(logger *slog.Logger, o Options) (*Backend, error) {
	if o.Device == nil || o.PhysicalDevice == nil {
		return nil, errors.New("vulkan.Options requires both a Device and a PhysicalDevice")
	}

	backend := &Backend{
		logger:    logger,
		device:    o.Device,
		callbacks: o.AllocationCallbacks,
		useMutex:  !o.ExternallySynchronized,
		features:  NewFeatures(o.Device),
	}

	properties := o.PhysicalDevice.MemoryProperties()
	for heapType := 0; heapType < device.HeapTypeCount; heapType++ {
		index, err := FindMemoryTypeIndex(properties, device.HeapType(heapType))
		if err != nil {
			return nil, err
		}
		backend.memoryTypes[heapType] = index
	}

	return backend, nil
}

func (b *Backend) Features() *Features {
	return b.features
}

// MemoryTypeIndex returns the vulkan memory type that backs heaps of the provided type
func (b *Backend) MemoryTypeIndex(heapType device.HeapType) int {
	return b.memoryTypes[heapType]
}

type Heap struct {
	memory   *deviceMemory
	heapType device.HeapType
	flags    device.HeapFlags
	placed   int
}

func (h *Heap) Size() int                          { return h.memory.size }
func (h *Heap) Type() device.HeapType              { return h.heapType }
func (h *Heap) Flags() device.HeapFlags            { return h.flags }
func (h *Heap) DeviceMemory() core1_0.DeviceMemory { return h.memory.memory }

type Resource struct {
	desc     device.ResourceDesc
	heapType device.HeapType
	heap     *Heap
	memory   *deviceMemory
	buffer   core1_0.Buffer
	address  uint64
	mapped   bool
}

func (r *Resource) Size() int                           { return r.desc.Size }
func (r *Resource) HeapType() device.HeapType           { return r.heapType }
func (r *Resource) Flags() device.ResourceFlags         { return r.desc.Flags }
func (r *Resource) Dimension() device.ResourceDimension { return r.desc.Dimension }
func (r *Resource) HeapOffset() int                     { return r.desc.HeapOffset }
func (r *Resource) DeviceMemory() core1_0.DeviceMemory  { return r.memory.memory }

// Buffer returns the vkBuffer for buffer resources, or nil for textures and heap views
func (r *Resource) Buffer() core1_0.Buffer { return r.buffer }

func (r *Resource) Heap() device.Heap {
	if r.heap == nil {
		return nil
	}
	return r.heap
}

func wrapResult(res common.VkResult, err error) error {
	if res == core1_0.VKErrorOutOfDeviceMemory || res == core1_0.VKErrorOutOfHostMemory {
		return errors.Mark(err, device.ErrOutOfMemory)
	}
	return err
}

func (b *Backend) allocate(size int, heapType device.HeapType) (*deviceMemory, error) {
	allocInfo := core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: b.memoryTypes[heapType],
	}

	if b.features.BufferDeviceAddress != nil {
		var allocFlagsInfo core1_1.MemoryAllocateFlagsInfo
		allocFlagsInfo.Flags = core1_2.MemoryAllocateDeviceAddress
		allocFlagsInfo.Next = allocInfo.Next
		allocInfo.Next = allocFlagsInfo
	}

	if b.features.UseMemoryPriority {
		priorityInfo := ext_memory_priority.MemoryPriorityAllocateInfo{
			Priority: 0.5,
		}
		if heapType == device.HeapTypeDefault {
			priorityInfo.Priority = 1
		}
		priorityInfo.Next = allocInfo.Next
		allocInfo.Next = priorityInfo
	}

	memory, res, err := allocateDeviceMemory(b.device, b.useMutex, b.callbacks, allocInfo)
	if err != nil {
		return nil, wrapResult(res, err)
	}

	return memory, nil
}

func (b *Backend) CreateHeap(size int, heapType device.HeapType, flags device.HeapFlags) (device.Heap, error) {
	memory, err := b.allocate(size, heapType)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate %d byte %s heap", size, heapType)
	}

	return &Heap{
		memory:   memory,
		heapType: heapType,
		flags:    flags,
	}, nil
}

func bufferUsage(flags device.ResourceFlags) core1_0.BufferUsageFlags {
	usage := core1_0.BufferUsageTransferSrc | core1_0.BufferUsageTransferDst |
		core1_0.BufferUsageVertexBuffer | core1_0.BufferUsageIndexBuffer | core1_0.BufferUsageIndirectBuffer
	if flags&device.ResourceDenyShaderResource == 0 {
		usage |= core1_0.BufferUsageUniformBuffer | core1_0.BufferUsageStorageBuffer
	}
	if flags&device.ResourceAllowUnorderedAccess != 0 {
		usage |= core1_0.BufferUsageStorageBuffer
	}

	return usage
}

func (b *Backend) CreateResource(desc device.ResourceDesc) (device.Resource, error) {
	resource := &Resource{
		desc:     desc,
		heapType: desc.HeapType,
	}

	if desc.Heap != nil {
		heap, ok := desc.Heap.(*Heap)
		if !ok {
			return nil, errors.Newf("resource %q was placed in a heap that was not created by this backend", desc.Name)
		}
		if desc.HeapOffset < 0 || desc.HeapOffset+desc.Size > heap.Size() {
			return nil, errors.Newf("resource %q of size %d at offset %d does not fit in a heap of size %d", desc.Name, desc.Size, desc.HeapOffset, heap.Size())
		}
		resource.heap = heap
		resource.heapType = heap.heapType
		resource.memory = heap.memory
	} else {
		if desc.HeapOffset != 0 {
			return nil, errors.Newf("committed resource %q must have a heap offset of 0, but was %d", desc.Name, desc.HeapOffset)
		}
		memory, err := b.allocate(desc.Size, desc.HeapType)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to allocate memory for committed resource %q", desc.Name)
		}
		resource.memory = memory
	}

	if desc.Dimension == device.ResourceDimensionBuffer {
		err := b.createBuffer(resource)
		if err != nil {
			if resource.heap == nil {
				resource.memory.Free()
			}
			return nil, err
		}
	}

	if resource.heap != nil {
		resource.heap.placed++
	}

	return resource, nil
}

func (b *Backend) createBuffer(resource *Resource) error {
	usage := bufferUsage(resource.desc.Flags)
	if b.features.BufferDeviceAddress != nil {
		usage |= khr_buffer_device_address.BufferUsageShaderDeviceAddress
	}

	buffer, res, err := b.device.CreateBuffer(b.callbacks, core1_0.BufferCreateInfo{
		Size:        resource.desc.Size,
		Usage:       usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return errors.Wrapf(wrapResult(res, err), "failed to create buffer for resource %q", resource.desc.Name)
	}

	res, err = resource.memory.bindBuffer(resource.desc.HeapOffset, buffer)
	if err != nil {
		buffer.Destroy(b.callbacks)
		return errors.Wrapf(wrapResult(res, err), "failed to bind buffer for resource %q", resource.desc.Name)
	}
	resource.buffer = buffer

	if b.features.BufferDeviceAddress != nil {
		address, err := b.features.BufferDeviceAddress.GetBufferDeviceAddress(core1_2.BufferDeviceAddressInfo{
			Buffer: buffer,
		})
		if err != nil {
			b.logger.LogAttrs(context.Background(), slog.LevelWarn, "failed to query buffer device address",
				slog.String("Resource", resource.desc.Name),
				slog.Any("Error", err),
			)
		} else {
			resource.address = address
		}
	}

	return nil
}

func (b *Backend) DestroyHeap(heap device.Heap) error {
	vulkanHeap, ok := heap.(*Heap)
	if !ok {
		return errors.New("attempted to destroy a heap that was not created by this backend")
	}
	if vulkanHeap.placed > 0 {
		return errors.Newf("attempted to destroy a heap with %d live placed resources", vulkanHeap.placed)
	}

	vulkanHeap.memory.Free()
	return nil
}

func (b *Backend) DestroyResource(resource device.Resource) error {
	vulkanResource, ok := resource.(*Resource)
	if !ok {
		return errors.New("attempted to destroy a resource that was not created by this backend")
	}

	if vulkanResource.buffer != nil {
		vulkanResource.buffer.Destroy(b.callbacks)
		vulkanResource.buffer = nil
	}

	if vulkanResource.heap != nil {
		if vulkanResource.mapped {
			err := vulkanResource.memory.Unmap()
			if err != nil {
				return err
			}
		}
		vulkanResource.heap.placed--
		vulkanResource.heap = nil
	} else {
		vulkanResource.memory.Free()
	}
	vulkanResource.mapped = false

	return nil
}

func (b *Backend) Map(resource device.Resource) (unsafe.Pointer, error) {
	vulkanResource, ok := resource.(*Resource)
	if !ok {
		return nil, errors.New("attempted to map a resource that was not created by this backend")
	}
	if !vulkanResource.heapType.IsCPUVisible() {
		return nil, errors.Wrapf(device.ErrNotMappable, "resource %q", vulkanResource.desc.Name)
	}

	base, res, err := vulkanResource.memory.Map()
	if err != nil {
		return nil, wrapResult(res, err)
	}
	if vulkanResource.mapped {
		// Only one mapping reference is held per resource
		_ = vulkanResource.memory.Unmap()
	}
	vulkanResource.mapped = true

	return unsafe.Add(base, vulkanResource.desc.HeapOffset), nil
}

func (b *Backend) GPUVirtualAddress(resource device.Resource) uint64 {
	vulkanResource, ok := resource.(*Resource)
	if !ok {
		return 0
	}
	return vulkanResource.address
}
