// Package device describes the driver binding layer that the allocators in gpumem carve memory out of.
// Implementations live in the hostmem and vulkan subpackages.
package device

import (
	"unsafe"

	"github.com/cockroachdb/errors"
)

//go:generate mockgen -source backend.go -destination ./mocks/backend.go -package mocks

// ErrOutOfMemory is returned (possibly wrapped) when the device or a budget refuses to create a heap or
// resource because there is no room for it
var ErrOutOfMemory = errors.New("device out of memory")

// ErrNotMappable is returned from Map when the resource lives in a heap type without a CPU mapping
var ErrNotMappable = errors.New("resource is not in a cpu-visible heap")

// Heap is a single device memory allocation that resources may be placed into
type Heap interface {
	Size() int
	Type() HeapType
	Flags() HeapFlags
}

// Resource is a GPU-addressable object. It either owns its memory (committed), or is placed at an
// offset inside a Heap, or is a view of a whole heap with no resource object of its own.
type Resource interface {
	Size() int
	HeapType() HeapType
	Flags() ResourceFlags
	Dimension() ResourceDimension
	// Heap returns the heap this resource was placed in, or nil if the resource is committed
	Heap() Heap
	HeapOffset() int
}

// ResourceDesc describes a resource to be created. When Heap is nil a committed resource is created in a
// heap of type HeapType; otherwise the resource is placed in Heap at HeapOffset and HeapType is ignored.
type ResourceDesc struct {
	Size       int
	HeapType   HeapType
	Flags      ResourceFlags
	Dimension  ResourceDimension
	Heap       Heap
	HeapOffset int
	Name       string
}

// Backend creates and destroys heaps and resources on a device
type Backend interface {
	CreateHeap(size int, heapType HeapType, flags HeapFlags) (Heap, error)
	CreateResource(desc ResourceDesc) (Resource, error)
	DestroyHeap(heap Heap) error
	DestroyResource(resource Resource) error

	// Map returns a persistent CPU pointer to the start of the resource. Resources in heaps that are not
	// CPU-visible return ErrNotMappable.
	Map(resource Resource) (unsafe.Pointer, error)
	// GPUVirtualAddress returns the device address of the start of the resource, or 0 if the device
	// cannot report one
	GPUVirtualAddress(resource Resource) uint64
}
