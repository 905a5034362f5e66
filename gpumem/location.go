package gpumem

import (
	"fmt"
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/suballoc/device"
)

// LocationType indicates how a ResourceLocation came by its memory, and therefore what must happen
// when it is cleared
type LocationType int32

const (
	LocationUndefined LocationType = iota
	// LocationStandAlone locations own a committed resource outright
	LocationStandAlone
	// LocationSubAllocation locations hold a range of a heap or resource owned by a DeviceAllocator
	LocationSubAllocation
	// LocationFastAllocation locations hold transient upload memory that is reclaimed as a whole page
	// or ring, never individually
	LocationFastAllocation
	// LocationAliased locations share another location's resource without owning it
	LocationAliased
	// LocationHeapAliased locations view a whole heap without owning it
	LocationHeapAliased
)

func (t LocationType) String() string {
	switch t {
	case LocationUndefined:
		return "LocationUndefined"
	case LocationStandAlone:
		return "LocationStandAlone"
	case LocationSubAllocation:
		return "LocationSubAllocation"
	case LocationFastAllocation:
		return "LocationFastAllocation"
	case LocationAliased:
		return "LocationAliased"
	case LocationHeapAliased:
		return "LocationHeapAliased"
	}

	return fmt.Sprintf("LocationType(%d)", int32(t))
}

type privateData interface {
	isPrivateData()
}

// BuddyPrivateData identifies a block inside a BuddyAllocator. Offset is measured in units of the
// allocator's minimum block size.
type BuddyPrivateData struct {
	Order  int
	Offset int
}

// BucketPrivateData identifies a block inside a BucketAllocator. Offset is the byte offset of the block
// inside its backing resource.
type BucketPrivateData struct {
	BucketIndex int
	Offset      int
	Backing     *BucketBacking
}

// SegListPrivateData identifies a block inside a SegListAllocator
type SegListPrivateData struct {
	Offset int
	Heap   *SegHeap
}

// FastPrivateData holds the page that a fast allocation was bumped out of. Page is nil for
// allocations made from a FastConstantAllocator ring.
type FastPrivateData struct {
	Page *FastAllocatorPage
}

func (BuddyPrivateData) isPrivateData()   {}
func (BucketPrivateData) isPrivateData()  {}
func (SegListPrivateData) isPrivateData() {}
func (FastPrivateData) isPrivateData()    {}

// ResourceLocation is the handle that consumers hold for a range of GPU memory. It records which
// resource the range lives in, where, and who must be told when the range is no longer needed.
//
// A ResourceLocation must not be copied once it holds memory: use TransferOwnership, Swap or Alias.
type ResourceLocation struct {
	locationType LocationType

	resource                 device.Resource
	heap                     device.Heap
	size                     int
	offsetFromBaseOfResource int
	gpuVirtualAddress        uint64
	mappedAddress            unsafe.Pointer

	allocator  DeviceAllocator
	private    privateData
	standAlone *standAloneResource
}

func (l *ResourceLocation) Type() LocationType { return l.locationType }
func (l *ResourceLocation) IsValid() bool      { return l.locationType != LocationUndefined }

func (l *ResourceLocation) Resource() device.Resource     { return l.resource }
func (l *ResourceLocation) Heap() device.Heap             { return l.heap }
func (l *ResourceLocation) Size() int                     { return l.size }
func (l *ResourceLocation) OffsetFromBaseOfResource() int { return l.offsetFromBaseOfResource }
func (l *ResourceLocation) GPUVirtualAddress() uint64     { return l.gpuVirtualAddress }
func (l *ResourceLocation) MappedAddress() unsafe.Pointer { return l.mappedAddress }

// Allocator returns the allocator that Clear will route this location to, or nil if the location is
// not a sub-allocation
func (l *ResourceLocation) Allocator() DeviceAllocator { return l.allocator }

func (l *ResourceLocation) BuddyData() (BuddyPrivateData, bool) {
	data, ok := l.private.(BuddyPrivateData)
	return data, ok
}

func (l *ResourceLocation) BucketData() (BucketPrivateData, bool) {
	data, ok := l.private.(BucketPrivateData)
	return data, ok
}

func (l *ResourceLocation) SegListData() (SegListPrivateData, bool) {
	data, ok := l.private.(SegListPrivateData)
	return data, ok
}

func (l *ResourceLocation) FastData() (FastPrivateData, bool) {
	data, ok := l.private.(FastPrivateData)
	return data, ok
}

// Clear releases whatever this location holds and returns it to LocationUndefined. Stand-alone resources
// are handed to their Device's deferred deletion queue, sub-allocations are returned to their allocator,
// and aliases are simply forgotten.
func (l *ResourceLocation) Clear() {
	switch l.locationType {
	case LocationStandAlone:
		l.standAlone.release()
	case LocationSubAllocation:
		if l.allocator == nil {
			panic("sub-allocated resource location has no owning allocator")
		}
		l.allocator.Deallocate(l)
	case LocationFastAllocation:
		if data, ok := l.private.(FastPrivateData); ok && data.Page != nil {
			data.Page.release()
		}
	}

	l.reset()
}

func (l *ResourceLocation) reset() {
	*l = ResourceLocation{}
}

// AsStandAlone makes this location the owner of a committed resource that was created outside of the
// allocators. The resource is registered with dev, mapped if it is CPU-visible, and released through
// dev's deferred deletion queue when the location is cleared.
func (l *ResourceLocation) AsStandAlone(dev *Device, resource device.Resource, size int) error {
	l.Clear()
	return dev.adoptStandAlone(resource, size, l)
}

// AsHeapAliased makes this location a non-owning view of an entire heap
func (l *ResourceLocation) AsHeapAliased(heap device.Heap, resource device.Resource) {
	l.Clear()

	l.locationType = LocationHeapAliased
	l.heap = heap
	l.resource = resource
	l.size = heap.Size()
}

// TransferOwnership moves everything src holds into dst, clearing whatever dst held before. src is
// left undefined.
func TransferOwnership(dst, src *ResourceLocation) {
	if dst == src {
		return
	}

	dst.Clear()
	*dst = *src
	src.reset()
}

// Swap exchanges the contents of two locations without releasing either
func (l *ResourceLocation) Swap(other *ResourceLocation) {
	*l, *other = *other, *l
}

// Alias makes dst a non-owning view of the memory src holds
func Alias(dst, src *ResourceLocation) {
	if dst == src {
		return
	}
	if !src.IsValid() {
		panic("attempted to alias an undefined resource location")
	}

	dst.Clear()
	dst.locationType = LocationAliased
	dst.resource = src.resource
	dst.heap = src.heap
	dst.size = src.size
	dst.offsetFromBaseOfResource = src.offsetFromBaseOfResource
	dst.gpuVirtualAddress = src.gpuVirtualAddress
	dst.mappedAddress = src.mappedAddress
}

func (l *ResourceLocation) setSubAllocation(allocator DeviceAllocator, resource device.Resource, size, offset int, address uint64, mapped unsafe.Pointer, private privateData) {
	l.mustBeUndefined()

	l.locationType = LocationSubAllocation
	l.allocator = allocator
	l.resource = resource
	l.size = size
	l.offsetFromBaseOfResource = offset
	l.gpuVirtualAddress = address
	l.mappedAddress = mapped
	l.private = private
}

func (l *ResourceLocation) setFastAllocation(resource device.Resource, size, offset int, address uint64, mapped unsafe.Pointer, page *FastAllocatorPage) {
	l.mustBeUndefined()

	l.locationType = LocationFastAllocation
	l.resource = resource
	l.size = size
	l.offsetFromBaseOfResource = offset
	l.gpuVirtualAddress = address
	l.mappedAddress = mapped
	l.private = FastPrivateData{Page: page}
}

func (l *ResourceLocation) setStandAlone(entry *standAloneResource, address uint64, mapped unsafe.Pointer) {
	l.mustBeUndefined()

	l.locationType = LocationStandAlone
	l.standAlone = entry
	l.resource = entry.resource
	l.size = entry.size
	l.gpuVirtualAddress = address
	l.mappedAddress = mapped
}

func (l *ResourceLocation) mustBeUndefined() {
	if l.locationType != LocationUndefined {
		panic(fmt.Sprintf("attempted to place an allocation into a resource location that still holds a %s", l.locationType))
	}
}

// PrintParameters writes a description of this location to a json object
func (l *ResourceLocation) PrintParameters(json *jwriter.ObjectState) {
	json.Name("Type").String(l.locationType.String())
	json.Name("Size").Int(l.size)
	json.Name("Offset").Int(l.offsetFromBaseOfResource)
	if l.gpuVirtualAddress != 0 {
		json.Name("GPUVirtualAddress").Float64(float64(l.gpuVirtualAddress))
	}
	if l.allocator != nil {
		json.Name("Allocator").String(l.allocator.Name())
	}
}

func offsetPointer(base unsafe.Pointer, offset int) unsafe.Pointer {
	if base == nil {
		return nil
	}
	return unsafe.Add(base, offset)
}
