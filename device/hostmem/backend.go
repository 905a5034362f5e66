// Package hostmem provides a device.Backend that lives entirely in process memory. Upload and readback heaps
// are backed by Go byte slices so that mapped pointers are real; default heaps only exist as bookkeeping.
// Device addresses are synthetic but stable and unique for the lifetime of the backend.
package hostmem

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/suballoc/device"
	"github.com/vkngwrapper/suballoc/memutils"
)

const addressAlignment uint = 64 * 1024

// Options configure a Backend. All fields may be left zero.
type Options struct {
	// MaxBytes caps the total number of bytes of heaps and committed resources that may be live at once.
	// Creation beyond the cap fails with device.ErrOutOfMemory. Zero means no cap.
	MaxBytes int
}

type Backend struct {
	mutex sync.Mutex
	opts  Options

	nextAddress uint64
	liveBytes   int

	heaps     *swiss.Map[*Heap, struct{}]
	resources *swiss.Map[*Resource, struct{}]
}

var _ device.Backend = &Backend{}

func New(opts Options) *Backend {
	return &Backend{
		opts:        opts,
		nextAddress: uint64(addressAlignment),
		heaps:       swiss.NewMap[*Heap, struct{}](16),
		resources:   swiss.NewMap[*Resource, struct{}](64),
	}
}

type Heap struct {
	size     int
	heapType device.HeapType
	flags    device.HeapFlags
	address  uint64
	data     []byte
	placed   int
}

func (h *Heap) Size() int                 { return h.size }
func (h *Heap) Type() device.HeapType     { return h.heapType }
func (h *Heap) Flags() device.HeapFlags   { return h.flags }
func (h *Heap) GPUVirtualAddress() uint64 { return h.address }

type Resource struct {
	desc    device.ResourceDesc
	heap    *Heap
	address uint64
	data    []byte
}

func (r *Resource) Size() int                           { return r.desc.Size }
func (r *Resource) Flags() device.ResourceFlags         { return r.desc.Flags }
func (r *Resource) Dimension() device.ResourceDimension { return r.desc.Dimension }
func (r *Resource) HeapOffset() int                     { return r.desc.HeapOffset }
func (r *Resource) Name() string                        { return r.desc.Name }

func (r *Resource) HeapType() device.HeapType {
	if r.heap != nil {
		return r.heap.heapType
	}
	return r.desc.HeapType
}

func (r *Resource) Heap() device.Heap {
	if r.heap == nil {
		return nil
	}
	return r.heap
}

func (b *Backend) reserve(size int) (uint64, error) {
	if b.opts.MaxBytes > 0 && b.liveBytes+size > b.opts.MaxBytes {
		return 0, errors.Wrapf(device.ErrOutOfMemory, "creating %d bytes would exceed the backend cap of %d bytes (%d live)", size, b.opts.MaxBytes, b.liveBytes)
	}

	b.liveBytes += size
	address := b.nextAddress
	b.nextAddress += uint64(memutils.AlignUp(size, addressAlignment))
	return address, nil
}

func (b *Backend) CreateHeap(size int, heapType device.HeapType, flags device.HeapFlags) (device.Heap, error) {
	if size <= 0 {
		return nil, errors.Newf("attempted to create a heap of size %d", size)
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	address, err := b.reserve(size)
	if err != nil {
		return nil, err
	}

	heap := &Heap{
		size:     size,
		heapType: heapType,
		flags:    flags,
		address:  address,
	}
	if heapType.IsCPUVisible() {
		heap.data = make([]byte, size)
	}

	b.heaps.Put(heap, struct{}{})
	return heap, nil
}

func (b *Backend) CreateResource(desc device.ResourceDesc) (device.Resource, error) {
	if desc.Size <= 0 {
		return nil, errors.Newf("attempted to create resource '%s' of size %d", desc.Name, desc.Size)
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	resource := &Resource{desc: desc}

	if desc.Heap == nil {
		address, err := b.reserve(desc.Size)
		if err != nil {
			return nil, err
		}
		resource.address = address
		if desc.HeapType.IsCPUVisible() {
			resource.data = make([]byte, desc.Size)
		}
	} else {
		heap, ok := desc.Heap.(*Heap)
		if !ok || !b.heaps.Has(heap) {
			return nil, errors.Newf("attempted to place resource '%s' in a heap that does not belong to this backend", desc.Name)
		}
		if desc.HeapOffset < 0 || desc.HeapOffset+desc.Size > heap.size {
			return nil, errors.Newf("resource '%s' at offset %d with size %d does not fit in a heap of size %d", desc.Name, desc.HeapOffset, desc.Size, heap.size)
		}
		if heap.flags&device.HeapAllowOnlyBuffers != 0 && desc.Dimension == device.ResourceDimensionTexture {
			return nil, errors.Newf("attempted to place texture '%s' in a buffer-only heap", desc.Name)
		}
		if heap.flags&device.HeapDenyBuffers != 0 && desc.Dimension == device.ResourceDimensionBuffer {
			return nil, errors.Newf("attempted to place buffer '%s' in a heap that denies buffers", desc.Name)
		}
		if heap.flags&device.HeapAllowOnlyNonTargetTextures != 0 &&
			(desc.Dimension != device.ResourceDimensionTexture || desc.Flags&(device.ResourceAllowRenderTarget|device.ResourceAllowDepthStencil) != 0) {
			return nil, errors.Newf("attempted to place '%s' in a heap that only allows non-target textures", desc.Name)
		}

		resource.heap = heap
		resource.address = heap.address + uint64(desc.HeapOffset)
		if heap.data != nil {
			resource.data = heap.data[desc.HeapOffset : desc.HeapOffset+desc.Size]
		}
		heap.placed++
	}

	b.resources.Put(resource, struct{}{})
	return resource, nil
}

func (b *Backend) DestroyHeap(heap device.Heap) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	h, ok := heap.(*Heap)
	if !ok || !b.heaps.Has(h) {
		return errors.New("attempted to destroy a heap that is not live in this backend")
	}
	if h.placed > 0 {
		return errors.Newf("attempted to destroy a heap that still has %d placed resources", h.placed)
	}

	b.heaps.Delete(h)
	b.liveBytes -= h.size
	h.data = nil
	return nil
}

func (b *Backend) DestroyResource(resource device.Resource) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	r, ok := resource.(*Resource)
	if !ok || !b.resources.Has(r) {
		return errors.New("attempted to destroy a resource that is not live in this backend")
	}

	b.resources.Delete(r)
	if r.heap != nil {
		r.heap.placed--
	} else {
		b.liveBytes -= r.desc.Size
	}
	r.data = nil
	return nil
}

func (b *Backend) Map(resource device.Resource) (unsafe.Pointer, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	r, ok := resource.(*Resource)
	if !ok || !b.resources.Has(r) {
		return nil, errors.New("attempted to map a resource that is not live in this backend")
	}
	if !r.HeapType().IsCPUVisible() {
		return nil, errors.Wrapf(device.ErrNotMappable, "resource '%s' is in %s", r.desc.Name, r.HeapType())
	}

	return unsafe.Pointer(&r.data[0]), nil
}

func (b *Backend) GPUVirtualAddress(resource device.Resource) uint64 {
	r, ok := resource.(*Resource)
	if !ok {
		return 0
	}
	return r.address
}

// LiveHeapCount returns the number of heaps that have been created and not destroyed
func (b *Backend) LiveHeapCount() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.heaps.Count()
}

// LiveResourceCount returns the number of resources that have been created and not destroyed
func (b *Backend) LiveResourceCount() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.resources.Count()
}

// LiveBytes returns the number of bytes of heaps and committed resources currently live
func (b *Backend) LiveBytes() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.liveBytes
}
