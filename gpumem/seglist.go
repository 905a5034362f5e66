package gpumem

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/hashicorp/go-multierror"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/suballoc/device"
	"github.com/vkngwrapper/suballoc/internal/utils"
	"github.com/vkngwrapper/suballoc/memutils"
	"github.com/vkngwrapper/suballoc/memutils/deferred"
	"github.com/vkngwrapper/suballoc/memutils/metadata"
)

// InvalidOffset is returned from SegListAllocator.Allocate when the request is too large to pool
const InvalidOffset = -1

const (
	DefaultSegListMinPoolSize  = 4 * 1024 * 1024
	DefaultSegListMinNumToPool = 8
	DefaultSegListMaxPoolSize  = 20 * 1024 * 1024
)

// SegListOptions configure a SegListAllocator
type SegListOptions struct {
	Name          string
	HeapType      device.HeapType
	HeapFlags     device.HeapFlags
	ResourceFlags device.ResourceFlags
	// Dimension is the kind of placed resource TryAllocate creates
	Dimension device.ResourceDimension

	// MinPoolSize is the smallest backing heap that will be created. Defaults to 4MiB.
	MinPoolSize int
	// MinNumToPool is the smallest number of blocks a backing heap will hold. Defaults to 8.
	MinNumToPool int
	// MaxPoolSize is the largest backing heap that will be created. Block sizes greater than half of this
	// are not pooled. Defaults to 20MiB.
	MaxPoolSize int
}

func (o *SegListOptions) applyDefaults() {
	if o.Name == "" {
		o.Name = "SegListAllocator"
	}
	if o.MinPoolSize <= 0 {
		o.MinPoolSize = DefaultSegListMinPoolSize
	}
	if o.MinNumToPool <= 0 {
		o.MinNumToPool = DefaultSegListMinNumToPool
	}
	if o.MaxPoolSize <= 0 {
		o.MaxPoolSize = DefaultSegListMaxPoolSize
	}
}

// SegHeap is a backing heap dedicated to blocks of a single size
type SegHeap struct {
	owner    *segList
	heap     device.Heap
	metadata *metadata.SegHeapMetadata
	// arrayIdx is this heap's index in its owner's free heap stack, or -1 while the heap is full
	arrayIdx int
}

func (h *SegHeap) Heap() device.Heap { return h.heap }
func (h *SegHeap) BlockSize() int    { return h.metadata.BlockSize() }
func (h *SegHeap) Size() int         { return h.metadata.Size() }

type segList struct {
	mutex     utils.OptionalMutex
	blockSize int
	heapSize  int

	freeHeaps []*SegHeap
	heaps     *swiss.Map[*SegHeap, struct{}]
}

func newSegList(useMutex bool, blockSize, heapSize int) *segList {
	if heapSize%blockSize != 0 || heapSize/blockSize <= 1 {
		panic(fmt.Sprintf("seg list heap size %d must hold more than one %d byte block", heapSize, blockSize))
	}

	return &segList{
		mutex:     utils.OptionalMutex{UseMutex: useMutex},
		blockSize: blockSize,
		heapSize:  heapSize,
		heaps:     swiss.NewMap[*SegHeap, struct{}](4),
	}
}

// allocateBlock returns a block from the most recently used heap that has room, creating a new heap if
// there is none
func (l *segList) allocateBlock(backend device.Backend, heapType device.HeapType, heapFlags device.HeapFlags) (int, *SegHeap, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if len(l.freeHeaps) > 0 {
		last := len(l.freeHeaps) - 1
		heap := l.freeHeaps[last]
		offset := heap.metadata.AllocateBlock()

		if heap.metadata.IsFull() {
			heap.arrayIdx = -1
			l.freeHeaps[last] = nil
			l.freeHeaps = l.freeHeaps[:last]
		}
		return offset, heap, nil
	}

	backing, err := backend.CreateHeap(l.heapSize, heapType, heapFlags)
	if err != nil {
		return InvalidOffset, nil, errors.Wrapf(err, "failed to create %d byte heap for %d byte blocks", l.heapSize, l.blockSize)
	}

	heap := &SegHeap{
		owner:    l,
		heap:     backing,
		metadata: metadata.NewSegHeapMetadata(l.blockSize, l.heapSize),
		arrayIdx: len(l.freeHeaps),
	}
	l.freeHeaps = append(l.freeHeaps, heap)
	l.heaps.Put(heap, struct{}{})

	return heap.metadata.AllocateBlock(), heap, nil
}

// freeBlock returns a block to its heap. A heap that was full goes back on the free heap stack. A heap
// that is now empty is removed from the list and returned so that it can be destroyed.
func (l *segList) freeBlock(heap *SegHeap, offset int) *SegHeap {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if heap.owner != l {
		panic(fmt.Sprintf("attempted to free a %d byte block into a seg list of %d byte blocks", heap.metadata.BlockSize(), l.blockSize))
	}

	wasFull := heap.metadata.IsFull()
	heap.metadata.FreeBlock(offset)

	if wasFull {
		if heap.arrayIdx >= 0 {
			panic("full seg heap is present in the free heap stack")
		}
		heap.arrayIdx = len(l.freeHeaps)
		l.freeHeaps = append(l.freeHeaps, heap)
		return nil
	}

	if !heap.metadata.IsEmpty() {
		return nil
	}

	idx := heap.arrayIdx
	if idx < 0 || idx >= len(l.freeHeaps) || l.freeHeaps[idx] != heap {
		panic(fmt.Sprintf("empty seg heap has stale free heap index %d", idx))
	}

	last := len(l.freeHeaps) - 1
	if idx != last {
		l.freeHeaps[idx] = l.freeHeaps[last]
		l.freeHeaps[idx].arrayIdx = idx
	}
	l.freeHeaps[last] = nil
	l.freeHeaps = l.freeHeaps[:last]

	heap.arrayIdx = -1
	l.heaps.Delete(heap)
	return heap
}

func (l *segList) totalBytesAllocated() int {
	return l.heaps.Count() * l.heapSize
}

func (l *segList) validate() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	for idx, heap := range l.freeHeaps {
		if heap.arrayIdx != idx {
			return errors.Newf("seg heap at free heap index %d believes it is at index %d", idx, heap.arrayIdx)
		}
		if heap.metadata.IsFull() {
			return errors.Newf("full seg heap is present at free heap index %d", idx)
		}
	}

	var err error
	l.heaps.Iter(func(heap *SegHeap, _ struct{}) bool {
		if heap.arrayIdx < 0 && !heap.metadata.IsFull() {
			err = errors.New("seg heap with free blocks is missing from the free heap stack")
			return true
		}
		err = heap.metadata.Validate()
		return err != nil
	})
	return err
}

type segBlockKey struct {
	heap   *SegHeap
	offset int
}

type retiredSegBlock struct {
	key      segBlockKey
	resource device.Resource
	size     int
}

// SegListAllocator pools same-sized blocks in dedicated heaps, one segregated list per block size. It
// suits resources that are never written after creation, where buddy merging buys nothing. Freed blocks
// are retired in one batch per fence value and returned to their heap once that value completes.
type SegListAllocator struct {
	dev        *Device
	logger     *slog.Logger
	options    SegListOptions
	registered bool

	listsMutex utils.OptionalRWMutex
	segLists   *swiss.Map[int, *segList]

	deferredMutex utils.OptionalMutex
	retired       *deferred.CoalescedQueue[retiredSegBlock]
	live          *swiss.Map[segBlockKey, device.Resource]

	totalBytesRequested atomic.Int64
}

var _ DeviceAllocator = &SegListAllocator{}

// NewSegListAllocator creates a SegListAllocator and registers it with dev
func NewSegListAllocator(dev *Device, o SegListOptions) (*SegListAllocator, error) {
	o.applyDefaults()

	if o.MinPoolSize > o.MaxPoolSize {
		return nil, errors.Newf("minimum pool size %d for %s is larger than the maximum pool size %d", o.MinPoolSize, o.Name, o.MaxPoolSize)
	}
	if o.MinNumToPool < 2 {
		return nil, errors.Newf("%s must pool at least 2 blocks per heap, but MinNumToPool is %d", o.Name, o.MinNumToPool)
	}

	allocator := &SegListAllocator{
		dev:           dev,
		logger:        dev.logger.With(slog.String("Allocator", o.Name)),
		options:       o,
		listsMutex:    utils.OptionalRWMutex{UseMutex: dev.useMutex},
		segLists:      swiss.NewMap[int, *segList](8),
		deferredMutex: utils.OptionalMutex{UseMutex: dev.useMutex},
		retired:       deferred.NewCoalescedQueue[retiredSegBlock](dev.fence),
		live:          swiss.NewMap[segBlockKey, device.Resource](64),
	}

	allocator.registered = true
	dev.register(allocator)
	return allocator, nil
}

func (a *SegListAllocator) Name() string { return a.options.Name }

// ShouldPool returns true if blocks of blockSize bytes are small enough to be pooled
func (a *SegListAllocator) ShouldPool(blockSize int) bool {
	return blockSize*2 <= a.options.MaxPoolSize
}

// CalculateHeapSize returns the size of the heaps that blocks of blockSize bytes are pooled in: enough
// blocks to cover MinPoolSize, no fewer than MinNumToPool, and no more than fit in MaxPoolSize
func (a *SegListAllocator) CalculateHeapSize(blockSize int) int {
	numPooled := memutils.DivideAndRoundUp(a.options.MinPoolSize, blockSize)
	numPooled = max(numPooled, a.options.MinNumToPool)
	numPooled = min(numPooled, a.options.MaxPoolSize/blockSize)

	if numPooled <= 1 {
		panic(fmt.Sprintf("%d byte blocks cannot be pooled in %s", blockSize, a.options.Name))
	}
	return numPooled * blockSize
}

// SegListCount returns the number of distinct block sizes that have been pooled
func (a *SegListAllocator) SegListCount() int {
	a.listsMutex.RLock()
	defer a.listsMutex.RUnlock()

	return a.segLists.Count()
}

// HeapCount returns the number of backing heaps that hold blocks of blockSize bytes
func (a *SegListAllocator) HeapCount(blockSize int) int {
	a.listsMutex.RLock()
	list, ok := a.segLists.Get(blockSize)
	a.listsMutex.RUnlock()

	if !ok {
		return 0
	}

	list.mutex.Lock()
	defer list.mutex.Unlock()
	return list.heaps.Count()
}

func (a *SegListAllocator) findOrCreateSegList(blockSize int) *segList {
	a.listsMutex.RLock()
	list, ok := a.segLists.Get(blockSize)
	a.listsMutex.RUnlock()

	if ok {
		return list
	}

	heapSize := a.CalculateHeapSize(blockSize)

	a.listsMutex.Lock()
	defer a.listsMutex.Unlock()

	list, ok = a.segLists.Get(blockSize)
	if !ok {
		list = newSegList(a.dev.useMutex, blockSize, heapSize)
		a.segLists.Put(blockSize, list)
	}
	return list
}

// Allocate reserves a block large enough for size bytes at the requested alignment and returns its
// offset in the returned heap. When the block would be too large to pool, InvalidOffset and a nil heap
// are returned. The block must be returned with DeallocateBlock.
func (a *SegListAllocator) Allocate(size int, alignment uint) (int, *SegHeap, error) {
	if size <= 0 {
		panic(fmt.Sprintf("attempted to allocate %d bytes from %s", size, a.options.Name))
	}
	checkAlignment(alignment)

	blockSize := memutils.AlignUp(size, alignment)
	if !a.ShouldPool(blockSize) {
		return InvalidOffset, nil, nil
	}

	list := a.findOrCreateSegList(blockSize)
	offset, heap, err := list.allocateBlock(a.dev.backend, a.options.HeapType, a.options.HeapFlags)
	if err != nil {
		return InvalidOffset, nil, errors.Wrapf(err, "%s could not allocate", a.options.Name)
	}

	a.deferredMutex.Lock()
	a.live.Put(segBlockKey{heap: heap, offset: offset}, nil)
	a.deferredMutex.Unlock()

	a.totalBytesRequested.Add(int64(size))
	a.dev.budget.AddAllocation(a.options.HeapType, blockSize)
	return offset, heap, nil
}

// TryAllocate reserves a block and places a resource of size bytes at its offset
func (a *SegListAllocator) TryAllocate(size int, alignment uint, out *ResourceLocation) (bool, error) {
	return a.AllocateResource(device.ResourceDesc{
		Size:      size,
		Flags:     a.options.ResourceFlags,
		Dimension: a.options.Dimension,
		Name:      a.options.Name,
	}, alignment, out)
}

// AllocateResource reserves a block for desc.Size bytes and places a resource described by desc at its
// offset. desc.HeapType, desc.Heap and desc.HeapOffset are ignored.
func (a *SegListAllocator) AllocateResource(desc device.ResourceDesc, alignment uint, out *ResourceLocation) (bool, error) {
	a.logger.Debug("SegListAllocator::AllocateResource", slog.Int("Size", desc.Size), slog.Uint64("Alignment", uint64(alignment)))
	out.mustBeUndefined()

	size := desc.Size
	offset, heap, err := a.Allocate(size, alignment)
	if err != nil {
		return false, err
	}
	if offset == InvalidOffset {
		return false, nil
	}

	desc.HeapType = a.options.HeapType
	desc.Heap = heap.heap
	desc.HeapOffset = offset
	resource, err := a.dev.backend.CreateResource(desc)
	if err != nil {
		a.deferredMutex.Lock()
		a.live.Delete(segBlockKey{heap: heap, offset: offset})
		a.deferredMutex.Unlock()

		if freeErr := a.freeRetired([]retiredSegBlock{{key: segBlockKey{heap: heap, offset: offset}, size: size}}); freeErr != nil {
			err = multierror.Append(err, freeErr)
		}
		return false, errors.Wrapf(err, "failed to place %d byte resource at offset %d in %s", size, offset, a.options.Name)
	}

	a.deferredMutex.Lock()
	a.live.Put(segBlockKey{heap: heap, offset: offset}, resource)
	a.deferredMutex.Unlock()

	out.setSubAllocation(a, resource, size, 0, a.dev.backend.GPUVirtualAddress(resource), nil, SegListPrivateData{
		Offset: offset,
		Heap:   heap,
	})
	return true, nil
}

// Deallocate retires the location's block and placed resource at the fence's current value
func (a *SegListAllocator) Deallocate(location *ResourceLocation) {
	a.logger.Debug("SegListAllocator::Deallocate")

	if location.allocator != a {
		panic(fmt.Sprintf("attempted to deallocate a location from %s, but it does not belong to that allocator", a.options.Name))
	}
	data, ok := location.SegListData()
	if !ok {
		panic(fmt.Sprintf("attempted to deallocate a location from %s, but it does not hold a seg list block", a.options.Name))
	}

	a.DeallocateBlock(data.Heap, data.Offset, location.size, location.resource)
}

// DeallocateBlock retires a block returned from Allocate at the fence's current value. resource is the
// resource placed in the block, if any, and is destroyed when the block is freed.
func (a *SegListAllocator) DeallocateBlock(heap *SegHeap, offset, size int, resource device.Resource) {
	a.deferredMutex.Lock()
	defer a.deferredMutex.Unlock()

	key := segBlockKey{heap: heap, offset: offset}
	if !a.live.Has(key) {
		panic(fmt.Sprintf("attempted to deallocate seg list block at offset %d from %s, but it is not live", offset, a.options.Name))
	}
	a.live.Delete(key)

	a.retired.EnqueueCurrent(retiredSegBlock{key: key, resource: resource, size: size})
}

func (a *SegListAllocator) takeRetired(all bool) []retiredSegBlock {
	a.deferredMutex.Lock()
	defer a.deferredMutex.Unlock()

	var blocks []retiredSegBlock
	collect := func(block retiredSegBlock) {
		blocks = append(blocks, block)
	}

	if all {
		a.retired.DrainAll(collect)
	} else {
		a.retired.Drain(collect)
	}
	return blocks
}

func (a *SegListAllocator) freeRetired(blocks []retiredSegBlock) error {
	var result *multierror.Error
	for _, block := range blocks {
		if block.resource != nil {
			err := a.dev.backend.DestroyResource(block.resource)
			if err != nil {
				result = multierror.Append(result, err)
			}
		}

		heap := block.key.heap
		blockSize := heap.metadata.BlockSize()
		if empty := heap.owner.freeBlock(heap, block.key.offset); empty != nil {
			err := a.dev.destroyHeap(empty.heap)
			if err != nil {
				result = multierror.Append(result, err)
			}
		}

		a.totalBytesRequested.Add(int64(-block.size))
		a.dev.budget.RemoveAllocation(a.options.HeapType, blockSize)
	}

	return result.ErrorOrNil()
}

// CleanUpAllocations frees every retired block whose fence value has completed, destroying heaps that
// become empty
func (a *SegListAllocator) CleanUpAllocations() error {
	return a.freeRetired(a.takeRetired(false))
}

// Destroy destroys every backing heap, whether or not the GPU has finished with it. Blocks that were
// never deallocated are logged as unreleased memory.
func (a *SegListAllocator) Destroy() error {
	a.logger.Debug("SegListAllocator::Destroy")

	if a.registered {
		a.dev.unregister(a)
		a.registered = false
	}

	var result *multierror.Error
	if err := a.freeRetired(a.takeRetired(true)); err != nil {
		result = multierror.Append(result, err)
	}

	a.deferredMutex.Lock()
	a.live.Iter(func(key segBlockKey, resource device.Resource) bool {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] seg list block was never deallocated",
			slog.Int("Offset", key.offset),
			slog.Int("Size", key.heap.metadata.BlockSize()),
		)
		if resource != nil {
			if err := a.dev.backend.DestroyResource(resource); err != nil {
				result = multierror.Append(result, err)
			}
		}
		a.dev.budget.RemoveAllocation(a.options.HeapType, key.heap.metadata.BlockSize())
		return false
	})
	a.live.Clear()
	a.totalBytesRequested.Store(0)
	a.deferredMutex.Unlock()

	a.listsMutex.Lock()
	defer a.listsMutex.Unlock()

	a.segLists.Iter(func(_ int, list *segList) bool {
		list.mutex.Lock()
		defer list.mutex.Unlock()

		list.heaps.Iter(func(heap *SegHeap, _ struct{}) bool {
			if err := a.dev.destroyHeap(heap.heap); err != nil {
				result = multierror.Append(result, err)
			}
			return false
		})
		list.heaps.Clear()
		list.freeHeaps = nil
		return false
	})
	a.segLists.Clear()

	return result.ErrorOrNil()
}

func (a *SegListAllocator) Validate() error {
	a.listsMutex.RLock()
	defer a.listsMutex.RUnlock()

	var err error
	a.segLists.Iter(func(blockSize int, list *segList) bool {
		if list.blockSize != blockSize {
			err = errors.Newf("seg list for %d byte blocks is registered under %d bytes", list.blockSize, blockSize)
			return true
		}
		err = list.validate()
		return err != nil
	})
	return err
}

// GetMemoryStats returns the number of bytes of backing heaps, and the number of those bytes that are not
// covered by a live or retired request
func (a *SegListAllocator) GetMemoryStats() (totalAllocated int, totalUnused int) {
	a.listsMutex.RLock()
	defer a.listsMutex.RUnlock()

	a.segLists.Iter(func(_ int, list *segList) bool {
		list.mutex.Lock()
		totalAllocated += list.totalBytesAllocated()
		list.mutex.Unlock()
		return false
	})

	return totalAllocated, totalAllocated - int(a.totalBytesRequested.Load())
}

func (a *SegListAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.listsMutex.RLock()
	a.segLists.Iter(func(_ int, list *segList) bool {
		list.mutex.Lock()
		defer list.mutex.Unlock()

		list.heaps.Iter(func(heap *SegHeap, _ struct{}) bool {
			heap.metadata.AddDetailedStatistics(stats)
			return false
		})
		return false
	})
	a.listsMutex.RUnlock()

	a.deferredMutex.Lock()
	defer a.deferredMutex.Unlock()

	a.retired.Visit(func(block retiredSegBlock, _ uint64) {
		stats.AddRetired(block.key.heap.metadata.BlockSize())
	})
}

func (a *SegListAllocator) BuildStatsString(writer *jwriter.Writer) {
	a.listsMutex.RLock()
	defer a.listsMutex.RUnlock()

	obj := writer.Object()
	defer obj.End()

	obj.Name("Name").String(a.options.Name)
	obj.Name("HeapType").String(a.options.HeapType.String())

	lists := obj.Name("SegLists").Array()
	defer lists.End()

	a.segLists.Iter(func(blockSize int, list *segList) bool {
		list.mutex.Lock()
		defer list.mutex.Unlock()

		listObj := lists.Object()
		listObj.Name("BlockSize").Int(blockSize)
		listObj.Name("HeapSize").Int(list.heapSize)
		listObj.Name("FreeHeaps").Int(len(list.freeHeaps))

		heaps := listObj.Name("Heaps").Array()
		list.heaps.Iter(func(heap *SegHeap, _ struct{}) bool {
			heapObj := heaps.Object()
			heap.metadata.PrintDetailedMap(&heapObj)
			heapObj.End()
			return false
		})
		heaps.End()
		listObj.End()
		return false
	})
}
