package gpumem

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/suballoc/device"
	"github.com/vkngwrapper/suballoc/memutils"
)

// Budget reports how much memory of one heap type is held by a Device
type Budget struct {
	// Statistics.BlockCount and BlockBytes count heaps and committed resources created on the device.
	// Statistics.AllocationCount and AllocationBytes count memory handed out to consumers.
	Statistics memutils.Statistics
	// Usage is the number of bytes currently allocated from the device
	Usage int
	// Budget is the configured heap size limit, or 0 if there is none
	Budget int
}

type budgetTracker struct {
	// Number of heaps and committed resources created on the device
	blockCount [device.HeapTypeCount]atomic.Int32
	// Number of user allocations that have been doled out for use- this includes stand-alone
	// resources as well as sub-allocations
	allocationCount [device.HeapTypeCount]atomic.Int32
	blockBytes      [device.HeapTypeCount]atomic.Int64
	allocationBytes [device.HeapTypeCount]atomic.Int64

	heapLimits [device.HeapTypeCount]int
}

func (b *budgetTracker) addBlockAllocation(heapType device.HeapType, allocationSize int) error {
	limit := b.heapLimits[heapType]
	if limit <= 0 {
		b.forceBlockAllocation(heapType, allocationSize)
		return nil
	}

	for {
		currentVal := b.blockBytes[heapType].Load()
		targetVal := currentVal + int64(allocationSize)

		if targetVal > int64(limit) {
			return errors.Wrapf(device.ErrOutOfMemory, "allocating %d bytes would exceed the %s heap limit of %d bytes (%d in use)",
				allocationSize, heapType, limit, currentVal)
		}

		if b.blockBytes[heapType].CompareAndSwap(currentVal, targetVal) {
			break
		}
	}

	b.blockCount[heapType].Add(1)
	return nil
}

// forceBlockAllocation records a block without checking the heap limit, for device objects that
// already exist
func (b *budgetTracker) forceBlockAllocation(heapType device.HeapType, allocationSize int) {
	b.blockBytes[heapType].Add(int64(allocationSize))
	b.blockCount[heapType].Add(1)
}

func (b *budgetTracker) removeBlockAllocation(heapType device.HeapType, allocationSize int) {
	newVal := b.blockBytes[heapType].Add(int64(-allocationSize))
	if newVal < 0 {
		panic(fmt.Sprintf("block bytes budget for %s went negative", heapType))
	}

	newCountVal := b.blockCount[heapType].Add(-1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("block count budget for %s went negative", heapType))
	}
}

func (b *budgetTracker) AddAllocation(heapType device.HeapType, size int) {
	b.allocationBytes[heapType].Add(int64(size))
	b.allocationCount[heapType].Add(1)
}

func (b *budgetTracker) RemoveAllocation(heapType device.HeapType, size int) {
	newSizeVal := b.allocationBytes[heapType].Add(int64(-size))
	if newSizeVal < 0 {
		panic(fmt.Sprintf("allocation bytes budget for %s went negative", heapType))
	}

	newCountVal := b.allocationCount[heapType].Add(-1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("allocation count budget for %s went negative", heapType))
	}
}

func (b *budgetTracker) HeapBudget(heapType device.HeapType, budget *Budget) {
	budget.Statistics.BlockCount = int(b.blockCount[heapType].Load())
	budget.Statistics.AllocationCount = int(b.allocationCount[heapType].Load())
	budget.Statistics.BlockBytes = int(b.blockBytes[heapType].Load())
	budget.Statistics.AllocationBytes = int(b.allocationBytes[heapType].Load())

	budget.Usage = budget.Statistics.BlockBytes
	budget.Budget = b.heapLimits[heapType]
}

// trackedBackend sits between the allocators and the consumer's backend. Every heap and committed
// resource is counted against the budget and reported to the memory callbacks.
type trackedBackend struct {
	backend   device.Backend
	budget    *budgetTracker
	callbacks *memoryCallbacks
}

var _ device.Backend = &trackedBackend{}

func (b *trackedBackend) CreateHeap(size int, heapType device.HeapType, flags device.HeapFlags) (heap device.Heap, err error) {
	err = b.budget.addBlockAllocation(heapType, size)
	if err != nil {
		return nil, err
	}
	defer func() {
		// If we failed out, roll back the block allocation
		if err != nil {
			b.budget.removeBlockAllocation(heapType, size)
		}
	}()

	heap, err = b.backend.CreateHeap(size, heapType, flags)
	if err != nil {
		return nil, err
	}

	b.callbacks.Allocate(heapType, heap, size)
	return heap, nil
}

func (b *trackedBackend) DestroyHeap(heap device.Heap) error {
	heapType, size := heap.Type(), heap.Size()

	err := b.backend.DestroyHeap(heap)
	if err != nil {
		return err
	}

	b.callbacks.Free(heapType, heap, size)
	b.budget.removeBlockAllocation(heapType, size)
	return nil
}

func (b *trackedBackend) CreateResource(desc device.ResourceDesc) (resource device.Resource, err error) {
	if desc.Heap != nil {
		return b.backend.CreateResource(desc)
	}

	err = b.budget.addBlockAllocation(desc.HeapType, desc.Size)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			b.budget.removeBlockAllocation(desc.HeapType, desc.Size)
		}
	}()

	resource, err = b.backend.CreateResource(desc)
	if err != nil {
		return nil, err
	}

	b.callbacks.Allocate(desc.HeapType, resource, desc.Size)
	return resource, nil
}

func (b *trackedBackend) DestroyResource(resource device.Resource) error {
	committed := resource.Heap() == nil
	heapType, size := resource.HeapType(), resource.Size()

	err := b.backend.DestroyResource(resource)
	if err != nil {
		return err
	}

	if committed {
		b.callbacks.Free(heapType, resource, size)
		b.budget.removeBlockAllocation(heapType, size)
	}
	return nil
}

// adopt starts tracking a committed resource that was created outside of this backend, so that it can
// later be destroyed through it
func (b *trackedBackend) adopt(resource device.Resource) {
	b.budget.forceBlockAllocation(resource.HeapType(), resource.Size())
	b.callbacks.Allocate(resource.HeapType(), resource, resource.Size())
}

func (b *trackedBackend) Map(resource device.Resource) (unsafe.Pointer, error) {
	return b.backend.Map(resource)
}

func (b *trackedBackend) GPUVirtualAddress(resource device.Resource) uint64 {
	return b.backend.GPUVirtualAddress(resource)
}
