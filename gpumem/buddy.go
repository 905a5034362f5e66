package gpumem

import (
	"context"
	"fmt"
	"log/slog"
	"unsafe"

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

const (
	DefaultBuddyMaxBlockSize = 8 * 1024 * 1024
	DefaultBuddyMinBlockSize = 256
)

// BuddyOptions configure a BuddyAllocator or MultiBuddyAllocator
type BuddyOptions struct {
	Name          string
	Strategy      AllocationStrategy
	HeapType      device.HeapType
	HeapFlags     device.HeapFlags
	ResourceFlags device.ResourceFlags

	// MaxSizeForPooling is the largest request a MultiBuddyAllocator will serve. Zero defaults to
	// MaxBlockSize.
	MaxSizeForPooling int
	// MaxBlockSize is the size of the backing heap or resource. Defaults to 8MiB.
	MaxBlockSize int
	// MinBlockSize is the size of an order 0 block. MaxBlockSize / MinBlockSize must be a power of two.
	// Defaults to 256.
	MinBlockSize int
}

func (o *BuddyOptions) applyDefaults() {
	if o.MaxBlockSize <= 0 {
		o.MaxBlockSize = DefaultBuddyMaxBlockSize
	}
	if o.MinBlockSize <= 0 {
		o.MinBlockSize = DefaultBuddyMinBlockSize
	}
	if o.MaxSizeForPooling <= 0 || o.MaxSizeForPooling > o.MaxBlockSize {
		o.MaxSizeForPooling = o.MaxBlockSize
	}
	if o.Name == "" {
		o.Name = "BuddyAllocator"
	}
}

type retiredBuddyBlock struct {
	data     BuddyPrivateData
	resource device.Resource
}

// BuddyAllocator manages a single MaxBlockSize range of device memory as a binary buddy system. The
// range is created the first time an allocation is made. Freed blocks are not returned to the buddy
// system until the fence value that was current when they were freed has completed.
type BuddyAllocator struct {
	dev        *Device
	logger     *slog.Logger
	options    BuddyOptions
	registered bool

	mutex    utils.OptionalMutex
	metadata *metadata.BuddyMetadata

	heap    device.Heap
	backing device.Resource
	mapped  unsafe.Pointer
	address uint64

	retired  *deferred.Queue[retiredBuddyBlock]
	retiring *swiss.Map[int, struct{}]
	placed   *swiss.Map[int, device.Resource]
}

var _ DeviceAllocator = &BuddyAllocator{}

// NewBuddyAllocator creates a BuddyAllocator and registers it with dev so that it is cleaned up,
// reported on, and destroyed along with the device
func NewBuddyAllocator(dev *Device, o BuddyOptions) (*BuddyAllocator, error) {
	allocator, err := newBuddyAllocator(dev, o)
	if err != nil {
		return nil, err
	}

	allocator.registered = true
	dev.register(allocator)
	return allocator, nil
}

func newBuddyAllocator(dev *Device, o BuddyOptions) (*BuddyAllocator, error) {
	o.applyDefaults()

	buddy, err := metadata.NewBuddyMetadata(o.MinBlockSize, o.MaxBlockSize)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid block sizes for %s", o.Name)
	}

	return &BuddyAllocator{
		dev:      dev,
		logger:   dev.logger.With(slog.String("Allocator", o.Name)),
		options:  o,
		mutex:    utils.OptionalMutex{UseMutex: dev.useMutex},
		metadata: buddy,
		retired:  deferred.NewQueue[retiredBuddyBlock](dev.fence),
		retiring: swiss.NewMap[int, struct{}](8),
		placed:   swiss.NewMap[int, device.Resource](8),
	}, nil
}

func (a *BuddyAllocator) Name() string                 { return a.options.Name }
func (a *BuddyAllocator) Strategy() AllocationStrategy { return a.options.Strategy }
func (a *BuddyAllocator) MinBlockSize() int            { return a.options.MinBlockSize }
func (a *BuddyAllocator) MaxBlockSize() int            { return a.options.MaxBlockSize }

// BackingHeap returns the heap that placed resources are created in, or nil if the allocator uses
// ManualSubAllocationStrategy or has not yet allocated
func (a *BuddyAllocator) BackingHeap() device.Heap {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.heap
}

// BackingResource returns the resource spanning the allocator, or nil if the allocator uses
// PlacedResourceStrategy or has not yet allocated
func (a *BuddyAllocator) BackingResource() device.Resource {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.backing
}

// AllocationOffsetInBytes returns the byte offset of a block from the start of the allocator's range.
// The location's OffsetFromBaseOfResource may be further along when the request was aligned.
func (a *BuddyAllocator) AllocationOffsetInBytes(data BuddyPrivateData) int {
	return data.Offset * a.options.MinBlockSize
}

// IsEmpty returns true if every block has been freed and reclaimed
func (a *BuddyAllocator) IsEmpty() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.metadata.IsEmpty() && a.retired.Len() == 0
}

func (a *BuddyAllocator) initialize() error {
	if a.heap != nil || a.backing != nil {
		return nil
	}

	if a.options.Strategy == PlacedResourceStrategy {
		heap, err := a.dev.backend.CreateHeap(a.options.MaxBlockSize, a.options.HeapType, a.options.HeapFlags)
		if err != nil {
			return errors.Wrapf(err, "failed to create %d byte heap for %s", a.options.MaxBlockSize, a.options.Name)
		}
		a.heap = heap
		return nil
	}

	backing, err := a.dev.backend.CreateResource(device.ResourceDesc{
		Size:      a.options.MaxBlockSize,
		HeapType:  a.options.HeapType,
		Flags:     a.options.ResourceFlags,
		Dimension: device.ResourceDimensionBuffer,
		Name:      a.options.Name,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to create %d byte resource for %s", a.options.MaxBlockSize, a.options.Name)
	}

	if a.options.HeapType.IsCPUVisible() {
		mapped, err := a.dev.backend.Map(backing)
		if err != nil {
			if destroyErr := a.dev.backend.DestroyResource(backing); destroyErr != nil {
				err = multierror.Append(err, destroyErr)
			}
			return errors.Wrapf(err, "failed to map resource for %s", a.options.Name)
		}
		a.mapped = mapped
	}

	a.backing = backing
	a.address = a.dev.backend.GPUVirtualAddress(backing)
	return nil
}

// TryAllocate places size bytes at the requested alignment into out. It returns false with a nil error
// when no free block is large enough, and false with an error when the backing memory could not be
// created.
func (a *BuddyAllocator) TryAllocate(size int, alignment uint, out *ResourceLocation) (bool, error) {
	a.logger.Debug("BuddyAllocator::TryAllocate", slog.Int("Size", size), slog.Uint64("Alignment", uint64(alignment)))

	if size <= 0 {
		panic(fmt.Sprintf("attempted to allocate %d bytes from %s", size, a.options.Name))
	}
	checkAlignment(alignment)
	out.mustBeUndefined()

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if !a.metadata.CanAllocate(size, alignment) {
		return false, nil
	}

	err := a.initialize()
	if err != nil {
		return false, err
	}

	order := a.metadata.OrderForSize(size, alignment)
	offset := a.metadata.Allocate(order)
	blockOffset := offset * a.options.MinBlockSize
	alignedOffset := memutils.AlignUp(blockOffset, alignment)

	if alignedOffset+size > blockOffset+a.metadata.BlockSize(order) {
		panic(fmt.Sprintf("aligned allocation at offset %d of size %d overflows its block at offset %d of order %d", alignedOffset, size, blockOffset, order))
	}

	data := BuddyPrivateData{Order: order, Offset: offset}

	if a.options.Strategy == PlacedResourceStrategy {
		resource, mapped, err := a.createPlacedResource(size, alignedOffset)
		if err != nil {
			a.metadata.Free(offset, order)
			return false, err
		}

		a.placed.Put(offset, resource)
		a.dev.budget.AddAllocation(a.options.HeapType, a.metadata.BlockSize(order))
		out.setSubAllocation(a, resource, size, 0, a.dev.backend.GPUVirtualAddress(resource), mapped, data)
		return true, nil
	}

	a.dev.budget.AddAllocation(a.options.HeapType, a.metadata.BlockSize(order))
	out.setSubAllocation(a, a.backing, size, alignedOffset, a.address+uint64(alignedOffset), offsetPointer(a.mapped, alignedOffset), data)
	return true, nil
}

func (a *BuddyAllocator) createPlacedResource(size, heapOffset int) (device.Resource, unsafe.Pointer, error) {
	resource, err := a.dev.backend.CreateResource(device.ResourceDesc{
		Size:       size,
		Flags:      a.options.ResourceFlags,
		Dimension:  device.ResourceDimensionBuffer,
		Heap:       a.heap,
		HeapOffset: heapOffset,
		Name:       a.options.Name,
	})
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to place %d byte resource at offset %d in %s", size, heapOffset, a.options.Name)
	}

	if !a.options.HeapType.IsCPUVisible() {
		return resource, nil, nil
	}

	mapped, err := a.dev.backend.Map(resource)
	if err != nil {
		if destroyErr := a.dev.backend.DestroyResource(resource); destroyErr != nil {
			err = multierror.Append(err, destroyErr)
		}
		return nil, nil, errors.Wrapf(err, "failed to map placed resource in %s", a.options.Name)
	}

	return resource, mapped, nil
}

// Deallocate retires the location's block at the fence's current value. The block becomes available
// again in the first CleanUpAllocations after that value completes.
func (a *BuddyAllocator) Deallocate(location *ResourceLocation) {
	a.logger.Debug("BuddyAllocator::Deallocate")

	if location.allocator != a {
		panic(fmt.Sprintf("attempted to deallocate a location from %s, but it does not belong to that allocator", a.options.Name))
	}
	data, ok := location.BuddyData()
	if !ok {
		panic(fmt.Sprintf("attempted to deallocate a location from %s, but it does not hold a buddy block", a.options.Name))
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if !a.metadata.IsAllocated(data.Offset) {
		panic(fmt.Sprintf("attempted to deallocate buddy block at offset %d from %s, but it is free", data.Offset, a.options.Name))
	}
	if a.retiring.Has(data.Offset) {
		panic(fmt.Sprintf("attempted to deallocate buddy block at offset %d from %s twice", data.Offset, a.options.Name))
	}

	block := retiredBuddyBlock{data: data}
	if a.options.Strategy == PlacedResourceStrategy {
		block.resource = location.resource
	}

	a.retiring.Put(data.Offset, struct{}{})
	a.retired.EnqueueCurrent(block)
}

// CleanUpAllocations returns every retired block whose fence value has completed to the buddy system,
// destroying its placed resource if it has one
func (a *BuddyAllocator) CleanUpAllocations() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var result *multierror.Error
	a.retired.Drain(func(block retiredBuddyBlock) {
		if err := a.reclaim(block); err != nil {
			result = multierror.Append(result, err)
		}
	})

	memutils.DebugValidate(a.metadata)
	return result.ErrorOrNil()
}

func (a *BuddyAllocator) reclaim(block retiredBuddyBlock) error {
	var err error
	if block.resource != nil {
		a.placed.Delete(block.data.Offset)
		err = a.dev.backend.DestroyResource(block.resource)
	}

	a.retiring.Delete(block.data.Offset)
	a.metadata.Free(block.data.Offset, block.data.Order)
	a.dev.budget.RemoveAllocation(a.options.HeapType, a.metadata.BlockSize(block.data.Order))
	return err
}

// Destroy releases the allocator's backing memory whether or not the GPU has finished with it. Blocks
// that were never deallocated are logged as unreleased memory.
func (a *BuddyAllocator) Destroy() error {
	a.logger.Debug("BuddyAllocator::Destroy")

	if a.registered {
		a.dev.unregister(a)
		a.registered = false
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	var result *multierror.Error
	a.retired.DrainAll(func(block retiredBuddyBlock) {
		if err := a.reclaim(block); err != nil {
			result = multierror.Append(result, err)
		}
	})

	a.metadata.VisitAllocations(func(offset, order int) {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] buddy block was never deallocated",
			slog.Int("Offset", offset*a.options.MinBlockSize),
			slog.Int("Size", a.metadata.BlockSize(order)),
		)

		if resource, placed := a.placed.Get(offset); placed {
			if err := a.dev.backend.DestroyResource(resource); err != nil {
				result = multierror.Append(result, err)
			}
			a.placed.Delete(offset)
		}

		a.metadata.Free(offset, order)
		a.dev.budget.RemoveAllocation(a.options.HeapType, a.metadata.BlockSize(order))
	})

	if a.backing != nil {
		if err := a.dev.backend.DestroyResource(a.backing); err != nil {
			result = multierror.Append(result, err)
		}
		a.backing = nil
		a.mapped = nil
		a.address = 0
	}
	if a.heap != nil {
		if err := a.dev.destroyHeap(a.heap); err != nil {
			result = multierror.Append(result, err)
		}
		a.heap = nil
	}

	return result.ErrorOrNil()
}

// Validate performs internal consistency checks on the buddy system
func (a *BuddyAllocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.metadata.Validate()
	if err != nil {
		return err
	}

	if a.options.Strategy == PlacedResourceStrategy && a.placed.Count() != a.metadata.AllocationCount() {
		return errors.Newf("%s has %d live blocks but %d placed resources", a.options.Name, a.metadata.AllocationCount(), a.placed.Count())
	}
	if a.retiring.Count() != a.retired.Len() {
		return errors.Newf("%s has %d retiring blocks but %d queued retirements", a.options.Name, a.retiring.Count(), a.retired.Len())
	}

	return nil
}

func (a *BuddyAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.addDetailedStatistics(stats)
}

func (a *BuddyAllocator) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	if a.heap == nil && a.backing == nil {
		return
	}

	a.metadata.AddDetailedStatistics(stats)
	a.retired.Visit(func(block retiredBuddyBlock, fenceValue uint64) {
		stats.AddRetired(a.metadata.BlockSize(block.data.Order))
	})
}

func (a *BuddyAllocator) BuildStatsString(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	a.printDetailedMap(&obj)
}

func (a *BuddyAllocator) printDetailedMap(json *jwriter.ObjectState) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	json.Name("Name").String(a.options.Name)
	json.Name("Strategy").String(a.options.Strategy.String())
	json.Name("HeapType").String(a.options.HeapType.String())
	json.Name("Retired").Int(a.retired.Len())
	a.metadata.PrintDetailedMap(json)
}
