package gpumem

import (
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/suballoc/internal/utils"
	"github.com/vkngwrapper/suballoc/memutils"
)

// MultiBuddyAllocator presents any number of same-sized BuddyAllocators as one allocator. A new buddy
// allocator is added whenever every existing one is exhausted, and empty ones are destroyed during
// cleanup, so fragmentation in one range never blocks an allocation.
type MultiBuddyAllocator struct {
	dev        *Device
	logger     *slog.Logger
	options    BuddyOptions
	registered bool

	mutex      utils.OptionalMutex
	allocators []*BuddyAllocator
	// created numbers sub-allocator names so that they stay unique after cleanup removes some
	created int
}

var _ DeviceAllocator = &MultiBuddyAllocator{}

// NewMultiBuddyAllocator creates a MultiBuddyAllocator and registers it with dev
func NewMultiBuddyAllocator(dev *Device, o BuddyOptions) (*MultiBuddyAllocator, error) {
	allocator, err := newMultiBuddyAllocator(dev, o)
	if err != nil {
		return nil, err
	}

	allocator.registered = true
	dev.register(allocator)
	return allocator, nil
}

func newMultiBuddyAllocator(dev *Device, o BuddyOptions) (*MultiBuddyAllocator, error) {
	o.applyDefaults()

	if o.MaxBlockSize%o.MinBlockSize != 0 {
		return nil, errors.Newf("maximum block size %d for %s is not evenly divisible by minimum block size %d", o.MaxBlockSize, o.Name, o.MinBlockSize)
	}
	err := memutils.CheckPow2(o.MaxBlockSize/o.MinBlockSize, "MaxBlockSize / MinBlockSize")
	if err != nil {
		return nil, errors.Wrapf(err, "invalid block sizes for %s", o.Name)
	}

	return &MultiBuddyAllocator{
		dev:     dev,
		logger:  dev.logger.With(slog.String("Allocator", o.Name)),
		options: o,
		mutex:   utils.OptionalMutex{UseMutex: dev.useMutex},
	}, nil
}

func (a *MultiBuddyAllocator) Name() string { return a.options.Name }

// AllocatorCount returns the number of buddy allocators currently held
func (a *MultiBuddyAllocator) AllocatorCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return len(a.allocators)
}

// Allocators returns the buddy allocators currently held, in creation order
func (a *MultiBuddyAllocator) Allocators() []*BuddyAllocator {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	allocators := make([]*BuddyAllocator, len(a.allocators))
	copy(allocators, a.allocators)
	return allocators
}

func (a *MultiBuddyAllocator) createAllocator() (*BuddyAllocator, error) {
	options := a.options
	options.Name = fmt.Sprintf("%s[%d]", a.options.Name, a.created)
	a.created++

	return newBuddyAllocator(a.dev, options)
}

// TryAllocate searches every buddy allocator in creation order. When all of them are exhausted, a new
// one is created and the allocation is made from it. Requests larger than MaxSizeForPooling are
// refused.
func (a *MultiBuddyAllocator) TryAllocate(size int, alignment uint, out *ResourceLocation) (bool, error) {
	a.logger.Debug("MultiBuddyAllocator::TryAllocate", slog.Int("Size", size), slog.Uint64("Alignment", uint64(alignment)))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	for _, allocator := range a.allocators {
		success, err := allocator.TryAllocate(size, alignment, out)
		if err != nil {
			return false, err
		}
		if success {
			return true, nil
		}
	}

	if size > a.options.MaxSizeForPooling {
		return false, nil
	}
	paddedSize := size
	if alignment != 0 && a.options.MinBlockSize%int(alignment) != 0 {
		paddedSize += int(alignment)
	}
	if paddedSize > a.options.MaxBlockSize {
		return false, nil
	}

	allocator, err := a.createAllocator()
	if err != nil {
		return false, err
	}

	success, err := allocator.TryAllocate(size, alignment, out)
	if err != nil {
		return false, err
	}
	if !success {
		panic(fmt.Sprintf("a fresh buddy allocator in %s could not allocate %d bytes at alignment %d", a.options.Name, size, alignment))
	}

	a.allocators = append(a.allocators, allocator)
	return true, nil
}

// Deallocate routes the location to the buddy allocator that produced it
func (a *MultiBuddyAllocator) Deallocate(location *ResourceLocation) {
	a.mutex.Lock()
	var owner *BuddyAllocator
	for _, allocator := range a.allocators {
		if location.allocator == DeviceAllocator(allocator) {
			owner = allocator
			break
		}
	}
	a.mutex.Unlock()

	if owner == nil {
		panic(fmt.Sprintf("attempted to deallocate a location from %s, but it does not belong to that allocator", a.options.Name))
	}
	owner.Deallocate(location)
}

// CleanUpAllocations cleans up every buddy allocator, then destroys the ones that are empty
func (a *MultiBuddyAllocator) CleanUpAllocations() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var result *multierror.Error
	for i := len(a.allocators) - 1; i >= 0; i-- {
		allocator := a.allocators[i]

		err := allocator.CleanUpAllocations()
		if err != nil {
			result = multierror.Append(result, err)
		}

		if allocator.IsEmpty() {
			err = allocator.Destroy()
			if err != nil {
				result = multierror.Append(result, err)
			}

			copy(a.allocators[i:], a.allocators[i+1:])
			a.allocators[len(a.allocators)-1] = nil
			a.allocators = a.allocators[:len(a.allocators)-1]
		}
	}

	return result.ErrorOrNil()
}

// Destroy destroys every buddy allocator, whether or not the GPU has finished with them
func (a *MultiBuddyAllocator) Destroy() error {
	a.logger.Debug("MultiBuddyAllocator::Destroy")

	if a.registered {
		a.dev.unregister(a)
		a.registered = false
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	var result *multierror.Error
	for _, allocator := range a.allocators {
		err := allocator.Destroy()
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.allocators = nil

	return result.ErrorOrNil()
}

func (a *MultiBuddyAllocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for _, allocator := range a.allocators {
		err := allocator.Validate()
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *MultiBuddyAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for _, allocator := range a.allocators {
		allocator.AddDetailedStatistics(stats)
	}
}

func (a *MultiBuddyAllocator) BuildStatsString(writer *jwriter.Writer) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	arr := writer.Array()
	defer arr.End()

	for _, allocator := range a.allocators {
		obj := arr.Object()
		allocator.printDetailedMap(&obj)
		obj.End()
	}
}
