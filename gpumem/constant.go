package gpumem

import (
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/suballoc/device"
	"github.com/vkngwrapper/suballoc/internal/utils"
	"github.com/vkngwrapper/suballoc/memutils"
	"github.com/vkngwrapper/suballoc/memutils/metadata"
)

const (
	// DataPlacementAlignment is the alignment and size granularity of constant buffer data
	DataPlacementAlignment = 256

	DefaultConstantAllocatorPageSize = 64 * 1024
)

// ConstantAllocatorOptions configure a FastConstantAllocator
type ConstantAllocatorOptions struct {
	// Name is used in logs and statistics. Defaults to "FastConstantAllocator".
	Name string
	// PageSize is the initial size of the ring. It must be a multiple of DataPlacementAlignment and
	// defaults to DefaultConstantAllocatorPageSize.
	PageSize int
}

func (o *ConstantAllocatorOptions) applyDefaults() {
	if o.Name == "" {
		o.Name = "FastConstantAllocator"
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultConstantAllocatorPageSize
	}
}

// FastConstantAllocator packs per-frame constant data into a ring over a single mapped upload resource.
// Space is reclaimed by the ring as soon as the fence value it was allocated under completes, so
// locations handed out by this allocator do not need to be cleared. When the ring is full, the
// resource is replaced by one half again as large and the old one is retired through the device's
// deferred deletion queue.
type FastConstantAllocator struct {
	dev     *Device
	logger  *slog.Logger
	options ConstantAllocatorOptions

	mutex    utils.OptionalMutex
	pageSize int
	ring     *metadata.RingMetadata
	resource device.Resource
	mapped   unsafe.Pointer
	address  uint64
}

var _ ManagedAllocator = &FastConstantAllocator{}

// NewFastConstantAllocator creates a FastConstantAllocator, creates its first page, and registers it
// with dev
func NewFastConstantAllocator(dev *Device, o ConstantAllocatorOptions) (*FastConstantAllocator, error) {
	o.applyDefaults()

	if o.PageSize%DataPlacementAlignment != 0 {
		return nil, errors.Newf("page size %d for %s is not a multiple of %d", o.PageSize, o.Name, DataPlacementAlignment)
	}

	allocator := &FastConstantAllocator{
		dev:      dev,
		logger:   dev.logger.With(slog.String("Allocator", o.Name)),
		options:  o,
		mutex:    utils.OptionalMutex{UseMutex: dev.useMutex},
		pageSize: o.PageSize,
		ring:     metadata.NewRingMetadata(dev.fence, DataPlacementAlignment, o.PageSize/DataPlacementAlignment),
	}

	err := allocator.reallocBuffer()
	if err != nil {
		return nil, err
	}

	dev.register(allocator)
	return allocator, nil
}

func (a *FastConstantAllocator) Name() string { return a.options.Name }

// PageSize returns the current size of the ring in bytes
func (a *FastConstantAllocator) PageSize() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.pageSize
}

func (a *FastConstantAllocator) Resource() device.Resource {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.resource
}

func (a *FastConstantAllocator) reallocBuffer() error {
	if a.resource != nil {
		a.dev.retireResource(a.resource)
		a.resource = nil
		a.mapped = nil
		a.address = 0
	}

	resource, err := a.dev.backend.CreateResource(device.ResourceDesc{
		Size:      a.pageSize,
		HeapType:  device.HeapTypeUpload,
		Dimension: device.ResourceDimensionBuffer,
		Name:      a.options.Name,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to create a %d byte page for %s", a.pageSize, a.options.Name)
	}

	mapped, err := a.dev.backend.Map(resource)
	if err != nil {
		if destroyErr := a.dev.backend.DestroyResource(resource); destroyErr != nil {
			err = multierror.Append(err, destroyErr)
		}
		return errors.Wrapf(err, "failed to map the page for %s", a.options.Name)
	}

	a.resource = resource
	a.mapped = mapped
	a.address = a.dev.backend.GPUVirtualAddress(resource)
	return nil
}

// Allocate reserves bytes, rounded up to DataPlacementAlignment, places them in out, and returns the CPU
// pointer to the start of the reservation. The location does not need to be cleared.
func (a *FastConstantAllocator) Allocate(bytes int, out *ResourceLocation) (unsafe.Pointer, error) {
	a.logger.Debug("FastConstantAllocator::Allocate", slog.Int("Size", bytes))

	if bytes <= 0 {
		panic(fmt.Sprintf("attempted to allocate %d bytes from %s", bytes, a.options.Name))
	}
	out.mustBeUndefined()

	a.mutex.Lock()
	defer a.mutex.Unlock()

	alignedSize := memutils.AlignUp(bytes, DataPlacementAlignment)
	units := alignedSize / DataPlacementAlignment

	location := a.ring.Allocate(units)
	if location == metadata.FailedAllocation {
		newSize := max(memutils.AlignUp(a.pageSize+a.pageSize/2, DataPlacementAlignment), alignedSize)
		if newSize <= a.pageSize {
			panic(fmt.Sprintf("%s could not grow past %d bytes", a.options.Name, a.pageSize))
		}
		a.pageSize = newSize

		err := a.reallocBuffer()
		if err != nil {
			return nil, err
		}
		a.ring.Reset(a.pageSize / DataPlacementAlignment)

		a.dev.warn("constant allocator had to grow, consider making it larger to begin with",
			slog.String("Allocator", a.options.Name),
			slog.Int("NewSize", a.pageSize),
		)

		location = a.ring.Allocate(units)
		if location == metadata.FailedAllocation {
			panic(fmt.Sprintf("%s could not allocate %d bytes after growing to %d bytes", a.options.Name, alignedSize, a.pageSize))
		}
	}

	offset := location * DataPlacementAlignment
	out.setFastAllocation(a.resource, alignedSize, offset, a.address+uint64(offset), offsetPointer(a.mapped, offset), nil)

	return out.MappedAddress(), nil
}

// CleanUpAllocations does nothing: the ring reclaims completed space whenever it allocates
func (a *FastConstantAllocator) CleanUpAllocations() error {
	return nil
}

func (a *FastConstantAllocator) Destroy() error {
	a.logger.Debug("FastConstantAllocator::Destroy")
	a.dev.unregister(a)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.resource == nil {
		return nil
	}

	err := a.dev.backend.DestroyResource(a.resource)
	a.resource = nil
	a.mapped = nil
	a.address = 0

	return err
}

func (a *FastConstantAllocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.ring.Validate()
}

func (a *FastConstantAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.resource != nil {
		a.ring.AddDetailedStatistics(stats)
	}
}

func (a *FastConstantAllocator) BuildStatsString(writer *jwriter.Writer) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	obj := writer.Object()
	defer obj.End()

	obj.Name("Name").String(a.options.Name)
	a.ring.PrintDetailedMap(&obj)
}
