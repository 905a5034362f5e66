package gpumem

import (
	"log/slog"
	"unsafe"

	"github.com/vkngwrapper/suballoc/device"
)

const (
	DefaultUploadPoolMaxAllocSize = 64 * 1024
	DefaultUploadPoolSize         = 4 * 1024 * 1024
	DefaultUploadPoolAlignment    = 256

	// eagerCleanUpThreshold is the number of pending releases past which AllocUploadResource reclaims
	// completed memory before allocating
	eagerCleanUpThreshold = 128
	// minimumUploadSize replaces requests for zero bytes
	minimumUploadSize = 16
)

// DynamicHeapOptions configure a DynamicHeapAllocator
type DynamicHeapOptions struct {
	// Name defaults to "DynamicHeapAllocator"
	Name string
	// Kind selects the pool implementation. Defaults to AllocatorKindMultiBuddy.
	Kind     AllocatorKind
	Strategy AllocationStrategy

	// MaxSizeForPooling defaults to DefaultUploadPoolMaxAllocSize
	MaxSizeForPooling int
	// MaxBlockSize defaults to DefaultUploadPoolSize
	MaxBlockSize int
	// MinBlockSize defaults to DefaultUploadPoolAlignment
	MinBlockSize   int
	RetentionCount uint64
}

func (o *DynamicHeapOptions) applyDefaults() {
	if o.Name == "" {
		o.Name = "DynamicHeapAllocator"
	}
	if o.MaxSizeForPooling <= 0 {
		o.MaxSizeForPooling = DefaultUploadPoolMaxAllocSize
	}
	if o.MaxBlockSize <= 0 {
		o.MaxBlockSize = DefaultUploadPoolSize
	}
	if o.MinBlockSize <= 0 {
		o.MinBlockSize = DefaultUploadPoolAlignment
	}
}

// DynamicHeapAllocator serves CPU-written upload buffers from a pooled allocator, falling back to
// stand-alone upload resources for large requests or when the pool is exhausted
type DynamicHeapAllocator struct {
	dev       *Device
	logger    *slog.Logger
	options   DynamicHeapOptions
	allocator DeviceAllocator
}

// NewDynamicHeapAllocator creates a DynamicHeapAllocator. Its pool is registered with dev.
func NewDynamicHeapAllocator(dev *Device, o DynamicHeapOptions) (*DynamicHeapAllocator, error) {
	o.applyDefaults()

	allocator, err := NewDefaultAllocator(dev, o.Kind, PoolOptions{
		Name:              o.Name,
		Strategy:          o.Strategy,
		HeapType:          device.HeapTypeUpload,
		HeapFlags:         device.HeapAllowOnlyBuffers,
		MaxSizeForPooling: o.MaxSizeForPooling,
		MaxBlockSize:      o.MaxBlockSize,
		MinBlockSize:      o.MinBlockSize,
		RetentionCount:    o.RetentionCount,
	})
	if err != nil {
		return nil, err
	}

	return &DynamicHeapAllocator{
		dev:       dev,
		logger:    dev.logger.With(slog.String("Allocator", o.Name)),
		options:   o,
		allocator: allocator,
	}, nil
}

// Allocator returns the pool that upload buffers are sub-allocated from
func (a *DynamicHeapAllocator) Allocator() DeviceAllocator { return a.allocator }

// AllocUploadResource clears out, places size bytes of upload memory at the requested alignment into it,
// and returns the CPU pointer to the start of the allocation
func (a *DynamicHeapAllocator) AllocUploadResource(size int, alignment uint, out *ResourceLocation) (unsafe.Pointer, error) {
	a.logger.Debug("DynamicHeapAllocator::AllocUploadResource", slog.Int("Size", size), slog.Uint64("Alignment", uint64(alignment)))

	out.Clear()

	if size == 0 {
		size = minimumUploadSize
	}

	if a.dev.PendingReleaseCount() > eagerCleanUpThreshold {
		a.dev.drainReleaseQueue()
		err := a.allocator.CleanUpAllocations()
		if err != nil {
			return nil, err
		}
	}

	if size <= a.options.MaxSizeForPooling {
		success, err := a.allocator.TryAllocate(size, alignment, out)
		if err != nil {
			return nil, err
		}
		if success {
			return out.MappedAddress(), nil
		}
	}

	a.dev.warn("upload allocation fell back to a stand-alone resource",
		slog.String("Allocator", a.options.Name),
		slog.Int("Size", size),
	)
	err := a.dev.CreateStandAlone(device.ResourceDesc{
		Size:      size,
		HeapType:  device.HeapTypeUpload,
		Dimension: device.ResourceDimensionBuffer,
		Name:      "Stand Alone Upload Buffer",
	}, out)
	if err != nil {
		return nil, err
	}

	return out.MappedAddress(), nil
}

func (a *DynamicHeapAllocator) CleanUpAllocations() error {
	return a.allocator.CleanUpAllocations()
}

func (a *DynamicHeapAllocator) Destroy() error {
	return a.allocator.Destroy()
}
