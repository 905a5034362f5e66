package gpumem

import (
	"fmt"
	"log/slog"

	"github.com/dolthub/swiss"
	"github.com/hashicorp/go-multierror"
	"github.com/vkngwrapper/suballoc/device"
	"github.com/vkngwrapper/suballoc/internal/utils"
)

const (
	DefaultBufferPoolMaxAllocSize = 64 * 1024
	DefaultBufferPoolSize         = 8 * 1024 * 1024
	// MinPlacedBufferSize is the smallest buffer that can be placed in a heap, and therefore the minimum
	// block size of pools that place a resource per allocation
	MinPlacedBufferSize = 64 * 1024
	// minManualBufferBlockSize is the minimum block size of pools that share one resource
	minManualBufferBlockSize = 16
)

// BufferPool classifies a buffer by how the GPU will access it
type BufferPool int32

const (
	// BufferPoolNone holds buffers that are never read by shaders
	BufferPoolNone BufferPool = iota
	// BufferPoolSRV holds read-only buffers, which can share a resource
	BufferPoolSRV
	// BufferPoolUAV holds buffers the GPU writes, which need a resource of their own
	BufferPoolUAV
)

func (p BufferPool) String() string {
	switch p {
	case BufferPoolNone:
		return "BufferPoolNone"
	case BufferPoolSRV:
		return "BufferPoolSRV"
	case BufferPoolUAV:
		return "BufferPoolUAV"
	}

	return fmt.Sprintf("BufferPool(%d)", int32(p))
}

// BufferPoolForFlags returns the pool that buffers with the provided flags are served from
func BufferPoolForFlags(flags device.ResourceFlags) BufferPool {
	if flags&device.ResourceAllowUnorderedAccess != 0 {
		return BufferPoolUAV
	}
	if flags&device.ResourceDenyShaderResource != 0 {
		return BufferPoolNone
	}
	return BufferPoolSRV
}

// DefaultBufferOptions configure a DefaultBufferAllocator
type DefaultBufferOptions struct {
	// Kind selects the pool implementation. Defaults to AllocatorKindMultiBuddy.
	Kind AllocatorKind
	// MaxSizeForPooling is the size at and above which buffers become stand-alone resources. Defaults to
	// DefaultBufferPoolMaxAllocSize.
	MaxSizeForPooling int
	// PoolSize is the size of each pool heap. Defaults to DefaultBufferPoolSize.
	PoolSize       int
	RetentionCount uint64
}

func (o *DefaultBufferOptions) applyDefaults() {
	if o.MaxSizeForPooling <= 0 {
		o.MaxSizeForPooling = DefaultBufferPoolMaxAllocSize
	}
	if o.PoolSize <= 0 {
		o.PoolSize = DefaultBufferPoolSize
	}
}

// DefaultBufferAllocator serves device-local buffers. Buffers are sub-allocated from a pool dedicated to
// their exact resource flags, created the first time those flags are requested. Large buffers become
// stand-alone resources.
type DefaultBufferAllocator struct {
	dev     *Device
	logger  *slog.Logger
	options DefaultBufferOptions

	mutex utils.OptionalMutex
	pools *swiss.Map[device.ResourceFlags, DeviceAllocator]
}

// NewDefaultBufferAllocator creates a DefaultBufferAllocator. Its pools are registered with dev as they
// are created.
func NewDefaultBufferAllocator(dev *Device, o DefaultBufferOptions) *DefaultBufferAllocator {
	o.applyDefaults()

	return &DefaultBufferAllocator{
		dev:     dev,
		logger:  dev.logger.With(slog.String("Allocator", "DefaultBufferAllocator")),
		options: o,
		mutex:   utils.OptionalMutex{UseMutex: dev.useMutex},
		pools:   swiss.NewMap[device.ResourceFlags, DeviceAllocator](4),
	}
}

// PoolCount returns the number of pools that have been created
func (a *DefaultBufferAllocator) PoolCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.pools.Count()
}

// Pool returns the pool that serves buffers with the provided flags, or nil if it has not been created
func (a *DefaultBufferAllocator) Pool(flags device.ResourceFlags) DeviceAllocator {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	pool, _ := a.pools.Get(flags)
	return pool
}

func (a *DefaultBufferAllocator) findOrCreatePool(flags device.ResourceFlags) (DeviceAllocator, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	pool, ok := a.pools.Get(flags)
	if ok {
		return pool, nil
	}

	bufferPool := BufferPoolForFlags(flags)
	options := PoolOptions{
		Name:              fmt.Sprintf("%s(%d)", bufferPool, int32(flags)),
		Strategy:          ManualSubAllocationStrategy,
		HeapType:          device.HeapTypeDefault,
		HeapFlags:         device.HeapAllowOnlyBuffers,
		ResourceFlags:     flags,
		MaxSizeForPooling: a.options.MaxSizeForPooling,
		MaxBlockSize:      a.options.PoolSize,
		MinBlockSize:      minManualBufferBlockSize,
		RetentionCount:    a.options.RetentionCount,
	}
	if bufferPool == BufferPoolUAV {
		options.Strategy = PlacedResourceStrategy
		options.MinBlockSize = MinPlacedBufferSize
	}

	pool, err := NewDefaultAllocator(a.dev, a.options.Kind, options)
	if err != nil {
		return nil, err
	}

	a.pools.Put(flags, pool)
	return pool, nil
}

// AllocDefaultResource clears out and places a buffer described by desc into it. Buffers of size 0 leave
// out undefined.
func (a *DefaultBufferAllocator) AllocDefaultResource(desc device.ResourceDesc, alignment uint, out *ResourceLocation) error {
	a.logger.Debug("DefaultBufferAllocator::AllocDefaultResource", slog.Int("Size", desc.Size), slog.Uint64("Alignment", uint64(alignment)))

	out.Clear()

	if desc.Size == 0 {
		return nil
	}

	if desc.Size < a.options.MaxSizeForPooling {
		pool, err := a.findOrCreatePool(desc.Flags)
		if err != nil {
			return err
		}

		success, err := pool.TryAllocate(desc.Size, alignment, out)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
	}

	desc.HeapType = device.HeapTypeDefault
	desc.Dimension = device.ResourceDimensionBuffer
	desc.Heap = nil
	return a.dev.CreateStandAlone(desc, out)
}

// CleanupFreeBlocks reclaims completed deallocations in every pool
func (a *DefaultBufferAllocator) CleanupFreeBlocks() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var result *multierror.Error
	a.pools.Iter(func(flags device.ResourceFlags, pool DeviceAllocator) bool {
		err := pool.CleanUpAllocations()
		if err != nil {
			result = multierror.Append(result, err)
		}
		return false
	})

	return result.ErrorOrNil()
}

// FreeDefaultBufferPools cleans up and destroys every pool
func (a *DefaultBufferAllocator) FreeDefaultBufferPools() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var result *multierror.Error
	a.pools.Iter(func(flags device.ResourceFlags, pool DeviceAllocator) bool {
		err := pool.CleanUpAllocations()
		if err != nil {
			result = multierror.Append(result, err)
		}
		err = pool.Destroy()
		if err != nil {
			result = multierror.Append(result, err)
		}
		return false
	})
	a.pools.Clear()

	return result.ErrorOrNil()
}
