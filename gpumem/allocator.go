package gpumem

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/suballoc/device"
	"github.com/vkngwrapper/suballoc/memutils"
)

// ManagedAllocator is anything a Device tracks on behalf of its consumer: it is cleaned up, reported on
// and destroyed along with the Device
type ManagedAllocator interface {
	Name() string
	// CleanUpAllocations reclaims every deallocation whose fence value has completed
	CleanUpAllocations() error
	// Destroy releases every device object held by this allocator, whether or not the GPU has finished
	// with it. Live allocations are logged as unreleased memory.
	Destroy() error

	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	BuildStatsString(writer *jwriter.Writer)
}

// DeviceAllocator is implemented by every allocator that hands out sub-allocations. Exhaustion is
// reported as false with a nil error so that the caller can fall back to another allocator; an error is
// only returned when the device itself failed.
type DeviceAllocator interface {
	ManagedAllocator

	// TryAllocate attempts to place size bytes at the requested alignment into out. out must be undefined.
	TryAllocate(size int, alignment uint, out *ResourceLocation) (bool, error)
	// Deallocate schedules the location's memory for reuse once the GPU has finished with it. It is
	// normally called through ResourceLocation.Clear. It panics if the location does not belong to this
	// allocator.
	Deallocate(location *ResourceLocation)
}

// AllocationStrategy selects how a BuddyAllocator exposes its blocks
type AllocationStrategy int32

const (
	// ManualSubAllocationStrategy creates one resource spanning the whole allocator, and every block is
	// a range of that resource
	ManualSubAllocationStrategy AllocationStrategy = iota
	// PlacedResourceStrategy creates one heap spanning the whole allocator, and every block gets its own
	// resource placed at the block's offset
	PlacedResourceStrategy
)

func (s AllocationStrategy) String() string {
	switch s {
	case ManualSubAllocationStrategy:
		return "ManualSubAllocationStrategy"
	case PlacedResourceStrategy:
		return "PlacedResourceStrategy"
	}

	return fmt.Sprintf("AllocationStrategy(%d)", int32(s))
}

// AllocatorKind selects the DeviceAllocator implementation built by NewDefaultAllocator
type AllocatorKind int32

const (
	AllocatorKindMultiBuddy AllocatorKind = iota
	AllocatorKindBucket
)

func (k AllocatorKind) String() string {
	switch k {
	case AllocatorKindMultiBuddy:
		return "AllocatorKindMultiBuddy"
	case AllocatorKindBucket:
		return "AllocatorKindBucket"
	}

	return fmt.Sprintf("AllocatorKind(%d)", int32(k))
}

// PoolOptions describe a general purpose pool that may be served by either a multi-buddy or a bucket
// allocator
type PoolOptions struct {
	Name          string
	Strategy      AllocationStrategy
	HeapType      device.HeapType
	HeapFlags     device.HeapFlags
	ResourceFlags device.ResourceFlags

	// MaxSizeForPooling is the largest request the pool will serve. Zero defaults to MaxBlockSize.
	MaxSizeForPooling int
	// MaxBlockSize is the size of each buddy allocator's backing heap
	MaxBlockSize int
	// MinBlockSize is the smallest buddy block
	MinBlockSize int
	// RetentionCount is the number of fence values a bucket allocator keeps freed blocks for
	RetentionCount uint64
}

// NewDefaultAllocator builds a registered DeviceAllocator of the requested kind
func NewDefaultAllocator(dev *Device, kind AllocatorKind, o PoolOptions) (DeviceAllocator, error) {
	switch kind {
	case AllocatorKindMultiBuddy:
		return NewMultiBuddyAllocator(dev, BuddyOptions{
			Name:              o.Name,
			Strategy:          o.Strategy,
			HeapType:          o.HeapType,
			HeapFlags:         o.HeapFlags,
			ResourceFlags:     o.ResourceFlags,
			MaxSizeForPooling: o.MaxSizeForPooling,
			MaxBlockSize:      o.MaxBlockSize,
			MinBlockSize:      o.MinBlockSize,
		})
	case AllocatorKindBucket:
		return NewBucketAllocator(dev, BucketOptions{
			Name:           o.Name,
			HeapType:       o.HeapType,
			ResourceFlags:  o.ResourceFlags,
			RetentionCount: o.RetentionCount,
		})
	}

	return nil, errors.Newf("unknown allocator kind %s", kind)
}

// checkAlignment panics if alignment is neither zero nor a power of two
func checkAlignment(alignment uint) {
	if alignment != 0 && !memutils.IsPow2(alignment) {
		panic(fmt.Sprintf("alignment %d is not a power of two", alignment))
	}
}
