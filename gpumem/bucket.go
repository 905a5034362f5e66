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
)

const (
	// BucketShift is log2 of the smallest bucket's block size
	BucketShift = 6
	// NumBuckets is the number of size classes. Block sizes range from 64 bytes to 128MiB.
	NumBuckets = 22

	// DefaultMinHeapSize is the smallest backing resource a BucketAllocator creates. Blocks smaller than
	// this are sliced out of a shared backing resource.
	DefaultMinHeapSize = 256 * 1024
	// DefaultBucketRetentionCount is the number of fence values a ready block is kept after it was last
	// retired before it may be trimmed
	DefaultBucketRetentionCount = 5

	// CleanUpAllBuckets may be passed as BucketOptions.MinCleanupBucket to trim ready blocks in every bucket
	CleanUpAllBuckets = -1
)

// BucketFromSize returns the index of the bucket that serves allocations of size bytes
func BucketFromSize(size int) int {
	bucket := memutils.Log2Ceil(uint64(size))
	if bucket < BucketShift {
		return 0
	}
	return bucket - BucketShift
}

// BlockSizeFromBufferSize returns the size of the block that serves allocations of size bytes
func BlockSizeFromBufferSize(size int) int {
	minSize := 1 << BucketShift
	if size > minSize {
		return int(memutils.NextPow2(uint64(size)))
	}
	return minSize
}

// BucketBlockSize returns the size of every block in the provided bucket
func BucketBlockSize(bucket int) int {
	return 1 << (bucket + BucketShift)
}

// BucketOptions configure a BucketAllocator
type BucketOptions struct {
	Name          string
	HeapType      device.HeapType
	ResourceFlags device.ResourceFlags

	// RetentionCount is the number of fence values a ready block is kept before it can be trimmed.
	// Defaults to 5.
	RetentionCount uint64
	// MinHeapSize is the smallest backing resource that will be created. Must be a power of two.
	// Defaults to 256KiB.
	MinHeapSize int
	// MinCleanupBucket is the smallest bucket whose ready blocks are trimmed during cleanup. Blocks in
	// smaller buckets share a backing resource with their neighbors, so trimming them rarely frees
	// anything. Zero selects max(0, BucketFromSize(MinHeapSize) - 4), and CleanUpAllBuckets selects
	// every bucket.
	MinCleanupBucket int
}

func (o *BucketOptions) applyDefaults() {
	if o.Name == "" {
		o.Name = "BucketAllocator"
	}
	if o.RetentionCount == 0 {
		o.RetentionCount = DefaultBucketRetentionCount
	}
	if o.MinHeapSize <= 0 {
		o.MinHeapSize = DefaultMinHeapSize
	}
	switch {
	case o.MinCleanupBucket < 0:
		o.MinCleanupBucket = 0
	case o.MinCleanupBucket == 0:
		o.MinCleanupBucket = max(0, BucketFromSize(o.MinHeapSize)-4)
	}
}

// BucketBacking is a committed resource that one or more bucket blocks were sliced from. It is
// destroyed when its last block is trimmed.
type BucketBacking struct {
	resource  device.Resource
	size      int
	blockSize int
	mapped    unsafe.Pointer
	address   uint64

	refs utils.RefCount
}

func (b *BucketBacking) Resource() device.Resource { return b.resource }
func (b *BucketBacking) Size() int                 { return b.size }
func (b *BucketBacking) BlockSize() int            { return b.blockSize }

// RefCount returns the number of blocks, live or pooled, still sliced from this backing
func (b *BucketBacking) RefCount() int { return b.refs.Load() }

type bucketBlock struct {
	data       BucketPrivateData
	fenceValue uint64
}

type bucketBlockKey struct {
	backing *BucketBacking
	offset  int
}

// BucketAllocator serves allocations from power-of-two size classes. Each bucket keeps a FIFO of ready
// blocks, and creates a new backing resource when it runs out. Freed blocks return to their bucket once
// the fence value they were freed at completes, and ready blocks in larger buckets are trimmed when they
// have gone unused for RetentionCount fence values.
type BucketAllocator struct {
	dev        *Device
	logger     *slog.Logger
	options    BucketOptions
	registered bool

	mutex    utils.OptionalMutex
	ready    [NumBuckets][]bucketBlock
	expired  *deferred.Queue[bucketBlock]
	live     *swiss.Map[bucketBlockKey, struct{}]
	backings *swiss.Map[*BucketBacking, struct{}]
}

var _ DeviceAllocator = &BucketAllocator{}

// NewBucketAllocator creates a BucketAllocator and registers it with dev
func NewBucketAllocator(dev *Device, o BucketOptions) (*BucketAllocator, error) {
	o.applyDefaults()

	err := memutils.CheckPow2(o.MinHeapSize, "MinHeapSize")
	if err != nil {
		return nil, errors.Wrapf(err, "invalid heap size for %s", o.Name)
	}

	allocator := &BucketAllocator{
		dev:      dev,
		logger:   dev.logger.With(slog.String("Allocator", o.Name)),
		options:  o,
		mutex:    utils.OptionalMutex{UseMutex: dev.useMutex},
		expired:  deferred.NewQueue[bucketBlock](dev.fence),
		live:     swiss.NewMap[bucketBlockKey, struct{}](64),
		backings: swiss.NewMap[*BucketBacking, struct{}](16),
	}

	allocator.registered = true
	dev.register(allocator)
	return allocator, nil
}

func (a *BucketAllocator) Name() string          { return a.options.Name }
func (a *BucketAllocator) MinCleanupBucket() int { return a.options.MinCleanupBucket }

// ReadyCount returns the number of blocks waiting to be handed out in a bucket
func (a *BucketAllocator) ReadyCount(bucket int) int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return len(a.ready[bucket])
}

// BackingCount returns the number of live backing resources
func (a *BucketAllocator) BackingCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.backings.Count()
}

// TryAllocate places size bytes at the requested alignment into out. It returns false with a nil error
// when the request is too large for any bucket, and false with an error when a backing resource
// could not be created.
func (a *BucketAllocator) TryAllocate(size int, alignment uint, out *ResourceLocation) (bool, error) {
	a.logger.Debug("BucketAllocator::TryAllocate", slog.Int("Size", size), slog.Uint64("Alignment", uint64(alignment)))

	if size <= 0 {
		panic(fmt.Sprintf("attempted to allocate %d bytes from %s", size, a.options.Name))
	}
	checkAlignment(alignment)
	out.mustBeUndefined()

	size = max(size, int(alignment))
	bucket := BucketFromSize(size)
	blockSize := BlockSizeFromBufferSize(size)

	if alignment != 0 && blockSize%int(alignment) != 0 {
		bucket = BucketFromSize(size + int(alignment))
		blockSize = BlockSizeFromBufferSize(size + int(alignment))
	}

	if bucket >= NumBuckets {
		return false, nil
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	var data BucketPrivateData
	if len(a.ready[bucket]) > 0 {
		data = a.ready[bucket][0].data
		a.ready[bucket][0] = bucketBlock{}
		a.ready[bucket] = a.ready[bucket][1:]
	} else {
		var err error
		data, err = a.createBacking(bucket, blockSize)
		if err != nil {
			return false, err
		}
	}

	alignedOffset := memutils.AlignArbitrary(data.Offset, int(alignment))
	if alignedOffset-data.Offset+size > blockSize {
		panic(fmt.Sprintf("aligned allocation at offset %d of size %d overflows its %d byte block at offset %d", alignedOffset, size, blockSize, data.Offset))
	}

	a.live.Put(bucketBlockKey{backing: data.Backing, offset: data.Offset}, struct{}{})
	a.dev.budget.AddAllocation(a.options.HeapType, blockSize)

	backing := data.Backing
	out.setSubAllocation(a, backing.resource, size, alignedOffset, backing.address+uint64(alignedOffset), offsetPointer(backing.mapped, alignedOffset), data)
	return true, nil
}

// createBacking creates a new backing resource for a bucket, returns its first block, and adds the
// rest of the resource to the bucket's ready queue
func (a *BucketAllocator) createBacking(bucket, blockSize int) (BucketPrivateData, error) {
	backingSize := max(blockSize, a.options.MinHeapSize)

	resource, err := a.dev.backend.CreateResource(device.ResourceDesc{
		Size:      backingSize,
		HeapType:  a.options.HeapType,
		Flags:     a.options.ResourceFlags,
		Dimension: device.ResourceDimensionBuffer,
		Name:      a.options.Name,
	})
	if err != nil {
		return BucketPrivateData{}, errors.Wrapf(err, "failed to create %d byte backing resource for bucket %d of %s", backingSize, bucket, a.options.Name)
	}

	backing := &BucketBacking{
		resource:  resource,
		size:      backingSize,
		blockSize: blockSize,
		address:   a.dev.backend.GPUVirtualAddress(resource),
	}

	if a.options.HeapType.IsCPUVisible() {
		backing.mapped, err = a.dev.backend.Map(resource)
		if err != nil {
			if destroyErr := a.dev.backend.DestroyResource(resource); destroyErr != nil {
				err = multierror.Append(err, destroyErr)
			}
			return BucketPrivateData{}, errors.Wrapf(err, "failed to map backing resource for %s", a.options.Name)
		}
	}

	refs := 1
	if blockSize < a.options.MinHeapSize {
		for offset := blockSize; offset <= a.options.MinHeapSize-blockSize; offset += blockSize {
			a.ready[bucket] = append(a.ready[bucket], bucketBlock{
				data: BucketPrivateData{
					BucketIndex: bucket,
					Offset:      offset,
					Backing:     backing,
				},
			})
			refs++
		}
	}
	backing.refs.Set(refs)
	a.backings.Put(backing, struct{}{})

	return BucketPrivateData{
		BucketIndex: bucket,
		Offset:      0,
		Backing:     backing,
	}, nil
}

// Deallocate marks the location's block as expired at the fence's current value. The block returns to
// its bucket's ready queue in the first CleanUpAllocations after that value completes.
func (a *BucketAllocator) Deallocate(location *ResourceLocation) {
	a.logger.Debug("BucketAllocator::Deallocate")

	if location.allocator != a {
		panic(fmt.Sprintf("attempted to deallocate a location from %s, but it does not belong to that allocator", a.options.Name))
	}
	data, ok := location.BucketData()
	if !ok {
		panic(fmt.Sprintf("attempted to deallocate a location from %s, but it does not hold a bucket block", a.options.Name))
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	key := bucketBlockKey{backing: data.Backing, offset: data.Offset}
	if !a.live.Has(key) {
		panic(fmt.Sprintf("attempted to deallocate bucket block at offset %d from %s, but it is not live", data.Offset, a.options.Name))
	}
	a.live.Delete(key)

	fenceValue := a.dev.fence.CurrentValue()
	a.expired.Enqueue(bucketBlock{data: data, fenceValue: fenceValue}, fenceValue)
}

// CleanUpAllocations trims ready blocks that have gone unused for RetentionCount fence values in every
// bucket from MinCleanupBucket up, then returns expired blocks whose fence value has completed to their
// bucket's ready queue
func (a *BucketAllocator) CleanUpAllocations() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var result *multierror.Error
	for bucket := a.options.MinCleanupBucket; bucket < NumBuckets; bucket++ {
		trimmed := 0
		for _, block := range a.ready[bucket] {
			if !a.dev.fence.IsCompleteUpTo(block.fenceValue + a.options.RetentionCount) {
				break
			}

			err := a.releaseBlock(block.data)
			if err != nil {
				result = multierror.Append(result, err)
			}
			trimmed++
		}

		if trimmed > 0 {
			clear(a.ready[bucket][:trimmed])
			a.ready[bucket] = a.ready[bucket][trimmed:]
		}
	}

	a.expired.Drain(func(block bucketBlock) {
		a.dev.budget.RemoveAllocation(a.options.HeapType, BucketBlockSize(block.data.BucketIndex))
		a.ready[block.data.BucketIndex] = append(a.ready[block.data.BucketIndex], block)
	})

	return result.ErrorOrNil()
}

func (a *BucketAllocator) releaseBlock(data BucketPrivateData) error {
	if data.Backing.refs.Release() > 0 {
		return nil
	}

	a.backings.Delete(data.Backing)
	err := a.dev.backend.DestroyResource(data.Backing.resource)
	if err != nil {
		return errors.Wrapf(err, "failed to destroy backing resource of %s", a.options.Name)
	}
	return nil
}

// Destroy destroys every backing resource, whether or not the GPU has finished with it. Blocks that
// were never deallocated are logged as unreleased memory.
func (a *BucketAllocator) Destroy() error {
	a.logger.Debug("BucketAllocator::Destroy")

	if a.registered {
		a.dev.unregister(a)
		a.registered = false
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.expired.DrainAll(func(block bucketBlock) {
		a.dev.budget.RemoveAllocation(a.options.HeapType, BucketBlockSize(block.data.BucketIndex))
	})

	a.live.Iter(func(key bucketBlockKey, _ struct{}) bool {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] bucket block was never deallocated",
			slog.Int("Offset", key.offset),
			slog.Int("Size", key.backing.blockSize),
		)
		a.dev.budget.RemoveAllocation(a.options.HeapType, key.backing.blockSize)
		return false
	})
	a.live.Clear()

	var result *multierror.Error
	a.backings.Iter(func(backing *BucketBacking, _ struct{}) bool {
		err := a.dev.backend.DestroyResource(backing.resource)
		if err != nil {
			result = multierror.Append(result, err)
		}
		return false
	})
	a.backings.Clear()

	for bucket := range a.ready {
		a.ready[bucket] = nil
	}

	return result.ErrorOrNil()
}

func (a *BucketAllocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	refs := make(map[*BucketBacking]int)
	for bucket, blocks := range a.ready {
		for _, block := range blocks {
			if block.data.BucketIndex != bucket {
				return errors.Newf("block in bucket %d's ready queue is tagged with bucket %d", bucket, block.data.BucketIndex)
			}
			refs[block.data.Backing]++
		}
	}
	a.live.Iter(func(key bucketBlockKey, _ struct{}) bool {
		refs[key.backing]++
		return false
	})
	a.expired.Visit(func(block bucketBlock, _ uint64) {
		refs[block.data.Backing]++
	})

	var err error
	a.backings.Iter(func(backing *BucketBacking, _ struct{}) bool {
		if refs[backing] != backing.refs.Load() {
			err = errors.Newf("backing resource has %d references but %d blocks", backing.refs.Load(), refs[backing])
			return true
		}
		return false
	})
	if err != nil {
		return err
	}

	if len(refs) != a.backings.Count() {
		return errors.Newf("blocks reference %d backing resources, but %d are live", len(refs), a.backings.Count())
	}
	return nil
}

func (a *BucketAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.backings.Iter(func(backing *BucketBacking, _ struct{}) bool {
		stats.BlockCount++
		stats.BlockBytes += backing.size
		return false
	})

	for bucket, blocks := range a.ready {
		for range blocks {
			stats.AddUnusedRange(BucketBlockSize(bucket))
		}
	}
	a.expired.Visit(func(block bucketBlock, _ uint64) {
		stats.AddRetired(BucketBlockSize(block.data.BucketIndex))
	})
	a.live.Iter(func(key bucketBlockKey, _ struct{}) bool {
		stats.AddAllocation(key.backing.blockSize)
		return false
	})
}

func (a *BucketAllocator) BuildStatsString(writer *jwriter.Writer) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	obj := writer.Object()
	defer obj.End()

	obj.Name("Name").String(a.options.Name)
	obj.Name("HeapType").String(a.options.HeapType.String())
	obj.Name("Backings").Int(a.backings.Count())
	obj.Name("Live").Int(a.live.Count())
	obj.Name("Expired").Int(a.expired.Len())

	buckets := obj.Name("Buckets").Array()
	defer buckets.End()

	for bucket, blocks := range a.ready {
		if len(blocks) == 0 {
			continue
		}

		bucketObj := buckets.Object()
		bucketObj.Name("Bucket").Int(bucket)
		bucketObj.Name("BlockSize").Int(BucketBlockSize(bucket))
		bucketObj.Name("Ready").Int(len(blocks))
		bucketObj.End()
	}
}
