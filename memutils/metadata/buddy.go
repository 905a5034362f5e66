package metadata

import (
	"fmt"
	"sort"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/suballoc/memutils"
)

// BuddyMetadata manages a range of MaxBlockSize bytes as a binary buddy system. Blocks are identified
// by (offset, order), where offset is measured in units of MinBlockSize and a block of a given order
// spans 2^order units.
//
// Free blocks are kept in a stack per order so that allocation is deterministic: the most recently
// freed (or split) block at an order is the next one handed out. A swiss map per order indexes the
// stack so that a buddy can be pulled out of the middle of its stack in constant time during a merge.
type BuddyMetadata struct {
	minBlockSize int
	maxBlockSize int
	maxOrder     int

	freeBlocks [][]int
	freeIndex  []*swiss.Map[int, int]

	// live allocations, offset -> order
	allocated     *swiss.Map[int, int]
	totalUsedSize int
}

var _ Metadata = &BuddyMetadata{}

// NewBuddyMetadata creates a fully-free buddy metadata. maxBlockSize must be an exact power-of-two multiple
// of minBlockSize.
func NewBuddyMetadata(minBlockSize, maxBlockSize int) (*BuddyMetadata, error) {
	if minBlockSize <= 0 {
		return nil, errors.Errorf("minimum block size must be positive, but was %d", minBlockSize)
	}
	if maxBlockSize%minBlockSize != 0 {
		return nil, errors.Errorf("maximum block size %d is not evenly divisible by minimum block size %d", maxBlockSize, minBlockSize)
	}
	err := memutils.CheckPow2(maxBlockSize/minBlockSize, "maxBlockSize / minBlockSize")
	if err != nil {
		return nil, err
	}

	m := &BuddyMetadata{
		minBlockSize: minBlockSize,
		maxBlockSize: maxBlockSize,
	}
	m.maxOrder = m.UnitSizeToOrder(m.SizeToUnitSize(maxBlockSize))
	m.freeBlocks = make([][]int, m.maxOrder+1)
	m.freeIndex = make([]*swiss.Map[int, int], m.maxOrder+1)
	for order := 0; order <= m.maxOrder; order++ {
		m.freeIndex[order] = swiss.NewMap[int, int](8)
	}
	m.allocated = swiss.NewMap[int, int](42)

	m.pushFree(0, m.maxOrder)

	return m, nil
}

func (m *BuddyMetadata) MinBlockSize() int { return m.minBlockSize }
func (m *BuddyMetadata) MaxBlockSize() int { return m.maxBlockSize }
func (m *BuddyMetadata) MaxOrder() int     { return m.maxOrder }
func (m *BuddyMetadata) Size() int         { return m.maxBlockSize }
func (m *BuddyMetadata) TotalUsedSize() int {
	return m.totalUsedSize
}

// SizeToUnitSize returns the number of MinBlockSize units required to hold size bytes
func (m *BuddyMetadata) SizeToUnitSize(size int) int {
	return memutils.DivideAndRoundUp(size, m.minBlockSize)
}

// UnitSizeToOrder returns ceil(log2(unitSize)). A unit size of 1 is order 0.
func (m *BuddyMetadata) UnitSizeToOrder(unitSize int) int {
	return memutils.Log2Ceil(uint64(unitSize))
}

// OrderToUnitSize returns the number of units spanned by a block of the provided order
func (m *BuddyMetadata) OrderToUnitSize(order int) int {
	return 1 << order
}

// BlockSize returns the size in bytes of a block of the provided order
func (m *BuddyMetadata) BlockSize(order int) int {
	return m.OrderToUnitSize(order) * m.minBlockSize
}

// PaddedSize returns the number of bytes that must be reserved in order to place size bytes at the
// requested alignment. When the alignment does not evenly divide MinBlockSize, block offsets carry
// no alignment guarantee and the request is padded by the alignment.
func (m *BuddyMetadata) PaddedSize(size int, alignment uint) int {
	if alignment != 0 && m.minBlockSize%int(alignment) != 0 {
		return size + int(alignment)
	}
	return size
}

// OrderForSize returns the block order that would be used to satisfy an allocation of size bytes at the
// provided alignment
func (m *BuddyMetadata) OrderForSize(size int, alignment uint) int {
	return m.UnitSizeToOrder(m.SizeToUnitSize(m.PaddedSize(size, alignment)))
}

// CanAllocate returns true if a free block large enough to satisfy an allocation of size bytes at the
// provided alignment currently exists. It does not modify any state.
func (m *BuddyMetadata) CanAllocate(size int, alignment uint) bool {
	if m.totalUsedSize == m.maxBlockSize {
		return false
	}

	paddedSize := m.PaddedSize(size, alignment)
	blockSize := m.maxBlockSize
	for order := m.maxOrder; order >= 0; order-- {
		if blockSize < paddedSize {
			return false
		}
		if len(m.freeBlocks[order]) > 0 {
			return true
		}
		blockSize >>= 1
	}

	return false
}

// Allocate reserves a block of the provided order and records it as a live allocation, returning its offset
// in units. The caller must have verified that the allocation is possible with CanAllocate.
func (m *BuddyMetadata) Allocate(order int) int {
	offset := m.AllocateBlock(order)
	m.allocated.Put(offset, order)
	m.totalUsedSize += m.BlockSize(order)

	return offset
}

// Free releases a live allocation that was returned from Allocate. It panics if the offset is not a live
// allocation of the provided order.
func (m *BuddyMetadata) Free(offset, order int) {
	liveOrder, live := m.allocated.Get(offset)
	if !live {
		panic(fmt.Sprintf("attempted to free buddy block at offset %d, but it is not a live allocation", offset))
	}
	if liveOrder != order {
		panic(fmt.Sprintf("attempted to free buddy block at offset %d with order %d, but it was allocated with order %d", offset, order, liveOrder))
	}

	m.allocated.Delete(offset)
	m.totalUsedSize -= m.BlockSize(order)
	m.DeallocateBlock(offset, order)
}

// IsAllocated returns true if a live allocation exists at the provided offset
func (m *BuddyMetadata) IsAllocated(offset int) bool {
	return m.allocated.Has(offset)
}

// AllocateBlock pulls a free block of the provided order, splitting larger blocks as necessary, and
// returns its offset in units. It panics when order exceeds MaxOrder or no block is available.
func (m *BuddyMetadata) AllocateBlock(order int) int {
	if order > m.maxOrder {
		panic(fmt.Sprintf("attempted to allocate buddy block of order %d, but max order is %d", order, m.maxOrder))
	}

	if len(m.freeBlocks[order]) > 0 {
		return m.popFree(order)
	}

	left := m.AllocateBlock(order + 1)
	size := m.OrderToUnitSize(order)
	m.pushFree(left+size, order)

	return left
}

// DeallocateBlock returns a block to the free set, merging it with its buddy repeatedly for as long as the
// buddy is also free
func (m *BuddyMetadata) DeallocateBlock(offset, order int) {
	size := m.OrderToUnitSize(order)
	buddy := offset ^ size

	if order < m.maxOrder && m.removeFree(buddy, order) {
		m.DeallocateBlock(min(offset, buddy), order+1)
		return
	}

	m.pushFree(offset, order)
}

// IsEmpty returns true when the entire range is a single free block at MaxOrder
func (m *BuddyMetadata) IsEmpty() bool {
	return len(m.freeBlocks[m.maxOrder]) == 1
}

func (m *BuddyMetadata) AllocationCount() int {
	return m.allocated.Count()
}

func (m *BuddyMetadata) SumFreeSize() int {
	return m.maxBlockSize - m.totalUsedSize
}

// VisitAllocations calls visit for every live allocation, in ascending offset order
func (m *BuddyMetadata) VisitAllocations(visit func(offset, order int)) {
	for _, region := range m.regions() {
		if !region.free {
			visit(region.offset, region.order)
		}
	}
}

// FreeBlocks returns a copy of the offsets of every free block of the provided order
func (m *BuddyMetadata) FreeBlocks(order int) []int {
	blocks := make([]int, len(m.freeBlocks[order]))
	copy(blocks, m.freeBlocks[order])
	return blocks
}

// FreeBlockCount returns the number of free blocks across all orders
func (m *BuddyMetadata) FreeBlockCount() int {
	count := 0
	for _, blocks := range m.freeBlocks {
		count += len(blocks)
	}
	return count
}

func (m *BuddyMetadata) pushFree(offset, order int) {
	m.freeIndex[order].Put(offset, len(m.freeBlocks[order]))
	m.freeBlocks[order] = append(m.freeBlocks[order], offset)
}

func (m *BuddyMetadata) popFree(order int) int {
	last := len(m.freeBlocks[order]) - 1
	offset := m.freeBlocks[order][last]
	m.freeBlocks[order] = m.freeBlocks[order][:last]
	m.freeIndex[order].Delete(offset)

	return offset
}

func (m *BuddyMetadata) removeFree(offset, order int) bool {
	index, free := m.freeIndex[order].Get(offset)
	if !free {
		return false
	}

	last := len(m.freeBlocks[order]) - 1
	if index != last {
		moved := m.freeBlocks[order][last]
		m.freeBlocks[order][index] = moved
		m.freeIndex[order].Put(moved, index)
	}
	m.freeBlocks[order] = m.freeBlocks[order][:last]
	m.freeIndex[order].Delete(offset)

	return true
}

type buddyRegion struct {
	offset int
	order  int
	free   bool
}

func (m *BuddyMetadata) regions() []buddyRegion {
	var regions []buddyRegion
	for order, blocks := range m.freeBlocks {
		for _, offset := range blocks {
			regions = append(regions, buddyRegion{offset: offset, order: order, free: true})
		}
	}
	m.allocated.Iter(func(offset int, order int) bool {
		regions = append(regions, buddyRegion{offset: offset, order: order})
		return false
	})

	sort.Slice(regions, func(i, j int) bool {
		return regions[i].offset < regions[j].offset
	})
	return regions
}

func (m *BuddyMetadata) Validate() error {
	for order, blocks := range m.freeBlocks {
		if len(blocks) != m.freeIndex[order].Count() {
			return errors.Errorf("order %d has %d free blocks but %d indexed free blocks", order, len(blocks), m.freeIndex[order].Count())
		}
		for index, offset := range blocks {
			indexed, ok := m.freeIndex[order].Get(offset)
			if !ok || indexed != index {
				return errors.Errorf("free block at offset %d, order %d is not correctly indexed", offset, order)
			}
			if offset%m.OrderToUnitSize(order) != 0 {
				return errors.Errorf("free block at offset %d is misaligned for order %d", offset, order)
			}
		}
	}

	nextOffset := 0
	usedSize := 0
	for _, region := range m.regions() {
		if region.offset != nextOffset {
			if region.offset < nextOffset {
				return errors.Errorf("region at offset %d overlaps the previous region, which ends at %d", region.offset, nextOffset)
			}
			return errors.Errorf("range [%d, %d) is neither free nor allocated", nextOffset, region.offset)
		}
		if !region.free {
			usedSize += m.BlockSize(region.order)
		}
		nextOffset += m.OrderToUnitSize(region.order)
	}

	if nextOffset != m.SizeToUnitSize(m.maxBlockSize) {
		return errors.Errorf("regions cover %d units, but the block is %d units", nextOffset, m.SizeToUnitSize(m.maxBlockSize))
	}
	if usedSize != m.totalUsedSize {
		return errors.Errorf("live allocations sum to %d bytes, but %d bytes are recorded as used", usedSize, m.totalUsedSize)
	}

	return nil
}

func (m *BuddyMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.maxBlockSize
	stats.AllocationCount += m.allocated.Count()
	stats.AllocationBytes += m.totalUsedSize
}

func (m *BuddyMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.maxBlockSize

	for order, blocks := range m.freeBlocks {
		for range blocks {
			stats.AddUnusedRange(m.BlockSize(order))
		}
	}
	m.allocated.Iter(func(offset int, order int) bool {
		stats.AddAllocation(m.BlockSize(order))
		return false
	})
}

func (m *BuddyMetadata) PrintDetailedMap(json *jwriter.ObjectState) {
	unusedRanges := 0
	for _, blocks := range m.freeBlocks {
		unusedRanges += len(blocks)
	}
	blockJsonData(json, m.maxBlockSize, m.SumFreeSize(), m.allocated.Count(), unusedRanges)
	json.Name("MinBlockSize").Int(m.minBlockSize)
	json.Name("MaxOrder").Int(m.maxOrder)

	regionArray := json.Name("Suballocations").Array()
	defer regionArray.End()

	for _, region := range m.regions() {
		obj := regionArray.Object()
		obj.Name("Offset").Int(region.offset * m.minBlockSize)
		obj.Name("Size").Int(m.BlockSize(region.order))
		obj.Name("Order").Int(region.order)
		obj.Name("Free").Bool(region.free)
		obj.End()
	}
}
