package metadata

import (
	"fmt"
	"sort"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/suballoc/memutils"
)

// SegHeapMetadata manages a heap divided into equal-sized blocks. Blocks are handed out from a bump offset
// until the heap has been fully touched, after which only explicitly freed blocks are reused.
type SegHeapMetadata struct {
	blockSize int
	heapSize  int

	firstFreeOffset int
	freeOffsets     []int
	freeSet         *swiss.Map[int, struct{}]
}

var _ Metadata = &SegHeapMetadata{}

func NewSegHeapMetadata(blockSize, heapSize int) *SegHeapMetadata {
	if blockSize <= 0 || heapSize%blockSize != 0 {
		panic(fmt.Sprintf("seg heap size %d is not a multiple of block size %d", heapSize, blockSize))
	}

	return &SegHeapMetadata{
		blockSize: blockSize,
		heapSize:  heapSize,
		freeSet:   swiss.NewMap[int, struct{}](8),
	}
}

func (m *SegHeapMetadata) BlockSize() int       { return m.blockSize }
func (m *SegHeapMetadata) Size() int            { return m.heapSize }
func (m *SegHeapMetadata) FirstFreeOffset() int { return m.firstFreeOffset }

// IsFull returns true when no free block remains and the bump offset has reached the end of the heap
func (m *SegHeapMetadata) IsFull() bool {
	return len(m.freeOffsets) == 0 && m.firstFreeOffset == m.heapSize
}

// IsEmpty returns true when every block that has been handed out has been freed
func (m *SegHeapMetadata) IsEmpty() bool {
	return len(m.freeOffsets)*m.blockSize == m.firstFreeOffset
}

// AllocateBlock returns the byte offset of a free block. It panics if the heap is full.
func (m *SegHeapMetadata) AllocateBlock() int {
	if count := len(m.freeOffsets); count > 0 {
		offset := m.freeOffsets[count-1]
		m.freeOffsets = m.freeOffsets[:count-1]
		m.freeSet.Delete(offset)
		return offset
	}

	if m.firstFreeOffset+m.blockSize > m.heapSize {
		panic(fmt.Sprintf("attempted to allocate from a full seg heap of size %d", m.heapSize))
	}

	offset := m.firstFreeOffset
	m.firstFreeOffset += m.blockSize
	return offset
}

// FreeBlock returns a block to the heap. It panics if the offset was never allocated or is already free.
func (m *SegHeapMetadata) FreeBlock(offset int) {
	if offset < 0 || offset >= m.firstFreeOffset || offset%m.blockSize != 0 {
		panic(fmt.Sprintf("attempted to free seg heap block at offset %d, which was never allocated", offset))
	}
	if m.freeSet.Has(offset) {
		panic(fmt.Sprintf("attempted to free seg heap block at offset %d twice", offset))
	}

	m.freeSet.Put(offset, struct{}{})
	m.freeOffsets = append(m.freeOffsets, offset)
}

func (m *SegHeapMetadata) AllocationCount() int {
	return m.firstFreeOffset/m.blockSize - len(m.freeOffsets)
}

func (m *SegHeapMetadata) SumFreeSize() int {
	return m.heapSize - m.AllocationCount()*m.blockSize
}

func (m *SegHeapMetadata) Validate() error {
	if m.firstFreeOffset > m.heapSize {
		return errors.Errorf("bump offset %d is past the end of the heap (%d)", m.firstFreeOffset, m.heapSize)
	}
	if len(m.freeOffsets) != m.freeSet.Count() {
		return errors.Errorf("free stack has %d entries but %d distinct offsets", len(m.freeOffsets), m.freeSet.Count())
	}
	for _, offset := range m.freeOffsets {
		if offset >= m.firstFreeOffset {
			return errors.Errorf("free offset %d is past the bump offset %d", offset, m.firstFreeOffset)
		}
	}

	return nil
}

func (m *SegHeapMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.heapSize
	stats.AllocationCount += m.AllocationCount()
	stats.AllocationBytes += m.AllocationCount() * m.blockSize
}

func (m *SegHeapMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.heapSize

	for i := 0; i < m.AllocationCount(); i++ {
		stats.AddAllocation(m.blockSize)
	}
	for range m.freeOffsets {
		stats.AddUnusedRange(m.blockSize)
	}
	if m.firstFreeOffset < m.heapSize {
		stats.AddUnusedRange(m.heapSize - m.firstFreeOffset)
	}
}

func (m *SegHeapMetadata) PrintDetailedMap(json *jwriter.ObjectState) {
	unusedRanges := len(m.freeOffsets)
	if m.firstFreeOffset < m.heapSize {
		unusedRanges++
	}
	blockJsonData(json, m.heapSize, m.SumFreeSize(), m.AllocationCount(), unusedRanges)
	json.Name("BlockSize").Int(m.blockSize)
	json.Name("FirstFreeOffset").Int(m.firstFreeOffset)

	free := make([]int, len(m.freeOffsets))
	copy(free, m.freeOffsets)
	sort.Ints(free)

	freeArray := json.Name("FreeOffsets").Array()
	defer freeArray.End()
	for _, offset := range free {
		freeArray.Int(offset)
	}
}
