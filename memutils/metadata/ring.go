package metadata

import (
	"sort"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/suballoc/memutils"
)

// FailedAllocation is returned from RingMetadata.Allocate when the ring cannot fit the request
const FailedAllocation int = -1

// Fence is the subset of a GPU completion fence that the ring needs in order to decide when outstanding
// space may be reclaimed
type Fence interface {
	CurrentValue() uint64
	IsCompleteUpTo(value uint64) bool
}

// RingMetadata is a ring allocator over [Tail, Head) measured in fixed-stride units. Tail only ever
// grows; the physical offset of an allocation is Tail modulo the ring size. Space is returned to the ring
// by advancing Head once the fence value an allocation was recorded under has completed.
type RingMetadata struct {
	fence    Fence
	unitSize int

	size int
	head int
	tail int

	// fence value -> number of units allocated while that value was current
	outstanding *swiss.Map[uint64, int]
}

var _ Metadata = &RingMetadata{}

func NewRingMetadata(fence Fence, unitSize int, size int) *RingMetadata {
	m := &RingMetadata{
		fence:    fence,
		unitSize: unitSize,
	}
	m.Reset(size)

	return m
}

// Reset discards all outstanding allocations and resizes the ring to size units
func (m *RingMetadata) Reset(size int) {
	m.size = size
	m.head = size
	m.tail = 0
	m.outstanding = swiss.NewMap[uint64, int](8)
}

func (m *RingMetadata) UnitCount() int { return m.size }
func (m *RingMetadata) Head() int      { return m.head }
func (m *RingMetadata) Tail() int      { return m.tail }
func (m *RingMetadata) Size() int      { return m.size * m.unitSize }

// Allocate reserves count contiguous units and returns the physical unit offset of the reservation, or
// FailedAllocation if the ring does not currently have room. An allocation that would straddle the end of
// the ring first consumes the remainder of the ring as padding so that the reservation begins at offset 0.
func (m *RingMetadata) Allocate(count int) int {
	if count <= 0 || count > m.size {
		return FailedAllocation
	}

	m.reclaim()

	physicalTail := m.tail % m.size
	if physicalTail+count > m.size {
		padding := m.size - physicalTail
		if m.Allocate(padding) == FailedAllocation {
			return FailedAllocation
		}
		physicalTail = 0
	}

	if m.tail+count > m.head {
		return FailedAllocation
	}

	m.tail += count
	fenceValue := m.fence.CurrentValue()
	current, _ := m.outstanding.Get(fenceValue)
	m.outstanding.Put(fenceValue, current+count)

	return physicalTail
}

func (m *RingMetadata) reclaim() {
	var completed []uint64
	m.outstanding.Iter(func(fenceValue uint64, count int) bool {
		if m.fence.IsCompleteUpTo(fenceValue) {
			completed = append(completed, fenceValue)
		}
		return false
	})

	for _, fenceValue := range completed {
		count, _ := m.outstanding.Get(fenceValue)
		m.head += count
		m.outstanding.Delete(fenceValue)
	}
}

// OutstandingUnits returns the number of units that have been allocated but not yet reclaimed
func (m *RingMetadata) OutstandingUnits() int {
	return m.tail - (m.head - m.size)
}

func (m *RingMetadata) IsEmpty() bool {
	return m.OutstandingUnits() == 0
}

func (m *RingMetadata) AllocationCount() int {
	return m.outstanding.Count()
}

func (m *RingMetadata) SumFreeSize() int {
	return (m.head - m.tail) * m.unitSize
}

func (m *RingMetadata) Validate() error {
	if m.tail > m.head {
		return errors.Errorf("ring tail %d is past ring head %d", m.tail, m.head)
	}
	if m.head-m.tail > m.size {
		return errors.Errorf("ring has %d free units but is only %d units long", m.head-m.tail, m.size)
	}

	sum := 0
	m.outstanding.Iter(func(fenceValue uint64, count int) bool {
		sum += count
		return false
	})
	if sum != m.OutstandingUnits() {
		return errors.Errorf("outstanding allocations sum to %d units, but the ring has %d units in flight", sum, m.OutstandingUnits())
	}

	return nil
}

func (m *RingMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()
	stats.AllocationCount += m.outstanding.Count()
	stats.AllocationBytes += m.OutstandingUnits() * m.unitSize
}

func (m *RingMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()
	m.outstanding.Iter(func(fenceValue uint64, count int) bool {
		stats.AddAllocation(count * m.unitSize)
		return false
	})
	if m.head > m.tail {
		stats.AddUnusedRange((m.head - m.tail) * m.unitSize)
	}
}

func (m *RingMetadata) PrintDetailedMap(json *jwriter.ObjectState) {
	unusedRanges := 0
	if m.head > m.tail {
		unusedRanges = 1
	}
	blockJsonData(json, m.Size(), m.SumFreeSize(), m.outstanding.Count(), unusedRanges)
	json.Name("Head").Int(m.head)
	json.Name("Tail").Int(m.tail)

	var fences []uint64
	m.outstanding.Iter(func(fenceValue uint64, count int) bool {
		fences = append(fences, fenceValue)
		return false
	})
	sort.Slice(fences, func(i, j int) bool { return fences[i] < fences[j] })

	outstandingArray := json.Name("Outstanding").Array()
	defer outstandingArray.End()
	for _, fenceValue := range fences {
		count, _ := m.outstanding.Get(fenceValue)
		obj := outstandingArray.Object()
		obj.Name("FenceValue").Float64(float64(fenceValue))
		obj.Name("Size").Int(count * m.unitSize)
		obj.End()
	}
}
