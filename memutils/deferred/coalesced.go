package deferred

import "fmt"

// CoalescedQueue groups retired items into one batch per distinct fence value. It drains in the same
// fence order as Queue, but a frame's worth of retirements shares a single fence check.
type CoalescedQueue[T any] struct {
	fence       Fence
	fenceValues []uint64
	batches     [][]T
}

func NewCoalescedQueue[T any](fence Fence) *CoalescedQueue[T] {
	return &CoalescedQueue[T]{fence: fence}
}

// Enqueue retires item at the provided fence value, appending it to the newest batch if that batch shares
// the same fence value. It panics if fenceValue is lower than the newest batch's fence value.
func (q *CoalescedQueue[T]) Enqueue(item T, fenceValue uint64) {
	last := len(q.fenceValues) - 1
	if last >= 0 {
		if q.fenceValues[last] > fenceValue {
			panic(fmt.Sprintf("deferred deletion queue received fence value %d after %d: fence values must not decrease",
				fenceValue, q.fenceValues[last]))
		}

		if q.fenceValues[last] == fenceValue {
			q.batches[last] = append(q.batches[last], item)
			return
		}
	}

	q.fenceValues = append(q.fenceValues, fenceValue)
	q.batches = append(q.batches, []T{item})
}

// EnqueueCurrent retires item at the fence's current value and returns that value
func (q *CoalescedQueue[T]) EnqueueCurrent(item T) uint64 {
	fenceValue := q.fence.CurrentValue()
	q.Enqueue(item, fenceValue)
	return fenceValue
}

// BatchCount returns the number of distinct fence values with pending items
func (q *CoalescedQueue[T]) BatchCount() int {
	return len(q.fenceValues)
}

// Len returns the total number of pending items
func (q *CoalescedQueue[T]) Len() int {
	count := 0
	for _, batch := range q.batches {
		count += len(batch)
	}
	return count
}

// Drain reclaims every batch whose fence value is complete, oldest first, stopping at the first
// incomplete batch. It returns the number of items reclaimed.
func (q *CoalescedQueue[T]) Drain(reclaim func(item T)) int {
	completed := 0
	for completed < len(q.fenceValues) && q.fence.IsCompleteUpTo(q.fenceValues[completed]) {
		completed++
	}

	return q.release(completed, reclaim)
}

// DrainAll reclaims every pending item regardless of fence state
func (q *CoalescedQueue[T]) DrainAll(reclaim func(item T)) int {
	return q.release(len(q.fenceValues), reclaim)
}

// Visit calls the provided callback for every pending item, oldest first
func (q *CoalescedQueue[T]) Visit(visit func(item T, fenceValue uint64)) {
	for index, batch := range q.batches {
		for _, item := range batch {
			visit(item, q.fenceValues[index])
		}
	}
}

func (q *CoalescedQueue[T]) release(batchCount int, reclaim func(item T)) int {
	if batchCount == 0 {
		return 0
	}

	released := q.batches[:batchCount]
	q.fenceValues = append(q.fenceValues[:0], q.fenceValues[batchCount:]...)
	q.batches = append(make([][]T, 0, len(q.batches)-batchCount), q.batches[batchCount:]...)

	count := 0
	for _, batch := range released {
		for _, item := range batch {
			reclaim(item)
			count++
		}
	}

	return count
}
