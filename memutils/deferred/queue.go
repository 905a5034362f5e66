// Package deferred holds the fence-gated queues that every allocator uses to postpone reclamation of
// device memory until the GPU has finished with it.
//
// None of the types in this package are synchronized. They are owned by an allocator and used under
// that allocator's lock.
package deferred

import "fmt"

// Fence is the subset of a GPU completion fence needed to gate reclamation
type Fence interface {
	CurrentValue() uint64
	IsCompleteUpTo(value uint64) bool
}

type entry[T any] struct {
	item       T
	fenceValue uint64
}

// Queue is a FIFO of items, each tagged with the fence value that was current when it was retired.
// Because fence values only increase, entries are always in non-decreasing fence order and Drain
// can stop at the first entry whose fence is not yet complete.
type Queue[T any] struct {
	fence   Fence
	entries []entry[T]
	head    int
}

func NewQueue[T any](fence Fence) *Queue[T] {
	return &Queue[T]{fence: fence}
}

// Enqueue retires item at the provided fence value. It panics if fenceValue is lower than the fence value
// of the most recently enqueued item.
func (q *Queue[T]) Enqueue(item T, fenceValue uint64) {
	if q.Len() > 0 && q.entries[len(q.entries)-1].fenceValue > fenceValue {
		panic(fmt.Sprintf("deferred deletion queue received fence value %d after %d: fence values must not decrease",
			fenceValue, q.entries[len(q.entries)-1].fenceValue))
	}

	q.entries = append(q.entries, entry[T]{item: item, fenceValue: fenceValue})
}

// EnqueueCurrent retires item at the fence's current value and returns that value
func (q *Queue[T]) EnqueueCurrent(item T) uint64 {
	fenceValue := q.fence.CurrentValue()
	q.Enqueue(item, fenceValue)
	return fenceValue
}

// Len returns the number of items that have not yet been drained
func (q *Queue[T]) Len() int {
	return len(q.entries) - q.head
}

// Drain pops every item from the front of the queue whose fence value is complete and passes it to
// reclaim, stopping at the first item that is still in flight. It returns the number of items reclaimed.
func (q *Queue[T]) Drain(reclaim func(item T)) int {
	count := 0
	for q.head < len(q.entries) {
		next := q.entries[q.head]
		if !q.fence.IsCompleteUpTo(next.fenceValue) {
			break
		}

		q.pop()
		reclaim(next.item)
		count++
	}

	q.compact()
	return count
}

// DrainAll pops every item regardless of fence state. It is meant for shutdown, when the consumer has
// already guaranteed the GPU is idle.
func (q *Queue[T]) DrainAll(reclaim func(item T)) int {
	count := 0
	for q.head < len(q.entries) {
		next := q.entries[q.head]
		q.pop()
		reclaim(next.item)
		count++
	}

	q.compact()
	return count
}

// Visit calls the provided callback for every item still in the queue, oldest first
func (q *Queue[T]) Visit(visit func(item T, fenceValue uint64)) {
	for i := q.head; i < len(q.entries); i++ {
		visit(q.entries[i].item, q.entries[i].fenceValue)
	}
}

func (q *Queue[T]) pop() {
	var zero entry[T]
	q.entries[q.head] = zero
	q.head++
}

func (q *Queue[T]) compact() {
	if q.head == len(q.entries) {
		q.entries = q.entries[:0]
		q.head = 0
		return
	}

	if q.head > 32 && q.head*2 > len(q.entries) {
		remaining := copy(q.entries, q.entries[q.head:])
		q.entries = q.entries[:remaining]
		q.head = 0
	}
}
