package fence

import (
	"fmt"
	"sync/atomic"
)

// Timeline is a CompletionFence whose progress is reported by the consumer: Signal is called when a batch
// of GPU work is submitted and Complete when the device reports that a signaled value has been reached.
type Timeline struct {
	current   atomic.Uint64
	completed atomic.Uint64
}

var _ CompletionFence = &Timeline{}

// NewTimeline creates a timeline with nothing completed. The first value to be signaled is 1.
func NewTimeline() *Timeline {
	t := &Timeline{}
	t.current.Store(1)
	return t
}

func (t *Timeline) CurrentValue() uint64 {
	return t.current.Load()
}

func (t *Timeline) LastCompletedValue() uint64 {
	return t.completed.Load()
}

func (t *Timeline) IsCompleteUpTo(value uint64) bool {
	return value <= t.completed.Load()
}

// Signal returns the value being signaled and advances CurrentValue past it
func (t *Timeline) Signal() uint64 {
	return t.current.Add(1) - 1
}

// Complete records that the GPU has reached value. Values that have not been signaled yet panic, and
// values older than the last completed value are ignored.
func (t *Timeline) Complete(value uint64) {
	if value >= t.current.Load() {
		panic(fmt.Sprintf("attempted to complete fence value %d, but only values below %d have been signaled", value, t.current.Load()))
	}

	for {
		completed := t.completed.Load()
		if value <= completed {
			return
		}
		if t.completed.CompareAndSwap(completed, value) {
			return
		}
	}
}

// CompleteAll marks every signaled value complete, as though the GPU were idle
func (t *Timeline) CompleteAll() {
	t.Complete(t.current.Load() - 1)
}
