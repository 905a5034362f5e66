package utils

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// OptionalMutex is a sync.Mutex that does nothing when UseMutex is false, for objects whose consumer
// has promised to synchronize access externally
type OptionalMutex struct {
	Mutex    sync.Mutex
	UseMutex bool
}

func (m *OptionalMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}

type OptionalRWMutex struct {
	Mutex    sync.RWMutex
	UseMutex bool
}

func (m *OptionalRWMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalRWMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}

func (m *OptionalRWMutex) RLock() {
	if m.UseMutex {
		m.Mutex.RLock()
	}
}

func (m *OptionalRWMutex) RUnlock() {
	if m.UseMutex {
		m.Mutex.RUnlock()
	}
}

// RefCount is a reference count that is always atomic, since references are commonly dropped from
// a different goroutine than the one that owns the counted object
type RefCount struct {
	count atomic.Int32
}

func (r *RefCount) Load() int {
	return int(r.count.Load())
}

func (r *RefCount) Set(count int) {
	r.count.Store(int32(count))
}

func (r *RefCount) Acquire() int {
	return int(r.count.Add(1))
}

// Release drops a reference and returns the number of references that remain
func (r *RefCount) Release() int {
	remaining := r.count.Add(-1)
	if remaining < 0 {
		panic(fmt.Sprintf("reference count went negative: %d", remaining))
	}
	return int(remaining)
}
