package deferred

import (
	"context"
	"log/slog"
	"sync"
)

// Reclaimer releases batches of items on a background goroutine. Items handed to a Reclaimer must
// already be safe to release: their fence has completed and no allocator bookkeeping refers to them.
// When the background worker is not running or its queue is full, batches are released inline on the
// submitting goroutine.
type Reclaimer[T any] struct {
	logger  *slog.Logger
	release func(batch []T)

	work    chan []T
	mutex   sync.Mutex
	running bool
	closed  bool
	wg      sync.WaitGroup
}

func NewReclaimer[T any](logger *slog.Logger, queueDepth int, release func(batch []T)) *Reclaimer[T] {
	if queueDepth < 1 {
		queueDepth = 1
	}

	return &Reclaimer[T]{
		logger:  logger,
		release: release,
		work:    make(chan []T, queueDepth),
	}
}

// Start launches the background worker. The worker exits when ctx is cancelled or Stop is called, in
// both cases releasing any batches still queued.
func (r *Reclaimer[T]) Start(ctx context.Context) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.running {
		return
	}
	if r.closed {
		r.work = make(chan []T, cap(r.work))
		r.closed = false
	}
	r.running = true

	r.wg.Add(1)
	go r.run(ctx)
}

func (r *Reclaimer[T]) run(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case batch, ok := <-r.work:
			if !ok {
				return
			}
			r.release(batch)
		case <-ctx.Done():
			r.logger.LogAttrs(ctx, slog.LevelDebug, "reclaimer stopping", slog.Any("reason", ctx.Err()))
			r.mutex.Lock()
			r.running = false
			r.mutex.Unlock()
			r.flush()
			return
		}
	}
}

func (r *Reclaimer[T]) flush() {
	for {
		select {
		case batch, ok := <-r.work:
			if !ok {
				return
			}
			r.release(batch)
		default:
			return
		}
	}
}

// Submit hands a batch to the background worker, or releases it inline if the worker cannot take it
func (r *Reclaimer[T]) Submit(batch []T) {
	if len(batch) == 0 {
		return
	}

	r.mutex.Lock()
	if r.running {
		select {
		case r.work <- batch:
			r.mutex.Unlock()
			return
		default:
		}
	}
	r.mutex.Unlock()

	r.release(batch)
}

// Stop shuts the background worker down and waits for every queued batch to be released
func (r *Reclaimer[T]) Stop() {
	r.mutex.Lock()
	if r.running {
		r.running = false
		close(r.work)
		r.closed = true
	}
	r.mutex.Unlock()

	r.wg.Wait()
	r.flush()
}
