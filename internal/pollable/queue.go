// Package pollable delivers queued items as ordered batches to a handler
// running on a dedicated goroutine.
package pollable

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned by Push once Stop has been called.
var ErrStopped = errors.New("pollable: queue stopped")

// Handler processes one batch and returns how many leading items it consumed.
// Items after that position are put back at the front of the queue and handed
// out again after the next Push or Wake.
type Handler[T any] func(batch []T) int

// Queue is a multi-producer queue drained by a single poller goroutine.
type Queue[T any] struct {
	handler  Handler[T]
	maxBatch int

	mu       sync.Mutex
	items    []T
	stopping bool
	abort    bool
	started  bool

	wake chan struct{}
	done chan struct{}
}

// Option customises a Queue.
type Option func(*options)

type options struct {
	maxBatch int
}

// WithMaxBatch caps how many items are handed to the handler at once (0 means
// everything that is queued).
func WithMaxBatch(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxBatch = n
		}
	}
}

// New builds a queue; call Start to launch the poller.
func New[T any](handler Handler[T], opts ...Option) *Queue[T] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Queue[T]{
		handler:  handler,
		maxBatch: o.maxBatch,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start launches the poller goroutine. Subsequent calls are no-ops.
func (q *Queue[T]) Start() {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()
	go q.run()
}

// Push appends items in order. It never blocks on the handler.
func (q *Queue[T]) Push(items ...T) error {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return ErrStopped
	}
	q.items = append(q.items, items...)
	q.mu.Unlock()
	q.Wake()
	return nil
}

// Wake re-arms the poller, e.g. after a handler stopped early.
func (q *Queue[T]) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of queued items not yet handed to the handler.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stop refuses further pushes and lets the poller drain what is queued. When
// ctx ends first the poller exits after its current batch. Stop returns the
// items that were never consumed so the caller can dispose of them.
func (q *Queue[T]) Stop(ctx context.Context) ([]T, error) {
	q.mu.Lock()
	q.stopping = true
	started := q.started
	q.mu.Unlock()
	var err error
	if started {
		q.Wake()
		select {
		case <-q.done:
		case <-ctx.Done():
			err = ctx.Err()
			q.mu.Lock()
			q.abort = true
			q.mu.Unlock()
			q.Wake()
			<-q.done
		}
	}
	q.mu.Lock()
	rest := q.items
	q.items = nil
	q.mu.Unlock()
	return rest, err
}

func (q *Queue[T]) take() ([]T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.abort {
		return nil, true
	}
	if len(q.items) == 0 {
		return nil, q.stopping
	}
	n := len(q.items)
	if q.maxBatch > 0 && n > q.maxBatch {
		n = q.maxBatch
	}
	batch := make([]T, n)
	copy(batch, q.items[:n])
	var zero T
	for i := 0; i < n; i++ {
		q.items[i] = zero
	}
	q.items = q.items[n:]
	return batch, false
}

func (q *Queue[T]) requeue(rest []T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(append(make([]T, 0, len(rest)+len(q.items)), rest...), q.items...)
}

func (q *Queue[T]) run() {
	defer close(q.done)
	for {
		batch, exit := q.take()
		if exit {
			return
		}
		if len(batch) == 0 {
			<-q.wake
			continue
		}
		select {
		case <-q.wake:
		default:
		}
		consumed := q.handler(batch)
		if consumed < 0 {
			consumed = 0
		}
		if consumed >= len(batch) {
			continue
		}
		q.requeue(batch[consumed:])
		q.mu.Lock()
		stopping := q.stopping
		q.mu.Unlock()
		if stopping {
			return
		}
		<-q.wake
	}
}
