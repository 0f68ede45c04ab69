// Package resultq carries operation results from the storage poller back to
// the goroutine that applies them to queue state.
package resultq

import (
	"context"
	"sync"

	"pkt.systems/asyncstore/internal/asyncop"
)

// Handler applies one result.
type Handler func(asyncop.Result)

// Queue is a multi-producer, single-consumer result queue. Post never blocks.
// Each posted result is handed to the consumer exactly once.
type Queue struct {
	mu      sync.Mutex
	pending []asyncop.Result
	closed  bool
	wake    chan struct{}

	// posted and applied count results for Idle.
	posted  uint64
	applied uint64
	changed chan struct{}
}

// New builds an empty queue.
func New() *Queue {
	return &Queue{
		wake:    make(chan struct{}, 1),
		changed: make(chan struct{}),
	}
}

// Post appends a result. It is safe to call from any goroutine, including the
// consumer itself. Results posted after Close are still delivered by Drain.
func (q *Queue) Post(r asyncop.Result) {
	q.mu.Lock()
	q.pending = append(q.pending, r)
	q.posted++
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len reports results posted but not yet taken by the consumer.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Run applies results as they arrive until ctx ends or Close is called, then
// drains whatever is left. Only one goroutine may run the consumer.
func (q *Queue) Run(ctx context.Context, h Handler) {
	for {
		q.Drain(h)
		q.mu.Lock()
		closed := q.closed && len(q.pending) == 0
		q.mu.Unlock()
		if closed {
			return
		}
		select {
		case <-ctx.Done():
			q.Drain(h)
			return
		case <-q.wake:
		}
	}
}

// Drain applies every pending result on the calling goroutine and returns how
// many were applied.
func (q *Queue) Drain(h Handler) int {
	total := 0
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()
		if len(batch) == 0 {
			return total
		}
		for _, r := range batch {
			h(r)
		}
		total += len(batch)
		q.mu.Lock()
		q.applied += uint64(len(batch))
		close(q.changed)
		q.changed = make(chan struct{})
		q.mu.Unlock()
	}
}

// WaitIdle blocks until every result posted so far has been applied.
func (q *Queue) WaitIdle(ctx context.Context) error {
	q.mu.Lock()
	target := q.posted
	q.mu.Unlock()
	for {
		q.mu.Lock()
		if q.applied >= target {
			q.mu.Unlock()
			return nil
		}
		changed := q.changed
		q.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close tells Run to return once the queue is empty.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
