// Package periodic runs maintenance callbacks on a fixed period until stopped.
package periodic

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/asyncstore/internal/clock"
	"pkt.systems/asyncstore/internal/loggingutil"
)

// Func is invoked once per period. The context is cancelled by Stop.
type Func func(ctx context.Context)

// Task is a recurring task owned by the component it maintains.
type Task struct {
	name   string
	period time.Duration
	fn     Func
	clock  clock.Clock
	logger pslog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	runs    uint64
}

// Option customises a Task.
type Option func(*Task)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(t *Task) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithLogger sets the task logger.
func WithLogger(l pslog.Logger) Option {
	return func(t *Task) {
		t.logger = loggingutil.EnsureLogger(l)
	}
}

// New builds a stopped task.
func New(name string, period time.Duration, fn Func, opts ...Option) *Task {
	t := &Task{
		name:   name,
		period: period,
		fn:     fn,
		clock:  clock.Real{},
		logger: loggingutil.NoopLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start launches the task loop. A non-positive period disables the task.
func (t *Task) Start() {
	if t.period <= 0 || t.fn == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.running = true
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.loop(ctx, t.done)
	t.logger.Debug("periodic.start", "task", t.name, "period", t.period)
}

// Stop cancels the task and waits for a running invocation to return.
func (t *Task) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	cancel, done := t.cancel, t.done
	t.mu.Unlock()
	cancel()
	<-done
	t.logger.Debug("periodic.stop", "task", t.name)
}

// Runs reports how many times the callback has completed.
func (t *Task) Runs() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs
}

func (t *Task) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.clock.After(t.period):
		}
		if ctx.Err() != nil {
			return
		}
		t.fn(ctx)
		t.mu.Lock()
		t.runs++
		t.mu.Unlock()
	}
}
