// Package broker implements durable queues whose storage mutations run
// asynchronously through the operation queue, with completions applied on a
// single completion goroutine.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/asyncstore/internal/asyncop"
	"pkt.systems/asyncstore/internal/clock"
	"pkt.systems/asyncstore/internal/loggingutil"
	"pkt.systems/asyncstore/internal/opqueue"
	"pkt.systems/asyncstore/internal/periodic"
	"pkt.systems/asyncstore/internal/resultq"
	"pkt.systems/asyncstore/internal/storage"
	"pkt.systems/asyncstore/internal/svcfields"
)

// Config configures a Broker.
type Config struct {
	Backend storage.Backend
	// MaxBatch caps operations per backend batch (opqueue.DefaultMaxBatch
	// when zero).
	MaxBatch int
	// FlushInterval enables the periodic flush of dirty queues.
	FlushInterval time.Duration
	Logger        pslog.Logger
	Clock         clock.Clock
}

// DestroyFailureHandler receives destroy completions that failed; the backend
// may still hold resources for the queue.
type DestroyFailureHandler func(queue string, err error)

// Option customises a Broker.
type Option func(*Broker)

// WithDestroyFailureHandler overrides the default handler, which logs at
// error level.
func WithDestroyFailureHandler(fn DestroyFailureHandler) Option {
	return func(b *Broker) {
		if fn != nil {
			b.onDestroyFailure = fn
		}
	}
}

// Broker owns the queue registry, the operation queue feeding the backend and
// the goroutine applying completions.
type Broker struct {
	backend     storage.Backend
	ops         *opqueue.Queue
	results     *resultq.Queue
	registry    *Registry
	logger      pslog.Logger
	queueLogger pslog.Logger
	clock       clock.Clock
	flusher     *periodic.Task
	metrics     *brokerMetrics

	onDestroyFailure DestroyFailureHandler

	runCancel context.CancelFunc
	runDone   chan struct{}

	mu          sync.Mutex
	closed      bool
	outstanding int
	changed     chan struct{}
}

// New starts a broker on cfg.Backend.
func New(cfg Config, opts ...Option) (*Broker, error) {
	if cfg.Backend == nil {
		return nil, errors.New("broker: backend required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	base := loggingutil.EnsureLogger(cfg.Logger)
	b := &Broker{
		backend:     cfg.Backend,
		results:     resultq.New(),
		registry:    NewRegistry(),
		logger:      svcfields.WithSubsystem(base, "broker"),
		queueLogger: svcfields.WithSubsystem(base, "broker.queue"),
		clock:       cfg.Clock,
		runDone:     make(chan struct{}),
		changed:     make(chan struct{}),
	}
	b.onDestroyFailure = func(queue string, err error) {
		b.logger.Error("broker.queue.destroy_failed", "queue", queue, "error", err)
	}
	for _, opt := range opts {
		opt(b)
	}
	ops, err := opqueue.New(opqueue.Config{
		Backend:  cfg.Backend,
		Results:  b.results,
		MaxBatch: cfg.MaxBatch,
		Logger:   base,
		Clock:    cfg.Clock,
	})
	if err != nil {
		return nil, err
	}
	b.ops = ops
	b.metrics = newBrokerMetrics(b.logger, b)

	ctx, cancel := context.WithCancel(context.Background())
	b.runCancel = cancel
	go func() {
		defer close(b.runDone)
		b.results.Run(ctx, b.complete)
	}()

	b.flusher = periodic.New("flush", cfg.FlushInterval, func(context.Context) {
		if err := b.FlushAll(); err != nil {
			b.logger.Warn("broker.flush.periodic_failed", "error", err)
		}
	}, periodic.WithClock(cfg.Clock), periodic.WithLogger(b.logger))
	b.flusher.Start()
	b.logger.Info("broker.start", "backend", storage.Describe(cfg.Backend), "flush_interval", cfg.FlushInterval)
	return b, nil
}

// DeclareQueue registers a new in-memory queue. Storage existence begins
// once AsyncCreate completes.
func (b *Broker) DeclareQueue(name string, args Args) (*PersistableQueue, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("broker: queue name required")
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	q := newPersistableQueue(b, name, args)
	h, err := b.registry.register(q)
	if err != nil {
		return nil, err
	}
	q.handle = h
	return q, nil
}

// Queue returns the live queue called name.
func (b *Broker) Queue(name string) (*PersistableQueue, bool) {
	return b.registry.Get(name)
}

// Queues returns all live queues ordered by name.
func (b *Broker) Queues() []*PersistableQueue {
	return b.registry.Queues()
}

// Registry exposes the queue arena.
func (b *Broker) Registry() *Registry {
	return b.registry
}

// Backend returns the storage backend the broker dispatches to.
func (b *Broker) Backend() storage.Backend {
	return b.backend
}

// FlushAll issues a flush for every created queue with unflushed mutations.
func (b *Broker) FlushAll() error {
	var errs []error
	for _, q := range b.registry.Queues() {
		if !q.Created() || q.Dirty() == 0 {
			continue
		}
		if err := q.Flush(); err != nil && !errors.Is(err, ErrBarrierClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Outstanding reports operations submitted whose completion has not yet been
// applied.
func (b *Broker) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.outstanding
}

// WaitIdle blocks until every submitted operation has been completed.
func (b *Broker) WaitIdle(ctx context.Context) error {
	for {
		b.mu.Lock()
		if b.outstanding == 0 {
			b.mu.Unlock()
			return nil
		}
		changed := b.changed
		b.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the periodic flush, drains the operation queue, applies the
// remaining completions and closes the backend.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.flusher.Stop()
	var errs []error
	if err := b.ops.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("broker: close operation queue: %w", err))
	}
	b.results.Close()
	select {
	case <-b.runDone:
	case <-ctx.Done():
		b.runCancel()
		<-b.runDone
		errs = append(errs, fmt.Errorf("broker: drain completions: %w", ctx.Err()))
	}
	b.runCancel()
	if err := b.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("broker: close backend: %w", err))
	}
	b.logger.Info("broker.stop", "queues", b.registry.Len())
	return errors.Join(errs...)
}

func (b *Broker) submit(op *asyncop.Operation) error {
	b.adjustOutstanding(1)
	if err := b.ops.Submit(op); err != nil {
		b.adjustOutstanding(-1)
		return err
	}
	return nil
}

func (b *Broker) adjustOutstanding(delta int) {
	b.mu.Lock()
	b.outstanding += delta
	close(b.changed)
	b.changed = make(chan struct{})
	b.mu.Unlock()
}

// complete runs on the completion goroutine.
func (b *Broker) complete(res asyncop.Result) {
	defer b.adjustOutstanding(-1)
	if res.Op == nil {
		return
	}
	q, err := b.registry.Lookup(res.Op.Queue)
	if err != nil {
		b.metrics.recordStale()
		b.logger.Warn("broker.completion.stale", "op", res.Op.String(), "error", err)
		return
	}
	q.complete(res)
}

func (b *Broker) queueDestroyed(q *PersistableQueue, err error) {
	if uerr := b.registry.unregister(q.handle); uerr != nil {
		b.logger.Warn("broker.queue.unregister_failed", "queue", q.name, "error", uerr)
	}
	if err != nil {
		b.metrics.recordDestroyFailure()
		b.onDestroyFailure(q.name, err)
	}
}
