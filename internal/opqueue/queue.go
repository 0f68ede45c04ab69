// Package opqueue hands asynchronous storage operations to a backend in
// ordered batches on a dedicated poller goroutine.
package opqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/asyncstore/internal/asyncop"
	"pkt.systems/asyncstore/internal/clock"
	"pkt.systems/asyncstore/internal/correlation"
	"pkt.systems/asyncstore/internal/loggingutil"
	"pkt.systems/asyncstore/internal/pollable"
	"pkt.systems/asyncstore/internal/storage"
	"pkt.systems/asyncstore/internal/svcfields"
)

// DefaultMaxBatch bounds how many operations one backend batch carries.
const DefaultMaxBatch = 256

// ResultSink receives operation outcomes. Post must not block for long; it is
// called from the poller goroutine.
type ResultSink interface {
	Post(asyncop.Result)
}

// Config configures a Queue.
type Config struct {
	Backend  storage.Backend
	Results  ResultSink
	MaxBatch int
	Logger   pslog.Logger
	Clock    clock.Clock
}

// Queue accepts operations from any goroutine and dispatches them to the
// backend in submission order, one batch at a time.
type Queue struct {
	backend storage.Backend
	results ResultSink
	logger  pslog.Logger
	clock   clock.Clock
	metrics *queueMetrics

	poller *pollable.Queue[*asyncop.Operation]
	ctx    context.Context
	cancel context.CancelFunc

	seq      atomic.Uint64
	inflight atomic.Int64
	closed   atomic.Bool
}

// New constructs and starts a Queue.
func New(cfg Config) (*Queue, error) {
	if cfg.Backend == nil {
		return nil, errors.New("opqueue: backend required")
	}
	if cfg.Results == nil {
		return nil, errors.New("opqueue: result sink required")
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := svcfields.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "storage.opqueue")
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		backend: cfg.Backend,
		results: cfg.Results,
		logger:  logger,
		clock:   cfg.Clock,
		ctx:     ctx,
		cancel:  cancel,
	}
	q.poller = pollable.New(q.handleBatch, pollable.WithMaxBatch(cfg.MaxBatch))
	q.metrics = newQueueMetrics(logger, q)
	q.poller.Start()
	logger.Debug("opqueue.start", "backend", storage.Describe(cfg.Backend), "max_batch", cfg.MaxBatch)
	return q, nil
}

// Submit enqueues op for the backend. It never waits for storage.
func (q *Queue) Submit(op *asyncop.Operation) error {
	if op == nil {
		return errors.New("opqueue: nil operation")
	}
	if q.closed.Load() {
		return asyncop.Fail(op, asyncop.ErrQueueClosed, nil)
	}
	op.Seq = q.seq.Add(1)
	op.SubmittedAt = q.clock.Now()
	if err := q.poller.Push(op); err != nil {
		if errors.Is(err, pollable.ErrStopped) {
			return asyncop.Fail(op, asyncop.ErrQueueClosed, nil)
		}
		return err
	}
	q.metrics.recordSubmit(op.Kind)
	return nil
}

// Backlog reports operations submitted but not yet handed to the backend.
func (q *Queue) Backlog() int {
	return q.poller.Len()
}

// InFlight reports operations in the batch currently being executed.
func (q *Queue) InFlight() int64 {
	return q.inflight.Load()
}

// Close stops accepting operations and waits for queued batches to drain.
// When ctx ends first, the running batch is cancelled and every operation that
// never reached the backend fails with asyncop.ErrQueueClosed.
func (q *Queue) Close(ctx context.Context) error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	stop := context.AfterFunc(ctx, q.cancel)
	defer stop()
	rest, err := q.poller.Stop(ctx)
	q.cancel()
	if len(rest) > 0 {
		now := q.clock.Now()
		for _, op := range rest {
			q.results.Post(asyncop.Result{Op: op, Err: asyncop.Fail(op, asyncop.ErrQueueClosed, err), CompletedAt: now})
			q.metrics.recordResult(op.Kind, asyncop.ErrQueueClosed)
		}
		q.logger.Warn("opqueue.close.stranded", "count", len(rest), "error", err)
	}
	q.logger.Debug("opqueue.closed")
	return err
}

func (q *Queue) handleBatch(batch []*asyncop.Operation) int {
	batchID := correlation.Generate()
	ctx := correlation.Set(q.ctx, batchID)
	start := q.clock.Now()
	q.inflight.Store(int64(len(batch)))
	defer q.inflight.Store(0)
	logger := q.logger.With(svcfields.CorrelationKey, batchID)
	logger.Trace("opqueue.batch.dispatch", "size", len(batch), "first_seq", batch[0].Seq)

	results := make([]asyncop.Result, len(batch))
	var stopCause error
	stopAt := -1
	for i, op := range batch {
		results[i].Op = op
		if stopAt >= 0 {
			results[i].Err = asyncop.Fail(op, asyncop.ErrPartialBatchFailure, stopCause)
			continue
		}
		handle, err := q.execute(ctx, op)
		if err != nil {
			results[i].Err = asyncop.Fail(op, asyncop.ErrBackendOperationFailed, err)
			if storage.IsFatal(err) {
				stopAt = i
				stopCause = err
				logger.Error("opqueue.batch.aborted", "op", op.String(), "position", i, "size", len(batch), "error", err)
			} else {
				logger.Warn("opqueue.op.failed", "op", op.String(), "error", err)
			}
			continue
		}
		results[i].Handle = handle
	}

	if err := q.backend.Commit(ctx); err != nil {
		logger.Error("opqueue.batch.commit_failed", "size", len(batch), "error", err)
		for i := range results {
			if results[i].Err == nil {
				results[i].Err = asyncop.Fail(results[i].Op, asyncop.ErrBackendOperationFailed, err)
			}
		}
	}

	now := q.clock.Now()
	for i := range results {
		results[i].CompletedAt = now
		q.metrics.recordResult(results[i].Op.Kind, results[i].Err)
		q.metrics.recordLatency(results[i].Op.Kind, clock.Since(q.clock, results[i].Op.SubmittedAt))
		q.results.Post(results[i])
	}
	q.metrics.recordBatch(len(batch), clock.Since(q.clock, start), stopAt >= 0)
	return len(batch)
}

func (q *Queue) execute(ctx context.Context, op *asyncop.Operation) (storage.QueueHandle, error) {
	switch op.Kind {
	case asyncop.KindCreate:
		return q.backend.CreateQueue(ctx, storage.QueueRecord{Name: op.QueueName, Data: op.Record})
	case asyncop.KindDestroy:
		return storage.QueueHandle{}, q.backend.DestroyQueue(ctx, op.StoreHandle, op.DeleteQueue)
	case asyncop.KindFlush:
		return storage.QueueHandle{}, q.backend.FlushQueue(ctx, op.StoreHandle)
	case asyncop.KindEnqueue:
		return storage.QueueHandle{}, q.backend.Enqueue(ctx, op.QueueName, op.Message.Record(op.Txn))
	case asyncop.KindDequeue:
		return storage.QueueHandle{}, q.backend.Dequeue(ctx, op.QueueName, op.Message.Position)
	default:
		return storage.QueueHandle{}, storage.NewFatalError(errUnknownKind{kind: op.Kind})
	}
}

type errUnknownKind struct {
	kind asyncop.Kind
}

func (e errUnknownKind) Error() string {
	return "opqueue: unknown operation " + e.kind.String()
}

func durationMillis(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}
