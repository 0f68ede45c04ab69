package retry

import (
	"context"
	"time"

	"pkt.systems/asyncstore/internal/clock"
	"pkt.systems/asyncstore/internal/storage"
	"pkt.systems/pslog"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
// Commit is never retried: a failed commit may already have discarded the
// batch, so a second attempt cannot vouch for the operations in it.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &backend{
		inner:  inner,
		logger: logger,
		clock:  clk,
		cfg:    cfg,
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) CreateQueue(ctx context.Context, rec storage.QueueRecord) (storage.QueueHandle, error) {
	var h storage.QueueHandle
	err := b.withRetry(ctx, "create_queue", rec.Name, func(ctx context.Context) error {
		var err error
		h, err = b.inner.CreateQueue(ctx, rec)
		return err
	})
	return h, err
}

func (b *backend) DestroyQueue(ctx context.Context, handle storage.QueueHandle, deleteData bool) error {
	return b.withRetry(ctx, "destroy_queue", handle.Name, func(ctx context.Context) error {
		return b.inner.DestroyQueue(ctx, handle, deleteData)
	})
}

func (b *backend) FlushQueue(ctx context.Context, handle storage.QueueHandle) error {
	return b.withRetry(ctx, "flush_queue", handle.Name, func(ctx context.Context) error {
		return b.inner.FlushQueue(ctx, handle)
	})
}

func (b *backend) Enqueue(ctx context.Context, queue string, msg storage.MessageRecord) error {
	return b.withRetry(ctx, "enqueue", queue, func(ctx context.Context) error {
		return b.inner.Enqueue(ctx, queue, msg)
	})
}

func (b *backend) Dequeue(ctx context.Context, queue string, seq uint64) error {
	return b.withRetry(ctx, "dequeue", queue, func(ctx context.Context) error {
		return b.inner.Dequeue(ctx, queue, seq)
	})
}

func (b *backend) Commit(ctx context.Context) error {
	if err := b.inner.Commit(ctx); err != nil {
		if storage.IsTransient(err) {
			b.logger.Warn("storage.retry.commit_not_retried", "error", err)
		}
		return err
	}
	return nil
}

func (b *backend) ListQueues(ctx context.Context) ([]storage.QueueRecord, error) {
	lister, ok := b.inner.(storage.QueueLister)
	if !ok {
		return nil, storage.ErrNotImplemented
	}
	var out []storage.QueueRecord
	err := b.withRetry(ctx, "list_queues", "", func(ctx context.Context) error {
		var err error
		out, err = lister.ListQueues(ctx)
		return err
	})
	return out, err
}

func (b *backend) ListMessages(ctx context.Context, queue string) ([]storage.MessageRecord, error) {
	lister, ok := b.inner.(storage.MessageLister)
	if !ok {
		return nil, storage.ErrNotImplemented
	}
	var out []storage.MessageRecord
	err := b.withRetry(ctx, "list_messages", queue, func(ctx context.Context) error {
		var err error
		out, err = lister.ListMessages(ctx, queue)
		return err
	})
	return out, err
}

func (b *backend) Describe() string {
	return storage.Describe(b.inner)
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) withRetry(ctx context.Context, op, queue string, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	delay := b.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		b.logger.Warn("storage transient error",
			"operation", op,
			"queue", queue,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.clock.Sleep(delay)
			next := time.Duration(float64(delay) * b.cfg.Multiplier)
			if b.cfg.MaxDelay > 0 && next > b.cfg.MaxDelay {
				next = b.cfg.MaxDelay
			}
			delay = next
		}
	}
	return lastErr
}
