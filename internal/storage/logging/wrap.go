package logging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/asyncstore/internal/correlation"
	"pkt.systems/asyncstore/internal/storage"
	"pkt.systems/asyncstore/internal/svcfields"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging and OpenTelemetry spans.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/asyncstore/storage"),
		sys:    sys,
	}
}

func (b *backend) start(ctx context.Context, op, queue string) (context.Context, trace.Span, pslog.Logger, time.Time, func(error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "asyncstore.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("asyncstore.storage.operation", op),
		attribute.String("asyncstore.sys", b.sys),
	)
	logger := b.logger
	if queue != "" {
		span.SetAttributes(attribute.String("asyncstore.queue", queue))
		logger = logger.With("queue", queue)
	}
	if corr := correlation.ID(ctx); corr != "" {
		span.SetAttributes(attribute.String("asyncstore.correlation_id", corr))
		logger = logger.With(svcfields.CorrelationKey, corr)
	}
	logger.Trace("storage." + op + ".begin")
	return ctx, span, logger, begin, func(err error) {
		elapsed := time.Since(begin)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
			logger.Debug("storage."+op+".error", "error", err, "elapsed", elapsed)
			return
		}
		span.SetStatus(codes.Ok, "")
		logger.Trace("storage."+op+".success", "elapsed", elapsed)
	}
}

func (b *backend) CreateQueue(ctx context.Context, rec storage.QueueRecord) (storage.QueueHandle, error) {
	ctx, span, _, _, finish := b.start(ctx, "create_queue", rec.Name)
	defer span.End()
	span.SetAttributes(attribute.Int("asyncstore.storage.record_bytes", len(rec.Data)))
	h, err := b.inner.CreateQueue(ctx, rec)
	if err == nil {
		span.SetAttributes(attribute.Int64("asyncstore.storage.persistence_id", int64(h.ID)))
	}
	finish(err)
	return h, err
}

func (b *backend) DestroyQueue(ctx context.Context, handle storage.QueueHandle, deleteData bool) error {
	ctx, span, _, _, finish := b.start(ctx, "destroy_queue", handle.Name)
	defer span.End()
	span.SetAttributes(attribute.Bool("asyncstore.storage.delete", deleteData))
	err := b.inner.DestroyQueue(ctx, handle, deleteData)
	finish(err)
	return err
}

func (b *backend) FlushQueue(ctx context.Context, handle storage.QueueHandle) error {
	ctx, span, _, _, finish := b.start(ctx, "flush_queue", handle.Name)
	defer span.End()
	err := b.inner.FlushQueue(ctx, handle)
	finish(err)
	return err
}

func (b *backend) Enqueue(ctx context.Context, queue string, msg storage.MessageRecord) error {
	ctx, span, _, _, finish := b.start(ctx, "enqueue", queue)
	defer span.End()
	span.SetAttributes(
		attribute.Int64("asyncstore.storage.seq", int64(msg.Seq)),
		attribute.Int("asyncstore.storage.payload_bytes", len(msg.Payload)),
		attribute.Bool("asyncstore.storage.durable", msg.Durable),
	)
	err := b.inner.Enqueue(ctx, queue, msg)
	finish(err)
	return err
}

func (b *backend) Dequeue(ctx context.Context, queue string, seq uint64) error {
	ctx, span, _, _, finish := b.start(ctx, "dequeue", queue)
	defer span.End()
	span.SetAttributes(attribute.Int64("asyncstore.storage.seq", int64(seq)))
	err := b.inner.Dequeue(ctx, queue, seq)
	finish(err)
	return err
}

func (b *backend) Commit(ctx context.Context) error {
	ctx, span, _, _, finish := b.start(ctx, "commit", "")
	defer span.End()
	err := b.inner.Commit(ctx)
	finish(err)
	return err
}

func (b *backend) ListQueues(ctx context.Context) ([]storage.QueueRecord, error) {
	lister, ok := b.inner.(storage.QueueLister)
	if !ok {
		return nil, storage.ErrNotImplemented
	}
	ctx, span, logger, begin, finish := b.start(ctx, "list_queues", "")
	defer span.End()
	out, err := lister.ListQueues(ctx)
	finish(err)
	if err == nil {
		logger.Debug("storage.list_queues.success", "count", len(out), "elapsed", time.Since(begin))
	}
	return out, err
}

func (b *backend) ListMessages(ctx context.Context, queue string) ([]storage.MessageRecord, error) {
	lister, ok := b.inner.(storage.MessageLister)
	if !ok {
		return nil, storage.ErrNotImplemented
	}
	ctx, span, logger, begin, finish := b.start(ctx, "list_messages", queue)
	defer span.End()
	out, err := lister.ListMessages(ctx, queue)
	finish(err)
	if err == nil {
		logger.Debug("storage.list_messages.success", "count", len(out), "elapsed", time.Since(begin))
	}
	return out, err
}

func (b *backend) Describe() string {
	return storage.Describe(b.inner)
}

func (b *backend) Close() error {
	err := b.inner.Close()
	if err != nil {
		b.logger.Warn("storage.close.error", "error", err)
	}
	return err
}
