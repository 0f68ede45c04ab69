package opqueue

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/asyncstore/internal/asyncop"
)

const meterName = "pkt.systems/asyncstore/opqueue"

type queueMetrics struct {
	submitted     metric.Int64Counter
	completed     metric.Int64Counter
	batchSize     metric.Int64Histogram
	batchDuration metric.Int64Histogram
	latency       metric.Int64Histogram
	backlog       metric.Int64ObservableGauge
	inflight      metric.Int64ObservableGauge
}

func newQueueMetrics(logger pslog.Logger, q *Queue) *queueMetrics {
	meter := otel.Meter(meterName)
	m := &queueMetrics{}
	var err error

	m.submitted, err = meter.Int64Counter(
		"asyncstore.opqueue.submitted",
		metric.WithDescription("Operations submitted to the operation queue"),
	)
	logMetricInitError(logger, "asyncstore.opqueue.submitted", err)

	m.completed, err = meter.Int64Counter(
		"asyncstore.opqueue.completed",
		metric.WithDescription("Operations completed by the backend"),
	)
	logMetricInitError(logger, "asyncstore.opqueue.completed", err)

	m.batchSize, err = meter.Int64Histogram(
		"asyncstore.opqueue.batch.size",
		metric.WithDescription("Operations per backend batch"),
	)
	logMetricInitError(logger, "asyncstore.opqueue.batch.size", err)

	m.batchDuration, err = meter.Int64Histogram(
		"asyncstore.opqueue.batch.duration_ms",
		metric.WithDescription("Backend batch execution time including commit"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "asyncstore.opqueue.batch.duration_ms", err)

	m.latency, err = meter.Int64Histogram(
		"asyncstore.opqueue.latency_ms",
		metric.WithDescription("Time from submit to backend acknowledgement"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "asyncstore.opqueue.latency_ms", err)

	m.backlog, err = meter.Int64ObservableGauge(
		"asyncstore.opqueue.backlog",
		metric.WithDescription("Operations waiting for the poller"),
	)
	logMetricInitError(logger, "asyncstore.opqueue.backlog", err)

	m.inflight, err = meter.Int64ObservableGauge(
		"asyncstore.opqueue.inflight",
		metric.WithDescription("Operations in the batch being executed"),
	)
	logMetricInitError(logger, "asyncstore.opqueue.inflight", err)

	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if q == nil {
			return nil
		}
		if m.backlog != nil {
			o.ObserveInt64(m.backlog, int64(q.Backlog()))
		}
		if m.inflight != nil {
			o.ObserveInt64(m.inflight, q.InFlight())
		}
		return nil
	}, m.backlog, m.inflight); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "asyncstore.opqueue", "error", err)
	}
	return m
}

func (m *queueMetrics) recordSubmit(kind asyncop.Kind) {
	if m == nil || m.submitted == nil {
		return
	}
	m.submitted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("asyncstore.op", kind.String())))
}

func (m *queueMetrics) recordResult(kind asyncop.Kind, err error) {
	if m == nil || m.completed == nil {
		return
	}
	m.completed.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("asyncstore.op", kind.String()),
		attribute.String("asyncstore.result", resultLabel(err)),
	))
}

func (m *queueMetrics) recordLatency(kind asyncop.Kind, d time.Duration) {
	if m == nil || m.latency == nil {
		return
	}
	m.latency.Record(context.Background(), durationMillis(d), metric.WithAttributes(attribute.String("asyncstore.op", kind.String())))
}

func (m *queueMetrics) recordBatch(size int, d time.Duration, aborted bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("asyncstore.batch.aborted", aborted))
	if m.batchSize != nil {
		m.batchSize.Record(context.Background(), int64(size), attrs)
	}
	if m.batchDuration != nil {
		m.batchDuration.Record(context.Background(), durationMillis(d), attrs)
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, asyncop.ErrPartialBatchFailure):
		return "partial_batch"
	case errors.Is(err, asyncop.ErrQueueClosed):
		return "closed"
	default:
		return "error"
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
