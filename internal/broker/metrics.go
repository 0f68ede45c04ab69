package broker

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type brokerMetrics struct {
	queues          metric.Int64ObservableGauge
	depth           metric.Int64ObservableGauge
	bytes           metric.Int64ObservableGauge
	outstanding     metric.Int64ObservableGauge
	destroyFailures metric.Int64Counter
	stale           metric.Int64Counter
}

func newBrokerMetrics(logger pslog.Logger, b *Broker) *brokerMetrics {
	meter := otel.Meter("pkt.systems/asyncstore/broker")
	m := &brokerMetrics{}
	var err error

	m.queues, err = meter.Int64ObservableGauge(
		"asyncstore.broker.queues",
		metric.WithDescription("Live durable queues"),
	)
	logMetricInitError(logger, "asyncstore.broker.queues", err)

	m.depth, err = meter.Int64ObservableGauge(
		"asyncstore.broker.queue.depth",
		metric.WithDescription("Messages in the visible sequence (per queue)"),
	)
	logMetricInitError(logger, "asyncstore.broker.queue.depth", err)

	m.bytes, err = meter.Int64ObservableGauge(
		"asyncstore.broker.queue.bytes",
		metric.WithDescription("Queued payload bytes (per queue)"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "asyncstore.broker.queue.bytes", err)

	m.outstanding, err = meter.Int64ObservableGauge(
		"asyncstore.broker.outstanding",
		metric.WithDescription("Operations awaiting completion"),
	)
	logMetricInitError(logger, "asyncstore.broker.outstanding", err)

	m.destroyFailures, err = meter.Int64Counter(
		"asyncstore.broker.destroy.failures",
		metric.WithDescription("Queue destroy operations that failed in the backend"),
	)
	logMetricInitError(logger, "asyncstore.broker.destroy.failures", err)

	m.stale, err = meter.Int64Counter(
		"asyncstore.broker.completions.stale",
		metric.WithDescription("Completions dropped because their queue was gone"),
	)
	logMetricInitError(logger, "asyncstore.broker.completions.stale", err)

	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if b == nil {
			return nil
		}
		queues := b.registry.Queues()
		if m.queues != nil {
			o.ObserveInt64(m.queues, int64(len(queues)))
		}
		if m.outstanding != nil {
			o.ObserveInt64(m.outstanding, int64(b.Outstanding()))
		}
		for _, q := range queues {
			attrs := metric.WithAttributes(attribute.String("asyncstore.queue", q.Name()))
			if m.depth != nil {
				o.ObserveInt64(m.depth, int64(q.Depth()), attrs)
			}
			if m.bytes != nil {
				o.ObserveInt64(m.bytes, int64(q.Bytes()), attrs)
			}
		}
		return nil
	}, m.queues, m.depth, m.bytes, m.outstanding); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "asyncstore.broker", "error", err)
	}
	return m
}

func (m *brokerMetrics) recordDestroyFailure() {
	if m == nil || m.destroyFailures == nil {
		return
	}
	m.destroyFailures.Add(context.Background(), 1)
}

func (m *brokerMetrics) recordStale() {
	if m == nil || m.stale == nil {
		return
	}
	m.stale.Add(context.Background(), 1)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
