package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type relayMetrics struct {
	eventsPublished   metric.Int64Counter
	eventsFailed      metric.Int64Counter
	eventsStateFailed metric.Int64Counter
	sweepLatency      metric.Float64Histogram
	batchDepth        metric.Int64Gauge
}

func newRelayMetrics(provider metric.MeterProvider) (relayMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("eventbus.outbox.relay")

	var (
		metrics relayMetrics
		err     error
	)

	metrics.eventsPublished, err = meter.Int64Counter(
		"outbox.events.published",
		metric.WithDescription("Number of outbox events successfully published"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.events.published counter: %w", err)
	}

	metrics.eventsFailed, err = meter.Int64Counter(
		"outbox.events.failed",
		metric.WithDescription("Number of outbox events that failed to publish"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.events.failed counter: %w", err)
	}

	metrics.eventsStateFailed, err = meter.Int64Counter(
		"outbox.events.state_update_failed",
		metric.WithDescription("Number of outbox events published but not persisted as published"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.events.state_update_failed counter: %w", err)
	}

	metrics.sweepLatency, err = meter.Float64Histogram(
		"outbox.sweep.latency",
		metric.WithDescription("Time taken per sweep cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.sweep.latency histogram: %w", err)
	}

	metrics.batchDepth, err = meter.Int64Gauge(
		"outbox.batch.depth",
		metric.WithDescription("Number of outbox events claimed in a sweep cycle"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.batch.depth gauge: %w", err)
	}

	return metrics, nil
}
