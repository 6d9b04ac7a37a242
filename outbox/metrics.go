package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type dispatcherMetrics struct {
	itemsSent        metric.Int64Counter
	itemsFailed      metric.Int64Counter
	itemsDead        metric.Int64Counter
	itemsRateLimited metric.Int64Counter
	circuitOpened    metric.Int64Counter
	queueDepth       metric.Int64Gauge
	dispatchLatency  metric.Float64Histogram
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("dispatch.outbox")

	var (
		metrics dispatcherMetrics
		err     error
	)

	metrics.itemsSent, err = meter.Int64Counter(
		"outbox.items.sent",
		metric.WithDescription("Number of queue items delivered successfully"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.items.sent counter: %w", err)
	}

	metrics.itemsFailed, err = meter.Int64Counter(
		"outbox.items.failed",
		metric.WithDescription("Number of delivery attempts that failed and were scheduled for retry"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.items.failed counter: %w", err)
	}

	metrics.itemsDead, err = meter.Int64Counter(
		"outbox.items.dead",
		metric.WithDescription("Number of queue items that exhausted their retry budget"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.items.dead counter: %w", err)
	}

	metrics.itemsRateLimited, err = meter.Int64Counter(
		"outbox.items.rate_limited",
		metric.WithDescription("Number of queue items rescheduled by the per-tenant rate limit"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.items.rate_limited counter: %w", err)
	}

	metrics.circuitOpened, err = meter.Int64Counter(
		"outbox.circuit.opened",
		metric.WithDescription("Number of tenant circuit open transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.circuit.opened counter: %w", err)
	}

	metrics.queueDepth, err = meter.Int64Gauge(
		"outbox.queue.depth",
		metric.WithDescription("Number of pending queue items observed at the start of a dispatch cycle"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.queue.depth gauge: %w", err)
	}

	metrics.dispatchLatency, err = meter.Float64Histogram(
		"outbox.dispatch.latency",
		metric.WithDescription("Time taken per dispatch cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.dispatch.latency histogram: %w", err)
	}

	return metrics, nil
}
