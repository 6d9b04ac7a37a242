package notify

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type dispatcherMetrics struct {
	itemsProcessed  metric.Int64Counter
	itemsFailed     metric.Int64Counter
	itemsDead       metric.Int64Counter
	itemsThrottled  metric.Int64Counter
	dispatchLatency metric.Float64Histogram
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("dispatch.notify")

	var (
		metrics dispatcherMetrics
		err     error
	)

	metrics.itemsProcessed, err = meter.Int64Counter(
		"notify.items.processed",
		metric.WithDescription("Number of notification items handled to completion"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create notify.items.processed counter: %w", err)
	}

	metrics.itemsFailed, err = meter.Int64Counter(
		"notify.items.failed",
		metric.WithDescription("Number of notification items that failed and were scheduled for retry"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create notify.items.failed counter: %w", err)
	}

	metrics.itemsDead, err = meter.Int64Counter(
		"notify.items.dead",
		metric.WithDescription("Number of notification items that exhausted their retry budget"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create notify.items.dead counter: %w", err)
	}

	metrics.itemsThrottled, err = meter.Int64Counter(
		"notify.items.throttled",
		metric.WithDescription("Number of notification items rescheduled by the per-tenant throttle"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create notify.items.throttled counter: %w", err)
	}

	metrics.dispatchLatency, err = meter.Float64Histogram(
		"notify.dispatch.latency",
		metric.WithDescription("Time taken per notification dispatch cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create notify.dispatch.latency histogram: %w", err)
	}

	return metrics, nil
}
