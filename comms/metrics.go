package comms

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type dispatcherMetrics struct {
	tasksCompleted   metric.Int64Counter
	tasksFailed      metric.Int64Counter
	tasksRequeued    metric.Int64Counter
	recipientsSent   metric.Int64Counter
	recipientsFailed metric.Int64Counter
	dispatchLatency  metric.Float64Histogram
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("dispatch.comms")

	var (
		metrics dispatcherMetrics
		err     error
	)

	metrics.tasksCompleted, err = meter.Int64Counter(
		"comms.tasks.completed",
		metric.WithDescription("Number of campaign tasks that reached COMPLETED"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create comms.tasks.completed counter: %w", err)
	}

	metrics.tasksFailed, err = meter.Int64Counter(
		"comms.tasks.failed",
		metric.WithDescription("Number of campaign task runs that ended FAILED"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create comms.tasks.failed counter: %w", err)
	}

	metrics.tasksRequeued, err = meter.Int64Counter(
		"comms.tasks.requeued",
		metric.WithDescription("Number of stale or failed campaign tasks returned to SCHEDULED"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create comms.tasks.requeued counter: %w", err)
	}

	metrics.recipientsSent, err = meter.Int64Counter(
		"comms.recipients.sent",
		metric.WithDescription("Number of per-recipient deliveries that succeeded"),
		metric.WithUnit("{recipient}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create comms.recipients.sent counter: %w", err)
	}

	metrics.recipientsFailed, err = meter.Int64Counter(
		"comms.recipients.failed",
		metric.WithDescription("Number of per-recipient deliveries that failed"),
		metric.WithUnit("{recipient}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create comms.recipients.failed counter: %w", err)
	}

	metrics.dispatchLatency, err = meter.Float64Histogram(
		"comms.dispatch.latency",
		metric.WithDescription("Time taken per communications dispatch cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create comms.dispatch.latency histogram: %w", err)
	}

	return metrics, nil
}
