package notify

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kh827y/dhtreh-dispatch/backoff"
	"github.com/kh827y/dhtreh-dispatch/log"
	"github.com/kh827y/dhtreh-dispatch/outbox"
)

// handlerFunc processes one claimed notification item and returns the note
// stored alongside the SENT state. Any error sends the item down the
// retry-or-DEAD branch.
type handlerFunc func(ctx context.Context, item *outbox.QueueItem) (string, error)

// Dispatcher drains the "notify." namespace of the outbox queue and fans
// notification events out to the push and email channels.
type Dispatcher struct {
	repo     outbox.Repository
	push     PushSender
	email    EmailSender
	segments SegmentResolver
	audit    AuditRecorder
	logger   log.Logger
	tracer   trace.Tracer
	cfg      Config
	now      func() time.Time

	throttle *rpsThrottle
	handlers map[string]handlerFunc
	metrics  dispatcherMetrics
}

// DispatchResult captures one notification dispatch cycle outcome.
type DispatchResult struct {
	Processed   int
	Sent        int
	Failed      int
	Dead        int
	Rescheduled int
}

// NewDispatcher creates a notification dispatcher.
func NewDispatcher(
	repo outbox.Repository,
	push PushSender,
	email EmailSender,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...Option,
) (*Dispatcher, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}

	if push == nil {
		return nil, ErrPushSenderRequired
	}

	if email == nil {
		return nil, ErrEmailSenderRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("dispatch.noop")
	}

	dispatcher := &Dispatcher{
		repo:   repo,
		push:   push,
		email:  email,
		logger: logger,
		tracer: tracer,
		cfg:    DefaultConfig(),
		now:    func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	dispatcher.throttle = newRPSThrottle(dispatcher.cfg.TenantRPS, dispatcher.now)

	dispatcher.handlers = map[string]handlerFunc{
		EventBroadcast:         dispatcher.handleBroadcast,
		EventTest:              dispatcher.handleTest,
		EventRegistrationBonus: dispatcher.handleRegistrationBonus,
		EventStaffDigest:       dispatcher.handleStaffDigest,
	}

	metrics, err := newDispatcherMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init notify metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Config returns the normalized dispatcher configuration.
func (dispatcher *Dispatcher) Config() Config {
	return dispatcher.cfg
}

// DispatchOnce runs one notification cycle: fetch due notify.* items, claim
// each, and run its type handler. Items are processed sequentially since
// notification volume is modest and ordering within a batch keeps sender
// rate limits predictable.
func (dispatcher *Dispatcher) DispatchOnce(ctx context.Context) DispatchResult {
	if dispatcher == nil || dispatcher.repo == nil {
		return DispatchResult{}
	}

	start := dispatcher.now()

	ctx, span := dispatcher.tracer.Start(ctx, "notify.dispatch")
	defer span.End()

	var result DispatchResult

	items, err := dispatcher.repo.ListDueByPrefix(ctx, dispatcher.now(), dispatcher.cfg.BatchSize, outbox.NotifyEventPrefix)
	if err != nil {
		log.SafeError(dispatcher.logger, ctx, "failed to list due notification items", err, false)

		return result
	}

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}

		dispatcher.processItem(ctx, item, &result)
	}

	span.SetAttributes(
		attribute.Int("notify.dispatch.processed", result.Processed),
		attribute.Int("notify.dispatch.sent", result.Sent),
		attribute.Int("notify.dispatch.failed", result.Failed),
		attribute.Int("notify.dispatch.dead", result.Dead),
		attribute.Int("notify.dispatch.rescheduled", result.Rescheduled),
	)

	if dispatcher.metrics.dispatchLatency != nil {
		dispatcher.metrics.dispatchLatency.Record(ctx, time.Since(start).Seconds())
	}

	return result
}

func (dispatcher *Dispatcher) processItem(ctx context.Context, item *outbox.QueueItem, result *DispatchResult) {
	if !dispatcher.throttle.Allow(item.TenantID) {
		// Throttling is backpressure, not failure: push the item one
		// second out without touching its retry budget.
		next := dispatcher.now().Add(throttleDelay)

		if err := dispatcher.repo.Reschedule(ctx, item.ID, next, noteThrottled); err != nil {
			log.SafeError(dispatcher.logger, ctx, "failed to reschedule throttled notification", err, false)

			return
		}

		if dispatcher.metrics.itemsThrottled != nil {
			dispatcher.metrics.itemsThrottled.Add(ctx, 1)
		}

		result.Rescheduled++

		return
	}

	claimed, err := dispatcher.repo.ClaimPending(ctx, item.ID)
	if err != nil {
		log.SafeError(dispatcher.logger, ctx, "failed to claim notification item", err, false)

		return
	}

	if !claimed {
		return
	}

	result.Processed++

	handler, known := dispatcher.handlers[item.EventType]
	if !known {
		if err := dispatcher.repo.MarkSent(ctx, item.ID, noteUnknownType); err != nil {
			log.SafeError(dispatcher.logger, ctx, "failed to close unknown notification item", err, false)

			return
		}

		dispatcher.logger.Log(ctx, log.LevelWarn, "unknown notification event type",
			log.String("event_type", item.EventType),
			log.String("item_id", item.ID.String()),
		)

		result.Sent++

		return
	}

	note, err := handler(ctx, item)
	if err != nil {
		dispatcher.failItem(ctx, item, err, result)

		return
	}

	if err := dispatcher.repo.MarkSent(ctx, item.ID, note); err != nil {
		log.SafeError(dispatcher.logger, ctx, "handled notification but failed to persist SENT state", err, false)

		return
	}

	if dispatcher.metrics.itemsProcessed != nil {
		dispatcher.metrics.itemsProcessed.Add(ctx, 1)
	}

	result.Sent++
}

func (dispatcher *Dispatcher) failItem(ctx context.Context, item *outbox.QueueItem, cause error, result *DispatchResult) {
	retries := item.Retries + 1
	errMsg := outbox.SanitizeErrorMessage(outbox.TruncateError(cause.Error()))

	if retries >= dispatcher.cfg.MaxRetries {
		if err := dispatcher.repo.MarkDead(ctx, item.ID, errMsg, retries); err != nil {
			log.SafeError(dispatcher.logger, ctx, "failed to mark notification item dead", err, false)

			return
		}

		dispatcher.logger.Log(ctx, log.LevelError, "notification item exhausted retries",
			log.String("item_id", item.ID.String()),
			log.String("event_type", item.EventType),
			log.Int("retries", retries),
			log.String("last_error", errMsg),
		)

		if dispatcher.metrics.itemsDead != nil {
			dispatcher.metrics.itemsDead.Add(ctx, 1)
		}

		result.Dead++

		return
	}

	// The notification claim matches PENDING only, so retries go back to
	// PENDING rather than FAILED.
	delay := backoff.RetryDelay(dispatcher.cfg.BackoffBase, dispatcher.cfg.BackoffCap, retries)

	if err := dispatcher.repo.Requeue(ctx, item.ID, errMsg, retries, dispatcher.now().Add(delay)); err != nil {
		log.SafeError(dispatcher.logger, ctx, "failed to requeue notification item", err, false)

		return
	}

	if dispatcher.metrics.itemsFailed != nil {
		dispatcher.metrics.itemsFailed.Add(ctx, 1)
	}

	result.Failed++
}
