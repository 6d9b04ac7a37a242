package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kh827y/dhtreh-dispatch/backoff"
	"github.com/kh827y/dhtreh-dispatch/log"
)

// Dispatcher drains the outbox queue: it claims due items, signs and
// delivers their payloads to tenant webhooks, and writes back terminal or
// retry state under the backoff, circuit-breaker, and rate-limit policies.
type Dispatcher struct {
	repo      Repository
	endpoints EndpointProvider
	sender    Sender
	pauser    Pauser
	logger    log.Logger
	tracer    trace.Tracer
	cfg       DispatcherConfig
	now       func() time.Time

	breaker *circuitBreaker
	limiter *rateLimiter
	metrics dispatcherMetrics
}

// DispatchResult captures one dispatch cycle outcome.
type DispatchResult struct {
	Processed   int
	Sent        int
	Failed      int
	Dead        int
	Rescheduled int
	Reclaimed   int64
}

// NewDispatcher creates a webhook outbox dispatcher.
func NewDispatcher(
	repo Repository,
	endpoints EndpointProvider,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}

	if endpoints == nil {
		return nil, ErrEndpointProviderRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("dispatch.noop")
	}

	dispatcher := &Dispatcher{
		repo:      repo,
		endpoints: endpoints,
		logger:    logger,
		tracer:    tracer,
		cfg:       DefaultDispatcherConfig(),
		now:       func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	if dispatcher.sender == nil {
		dispatcher.sender = NewWebhookSender(dispatcher.cfg.DeliveryTimeout)
	}

	dispatcher.breaker = newCircuitBreaker(
		dispatcher.cfg.CircuitThreshold,
		dispatcher.cfg.CircuitWindow,
		dispatcher.cfg.CircuitCooldown,
		dispatcher.now,
	)

	dispatcher.limiter = newRateLimiter(
		dispatcher.cfg.DefaultTenantRPS,
		dispatcher.cfg.TenantRPSOverrides,
		dispatcher.now,
	)

	metrics, err := newDispatcherMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// WithSender overrides the delivery transport.
func WithSender(sender Sender) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.sender = sender
	}
}

// Config returns the normalized dispatcher configuration.
func (dispatcher *Dispatcher) Config() DispatcherConfig {
	return dispatcher.cfg
}

// DispatchOnce runs one full dispatch cycle: reclaim stale claims, fetch
// due items, reschedule circuit-open tenants, then deliver the rest with
// per-type concurrency and per-tenant throttling.
func (dispatcher *Dispatcher) DispatchOnce(ctx context.Context) DispatchResult {
	if dispatcher == nil || dispatcher.repo == nil {
		return DispatchResult{}
	}

	start := dispatcher.now()

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	var result DispatchResult

	result.Reclaimed = dispatcher.reclaimStale(ctx)

	dispatcher.recordBacklog(ctx)

	items, err := dispatcher.repo.ListDue(ctx, dispatcher.now(), dispatcher.cfg.BatchSize, NotifyEventPrefix)
	if err != nil {
		log.SafeError(dispatcher.logger, ctx, "failed to list due queue items", err, false)

		return result
	}

	ready := dispatcher.rescheduleCircuitOpen(ctx, items, &result)

	for eventType, group := range groupByEventType(ready) {
		if ctx.Err() != nil {
			break
		}

		dispatcher.dispatchGroup(ctx, eventType, group, &result)
	}

	span.SetAttributes(
		attribute.Int("outbox.dispatch.processed", result.Processed),
		attribute.Int("outbox.dispatch.sent", result.Sent),
		attribute.Int("outbox.dispatch.failed", result.Failed),
		attribute.Int("outbox.dispatch.dead", result.Dead),
		attribute.Int("outbox.dispatch.rescheduled", result.Rescheduled),
	)

	if dispatcher.metrics.dispatchLatency != nil {
		dispatcher.metrics.dispatchLatency.Record(ctx, time.Since(start).Seconds())
	}

	return result
}

func (dispatcher *Dispatcher) reclaimStale(ctx context.Context) int64 {
	olderThan := dispatcher.now().Add(-dispatcher.cfg.StaleAfter)

	reclaimed, err := dispatcher.repo.ReclaimStaleSending(ctx, olderThan, noteStaleSending)
	if err != nil {
		log.SafeError(dispatcher.logger, ctx, "failed to reclaim stale sending items", err, false)

		return 0
	}

	if reclaimed > 0 {
		dispatcher.logger.Log(ctx, log.LevelWarn, "reclaimed stale sending items",
			log.Int64("count", reclaimed))
	}

	return reclaimed
}

func (dispatcher *Dispatcher) recordBacklog(ctx context.Context) {
	backlog, err := dispatcher.repo.CountByStatus(ctx, StatusPending)
	if err != nil {
		log.SafeError(dispatcher.logger, ctx, "failed to count pending backlog", err, false)

		return
	}

	if dispatcher.metrics.queueDepth != nil {
		dispatcher.metrics.queueDepth.Record(ctx, backlog)
	}
}

// rescheduleCircuitOpen pushes items of circuit-open tenants to the
// circuit's reopen time without an attempt and returns the remaining ready
// items.
func (dispatcher *Dispatcher) rescheduleCircuitOpen(ctx context.Context, items []*QueueItem, result *DispatchResult) []*QueueItem {
	ready := make([]*QueueItem, 0, len(items))

	for _, item := range items {
		if item == nil {
			continue
		}

		openUntil, open := dispatcher.breaker.OpenUntil(item.TenantID)
		if !open {
			ready = append(ready, item)

			continue
		}

		if err := dispatcher.repo.Reschedule(ctx, item.ID, openUntil, noteCircuitOpen); err != nil {
			log.SafeError(dispatcher.logger, ctx, "failed to reschedule circuit-open item", err, false)

			continue
		}

		result.Rescheduled++
	}

	return ready
}

func groupByEventType(items []*QueueItem) map[string][]*QueueItem {
	groups := make(map[string][]*QueueItem)

	for _, item := range items {
		groups[item.EventType] = append(groups[item.EventType], item)
	}

	return groups
}

// dispatchGroup processes one event type's items with that type's
// concurrency limit. Outcome counters are aggregated under a mutex since
// workers report concurrently.
func (dispatcher *Dispatcher) dispatchGroup(ctx context.Context, eventType string, items []*QueueItem, result *DispatchResult) {
	workers := dispatcher.cfg.TypeConcurrency(eventType)
	if workers > len(items) {
		workers = len(items)
	}

	queue := make(chan *QueueItem)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for item := range queue {
				outcome := dispatcher.processItem(ctx, item)

				mu.Lock()
				outcome.apply(result)
				mu.Unlock()
			}
		}()
	}

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}

		queue <- item
	}

	close(queue)
	wg.Wait()
}

type itemOutcome int

const (
	outcomeSkipped itemOutcome = iota
	outcomeSent
	outcomeFailed
	outcomeDead
	outcomeRescheduled
)

func (outcome itemOutcome) apply(result *DispatchResult) {
	if outcome == outcomeSkipped {
		return
	}

	result.Processed++

	switch outcome {
	case outcomeSent:
		result.Sent++
	case outcomeFailed:
		result.Failed++
	case outcomeDead:
		result.Dead++
	case outcomeRescheduled:
		result.Rescheduled++
	default:
	}
}

func (dispatcher *Dispatcher) processItem(ctx context.Context, item *QueueItem) itemOutcome {
	if ctx.Err() != nil {
		return outcomeSkipped
	}

	if !dispatcher.limiter.Allow(item.TenantID) {
		next := dispatcher.limiter.NextWindow(item.TenantID).Add(backoff.FullJitter(rescheduleJitterBase))

		if err := dispatcher.repo.Reschedule(ctx, item.ID, next, noteRateLimited); err != nil {
			log.SafeError(dispatcher.logger, ctx, "failed to reschedule rate-limited item", err, false)

			return outcomeSkipped
		}

		if dispatcher.metrics.itemsRateLimited != nil {
			dispatcher.metrics.itemsRateLimited.Add(ctx, 1)
		}

		return outcomeRescheduled
	}

	claimed, err := dispatcher.repo.Claim(ctx, item.ID)
	if err != nil {
		log.SafeError(dispatcher.logger, ctx, "failed to claim queue item", err, false)

		return outcomeSkipped
	}

	if !claimed {
		return outcomeSkipped
	}

	return dispatcher.deliver(ctx, item)
}

func (dispatcher *Dispatcher) deliver(ctx context.Context, item *QueueItem) itemOutcome {
	endpoint, err := dispatcher.endpoints.Endpoint(ctx, item.TenantID)
	if err != nil {
		// A store read error says nothing about the endpoint's health.
		return dispatcher.failItem(ctx, item, fmt.Errorf("resolve endpoint: %w", err), false, 0)
	}

	configured := endpoint != nil && endpoint.URL != ""
	if configured {
		secret, _ := endpoint.ActiveSecret()
		configured = secret != ""
	}

	if !configured {
		// A tenant without a configured webhook must not accumulate dead
		// letters; the item is soft-terminal.
		if err := dispatcher.repo.MarkSent(ctx, item.ID, noteWebhookNotConfigured); err != nil {
			log.SafeError(dispatcher.logger, ctx, "failed to mark unconfigured item sent", err, false)

			return outcomeSkipped
		}

		return outcomeSent
	}

	if endpoint.Paused(dispatcher.now()) {
		if err := dispatcher.repo.Reschedule(ctx, item.ID, *endpoint.PausedUntil, noteTenantPaused); err != nil {
			log.SafeError(dispatcher.logger, ctx, "failed to reschedule paused-tenant item", err, false)

			return outcomeSkipped
		}

		return outcomeRescheduled
	}

	result, err := dispatcher.sender.Deliver(ctx, item, endpoint)
	if err != nil {
		return dispatcher.failItem(ctx, item, err, !validationFailure(err), 0)
	}

	if result.Succeeded() {
		if err := dispatcher.repo.MarkSent(ctx, item.ID, ""); err != nil {
			log.SafeError(dispatcher.logger, ctx, "delivered but failed to persist SENT state; item may be redelivered", err, false)

			return outcomeSkipped
		}

		dispatcher.breaker.RecordSuccess(item.TenantID)

		if dispatcher.metrics.itemsSent != nil {
			dispatcher.metrics.itemsSent.Add(ctx, 1)
		}

		return outcomeSent
	}

	return dispatcher.failItem(
		ctx,
		item,
		fmt.Errorf("endpoint returned status %d", result.StatusCode),
		result.CountsAgainstCircuit(),
		result.RetryAfter,
	)
}

// validationFailure reports whether delivery was rejected before any
// network attempt was made. Validation failures retry like any other, but
// they say nothing about the endpoint's health and never feed the breaker.
func validationFailure(err error) bool {
	return errors.Is(err, ErrURLSchemeNotHTTPS) ||
		errors.Is(err, ErrURLHostMissing) ||
		errors.Is(err, ErrURLPrivateAddress)
}

// failItem applies the retry-or-DEAD branch shared by HTTP failures,
// network errors, and URL validation failures. Circuit accounting happens
// only on the retryable branch; a DEAD transition closes out the item
// without adding evidence against the endpoint.
func (dispatcher *Dispatcher) failItem(ctx context.Context, item *QueueItem, cause error, countsAgainstCircuit bool, retryAfter time.Duration) itemOutcome {
	retries := item.Retries + 1
	errMsg := sanitizeErrorForStorage(cause)

	if retries >= dispatcher.cfg.MaxRetries {
		if err := dispatcher.repo.MarkDead(ctx, item.ID, errMsg, retries); err != nil {
			log.SafeError(dispatcher.logger, ctx, "failed to mark queue item dead", err, false)

			return outcomeSkipped
		}

		dispatcher.logger.Log(ctx, log.LevelError, "queue item exhausted retries",
			log.String("item_id", item.ID.String()),
			log.String("event_type", item.EventType),
			log.Int("retries", retries),
			log.String("last_error", errMsg),
		)

		if dispatcher.metrics.itemsDead != nil {
			dispatcher.metrics.itemsDead.Add(ctx, 1)
		}

		return outcomeDead
	}

	if countsAgainstCircuit {
		dispatcher.noteCircuitFailure(ctx, item.TenantID)
	}

	delay := backoff.RetryDelay(dispatcher.cfg.BackoffBase, dispatcher.cfg.BackoffCap, item.Retries)
	if retryAfter > delay {
		delay = retryAfter
	}

	nextRetryAt := dispatcher.now().Add(delay)

	if err := dispatcher.repo.MarkFailed(ctx, item.ID, errMsg, retries, nextRetryAt); err != nil {
		log.SafeError(dispatcher.logger, ctx, "failed to mark queue item failed", err, false)

		return outcomeSkipped
	}

	if dispatcher.metrics.itemsFailed != nil {
		dispatcher.metrics.itemsFailed.Add(ctx, 1)
	}

	return outcomeFailed
}

func (dispatcher *Dispatcher) noteCircuitFailure(ctx context.Context, tenantID string) {
	openUntil, opened := dispatcher.breaker.RecordFailure(tenantID)
	if !opened {
		return
	}

	dispatcher.logger.Log(ctx, log.LevelWarn, "tenant circuit opened",
		log.String("tenant_id", tenantID),
		log.String("open_until", openUntil.Format(time.RFC3339)),
	)

	if dispatcher.metrics.circuitOpened != nil {
		dispatcher.metrics.circuitOpened.Add(ctx, 1)
	}

	if dispatcher.pauser == nil || dispatcher.cfg.AutoPauseDuration <= 0 {
		return
	}

	pauseUntil := dispatcher.now().Add(dispatcher.cfg.AutoPauseDuration)
	if err := dispatcher.pauser.PauseTenant(ctx, tenantID, pauseUntil); err != nil {
		log.SafeError(dispatcher.logger, ctx, "failed to persist tenant auto-pause", err, false)
	}
}
