package comms

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kh827y/dhtreh-dispatch/log"
	"github.com/kh827y/dhtreh-dispatch/notify"
	"github.com/kh827y/dhtreh-dispatch/outbox"
)

// Dispatcher runs campaign tasks to completion. Each cycle performs two
// maintenance passes (stale-RUNNING recovery, FAILED requeue) before
// starting new work, so a crashed replica's tasks are eventually picked up
// by any surviving one.
type Dispatcher struct {
	tasks      TaskRepository
	recipients RecipientRepository
	resolver   AudienceResolver
	senders    map[string]Sender
	logger     log.Logger
	tracer     trace.Tracer
	cfg        Config
	now        func() time.Time
	metrics    dispatcherMetrics
}

// DispatchResult captures one communications cycle outcome.
type DispatchResult struct {
	StaleRequeued int64
	StaleFailed   int64
	Requeued      int64
	Started       int
	Completed     int
	Failed        int
}

// NewDispatcher creates a communications dispatcher. The senders map binds
// one Sender per channel constant.
func NewDispatcher(
	tasks TaskRepository,
	recipients RecipientRepository,
	resolver AudienceResolver,
	senders map[string]Sender,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...Option,
) (*Dispatcher, error) {
	if tasks == nil {
		return nil, ErrTaskRepositoryRequired
	}

	if recipients == nil {
		return nil, ErrRecipientRepositoryRequired
	}

	if resolver == nil {
		return nil, ErrResolverRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("dispatch.noop")
	}

	dispatcher := &Dispatcher{
		tasks:      tasks,
		recipients: recipients,
		resolver:   resolver,
		senders:    senders,
		logger:     logger,
		tracer:     tracer,
		cfg:        DefaultConfig(),
		now:        func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	metrics, err := newDispatcherMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init comms metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Config returns the normalized dispatcher configuration.
func (dispatcher *Dispatcher) Config() Config {
	return dispatcher.cfg
}

// DispatchOnce runs one communications cycle: recover stale RUNNING tasks,
// requeue retryable FAILED tasks, then claim and run due SCHEDULED tasks.
func (dispatcher *Dispatcher) DispatchOnce(ctx context.Context) DispatchResult {
	if dispatcher == nil || dispatcher.tasks == nil {
		return DispatchResult{}
	}

	start := dispatcher.now()

	ctx, span := dispatcher.tracer.Start(ctx, "comms.dispatch")
	defer span.End()

	var result DispatchResult

	dispatcher.recoverStale(ctx, &result)
	dispatcher.requeueFailed(ctx, &result)

	tasks, err := dispatcher.tasks.ListDueScheduled(ctx, dispatcher.now(), dispatcher.cfg.BatchSize)
	if err != nil {
		log.SafeError(dispatcher.logger, ctx, "failed to list due campaign tasks", err, false)

		return result
	}

	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}

		claimed, err := dispatcher.tasks.ClaimScheduled(ctx, task.ID, dispatcher.now())
		if err != nil {
			log.SafeError(dispatcher.logger, ctx, "failed to claim campaign task", err, false)

			continue
		}

		if !claimed {
			continue
		}

		result.Started++

		if dispatcher.runClaimedTask(ctx, task) {
			result.Completed++
		} else {
			result.Failed++
		}
	}

	span.SetAttributes(
		attribute.Int("comms.dispatch.started", result.Started),
		attribute.Int("comms.dispatch.completed", result.Completed),
		attribute.Int("comms.dispatch.failed", result.Failed),
		attribute.Int64("comms.dispatch.stale_requeued", result.StaleRequeued),
		attribute.Int64("comms.dispatch.requeued", result.Requeued),
	)

	if dispatcher.metrics.dispatchLatency != nil {
		dispatcher.metrics.dispatchLatency.Record(ctx, time.Since(start).Seconds())
	}

	return result
}

// RunTaskByID claims and runs one task immediately, outside the periodic
// cycle, for operator-triggered launches.
func (dispatcher *Dispatcher) RunTaskByID(ctx context.Context, id uuid.UUID) error {
	task, err := dispatcher.tasks.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load campaign task: %w", err)
	}

	if task == nil {
		return ErrTaskNotFound
	}

	claimed, err := dispatcher.tasks.ClaimScheduled(ctx, task.ID, dispatcher.now())
	if err != nil {
		return fmt.Errorf("claim campaign task: %w", err)
	}

	if !claimed {
		return ErrTaskNotClaimable
	}

	if !dispatcher.runClaimedTask(ctx, task) {
		return fmt.Errorf("campaign task %s run failed", task.ID)
	}

	return nil
}

func (dispatcher *Dispatcher) recoverStale(ctx context.Context, result *DispatchResult) {
	olderThan := dispatcher.now().Add(-dispatcher.cfg.StaleAfter)
	requeueAt := dispatcher.now().Add(dispatcher.cfg.RetryDelay)

	requeued, failed, err := dispatcher.tasks.RecoverStaleRunning(ctx, olderThan, requeueAt, dispatcher.cfg.MaxAttempts)
	if err != nil {
		log.SafeError(dispatcher.logger, ctx, "failed to recover stale running tasks", err, false)

		return
	}

	result.StaleRequeued = requeued
	result.StaleFailed = failed

	if requeued > 0 || failed > 0 {
		dispatcher.logger.Log(ctx, log.LevelWarn, "recovered stale running tasks",
			log.Int64("requeued", requeued),
			log.Int64("failed_terminally", failed),
		)
	}

	if requeued > 0 && dispatcher.metrics.tasksRequeued != nil {
		dispatcher.metrics.tasksRequeued.Add(ctx, requeued)
	}
}

func (dispatcher *Dispatcher) requeueFailed(ctx context.Context, result *DispatchResult) {
	failedBefore := dispatcher.now().Add(-dispatcher.cfg.RetryDelay)

	requeued, err := dispatcher.tasks.RequeueFailed(ctx, failedBefore, dispatcher.cfg.MaxAttempts)
	if err != nil {
		log.SafeError(dispatcher.logger, ctx, "failed to requeue failed tasks", err, false)

		return
	}

	result.Requeued = requeued

	if requeued > 0 && dispatcher.metrics.tasksRequeued != nil {
		dispatcher.metrics.tasksRequeued.Add(ctx, requeued)
	}
}

// runClaimedTask drives one RUNNING task to a terminal status and reports
// whether it completed.
func (dispatcher *Dispatcher) runClaimedTask(ctx context.Context, task *Task) bool {
	sender, ok := dispatcher.senders[task.Channel]
	if !ok {
		dispatcher.failTask(ctx, task, fmt.Errorf("%w: %s", ErrNoSenderForChannel, task.Channel))

		return false
	}

	payload, err := task.decodePayload()
	if err != nil {
		dispatcher.failTask(ctx, task, err)

		return false
	}

	if strings.TrimSpace(payload.Text) == "" {
		dispatcher.failTask(ctx, task, ErrEmptyMessageText)

		return false
	}

	if err := dispatcher.seedRecipients(ctx, task); err != nil {
		dispatcher.failTask(ctx, task, err)

		return false
	}

	text := renderTaskText(payload)

	if err := dispatcher.deliverRecipients(ctx, task, sender, text); err != nil {
		dispatcher.failTask(ctx, task, err)

		return false
	}

	return dispatcher.finalizeTask(ctx, task)
}

// seedRecipients creates the per-recipient rows on the task's first run.
// A resumed task keeps its existing rows and their outcomes.
func (dispatcher *Dispatcher) seedRecipients(ctx context.Context, task *Task) error {
	count, err := dispatcher.recipients.CountByTask(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("count task recipients: %w", err)
	}

	if count > 0 {
		return nil
	}

	customerIDs, err := dispatcher.resolver.Resolve(ctx, task.TenantID, task.Channel, task.AudienceID)
	if err != nil {
		return fmt.Errorf("resolve task audience: %w", err)
	}

	if len(customerIDs) == 0 {
		return nil
	}

	if err := dispatcher.recipients.Seed(ctx, task.ID, task.TenantID, customerIDs); err != nil {
		return fmt.Errorf("seed task recipients: %w", err)
	}

	return nil
}

// deliverRecipients walks the task's deliverable rows in keyset pages. The
// cursor must advance every page; a non-advancing cursor breaks the loop
// instead of spinning.
func (dispatcher *Dispatcher) deliverRecipients(ctx context.Context, task *Task, sender Sender, text string) error {
	var cursor int64

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		page, err := dispatcher.recipients.ListDeliverable(ctx, task.ID, cursor, dispatcher.cfg.PageSize)
		if err != nil {
			return fmt.Errorf("list deliverable recipients: %w", err)
		}

		if len(page) == 0 {
			return nil
		}

		dispatcher.deliverPage(ctx, task, sender, text, page)

		next := page[len(page)-1].ID
		if next <= cursor {
			return nil
		}

		cursor = next
	}
}

func (dispatcher *Dispatcher) deliverPage(ctx context.Context, task *Task, sender Sender, text string, page []*Recipient) {
	workers := dispatcher.cfg.SendConcurrency
	if workers > len(page) {
		workers = len(page)
	}

	queue := make(chan *Recipient)

	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for recipient := range queue {
				dispatcher.deliverRecipient(ctx, task, sender, text, recipient)
			}
		}()
	}

	for _, recipient := range page {
		if ctx.Err() != nil {
			break
		}

		queue <- recipient
	}

	close(queue)
	wg.Wait()
}

func (dispatcher *Dispatcher) deliverRecipient(ctx context.Context, task *Task, sender Sender, text string, recipient *Recipient) {
	if err := sender.Send(ctx, task.TenantID, recipient.CustomerID, text); err != nil {
		if markErr := dispatcher.recipients.MarkFailed(ctx, recipient.ID, outbox.SanitizeErrorMessage(outbox.TruncateError(err.Error()))); markErr != nil {
			log.SafeError(dispatcher.logger, ctx, "failed to mark recipient failed", markErr, false)
		}

		if dispatcher.metrics.recipientsFailed != nil {
			dispatcher.metrics.recipientsFailed.Add(ctx, 1)
		}

		return
	}

	if err := dispatcher.recipients.MarkSent(ctx, recipient.ID, dispatcher.now()); err != nil {
		log.SafeError(dispatcher.logger, ctx, "failed to mark recipient sent", err, false)

		return
	}

	if dispatcher.metrics.recipientsSent != nil {
		dispatcher.metrics.recipientsSent.Add(ctx, 1)
	}
}

// finalizeTask aggregates recipient outcomes into the task's terminal
// status: COMPLETED when at least one recipient got the message or the
// audience was empty, FAILED otherwise.
func (dispatcher *Dispatcher) finalizeTask(ctx context.Context, task *Task) bool {
	sent, failed, pending, err := dispatcher.recipients.CountOutcomes(ctx, task.ID)
	if err != nil {
		dispatcher.failTask(ctx, task, fmt.Errorf("aggregate recipient outcomes: %w", err))

		return false
	}

	total := sent + failed + pending

	if sent == 0 && total > 0 {
		dispatcher.failTask(ctx, task, fmt.Errorf("%s: %d recipients failed", noteNoRecipients, failed))

		return false
	}

	if err := dispatcher.tasks.Complete(ctx, task.ID, int(total), int(sent), int(failed)); err != nil {
		log.SafeError(dispatcher.logger, ctx, "failed to complete campaign task", err, false)

		return false
	}

	dispatcher.logger.Log(ctx, log.LevelInfo, "campaign task completed",
		log.String("task_id", task.ID.String()),
		log.String("channel", task.Channel),
		log.Int64("sent", sent),
		log.Int64("failed", failed),
	)

	if dispatcher.metrics.tasksCompleted != nil {
		dispatcher.metrics.tasksCompleted.Add(ctx, 1)
	}

	return true
}

func (dispatcher *Dispatcher) failTask(ctx context.Context, task *Task, cause error) {
	errMsg := outbox.SanitizeErrorMessage(outbox.TruncateError(cause.Error()))

	if err := dispatcher.tasks.Fail(ctx, task.ID, errMsg); err != nil {
		log.SafeError(dispatcher.logger, ctx, "failed to mark campaign task failed", err, false)

		return
	}

	dispatcher.logger.Log(ctx, log.LevelError, "campaign task failed",
		log.String("task_id", task.ID.String()),
		log.String("channel", task.Channel),
		log.String("last_error", errMsg),
	)

	if dispatcher.metrics.tasksFailed != nil {
		dispatcher.metrics.tasksFailed.Add(ctx, 1)
	}
}

// renderTaskText substitutes campaign placeholders using the shared
// notification template engine.
func renderTaskText(payload *taskPayload) string {
	data := payload.Vars
	if data == nil {
		data = map[string]any{}
	}

	if _, ok := data["campaign"]; !ok && payload.CampaignName != "" {
		data["campaign"] = map[string]any{"name": payload.CampaignName}
	}

	if _, ok := data["bonus"]; !ok && payload.BonusValue != 0 {
		data["bonus"] = payload.BonusValue
	}

	return notify.Render(payload.Text, data)
}
