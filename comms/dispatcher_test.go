//go:build unit

package comms

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kh827y/dhtreh-dispatch/log"
)

type fakeClock struct {
	current time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (clock *fakeClock) Now() time.Time {
	return clock.current
}

func (clock *fakeClock) Advance(d time.Duration) {
	clock.current = clock.current.Add(d)
}

type fakeTasks struct {
	mu            sync.Mutex
	tasks         map[uuid.UUID]*Task
	staleRequeued int64
	staleFailed   int64
	requeued      int64
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{tasks: make(map[uuid.UUID]*Task)}
}

func (repo *fakeTasks) add(task *Task) *Task {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	repo.tasks[task.ID] = task

	return task
}

func (repo *fakeTasks) get(id uuid.UUID) Task {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	return *repo.tasks[id]
}

func (repo *fakeTasks) Create(_ context.Context, task *Task) (*Task, error) {
	return repo.add(task), nil
}

func (repo *fakeTasks) GetByID(_ context.Context, id uuid.UUID) (*Task, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	task, ok := repo.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}

	copied := *task

	return &copied, nil
}

func (repo *fakeTasks) ListDueScheduled(_ context.Context, now time.Time, limit int) ([]*Task, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	var due []*Task

	for _, task := range repo.tasks {
		if task.Status != TaskScheduled || task.ArchivedAt != nil {
			continue
		}

		if task.ScheduledAt != nil && task.ScheduledAt.After(now) {
			continue
		}

		copied := *task
		due = append(due, &copied)
	}

	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })

	if len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (repo *fakeTasks) ClaimScheduled(_ context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	task, ok := repo.tasks[id]
	if !ok || task.Status != TaskScheduled {
		return false, nil
	}

	task.Status = TaskRunning
	task.StartedAt = &startedAt
	task.Attempts++

	return true, nil
}

func (repo *fakeTasks) Complete(_ context.Context, id uuid.UUID, total, sent, failed int) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	task := repo.tasks[id]
	task.Status = TaskCompleted
	task.TotalRecipients = total
	task.SentCount = sent
	task.FailedCount = failed
	task.LastError = ""

	return nil
}

func (repo *fakeTasks) Fail(_ context.Context, id uuid.UUID, errMsg string) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	task := repo.tasks[id]
	task.Status = TaskFailed
	task.LastError = errMsg
	now := time.Now().UTC()
	task.FailedAt = &now

	return nil
}

func (repo *fakeTasks) RecoverStaleRunning(_ context.Context, olderThan, requeueAt time.Time, maxAttempts int) (int64, int64, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	var requeued, failed int64

	for _, task := range repo.tasks {
		if task.Status != TaskRunning || task.StartedAt == nil || !task.StartedAt.Before(olderThan) {
			continue
		}

		if task.Attempts < maxAttempts {
			task.Status = TaskScheduled
			task.ScheduledAt = &requeueAt
			requeued++
		} else {
			task.Status = TaskFailed
			failed++
		}
	}

	repo.staleRequeued, repo.staleFailed = requeued, failed

	return requeued, failed, nil
}

func (repo *fakeTasks) RequeueFailed(_ context.Context, failedBefore time.Time, maxAttempts int) (int64, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	var requeued int64

	for _, task := range repo.tasks {
		if task.Status != TaskFailed || task.FailedAt == nil || task.ArchivedAt != nil {
			continue
		}

		if task.FailedAt.Before(failedBefore) && task.Attempts < maxAttempts {
			task.Status = TaskScheduled
			task.ScheduledAt = nil
			requeued++
		}
	}

	repo.requeued = requeued

	return requeued, nil
}

type fakeRecipients struct {
	mu        sync.Mutex
	rows      map[int64]*Recipient
	nextID    int64
	pageCalls []int64
}

func newFakeRecipients() *fakeRecipients {
	return &fakeRecipients{rows: make(map[int64]*Recipient)}
}

func (repo *fakeRecipients) addRow(taskID uuid.UUID, customerID, status string) *Recipient {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	repo.nextID++
	row := &Recipient{
		ID:         repo.nextID,
		TaskID:     taskID,
		CustomerID: customerID,
		Status:     status,
	}
	repo.rows[row.ID] = row

	return row
}

func (repo *fakeRecipients) Seed(_ context.Context, taskID uuid.UUID, tenantID string, customerIDs []string) error {
	for _, customerID := range customerIDs {
		row := repo.addRow(taskID, customerID, RecipientPending)
		row.TenantID = tenantID
	}

	return nil
}

func (repo *fakeRecipients) CountByTask(_ context.Context, taskID uuid.UUID) (int64, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	var count int64

	for _, row := range repo.rows {
		if row.TaskID == taskID {
			count++
		}
	}

	return count, nil
}

func (repo *fakeRecipients) ListDeliverable(_ context.Context, taskID uuid.UUID, afterID int64, limit int) ([]*Recipient, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	repo.pageCalls = append(repo.pageCalls, afterID)

	var page []*Recipient

	for _, row := range repo.rows {
		if row.TaskID != taskID || row.ID <= afterID {
			continue
		}

		if row.Status != RecipientPending && row.Status != RecipientFailed {
			continue
		}

		copied := *row
		page = append(page, &copied)
	}

	sort.Slice(page, func(i, j int) bool { return page[i].ID < page[j].ID })

	if len(page) > limit {
		page = page[:limit]
	}

	return page, nil
}

func (repo *fakeRecipients) MarkSent(_ context.Context, id int64, sentAt time.Time) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	row := repo.rows[id]
	row.Status = RecipientSent
	row.SentAt = &sentAt
	row.Error = ""

	return nil
}

func (repo *fakeRecipients) MarkFailed(_ context.Context, id int64, errMsg string) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	row := repo.rows[id]
	row.Status = RecipientFailed
	row.Error = errMsg

	return nil
}

func (repo *fakeRecipients) CountOutcomes(_ context.Context, taskID uuid.UUID) (int64, int64, int64, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	var sent, failed, pending int64

	for _, row := range repo.rows {
		if row.TaskID != taskID {
			continue
		}

		switch row.Status {
		case RecipientSent:
			sent++
		case RecipientFailed:
			failed++
		case RecipientPending:
			pending++
		}
	}

	return sent, failed, pending, nil
}

type fakeResolver struct {
	mu        sync.Mutex
	audiences map[string][]string
	all       []string
	calls     int
}

func (resolver *fakeResolver) Resolve(_ context.Context, _, _, audienceID string) ([]string, error) {
	resolver.mu.Lock()
	defer resolver.mu.Unlock()

	resolver.calls++

	if audienceID == "" {
		return resolver.all, nil
	}

	return resolver.audiences[audienceID], nil
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []string
	failFor map[string]error
}

func (sender *fakeSender) Send(_ context.Context, _, customerID, _ string) error {
	sender.mu.Lock()
	defer sender.mu.Unlock()

	if err, ok := sender.failFor[customerID]; ok {
		return err
	}

	sender.sent = append(sender.sent, customerID)

	return nil
}

func scheduledTask(t *testing.T, channel string, payload any) *Task {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	task, err := NewTask("tenant-1", channel, raw, nil)
	require.NoError(t, err)

	return task
}

func newTestDispatcher(t *testing.T, tasks *fakeTasks, recipients *fakeRecipients, resolver *fakeResolver, senders map[string]Sender, clock *fakeClock, opts ...Option) *Dispatcher {
	t.Helper()

	opts = append([]Option{WithClock(clock.Now)}, opts...)

	dispatcher, err := NewDispatcher(tasks, recipients, resolver, senders, log.NewNop(), nil, opts...)
	require.NoError(t, err)

	return dispatcher
}

func TestDispatchOnce_CompletesTask(t *testing.T) {
	t.Parallel()

	tasks := newFakeTasks()
	task := tasks.add(scheduledTask(t, ChannelPush, map[string]any{
		"text":         "{{campaign.name}}: up to {{bonus}} points",
		"campaignName": "Spring",
		"bonusValue":   200,
	}))

	recipients := newFakeRecipients()
	resolver := &fakeResolver{all: []string{"c-1", "c-2", "c-3"}}
	sender := &fakeSender{}
	clock := newFakeClock()
	dispatcher := newTestDispatcher(t, tasks, recipients, resolver,
		map[string]Sender{ChannelPush: sender}, clock)

	result := dispatcher.DispatchOnce(context.Background())

	assert.Equal(t, 1, result.Started)
	assert.Equal(t, 1, result.Completed)

	final := tasks.get(task.ID)
	assert.Equal(t, TaskCompleted, final.Status)
	assert.Equal(t, 3, final.TotalRecipients)
	assert.Equal(t, 3, final.SentCount)
	assert.Zero(t, final.FailedCount)
	assert.Equal(t, 1, final.Attempts)

	assert.ElementsMatch(t, []string{"c-1", "c-2", "c-3"}, sender.sent)
}

func TestDispatchOnce_PartialFailureStillCompletes(t *testing.T) {
	t.Parallel()

	tasks := newFakeTasks()
	task := tasks.add(scheduledTask(t, ChannelPush, map[string]any{"text": "hi"}))

	recipients := newFakeRecipients()
	resolver := &fakeResolver{all: []string{"c-1", "c-2"}}
	sender := &fakeSender{failFor: map[string]error{"c-2": errors.New("device unregistered")}}
	clock := newFakeClock()
	dispatcher := newTestDispatcher(t, tasks, recipients, resolver,
		map[string]Sender{ChannelPush: sender}, clock)

	dispatcher.DispatchOnce(context.Background())

	final := tasks.get(task.ID)
	assert.Equal(t, TaskCompleted, final.Status)
	assert.Equal(t, 1, final.SentCount)
	assert.Equal(t, 1, final.FailedCount)
}

func TestDispatchOnce_AllRecipientsFailedTaskFails(t *testing.T) {
	t.Parallel()

	tasks := newFakeTasks()
	task := tasks.add(scheduledTask(t, ChannelPush, map[string]any{"text": "hi"}))

	recipients := newFakeRecipients()
	resolver := &fakeResolver{all: []string{"c-1"}}
	sender := &fakeSender{failFor: map[string]error{"c-1": errors.New("blocked")}}
	clock := newFakeClock()
	dispatcher := newTestDispatcher(t, tasks, recipients, resolver,
		map[string]Sender{ChannelPush: sender}, clock)

	result := dispatcher.DispatchOnce(context.Background())

	assert.Equal(t, 1, result.Failed)

	final := tasks.get(task.ID)
	assert.Equal(t, TaskFailed, final.Status)
	assert.Contains(t, final.LastError, "no recipients delivered")
}

func TestDispatchOnce_EmptyAudienceCompletes(t *testing.T) {
	t.Parallel()

	tasks := newFakeTasks()
	task := tasks.add(scheduledTask(t, ChannelPush, map[string]any{"text": "hi"}))

	clock := newFakeClock()
	dispatcher := newTestDispatcher(t, tasks, newFakeRecipients(), &fakeResolver{},
		map[string]Sender{ChannelPush: &fakeSender{}}, clock)

	dispatcher.DispatchOnce(context.Background())

	final := tasks.get(task.ID)
	assert.Equal(t, TaskCompleted, final.Status)
	assert.Zero(t, final.TotalRecipients)
}

func TestDispatchOnce_EmptyTextFailsTask(t *testing.T) {
	t.Parallel()

	tasks := newFakeTasks()
	task := tasks.add(scheduledTask(t, ChannelPush, map[string]any{"text": "  "}))

	clock := newFakeClock()
	dispatcher := newTestDispatcher(t, tasks, newFakeRecipients(), &fakeResolver{},
		map[string]Sender{ChannelPush: &fakeSender{}}, clock)

	dispatcher.DispatchOnce(context.Background())

	final := tasks.get(task.ID)
	assert.Equal(t, TaskFailed, final.Status)
	assert.Contains(t, final.LastError, "message text is empty")
}

func TestDispatchOnce_MissingSenderFailsTask(t *testing.T) {
	t.Parallel()

	tasks := newFakeTasks()
	task := tasks.add(scheduledTask(t, ChannelTelegram, map[string]any{"text": "hi"}))

	clock := newFakeClock()
	dispatcher := newTestDispatcher(t, tasks, newFakeRecipients(), &fakeResolver{},
		map[string]Sender{ChannelPush: &fakeSender{}}, clock)

	dispatcher.DispatchOnce(context.Background())

	final := tasks.get(task.ID)
	assert.Equal(t, TaskFailed, final.Status)
	assert.Contains(t, final.LastError, "no sender registered")
}

func TestDispatchOnce_ResumeKeepsExistingRows(t *testing.T) {
	t.Parallel()

	tasks := newFakeTasks()
	task := tasks.add(scheduledTask(t, ChannelPush, map[string]any{"text": "hi"}))

	recipients := newFakeRecipients()
	recipients.addRow(task.ID, "c-1", RecipientSent)
	recipients.addRow(task.ID, "c-2", RecipientPending)

	resolver := &fakeResolver{all: []string{"c-1", "c-2", "c-99"}}
	sender := &fakeSender{}
	clock := newFakeClock()
	dispatcher := newTestDispatcher(t, tasks, recipients, resolver,
		map[string]Sender{ChannelPush: sender}, clock)

	dispatcher.DispatchOnce(context.Background())

	assert.Zero(t, resolver.calls, "resume must not re-resolve the audience")
	assert.Equal(t, []string{"c-2"}, sender.sent, "already-sent rows are not re-delivered")

	final := tasks.get(task.ID)
	assert.Equal(t, TaskCompleted, final.Status)
	assert.Equal(t, 2, final.TotalRecipients)
	assert.Equal(t, 2, final.SentCount)
}

func TestDispatchOnce_PaginatesWithAdvancingCursor(t *testing.T) {
	t.Parallel()

	tasks := newFakeTasks()
	tasks.add(scheduledTask(t, ChannelPush, map[string]any{"text": "hi"}))

	recipients := newFakeRecipients()
	resolver := &fakeResolver{all: []string{"c-1", "c-2", "c-3", "c-4", "c-5"}}
	sender := &fakeSender{}
	clock := newFakeClock()
	dispatcher := newTestDispatcher(t, tasks, recipients, resolver,
		map[string]Sender{ChannelPush: sender}, clock,
		WithPageSize(2), WithSendConcurrency(1))

	dispatcher.DispatchOnce(context.Background())

	assert.Len(t, sender.sent, 5)
	require.GreaterOrEqual(t, len(recipients.pageCalls), 3)

	for i := 1; i < len(recipients.pageCalls); i++ {
		assert.Greater(t, recipients.pageCalls[i], recipients.pageCalls[i-1], "cursor must advance")
	}
}

func TestDispatchOnce_RecoversStaleRunning(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()

	tasks := newFakeTasks()
	stale := tasks.add(scheduledTask(t, ChannelPush, map[string]any{"text": "hi"}))
	stale.Status = TaskRunning
	stale.Attempts = 1
	startedAt := clock.Now().Add(-time.Hour)
	stale.StartedAt = &startedAt

	exhausted := tasks.add(scheduledTask(t, ChannelPush, map[string]any{"text": "hi"}))
	exhausted.Status = TaskRunning
	exhausted.Attempts = 3
	exhausted.StartedAt = &startedAt

	resolver := &fakeResolver{all: []string{"c-1"}}
	sender := &fakeSender{}
	dispatcher := newTestDispatcher(t, tasks, newFakeRecipients(), resolver,
		map[string]Sender{ChannelPush: sender}, clock,
		WithStaleAfter(15*time.Minute), WithMaxAttempts(3))

	result := dispatcher.DispatchOnce(context.Background())

	assert.Equal(t, int64(1), result.StaleRequeued)
	assert.Equal(t, int64(1), result.StaleFailed)

	requeuedTask := tasks.get(stale.ID)
	assert.Equal(t, TaskScheduled, requeuedTask.Status)
	require.NotNil(t, requeuedTask.ScheduledAt)
	assert.True(t, requeuedTask.ScheduledAt.After(clock.Now()))

	assert.Equal(t, TaskFailed, tasks.get(exhausted.ID).Status)
}

func TestDispatchOnce_RequeuesRetryableFailed(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()

	tasks := newFakeTasks()
	failed := tasks.add(scheduledTask(t, ChannelPush, map[string]any{"text": "hi"}))
	failed.Status = TaskFailed
	failed.Attempts = 1
	failedAt := clock.Now().Add(-time.Hour)
	failed.FailedAt = &failedAt

	resolver := &fakeResolver{all: []string{"c-1"}}
	sender := &fakeSender{}
	dispatcher := newTestDispatcher(t, tasks, newFakeRecipients(), resolver,
		map[string]Sender{ChannelPush: sender}, clock,
		WithRetryDelay(5*time.Minute), WithMaxAttempts(3))

	result := dispatcher.DispatchOnce(context.Background())

	assert.Equal(t, int64(1), result.Requeued)
	// The requeued task is picked up in the same cycle and runs.
	assert.Equal(t, TaskCompleted, tasks.get(failed.ID).Status)
}

func TestRunTaskByID(t *testing.T) {
	t.Parallel()

	tasks := newFakeTasks()
	task := tasks.add(scheduledTask(t, ChannelPush, map[string]any{"text": "hi"}))

	resolver := &fakeResolver{all: []string{"c-1"}}
	sender := &fakeSender{}
	clock := newFakeClock()
	dispatcher := newTestDispatcher(t, tasks, newFakeRecipients(), resolver,
		map[string]Sender{ChannelPush: sender}, clock)

	require.NoError(t, dispatcher.RunTaskByID(context.Background(), task.ID))
	assert.Equal(t, TaskCompleted, tasks.get(task.ID).Status)

	// A terminal task cannot be claimed again.
	err := dispatcher.RunTaskByID(context.Background(), task.ID)
	assert.ErrorIs(t, err, ErrTaskNotClaimable)
}
