//go:build unit

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kh827y/dhtreh-dispatch/log"
	"github.com/kh827y/dhtreh-dispatch/outbox"
)

type fakeClock struct {
	current time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
}

func (clock *fakeClock) Now() time.Time {
	return clock.current
}

type fakeQueue struct {
	mu    sync.Mutex
	items map[uuid.UUID]*outbox.QueueItem
	order []uuid.UUID
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{items: make(map[uuid.UUID]*outbox.QueueItem)}
}

func (queue *fakeQueue) add(item *outbox.QueueItem) *outbox.QueueItem {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	queue.items[item.ID] = item
	queue.order = append(queue.order, item.ID)

	return item
}

func (queue *fakeQueue) get(id uuid.UUID) outbox.QueueItem {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	return *queue.items[id]
}

func (queue *fakeQueue) Create(_ context.Context, item *outbox.QueueItem) (*outbox.QueueItem, error) {
	return queue.add(item), nil
}

func (queue *fakeQueue) CreateWithTx(_ context.Context, _ outbox.Tx, item *outbox.QueueItem) (*outbox.QueueItem, error) {
	return queue.add(item), nil
}

func (queue *fakeQueue) GetByID(_ context.Context, id uuid.UUID) (*outbox.QueueItem, error) {
	item := queue.get(id)

	return &item, nil
}

func (queue *fakeQueue) ListDue(_ context.Context, _ time.Time, _ int, _ string) ([]*outbox.QueueItem, error) {
	return nil, nil
}

func (queue *fakeQueue) ListDueByPrefix(_ context.Context, now time.Time, limit int, prefix string) ([]*outbox.QueueItem, error) {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	var due []*outbox.QueueItem

	for _, id := range queue.order {
		item := queue.items[id]

		if item.Status != outbox.StatusPending || !strings.HasPrefix(item.EventType, prefix) {
			continue
		}

		if item.NextRetryAt != nil && item.NextRetryAt.After(now) {
			continue
		}

		copied := *item
		due = append(due, &copied)

		if len(due) >= limit {
			break
		}
	}

	return due, nil
}

func (queue *fakeQueue) Claim(_ context.Context, _ uuid.UUID) (bool, error) {
	return false, nil
}

func (queue *fakeQueue) ClaimPending(_ context.Context, id uuid.UUID) (bool, error) {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	item, ok := queue.items[id]
	if !ok || item.Status != outbox.StatusPending {
		return false, nil
	}

	item.Status = outbox.StatusSending

	return true, nil
}

func (queue *fakeQueue) MarkSent(_ context.Context, id uuid.UUID, note string) error {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	item := queue.items[id]
	item.Status = outbox.StatusSent
	item.LastError = note
	item.NextRetryAt = nil

	return nil
}

func (queue *fakeQueue) MarkFailed(_ context.Context, id uuid.UUID, errMsg string, retries int, nextRetryAt time.Time) error {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	item := queue.items[id]
	item.Status = outbox.StatusFailed
	item.LastError = errMsg
	item.Retries = retries
	item.NextRetryAt = &nextRetryAt

	return nil
}

func (queue *fakeQueue) MarkDead(_ context.Context, id uuid.UUID, errMsg string, retries int) error {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	item := queue.items[id]
	item.Status = outbox.StatusDead
	item.LastError = errMsg
	item.Retries = retries
	item.NextRetryAt = nil

	return nil
}

func (queue *fakeQueue) Requeue(_ context.Context, id uuid.UUID, errMsg string, retries int, nextRetryAt time.Time) error {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	item := queue.items[id]
	item.Status = outbox.StatusPending
	item.LastError = errMsg
	item.Retries = retries
	item.NextRetryAt = &nextRetryAt

	return nil
}

func (queue *fakeQueue) Reschedule(_ context.Context, id uuid.UUID, nextRetryAt time.Time, note string) error {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	item := queue.items[id]
	item.Status = outbox.StatusPending
	item.LastError = note
	item.NextRetryAt = &nextRetryAt

	return nil
}

func (queue *fakeQueue) ReclaimStaleSending(_ context.Context, _ time.Time, _ string) (int64, error) {
	return 0, nil
}

func (queue *fakeQueue) CountByStatus(_ context.Context, _ string) (int64, error) {
	return 0, nil
}

type pushCall struct {
	tenantID   string
	recipients []string
	title      string
	text       string
}

type fakePush struct {
	mu         sync.Mutex
	calls      []pushCall
	broadcasts []pushCall
	failPer    int
	err        error
}

func (push *fakePush) SendToCustomers(_ context.Context, tenantID string, customerIDs []string, title, text string, _ map[string]string) (int, int, error) {
	push.mu.Lock()
	defer push.mu.Unlock()

	push.calls = append(push.calls, pushCall{tenantID: tenantID, recipients: customerIDs, title: title, text: text})

	if push.err != nil {
		return 0, 0, push.err
	}

	failed := push.failPer
	if failed > len(customerIDs) {
		failed = len(customerIDs)
	}

	return len(customerIDs) - failed, failed, nil
}

func (push *fakePush) SendBroadcast(_ context.Context, tenantID, title, text string, _ map[string]string) error {
	push.mu.Lock()
	defer push.mu.Unlock()

	push.broadcasts = append(push.broadcasts, pushCall{tenantID: tenantID, title: title, text: text})

	return push.err
}

type emailCall struct {
	recipient string
	subject   string
	text      string
}

type fakeEmail struct {
	mu      sync.Mutex
	calls   []emailCall
	failFor map[string]error
}

func (email *fakeEmail) Send(_ context.Context, _ string, recipient, subject, _ string, text string) error {
	email.mu.Lock()
	defer email.mu.Unlock()

	email.calls = append(email.calls, emailCall{recipient: recipient, subject: subject, text: text})

	if err, ok := email.failFor[recipient]; ok {
		return err
	}

	return nil
}

type fakeSegments struct {
	recipients map[string][]string
}

func (segments *fakeSegments) ResolveRecipients(_ context.Context, _ string, audienceID string) ([]string, error) {
	return segments.recipients[audienceID], nil
}

type fakeAudit struct {
	mu      sync.Mutex
	records []*AuditRecord
}

func (audit *fakeAudit) RecordDispatch(_ context.Context, record *AuditRecord) error {
	audit.mu.Lock()
	defer audit.mu.Unlock()

	audit.records = append(audit.records, record)

	return nil
}

func notifyItem(t *testing.T, eventType string, payload any) *outbox.QueueItem {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	item, err := outbox.NewQueueItem("tenant-1", eventType, raw)
	require.NoError(t, err)

	return item
}

func newTestDispatcher(t *testing.T, queue *fakeQueue, push *fakePush, email *fakeEmail, clock *fakeClock, opts ...Option) *Dispatcher {
	t.Helper()

	opts = append([]Option{WithClock(clock.Now)}, opts...)

	dispatcher, err := NewDispatcher(queue, push, email, log.NewNop(), nil, opts...)
	require.NoError(t, err)

	return dispatcher
}

func TestDispatchOnce_BroadcastToAllCustomers(t *testing.T) {
	t.Parallel()

	queue := newFakeQueue()
	item := queue.add(notifyItem(t, EventBroadcast, map[string]any{
		"title":    "Sale for {{segment}}",
		"text":     "Up to {{discount}} percent off",
		"channels": []string{ChannelPush},
		"data":     map[string]any{"segment": "everyone", "discount": 30},
	}))

	push := &fakePush{}
	email := &fakeEmail{}
	audit := &fakeAudit{}
	clock := newFakeClock()
	dispatcher := newTestDispatcher(t, queue, push, email, clock, WithAuditRecorder(audit))

	result := dispatcher.DispatchOnce(context.Background())

	assert.Equal(t, 1, result.Sent)

	require.Len(t, push.broadcasts, 1)
	assert.Equal(t, "Sale for everyone", push.broadcasts[0].title)
	assert.Equal(t, "Up to 30 percent off", push.broadcasts[0].text)

	final := queue.get(item.ID)
	assert.Equal(t, outbox.StatusSent, final.Status)
	assert.Equal(t, "push sent=1 failed=0", final.LastError)

	require.Len(t, audit.records, 1)
	assert.Equal(t, item.ID, audit.records[0].ItemID)
	assert.False(t, audit.records[0].DryRun)
}

func TestDispatchOnce_BroadcastToAudienceSegment(t *testing.T) {
	t.Parallel()

	queue := newFakeQueue()
	queue.add(notifyItem(t, EventBroadcast, map[string]any{
		"title":      "Hello",
		"text":       "Segment offer",
		"audienceId": "vip",
		"channels":   []string{ChannelPush, ChannelEmail},
		"emailRecipients": []string{"a@example.com", "b@example.com"},
	}))

	push := &fakePush{}
	email := &fakeEmail{failFor: map[string]error{"b@example.com": errors.New("mailbox full")}}
	segments := &fakeSegments{recipients: map[string][]string{"vip": {"c-1", "c-2", "c-3"}}}
	audit := &fakeAudit{}
	clock := newFakeClock()
	dispatcher := newTestDispatcher(t, queue, push, email, clock,
		WithSegmentResolver(segments),
		WithAuditRecorder(audit),
	)

	result := dispatcher.DispatchOnce(context.Background())

	assert.Equal(t, 1, result.Sent)

	require.Len(t, push.calls, 1)
	assert.Equal(t, []string{"c-1", "c-2", "c-3"}, push.calls[0].recipients)
	assert.Len(t, email.calls, 2)

	require.Len(t, audit.records, 1)
	assert.Equal(t, ChannelStats{Attempted: 3, Sent: 3}, audit.records[0].Channels[ChannelPush])
	assert.Equal(t, ChannelStats{Attempted: 2, Sent: 1, Failed: 1}, audit.records[0].Channels[ChannelEmail])
}

func TestDispatchOnce_BroadcastDryRunSendsNothing(t *testing.T) {
	t.Parallel()

	queue := newFakeQueue()
	item := queue.add(notifyItem(t, EventBroadcast, map[string]any{
		"text":   "would send",
		"dryRun": true,
	}))

	push := &fakePush{}
	email := &fakeEmail{}
	audit := &fakeAudit{}
	clock := newFakeClock()
	dispatcher := newTestDispatcher(t, queue, push, email, clock, WithAuditRecorder(audit))

	dispatcher.DispatchOnce(context.Background())

	assert.Empty(t, push.calls)
	assert.Empty(t, push.broadcasts)
	assert.Empty(t, email.calls)

	final := queue.get(item.ID)
	assert.Equal(t, outbox.StatusSent, final.Status)
	assert.Equal(t, "dry run", final.LastError)

	require.Len(t, audit.records, 1)
	assert.True(t, audit.records[0].DryRun)
}

func TestDispatchOnce_ThrottledItemRescheduledOneSecondOut(t *testing.T) {
	t.Parallel()

	queue := newFakeQueue()
	queue.add(notifyItem(t, EventBroadcast, map[string]any{"text": "first"}))
	second := queue.add(notifyItem(t, EventBroadcast, map[string]any{"text": "second"}))

	push := &fakePush{}
	clock := newFakeClock()
	dispatcher := newTestDispatcher(t, queue, push, &fakeEmail{}, clock, WithTenantRPS(1))

	result := dispatcher.DispatchOnce(context.Background())

	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 1, result.Rescheduled)

	throttled := queue.get(second.ID)
	assert.Equal(t, outbox.StatusPending, throttled.Status)
	assert.Equal(t, "throttled", throttled.LastError)
	assert.Zero(t, throttled.Retries, "throttling must not consume the retry budget")
	require.NotNil(t, throttled.NextRetryAt)
	assert.Equal(t, clock.Now().Add(time.Second), *throttled.NextRetryAt)
}

func TestDispatchOnce_UnknownTypeIsClosed(t *testing.T) {
	t.Parallel()

	queue := newFakeQueue()
	item := queue.add(notifyItem(t, "notify.mystery", map[string]any{"x": 1}))

	clock := newFakeClock()
	dispatcher := newTestDispatcher(t, queue, &fakePush{}, &fakeEmail{}, clock)

	result := dispatcher.DispatchOnce(context.Background())

	assert.Equal(t, 1, result.Sent)

	final := queue.get(item.ID)
	assert.Equal(t, outbox.StatusSent, final.Status)
	assert.Equal(t, "unknown notify type", final.LastError)
}

func TestDispatchOnce_HandlerErrorRequeuesWithBackoff(t *testing.T) {
	t.Parallel()

	queue := newFakeQueue()
	// Missing text fails broadcast validation.
	item := queue.add(notifyItem(t, EventBroadcast, map[string]any{"title": "no text"}))

	clock := newFakeClock()
	dispatcher := newTestDispatcher(t, queue, &fakePush{}, &fakeEmail{}, clock)

	result := dispatcher.DispatchOnce(context.Background())

	assert.Equal(t, 1, result.Failed)

	final := queue.get(item.ID)
	assert.Equal(t, outbox.StatusPending, final.Status, "retryable notifications return to PENDING")
	assert.Equal(t, 1, final.Retries)
	require.NotNil(t, final.NextRetryAt)
	assert.True(t, final.NextRetryAt.After(clock.Now()))
}

func TestDispatchOnce_ExhaustedRetriesGoDead(t *testing.T) {
	t.Parallel()

	queue := newFakeQueue()
	item := queue.add(notifyItem(t, EventBroadcast, map[string]any{"title": "no text"}))
	item.Retries = 2

	clock := newFakeClock()
	dispatcher := newTestDispatcher(t, queue, &fakePush{}, &fakeEmail{}, clock, WithMaxRetries(3))

	result := dispatcher.DispatchOnce(context.Background())

	assert.Equal(t, 1, result.Dead)

	final := queue.get(item.ID)
	assert.Equal(t, outbox.StatusDead, final.Status)
	assert.Equal(t, 3, final.Retries)
}

func TestDispatchOnce_RegistrationBonusRendersDefaults(t *testing.T) {
	t.Parallel()

	queue := newFakeQueue()
	queue.add(notifyItem(t, EventRegistrationBonus, map[string]any{
		"customerId":   "c-42",
		"customerName": "Anna",
		"bonusAmount":  150,
	}))

	push := &fakePush{}
	clock := newFakeClock()
	dispatcher := newTestDispatcher(t, queue, push, &fakeEmail{}, clock)

	result := dispatcher.DispatchOnce(context.Background())

	assert.Equal(t, 1, result.Sent)

	require.Len(t, push.calls, 1)
	assert.Equal(t, []string{"c-42"}, push.calls[0].recipients)
	assert.Equal(t, "Anna, you received 150 welcome points", push.calls[0].text)
}

func TestDispatchOnce_StaffDigestMailsEachRecipient(t *testing.T) {
	t.Parallel()

	queue := newFakeQueue()
	item := queue.add(notifyItem(t, EventStaffDigest, map[string]any{
		"recipients": []string{"ops@example.com", "oncall@example.com"},
		"subject":    "Daily digest",
		"lines":      []string{"12 dead letters", "2 stale workers"},
	}))

	email := &fakeEmail{}
	clock := newFakeClock()
	dispatcher := newTestDispatcher(t, queue, &fakePush{}, email, clock)

	result := dispatcher.DispatchOnce(context.Background())

	assert.Equal(t, 1, result.Sent)

	require.Len(t, email.calls, 2)
	assert.Equal(t, "Daily digest", email.calls[0].subject)
	assert.Equal(t, "12 dead letters\n2 stale workers", email.calls[0].text)

	final := queue.get(item.ID)
	assert.Equal(t, "digest sent to 2 of 2", final.LastError)
}

func TestDispatchOnce_TestProbeEmail(t *testing.T) {
	t.Parallel()

	queue := newFakeQueue()
	item := queue.add(notifyItem(t, EventTest, map[string]any{
		"channel": ChannelEmail,
		"email":   "owner@example.com",
	}))

	email := &fakeEmail{}
	clock := newFakeClock()
	dispatcher := newTestDispatcher(t, queue, &fakePush{}, email, clock)

	dispatcher.DispatchOnce(context.Background())

	require.Len(t, email.calls, 1)
	assert.Equal(t, "owner@example.com", email.calls[0].recipient)

	final := queue.get(item.ID)
	assert.Equal(t, outbox.StatusSent, final.Status)
	assert.Equal(t, "test email sent", final.LastError)
}
