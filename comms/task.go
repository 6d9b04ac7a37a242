// Package comms runs multi-recipient communication campaigns: a task
// resolves its audience into per-recipient rows, delivers to each recipient
// through a channel sender, and aggregates the outcomes. The per-recipient
// table makes a task resumable after a crash mid-flight.
package comms

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task statuses. COMPLETED and FAILED are terminal unless a FAILED task
// still has attempts left, in which case the requeue pass returns it to
// SCHEDULED.
const (
	TaskScheduled = "SCHEDULED"
	TaskRunning   = "RUNNING"
	TaskCompleted = "COMPLETED"
	TaskFailed    = "FAILED"
)

// Per-recipient delivery statuses.
const (
	RecipientPending = "PENDING"
	RecipientSent    = "SENT"
	RecipientFailed  = "FAILED"
)

// Campaign delivery channels.
const (
	ChannelTelegram = "TELEGRAM"
	ChannelPush     = "PUSH"
)

// Task is one communication campaign run.
type Task struct {
	ID              uuid.UUID
	TenantID        string
	Channel         string
	Status          string
	Payload         json.RawMessage
	AudienceID      string
	PromotionID     string
	ScheduledAt     *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	FailedAt        *time.Time
	ArchivedAt      *time.Time
	Attempts        int
	TotalRecipients int
	SentCount       int
	FailedCount     int
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewTask creates a scheduled campaign task. A nil scheduledAt means "run
// on the next dispatch cycle".
func NewTask(tenantID, channel string, payload json.RawMessage, scheduledAt *time.Time) (*Task, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, ErrTenantIDRequired
	}

	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil, ErrChannelRequired
	}

	if len(payload) == 0 || !json.Valid(payload) {
		return nil, ErrPayloadInvalid
	}

	now := time.Now().UTC()

	return &Task{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Channel:     channel,
		Status:      TaskScheduled,
		Payload:     payload,
		ScheduledAt: scheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// taskPayload is the message document carried by a task.
type taskPayload struct {
	Text         string         `json:"text"`
	CampaignName string         `json:"campaignName"`
	BonusValue   float64        `json:"bonusValue"`
	Vars         map[string]any `json:"vars"`
}

func (task *Task) decodePayload() (*taskPayload, error) {
	var payload taskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode task payload: %w", err)
	}

	return &payload, nil
}

// Recipient is one per-customer delivery row belonging to a task. The
// numeric id is the keyset-pagination cursor.
type Recipient struct {
	ID         int64
	TaskID     uuid.UUID
	TenantID   string
	CustomerID string
	Status     string
	Error      string
	SentAt     *time.Time
	CreatedAt  time.Time
}

// Sender delivers one rendered campaign message to one customer over a
// concrete channel. Any error is a per-recipient failure; the dispatcher
// never retries a recipient within the same cycle.
type Sender interface {
	Send(ctx context.Context, tenantID, customerID, text string) error
}

// AudienceResolver maps a task's audience to the customer ids bound to the
// task's channel. An empty audienceID means "all customers" and resolves to
// every customer with a channel binding, so the result is always a concrete
// list the task can seed recipient rows from.
type AudienceResolver interface {
	Resolve(ctx context.Context, tenantID, channel, audienceID string) ([]string, error)
}
