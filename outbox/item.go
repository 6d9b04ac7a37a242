// Package outbox implements reliable at-least-once delivery of tenant
// domain events to external webhooks. Work items live in a shared queue
// table consumed by competing dispatcher replicas; a conditional claim
// update guarantees exactly-once claiming per attempt, while retry
// bookkeeping, per-tenant circuit breaking, and rate limiting keep
// unreliable endpoints from starving the queue.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Queue item statuses. SENT and DEAD are terminal; FAILED is a retryable
// resting state with NextRetryAt set.
const (
	StatusPending = "PENDING"
	StatusSending = "SENDING"
	StatusSent    = "SENT"
	StatusFailed  = "FAILED"
	StatusDead    = "DEAD"
)

// NotifyEventPrefix marks internal notification events. The webhook
// dispatcher skips them; the notify dispatcher consumes only them.
const NotifyEventPrefix = "notify."

// DefaultMaxPayloadBytes bounds the accepted payload size.
const DefaultMaxPayloadBytes = 1 << 20

// QueueItem is one unit of deliverable work in the outbox queue.
type QueueItem struct {
	ID          uuid.UUID
	TenantID    string
	EventType   string
	Payload     json.RawMessage
	Status      string
	Retries     int
	NextRetryAt *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewQueueItem creates a pending queue item for a tenant event.
func NewQueueItem(tenantID, eventType string, payload json.RawMessage) (*QueueItem, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, ErrTenantIDRequired
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if len(payload) > DefaultMaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	if !json.Valid(payload) {
		return nil, ErrPayloadNotJSON
	}

	now := time.Now().UTC()

	return &QueueItem{
		ID:        uuid.New(),
		TenantID:  tenantID,
		EventType: eventType,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// IsTerminal reports whether the item can never be attempted again.
func (item *QueueItem) IsTerminal() bool {
	return item.Status == StatusSent || item.Status == StatusDead
}

// IsNotification reports whether the item belongs to the notification
// dispatcher's namespace.
func (item *QueueItem) IsNotification() bool {
	return strings.HasPrefix(item.EventType, NotifyEventPrefix)
}

// EndpointConfig is a tenant's webhook destination, consumed read-only by
// the dispatcher. Secret rotation keeps the previous secret active while
// UseNextSecret selects the incoming one.
type EndpointConfig struct {
	URL           string
	Secret        string
	SecretNext    string
	KeyID         string
	KeyIDNext     string
	UseNextSecret bool
	PausedUntil   *time.Time
}

// ActiveSecret returns the signing secret and key id currently in effect.
func (endpoint *EndpointConfig) ActiveSecret() (secret, keyID string) {
	if endpoint.UseNextSecret && endpoint.SecretNext != "" {
		return endpoint.SecretNext, endpoint.KeyIDNext
	}

	return endpoint.Secret, endpoint.KeyID
}

// Paused reports whether deliveries for this endpoint are suspended at now.
func (endpoint *EndpointConfig) Paused(now time.Time) bool {
	return endpoint.PausedUntil != nil && endpoint.PausedUntil.After(now)
}

// EndpointProvider resolves a tenant's webhook endpoint configuration.
// A nil config with nil error means the tenant has no webhook configured.
type EndpointProvider interface {
	Endpoint(ctx context.Context, tenantID string) (*EndpointConfig, error)
}

// Pauser persists a tenant-visible delivery pause so it survives
// dispatcher restarts.
type Pauser interface {
	PauseTenant(ctx context.Context, tenantID string, until time.Time) error
}
