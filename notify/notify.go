// Package notify dispatches internal notification events (broadcast
// push/email, registration bonuses, staff digests) from the shared outbox
// queue. It consumes only the "notify." event namespace, applies the same
// claim/backoff/DEAD contract as webhook delivery, and fans out to
// channel-specific senders.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Handled notification event types.
const (
	EventBroadcast         = "notify.broadcast"
	EventTest              = "notify.test"
	EventRegistrationBonus = "notify.registration_bonus"
	EventStaffDigest       = "notify.staff_digest"
)

// Delivery channels reported in audit records.
const (
	ChannelPush  = "push"
	ChannelEmail = "email"
)

// PushSender delivers push notifications for a tenant. A send to an
// explicit customer list reports partial outcomes; a broadcast targets the
// tenant's whole topic and succeeds or fails as one unit.
type PushSender interface {
	SendToCustomers(ctx context.Context, tenantID string, customerIDs []string, title, text string, data map[string]string) (sent, failed int, err error)
	SendBroadcast(ctx context.Context, tenantID, title, text string, data map[string]string) error
}

// EmailSender delivers one rendered email.
type EmailSender interface {
	Send(ctx context.Context, tenantID, recipient, subject, html, text string) error
}

// SegmentResolver resolves an audience id to customer ids. A nil slice with
// a nil error means "all customers": the caller must not filter.
type SegmentResolver interface {
	ResolveRecipients(ctx context.Context, tenantID, audienceID string) ([]string, error)
}

// AuditRecorder persists one summary record per processed notification.
type AuditRecorder interface {
	RecordDispatch(ctx context.Context, record *AuditRecord) error
}

// ChannelStats accumulates per-channel delivery outcomes.
type ChannelStats struct {
	Attempted int
	Sent      int
	Failed    int
}

// AuditRecord summarizes one notification dispatch.
type AuditRecord struct {
	ID        uuid.UUID
	ItemID    uuid.UUID
	TenantID  string
	EventType string
	Channels  map[string]ChannelStats
	DryRun    bool
	CreatedAt time.Time
}
