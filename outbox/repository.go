package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx aliases *sql.Tx so producers can append queue items inside their own
// business transaction without a hidden adapter layer.
type Tx = *sql.Tx

// Repository defines persistence operations for queue items. All status
// transitions out of SENDING belong exclusively to the dispatcher that
// claimed the item.
type Repository interface {
	Create(ctx context.Context, item *QueueItem) (*QueueItem, error)
	CreateWithTx(ctx context.Context, tx Tx, item *QueueItem) (*QueueItem, error)
	GetByID(ctx context.Context, id uuid.UUID) (*QueueItem, error)

	// ListDue returns PENDING and FAILED items whose NextRetryAt has
	// elapsed (or is null), excluding event types with the given prefix,
	// ordered by CreatedAt ascending.
	ListDue(ctx context.Context, now time.Time, limit int, excludePrefix string) ([]*QueueItem, error)

	// ListDueByPrefix is ListDue restricted to event types with the given
	// prefix and to PENDING items only.
	ListDueByPrefix(ctx context.Context, now time.Time, limit int, prefix string) ([]*QueueItem, error)

	// Claim conditionally transitions PENDING|FAILED to SENDING. It
	// returns false when another replica already holds the claim or the
	// item reached a terminal state.
	Claim(ctx context.Context, id uuid.UUID) (bool, error)

	// ClaimPending is Claim restricted to PENDING items.
	ClaimPending(ctx context.Context, id uuid.UUID) (bool, error)

	MarkSent(ctx context.Context, id uuid.UUID, note string) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, retries int, nextRetryAt time.Time) error
	MarkDead(ctx context.Context, id uuid.UUID, errMsg string, retries int) error

	// Requeue returns an item to PENDING while consuming a retry attempt.
	// Consumers whose claim is PENDING-only retry through this instead of
	// MarkFailed.
	Requeue(ctx context.Context, id uuid.UUID, errMsg string, retries int, nextRetryAt time.Time) error

	// Reschedule returns an item to PENDING with a future NextRetryAt
	// without consuming a retry attempt.
	Reschedule(ctx context.Context, id uuid.UUID, nextRetryAt time.Time, note string) error

	// ReclaimStaleSending returns items stuck in SENDING since before
	// olderThan back to PENDING and reports how many were reclaimed.
	ReclaimStaleSending(ctx context.Context, olderThan time.Time, note string) (int64, error)

	CountByStatus(ctx context.Context, status string) (int64, error)
}
