package comms

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskRepository persists campaign tasks. Status transitions are single-row
// conditional updates so competing replicas never double-run a task even
// when the advisory lock is lost.
type TaskRepository interface {
	Create(ctx context.Context, task *Task) (*Task, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Task, error)

	// ListDueScheduled returns unarchived SCHEDULED tasks whose
	// ScheduledAt is null or elapsed, oldest first.
	ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*Task, error)

	// ClaimScheduled conditionally transitions SCHEDULED to RUNNING,
	// incrementing Attempts and stamping StartedAt. Returns false when
	// another replica already claimed the task.
	ClaimScheduled(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error)

	// Complete finalizes a successful run with aggregated counts.
	Complete(ctx context.Context, id uuid.UUID, total, sent, failed int) error

	// Fail records a failed run; the requeue pass may later return the
	// task to SCHEDULED while attempts remain.
	Fail(ctx context.Context, id uuid.UUID, errMsg string) error

	// RecoverStaleRunning handles tasks stuck RUNNING since before
	// olderThan: requeued to SCHEDULED at requeueAt when attempts <
	// maxAttempts, failed terminally otherwise. Returns how many took
	// each path.
	RecoverStaleRunning(ctx context.Context, olderThan, requeueAt time.Time, maxAttempts int) (requeued, failed int64, err error)

	// RequeueFailed returns FAILED tasks whose FailedAt predates
	// failedBefore back to SCHEDULED while attempts < maxAttempts.
	RequeueFailed(ctx context.Context, failedBefore time.Time, maxAttempts int) (int64, error)
}

// RecipientRepository persists per-recipient delivery rows.
type RecipientRepository interface {
	// Seed inserts PENDING rows for the given customers. Seeding is
	// skipped entirely when the task already has rows, so a resumed task
	// keeps its earlier outcomes.
	Seed(ctx context.Context, taskID uuid.UUID, tenantID string, customerIDs []string) error

	CountByTask(ctx context.Context, taskID uuid.UUID) (int64, error)

	// ListDeliverable returns PENDING and FAILED rows with id > afterID,
	// ordered by id ascending, limited to one page.
	ListDeliverable(ctx context.Context, taskID uuid.UUID, afterID int64, limit int) ([]*Recipient, error)

	MarkSent(ctx context.Context, id int64, sentAt time.Time) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error

	// CountOutcomes aggregates the task's recipient statuses in one
	// grouped query.
	CountOutcomes(ctx context.Context, taskID uuid.UUID) (sent, failed, pending int64, err error)
}
