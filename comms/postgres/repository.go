// Package postgres persists communication campaign tasks and their
// per-recipient delivery rows.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/google/uuid"

	"github.com/kh827y/dhtreh-dispatch/comms"
	"github.com/kh827y/dhtreh-dispatch/log"
)

var (
	ErrConnectionRequired       = errors.New("postgres connection is required")
	ErrRepositoryNotInitialized = errors.New("comms repository not initialized")
	ErrLimitMustBePositive      = errors.New("limit must be greater than zero")
	ErrIDRequired               = errors.New("id is required")
	ErrTaskRequired             = errors.New("task is required")
)

const taskColumns = "id, tenant_id, channel, status, payload, audience_id, promotion_id, " +
	"scheduled_at, started_at, completed_at, failed_at, archived_at, attempts, " +
	"total_recipients, sent_count, failed_count, last_error, created_at, updated_at"

const recipientColumns = "id, task_id, tenant_id, customer_id, status, error, sent_at, created_at"

const (
	tasksTable      = `"communication_tasks"`
	recipientsTable = `"communication_recipients"`
)

// TaskRepository persists campaign tasks in PostgreSQL.
type TaskRepository struct {
	db     dbresolver.DB
	logger log.Logger
}

var _ comms.TaskRepository = (*TaskRepository)(nil)

// NewTaskRepository creates a PostgreSQL task repository.
func NewTaskRepository(db dbresolver.DB, logger log.Logger) (*TaskRepository, error) {
	if db == nil {
		return nil, ErrConnectionRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	return &TaskRepository{db: db, logger: logger}, nil
}

func (repo *TaskRepository) initialized() bool {
	return repo != nil && repo.db != nil
}

// Create stores a new campaign task.
func (repo *TaskRepository) Create(ctx context.Context, task *comms.Task) (*comms.Task, error) {
	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if task == nil {
		return nil, ErrTaskRequired
	}

	query := "INSERT INTO " + tasksTable + " (" + taskColumns + ")" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)" +
		" RETURNING " + taskColumns

	row := repo.db.QueryRowContext(ctx, query,
		task.ID,
		task.TenantID,
		task.Channel,
		task.Status,
		[]byte(task.Payload),
		nullableText(task.AudienceID),
		nullableText(task.PromotionID),
		task.ScheduledAt,
		task.StartedAt,
		task.CompletedAt,
		task.FailedAt,
		task.ArchivedAt,
		task.Attempts,
		task.TotalRecipients,
		task.SentCount,
		task.FailedCount,
		nullableText(task.LastError),
		task.CreatedAt,
		task.UpdatedAt,
	)

	created, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("creating campaign task: %w", err)
	}

	return created, nil
}

// GetByID retrieves a campaign task by id.
func (repo *TaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*comms.Task, error) {
	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return nil, ErrIDRequired
	}

	query := "SELECT " + taskColumns + " FROM " + tasksTable + " WHERE id = $1"

	task, err := scanTask(repo.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, comms.ErrTaskNotFound
		}

		return nil, fmt.Errorf("getting campaign task: %w", err)
	}

	return task, nil
}

// ListDueScheduled returns unarchived SCHEDULED tasks that are due, oldest
// first.
func (repo *TaskRepository) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*comms.Task, error) {
	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	query := "SELECT " + taskColumns + " FROM " + tasksTable +
		" WHERE status = $1" +
		" AND (scheduled_at IS NULL OR scheduled_at <= $2)" +
		" AND archived_at IS NULL" +
		" ORDER BY created_at ASC" +
		" LIMIT $3"

	rows, err := repo.db.QueryContext(ctx, query, comms.TaskScheduled, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing due campaign tasks: %w", err)
	}

	defer rows.Close()

	return collectTasks(rows)
}

// ClaimScheduled conditionally transitions SCHEDULED to RUNNING with
// attempts incremented. Zero affected rows means another replica won.
func (repo *TaskRepository) ClaimScheduled(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	if !repo.initialized() {
		return false, ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return false, ErrIDRequired
	}

	query := "UPDATE " + tasksTable +
		" SET status = $1, started_at = $2, attempts = attempts + 1, updated_at = NOW()" +
		" WHERE id = $3 AND status = $4"

	result, err := repo.db.ExecContext(ctx, query, comms.TaskRunning, startedAt, id, comms.TaskScheduled)
	if err != nil {
		return false, fmt.Errorf("claiming campaign task: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming campaign task: %w", err)
	}

	return affected == 1, nil
}

// Complete finalizes a successful run with aggregated counts.
func (repo *TaskRepository) Complete(ctx context.Context, id uuid.UUID, total, sent, failed int) error {
	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	query := "UPDATE " + tasksTable +
		" SET status = $1, completed_at = NOW(), total_recipients = $2, sent_count = $3," +
		" failed_count = $4, last_error = NULL, updated_at = NOW()" +
		" WHERE id = $5"

	if _, err := repo.db.ExecContext(ctx, query, comms.TaskCompleted, total, sent, failed, id); err != nil {
		return fmt.Errorf("completing campaign task: %w", err)
	}

	return nil
}

// Fail records a failed run.
func (repo *TaskRepository) Fail(ctx context.Context, id uuid.UUID, errMsg string) error {
	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	query := "UPDATE " + tasksTable +
		" SET status = $1, failed_at = NOW(), last_error = $2, updated_at = NOW()" +
		" WHERE id = $3"

	if _, err := repo.db.ExecContext(ctx, query, comms.TaskFailed, nullableText(errMsg), id); err != nil {
		return fmt.Errorf("failing campaign task: %w", err)
	}

	return nil
}

// RecoverStaleRunning requeues or terminally fails tasks abandoned in
// RUNNING, depending on their remaining attempts budget.
func (repo *TaskRepository) RecoverStaleRunning(ctx context.Context, olderThan, requeueAt time.Time, maxAttempts int) (int64, int64, error) {
	if !repo.initialized() {
		return 0, 0, ErrRepositoryNotInitialized
	}

	requeueQuery := "UPDATE " + tasksTable +
		" SET status = $1, scheduled_at = $2, last_error = $3, updated_at = NOW()" +
		" WHERE status = $4 AND started_at < $5 AND attempts < $6"

	requeueResult, err := repo.db.ExecContext(ctx, requeueQuery,
		comms.TaskScheduled, requeueAt, "stale running", comms.TaskRunning, olderThan, maxAttempts)
	if err != nil {
		return 0, 0, fmt.Errorf("requeuing stale running tasks: %w", err)
	}

	requeued, err := requeueResult.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("requeuing stale running tasks: %w", err)
	}

	failQuery := "UPDATE " + tasksTable +
		" SET status = $1, failed_at = NOW(), last_error = $2, updated_at = NOW()" +
		" WHERE status = $3 AND started_at < $4 AND attempts >= $5"

	failResult, err := repo.db.ExecContext(ctx, failQuery,
		comms.TaskFailed, "stale running, attempts exhausted", comms.TaskRunning, olderThan, maxAttempts)
	if err != nil {
		return requeued, 0, fmt.Errorf("failing stale running tasks: %w", err)
	}

	failed, err := failResult.RowsAffected()
	if err != nil {
		return requeued, 0, fmt.Errorf("failing stale running tasks: %w", err)
	}

	return requeued, failed, nil
}

// RequeueFailed returns retryable FAILED tasks to SCHEDULED.
func (repo *TaskRepository) RequeueFailed(ctx context.Context, failedBefore time.Time, maxAttempts int) (int64, error) {
	if !repo.initialized() {
		return 0, ErrRepositoryNotInitialized
	}

	query := "UPDATE " + tasksTable +
		" SET status = $1, scheduled_at = NOW(), updated_at = NOW()" +
		" WHERE status = $2 AND failed_at < $3 AND attempts < $4 AND archived_at IS NULL"

	result, err := repo.db.ExecContext(ctx, query,
		comms.TaskScheduled, comms.TaskFailed, failedBefore, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("requeuing failed tasks: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeuing failed tasks: %w", err)
	}

	return affected, nil
}

// RecipientRepository persists per-recipient delivery rows in PostgreSQL.
type RecipientRepository struct {
	db     dbresolver.DB
	logger log.Logger
}

var _ comms.RecipientRepository = (*RecipientRepository)(nil)

// NewRecipientRepository creates a PostgreSQL recipient repository.
func NewRecipientRepository(db dbresolver.DB, logger log.Logger) (*RecipientRepository, error) {
	if db == nil {
		return nil, ErrConnectionRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	return &RecipientRepository{db: db, logger: logger}, nil
}

func (repo *RecipientRepository) initialized() bool {
	return repo != nil && repo.db != nil
}

// Seed inserts PENDING rows for the given customers, ignoring conflicts so
// a concurrently-seeding replica cannot duplicate rows.
func (repo *RecipientRepository) Seed(ctx context.Context, taskID uuid.UUID, tenantID string, customerIDs []string) error {
	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if len(customerIDs) == 0 {
		return nil
	}

	var (
		values strings.Builder
		args   []any
	)

	for i, customerID := range customerIDs {
		if i > 0 {
			values.WriteString(", ")
		}

		base := len(args)
		fmt.Fprintf(&values, "($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4)
		args = append(args, taskID, tenantID, customerID, comms.RecipientPending)
	}

	query := "INSERT INTO " + recipientsTable + " (task_id, tenant_id, customer_id, status)" +
		" VALUES " + values.String() +
		" ON CONFLICT (task_id, customer_id) DO NOTHING"

	if _, err := repo.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("seeding task recipients: %w", err)
	}

	return nil
}

// CountByTask counts a task's recipient rows.
func (repo *RecipientRepository) CountByTask(ctx context.Context, taskID uuid.UUID) (int64, error) {
	if !repo.initialized() {
		return 0, ErrRepositoryNotInitialized
	}

	query := "SELECT COUNT(*) FROM " + recipientsTable + " WHERE task_id = $1"

	var count int64
	if err := repo.db.QueryRowContext(ctx, query, taskID).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting task recipients: %w", err)
	}

	return count, nil
}

// ListDeliverable returns one keyset page of PENDING and FAILED rows.
func (repo *RecipientRepository) ListDeliverable(ctx context.Context, taskID uuid.UUID, afterID int64, limit int) ([]*comms.Recipient, error) {
	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	query := "SELECT " + recipientColumns + " FROM " + recipientsTable +
		" WHERE task_id = $1 AND status IN ($2, $3) AND id > $4" +
		" ORDER BY id ASC" +
		" LIMIT $5"

	rows, err := repo.db.QueryContext(ctx, query,
		taskID, comms.RecipientPending, comms.RecipientFailed, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing deliverable recipients: %w", err)
	}

	defer rows.Close()

	var recipients []*comms.Recipient

	for rows.Next() {
		recipient, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning recipient: %w", err)
		}

		recipients = append(recipients, recipient)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recipients: %w", err)
	}

	return recipients, nil
}

// MarkSent records a successful recipient delivery.
func (repo *RecipientRepository) MarkSent(ctx context.Context, id int64, sentAt time.Time) error {
	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	query := "UPDATE " + recipientsTable +
		" SET status = $1, sent_at = $2, error = NULL" +
		" WHERE id = $3"

	if _, err := repo.db.ExecContext(ctx, query, comms.RecipientSent, sentAt, id); err != nil {
		return fmt.Errorf("marking recipient sent: %w", err)
	}

	return nil
}

// MarkFailed records a failed recipient delivery.
func (repo *RecipientRepository) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	query := "UPDATE " + recipientsTable +
		" SET status = $1, error = $2" +
		" WHERE id = $3"

	if _, err := repo.db.ExecContext(ctx, query, comms.RecipientFailed, nullableText(errMsg), id); err != nil {
		return fmt.Errorf("marking recipient failed: %w", err)
	}

	return nil
}

// CountOutcomes aggregates recipient statuses in one grouped query.
func (repo *RecipientRepository) CountOutcomes(ctx context.Context, taskID uuid.UUID) (int64, int64, int64, error) {
	if !repo.initialized() {
		return 0, 0, 0, ErrRepositoryNotInitialized
	}

	query := "SELECT status, COUNT(*) FROM " + recipientsTable +
		" WHERE task_id = $1 GROUP BY status"

	rows, err := repo.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("counting recipient outcomes: %w", err)
	}

	defer rows.Close()

	var sent, failed, pending int64

	for rows.Next() {
		var (
			status string
			count  int64
		)

		if err := rows.Scan(&status, &count); err != nil {
			return 0, 0, 0, fmt.Errorf("scanning recipient outcomes: %w", err)
		}

		switch status {
		case comms.RecipientSent:
			sent = count
		case comms.RecipientFailed:
			failed = count
		case comms.RecipientPending:
			pending = count
		}
	}

	if err := rows.Err(); err != nil {
		return 0, 0, 0, fmt.Errorf("iterating recipient outcomes: %w", err)
	}

	return sent, failed, pending, nil
}

func scanTask(row interface{ Scan(dest ...any) error }) (*comms.Task, error) {
	var (
		task        comms.Task
		payload     []byte
		audienceID  sql.NullString
		promotionID sql.NullString
		scheduledAt sql.NullTime
		startedAt   sql.NullTime
		completedAt sql.NullTime
		failedAt    sql.NullTime
		archivedAt  sql.NullTime
		lastError   sql.NullString
	)

	err := row.Scan(
		&task.ID,
		&task.TenantID,
		&task.Channel,
		&task.Status,
		&payload,
		&audienceID,
		&promotionID,
		&scheduledAt,
		&startedAt,
		&completedAt,
		&failedAt,
		&archivedAt,
		&task.Attempts,
		&task.TotalRecipients,
		&task.SentCount,
		&task.FailedCount,
		&lastError,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Payload = payload
	task.AudienceID = audienceID.String
	task.PromotionID = promotionID.String
	task.LastError = lastError.String
	task.ScheduledAt = nullableTime(scheduledAt)
	task.StartedAt = nullableTime(startedAt)
	task.CompletedAt = nullableTime(completedAt)
	task.FailedAt = nullableTime(failedAt)
	task.ArchivedAt = nullableTime(archivedAt)

	return &task, nil
}

func scanRecipient(row interface{ Scan(dest ...any) error }) (*comms.Recipient, error) {
	var (
		recipient comms.Recipient
		errText   sql.NullString
		sentAt    sql.NullTime
	)

	err := row.Scan(
		&recipient.ID,
		&recipient.TaskID,
		&recipient.TenantID,
		&recipient.CustomerID,
		&recipient.Status,
		&errText,
		&sentAt,
		&recipient.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	recipient.Error = errText.String
	recipient.SentAt = nullableTime(sentAt)

	return &recipient, nil
}

func collectTasks(rows *sql.Rows) ([]*comms.Task, error) {
	var tasks []*comms.Task

	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning campaign task: %w", err)
		}

		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating campaign tasks: %w", err)
	}

	return tasks, nil
}

func nullableText(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}

	return value
}

func nullableTime(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}

	at := value.Time.UTC()

	return &at
}
