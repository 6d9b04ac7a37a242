// Package postgres persists outbox queue items in the shared event_outbox
// table consumed by all dispatcher replicas.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/google/uuid"

	"github.com/kh827y/dhtreh-dispatch/log"
	"github.com/kh827y/dhtreh-dispatch/outbox"
)

var (
	ErrConnectionRequired       = errors.New("postgres connection is required")
	ErrRepositoryNotInitialized = errors.New("outbox repository not initialized")
	ErrLimitMustBePositive      = errors.New("limit must be greater than zero")
	ErrIDRequired               = errors.New("id is required")
	ErrItemRequired             = errors.New("queue item is required")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

const queueColumns = "id, tenant_id, event_type, payload, status, retries, next_retry_at, last_error, created_at, updated_at"

const defaultTableName = "event_outbox"

// Option mutates repository configuration at construction.
type Option func(*Repository)

// WithLogger sets the repository logger.
func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) {
		if logger != nil {
			repo.logger = logger
		}
	}
}

// WithTableName overrides the queue table name.
func WithTableName(tableName string) Option {
	return func(repo *Repository) {
		repo.tableName = tableName
	}
}

// Repository persists queue items in PostgreSQL. All status transitions
// are single-row conditional updates so competing replicas never clobber
// each other's claims.
type Repository struct {
	db        dbresolver.DB
	logger    log.Logger
	tableName string
}

var _ outbox.Repository = (*Repository)(nil)

// NewRepository creates a PostgreSQL queue repository.
func NewRepository(db dbresolver.DB, opts ...Option) (*Repository, error) {
	if db == nil {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{
		db:        db,
		logger:    log.NewNop(),
		tableName: defaultTableName,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	repo.tableName = strings.TrimSpace(repo.tableName)
	if repo.tableName == "" {
		repo.tableName = defaultTableName
	}

	if !identifierPattern.MatchString(repo.tableName) {
		return nil, fmt.Errorf("invalid table name: %q", repo.tableName)
	}

	return repo, nil
}

func (repo *Repository) initialized() bool {
	return repo != nil && repo.db != nil
}

func (repo *Repository) table() string {
	return `"` + repo.tableName + `"`
}

// Create stores a new queue item.
func (repo *Repository) Create(ctx context.Context, item *outbox.QueueItem) (*outbox.QueueItem, error) {
	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if item == nil {
		return nil, ErrItemRequired
	}

	return repo.insert(ctx, repo.db, item)
}

// CreateWithTx stores a new queue item inside the caller's transaction so
// producers enqueue atomically with their business writes.
func (repo *Repository) CreateWithTx(ctx context.Context, tx outbox.Tx, item *outbox.QueueItem) (*outbox.QueueItem, error) {
	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if item == nil {
		return nil, ErrItemRequired
	}

	if tx == nil {
		return nil, errors.New("transaction is required")
	}

	return repo.insert(ctx, tx, item)
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (repo *Repository) insert(ctx context.Context, q execQuerier, item *outbox.QueueItem) (*outbox.QueueItem, error) {
	query := "INSERT INTO " + repo.table() + " (" + queueColumns + ")" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)" +
		" RETURNING " + queueColumns

	row := q.QueryRowContext(ctx, query,
		item.ID,
		item.TenantID,
		item.EventType,
		[]byte(item.Payload),
		item.Status,
		item.Retries,
		item.NextRetryAt,
		nullableText(item.LastError),
		item.CreatedAt,
		item.UpdatedAt,
	)

	created, err := scanQueueItem(row)
	if err != nil {
		return nil, fmt.Errorf("creating queue item: %w", err)
	}

	return created, nil
}

// GetByID retrieves a queue item by id.
func (repo *Repository) GetByID(ctx context.Context, id uuid.UUID) (*outbox.QueueItem, error) {
	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return nil, ErrIDRequired
	}

	query := "SELECT " + queueColumns + " FROM " + repo.table() + " WHERE id = $1"

	item, err := scanQueueItem(repo.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("getting queue item: %w", err)
	}

	return item, nil
}

// ListDue returns due PENDING and FAILED items excluding the given event
// type prefix, oldest first.
func (repo *Repository) ListDue(ctx context.Context, now time.Time, limit int, excludePrefix string) ([]*outbox.QueueItem, error) {
	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	query := "SELECT " + queueColumns + " FROM " + repo.table() +
		" WHERE status IN ($1, $2)" +
		" AND (next_retry_at IS NULL OR next_retry_at <= $3)" +
		" AND event_type NOT LIKE $4" +
		" ORDER BY created_at ASC" +
		" LIMIT $5"

	rows, err := repo.db.QueryContext(ctx, query,
		outbox.StatusPending,
		outbox.StatusFailed,
		now,
		likePrefix(excludePrefix),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing due queue items: %w", err)
	}

	defer rows.Close()

	return collectQueueItems(rows)
}

// ListDueByPrefix returns due PENDING items whose event type has the
// given prefix, oldest first.
func (repo *Repository) ListDueByPrefix(ctx context.Context, now time.Time, limit int, prefix string) ([]*outbox.QueueItem, error) {
	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	query := "SELECT " + queueColumns + " FROM " + repo.table() +
		" WHERE status = $1" +
		" AND (next_retry_at IS NULL OR next_retry_at <= $2)" +
		" AND event_type LIKE $3" +
		" ORDER BY created_at ASC" +
		" LIMIT $4"

	rows, err := repo.db.QueryContext(ctx, query,
		outbox.StatusPending,
		now,
		likePrefix(prefix),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing due notification items: %w", err)
	}

	defer rows.Close()

	return collectQueueItems(rows)
}

// Claim conditionally transitions PENDING|FAILED to SENDING. The affected
// row count decides the race: zero means another replica won.
func (repo *Repository) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	return repo.claim(ctx, id, []string{outbox.StatusPending, outbox.StatusFailed})
}

// ClaimPending is Claim restricted to PENDING items.
func (repo *Repository) ClaimPending(ctx context.Context, id uuid.UUID) (bool, error) {
	return repo.claim(ctx, id, []string{outbox.StatusPending})
}

func (repo *Repository) claim(ctx context.Context, id uuid.UUID, fromStatuses []string) (bool, error) {
	if !repo.initialized() {
		return false, ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return false, ErrIDRequired
	}

	placeholders := make([]string, len(fromStatuses))
	args := []any{outbox.StatusSending, id}

	for i, status := range fromStatuses {
		placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
		args = append(args, status)
	}

	query := "UPDATE " + repo.table() +
		" SET status = $1, updated_at = NOW()" +
		" WHERE id = $2 AND status IN (" + strings.Join(placeholders, ", ") + ")"

	result, err := repo.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("claiming queue item: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming queue item: %w", err)
	}

	return affected == 1, nil
}

// MarkSent finalizes a delivered item. A non-empty note records soft-skip
// reasons such as an unconfigured webhook.
func (repo *Repository) MarkSent(ctx context.Context, id uuid.UUID, note string) error {
	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	query := "UPDATE " + repo.table() +
		" SET status = $1, last_error = $2, next_retry_at = NULL, updated_at = NOW()" +
		" WHERE id = $3"

	if _, err := repo.db.ExecContext(ctx, query, outbox.StatusSent, nullableText(note), id); err != nil {
		return fmt.Errorf("marking queue item sent: %w", err)
	}

	return nil
}

// MarkFailed parks an item for retry with its new retry count and schedule.
func (repo *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, retries int, nextRetryAt time.Time) error {
	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	query := "UPDATE " + repo.table() +
		" SET status = $1, retries = $2, next_retry_at = $3, last_error = $4, updated_at = NOW()" +
		" WHERE id = $5"

	if _, err := repo.db.ExecContext(ctx, query,
		outbox.StatusFailed, retries, nextRetryAt, nullableText(errMsg), id); err != nil {
		return fmt.Errorf("marking queue item failed: %w", err)
	}

	return nil
}

// MarkDead finalizes an item that exhausted its retry budget.
func (repo *Repository) MarkDead(ctx context.Context, id uuid.UUID, errMsg string, retries int) error {
	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	query := "UPDATE " + repo.table() +
		" SET status = $1, retries = $2, next_retry_at = NULL, last_error = $3, updated_at = NOW()" +
		" WHERE id = $4"

	if _, err := repo.db.ExecContext(ctx, query,
		outbox.StatusDead, retries, nullableText(errMsg), id); err != nil {
		return fmt.Errorf("marking queue item dead: %w", err)
	}

	return nil
}

// Requeue returns an item to PENDING while consuming a retry attempt, for
// consumers whose claim matches PENDING only.
func (repo *Repository) Requeue(ctx context.Context, id uuid.UUID, errMsg string, retries int, nextRetryAt time.Time) error {
	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	query := "UPDATE " + repo.table() +
		" SET status = $1, retries = $2, next_retry_at = $3, last_error = $4, updated_at = NOW()" +
		" WHERE id = $5"

	if _, err := repo.db.ExecContext(ctx, query,
		outbox.StatusPending, retries, nextRetryAt, nullableText(errMsg), id); err != nil {
		return fmt.Errorf("requeuing queue item: %w", err)
	}

	return nil
}

// Reschedule returns an item to PENDING with a future retry time without
// consuming a retry attempt.
func (repo *Repository) Reschedule(ctx context.Context, id uuid.UUID, nextRetryAt time.Time, note string) error {
	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	query := "UPDATE " + repo.table() +
		" SET status = $1, next_retry_at = $2, last_error = $3, updated_at = NOW()" +
		" WHERE id = $4"

	if _, err := repo.db.ExecContext(ctx, query,
		outbox.StatusPending, nextRetryAt, nullableText(note), id); err != nil {
		return fmt.Errorf("rescheduling queue item: %w", err)
	}

	return nil
}

// ReclaimStaleSending returns SENDING items older than olderThan to
// PENDING so crashed replicas' claims are eventually retried.
func (repo *Repository) ReclaimStaleSending(ctx context.Context, olderThan time.Time, note string) (int64, error) {
	if !repo.initialized() {
		return 0, ErrRepositoryNotInitialized
	}

	query := "UPDATE " + repo.table() +
		" SET status = $1, last_error = $2, updated_at = NOW()" +
		" WHERE status = $3 AND updated_at < $4"

	result, err := repo.db.ExecContext(ctx, query,
		outbox.StatusPending, nullableText(note), outbox.StatusSending, olderThan)
	if err != nil {
		return 0, fmt.Errorf("reclaiming stale sending items: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaiming stale sending items: %w", err)
	}

	return affected, nil
}

// CountByStatus counts queue items in one status.
func (repo *Repository) CountByStatus(ctx context.Context, status string) (int64, error) {
	if !repo.initialized() {
		return 0, ErrRepositoryNotInitialized
	}

	query := "SELECT COUNT(*) FROM " + repo.table() + " WHERE status = $1"

	var count int64
	if err := repo.db.QueryRowContext(ctx, query, status).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting queue items: %w", err)
	}

	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row rowScanner) (*outbox.QueueItem, error) {
	var (
		item        outbox.QueueItem
		payload     []byte
		nextRetryAt sql.NullTime
		lastError   sql.NullString
	)

	err := row.Scan(
		&item.ID,
		&item.TenantID,
		&item.EventType,
		&payload,
		&item.Status,
		&item.Retries,
		&nextRetryAt,
		&lastError,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Payload = payload

	if nextRetryAt.Valid {
		at := nextRetryAt.Time.UTC()
		item.NextRetryAt = &at
	}

	if lastError.Valid {
		item.LastError = lastError.String
	}

	return &item, nil
}

func collectQueueItems(rows *sql.Rows) ([]*outbox.QueueItem, error) {
	var items []*outbox.QueueItem

	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning queue item: %w", err)
		}

		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating queue items: %w", err)
	}

	return items, nil
}

func nullableText(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}

	return value
}

func likePrefix(prefix string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

	return replacer.Replace(prefix) + "%"
}
