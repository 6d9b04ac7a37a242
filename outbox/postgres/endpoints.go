package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bxcodec/dbresolver/v2"

	"github.com/kh827y/dhtreh-dispatch/outbox"
)

const endpointsTable = `"webhook_endpoints"`

// EndpointStore reads per-tenant webhook endpoint configuration and writes
// back delivery pauses. The rows are owned by the tenant-settings surface;
// the dispatcher only reads them and updates paused_until on auto-pause.
type EndpointStore struct {
	db dbresolver.DB
}

var (
	_ outbox.EndpointProvider = (*EndpointStore)(nil)
	_ outbox.Pauser           = (*EndpointStore)(nil)
)

// NewEndpointStore creates a PostgreSQL endpoint configuration store.
func NewEndpointStore(db dbresolver.DB) (*EndpointStore, error) {
	if db == nil {
		return nil, ErrConnectionRequired
	}

	return &EndpointStore{db: db}, nil
}

// Endpoint returns the tenant's webhook configuration, or nil when the
// tenant never configured one.
func (store *EndpointStore) Endpoint(ctx context.Context, tenantID string) (*outbox.EndpointConfig, error) {
	row := store.db.QueryRowContext(ctx,
		`SELECT url, secret, secret_next, key_id, key_id_next, use_next_secret, paused_until
		 FROM `+endpointsTable+` WHERE tenant_id = $1`,
		tenantID)

	var (
		endpoint    outbox.EndpointConfig
		secretNext  sql.NullString
		keyID       sql.NullString
		keyIDNext   sql.NullString
		pausedUntil sql.NullTime
	)

	err := row.Scan(&endpoint.URL, &endpoint.Secret, &secretNext, &keyID, &keyIDNext,
		&endpoint.UseNextSecret, &pausedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load endpoint for tenant %s: %w", tenantID, err)
	}

	endpoint.SecretNext = secretNext.String
	endpoint.KeyID = keyID.String
	endpoint.KeyIDNext = keyIDNext.String

	if pausedUntil.Valid {
		at := pausedUntil.Time
		endpoint.PausedUntil = &at
	}

	return &endpoint, nil
}

// PauseTenant persists a delivery pause so it survives dispatcher restarts.
func (store *EndpointStore) PauseTenant(ctx context.Context, tenantID string, until time.Time) error {
	if _, err := store.db.ExecContext(ctx,
		`UPDATE `+endpointsTable+` SET paused_until = $1, updated_at = NOW() WHERE tenant_id = $2`,
		until, tenantID); err != nil {
		return fmt.Errorf("failed to pause tenant %s: %w", tenantID, err)
	}

	return nil
}
