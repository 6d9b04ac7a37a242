// Package postgres manages the database connection pool used by the
// dispatch workers: a primary/replica resolver, startup migrations, and a
// session-scoped advisory-lock primitive for worker mutual exclusion.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kh827y/dhtreh-dispatch/log"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
	defaultMigrationsPath  = "migrations"
)

var (
	dbOpenFn = sql.Open

	createResolverFn = func(primaryDB, replicaDB *sql.DB) (_ dbresolver.DB, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("failed to create resolver: %v", recovered)
			}
		}()

		connectionDB := dbresolver.New(
			dbresolver.WithPrimaryDBs(primaryDB),
			dbresolver.WithReplicaDBs(replicaDB),
			dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
		)

		if connectionDB == nil {
			return nil, errors.New("resolver returned nil connection")
		}

		return connectionDB, nil
	}

	runMigrationsFn = runMigrations

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern                      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Connection is a hub which deals with postgres connections.
type Connection struct {
	ConnectionStringPrimary string
	ConnectionStringReplica string
	PrimaryDBName           string
	MigrationsPath          string
	Logger                  log.Logger
	MaxOpenConnections      int
	MaxIdleConnections      int

	primaryDB    *sql.DB
	connectionDB dbresolver.DB
	connected    bool
	mu           sync.RWMutex
}

func (c *Connection) initDefaults() {
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}

	if c.MaxOpenConnections <= 0 {
		c.MaxOpenConnections = defaultMaxOpenConns
	}

	if c.MaxIdleConnections <= 0 {
		c.MaxIdleConnections = defaultMaxIdleConns
	}

	if c.MigrationsPath == "" {
		c.MigrationsPath = defaultMigrationsPath
	}
}

// Connect opens the primary and replica pools, runs pending migrations on
// the primary, and wires both pools behind a round-robin resolver.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

func (c *Connection) connectLocked(ctx context.Context) error {
	c.initDefaults()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if c.connectionDB != nil {
		if err := c.closeLocked(); err != nil {
			c.Logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect", log.Err(err))
		}
	}

	c.Logger.Log(ctx, log.LevelInfo, "connecting to primary and replica databases")

	dbPrimary, err := dbOpenFn("pgx", c.ConnectionStringPrimary)
	if err != nil {
		sanitizedErr := sanitizeSensitiveError(err)
		c.Logger.Log(ctx, log.LevelError, "failed to connect to primary database", log.String("error", sanitizedErr))

		return fmt.Errorf("failed to connect to primary database: %s", sanitizedErr)
	}

	// Ensure primary is cleaned up if anything downstream fails.
	var success bool

	defer func() {
		if !success {
			dbPrimary.Close()
		}
	}()

	tunePool(dbPrimary, c.MaxOpenConnections, c.MaxIdleConnections)

	dbReplica, err := dbOpenFn("pgx", c.ConnectionStringReplica)
	if err != nil {
		sanitizedErr := sanitizeSensitiveError(err)
		c.Logger.Log(ctx, log.LevelError, "failed to connect to replica database", log.String("error", sanitizedErr))

		return fmt.Errorf("failed to connect to replica database: %s", sanitizedErr)
	}

	defer func() {
		if !success {
			dbReplica.Close()
		}
	}()

	tunePool(dbReplica, c.MaxOpenConnections, c.MaxIdleConnections)

	connectionDB, err := createResolverFn(dbPrimary, dbReplica)
	if err != nil {
		c.Logger.Log(ctx, log.LevelError, "failed to create resolver", log.Err(err))

		return fmt.Errorf("failed to create resolver: %w", err)
	}

	migrationsPath, err := sanitizePath(c.MigrationsPath)
	if err != nil {
		c.Logger.Log(ctx, log.LevelError, "failed to resolve migrations path", log.Err(err))

		return err
	}

	if err := runMigrationsFn(dbPrimary, migrationsPath, c.PrimaryDBName, c.Logger); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before ping: %w", err)
	}

	if err := connectionDB.PingContext(ctx); err != nil {
		c.Logger.Log(ctx, log.LevelError, "failed to ping database", log.Err(err))

		return fmt.Errorf("failed to ping database: %w", err)
	}

	c.primaryDB = dbPrimary
	c.connectionDB = connectionDB
	c.connected = true

	c.Logger.Log(ctx, log.LevelInfo, "connected to postgres")

	success = true

	return nil
}

// GetDB returns the resolver, initializing the connection if necessary.
func (c *Connection) GetDB(ctx context.Context) (dbresolver.DB, error) {
	c.mu.RLock()

	if c.connectionDB != nil {
		db := c.connectionDB
		c.mu.RUnlock()

		return db, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock.
	if c.connectionDB != nil {
		return c.connectionDB, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.connectionDB, nil
}

// Primary returns the primary pool. Advisory locks must run against the
// primary: they are session-scoped and replicas reject lock acquisition.
func (c *Connection) Primary() *sql.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.primaryDB
}

// Close releases database connection resources.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeLocked()
}

func (c *Connection) closeLocked() error {
	if c.connectionDB != nil {
		err := c.connectionDB.Close()
		c.connectionDB = nil
		c.primaryDB = nil
		c.connected = false

		return err
	}

	return nil
}

// IsConnected reports whether the database resolver is initialized.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connected
}

func tunePool(db *sql.DB, maxOpen, maxIdle int) {
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}

func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	parts := strings.Split(cleaned, string(filepath.Separator))

	for _, part := range parts {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	return absPath, nil
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name: %q", name)
	}

	return nil
}

func runMigrations(dbPrimary *sql.DB, migrationsPath, primaryDBName string, logger log.Logger) error {
	ctx := context.Background()

	if err := validateDBName(primaryDBName); err != nil {
		logger.Log(ctx, log.LevelError, "invalid primary database name", log.Err(err))

		return err
	}

	primaryURL, err := url.Parse(filepath.ToSlash(migrationsPath))
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to parse migrations url", log.Err(err))

		return fmt.Errorf("failed to parse migrations url: %w", err)
	}

	primaryURL.Scheme = "file"

	primaryDriver, err := migratepg.WithInstance(dbPrimary, &migratepg.Config{
		DatabaseName: primaryDBName,
		SchemaName:   "public",
	})
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to create postgres driver instance", log.Err(err))

		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(primaryURL.String(), primaryDBName, primaryDriver)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to create migration instance", log.Err(err))

		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(ctx, log.LevelInfo, "no new migrations found, skipping")

			return nil
		}

		if errors.Is(err, os.ErrNotExist) {
			logger.Log(ctx, log.LevelWarn, "no migration files found, skipping migration step")

			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			logger.Log(ctx, log.LevelError, "migration failed with dirty version", log.Int("version", dirtyErr.Version))

			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		logger.Log(ctx, log.LevelError, "migration failed", log.Err(err))

		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}
