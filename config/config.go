// Package config aggregates every environment knob the dispatch workers
// read: database endpoints, per-worker intervals and flags, retry and
// circuit parameters, throttle overrides, and health thresholds. Load binds
// the environment once at startup and validates the result; workers take
// typed values from here instead of reading the environment themselves.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kh827y/dhtreh-dispatch/env"
	"github.com/kh827y/dhtreh-dispatch/outbox"
)

// Config is the full worker-process configuration.
type Config struct {
	EnvName  string `env:"ENV_NAME" validate:"required,oneof=production staging development local"`
	LogLevel string `env:"LOG_LEVEL"`

	// Database.
	DBPrimaryDSN   string `env:"DB_PRIMARY_DSN" validate:"required"`
	DBReplicaDSN   string `env:"DB_REPLICA_DSN" validate:"required"`
	DBName         string `env:"DB_NAME" validate:"required"`
	MigrationsPath string `env:"DB_MIGRATIONS_PATH"`
	DBMaxOpenConns int    `env:"DB_MAX_OPEN_CONNS" validate:"gte=0"`
	DBMaxIdleConns int    `env:"DB_MAX_IDLE_CONNS" validate:"gte=0"`

	// Worker enable flags. A disabled worker is still registered so the
	// health monitor can report why it is not running.
	OutboxEnabled bool `env:"WORKER_OUTBOX_ENABLED"`
	NotifyEnabled bool `env:"WORKER_NOTIFY_ENABLED"`
	CommsEnabled  bool `env:"WORKER_COMMS_ENABLED"`
	HealthEnabled bool `env:"WORKER_HEALTH_ENABLED"`

	// Outbox dispatcher.
	OutboxInterval        time.Duration `env:"OUTBOX_INTERVAL_MS" validate:"gt=0"`
	OutboxBatchSize       int           `env:"OUTBOX_BATCH_SIZE" validate:"gt=0"`
	OutboxMaxRetries      int           `env:"OUTBOX_MAX_RETRIES" validate:"gt=0"`
	OutboxBackoffBase     time.Duration `env:"OUTBOX_BACKOFF_BASE_MS" validate:"gt=0"`
	OutboxBackoffCap      time.Duration `env:"OUTBOX_BACKOFF_CAP_MS" validate:"gt=0"`
	OutboxStaleAfter      time.Duration `env:"OUTBOX_STALE_AFTER_MS" validate:"gt=0"`
	OutboxDeliveryTimeout time.Duration `env:"OUTBOX_DELIVERY_TIMEOUT_MS" validate:"gt=0"`
	CircuitThreshold      int           `env:"OUTBOX_CIRCUIT_THRESHOLD" validate:"gt=0"`
	CircuitWindow         time.Duration `env:"OUTBOX_CIRCUIT_WINDOW_MS" validate:"gt=0"`
	CircuitCooldown       time.Duration `env:"OUTBOX_CIRCUIT_COOLDOWN_MS" validate:"gt=0"`
	AutoPauseDuration     time.Duration `env:"OUTBOX_AUTO_PAUSE_MS" validate:"gte=0"`
	OutboxConcurrency     int           `env:"OUTBOX_CONCURRENCY" validate:"gt=0"`
	// Raw "type=N,type2=M" lists, parsed into maps by the accessors below.
	OutboxConcurrencyOverrides string `env:"OUTBOX_CONCURRENCY_OVERRIDES"`
	OutboxTenantRPS            int    `env:"OUTBOX_TENANT_RPS" validate:"gte=0"`
	OutboxTenantRPSOverrides   string `env:"OUTBOX_TENANT_RPS_OVERRIDES"`

	// Notification dispatcher.
	NotifyInterval   time.Duration `env:"NOTIFY_INTERVAL_MS" validate:"gt=0"`
	NotifyBatchSize  int           `env:"NOTIFY_BATCH_SIZE" validate:"gt=0"`
	NotifyMaxRetries int           `env:"NOTIFY_MAX_RETRIES" validate:"gt=0"`
	NotifyTenantRPS  int           `env:"NOTIFY_TENANT_RPS" validate:"gte=0"`

	// Communication task dispatcher.
	CommsInterval        time.Duration `env:"COMMS_INTERVAL_MS" validate:"gt=0"`
	CommsBatchSize       int           `env:"COMMS_BATCH_SIZE" validate:"gt=0"`
	CommsMaxAttempts     int           `env:"COMMS_MAX_ATTEMPTS" validate:"gt=0"`
	CommsRetryDelay      time.Duration `env:"COMMS_RETRY_DELAY_MS" validate:"gt=0"`
	CommsStaleAfter      time.Duration `env:"COMMS_STALE_AFTER_MS" validate:"gt=0"`
	CommsPageSize        int           `env:"COMMS_PAGE_SIZE" validate:"gt=0"`
	CommsSendConcurrency int           `env:"COMMS_SEND_CONCURRENCY" validate:"gt=0"`

	// Channel gateways. Workers needing an unconfigured gateway are
	// registered but not started, with the reason surfaced to the health
	// monitor.
	PushGatewayURL     string        `env:"PUSH_GATEWAY_URL" validate:"omitempty,url"`
	EmailGatewayURL    string        `env:"EMAIL_GATEWAY_URL" validate:"omitempty,url"`
	TelegramGatewayURL string        `env:"TELEGRAM_GATEWAY_URL" validate:"omitempty,url"`
	AudienceAPIURL     string        `env:"AUDIENCE_API_URL" validate:"omitempty,url"`
	GatewayTimeout     time.Duration `env:"GATEWAY_TIMEOUT_MS" validate:"gt=0"`

	// Health monitor.
	HealthInterval      time.Duration `env:"HEALTH_INTERVAL_MS" validate:"gt=0"`
	HealthWarmUp        time.Duration `env:"HEALTH_WARMUP_MS" validate:"gt=0"`
	HealthStaleAfter    time.Duration `env:"HEALTH_STALE_AFTER_MS" validate:"gt=0"`
	BacklogThreshold    int64         `env:"HEALTH_BACKLOG_THRESHOLD" validate:"gt=0"`
	DeadThreshold       int64         `env:"HEALTH_DEAD_THRESHOLD" validate:"gt=0"`
	FiveXXPerMin        int64         `env:"HEALTH_5XX_PER_MIN" validate:"gte=0"`
	SlowPerMin          int64         `env:"HEALTH_SLOW_PER_MIN" validate:"gte=0"`
	DeadGrowthPerMin    int64         `env:"HEALTH_DEAD_GROWTH_PER_MIN" validate:"gte=0"`
	AlertWebhookURL     string        `env:"ALERT_WEBHOOK_URL" validate:"omitempty,url"`
	AlertWebhookTimeout time.Duration `env:"ALERT_WEBHOOK_TIMEOUT_MS" validate:"gt=0"`
}

// Default returns the configuration baseline applied before the
// environment is bound.
func Default() Config {
	return Config{
		EnvName:        "local",
		MigrationsPath: "migrations",

		OutboxEnabled: true,
		NotifyEnabled: true,
		CommsEnabled:  true,
		HealthEnabled: true,

		OutboxInterval:        5 * time.Second,
		OutboxBatchSize:       50,
		OutboxMaxRetries:      10,
		OutboxBackoffBase:     2 * time.Second,
		OutboxBackoffCap:      5 * time.Minute,
		OutboxStaleAfter:      10 * time.Minute,
		OutboxDeliveryTimeout: 15 * time.Second,
		CircuitThreshold:      5,
		CircuitWindow:         time.Minute,
		CircuitCooldown:       2 * time.Minute,
		OutboxConcurrency:     4,
		OutboxTenantRPS:       10,

		NotifyInterval:   10 * time.Second,
		NotifyBatchSize:  20,
		NotifyMaxRetries: 5,
		NotifyTenantRPS:  5,

		CommsInterval:        30 * time.Second,
		CommsBatchSize:       5,
		CommsMaxAttempts:     3,
		CommsRetryDelay:      5 * time.Minute,
		CommsStaleAfter:      15 * time.Minute,
		CommsPageSize:        200,
		CommsSendConcurrency: 8,

		GatewayTimeout: 10 * time.Second,

		HealthInterval:      time.Minute,
		HealthWarmUp:        2 * time.Minute,
		HealthStaleAfter:    5 * time.Minute,
		BacklogThreshold:    1000,
		DeadThreshold:       100,
		AlertWebhookTimeout: 5 * time.Second,
	}
}

// Load binds the environment over the defaults and validates the result.
func Load() (Config, error) {
	cfg := Default()

	if err := env.SetConfigFromEnvVars(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to bind environment: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ConcurrencyOverrides parses the per-event-type concurrency list.
func (cfg Config) ConcurrencyOverrides() map[string]int {
	return outbox.ParseOverrides(cfg.OutboxConcurrencyOverrides)
}

// TenantRPSOverrides parses the per-tenant RPS list.
func (cfg Config) TenantRPSOverrides() map[string]int {
	return outbox.ParseOverrides(cfg.OutboxTenantRPSOverrides)
}
