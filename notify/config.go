package notify

import (
	"time"

	"go.opentelemetry.io/otel/metric"
)

const (
	defaultDispatchInterval = 10 * time.Second
	defaultBatchSize        = 20
	defaultMaxRetries       = 5
	defaultBackoffBase      = 5 * time.Second
	defaultBackoffCap       = 10 * time.Minute
	defaultTenantRPS        = 5
	throttleDelay           = time.Second
	noteThrottled           = "throttled"
	noteUnknownType         = "unknown notify type"
	noteDryRun              = "dry run"
)

// Config controls notification dispatch cadence and retry behavior.
type Config struct {
	DispatchInterval time.Duration
	BatchSize        int
	MaxRetries       int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	// TenantRPS bounds notifications processed per tenant per second.
	// Throttled items are rescheduled, not failed.
	TenantRPS     int
	MeterProvider metric.MeterProvider
}

// DefaultConfig returns the baseline notification dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		DispatchInterval: defaultDispatchInterval,
		BatchSize:        defaultBatchSize,
		MaxRetries:       defaultMaxRetries,
		BackoffBase:      defaultBackoffBase,
		BackoffCap:       defaultBackoffCap,
		TenantRPS:        defaultTenantRPS,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = defaults.DispatchInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}

	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaults.BackoffBase
	}

	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaults.BackoffCap
	}
}

// Option mutates dispatcher configuration at construction.
type Option func(*Dispatcher)

// WithDispatchInterval sets the polling interval.
func WithDispatchInterval(interval time.Duration) Option {
	return func(dispatcher *Dispatcher) {
		if interval > 0 {
			dispatcher.cfg.DispatchInterval = interval
		}
	}
}

// WithBatchSize sets the maximum items fetched in one cycle.
func WithBatchSize(size int) Option {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.cfg.BatchSize = size
		}
	}
}

// WithMaxRetries sets the retry budget before items go DEAD.
func WithMaxRetries(maxRetries int) Option {
	return func(dispatcher *Dispatcher) {
		if maxRetries > 0 {
			dispatcher.cfg.MaxRetries = maxRetries
		}
	}
}

// WithBackoff sets the exponential retry base and cap.
func WithBackoff(base, ceiling time.Duration) Option {
	return func(dispatcher *Dispatcher) {
		if base > 0 {
			dispatcher.cfg.BackoffBase = base
		}

		if ceiling > 0 {
			dispatcher.cfg.BackoffCap = ceiling
		}
	}
}

// WithTenantRPS sets the per-tenant notifications-per-second budget.
func WithTenantRPS(rps int) Option {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.TenantRPS = rps
	}
}

// WithSegmentResolver sets the audience resolver collaborator.
func WithSegmentResolver(segments SegmentResolver) Option {
	return func(dispatcher *Dispatcher) {
		dispatcher.segments = segments
	}
}

// WithAuditRecorder sets the dispatch audit collaborator.
func WithAuditRecorder(audit AuditRecorder) Option {
	return func(dispatcher *Dispatcher) {
		dispatcher.audit = audit
	}
}

// WithClock overrides the dispatcher's time source.
func WithClock(now func() time.Time) Option {
	return func(dispatcher *Dispatcher) {
		if now != nil {
			dispatcher.now = now
		}
	}
}

// WithMeterProvider injects a custom meter provider for dispatcher metrics.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.MeterProvider = provider
	}
}
