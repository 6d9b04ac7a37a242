package comms

import (
	"time"

	"go.opentelemetry.io/otel/metric"
)

const (
	defaultDispatchInterval = 30 * time.Second
	defaultBatchSize        = 5
	defaultMaxAttempts      = 3
	defaultRetryDelay       = 5 * time.Minute
	defaultStaleAfter       = 15 * time.Minute
	defaultPageSize         = 200
	defaultSendConcurrency  = 8
	noteStaleRunning        = "stale running"
	noteNoRecipients        = "no recipients delivered"
)

// Config controls campaign dispatch cadence, retry budget, and delivery
// pagination.
type Config struct {
	DispatchInterval time.Duration
	// BatchSize is the max number of tasks started per cycle.
	BatchSize int
	// MaxAttempts bounds how many times one task may enter RUNNING.
	MaxAttempts int
	// RetryDelay spaces out requeues of failed or stale tasks.
	RetryDelay time.Duration
	// StaleAfter is the RUNNING age after which a task counts as abandoned.
	StaleAfter time.Duration
	// PageSize bounds each keyset page of recipients.
	PageSize int
	// SendConcurrency bounds parallel sends within one page.
	SendConcurrency int
	MeterProvider   metric.MeterProvider
}

// DefaultConfig returns the baseline communications dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		DispatchInterval: defaultDispatchInterval,
		BatchSize:        defaultBatchSize,
		MaxAttempts:      defaultMaxAttempts,
		RetryDelay:       defaultRetryDelay,
		StaleAfter:       defaultStaleAfter,
		PageSize:         defaultPageSize,
		SendConcurrency:  defaultSendConcurrency,
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

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}

	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}

	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaults.StaleAfter
	}

	if cfg.PageSize <= 0 {
		cfg.PageSize = defaults.PageSize
	}

	if cfg.SendConcurrency <= 0 {
		cfg.SendConcurrency = defaults.SendConcurrency
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

// WithBatchSize sets the maximum tasks started in one cycle.
func WithBatchSize(size int) Option {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.cfg.BatchSize = size
		}
	}
}

// WithMaxAttempts sets the per-task attempts budget.
func WithMaxAttempts(maxAttempts int) Option {
	return func(dispatcher *Dispatcher) {
		if maxAttempts > 0 {
			dispatcher.cfg.MaxAttempts = maxAttempts
		}
	}
}

// WithRetryDelay sets the delay before a failed or stale task is requeued.
func WithRetryDelay(delay time.Duration) Option {
	return func(dispatcher *Dispatcher) {
		if delay > 0 {
			dispatcher.cfg.RetryDelay = delay
		}
	}
}

// WithStaleAfter sets the RUNNING age threshold for recovery.
func WithStaleAfter(staleAfter time.Duration) Option {
	return func(dispatcher *Dispatcher) {
		if staleAfter > 0 {
			dispatcher.cfg.StaleAfter = staleAfter
		}
	}
}

// WithPageSize sets the keyset pagination page size.
func WithPageSize(size int) Option {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.cfg.PageSize = size
		}
	}
}

// WithSendConcurrency bounds parallel sends within one recipient page.
func WithSendConcurrency(concurrency int) Option {
	return func(dispatcher *Dispatcher) {
		if concurrency > 0 {
			dispatcher.cfg.SendConcurrency = concurrency
		}
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
