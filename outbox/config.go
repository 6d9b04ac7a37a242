package outbox

import (
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
)

const (
	defaultDispatchInterval  = 5 * time.Second
	defaultBatchSize         = 50
	defaultMaxRetries        = 10
	defaultBackoffBase       = 2 * time.Second
	defaultBackoffCap        = 5 * time.Minute
	defaultStaleAfter        = 10 * time.Minute
	defaultCircuitThreshold  = 5
	defaultCircuitWindow     = time.Minute
	defaultCircuitCooldown   = 2 * time.Minute
	defaultTypeConcurrency   = 4
	defaultTenantRPS         = 10
	concurrencyWildcard      = "*"
	rescheduleJitterBase     = 100 * time.Millisecond
	noteCircuitOpen          = "circuit open"
	noteRateLimited          = "rate limited"
	noteTenantPaused         = "tenant paused"
	noteStaleSending         = "stale sending"
	noteWebhookNotConfigured = "Webhook not configured"
)

// DispatcherConfig controls polling, retry, circuit, and throttle behavior.
type DispatcherConfig struct {
	// DispatchInterval is the periodic interval between dispatch cycles.
	DispatchInterval time.Duration
	// BatchSize is the max number of items fetched per cycle.
	BatchSize int
	// MaxRetries is the retry budget before an item goes DEAD.
	MaxRetries int
	// BackoffBase is the base of the exponential retry schedule.
	BackoffBase time.Duration
	// BackoffCap clamps the exponential retry schedule.
	BackoffCap time.Duration
	// StaleAfter is the age threshold for reclaiming stuck SENDING items.
	StaleAfter time.Duration
	// CircuitThreshold is the failure count that opens a tenant circuit.
	CircuitThreshold int
	// CircuitWindow is the sliding window for circuit failure counting.
	CircuitWindow time.Duration
	// CircuitCooldown is how long an opened circuit stays open.
	CircuitCooldown time.Duration
	// AutoPauseDuration persists a tenant delivery pause when a circuit
	// opens. Zero disables auto-pausing.
	AutoPauseDuration time.Duration
	// DefaultConcurrency is the per-event-type worker count.
	DefaultConcurrency int
	// ConcurrencyOverrides maps event types (or "*") to worker counts.
	ConcurrencyOverrides map[string]int
	// DefaultTenantRPS is the per-tenant deliveries-per-second budget.
	DefaultTenantRPS int
	// TenantRPSOverrides maps tenant ids to custom budgets.
	TenantRPSOverrides map[string]int
	// DeliveryTimeout bounds each outbound webhook call.
	DeliveryTimeout time.Duration
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultDispatcherConfig returns the baseline dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DispatchInterval:   defaultDispatchInterval,
		BatchSize:          defaultBatchSize,
		MaxRetries:         defaultMaxRetries,
		BackoffBase:        defaultBackoffBase,
		BackoffCap:         defaultBackoffCap,
		StaleAfter:         defaultStaleAfter,
		CircuitThreshold:   defaultCircuitThreshold,
		CircuitWindow:      defaultCircuitWindow,
		CircuitCooldown:    defaultCircuitCooldown,
		DefaultConcurrency: defaultTypeConcurrency,
		DefaultTenantRPS:   defaultTenantRPS,
		DeliveryTimeout:    defaultDeliveryTimeout,
	}
}

func (cfg *DispatcherConfig) normalize() {
	defaults := DefaultDispatcherConfig()

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

	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaults.StaleAfter
	}

	if cfg.CircuitThreshold <= 0 {
		cfg.CircuitThreshold = defaults.CircuitThreshold
	}

	if cfg.CircuitWindow <= 0 {
		cfg.CircuitWindow = defaults.CircuitWindow
	}

	if cfg.CircuitCooldown <= 0 {
		cfg.CircuitCooldown = defaults.CircuitCooldown
	}

	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = defaults.DefaultConcurrency
	}

	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaults.DeliveryTimeout
	}
}

// TypeConcurrency resolves the worker count for one event type: an exact
// override wins, then the "*" wildcard, then the default.
func (cfg *DispatcherConfig) TypeConcurrency(eventType string) int {
	if override, ok := cfg.ConcurrencyOverrides[eventType]; ok && override > 0 {
		return override
	}

	if override, ok := cfg.ConcurrencyOverrides[concurrencyWildcard]; ok && override > 0 {
		return override
	}

	return cfg.DefaultConcurrency
}

// ParseOverrides parses a "key=N,key2=M" list into an override map.
// Malformed or non-positive entries are skipped.
func ParseOverrides(raw string) map[string]int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	overrides := make(map[string]int)

	for _, part := range strings.Split(raw, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}

		key = strings.TrimSpace(key)

		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || parsed <= 0 || key == "" {
			continue
		}

		overrides[key] = parsed
	}

	if len(overrides) == 0 {
		return nil
	}

	return overrides
}

// DispatcherOption mutates dispatcher configuration at construction.
type DispatcherOption func(*Dispatcher)

// WithDispatchInterval sets the dispatch polling interval.
func WithDispatchInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if interval > 0 {
			dispatcher.cfg.DispatchInterval = interval
		}
	}
}

// WithBatchSize sets the maximum items fetched in one dispatch cycle.
func WithBatchSize(size int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.cfg.BatchSize = size
		}
	}
}

// WithMaxRetries sets the retry budget before items go DEAD.
func WithMaxRetries(maxRetries int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if maxRetries > 0 {
			dispatcher.cfg.MaxRetries = maxRetries
		}
	}
}

// WithBackoff sets the exponential retry base and cap.
func WithBackoff(base, ceiling time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if base > 0 {
			dispatcher.cfg.BackoffBase = base
		}

		if ceiling > 0 {
			dispatcher.cfg.BackoffCap = ceiling
		}
	}
}

// WithStaleAfter sets the age threshold for reclaiming stuck SENDING items.
func WithStaleAfter(staleAfter time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if staleAfter > 0 {
			dispatcher.cfg.StaleAfter = staleAfter
		}
	}
}

// WithCircuit sets the circuit breaker threshold, window, and cooldown.
func WithCircuit(threshold int, window, cooldown time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if threshold > 0 {
			dispatcher.cfg.CircuitThreshold = threshold
		}

		if window > 0 {
			dispatcher.cfg.CircuitWindow = window
		}

		if cooldown > 0 {
			dispatcher.cfg.CircuitCooldown = cooldown
		}
	}
}

// WithAutoPause persists a tenant delivery pause for the given duration
// whenever that tenant's circuit opens.
func WithAutoPause(duration time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if duration > 0 {
			dispatcher.cfg.AutoPauseDuration = duration
		}
	}
}

// WithConcurrency sets the default per-type worker count and overrides.
func WithConcurrency(defaultConcurrency int, overrides map[string]int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if defaultConcurrency > 0 {
			dispatcher.cfg.DefaultConcurrency = defaultConcurrency
		}

		dispatcher.cfg.ConcurrencyOverrides = overrides
	}
}

// WithTenantRPS sets the default per-tenant RPS budget and overrides.
func WithTenantRPS(defaultRPS int, overrides map[string]int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.DefaultTenantRPS = defaultRPS
		dispatcher.cfg.TenantRPSOverrides = overrides
	}
}

// WithDeliveryTimeout bounds each outbound webhook call.
func WithDeliveryTimeout(timeout time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if timeout > 0 {
			dispatcher.cfg.DeliveryTimeout = timeout
		}
	}
}

// WithPauser sets the collaborator that persists tenant delivery pauses.
func WithPauser(pauser Pauser) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.pauser = pauser
	}
}

// WithClock overrides the dispatcher's time source.
func WithClock(now func() time.Time) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if now != nil {
			dispatcher.now = now
		}
	}
}

// WithMeterProvider injects a custom meter provider for dispatcher metrics.
// Passing nil keeps the default global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.MeterProvider = provider
	}
}
