// Package health watches the background workers: each check compares every
// worker's last-tick timestamp against its expected cadence, inspects queue
// depth and dead-letter counts, derives request-rate metrics between
// successive checks, and raises throttled incidents through the alerts
// service. The monitor itself keeps no persisted state.
package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"

	"github.com/kh827y/dhtreh-dispatch/alerts"
	"github.com/kh827y/dhtreh-dispatch/log"
	"github.com/kh827y/dhtreh-dispatch/outbox"
	"github.com/kh827y/dhtreh-dispatch/scheduler"
)

const (
	defaultCheckInterval  = time.Minute
	defaultWarmUp         = 2 * time.Minute
	defaultGlobalStale    = 5 * time.Minute
	defaultBacklogLimit   = 1000
	defaultDeadLimit      = 100
	staleIntervalMultiple = 3
	incidentThrottleMin   = 30
)

// Config controls monitor thresholds.
type Config struct {
	CheckInterval time.Duration
	// WarmUp suppresses staleness incidents right after process start,
	// before workers have had a chance to tick.
	WarmUp time.Duration
	// GlobalStaleThreshold is the floor of the per-worker staleness
	// threshold; slow workers use 3x their own interval when larger.
	GlobalStaleThreshold time.Duration
	// PendingBacklogThreshold raises a critical incident when exceeded.
	PendingBacklogThreshold int64
	// DeadLetterThreshold raises a warning incident when exceeded.
	DeadLetterThreshold int64
	// FiveXXPerMinThreshold bounds server errors per minute between checks.
	FiveXXPerMinThreshold float64
	// SlowPerMinThreshold bounds slow requests per minute between checks.
	SlowPerMinThreshold float64
	// DeadGrowthPerMinThreshold bounds dead-letter growth per minute.
	DeadGrowthPerMinThreshold float64
}

// DefaultConfig returns the baseline monitor configuration.
func DefaultConfig() Config {
	return Config{
		CheckInterval:           defaultCheckInterval,
		WarmUp:                  defaultWarmUp,
		GlobalStaleThreshold:    defaultGlobalStale,
		PendingBacklogThreshold: defaultBacklogLimit,
		DeadLetterThreshold:     defaultDeadLimit,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaults.CheckInterval
	}

	if cfg.WarmUp <= 0 {
		cfg.WarmUp = defaults.WarmUp
	}

	if cfg.GlobalStaleThreshold <= 0 {
		cfg.GlobalStaleThreshold = defaults.GlobalStaleThreshold
	}

	if cfg.PendingBacklogThreshold <= 0 {
		cfg.PendingBacklogThreshold = defaults.PendingBacklogThreshold
	}

	if cfg.DeadLetterThreshold <= 0 {
		cfg.DeadLetterThreshold = defaults.DeadLetterThreshold
	}
}

// WorkerStateSource exposes worker liveness snapshots; *scheduler.Scheduler
// satisfies it.
type WorkerStateSource interface {
	Statuses() []scheduler.WorkerState
}

// QueueStats is the slice of the queue repository the monitor needs;
// outbox.Repository satisfies it.
type QueueStats interface {
	CountByStatus(ctx context.Context, status string) (int64, error)
}

// WorkerReport is one worker's state plus the monitor's staleness verdict.
type WorkerReport struct {
	scheduler.WorkerState
	Stale bool
}

// Snapshot is the observability document one check produces.
type Snapshot struct {
	Workers     []WorkerReport
	Pending     int64
	Dead        int64
	CPUPercent  float64
	MemPercent  float64
	Incidents   []alerts.Incident
	CollectedAt time.Time
}

// Monitor periodically checks worker liveness and queue health.
type Monitor struct {
	workers WorkerStateSource
	queue   QueueStats
	alerts  *alerts.Service
	logger  log.Logger
	cfg     Config
	now     func() time.Time

	startedAt time.Time

	fiveXXCount atomic.Int64
	slowCount   atomic.Int64

	mu            sync.Mutex
	lastCheckAt   time.Time
	lastDeadCount int64
	hasBaseline   bool
}

// MonitorOption mutates monitor configuration at construction.
type MonitorOption func(*Monitor)

// WithConfig replaces the monitor configuration.
func WithConfig(cfg Config) MonitorOption {
	return func(monitor *Monitor) {
		monitor.cfg = cfg
	}
}

// WithClock overrides the monitor's time source.
func WithClock(now func() time.Time) MonitorOption {
	return func(monitor *Monitor) {
		if now != nil {
			monitor.now = now
		}
	}
}

// NewMonitor creates a health monitor. The queue repository may be nil when
// no queue checks are wanted.
func NewMonitor(workers WorkerStateSource, queue QueueStats, alertService *alerts.Service, logger log.Logger, opts ...MonitorOption) *Monitor {
	if logger == nil {
		logger = log.NewNop()
	}

	monitor := &Monitor{
		workers: workers,
		queue:   queue,
		alerts:  alertService,
		logger:  logger,
		cfg:     DefaultConfig(),
		now:     func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(monitor)
		}
	}

	monitor.cfg.normalize()
	monitor.startedAt = monitor.now()

	return monitor
}

// Observe5xx feeds one server-error observation into the derived rate.
func (monitor *Monitor) Observe5xx() {
	monitor.fiveXXCount.Add(1)
}

// ObserveSlowRequest feeds one slow-request observation into the derived
// rate.
func (monitor *Monitor) ObserveSlowRequest() {
	monitor.slowCount.Add(1)
}

// CheckOnce runs one health check and returns its snapshot.
func (monitor *Monitor) CheckOnce(ctx context.Context) Snapshot {
	if monitor == nil {
		return Snapshot{}
	}

	now := monitor.now()

	snapshot := Snapshot{CollectedAt: now}

	monitor.checkWorkers(ctx, now, &snapshot)
	monitor.checkQueue(ctx, now, &snapshot)
	monitor.collectProcessStats(ctx, &snapshot)

	if monitor.alerts != nil {
		snapshot.Incidents = monitor.alerts.Recent()
	}

	return snapshot
}

func (monitor *Monitor) checkWorkers(ctx context.Context, now time.Time, snapshot *Snapshot) {
	if monitor.workers == nil {
		return
	}

	warmedUp := now.Sub(monitor.startedAt) >= monitor.cfg.WarmUp

	for _, state := range monitor.workers.Statuses() {
		stale := warmedUp && monitor.isStale(state, now)

		snapshot.Workers = append(snapshot.Workers, WorkerReport{WorkerState: state, Stale: stale})

		if !stale {
			continue
		}

		monitor.raise(ctx, alerts.Incident{
			Title:    "worker stale: " + state.Name,
			Severity: alerts.SeverityWarn,
			Lines: []string{
				fmt.Sprintf("interval: %s", state.Interval),
				fmt.Sprintf("last tick: %s", formatTickAge(state, now)),
				fmt.Sprintf("lock misses: %d", state.LockMissCount),
			},
			ThrottleKey:     "stale:" + state.Name,
			ThrottleMinutes: incidentThrottleMin,
		})
	}
}

// isStale reports whether an expected worker has missed its cadence. The
// threshold is the larger of the global floor and three times the worker's
// own interval; a worker that never ticked is measured from its start time.
func (monitor *Monitor) isStale(state scheduler.WorkerState, now time.Time) bool {
	if !state.Expected {
		return false
	}

	threshold := monitor.cfg.GlobalStaleThreshold
	if own := state.Interval * staleIntervalMultiple; own > threshold {
		threshold = own
	}

	reference := state.LastTickAt
	if reference == nil {
		if state.StartedAt.IsZero() {
			// Expected but never started at all.
			return true
		}

		reference = &state.StartedAt
	}

	return now.Sub(*reference) > threshold
}

func (monitor *Monitor) checkQueue(ctx context.Context, now time.Time, snapshot *Snapshot) {
	if monitor.queue == nil {
		return
	}

	pending, err := monitor.queue.CountByStatus(ctx, outbox.StatusPending)
	if err != nil {
		log.SafeError(monitor.logger, ctx, "failed to count pending queue items", err, false)
	} else {
		snapshot.Pending = pending

		if pending > monitor.cfg.PendingBacklogThreshold {
			monitor.raise(ctx, alerts.Incident{
				Title:           "queue backlog above threshold",
				Severity:        alerts.SeverityCritical,
				Lines:           []string{fmt.Sprintf("pending: %d (threshold %d)", pending, monitor.cfg.PendingBacklogThreshold)},
				ThrottleKey:     "queue:backlog",
				ThrottleMinutes: incidentThrottleMin,
			})
		}
	}

	dead, err := monitor.queue.CountByStatus(ctx, outbox.StatusDead)
	if err != nil {
		log.SafeError(monitor.logger, ctx, "failed to count dead queue items", err, false)

		return
	}

	snapshot.Dead = dead

	if dead > monitor.cfg.DeadLetterThreshold {
		monitor.raise(ctx, alerts.Incident{
			Title:           "dead letters above threshold",
			Severity:        alerts.SeverityWarn,
			Lines:           []string{fmt.Sprintf("dead: %d (threshold %d)", dead, monitor.cfg.DeadLetterThreshold)},
			ThrottleKey:     "queue:dead",
			ThrottleMinutes: incidentThrottleMin,
		})
	}

	monitor.checkRates(ctx, now, dead)
}

// checkRates derives per-minute rates from the counters accumulated since
// the previous check. The first check only records the baseline.
func (monitor *Monitor) checkRates(ctx context.Context, now time.Time, dead int64) {
	fiveXX := monitor.fiveXXCount.Swap(0)
	slow := monitor.slowCount.Swap(0)

	monitor.mu.Lock()
	elapsed := now.Sub(monitor.lastCheckAt)
	hadBaseline := monitor.hasBaseline
	lastDead := monitor.lastDeadCount

	monitor.lastCheckAt = now
	monitor.lastDeadCount = dead
	monitor.hasBaseline = true
	monitor.mu.Unlock()

	if !hadBaseline || elapsed <= 0 {
		return
	}

	minutes := elapsed.Minutes()

	if monitor.cfg.FiveXXPerMinThreshold > 0 {
		rate := float64(fiveXX) / minutes
		if rate > monitor.cfg.FiveXXPerMinThreshold {
			monitor.raise(ctx, alerts.Incident{
				Title:           "server error rate above threshold",
				Severity:        alerts.SeverityCritical,
				Lines:           []string{fmt.Sprintf("5xx/min: %.1f (threshold %.1f)", rate, monitor.cfg.FiveXXPerMinThreshold)},
				ThrottleKey:     "rate:5xx",
				ThrottleMinutes: incidentThrottleMin,
			})
		}
	}

	if monitor.cfg.SlowPerMinThreshold > 0 {
		rate := float64(slow) / minutes
		if rate > monitor.cfg.SlowPerMinThreshold {
			monitor.raise(ctx, alerts.Incident{
				Title:           "slow request rate above threshold",
				Severity:        alerts.SeverityWarn,
				Lines:           []string{fmt.Sprintf("slow/min: %.1f (threshold %.1f)", rate, monitor.cfg.SlowPerMinThreshold)},
				ThrottleKey:     "rate:slow",
				ThrottleMinutes: incidentThrottleMin,
			})
		}
	}

	if monitor.cfg.DeadGrowthPerMinThreshold > 0 && dead > lastDead {
		rate := float64(dead-lastDead) / minutes
		if rate > monitor.cfg.DeadGrowthPerMinThreshold {
			monitor.raise(ctx, alerts.Incident{
				Title:           "dead letters growing",
				Severity:        alerts.SeverityCritical,
				Lines:           []string{fmt.Sprintf("growth/min: %.1f (threshold %.1f)", rate, monitor.cfg.DeadGrowthPerMinThreshold)},
				ThrottleKey:     "rate:dead_growth",
				ThrottleMinutes: incidentThrottleMin,
			})
		}
	}
}

func (monitor *Monitor) collectProcessStats(ctx context.Context, snapshot *Snapshot) {
	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		snapshot.CPUPercent = percentages[0]
	} else if err != nil {
		log.SafeError(monitor.logger, ctx, "failed to read cpu usage", err, false)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snapshot.MemPercent = vm.UsedPercent
	} else {
		log.SafeError(monitor.logger, ctx, "failed to read memory usage", err, false)
	}
}

// raise forwards an incident; the alerts service owns the per-key cooldown.
func (monitor *Monitor) raise(ctx context.Context, incident alerts.Incident) {
	if monitor.alerts == nil {
		return
	}

	monitor.alerts.NotifyIncident(ctx, incident)
}

func formatTickAge(state scheduler.WorkerState, now time.Time) string {
	if state.LastTickAt == nil {
		return "never"
	}

	return now.Sub(*state.LastTickAt).Truncate(time.Second).String()
}
