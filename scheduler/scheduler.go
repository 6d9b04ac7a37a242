// Package scheduler runs periodic background jobs, one timer goroutine per
// job, decoupled from any HTTP serving lifecycle so a workers-only
// deployment can run the same jobs. A per-job re-entrancy guard skips a
// tick while the previous one is still running; it is a flag, not a lock,
// since ticks of one job fire in one goroutine.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kh827y/dhtreh-dispatch/log"
	"github.com/kh827y/dhtreh-dispatch/runtime"
)

var (
	ErrJobNameRequired     = errors.New("job name is required")
	ErrJobRunRequired      = errors.New("job run function is required")
	ErrJobIntervalRequired = errors.New("job interval must be positive")
	ErrJobAlreadyExists    = errors.New("job with this name is already registered")
	ErrAlreadyStarted      = errors.New("scheduler is already started")
)

// Job is one periodic background worker.
type Job struct {
	Name     string
	Interval time.Duration
	// Expected marks whether this worker is supposed to run given current
	// configuration. Unexpected jobs are registered but never started,
	// and Reason explains why to the health monitor.
	Expected bool
	Reason   string
	Run      func(ctx context.Context, status *Status) error
}

type registeredJob struct {
	job      Job
	status   *Status
	inFlight atomic.Bool
}

// Scheduler owns the job timer goroutines.
type Scheduler struct {
	logger log.Logger
	now    func() time.Time

	mu      sync.Mutex
	jobs    []*registeredJob
	byName  map[string]*registeredJob
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// SchedulerOption mutates scheduler configuration at construction.
type SchedulerOption func(*Scheduler)

// WithClock overrides the scheduler's time source.
func WithClock(now func() time.Time) SchedulerOption {
	return func(scheduler *Scheduler) {
		if now != nil {
			scheduler.now = now
		}
	}
}

// New creates a scheduler.
func New(logger log.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = log.NewNop()
	}

	scheduler := &Scheduler{
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		byName: make(map[string]*registeredJob),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(scheduler)
		}
	}

	return scheduler
}

// Register adds a job and returns its status handle. Jobs must be
// registered before Start.
func (scheduler *Scheduler) Register(job Job) (*Status, error) {
	if strings.TrimSpace(job.Name) == "" {
		return nil, ErrJobNameRequired
	}

	if job.Run == nil {
		return nil, ErrJobRunRequired
	}

	if job.Interval <= 0 {
		return nil, ErrJobIntervalRequired
	}

	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()

	if scheduler.started {
		return nil, ErrAlreadyStarted
	}

	if _, exists := scheduler.byName[job.Name]; exists {
		return nil, ErrJobAlreadyExists
	}

	registered := &registeredJob{
		job:    job,
		status: newStatus(job.Name, job.Interval, job.Expected, job.Reason, scheduler.now),
	}

	scheduler.jobs = append(scheduler.jobs, registered)
	scheduler.byName[job.Name] = registered

	return registered.status, nil
}

// Start launches one timer goroutine per expected job.
func (scheduler *Scheduler) Start(ctx context.Context) error {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()

	if scheduler.started {
		return ErrAlreadyStarted
	}

	scheduler.started = true

	runCtx, cancel := context.WithCancel(ctx)
	scheduler.cancel = cancel

	for _, registered := range scheduler.jobs {
		if !registered.job.Expected {
			scheduler.logger.Log(runCtx, log.LevelInfo, "job not started",
				log.String("job", registered.job.Name),
				log.String("reason", registered.job.Reason),
			)

			continue
		}

		registered.status.markStarted(scheduler.now())

		scheduler.wg.Add(1)

		job := registered

		runtime.SafeGo(runCtx, scheduler.logger, "scheduler."+job.job.Name, func(ctx context.Context) {
			defer scheduler.wg.Done()

			scheduler.runLoop(ctx, job)
		})
	}

	scheduler.logger.Log(runCtx, log.LevelInfo, "scheduler started",
		log.Int("jobs", len(scheduler.jobs)))

	return nil
}

// Stop cancels all job loops and waits for in-flight ticks to finish or
// the context to expire.
func (scheduler *Scheduler) Stop(ctx context.Context) error {
	scheduler.mu.Lock()

	if !scheduler.started {
		scheduler.mu.Unlock()

		return nil
	}

	scheduler.started = false
	cancel := scheduler.cancel
	scheduler.cancel = nil
	scheduler.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})

	go func() {
		scheduler.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Statuses returns a snapshot of every registered job's worker state.
func (scheduler *Scheduler) Statuses() []WorkerState {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()

	states := make([]WorkerState, 0, len(scheduler.jobs))

	for _, registered := range scheduler.jobs {
		states = append(states, registered.status.Snapshot())
	}

	return states
}

func (scheduler *Scheduler) runLoop(ctx context.Context, registered *registeredJob) {
	defer registered.status.markStopped()

	ticker := time.NewTicker(registered.job.Interval)
	defer ticker.Stop()

	// First tick immediately so a fresh deployment starts draining work
	// without waiting a full interval.
	scheduler.runTick(ctx, registered)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scheduler.runTick(ctx, registered)
		}
	}
}

func (scheduler *Scheduler) runTick(ctx context.Context, registered *registeredJob) {
	if ctx.Err() != nil {
		return
	}

	if !registered.inFlight.CompareAndSwap(false, true) {
		scheduler.logger.Log(ctx, log.LevelDebug, "tick skipped, previous still running",
			log.String("job", registered.job.Name))

		return
	}

	defer registered.inFlight.Store(false)
	defer runtime.RecoverWithPolicyAndContext(ctx, scheduler.logger, registered.job.Name, runtime.KeepRunning)

	registered.status.MarkTick()

	if err := registered.job.Run(ctx, registered.status); err != nil {
		log.SafeError(scheduler.logger, ctx, "job tick failed: "+registered.job.Name, err, false)
	}
}
