package scheduler

import (
	"sync"
	"time"
)

// WorkerState is the liveness snapshot one job exposes to the health
// monitor. It lives only in process memory; a restart resets it.
type WorkerState struct {
	Name           string
	Expected       bool
	Reason         string
	Alive          bool
	Interval       time.Duration
	StartedAt      time.Time
	LastTickAt     *time.Time
	LastProgressAt *time.Time
	LastLockMissAt *time.Time
	LockMissCount  int64
}

// Status collects a running job's liveness marks. The job's Run function
// receives it on every tick; the health monitor reads snapshots.
type Status struct {
	mu    sync.Mutex
	state WorkerState
	now   func() time.Time
}

func newStatus(name string, interval time.Duration, expected bool, reason string, now func() time.Time) *Status {
	return &Status{
		state: WorkerState{
			Name:     name,
			Expected: expected,
			Reason:   reason,
			Interval: interval,
		},
		now: now,
	}
}

// MarkTick records that the job's timer fired.
func (status *Status) MarkTick() {
	if status == nil {
		return
	}

	status.mu.Lock()
	defer status.mu.Unlock()

	at := status.now()
	status.state.LastTickAt = &at
}

// MarkProgress records that the job actually did work, as opposed to waking
// up and finding nothing to do or losing the lock.
func (status *Status) MarkProgress() {
	if status == nil {
		return
	}

	status.mu.Lock()
	defer status.mu.Unlock()

	at := status.now()
	status.state.LastProgressAt = &at
}

// MarkLockMiss records that the job skipped a tick because another replica
// holds the advisory lock.
func (status *Status) MarkLockMiss() {
	if status == nil {
		return
	}

	status.mu.Lock()
	defer status.mu.Unlock()

	at := status.now()
	status.state.LastLockMissAt = &at
	status.state.LockMissCount++
}

// Snapshot returns a copy of the current worker state.
func (status *Status) Snapshot() WorkerState {
	if status == nil {
		return WorkerState{}
	}

	status.mu.Lock()
	defer status.mu.Unlock()

	return status.state
}

func (status *Status) markStarted(at time.Time) {
	status.mu.Lock()
	defer status.mu.Unlock()

	status.state.Alive = true
	status.state.StartedAt = at
}

func (status *Status) markStopped() {
	status.mu.Lock()
	defer status.mu.Unlock()

	status.state.Alive = false
}
