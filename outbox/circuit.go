package outbox

import (
	"sync"
	"time"
)

// circuitState tracks failures for one tenant inside the current window.
// State is per replica and in-memory only: each replica's view is an
// approximation, and the queue's status transitions remain the source of
// truth for retry scheduling.
type circuitState struct {
	fails       int
	windowStart time.Time
	openUntil   time.Time
}

// circuitBreaker opens a tenant's circuit after threshold failures inside
// a sliding window, keeping it open for a cooldown period.
type circuitBreaker struct {
	threshold int
	window    time.Duration
	cooldown  time.Duration
	now       func() time.Time

	mu     sync.Mutex
	states map[string]*circuitState
}

func newCircuitBreaker(threshold int, window, cooldown time.Duration, now func() time.Time) *circuitBreaker {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &circuitBreaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		now:       now,
		states:    make(map[string]*circuitState),
	}
}

// OpenUntil reports whether the tenant's circuit is open and until when.
func (breaker *circuitBreaker) OpenUntil(tenantID string) (time.Time, bool) {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()

	state, ok := breaker.states[tenantID]
	if !ok || state.openUntil.IsZero() {
		return time.Time{}, false
	}

	if !state.openUntil.After(breaker.now()) {
		delete(breaker.states, tenantID)

		return time.Time{}, false
	}

	return state.openUntil, true
}

// RecordFailure counts one delivery failure for the tenant and reports
// whether this failure transitioned the circuit into open.
func (breaker *circuitBreaker) RecordFailure(tenantID string) (time.Time, bool) {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()

	now := breaker.now()

	state, ok := breaker.states[tenantID]
	if !ok {
		state = &circuitState{windowStart: now}
		breaker.states[tenantID] = state
	}

	if now.Sub(state.windowStart) > breaker.window {
		state.windowStart = now
		state.fails = 0
	}

	state.fails++

	alreadyOpen := state.openUntil.After(now)
	if state.fails >= breaker.threshold && !alreadyOpen {
		state.openUntil = now.Add(breaker.cooldown)

		return state.openUntil, true
	}

	return time.Time{}, false
}

// RecordSuccess clears the tenant's failure accounting.
func (breaker *circuitBreaker) RecordSuccess(tenantID string) {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()

	delete(breaker.states, tenantID)
}

// OpenCount returns how many tenants currently have an open circuit.
func (breaker *circuitBreaker) OpenCount() int {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()

	now := breaker.now()
	count := 0

	for _, state := range breaker.states {
		if state.openUntil.After(now) {
			count++
		}
	}

	return count
}
