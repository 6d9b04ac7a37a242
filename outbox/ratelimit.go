package outbox

import (
	"sync"
	"time"
)

// rateLimiter enforces a per-tenant requests-per-second budget over a
// sliding one-second window. Items over budget are rescheduled to the next
// window, never dropped. Like the circuit breaker, the state is per
// replica: the budget is best-effort backpressure, not a hard cap.
type rateLimiter struct {
	defaultRPS int
	overrides  map[string]int
	now        func() time.Time

	mu      sync.Mutex
	windows map[string]*rateWindow
}

type rateWindow struct {
	start time.Time
	count int
}

func newRateLimiter(defaultRPS int, overrides map[string]int, now func() time.Time) *rateLimiter {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &rateLimiter{
		defaultRPS: defaultRPS,
		overrides:  overrides,
		now:        now,
		windows:    make(map[string]*rateWindow),
	}
}

func (limiter *rateLimiter) limitFor(tenantID string) int {
	if override, ok := limiter.overrides[tenantID]; ok && override > 0 {
		return override
	}

	return limiter.defaultRPS
}

// Allow consumes one slot from the tenant's current window. A non-positive
// limit disables throttling for the tenant.
func (limiter *rateLimiter) Allow(tenantID string) bool {
	limit := limiter.limitFor(tenantID)
	if limit <= 0 {
		return true
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	now := limiter.now()

	window, ok := limiter.windows[tenantID]
	if !ok || now.Sub(window.start) >= time.Second {
		limiter.windows[tenantID] = &rateWindow{start: now, count: 1}

		return true
	}

	if window.count >= limit {
		return false
	}

	window.count++

	return true
}

// NextWindow returns when the tenant's current window rolls over.
func (limiter *rateLimiter) NextWindow(tenantID string) time.Time {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	now := limiter.now()

	window, ok := limiter.windows[tenantID]
	if !ok {
		return now.Add(time.Second)
	}

	next := window.start.Add(time.Second)
	if next.Before(now) {
		return now.Add(time.Second)
	}

	return next
}
