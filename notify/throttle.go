package notify

import (
	"sync"
	"time"
)

type throttleWindow struct {
	start time.Time
	count int
}

// rpsThrottle enforces a per-tenant notifications-per-second budget over a
// sliding 1-second window. State is per replica; the shared queue absorbs
// any cross-replica overshoot via rescheduling.
type rpsThrottle struct {
	limit int
	now   func() time.Time

	mu      sync.Mutex
	windows map[string]*throttleWindow
}

func newRPSThrottle(limit int, now func() time.Time) *rpsThrottle {
	return &rpsThrottle{
		limit:   limit,
		now:     now,
		windows: make(map[string]*throttleWindow),
	}
}

// Allow consumes one slot from the tenant's current window, reporting false
// when the budget is spent.
func (throttle *rpsThrottle) Allow(tenantID string) bool {
	if throttle.limit <= 0 {
		return true
	}

	throttle.mu.Lock()
	defer throttle.mu.Unlock()

	now := throttle.now()

	window, ok := throttle.windows[tenantID]
	if !ok || now.Sub(window.start) >= time.Second {
		throttle.windows[tenantID] = &throttleWindow{start: now, count: 1}

		return true
	}

	if window.count >= throttle.limit {
		return false
	}

	window.count++

	return true
}
