//go:build unit

package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	current time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
}

func (clock *fakeClock) Now() time.Time {
	return clock.current
}

func (clock *fakeClock) Advance(d time.Duration) {
	clock.current = clock.current.Add(d)
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	breaker := newCircuitBreaker(3, time.Minute, 2*time.Minute, clock.Now)

	_, opened := breaker.RecordFailure("tenant-1")
	assert.False(t, opened)

	_, opened = breaker.RecordFailure("tenant-1")
	assert.False(t, opened)

	openUntil, opened := breaker.RecordFailure("tenant-1")
	require.True(t, opened)
	assert.Equal(t, clock.Now().Add(2*time.Minute), openUntil)

	until, open := breaker.OpenUntil("tenant-1")
	require.True(t, open)
	assert.Equal(t, openUntil, until)
}

func TestCircuitBreaker_ClosesAfterCooldown(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	breaker := newCircuitBreaker(1, time.Minute, 2*time.Minute, clock.Now)

	_, opened := breaker.RecordFailure("tenant-1")
	require.True(t, opened)

	clock.Advance(2*time.Minute + time.Second)

	_, open := breaker.OpenUntil("tenant-1")
	assert.False(t, open)
}

func TestCircuitBreaker_WindowResetsFailureCount(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	breaker := newCircuitBreaker(3, time.Minute, 2*time.Minute, clock.Now)

	breaker.RecordFailure("tenant-1")
	breaker.RecordFailure("tenant-1")

	// Old window expires; the count restarts.
	clock.Advance(2 * time.Minute)

	_, opened := breaker.RecordFailure("tenant-1")
	assert.False(t, opened)

	_, opened = breaker.RecordFailure("tenant-1")
	assert.False(t, opened)

	_, opened = breaker.RecordFailure("tenant-1")
	assert.True(t, opened)
}

func TestCircuitBreaker_SuccessClearsState(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	breaker := newCircuitBreaker(2, time.Minute, 2*time.Minute, clock.Now)

	breaker.RecordFailure("tenant-1")
	breaker.RecordSuccess("tenant-1")

	_, opened := breaker.RecordFailure("tenant-1")
	assert.False(t, opened)
}

func TestCircuitBreaker_TenantsAreIndependent(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	breaker := newCircuitBreaker(1, time.Minute, 2*time.Minute, clock.Now)

	_, opened := breaker.RecordFailure("tenant-1")
	require.True(t, opened)

	_, open := breaker.OpenUntil("tenant-2")
	assert.False(t, open)
	assert.Equal(t, 1, breaker.OpenCount())
}

func TestCircuitBreaker_OpenDoesNotRetrigger(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	breaker := newCircuitBreaker(1, time.Minute, 2*time.Minute, clock.Now)

	_, opened := breaker.RecordFailure("tenant-1")
	require.True(t, opened)

	// Further failures while open must not report another transition.
	_, opened = breaker.RecordFailure("tenant-1")
	assert.False(t, opened)
}
