//go:build unit

package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockKey_Stable(t *testing.T) {
	t.Parallel()

	// The name-to-key mapping must never change across releases,
	// otherwise rolling deploys lose mutual exclusion.
	names := []string{
		"worker:outbox-dispatcher",
		"worker:communications-dispatcher",
		"worker:notification-dispatcher",
	}

	for _, name := range names {
		k1a, k2a := LockKey(name)
		k1b, k2b := LockKey(name)

		assert.Equal(t, k1a, k1b)
		assert.Equal(t, k2a, k2b)
	}
}

func TestLockKey_DistinctNames(t *testing.T) {
	t.Parallel()

	k1a, k2a := LockKey("worker:outbox-dispatcher")
	k1b, k2b := LockKey("worker:notification-dispatcher")

	assert.False(t, k1a == k1b && k2a == k2b, "distinct names must map to distinct keys")
}

func TestTryAdvisoryLock_NilDB(t *testing.T) {
	t.Parallel()

	lock, ok := TryAdvisoryLock(context.Background(), nil, "worker:test")

	assert.False(t, ok)
	assert.Nil(t, lock)
}

func TestAdvisoryLockRelease_NilReceiver(t *testing.T) {
	t.Parallel()

	var lock *AdvisoryLock

	assert.NotPanics(t, func() {
		lock.Release(context.Background())
	})
}
