package postgres

import (
	"context"
	"database/sql"
	"hash/fnv"
	"sync"
)

// AdvisoryLock is a held session-scoped postgres advisory lock. The lock
// pins a dedicated connection for its whole lifetime: pg_advisory_unlock
// only works on the session that acquired the lock, and a pooled *sql.DB
// gives no session affinity.
type AdvisoryLock struct {
	conn *sql.Conn
	k1   int32
	k2   int32

	mu       sync.Mutex
	released bool
}

// LockKey derives the two-int32 advisory lock key for a worker name using
// the 64-bit FNV-1a hash of the name split into its high and low halves.
// The mapping must stay stable across releases: two replicas disagreeing on
// the key for the same name would both run the worker.
func LockKey(name string) (int32, int32) {
	h := fnv.New64a()
	h.Write([]byte(name))
	sum := h.Sum64()

	return int32(uint32(sum >> 32)), int32(uint32(sum))
}

// TryAdvisoryLock attempts to take the advisory lock for name without
// blocking. It returns (lock, true) when the lock was acquired and
// (nil, false) when another session holds it or the store is unreachable.
// Store errors degrade to a missed acquisition so worker ticks skip
// instead of failing.
func TryAdvisoryLock(ctx context.Context, db *sql.DB, name string) (*AdvisoryLock, bool) {
	if db == nil {
		return nil, false
	}

	k1, k2 := LockKey(name)

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, false
	}

	var acquired bool

	err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1, $2)", k1, k2).Scan(&acquired)
	if err != nil || !acquired {
		conn.Close()

		return nil, false
	}

	return &AdvisoryLock{conn: conn, k1: k1, k2: k2}, true
}

// Release unlocks the advisory lock and returns its connection to the pool.
// It is idempotent and safe to defer on every exit path.
func (l *AdvisoryLock) Release(ctx context.Context) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return
	}

	l.released = true

	// Unlock errors are ignored: closing the connection releases the
	// session-scoped lock regardless.
	_, _ = l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1, $2)", l.k1, l.k2)
	_ = l.conn.Close()
}
