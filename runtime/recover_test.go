//go:build unit

package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kh827y/dhtreh-dispatch/log"
)

var errTestPanic = errors.New("test panic")

type recordingLogger struct {
	log.NopLogger

	mu      sync.Mutex
	entries []string
}

func (l *recordingLogger) Enabled(_ log.Level) bool { return true }

func (l *recordingLogger) Log(_ context.Context, _ log.Level, msg string, _ ...log.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, msg)
}

func (l *recordingLogger) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.entries...)
}

func TestRecoverWithPolicy_KeepRunning(t *testing.T) {
	t.Parallel()

	logger := &recordingLogger{}

	require.NotPanics(t, func() {
		defer RecoverWithPolicy(logger, "test", KeepRunning)

		panic(errTestPanic)
	})

	assert.Contains(t, logger.messages(), "panic recovered")
}

func TestRecoverWithPolicy_CrashProcess(t *testing.T) {
	t.Parallel()

	logger := &recordingLogger{}

	require.Panics(t, func() {
		defer RecoverWithPolicy(logger, "test", CrashProcess)

		panic(errTestPanic)
	})

	assert.Contains(t, logger.messages(), "panic recovered")
}

func TestRecoverWithPolicy_NilLogger(t *testing.T) {
	t.Parallel()

	require.NotPanics(t, func() {
		defer RecoverWithPolicy(nil, "test", KeepRunning)

		panic("boom")
	})
}

func TestRecoverWithPolicy_NoPanic(t *testing.T) {
	t.Parallel()

	logger := &recordingLogger{}

	func() {
		defer RecoverWithPolicy(logger, "test", KeepRunning)
	}()

	assert.Empty(t, logger.messages())
}

func TestSafeGo_RecoversPanic(t *testing.T) {
	t.Parallel()

	logger := &recordingLogger{}
	done := make(chan struct{})

	SafeGo(context.Background(), logger, "worker", func(_ context.Context) {
		defer close(done)

		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not finish")
	}
}

func TestSafeGo_RunsFunction(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})

	SafeGo(context.Background(), log.NewNop(), "worker", func(_ context.Context) {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}
