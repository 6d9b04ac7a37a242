// Package runtime provides panic-safety helpers for long-lived background
// goroutines. Worker loops must never take the process down with them.
package runtime

import (
	"context"
	"fmt"
	rt "runtime"

	"github.com/kh827y/dhtreh-dispatch/log"
)

// Policy controls what happens after a panic has been recovered and logged.
type Policy int

const (
	// KeepRunning swallows the panic after logging it.
	KeepRunning Policy = iota
	// CrashProcess re-panics after logging so the process supervisor restarts it.
	CrashProcess
)

const stackBufferSize = 8 << 10

// RecoverWithPolicy recovers a panic in the calling goroutine, logs it with
// a stack trace, and then applies the policy. Use as a deferred call.
func RecoverWithPolicy(logger log.Logger, name string, policy Policy) {
	RecoverWithPolicyAndContext(context.Background(), logger, name, policy)
}

// RecoverWithPolicyAndContext is RecoverWithPolicy with an explicit context
// so the log entry carries trace correlation.
func RecoverWithPolicyAndContext(ctx context.Context, logger log.Logger, name string, policy Policy) {
	value := recover()
	if value == nil {
		return
	}

	logPanic(ctx, logger, name, value)

	if policy == CrashProcess {
		panic(value)
	}
}

// SafeGo runs fn in a new goroutine with panic recovery. A panicking fn is
// logged and the panic swallowed; the rest of the process keeps running.
func SafeGo(ctx context.Context, logger log.Logger, name string, fn func(ctx context.Context)) {
	go func() {
		defer RecoverWithPolicyAndContext(ctx, logger, name, KeepRunning)

		fn(ctx)
	}()
}

func logPanic(ctx context.Context, logger log.Logger, name string, value any) {
	if logger == nil {
		return
	}

	buf := make([]byte, stackBufferSize)
	n := rt.Stack(buf, false)

	logger.Log(ctx, log.LevelError, "panic recovered",
		log.String("goroutine", name),
		log.String("panic", fmt.Sprintf("%v", value)),
		log.String("stack", string(buf[:n])),
	)
}
