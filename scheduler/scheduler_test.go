//go:build unit

package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kh827y/dhtreh-dispatch/log"
)

func TestRegister_Validation(t *testing.T) {
	t.Parallel()

	scheduler := New(log.NewNop())

	run := func(_ context.Context, _ *Status) error { return nil }

	_, err := scheduler.Register(Job{Interval: time.Second, Run: run})
	assert.ErrorIs(t, err, ErrJobNameRequired)

	_, err = scheduler.Register(Job{Name: "a", Interval: time.Second})
	assert.ErrorIs(t, err, ErrJobRunRequired)

	_, err = scheduler.Register(Job{Name: "a", Run: run})
	assert.ErrorIs(t, err, ErrJobIntervalRequired)

	_, err = scheduler.Register(Job{Name: "a", Interval: time.Second, Run: run, Expected: true})
	require.NoError(t, err)

	_, err = scheduler.Register(Job{Name: "a", Interval: time.Second, Run: run, Expected: true})
	assert.ErrorIs(t, err, ErrJobAlreadyExists)
}

func TestScheduler_RunsExpectedJob(t *testing.T) {
	t.Parallel()

	scheduler := New(log.NewNop())

	var ticks atomic.Int64

	_, err := scheduler.Register(Job{
		Name:     "worker",
		Interval: 10 * time.Millisecond,
		Expected: true,
		Run: func(_ context.Context, status *Status) error {
			ticks.Add(1)
			status.MarkProgress()

			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, scheduler.Start(context.Background()))

	assert.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, scheduler.Stop(context.Background()))

	states := scheduler.Statuses()
	require.Len(t, states, 1)
	assert.NotNil(t, states[0].LastTickAt)
	assert.NotNil(t, states[0].LastProgressAt)
	assert.False(t, states[0].Alive, "stopped job reports not alive")
}

func TestScheduler_UnexpectedJobNeverStarts(t *testing.T) {
	t.Parallel()

	scheduler := New(log.NewNop())

	var ticks atomic.Int64

	status, err := scheduler.Register(Job{
		Name:     "disabled",
		Interval: 5 * time.Millisecond,
		Expected: false,
		Reason:   "feature flag off",
		Run: func(_ context.Context, _ *Status) error {
			ticks.Add(1)

			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, scheduler.Start(context.Background()))

	time.Sleep(30 * time.Millisecond)

	require.NoError(t, scheduler.Stop(context.Background()))

	assert.Zero(t, ticks.Load())

	state := status.Snapshot()
	assert.False(t, state.Expected)
	assert.Equal(t, "feature flag off", state.Reason)
	assert.Nil(t, state.LastTickAt)
}

func TestScheduler_ReentrancyGuardSkipsOverlappingTicks(t *testing.T) {
	t.Parallel()

	scheduler := New(log.NewNop())

	var (
		mu         sync.Mutex
		concurrent int
		maxSeen    int
	)

	_, err := scheduler.Register(Job{
		Name:     "slow",
		Interval: 5 * time.Millisecond,
		Expected: true,
		Run: func(_ context.Context, _ *Status) error {
			mu.Lock()
			concurrent++
			if concurrent > maxSeen {
				maxSeen = concurrent
			}
			mu.Unlock()

			time.Sleep(25 * time.Millisecond)

			mu.Lock()
			concurrent--
			mu.Unlock()

			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, scheduler.Start(context.Background()))

	time.Sleep(100 * time.Millisecond)

	require.NoError(t, scheduler.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, 1, maxSeen, "ticks of one job must not overlap")
}

func TestScheduler_PanicInJobKeepsSchedulerRunning(t *testing.T) {
	t.Parallel()

	scheduler := New(log.NewNop())

	var ticks atomic.Int64

	_, err := scheduler.Register(Job{
		Name:     "panicky",
		Interval: 10 * time.Millisecond,
		Expected: true,
		Run: func(_ context.Context, _ *Status) error {
			if ticks.Add(1) == 1 {
				panic("boom")
			}

			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, scheduler.Start(context.Background()))

	assert.Eventually(t, func() bool { return ticks.Load() >= 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, scheduler.Stop(context.Background()))
}

func TestScheduler_JobErrorIsSwallowed(t *testing.T) {
	t.Parallel()

	scheduler := New(log.NewNop())

	var ticks atomic.Int64

	_, err := scheduler.Register(Job{
		Name:     "failing",
		Interval: 10 * time.Millisecond,
		Expected: true,
		Run: func(_ context.Context, _ *Status) error {
			ticks.Add(1)

			return errors.New("store unavailable")
		},
	})
	require.NoError(t, err)

	require.NoError(t, scheduler.Start(context.Background()))

	assert.Eventually(t, func() bool { return ticks.Load() >= 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, scheduler.Stop(context.Background()))
}

func TestScheduler_StartTwiceFails(t *testing.T) {
	t.Parallel()

	scheduler := New(log.NewNop())

	require.NoError(t, scheduler.Start(context.Background()))
	assert.ErrorIs(t, scheduler.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, scheduler.Stop(context.Background()))
}

func TestStatus_MarkLockMiss(t *testing.T) {
	t.Parallel()

	status := newStatus("worker", time.Second, true, "", func() time.Time { return time.Now().UTC() })

	status.MarkLockMiss()
	status.MarkLockMiss()

	state := status.Snapshot()
	assert.Equal(t, int64(2), state.LockMissCount)
	assert.NotNil(t, state.LastLockMissAt)
}
