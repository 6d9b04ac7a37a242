//go:build unit

package alerts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kh827y/dhtreh-dispatch/log"
)

type fakeClock struct {
	current time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}
}

func (clock *fakeClock) Now() time.Time {
	return clock.current
}

func (clock *fakeClock) Advance(d time.Duration) {
	clock.current = clock.current.Add(d)
}

type recordingNotifier struct {
	mu        sync.Mutex
	incidents []Incident
}

func (notifier *recordingNotifier) Notify(_ context.Context, incident Incident) error {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()

	notifier.incidents = append(notifier.incidents, incident)

	return nil
}

func (notifier *recordingNotifier) count() int {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()

	return len(notifier.incidents)
}

func TestNotifyIncident_ThrottlesRepeatedKey(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{}
	clock := newFakeClock()
	service := NewService(notifier, log.NewNop(), WithClock(clock.Now))

	incident := Incident{
		Title:           "worker stale: outbox",
		Severity:        SeverityWarn,
		ThrottleKey:     "stale:outbox",
		ThrottleMinutes: 30,
	}

	assert.True(t, service.NotifyIncident(context.Background(), incident))
	assert.False(t, service.NotifyIncident(context.Background(), incident), "repeat inside window is throttled")
	assert.Equal(t, 1, notifier.count())

	clock.Advance(31 * time.Minute)

	assert.True(t, service.NotifyIncident(context.Background(), incident), "repeat after window fires again")
	assert.Equal(t, 2, notifier.count())
}

func TestNotifyIncident_DistinctKeysIndependent(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{}
	clock := newFakeClock()
	service := NewService(notifier, log.NewNop(), WithClock(clock.Now))

	assert.True(t, service.NotifyIncident(context.Background(), Incident{Title: "a", ThrottleKey: "k1"}))
	assert.True(t, service.NotifyIncident(context.Background(), Incident{Title: "b", ThrottleKey: "k2"}))
	assert.Equal(t, 2, notifier.count())
}

func TestNotifyIncident_EmptyKeyNeverThrottled(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{}
	clock := newFakeClock()
	service := NewService(notifier, log.NewNop(), WithClock(clock.Now))

	assert.True(t, service.NotifyIncident(context.Background(), Incident{Title: "one-off"}))
	assert.True(t, service.NotifyIncident(context.Background(), Incident{Title: "one-off"}))
	assert.Equal(t, 2, notifier.count())
}

func TestRecent_BoundedRing(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	service := NewService(nil, log.NewNop(), WithClock(clock.Now))

	for i := 0; i < recentRingSize+10; i++ {
		service.NotifyIncident(context.Background(), Incident{Title: "x"})
	}

	assert.Len(t, service.Recent(), recentRingSize)
}

func TestWebhookNotifier_PostsIncident(t *testing.T) {
	t.Parallel()

	var gotBody string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(server.URL, time.Second)
	require.NoError(t, err)

	err = notifier.Notify(context.Background(), Incident{
		Title:    "queue backlog",
		Lines:    []string{"pending=1200"},
		Severity: SeverityCritical,
		RaisedAt: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.Contains(t, gotBody, `"title":"queue backlog"`)
	assert.Contains(t, gotBody, `"severity":"critical"`)
}

func TestWebhookNotifier_NonSuccessStatusIsError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(server.URL, time.Second)
	require.NoError(t, err)

	assert.Error(t, notifier.Notify(context.Background(), Incident{Title: "x"}))
}

func TestNewWebhookNotifier_RequiresURL(t *testing.T) {
	t.Parallel()

	_, err := NewWebhookNotifier("", time.Second)
	assert.ErrorIs(t, err, ErrWebhookURLRequired)
}
