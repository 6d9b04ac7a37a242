// Package alerts raises operational incidents to an external channel.
// Incidents are fire-and-forget: delivery failures are logged, never
// propagated, and a per-key throttle keeps a persistent condition from
// re-alerting on every monitor tick.
package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/kh827y/dhtreh-dispatch/log"
)

// Incident severities.
const (
	SeverityInfo     = "info"
	SeverityWarn     = "warn"
	SeverityCritical = "critical"
)

const (
	defaultThrottleMinutes = 30
	recentRingSize         = 50
)

// Incident is one operational alert.
type Incident struct {
	Title    string
	Lines    []string
	Severity string
	// ThrottleKey deduplicates repeats of the same condition. Empty keys
	// are never throttled.
	ThrottleKey     string
	ThrottleMinutes int
	RaisedAt        time.Time
}

// Notifier delivers one incident to the ops channel.
type Notifier interface {
	Notify(ctx context.Context, incident Incident) error
}

// Service throttles and forwards incidents. It keeps a bounded ring of
// recent incidents for the health snapshot.
type Service struct {
	notifier Notifier
	logger   log.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
	recent   []Incident
}

// ServiceOption mutates service configuration at construction.
type ServiceOption func(*Service)

// WithClock overrides the service's time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(service *Service) {
		if now != nil {
			service.now = now
		}
	}
}

// NewService creates an incident service. A nil notifier keeps throttling
// and the recent ring but sends nothing.
func NewService(notifier Notifier, logger log.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = log.NewNop()
	}

	service := &Service{
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		lastSent: make(map[string]time.Time),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}

	return service
}

// NotifyIncident forwards an incident unless its throttle key fired within
// the throttle window. It reports whether the incident was forwarded.
func (service *Service) NotifyIncident(ctx context.Context, incident Incident) bool {
	if service == nil {
		return false
	}

	now := service.now()
	incident.RaisedAt = now

	if incident.ThrottleMinutes <= 0 {
		incident.ThrottleMinutes = defaultThrottleMinutes
	}

	if !service.admit(incident, now) {
		return false
	}

	if service.notifier != nil {
		if err := service.notifier.Notify(ctx, incident); err != nil {
			log.SafeError(service.logger, ctx, "failed to deliver incident", err, false)
		}
	}

	service.logger.Log(ctx, severityLevel(incident.Severity), "incident raised",
		log.String("title", incident.Title),
		log.String("severity", incident.Severity),
		log.String("throttle_key", incident.ThrottleKey),
	)

	return true
}

// admit applies the throttle and records the incident in the recent ring.
func (service *Service) admit(incident Incident, now time.Time) bool {
	service.mu.Lock()
	defer service.mu.Unlock()

	if incident.ThrottleKey != "" {
		last, seen := service.lastSent[incident.ThrottleKey]
		if seen && now.Sub(last) < time.Duration(incident.ThrottleMinutes)*time.Minute {
			return false
		}

		service.lastSent[incident.ThrottleKey] = now
	}

	service.recent = append(service.recent, incident)
	if len(service.recent) > recentRingSize {
		service.recent = service.recent[len(service.recent)-recentRingSize:]
	}

	return true
}

// Recent returns a copy of the most recently raised incidents, newest last.
func (service *Service) Recent() []Incident {
	if service == nil {
		return nil
	}

	service.mu.Lock()
	defer service.mu.Unlock()

	recent := make([]Incident, len(service.recent))
	copy(recent, service.recent)

	return recent
}

func severityLevel(severity string) log.Level {
	switch severity {
	case SeverityCritical:
		return log.LevelError
	case SeverityWarn:
		return log.LevelWarn
	default:
		return log.LevelInfo
	}
}
