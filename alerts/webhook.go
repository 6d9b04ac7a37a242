package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

var ErrWebhookURLRequired = errors.New("alert webhook url is required")

const (
	defaultWebhookTimeout = 5 * time.Second
	breakerCooldown       = time.Minute
	breakerFailureCount   = 5
)

// WebhookNotifier posts incidents as JSON to an ops webhook. A circuit
// breaker guards the call so a dead alert channel cannot stall monitor
// ticks with repeated connection timeouts.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewWebhookNotifier creates a webhook notifier for the given ops URL.
func NewWebhookNotifier(url string, timeout time.Duration) (*WebhookNotifier, error) {
	if url == "" {
		return nil, ErrWebhookURLRequired
	}

	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "alerts.webhook",
		Timeout: breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureCount
		},
	})

	return &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}, nil
}

type webhookPayload struct {
	Title    string   `json:"title"`
	Lines    []string `json:"lines,omitempty"`
	Severity string   `json:"severity"`
	RaisedAt string   `json:"raisedAt"`
}

// Notify posts one incident through the breaker.
func (notifier *WebhookNotifier) Notify(ctx context.Context, incident Incident) error {
	_, err := notifier.breaker.Execute(func() (any, error) {
		return nil, notifier.post(ctx, incident)
	})
	if err != nil {
		return fmt.Errorf("alert webhook: %w", err)
	}

	return nil
}

func (notifier *WebhookNotifier) post(ctx context.Context, incident Incident) error {
	body, err := json.Marshal(webhookPayload{
		Title:    incident.Title,
		Lines:    incident.Lines,
		Severity: incident.Severity,
		RaisedAt: incident.RaisedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encode incident: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, notifier.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build incident request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := notifier.client.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("incident endpoint returned status %d", resp.StatusCode)
	}

	return nil
}
