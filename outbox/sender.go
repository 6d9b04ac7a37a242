package outbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const defaultDeliveryTimeout = 10 * time.Second

// DeliveryResult is the outcome of one webhook POST attempt.
type DeliveryResult struct {
	StatusCode int
	RetryAfter time.Duration
}

// Succeeded reports whether the endpoint acknowledged the delivery.
func (result *DeliveryResult) Succeeded() bool {
	return result.StatusCode >= 200 && result.StatusCode < 300
}

// CountsAgainstCircuit reports whether the response should feed the
// tenant's circuit breaker. Client errors other than 429 are the tenant's
// handler rejecting the payload, not the endpoint being down.
func (result *DeliveryResult) CountsAgainstCircuit() bool {
	return result.StatusCode >= 500 || result.StatusCode == http.StatusTooManyRequests
}

// Sender performs the outbound webhook call for one claimed item.
type Sender interface {
	Deliver(ctx context.Context, item *QueueItem, endpoint *EndpointConfig) (*DeliveryResult, error)
}

// WebhookSender signs and posts queue item payloads to tenant endpoints.
// Redirects are not followed: the delivery contract is endpoint-exact, and
// a redirect response is treated as a non-2xx failure.
type WebhookSender struct {
	client *http.Client
	now    func() time.Time
}

// NewWebhookSender creates a sender with a bounded per-request timeout.
func NewWebhookSender(timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}

	return &WebhookSender{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Deliver validates the destination, signs the payload with the endpoint's
// active secret, and posts it. A network or timeout error is returned as
// err; any HTTP response, 2xx or not, is returned as a result.
func (sender *WebhookSender) Deliver(ctx context.Context, item *QueueItem, endpoint *EndpointConfig) (*DeliveryResult, error) {
	if err := ValidateWebhookURL(endpoint.URL); err != nil {
		return nil, err
	}

	unixTs := sender.now().Unix()
	secret, keyID := endpoint.ActiveSecret()
	signature := Sign(secret, unixTs, item.Payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(item.Payload))
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, SignatureHeader(unixTs, signature))
	req.Header.Set(HeaderMerchantID, item.TenantID)
	req.Header.Set(HeaderSignatureTimestamp, strconv.FormatInt(unixTs, 10))
	req.Header.Set(HeaderEventID, item.ID.String())

	if keyID != "" {
		req.Header.Set(HeaderSignatureKeyID, keyID)
	}

	resp, err := sender.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook delivery: %w", err)
	}

	defer resp.Body.Close()

	// Drain so the connection can be reused; the body itself is ignored.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	return &DeliveryResult{
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp, sender.now()),
	}, nil
}

// parseRetryAfter reads the Retry-After header for 429/503 responses,
// supporting both delta-seconds and HTTP-date forms.
func parseRetryAfter(resp *http.Response, now time.Time) time.Duration {
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return 0
	}

	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}

	if seconds, err := strconv.ParseInt(header, 10, 64); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	if at, err := http.ParseTime(header); err == nil && at.After(now) {
		return at.Sub(now)
	}

	return 0
}
