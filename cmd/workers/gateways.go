package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// gatewayClient is a thin JSON client for the internal channel gateways
// (push, email, telegram) and the audience service. Gateways live inside
// the platform network, so unlike tenant webhooks their URLs are trusted.
type gatewayClient struct {
	baseURL string
	client  *http.Client
}

func newGatewayClient(baseURL string, timeout time.Duration) *gatewayClient {
	return &gatewayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (gateway *gatewayClient) post(ctx context.Context, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode gateway request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, gateway.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("failed to build gateway request: %w", err)
	}

	request.Header.Set("Content-Type", "application/json")

	response, err := gateway.client.Do(request)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, response.Body)
		_ = response.Body.Close()
	}()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("gateway returned status %d for %s", response.StatusCode, path)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}

	return nil
}

// pushGateway delivers push notifications through the push gateway. It
// serves both the notification fan-out and single-recipient campaign sends.
type pushGateway struct {
	gateway *gatewayClient
}

type pushSendResponse struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

func (push *pushGateway) SendToCustomers(ctx context.Context, tenantID string, customerIDs []string, title, text string, data map[string]string) (int, int, error) {
	var result pushSendResponse

	err := push.gateway.post(ctx, "/push/send", map[string]any{
		"tenantId":    tenantID,
		"customerIds": customerIDs,
		"title":       title,
		"text":        text,
		"data":        data,
	}, &result)
	if err != nil {
		return 0, len(customerIDs), err
	}

	return result.Sent, result.Failed, nil
}

func (push *pushGateway) SendBroadcast(ctx context.Context, tenantID, title, text string, data map[string]string) error {
	return push.gateway.post(ctx, "/push/broadcast", map[string]any{
		"tenantId": tenantID,
		"title":    title,
		"text":     text,
		"data":     data,
	}, nil)
}

// Send delivers one campaign message to one customer, satisfying the
// communication task sender contract for the PUSH channel.
func (push *pushGateway) Send(ctx context.Context, tenantID, customerID, text string) error {
	_, failed, err := push.SendToCustomers(ctx, tenantID, []string{customerID}, "", text, nil)
	if err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("push gateway rejected delivery to customer %s", customerID)
	}

	return nil
}

// emailGateway delivers transactional email through the email gateway.
type emailGateway struct {
	gateway *gatewayClient
}

func (email *emailGateway) Send(ctx context.Context, tenantID, recipient, subject, html, text string) error {
	return email.gateway.post(ctx, "/email/send", map[string]any{
		"tenantId":  tenantID,
		"recipient": recipient,
		"subject":   subject,
		"html":      html,
		"text":      text,
	}, nil)
}

// telegramGateway delivers campaign messages through the chat-bot gateway.
type telegramGateway struct {
	gateway *gatewayClient
}

func (telegram *telegramGateway) Send(ctx context.Context, tenantID, customerID, text string) error {
	return telegram.gateway.post(ctx, "/telegram/send", map[string]any{
		"tenantId":   tenantID,
		"customerId": customerID,
		"text":       text,
	}, nil)
}

// audienceClient resolves audience segments to concrete customer id lists
// through the audience service.
type audienceClient struct {
	gateway *gatewayClient
}

type audienceResolveResponse struct {
	CustomerIDs []string `json:"customerIds"`
}

// ResolveRecipients resolves a notification audience. An empty audience id
// means "all customers", reported as a nil list.
func (audience *audienceClient) ResolveRecipients(ctx context.Context, tenantID, audienceID string) ([]string, error) {
	if strings.TrimSpace(audienceID) == "" {
		return nil, nil
	}

	var result audienceResolveResponse

	err := audience.gateway.post(ctx, "/audiences/resolve", map[string]any{
		"tenantId":   tenantID,
		"audienceId": audienceID,
	}, &result)
	if err != nil {
		return nil, err
	}

	return result.CustomerIDs, nil
}

// Resolve resolves a campaign audience to the customers reachable on the
// given channel. An empty audience id expands to every channel-bound
// customer; the result is always a concrete list.
func (audience *audienceClient) Resolve(ctx context.Context, tenantID, channel, audienceID string) ([]string, error) {
	var result audienceResolveResponse

	err := audience.gateway.post(ctx, "/audiences/resolve", map[string]any{
		"tenantId":   tenantID,
		"channel":    channel,
		"audienceId": audienceID,
	}, &result)
	if err != nil {
		return nil, err
	}

	return result.CustomerIDs, nil
}
