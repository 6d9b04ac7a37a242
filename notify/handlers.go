package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kh827y/dhtreh-dispatch/log"
	"github.com/kh827y/dhtreh-dispatch/outbox"
)

// handleBroadcast fans one campaign message out to the tenant's audience
// over the requested channels and records a single audit summary.
func (dispatcher *Dispatcher) handleBroadcast(ctx context.Context, item *outbox.QueueItem) (string, error) {
	var payload broadcastPayload
	if err := decodePayload(item.Payload, &payload); err != nil {
		return "", err
	}

	if strings.TrimSpace(payload.Text) == "" {
		return "", ErrEmptyMessage
	}

	recipients, err := dispatcher.resolveRecipients(ctx, item.TenantID, payload.AudienceID)
	if err != nil {
		return "", fmt.Errorf("resolve audience: %w", err)
	}

	channels := payload.Channels
	if len(channels) == 0 {
		channels = []string{ChannelPush}
	}

	title := Render(payload.Title, payload.Data)
	text := Render(payload.Text, payload.Data)
	subject := Render(payload.Subject, payload.Data)
	html := Render(payload.HTML, payload.Data)

	if payload.DryRun {
		stats := dryRunStats(channels, recipients, payload.EmailRecipients)
		dispatcher.recordAudit(ctx, item, stats, true)

		return noteDryRun, nil
	}

	stats := make(map[string]ChannelStats, len(channels))

	for _, channel := range channels {
		switch channel {
		case ChannelPush:
			stats[ChannelPush] = dispatcher.sendPush(ctx, item.TenantID, recipients, title, text, payload.PushData)
		case ChannelEmail:
			stats[ChannelEmail] = dispatcher.sendEmails(ctx, item.TenantID, payload.EmailRecipients, subject, html, text)
		default:
			dispatcher.logger.Log(ctx, log.LevelWarn, "skipping unknown broadcast channel",
				log.String("channel", channel),
				log.String("tenant_id", item.TenantID),
			)
		}
	}

	dispatcher.recordAudit(ctx, item, stats, false)

	return summarize(stats), nil
}

// handleTest delivers a single-recipient probe so tenants can verify their
// channel configuration without a real campaign.
func (dispatcher *Dispatcher) handleTest(ctx context.Context, item *outbox.QueueItem) (string, error) {
	var payload testPayload
	if err := decodePayload(item.Payload, &payload); err != nil {
		return "", err
	}

	title := payload.Title
	if title == "" {
		title = "Test notification"
	}

	text := payload.Text
	if text == "" {
		text = "Channel configuration test"
	}

	switch payload.Channel {
	case ChannelEmail:
		if payload.Email == "" {
			return "", ErrNoRecipients
		}

		if err := dispatcher.email.Send(ctx, item.TenantID, payload.Email, title, "", text); err != nil {
			return "", fmt.Errorf("test email: %w", err)
		}

		return "test email sent", nil
	default:
		if payload.CustomerID == "" {
			return "", ErrNoRecipients
		}

		_, failed, err := dispatcher.push.SendToCustomers(ctx, item.TenantID, []string{payload.CustomerID}, title, text, nil)
		if err != nil {
			return "", fmt.Errorf("test push: %w", err)
		}

		if failed > 0 {
			return "", errors.New("test push not delivered")
		}

		return "test push sent", nil
	}
}

// handleRegistrationBonus notifies one new customer about a signup bonus.
func (dispatcher *Dispatcher) handleRegistrationBonus(ctx context.Context, item *outbox.QueueItem) (string, error) {
	var payload registrationBonusPayload
	if err := decodePayload(item.Payload, &payload); err != nil {
		return "", err
	}

	if payload.CustomerID == "" {
		return "", ErrNoRecipients
	}

	data := payload.Data
	if data == nil {
		data = map[string]any{
			"customer": map[string]any{"name": payload.CustomerName},
			"bonus":    payload.BonusAmount,
		}
	}

	title := payload.Title
	if title == "" {
		title = "Welcome bonus"
	}

	text := payload.Text
	if text == "" {
		text = "{{customer.name}}, you received {{bonus}} welcome points"
	}

	_, failed, err := dispatcher.push.SendToCustomers(
		ctx,
		item.TenantID,
		[]string{payload.CustomerID},
		Render(title, data),
		Render(text, data),
		nil,
	)
	if err != nil {
		return "", fmt.Errorf("registration bonus push: %w", err)
	}

	if failed > 0 {
		return "", errors.New("registration bonus push not delivered")
	}

	return "", nil
}

// handleStaffDigest mails an operations summary to the staff mailboxes
// listed in the payload.
func (dispatcher *Dispatcher) handleStaffDigest(ctx context.Context, item *outbox.QueueItem) (string, error) {
	var payload staffDigestPayload
	if err := decodePayload(item.Payload, &payload); err != nil {
		return "", err
	}

	if len(payload.Recipients) == 0 {
		return "", ErrNoRecipients
	}

	subject := payload.Subject
	if subject == "" {
		subject = "Operations digest"
	}

	body := strings.Join(payload.Lines, "\n")

	var sent, failed int

	for _, recipient := range payload.Recipients {
		if err := dispatcher.email.Send(ctx, item.TenantID, recipient, subject, "", body); err != nil {
			failed++

			log.SafeError(dispatcher.logger, ctx, "failed to send staff digest email", err, false)

			continue
		}

		sent++
	}

	if sent == 0 {
		return "", fmt.Errorf("staff digest: all %d recipients failed", failed)
	}

	return fmt.Sprintf("digest sent to %d of %d", sent, sent+failed), nil
}

// resolveRecipients maps an audience id to customer ids. Without a
// resolver or an audience id, nil means "all customers".
func (dispatcher *Dispatcher) resolveRecipients(ctx context.Context, tenantID, audienceID string) ([]string, error) {
	if dispatcher.segments == nil || audienceID == "" {
		return nil, nil
	}

	return dispatcher.segments.ResolveRecipients(ctx, tenantID, audienceID)
}

// sendPush delivers to an explicit customer list, or to the tenant's
// broadcast topic when recipients is nil ("all customers").
func (dispatcher *Dispatcher) sendPush(ctx context.Context, tenantID string, recipients []string, title, text string, data map[string]string) ChannelStats {
	if recipients == nil {
		if err := dispatcher.push.SendBroadcast(ctx, tenantID, title, text, data); err != nil {
			log.SafeError(dispatcher.logger, ctx, "broadcast push failed", err, false)

			return ChannelStats{Attempted: 1, Failed: 1}
		}

		return ChannelStats{Attempted: 1, Sent: 1}
	}

	if len(recipients) == 0 {
		return ChannelStats{}
	}

	sent, failed, err := dispatcher.push.SendToCustomers(ctx, tenantID, recipients, title, text, data)
	if err != nil {
		log.SafeError(dispatcher.logger, ctx, "push to customer list failed", err, false)

		return ChannelStats{Attempted: len(recipients), Failed: len(recipients)}
	}

	return ChannelStats{Attempted: len(recipients), Sent: sent, Failed: failed}
}

// sendEmails delivers one-by-one; a sender error counts as one recipient
// failure and never retries within the same cycle.
func (dispatcher *Dispatcher) sendEmails(ctx context.Context, tenantID string, recipients []string, subject, html, text string) ChannelStats {
	stats := ChannelStats{Attempted: len(recipients)}

	for _, recipient := range recipients {
		if err := dispatcher.email.Send(ctx, tenantID, recipient, subject, html, text); err != nil {
			stats.Failed++

			log.SafeError(dispatcher.logger, ctx, "broadcast email failed", err, false)

			continue
		}

		stats.Sent++
	}

	return stats
}

func (dispatcher *Dispatcher) recordAudit(ctx context.Context, item *outbox.QueueItem, stats map[string]ChannelStats, dryRun bool) {
	if dispatcher.audit == nil {
		return
	}

	record := &AuditRecord{
		ID:        uuid.New(),
		ItemID:    item.ID,
		TenantID:  item.TenantID,
		EventType: item.EventType,
		Channels:  stats,
		DryRun:    dryRun,
		CreatedAt: time.Now().UTC(),
	}

	if err := dispatcher.audit.RecordDispatch(ctx, record); err != nil {
		log.SafeError(dispatcher.logger, ctx, "failed to record notification audit", err, false)
	}
}

func dryRunStats(channels, recipients, emailRecipients []string) map[string]ChannelStats {
	stats := make(map[string]ChannelStats, len(channels))

	for _, channel := range channels {
		switch channel {
		case ChannelPush:
			attempted := 1
			if recipients != nil {
				attempted = len(recipients)
			}

			stats[ChannelPush] = ChannelStats{Attempted: attempted}
		case ChannelEmail:
			stats[ChannelEmail] = ChannelStats{Attempted: len(emailRecipients)}
		default:
		}
	}

	return stats
}

func summarize(stats map[string]ChannelStats) string {
	parts := make([]string, 0, len(stats))

	for _, channel := range []string{ChannelPush, ChannelEmail} {
		channelStats, ok := stats[channel]
		if !ok {
			continue
		}

		parts = append(parts, fmt.Sprintf("%s sent=%d failed=%d", channel, channelStats.Sent, channelStats.Failed))
	}

	return strings.Join(parts, ", ")
}
