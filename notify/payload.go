package notify

import (
	"encoding/json"
	"fmt"
)

// broadcastPayload is the document carried by notify.broadcast items.
// Channels defaults to push only; an empty AudienceID targets all
// customers.
type broadcastPayload struct {
	Title           string            `json:"title"`
	Text            string            `json:"text"`
	Subject         string            `json:"subject"`
	HTML            string            `json:"html"`
	AudienceID      string            `json:"audienceId"`
	Channels        []string          `json:"channels"`
	EmailRecipients []string          `json:"emailRecipients"`
	Data            map[string]any    `json:"data"`
	PushData        map[string]string `json:"pushData"`
	DryRun          bool              `json:"dryRun"`
}

// testPayload is the document carried by notify.test probe items.
type testPayload struct {
	Channel    string `json:"channel"`
	CustomerID string `json:"customerId"`
	Email      string `json:"email"`
	Title      string `json:"title"`
	Text       string `json:"text"`
}

// registrationBonusPayload announces a signup bonus to one customer.
type registrationBonusPayload struct {
	CustomerID   string         `json:"customerId"`
	CustomerName string         `json:"customerName"`
	BonusAmount  float64        `json:"bonusAmount"`
	Title        string         `json:"title"`
	Text         string         `json:"text"`
	Data         map[string]any `json:"data"`
}

// staffDigestPayload carries a periodic operations summary for staff
// mailboxes.
type staffDigestPayload struct {
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	Lines      []string `json:"lines"`
}

func decodePayload(raw json.RawMessage, into any) error {
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("decode notification payload: %w", err)
	}

	return nil
}
