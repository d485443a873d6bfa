package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lalithlochan/courier/internal/db"
)

// PostalAdapter reads Postal mail relay callbacks. Both the native Postal
// shape ({"event":"MessageSent","payload":{...}}) and a flat
// {"event":"delivered","message_id":"..."} form are accepted.
type PostalAdapter struct{}

type postalPayload struct {
	Event     string `json:"event"`
	MessageID string `json:"message_id"`
	EventID   string `json:"event_id"`
	UUID      string `json:"uuid"`
	Recipient string `json:"recipient"`
	Bounce    string `json:"bounce_type"`
	Payload   *struct {
		Message         *postalMessage `json:"message"`
		OriginalMessage *postalMessage `json:"original_message"`
		Status          string         `json:"status"`
	} `json:"payload"`
}

type postalMessage struct {
	ID        int64  `json:"id"`
	Token     string `json:"token"`
	MessageID string `json:"message_id"`
	To        string `json:"to"`
}

var postalEvents = map[string]db.EventType{
	// native
	"MessageSent":           db.EventDelivered,
	"MessageLoaded":         db.EventOpened,
	"MessageLinkClicked":    db.EventClicked,
	"MessageBounced":        db.EventBounced,
	"MessageDeliveryFailed": db.EventBounced,
	// flat
	"delivered":   db.EventDelivered,
	"opened":      db.EventOpened,
	"open":        db.EventOpened,
	"clicked":     db.EventClicked,
	"click":       db.EventClicked,
	"bounced":     db.EventBounced,
	"bounce":      db.EventBounced,
	"soft_bounce": db.EventBounced,
	"complained":  db.EventComplained,
	"spam":        db.EventComplained,
}

// stripAngles removes the <> Postal puts around Message-ID header values.
func stripAngles(id string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(id), "<"), ">")
}

func (PostalAdapter) Normalize(ctx context.Context, payload []byte, contentType string) (*Event, error) {
	var p postalPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	ev := &Event{
		ExternalID:      p.MessageID,
		ExternalEventID: p.EventID,
		ProviderEvent:   p.Event,
		Recipient:       p.Recipient,
		Raw:             payload,
	}
	if ev.ExternalEventID == "" {
		ev.ExternalEventID = p.UUID
	}

	if p.Payload != nil {
		msg := p.Payload.Message
		if p.Payload.OriginalMessage != nil {
			msg = p.Payload.OriginalMessage
		}
		if msg != nil && ev.ExternalID == "" {
			ev.ExternalID = msg.MessageID
			if ev.Recipient == "" {
				ev.Recipient = msg.To
			}
		}
	}
	ev.ExternalID = stripAngles(ev.ExternalID)

	typ, ok := postalEvents[p.Event]
	if !ok {
		typ = db.EventUnrecognized
	}
	ev.Type = typ

	if typ == db.EventBounced {
		ev.BounceType = db.BounceHard
		if p.Event == "soft_bounce" || strings.EqualFold(p.Bounce, "soft") {
			ev.BounceType = db.BounceSoft
		}
		if p.Payload != nil && p.Event == "MessageDeliveryFailed" && strings.EqualFold(p.Payload.Status, "SoftFail") {
			ev.BounceType = db.BounceSoft
		}
	}
	return ev, nil
}

// SubstringMatch is true: Postal callbacks carry the bare Message-ID while
// the stored id may include the surrounding token.
func (PostalAdapter) SubstringMatch() bool { return true }
