package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lalithlochan/courier/internal/db"
)

// PushAdapter reads push gateway receipts:
// {"message_id":"projects/p/messages/1","event":"delivered","event_id":"..."}.
// Receipts from client SDKs often omit event_id.
type PushAdapter struct{}

type pushPayload struct {
	MessageID string `json:"message_id"`
	Event     string `json:"event"`
	EventID   string `json:"event_id"`
	Token     string `json:"token"`
	Error     string `json:"error"`
}

var pushEvents = map[string]db.EventType{
	"delivered": db.EventDelivered,
	"received":  db.EventDelivered,
	"opened":    db.EventOpened,
	"open":      db.EventOpened,
	"clicked":   db.EventClicked,
	"action":    db.EventClicked,
	"failed":    db.EventBounced,
}

func (PushAdapter) Normalize(ctx context.Context, payload []byte, contentType string) (*Event, error) {
	var p pushPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	ev := &Event{
		ExternalID:      p.MessageID,
		ExternalEventID: p.EventID,
		ProviderEvent:   p.Event,
		Recipient:       p.Token,
		Raw:             payload,
	}
	typ, ok := pushEvents[strings.ToLower(p.Event)]
	if !ok {
		typ = db.EventUnrecognized
	}
	ev.Type = typ
	if typ == db.EventBounced {
		// an unregistered token is gone for good
		ev.BounceType = db.BounceSoft
		if strings.EqualFold(p.Error, "UNREGISTERED") || strings.EqualFold(p.Error, "NotRegistered") {
			ev.BounceType = db.BounceHard
		}
	}
	return ev, nil
}

func (PushAdapter) SubstringMatch() bool { return false }
