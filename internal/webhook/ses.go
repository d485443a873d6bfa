package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// Confirmer completes an SNS subscription handshake. *sns.Publisher
// satisfies it.
type Confirmer interface {
	ConfirmSubscription(ctx context.Context, topicARN, token string) error
}

// SESAdapter reads SES event notifications, either wrapped in an SNS
// envelope (HTTP subscription, SQS without raw delivery) or bare.
type SESAdapter struct {
	confirmer Confirmer
	logger    *zap.Logger
}

// NewSESAdapter creates the SES adapter. confirmer may be nil, in which case
// subscription handshakes are only logged.
func NewSESAdapter(confirmer Confirmer, logger *zap.Logger) *SESAdapter {
	return &SESAdapter{confirmer: confirmer, logger: logger}
}

type snsEnvelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	TopicARN     string `json:"TopicArn"`
	Token        string `json:"Token"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
}

type sesNotification struct {
	NotificationType string `json:"notificationType"`
	EventType        string `json:"eventType"`
	Mail             struct {
		MessageID   string   `json:"messageId"`
		Destination []string `json:"destination"`
	} `json:"mail"`
	Bounce *struct {
		BounceType        string `json:"bounceType"`
		FeedbackID        string `json:"feedbackId"`
		BouncedRecipients []struct {
			EmailAddress string `json:"emailAddress"`
		} `json:"bouncedRecipients"`
	} `json:"bounce"`
	Complaint *struct {
		FeedbackID           string `json:"feedbackId"`
		ComplainedRecipients []struct {
			EmailAddress string `json:"emailAddress"`
		} `json:"complainedRecipients"`
	} `json:"complaint"`
}

var sesEvents = map[string]db.EventType{
	"Delivery":  db.EventDelivered,
	"Open":      db.EventOpened,
	"Click":     db.EventClicked,
	"Bounce":    db.EventBounced,
	"Complaint": db.EventComplained,
}

func (a *SESAdapter) Normalize(ctx context.Context, payload []byte, contentType string) (*Event, error) {
	var env snsEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	body := payload
	eventID := ""
	switch env.Type {
	case "SubscriptionConfirmation":
		if err := a.confirm(ctx, env); err != nil {
			return nil, err
		}
		return nil, ErrNoEvent
	case "UnsubscribeConfirmation":
		a.logger.Warn("sns subscription removed", zap.String("topic_arn", env.TopicARN))
		return nil, ErrNoEvent
	case "Notification":
		// the SES document is a JSON string nested in the envelope
		body = []byte(env.Message)
		eventID = env.MessageID
	}

	var n sesNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("%w: ses message: %v", ErrMalformedPayload, err)
	}

	kind := n.EventType
	if kind == "" {
		kind = n.NotificationType
	}

	ev := &Event{
		ExternalID:      n.Mail.MessageID,
		ExternalEventID: eventID,
		ProviderEvent:   kind,
		Raw:             body,
	}
	typ, ok := sesEvents[kind]
	if !ok {
		typ = db.EventUnrecognized
	}
	ev.Type = typ

	switch {
	case n.Bounce != nil && typ == db.EventBounced:
		ev.BounceType = db.BounceSoft
		if n.Bounce.BounceType == "Permanent" {
			ev.BounceType = db.BounceHard
		}
		if len(n.Bounce.BouncedRecipients) > 0 {
			ev.Recipient = n.Bounce.BouncedRecipients[0].EmailAddress
		}
		if ev.ExternalEventID == "" {
			ev.ExternalEventID = n.Bounce.FeedbackID
		}
	case n.Complaint != nil && typ == db.EventComplained:
		if len(n.Complaint.ComplainedRecipients) > 0 {
			ev.Recipient = n.Complaint.ComplainedRecipients[0].EmailAddress
		}
		if ev.ExternalEventID == "" {
			ev.ExternalEventID = n.Complaint.FeedbackID
		}
	}
	return ev, nil
}

func (a *SESAdapter) confirm(ctx context.Context, env snsEnvelope) error {
	if env.TopicARN == "" || env.Token == "" {
		return fmt.Errorf("%w: subscription confirmation without topic or token", ErrMalformedPayload)
	}
	if a.confirmer == nil {
		a.logger.Warn("sns subscription confirmation received but no confirmer configured",
			zap.String("topic_arn", env.TopicARN),
			zap.String("subscribe_url", env.SubscribeURL),
		)
		return nil
	}
	if err := a.confirmer.ConfirmSubscription(ctx, env.TopicARN, env.Token); err != nil {
		return fmt.Errorf("confirm sns subscription: %w", err)
	}
	a.logger.Info("sns subscription confirmed", zap.String("topic_arn", env.TopicARN))
	return nil
}

// SubstringMatch is false: SES ids are returned verbatim by SendEmail.
func (a *SESAdapter) SubstringMatch() bool { return false }

// IsSESPayload reports whether body looks like an SES document or its SNS
// envelope. The SQS consumer uses it to skip unrelated queue traffic.
func IsSESPayload(body []byte) bool {
	s := strings.TrimSpace(string(body))
	return strings.HasPrefix(s, "{") &&
		(strings.Contains(s, `"Type"`) || strings.Contains(s, `"notificationType"`) || strings.Contains(s, `"eventType"`))
}
