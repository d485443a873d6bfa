package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// SendResult is what a provider hands back for an accepted message.
type SendResult struct {
	ExternalID string
	Provider   string
}

// Sender is the unified interface for all channel providers.
// Implementations: SES and Postal (email), SNS and Twilio (sms), FCM (push).
//
// Send returns a *TransientError or *PermanentError on failure; anything
// else is treated as transient.
type Sender interface {
	Send(ctx context.Context, m *db.Message) (SendResult, error)
	SupportsChannel(channel db.Channel) bool
	Name() string
}

// MultiSender routes messages to the first sender supporting their channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router that uses multiple underlying senders
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Route returns the sender responsible for channel.
func (m *MultiSender) Route(channel db.Channel) (Sender, bool) {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return sender, true
		}
	}
	return nil, false
}

// Send routes the message to the appropriate sender based on channel
func (m *MultiSender) Send(ctx context.Context, msg *db.Message) (SendResult, error) {
	sender, ok := m.Route(msg.Channel)
	if !ok {
		return SendResult{}, Permanent(fmt.Errorf("no sender configured for channel %s", msg.Channel))
	}
	m.logger.Debug("routing message to sender",
		zap.String("channel", string(msg.Channel)),
		zap.String("sender", sender.Name()),
		zap.String("message_uuid", msg.UUID.String()),
	)
	return sender.Send(ctx, msg)
}

// SupportsChannel checks if any underlying sender supports the channel
func (m *MultiSender) SupportsChannel(channel db.Channel) bool {
	_, ok := m.Route(channel)
	return ok
}

// Name identifies the router in logs.
func (m *MultiSender) Name() string {
	return "multi"
}

// LogSender accepts every message and only logs it (development/testing).
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, m *db.Message) (SendResult, error) {
	s.logger.Info("logging message (development mode)",
		zap.String("message_uuid", m.UUID.String()),
		zap.String("channel", string(m.Channel)),
		zap.String("priority", m.Priority.String()),
		zap.String("template", m.Template),
		zap.String("subject", m.Subject),
	)
	return SendResult{ExternalID: "log-" + m.UUID.String(), Provider: s.Name()}, nil
}

func (s *LogSender) SupportsChannel(channel db.Channel) bool {
	return channel.Valid()
}

func (s *LogSender) Name() string {
	return "log"
}
