package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/lalithlochan/courier/internal/db"
)

// pushAPI is the slice of the FCM client the sender uses.
type pushAPI interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMSender delivers push notifications through Firebase Cloud Messaging.
type FCMSender struct {
	client pushAPI
	logger *zap.Logger
}

type FCMConfig struct {
	ProjectID       string
	CredentialsFile string
}

// NewFCMSender initializes a Firebase app and its messaging client.
func NewFCMSender(ctx context.Context, cfg FCMConfig, logger *zap.Logger) (*FCMSender, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase messaging: %w", err)
	}

	return &FCMSender{client: client, logger: logger}, nil
}

// pushData flattens render parameters into FCM's string-only data map.
func pushData(m *db.Message) map[string]string {
	out := map[string]string{"message_uuid": m.UUID.String()}
	if m.Template != "" {
		out["template"] = m.Template
	}
	if len(m.Data) == 0 {
		return out
	}
	var raw map[string]any
	if err := json.Unmarshal(m.Data, &raw); err != nil {
		return out
	}
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		default:
			b, _ := json.Marshal(val)
			out[k] = string(b)
		}
	}
	return out
}

// Send pushes to the device token in recipient_address.
func (s *FCMSender) Send(ctx context.Context, m *db.Message) (SendResult, error) {
	if m.Channel != db.ChannelPush {
		return SendResult{}, Misconfigured(fmt.Errorf("FCM sender only supports push, got: %s", m.Channel))
	}
	if m.RecipientAddress == "" {
		return SendResult{}, Permanent(errors.New("push message missing device token"))
	}

	msg := &messaging.Message{
		Token: m.RecipientAddress,
		Data:  pushData(m),
	}
	if m.Subject != "" || m.Body != "" {
		msg.Notification = &messaging.Notification{Title: m.Subject, Body: m.Body}
	}
	if m.Priority <= db.P1 {
		msg.Android = &messaging.AndroidConfig{Priority: "high"}
	}

	id, err := s.client.Send(ctx, msg)
	if err != nil {
		if messaging.IsUnregistered(err) || messaging.IsInvalidArgument(err) || messaging.IsSenderIDMismatch(err) {
			return SendResult{}, Permanent(fmt.Errorf("fcm send: %w", err))
		}
		return SendResult{}, Transient(fmt.Errorf("fcm send: %w", err))
	}

	s.logger.Info("push sent via FCM",
		zap.String("message_uuid", m.UUID.String()),
		zap.String("external_id", id),
	)

	return SendResult{ExternalID: id, Provider: s.Name()}, nil
}

func (s *FCMSender) SupportsChannel(channel db.Channel) bool {
	return channel == db.ChannelPush
}

func (s *FCMSender) Name() string {
	return "fcm"
}
