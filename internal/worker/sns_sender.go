package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// snsAPI is the slice of the SNS client the SMS sender uses.
type snsAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSender sends SMS messages via AWS SNS
type SNSSender struct {
	client   snsAPI
	senderID string
	logger   *zap.Logger
}

type SNSConfig struct {
	Region   string
	SenderID string
}

// NewSNSSender creates a new SNS sender for SMS messages
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return &SNSSender{
		client:   sns.NewFromConfig(awsCfg),
		senderID: cfg.SenderID,
		logger:   logger,
	}, nil
}

func smsType(m *db.Message) string {
	switch m.Type {
	case db.TypeNewsletter, db.TypeCampaign:
		return "Promotional"
	}
	return "Transactional"
}

// Send sends an SMS via AWS SNS
func (s *SNSSender) Send(ctx context.Context, m *db.Message) (SendResult, error) {
	if m.Channel != db.ChannelSMS {
		return SendResult{}, Misconfigured(fmt.Errorf("SNS sender only supports SMS, got: %s", m.Channel))
	}
	if m.RecipientAddress == "" {
		return SendResult{}, Permanent(errors.New("sms message missing phone number"))
	}
	if m.Body == "" {
		return SendResult{}, Permanent(errors.New("sms message missing body"))
	}

	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String(smsType(m))},
	}
	if s.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(s.senderID)}
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(m.RecipientAddress),
		Message:           aws.String(m.Body),
		MessageAttributes: attrs,
	})
	if err != nil {
		return SendResult{}, classifyAWS("sns publish", err)
	}
	if result.MessageId == nil {
		return SendResult{}, Transient(errors.New("sns returned no message id"))
	}

	s.logger.Info("SMS sent via SNS",
		zap.String("message_uuid", m.UUID.String()),
		zap.String("external_id", *result.MessageId),
	)

	return SendResult{ExternalID: *result.MessageId, Provider: s.Name()}, nil
}

// SupportsChannel checks if this sender supports the SMS channel
func (s *SNSSender) SupportsChannel(channel db.Channel) bool {
	return channel == db.ChannelSMS
}

func (s *SNSSender) Name() string {
	return "sns"
}
