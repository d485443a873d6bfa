package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// sesAPI is the slice of the SES client the sender uses.
type sesAPI interface {
	SendEmail(ctx context.Context, in *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
	SendTemplatedEmail(ctx context.Context, in *ses.SendTemplatedEmailInput, optFns ...func(*ses.Options)) (*ses.SendTemplatedEmailOutput, error)
}

type SESSender struct {
	client           sesAPI
	from             string
	configurationSet string
	logger           *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
	// ConfigurationSet routes SES events (bounce, delivery, open) to the
	// notification topic. A message's ip_pool overrides it.
	ConfigurationSet string
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return newSESSender(ses.NewFromConfig(awsCfg), cfg, logger), nil
}

func newSESSender(client sesAPI, cfg SESConfig, logger *zap.Logger) *SESSender {
	return &SESSender{
		client:           client,
		from:             cfg.FromEmail,
		configurationSet: cfg.ConfigurationSet,
		logger:           logger,
	}
}

func (s *SESSender) configSet(m *db.Message) *string {
	if m.IPPool != "" {
		return aws.String(m.IPPool)
	}
	if s.configurationSet != "" {
		return aws.String(s.configurationSet)
	}
	return nil
}

// Send sends an email via AWS SES, templated when the message names a template.
func (s *SESSender) Send(ctx context.Context, m *db.Message) (SendResult, error) {
	if m.Channel != db.ChannelEmail {
		return SendResult{}, Misconfigured(fmt.Errorf("SES sender only supports email, got: %s", m.Channel))
	}
	if m.RecipientAddress == "" {
		return SendResult{}, Permanent(errors.New("email message missing recipient address"))
	}

	tags := []types.MessageTag{{Name: aws.String("message_uuid"), Value: aws.String(m.UUID.String())}}
	dest := &types.Destination{ToAddresses: []string{m.RecipientAddress}}

	var messageID *string
	if m.Template != "" {
		data := "{}"
		if len(m.Data) > 0 {
			data = string(m.Data)
		}
		out, err := s.client.SendTemplatedEmail(ctx, &ses.SendTemplatedEmailInput{
			Source:               aws.String(s.from),
			Destination:          dest,
			Template:             aws.String(m.Template),
			TemplateData:         aws.String(data),
			ConfigurationSetName: s.configSet(m),
			Tags:                 tags,
		})
		if err != nil {
			return SendResult{}, classifyAWS("ses send templated", err)
		}
		messageID = out.MessageId
	} else {
		if m.Subject == "" {
			return SendResult{}, Permanent(errors.New("email message missing subject"))
		}
		out, err := s.client.SendEmail(ctx, &ses.SendEmailInput{
			Source:      aws.String(s.from),
			Destination: dest,
			Message: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(m.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: &types.Body{
					Text: &types.Content{
						Data:    aws.String(m.Body),
						Charset: aws.String("UTF-8"),
					},
				},
			},
			ConfigurationSetName: s.configSet(m),
			Tags:                 tags,
		})
		if err != nil {
			return SendResult{}, classifyAWS("ses send", err)
		}
		messageID = out.MessageId
	}

	if messageID == nil || *messageID == "" {
		return SendResult{}, Transient(errors.New("ses returned no message id"))
	}

	s.logger.Info("email sent via SES",
		zap.String("message_uuid", m.UUID.String()),
		zap.String("template", m.Template),
		zap.String("external_id", *messageID),
	)

	return SendResult{ExternalID: *messageID, Provider: s.Name()}, nil
}

// SupportsChannel checks if this sender supports the email channel
func (s *SESSender) SupportsChannel(channel db.Channel) bool {
	return channel == db.ChannelEmail
}

func (s *SESSender) Name() string {
	return "ses"
}
