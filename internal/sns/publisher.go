// Package sns publishes message status changes to an SNS topic and completes
// SNS subscription handshakes for the SES event topic.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// snsAPI is the slice of the SNS client the publisher uses.
type snsAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	PublishBatch(ctx context.Context, in *sns.PublishBatchInput, optFns ...func(*sns.Options)) (*sns.PublishBatchOutput, error)
	ConfirmSubscription(ctx context.Context, in *sns.ConfirmSubscriptionInput, optFns ...func(*sns.Options)) (*sns.ConfirmSubscriptionOutput, error)
}

// Config selects the status topic. Endpoint points the client at LocalStack.
type Config struct {
	Region   string
	TopicARN string
	Endpoint string
}

// Publisher handles SNS topic publishing of status changes.
type Publisher struct {
	client   snsAPI
	topicARN string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewPublisher creates an SNS publisher for the given topic. TopicARN may be
// empty when the publisher is only used to confirm subscriptions.
func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newPublisher(client, cfg.TopicARN, logger), nil
}

func newPublisher(client snsAPI, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{
		client:   client,
		topicARN: topicARN,
		timeout:  5 * time.Second,
		logger:   logger,
	}
}

func attributes(c db.StatusChange) map[string]types.MessageAttributeValue {
	return map[string]types.MessageAttributeValue{
		"channel": {
			DataType:    aws.String("String"),
			StringValue: aws.String(string(c.Channel)),
		},
		"status": {
			DataType:    aws.String("String"),
			StringValue: aws.String(string(c.Status)),
		},
	}
}

// Publish sends one status change to the topic with channel and status
// attributes, so subscribers can filter.
func (p *Publisher) Publish(ctx context.Context, c db.StatusChange) (string, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal status change: %w", err)
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(p.topicARN),
		Message:           aws.String(string(payload)),
		MessageAttributes: attributes(c),
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}
	return aws.ToString(result.MessageId), nil
}

// PublishBatch sends up to 10 status changes in one call.
func (p *Publisher) PublishBatch(ctx context.Context, changes []db.StatusChange) ([]string, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	if len(changes) > 10 {
		return nil, fmt.Errorf("batch size exceeds SNS limit of 10")
	}

	entries := make([]types.PublishBatchRequestEntry, len(changes))
	for i, c := range changes {
		payload, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal status change %d: %w", i, err)
		}
		entries[i] = types.PublishBatchRequestEntry{
			Id:                aws.String(fmt.Sprintf("%d", i)),
			Message:           aws.String(string(payload)),
			MessageAttributes: attributes(c),
		}
	}

	result, err := p.client.PublishBatch(ctx, &sns.PublishBatchInput{
		TopicArn:                   aws.String(p.topicARN),
		PublishBatchRequestEntries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish batch to SNS: %w", err)
	}
	if len(result.Failed) > 0 {
		return nil, fmt.Errorf("partial batch failure: %d messages failed", len(result.Failed))
	}

	messageIDs := make([]string, len(result.Successful))
	for i, entry := range result.Successful {
		messageIDs[i] = aws.ToString(entry.MessageId)
	}
	return messageIDs, nil
}

// NotifyStatus publishes c, logging failures. Status fan-out is best effort.
func (p *Publisher) NotifyStatus(ctx context.Context, c db.StatusChange) {
	if p.topicARN == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	if _, err := p.Publish(ctx, c); err != nil {
		p.logger.Warn("failed to publish status change",
			zap.String("message_uuid", c.MessageUUID.String()),
			zap.String("status", string(c.Status)),
			zap.Error(err),
		)
	}
}

// ConfirmSubscription completes the handshake SNS sends to a new HTTP
// subscription.
func (p *Publisher) ConfirmSubscription(ctx context.Context, topicARN, token string) error {
	_, err := p.client.ConfirmSubscription(ctx, &sns.ConfirmSubscriptionInput{
		TopicArn: aws.String(topicARN),
		Token:    aws.String(token),
	})
	if err != nil {
		return fmt.Errorf("failed to confirm subscription: %w", err)
	}
	return nil
}
