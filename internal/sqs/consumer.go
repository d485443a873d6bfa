// Package sqs consumes SES event notifications delivered to an SQS queue, as
// an alternative to receiving them over the HTTP webhook.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/webhook"
)

// sqsAPI is the slice of the SQS client the consumer uses.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Processor applies one provider callback. *webhook.Normalizer satisfies it.
type Processor interface {
	Process(ctx context.Context, provider string, payload []byte, contentType string) (*webhook.Outcome, error)
}

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	Endpoint string
	// Provider is the webhook adapter queue bodies are routed to.
	Provider          string
	MaxMessages       int32
	WaitTimeSeconds   int32
	VisibilityTimeout int32
	// RetryVisibility is how long a failed message stays hidden before
	// SQS redelivers it.
	RetryVisibility int32
	ErrorBackoff    time.Duration
	// MaxNotFoundReceives bounds redelivery of notifications whose message
	// is not known yet. SES can report an event before the dispatcher has
	// recorded the provider id.
	MaxNotFoundReceives int
}

// Consumer reads SES notifications from SQS and hands them to the normalizer.
type Consumer struct {
	client    sqsAPI
	processor Processor
	config    Config
	logger    *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, processor Processor, logger *zap.Logger) (*Consumer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)
	return newConsumer(client, processor, cfg, logger), nil
}

func newConsumer(client sqsAPI, processor Processor, cfg Config, logger *zap.Logger) *Consumer {
	if cfg.Provider == "" {
		cfg.Provider = "ses"
	}
	if cfg.MaxMessages == 0 {
		cfg.MaxMessages = 10
	}
	if cfg.WaitTimeSeconds == 0 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = 60
	}
	if cfg.RetryVisibility == 0 {
		cfg.RetryVisibility = 30
	}
	if cfg.ErrorBackoff == 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	if cfg.MaxNotFoundReceives == 0 {
		cfg.MaxNotFoundReceives = 5
	}
	return &Consumer{
		client:    client,
		processor: processor,
		config:    cfg,
		logger:    logger,
	}
}

// Run long-polls the queue until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			c.logger.Info("sqs consumer stopping")
			return
		}
		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("sqs receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(c.config.ErrorBackoff):
			}
		}
	}
}

// Poll receives one batch and processes it. It returns how many messages
// were acknowledged.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(c.config.QueueURL),
		MaxNumberOfMessages:         c.config.MaxMessages,
		WaitTimeSeconds:             c.config.WaitTimeSeconds,
		VisibilityTimeout:           c.config.VisibilityTimeout,
		MessageSystemAttributeNames: receiveAttributes,
	})
	if err != nil {
		return 0, fmt.Errorf("sqs receive failed: %w", err)
	}

	metrics.SetSQSMessagesInFlight(len(result.Messages))
	defer metrics.SetSQSMessagesInFlight(0)

	acked := 0
	for _, msg := range result.Messages {
		if c.handle(ctx, msg) {
			acked++
		}
	}
	return acked, nil
}

var receiveAttributes = []types.MessageSystemAttributeName{
	types.MessageSystemAttributeNameApproximateReceiveCount,
}

// permanent reports errors redelivery cannot fix.
func permanent(err error) bool {
	return errors.Is(err, webhook.ErrMalformedPayload) ||
		errors.Is(err, webhook.ErrMissingMessageID)
}

// receiveCount reads ApproximateReceiveCount; 0 when SQS did not send it.
func receiveCount(msg types.Message) int {
	n, err := strconv.Atoi(msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil {
		return 0
	}
	return n
}

// exhausted reports whether an unknown-message notification has been
// redelivered enough times to give up on it.
func (c *Consumer) exhausted(msg types.Message) bool {
	return receiveCount(msg) >= c.config.MaxNotFoundReceives
}

func (c *Consumer) handle(ctx context.Context, msg types.Message) bool {
	body := []byte(aws.ToString(msg.Body))
	handle := aws.ToString(msg.ReceiptHandle)

	out, err := c.processor.Process(ctx, c.config.Provider, body, "application/json")
	switch {
	case err == nil:
		if out != nil && !out.Acknowledged {
			c.logger.Debug("sqs notification applied",
				zap.String("message_uuid", out.MessageUUID),
				zap.String("event", string(out.Event)),
				zap.Bool("duplicate", out.Duplicate),
			)
		}
	case permanent(err):
		c.logger.Warn("dropping unprocessable sqs notification",
			zap.String("sqs_message_id", aws.ToString(msg.MessageId)),
			zap.Error(err),
		)
	case errors.Is(err, db.ErrNotFound) && c.exhausted(msg):
		c.logger.Warn("dropping sqs notification for unknown message",
			zap.String("sqs_message_id", aws.ToString(msg.MessageId)),
			zap.Int("receive_count", receiveCount(msg)),
			zap.Error(err),
		)
	default:
		c.logger.Error("sqs notification failed, will retry",
			zap.String("sqs_message_id", aws.ToString(msg.MessageId)),
			zap.Error(err),
		)
		if err := c.ChangeVisibility(ctx, handle, c.config.RetryVisibility); err != nil {
			c.logger.Warn("failed to shorten visibility", zap.Error(err))
		}
		return false
	}

	if err := c.DeleteMessage(ctx, handle); err != nil {
		c.logger.Error("failed to delete sqs message", zap.Error(err))
		return false
	}
	return true
}

// DeleteMessage removes a message from SQS after successful processing.
func (c *Consumer) DeleteMessage(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.config.QueueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// ChangeVisibility sets when a message becomes visible again.
func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.config.QueueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}
