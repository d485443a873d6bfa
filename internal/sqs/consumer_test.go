package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/webhook"
)

type fakeQueue struct {
	messages []types.Message
	deleted  []string
	retried  []string
	lastIn   *sqs.ReceiveMessageInput
}

func (f *fakeQueue) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.lastIn = in
	out := &sqs.ReceiveMessageOutput{Messages: f.messages}
	f.messages = nil
	return out, nil
}

func (f *fakeQueue) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeQueue) ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.retried = append(f.retried, aws.ToString(in.ReceiptHandle))
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

// scriptedProcessor returns the error keyed by message body.
type scriptedProcessor struct {
	errs     map[string]error
	provider string
}

func (p *scriptedProcessor) Process(ctx context.Context, provider string, payload []byte, contentType string) (*webhook.Outcome, error) {
	p.provider = provider
	if err := p.errs[string(payload)]; err != nil {
		return nil, err
	}
	return &webhook.Outcome{MessageUUID: "u", Event: db.EventDelivered}, nil
}

func message(handle, body string) types.Message {
	return types.Message{
		MessageId:     aws.String("id-" + handle),
		ReceiptHandle: aws.String(handle),
		Body:          aws.String(body),
	}
}

func TestConsumer_Poll(t *testing.T) {
	queue := &fakeQueue{messages: []types.Message{
		message("ok", "ok"),
		message("bad", "bad"),
		message("gone", "gone"),
		received(message("late", "gone"), 1),
		message("down", "down"),
	}}
	proc := &scriptedProcessor{errs: map[string]error{
		"bad":  fmt.Errorf("%w: nope", webhook.ErrMalformedPayload),
		"gone": fmt.Errorf("resolve: %w", db.ErrNotFound),
		"down": errors.New("connection refused"),
	}}
	c := newConsumer(queue, proc, Config{QueueURL: "https://sqs.local/q"}, zap.NewNop())

	acked, err := c.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if acked != 2 {
		t.Fatalf("acked %d, want 2", acked)
	}
	if len(queue.deleted) != 2 {
		t.Fatalf("deleted %v, want ok and bad", queue.deleted)
	}
	if len(queue.retried) != 3 {
		t.Fatalf("retried %v, want gone, late and down", queue.retried)
	}
	if proc.provider != "ses" {
		t.Fatalf("routed to %q, want ses", proc.provider)
	}
}

func received(m types.Message, count int) types.Message {
	m.Attributes = map[string]string{
		string(types.MessageSystemAttributeNameApproximateReceiveCount): strconv.Itoa(count),
	}
	return m
}

func TestConsumer_UnknownMessageRetriedUntilExhausted(t *testing.T) {
	proc := &scriptedProcessor{errs: map[string]error{
		"early": fmt.Errorf("resolve: %w", db.ErrNotFound),
	}}

	tests := []struct {
		name        string
		receives    int
		wantDeleted bool
	}{
		{"first delivery", 1, false},
		{"below cap", 4, false},
		{"at cap", 5, true},
		{"past cap", 9, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := &fakeQueue{messages: []types.Message{received(message("h", "early"), tt.receives)}}
			c := newConsumer(queue, proc, Config{QueueURL: "https://sqs.local/q"}, zap.NewNop())

			if _, err := c.Poll(context.Background()); err != nil {
				t.Fatal(err)
			}
			if got := len(queue.deleted) == 1; got != tt.wantDeleted {
				t.Fatalf("deleted = %v, want %v", queue.deleted, tt.wantDeleted)
			}
			if got := len(queue.retried) == 1; got == tt.wantDeleted {
				t.Fatalf("retried = %v", queue.retried)
			}
			attrs := queue.lastIn.MessageSystemAttributeNames
			if len(attrs) != 1 || attrs[0] != types.MessageSystemAttributeNameApproximateReceiveCount {
				t.Fatalf("receive count not requested: %v", attrs)
			}
		})
	}
}

func TestConsumer_RunStopsOnCancel(t *testing.T) {
	queue := &fakeQueue{}
	c := newConsumer(queue, &scriptedProcessor{}, Config{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Run(ctx)
}
