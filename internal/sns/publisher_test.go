package sns

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

type fakeSNS struct {
	published []*sns.PublishInput
	batch     *sns.PublishBatchInput
	confirmed *sns.ConfirmSubscriptionInput
	err       error
}

func (f *fakeSNS) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.published = append(f.published, in)
	return &sns.PublishOutput{MessageId: aws.String("sns-1")}, nil
}

func (f *fakeSNS) PublishBatch(ctx context.Context, in *sns.PublishBatchInput, _ ...func(*sns.Options)) (*sns.PublishBatchOutput, error) {
	f.batch = in
	out := &sns.PublishBatchOutput{}
	for _, e := range in.PublishBatchRequestEntries {
		out.Successful = append(out.Successful, types.PublishBatchResultEntry{Id: e.Id, MessageId: aws.String("m-" + aws.ToString(e.Id))})
	}
	return out, nil
}

func (f *fakeSNS) ConfirmSubscription(ctx context.Context, in *sns.ConfirmSubscriptionInput, _ ...func(*sns.Options)) (*sns.ConfirmSubscriptionOutput, error) {
	f.confirmed = in
	return &sns.ConfirmSubscriptionOutput{SubscriptionArn: aws.String("arn:sub")}, nil
}

func testChange() db.StatusChange {
	return db.StatusChange{
		MessageUUID: uuid.New(),
		Channel:     db.ChannelEmail,
		Previous:    db.StatusSent,
		Status:      db.StatusDelivered,
		Provider:    "ses",
		Event:       db.EventDelivered,
		At:          time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestPublisher_NotifyStatus(t *testing.T) {
	fake := &fakeSNS{}
	p := newPublisher(fake, "arn:aws:sns:us-east-1:123:status", zap.NewNop())
	c := testChange()

	p.NotifyStatus(context.Background(), c)

	if len(fake.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(fake.published))
	}
	in := fake.published[0]
	if aws.ToString(in.MessageAttributes["status"].StringValue) != "delivered" {
		t.Errorf("status attribute = %q", aws.ToString(in.MessageAttributes["status"].StringValue))
	}
	var decoded db.StatusChange
	if err := json.Unmarshal([]byte(aws.ToString(in.Message)), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.MessageUUID != c.MessageUUID || decoded.Status != db.StatusDelivered {
		t.Errorf("unexpected body %+v", decoded)
	}
}

func TestPublisher_NotifyStatusSwallowsErrors(t *testing.T) {
	fake := &fakeSNS{err: errors.New("throttled")}
	p := newPublisher(fake, "arn", zap.NewNop())
	p.NotifyStatus(context.Background(), testChange())
}

func TestPublisher_NoTopicIsNoop(t *testing.T) {
	fake := &fakeSNS{}
	p := newPublisher(fake, "", zap.NewNop())
	p.NotifyStatus(context.Background(), testChange())
	if len(fake.published) != 0 {
		t.Fatal("publisher without a topic should not publish")
	}
}

func TestPublisher_PublishBatch(t *testing.T) {
	fake := &fakeSNS{}
	p := newPublisher(fake, "arn", zap.NewNop())

	ids, err := p.PublishBatch(context.Background(), []db.StatusChange{testChange(), testChange()})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "m-0" {
		t.Fatalf("ids = %v", ids)
	}

	if _, err := p.PublishBatch(context.Background(), make([]db.StatusChange, 11)); err == nil {
		t.Fatal("expected error for oversized batch")
	}
}

func TestPublisher_ConfirmSubscription(t *testing.T) {
	fake := &fakeSNS{}
	p := newPublisher(fake, "", zap.NewNop())

	if err := p.ConfirmSubscription(context.Background(), "arn:topic", "tok"); err != nil {
		t.Fatal(err)
	}
	if aws.ToString(fake.confirmed.TopicArn) != "arn:topic" || aws.ToString(fake.confirmed.Token) != "tok" {
		t.Fatalf("unexpected input %+v", fake.confirmed)
	}
}
