package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/clock"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/health"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/suppression"
)

type recordingNotifier struct {
	changes []db.StatusChange
}

func (n *recordingNotifier) NotifyStatus(ctx context.Context, c db.StatusChange) {
	n.changes = append(n.changes, c)
}

type fixture struct {
	svc      *Service
	store    *db.MemoryRepository
	filter   *suppression.Filter
	health   *health.Registry
	clock    *clock.Fixed
	notifier *recordingNotifier
}

func newFixture(t *testing.T, limiter suppression.Limiter) *fixture {
	t.Helper()
	logger := zap.NewNop()
	store := db.NewMemoryRepository(logger)
	clk := clock.NewFixed(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	filter := suppression.NewFilter(store, limiter, suppression.Config{SoftBounceThreshold: 3}, clk, logger)
	reg := health.NewRegistry(health.DefaultConfig(), nil, clk, logger)
	n := &recordingNotifier{}
	return &fixture{
		svc:      New(store, filter, reg, n, clk, Config{MaxBulkRecipients: 5}, logger),
		store:    store,
		filter:   filter,
		health:   reg,
		clock:    clk,
		notifier: n,
	}
}

func priority(p db.Priority) *db.Priority { return &p }

func emailRequest(address string, msgType db.MessageType) SendRequest {
	return SendRequest{
		Content: Content{
			Channel:     db.ChannelEmail,
			Priority:    priority(db.P1),
			MessageType: msgType,
			Subject:     "Your invoice",
			Body:        "Hello",
			SourceType:  db.RefInvoice,
			SourceID:    "inv-7",
		},
		RecipientAddress: address,
		RecipientType:    db.RefContact,
		RecipientID:      "c-1",
		Data:             json.RawMessage(`{"amount":"42.00"}`),
	}
}

func TestService_SendQueues(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.Send(ctx, emailRequest("A@x.com", db.TypeTransactional))
	if err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if !res.Success || res.UUID == "" {
		t.Fatalf("result = %+v, want success with uuid", res)
	}

	id := uuid.MustParse(res.UUID)
	m, err := f.store.GetMessageByUUID(ctx, id)
	if err != nil {
		t.Fatalf("message not stored: %v", err)
	}
	if m.Status != db.StatusQueued {
		t.Errorf("status = %s, want queued", m.Status)
	}
	if m.Priority != db.P1 {
		t.Errorf("priority = %s, want P1", m.Priority)
	}
	if m.Source == nil || m.Source.Kind != db.RefInvoice || m.Source.ID != "inv-7" {
		t.Errorf("source = %+v, want invoice inv-7", m.Source)
	}
	if m.Recipient == nil || m.Recipient.Kind != db.RefContact {
		t.Errorf("recipient = %+v, want contact", m.Recipient)
	}
	if !m.CreatedAt.Equal(f.clock.Now()) {
		t.Errorf("created_at = %v, want %v", m.CreatedAt, f.clock.Now())
	}
}

func TestService_SendDefaultsPriority(t *testing.T) {
	f := newFixture(t, nil)
	req := emailRequest("a@x.com", db.TypeAlert)
	req.Priority = nil

	res, err := f.svc.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	snap, err := f.svc.GetStatus(context.Background(), uuid.MustParse(res.UUID))
	if err != nil {
		t.Fatalf("GetStatus() failed: %v", err)
	}
	if snap.Priority != DefaultPriority {
		t.Errorf("priority = %s, want %s", snap.Priority, DefaultPriority)
	}
}

func TestService_SendValidation(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		mutate func(*SendRequest)
		field  string
	}{
		{"bad channel", func(r *SendRequest) { r.Channel = "fax" }, "channel"},
		{"bad priority", func(r *SendRequest) { r.Priority = priority(7) }, "priority"},
		{"bad type", func(r *SendRequest) { r.MessageType = "promo" }, "message_type"},
		{"no body or template", func(r *SendRequest) { r.Body = ""; r.Template = "" }, "body"},
		{"missing address", func(r *SendRequest) { r.RecipientAddress = " " }, "recipient_address"},
		{"bad email", func(r *SendRequest) { r.RecipientAddress = "not-an-email" }, "recipient_address"},
		{"bad phone", func(r *SendRequest) { r.Channel = db.ChannelSMS; r.IPPool = ""; r.RecipientAddress = "call me" }, "recipient_address"},
		{"bad recipient kind", func(r *SendRequest) { r.RecipientType = "deal" }, "recipient_type"},
		{"bad source kind", func(r *SendRequest) { r.SourceType = "contact" }, "source_type"},
		{"ip pool on sms", func(r *SendRequest) { r.Channel = db.ChannelSMS; r.RecipientAddress = "+15550100"; r.IPPool = "bulk" }, "ip_pool"},
		{"data not an object", func(r *SendRequest) { r.Data = json.RawMessage(`[1,2]`) }, "data"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := emailRequest("a@x.com", db.TypeCampaign)
			tt.mutate(&req)

			res, err := f.svc.Send(context.Background(), req)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Send() = %+v, %v; want ValidationError", res, err)
			}
			if verr.Field != tt.field {
				t.Errorf("field = %q, want %q", verr.Field, tt.field)
			}
		})
	}

	stats, _ := f.store.QueueStats(context.Background())
	if len(stats) != 0 {
		t.Errorf("invalid requests created rows: %+v", stats)
	}
}

func TestService_SendSuppression(t *testing.T) {
	tests := []struct {
		name    string
		reason  db.SuppressionReason
		msgType db.MessageType
		want    bool
	}{
		{"hard bounce blocks campaign", db.ReasonHardBounce, db.TypeCampaign, false},
		{"hard bounce blocks transactional", db.ReasonHardBounce, db.TypeTransactional, false},
		{"hard bounce blocks emergency", db.ReasonHardBounce, db.TypeEmergency, false},
		{"complaint blocks newsletter", db.ReasonComplaint, db.TypeNewsletter, false},
		{"complaint bypassed by transactional", db.ReasonComplaint, db.TypeTransactional, true},
		{"opt out bypassed by emergency", db.ReasonOptOut, db.TypeEmergency, true},
		{"opt out blocks alert", db.ReasonOptOut, db.TypeAlert, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			ctx := context.Background()

			var err error
			switch tt.reason {
			case db.ReasonHardBounce:
				err = f.filter.RecordHardBounce(ctx, db.ChannelEmail, "a@x.com", "ses")
			case db.ReasonComplaint:
				err = f.filter.RecordComplaint(ctx, db.ChannelEmail, "a@x.com", "ses")
			case db.ReasonOptOut:
				err = f.filter.OptOut(ctx, db.ChannelEmail, "a@x.com", "manual", nil)
			}
			if err != nil {
				t.Fatalf("seed suppression: %v", err)
			}

			res, err := f.svc.Send(ctx, emailRequest("a@x.com", tt.msgType))
			if err != nil {
				t.Fatalf("Send() failed: %v", err)
			}
			if res.Success != tt.want {
				t.Fatalf("success = %v, want %v (%+v)", res.Success, tt.want, res)
			}

			stats, _ := f.store.QueueStats(ctx)
			rows := int64(0)
			for _, s := range stats {
				rows += s.Count
			}
			// exactly one of: a queued row, or a suppressed result
			if tt.want && rows != 1 {
				t.Errorf("rows = %d, want 1", rows)
			}
			if !tt.want {
				if rows != 0 {
					t.Errorf("rows = %d, want 0 for suppressed send", rows)
				}
				if res.Reason != ReasonSuppressed || res.UUID != "" {
					t.Errorf("result = %+v, want suppressed without uuid", res)
				}
			}
		})
	}
}

func TestService_SendCanonicalEmailForms(t *testing.T) {
	tests := []struct {
		name    string
		address string
	}{
		{"angle brackets", "<a@x.com>"},
		{"display name", "Alice <a@x.com>"},
		{"quoted display name", `"Doe, Alice" <A@X.com>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			ctx := context.Background()
			if err := f.filter.RecordHardBounce(ctx, db.ChannelEmail, "a@x.com", "ses"); err != nil {
				t.Fatal(err)
			}

			res, err := f.svc.Send(ctx, emailRequest(tt.address, db.TypeTransactional))
			if err != nil {
				t.Fatalf("Send() failed: %v", err)
			}
			if res.Success || res.Reason != ReasonSuppressed {
				t.Fatalf("result = %+v, want suppressed", res)
			}
		})
	}

	f := newFixture(t, nil)
	res, err := f.svc.Send(context.Background(), emailRequest("Bob <b@x.com>", db.TypeTransactional))
	if err != nil || !res.Success {
		t.Fatalf("Send() = %+v, %v", res, err)
	}
	m, err := f.store.GetMessageByUUID(context.Background(), uuid.MustParse(res.UUID))
	if err != nil {
		t.Fatal(err)
	}
	if m.RecipientAddress != "b@x.com" {
		t.Errorf("stored address = %q, want b@x.com", m.RecipientAddress)
	}
}

func TestService_SendRateLimitedMarketing(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), zap.NewNop())
	limiter := redis.NewRateLimiter(client, zap.NewNop(), redis.RateLimitConfig{Limit: 1, Window: time.Hour})

	f := newFixture(t, limiter)
	ctx := context.Background()

	if res, _ := f.svc.Send(ctx, emailRequest("a@x.com", db.TypeCampaign)); !res.Success {
		t.Fatalf("first campaign send rejected: %+v", res)
	}
	res, err := f.svc.Send(ctx, emailRequest("a@x.com", db.TypeCampaign))
	if err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if res.Success || res.Reason != ReasonSuppressed {
		t.Errorf("second campaign send = %+v, want suppressed", res)
	}

	// transactional traffic is not rate limited
	if res, _ := f.svc.Send(ctx, emailRequest("a@x.com", db.TypeTransactional)); !res.Success {
		t.Errorf("transactional send rejected: %+v", res)
	}
}

func TestService_SendBulkWithHardBouncedRecipient(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.filter.RecordHardBounce(ctx, db.ChannelEmail, "two@x.com", "postal"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	req := BulkRequest{
		Content: Content{
			Channel:     db.ChannelEmail,
			Priority:    priority(db.P3),
			MessageType: db.TypeNewsletter,
			Template:    "may-digest",
			SourceType:  db.RefCampaign,
			SourceID:    "cmp-1",
		},
		SharedData: json.RawMessage(`{"month":"May","greeting":"Hi"}`),
		Recipients: []BulkRecipient{
			{Address: "one@x.com", Type: db.RefLead, ID: "l-1", Data: json.RawMessage(`{"greeting":"Hey Ana"}`)},
			{Address: "two@x.com"},
			{Address: "three@x.com"},
		},
	}

	res, err := f.svc.SendBulk(ctx, req)
	if err != nil {
		t.Fatalf("SendBulk() failed: %v", err)
	}
	if res.Queued != 2 || res.Suppressed != 1 {
		t.Fatalf("queued=%d suppressed=%d, want 2 and 1", res.Queued, res.Suppressed)
	}
	if res.Queued+res.Suppressed != len(req.Recipients) {
		t.Error("bulk counts do not add up to the recipient count")
	}
	if len(res.UUIDs) != 2 {
		t.Fatalf("uuids = %v, want 2", res.UUIDs)
	}

	first, err := f.store.GetMessageByUUID(ctx, uuid.MustParse(res.UUIDs[0]))
	if err != nil {
		t.Fatalf("first message missing: %v", err)
	}
	var data map[string]string
	if err := json.Unmarshal(first.Data, &data); err != nil {
		t.Fatalf("data not an object: %v", err)
	}
	if data["greeting"] != "Hey Ana" || data["month"] != "May" {
		t.Errorf("merged data = %v, want item greeting over shared month", data)
	}
	if first.Recipient == nil || first.Recipient.Kind != db.RefLead {
		t.Errorf("recipient = %+v, want lead", first.Recipient)
	}
	if first.Template != "may-digest" || first.Priority != db.P3 {
		t.Errorf("shared fields not copied: %+v", first)
	}
}

func TestService_SendBulkValidation(t *testing.T) {
	f := newFixture(t, nil)
	base := Content{Channel: db.ChannelSMS, MessageType: db.TypeAlert, Body: "Storm warning"}

	tests := []struct {
		name string
		req  BulkRequest
	}{
		{"no recipients", BulkRequest{Content: base}},
		{"too many recipients", BulkRequest{Content: base, Recipients: make([]BulkRecipient, 6)}},
		{"one bad address", BulkRequest{Content: base, Recipients: []BulkRecipient{{Address: "+15550100"}, {Address: "nope"}}}},
		{"shared data not an object", BulkRequest{Content: base, SharedData: json.RawMessage(`"x"`), Recipients: []BulkRecipient{{Address: "+15550100"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.SendBulk(context.Background(), tt.req)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("SendBulk() error = %v, want ValidationError", err)
			}
		})
	}

	stats, _ := f.store.QueueStats(context.Background())
	if len(stats) != 0 {
		t.Errorf("rejected bulk created rows: %+v", stats)
	}
}

func TestService_SendBulkAllSuppressed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_ = f.filter.OptOut(ctx, db.ChannelEmail, "a@x.com", "manual", nil)

	res, err := f.svc.SendBulk(ctx, BulkRequest{
		Content:    Content{Channel: db.ChannelEmail, MessageType: db.TypeCampaign, Body: "Sale"},
		Recipients: []BulkRecipient{{Address: "a@x.com"}},
	})
	if err != nil {
		t.Fatalf("SendBulk() failed: %v", err)
	}
	if res.Queued != 0 || res.Suppressed != 1 {
		t.Errorf("result = %+v, want everything suppressed", res)
	}
}

func TestService_GetStatusNotFound(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.GetStatus(context.Background(), uuid.New())
	if !errors.Is(err, db.ErrNotFound) {
		t.Errorf("GetStatus() error = %v, want ErrNotFound", err)
	}
}

func TestService_Cancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.Send(ctx, emailRequest("a@x.com", db.TypeCampaign))
	if err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	id := uuid.MustParse(res.UUID)

	ok, err := f.svc.Cancel(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Cancel() = %v, %v; want true", ok, err)
	}
	snap, _ := f.svc.GetStatus(ctx, id)
	if snap.Status != db.StatusCancelled {
		t.Errorf("status = %s, want cancelled", snap.Status)
	}
	if len(f.notifier.changes) != 1 || f.notifier.changes[0].Status != db.StatusCancelled {
		t.Errorf("notifications = %+v, want one cancel", f.notifier.changes)
	}

	// second cancel finds a terminal row
	ok, err = f.svc.Cancel(ctx, id)
	if err != nil || ok {
		t.Errorf("second Cancel() = %v, %v; want false", ok, err)
	}

	ok, err = f.svc.Cancel(ctx, uuid.New())
	if err != nil || ok {
		t.Errorf("Cancel(unknown) = %v, %v; want false", ok, err)
	}
}

func TestService_CancelAfterClaim(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, _ := f.svc.Send(ctx, emailRequest("a@x.com", db.TypeCampaign))
	m, _ := f.store.GetMessageByUUID(ctx, uuid.MustParse(res.UUID))
	if err := f.store.Transition(ctx, db.NewTransition(m, db.StatusSending, f.clock.Now())); err != nil {
		t.Fatalf("claim: %v", err)
	}

	ok, err := f.svc.Cancel(ctx, m.UUID)
	if err != nil || ok {
		t.Errorf("Cancel() on sending = %v, %v; want false", ok, err)
	}
}

func TestService_EventsAndStats(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, _ := f.svc.Send(ctx, emailRequest("a@x.com", db.TypeCampaign))
	_, _ = f.svc.Send(ctx, SendRequest{
		Content:          Content{Channel: db.ChannelSMS, Priority: priority(db.P0), MessageType: db.TypeEmergency, Body: "Evacuate"},
		RecipientAddress: "+1 555 0100",
	})
	m, _ := f.store.GetMessageByUUID(ctx, uuid.MustParse(res.UUID))
	if err := f.store.InsertDeliveryEvent(ctx, &db.DeliveryEvent{
		MessageID:     m.ID,
		EventType:     db.EventUnrecognized,
		ProviderEvent: "MessageHeld",
		Source:        "postal",
		EventData:     json.RawMessage(`{}`),
		ReceivedAt:    f.clock.Now(),
	}); err != nil {
		t.Fatalf("insert event: %v", err)
	}

	events, err := f.svc.Events(ctx, m.UUID)
	if err != nil {
		t.Fatalf("Events() failed: %v", err)
	}
	if len(events) != 1 || events[0].ProviderEvent != "MessageHeld" {
		t.Errorf("events = %+v, want the held event", events)
	}
	if _, err := f.svc.Events(ctx, uuid.New()); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Events(unknown) error = %v, want ErrNotFound", err)
	}

	queue, err := f.svc.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats() failed: %v", err)
	}
	if len(queue) != 2 || queue[0].Priority != db.P0 {
		t.Errorf("queue stats = %+v, want P0 bucket first", queue)
	}

	f.health.RecordSuccess(db.ChannelSMS, "sns")
	reports, err := f.svc.ChannelStats(ctx)
	if err != nil {
		t.Fatalf("ChannelStats() failed: %v", err)
	}
	if len(reports) != len(db.Channels) {
		t.Fatalf("reports = %d, want one per channel", len(reports))
	}
	for _, r := range reports {
		switch r.Channel {
		case db.ChannelEmail:
			if r.Total != 1 || r.Statuses[db.StatusQueued] != 1 {
				t.Errorf("email report = %+v", r)
			}
		case db.ChannelSMS:
			if r.Total != 1 || len(r.Health) != 1 || r.Health[0].Provider != "sns" {
				t.Errorf("sms report = %+v", r)
			}
		case db.ChannelPush:
			if r.Total != 0 {
				t.Errorf("push report = %+v", r)
			}
		}
	}
}

func TestService_SuppressAndUnsuppress(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.svc.Suppress(ctx, SuppressRequest{Channel: db.ChannelEmail, Address: "A@X.com"}); err != nil {
		t.Fatalf("Suppress() failed: %v", err)
	}
	res, _ := f.svc.Send(ctx, emailRequest("a@x.com", db.TypeNewsletter))
	if res.Success {
		t.Fatal("opted-out recipient was queued")
	}

	rules, err := f.svc.Suppressions(ctx, db.ChannelEmail, "a@x.com")
	if err != nil || len(rules) != 1 || rules[0].Source != "manual" {
		t.Fatalf("Suppressions() = %+v, %v", rules, err)
	}

	if err := f.svc.Unsuppress(ctx, UnsuppressRequest{Channel: db.ChannelEmail, Address: "a@x.com"}); err != nil {
		t.Fatalf("Unsuppress() failed: %v", err)
	}
	res, _ = f.svc.Send(ctx, emailRequest("a@x.com", db.TypeNewsletter))
	if !res.Success {
		t.Errorf("send after unsuppress = %+v", res)
	}

	err = f.svc.Unsuppress(ctx, UnsuppressRequest{Channel: db.ChannelEmail, Address: "a@x.com"})
	if !errors.Is(err, db.ErrNotFound) {
		t.Errorf("second Unsuppress() error = %v, want ErrNotFound", err)
	}

	past := f.clock.Now().Add(-time.Hour)
	var verr *ValidationError
	if err := f.svc.Suppress(ctx, SuppressRequest{Channel: db.ChannelEmail, Address: "b@x.com", ExpiresAt: &past}); !errors.As(err, &verr) {
		t.Errorf("Suppress(expired) error = %v, want ValidationError", err)
	}
	if err := f.svc.Unsuppress(ctx, UnsuppressRequest{Channel: db.ChannelEmail, Address: "b@x.com", Reason: "spite"}); !errors.As(err, &verr) {
		t.Errorf("Unsuppress(bad reason) error = %v, want ValidationError", err)
	}
}
