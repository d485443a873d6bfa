package db

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func newQueued(p Priority, created time.Time) *Message {
	return &Message{
		UUID:             uuid.New(),
		Channel:          ChannelEmail,
		Priority:         p,
		Type:             TypeAlert,
		RecipientAddress: "someone@example.com",
		Status:           StatusQueued,
		CreatedAt:        created,
	}
}

func TestMemoryRepository_DispatchOrder(t *testing.T) {
	repo := NewMemoryRepository(zap.NewNop())
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	p2old := newQueued(P2, t0)
	p2new := newQueued(P2, t0.Add(time.Second))
	p0 := newQueued(P0, t0.Add(2*time.Second))
	future := newQueued(P0, t0)
	later := t0.Add(time.Hour)
	future.ScheduledFor = &later

	for _, m := range []*Message{p2old, p2new, p0, future} {
		if err := repo.CreateMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := repo.ListDispatchable(ctx, t0.Add(time.Minute), 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []uuid.UUID{p0.UUID, p2old.UUID, p2new.UUID}
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].UUID != want[i] {
			t.Errorf("position %d: got %s, want %s", i, got[i].UUID, want[i])
		}
	}
}

func TestMemoryRepository_ConcurrentClaimSucceedsOnce(t *testing.T) {
	repo := NewMemoryRepository(zap.NewNop())
	ctx := context.Background()
	m := newQueued(P1, time.Now())
	if err := repo.CreateMessage(ctx, m); err != nil {
		t.Fatal(err)
	}

	var wins, conflicts int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.Transition(ctx, NewTransition(m, StatusSending, time.Now()))
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, ErrConflict):
				atomic.AddInt32(&conflicts, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != 15 {
		t.Fatalf("wins=%d conflicts=%d, want 1 and 15", wins, conflicts)
	}
}

func TestMemoryRepository_TransitionNotFound(t *testing.T) {
	repo := NewMemoryRepository(zap.NewNop())
	err := repo.Transition(context.Background(), Transition{MessageID: 99, From: StatusQueued, To: StatusSending})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRepository_FindByExternalID(t *testing.T) {
	repo := NewMemoryRepository(zap.NewNop())
	ctx := context.Background()

	stored := "<abc123@mail.example.com>"
	m := newQueued(P2, time.Now())
	if err := repo.CreateMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	claim := NewTransition(m, StatusSending, time.Now())
	if err := repo.Transition(ctx, claim); err != nil {
		t.Fatal(err)
	}
	claim.Apply(m)
	sent := NewTransition(m, StatusSent, time.Now())
	sent.ExternalID = &stored
	if err := repo.Transition(ctx, sent); err != nil {
		t.Fatal(err)
	}

	if _, err := repo.FindByExternalID(ctx, "abc123@mail.example.com", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("exact lookup should miss, got %v", err)
	}
	got, err := repo.FindByExternalID(ctx, "abc123@mail.example.com", true)
	if err != nil {
		t.Fatalf("substring lookup failed: %v", err)
	}
	if got.UUID != m.UUID {
		t.Fatalf("got %s, want %s", got.UUID, m.UUID)
	}
}

func TestMemoryRepository_DuplicateEventsFlagged(t *testing.T) {
	repo := NewMemoryRepository(zap.NewNop())
	ctx := context.Background()
	eventID := "evt-1"

	first := &DeliveryEvent{MessageID: 1, EventType: EventDelivered, ExternalEventID: &eventID}
	second := &DeliveryEvent{MessageID: 1, EventType: EventDelivered, ExternalEventID: &eventID}
	noID := &DeliveryEvent{MessageID: 1, EventType: EventOpened}

	for _, ev := range []*DeliveryEvent{first, second, noID} {
		if err := repo.InsertDeliveryEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	if first.Duplicate || !second.Duplicate || noID.Duplicate {
		t.Fatalf("duplicate flags = %v %v %v, want false true false", first.Duplicate, second.Duplicate, noID.Duplicate)
	}

	events, _ := repo.ListDeliveryEvents(ctx, 1)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
}

func TestMemoryRepository_RecoverStale(t *testing.T) {
	repo := NewMemoryRepository(zap.NewNop())
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	m := newQueued(P1, t0)
	if err := repo.CreateMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	if err := repo.Transition(ctx, NewTransition(m, StatusSending, t0)); err != nil {
		t.Fatal(err)
	}

	n, err := repo.RecoverStale(ctx, t0.Add(-time.Minute), t0.Add(time.Minute))
	if err != nil || n != 0 {
		t.Fatalf("fresh claim recovered: n=%d err=%v", n, err)
	}

	n, err = repo.RecoverStale(ctx, t0.Add(5*time.Minute), t0.Add(10*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v, want 1", n, err)
	}

	got, _ := repo.GetMessage(ctx, m.ID)
	if got.Status != StatusQueued || got.Attempts != 1 {
		t.Fatalf("status=%s attempts=%d, want queued and 1", got.Status, got.Attempts)
	}
}

func TestMemoryRepository_SoftBounceCounter(t *testing.T) {
	repo := NewMemoryRepository(zap.NewNop())
	ctx := context.Background()
	now := time.Now()

	for want := 1; want <= 3; want++ {
		hits, err := repo.RecordSoftBounce(ctx, ChannelEmail, "a@example.com", "postal", now)
		if err != nil {
			t.Fatal(err)
		}
		if hits != want {
			t.Fatalf("hits = %d, want %d", hits, want)
		}
	}

	if err := repo.DeleteSuppression(ctx, ChannelEmail, "a@example.com", ReasonSoftBounce); err != nil {
		t.Fatal(err)
	}
	if err := repo.DeleteSuppression(ctx, ChannelEmail, "a@example.com", ReasonSoftBounce); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRepository_DispatchSkipsChannels(t *testing.T) {
	repo := NewMemoryRepository(zap.NewNop())
	ctx := context.Background()
	now := time.Now()

	email := newQueued(P0, now)
	sms := newQueued(P3, now)
	sms.Channel = ChannelSMS
	for _, m := range []*Message{email, sms} {
		if err := repo.CreateMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := repo.ListDispatchable(ctx, now, 10, []Channel{ChannelEmail})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].UUID != sms.UUID {
		t.Fatalf("expected only the sms message, got %d messages", len(got))
	}
}
