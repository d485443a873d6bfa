package db

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusSending, true},
		{StatusQueued, StatusCancelled, true},
		{StatusQueued, StatusSent, false},
		{StatusSending, StatusSent, true},
		{StatusSending, StatusQueued, true},
		{StatusSending, StatusCancelled, false},
		{StatusSent, StatusBounced, true},
		{StatusDelivered, StatusBounced, false},
		{StatusDelivered, StatusOpened, true},
		{StatusOpened, StatusDelivered, false},
		{StatusClicked, StatusComplained, true},
		{StatusBounced, StatusDelivered, false},
		{StatusCancelled, StatusQueued, false},
		{StatusFailed, StatusQueued, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []Status{StatusBounced, StatusComplained, StatusCancelled, StatusFailed} {
		if !IsTerminal(s) {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusQueued, StatusSending, StatusSent, StatusDelivered, StatusOpened, StatusClicked} {
		if IsTerminal(s) {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestResolveEvent(t *testing.T) {
	tests := []struct {
		name    string
		current Status
		event   EventType
		want    Status
		changed bool
	}{
		{"delivered after sent", StatusSent, EventDelivered, StatusDelivered, true},
		{"opened skips delivered", StatusSent, EventOpened, StatusOpened, true},
		{"late delivered after opened", StatusOpened, EventDelivered, StatusOpened, false},
		{"clicked after opened", StatusOpened, EventClicked, StatusClicked, true},
		{"repeat delivered", StatusDelivered, EventDelivered, StatusDelivered, false},
		{"bounce after sent", StatusSent, EventBounced, StatusBounced, true},
		{"bounce after delivered", StatusDelivered, EventBounced, StatusDelivered, false},
		{"complaint after clicked", StatusClicked, EventComplained, StatusComplained, true},
		{"complaint twice", StatusComplained, EventComplained, StatusComplained, false},
		{"delivered while queued", StatusQueued, EventDelivered, StatusQueued, false},
		{"delivered after bounce", StatusBounced, EventDelivered, StatusBounced, false},
		{"unrecognized", StatusSent, EventUnrecognized, StatusSent, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := ResolveEvent(tt.current, tt.event)
			if got != tt.want || changed != tt.changed {
				t.Errorf("ResolveEvent(%s, %s) = (%s, %v), want (%s, %v)",
					tt.current, tt.event, got, changed, tt.want, tt.changed)
			}
		})
	}
}

func TestTransition_SentRequiresExternalID(t *testing.T) {
	m := &Message{ID: 1, Status: StatusSending, Version: 2}
	tr := NewTransition(m, StatusSent, time.Now())
	if err := tr.Validate(); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}

	id := "msg-1"
	tr.ExternalID = &id
	if err := tr.Validate(); err != nil {
		t.Fatalf("expected valid transition, got %v", err)
	}
}

func TestTransition_ApplyStampsTimestampsOnce(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	id := "ext-1"
	m := &Message{ID: 1, Status: StatusSending, Version: 1}

	sent := NewTransition(m, StatusSent, t0).WithAttempts(1)
	sent.ExternalID = &id
	sent.Apply(m)

	if m.SentAt == nil || !m.SentAt.Equal(t0) {
		t.Fatalf("sent_at = %v, want %v", m.SentAt, t0)
	}
	if m.Version != 2 || m.Attempts != 1 {
		t.Fatalf("version=%d attempts=%d, want 2 and 1", m.Version, m.Attempts)
	}

	t1 := t0.Add(time.Minute)
	NewTransition(m, StatusDelivered, t1).Apply(m)
	t2 := t1.Add(time.Minute)
	NewTransition(m, StatusOpened, t2).Apply(m)

	if !m.DeliveredAt.Equal(t1) {
		t.Errorf("delivered_at = %v, want %v", m.DeliveredAt, t1)
	}
	if !m.SentAt.Equal(t0) {
		t.Errorf("sent_at moved to %v", m.SentAt)
	}
	if m.Attempts != 1 {
		t.Errorf("attempts decreased or changed: %d", m.Attempts)
	}
}

func TestTransition_AttemptsNeverDecrease(t *testing.T) {
	m := &Message{ID: 1, Status: StatusSending, Version: 1, Attempts: 3}
	NewTransition(m, StatusQueued, time.Now()).WithAttempts(1).Apply(m)
	if m.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", m.Attempts)
	}
}

func TestPriority_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{`"P0"`, P0, false},
		{`"p3"`, P3, false},
		{`"2"`, P2, false},
		{`4`, P4, false},
		{`"P5"`, 0, true},
		{`9`, 0, true},
		{`"high"`, 0, true},
	}

	for _, tt := range tests {
		var p Priority
		err := p.UnmarshalJSON([]byte(tt.in))
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.in)
			}
			continue
		}
		if err != nil || p != tt.want {
			t.Errorf("%s: got (%v, %v), want %v", tt.in, p, err, tt.want)
		}
	}
}

func TestNormalizeAddress(t *testing.T) {
	if got := NormalizeAddress(ChannelEmail, "  Jane@Example.COM "); got != "jane@example.com" {
		t.Errorf("email: got %q", got)
	}
	if got := NormalizeAddress(ChannelEmail, "Jane Doe <Jane@Example.com>"); got != "jane@example.com" {
		t.Errorf("email with display name: got %q", got)
	}
	if got := NormalizeAddress(ChannelSMS, "+1 (555) 010-2000"); got != "+15550102000" {
		t.Errorf("sms: got %q", got)
	}
	if got := NormalizeAddress(ChannelPush, "Token-ABC"); got != "Token-ABC" {
		t.Errorf("push: got %q", got)
	}
}

func TestParsePriorityErrorQuotesInput(t *testing.T) {
	for _, in := range []string{"P7", " p9 ", "urgent"} {
		_, err := ParsePriority(in)
		if err == nil {
			t.Fatalf("%q: expected error", in)
		}
		if want := fmt.Sprintf("invalid priority %q", in); err.Error() != want {
			t.Errorf("error = %q, want %q", err, want)
		}
	}
}
