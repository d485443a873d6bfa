package db

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StatusChange describes a committed lifecycle transition. Duplicate
// provider callbacks never produce one.
type StatusChange struct {
	MessageUUID uuid.UUID `json:"message_uuid"`
	Channel     Channel   `json:"channel"`
	Previous    Status    `json:"previous"`
	Status      Status    `json:"status"`
	Provider    string    `json:"provider,omitempty"`
	ExternalID  string    `json:"external_id,omitempty"`
	Event       EventType `json:"event,omitempty"`
	At          time.Time `json:"at"`
}

// NewStatusChange builds the change record for m moving from prev.
func NewStatusChange(m *Message, prev Status, at time.Time) StatusChange {
	c := StatusChange{
		MessageUUID: m.UUID,
		Channel:     m.Channel,
		Previous:    prev,
		Status:      m.Status,
		Provider:    m.Provider,
		At:          at,
	}
	if m.ExternalID != nil {
		c.ExternalID = *m.ExternalID
	}
	return c
}

// StatusNotifier receives committed status changes. Implementations must
// not block the caller for long.
type StatusNotifier interface {
	NotifyStatus(ctx context.Context, change StatusChange)
}

// Notifiers fans a change out to several notifiers.
type Notifiers []StatusNotifier

func (n Notifiers) NotifyStatus(ctx context.Context, change StatusChange) {
	for _, notifier := range n {
		if notifier != nil {
			notifier.NotifyStatus(ctx, change)
		}
	}
}
