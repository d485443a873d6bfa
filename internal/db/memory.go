package db

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryRepository is an in-process store with the same conditional-update
// contract as Repository. It backs local development (STORE_DRIVER=memory)
// and package tests. Rows are copied in and out so callers never alias
// stored state.
type MemoryRepository struct {
	mu           sync.Mutex
	logger       *zap.Logger
	nextID       int64
	nextEventID  int64
	messages     map[int64]*Message
	byUUID       map[uuid.UUID]int64
	events       []*DeliveryEvent
	eventKeys    map[eventKey]bool
	suppressions map[suppressionKey]*Suppression
	health       map[healthKey]ChannelHealth
}

type eventKey struct {
	messageID int64
	eventID   string
}

type suppressionKey struct {
	channel Channel
	address string
	reason  SuppressionReason
}

type healthKey struct {
	channel  Channel
	provider string
}

// NewMemoryRepository creates an empty in-memory store.
func NewMemoryRepository(logger *zap.Logger) *MemoryRepository {
	return &MemoryRepository{
		logger:       logger,
		messages:     make(map[int64]*Message),
		byUUID:       make(map[uuid.UUID]int64),
		eventKeys:    make(map[eventKey]bool),
		suppressions: make(map[suppressionKey]*Suppression),
		health:       make(map[healthKey]ChannelHealth),
	}
}

func cloneMessage(m *Message) *Message {
	c := *m
	return &c
}

func (r *MemoryRepository) insertLocked(m *Message) {
	r.nextID++
	m.ID = r.nextID
	if m.Version == 0 {
		m.Version = 1
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	r.messages[m.ID] = cloneMessage(m)
	r.byUUID[m.UUID] = m.ID
}

// CreateMessage inserts a new message.
func (r *MemoryRepository) CreateMessage(ctx context.Context, m *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertLocked(m)
	return nil
}

// CreateMessages inserts a batch of messages atomically.
func (r *MemoryRepository) CreateMessages(ctx context.Context, msgs []*Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.insertLocked(m)
	}
	return nil
}

// GetMessage looks a message up by internal id.
func (r *MemoryRepository) GetMessage(ctx context.Context, id int64) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(m), nil
}

// GetMessageByUUID looks a message up by its public uuid.
func (r *MemoryRepository) GetMessageByUUID(ctx context.Context, id uuid.UUID) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rowID, ok := r.byUUID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(r.messages[rowID]), nil
}

// FindByExternalID resolves a provider id; with substring set, a stored id
// containing externalID also matches. The lowest row id wins.
func (r *MemoryRepository) FindByExternalID(ctx context.Context, externalID string, substring bool) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var exact, partial *Message
	for _, m := range r.messages {
		if m.ExternalID == nil {
			continue
		}
		if *m.ExternalID == externalID {
			if exact == nil || m.ID < exact.ID {
				exact = m
			}
			continue
		}
		if substring && strings.Contains(*m.ExternalID, externalID) {
			if partial == nil || m.ID < partial.ID {
				partial = m
			}
		}
	}
	if exact != nil {
		return cloneMessage(exact), nil
	}
	if partial != nil {
		return cloneMessage(partial), nil
	}
	return nil, ErrNotFound
}

// ListDispatchable returns queued messages that are due, by priority then
// age, leaving channels in skip untouched.
func (r *MemoryRepository) ListDispatchable(ctx context.Context, now time.Time, limit int, skip []Channel) ([]*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	skipped := make(map[Channel]bool, len(skip))
	for _, c := range skip {
		skipped[c] = true
	}

	var due []*Message
	for _, m := range r.messages {
		if m.Status != StatusQueued || skipped[m.Channel] {
			continue
		}
		if m.ScheduledFor != nil && m.ScheduledFor.After(now) {
			continue
		}
		if m.NextAttemptAt != nil && m.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, m)
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].ID < due[j].ID
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*Message, len(due))
	for i, m := range due {
		out[i] = cloneMessage(m)
	}
	return out, nil
}

// Transition applies t only if the row is still at t.From and t.Version.
func (r *MemoryRepository) Transition(ctx context.Context, t Transition) error {
	if err := t.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[t.MessageID]
	if !ok {
		return ErrNotFound
	}
	if m.Status != t.From || m.Version != t.Version {
		return ErrConflict
	}
	t.Apply(m)
	return nil
}

// RecoverStale returns sending rows not touched since before to the queue.
func (r *MemoryRepository) RecoverStale(ctx context.Context, before, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, m := range r.messages {
		if m.Status != StatusSending || !m.UpdatedAt.Before(before) {
			continue
		}
		t := NewTransition(m, StatusQueued, at).WithAttempts(m.Attempts + 1).WithError(staleClaimError)
		t.Apply(m)
		n++
	}
	return n, nil
}

// InsertDeliveryEvent appends ev, flagging it duplicate when its
// (message, external event id) pair was already recorded.
func (r *MemoryRepository) InsertDeliveryEvent(ctx context.Context, ev *DeliveryEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !ev.Duplicate && ev.ExternalEventID != nil && *ev.ExternalEventID != "" {
		key := eventKey{messageID: ev.MessageID, eventID: *ev.ExternalEventID}
		if r.eventKeys[key] {
			ev.Duplicate = true
		} else {
			r.eventKeys[key] = true
		}
	}

	r.nextEventID++
	ev.ID = r.nextEventID
	c := *ev
	r.events = append(r.events, &c)
	return nil
}

// ListDeliveryEvents returns a message's events in arrival order.
func (r *MemoryRepository) ListDeliveryEvents(ctx context.Context, messageID int64) ([]*DeliveryEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*DeliveryEvent
	for _, ev := range r.events {
		if ev.MessageID == messageID {
			c := *ev
			out = append(out, &c)
		}
	}
	return out, nil
}

// QueueStats groups messages by priority and status.
func (r *MemoryRepository) QueueStats(ctx context.Context) ([]QueueStat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	type key struct {
		p Priority
		s Status
	}
	counts := make(map[key]int64)
	for _, m := range r.messages {
		counts[key{m.Priority, m.Status}]++
	}
	out := make([]QueueStat, 0, len(counts))
	for k, n := range counts {
		out = append(out, QueueStat{Priority: k.p, Status: k.s, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

// ChannelStats groups messages by channel and status.
func (r *MemoryRepository) ChannelStats(ctx context.Context) ([]ChannelStat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	type key struct {
		c Channel
		s Status
	}
	counts := make(map[key]int64)
	for _, m := range r.messages {
		counts[key{m.Channel, m.Status}]++
	}
	out := make([]ChannelStat, 0, len(counts))
	for k, n := range counts {
		out = append(out, ChannelStat{Channel: k.c, Status: k.s, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

// ListSuppressions returns every rule recorded for the address on channel.
func (r *MemoryRepository) ListSuppressions(ctx context.Context, channel Channel, address string) ([]*Suppression, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Suppression
	for k, s := range r.suppressions {
		if k.channel == channel && k.address == address {
			c := *s
			out = append(out, &c)
		}
	}
	return out, nil
}

// UpsertSuppression records or refreshes a rule.
func (r *MemoryRepository) UpsertSuppression(ctx context.Context, s *Suppression) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := suppressionKey{s.Channel, s.Address, s.Reason}
	if existing, ok := r.suppressions[key]; ok {
		existing.Source = s.Source
		existing.ExpiresAt = s.ExpiresAt
		existing.UpdatedAt = s.UpdatedAt
		if s.Hits > existing.Hits {
			existing.Hits = s.Hits
		}
		return nil
	}
	c := *s
	if c.Hits == 0 {
		c.Hits = 1
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = c.UpdatedAt
	}
	r.suppressions[key] = &c
	return nil
}

// RecordSoftBounce increments the soft-bounce counter for the address.
func (r *MemoryRepository) RecordSoftBounce(ctx context.Context, channel Channel, address, source string, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := suppressionKey{channel, address, ReasonSoftBounce}
	s, ok := r.suppressions[key]
	if !ok {
		s = &Suppression{Channel: channel, Address: address, Reason: ReasonSoftBounce, CreatedAt: at}
		r.suppressions[key] = s
	}
	s.Hits++
	s.Source = source
	s.UpdatedAt = at
	return s.Hits, nil
}

// DeleteSuppression removes a rule.
func (r *MemoryRepository) DeleteSuppression(ctx context.Context, channel Channel, address string, reason SuppressionReason) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := suppressionKey{channel, address, reason}
	if _, ok := r.suppressions[key]; !ok {
		return ErrNotFound
	}
	delete(r.suppressions, key)
	return nil
}

// UpsertChannelHealth stores the latest health snapshots.
func (r *MemoryRepository) UpsertChannelHealth(ctx context.Context, snapshots []ChannelHealth) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range snapshots {
		r.health[healthKey{h.Channel, h.Provider}] = h
	}
	return nil
}

// ListChannelHealth returns the stored health snapshots.
func (r *MemoryRepository) ListChannelHealth(ctx context.Context) ([]ChannelHealth, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ChannelHealth, 0, len(r.health))
	for _, h := range r.health {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].Provider < out[j].Provider
	})
	return out, nil
}

// Health always succeeds for the in-memory store.
func (r *MemoryRepository) Health(ctx context.Context) error {
	return nil
}
