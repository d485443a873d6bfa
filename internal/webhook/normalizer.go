// Package webhook turns provider delivery callbacks into canonical delivery
// events and applies them to the message lifecycle.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/clock"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
)

var (
	// ErrUnknownProvider is returned for a route with no registered adapter.
	ErrUnknownProvider = errors.New("unknown webhook provider")
	// ErrMissingMessageID is returned when a payload names no provider message.
	ErrMissingMessageID = errors.New("payload has no provider message id")
	// ErrMalformedPayload is returned when a payload cannot be decoded.
	ErrMalformedPayload = errors.New("malformed webhook payload")
	// ErrNoEvent is returned by adapters for control payloads (subscription
	// handshakes and similar) that carry no delivery event. They are
	// acknowledged without touching the store.
	ErrNoEvent = errors.New("payload carries no delivery event")
)

// maxTransitionRetries bounds re-reads after losing a status race.
const maxTransitionRetries = 3

// Event is one provider callback in canonical form.
type Event struct {
	// ExternalID is the provider's message id, matched against messages.external_id.
	ExternalID      string
	ExternalEventID string
	Type            db.EventType
	ProviderEvent   string
	BounceType      db.BounceType
	// Recipient overrides the message's address for suppression, when the
	// provider names it.
	Recipient string
	// Raw is the JSON stored as event_data. Adapters for non-JSON payloads
	// must set it.
	Raw json.RawMessage
}

// Adapter decodes one provider's callback format.
type Adapter interface {
	Normalize(ctx context.Context, payload []byte, contentType string) (*Event, error)
	// SubstringMatch reports whether the provider may embed the stored id
	// inside a longer token.
	SubstringMatch() bool
}

// Store is the slice of the message store the normalizer uses.
type Store interface {
	FindByExternalID(ctx context.Context, externalID string, substring bool) (*db.Message, error)
	GetMessage(ctx context.Context, id int64) (*db.Message, error)
	InsertDeliveryEvent(ctx context.Context, ev *db.DeliveryEvent) error
	Transition(ctx context.Context, t db.Transition) error
}

// Health receives delivery signals. *health.Registry satisfies it.
type Health interface {
	RecordDelivered(channel db.Channel, provider string)
	RecordBounce(channel db.Channel, provider string)
	RecordComplaint(channel db.Channel, provider string)
}

// Suppressor records the rules bounces and complaints imply.
// *suppression.Filter satisfies it.
type Suppressor interface {
	RecordHardBounce(ctx context.Context, channel db.Channel, address, source string) error
	RecordSoftBounce(ctx context.Context, channel db.Channel, address, source string) (bool, error)
	RecordComplaint(ctx context.Context, channel db.Channel, address, source string) error
}

// Deduper remembers payloads that carry no event id. *redis.IdempotencyService
// satisfies it.
type Deduper interface {
	SeenPayload(ctx context.Context, scope string, payload []byte, window time.Duration) (bool, error)
	// ForgetPayload drops a marker whose event could not be stored, so the
	// provider's retry is processed in full.
	ForgetPayload(ctx context.Context, scope string, payload []byte) error
}

type Config struct {
	// DedupWindow is how long an id-less payload is remembered.
	DedupWindow time.Duration
}

// Outcome describes what processing a callback did.
type Outcome struct {
	MessageUUID  string
	Event        db.EventType
	Duplicate    bool
	Transitioned bool
	Status       db.Status
	// Acknowledged is set for control payloads that carried no event.
	Acknowledged bool
}

// Normalizer routes callbacks to their adapter and applies the result.
type Normalizer struct {
	adapters   map[string]Adapter
	store      Store
	health     Health
	suppressor Suppressor
	dedup      Deduper
	notifier   db.StatusNotifier
	clock      clock.Clock
	config     Config
	logger     *zap.Logger
}

// NewNormalizer creates a normalizer. dedup and notifier may be nil.
func NewNormalizer(store Store, h Health, suppressor Suppressor, dedup Deduper, notifier db.StatusNotifier, clk clock.Clock, cfg Config, logger *zap.Logger) *Normalizer {
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = 10 * time.Minute
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Normalizer{
		adapters:   make(map[string]Adapter),
		store:      store,
		health:     h,
		suppressor: suppressor,
		dedup:      dedup,
		notifier:   notifier,
		clock:      clk,
		config:     cfg,
		logger:     logger,
	}
}

// Register binds an adapter to a route name.
func (n *Normalizer) Register(provider string, a Adapter) {
	n.adapters[provider] = a
}

// Providers lists the registered route names.
func (n *Normalizer) Providers() []string {
	out := make([]string, 0, len(n.adapters))
	for name := range n.adapters {
		out = append(out, name)
	}
	return out
}

// Process handles one callback end to end. The delivery event and any
// status change are committed before it returns.
func (n *Normalizer) Process(ctx context.Context, provider string, payload []byte, contentType string) (*Outcome, error) {
	adapter, ok := n.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	ev, err := adapter.Normalize(ctx, payload, contentType)
	if errors.Is(err, ErrNoEvent) {
		return &Outcome{Acknowledged: true}, nil
	}
	if err != nil {
		return nil, err
	}
	if ev.ExternalID == "" {
		return nil, ErrMissingMessageID
	}

	m, err := n.store.FindByExternalID(ctx, ev.ExternalID, adapter.SubstringMatch())
	if err != nil {
		return nil, fmt.Errorf("resolve %s message %q: %w", provider, ev.ExternalID, err)
	}

	record := &db.DeliveryEvent{
		MessageID:     m.ID,
		EventType:     ev.Type,
		ProviderEvent: ev.ProviderEvent,
		Source:        provider,
		BounceType:    ev.BounceType,
		EventData:     ev.Raw,
		ReceivedAt:    n.clock.Now(),
	}
	if len(record.EventData) == 0 {
		record.EventData = payload
	}
	var marked string
	if ev.ExternalEventID != "" {
		id := ev.ExternalEventID
		record.ExternalEventID = &id
	} else if n.dedup != nil {
		scope := provider + ":" + m.UUID.String()
		seen, err := n.dedup.SeenPayload(ctx, scope, payload, n.config.DedupWindow)
		if err != nil {
			n.logger.Warn("webhook dedup unavailable, accepting payload",
				zap.String("provider", provider),
				zap.Error(err),
			)
		} else if !seen {
			marked = scope
		}
		record.Duplicate = seen
	}

	if err := n.store.InsertDeliveryEvent(ctx, record); err != nil {
		if marked != "" {
			if ferr := n.dedup.ForgetPayload(context.WithoutCancel(ctx), marked, payload); ferr != nil {
				n.logger.Warn("failed to clear webhook dedup marker", zap.Error(ferr))
			}
		}
		return nil, fmt.Errorf("store delivery event: %w", err)
	}
	metrics.RecordWebhookEvent(provider, string(ev.Type), record.Duplicate)

	out := &Outcome{
		MessageUUID: m.UUID.String(),
		Event:       ev.Type,
		Duplicate:   record.Duplicate,
		Status:      m.Status,
	}
	if ev.Type == db.EventUnrecognized {
		n.logger.Info("unrecognized provider event stored",
			zap.String("provider", provider),
			zap.String("provider_event", ev.ProviderEvent),
			zap.String("message_uuid", out.MessageUUID),
		)
		return out, nil
	}

	// A duplicate skips health and suppression, which the first delivery
	// already recorded. The transition still runs: it is a no-op when the
	// first delivery committed and completes the work when it did not.
	if record.Duplicate {
		n.logger.Debug("duplicate delivery event",
			zap.String("provider", provider),
			zap.String("message_uuid", out.MessageUUID),
			zap.String("event", string(ev.Type)),
		)
	} else {
		n.recordSignals(ctx, m, ev, provider)
	}

	moved, err := n.advance(ctx, m, ev.Type)
	if err != nil {
		return nil, err
	}
	out.Transitioned = moved
	out.Status = m.Status
	return out, nil
}

// recordSignals feeds health and suppression. Provider health is keyed by
// the sender that accepted the message.
func (n *Normalizer) recordSignals(ctx context.Context, m *db.Message, ev *Event, source string) {
	provider := m.Provider
	if provider == "" {
		provider = source
	}
	address := ev.Recipient
	if address == "" {
		address = m.RecipientAddress
	}

	var err error
	switch ev.Type {
	case db.EventDelivered:
		n.health.RecordDelivered(m.Channel, provider)
		if m.SentAt != nil {
			metrics.RecordDeliveryLatency(string(m.Channel), n.clock.Now().Sub(*m.SentAt))
		}
	case db.EventBounced:
		n.health.RecordBounce(m.Channel, provider)
		if ev.BounceType == db.BounceSoft {
			_, err = n.suppressor.RecordSoftBounce(ctx, m.Channel, address, source)
		} else {
			err = n.suppressor.RecordHardBounce(ctx, m.Channel, address, source)
		}
	case db.EventComplained:
		n.health.RecordComplaint(m.Channel, provider)
		err = n.suppressor.RecordComplaint(ctx, m.Channel, address, source)
	}
	if err != nil {
		n.logger.Error("failed to record suppression",
			zap.String("message_uuid", m.UUID.String()),
			zap.String("event", string(ev.Type)),
			zap.Error(err),
		)
	}
}

// advance applies the status an event implies, re-reading the row when a
// concurrent writer wins. It updates m in place.
func (n *Normalizer) advance(ctx context.Context, m *db.Message, event db.EventType) (bool, error) {
	for attempt := 0; attempt < maxTransitionRetries; attempt++ {
		next, ok := db.ResolveEvent(m.Status, event)
		if !ok {
			return false, nil
		}

		prev := m.Status
		t := db.NewTransition(m, next, n.clock.Now())
		err := n.store.Transition(ctx, t)
		if err == nil {
			t.Apply(m)
			if n.notifier != nil {
				change := db.NewStatusChange(m, prev, t.At)
				change.Event = event
				n.notifier.NotifyStatus(ctx, change)
			}
			return true, nil
		}
		if !errors.Is(err, db.ErrConflict) {
			return false, fmt.Errorf("apply %s: %w", event, err)
		}

		metrics.RecordClaimConflict("webhook")
		fresh, err := n.store.GetMessage(ctx, m.ID)
		if err != nil {
			return false, fmt.Errorf("reload message: %w", err)
		}
		*m = *fresh
	}
	return false, fmt.Errorf("apply %s: %w", event, db.ErrConflict)
}
