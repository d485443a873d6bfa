// Package service is the entry point for callers that want messages sent.
// It validates requests, applies suppression, and writes queued rows that
// the dispatcher picks up.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/clock"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/suppression"
)

// ReasonSuppressed is the Result reason for a blocked recipient.
const ReasonSuppressed = "suppressed"

// Store is the subset of the message store the service needs.
type Store interface {
	CreateMessage(ctx context.Context, m *db.Message) error
	CreateMessages(ctx context.Context, msgs []*db.Message) error
	GetMessageByUUID(ctx context.Context, id uuid.UUID) (*db.Message, error)
	Transition(ctx context.Context, t db.Transition) error
	ListDeliveryEvents(ctx context.Context, messageID int64) ([]*db.DeliveryEvent, error)
	QueueStats(ctx context.Context) ([]db.QueueStat, error)
	ChannelStats(ctx context.Context) ([]db.ChannelStat, error)
}

// Suppressor decides whether a recipient may be contacted and manages
// manual opt-outs. *suppression.Filter satisfies it.
type Suppressor interface {
	Allow(ctx context.Context, channel db.Channel, address string, msgType db.MessageType) (suppression.Decision, error)
	OptOut(ctx context.Context, channel db.Channel, address, source string, expiresAt *time.Time) error
	Remove(ctx context.Context, channel db.Channel, address string, reason db.SuppressionReason) error
	List(ctx context.Context, channel db.Channel, address string) ([]*db.Suppression, error)
}

// HealthReporter exposes channel health for stats. *health.Registry
// satisfies it.
type HealthReporter interface {
	Snapshot() []db.ChannelHealth
}

// Config holds service limits.
type Config struct {
	MaxBulkRecipients int
}

// Result is the outcome of a single send.
type Result struct {
	Success bool   `json:"success"`
	UUID    string `json:"uuid,omitempty"`
	Error   string `json:"error,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// BulkResult is the outcome of a bulk send. Queued+Suppressed always
// equals the number of recipients.
type BulkResult struct {
	Success    bool     `json:"success"`
	Queued     int      `json:"queued"`
	Suppressed int      `json:"suppressed"`
	UUIDs      []string `json:"uuids,omitempty"`
}

// Snapshot is the caller-facing view of a message's progress.
type Snapshot struct {
	UUID         uuid.UUID      `json:"uuid"`
	Status       db.Status      `json:"status"`
	Channel      db.Channel     `json:"channel"`
	Priority     db.Priority    `json:"priority"`
	MessageType  db.MessageType `json:"message_type"`
	Provider     string         `json:"provider,omitempty"`
	ScheduledFor *time.Time     `json:"scheduled_for,omitempty"`
	SentAt       *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt  *time.Time     `json:"delivered_at,omitempty"`
	ExternalID   *string        `json:"external_id,omitempty"`
	Attempts     int            `json:"attempts"`
	LastError    *string        `json:"last_error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ChannelReport combines queue counts and provider health for one channel.
type ChannelReport struct {
	Channel  db.Channel          `json:"channel"`
	Total    int64               `json:"total"`
	Statuses map[db.Status]int64 `json:"statuses"`
	Health   []db.ChannelHealth  `json:"health"`
}

// SuppressRequest records a manual opt-out.
type SuppressRequest struct {
	Channel   db.Channel `json:"channel"`
	Address   string     `json:"address"`
	Source    string     `json:"source,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// UnsuppressRequest removes a rule. Reason defaults to opt_out.
type UnsuppressRequest struct {
	Channel db.Channel           `json:"channel"`
	Address string               `json:"address"`
	Reason  db.SuppressionReason `json:"reason,omitempty"`
}

// Service is the message send façade.
type Service struct {
	store      Store
	suppressor Suppressor
	health     HealthReporter
	notifier   db.StatusNotifier
	clock      clock.Clock
	config     Config
	logger     *zap.Logger
}

// New creates the service. health and notifier may be nil.
func New(store Store, suppressor Suppressor, health HealthReporter, notifier db.StatusNotifier, clk clock.Clock, cfg Config, logger *zap.Logger) *Service {
	if cfg.MaxBulkRecipients == 0 {
		cfg.MaxBulkRecipients = 1000
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{
		store:      store,
		suppressor: suppressor,
		health:     health,
		notifier:   notifier,
		clock:      clk,
		config:     cfg,
		logger:     logger,
	}
}

func (s *Service) newMessage(c *Content, address string, recipient *db.Reference, data []byte, now time.Time) *db.Message {
	return &db.Message{
		UUID:             uuid.New(),
		Channel:          c.Channel,
		Priority:         c.priority(),
		Type:             c.MessageType,
		RecipientAddress: strings.TrimSpace(address),
		Recipient:        recipient,
		Template:         c.Template,
		Subject:          c.Subject,
		Body:             c.Body,
		Data:             data,
		Source:           c.source(),
		ScheduledFor:     c.ScheduledFor,
		IPPool:           c.IPPool,
		Status:           db.StatusQueued,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Send validates and queues one message. A suppressed recipient yields a
// Result with Success false and no row. Malformed requests return a
// *ValidationError.
func (s *Service) Send(ctx context.Context, req SendRequest) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	address, err := validateAddress("recipient_address", req.Channel, req.RecipientAddress)
	if err != nil {
		return nil, err
	}
	recipient, err := recipientRef(req.RecipientType, req.RecipientID)
	if err != nil {
		return nil, err
	}
	data, err := mergeData(nil, req.Data)
	if err != nil {
		return nil, err
	}

	decision, err := s.suppressor.Allow(ctx, req.Channel, address, req.MessageType)
	if err != nil {
		return nil, fmt.Errorf("check suppression: %w", err)
	}
	if decision.Suppressed {
		s.logger.Info("send suppressed",
			zap.String("channel", string(req.Channel)),
			zap.String("message_type", string(req.MessageType)),
			zap.String("reason", decision.Reason),
		)
		return &Result{
			Success: false,
			Error:   "recipient is suppressed: " + decision.Reason,
			Reason:  ReasonSuppressed,
		}, nil
	}

	m := s.newMessage(&req.Content, address, recipient, data, s.clock.Now())
	if err := s.store.CreateMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("queue message: %w", err)
	}
	metrics.RecordMessageQueued(string(m.Channel), m.Priority.String())

	s.logger.Info("message queued",
		zap.String("message_uuid", m.UUID.String()),
		zap.String("channel", string(m.Channel)),
		zap.String("priority", m.Priority.String()),
		zap.String("message_type", string(m.Type)),
	)
	return &Result{Success: true, UUID: m.UUID.String()}, nil
}

// SendBulk checks every recipient independently and queues the survivors
// in one transaction.
func (s *Service) SendBulk(ctx context.Context, req BulkRequest) (*BulkResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if len(req.Recipients) == 0 {
		return nil, invalid("recipients", "at least one recipient is required")
	}
	if len(req.Recipients) > s.config.MaxBulkRecipients {
		return nil, invalid("recipients", "at most %d recipients per request", s.config.MaxBulkRecipients)
	}

	// validate everything before any suppression check takes a rate limit slot
	type item struct {
		address   string
		recipient *db.Reference
		data      []byte
	}
	items := make([]item, 0, len(req.Recipients))
	for i, r := range req.Recipients {
		address, err := validateAddress(fmt.Sprintf("recipients[%d].address", i), req.Channel, r.Address)
		if err != nil {
			return nil, err
		}
		ref, err := recipientRef(r.Type, r.ID)
		if err != nil {
			return nil, invalid(fmt.Sprintf("recipients[%d].type", i), "unknown recipient %q", r.Type)
		}
		data, err := mergeData(req.SharedData, r.Data)
		if err != nil {
			return nil, err
		}
		items = append(items, item{address: address, recipient: ref, data: data})
	}

	now := s.clock.Now()
	result := &BulkResult{Success: true}
	var msgs []*db.Message
	for _, it := range items {
		decision, err := s.suppressor.Allow(ctx, req.Channel, it.address, req.MessageType)
		if err != nil {
			return nil, fmt.Errorf("check suppression: %w", err)
		}
		if decision.Suppressed {
			result.Suppressed++
			continue
		}
		msgs = append(msgs, s.newMessage(&req.Content, it.address, it.recipient, it.data, now))
	}

	if len(msgs) > 0 {
		if err := s.store.CreateMessages(ctx, msgs); err != nil {
			return nil, fmt.Errorf("queue bulk messages: %w", err)
		}
	}
	for _, m := range msgs {
		metrics.RecordMessageQueued(string(m.Channel), m.Priority.String())
		result.UUIDs = append(result.UUIDs, m.UUID.String())
	}
	result.Queued = len(msgs)

	s.logger.Info("bulk send queued",
		zap.String("channel", string(req.Channel)),
		zap.String("message_type", string(req.MessageType)),
		zap.Int("queued", result.Queued),
		zap.Int("suppressed", result.Suppressed),
	)
	return result, nil
}

// GetStatus returns the message snapshot or db.ErrNotFound.
func (s *Service) GetStatus(ctx context.Context, id uuid.UUID) (*Snapshot, error) {
	m, err := s.store.GetMessageByUUID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		UUID:         m.UUID,
		Status:       m.Status,
		Channel:      m.Channel,
		Priority:     m.Priority,
		MessageType:  m.Type,
		Provider:     m.Provider,
		ScheduledFor: m.ScheduledFor,
		SentAt:       m.SentAt,
		DeliveredAt:  m.DeliveredAt,
		ExternalID:   m.ExternalID,
		Attempts:     m.Attempts,
		LastError:    m.LastError,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}, nil
}

// Cancel moves a queued message to cancelled. It reports false when the
// message is unknown or already past queued, including when a dispatcher
// claimed it first.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	m, err := s.store.GetMessageByUUID(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !db.Cancellable(m.Status) {
		return false, nil
	}

	now := s.clock.Now()
	t := db.NewTransition(m, db.StatusCancelled, now)
	if err := s.store.Transition(ctx, t); err != nil {
		if errors.Is(err, db.ErrConflict) {
			metrics.RecordClaimConflict("cancel")
			return false, nil
		}
		return false, fmt.Errorf("cancel message: %w", err)
	}
	prev := m.Status
	t.Apply(m)

	s.logger.Info("message cancelled", zap.String("message_uuid", m.UUID.String()))
	if s.notifier != nil {
		s.notifier.NotifyStatus(ctx, db.NewStatusChange(m, prev, now))
	}
	return true, nil
}

// Events returns the delivery event log of a message, oldest first.
func (s *Service) Events(ctx context.Context, id uuid.UUID) ([]*db.DeliveryEvent, error) {
	m, err := s.store.GetMessageByUUID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.store.ListDeliveryEvents(ctx, m.ID)
}

// QueueStats counts messages by priority and status.
func (s *Service) QueueStats(ctx context.Context) ([]db.QueueStat, error) {
	return s.store.QueueStats(ctx)
}

// ChannelStats counts messages per channel and attaches provider health.
func (s *Service) ChannelStats(ctx context.Context) ([]ChannelReport, error) {
	counts, err := s.store.ChannelStats(ctx)
	if err != nil {
		return nil, err
	}

	reports := make([]ChannelReport, len(db.Channels))
	index := make(map[db.Channel]*ChannelReport, len(db.Channels))
	for i, ch := range db.Channels {
		reports[i] = ChannelReport{
			Channel:  ch,
			Statuses: map[db.Status]int64{},
			Health:   []db.ChannelHealth{},
		}
		index[ch] = &reports[i]
	}
	for _, c := range counts {
		r, ok := index[c.Channel]
		if !ok {
			continue
		}
		r.Statuses[c.Status] += c.Count
		r.Total += c.Count
	}
	if s.health != nil {
		for _, h := range s.health.Snapshot() {
			if r, ok := index[h.Channel]; ok {
				r.Health = append(r.Health, h)
			}
		}
	}
	return reports, nil
}

// Suppress records a manual opt-out.
func (s *Service) Suppress(ctx context.Context, req SuppressRequest) error {
	if !req.Channel.Valid() {
		return invalid("channel", "must be one of email, sms, push")
	}
	if strings.TrimSpace(req.Address) == "" {
		return invalid("address", "is required")
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(s.clock.Now()) {
		return invalid("expires_at", "must be in the future")
	}
	source := req.Source
	if source == "" {
		source = "manual"
	}
	if err := s.suppressor.OptOut(ctx, req.Channel, req.Address, source, req.ExpiresAt); err != nil {
		return fmt.Errorf("suppress: %w", err)
	}
	s.logger.Info("recipient opted out",
		zap.String("channel", string(req.Channel)),
		zap.String("source", source),
	)
	return nil
}

// Unsuppress removes one rule. It returns db.ErrNotFound when none existed.
func (s *Service) Unsuppress(ctx context.Context, req UnsuppressRequest) error {
	if !req.Channel.Valid() {
		return invalid("channel", "must be one of email, sms, push")
	}
	if strings.TrimSpace(req.Address) == "" {
		return invalid("address", "is required")
	}
	reason := req.Reason
	if reason == "" {
		reason = db.ReasonOptOut
	}
	switch reason {
	case db.ReasonOptOut, db.ReasonHardBounce, db.ReasonSoftBounce, db.ReasonComplaint:
	default:
		return invalid("reason", "unknown reason %q", reason)
	}
	if err := s.suppressor.Remove(ctx, req.Channel, req.Address, reason); err != nil {
		return err
	}
	s.logger.Info("suppression removed",
		zap.String("channel", string(req.Channel)),
		zap.String("reason", string(reason)),
	)
	return nil
}

// Suppressions lists the rules recorded for an address.
func (s *Service) Suppressions(ctx context.Context, channel db.Channel, address string) ([]*db.Suppression, error) {
	if !channel.Valid() {
		return nil, invalid("channel", "must be one of email, sms, push")
	}
	return s.suppressor.List(ctx, channel, address)
}
