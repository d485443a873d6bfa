package db

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Channel is the transport a message travels over.
type Channel string

// Channel constants
const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// Channels lists every supported channel.
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelPush}

// Valid reports whether c is a supported channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush:
		return true
	}
	return false
}

// Priority orders dispatch. Lower values are dispatched first; P0 is emergency.
type Priority int

const (
	P0 Priority = iota
	P1
	P2
	P3
	P4
)

// String returns the "P<n>" form.
func (p Priority) String() string {
	return fmt.Sprintf("P%d", int(p))
}

// Valid reports whether p is in P0..P4.
func (p Priority) Valid() bool {
	return p >= P0 && p <= P4
}

// ParsePriority accepts "P0".."P4" (case-insensitive) or a bare digit.
func ParsePriority(raw string) (Priority, error) {
	s := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(raw)), "P")
	if len(s) != 1 || s[0] < '0' || s[0] > '4' {
		return 0, fmt.Errorf("invalid priority %q", raw)
	}
	return Priority(s[0] - '0'), nil
}

// MarshalJSON encodes the priority as "P<n>".
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts "P1", "1" or 1.
func (p *Priority) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		if !Priority(n).Valid() {
			return fmt.Errorf("invalid priority %d", n)
		}
		*p = Priority(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("invalid priority: %w", err)
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MessageType drives suppression policy.
type MessageType string

// Message type constants
const (
	TypeEmergency     MessageType = "emergency"
	TypeAlert         MessageType = "alert"
	TypeNewsletter    MessageType = "newsletter"
	TypeCampaign      MessageType = "campaign"
	TypeTransactional MessageType = "transactional"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeEmergency, TypeAlert, TypeNewsletter, TypeCampaign, TypeTransactional:
		return true
	}
	return false
}

// BypassesMarketingSuppression reports whether only hard-bounce suppression applies.
func (t MessageType) BypassesMarketingSuppression() bool {
	return t == TypeEmergency || t == TypeTransactional
}

// RefKind enumerates the CRM entities a message may point at.
type RefKind string

// Recipient kinds
const (
	RefContact RefKind = "contact"
	RefLead    RefKind = "lead"
	RefUser    RefKind = "user"
	RefAccount RefKind = "account"
)

// Source kinds
const (
	RefDeal     RefKind = "deal"
	RefQuote    RefKind = "quote"
	RefInvoice  RefKind = "invoice"
	RefContent  RefKind = "content"
	RefCampaign RefKind = "campaign"
	RefWorkflow RefKind = "workflow"
	RefSystem   RefKind = "system"
)

var (
	recipientKinds = map[RefKind]bool{RefContact: true, RefLead: true, RefUser: true, RefAccount: true}
	sourceKinds    = map[RefKind]bool{
		RefDeal: true, RefQuote: true, RefInvoice: true, RefContent: true,
		RefCampaign: true, RefWorkflow: true, RefSystem: true,
	}
)

// Reference is a tagged pointer to an entity owned by another subsystem.
type Reference struct {
	Kind RefKind `json:"kind"`
	ID   string  `json:"id"`
}

// ValidRecipient reports whether r names a recipient entity.
func (r Reference) ValidRecipient() bool {
	return recipientKinds[r.Kind] && r.ID != ""
}

// ValidSource reports whether r names an originating entity.
func (r Reference) ValidSource() bool {
	return sourceKinds[r.Kind] && r.ID != ""
}

// Status is a message lifecycle state. See lifecycle.go for the transition rules.
type Status string

// Status constants
const (
	StatusQueued     Status = "queued"
	StatusSending    Status = "sending"
	StatusSent       Status = "sent"
	StatusDelivered  Status = "delivered"
	StatusOpened     Status = "opened"
	StatusClicked    Status = "clicked"
	StatusBounced    Status = "bounced"
	StatusComplained Status = "complained"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// Message is one outbound communication attempt.
type Message struct {
	ID               int64           `json:"-"`
	UUID             uuid.UUID       `json:"uuid"`
	Channel          Channel         `json:"channel"`
	Priority         Priority        `json:"priority"`
	Type             MessageType     `json:"message_type"`
	RecipientAddress string          `json:"recipient_address"`
	Recipient        *Reference      `json:"recipient,omitempty"`
	Template         string          `json:"template,omitempty"`
	Subject          string          `json:"subject,omitempty"`
	Body             string          `json:"body,omitempty"`
	Data             json.RawMessage `json:"data,omitempty"`
	Source           *Reference      `json:"source,omitempty"`
	ScheduledFor     *time.Time      `json:"scheduled_for,omitempty"`
	IPPool           string          `json:"ip_pool,omitempty"`
	Status           Status          `json:"status"`
	ExternalID       *string         `json:"external_id,omitempty"`
	Provider         string          `json:"provider,omitempty"`
	Attempts         int             `json:"attempts"`
	LastError        *string         `json:"last_error,omitempty"`
	NextAttemptAt    *time.Time      `json:"next_attempt_at,omitempty"`
	Version          int64           `json:"-"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	SentAt           *time.Time      `json:"sent_at,omitempty"`
	DeliveredAt      *time.Time      `json:"delivered_at,omitempty"`
}

// EventType is the canonical delivery event vocabulary.
type EventType string

// Canonical events
const (
	EventDelivered    EventType = "delivered"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventBounced      EventType = "bounced"
	EventComplained   EventType = "complained"
	EventUnrecognized EventType = "unrecognized"
)

// BounceType classifies bounces.
type BounceType string

const (
	BounceHard BounceType = "hard"
	BounceSoft BounceType = "soft"
)

// DeliveryEvent is an append-only record of one provider callback.
type DeliveryEvent struct {
	ID              int64           `json:"id"`
	MessageID       int64           `json:"-"`
	EventType       EventType       `json:"event_type"`
	ProviderEvent   string          `json:"provider_event"`
	Source          string          `json:"source"`
	ExternalEventID *string         `json:"external_event_id,omitempty"`
	Duplicate       bool            `json:"duplicate"`
	BounceType      BounceType      `json:"bounce_type,omitempty"`
	EventData       json.RawMessage `json:"event_data"`
	ReceivedAt      time.Time       `json:"received_at"`
}

// HealthStatus is the operational state of a channel/provider pair.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// ChannelHealth is a persisted snapshot of a channel/provider's recent outcomes.
type ChannelHealth struct {
	Channel        Channel      `json:"channel"`
	Provider       string       `json:"provider"`
	SendCount      int64        `json:"send_count"`
	FailureCount   int64        `json:"failure_count"`
	BounceCount    int64        `json:"bounce_count"`
	ComplaintCount int64        `json:"complaint_count"`
	DeliveredCount int64        `json:"delivered_count"`
	FailureRate    float64      `json:"failure_rate"`
	BounceRate     float64      `json:"bounce_rate"`
	Status         HealthStatus `json:"status"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// SuppressionReason says why a recipient is blocked on a channel.
type SuppressionReason string

const (
	ReasonHardBounce SuppressionReason = "hard_bounce"
	ReasonSoftBounce SuppressionReason = "soft_bounce"
	ReasonComplaint  SuppressionReason = "complaint"
	ReasonOptOut     SuppressionReason = "opt_out"
)

// Suppression is a durable rule preventing sends to an address on a channel.
type Suppression struct {
	Channel   Channel           `json:"channel"`
	Address   string            `json:"address"`
	Reason    SuppressionReason `json:"reason"`
	Hits      int               `json:"hits"`
	Source    string            `json:"source,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Active reports whether the rule is in force at now.
func (s *Suppression) Active(now time.Time) bool {
	return s.ExpiresAt == nil || now.Before(*s.ExpiresAt)
}

// QueueStat is one (priority, status) bucket.
type QueueStat struct {
	Priority Priority `json:"priority"`
	Status   Status   `json:"status"`
	Count    int64    `json:"count"`
}

// ChannelStat is one (channel, status) bucket.
type ChannelStat struct {
	Channel Channel `json:"channel"`
	Status  Status  `json:"status"`
	Count   int64   `json:"count"`
}

// NormalizeAddress canonicalizes a recipient address for suppression lookups.
func NormalizeAddress(channel Channel, address string) string {
	address = strings.TrimSpace(address)
	switch channel {
	case ChannelEmail:
		if addr, err := mail.ParseAddress(address); err == nil {
			address = addr.Address
		}
		return strings.ToLower(address)
	case ChannelSMS:
		return strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(address)
	}
	return address
}
