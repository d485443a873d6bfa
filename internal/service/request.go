package service

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/lalithlochan/courier/internal/db"
)

// ValidationError reports a malformed send request. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Content is the part of a request shared by single and bulk sends.
type Content struct {
	Channel      db.Channel     `json:"channel"`
	Priority     *db.Priority   `json:"priority,omitempty"`
	MessageType  db.MessageType `json:"message_type"`
	Template     string         `json:"template,omitempty"`
	Subject      string         `json:"subject,omitempty"`
	Body         string         `json:"body,omitempty"`
	SourceType   db.RefKind     `json:"source_type,omitempty"`
	SourceID     string         `json:"source_id,omitempty"`
	ScheduledFor *time.Time     `json:"scheduled_for,omitempty"`
	IPPool       string         `json:"ip_pool,omitempty"`
}

// SendRequest asks for one message.
type SendRequest struct {
	Content
	RecipientAddress string          `json:"recipient_address"`
	RecipientID      string          `json:"recipient_id,omitempty"`
	RecipientType    db.RefKind      `json:"recipient_type,omitempty"`
	Data             json.RawMessage `json:"data,omitempty"`
}

// BulkRecipient is one addressee of a bulk send.
type BulkRecipient struct {
	Address string          `json:"address"`
	ID      string          `json:"id,omitempty"`
	Type    db.RefKind      `json:"type,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// BulkRequest fans one content block out to many recipients.
type BulkRequest struct {
	Content
	Recipients []BulkRecipient `json:"recipients"`
	SharedData json.RawMessage `json:"shared_data,omitempty"`
}

// DefaultPriority applies when a request names none.
const DefaultPriority = db.P2

func (c *Content) validate() error {
	if !c.Channel.Valid() {
		return invalid("channel", "must be one of email, sms, push")
	}
	if c.Priority != nil && !c.Priority.Valid() {
		return invalid("priority", "must be P0..P4")
	}
	if !c.MessageType.Valid() {
		return invalid("message_type", "must be one of emergency, alert, newsletter, campaign, transactional")
	}
	if strings.TrimSpace(c.Template) == "" && strings.TrimSpace(c.Body) == "" {
		return invalid("body", "template or body is required")
	}
	if c.SourceType != "" || c.SourceID != "" {
		ref := db.Reference{Kind: c.SourceType, ID: c.SourceID}
		if !ref.ValidSource() {
			return invalid("source_type", "unknown source %q", c.SourceType)
		}
	}
	if c.IPPool != "" && c.Channel != db.ChannelEmail {
		return invalid("ip_pool", "only applies to email")
	}
	return nil
}

func (c *Content) priority() db.Priority {
	if c.Priority == nil {
		return DefaultPriority
	}
	return *c.Priority
}

func (c *Content) source() *db.Reference {
	if c.SourceType == "" {
		return nil
	}
	return &db.Reference{Kind: c.SourceType, ID: c.SourceID}
}

// validateAddress checks address for channel and returns the form that is
// stored and matched against suppressions. Email display names and angle
// brackets are dropped so "Jane <j@x.com>" and "j@x.com" are one recipient.
func validateAddress(field string, channel db.Channel, address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", invalid(field, "is required")
	}
	switch channel {
	case db.ChannelEmail:
		addr, err := mail.ParseAddress(address)
		if err != nil {
			return "", invalid(field, "not a valid email address")
		}
		return addr.Address, nil
	case db.ChannelSMS:
		digits := db.NormalizeAddress(db.ChannelSMS, address)
		if strings.HasPrefix(digits, "+") {
			digits = digits[1:]
		}
		if len(digits) < 6 || strings.Trim(digits, "0123456789") != "" {
			return "", invalid(field, "not a valid phone number")
		}
	}
	return address, nil
}

func recipientRef(kind db.RefKind, id string) (*db.Reference, error) {
	if kind == "" && id == "" {
		return nil, nil
	}
	ref := &db.Reference{Kind: kind, ID: id}
	if !ref.ValidRecipient() {
		return nil, invalid("recipient_type", "unknown recipient %q", kind)
	}
	return ref, nil
}

// mergeData overlays item on shared. Both must be JSON objects when set.
func mergeData(shared, item json.RawMessage) (json.RawMessage, error) {
	if len(shared) == 0 && len(item) == 0 {
		return nil, nil
	}
	merged := map[string]json.RawMessage{}
	if len(shared) > 0 {
		if err := json.Unmarshal(shared, &merged); err != nil {
			return nil, invalid("shared_data", "must be a JSON object")
		}
		if merged == nil {
			merged = map[string]json.RawMessage{}
		}
	}
	if len(item) > 0 {
		var overlay map[string]json.RawMessage
		if err := json.Unmarshal(item, &overlay); err != nil {
			return nil, invalid("data", "must be a JSON object")
		}
		for k, v := range overlay {
			merged[k] = v
		}
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode data: %w", err)
	}
	return out, nil
}
