package db

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a message, event or suppression does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a conditional update lost a race: the row
	// was no longer in the expected status/version.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrIllegalTransition is returned for transitions the lifecycle forbids.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Lifecycle:
//
//	queued -> sending -> sent -> delivered -> opened -> clicked
//	   |         |        |         \__________\__________\___-> complained
//	   |         |        +-> bounced
//	   |         +-> queued (transient failure, backoff)
//	   |         +-> failed (permanent failure / attempts exhausted)
//	   +-> cancelled
//	   +-> failed (suppressed at dispatch time)
var transitions = map[Status]map[Status]bool{
	StatusQueued:    {StatusSending: true, StatusCancelled: true, StatusFailed: true},
	StatusSending:   {StatusSent: true, StatusFailed: true, StatusQueued: true},
	StatusSent:      {StatusDelivered: true, StatusOpened: true, StatusClicked: true, StatusBounced: true, StatusComplained: true},
	StatusDelivered: {StatusOpened: true, StatusClicked: true, StatusComplained: true},
	StatusOpened:    {StatusClicked: true, StatusComplained: true},
	StatusClicked:   {StatusComplained: true},
}

// milestone ranks the engagement states; zero means "not a milestone".
func milestone(s Status) int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusOpened:
		return 3
	case StatusClicked:
		return 4
	}
	return 0
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// IsTerminal reports whether no further transition is possible from s.
func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}

// HasExternalID reports whether a message in status s must carry an external id.
func HasExternalID(s Status) bool {
	switch s {
	case StatusSent, StatusDelivered, StatusOpened, StatusClicked, StatusBounced, StatusComplained:
		return true
	}
	return false
}

// Cancellable reports whether a message in status s may still be cancelled.
func Cancellable(s Status) bool {
	return s == StatusQueued
}

// ResolveEvent returns the status a canonical event drives a message to.
// Engagement events follow the highest milestone reached, so a late
// "delivered" after "opened" is a no-op. A bounce only moves a message that
// has not been confirmed delivered.
func ResolveEvent(current Status, ev EventType) (Status, bool) {
	switch ev {
	case EventDelivered, EventOpened, EventClicked:
		target := Status(ev)
		cur := milestone(current)
		if cur == 0 || milestone(target) <= cur {
			return current, false
		}
		return target, true
	case EventBounced:
		if current == StatusSent {
			return StatusBounced, true
		}
	case EventComplained:
		if CanTransition(current, StatusComplained) {
			return StatusComplained, true
		}
	}
	return current, false
}

// Transition is a conditional status change. It only applies when the row is
// still at From/Version.
type Transition struct {
	MessageID     int64
	From          Status
	Version       int64
	To            Status
	At            time.Time
	Attempts      *int
	ExternalID    *string
	Provider      string
	LastError     *string
	NextAttemptAt *time.Time
	SentAt        *time.Time
	DeliveredAt   *time.Time
}

// NewTransition starts a transition of m to status to, stamping the
// lifecycle timestamps implied by the target state.
func NewTransition(m *Message, to Status, at time.Time) Transition {
	t := Transition{
		MessageID: m.ID,
		From:      m.Status,
		Version:   m.Version,
		To:        to,
		At:        at,
	}
	if to == StatusSent {
		t.SentAt = &at
	}
	if milestone(to) >= milestone(StatusDelivered) {
		t.DeliveredAt = &at
	}
	return t
}

// WithAttempts sets the attempt counter.
func (t Transition) WithAttempts(n int) Transition {
	t.Attempts = &n
	return t
}

// WithError records a failure reason.
func (t Transition) WithError(msg string) Transition {
	t.LastError = &msg
	return t
}

// Validate checks the transition against the lifecycle before it is issued.
func (t Transition) Validate() error {
	if !CanTransition(t.From, t.To) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.From, t.To)
	}
	if t.To == StatusSent && (t.ExternalID == nil || *t.ExternalID == "") {
		return fmt.Errorf("%w: sent requires an external id", ErrIllegalTransition)
	}
	return nil
}

// Apply copies the transition onto m, mirroring what the store persists.
func (t Transition) Apply(m *Message) {
	m.Status = t.To
	m.Version++
	m.UpdatedAt = t.At
	if t.Attempts != nil && *t.Attempts > m.Attempts {
		m.Attempts = *t.Attempts
	}
	if t.ExternalID != nil {
		id := *t.ExternalID
		m.ExternalID = &id
	}
	if t.Provider != "" {
		m.Provider = t.Provider
	}
	if t.LastError != nil {
		msg := *t.LastError
		m.LastError = &msg
	}
	if t.NextAttemptAt != nil {
		next := *t.NextAttemptAt
		m.NextAttemptAt = &next
	}
	if t.SentAt != nil && m.SentAt == nil {
		sent := *t.SentAt
		m.SentAt = &sent
	}
	if t.DeliveredAt != nil && m.DeliveredAt == nil {
		delivered := *t.DeliveredAt
		m.DeliveredAt = &delivered
	}
}
