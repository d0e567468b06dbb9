package domain

import (
	"fmt"
	"time"
)

// EventType enumerates the lifecycle events recorded in the ledger.
type EventType string

const (
	EventEnrolled     EventType = "enrolled"
	EventSent         EventType = "sent"
	EventDelivered    EventType = "delivered"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventConverted    EventType = "converted"
	EventResponded    EventType = "responded"
	EventUnsubscribed EventType = "unsubscribed"
	EventBounced      EventType = "bounced"
	EventFailed       EventType = "failed"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventEnrolled, EventSent, EventDelivered, EventOpened, EventClicked,
		EventConverted, EventResponded, EventUnsubscribed, EventBounced, EventFailed:
		return true
	}
	return false
}

// IsEngagement reports whether t is reported by providers or recipients
// after a send, as opposed to produced by the engine itself.
func (t EventType) IsEngagement() bool {
	switch t {
	case EventDelivered, EventOpened, EventClicked, EventConverted,
		EventResponded, EventUnsubscribed, EventBounced:
		return true
	}
	return false
}

// Event is an append-only ledger record. Seq is the ledger offset assigned
// on append; events are never mutated or deleted.
type Event struct {
	Seq          int64        `json:"seq" db:"seq"`
	ID           string       `json:"id" db:"id"`
	Type         EventType    `json:"type" db:"type"`
	EnrollmentID string       `json:"enrollment_id" db:"enrollment_id"`
	WorkflowID   string       `json:"workflow_id" db:"workflow_id"`
	WorkflowType WorkflowType `json:"workflow_type" db:"workflow_type"`
	ContactID    string       `json:"contact_id" db:"contact_id"`
	StepIndex    int          `json:"step_index" db:"step_index"`
	Channel      Channel      `json:"channel,omitempty" db:"channel"`
	Automated    bool         `json:"automated" db:"automated"`
	AIGenerated  bool         `json:"ai_generated" db:"ai_generated"`
	OccurredAt   time.Time    `json:"occurred_at" db:"occurred_at"`
	RecordedAt   time.Time    `json:"recorded_at" db:"recorded_at"`
}

// Validate rejects events the aggregator cannot attribute to a bucket.
func (e *Event) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.WorkflowID == "" || e.EnrollmentID == "" {
		return fmt.Errorf("event %s missing workflow or enrollment", e.ID)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("event %s missing occurred_at", e.ID)
	}
	if e.Type != EventEnrolled && !e.Channel.Valid() {
		return fmt.Errorf("event %s has invalid channel %q", e.ID, e.Channel)
	}
	return nil
}
