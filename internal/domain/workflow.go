package domain

import (
	"strings"
	"time"
)

// Channel enumerates the delivery channels a step can use.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelVoice Channel = "voice"
)

// ChannelAll is the rollup key used by aggregate buckets.
const ChannelAll Channel = "all"

// Channels lists every deliverable channel in display order.
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelVoice}

// Valid reports whether c is a deliverable channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelVoice:
		return true
	}
	return false
}

// ParseChannel normalizes user input, accepting the legacy "phone" and
// "call" spellings for voice.
func ParseChannel(s string) Channel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "email":
		return ChannelEmail
	case "sms", "text":
		return ChannelSMS
	case "voice", "phone", "call":
		return ChannelVoice
	}
	return Channel(s)
}

// WorkflowType tags a workflow with its campaign purpose.
type WorkflowType string

const (
	WorkflowWelcome           WorkflowType = "welcome"
	WorkflowRecall            WorkflowType = "recall"
	WorkflowTreatmentFollowup WorkflowType = "treatment_followup"
	WorkflowReactivation      WorkflowType = "reactivation"
	WorkflowNoShow            WorkflowType = "no_show"
	WorkflowReviewRequest     WorkflowType = "review_request"
	WorkflowBirthday          WorkflowType = "birthday"
	WorkflowCustom            WorkflowType = "custom"
)

// WorkflowTypes lists the closed set of workflow types.
var WorkflowTypes = []WorkflowType{
	WorkflowWelcome, WorkflowRecall, WorkflowTreatmentFollowup, WorkflowReactivation,
	WorkflowNoShow, WorkflowReviewRequest, WorkflowBirthday, WorkflowCustom,
}

// Valid reports whether t is one of the known workflow types.
func (t WorkflowType) Valid() bool {
	for _, known := range WorkflowTypes {
		if t == known {
			return true
		}
	}
	return false
}

// WorkflowStatus enumerates the lifecycle states of a workflow.
type WorkflowStatus string

const (
	WorkflowDraft  WorkflowStatus = "draft"
	WorkflowActive WorkflowStatus = "active"
	WorkflowPaused WorkflowStatus = "paused"
)

// Valid reports whether s is a known workflow status.
func (s WorkflowStatus) Valid() bool {
	return s == WorkflowDraft || s == WorkflowActive || s == WorkflowPaused
}

// StepDefinition is a single scheduled action within a workflow.
type StepDefinition struct {
	Channel      Channel `json:"channel" validate:"required,outreach_channel"`
	DelaySeconds int64   `json:"delay_seconds" validate:"gte=0"`
	Subject      string  `json:"subject,omitempty" validate:"max=255"`
	Body         string  `json:"body" validate:"required"`
	AIGenerated  bool    `json:"ai_generated"`
}

// Delay returns the offset from enrollment at which the step is due.
func (s StepDefinition) Delay() time.Duration {
	return time.Duration(s.DelaySeconds) * time.Second
}

// WorkflowDefinition is one version of a workflow template. Versions are
// immutable once published; edits to a published version fork a new one.
type WorkflowDefinition struct {
	ID        string           `json:"id" db:"id"`
	Version   int              `json:"version" db:"version"`
	Name      string           `json:"name" db:"name" validate:"required,max=200"`
	Type      WorkflowType     `json:"type" db:"type" validate:"required,outreach_workflow_type"`
	Status    WorkflowStatus   `json:"status" db:"status"`
	Steps     []StepDefinition `json:"steps" db:"steps" validate:"required,min=1,dive"`
	Trigger   Trigger          `json:"trigger" db:"trigger"`
	Published bool             `json:"published" db:"published"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt time.Time        `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time       `json:"deleted_at,omitempty" db:"deleted_at"`
}

// IsDeleted returns true if the workflow was soft-deleted.
func (w *WorkflowDefinition) IsDeleted() bool {
	return w.DeletedAt != nil
}

// LastStep returns the index of the final step.
func (w *WorkflowDefinition) LastStep() int {
	return len(w.Steps) - 1
}

// WorkflowSummary is the list-card projection of a workflow with its
// enrollment counters.
type WorkflowSummary struct {
	WorkflowDefinition
	EnrolledCount  int64   `json:"enrolled_count"`
	ActiveCount    int64   `json:"active_count"`
	CompletedCount int64   `json:"completed_count"`
	ExitedCount    int64   `json:"exited_count"`
	ConvertedCount int64   `json:"converted_count"`
	ConversionRate float64 `json:"conversion_rate"`
}
