package tracking

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/outreach"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
)

// Event is an engagement report in transit between the tracking edge and
// the ledger.
type Event struct {
	Type         domain.EventType `json:"type"`
	EnrollmentID string           `json:"enrollment_id"`
	StepIndex    *int             `json:"step_index,omitempty"`
	Channel      domain.Channel   `json:"channel,omitempty"`
	ExternalID   string           `json:"external_id,omitempty"`
	IPAddress    string           `json:"ip_address,omitempty"`
	UserAgent    string           `json:"user_agent,omitempty"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

// Input converts the report for Engagement.Record.
func (e Event) Input() outreach.EngagementInput {
	return outreach.EngagementInput{
		EnrollmentID: e.EnrollmentID,
		Type:         e.Type,
		Channel:      e.Channel,
		StepIndex:    e.StepIndex,
		OccurredAt:   e.OccurredAt,
		ExternalID:   e.ExternalID,
	}
}

// Sink accepts engagement reports. Publishing never blocks the recipient's
// request on the ledger.
type Sink interface {
	Publish(ctx context.Context, evt Event)
}

// Recorder is the ledger side of engagement ingestion.
type Recorder interface {
	Record(ctx context.Context, in outreach.EngagementInput) (*domain.Event, error)
}

// RecorderSink records reports in-process, for deployments without a queue.
type RecorderSink struct {
	recorder Recorder
}

// NewRecorderSink wraps r as a Sink.
func NewRecorderSink(r Recorder) *RecorderSink {
	return &RecorderSink{recorder: r}
}

// Publish records evt, logging failures.
func (s *RecorderSink) Publish(ctx context.Context, evt Event) {
	if _, err := s.recorder.Record(ctx, evt.Input()); err != nil {
		logger.Warn("engagement not recorded", "type", evt.Type, "enrollment_id", evt.EnrollmentID, "error", err)
	}
}

// permanent reports whether redelivering the report can never succeed.
func permanent(err error) bool {
	return errors.Is(err, outreach.ErrEnrollmentNotFound) || errors.Is(err, outreach.ErrInvalidEngagement)
}
