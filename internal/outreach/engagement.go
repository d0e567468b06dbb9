package outreach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/domain"
)

// EngagementInput is a provider or recipient report about a sent step.
type EngagementInput struct {
	EnrollmentID string
	Type         domain.EventType
	// Channel and StepIndex default to the most recently sent step.
	Channel   domain.Channel
	StepIndex *int
	// OccurredAt defaults to now. Late reports keep their original time so
	// they land in the historical bucket.
	OccurredAt time.Time
	// ExternalID is the provider's id for the report. Reports with the same
	// ExternalID are recorded once.
	ExternalID string
}

// Engagement ingests engagement events into the ledger and applies the
// exits they imply.
type Engagement struct {
	machine *Machine
}

// NewEngagement creates an engagement recorder.
func NewEngagement(machine *Machine) *Engagement {
	return &Engagement{machine: machine}
}

// Record appends the engagement event. unsubscribed and bounced reports
// exit the enrollment when it is still in flight.
func (g *Engagement) Record(ctx context.Context, in EngagementInput) (*domain.Event, error) {
	if !in.Type.IsEngagement() {
		return nil, fmt.Errorf("%w: type %q", ErrInvalidEngagement, in.Type)
	}
	e, err := g.machine.enrollments.GetEnrollment(ctx, in.EnrollmentID)
	if err != nil {
		return nil, err
	}

	step := e.CurrentStep - 1
	if in.StepIndex != nil {
		step = *in.StepIndex
	}
	if step < 0 {
		step = 0
	}

	w, err := g.machine.workflows.GetVersion(ctx, e.WorkflowID, e.WorkflowVersion)
	if err != nil {
		return nil, fmt.Errorf("load workflow %s v%d: %w", e.WorkflowID, e.WorkflowVersion, err)
	}
	if step >= len(w.Steps) {
		return nil, fmt.Errorf("%w: step %d out of range", ErrInvalidEngagement, step)
	}
	ch := in.Channel
	if ch == "" {
		ch = w.Steps[step].Channel
	}
	if !ch.Valid() {
		return nil, fmt.Errorf("%w: channel %q", ErrInvalidEngagement, in.Channel)
	}

	now := g.machine.now().UTC()
	occurred := in.OccurredAt.UTC()
	if in.OccurredAt.IsZero() {
		occurred = now
	}
	ev := newEvent(e, in.Type, step, ch, w.Steps[step].AIGenerated, occurred)
	ev.RecordedAt = now
	if in.ExternalID != "" {
		ev.ID = uuid.NewSHA1(uuid.NameSpaceURL,
			[]byte(e.ID+"/"+string(in.Type)+"/"+in.ExternalID)).String()
	}
	if err := g.machine.events.Append(ctx, ev); err != nil {
		return nil, fmt.Errorf("append engagement: %w", err)
	}

	var reason domain.ExitReason
	switch in.Type {
	case domain.EventUnsubscribed:
		reason = domain.ExitUnsubscribed
	case domain.EventBounced:
		reason = domain.ExitBounced
	default:
		return ev, nil
	}
	if err := g.machine.exit(ctx, e.ID, reason); err != nil && !errors.Is(err, ErrStaleEnrollment) {
		return ev, err
	}
	return ev, nil
}
