package outreach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
)

const (
	defaultLookback = 24 * time.Hour
	directoryPage   = 200
)

// Triggers evaluates workflow trigger conditions and enrolls matching
// contacts with source trigger.
type Triggers struct {
	machine   *Machine
	directory ContactDirectory
	lookback  time.Duration
}

// NewTriggers creates a trigger evaluator. directory may be nil when no
// contact event history is available; activation then only affects
// contacts whose events arrive afterwards.
func NewTriggers(machine *Machine, directory ContactDirectory) *Triggers {
	return &Triggers{machine: machine, directory: directory, lookback: defaultLookback}
}

// SetLookback sets how far back event_match triggers look for matching
// events when a workflow is activated.
func (t *Triggers) SetLookback(d time.Duration) {
	if d > 0 {
		t.lookback = d
	}
}

// HandleContactEvent enrolls the event's contact into every active workflow
// whose event_match trigger matches it. It returns the number of new
// enrollments.
func (t *Triggers) HandleContactEvent(ctx context.Context, ev domain.ContactEvent) (int, error) {
	if ev.ContactID == "" || ev.Type == "" {
		return 0, fmt.Errorf("contact event missing contact_id or type")
	}
	workflows, err := t.machine.workflows.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active workflows: %w", err)
	}
	enrolled := 0
	for i := range workflows {
		w := &workflows[i]
		if !w.Trigger.Matches(ev) {
			continue
		}
		ok, err := t.enroll(ctx, w, ev.ContactID, ev.OccurredAt)
		if err != nil {
			return enrolled, err
		}
		if ok {
			enrolled++
		}
	}
	return enrolled, nil
}

// Activate evaluates the trigger of a newly activated workflow against
// contacts that currently satisfy it.
func (t *Triggers) Activate(ctx context.Context, w *domain.WorkflowDefinition) (int, error) {
	if t.directory == nil {
		return 0, nil
	}
	switch w.Trigger.Kind {
	case domain.TriggerEventMatch:
		return t.backfill(ctx, w)
	case domain.TriggerTimeSinceEvent:
		return t.sweepWorkflow(ctx, w)
	}
	return 0, nil
}

// Sweep evaluates every active time_since_event workflow.
func (t *Triggers) Sweep(ctx context.Context) (int, error) {
	if t.directory == nil {
		return 0, nil
	}
	workflows, err := t.machine.workflows.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active workflows: %w", err)
	}
	total := 0
	for i := range workflows {
		w := &workflows[i]
		if w.Trigger.Kind != domain.TriggerTimeSinceEvent {
			continue
		}
		n, err := t.sweepWorkflow(ctx, w)
		total += n
		if err != nil {
			return total, fmt.Errorf("sweep workflow %s: %w", w.ID, err)
		}
	}
	return total, nil
}

func (t *Triggers) backfill(ctx context.Context, w *domain.WorkflowDefinition) (int, error) {
	since := t.machine.now().UTC().Add(-t.lookback)
	enrolled := 0
	cursor := ""
	for {
		events, next, err := t.directory.RecentEvents(ctx, w.Trigger.EventType, since, cursor, directoryPage)
		if err != nil {
			return enrolled, fmt.Errorf("recent events: %w", err)
		}
		for _, ev := range events {
			if !w.Trigger.Matches(ev) {
				continue
			}
			ok, err := t.enroll(ctx, w, ev.ContactID, ev.OccurredAt)
			if err != nil {
				return enrolled, err
			}
			if ok {
				enrolled++
			}
		}
		if next == "" {
			return enrolled, nil
		}
		cursor = next
	}
}

func (t *Triggers) sweepWorkflow(ctx context.Context, w *domain.WorkflowDefinition) (int, error) {
	now := t.machine.now().UTC()
	cutoff := now.Add(-w.Trigger.Threshold())
	enrolled := 0
	cursor := ""
	for {
		events, next, err := t.directory.LastEvents(ctx, w.Trigger.EventType, cutoff, cursor, directoryPage)
		if err != nil {
			return enrolled, fmt.Errorf("last events: %w", err)
		}
		for _, ev := range events {
			if !w.Trigger.Due(ev.OccurredAt, now) {
				continue
			}
			ok, err := t.enroll(ctx, w, ev.ContactID, ev.OccurredAt)
			if err != nil {
				return enrolled, err
			}
			if ok {
				enrolled++
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	if enrolled > 0 {
		logger.Info("trigger sweep enrolled contacts", "workflow_id", w.ID, "enrolled", enrolled)
	}
	return enrolled, nil
}

// enroll starts contactID on w unless the event at since was already acted
// on: a contact is re-enrolled only after a terminal enrollment that began
// before the triggering event.
func (t *Triggers) enroll(ctx context.Context, w *domain.WorkflowDefinition, contactID string, since time.Time) (bool, error) {
	latest, err := t.machine.enrollments.LatestEnrollment(ctx, w.ID, contactID)
	if err != nil {
		return false, fmt.Errorf("lookup enrollment: %w", err)
	}
	if latest != nil && (!latest.State.IsTerminal() || !latest.EnrolledAt.Before(since)) {
		return false, nil
	}
	_, err = t.machine.Enroll(ctx, EnrollRequest{
		WorkflowID: w.ID,
		ContactID:  contactID,
		Source:     domain.SourceTrigger,
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrAlreadyEnrolled), errors.Is(err, ErrWorkflowNotActive):
		return false, nil
	}
	return false, err
}
