package outreach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/metrics"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
)

// Machine owns enrollment state. Enroll is the only public entry point that
// creates state; advance and exit are driven by the dispatcher and by
// engagement events inside this package.
type Machine struct {
	workflows   WorkflowSource
	enrollments EnrollmentStore
	events      EventLog
	metrics     *metrics.Outreach
	now         func() time.Time
}

// NewMachine creates a state machine over the given stores.
func NewMachine(workflows WorkflowSource, enrollments EnrollmentStore, events EventLog) *Machine {
	return &Machine{
		workflows:   workflows,
		enrollments: enrollments,
		events:      events,
		now:         time.Now,
	}
}

// SetMetrics attaches Prometheus collectors.
func (m *Machine) SetMetrics(mx *metrics.Outreach) { m.metrics = mx }

// SetClock overrides the time source (tests).
func (m *Machine) SetClock(now func() time.Time) { m.now = now }

// EnrollRequest is the input of Machine.Enroll.
type EnrollRequest struct {
	WorkflowID string
	ContactID  string
	Source     domain.EnrollmentSource
}

// Enroll starts contactID on the current version of an active workflow and
// schedules step 0. If the contact already has a non-terminal enrollment in
// the workflow, that enrollment is returned together with ErrAlreadyEnrolled.
func (m *Machine) Enroll(ctx context.Context, req EnrollRequest) (*domain.Enrollment, error) {
	if req.ContactID == "" {
		return nil, fmt.Errorf("contact_id is required")
	}
	w, err := m.workflows.Get(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if w.IsDeleted() || w.Status != domain.WorkflowActive {
		m.metrics.Enrollment("rejected")
		return nil, ErrWorkflowNotActive
	}

	if existing, err := m.enrollments.LatestEnrollment(ctx, w.ID, req.ContactID); err != nil {
		return nil, fmt.Errorf("lookup enrollment: %w", err)
	} else if existing != nil && !existing.State.IsTerminal() {
		m.metrics.Enrollment("duplicate")
		return existing, ErrAlreadyEnrolled
	}

	source := req.Source
	if source == "" {
		source = domain.SourceManual
	}
	now := m.now().UTC()
	e := &domain.Enrollment{
		ID:              uuid.New().String(),
		WorkflowID:      w.ID,
		WorkflowVersion: w.Version,
		WorkflowType:    w.Type,
		ContactID:       req.ContactID,
		CurrentStep:     0,
		State:           domain.EnrollmentInProgress,
		Source:          source,
		EnrolledAt:      now,
		UpdatedAt:       now,
	}
	first := newTask(e, 0, e.EnrolledAt.Add(w.Steps[0].Delay()), now)
	ev := newEvent(e, domain.EventEnrolled, 0, "", false, now)

	if err := m.enrollments.CreateEnrollment(ctx, e, first, ev); err != nil {
		if errors.Is(err, ErrAlreadyEnrolled) {
			m.metrics.Enrollment("duplicate")
			existing, lerr := m.enrollments.LatestEnrollment(ctx, w.ID, req.ContactID)
			if lerr != nil {
				return nil, err
			}
			return existing, err
		}
		return nil, fmt.Errorf("create enrollment: %w", err)
	}
	m.events.Announce(ev)
	m.metrics.Enrollment("created")

	logger.Info("enrolled contact",
		"enrollment_id", e.ID, "workflow_id", w.ID, "version", w.Version,
		"contact_id", e.ContactID, "source", string(source))
	return e, nil
}

// advance records that task's step was sent and schedules the next step, or
// completes the enrollment after the last one. The next step is due at
// enrolled_at + delay, clamped to now when a retried step ran late.
func (m *Machine) advance(ctx context.Context, e *domain.Enrollment, w *domain.WorkflowDefinition, task *domain.ScheduledTask, workerID string) error {
	now := m.now().UTC()
	adv := Advance{
		EnrollmentID: e.ID,
		FromStep:     task.StepIndex,
		TaskID:       task.ID,
		At:           now,
	}
	next := task.StepIndex + 1
	if next < len(w.Steps) {
		due := e.EnrolledAt.Add(w.Steps[next].Delay())
		if due.Before(now) {
			due = now
		}
		adv.Next = newTask(e, next, due, now)
	}
	if err := m.enrollments.AdvanceEnrollment(ctx, adv); err != nil {
		return err
	}
	if adv.Next == nil {
		logger.Info("enrollment completed", "enrollment_id", e.ID, "worker_id", workerID)
	}
	return nil
}

// exit moves a non-terminal enrollment to exited and cancels its pending
// tasks. It returns ErrStaleEnrollment when the enrollment is already terminal.
func (m *Machine) exit(ctx context.Context, enrollmentID string, reason domain.ExitReason) error {
	err := m.enrollments.ExitEnrollment(ctx, Exit{
		EnrollmentID: enrollmentID,
		Reason:       reason,
		At:           m.now().UTC(),
	})
	if err != nil {
		return err
	}
	m.metrics.Exit(string(reason))
	logger.Info("enrollment exited", "enrollment_id", enrollmentID, "reason", string(reason))
	return nil
}

// StopWorkflow exits every in-flight enrollment of a workflow with
// manual_stop. Enrollments that finished concurrently are skipped.
func (m *Machine) StopWorkflow(ctx context.Context, workflowID string) (int, error) {
	ids, err := m.enrollments.ActiveEnrollmentIDs(ctx, workflowID)
	if err != nil {
		return 0, fmt.Errorf("list active enrollments: %w", err)
	}
	stopped := 0
	for _, id := range ids {
		if err := m.exit(ctx, id, domain.ExitManualStop); err != nil {
			if errors.Is(err, ErrStaleEnrollment) {
				continue
			}
			return stopped, err
		}
		stopped++
	}
	return stopped, nil
}

func newTask(e *domain.Enrollment, step int, due, now time.Time) *domain.ScheduledTask {
	return &domain.ScheduledTask{
		ID:           uuid.New().String(),
		EnrollmentID: e.ID,
		WorkflowID:   e.WorkflowID,
		StepIndex:    step,
		DueAt:        due,
		State:        domain.TaskPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func newEvent(e *domain.Enrollment, typ domain.EventType, step int, ch domain.Channel, ai bool, at time.Time) *domain.Event {
	return &domain.Event{
		ID:           uuid.New().String(),
		Type:         typ,
		EnrollmentID: e.ID,
		WorkflowID:   e.WorkflowID,
		WorkflowType: e.WorkflowType,
		ContactID:    e.ContactID,
		StepIndex:    step,
		Channel:      ch,
		Automated:    e.Automated(),
		AIGenerated:  ai,
		OccurredAt:   at,
		RecordedAt:   at,
	}
}
