package outreach

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/channel"
	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/metrics"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
)

// leaseMargin is kept free at the end of a lease for recording the outcome.
const leaseMargin = 5 * time.Second

// Dispatcher turns a claimed task into a channel send and applies the
// outcome to the enrollment.
type Dispatcher struct {
	machine   *Machine
	tasks     TaskStore
	attempts  AttemptStore
	contacts  ContactStore
	sender    Sender
	renderer  Renderer
	decorator Decorator
	retry     RetryPolicy
	lease     time.Duration
	metrics   *metrics.Outreach
}

// DispatcherDeps are the collaborators of a Dispatcher.
type DispatcherDeps struct {
	Machine  *Machine
	Tasks    TaskStore
	Attempts AttemptStore
	Contacts ContactStore
	Sender   Sender
	Renderer Renderer
	Retry    RetryPolicy
	// Lease is the scheduler's lease length. A channel timeout longer than
	// the lease minus the recording margin is capped to fit.
	Lease time.Duration
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	retry := deps.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	return &Dispatcher{
		machine:  deps.Machine,
		tasks:    deps.Tasks,
		attempts: deps.Attempts,
		contacts: deps.Contacts,
		sender:   deps.Sender,
		renderer: deps.Renderer,
		retry:    retry,
		lease:    deps.Lease,
	}
}

// SetDecorator installs a content decorator (tracked links).
func (d *Dispatcher) SetDecorator(dec Decorator) { d.decorator = dec }

// SetMetrics attaches Prometheus collectors.
func (d *Dispatcher) SetMetrics(mx *metrics.Outreach) { d.metrics = mx }

// Dispatch processes one task leased by workerID until leaseExpires.
// Returned errors are infrastructure failures; the lease then expires and
// another worker picks the task up again.
func (d *Dispatcher) Dispatch(ctx context.Context, task domain.ScheduledTask, workerID string, leaseExpires time.Time) error {
	e, err := d.machine.enrollments.GetEnrollment(ctx, task.EnrollmentID)
	if err != nil && !errors.Is(err, ErrEnrollmentNotFound) {
		return fmt.Errorf("load enrollment: %w", err)
	}
	if e == nil || e.State.IsTerminal() || e.CurrentStep != task.StepIndex {
		return d.drop(ctx, task, workerID)
	}

	w, err := d.machine.workflows.GetVersion(ctx, e.WorkflowID, e.WorkflowVersion)
	if err != nil {
		return fmt.Errorf("load workflow %s v%d: %w", e.WorkflowID, e.WorkflowVersion, err)
	}
	if task.StepIndex < 0 || task.StepIndex >= len(w.Steps) {
		return d.drop(ctx, task, workerID)
	}
	step := w.Steps[task.StepIndex]

	// A worker that crashed after sending leaves a sent attempt behind. The
	// step is complete; only the advance is missing.
	sentBefore, err := d.attempts.HasSentAttempt(ctx, e.ID, task.StepIndex)
	if err != nil {
		return fmt.Errorf("check attempt history: %w", err)
	}
	if sentBefore {
		return d.advance(ctx, e, w, &task, workerID)
	}

	// Tasks later in a claimed batch inherit what earlier sends left of the
	// shared lease. Hand back those that can no longer fit a full send.
	need := d.sendBudget(ctx, step.Channel)
	if leaseExpires.Sub(d.machine.now())-leaseMargin < need {
		return d.release(ctx, &task, workerID)
	}

	contact, err := d.contacts.GetContact(ctx, e.ContactID)
	if errors.Is(err, domain.ErrContactNotFound) {
		return d.exit(ctx, e.ID, domain.ExitContactLostConsent)
	}
	if err != nil {
		logger.Warn("contact lookup failed, rescheduling",
			"enrollment_id", e.ID, "task_id", task.ID, "error", err.Error())
		return d.reschedule(ctx, &task, workerID, task.Attempts+1)
	}

	attempt := &domain.DispatchAttempt{
		ID:           uuid.New().String(),
		TaskID:       task.ID,
		EnrollmentID: e.ID,
		StepIndex:    task.StepIndex,
		Channel:      step.Channel,
		WorkerID:     workerID,
		Automated:    e.Automated(),
		AIGenerated:  step.AIGenerated,
	}

	if !contact.HasConsent(step.Channel) {
		attempt.Outcome = domain.AttemptSkippedConsent
		if err := d.record(ctx, attempt, nil, 0); err != nil {
			return err
		}
		return d.exit(ctx, e.ID, domain.ExitContactLostConsent)
	}

	dest := contact.Destination(step.Channel)
	if dest == "" {
		return d.permanentFailure(ctx, e, attempt, channel.CodeInvalidDestination, 0)
	}

	msg, err := d.compose(e, w, step, contact, dest)
	if err != nil {
		logger.Error("render step content", "enrollment_id", e.ID, "step", task.StepIndex, "error", err.Error())
		attempt.Outcome = domain.AttemptProviderError
		attempt.ProviderCode = "render_error"
		if err := d.record(ctx, attempt, d.event(e, attempt, domain.EventFailed), 0); err != nil {
			return err
		}
		return d.exit(ctx, e.ID, domain.ExitErrorExhausted)
	}

	// The send must not be interrupted by shutdown once started, but it must
	// finish well before the lease does.
	budget := leaseExpires.Sub(d.machine.now()) - leaseMargin
	if budget <= 0 || budget < need {
		return d.release(ctx, &task, workerID)
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), budget)
	defer cancel()
	started := time.Now()
	res := d.sender.Send(sendCtx, msg)
	took := time.Since(started)
	// Outcomes are recorded even when shutdown began mid-send.
	ctx = context.WithoutCancel(ctx)

	attempt.ProviderCode = res.Code
	attempt.ProviderMessageID = res.MessageID

	switch res.Outcome {
	case channel.Sent:
		attempt.Outcome = domain.AttemptSent
		if err := d.record(ctx, attempt, d.event(e, attempt, domain.EventSent), took); err != nil {
			return err
		}
		return d.advance(ctx, e, w, &task, workerID)

	case channel.PermanentFailure:
		return d.permanentFailure(ctx, e, attempt, res.Code, took)

	default:
		attempt.Outcome = domain.AttemptProviderError
		if err := d.record(ctx, attempt, d.event(e, attempt, domain.EventFailed), took); err != nil {
			return err
		}
		errMsg := ""
		if res.Err != nil {
			errMsg = res.Err.Error()
		}
		logger.Warn("transient dispatch failure",
			"enrollment_id", e.ID, "step", task.StepIndex, "channel", string(step.Channel),
			"attempt", attempt.AttemptNumber, "code", res.Code, "error", errMsg)
		if d.retry.Exhausted(attempt.AttemptNumber) {
			return d.exit(ctx, e.ID, domain.ExitErrorExhausted)
		}
		return d.reschedule(ctx, &task, workerID, attempt.AttemptNumber)
	}
}

func (d *Dispatcher) compose(e *domain.Enrollment, w *domain.WorkflowDefinition, step domain.StepDefinition, c *domain.Contact, dest string) (channel.Message, error) {
	key := fmt.Sprintf("%s:%d:%d", w.ID, w.Version, e.CurrentStep)
	vars := c.Variables()
	body, err := d.renderer.Render(key+":body", step.Body, vars)
	if err != nil {
		return channel.Message{}, err
	}
	subject := ""
	if step.Subject != "" {
		if subject, err = d.renderer.Render(key+":subject", step.Subject, vars); err != nil {
			return channel.Message{}, err
		}
	}
	if d.decorator != nil {
		body = d.decorator.Decorate(step.Channel, body, TrackingRef{
			EnrollmentID: e.ID,
			StepIndex:    e.CurrentStep,
			Channel:      step.Channel,
		})
	}
	return channel.Message{
		Channel:     step.Channel,
		Destination: dest,
		Subject:     subject,
		Body:        body,
		Tags: map[string]string{
			"enrollment_id": e.ID,
			"workflow_id":   e.WorkflowID,
			"step":          strconv.Itoa(e.CurrentStep),
		},
	}, nil
}

func (d *Dispatcher) permanentFailure(ctx context.Context, e *domain.Enrollment, attempt *domain.DispatchAttempt, code string, took time.Duration) error {
	attempt.Outcome = domain.AttemptBounced
	attempt.ProviderCode = code
	if err := d.record(ctx, attempt, d.event(e, attempt, domain.EventBounced), took); err != nil {
		return err
	}
	return d.exit(ctx, e.ID, domain.ExitBounced)
}

// record stores the attempt with its ledger event and announces the event.
func (d *Dispatcher) record(ctx context.Context, a *domain.DispatchAttempt, ev *domain.Event, took time.Duration) error {
	a.AttemptedAt = d.machine.now().UTC()
	if ev != nil {
		ev.OccurredAt = a.AttemptedAt
		ev.RecordedAt = a.AttemptedAt
	}
	if err := d.attempts.RecordAttempt(ctx, a, ev); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	d.metrics.ObserveDispatch(string(a.Channel), string(a.Outcome), took)
	if ev != nil {
		d.machine.events.Announce(ev)
	}
	return nil
}

func (d *Dispatcher) event(e *domain.Enrollment, a *domain.DispatchAttempt, typ domain.EventType) *domain.Event {
	return newEvent(e, typ, a.StepIndex, a.Channel, a.AIGenerated, d.machine.now().UTC())
}

func (d *Dispatcher) advance(ctx context.Context, e *domain.Enrollment, w *domain.WorkflowDefinition, task *domain.ScheduledTask, workerID string) error {
	err := d.machine.advance(ctx, e, w, task, workerID)
	if errors.Is(err, ErrStaleEnrollment) {
		return d.drop(ctx, *task, workerID)
	}
	return err
}

func (d *Dispatcher) exit(ctx context.Context, enrollmentID string, reason domain.ExitReason) error {
	err := d.machine.exit(ctx, enrollmentID, reason)
	if errors.Is(err, ErrStaleEnrollment) {
		return nil
	}
	return err
}

func (d *Dispatcher) reschedule(ctx context.Context, task *domain.ScheduledTask, workerID string, attempt int) error {
	due := d.machine.now().UTC().Add(d.retry.Backoff(attempt))
	err := d.tasks.RescheduleTask(ctx, task.ID, workerID, due)
	if errors.Is(err, ErrLeaseLost) {
		return nil
	}
	return err
}

// sendBudget is the lease time a send on ch needs: the sender's channel
// timeout, capped so a freshly claimed task always fits.
func (d *Dispatcher) sendBudget(ctx context.Context, ch domain.Channel) time.Duration {
	ts, ok := d.sender.(TimedSender)
	if !ok {
		return 0
	}
	need := ts.Timeout(ctx, ch)
	if full := d.lease - leaseMargin; d.lease > 0 && need > full {
		need = full
	}
	return need
}

// release hands the task back undispatched and due now. No attempt is
// recorded so the retry budget is untouched.
func (d *Dispatcher) release(ctx context.Context, task *domain.ScheduledTask, workerID string) error {
	logger.Debug("lease too short for send, releasing task",
		"task_id", task.ID, "enrollment_id", task.EnrollmentID, "step", task.StepIndex)
	d.metrics.TaskReleased()
	err := d.tasks.RescheduleTask(ctx, task.ID, workerID, d.machine.now().UTC())
	if errors.Is(err, ErrLeaseLost) {
		return nil
	}
	return err
}

// drop closes a task that no longer has anything to do.
func (d *Dispatcher) drop(ctx context.Context, task domain.ScheduledTask, workerID string) error {
	err := d.tasks.FinishTask(ctx, task.ID, workerID, domain.TaskCancelled, d.machine.now().UTC())
	if errors.Is(err, ErrLeaseLost) || errors.Is(err, ErrTaskNotFound) {
		return nil
	}
	return err
}
