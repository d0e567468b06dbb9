package outreach

import (
	"context"
	"time"

	"github.com/ignite/outreach-engine/internal/channel"
	"github.com/ignite/outreach-engine/internal/domain"
)

// WorkflowSource reads workflow definitions.
type WorkflowSource interface {
	Get(ctx context.Context, id string) (*domain.WorkflowDefinition, error)
	GetVersion(ctx context.Context, id string, version int) (*domain.WorkflowDefinition, error)
	ListActive(ctx context.Context) ([]domain.WorkflowDefinition, error)
}

// EnrollmentStore persists enrollments. Every state change is a
// compare-and-swap so concurrent writers cannot both win.
type EnrollmentStore interface {
	// CreateEnrollment inserts e (in_progress), its first task and the
	// enrolled event in one transaction. It returns ErrAlreadyEnrolled when
	// the contact already has a non-terminal enrollment in the workflow.
	CreateEnrollment(ctx context.Context, e *domain.Enrollment, first *domain.ScheduledTask, ev *domain.Event) error
	GetEnrollment(ctx context.Context, id string) (*domain.Enrollment, error)
	// LatestEnrollment returns the most recent enrollment of the contact in
	// the workflow, or nil if there is none.
	LatestEnrollment(ctx context.Context, workflowID, contactID string) (*domain.Enrollment, error)
	ListEnrollments(ctx context.Context, f EnrollmentFilter) ([]domain.Enrollment, int, error)
	CountEnrollments(ctx context.Context, workflowIDs []string) (map[string]domain.EnrollmentCounts, error)
	// ActiveEnrollmentIDs lists non-terminal enrollments of a workflow.
	ActiveEnrollmentIDs(ctx context.Context, workflowID string) ([]string, error)
	// AdvanceEnrollment moves the enrollment from adv.FromStep to the next
	// step, closes the task and inserts adv.Next, or completes the
	// enrollment when adv.Next is nil. ErrStaleEnrollment on CAS failure.
	AdvanceEnrollment(ctx context.Context, adv Advance) error
	// ExitEnrollment exits a non-terminal enrollment and cancels its pending
	// tasks. ErrStaleEnrollment if it is already terminal.
	ExitEnrollment(ctx context.Context, ex Exit) error
}

// EnrollmentFilter narrows enrollment listings.
type EnrollmentFilter struct {
	WorkflowID string
	ContactID  string
	State      domain.EnrollmentState
	Limit      int
	Offset     int
}

// Advance is the input of EnrollmentStore.AdvanceEnrollment.
type Advance struct {
	EnrollmentID string
	FromStep     int
	TaskID       string
	Next         *domain.ScheduledTask
	At           time.Time
}

// Exit is the input of EnrollmentStore.ExitEnrollment.
type Exit struct {
	EnrollmentID string
	Reason       domain.ExitReason
	At           time.Time
}

// TaskStore persists scheduled tasks and their leases.
type TaskStore interface {
	// ClaimDueTasks atomically leases up to c.Limit due tasks whose lease is
	// absent or expired and whose workflow is active. Selection and lease
	// write happen in a single operation.
	ClaimDueTasks(ctx context.Context, c Claim) ([]domain.ScheduledTask, error)
	// RescheduleTask moves a leased task to dueAt and releases the lease.
	RescheduleTask(ctx context.Context, taskID, workerID string, dueAt time.Time) error
	// FinishTask closes a leased task as done or cancelled.
	FinishTask(ctx context.Context, taskID, workerID string, state domain.TaskState, at time.Time) error
	ListTasks(ctx context.Context, enrollmentID string) ([]domain.ScheduledTask, error)
}

// Claim is the input of TaskStore.ClaimDueTasks.
type Claim struct {
	WorkerID string
	Now      time.Time
	Lease    time.Duration
	Limit    int
}

// AttemptStore records dispatch attempts.
type AttemptStore interface {
	// RecordAttempt assigns the next attempt number for the task, stores a
	// and appends ev (when non-nil) to the ledger in one transaction.
	RecordAttempt(ctx context.Context, a *domain.DispatchAttempt, ev *domain.Event) error
	// HasSentAttempt reports whether the step was already sent.
	HasSentAttempt(ctx context.Context, enrollmentID string, step int) (bool, error)
	ListAttempts(ctx context.Context, enrollmentID string) ([]domain.DispatchAttempt, error)
}

// EventLog is the event ledger as seen by the engine.
type EventLog interface {
	// Append persists events and notifies subscribers.
	Append(ctx context.Context, events ...*domain.Event) error
	// Announce notifies subscribers of events persisted by another
	// transactional write.
	Announce(events ...*domain.Event)
}

// ContactStore resolves contacts at dispatch time.
type ContactStore interface {
	GetContact(ctx context.Context, id string) (*domain.Contact, error)
}

// ContactDirectory is the query side of the contact store used by trigger
// evaluation. Paging uses an opaque cursor; "" starts and ends a scan.
type ContactDirectory interface {
	ContactStore
	// RecentEvents lists events of eventType that occurred at or after since.
	RecentEvents(ctx context.Context, eventType string, since time.Time, cursor string, limit int) ([]domain.ContactEvent, string, error)
	// LastEvents lists, per contact, the most recent event of eventType when
	// it occurred at or before cutoff.
	LastEvents(ctx context.Context, eventType string, cutoff time.Time, cursor string, limit int) ([]domain.ContactEvent, string, error)
}

// Sender delivers a rendered message. channel.Router implements it.
type Sender interface {
	Send(ctx context.Context, msg channel.Message) channel.Result
}

// TimedSender is a Sender with a fixed per-channel send timeout. The
// dispatcher only starts a send when that much lease time remains.
type TimedSender interface {
	Sender
	Timeout(ctx context.Context, ch domain.Channel) time.Duration
}

// Renderer renders step content.
type Renderer interface {
	Render(cacheKey, tpl string, vars map[string]interface{}) (string, error)
}

// Decorator rewrites rendered content before sending, e.g. to add tracked
// links and an open pixel to email bodies.
type Decorator interface {
	Decorate(ch domain.Channel, body string, ref TrackingRef) string
}

// TrackingRef identifies the dispatch a tracked link belongs to.
type TrackingRef struct {
	EnrollmentID string
	StepIndex    int
	Channel      domain.Channel
}
