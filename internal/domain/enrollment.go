package domain

import "time"

// EnrollmentState enumerates the lifecycle of one contact's run through a
// workflow.
type EnrollmentState string

const (
	EnrollmentPending    EnrollmentState = "pending"
	EnrollmentInProgress EnrollmentState = "in_progress"
	EnrollmentCompleted  EnrollmentState = "completed"
	EnrollmentExited     EnrollmentState = "exited"
)

// IsTerminal returns true once the enrollment can never be scheduled again.
func (s EnrollmentState) IsTerminal() bool {
	return s == EnrollmentCompleted || s == EnrollmentExited
}

// ExitReason records why an enrollment left its workflow early.
type ExitReason string

const (
	ExitUnsubscribed       ExitReason = "unsubscribed"
	ExitContactLostConsent ExitReason = "contact_lost_consent"
	ExitManualStop         ExitReason = "manual_stop"
	ExitErrorExhausted     ExitReason = "error_exhausted"
	ExitBounced            ExitReason = "bounced"
)

// IsError reports whether the exit should surface as "exited — error" to
// users rather than a normal stop.
func (r ExitReason) IsError() bool {
	return r == ExitErrorExhausted || r == ExitBounced
}

// EnrollmentSource records whether the enrollment came from a trigger match
// or an operator. Trigger enrollments tag their dispatches as automated.
type EnrollmentSource string

const (
	SourceTrigger EnrollmentSource = "trigger"
	SourceManual  EnrollmentSource = "manual"
)

// Enrollment is one contact's run through one workflow version.
type Enrollment struct {
	ID              string           `json:"id" db:"id"`
	WorkflowID      string           `json:"workflow_id" db:"workflow_id"`
	WorkflowVersion int              `json:"workflow_version" db:"workflow_version"`
	WorkflowType    WorkflowType     `json:"workflow_type" db:"workflow_type"`
	ContactID       string           `json:"contact_id" db:"contact_id"`
	CurrentStep     int              `json:"current_step" db:"current_step"`
	State           EnrollmentState  `json:"state" db:"state"`
	Source          EnrollmentSource `json:"source" db:"source"`
	ExitReason      *ExitReason      `json:"exit_reason,omitempty" db:"exit_reason"`
	EnrolledAt      time.Time        `json:"enrolled_at" db:"enrolled_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty" db:"completed_at"`
	ExitedAt        *time.Time       `json:"exited_at,omitempty" db:"exited_at"`
	UpdatedAt       time.Time        `json:"updated_at" db:"updated_at"`
}

// Automated reports whether dispatches for this enrollment count as automated.
func (e *Enrollment) Automated() bool {
	return e.Source == SourceTrigger
}

// EnrollmentCounts are the per-workflow counters shown on workflow cards.
type EnrollmentCounts struct {
	Enrolled  int64 `json:"enrolled"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Exited    int64 `json:"exited"`
}

// TaskState enumerates the states of a ScheduledTask.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskDone      TaskState = "done"
	TaskCancelled TaskState = "cancelled"
)

// ScheduledTask represents "this step is due to run". At most one
// non-expired lease exists per task.
type ScheduledTask struct {
	ID             string     `json:"id" db:"id"`
	EnrollmentID   string     `json:"enrollment_id" db:"enrollment_id"`
	WorkflowID     string     `json:"workflow_id" db:"workflow_id"`
	StepIndex      int        `json:"step_index" db:"step_index"`
	DueAt          time.Time  `json:"due_at" db:"due_at"`
	LeaseOwner     *string    `json:"lease_owner,omitempty" db:"lease_owner"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	Attempts       int        `json:"attempts" db:"attempts"`
	State          TaskState  `json:"state" db:"state"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Leased reports whether the task holds a valid lease at now.
func (t *ScheduledTask) Leased(now time.Time) bool {
	return t.LeaseOwner != nil && t.LeaseExpiresAt != nil && t.LeaseExpiresAt.After(now)
}

// Claimable reports whether a worker may claim the task at now.
func (t *ScheduledTask) Claimable(now time.Time) bool {
	return t.State == TaskPending && !t.DueAt.After(now) && !t.Leased(now)
}

// AttemptOutcome is the recorded result of one dispatch attempt.
type AttemptOutcome string

const (
	AttemptSent           AttemptOutcome = "sent"
	AttemptProviderError  AttemptOutcome = "provider_error"
	AttemptBounced        AttemptOutcome = "bounced"
	AttemptSkippedConsent AttemptOutcome = "skipped_consent"
)

// DispatchAttempt is one try at delivering a step. Attempt numbers increase
// monotonically per task.
type DispatchAttempt struct {
	ID                string         `json:"id" db:"id"`
	TaskID            string         `json:"task_id" db:"task_id"`
	EnrollmentID      string         `json:"enrollment_id" db:"enrollment_id"`
	StepIndex         int            `json:"step_index" db:"step_index"`
	AttemptNumber     int            `json:"attempt_number" db:"attempt_number"`
	Channel           Channel        `json:"channel" db:"channel"`
	Outcome           AttemptOutcome `json:"outcome" db:"outcome"`
	ProviderCode      string         `json:"provider_code,omitempty" db:"provider_code"`
	ProviderMessageID string         `json:"provider_message_id,omitempty" db:"provider_message_id"`
	WorkerID          string         `json:"worker_id" db:"worker_id"`
	Automated         bool           `json:"automated" db:"automated"`
	AIGenerated       bool           `json:"ai_generated" db:"ai_generated"`
	AttemptedAt       time.Time      `json:"attempted_at" db:"attempted_at"`
}

// EnrollmentDetail is the read model behind the enrollment detail view.
type EnrollmentDetail struct {
	Enrollment
	Tasks    []ScheduledTask   `json:"tasks"`
	Attempts []DispatchAttempt `json:"attempts"`
	Label    string            `json:"label"`
}

// DetailLabel returns the user-facing status label for an enrollment.
func DetailLabel(e *Enrollment) string {
	if e.State == EnrollmentExited && e.ExitReason != nil {
		if e.ExitReason.IsError() {
			return "exited — error"
		}
		return "exited — " + string(*e.ExitReason)
	}
	return string(e.State)
}
