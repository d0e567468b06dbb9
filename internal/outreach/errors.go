package outreach

import "errors"

// Sentinel errors for the outreach engine.
var (
	ErrEnrollmentNotFound = errors.New("enrollment not found")
	ErrAlreadyEnrolled    = errors.New("contact already enrolled in workflow")
	ErrWorkflowNotActive  = errors.New("workflow is not active")
	// ErrStaleEnrollment means a compare-and-swap on the enrollment lost:
	// it already moved past the expected state or step.
	ErrStaleEnrollment = errors.New("enrollment changed concurrently")
	// ErrLeaseLost means the task lease is no longer held by the caller.
	ErrLeaseLost         = errors.New("task lease lost")
	ErrTaskNotFound      = errors.New("scheduled task not found")
	ErrInvalidEngagement = errors.New("invalid engagement event")
)
