package workflow

import (
	"context"
	"time"

	"github.com/ignite/outreach-engine/internal/domain"
)

// Repository persists workflow definitions and their versions.
type Repository interface {
	// Create inserts version 1 of a new workflow.
	Create(ctx context.Context, w *domain.WorkflowDefinition) error
	// Get returns the current version, including soft-deleted workflows.
	Get(ctx context.Context, id string) (*domain.WorkflowDefinition, error)
	// GetVersion returns a specific version.
	GetVersion(ctx context.Context, id string, version int) (*domain.WorkflowDefinition, error)
	// List returns current versions of non-deleted workflows and the total.
	List(ctx context.Context, f ListFilter) ([]domain.WorkflowDefinition, int, error)
	// SaveDraft overwrites an unpublished current version in place.
	// Implementations return ErrImmutable if the version is published.
	SaveDraft(ctx context.Context, w *domain.WorkflowDefinition) error
	// ForkVersion inserts w as a new version and makes it current.
	ForkVersion(ctx context.Context, w *domain.WorkflowDefinition) error
	// SetStatus changes the workflow status; publish also marks the
	// current version published.
	SetStatus(ctx context.Context, id string, status domain.WorkflowStatus, publish bool, at time.Time) error
	// SoftDelete stamps deleted_at and pauses the workflow.
	SoftDelete(ctx context.Context, id string, at time.Time) error
}

// ListFilter narrows workflow listings.
type ListFilter struct {
	Status string
	Type   string
	Limit  int
	Offset int
}

// Lifecycle receives enrollment-affecting workflow transitions.
type Lifecycle interface {
	// WorkflowActivated evaluates contacts currently matching the trigger.
	WorkflowActivated(ctx context.Context, w *domain.WorkflowDefinition) error
	// WorkflowDeleted exits in-flight enrollments with manual_stop.
	WorkflowDeleted(ctx context.Context, workflowID string) error
}
