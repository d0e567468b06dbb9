package outreach

import (
	"context"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
)

// Hooks connects workflow lifecycle transitions to enrollment state.
type Hooks struct {
	Triggers *Triggers
	Machine  *Machine
}

// WorkflowActivated enrolls contacts that currently satisfy the trigger.
func (h Hooks) WorkflowActivated(ctx context.Context, w *domain.WorkflowDefinition) error {
	n, err := h.Triggers.Activate(ctx, w)
	if n > 0 {
		logger.Info("activation enrolled contacts", "workflow_id", w.ID, "enrolled", n)
	}
	return err
}

// WorkflowDeleted stops in-flight enrollments.
func (h Hooks) WorkflowDeleted(ctx context.Context, workflowID string) error {
	n, err := h.Machine.StopWorkflow(ctx, workflowID)
	if n > 0 {
		logger.Info("stopped enrollments of deleted workflow", "workflow_id", workflowID, "stopped", n)
	}
	return err
}
