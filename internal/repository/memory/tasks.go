package memory

import (
	"context"
	"sort"
	"time"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/outreach"
)

// ClaimDueTasks leases due tasks of active workflows, earliest first.
// Selection and lease write happen under one lock.
func (s *Store) ClaimDueTasks(_ context.Context, c outreach.Claim) ([]domain.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*domain.ScheduledTask
	for _, t := range s.tasks {
		if t.Claimable(c.Now) && s.dispatchableLocked(t.WorkflowID) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].DueAt.Equal(due[j].DueAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].DueAt.Before(due[j].DueAt)
	})
	if c.Limit > 0 && len(due) > c.Limit {
		due = due[:c.Limit]
	}

	expires := c.Now.Add(c.Lease)
	out := make([]domain.ScheduledTask, 0, len(due))
	for _, t := range due {
		owner := c.WorkerID
		exp := expires
		t.LeaseOwner = &owner
		t.LeaseExpiresAt = &exp
		t.UpdatedAt = c.Now
		out = append(out, *t)
	}
	return out, nil
}

// RescheduleTask moves a leased task to dueAt and releases the lease.
func (s *Store) RescheduleTask(_ context.Context, taskID, workerID string, dueAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.ownedLocked(taskID, workerID)
	if err != nil {
		return err
	}
	t.DueAt = dueAt
	t.LeaseOwner = nil
	t.LeaseExpiresAt = nil
	return nil
}

// FinishTask closes a leased task.
func (s *Store) FinishTask(_ context.Context, taskID, workerID string, state domain.TaskState, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.ownedLocked(taskID, workerID)
	if err != nil {
		return err
	}
	closeTask(t, state, at)
	return nil
}

// ListTasks returns the tasks of an enrollment by step.
func (s *Store) ListTasks(_ context.Context, enrollmentID string) ([]domain.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ScheduledTask
	for _, t := range s.tasks {
		if t.EnrollmentID == enrollmentID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StepIndex == out[j].StepIndex {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].StepIndex < out[j].StepIndex
	})
	return out, nil
}

func (s *Store) ownedLocked(taskID, workerID string) (*domain.ScheduledTask, error) {
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, outreach.ErrTaskNotFound
	}
	if t.State != domain.TaskPending || t.LeaseOwner == nil || *t.LeaseOwner != workerID {
		return nil, outreach.ErrLeaseLost
	}
	return t, nil
}

func closeTask(t *domain.ScheduledTask, state domain.TaskState, at time.Time) {
	t.State = state
	t.LeaseOwner = nil
	t.LeaseExpiresAt = nil
	t.UpdatedAt = at
}
