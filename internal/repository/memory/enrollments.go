package memory

import (
	"context"
	"sort"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/outreach"
)

// CreateEnrollment inserts the enrollment, its first task and the enrolled
// event atomically.
func (s *Store) CreateEnrollment(_ context.Context, e *domain.Enrollment, first *domain.ScheduledTask, ev *domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.enrollOrder {
		other := s.enrollments[id]
		if other.WorkflowID == e.WorkflowID && other.ContactID == e.ContactID && !other.State.IsTerminal() {
			return outreach.ErrAlreadyEnrolled
		}
	}
	cp := *e
	s.enrollments[e.ID] = &cp
	s.enrollOrder = append(s.enrollOrder, e.ID)
	if first != nil {
		t := *first
		s.tasks[t.ID] = &t
	}
	if ev != nil {
		s.appendLocked(ev)
	}
	return nil
}

// GetEnrollment returns one enrollment.
func (s *Store) GetEnrollment(_ context.Context, id string) (*domain.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok {
		return nil, outreach.ErrEnrollmentNotFound
	}
	cp := *e
	return &cp, nil
}

// LatestEnrollment returns the most recent enrollment of a contact in a
// workflow, or nil.
func (s *Store) LatestEnrollment(_ context.Context, workflowID, contactID string) (*domain.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *domain.Enrollment
	for _, id := range s.enrollOrder {
		e := s.enrollments[id]
		if e.WorkflowID != workflowID || e.ContactID != contactID {
			continue
		}
		if latest == nil || !e.EnrolledAt.Before(latest.EnrolledAt) {
			latest = e
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

// ListEnrollments returns matching enrollments, newest first, and the total.
func (s *Store) ListEnrollments(_ context.Context, f outreach.EnrollmentFilter) ([]domain.Enrollment, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []domain.Enrollment
	for _, id := range s.enrollOrder {
		e := s.enrollments[id]
		if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
			continue
		}
		if f.ContactID != "" && e.ContactID != f.ContactID {
			continue
		}
		if f.State != "" && e.State != f.State {
			continue
		}
		matched = append(matched, *e)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].EnrolledAt.After(matched[j].EnrolledAt)
	})
	return page(matched, f.Offset, f.Limit), len(matched), nil
}

// CountEnrollments returns enrollment counters per workflow.
func (s *Store) CountEnrollments(_ context.Context, workflowIDs []string) (map[string]domain.EnrollmentCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.EnrollmentCounts, len(workflowIDs))
	want := make(map[string]bool, len(workflowIDs))
	for _, id := range workflowIDs {
		want[id] = true
		out[id] = domain.EnrollmentCounts{}
	}
	for _, e := range s.enrollments {
		if !want[e.WorkflowID] {
			continue
		}
		c := out[e.WorkflowID]
		c.Enrolled++
		switch e.State {
		case domain.EnrollmentCompleted:
			c.Completed++
		case domain.EnrollmentExited:
			c.Exited++
		default:
			c.Active++
		}
		out[e.WorkflowID] = c
	}
	return out, nil
}

// ActiveEnrollmentIDs lists non-terminal enrollments of a workflow.
func (s *Store) ActiveEnrollmentIDs(_ context.Context, workflowID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, id := range s.enrollOrder {
		e := s.enrollments[id]
		if e.WorkflowID == workflowID && !e.State.IsTerminal() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// AdvanceEnrollment moves an in-progress enrollment past adv.FromStep.
func (s *Store) AdvanceEnrollment(_ context.Context, adv outreach.Advance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[adv.EnrollmentID]
	if !ok {
		return outreach.ErrEnrollmentNotFound
	}
	if e.State != domain.EnrollmentInProgress || e.CurrentStep != adv.FromStep {
		return outreach.ErrStaleEnrollment
	}
	if t, ok := s.tasks[adv.TaskID]; ok && t.State == domain.TaskPending {
		closeTask(t, domain.TaskDone, adv.At)
	}
	e.CurrentStep = adv.FromStep + 1
	e.UpdatedAt = adv.At
	if adv.Next != nil {
		t := *adv.Next
		s.tasks[t.ID] = &t
		return nil
	}
	at := adv.At
	e.State = domain.EnrollmentCompleted
	e.CompletedAt = &at
	return nil
}

// ExitEnrollment exits a non-terminal enrollment and cancels its tasks.
func (s *Store) ExitEnrollment(_ context.Context, ex outreach.Exit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[ex.EnrollmentID]
	if !ok {
		return outreach.ErrEnrollmentNotFound
	}
	if e.State.IsTerminal() {
		return outreach.ErrStaleEnrollment
	}
	at := ex.At
	reason := ex.Reason
	e.State = domain.EnrollmentExited
	e.ExitReason = &reason
	e.ExitedAt = &at
	e.UpdatedAt = at
	for _, t := range s.tasks {
		if t.EnrollmentID == e.ID && t.State == domain.TaskPending {
			closeTask(t, domain.TaskCancelled, at)
		}
	}
	return nil
}
