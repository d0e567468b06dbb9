package memory

import (
	"context"

	"github.com/ignite/outreach-engine/internal/domain"
)

// RecordAttempt numbers and stores an attempt and appends its event.
func (s *Store) RecordAttempt(_ context.Context, a *domain.DispatchAttempt, ev *domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[a.TaskID]; ok {
		t.Attempts++
		a.AttemptNumber = t.Attempts
	} else {
		n := 0
		for _, prev := range s.attempts {
			if prev.TaskID == a.TaskID {
				n++
			}
		}
		a.AttemptNumber = n + 1
	}
	s.attempts = append(s.attempts, *a)
	if ev != nil {
		s.appendLocked(ev)
	}
	return nil
}

// HasSentAttempt reports whether the step was already sent.
func (s *Store) HasSentAttempt(_ context.Context, enrollmentID string, step int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.attempts {
		if a.EnrollmentID == enrollmentID && a.StepIndex == step && a.Outcome == domain.AttemptSent {
			return true, nil
		}
	}
	return false, nil
}

// ListAttempts returns an enrollment's attempts in order.
func (s *Store) ListAttempts(_ context.Context, enrollmentID string) ([]domain.DispatchAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DispatchAttempt
	for _, a := range s.attempts {
		if a.EnrollmentID == enrollmentID {
			out = append(out, a)
		}
	}
	return out, nil
}
