package memory

import (
	"context"
	"time"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/service/workflow"
)

func cloneWorkflow(w *domain.WorkflowDefinition) *domain.WorkflowDefinition {
	cp := *w
	cp.Steps = append([]domain.StepDefinition(nil), w.Steps...)
	if w.Trigger.FieldEquals != nil {
		cp.Trigger.FieldEquals = make(map[string]string, len(w.Trigger.FieldEquals))
		for k, v := range w.Trigger.FieldEquals {
			cp.Trigger.FieldEquals[k] = v
		}
	}
	return &cp
}

// Create inserts version 1 of a workflow.
func (s *Store) Create(_ context.Context, w *domain.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[w.ID] = map[int]*domain.WorkflowDefinition{w.Version: cloneWorkflow(w)}
	s.current[w.ID] = w.Version
	s.created = append(s.created, w.ID)
	return nil
}

// Get returns the current version, including soft-deleted workflows.
func (s *Store) Get(_ context.Context, id string) (*domain.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.currentLocked(id)
	if w == nil {
		return nil, workflow.ErrNotFound
	}
	return cloneWorkflow(w), nil
}

func (s *Store) currentLocked(id string) *domain.WorkflowDefinition {
	v, ok := s.current[id]
	if !ok {
		return nil
	}
	return s.versions[id][v]
}

// GetVersion returns one version.
func (s *Store) GetVersion(_ context.Context, id string, version int) (*domain.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.versions[id][version]
	if !ok {
		return nil, workflow.ErrVersionNotFound
	}
	return cloneWorkflow(w), nil
}

// List returns current versions of live workflows, newest first.
func (s *Store) List(_ context.Context, f workflow.ListFilter) ([]domain.WorkflowDefinition, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []domain.WorkflowDefinition
	for i := len(s.created) - 1; i >= 0; i-- {
		w := s.currentLocked(s.created[i])
		if w.IsDeleted() {
			continue
		}
		if f.Status != "" && string(w.Status) != f.Status {
			continue
		}
		if f.Type != "" && string(w.Type) != f.Type {
			continue
		}
		matched = append(matched, *cloneWorkflow(w))
	}
	return page(matched, f.Offset, f.Limit), len(matched), nil
}

// SaveDraft overwrites an unpublished current version.
func (s *Store) SaveDraft(_ context.Context, w *domain.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.versions[w.ID][w.Version]
	if !ok {
		return workflow.ErrNotFound
	}
	if cur.Published {
		return workflow.ErrImmutable
	}
	s.versions[w.ID][w.Version] = cloneWorkflow(w)
	return nil
}

// ForkVersion inserts a new version and makes it current.
func (s *Store) ForkVersion(_ context.Context, w *domain.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.versions[w.ID]; !ok {
		return workflow.ErrNotFound
	}
	s.versions[w.ID][w.Version] = cloneWorkflow(w)
	s.current[w.ID] = w.Version
	return nil
}

// SetStatus changes the status of the current version.
func (s *Store) SetStatus(_ context.Context, id string, status domain.WorkflowStatus, publish bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.currentLocked(id)
	if w == nil {
		return workflow.ErrNotFound
	}
	w.Status = status
	w.UpdatedAt = at
	if publish {
		w.Published = true
	}
	return nil
}

// SoftDelete stamps deleted_at and pauses the workflow.
func (s *Store) SoftDelete(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.currentLocked(id)
	if w == nil {
		return workflow.ErrNotFound
	}
	w.DeletedAt = &at
	w.Status = domain.WorkflowPaused
	w.UpdatedAt = at
	return nil
}

// dispatchableLocked reports whether tasks of the workflow may be claimed.
func (s *Store) dispatchableLocked(workflowID string) bool {
	w := s.currentLocked(workflowID)
	return w != nil && !w.IsDeleted() && w.Status == domain.WorkflowActive
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
