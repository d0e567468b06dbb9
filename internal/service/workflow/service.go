package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/domain"
)

// Service implements workflow definition business logic. All public methods
// are safe for concurrent use if the underlying repository is.
type Service struct {
	repo      Repository
	lifecycle Lifecycle
	validator *validator.Validate
	checkTpl  func(string) error
	now       func() time.Time
}

// NewService creates a workflow service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{
		repo:      repo,
		validator: newValidator(),
		now:       time.Now,
	}
}

// SetLifecycle wires the enrollment side effects of activation and
// deletion. It breaks the construction cycle with the outreach engine,
// which reads definitions through this service.
func (s *Service) SetLifecycle(l Lifecycle) { s.lifecycle = l }

// SetTemplateChecker rejects definitions whose step content does not parse.
func (s *Service) SetTemplateChecker(check func(tpl string) error) { s.checkTpl = check }

// SetClock overrides the time source, for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// CreateInput is the payload for a new workflow.
type CreateInput struct {
	Name    string                  `json:"name"`
	Type    domain.WorkflowType     `json:"type"`
	Steps   []domain.StepDefinition `json:"steps"`
	Trigger domain.Trigger          `json:"trigger"`
	Status  domain.WorkflowStatus   `json:"status,omitempty"`
}

// UpdateInput holds optional edits. Nil fields are left unchanged.
type UpdateInput struct {
	Name    *string                 `json:"name,omitempty"`
	Type    *domain.WorkflowType    `json:"type,omitempty"`
	Steps   []domain.StepDefinition `json:"steps,omitempty"`
	Trigger *domain.Trigger         `json:"trigger,omitempty"`
	Status  *domain.WorkflowStatus  `json:"status,omitempty"`
}

func (u UpdateInput) editsDefinition() bool {
	return u.Name != nil || u.Type != nil || u.Steps != nil || u.Trigger != nil
}

// Get returns the current version of a workflow.
func (s *Service) Get(ctx context.Context, id string) (*domain.WorkflowDefinition, error) {
	w, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.IsDeleted() {
		return nil, ErrNotFound
	}
	return w, nil
}

// GetVersion returns a specific version, even of a deleted workflow, so
// in-flight enrollments can finish resolving their steps.
func (s *Service) GetVersion(ctx context.Context, id string, version int) (*domain.WorkflowDefinition, error) {
	return s.repo.GetVersion(ctx, id, version)
}

// List returns workflows matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.WorkflowDefinition, int, error) {
	return s.repo.List(ctx, f)
}

// ListActive returns every active workflow, used for trigger evaluation.
func (s *Service) ListActive(ctx context.Context) ([]domain.WorkflowDefinition, error) {
	var out []domain.WorkflowDefinition
	f := ListFilter{Status: string(domain.WorkflowActive), Limit: 200}
	for {
		page, total, err := s.repo.List(ctx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		f.Offset += len(page)
		if len(page) == 0 || f.Offset >= total {
			return out, nil
		}
	}
}

// Create validates and persists a new workflow. Status defaults to draft;
// creating directly as active publishes version 1 and runs activation.
func (s *Service) Create(ctx context.Context, input CreateInput) (*domain.WorkflowDefinition, error) {
	status := input.Status
	if status == "" {
		status = domain.WorkflowDraft
	}
	if status != domain.WorkflowDraft && status != domain.WorkflowActive {
		return nil, fmt.Errorf("%w: new workflows start as draft or active", ErrInvalidTransition)
	}

	now := s.now().UTC()
	w := &domain.WorkflowDefinition{
		ID:        uuid.New().String(),
		Version:   1,
		Name:      input.Name,
		Type:      input.Type,
		Status:    status,
		Steps:     normalizeSteps(input.Steps),
		Trigger:   normalizeTrigger(input.Trigger),
		Published: status == domain.WorkflowActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.validate(w); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, w); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	log.Printf("[workflow.Service] created %s (%s, %d steps, %s)", w.ID, w.Type, len(w.Steps), w.Status)

	if w.Status == domain.WorkflowActive {
		s.activated(ctx, w)
	}
	return w, nil
}

// Update applies edits and an optional status change. Editing a published
// version forks a new version so in-flight enrollments keep the version
// they started under; unpublished drafts are edited in place.
func (s *Service) Update(ctx context.Context, id string, input UpdateInput) (*domain.WorkflowDefinition, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if input.editsDefinition() {
		next := *cur
		if input.Name != nil {
			next.Name = *input.Name
		}
		if input.Type != nil {
			next.Type = *input.Type
		}
		if input.Steps != nil {
			next.Steps = normalizeSteps(input.Steps)
		}
		if input.Trigger != nil {
			next.Trigger = normalizeTrigger(*input.Trigger)
		}
		next.UpdatedAt = s.now().UTC()
		if err := s.validate(&next); err != nil {
			return nil, err
		}

		if cur.Published {
			next.Version = cur.Version + 1
			// An active workflow enrolls against its current version, so
			// the fork goes live immediately.
			next.Published = cur.Status == domain.WorkflowActive
			next.CreatedAt = next.UpdatedAt
			if err := s.repo.ForkVersion(ctx, &next); err != nil {
				return nil, fmt.Errorf("fork workflow version: %w", err)
			}
			log.Printf("[workflow.Service] forked %s v%d -> v%d", id, cur.Version, next.Version)
		} else if err := s.repo.SaveDraft(ctx, &next); err != nil {
			return nil, fmt.Errorf("save workflow draft: %w", err)
		}
		cur = &next
	}

	if input.Status != nil && *input.Status != cur.Status {
		return s.SetStatus(ctx, id, *input.Status)
	}
	return cur, nil
}

// SetStatus changes the lifecycle status. Activation publishes the current
// version and evaluates contacts already matching the trigger.
func (s *Service) SetStatus(ctx context.Context, id string, status domain.WorkflowStatus) (*domain.WorkflowDefinition, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == status {
		return cur, nil
	}
	if !allowedTransition(cur.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, status)
	}

	publish := status == domain.WorkflowActive
	if err := s.repo.SetStatus(ctx, id, status, publish, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("set workflow status: %w", err)
	}
	log.Printf("[workflow.Service] %s status %s -> %s", id, cur.Status, status)

	updated, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if status == domain.WorkflowActive {
		s.activated(ctx, updated)
	}
	return updated, nil
}

// Delete soft-deletes a workflow and exits its in-flight enrollments with
// manual_stop.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.repo.SoftDelete(ctx, id, s.now().UTC()); err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	log.Printf("[workflow.Service] deleted %s", id)

	if s.lifecycle == nil {
		return nil
	}
	if err := s.lifecycle.WorkflowDeleted(ctx, id); err != nil {
		return fmt.Errorf("stop enrollments for deleted workflow %s: %w", id, err)
	}
	return nil
}

// activated runs trigger evaluation. Failures are logged rather than
// returned because the status change itself already committed.
func (s *Service) activated(ctx context.Context, w *domain.WorkflowDefinition) {
	if s.lifecycle == nil {
		return
	}
	if err := s.lifecycle.WorkflowActivated(ctx, w); err != nil {
		log.Printf("[workflow.Service] activation evaluation for %s failed: %v", w.ID, err)
	}
}

func allowedTransition(from, to domain.WorkflowStatus) bool {
	switch from {
	case domain.WorkflowDraft:
		return to == domain.WorkflowActive
	case domain.WorkflowActive:
		return to == domain.WorkflowPaused
	case domain.WorkflowPaused:
		return to == domain.WorkflowActive
	}
	return false
}

func normalizeSteps(steps []domain.StepDefinition) []domain.StepDefinition {
	out := make([]domain.StepDefinition, len(steps))
	for i, st := range steps {
		st.Channel = domain.ParseChannel(string(st.Channel))
		out[i] = st
	}
	return out
}

func normalizeTrigger(t domain.Trigger) domain.Trigger {
	if t.Kind == "" {
		t.Kind = domain.TriggerManual
	}
	return t
}

// IsNotFound reports whether err means the workflow or version is missing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrVersionNotFound)
}
