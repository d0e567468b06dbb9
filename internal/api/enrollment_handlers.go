package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/outreach"
	"github.com/ignite/outreach-engine/internal/pkg/httputil"
)

type enrollRequest struct {
	ContactID string `json:"contact_id"`
}

// CreateEnrollment handles POST /workflows/{id}/enrollments
func (h *Handlers) CreateEnrollment(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.ContactID == "" {
		httputil.BadRequest(w, "contact_id is required")
		return
	}

	e, err := h.deps.Enroller.Enroll(r.Context(), outreach.EnrollRequest{
		WorkflowID: chi.URLParam(r, "id"),
		ContactID:  req.ContactID,
		Source:     domain.SourceManual,
	})
	if errors.Is(err, outreach.ErrAlreadyEnrolled) {
		httputil.Conflict(w, err.Error(), e)
		return
	}
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.Created(w, e)
}

// ListEnrollments handles GET /workflows/{id}/enrollments?state=&contact_id=&page=&limit=
func (h *Handlers) ListEnrollments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workflowID := chi.URLParam(r, "id")
	if _, err := h.deps.Workflows.Get(ctx, workflowID); err != nil {
		respondError(w, err)
		return
	}

	p := parsePage(r, 50, 200)
	query := r.URL.Query()
	items, total, err := h.deps.Enrollments.ListEnrollments(ctx, outreach.EnrollmentFilter{
		WorkflowID: workflowID,
		ContactID:  query.Get("contact_id"),
		State:      domain.EnrollmentState(query.Get("state")),
		Limit:      p.Limit,
		Offset:     p.Offset(),
	})
	if err != nil {
		respondError(w, err)
		return
	}
	if items == nil {
		items = []domain.Enrollment{}
	}
	httputil.OK(w, paginated(items, p, total))
}

// GetEnrollment handles GET /enrollments/{id}: state, tasks and attempt
// history with the user-facing label.
func (h *Handlers) GetEnrollment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	e, err := h.deps.Enrollments.GetEnrollment(ctx, id)
	if err != nil {
		respondError(w, err)
		return
	}
	tasks, err := h.deps.Enrollments.ListTasks(ctx, id)
	if err != nil {
		respondError(w, err)
		return
	}
	attempts, err := h.deps.Enrollments.ListAttempts(ctx, id)
	if err != nil {
		respondError(w, err)
		return
	}
	if tasks == nil {
		tasks = []domain.ScheduledTask{}
	}
	if attempts == nil {
		attempts = []domain.DispatchAttempt{}
	}

	httputil.OK(w, domain.EnrollmentDetail{
		Enrollment: *e,
		Tasks:      tasks,
		Attempts:   attempts,
		Label:      domain.DetailLabel(e),
	})
}
