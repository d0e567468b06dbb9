package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/pkg/httputil"
	"github.com/ignite/outreach-engine/internal/service/workflow"
)

// ListWorkflows handles GET /workflows?status=&type=&page=&limit=
func (h *Handlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := parsePage(r, 50, 200)
	query := r.URL.Query()

	items, total, err := h.deps.Workflows.List(ctx, workflow.ListFilter{
		Status: query.Get("status"),
		Type:   query.Get("type"),
		Limit:  p.Limit,
		Offset: p.Offset(),
	})
	if err != nil {
		respondError(w, err)
		return
	}

	summaries, err := h.summarize(r, items)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, paginated(summaries, p, total))
}

// GetWorkflow handles GET /workflows/{id}
func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := h.deps.Workflows.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	summaries, err := h.summarize(r, []domain.WorkflowDefinition{*def})
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, summaries[0])
}

// CreateWorkflow handles POST /workflows
func (h *Handlers) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var input workflow.CreateInput
	if !httputil.Decode(w, r, &input) {
		return
	}
	def, err := h.deps.Workflows.Create(r.Context(), input)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.Created(w, def)
}

// UpdateWorkflow handles PUT /workflows/{id}. Editing a published version
// returns the forked version.
func (h *Handlers) UpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	var input workflow.UpdateInput
	if !httputil.Decode(w, r, &input) {
		return
	}
	def, err := h.deps.Workflows.Update(r.Context(), chi.URLParam(r, "id"), input)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, def)
}

// DeleteWorkflow handles DELETE /workflows/{id}
func (h *Handlers) DeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Workflows.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	httputil.NoContent(w)
}

// summarize attaches enrollment counters and the converted funnel stage.
func (h *Handlers) summarize(r *http.Request, items []domain.WorkflowDefinition) ([]domain.WorkflowSummary, error) {
	ctx := r.Context()
	out := make([]domain.WorkflowSummary, 0, len(items))
	if len(items) == 0 {
		return out, nil
	}

	ids := make([]string, len(items))
	for i, def := range items {
		ids[i] = def.ID
	}
	counts, err := h.deps.Enrollments.CountEnrollments(ctx, ids)
	if err != nil {
		return nil, err
	}

	var stages map[string]map[domain.FunnelStage]int64
	if h.deps.Funnels != nil {
		if stages, err = h.deps.Funnels.StageHistograms(ctx, ids); err != nil {
			return nil, err
		}
	}

	for _, def := range items {
		c := counts[def.ID]
		s := domain.WorkflowSummary{
			WorkflowDefinition: def,
			EnrolledCount:      c.Enrolled,
			ActiveCount:        c.Active,
			CompletedCount:     c.Completed,
			ExitedCount:        c.Exited,
		}
		if hist, ok := stages[def.ID]; ok {
			s.ConvertedCount = domain.FunnelFromStages(def.ID, hist).Converted
		}
		if s.EnrolledCount > 0 {
			s.ConversionRate = float64(s.ConvertedCount) / float64(s.EnrolledCount)
		}
		out = append(out, s)
	}
	return out, nil
}
