package api

import (
	"net/http"

	"github.com/ignite/outreach-engine/internal/analytics"
	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/pkg/httputil"
)

// GetOutreachAnalytics handles
// GET /analytics/outreach?range=30d|12w|6m&granularity=day|week|month&workflow_id=
func (h *Handlers) GetOutreachAnalytics(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	report, err := h.deps.Reports.Report(r.Context(), analytics.ReportQuery{
		Range:       query.Get("range"),
		Granularity: domain.Granularity(query.Get("granularity")),
		WorkflowID:  query.Get("workflow_id"),
	})
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, report)
}

// RebuildAnalytics handles POST /analytics/rebuild. It replays the whole
// ledger and answers once the aggregates are rebuilt.
func (h *Handlers) RebuildAnalytics(w http.ResponseWriter, r *http.Request) {
	n, err := h.deps.Rebuilder.Rebuild(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"status": "rebuilt", "events": n})
}
