package api

import (
	"net/http"
	"time"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/outreach"
	"github.com/ignite/outreach-engine/internal/pkg/httputil"
)

type eventRequest struct {
	EnrollmentID string     `json:"enrollment_id"`
	Type         string     `json:"type"`
	Channel      string     `json:"channel,omitempty"`
	StepIndex    *int       `json:"step_index,omitempty"`
	OccurredAt   *time.Time `json:"occurred_at,omitempty"`
	ExternalID   string     `json:"external_id,omitempty"`
}

// RecordEvent handles POST /events for provider and CRM engagement reports.
func (h *Handlers) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.EnrollmentID == "" {
		httputil.BadRequest(w, "enrollment_id is required")
		return
	}

	in := outreach.EngagementInput{
		EnrollmentID: req.EnrollmentID,
		Type:         domain.EventType(req.Type),
		StepIndex:    req.StepIndex,
		ExternalID:   req.ExternalID,
	}
	if req.Channel != "" {
		in.Channel = domain.ParseChannel(req.Channel)
	}
	if req.OccurredAt != nil {
		in.OccurredAt = *req.OccurredAt
	}

	ev, err := h.deps.Engagement.Record(r.Context(), in)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.Accepted(w, ev)
}
