package api

import (
	"errors"
	"net/http"

	"github.com/ignite/outreach-engine/internal/analytics"
	"github.com/ignite/outreach-engine/internal/outreach"
	"github.com/ignite/outreach-engine/internal/pkg/httputil"
	"github.com/ignite/outreach-engine/internal/service/workflow"
)

// =============================================================================
// ERROR MAPPING
// Service errors map to 4xx with their own message. Anything unrecognized is
// logged and answered with a generic 500 so store details never reach clients.
// =============================================================================

func respondError(w http.ResponseWriter, err error) {
	var verr *workflow.ValidationError
	switch {
	case errors.As(err, &verr):
		httputil.ValidationFailed(w, verr.Problems)
	case errors.Is(err, workflow.ErrNotFound),
		errors.Is(err, workflow.ErrVersionNotFound),
		errors.Is(err, outreach.ErrEnrollmentNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, workflow.ErrInvalidTransition),
		errors.Is(err, workflow.ErrInvalidDefinition),
		errors.Is(err, outreach.ErrInvalidEngagement),
		errors.Is(err, analytics.ErrInvalidQuery):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, workflow.ErrImmutable),
		errors.Is(err, outreach.ErrWorkflowNotActive),
		errors.Is(err, analytics.ErrBusy):
		httputil.Conflict(w, err.Error(), nil)
	default:
		httputil.InternalError(w, err)
	}
}
