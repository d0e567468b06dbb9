package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/outreach-engine/internal/analytics"
	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/content"
	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/ledger"
	"github.com/ignite/outreach-engine/internal/outreach"
	"github.com/ignite/outreach-engine/internal/repository/memory"
	"github.com/ignite/outreach-engine/internal/service/workflow"
)

type testServer struct {
	handler    http.Handler
	store      *memory.Store
	aggregator *analytics.Aggregator
}

func setupTestServer(t *testing.T, opts ...func(*Deps)) *testServer {
	t.Helper()
	store := memory.New()
	events := ledger.New(store, nil, "")

	workflows := workflow.NewService(store)
	workflows.SetTemplateChecker(content.NewRenderer().Check)
	machine := outreach.NewMachine(workflows, store, events)
	workflows.SetLifecycle(outreach.Hooks{Triggers: outreach.NewTriggers(machine, nil), Machine: machine})

	aggregator := analytics.NewAggregator(events, store, nil)

	deps := Deps{
		Workflows:   workflows,
		Enroller:    machine,
		Engagement:  outreach.NewEngagement(machine),
		Enrollments: store,
		Funnels:     store,
		Reports:     analytics.NewReader(store),
		Rebuilder:   aggregator,
		Health:      NewHealthChecker(nil, nil),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	srv := NewServer(config.ServerConfig{Port: 8080}, deps)
	return &testServer{handler: srv.Handler(), store: store, aggregator: aggregator}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func recallInput(status domain.WorkflowStatus) workflow.CreateInput {
	return workflow.CreateInput{
		Name: "Recall",
		Type: domain.WorkflowRecall,
		Steps: []domain.StepDefinition{
			{Channel: domain.ChannelEmail, DelaySeconds: 0, Subject: "Check-up", Body: "Hi {{ first_name }}"},
			{Channel: domain.ChannelSMS, DelaySeconds: 86400, Body: "Reply YES to book"},
		},
		Trigger: domain.Trigger{Kind: domain.TriggerManual},
		Status:  status,
	}
}

func (s *testServer) createWorkflow(t *testing.T, status domain.WorkflowStatus) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/workflows", recallInput(status))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody(t, rec)["id"].(string)
}

func (s *testServer) enroll(t *testing.T, workflowID, contactID string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/workflows/"+workflowID+"/enrollments", map[string]string{"contact_id": contactID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody(t, rec)["id"].(string)
}

// =============================================================================
// WORKFLOWS
// =============================================================================

func TestCreateWorkflow_RejectsInvalidDefinition(t *testing.T) {
	s := setupTestServer(t)
	in := recallInput(domain.WorkflowDraft)
	in.Steps[1].DelaySeconds = 0
	in.Steps[0].Channel = "fax"

	rec := s.do(t, http.MethodPost, "/workflows", in)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "invalid", body["code"])
	assert.NotEmpty(t, body["details"])
}

func TestCreateWorkflow_MalformedJSON(t *testing.T) {
	s := setupTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/workflows", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkflowLifecycle(t *testing.T) {
	s := setupTestServer(t)
	id := s.createWorkflow(t, domain.WorkflowDraft)

	t.Run("get returns summary", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/workflows/"+id, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "draft", body["status"])
		assert.EqualValues(t, 0, body["enrolled_count"])
	})

	t.Run("draft rejects enrollment", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/workflows/"+id+"/enrollments", map[string]string{"contact_id": "c1"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("activate via update", func(t *testing.T) {
		rec := s.do(t, http.MethodPut, "/workflows/"+id, map[string]string{"status": "active"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "active", decodeBody(t, rec)["status"])
	})

	t.Run("active cannot return to draft", func(t *testing.T) {
		rec := s.do(t, http.MethodPut, "/workflows/"+id, map[string]string{"status": "draft"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("editing published version forks", func(t *testing.T) {
		rec := s.do(t, http.MethodPut, "/workflows/"+id, map[string]string{"name": "Recall v2"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := decodeBody(t, rec)
		assert.EqualValues(t, 2, body["version"])
		assert.Equal(t, "Recall v2", body["name"])
	})

	t.Run("missing workflow", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/workflows/nope", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestListWorkflows_Paginates(t *testing.T) {
	s := setupTestServer(t)
	for i := 0; i < 3; i++ {
		s.createWorkflow(t, domain.WorkflowDraft)
	}

	rec := s.do(t, http.MethodGet, "/workflows?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data       []domain.WorkflowSummary `json:"data"`
		Pagination PaginationMeta           `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 2)
	assert.Equal(t, 3, resp.Pagination.Total)
	assert.Equal(t, 2, resp.Pagination.TotalPages)
	assert.True(t, resp.Pagination.HasMore)
}

type countingFunnels struct {
	FunnelSource
	calls int
}

func (c *countingFunnels) StageHistograms(ctx context.Context, ids []string) (map[string]map[domain.FunnelStage]int64, error) {
	c.calls++
	return c.FunnelSource.StageHistograms(ctx, ids)
}

func TestListWorkflows_ReadsFunnelsOnce(t *testing.T) {
	funnels := &countingFunnels{}
	s := setupTestServer(t, func(d *Deps) {
		funnels.FunnelSource = d.Funnels
		d.Funnels = funnels
	})
	converted := s.createWorkflow(t, domain.WorkflowActive)
	for i := 0; i < 3; i++ {
		s.createWorkflow(t, domain.WorkflowDraft)
	}
	enrollmentID := s.enroll(t, converted, "c1")
	rec := s.do(t, http.MethodPost, "/events", map[string]string{"enrollment_id": enrollmentID, "type": "converted"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	_, err := s.aggregator.CatchUp(context.Background())
	require.NoError(t, err)

	rec = s.do(t, http.MethodGet, "/workflows?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data []domain.WorkflowSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 4)
	assert.Equal(t, 1, funnels.calls, "one funnel read per page")

	for _, w := range resp.Data {
		if w.ID == converted {
			assert.EqualValues(t, 1, w.ConvertedCount)
		} else {
			assert.Zero(t, w.ConvertedCount)
		}
	}
}

func TestDeleteWorkflow_StopsEnrollments(t *testing.T) {
	s := setupTestServer(t)
	id := s.createWorkflow(t, domain.WorkflowActive)
	enrollmentID := s.enroll(t, id, "c1")

	rec := s.do(t, http.MethodDelete, "/workflows/"+id, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/workflows/"+id, nil).Code)

	rec = s.do(t, http.MethodGet, "/enrollments/"+enrollmentID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "exited", body["state"])
	assert.Equal(t, "manual_stop", body["exit_reason"])
	assert.Equal(t, "exited — manual_stop", body["label"])
}

// =============================================================================
// ENROLLMENTS
// =============================================================================

func TestEnrollments(t *testing.T) {
	s := setupTestServer(t)
	id := s.createWorkflow(t, domain.WorkflowActive)
	enrollmentID := s.enroll(t, id, "c1")

	t.Run("duplicate returns existing", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/workflows/"+id+"/enrollments", map[string]string{"contact_id": "c1"})
		require.Equal(t, http.StatusConflict, rec.Code)
		details := decodeBody(t, rec)["details"].(map[string]any)
		assert.Equal(t, enrollmentID, details["id"])
	})

	t.Run("contact required", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/workflows/"+id+"/enrollments", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("detail lists first task", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/enrollments/"+enrollmentID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var detail domain.EnrollmentDetail
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
		assert.Equal(t, domain.EnrollmentInProgress, detail.State)
		assert.Equal(t, "in_progress", detail.Label)
		require.Len(t, detail.Tasks, 1)
		assert.Equal(t, 0, detail.Tasks[0].StepIndex)
		assert.Empty(t, detail.Attempts)
	})

	t.Run("list by workflow", func(t *testing.T) {
		s.enroll(t, id, "c2")
		rec := s.do(t, http.MethodGet, "/workflows/"+id+"/enrollments?state=in_progress", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		pagination := decodeBody(t, rec)["pagination"].(map[string]any)
		assert.EqualValues(t, 2, pagination["total"])
	})

	t.Run("counts on card", func(t *testing.T) {
		body := decodeBody(t, s.do(t, http.MethodGet, "/workflows/"+id, nil))
		assert.EqualValues(t, 2, body["enrolled_count"])
		assert.EqualValues(t, 2, body["active_count"])
	})

	t.Run("unknown enrollment", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/enrollments/nope", nil).Code)
	})
}

// =============================================================================
// EVENTS & ANALYTICS
// =============================================================================

func TestRecordEvent(t *testing.T) {
	s := setupTestServer(t)
	id := s.createWorkflow(t, domain.WorkflowActive)
	enrollmentID := s.enroll(t, id, "c1")

	t.Run("rejects non-engagement type", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/events", map[string]string{"enrollment_id": enrollmentID, "type": "sent"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown enrollment", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/events", map[string]string{"enrollment_id": "nope", "type": "opened"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("conversion shows on card", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/events", map[string]string{"enrollment_id": enrollmentID, "type": "converted"})
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		_, err := s.aggregator.CatchUp(context.Background())
		require.NoError(t, err)

		body := decodeBody(t, s.do(t, http.MethodGet, "/workflows/"+id, nil))
		assert.EqualValues(t, 1, body["converted_count"])
		assert.InDelta(t, 1.0, body["conversion_rate"], 1e-9)
	})

	t.Run("unsubscribe exits enrollment", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/events", map[string]string{"enrollment_id": enrollmentID, "type": "unsubscribed", "channel": "email"})
		require.Equal(t, http.StatusAccepted, rec.Code)

		e, err := s.store.GetEnrollment(context.Background(), enrollmentID)
		require.NoError(t, err)
		assert.Equal(t, domain.EnrollmentExited, e.State)
	})
}

func TestOutreachAnalytics(t *testing.T) {
	s := setupTestServer(t)

	tests := []struct {
		name  string
		query string
		code  int
	}{
		{"default range", "", http.StatusOK},
		{"weeks", "?range=12w", http.StatusOK},
		{"months by month", "?range=6m&granularity=month", http.StatusOK},
		{"bad unit", "?range=10y", http.StatusBadRequest},
		{"bad granularity", "?range=30d&granularity=minute", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, "/analytics/outreach"+tt.query, nil)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}

	t.Run("series covers range", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/analytics/outreach?range=6m", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var report domain.OutreachReport
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Len(t, report.Series, 6)
		assert.Len(t, report.Channels, len(domain.Channels))
	})
}

func TestRebuildAnalytics(t *testing.T) {
	s := setupTestServer(t)
	id := s.createWorkflow(t, domain.WorkflowActive)
	s.enroll(t, id, "c1")

	rec := s.do(t, http.MethodPost, "/analytics/rebuild", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, decodeBody(t, rec)["events"])
}

// =============================================================================
// HEALTH
// =============================================================================

func TestHealthRoutes(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(t, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["ready"])

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDetermineOverallStatus(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]ComponentCheck
		want   string
	}{
		{"nothing configured", map[string]ComponentCheck{"database": {Status: "down", Message: "not configured"}}, "healthy"},
		{"database down", map[string]ComponentCheck{"database": {Status: "down", Message: "ping failed"}}, "unhealthy"},
		{"redis slow", map[string]ComponentCheck{"database": {Status: "up"}, "redis": {Status: "degraded"}}, "degraded"},
		{"all up", map[string]ComponentCheck{"database": {Status: "up"}, "redis": {Status: "up"}}, "healthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, determineOverallStatus(tt.checks))
		})
	}
}
