package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/outreach-engine/internal/analytics"
	"github.com/ignite/outreach-engine/internal/api"
	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/outreach"
	"github.com/ignite/outreach-engine/internal/service/workflow"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Channels.Email.Provider = "dryrun"
	cfg.Channels.SMS.Provider = "dryrun"
	cfg.Channels.Voice.Provider = "dryrun"
	cfg.Analytics.Mode = "batch"
	return cfg
}

func TestNew_MemoryEndToEnd(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig())
	require.NoError(t, err)
	defer a.Close()

	require.Nil(t, a.DB)
	require.NotNil(t, a.local)
	a.local.Put(domain.Contact{
		ID:        "c1",
		FirstName: "Dana",
		Email:     "dana@example.com",
		Consent:   map[domain.Channel]bool{domain.ChannelEmail: true},
	})

	w, err := a.Workflows.Create(ctx, workflow.CreateInput{
		Name:    "Welcome",
		Type:    domain.WorkflowWelcome,
		Steps:   []domain.StepDefinition{{Channel: domain.ChannelEmail, Subject: "Welcome", Body: "Hi {{ first_name }}"}},
		Trigger: domain.Trigger{Kind: domain.TriggerManual},
		Status:  domain.WorkflowActive,
	})
	require.NoError(t, err)

	e, err := a.Machine.Enroll(ctx, outreach.EnrollRequest{WorkflowID: w.ID, ContactID: "c1"})
	require.NoError(t, err)

	n, err := a.Scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := a.Store.GetEnrollment(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EnrollmentCompleted, got.State)

	_, err = a.Aggregator.CatchUp(ctx)
	require.NoError(t, err)
	report, err := a.Reports.Report(ctx, analytics.ReportQuery{Range: "7d"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.Totals.Sent)
	assert.EqualValues(t, 1, report.Funnel.Sent)
}

func TestAPIDeps_ServesRoutes(t *testing.T) {
	a, err := New(context.Background(), testConfig())
	require.NoError(t, err)
	defer a.Close()

	handler := api.NewServer(a.Config.Server, a.APIDeps()).Handler()

	for _, path := range []string{"/health/live", "/metrics", "/workflows", "/analytics/outreach"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestLoops_StartAndClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, testConfig())
	require.NoError(t, err)

	a.StartScheduler()
	a.StartAggregator(ctx)
	require.NoError(t, a.StartTriggers(ctx))
	require.NoError(t, a.StartTrackingConsumer(ctx))

	assert.NoError(t, a.Close())
	// A second Close has nothing left to release.
	assert.NoError(t, a.Close())
}
