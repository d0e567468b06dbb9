// Package api serves the outreach Read API consumed by the dashboard:
// workflow CRUD with enrollment counters, manual enrollment, enrollment
// detail, analytics reports, engagement ingestion and provider webhooks.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/outreach-engine/internal/analytics"
	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/outreach"
	"github.com/ignite/outreach-engine/internal/service/workflow"
)

// WorkflowService is the workflow definition store.
type WorkflowService interface {
	Create(ctx context.Context, input workflow.CreateInput) (*domain.WorkflowDefinition, error)
	Update(ctx context.Context, id string, input workflow.UpdateInput) (*domain.WorkflowDefinition, error)
	Get(ctx context.Context, id string) (*domain.WorkflowDefinition, error)
	List(ctx context.Context, f workflow.ListFilter) ([]domain.WorkflowDefinition, int, error)
	Delete(ctx context.Context, id string) error
}

// Enroller starts enrollments.
type Enroller interface {
	Enroll(ctx context.Context, req outreach.EnrollRequest) (*domain.Enrollment, error)
}

// EngagementRecorder ingests engagement reports.
type EngagementRecorder interface {
	Record(ctx context.Context, in outreach.EngagementInput) (*domain.Event, error)
}

// EnrollmentReader reads enrollments with their tasks and attempts.
type EnrollmentReader interface {
	GetEnrollment(ctx context.Context, id string) (*domain.Enrollment, error)
	ListEnrollments(ctx context.Context, f outreach.EnrollmentFilter) ([]domain.Enrollment, int, error)
	CountEnrollments(ctx context.Context, workflowIDs []string) (map[string]domain.EnrollmentCounts, error)
	ListTasks(ctx context.Context, enrollmentID string) ([]domain.ScheduledTask, error)
	ListAttempts(ctx context.Context, enrollmentID string) ([]domain.DispatchAttempt, error)
}

// FunnelSource reports per-workflow funnel stages.
type FunnelSource interface {
	StageHistograms(ctx context.Context, workflowIDs []string) (map[string]map[domain.FunnelStage]int64, error)
}

// ReportReader builds dashboard reports.
type ReportReader interface {
	Report(ctx context.Context, q analytics.ReportQuery) (*domain.OutreachReport, error)
}

// Rebuilder replays the ledger into fresh aggregates.
type Rebuilder interface {
	Rebuild(ctx context.Context) (int, error)
}

// Deps are the collaborators behind the routes. Twilio, Metrics and
// Rebuilder are optional; their routes are only mounted when set.
type Deps struct {
	Workflows   WorkflowService
	Enroller    Enroller
	Engagement  EngagementRecorder
	Enrollments EnrollmentReader
	Funnels     FunnelSource
	Reports     ReportReader
	Rebuilder   Rebuilder
	Twilio      http.Handler
	Metrics     http.Handler
	Health      *HealthChecker

	AllowedOrigins []string
}

// Server represents the API server
type Server struct {
	config config.ServerConfig
	router *chi.Mux
	server *http.Server
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	return &Server{
		config: cfg,
		router: SetupRoutes(&Handlers{deps: deps}, deps),
	}
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing
func (s *Server) Handler() http.Handler {
	return s.router
}
