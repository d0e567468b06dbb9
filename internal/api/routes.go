package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

var defaultOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers, deps Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = defaultOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if deps.Health != nil {
		r.Get("/health", deps.Health.HandleHealth)
		r.Get("/health/live", deps.Health.HandleLiveness)
		r.Get("/health/ready", deps.Health.HandleReadiness)
	}
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/workflows", func(r chi.Router) {
		r.Get("/", h.ListWorkflows)
		r.Post("/", h.CreateWorkflow)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetWorkflow)
			r.Put("/", h.UpdateWorkflow)
			r.Delete("/", h.DeleteWorkflow)
			r.Get("/enrollments", h.ListEnrollments)
			r.Post("/enrollments", h.CreateEnrollment)
		})
	})
	r.Get("/enrollments/{id}", h.GetEnrollment)

	r.Route("/analytics", func(r chi.Router) {
		r.Get("/outreach", h.GetOutreachAnalytics)
		if deps.Rebuilder != nil {
			r.Post("/rebuild", h.RebuildAnalytics)
		}
	})

	r.Post("/events", h.RecordEvent)
	if deps.Twilio != nil {
		r.Method(http.MethodPost, "/webhooks/twilio", deps.Twilio)
	}

	return r
}
