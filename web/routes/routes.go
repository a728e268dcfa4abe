// Package routes provides HTTP route registration for the API server.
package routes

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/deploybot/deploybot/app"
	"github.com/deploybot/deploybot/web/handlers"
)

// NewRouter returns the complete API router for a
func NewRouter(a *app.App) chi.Router {
	h := handlers.New(a)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	RegisterUtilityRoutes(r, h, a)
	RegisterDeploymentRoutes(r, h)
	RegisterActionRoutes(r, h)
	RegisterHistoryRoutes(r, h)
	return r
}

// RegisterUtilityRoutes registers health, version and metrics endpoints
func RegisterUtilityRoutes(r chi.Router, h *handlers.Handlers, a *app.App) {
	r.Get("/health", h.Health)
	r.Get("/version", h.Version)
	r.Handle("/metrics", a.Metrics.Handler())
}

// RegisterDeploymentRoutes registers all deployment-related routes
func RegisterDeploymentRoutes(r chi.Router, h *handlers.Handlers) {
	r.Route("/deployments", func(r chi.Router) {
		r.Get("/", h.ListDeployments)
		r.Route("/{target}", func(r chi.Router) {
			r.Get("/", h.GetDeployment)
			r.Post("/", h.CreateDeployment)
			r.Delete("/", h.CancelDeployment)
			r.Post("/clear", h.ClearDeployment)
			r.Get("/log", h.DeploymentLog)
			r.Get("/events", h.DeploymentEvents)
		})
	})
	r.Get("/logs/{name}", h.LogFile)
}

// RegisterActionRoutes registers the chat action callbacks
func RegisterActionRoutes(r chi.Router, h *handlers.Handlers) {
	r.Post("/actions/cancel", h.CancelAction)
}

// RegisterHistoryRoutes registers the deployment history endpoint
func RegisterHistoryRoutes(r chi.Router, h *handlers.Handlers) {
	r.Get("/history", h.History)
}
