// ABOUTME: chi route table of the maintdesk API
// ABOUTME: Every protected route group passes through the access gate with its required role

package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/maintdesk/internal/auth"
	"github.com/2389/maintdesk/internal/store"
)

// mediaTokenParam is the query parameter carrying a bearer token for
// inline media fetches.
const mediaTokenParam = "token"

func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer(g.logger))
	r.Use(requestLogger(g.logger.With("component", "http")))
	r.Use(metricsMiddleware)

	r.Get("/health", g.handleHealth)
	if g.config.Metrics.Enabled {
		r.Handle(g.config.Metrics.Path, promhttp.Handler())
	}

	requireUser := g.access.Require(store.RoleUser)
	requireAdmin := g.access.Require(store.RoleAdmin)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", g.handleRequestLogin)
		r.Get("/auth/magic-link", g.handleVerifyMagicLink)
		r.Post("/miniapp/validate", g.handleMiniAppValidate)
		r.Post("/cron/media-retention", g.handleCronRetention)

		r.Group(func(r chi.Router) {
			r.Use(requireUser)
			r.Get("/me", g.handleMe)
			r.Get("/tasks", g.handleListTasks)
			r.Post("/tasks", g.handleCreateTask)
			r.Get("/tasks/{uid}", g.handleGetTask)
			r.Post("/tasks/{uid}/media", g.handleUploadMedia)
		})

		r.With(g.access.Require(store.RoleUser, auth.AllowQueryToken(mediaTokenParam))).
			Get("/media/{uid}/{filename}", g.handleGetMedia)

		r.Group(func(r chi.Router) {
			r.Use(requireAdmin)
			r.Patch("/tasks/{uid}", g.handleUpdateTask)
			r.Post("/tasks/{uid}/status", g.handleChangeStatus)
			r.Post("/tasks/{uid}/assignees", g.handleAssignee)
			r.Post("/tasks/{uid}/note", g.handleAddNote)
			r.Delete("/media/{uid}/{filename}", g.handleDeleteMedia)

			r.Get("/users", g.handleListUsers)
			r.Post("/users", g.handleCreateUser)
			r.Get("/users/export", g.handleExportUsers)
			r.Patch("/users/{telegram_id}", g.handleUpdateUser)
			r.Get("/audit", g.handleListAudit)
		})
	})

	return r
}

// handleHealth returns 200 OK when the database answers.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.CountUsers(r.Context()); err != nil {
		g.logger.Error("health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
