package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/applyforge/jobengine/internal/api"
	apiMiddleware "github.com/applyforge/jobengine/internal/api/middleware"
)

// setupRouter configures the application router with all routes and
// middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(app.logger))

	jobHandler := api.NewJobHandler(app.submission, app.status)
	dlqHandler := api.NewDLQHandler(app.queue)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", jobHandler.SubmitJob)
		r.Get("/jobs/{id}", jobHandler.GetJob)
		r.Get("/dlq", dlqHandler.ListDeadLetters)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("failed to write health check response", "error", err)
		}
	})

	return r
}
