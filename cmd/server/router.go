package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/postcrafter/postcrafter-api/internal/api"
	apiMiddleware "github.com/postcrafter/postcrafter-api/internal/api/middleware"
)

// setupRouter configures the application router with all routes and
// middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.TraceMiddleware)

	taskHandler := api.NewTaskHandler(app.orchestrator, app.logger)
	eventsHandler := api.NewEventsHandler(app.orchestrator, app.broker,
		app.config.Task.HeartbeatInterval, app.logger)
	jobHandler := api.NewJobHandler(app.jobStore, app.executionStore,
		app.scheduler, app.logger)
	queueHandler := api.NewQueueHandler(app.queue, app.logger)

	r.Route("/api", func(r chi.Router) {
		// Task endpoints
		r.Post("/tasks", taskHandler.CreateTask)
		r.Get("/tasks/{id}", taskHandler.GetTask)
		r.Post("/tasks/{id}/respond", taskHandler.RespondToTask)
		r.Post("/tasks/{id}/cancel", taskHandler.CancelTask)
		r.Get("/tasks/{id}/events", eventsHandler.StreamEvents)

		// Job endpoints
		r.Post("/jobs", jobHandler.CreateJob)
		r.Get("/jobs", jobHandler.ListJobs)
		r.Get("/jobs/{id}", jobHandler.GetJob)
		r.Put("/jobs/{id}", jobHandler.UpdateJob)
		r.Delete("/jobs/{id}", jobHandler.DeleteJob)
		r.Patch("/jobs/{id}/status", jobHandler.SetJobStatus)
		r.Post("/jobs/{id}/trigger", jobHandler.TriggerJob)
		r.Get("/jobs/{id}/executions", jobHandler.ListExecutions)

		// Generation queue endpoints
		r.Get("/queue", queueHandler.GetStatus)
		r.Post("/queue/pause", queueHandler.Pause)
		r.Post("/queue/resume", queueHandler.Resume)
		r.Post("/queue/units/{id}/cancel", queueHandler.CancelUnit)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("failed to write health check response", "error", err)
		}
	})

	return r
}
