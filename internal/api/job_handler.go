package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/postcrafter/postcrafter-api/internal/api/shared"
	"github.com/postcrafter/postcrafter-api/internal/domain"
	"github.com/postcrafter/postcrafter-api/internal/scheduler"
	"github.com/postcrafter/postcrafter-api/internal/store"
)

// CreateJobRequest represents the request body for creating a job.
type CreateJobRequest struct {
	Name           string          `json:"name" validate:"required"`
	Type           string          `json:"type" validate:"required"`
	ScheduleKind   string          `json:"schedule_kind" validate:"required,oneof=interval cron"`
	IntervalMins   *int            `json:"interval_minutes,omitempty"`
	CronExpression *string         `json:"cron_expression,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Priority       int             `json:"priority,omitempty"`
}

// UpdateJobRequest represents the request body for updating a job. Nil
// fields are left unchanged.
type UpdateJobRequest struct {
	Name           *string         `json:"name,omitempty"`
	ScheduleKind   *string         `json:"schedule_kind,omitempty"`
	IntervalMins   *int            `json:"interval_minutes,omitempty"`
	CronExpression *string         `json:"cron_expression,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Priority       *int            `json:"priority,omitempty"`
}

// JobStatusRequest represents the request body for enabling or
// disabling a job.
type JobStatusRequest struct {
	Enabled bool `json:"enabled"`
}

// JobHandler handles job-related HTTP requests.
type JobHandler struct {
	jobs       store.JobStore
	executions store.JobExecutionStore
	scheduler  *scheduler.Scheduler
	logger     *slog.Logger
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(jobs store.JobStore, executions store.JobExecutionStore, sched *scheduler.Scheduler, logger *slog.Logger) *JobHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for JobHandler")
	}
	return &JobHandler{
		jobs:       jobs,
		executions: executions,
		scheduler:  sched,
		logger:     logger.With(slog.String("component", "job_handler")),
	}
}

// CreateJob handles POST /api/jobs requests.
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Name, type and schedule_kind are required")
		return
	}

	job, err := domain.NewJob(req.Name, req.Type, domain.ScheduleKind(req.ScheduleKind),
		req.IntervalMins, req.CronExpression, req.Params)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	job.Priority = req.Priority

	if err := h.jobs.Create(r.Context(), job); err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	if err := h.scheduler.ScheduleJob(r.Context(), job, time.Now().UTC()); err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	h.logger.Info("job created",
		slog.String("job_id", job.ID.String()),
		slog.String("schedule_kind", string(job.ScheduleKind)))
	shared.RespondWithJSON(w, r, http.StatusCreated, jobToResponse(job))
}

// ListJobs handles GET /api/jobs requests.
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.jobs.List(r.Context())
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	responses := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		responses = append(responses, jobToResponse(job))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, responses)
}

// GetJob handles GET /api/jobs/{id} requests.
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}

	job, err := h.jobs.GetByID(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, jobToResponse(job))
}

// UpdateJob handles PUT /api/jobs/{id} requests.
func (h *JobHandler) UpdateJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}

	var req UpdateJobRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}

	job, err := h.jobs.GetByID(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	if req.Name != nil {
		job.Name = *req.Name
	}
	if req.ScheduleKind != nil {
		job.ScheduleKind = domain.ScheduleKind(*req.ScheduleKind)
	}
	if req.IntervalMins != nil || req.CronExpression != nil {
		job.IntervalMins = req.IntervalMins
		job.CronExpression = req.CronExpression
	}
	if req.Params != nil {
		job.Params = req.Params
	}
	if req.Priority != nil {
		job.Priority = *req.Priority
	}

	if err := job.Validate(); err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	if err := h.scheduler.ScheduleJob(r.Context(), job, time.Now().UTC()); err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, jobToResponse(job))
}

// DeleteJob handles DELETE /api/jobs/{id} requests. Jobs with execution
// history cannot be deleted, only disabled.
func (h *JobHandler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}

	if err := h.jobs.Delete(r.Context(), id); err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	h.logger.Info("job deleted", slog.String("job_id", id.String()))
	w.WriteHeader(http.StatusNoContent)
}

// SetJobStatus handles PATCH /api/jobs/{id}/status requests. Re-enabling
// a job recomputes its next run time so it does not fire a backlog.
func (h *JobHandler) SetJobStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}

	var req JobStatusRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.jobs.SetEnabled(r.Context(), id, req.Enabled); err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	job, err := h.jobs.GetByID(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	if req.Enabled {
		if err := h.scheduler.ScheduleJob(r.Context(), job, time.Now().UTC()); err != nil {
			shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
			return
		}
	}

	h.logger.Info("job status changed",
		slog.String("job_id", id.String()), slog.Bool("enabled", req.Enabled))
	shared.RespondWithJSON(w, r, http.StatusOK, jobToResponse(job))
}

// TriggerJob handles POST /api/jobs/{id}/trigger requests. A job whose
// previous execution is still running yields 409.
func (h *JobHandler) TriggerJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}

	exec, err := h.scheduler.Trigger(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	h.logger.Info("job triggered manually",
		slog.String("job_id", id.String()),
		slog.String("execution_id", exec.ID.String()))
	shared.RespondWithJSON(w, r, http.StatusAccepted, executionToResponse(exec))
}

// ListExecutions handles GET /api/jobs/{id}/executions requests with
// optional status, from, to, limit and offset query parameters.
func (h *JobHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}

	filter, limit, offset, err := parseExecutionQuery(r)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	execs, err := h.executions.ListByJob(r.Context(), id, filter, limit, offset)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	responses := make([]ExecutionResponse, 0, len(execs))
	for _, exec := range execs {
		responses = append(responses, executionToResponse(exec))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, responses)
}

func (h *JobHandler) jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid job ID")
		return uuid.Nil, false
	}
	return id, true
}

func parseExecutionQuery(r *http.Request) (store.ExecutionFilter, int, int, error) {
	var filter store.ExecutionFilter

	if raw := r.URL.Query().Get("status"); raw != "" {
		status := domain.ExecutionStatus(raw)
		filter.Status = &status
	}
	if raw := r.URL.Query().Get("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, 0, 0, errInvalidQuery("from")
		}
		filter.From = &from
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, 0, 0, errInvalidQuery("to")
		}
		filter.To = &to
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return filter, 0, 0, errInvalidQuery("limit")
		}
		limit = parsed
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return filter, 0, 0, errInvalidQuery("offset")
		}
		offset = parsed
	}

	return filter, limit, offset, nil
}

type queryError string

func (e queryError) Error() string { return string(e) }

func errInvalidQuery(param string) error {
	return queryError("Invalid query parameter: " + param)
}
