// Package api provides HTTP handlers for the API.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/postcrafter/postcrafter-api/internal/api/shared"
	"github.com/postcrafter/postcrafter-api/internal/domain"
	"github.com/postcrafter/postcrafter-api/internal/task"
)

// CreateTaskRequest represents the request body for submitting a task.
type CreateTaskRequest struct {
	Message     string          `json:"message" validate:"required"`
	Context     json.RawMessage `json:"context,omitempty"`
	HumanReview bool            `json:"human_review,omitempty"`
}

// RespondRequest represents the request body for answering a paused task.
type RespondRequest struct {
	Action       string          `json:"action" validate:"required,oneof=approve reject"`
	SelectedIDs  []string        `json:"selected_ids,omitempty"`
	CustomInput  string          `json:"custom_input,omitempty"`
	ModifiedData json.RawMessage `json:"modified_data,omitempty"`
}

// TaskHandler handles task-related HTTP requests.
type TaskHandler struct {
	orchestrator *task.Orchestrator
	logger       *slog.Logger
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(orchestrator *task.Orchestrator, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for TaskHandler")
	}
	return &TaskHandler{
		orchestrator: orchestrator,
		logger:       logger.With(slog.String("component", "task_handler")),
	}
}

// CreateTask handles POST /api/tasks requests. The workflow runs in the
// background; the response is 202 with the queued task.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Message is required")
		return
	}

	created, err := h.orchestrator.Submit(r.Context(), req.Message, req.Context, req.HumanReview, nil)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	h.logger.Info("task accepted",
		slog.String("task_id", created.ID.String()),
		slog.Bool("human_review", req.HumanReview))
	shared.RespondWithJSON(w, r, http.StatusAccepted, taskToResponse(created))
}

// GetTask handles GET /api/tasks/{id} requests.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.taskID(w, r)
	if !ok {
		return
	}

	t, err := h.orchestrator.Get(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(t))
}

// RespondToTask handles POST /api/tasks/{id}/respond requests. A task
// that is not paused for input yields 409 with nothing mutated.
func (h *TaskHandler) RespondToTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.taskID(w, r)
	if !ok {
		return
	}

	var req RespondRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Action must be approve or reject")
		return
	}

	t, err := h.orchestrator.Respond(r.Context(), id, &domain.Response{
		Action:       req.Action,
		SelectedIDs:  req.SelectedIDs,
		CustomInput:  req.CustomInput,
		ModifiedData: req.ModifiedData,
	})
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	h.logger.Info("response accepted",
		slog.String("task_id", id.String()),
		slog.String("action", req.Action))
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(t))
}

// CancelTask handles POST /api/tasks/{id}/cancel requests.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.taskID(w, r)
	if !ok {
		return
	}

	if err := h.orchestrator.Cancel(r.Context(), id); err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	t, err := h.orchestrator.Get(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(t))
}

func (h *TaskHandler) taskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid task ID")
		return uuid.Nil, false
	}
	return id, true
}
