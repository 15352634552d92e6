package api

import (
	"log/slog"
	"net/http"

	"github.com/postcrafter/postcrafter-api/internal/api/shared"
	"github.com/postcrafter/postcrafter-api/internal/genqueue"
)

// QueueStatusResponse represents the response data for the generation
// queue's state.
type QueueStatusResponse struct {
	Paused     bool `json:"paused"`
	Queued     int  `json:"queued"`
	Generating int  `json:"generating"`
	Complete   int  `json:"complete"`
	Failed     int  `json:"failed"`
}

// QueueHandler handles generation queue HTTP requests.
type QueueHandler struct {
	queue  *genqueue.Queue
	logger *slog.Logger
}

// NewQueueHandler creates a new QueueHandler.
func NewQueueHandler(queue *genqueue.Queue, logger *slog.Logger) *QueueHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for QueueHandler")
	}
	return &QueueHandler{
		queue:  queue,
		logger: logger.With(slog.String("component", "queue_handler")),
	}
}

// GetStatus handles GET /api/queue requests.
func (h *QueueHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, QueueStatusResponse{
		Paused:     h.queue.Paused(),
		Queued:     stats.Queued,
		Generating: stats.Generating,
		Complete:   stats.Complete,
		Failed:     stats.Failed,
	})
}

// Pause handles POST /api/queue/pause requests. In-flight units finish;
// no new units are claimed until resume.
func (h *QueueHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.queue.Pause()
	h.logger.Info("queue paused via API")
	h.GetStatus(w, r)
}

// Resume handles POST /api/queue/resume requests.
func (h *QueueHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.queue.Resume()
	h.logger.Info("queue resumed via API")
	h.GetStatus(w, r)
}

// CancelUnit handles POST /api/queue/units/{id}/cancel requests. Only
// still-queued units can be canceled.
func (h *QueueHandler) CancelUnit(w http.ResponseWriter, r *http.Request) {
	id, err := taskIDParam(r)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid unit ID")
		return
	}

	if err := h.queue.Cancel(r.Context(), id); err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	h.logger.Info("unit canceled", slog.String("unit_id", id.String()))
	w.WriteHeader(http.StatusNoContent)
}
