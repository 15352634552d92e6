package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/postcrafter/postcrafter-api/internal/api/shared"
	"github.com/postcrafter/postcrafter-api/internal/stream"
	"github.com/postcrafter/postcrafter-api/internal/task"
)

// doneSentinel is the final frame of every event stream.
const doneSentinel = "[DONE]"

// EventsHandler streams a task's event log over server-sent events:
// stored events replayed first, then the live tail, closed with a
// [DONE] frame after the terminal event.
type EventsHandler struct {
	orchestrator *task.Orchestrator
	broker       *stream.Broker
	heartbeat    time.Duration
	logger       *slog.Logger
}

// NewEventsHandler creates an EventsHandler. heartbeat is the keep-alive
// interval for idle connections.
func NewEventsHandler(orchestrator *task.Orchestrator, broker *stream.Broker, heartbeat time.Duration, logger *slog.Logger) *EventsHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for EventsHandler")
	}
	return &EventsHandler{
		orchestrator: orchestrator,
		broker:       broker,
		heartbeat:    heartbeat,
		logger:       logger.With(slog.String("component", "events_handler")),
	}
}

// StreamEvents handles GET /api/tasks/{id}/events requests. The
// optional from_index query parameter starts the replay mid-log,
// letting a disconnected client resume where it left off.
func (h *EventsHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	id, err := taskIDParam(r)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid task ID")
		return
	}

	fromIndex := int64(0)
	if raw := r.URL.Query().Get("from_index"); raw != "" {
		fromIndex, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || fromIndex < 0 {
			shared.RespondWithError(w, r, http.StatusBadRequest, "from_index must be a non-negative integer")
			return
		}
	}

	if _, err := h.orchestrator.Get(r.Context(), id); err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Streaming is not supported")
		return
	}

	events, err := h.broker.Subscribe(r.Context(), id, fromIndex)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := h.logger.With(slog.String("task_id", id.String()))
	log.Debug("event stream opened", slog.Int64("from_index", fromIndex))

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case event, open := <-events:
			if !open {
				fmt.Fprintf(w, "data: %s\n\n", doneSentinel)
				flusher.Flush()
				log.Debug("event stream closed")
				return
			}

			frame, err := json.Marshal(event)
			if err != nil {
				log.Error("failed to encode event frame",
					slog.Int64("event_index", event.Index),
					slog.String("error", err.Error()))
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()

		case <-r.Context().Done():
			log.Debug("event stream client disconnected")
			return
		}
	}
}
