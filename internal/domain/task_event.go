package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType tags an entry in a task's append-only event log. The set is
// closed: decoding an unknown tag is an error, never silently ignored.
type EventType string

// The closed set of event types.
const (
	EventWorkflowStarted  EventType = "workflow_started"
	EventStepStarted      EventType = "step_started"
	EventStepCompleted    EventType = "step_completed"
	EventToolCall         EventType = "tool_call"
	EventProgress         EventType = "progress"
	EventArtifactCreated  EventType = "artifact_created"
	EventPauseRequested   EventType = "pause_requested"
	EventResumed          EventType = "resumed"
	EventWorkflowCanceled EventType = "workflow_canceled"
	EventWorkflowComplete EventType = "workflow_complete"
	EventWorkflowFailed   EventType = "workflow_failed"
)

// Common event errors.
var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrInvalidEventIdx  = errors.New("event index must not be negative")
)

// TaskEvent is one immutable, ordered entry in a task's log. Indexes are
// strictly increasing and gapless per task; the full ordered sequence is
// the source of truth for task state.
type TaskEvent struct {
	TaskID    uuid.UUID       `json:"task_id"`
	Index     int64           `json:"index"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"timestamp"`
}

// Payload schemas, one per event type tag.

// StepPayload accompanies step_started and step_completed events.
type StepPayload struct {
	Step     string `json:"step"`
	Progress int    `json:"progress"`
}

// ToolCallPayload accompanies tool_call events.
type ToolCallPayload struct {
	Step string          `json:"step"`
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ProgressPayload accompanies progress events.
type ProgressPayload struct {
	Step     string `json:"step"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}

// ArtifactPayload accompanies artifact_created events.
type ArtifactPayload struct {
	Ref  string `json:"ref"`
	Kind string `json:"kind,omitempty"`
}

// PausePayload accompanies pause_requested events.
type PausePayload struct {
	Step     string   `json:"step"`
	Question Question `json:"question"`
	ThreadID string   `json:"thread_id,omitempty"`
}

// ResumePayload accompanies resumed events.
type ResumePayload struct {
	Step     string   `json:"step"`
	Response Response `json:"response"`
}

// CompletePayload accompanies workflow_complete events.
type CompletePayload struct {
	ArtifactRef string `json:"artifact_ref,omitempty"`
	Summary     string `json:"summary,omitempty"`
}

// FailurePayload accompanies workflow_failed events.
type FailurePayload struct {
	Message string `json:"message"`
	Timeout bool   `json:"timeout,omitempty"`
}

// CancelPayload accompanies workflow_canceled events.
type CancelPayload struct {
	Reason string `json:"reason,omitempty"`
}

// StartPayload accompanies workflow_started events.
type StartPayload struct {
	Message string `json:"message"`
}

// NewTaskEvent builds an event for the given task, index and tag,
// serializing the payload. The payload must match the tag's schema.
func NewTaskEvent(taskID uuid.UUID, index int64, eventType EventType, payload any) (*TaskEvent, error) {
	if index < 0 {
		return nil, ErrInvalidEventIdx
	}
	if !IsValidEventType(eventType) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	return &TaskEvent{
		TaskID:    taskID,
		Index:     index,
		Type:      eventType,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// DecodePayload deserializes the event's payload into the schema struct
// for its tag. Unknown tags are a deserialization error.
func (e *TaskEvent) DecodePayload() (any, error) {
	var v any

	switch e.Type {
	case EventWorkflowStarted:
		v = &StartPayload{}
	case EventStepStarted, EventStepCompleted:
		v = &StepPayload{}
	case EventToolCall:
		v = &ToolCallPayload{}
	case EventProgress:
		v = &ProgressPayload{}
	case EventArtifactCreated:
		v = &ArtifactPayload{}
	case EventPauseRequested:
		v = &PausePayload{}
	case EventResumed:
		v = &ResumePayload{}
	case EventWorkflowComplete:
		v = &CompletePayload{}
	case EventWorkflowFailed:
		v = &FailurePayload{}
	case EventWorkflowCanceled:
		v = &CancelPayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type)
	}

	if err := json.Unmarshal(e.Payload, v); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return v, nil
}

// IsTerminal reports whether this event ends the task's stream.
func (e *TaskEvent) IsTerminal() bool {
	return IsTerminalEventType(e.Type)
}

// IsTerminalEventType reports whether the given tag ends a stream.
func IsTerminalEventType(t EventType) bool {
	switch t {
	case EventWorkflowComplete, EventWorkflowFailed, EventWorkflowCanceled:
		return true
	default:
		return false
	}
}

// IsValidEventType reports whether the tag belongs to the closed set.
func IsValidEventType(t EventType) bool {
	switch t {
	case EventWorkflowStarted, EventStepStarted, EventStepCompleted,
		EventToolCall, EventProgress, EventArtifactCreated,
		EventPauseRequested, EventResumed, EventWorkflowCanceled,
		EventWorkflowComplete, EventWorkflowFailed:
		return true
	default:
		return false
	}
}
