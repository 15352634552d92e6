package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current state of a workflow task.
type TaskStatus string

// Possible task status values.
//
// The state machine is:
//
//	queued → running → paused_for_input → running → {completed | failed}
//
// with running → canceled reachable on an external cancellation request.
// paused_for_input is re-entrant: a workflow may pause more than once.
const (
	TaskQueued         TaskStatus = "queued"
	TaskRunning        TaskStatus = "running"
	TaskPausedForInput TaskStatus = "paused_for_input"
	TaskCompleted      TaskStatus = "completed"
	TaskFailed         TaskStatus = "failed"
	TaskCanceled       TaskStatus = "canceled"
)

// SelectionType constrains how a human may answer a pending question.
type SelectionType string

// Possible selection types.
const (
	SelectionSingle   SelectionType = "single"
	SelectionMultiple SelectionType = "multiple"
	SelectionNone     SelectionType = "none"
)

// Common validation errors for Task.
var (
	ErrEmptyTaskID       = errors.New("task ID cannot be empty")
	ErrEmptyTaskMessage  = errors.New("task message cannot be empty")
	ErrInvalidTaskStatus = errors.New("invalid task status")
	ErrEmptyQuestion     = errors.New("question text cannot be empty")
	ErrInvalidAction     = errors.New("response action must be approve or reject")
)

// QuestionOption is one selectable choice in a pending question.
type QuestionOption struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is the structured payload a workflow step emits when it needs
// human input before continuing.
type Question struct {
	Text             string           `json:"text"`
	Options          []QuestionOption `json:"options,omitempty"`
	SelectionType    SelectionType    `json:"selection_type"`
	AllowCustomInput bool             `json:"allow_custom_input"`
}

// Validate checks if the Question has valid data.
func (q *Question) Validate() error {
	if q.Text == "" {
		return ErrEmptyQuestion
	}
	switch q.SelectionType {
	case SelectionSingle, SelectionMultiple, SelectionNone:
	default:
		return ErrValidation
	}
	return nil
}

// Response is a human answer to a pending question.
type Response struct {
	Action       string          `json:"action"`
	SelectedIDs  []string        `json:"selected_ids,omitempty"`
	CustomInput  string          `json:"custom_input,omitempty"`
	ModifiedData json.RawMessage `json:"modified_data,omitempty"`
}

// Validate checks if the Response has valid data.
func (r *Response) Validate() error {
	if r.Action != "approve" && r.Action != "reject" {
		return ErrInvalidAction
	}
	return nil
}

// Task is one instance of the multi-step generation workflow. The task's
// event log is the source of truth; the Task record is a projection of
// the latest event kept for fast reads.
type Task struct {
	ID              uuid.UUID       `json:"id"`
	Status          TaskStatus      `json:"status"`
	Message         string          `json:"message"`
	Context         json.RawMessage `json:"context,omitempty"`
	Progress        int             `json:"progress"`
	CurrentStep     string          `json:"current_step,omitempty"`
	PendingQuestion *Question       `json:"pending_question,omitempty"`
	LastResponse    *Response       `json:"last_response,omitempty"`
	ThreadID        *string         `json:"thread_id,omitempty"`
	ArtifactRef     *string         `json:"artifact_ref,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	EventCount      int64           `json:"event_count"`
	JobExecutionID  *uuid.UUID      `json:"job_execution_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewTask creates a queued Task for the given message and context. When
// humanReview is enabled a resumption handle (thread ID) is assigned so
// a later response can be correlated with the paused workflow instance.
func NewTask(message string, context json.RawMessage, humanReview bool) (*Task, error) {
	now := time.Now().UTC()
	task := &Task{
		ID:        uuid.New(),
		Status:    TaskQueued,
		Message:   message,
		Context:   context,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if humanReview {
		threadID := uuid.NewString()
		task.ThreadID = &threadID
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// Validate checks if the Task has valid data.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}
	if t.Message == "" {
		return ErrEmptyTaskMessage
	}
	if !isValidTaskStatus(t.Status) {
		return ErrInvalidTaskStatus
	}
	return nil
}

// IsTerminal reports whether the task has reached a final status.
func (t *Task) IsTerminal() bool {
	return IsTerminalTaskStatus(t.Status)
}

// IsTerminalTaskStatus reports whether the given status is final.
func IsTerminalTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskCompleted, TaskFailed, TaskCanceled:
		return true
	default:
		return false
	}
}

func isValidTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskQueued, TaskRunning, TaskPausedForInput,
		TaskCompleted, TaskFailed, TaskCanceled:
		return true
	default:
		return false
	}
}
