package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus represents the lifecycle state of a single job firing.
type ExecutionStatus string

// Possible execution status values.
const (
	ExecutionPending  ExecutionStatus = "pending"
	ExecutionRunning  ExecutionStatus = "running"
	ExecutionSuccess  ExecutionStatus = "success"
	ExecutionFailed   ExecutionStatus = "failed"
	ExecutionTimeout  ExecutionStatus = "timeout"
	ExecutionCanceled ExecutionStatus = "canceled"
)

// Common validation errors for JobExecution.
var (
	ErrEmptyExecutionID       = errors.New("execution ID cannot be empty")
	ErrEmptyExecutionJobID    = errors.New("execution job ID cannot be empty")
	ErrInvalidExecutionStatus = errors.New("invalid execution status")
	ErrInvalidTriggerKind     = errors.New("invalid trigger kind")
	ErrExecutionImmutable     = errors.New("execution is terminal and immutable")
)

// JobExecution is one firing of a Job. It references the Task it spawned
// and becomes immutable once it reaches a terminal status.
type JobExecution struct {
	ID           uuid.UUID       `json:"id"`
	JobID        uuid.UUID       `json:"job_id"`
	TaskID       *uuid.UUID      `json:"task_id,omitempty"`
	Status       ExecutionStatus `json:"status"`
	Trigger      TriggerKind     `json:"trigger"`
	RetryCount   int             `json:"retry_count"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	DurationMs   *int64          `json:"duration_ms,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// NewJobExecution creates a pending execution for the given job.
func NewJobExecution(jobID uuid.UUID, trigger TriggerKind, retryCount int) (*JobExecution, error) {
	exec := &JobExecution{
		ID:         uuid.New(),
		JobID:      jobID,
		Status:     ExecutionPending,
		Trigger:    trigger,
		RetryCount: retryCount,
		CreatedAt:  time.Now().UTC(),
	}

	if err := exec.Validate(); err != nil {
		return nil, err
	}

	return exec, nil
}

// Validate checks if the JobExecution has valid data.
func (e *JobExecution) Validate() error {
	if e.ID == uuid.Nil {
		return ErrEmptyExecutionID
	}
	if e.JobID == uuid.Nil {
		return ErrEmptyExecutionJobID
	}
	if !isValidExecutionStatus(e.Status) {
		return ErrInvalidExecutionStatus
	}
	if e.Trigger != TriggerScheduled && e.Trigger != TriggerManual {
		return ErrInvalidTriggerKind
	}
	return nil
}

// IsTerminal reports whether the execution has reached a final status.
func (e *JobExecution) IsTerminal() bool {
	return IsTerminalExecutionStatus(e.Status)
}

// IsTerminalExecutionStatus reports whether the given status is final.
func IsTerminalExecutionStatus(status ExecutionStatus) bool {
	switch status {
	case ExecutionSuccess, ExecutionFailed, ExecutionTimeout, ExecutionCanceled:
		return true
	default:
		return false
	}
}

func isValidExecutionStatus(status ExecutionStatus) bool {
	switch status {
	case ExecutionPending, ExecutionRunning, ExecutionSuccess,
		ExecutionFailed, ExecutionTimeout, ExecutionCanceled:
		return true
	default:
		return false
	}
}
