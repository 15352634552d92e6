package api

import (
	"encoding/json"
	"time"

	"github.com/postcrafter/postcrafter-api/internal/domain"
)

// TaskResponse represents the response data for a task.
type TaskResponse struct {
	ID              string           `json:"id"`
	Status          string           `json:"status"`
	Message         string           `json:"message"`
	Progress        int              `json:"progress"`
	CurrentStep     string           `json:"current_step,omitempty"`
	PendingQuestion *domain.Question `json:"pending_question,omitempty"`
	ThreadID        *string          `json:"thread_id,omitempty"`
	ArtifactRef     *string          `json:"artifact_ref,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	EventCount      int64            `json:"event_count"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

func taskToResponse(t *domain.Task) TaskResponse {
	return TaskResponse{
		ID:              t.ID.String(),
		Status:          string(t.Status),
		Message:         t.Message,
		Progress:        t.Progress,
		CurrentStep:     t.CurrentStep,
		PendingQuestion: t.PendingQuestion,
		ThreadID:        t.ThreadID,
		ArtifactRef:     t.ArtifactRef,
		ErrorMessage:    t.ErrorMessage,
		EventCount:      t.EventCount,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

// JobResponse represents the response data for a job.
type JobResponse struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Type           string          `json:"type"`
	ScheduleKind   string          `json:"schedule_kind"`
	IntervalMins   *int            `json:"interval_minutes,omitempty"`
	CronExpression *string         `json:"cron_expression,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Enabled        bool            `json:"enabled"`
	Priority       int             `json:"priority"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastStatus     string          `json:"last_status,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	RunCount       int             `json:"run_count"`
	SuccessCount   int             `json:"success_count"`
	FailCount      int             `json:"fail_count"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func jobToResponse(j *domain.Job) JobResponse {
	return JobResponse{
		ID:             j.ID.String(),
		Name:           j.Name,
		Type:           j.Type,
		ScheduleKind:   string(j.ScheduleKind),
		IntervalMins:   j.IntervalMins,
		CronExpression: j.CronExpression,
		Params:         j.Params,
		Enabled:        j.Enabled,
		Priority:       j.Priority,
		LastRunAt:      j.LastRunAt,
		NextRunAt:      j.NextRunAt,
		LastStatus:     j.LastStatus,
		LastError:      j.LastError,
		RunCount:       j.RunCount,
		SuccessCount:   j.SuccessCount,
		FailCount:      j.FailCount,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
}

// ExecutionResponse represents the response data for a job execution.
type ExecutionResponse struct {
	ID           string          `json:"id"`
	JobID        string          `json:"job_id"`
	TaskID       *string         `json:"task_id,omitempty"`
	Status       string          `json:"status"`
	Trigger      string          `json:"trigger"`
	RetryCount   int             `json:"retry_count"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	DurationMs   *int64          `json:"duration_ms,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

func executionToResponse(e *domain.JobExecution) ExecutionResponse {
	resp := ExecutionResponse{
		ID:           e.ID.String(),
		JobID:        e.JobID.String(),
		Status:       string(e.Status),
		Trigger:      string(e.Trigger),
		RetryCount:   e.RetryCount,
		StartedAt:    e.StartedAt,
		FinishedAt:   e.FinishedAt,
		DurationMs:   e.DurationMs,
		Result:       e.Result,
		ErrorMessage: e.ErrorMessage,
		CreatedAt:    e.CreatedAt,
	}
	if e.TaskID != nil {
		taskID := e.TaskID.String()
		resp.TaskID = &taskID
	}
	return resp
}
