package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidID is returned when an ID is malformed or invalid.
	ErrInvalidID = errors.New("invalid ID")

	// ErrStateConflict is returned when an operation is not valid for the
	// entity's current state, e.g. responding to a task that is not
	// paused or retriggering a job that is already running.
	ErrStateConflict = errors.New("state conflict")

	// ErrNotAwaitingInput is returned when a response is submitted for a
	// task that is not paused for human input.
	ErrNotAwaitingInput = errors.New("task is not awaiting input")

	// ErrExecutionOverlap is returned when a second execution of the same
	// job would run concurrently with an existing one.
	ErrExecutionOverlap = errors.New("job execution already running")

	// ErrJobReferenced is returned when deleting a job that still has
	// executions referencing it. Such jobs must be disabled instead.
	ErrJobReferenced = errors.New("job is referenced by executions")

	// ErrTimeout classifies fatal failures caused by a task exceeding its
	// wall-clock budget.
	ErrTimeout = errors.New("task timed out")

	// ErrTransient classifies collaborator failures that are eligible for
	// retry under the retry policy.
	ErrTransient = errors.New("transient collaborator error")

	// ErrRateLimited is returned when the rate limiter denies an action
	// for its scope.
	ErrRateLimited = errors.New("rate limit exceeded")
)
