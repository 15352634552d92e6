package api

import (
	"errors"
	"net/http"

	"github.com/postcrafter/postcrafter-api/internal/domain"
	"github.com/postcrafter/postcrafter-api/internal/store"
)

// MapErrorToStatusCode maps internal errors to HTTP status codes
// without leaking internal error types or messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	// Not found errors
	case errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, store.ErrJobNotFound),
		errors.Is(err, store.ErrExecutionNotFound),
		errors.Is(err, store.ErrUnitNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	// State conflicts
	case errors.Is(err, domain.ErrNotAwaitingInput),
		errors.Is(err, domain.ErrStateConflict),
		errors.Is(err, domain.ErrExecutionOverlap),
		errors.Is(err, domain.ErrJobReferenced),
		errors.Is(err, domain.ErrUnitNotQueued):
		return http.StatusConflict

	// Bad request errors
	case errors.Is(err, store.ErrInvalidEntity),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrInvalidAction),
		errors.Is(err, domain.ErrAmbiguousSchedule),
		errors.Is(err, domain.ErrInvalidCron),
		errors.Is(err, domain.ErrInvalidInterval):
		return http.StatusBadRequest

	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests

	// Default: internal server error
	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly message for
// the error type.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		return "Task not found"
	case errors.Is(err, store.ErrJobNotFound):
		return "Job not found"
	case errors.Is(err, store.ErrExecutionNotFound):
		return "Execution not found"
	case errors.Is(err, store.ErrUnitNotFound):
		return "Generation unit not found"
	case errors.Is(err, store.ErrNotFound):
		return "Resource not found"

	case errors.Is(err, domain.ErrNotAwaitingInput):
		return "Task is not awaiting input"
	case errors.Is(err, domain.ErrStateConflict):
		return "Operation is not valid in the current state"
	case errors.Is(err, domain.ErrExecutionOverlap):
		return "Job already has a running execution"
	case errors.Is(err, domain.ErrJobReferenced):
		return "Job has execution history; disable it instead of deleting"
	case errors.Is(err, domain.ErrUnitNotQueued):
		return "Unit already started generating and cannot be canceled"

	case errors.Is(err, domain.ErrAmbiguousSchedule):
		return "Exactly one of interval_minutes or cron_expression must be set"
	case errors.Is(err, domain.ErrInvalidCron):
		return "Invalid cron expression"
	case errors.Is(err, domain.ErrInvalidInterval):
		return "Interval must be a positive number of minutes"
	case errors.Is(err, domain.ErrInvalidAction):
		return "Response action must be approve or reject"
	case errors.Is(err, store.ErrInvalidEntity),
		errors.Is(err, domain.ErrValidation):
		return "Invalid request data"

	case errors.Is(err, domain.ErrRateLimited):
		return "Rate limit exceeded; try again later"

	default:
		return "An unexpected error occurred"
	}
}
