package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/postcrafter/postcrafter-api/internal/domain"
)

// ExecutionFilter narrows job execution listings.
type ExecutionFilter struct {
	Status *domain.ExecutionStatus
	From   *time.Time
	To     *time.Time
}

// JobExecutionStore defines the interface for job execution persistence.
// A partial unique index in the schema guarantees at most one
// non-terminal execution per job; Create surfaces violations as
// ErrRunningExecutionExists.
type JobExecutionStore interface {
	// Create saves a new execution.
	// Returns ErrRunningExecutionExists if the job already has a
	// non-terminal execution.
	Create(ctx context.Context, exec *domain.JobExecution) error

	// GetByID retrieves an execution by its unique ID.
	// Returns ErrExecutionNotFound if it does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.JobExecution, error)

	// MarkRunning transitions a pending execution to running and records
	// the task it spawned.
	// Returns ErrUpdateFailed if the execution is not pending.
	MarkRunning(ctx context.Context, id, taskID uuid.UUID, startedAt time.Time) error

	// Finish transitions an execution to a terminal status with its result
	// or error. Terminal executions are immutable: finishing one again
	// returns domain.ErrExecutionImmutable.
	Finish(ctx context.Context, id uuid.UUID, status domain.ExecutionStatus, result json.RawMessage, errMsg string, finishedAt time.Time) error

	// ListByJob returns executions for a job, newest first, narrowed by
	// the filter. limit <= 0 means no limit.
	ListByJob(ctx context.Context, jobID uuid.UUID, filter ExecutionFilter, limit, offset int) ([]*domain.JobExecution, error)

	// CountActive returns the number of non-terminal executions for a job.
	CountActive(ctx context.Context, jobID uuid.UUID) (int, error)

	// CountByJob returns the total number of executions for a job.
	CountByJob(ctx context.Context, jobID uuid.UUID) (int, error)

	// WithTx returns a new JobExecutionStore that uses the provided transaction.
	WithTx(tx *sql.Tx) JobExecutionStore
}
