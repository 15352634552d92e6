package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/postcrafter/postcrafter-api/internal/domain"
)

// TaskStore defines the interface for task projection persistence. The
// Task row is a cache of the latest event; the orchestrator is its sole
// writer. State-dependent mutators use conditional updates so that an
// invalid transition never mutates the row (optimistic concurrency at
// the store, as required for concurrent writers).
type TaskStore interface {
	// Create saves a new task in queued status.
	Create(ctx context.Context, task *domain.Task) error

	// GetByID retrieves a task by its unique ID.
	// Returns ErrTaskNotFound if the task does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// SetRunning transitions a queued task to running.
	// Returns domain.ErrStateConflict if the task is not queued.
	SetRunning(ctx context.Context, id uuid.UUID) error

	// SetStep records the current step name and progress on a running task.
	SetStep(ctx context.Context, id uuid.UUID, step string, progress int) error

	// SetPaused transitions a running task to paused_for_input, storing
	// the pending question.
	// Returns domain.ErrStateConflict if the task is not running.
	SetPaused(ctx context.Context, id uuid.UUID, question *domain.Question) error

	// SetResumed transitions a paused task back to running, clearing the
	// pending question and storing the human response.
	// Returns domain.ErrNotAwaitingInput if the task is not paused.
	SetResumed(ctx context.Context, id uuid.UUID, response *domain.Response) error

	// SetCompleted transitions a running task to completed with its
	// produced artifact reference.
	SetCompleted(ctx context.Context, id uuid.UUID, artifactRef string) error

	// SetFailed transitions a non-terminal task to failed with a
	// human-readable message.
	SetFailed(ctx context.Context, id uuid.UUID, errMsg string) error

	// SetCanceled transitions a non-terminal task to canceled.
	// Returns domain.ErrStateConflict if the task is already terminal.
	SetCanceled(ctx context.Context, id uuid.UUID) error

	// SetEventCount refreshes the event count projection.
	SetEventCount(ctx context.Context, id uuid.UUID, count int64) error

	// ListByStatus returns all tasks in the given status, oldest first.
	ListByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error)

	// WithTx returns a new TaskStore instance that uses the provided transaction.
	WithTx(tx *sql.Tx) TaskStore
}

// TaskEventStore defines the interface for the append-only event log.
type TaskEventStore interface {
	// Append persists one event. The (task_id, index) pair is unique;
	// appending a duplicate index returns ErrDuplicateEventIndex.
	// Events are never mutated or deleted.
	Append(ctx context.Context, event *domain.TaskEvent) error

	// NextIndex returns the next unused index for the task's log
	// (0 for a task with no events).
	NextIndex(ctx context.Context, taskID uuid.UUID) (int64, error)

	// ListFrom returns every event with index >= fromIndex in order.
	ListFrom(ctx context.Context, taskID uuid.UUID, fromIndex int64) ([]domain.TaskEvent, error)

	// Count returns the number of events in the task's log.
	Count(ctx context.Context, taskID uuid.UUID) (int64, error)

	// WithTx returns a new TaskEventStore that uses the provided transaction.
	WithTx(tx *sql.Tx) TaskEventStore
}
