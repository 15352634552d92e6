package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/postcrafter/postcrafter-api/internal/domain"
	"github.com/postcrafter/postcrafter-api/internal/platform/logger"
	"github.com/postcrafter/postcrafter-api/internal/store"
)

// TaskStore implements the store.TaskStore interface using PostgreSQL.
// Every state-dependent mutator conditions its UPDATE on the expected
// current status, so an invalid transition affects zero rows and the
// caller gets a state-conflict error without the row ever changing.
type TaskStore struct {
	db store.DBTX
}

// NewTaskStore creates a new TaskStore.
func NewTaskStore(db store.DBTX) *TaskStore {
	return &TaskStore{db: db}
}

// WithTx returns a new TaskStore instance that uses the provided transaction.
func (s *TaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return &TaskStore{db: tx}
}

const taskColumns = `id, status, message, context, progress, current_step,
	pending_question, last_response, thread_id, artifact_ref, error_message,
	event_count, job_execution_id, created_at, updated_at`

// Create saves a new task in queued status.
func (s *TaskStore) Create(ctx context.Context, task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	question, err := marshalNullable(task.PendingQuestion)
	if err != nil {
		return err
	}
	response, err := marshalNullable(task.LastResponse)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err = s.db.ExecContext(ctx, query,
		task.ID, task.Status, task.Message, nullableJSON(task.Context),
		task.Progress, nullableString(task.CurrentStep), question, response,
		task.ThreadID, task.ArtifactRef, nullableString(task.ErrorMessage),
		task.EventCount, task.JobExecutionID, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		logger.FromContext(ctx).Error("failed to save task",
			"task_id", task.ID, "error", err)
		return MapError(err)
	}

	return nil
}

// GetByID retrieves a task by its unique ID.
func (s *TaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if IsNotFound(err) {
			return nil, store.ErrTaskNotFound
		}
		return nil, MapError(err)
	}
	return task, nil
}

// SetRunning transitions a queued task to running.
func (s *TaskStore) SetRunning(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE tasks SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4
	`
	return s.conditionalUpdate(ctx, domain.ErrStateConflict, query,
		id, domain.TaskRunning, time.Now().UTC(), domain.TaskQueued)
}

// SetStep records the current step name and progress on a running task.
func (s *TaskStore) SetStep(ctx context.Context, id uuid.UUID, step string, progress int) error {
	query := `
		UPDATE tasks SET current_step = $2, progress = $3, updated_at = $4
		WHERE id = $1 AND status = $5
	`
	return s.conditionalUpdate(ctx, domain.ErrStateConflict, query,
		id, step, progress, time.Now().UTC(), domain.TaskRunning)
}

// SetPaused transitions a running task to paused_for_input.
func (s *TaskStore) SetPaused(ctx context.Context, id uuid.UUID, question *domain.Question) error {
	raw, err := marshalNullable(question)
	if err != nil {
		return err
	}

	query := `
		UPDATE tasks SET status = $2, pending_question = $3, updated_at = $4
		WHERE id = $1 AND status = $5
	`
	return s.conditionalUpdate(ctx, domain.ErrStateConflict, query,
		id, domain.TaskPausedForInput, raw, time.Now().UTC(), domain.TaskRunning)
}

// SetResumed transitions a paused task back to running. The conditional
// update guarantees that responding to a non-paused task never mutates it.
func (s *TaskStore) SetResumed(ctx context.Context, id uuid.UUID, response *domain.Response) error {
	raw, err := marshalNullable(response)
	if err != nil {
		return err
	}

	query := `
		UPDATE tasks
		SET status = $2, pending_question = NULL, last_response = $3, updated_at = $4
		WHERE id = $1 AND status = $5
	`
	return s.conditionalUpdate(ctx, domain.ErrNotAwaitingInput, query,
		id, domain.TaskRunning, raw, time.Now().UTC(), domain.TaskPausedForInput)
}

// SetCompleted transitions a running task to completed.
func (s *TaskStore) SetCompleted(ctx context.Context, id uuid.UUID, artifactRef string) error {
	query := `
		UPDATE tasks
		SET status = $2, artifact_ref = $3, progress = 100, error_message = NULL, updated_at = $4
		WHERE id = $1 AND status = $5
	`
	return s.conditionalUpdate(ctx, domain.ErrStateConflict, query,
		id, domain.TaskCompleted, nullableString(artifactRef), time.Now().UTC(), domain.TaskRunning)
}

// SetFailed transitions a non-terminal task to failed.
func (s *TaskStore) SetFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	query := `
		UPDATE tasks SET status = $2, error_message = $3, updated_at = $4
		WHERE id = $1 AND status IN ($5, $6, $7)
	`
	return s.conditionalUpdate(ctx, domain.ErrStateConflict, query,
		id, domain.TaskFailed, errMsg, time.Now().UTC(),
		domain.TaskQueued, domain.TaskRunning, domain.TaskPausedForInput)
}

// SetCanceled transitions a non-terminal task to canceled.
func (s *TaskStore) SetCanceled(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE tasks SET status = $2, updated_at = $3
		WHERE id = $1 AND status IN ($4, $5, $6)
	`
	return s.conditionalUpdate(ctx, domain.ErrStateConflict, query,
		id, domain.TaskCanceled, time.Now().UTC(),
		domain.TaskQueued, domain.TaskRunning, domain.TaskPausedForInput)
}

// ListByStatus returns all tasks in the given status, oldest first.
func (s *TaskStore) ListByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = $1 ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return tasks, nil
}

// SetEventCount refreshes the event count projection.
func (s *TaskStore) SetEventCount(ctx context.Context, id uuid.UUID, count int64) error {
	query := `UPDATE tasks SET event_count = $2, updated_at = $3 WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query, id, count, time.Now().UTC())
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(result, "task")
}

// conditionalUpdate runs a status-guarded UPDATE; zero affected rows
// means the task was missing or in the wrong state, and conflictErr is
// returned when the row exists.
func (s *TaskStore) conditionalUpdate(ctx context.Context, conflictErr error, query string, id uuid.UUID, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return MapError(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	// Distinguish a missing task from a state conflict.
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
		return MapError(err)
	}
	if !exists {
		return store.ErrTaskNotFound
	}
	return conflictErr
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		task        domain.Task
		contextRaw  []byte
		questionRaw []byte
		responseRaw []byte
		currentStep sql.NullString
		errMsg      sql.NullString
	)

	err := row.Scan(
		&task.ID, &task.Status, &task.Message, &contextRaw,
		&task.Progress, &currentStep, &questionRaw, &responseRaw,
		&task.ThreadID, &task.ArtifactRef, &errMsg,
		&task.EventCount, &task.JobExecutionID, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Context = json.RawMessage(contextRaw)
	task.CurrentStep = currentStep.String
	task.ErrorMessage = errMsg.String

	if len(questionRaw) > 0 {
		var q domain.Question
		if err := json.Unmarshal(questionRaw, &q); err != nil {
			return nil, fmt.Errorf("failed to decode pending question: %w", err)
		}
		task.PendingQuestion = &q
	}
	if len(responseRaw) > 0 {
		var r domain.Response
		if err := json.Unmarshal(responseRaw, &r); err != nil {
			return nil, fmt.Errorf("failed to decode last response: %w", err)
		}
		task.LastResponse = &r
	}

	return &task, nil
}

func marshalNullable(v any) (any, error) {
	switch t := v.(type) {
	case *domain.Question:
		if t == nil {
			return nil, nil
		}
	case *domain.Response:
		if t == nil {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	return raw, nil
}
