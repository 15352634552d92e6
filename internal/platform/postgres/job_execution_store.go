package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/postcrafter/postcrafter-api/internal/domain"
	"github.com/postcrafter/postcrafter-api/internal/platform/logger"
	"github.com/postcrafter/postcrafter-api/internal/store"
)

// oneRunningExecutionIdx is the partial unique index guaranteeing at
// most one non-terminal execution per job (see migrations).
const oneRunningExecutionIdx = "job_executions_one_active_per_job"

// JobExecutionStore implements store.JobExecutionStore using PostgreSQL.
type JobExecutionStore struct {
	db store.DBTX
}

// NewJobExecutionStore creates a new JobExecutionStore.
func NewJobExecutionStore(db store.DBTX) *JobExecutionStore {
	return &JobExecutionStore{db: db}
}

// WithTx returns a new JobExecutionStore that uses the provided transaction.
func (s *JobExecutionStore) WithTx(tx *sql.Tx) store.JobExecutionStore {
	return &JobExecutionStore{db: tx}
}

const executionColumns = `id, job_id, task_id, status, trigger_kind, retry_count,
	started_at, finished_at, duration_ms, result, error_message, created_at`

// Create saves a new execution. The partial unique index turns a second
// concurrent non-terminal execution into ErrRunningExecutionExists.
func (s *JobExecutionStore) Create(ctx context.Context, exec *domain.JobExecution) error {
	if err := exec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO job_executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := s.db.ExecContext(ctx, query,
		exec.ID, exec.JobID, exec.TaskID, exec.Status, exec.Trigger,
		exec.RetryCount, exec.StartedAt, exec.FinishedAt, exec.DurationMs,
		nullableJSON(exec.Result), nullableString(exec.ErrorMessage), exec.CreatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err, oneRunningExecutionIdx) {
			return store.ErrRunningExecutionExists
		}
		logger.FromContext(ctx).Error("failed to save job execution",
			"execution_id", exec.ID, "job_id", exec.JobID, "error", err)
		return MapError(err)
	}

	return nil
}

// GetByID retrieves an execution by its unique ID.
func (s *JobExecutionStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.JobExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM job_executions WHERE id = $1`

	exec, err := scanExecution(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if IsNotFound(err) {
			return nil, store.ErrExecutionNotFound
		}
		return nil, MapError(err)
	}
	return exec, nil
}

// MarkRunning transitions a pending execution to running.
func (s *JobExecutionStore) MarkRunning(ctx context.Context, id, taskID uuid.UUID, startedAt time.Time) error {
	query := `
		UPDATE job_executions
		SET status = $2, task_id = $3, started_at = $4
		WHERE id = $1 AND status = 'pending'
	`

	result, err := s.db.ExecContext(ctx, query, id, domain.ExecutionRunning, taskID, startedAt.UTC())
	if err != nil {
		return MapError(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: execution %s is not pending", store.ErrUpdateFailed, id)
	}
	return nil
}

// Finish transitions an execution to a terminal status. Terminal rows
// are immutable, so the update is conditioned on a non-terminal status.
func (s *JobExecutionStore) Finish(ctx context.Context, id uuid.UUID, status domain.ExecutionStatus, result json.RawMessage, errMsg string, finishedAt time.Time) error {
	if !domain.IsTerminalExecutionStatus(status) {
		return fmt.Errorf("%w: %s is not a terminal status", store.ErrInvalidEntity, status)
	}

	query := `
		UPDATE job_executions
		SET status = $2,
			finished_at = $3,
			duration_ms = (EXTRACT(EPOCH FROM ($3 - coalesce(started_at, created_at))) * 1000)::bigint,
			result = $4,
			error_message = $5
		WHERE id = $1 AND status IN ('pending', 'running')
	`

	res, err := s.db.ExecContext(ctx, query, id, status, finishedAt.UTC(),
		nullableJSON(result), nullableString(errMsg))
	if err != nil {
		return MapError(err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrExecutionImmutable
	}
	return nil
}

// ListByJob returns executions for a job, newest first.
func (s *JobExecutionStore) ListByJob(ctx context.Context, jobID uuid.UUID, filter store.ExecutionFilter, limit, offset int) ([]*domain.JobExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM job_executions WHERE job_id = $1`
	args := []any{jobID}

	if filter.Status != nil {
		args = append(args, *filter.Status)
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	if filter.From != nil {
		args = append(args, filter.From.UTC())
		query += ` AND created_at >= $` + strconv.Itoa(len(args))
	}
	if filter.To != nil {
		args = append(args, filter.To.UTC())
		query += ` AND created_at < $` + strconv.Itoa(len(args))
	}

	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		args = append(args, limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var execs []*domain.JobExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution row: %w", err)
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return execs, nil
}

// CountActive returns the number of non-terminal executions for a job.
func (s *JobExecutionStore) CountActive(ctx context.Context, jobID uuid.UUID) (int, error) {
	query := `SELECT count(*) FROM job_executions WHERE job_id = $1 AND status IN ('pending', 'running')`

	var count int
	if err := s.db.QueryRowContext(ctx, query, jobID).Scan(&count); err != nil {
		return 0, MapError(err)
	}
	return count, nil
}

// CountByJob returns the total number of executions for a job.
func (s *JobExecutionStore) CountByJob(ctx context.Context, jobID uuid.UUID) (int, error) {
	query := `SELECT count(*) FROM job_executions WHERE job_id = $1`

	var count int
	if err := s.db.QueryRowContext(ctx, query, jobID).Scan(&count); err != nil {
		return 0, MapError(err)
	}
	return count, nil
}

func scanExecution(row rowScanner) (*domain.JobExecution, error) {
	var (
		exec   domain.JobExecution
		result []byte
		errMsg sql.NullString
	)

	err := row.Scan(
		&exec.ID, &exec.JobID, &exec.TaskID, &exec.Status, &exec.Trigger,
		&exec.RetryCount, &exec.StartedAt, &exec.FinishedAt, &exec.DurationMs,
		&result, &errMsg, &exec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	exec.Result = json.RawMessage(result)
	exec.ErrorMessage = errMsg.String
	return &exec, nil
}
