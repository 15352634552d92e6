package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/postcrafter/postcrafter-api/internal/domain"
	"github.com/postcrafter/postcrafter-api/internal/platform/logger"
	"github.com/postcrafter/postcrafter-api/internal/store"
)

// JobStore implements the store.JobStore interface using PostgreSQL.
type JobStore struct {
	db store.DBTX
}

// NewJobStore creates a new JobStore.
func NewJobStore(db store.DBTX) *JobStore {
	return &JobStore{db: db}
}

// WithTx returns a new JobStore instance that uses the provided transaction.
func (s *JobStore) WithTx(tx *sql.Tx) store.JobStore {
	return &JobStore{db: tx}
}

const jobColumns = `id, name, type, schedule_kind, interval_minutes, cron_expression,
	params, enabled, priority, last_run_at, next_run_at, last_status, last_error,
	run_count, success_count, fail_count, created_at, updated_at`

// Create saves a new job to the database.
func (s *JobStore) Create(ctx context.Context, job *domain.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.Name, job.Type, job.ScheduleKind,
		job.IntervalMins, job.CronExpression, nullableJSON(job.Params),
		job.Enabled, job.Priority, job.LastRunAt, job.NextRunAt,
		nullableString(job.LastStatus), nullableString(job.LastError),
		job.RunCount, job.SuccessCount, job.FailCount,
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		logger.FromContext(ctx).Error("failed to save job",
			"job_id", job.ID, "error", err)
		return MapError(err)
	}

	return nil
}

// GetByID retrieves a job by its unique ID.
func (s *JobStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if IsNotFound(err) {
			return nil, store.ErrJobNotFound
		}
		return nil, MapError(err)
	}
	return job, nil
}

// Update saves changes to an existing job.
func (s *JobStore) Update(ctx context.Context, job *domain.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		UPDATE jobs
		SET name = $2, type = $3, schedule_kind = $4, interval_minutes = $5,
			cron_expression = $6, params = $7, enabled = $8, priority = $9,
			last_run_at = $10, next_run_at = $11, updated_at = $12
		WHERE id = $1
	`

	result, err := s.db.ExecContext(ctx, query,
		job.ID, job.Name, job.Type, job.ScheduleKind,
		job.IntervalMins, job.CronExpression, nullableJSON(job.Params),
		job.Enabled, job.Priority, job.LastRunAt, job.NextRunAt, time.Now().UTC(),
	)
	if err != nil {
		return MapError(err)
	}

	return CheckRowsAffected(result, "job")
}

// Delete removes a job that no execution references. Jobs with
// executions must be disabled instead.
func (s *JobStore) Delete(ctx context.Context, id uuid.UUID) error {
	var refs int
	countQuery := `SELECT count(*) FROM job_executions WHERE job_id = $1`
	if err := s.db.QueryRowContext(ctx, countQuery, id).Scan(&refs); err != nil {
		return MapError(err)
	}
	if refs > 0 {
		return domain.ErrJobReferenced
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(result, "job")
}

// SetEnabled toggles the job's enabled flag.
func (s *JobStore) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	query := `UPDATE jobs SET enabled = $2, updated_at = $3 WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query, id, enabled, time.Now().UTC())
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(result, "job")
}

// List returns all jobs ordered by creation time.
func (s *JobStore) List(ctx context.Context) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at ASC`
	return s.queryJobs(ctx, query)
}

// ListDue returns enabled jobs due at or before now, highest priority first.
func (s *JobStore) ListDue(ctx context.Context, now time.Time) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE enabled AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY priority DESC, next_run_at ASC
	`
	return s.queryJobs(ctx, query, now)
}

// Claim atomically advances a due job via compare-and-set on next_run_at.
// Exactly one concurrent caller observes a row update; the rest get
// store.ErrClaimLost.
func (s *JobStore) Claim(ctx context.Context, id uuid.UUID, due, now, next time.Time) error {
	query := `
		UPDATE jobs
		SET last_run_at = $3, next_run_at = $4, updated_at = $3
		WHERE id = $1 AND enabled AND next_run_at = $2
	`

	result, err := s.db.ExecContext(ctx, query, id, due, now.UTC(), next.UTC())
	if err != nil {
		return MapError(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrClaimLost
	}
	return nil
}

// RecordOutcome updates last_status/last_error and the run counters.
func (s *JobStore) RecordOutcome(ctx context.Context, id uuid.UUID, status domain.ExecutionStatus, errMsg string) error {
	query := `
		UPDATE jobs
		SET last_status = $2,
			last_error = $3,
			run_count = run_count + 1,
			success_count = success_count + CASE WHEN $2 = 'success' THEN 1 ELSE 0 END,
			fail_count = fail_count + CASE WHEN $2 = 'success' THEN 0 ELSE 1 END,
			updated_at = $4
		WHERE id = $1
	`

	result, err := s.db.ExecContext(ctx, query, id, string(status), errMsg, time.Now().UTC())
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(result, "job")
}

func (s *JobStore) queryJobs(ctx context.Context, query string, args ...any) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return jobs, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job        domain.Job
		params     []byte
		lastStatus sql.NullString
		lastError  sql.NullString
	)

	err := row.Scan(
		&job.ID, &job.Name, &job.Type, &job.ScheduleKind,
		&job.IntervalMins, &job.CronExpression, &params,
		&job.Enabled, &job.Priority, &job.LastRunAt, &job.NextRunAt,
		&lastStatus, &lastError,
		&job.RunCount, &job.SuccessCount, &job.FailCount,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Params = json.RawMessage(params)
	job.LastStatus = lastStatus.String
	job.LastError = lastError.String
	return &job, nil
}

// IsNotFound reports whether err is sql.ErrNoRows or wraps store.ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || store.IsNotFoundError(err)
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
