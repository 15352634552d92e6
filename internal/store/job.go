package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/postcrafter/postcrafter-api/internal/domain"
)

// JobStore defines the interface for scheduled job persistence.
type JobStore interface {
	// Create saves a new job to the store.
	// Returns validation errors from the domain Job if data is invalid.
	Create(ctx context.Context, job *domain.Job) error

	// GetByID retrieves a job by its unique ID.
	// Returns ErrJobNotFound if the job does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// Update saves changes to an existing job.
	// Returns ErrJobNotFound if the job does not exist.
	Update(ctx context.Context, job *domain.Job) error

	// Delete removes a job that no execution references.
	// Returns domain.ErrJobReferenced if executions still reference it;
	// callers should disable the job instead.
	Delete(ctx context.Context, id uuid.UUID) error

	// SetEnabled toggles the job's enabled flag.
	// Returns ErrJobNotFound if the job does not exist.
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error

	// List returns all jobs ordered by creation time.
	List(ctx context.Context) ([]*domain.Job, error)

	// ListDue returns enabled jobs whose next_run_at is at or before now,
	// ordered by priority (descending) then next_run_at.
	ListDue(ctx context.Context, now time.Time) ([]*domain.Job, error)

	// Claim atomically advances a due job: it sets last_run_at to now and
	// next_run_at to next, but only if next_run_at still equals due. This
	// compare-and-set is the at-most-one-claim guarantee when multiple
	// scheduler instances tick concurrently.
	// Returns ErrClaimLost if another instance claimed the job first.
	Claim(ctx context.Context, id uuid.UUID, due, now, next time.Time) error

	// RecordOutcome updates the job's last_status/last_error and bumps the
	// run counters after an execution reaches a terminal state.
	RecordOutcome(ctx context.Context, id uuid.UUID, status domain.ExecutionStatus, errMsg string) error

	// WithTx returns a new JobStore instance that uses the provided transaction.
	WithTx(tx *sql.Tx) JobStore
}
