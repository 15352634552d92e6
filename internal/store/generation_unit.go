package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/postcrafter/postcrafter-api/internal/domain"
)

// GenerationUnitStore defines the interface for generation unit
// persistence and the atomic claim the queue's workers rely on.
type GenerationUnitStore interface {
	// CreateBatch appends all units atomically as one batch.
	CreateBatch(ctx context.Context, units []*domain.GenerationUnit) error

	// GetByID retrieves a unit by its unique ID.
	// Returns ErrUnitNotFound if the unit does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.GenerationUnit, error)

	// ClaimNext atomically claims the next queued unit ordered by
	// (priority desc, insertion order) and transitions it to generating.
	// Returns ErrClaimLost when no unit is queued.
	ClaimNext(ctx context.Context) (*domain.GenerationUnit, error)

	// SetProgress records a progress fraction on a generating unit.
	SetProgress(ctx context.Context, id uuid.UUID, progress float64) error

	// Complete transitions a generating unit to complete with its result.
	Complete(ctx context.Context, id uuid.UUID, resultRef string) error

	// Fail transitions a generating unit to failed with an error message.
	Fail(ctx context.Context, id uuid.UUID, errMsg string) error

	// Cancel transitions a queued unit directly to failed with a
	// cancellation marker. Only valid while queued: canceling a unit in
	// any other status returns domain.ErrUnitNotQueued.
	Cancel(ctx context.Context, id uuid.UUID) error

	// Stats returns unit counts per status across the whole queue.
	Stats(ctx context.Context) (domain.UnitStats, error)

	// BatchStats returns unit counts per status for one batch.
	BatchStats(ctx context.Context, batchID uuid.UUID) (domain.UnitStats, error)

	// ListByTask returns all units owned by a task in insertion order.
	ListByTask(ctx context.Context, taskID uuid.UUID) ([]*domain.GenerationUnit, error)

	// WithTx returns a new GenerationUnitStore that uses the provided transaction.
	WithTx(tx *sql.Tx) GenerationUnitStore
}
