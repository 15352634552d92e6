package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/postcrafter/postcrafter-api/internal/domain"
	"github.com/postcrafter/postcrafter-api/internal/platform/logger"
	"github.com/postcrafter/postcrafter-api/internal/store"
)

// GenerationUnitStore implements store.GenerationUnitStore using PostgreSQL.
type GenerationUnitStore struct {
	db store.DBTX
}

// NewGenerationUnitStore creates a new GenerationUnitStore.
func NewGenerationUnitStore(db store.DBTX) *GenerationUnitStore {
	return &GenerationUnitStore{db: db}
}

// WithTx returns a new GenerationUnitStore that uses the provided transaction.
func (s *GenerationUnitStore) WithTx(tx *sql.Tx) store.GenerationUnitStore {
	return &GenerationUnitStore{db: tx}
}

const unitColumns = `id, task_id, batch_id, prompt, status, progress,
	result_ref, error_message, priority, created_at, updated_at`

// unitColumnCount is the number of columns in unitColumns.
const unitColumnCount = 11

// CreateBatch appends all units of one batch with a single multi-row
// INSERT, so a failed enqueue never leaves a partial batch visible to
// the workers.
func (s *GenerationUnitStore) CreateBatch(ctx context.Context, units []*domain.GenerationUnit) error {
	if len(units) == 0 {
		return nil
	}
	for _, unit := range units {
		if err := unit.Validate(); err != nil {
			return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
		}
	}

	var (
		query strings.Builder
		args  = make([]any, 0, len(units)*unitColumnCount)
	)
	query.WriteString(`INSERT INTO generation_units (` + unitColumns + `) VALUES `)
	for i, unit := range units {
		if i > 0 {
			query.WriteString(", ")
		}
		query.WriteByte('(')
		for j := 1; j <= unitColumnCount; j++ {
			if j > 1 {
				query.WriteString(", ")
			}
			fmt.Fprintf(&query, "$%d", i*unitColumnCount+j)
		}
		query.WriteByte(')')
		args = append(args,
			unit.ID, unit.TaskID, unit.BatchID, unit.Prompt, unit.Status,
			unit.Progress, unit.ResultRef, nullableString(unit.ErrorMessage),
			unit.Priority, unit.CreatedAt, unit.UpdatedAt,
		)
	}

	if _, err := s.db.ExecContext(ctx, query.String(), args...); err != nil {
		logger.FromContext(ctx).Error("failed to save generation batch",
			"batch_id", units[0].BatchID, "units", len(units), "error", err)
		return MapError(err)
	}
	return nil
}

// GetByID retrieves a unit by its unique ID.
func (s *GenerationUnitStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.GenerationUnit, error) {
	query := `SELECT ` + unitColumns + ` FROM generation_units WHERE id = $1`

	unit, err := scanUnit(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if IsNotFound(err) {
			return nil, store.ErrUnitNotFound
		}
		return nil, MapError(err)
	}
	return unit, nil
}

// ClaimNext atomically claims the highest-priority queued unit. SKIP
// LOCKED lets concurrent workers claim distinct units without blocking
// on each other.
func (s *GenerationUnitStore) ClaimNext(ctx context.Context) (*domain.GenerationUnit, error) {
	query := `
		UPDATE generation_units
		SET status = $1, updated_at = $2
		WHERE id = (
			SELECT id FROM generation_units
			WHERE status = $3
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + unitColumns

	unit, err := scanUnit(s.db.QueryRowContext(ctx, query,
		domain.UnitGenerating, time.Now().UTC(), domain.UnitQueued))
	if err != nil {
		if IsNotFound(err) {
			return nil, store.ErrClaimLost
		}
		return nil, MapError(err)
	}
	return unit, nil
}

// SetProgress records a progress fraction on a generating unit.
func (s *GenerationUnitStore) SetProgress(ctx context.Context, id uuid.UUID, progress float64) error {
	query := `
		UPDATE generation_units SET progress = $2, updated_at = $3
		WHERE id = $1 AND status = $4
	`

	result, err := s.db.ExecContext(ctx, query, id, progress, time.Now().UTC(), domain.UnitGenerating)
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(result, "generation unit")
}

// Complete transitions a generating unit to complete with its result.
func (s *GenerationUnitStore) Complete(ctx context.Context, id uuid.UUID, resultRef string) error {
	query := `
		UPDATE generation_units
		SET status = $2, result_ref = $3, progress = 1.0, updated_at = $4
		WHERE id = $1 AND status = $5
	`

	result, err := s.db.ExecContext(ctx, query,
		id, domain.UnitComplete, resultRef, time.Now().UTC(), domain.UnitGenerating)
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(result, "generation unit")
}

// Fail transitions a generating unit to failed with an error message.
func (s *GenerationUnitStore) Fail(ctx context.Context, id uuid.UUID, errMsg string) error {
	query := `
		UPDATE generation_units
		SET status = $2, error_message = $3, updated_at = $4
		WHERE id = $1 AND status = $5
	`

	result, err := s.db.ExecContext(ctx, query,
		id, domain.UnitFailed, errMsg, time.Now().UTC(), domain.UnitGenerating)
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(result, "generation unit")
}

// Cancel transitions a queued unit to failed with a cancellation marker.
// A unit already generating or terminal is left untouched.
func (s *GenerationUnitStore) Cancel(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE generation_units
		SET status = $2, error_message = 'canceled', updated_at = $3
		WHERE id = $1 AND status = $4
	`

	result, err := s.db.ExecContext(ctx, query,
		id, domain.UnitFailed, time.Now().UTC(), domain.UnitQueued)
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

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM generation_units WHERE id = $1)`, id).Scan(&exists); err != nil {
		return MapError(err)
	}
	if !exists {
		return store.ErrUnitNotFound
	}
	return domain.ErrUnitNotQueued
}

// Stats returns unit counts per status across the whole queue.
func (s *GenerationUnitStore) Stats(ctx context.Context) (domain.UnitStats, error) {
	query := `
		SELECT
			count(*) FILTER (WHERE status = 'queued'),
			count(*) FILTER (WHERE status = 'generating'),
			count(*) FILTER (WHERE status = 'complete'),
			count(*) FILTER (WHERE status = 'failed')
		FROM generation_units
	`
	return s.queryStats(ctx, query)
}

// BatchStats returns unit counts per status for one batch.
func (s *GenerationUnitStore) BatchStats(ctx context.Context, batchID uuid.UUID) (domain.UnitStats, error) {
	query := `
		SELECT
			count(*) FILTER (WHERE status = 'queued'),
			count(*) FILTER (WHERE status = 'generating'),
			count(*) FILTER (WHERE status = 'complete'),
			count(*) FILTER (WHERE status = 'failed')
		FROM generation_units
		WHERE batch_id = $1
	`
	return s.queryStats(ctx, query, batchID)
}

// ListByTask returns all units owned by a task in insertion order.
func (s *GenerationUnitStore) ListByTask(ctx context.Context, taskID uuid.UUID) ([]*domain.GenerationUnit, error) {
	query := `SELECT ` + unitColumns + ` FROM generation_units WHERE task_id = $1 ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var units []*domain.GenerationUnit
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan unit row: %w", err)
		}
		units = append(units, unit)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return units, nil
}

func (s *GenerationUnitStore) queryStats(ctx context.Context, query string, args ...any) (domain.UnitStats, error) {
	var stats domain.UnitStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Queued, &stats.Generating, &stats.Complete, &stats.Failed)
	if err != nil {
		return domain.UnitStats{}, MapError(err)
	}
	return stats, nil
}

func scanUnit(row rowScanner) (*domain.GenerationUnit, error) {
	var (
		unit   domain.GenerationUnit
		errMsg sql.NullString
	)

	err := row.Scan(
		&unit.ID, &unit.TaskID, &unit.BatchID, &unit.Prompt, &unit.Status,
		&unit.Progress, &unit.ResultRef, &errMsg, &unit.Priority,
		&unit.CreatedAt, &unit.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	unit.ErrorMessage = errMsg.String
	return &unit, nil
}
