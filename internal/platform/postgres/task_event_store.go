package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/postcrafter/postcrafter-api/internal/domain"
	"github.com/postcrafter/postcrafter-api/internal/platform/logger"
	"github.com/postcrafter/postcrafter-api/internal/store"
)

// eventIndexConstraint is the primary key on (task_id, event_index)
// that keeps the log gapless under concurrent appenders.
const eventIndexConstraint = "task_events_pkey"

// TaskEventStore implements store.TaskEventStore using PostgreSQL.
// The table is append-only: there are no UPDATE or DELETE statements here.
type TaskEventStore struct {
	db store.DBTX
}

// NewTaskEventStore creates a new TaskEventStore.
func NewTaskEventStore(db store.DBTX) *TaskEventStore {
	return &TaskEventStore{db: db}
}

// WithTx returns a new TaskEventStore that uses the provided transaction.
func (s *TaskEventStore) WithTx(tx *sql.Tx) store.TaskEventStore {
	return &TaskEventStore{db: tx}
}

// Append persists one event. A concurrent append at the same index loses
// the unique-constraint race and gets ErrDuplicateEventIndex.
func (s *TaskEventStore) Append(ctx context.Context, event *domain.TaskEvent) error {
	if event.Index < 0 {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, domain.ErrInvalidEventIdx)
	}
	if !domain.IsValidEventType(event.Type) {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, domain.ErrUnknownEventType)
	}

	query := `
		INSERT INTO task_events (task_id, event_index, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.TaskID, event.Index, event.Type,
		nullableJSON(event.Payload), event.CreatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err, eventIndexConstraint) {
			return store.ErrDuplicateEventIndex
		}
		logger.FromContext(ctx).Error("failed to append task event",
			"task_id", event.TaskID, "event_index", event.Index, "error", err)
		return MapError(err)
	}

	return nil
}

// NextIndex returns the next unused index for the task's log.
func (s *TaskEventStore) NextIndex(ctx context.Context, taskID uuid.UUID) (int64, error) {
	query := `SELECT coalesce(max(event_index) + 1, 0) FROM task_events WHERE task_id = $1`

	var next int64
	if err := s.db.QueryRowContext(ctx, query, taskID).Scan(&next); err != nil {
		return 0, MapError(err)
	}
	return next, nil
}

// ListFrom returns every event with index >= fromIndex in index order.
func (s *TaskEventStore) ListFrom(ctx context.Context, taskID uuid.UUID, fromIndex int64) ([]domain.TaskEvent, error) {
	query := `
		SELECT task_id, event_index, event_type, payload, created_at
		FROM task_events
		WHERE task_id = $1 AND event_index >= $2
		ORDER BY event_index ASC
	`

	rows, err := s.db.QueryContext(ctx, query, taskID, fromIndex)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var events []domain.TaskEvent
	for rows.Next() {
		var (
			event   domain.TaskEvent
			payload []byte
		)
		if err := rows.Scan(&event.TaskID, &event.Index,
			&event.Type, &payload, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		event.Payload = json.RawMessage(payload)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return events, nil
}

// Count returns the number of events in the task's log.
func (s *TaskEventStore) Count(ctx context.Context, taskID uuid.UUID) (int64, error) {
	query := `SELECT count(*) FROM task_events WHERE task_id = $1`

	var count int64
	if err := s.db.QueryRowContext(ctx, query, taskID).Scan(&count); err != nil {
		return 0, MapError(err)
	}
	return count, nil
}
