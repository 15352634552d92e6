package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// UnitStatus represents the lifecycle state of a generation unit.
type UnitStatus string

// Possible unit status values.
const (
	UnitQueued     UnitStatus = "queued"
	UnitGenerating UnitStatus = "generating"
	UnitComplete   UnitStatus = "complete"
	UnitFailed     UnitStatus = "failed"
)

// Common validation errors for GenerationUnit.
var (
	ErrEmptyUnitID     = errors.New("unit ID cannot be empty")
	ErrEmptyUnitPrompt = errors.New("unit prompt cannot be empty")
	ErrUnitNotQueued   = errors.New("unit is not queued")
)

// GenerationUnit is one atomic piece of work inside the generation
// queue, e.g. one image. Units are created in bulk when a workflow step
// fans out; each is independently retryable and a single unit's failure
// never aborts its batch.
type GenerationUnit struct {
	ID           uuid.UUID  `json:"id"`
	TaskID       uuid.UUID  `json:"task_id"`
	BatchID      uuid.UUID  `json:"batch_id"`
	Prompt       string     `json:"prompt"`
	Status       UnitStatus `json:"status"`
	Progress     float64    `json:"progress"`
	ResultRef    *string    `json:"result_ref,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Priority     int        `json:"priority"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// NewGenerationUnit creates a queued unit owned by the given task and batch.
func NewGenerationUnit(taskID, batchID uuid.UUID, prompt string, priority int) (*GenerationUnit, error) {
	now := time.Now().UTC()
	unit := &GenerationUnit{
		ID:        uuid.New(),
		TaskID:    taskID,
		BatchID:   batchID,
		Prompt:    prompt,
		Status:    UnitQueued,
		Priority:  priority,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := unit.Validate(); err != nil {
		return nil, err
	}

	return unit, nil
}

// Validate checks if the GenerationUnit has valid data.
func (u *GenerationUnit) Validate() error {
	if u.ID == uuid.Nil {
		return ErrEmptyUnitID
	}
	if u.Prompt == "" {
		return ErrEmptyUnitPrompt
	}
	if !isValidUnitStatus(u.Status) {
		return ErrValidation
	}
	return nil
}

// IsTerminal reports whether the unit has reached a final status.
func (u *GenerationUnit) IsTerminal() bool {
	return u.Status == UnitComplete || u.Status == UnitFailed
}

func isValidUnitStatus(status UnitStatus) bool {
	switch status {
	case UnitQueued, UnitGenerating, UnitComplete, UnitFailed:
		return true
	default:
		return false
	}
}

// UnitStats is a read-only snapshot of unit counts per status, scoped to
// a batch or to the whole queue.
type UnitStats struct {
	Queued     int `json:"queued"`
	Generating int `json:"generating"`
	Complete   int `json:"complete"`
	Failed     int `json:"failed"`
}

// Total returns the number of units counted.
func (s UnitStats) Total() int {
	return s.Queued + s.Generating + s.Complete + s.Failed
}

// AllTerminal reports whether every counted unit reached a terminal
// status. Batch-level success is exactly this, irrespective of how many
// units failed.
func (s UnitStats) AllTerminal() bool {
	return s.Total() > 0 && s.Queued == 0 && s.Generating == 0
}
