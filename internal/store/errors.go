package store

import (
	"errors"
	"fmt"
)

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested entity does not exist in the store.
	// This is a generic version of the entity-specific not found errors.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when an operation would create a duplicate
	// of a unique entity (e.g., a second event with the same index).
	ErrDuplicate = errors.New("entity already exists")

	// ErrInvalidEntity is returned when an entity fails validation before
	// being stored. Check the wrapped error for specific validation details.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrUpdateFailed is returned when an update operation fails, for example
	// because the entity does not exist or the update violates constraints.
	ErrUpdateFailed = errors.New("update failed")

	// ErrClaimLost is returned when an atomic claim (compare-and-set on a
	// job's next run time, or a unit dequeue) found no row to claim: some
	// other actor got there first, or nothing was due.
	ErrClaimLost = errors.New("claim lost")

	// ErrTransactionFailed is returned when a database transaction fails
	// to commit or when an operation within a transaction fails.
	ErrTransactionFailed = errors.New("transaction failed")

	// Entity-specific "not found" errors

	// ErrJobNotFound indicates that the requested job does not exist in the store.
	ErrJobNotFound = fmt.Errorf("%w: job", ErrNotFound)

	// ErrExecutionNotFound indicates that the requested job execution does not exist.
	ErrExecutionNotFound = fmt.Errorf("%w: job execution", ErrNotFound)

	// ErrTaskNotFound indicates that the requested task does not exist in the store.
	ErrTaskNotFound = fmt.Errorf("%w: task", ErrNotFound)

	// ErrUnitNotFound indicates that the requested generation unit does not exist.
	ErrUnitNotFound = fmt.Errorf("%w: generation unit", ErrNotFound)

	// Entity-specific "duplicate" errors

	// ErrDuplicateEventIndex indicates an append with an (task_id, index)
	// pair that already exists. Event logs are append-only and gapless;
	// this means two writers raced on the same task.
	ErrDuplicateEventIndex = fmt.Errorf("%w: event index", ErrDuplicate)

	// ErrRunningExecutionExists indicates that creating an execution would
	// violate the one-running-execution-per-job guarantee.
	ErrRunningExecutionExists = fmt.Errorf("%w: running execution", ErrDuplicate)
)

// IsNotFoundError checks if the error is any kind of "not found" error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicateError checks if the error is any kind of "duplicate" error.
func IsDuplicateError(err error) bool {
	return errors.Is(err, ErrDuplicate)
}
