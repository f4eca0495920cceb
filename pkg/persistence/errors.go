// Package persistence provides standardized error types for storage
// operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all backends should use.
var (
	// ErrExecutionNotFound indicates an execution was not found by id.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrSubscriptionNotFound indicates an event subscription was not found.
	ErrSubscriptionNotFound = errors.New("event subscription not found")

	// ErrDefinitionNotFound indicates a process definition was not found.
	ErrDefinitionNotFound = errors.New("process definition not found")

	// ErrJobNotFound indicates a job was not found by id.
	ErrJobNotFound = errors.New("job not found")

	// ErrOptimisticLock indicates a row was concurrently modified between
	// read and write. Transient; the caller decides retry policy.
	ErrOptimisticLock = errors.New("optimistic lock conflict")

	// ErrAlreadyExists indicates an insert collided with an existing row.
	ErrAlreadyExists = errors.New("entity already exists")
)

// StorageError wraps persistence failures with operation context.
type StorageError struct {
	Op       string // operation being performed, e.g. "Update", "Acquire"
	Entity   string // entity kind, e.g. "execution", "job"
	EntityID string
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Entity, e.EntityID, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStorageError creates a storage error with context.
func NewStorageError(op, entity, entityID string, err error) *StorageError {
	return &StorageError{Op: op, Entity: entity, EntityID: entityID, Err: err}
}

// IsOptimisticLock checks whether an error is an optimistic-lock conflict.
func IsOptimisticLock(err error) bool {
	return errors.Is(err, ErrOptimisticLock)
}

// IsNotFound checks whether an error is any of the not-found conditions.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrDefinitionNotFound) ||
		errors.Is(err, ErrJobNotFound)
}
