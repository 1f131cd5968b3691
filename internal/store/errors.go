package store

import (
	"errors"
	"fmt"
)

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested entity does not exist in the
	// store. Reads treat rows past their expiry as absent, so this also
	// covers TTL-expired records that the sweeper has not reclaimed yet.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when an operation would create a duplicate
	// of a unique entity.
	ErrDuplicate = errors.New("entity already exists")

	// ErrConflict is returned when a conditional write finds the entity in
	// a state other than the one the caller required. The claim and
	// terminal-write paths rely on this to detect lost races.
	ErrConflict = errors.New("conditional write conflict")

	// ErrInvalidEntity is returned when an entity fails validation before
	// being stored. Check the wrapped error for specific validation details.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrTransactionFailed is returned when a database transaction fails
	// to commit or when an operation within a transaction fails.
	ErrTransactionFailed = errors.New("transaction failed")

	// Entity-specific errors

	// ErrJobNotFound indicates that the requested job does not exist or has
	// expired.
	ErrJobNotFound = fmt.Errorf("%w: job", ErrNotFound)

	// ErrIdempotencyRecordNotFound indicates there is no live idempotency
	// record for the given dedup key.
	ErrIdempotencyRecordNotFound = fmt.Errorf("%w: idempotency record", ErrNotFound)

	// ErrJobAlreadyClaimed indicates a claim lost the race: the job is no
	// longer pending.
	ErrJobAlreadyClaimed = fmt.Errorf("%w: job already claimed", ErrConflict)

	// ErrJobNotProcessing indicates a terminal write found the job outside
	// processing state, typically a late writer arriving after exhaustion.
	ErrJobNotProcessing = fmt.Errorf("%w: job not processing", ErrConflict)
)

// IsNotFoundError checks if the error is any kind of "not found" error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflictError checks if the error is any kind of conditional-write
// conflict.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrConflict)
}

// StoreError is a custom error type for store-specific errors with additional context.
type StoreError struct {
	Entity    string // The entity type (e.g., "job", "idempotency record")
	Operation string // The operation that failed (e.g., "create", "claim")
	Message   string // Error message
	Err       error  // Original error
}

// Error implements the error interface for StoreError.
func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf(
			"%s operation on %s failed: %s: %v",
			e.Operation,
			e.Entity,
			e.Message,
			e.Err,
		)
	}
	return fmt.Sprintf("%s operation on %s failed: %s", e.Operation, e.Entity, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError with the given details.
func NewStoreError(entity, operation, message string, err error) *StoreError {
	return &StoreError{
		Entity:    entity,
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}
