package domain

import "errors"

var (
	ErrInvalidLocation = errors.New("invalid_location")
	// ErrAllocationContention means the counter row lock was not obtained in time. Retryable.
	ErrAllocationContention = errors.New("allocation_contention")
	ErrStorageUnavailable   = errors.New("storage_unavailable")
	// ErrInvariantViolation means the computed number would not exceed the counter or the ledger.
	ErrInvariantViolation = errors.New("invariant_violation")
)
