// Package core provides the Luna memory client: it records conversation
// turns and assembles the bounded context handed to the model on each turn.
package core

import (
	"errors"
	"fmt"

	"github.com/Kalito-Labs/Luna-sub004/pkg/intelligence"
	"github.com/Kalito-Labs/Luna-sub004/pkg/storage"
)

// Predefined errors for common failure scenarios.
var (
	// ErrNotFound indicates that a session or record was not found. Storage
	// not-found errors match it too.
	ErrNotFound = storage.ErrNotFound

	// ErrInvalidConfig indicates that the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidInput indicates that the provided input is invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStorageOperation indicates that a storage operation failed.
	ErrStorageOperation = errors.New("storage operation failed")

	// ErrSummarizationFailed indicates that a summary could not be produced.
	// It is recoverable: the next recorded message retries.
	ErrSummarizationFailed = intelligence.ErrSummarizationFailed

	// ErrInvalidSessionReference indicates a pin or summary that points at a
	// different session than the one being assembled.
	ErrInvalidSessionReference = errors.New("record references another session")

	// ErrBudgetInfeasible indicates that the smallest possible context still
	// exceeds the token budget. BuildContext returns the closest fit instead.
	ErrBudgetInfeasible = errors.New("token budget cannot be met")

	// ErrClosed indicates that the client has been closed.
	ErrClosed = errors.New("client closed")
)

// MemoryError wraps errors with operation context.
//
// Example:
//
//	err := &MemoryError{
//	    Op:  "RecordMessage",
//	    Err: ErrInvalidInput,
//	}
//	// Error() returns: "luna: RecordMessage: invalid input"
type MemoryError struct {
	// Op is the name of the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns a formatted error message.
func (e *MemoryError) Error() string {
	return fmt.Sprintf("luna: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is and errors.As.
func (e *MemoryError) Unwrap() error {
	return e.Err
}

// NewMemoryError creates a new MemoryError wrapping the given error.
//
// If err is nil, returns nil. This allows safe error wrapping:
//
//	if err != nil {
//	    return NewMemoryError("BuildContext", err)
//	}
func NewMemoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &MemoryError{
		Op:  op,
		Err: err,
	}
}

// storageError wraps a store failure so it matches ErrStorageOperation while
// keeping the store's own sentinel (for example ErrNotFound) reachable.
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return NewMemoryError(op, err)
	}
	return NewMemoryError(op, fmt.Errorf("%w: %w", ErrStorageOperation, err))
}
