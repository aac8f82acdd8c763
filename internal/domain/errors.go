package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a session or report does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable marks every persistence failure. Callers treat it as
	// retryable.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrReportVanished is returned when a report matched inside a cluster
	// transaction was deleted before the update could be written.
	ErrReportVanished = errors.New("report no longer exists")
)

// StoreError is a persistence failure for a named operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is matches ErrStoreUnavailable so callers need not know the concrete type.
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// NewStoreError wraps err as a StoreError, or returns nil for a nil err.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
