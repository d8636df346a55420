package models

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the job store.
var (
	ErrJobNotFound    = errors.New("job not found")
	ErrResultNotFound = errors.New("job result not found")
)

// ErrCancelled aborts a transfer when a cancellation check trips. Download
// code returns it (possibly wrapped) so callers can tell a cancelled run
// from a failed one with errors.Is.
var ErrCancelled = errors.New("download cancelled")

// ValidationError reports a request field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}
