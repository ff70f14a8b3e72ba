package monitor

import (
	"errors"
	"fmt"
)

// ErrInvalidEvent marks an event rejected before persistence. Callers map it
// to a client error.
var ErrInvalidEvent = errors.New("invalid event")

// ErrAlertNotFound is returned by alert reads and updates for an unknown id.
var ErrAlertNotFound = errors.New("alert not found")

// ValidationError describes which field of an event was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidEvent.
func (e *ValidationError) Unwrap() error { return ErrInvalidEvent }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
