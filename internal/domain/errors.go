package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by state lookups for unknown or expired ids.
var ErrNotFound = errors.New("operation not found")

// ValidationError reports a malformed request. No transport is attempted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: field %q %s", e.Field, e.Reason)
}

// ConflictError reports that an identical operation is already in flight
// for the same operation key. The request must not be retried until the
// in-flight operation finishes.
type ConflictError struct {
	Key         string
	OperationID string
	Reason      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("operation conflict on %q: %s (in-flight id %s)", e.Key, e.Reason, e.OperationID)
}

// CircuitOpenError marks a transport skipped because its breaker is
// recovering and the single half-open probe slot is already taken. Callers
// only observe it folded into an AllTransportsFailedError when nothing else
// was available.
type CircuitOpenError struct {
	Protocol Protocol
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker for %s transport has a recovery probe in flight", e.Protocol)
}

// AttemptError records one failed transport attempt.
type AttemptError struct {
	Method Protocol
	Err    error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s: %v", e.Method, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// AllTransportsFailedError aggregates the per-transport failures after every
// available transport has been attempted.
type AllTransportsFailedError struct {
	Attempts []AttemptError
}

func (e *AllTransportsFailedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Error()
	}
	return fmt.Sprintf("all transports failed: [%s]", strings.Join(parts, "; "))
}
