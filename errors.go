package pulsez

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the engine's failure categories. Typed errors below
// match them through errors.Is.
var (
	// ErrValidation marks a malformed event. The event is dropped, its batch continues.
	ErrValidation = errors.New("pulsez: invalid event")

	// ErrCapacity marks a full intake queue. Callers should back off.
	ErrCapacity = errors.New("pulsez: intake queue at capacity")

	// ErrPublication marks a sink that was unreachable or rejected a message.
	ErrPublication = errors.New("pulsez: publication failed")

	// ErrRegistryMiss marks an operation on a tenant without an active window.
	ErrRegistryMiss = errors.New("pulsez: no active session")

	// ErrSessionClosed marks a publication attempted on a removed window.
	ErrSessionClosed = errors.New("pulsez: session closed")

	// ErrCircuitOpen marks a publication short-circuited by a tripped breaker.
	ErrCircuitOpen = errors.New("pulsez: sink circuit open")
)

// ValidationError describes why a raw event was rejected.
type ValidationError struct {
	// Index is the position of the event in its submitted batch.
	Index  int
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("pulsez: invalid event %d: %s %s", e.Index, e.Field, e.Reason)
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// CapacityError is returned when the intake queue cannot accept more events.
type CapacityError struct {
	Capacity int
	Accepted int
	Rejected int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("pulsez: intake queue at capacity (%d): accepted %d, rejected %d",
		e.Capacity, e.Accepted, e.Rejected)
}

// Is reports whether target is ErrCapacity.
func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacity
}

// PublicationError wraps a sink failure for one message.
//
//nolint:govet // fieldalignment: struct layout optimized for readability
type PublicationError struct {
	TenantID    string
	MessageType MessageType
	Err         error
	Timestamp   time.Time
}

func (e *PublicationError) Error() string {
	return fmt.Sprintf("pulsez: publish %s for %s: %v", e.MessageType, e.TenantID, e.Err)
}

// Is reports whether target is ErrPublication.
func (e *PublicationError) Is(target error) bool {
	return target == ErrPublication
}

// Unwrap returns the underlying sink error.
func (e *PublicationError) Unwrap() error {
	return e.Err
}

// EvaluationError records a rule evaluation that failed or panicked for one
// tenant. It is logged and skipped; other tenants and rules are unaffected.
type EvaluationError struct {
	TenantID string
	Rule     string
	Err      error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("pulsez: evaluate rule %s for %s: %v", e.Rule, e.TenantID, e.Err)
}

// Unwrap returns the underlying failure.
func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// recovered turns a recovered panic value into an error.
func recovered(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
