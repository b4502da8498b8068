package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrDataUnavailable marks a transient store, cache or queue failure
	ErrDataUnavailable = errors.New("data unavailable")
	// ErrExternalServiceDegraded marks a collaborator timeout or error that was replaced by a default
	ErrExternalServiceDegraded = errors.New("external service degraded")
	// ErrDeliveryExpired marks an offline delivery past its TTL
	ErrDeliveryExpired = errors.New("delivery expired")
	// ErrNotFound is returned by lookups for missing rows
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when an alert status change is not allowed
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError rejects malformed input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidationError reports whether err wraps a ValidationError
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// DataUnavailable wraps a store failure so callers can match ErrDataUnavailable
func DataUnavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrDataUnavailable, err)
}

// Degraded wraps a collaborator failure so callers can match ErrExternalServiceDegraded
func Degraded(service string, err error) error {
	return fmt.Errorf("%s: %w: %w", service, ErrExternalServiceDegraded, err)
}
