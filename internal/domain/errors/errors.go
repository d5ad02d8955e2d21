package errors

import (
	"errors"
	"fmt"
)

var (
	// Event errors
	ErrEventNotFound          = errors.New("outbox event not found")
	ErrEventAlreadySent       = errors.New("outbox event already sent")
	ErrInvalidEventType       = errors.New("event type must not be empty")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrNotInTransaction       = errors.New("enlisted emit requires an open transaction")

	// Delivery errors
	ErrWebhookNotConfigured = errors.New("webhook endpoint or secret not configured")
	ErrWebhookUnavailable   = errors.New("webhook endpoint unavailable")

	// Lock errors
	ErrLockAcquisitionFailed = errors.New("failed to acquire lock")
	ErrLockNotHeld           = errors.New("lock not held")

	// Auth errors
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// Validation errors
	ErrValidationFailed = errors.New("validation failed")
	ErrInvalidInput     = errors.New("invalid input")
)

// DomainError wraps errors with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}
