package invoice

import (
	"errors"
	"fmt"
)

var (
	// ErrInvoiceNotFound is returned when an invoice is not found
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrInvalidStatusTransition is returned when an invoice status transition is invalid
	ErrInvalidStatusTransition = errors.New("invalid invoice status transition")

	// ErrAlreadyIssued indicates the invoice already carries a fiscal authorization
	ErrAlreadyIssued = errors.New("invoice already issued")

	// ErrNotClaimed indicates a result write was attempted without claim ownership
	ErrNotClaimed = errors.New("invoice is not claimed by this worker")
)

// ValidationError represents an error that occurs during invoice validation
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrInvoiceNotFound)
}
