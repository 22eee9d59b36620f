package errors

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
)

// Common error types that can be used across the application
var (
	ErrNotFound         = newInternal(ErrCodeNotFound, "resource not found")
	ErrAlreadyExists    = newInternal(ErrCodeAlreadyExists, "resource already exists")
	ErrValidation       = newInternal(ErrCodeValidation, "validation error")
	ErrInvalidOperation = newInternal(ErrCodeInvalidOperation, "invalid operation")
	ErrPermissionDenied = newInternal(ErrCodePermissionDenied, "permission denied")
	ErrHTTPClient       = newInternal(ErrCodeHTTPClient, "http client error")
	ErrDatabase         = newInternal(ErrCodeDatabase, "database error")
	ErrSystem           = newInternal(ErrCodeSystemError, "system error")

	// Fiscal emission taxonomy. Each sentinel drives a different recovery
	// strategy in the emission engine and retry queue.

	// ErrConfiguration marks missing credentials/point-of-sale/voucher-type or a
	// disabled fiscal feature. Fatal, never retried.
	ErrConfiguration = newInternal(ErrCodeConfiguration, "fiscal configuration error")
	// ErrAuthenticationFailed marks a credential rejected by the authority.
	ErrAuthenticationFailed = newInternal(ErrCodeAuthenticationFailed, "fiscal authentication failed")
	// ErrAuthorityRejected marks a structured rejection (validation/business rule).
	ErrAuthorityRejected = newInternal(ErrCodeAuthorityRejected, "fiscal authority rejected the request")
	// ErrSequenceDesync marks the authority's rejection of a voucher number that
	// does not match its own expectation. Handled by re-resolving the number.
	ErrSequenceDesync = newInternal(ErrCodeSequenceDesync, "voucher sequence desynchronized")
	// ErrAuthorityUnavailable marks a network failure or timeout talking to the authority.
	ErrAuthorityUnavailable = newInternal(ErrCodeAuthorityUnavailable, "fiscal authority unavailable")
	// ErrAmbiguousOutcome marks a voucher creation whose outcome is unknown (the
	// authority may or may not have recorded it). Must be disambiguated before resubmission.
	ErrAmbiguousOutcome = newInternal(ErrCodeAmbiguousOutcome, "voucher creation outcome is ambiguous")
	// ErrIssuedNotRecorded marks the delicate case where the authority granted a
	// CAE but the local save failed. Needs operator reconciliation.
	ErrIssuedNotRecorded = newInternal(ErrCodeIssuedNotRecorded, "voucher issued upstream but not recorded locally")

	// maps errors to http status codes
	statusCodeMap = map[error]int{
		ErrHTTPClient:           http.StatusInternalServerError,
		ErrDatabase:             http.StatusInternalServerError,
		ErrNotFound:             http.StatusNotFound,
		ErrAlreadyExists:        http.StatusConflict,
		ErrValidation:           http.StatusBadRequest,
		ErrInvalidOperation:     http.StatusBadRequest,
		ErrPermissionDenied:     http.StatusForbidden,
		ErrSystem:               http.StatusInternalServerError,
		ErrConfiguration:        http.StatusUnprocessableEntity,
		ErrAuthenticationFailed: http.StatusBadGateway,
		ErrAuthorityRejected:    http.StatusBadGateway,
		ErrSequenceDesync:       http.StatusBadGateway,
		ErrAuthorityUnavailable: http.StatusBadGateway,
		ErrAmbiguousOutcome:     http.StatusBadGateway,
		ErrIssuedNotRecorded:    http.StatusInternalServerError,
	}
)

const (
	ErrCodeHTTPClient       = "http_client_error"
	ErrCodeSystemError      = "system_error"
	ErrCodeNotFound         = "not_found"
	ErrCodeAlreadyExists    = "already_exists"
	ErrCodeValidation       = "validation_error"
	ErrCodeInvalidOperation = "invalid_operation"
	ErrCodePermissionDenied = "permission_denied"
	ErrCodeDatabase         = "database_error"

	ErrCodeConfiguration        = "fiscal_configuration_error"
	ErrCodeAuthenticationFailed = "fiscal_authentication_failed"
	ErrCodeAuthorityRejected    = "fiscal_authority_rejected"
	ErrCodeSequenceDesync       = "fiscal_sequence_desync"
	ErrCodeAuthorityUnavailable = "fiscal_authority_unavailable"
	ErrCodeAmbiguousOutcome     = "fiscal_ambiguous_outcome"
	ErrCodeIssuedNotRecorded    = "fiscal_issued_not_recorded"
)

// InternalError represents a domain error
type InternalError struct {
	Code    string // Machine-readable error code
	Message string // Human-readable error message
	Op      string // Logical operation name
	Err     error  // Underlying error
}

func (e *InternalError) Error() string {
	if e.Err == nil {
		return e.DisplayError()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Err.Error())
}

func (e *InternalError) DisplayError() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// Is implements error matching for wrapped errors
func (e *InternalError) Is(target error) bool {
	if target == nil {
		return false
	}

	t, ok := target.(*InternalError)
	if !ok {
		return errors.Is(e.Err, target)
	}

	return e.Code == t.Code
}

// New creates a new InternalError with the given code and message
func New(code string, message string) *InternalError {
	return newInternal(code, message)
}

func newInternal(code string, message string) *InternalError {
	return &InternalError{
		Code:    code,
		Message: message,
	}
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if an error is an already exists error
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsInvalidOperation checks if an error is an invalid operation error
func IsInvalidOperation(err error) bool {
	return errors.Is(err, ErrInvalidOperation)
}

// IsConfiguration checks if an error is a fiscal configuration error
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsSequenceDesync checks if an error is a voucher sequence desynchronization
func IsSequenceDesync(err error) bool {
	return errors.Is(err, ErrSequenceDesync)
}

// IsAuthorityUnavailable checks if an error is a fiscal authority availability error
func IsAuthorityUnavailable(err error) bool {
	return errors.Is(err, ErrAuthorityUnavailable)
}

// IsAmbiguousOutcome checks if a voucher creation outcome could not be determined
func IsAmbiguousOutcome(err error) bool {
	return errors.Is(err, ErrAmbiguousOutcome)
}

func HTTPStatusFromErr(err error) int {
	for e, status := range statusCodeMap {
		if errors.Is(err, e) {
			return status
		}
	}
	return http.StatusInternalServerError
}
