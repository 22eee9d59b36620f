package fiscal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	ierr "github.com/agendapos/agendapos/internal/errors"
	"github.com/agendapos/agendapos/internal/httpclient"
)

// ErrorCategory classifies an authority error into the recovery strategy it
// requires. All downstream logic branches on the category only; the raw code
// and message are preserved for operators.
type ErrorCategory string

const (
	// CategoryValidation covers business-rule rejections; the request is wrong
	// and retrying unchanged will not help
	CategoryValidation ErrorCategory = "validation"
	// CategoryDesync covers the authority rejecting a sequence number that
	// does not match its own expectation
	CategoryDesync ErrorCategory = "desync"
	// CategoryAuth covers rejected credentials
	CategoryAuth ErrorCategory = "auth"
	// CategoryUnavailable covers network failures and timeouts
	CategoryUnavailable ErrorCategory = "unavailable"
)

// Authority error codes with dedicated handling. The authority's error
// vocabulary is heterogeneous; codes outside these sets fall back to the
// validation category.
var (
	desyncCodes = map[int]bool{
		10016: true, // voucher number does not match the next expected
		1005:  true, // sequence out of order for point of sale
	}
	authCodes = map[int]bool{
		600: true, // token expired
		601: true, // token invalid
		602: true, // token not yet valid
	}
	// tokenModeUnusableCodes signal that the token auth path cannot be used at
	// all and the client should fall back to certificate mode
	tokenModeUnusableCodes = map[int]bool{
		603: true, // token auth not enabled for this tax id
	}
)

// AuthorityError is the single normalized form of every error the fiscal
// authority can report.
type AuthorityError struct {
	Code     int
	Message  string
	Category ErrorCategory
}

func (e *AuthorityError) Error() string {
	return fmt.Sprintf("authority error %d (%s): %s", e.Code, e.Category, e.Message)
}

// IsTokenModeUnusable reports whether the error signals that the token auth
// path should be abandoned in favor of certificate mode
func (e *AuthorityError) IsTokenModeUnusable() bool {
	return tokenModeUnusableCodes[e.Code]
}

// AsError converts the normalized error into the engine's error taxonomy,
// preserving the authority's own text.
func (e *AuthorityError) AsError() error {
	builder := ierr.NewErrorf("fiscal authority error %d", e.Code).
		WithHint(e.Message).
		WithReportableDetails(map[string]any{
			"authority_code": e.Code,
			"category":       string(e.Category),
		})

	switch e.Category {
	case CategoryDesync:
		return builder.Mark(ierr.ErrSequenceDesync)
	case CategoryAuth:
		return builder.Mark(ierr.ErrAuthenticationFailed)
	case CategoryUnavailable:
		return builder.Mark(ierr.ErrAuthorityUnavailable)
	default:
		return builder.Mark(ierr.ErrAuthorityRejected)
	}
}

func categorize(code int) ErrorCategory {
	switch {
	case desyncCodes[code]:
		return CategoryDesync
	case authCodes[code] || tokenModeUnusableCodes[code]:
		return CategoryAuth
	default:
		return CategoryValidation
	}
}

// wireError mirrors the several shapes an error can take in an authority
// response body.
type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type wireErrorEnvelope struct {
	Errors       []wireError `json:"errors,omitempty"`
	Error        *wireError  `json:"error,omitempty"`
	Observations []wireError `json:"observations,omitempty"`
	Events       []wireError `json:"events,omitempty"`
}

// NormalizeAuthorityError turns any error coming back from an authority call
// into an *AuthorityError. It pattern-matches the several response fields the
// authority is known to report errors in, and treats transport failures as
// unavailable.
func NormalizeAuthorityError(err error) *AuthorityError {
	if httpErr, ok := httpclient.IsHTTPError(err); ok {
		if httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden {
			return &AuthorityError{
				Code:     httpErr.StatusCode,
				Message:  "credential rejected by the fiscal authority",
				Category: CategoryAuth,
			}
		}

		if we := parseWireError(httpErr.Response); we != nil {
			return &AuthorityError{
				Code:     we.Code,
				Message:  we.Message,
				Category: categorize(we.Code),
			}
		}

		if httpErr.StatusCode >= http.StatusInternalServerError {
			return &AuthorityError{
				Code:     httpErr.StatusCode,
				Message:  "fiscal authority returned a server error",
				Category: CategoryUnavailable,
			}
		}

		return &AuthorityError{
			Code:     httpErr.StatusCode,
			Message:  strings.TrimSpace(string(httpErr.Response)),
			Category: CategoryValidation,
		}
	}

	// Anything that never produced an HTTP response is a connectivity problem
	return &AuthorityError{
		Message:  err.Error(),
		Category: CategoryUnavailable,
	}
}

// parseWireError extracts the first error from whichever response field the
// authority used this time.
func parseWireError(body []byte) *wireError {
	if len(body) == 0 {
		return nil
	}

	var envelope wireErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil
	}

	if len(envelope.Errors) > 0 {
		return &envelope.Errors[0]
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if len(envelope.Observations) > 0 {
		return &envelope.Observations[0]
	}
	if len(envelope.Events) > 0 {
		return &envelope.Events[0]
	}
	return nil
}
