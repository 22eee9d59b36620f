package validator

import (
	"sync"

	ierr "github.com/agendapos/agendapos/internal/errors"
	"github.com/go-playground/validator/v10"
)

var (
	validate *validator.Validate
	once     sync.Once
)

// GetValidator returns the shared validator instance
func GetValidator() *validator.Validate {
	once.Do(func() {
		validate = validator.New()
	})
	return validate
}

// ValidateRequest validates a struct against its validate tags, reporting each
// failing field.
func ValidateRequest(req interface{}) error {
	if err := GetValidator().Struct(req); err != nil {
		details := make(map[string]any)
		var validateErrs validator.ValidationErrors
		if ierr.As(err, &validateErrs) {
			for _, fieldErr := range validateErrs {
				details[fieldErr.Field()] = fieldErr.Error()
			}
		}
		return ierr.WithError(err).
			WithHint("Request validation failed").
			WithReportableDetails(details).
			Mark(ierr.ErrValidation)
	}
	return nil
}
