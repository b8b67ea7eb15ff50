package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrAlreadyAnnotated   = errors.New("insight is already annotated")
	ErrLockTimeout        = errors.New("import lock unavailable")
	ErrLockLost           = errors.New("import lock no longer held")
	ErrExternalDependency = errors.New("external dependency unavailable")
)

// ValidationError reports a malformed prediction or request payload.
// It carries the offending field so ingestion can log and skip the record
// without failing the rest of the batch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
