/*
errors.go - Shared error taxonomy

PURPOSE:
  This system distinguishes three failure classes, and callers branch on
  them:
  1. Validation errors  - malformed template, bad weights, unknown location:
                          fatal to the operation, reported to the operator,
                          never mutates persisted state
  2. Upstream failures  - SurveyCTO unreachable or rejecting: aborts one
                          survey's refresh, prior data stays visible
  3. Aggregation errors - missing required columns: aborts recap, the
                          scheduler must not advance the refresh timestamp

USAGE:
  if survey.IsValidation(err) { respond 400 } else { respond 502/500 }

SEE ALSO:
  - api/handlers.go: maps these classes to HTTP status codes
  - api/scheduler.go: per-survey failure isolation
*/
package survey

import (
	"errors"
	"fmt"
)

// ValidationError is a user-correctable input problem. The message is safe to
// show to the operator verbatim.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError with a formatted message.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var (
	// ErrMissingColumn is returned when the upstream dataset lacks a column
	// the aggregation depends on. Wrapped with the column name.
	ErrMissingColumn = errors.New("missing required column")

	// ErrSurveyNotFound is returned when a registry lookup misses.
	ErrSurveyNotFound = errors.New("survey not found")
)
