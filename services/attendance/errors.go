package attendance

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidDate is returned for marks dated after the caller's today.
	ErrInvalidDate = errors.New("attendance date is in the future")

	// ErrConflict signals a stale write: a newer mark already exists for the key.
	ErrConflict = errors.New("a newer mark exists for this student, class and date")

	// ErrStoreUnavailable wraps transient persistence failures.
	ErrStoreUnavailable = errors.New("attendance store unavailable")

	// ErrPermissionDenied is returned when the actor's role may not perform the operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrAlertOpen is returned by CreateAlert when the (student, type) already has an open alert.
	ErrAlertOpen = errors.New("an open alert of this type already exists")

	// ErrNotFound is returned for unknown alerts.
	ErrNotFound = errors.New("not found")
)

// DefaultRetryAfter is the hint given to callers on ErrStoreUnavailable.
const DefaultRetryAfter = 5 * time.Second

// FieldError is used to indicate an error with a specific field.
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

// ValidationError reports malformed input. It is never retried.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func NewValidationError(flds ...FieldError) error {
	return &ValidationError{Fields: flds}
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Error))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// StoreError carries a retry hint for ErrStoreUnavailable.
type StoreError struct {
	Op         string
	Err        error
	RetryAfter time.Duration
}

func storeUnavailable(op string, err error) error {
	return &StoreError{Op: op, Err: err, RetryAfter: DefaultRetryAfter}
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrStoreUnavailable, e.Err)
}

func (e *StoreError) Unwrap() error { return ErrStoreUnavailable }

// IsValidation reports whether err is a ValidationError or an invalid date.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) || errors.Is(err, ErrInvalidDate)
}

// RetryAfter returns the retry hint of a store error, or zero.
func RetryAfter(err error) time.Duration {
	var se *StoreError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
