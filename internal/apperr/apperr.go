// Package apperr holds the error taxonomy shared by every service.
// Each member maps to exactly one HTTP status in package respond.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound means the referenced entity or identifier is absent.
	ErrNotFound = errors.New("not found")

	// ErrConflict means a unique attribute (email, sku) is already taken.
	ErrConflict = errors.New("already exists")

	// ErrReference means a create or update referenced a foreign entity
	// that is not known to exist locally (no snapshot for it).
	ErrReference = errors.New("invalid reference provided")

	// ErrRateLimited means the caller exceeded an attempt budget.
	ErrRateLimited = errors.New("too many attempts, try again later")

	// ErrUnauthorized is the root of every credential problem. Package auth
	// wraps it so callers outside auth can map the whole family to 401.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden means the caller is authenticated but not allowed.
	ErrForbidden = errors.New("forbidden")
)

// StatusCoder is implemented by errors that carry their own HTTP status,
// such as a rejection relayed from a remote service.
type StatusCoder interface {
	HTTPStatus() int
}

// FieldError is one field-level validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries every field-level reason for a rejected input.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Validator accumulates field errors; Err returns nil when nothing was added.
type Validator struct {
	fields []FieldError
}

// Add records a failure for field.
func (v *Validator) Add(field, format string, args ...any) {
	v.fields = append(v.fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Check records a failure for field when ok is false.
func (v *Validator) Check(ok bool, field, format string, args ...any) {
	if !ok {
		v.Add(field, format, args...)
	}
}

// Err returns a *ValidationError or nil.
func (v *Validator) Err() error {
	if len(v.fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: v.fields}
}

// NotFound wraps ErrNotFound with the entity kind, e.g. "user not found".
func NotFound(kind string) error {
	return fmt.Errorf("%s %w", kind, ErrNotFound)
}

// Reference wraps ErrReference naming the offending field and value.
func Reference(field, id string) error {
	return fmt.Errorf("%w: %s %q is not known", ErrReference, field, id)
}
