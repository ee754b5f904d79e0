// Package apperr defines the error kinds shared by the domain services.
//
// Callers classify errors with errors.Is against the sentinels; the helpers
// attach a human-readable message while keeping the kind in the chain.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation = errors.New("invalid input")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrPermission = errors.New("permission denied")
	ErrTransient  = errors.New("temporarily unavailable")
)

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

func newKind(kind error, format string, args ...any) error {
	return &kindError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) error {
	return newKind(ErrValidation, format, args...)
}

func NotFound(format string, args ...any) error {
	return newKind(ErrNotFound, format, args...)
}

func Conflict(format string, args ...any) error {
	return newKind(ErrConflict, format, args...)
}

func Permission(format string, args ...any) error {
	return newKind(ErrPermission, format, args...)
}

// Transient wraps cause so it is both classified as ErrTransient and still
// matchable against the original error.
func Transient(cause error) error {
	return fmt.Errorf("%w: %w", ErrTransient, cause)
}

// HTTPStatus maps an error to the response status handlers should use.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the text safe to show to a client. Unclassified errors
// collapse to a generic message so internals do not leak.
func Message(err error) string {
	if HTTPStatus(err) == http.StatusInternalServerError {
		return "internal error"
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.msg
	}
	if errors.Is(err, ErrTransient) {
		return ErrTransient.Error()
	}
	return err.Error()
}
