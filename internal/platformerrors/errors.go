// Package platformerrors provides the unified error taxonomy for the
// intent -> event -> projection pipeline.
package platformerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind discriminates the category of a platform error.
type Kind string

const (
	KindValidation         Kind = "VALIDATION"
	KindAuthentication     Kind = "AUTHENTICATION"
	KindAuthorization      Kind = "AUTHORIZATION"
	KindEntityNotFound     Kind = "ENTITY_NOT_FOUND"
	KindConcurrencyConflict Kind = "CONCURRENCY_CONFLICT"
	KindIdempotencyConflict Kind = "IDEMPOTENCY_CONFLICT"
	KindEventStore         Kind = "EVENT_STORE"
)

// Error is a structured platform error carrying a Kind, an HTTP mapping,
// and optional structured details (the per-path validation errors, the
// expected/actual versions on a conflict, etc).
type Error struct {
	Kind       Kind
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetail attaches a detail key/value and returns the receiver for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func New(kind Kind, message string, httpStatus int) *Error {
	return &Error{Kind: kind, Message: message, HTTPStatus: httpStatus}
}

func Wrap(kind Kind, message string, httpStatus int, err error) *Error {
	return &Error{Kind: kind, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Validation constructs a ValidationError carrying optional per-path
// schema validation failures under Details["path_errors"].
func Validation(message string, pathErrors map[string]string) *Error {
	e := New(KindValidation, message, http.StatusBadRequest)
	if len(pathErrors) > 0 {
		e.WithDetail("path_errors", pathErrors)
	}
	return e
}

func ValidationField(field, reason string) *Error {
	return New(KindValidation, "invalid input", http.StatusBadRequest).
		WithDetail("field", field).
		WithDetail("reason", reason)
}

func Authentication(message string) *Error {
	return New(KindAuthentication, message, http.StatusUnauthorized)
}

// Authorization reports a missing-capability failure.
func Authorization(requiredCapabilities ...string) *Error {
	return New(KindAuthorization, "missing required capability", http.StatusForbidden).
		WithDetail("required_capabilities", requiredCapabilities)
}

func EntityNotFound(entityType, entityID string) *Error {
	return New(KindEntityNotFound, "entity not found", http.StatusNotFound).
		WithDetail("entity_type", entityType).
		WithDetail("entity_id", entityID)
}

func ConcurrencyConflict(id string, expected, actual int64) *Error {
	return New(KindConcurrencyConflict, "version conflict", http.StatusConflict).
		WithDetail("id", id).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func IdempotencyConflict(key, existingEventID string) *Error {
	return New(KindIdempotencyConflict, "idempotency key already used by a different request", http.StatusConflict).
		WithDetail("idempotency_key", key).
		WithDetail("existing_event_id", existingEventID)
}

func EventStore(code string, cause error) *Error {
	return Wrap(KindEventStore, "event store operation failed", http.StatusInternalServerError, cause).
		WithDetail("code", code)
}

// As extracts a *Error from err's chain, if present.
func As(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return nil
}

// Is reports whether err's chain contains a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	pe := As(err)
	return pe != nil && pe.Kind == kind
}

// HTTPStatus returns the mapped HTTP status for err, defaulting to 500.
func HTTPStatus(err error) int {
	if pe := As(err); pe != nil {
		return pe.HTTPStatus
	}
	return http.StatusInternalServerError
}
