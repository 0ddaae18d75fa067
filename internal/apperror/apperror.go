// Package apperror defines the error kinds returned by services and their HTTP mapping.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for callers and transports.
type Kind string

const (
	KindInvalidInput Kind = "invalid_input"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindExpired      Kind = "expired"
	KindOutOfRange   Kind = "out_of_range"
	KindFatal        Kind = "fatal"
)

// Error is an application error carrying a user-visible message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// InvalidInput reports malformed or missing request fields.
func InvalidInput(msg string) *Error { return newError(KindInvalidInput, msg) }

// Unauthorized reports a missing or invalid credential.
func Unauthorized(msg string) *Error { return newError(KindUnauthorized, msg) }

// Forbidden reports a principal lacking access to a resource.
func Forbidden(msg string) *Error { return newError(KindForbidden, msg) }

// NotFound reports an unknown record.
func NotFound(msg string) *Error { return newError(KindNotFound, msg) }

// Conflict reports a uniqueness violation.
func Conflict(msg string) *Error { return newError(KindConflict, msg) }

// Expired reports a session code past its expiry.
func Expired(msg string) *Error { return newError(KindExpired, msg) }

// OutOfRange reports a position outside the geofence.
func OutOfRange(msg string) *Error { return newError(KindOutOfRange, msg) }

// Fatal wraps a storage or infrastructure failure. The cause is never shown to clients.
func Fatal(msg string, err error) *Error {
	return &Error{Kind: KindFatal, Message: msg, Err: err}
}

// From extracts an *Error from err.
func From(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindFatal for foreign errors.
func KindOf(err error) Kind {
	if appErr, ok := From(err); ok {
		return appErr.Kind
	}
	return KindFatal
}

// Is reports whether err is an application error of the given kind.
func Is(err error, kind Kind) bool {
	appErr, ok := From(err)
	return ok && appErr.Kind == kind
}

// Status maps a kind to an HTTP status code.
func Status(kind Kind) int {
	switch kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden, KindExpired, KindOutOfRange:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show a client.
func PublicMessage(err error) string {
	appErr, ok := From(err)
	if !ok || appErr.Kind == KindFatal {
		if ok && appErr.Message != "" {
			return appErr.Message
		}
		return "internal server error"
	}
	return appErr.Message
}
