// Package apperr defines the error kinds surfaced across the chat core.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	Validation         Kind = "validation"
	QuotaExceeded      Kind = "quota_exceeded"
	Provider           Kind = "provider"
	Persistence        Kind = "persistence"
	PreferenceConflict Kind = "preference_conflict"
	NotFound           Kind = "not_found"
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind      Kind
	Op        string
	Msg       string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Retry marks the error as retryable by the caller.
func (e *Error) Retry() *Error {
	e.Retryable = true
	return e
}

// KindOf reports the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

// Message returns the user facing part of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Msg != "" {
			return e.Msg
		}
		if e.Err != nil {
			return e.Err.Error()
		}
		return string(e.Kind)
	}
	return err.Error()
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case QuotaExceeded:
		return http.StatusTooManyRequests
	case Provider:
		return http.StatusBadGateway
	case PreferenceConflict:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
