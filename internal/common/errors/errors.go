// Package errors provides the coded error type shared by every layer of the
// service. Handlers map codes to transport status; services and repositories
// only ever return *Error (or wrap driver errors into one).
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies an error for callers and transports.
type Code string

const (
	ErrCodeValidation           Code = "VALIDATION"
	ErrCodeNotFound             Code = "NOT_FOUND"
	ErrCodeInvalidTransition    Code = "INVALID_TRANSITION"
	ErrCodeUnauthorizedApprover Code = "UNAUTHORIZED_APPROVER"
	ErrCodeSelfApproval         Code = "SELF_APPROVAL"
	ErrCodeDuplicateApproval    Code = "DUPLICATE_APPROVAL"
	ErrCodeInsufficientBalance  Code = "INSUFFICIENT_BALANCE"
	ErrCodeConflict             Code = "CONFLICT"
	ErrCodeUnavailable          Code = "UNAVAILABLE"
	ErrCodeInternal             Code = "INTERNAL"
)

// Error is a coded, user-actionable failure.
type Error struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code, so
// errors.Is(err, &Error{Code: ErrCodeConflict}) works through wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error. Wrapping an error
// that already carries a code keeps the original code.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	var coded *Error
	if stderrors.As(err, &coded) {
		return &Error{Code: coded.Code, Message: message, Field: coded.Field, Err: err}
	}
	return &Error{Code: code, Message: message, Err: err}
}

// InvalidInput reports a caller mistake on a specific field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeValidation, Field: field, Message: message}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// InvalidTransition reports a status change the state machine rejects.
func InvalidTransition(resourceType, from, to, reason string) *Error {
	msg := fmt.Sprintf("%s cannot move from %s to %s", resourceType, from, to)
	if reason != "" {
		msg += " (" + reason + ")"
	}
	return &Error{Code: ErrCodeInvalidTransition, Message: msg}
}

// Conflict reports a lost concurrent update; the caller should re-read and retry.
func Conflict(message string) *Error {
	return &Error{Code: ErrCodeConflict, Message: message}
}

// Unavailable reports a dependency failure that is safe to retry.
func Unavailable(err error, message string) *Error {
	return &Error{Code: ErrCodeUnavailable, Message: message, Err: err}
}

// CodeOf returns the code carried by err, or ErrCodeInternal.
func CodeOf(err error) Code {
	var coded *Error
	if stderrors.As(err, &coded) {
		return coded.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// IsRetryable reports whether the whole operation may be retried unchanged.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeConflict, ErrCodeUnavailable:
		return true
	default:
		return false
	}
}

// As is errors.As from the standard library, re-exported so callers need a
// single errors import.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}
