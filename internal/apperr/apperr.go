package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	Internal Kind = iota
	InvalidInput
	NotFound
	Integrity
	OutOfMemory
	RemoteAccessDenied
	RemoteUnavailable
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case NotFound:
		return "not_found"
	case Integrity:
		return "integrity"
	case OutOfMemory:
		return "out_of_memory"
	case RemoteAccessDenied:
		return "remote_access_denied"
	case RemoteUnavailable:
		return "remote_unavailable"
	default:
		return "internal"
	}
}

// Error carries a user-facing Message and the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Invalid(format string, args ...any) *Error {
	return New(InvalidInput, fmt.Sprintf(format, args...))
}

func Missing(format string, args ...any) *Error {
	return New(NotFound, fmt.Sprintf(format, args...))
}

// KindOf reports Internal for errors that were never classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the user-facing text, falling back to err.Error().
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
