package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies a failure so callers can branch without string matching.
type Kind int

const (
	Unknown Kind = iota
	NotFound
	InactiveResource
	ValidationError
	ConstraintViolation
	TransportError
	CreationFailed
	PartialCreationFailure
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case InactiveResource:
		return "inactive_resource"
	case ValidationError:
		return "validation_error"
	case ConstraintViolation:
		return "constraint_violation"
	case TransportError:
		return "transport_error"
	case CreationFailed:
		return "creation_failed"
	case PartialCreationFailure:
		return "partial_creation_failure"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Msg is safe to show to end users, Err keeps the cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two *Error values by kind and message, so sentinels survive wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Msg == t.Msg
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Message returns the user-facing text for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	return defaultMessages[Unknown]
}

var defaultMessages = map[Kind]string{
	Unknown:                "something went wrong, please try again",
	NotFound:               "session not found",
	InactiveResource:       "this session is no longer active",
	ValidationError:        "please enter your name",
	ConstraintViolation:    "a record with this id already exists",
	TransportError:         "the service is temporarily unreachable, please try again",
	CreationFailed:         "failed to create session",
	PartialCreationFailure: "session was created without a host and could not be cleaned up",
}

// DefaultMessage is the canonical text for a kind when no specific message applies.
func DefaultMessage(k Kind) string {
	if m, ok := defaultMessages[k]; ok {
		return m
	}
	return defaultMessages[Unknown]
}

func HTTPStatus(k Kind) int {
	switch k {
	case NotFound:
		return http.StatusNotFound
	case InactiveResource:
		return http.StatusGone
	case ValidationError:
		return http.StatusBadRequest
	case ConstraintViolation:
		return http.StatusConflict
	case TransportError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
