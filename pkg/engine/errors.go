package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies an error for retry decisions and user-facing reporting.
type ErrorKind string

const (
	// KindTransport covers connection refused, timeouts and socket failures.
	// Always retryable per policy.
	KindTransport ErrorKind = "transport"

	// KindProtocol indicates a malformed or unexpected response from the API,
	// usually a version mismatch. Never retried.
	KindProtocol ErrorKind = "protocol"

	// KindRemote4xx indicates the server rejected the request (not found,
	// invalid state). Surfaced verbatim, never retried.
	KindRemote4xx ErrorKind = "remote_4xx"

	// KindRemote5xx indicates a server-side failure. Retried with backoff.
	KindRemote5xx ErrorKind = "remote_5xx"

	// KindValidation indicates a precondition the user can fix, detected locally
	// before any network call.
	KindValidation ErrorKind = "validation"

	// KindConflict indicates a concurrent mutation attempt on the same container.
	KindConflict ErrorKind = "conflict"

	// KindNotFound indicates an unknown operation id.
	KindNotFound ErrorKind = "not_found"

	// KindInvalidState indicates an action on an operation that is already terminal.
	KindInvalidState ErrorKind = "invalid_state"

	// KindCancelled is reported for user-initiated cancellation.
	KindCancelled ErrorKind = "cancelled"

	// KindInternal covers everything that could not be classified.
	KindInternal ErrorKind = "internal"
)

// Error is a classified error carrying context about the failed action.
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the HTTP or LXD status code, if any.
	Code int `json:"code,omitempty"`

	// Target is the container name involved, if applicable.
	Target string `json:"target,omitempty"`

	// Operation is the local operation id, if applicable.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Target != "" {
		return fmt.Sprintf("[%s] %s (container=%s)", e.Kind, msg, e.Target)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality so that the sentinel errors below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithTarget adds container context to an error.
func (e *Error) WithTarget(name string) *Error {
	e.Target = name
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(id string) *Error {
	e.Operation = id
	return e
}

// WithCode adds a status code to an error.
func (e *Error) WithCode(code int) *Error {
	e.Code = code
	return e
}

// Sentinels for errors.Is comparisons. Only the kind is compared.
var (
	ErrTransport    = &Error{Kind: KindTransport}
	ErrProtocol     = &Error{Kind: KindProtocol}
	ErrRemote4xx    = &Error{Kind: KindRemote4xx}
	ErrRemote5xx    = &Error{Kind: KindRemote5xx}
	ErrValidation   = &Error{Kind: KindValidation}
	ErrConflict     = &Error{Kind: KindConflict}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrInvalidState = &Error{Kind: KindInvalidState}
	ErrCancelled    = &Error{Kind: KindCancelled}
)

// ErrEngineStopped is returned by intent methods once the event loop has exited.
var ErrEngineStopped = errors.New("engine is not running")

func newError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// NewTransportError creates a new transport error.
func NewTransportError(message string, err error) *Error {
	return newError(KindTransport, message, err)
}

// NewProtocolError creates a new protocol error.
func NewProtocolError(message string, err error) *Error {
	return newError(KindProtocol, message, err)
}

// NewRemoteError classifies a rejected request by its status code.
func NewRemoteError(code int, message string) *Error {
	kind := KindRemote4xx
	if code >= 500 {
		kind = KindRemote5xx
	}
	return newError(kind, message, nil).WithCode(code)
}

// NewValidationError creates a new validation error.
func NewValidationError(message string) *Error {
	return newError(KindValidation, message, nil)
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string) *Error {
	return newError(KindConflict, message, nil)
}

// NewNotFoundError creates a new not-found error.
func NewNotFoundError(message string) *Error {
	return newError(KindNotFound, message, nil)
}

// NewInvalidStateError creates a new invalid-state error.
func NewInvalidStateError(message string) *Error {
	return newError(KindInvalidState, message, nil)
}

// KindOf returns the classification of err. Context cancellation maps to
// KindCancelled, deadline expiry to KindTransport, and anything unclassified
// to KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransport
	}
	return KindInternal
}

// IsRetryable returns true if the error may succeed when re-issued.
// Transport and 5xx errors are retryable.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// Retryable reports whether errors of this kind are retried.
func (k ErrorKind) Retryable() bool {
	return k == KindTransport || k == KindRemote5xx
}

// IsConflict returns true if the error is a per-container conflict.
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}

// IsValidation returns true if the error is a validation error.
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// IsNotFound returns true if the error reports an unknown operation.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
