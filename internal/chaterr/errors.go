// Package chaterr defines the error kinds shared by every ToolChat component.
//
// Each kind has a sentinel usable with errors.Is. Components return *Error
// values, which carry the kind, the failing operation and an optional cause.
package chaterr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure.
type Kind string

const (
	KindConfiguration     Kind = "ConfigurationError"
	KindTransport         Kind = "TransportError"
	KindMalformedResponse Kind = "MalformedResponseError"
	KindToolExecution     Kind = "ToolExecutionError"
	KindUnknownTool       Kind = "UnknownTool"
	KindDuplicateTool     Kind = "DuplicateTool"
	KindProtocolViolation Kind = "ProtocolViolation"
	KindLoopLimitExceeded Kind = "LoopLimitExceeded"
	KindSessionNotFound   Kind = "SessionNotFound"
	KindSessionBusy       Kind = "SessionBusy"
	KindUnknownModel      Kind = "UnknownModel"
	KindCancelled         Kind = "Cancelled"
)

var (
	ErrConfiguration     = errors.New("configuration error")
	ErrTransport         = errors.New("transport error")
	ErrMalformedResponse = errors.New("malformed model response")
	ErrToolExecution     = errors.New("tool execution failed")
	ErrUnknownTool       = errors.New("unknown tool")
	ErrDuplicateTool     = errors.New("duplicate tool")
	ErrProtocolViolation = errors.New("message protocol violation")
	ErrLoopLimitExceeded = errors.New("tool loop limit exceeded")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionBusy       = errors.New("session busy")
	ErrUnknownModel      = errors.New("unknown model")
	ErrCancelled         = errors.New("cancelled")

	// ErrCredential is the cause of a ConfigurationError raised when a
	// model's API key cannot be resolved.
	ErrCredential = errors.New("credential unavailable")
)

var sentinels = map[Kind]error{
	KindConfiguration:     ErrConfiguration,
	KindTransport:         ErrTransport,
	KindMalformedResponse: ErrMalformedResponse,
	KindToolExecution:     ErrToolExecution,
	KindUnknownTool:       ErrUnknownTool,
	KindDuplicateTool:     ErrDuplicateTool,
	KindProtocolViolation: ErrProtocolViolation,
	KindLoopLimitExceeded: ErrLoopLimitExceeded,
	KindSessionNotFound:   ErrSessionNotFound,
	KindSessionBusy:       ErrSessionBusy,
	KindUnknownModel:      ErrUnknownModel,
	KindCancelled:         ErrCancelled,
}

// Sentinel returns the sentinel error for a kind, or nil for an unknown kind.
func Sentinel(k Kind) error {
	return sentinels[k]
}

// Error is the typed error returned across component boundaries.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail())
}

// Detail is the error text without the kind prefix
func (e *Error) Detail() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

// Unwrap exposes both the kind's sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := Sentinel(e.Kind); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// New creates an error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around a cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf creates an error of the given kind with a message and a cause.
func Wrapf(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the kind of err. Errors that are not *Error and wrap no
// sentinel report the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for k, s := range sentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	return ""
}

// Detail returns the text of err without a kind prefix
func Detail(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail()
	}
	return err.Error()
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a failed model call may be attempted again.
func Retryable(err error) bool {
	return KindOf(err) == KindTransport
}

// Credential builds the ConfigurationError returned when a model has no
// resolvable API key.
func Credential(model, envVar string) *Error {
	return &Error{
		Kind:    KindConfiguration,
		Op:      "resolve credential",
		Message: fmt.Sprintf("model %q: %s is not set", model, envVar),
		Err:     ErrCredential,
	}
}
