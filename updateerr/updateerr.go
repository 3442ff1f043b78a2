// Package updateerr defines the typed error-kind registry surfaced to
// callers of the update engine (§6 "Exit/error kinds"), modeled on the
// teacher's registry/api/errcode: a fixed set of named kinds, each wrapping
// an underlying cause, rather than a sprawl of ad-hoc sentinel errors.
package updateerr

import (
	"errors"
	"fmt"
)

// Kind identifies why an update cycle or validation ended in error.
type Kind string

// The full set of exit/error kinds from §6.
const (
	SignatureInvalid    Kind = "SignatureInvalid"
	PlatformUnsupported Kind = "PlatformUnsupported"
	Downgrade           Kind = "Downgrade"
	HostTooOld          Kind = "HostTooOld"
	NetworkError        Kind = "NetworkError"
	HashMismatch        Kind = "HashMismatch"
	MissingCasEntry     Kind = "MissingCasEntry"
	Cancelled           Kind = "Cancelled"
	Internal            Kind = "Internal"
)

// Error is a Kind-tagged error. Components that need to classify a failure
// for event reporting construct one of these with New or Wrap, passing the
// Kind explicitly, instead of returning a bare error.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}
	if e.cause != nil {
		return string(e.Kind) + ": " + e.cause.Error()
	}
	return string(e.Kind)
}

// Unwrap exposes the wrapped cause, if any, so errors.Is/As work across
// this package's boundary.
func (e *Error) Unwrap() error { return e.cause }

// New constructs a Kind-tagged error with a message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an existing error with kind, preserving it as the cause.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: err.Error(), cause: err}
}

// As extracts a *Error from err, if any exists in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
