// Package apperr defines the error taxonomy shared by the QC workflow core.
// Errors carry a Kind so callers can classify failures without string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	KindValidation    Kind = "validation_error"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindCapacity      Kind = "capacity"
	KindRateLimited   Kind = "rate_limited"
	KindConfiguration Kind = "configuration"
	KindConsistency   Kind = "consistency"
	KindPersistence   Kind = "persistence"
)

// Blocking reports whether the kind means the engine can no longer guarantee its invariants.
func (k Kind) Blocking() bool {
	return k == KindConfiguration || k == KindConsistency
}

// Informational reports whether the kind is a rejection of a single scan rather than a fault.
func (k Kind) Informational() bool {
	switch k {
	case KindCapacity, KindRateLimited, KindConflict:
		return true
	}
	return false
}

// Error is a classified error with operation context.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrConflict      = &Error{Kind: KindConflict}
	ErrCapacity      = &Error{Kind: KindCapacity}
	ErrRateLimited   = &Error{Kind: KindRateLimited}
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrConsistency   = &Error{Kind: KindConsistency}
	ErrPersistence   = &Error{Kind: KindPersistence}
)

// New builds a classified error.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err under kind. A nil err still yields an error.
func Wrap(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf returns the kind of the outermost classified error in the chain.
// Unclassified errors are treated as persistence failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindPersistence
}

// Message returns the human-facing part of a classified error.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
