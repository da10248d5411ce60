package session

import "errors"

var (
	// ErrSessionNotFound indicates the session doesn't exist or is no longer active.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotAvailable is returned by a Store when a session type cannot be opened.
	ErrNotAvailable = errors.New("session type not available")
	// ErrInvalidInput indicates invalid session input.
	ErrInvalidInput = errors.New("invalid session input")
)
