package qcstep

import "errors"

var (
	// ErrStepNotFound indicates no live step exists for a scan key.
	ErrStepNotFound = errors.New("qc step not found")
	// ErrInvalidTransition indicates a transition not allowed by the step state machine.
	ErrInvalidTransition = errors.New("invalid qc step transition")
	// ErrInvalidInput indicates invalid scan input.
	ErrInvalidInput = errors.New("invalid qc step input")
)
