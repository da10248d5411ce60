package mcp

import (
	"errors"
	"fmt"

	"github.com/rpggio/qcflow/internal/apperr"
	"github.com/rpggio/qcflow/internal/workflow"
)

// APIError is the error payload returned by tools.
type APIError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Blocking     bool   `json:"blocking,omitempty"`
	RecoveryHint string `json:"recovery_hint,omitempty"`
}

func (e *APIError) Error() string {
	if e.RecoveryHint == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.RecoveryHint)
}

var codes = map[apperr.Kind]struct {
	code string
	hint string
}{
	apperr.KindValidation:    {"INVALID_INPUT", "Check key, session_id and user_id"},
	apperr.KindNotFound:      {"NOT_FOUND", "Begin a session or check the id"},
	apperr.KindConflict:      {"CONFLICT", "Finish or abort the live step; reset_step clears a failed one"},
	apperr.KindCapacity:      {"CAPACITY", "Complete or abort a live step first"},
	apperr.KindRateLimited:   {"RATE_LIMITED", "Wait a moment and scan again"},
	apperr.KindConfiguration: {"CONFIGURATION", "Check session_type_priority and enabled session types"},
	apperr.KindConsistency:   {"CONSISTENCY", "End the user's sessions and begin again"},
	apperr.KindPersistence:   {"PERSISTENCE", "Retry; check database health"},
}

// MapError maps workflow errors to MCP error codes.
func MapError(err error) *APIError {
	if err == nil {
		return nil
	}
	if errors.Is(err, workflow.ErrClosed) {
		return &APIError{Code: "UNAVAILABLE", Message: "workflow engine is shutting down", Blocking: true}
	}
	kind := apperr.KindOf(err)
	c, ok := codes[kind]
	if !ok {
		c = codes[apperr.KindPersistence]
	}
	return &APIError{
		Code:         c.code,
		Message:      apperr.Message(err),
		Blocking:     kind.Blocking(),
		RecoveryHint: c.hint,
	}
}

func toolError(err error) error {
	if apiErr := MapError(err); apiErr != nil {
		return apiErr
	}
	return nil
}
