package qcstep

import "strings"

// MaxKeyLength is the longest scan key accepted, in bytes.
const MaxKeyLength = 512

// ValidateScan validates the identifying fields of a scan.
func ValidateScan(scan Scan) error {
	if key := strings.TrimSpace(scan.Key); key == "" || len(key) > MaxKeyLength {
		return ErrInvalidInput
	}
	if strings.TrimSpace(scan.SessionID) == "" {
		return ErrInvalidInput
	}
	if strings.TrimSpace(scan.UserID) == "" {
		return ErrInvalidInput
	}
	if r := scan.Details.Rating; r != nil && (*r < 1 || *r > 5) {
		return ErrInvalidInput
	}
	if d := scan.Details.DefectsFound; d != nil && *d < 0 {
		return ErrInvalidInput
	}
	return nil
}

// ValidateTransition validates a requested status change. Idle stands for a
// key with no live entry, so reset is a transition back to StatusIdle.
func ValidateTransition(from, to Status) error {
	valid := false
	switch from {
	case StatusIdle:
		valid = to == StatusActive
	case StatusActive:
		switch to {
		case StatusCompleted, StatusAborted, StatusOverdue, StatusError:
			valid = true
		}
	case StatusOverdue:
		switch to {
		case StatusCompleted, StatusAborted, StatusError:
			valid = true
		}
	case StatusCompleted, StatusAborted, StatusError:
		valid = to == StatusIdle
	}

	if !valid {
		return ErrInvalidTransition
	}
	return nil
}
