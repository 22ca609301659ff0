package sync

import (
	"errors"
	"fmt"
	"net"

	"pos-sync-service/internal/pos"
)

// ValidationError marks a malformed change or trigger. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid change: " + e.Reason
	}
	return fmt.Sprintf("invalid change: %s %s", e.Field, e.Reason)
}

// TransientProviderError is a network, timeout or 5xx failure.
type TransientProviderError struct{ Err error }

func (e *TransientProviderError) Error() string { return "transient provider error: " + e.Err.Error() }
func (e *TransientProviderError) Unwrap() error { return e.Err }

// PermanentProviderError is a provider rejection that a retry cannot fix.
type PermanentProviderError struct{ Err error }

func (e *PermanentProviderError) Error() string { return "permanent provider error: " + e.Err.Error() }
func (e *PermanentProviderError) Unwrap() error { return e.Err }

// ConflictError means source and POS state diverged for the entity.
type ConflictError struct {
	Err    error
	Remote map[string]any
}

func (e *ConflictError) Error() string { return "sync conflict: " + e.Err.Error() }
func (e *ConflictError) Unwrap() error { return e.Err }

// classify maps a provider error onto the sync error taxonomy.
func classify(err error) error {
	var pe *pos.Error
	if errors.As(err, &pe) {
		switch {
		case pe.Conflict:
			return &ConflictError{Err: err, Remote: pe.Remote}
		case pe.Retryable:
			return &TransientProviderError{Err: err}
		default:
			return &PermanentProviderError{Err: err}
		}
	}
	var ne net.Error
	if pos.IsRetryable(err) || errors.As(err, &ne) {
		return &TransientProviderError{Err: err}
	}
	return &PermanentProviderError{Err: err}
}

func isValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
