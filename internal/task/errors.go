package task

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the task subsystem.
var (
	// ErrTaskNotFound indicates the referenced task record does not exist
	// (or, for ResetForRetry, is not in failed status).
	ErrTaskNotFound = errors.New("task not found")

	// ErrDuplicateTask indicates a task record with the same ID already
	// exists in the store.
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrHandlerNotRegistered indicates no handler is registered for a
	// message's agent type. Such messages go straight to the dead-letter
	// queue and are never retried automatically.
	ErrHandlerNotRegistered = errors.New("no handler registered for agent type")

	// ErrAlreadyRunning is returned when starting a component twice.
	ErrAlreadyRunning = errors.New("already running")
)

// ValidationError indicates a task's input payload is structurally invalid.
// Validation failures are permanent: the orchestrator never schedules an
// automatic retry for them.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid task input: " + e.Reason
}

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
