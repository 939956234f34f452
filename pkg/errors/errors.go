package errors

import (
	"errors"
	"fmt"
)

// Error codes
const (
	// Processing error taxonomy
	ErrTransientIO        = "TRANSIENT_IO"
	ErrValidation         = "VALIDATION_ERROR"
	ErrDependencyFailure  = "DEPENDENCY_FAILURE"
	ErrFatalConfiguration = "FATAL_CONFIGURATION"

	// Registry / lifecycle errors
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrAlreadyCompleted   = "ALREADY_COMPLETED"
	ErrRunCancelled       = "RUN_CANCELLED"
	ErrInvalidTransition  = "INVALID_TRANSITION"
	ErrCheckpointRejected = "CHECKPOINT_REJECTED"

	// Artifact store errors
	ErrLockHeld        = "LOCK_HELD"
	ErrArtifactMissing = "ARTIFACT_MISSING"
	ErrDatabaseError   = "DATABASE_ERROR"
	ErrStorageError    = "STORAGE_ERROR"

	// Orchestrator errors
	ErrUnitTimeout  = "UNIT_TIMEOUT"
	ErrPhaseFailed  = "PHASE_FAILED"
	ErrGraphInvalid = "GRAPH_INVALID"

	ErrInternal = "INTERNAL_ERROR"
)

// EngineError represents a structured engine error
type EngineError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// New creates a new engine error
func New(code, message string, details map[string]interface{}) *EngineError {
	return &EngineError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Wrap creates a new engine error with a cause
func Wrap(code, message string, cause error, details map[string]interface{}) *EngineError {
	return &EngineError{
		Code:    code,
		Message: message,
		Details: details,
		Cause:   cause,
	}
}

// Predefined constructors for common cases

// TransientIO creates a retryable I/O error
func TransientIO(message string, cause error) *EngineError {
	return Wrap(ErrTransientIO, message, cause, nil)
}

// Validation creates a validation error (never retried)
func Validation(message string, details map[string]interface{}) *EngineError {
	return New(ErrValidation, message, details)
}

// DependencyFailure marks a unit or phase failed because a predecessor failed
func DependencyFailure(message string, details map[string]interface{}) *EngineError {
	return New(ErrDependencyFailure, message, details)
}

// FatalConfiguration creates a non-retryable configuration defect error
func FatalConfiguration(message string, cause error) *EngineError {
	return Wrap(ErrFatalConfiguration, message, cause, nil)
}

// NotFound creates a not found error
func NotFound(message string) *EngineError {
	return New(ErrNotFound, message, nil)
}

// Conflict creates a conflict error
func Conflict(message string) *EngineError {
	return New(ErrConflict, message, nil)
}

// AlreadyCompleted marks a resume attempt whose output already exists
func AlreadyCompleted(message string, details map[string]interface{}) *EngineError {
	return New(ErrAlreadyCompleted, message, details)
}

// InvalidTransition marks an illegal run status transition
func InvalidTransition(from, to string) *EngineError {
	return New(ErrInvalidTransition, fmt.Sprintf("illegal run transition %s -> %s", from, to), map[string]interface{}{
		"from": from,
		"to":   to,
	})
}

// CheckpointRejected marks a checkpoint write that would move progress backward
func CheckpointRejected(message string, details map[string]interface{}) *EngineError {
	return New(ErrCheckpointRejected, message, details)
}

// LockHeld marks a per-address computation lock already held elsewhere
func LockHeld(message string) *EngineError {
	return New(ErrLockHeld, message, nil)
}

// Database creates a database error
func Database(message string, cause error) *EngineError {
	return Wrap(ErrDatabaseError, message, cause, nil)
}

// Storage creates a blob storage error
func Storage(message string, cause error) *EngineError {
	return Wrap(ErrStorageError, message, cause, nil)
}

// UnitTimeout marks an analyzer unit that exceeded its deadline
func UnitTimeout(unit string, details map[string]interface{}) *EngineError {
	return New(ErrUnitTimeout, fmt.Sprintf("analyzer unit %s timed out", unit), details)
}

// GraphInvalid marks a phase graph that fails static validation
func GraphInvalid(message string, details map[string]interface{}) *EngineError {
	return New(ErrGraphInvalid, message, details)
}

// Internal creates an internal error
func Internal(message string, cause error) *EngineError {
	return Wrap(ErrInternal, message, cause, nil)
}

// AsEngineError converts an error to EngineError if possible
func AsEngineError(err error) (*EngineError, bool) {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr, true
	}
	return nil, false
}

// Code returns the engine error code, or INTERNAL_ERROR for foreign errors
func Code(err error) string {
	if engErr, ok := AsEngineError(err); ok {
		return engErr.Code
	}
	return ErrInternal
}

// Retryable reports whether the unit retry policy applies to err.
// Only transient I/O failures are retried; timeouts are handled by
// the orchestrator's criticality rules, everything else surfaces.
func Retryable(err error) bool {
	if engErr, ok := AsEngineError(err); ok {
		return engErr.Code == ErrTransientIO || engErr.Code == ErrStorageError
	}
	return false
}

// Error type checking functions

func IsTransientIO(err error) bool {
	if engErr, ok := AsEngineError(err); ok {
		return engErr.Code == ErrTransientIO
	}
	return false
}

func IsValidation(err error) bool {
	if engErr, ok := AsEngineError(err); ok {
		return engErr.Code == ErrValidation
	}
	return false
}

func IsDependencyFailure(err error) bool {
	if engErr, ok := AsEngineError(err); ok {
		return engErr.Code == ErrDependencyFailure
	}
	return false
}

func IsFatalConfiguration(err error) bool {
	if engErr, ok := AsEngineError(err); ok {
		return engErr.Code == ErrFatalConfiguration
	}
	return false
}

func IsNotFound(err error) bool {
	if engErr, ok := AsEngineError(err); ok {
		return engErr.Code == ErrNotFound
	}
	return false
}

func IsConflict(err error) bool {
	if engErr, ok := AsEngineError(err); ok {
		return engErr.Code == ErrConflict
	}
	return false
}

func IsAlreadyCompleted(err error) bool {
	if engErr, ok := AsEngineError(err); ok {
		return engErr.Code == ErrAlreadyCompleted
	}
	return false
}

func IsLockHeld(err error) bool {
	if engErr, ok := AsEngineError(err); ok {
		return engErr.Code == ErrLockHeld
	}
	return false
}

func IsUnitTimeout(err error) bool {
	if engErr, ok := AsEngineError(err); ok {
		return engErr.Code == ErrUnitTimeout
	}
	return false
}

func IsCheckpointRejected(err error) bool {
	if engErr, ok := AsEngineError(err); ok {
		return engErr.Code == ErrCheckpointRejected
	}
	return false
}
