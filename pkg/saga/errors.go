package saga

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is() support.
var (
	ErrStepExecution     = errors.New("step execution failed")
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrPersistence       = errors.New("persistence failure")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Error codes attached to framework errors.
const (
	ErrCodeStepExecution     = "STEP_EXECUTION_FAILED"
	ErrCodeValidation        = "VALIDATION_FAILED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodePersistence       = "PERSISTENCE_FAILURE"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
)

// SagaError is the base type for all framework errors.
type SagaError struct {
	Code    string
	Message string
	Cause   error
}

func (e *SagaError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *SagaError) Unwrap() error {
	return e.Cause
}

// StepExecutionError reports a step that exhausted its retry budget. The
// saga escalates to Failed when it surfaces.
type StepExecutionError struct {
	SagaError
	SagaID   string
	StepName string
	Attempts int
}

// NewStepExecutionError wraps the last attempt error of an exhausted step.
func NewStepExecutionError(sagaID, stepName string, attempts int, cause error) *StepExecutionError {
	return &StepExecutionError{
		SagaError: SagaError{
			Code:    ErrCodeStepExecution,
			Message: fmt.Sprintf("step '%s' of saga '%s' failed after %d attempts", stepName, sagaID, attempts),
			Cause:   cause,
		},
		SagaID:   sagaID,
		StepName: stepName,
		Attempts: attempts,
	}
}

func (e *StepExecutionError) Is(target error) bool {
	return target == ErrStepExecution
}

// ValidationError reports bad caller input. It fails fast and is never
// retried.
type ValidationError struct {
	SagaError
	Field string
}

// NewValidationError builds a ValidationError for the named field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		SagaError: SagaError{
			Code:    ErrCodeValidation,
			Message: fmt.Sprintf("%s: %s", field, message),
		},
		Field: field,
	}
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NotFoundError reports a missing handler or saga. Fatal for the instance,
// no retry.
type NotFoundError struct {
	SagaError
	Kind string
	Name string
}

// NewNotFoundError builds a NotFoundError for the given kind ("handler",
// "saga", "orchestrator") and name.
func NewNotFoundError(kind, name string) *NotFoundError {
	return &NotFoundError{
		SagaError: SagaError{
			Code:    ErrCodeNotFound,
			Message: fmt.Sprintf("%s '%s' not found", kind, name),
		},
		Kind: kind,
		Name: name,
	}
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// PersistenceError wraps a save/load failure. The framework performs no
// automatic retry here; it propagates to the caller.
type PersistenceError struct {
	SagaError
	Op     string
	SagaID string
}

// NewPersistenceError wraps a storage failure for the given operation.
func NewPersistenceError(op, sagaID string, cause error) *PersistenceError {
	return &PersistenceError{
		SagaError: SagaError{
			Code:    ErrCodePersistence,
			Message: fmt.Sprintf("%s saga '%s'", op, sagaID),
			Cause:   cause,
		},
		Op:     op,
		SagaID: sagaID,
	}
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// InvalidTransitionError reports an illegal status transition. This is a
// programmer error, not a soft failure.
type InvalidTransitionError struct {
	SagaError
	SagaID string
	From   Status
	To     Status
}

// NewInvalidTransitionError builds an InvalidTransitionError.
func NewInvalidTransitionError(sagaID string, from, to Status) *InvalidTransitionError {
	return &InvalidTransitionError{
		SagaError: SagaError{
			Code:    ErrCodeInvalidTransition,
			Message: fmt.Sprintf("saga '%s' cannot move from %s to %s", sagaID, from, to),
		},
		SagaID: sagaID,
		From:   from,
		To:     to,
	}
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

var (
	_ error = (*StepExecutionError)(nil)
	_ error = (*ValidationError)(nil)
	_ error = (*NotFoundError)(nil)
	_ error = (*PersistenceError)(nil)
	_ error = (*InvalidTransitionError)(nil)
)
