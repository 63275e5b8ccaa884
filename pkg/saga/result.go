package saga

import (
	"encoding/json"
	"time"
)

// StepAction tells the orchestrator what to do after a step executes.
type StepAction string

const (
	// ActionContinue persists the output and moves to the next step, or
	// completes the saga when all steps are done.
	ActionContinue StepAction = "Continue"
	// ActionComplete finishes the saga successfully regardless of
	// remaining steps.
	ActionComplete StepAction = "Complete"
	// ActionCompensate unwinds completed steps in reverse order.
	ActionCompensate StepAction = "Compensate"
	// ActionSuspend parks the saga until Resume is called.
	ActionSuspend StepAction = "Suspend"
	// ActionAbort terminates the saga without compensation.
	ActionAbort StepAction = "Abort"
	// ActionRetry re-invokes the same step after an optional delay.
	ActionRetry StepAction = "Retry"
)

// StepResult is returned by step handlers and consumed by the
// orchestrator.
type StepResult struct {
	Success     bool            `json:"success"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	NextStep    string          `json:"nextStep,omitempty"`
	ShouldRetry bool            `json:"shouldRetry,omitempty"`
	RetryDelay  time.Duration   `json:"retryDelay,omitempty"`
	Action      StepAction      `json:"action"`
	// Data is merged into State.Data when the step succeeds.
	Data map[string]string `json:"data,omitempty"`
}

// Continue builds the common success result.
func Continue() *StepResult {
	return &StepResult{Success: true, Action: ActionContinue}
}

// ContinueWith builds a success result carrying an output payload.
func ContinueWith(output json.RawMessage) *StepResult {
	return &StepResult{Success: true, Action: ActionContinue, Output: output}
}

// Complete builds a result that finishes the saga immediately.
func Complete() *StepResult {
	return &StepResult{Success: true, Action: ActionComplete}
}

// Compensate builds a failure result that triggers compensation.
func Compensate(reason string) *StepResult {
	return &StepResult{Success: false, Action: ActionCompensate, Error: reason}
}

// Suspend builds a result that parks the saga.
func Suspend(reason string) *StepResult {
	return &StepResult{Success: false, Action: ActionSuspend, Error: reason}
}

// Abort builds a result that terminates the saga without compensation.
func Abort(reason string) *StepResult {
	return &StepResult{Success: false, Action: ActionAbort, Error: reason}
}

// Retry builds a result asking for the same step to run again after delay.
func Retry(delay time.Duration) *StepResult {
	return &StepResult{Success: false, Action: ActionRetry, ShouldRetry: true, RetryDelay: delay}
}

// Fail builds a plain failure result, counted as a failed attempt inside
// the retry loop.
func Fail(reason string) *StepResult {
	return &StepResult{Success: false, Action: ActionContinue, Error: reason}
}
