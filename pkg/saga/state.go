// Package saga defines the persisted saga state model, the step handler
// contract and the lifecycle event taxonomy shared by every component of
// the orchestration framework.
//
// A saga is a long-running workflow composed of ordered steps. Each step
// carries its own success/failure outcome and an optional compensating
// action; a failed saga is recovered by compensating completed steps in
// reverse completion order rather than by atomic rollback.
package saga

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a saga instance.
type Status string

const (
	StatusNotStarted   Status = "NOT_STARTED"
	StatusRunning      Status = "RUNNING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
	StatusSuspended    Status = "SUSPENDED"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusAborted      Status = "ABORTED"
)

// StepStatus is the lifecycle state of a single step record.
type StepStatus string

const (
	StepPending            StepStatus = "PENDING"
	StepRunning            StepStatus = "RUNNING"
	StepCompleted          StepStatus = "COMPLETED"
	StepFailed             StepStatus = "FAILED"
	StepSkipped            StepStatus = "SKIPPED"
	StepCompensating       StepStatus = "COMPENSATING"
	StepCompensated        StepStatus = "COMPENSATED"
	StepCompensationFailed StepStatus = "COMPENSATION_FAILED"
)

// CompensationStatus is the outcome of one compensation attempt record.
type CompensationStatus string

const (
	CompensationPending   CompensationStatus = "PENDING"
	CompensationRunning   CompensationStatus = "RUNNING"
	CompensationCompleted CompensationStatus = "COMPLETED"
	CompensationFailed    CompensationStatus = "FAILED"
)

// Timeout actions understood by HandleTimeout.
const (
	TimeoutActionCompensate = "Compensate"
	TimeoutActionAbort      = "Abort"
)

// DefaultMaxRetries bounds per-step execution attempts when a step does not
// set its own limit.
const DefaultMaxRetries = 3

// State is the persisted entity representing one workflow instance. It is
// created by the caller, exclusively mutated by the orchestrator and saved
// after every transition.
type State struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Status        Status            `json:"status"`
	CurrentStep   string            `json:"currentStep,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	LastUpdatedAt time.Time         `json:"lastUpdatedAt"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
	Version       int64             `json:"version"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Data          map[string]string `json:"data,omitempty"`
	Steps         []*Step           `json:"steps,omitempty"`
	Compensations []*Compensation   `json:"compensations,omitempty"`
	Metadata      Metadata          `json:"metadata"`
}

// Step is one orchestrated unit of work inside a saga.
type Step struct {
	Name               string          `json:"name"`
	StepType           string          `json:"stepType,omitempty"`
	Status             StepStatus      `json:"status"`
	StartedAt          *time.Time      `json:"startedAt,omitempty"`
	CompletedAt        *time.Time      `json:"completedAt,omitempty"`
	Input              json.RawMessage `json:"input,omitempty"`
	Output             json.RawMessage `json:"output,omitempty"`
	RetryCount         int             `json:"retryCount"`
	MaxRetries         int             `json:"maxRetries"`
	Timeout            time.Duration   `json:"timeout,omitempty"`
	CompensationAction string          `json:"compensationAction,omitempty"`
	IsCompensable      bool            `json:"isCompensable"`
}

// Compensation records one reverse action executed while unwinding a saga.
type Compensation struct {
	StepName     string             `json:"stepName"`
	Action       string             `json:"action,omitempty"`
	Status       CompensationStatus `json:"status"`
	ExecutedAt   *time.Time         `json:"executedAt,omitempty"`
	ErrorMessage string             `json:"errorMessage,omitempty"`
	RetryCount   int                `json:"retryCount"`
	Input        json.RawMessage    `json:"input,omitempty"`
	Output       json.RawMessage    `json:"output,omitempty"`
}

// Metadata carries saga-scoped context that is not part of the step graph.
type Metadata struct {
	Initiator       string            `json:"initiator,omitempty"`
	BusinessContext map[string]string `json:"businessContext,omitempty"`
	Timeout         time.Duration     `json:"timeout,omitempty"`
	TimeoutAction   string            `json:"timeoutAction,omitempty"`
	Priority        int               `json:"priority"`
	ParentSagaID    string            `json:"parentSagaId,omitempty"`
	ChildSagaIDs    []string          `json:"childSagaIds,omitempty"`
}

// NewState builds a fresh saga instance of the given type with a generated
// ID. The caller appends steps and metadata before handing it to Start.
func NewState(sagaType string) *State {
	return &State{
		ID:     uuid.NewString(),
		Type:   sagaType,
		Status: StatusNotStarted,
		Data:   make(map[string]string),
	}
}

// NewStep builds a pending, compensable step with the default retry budget.
func NewStep(name string) *Step {
	return &Step{
		Name:          name,
		Status:        StepPending,
		MaxRetries:    DefaultMaxRetries,
		IsCompensable: true,
	}
}

// AddStep appends a step definition to the saga.
func (s *State) AddStep(step *Step) *State {
	s.Steps = append(s.Steps, step)
	return s
}

// Touch records a mutation: LastUpdatedAt moves to now and Version is
// incremented by exactly one. Every mutation path must call it before the
// state is saved.
func (s *State) Touch() {
	s.LastUpdatedAt = time.Now().UTC()
	s.Version++
}

// validTransitions is the saga status state machine. An absent entry means
// the status is terminal.
var validTransitions = map[Status][]Status{
	StatusNotStarted:   {StatusRunning, StatusAborted},
	StatusRunning:      {StatusCompleted, StatusFailed, StatusCompensating, StatusSuspended, StatusTimedOut, StatusAborted},
	StatusFailed:       {StatusCompensating},
	StatusCompensating: {StatusCompensated},
	StatusSuspended:    {StatusRunning, StatusTimedOut, StatusAborted},
	StatusTimedOut:     {StatusCompensating, StatusAborted},
}

// CanTransition reports whether moving from the current status to next is
// legal under the state machine.
func (s *State) CanTransition(next Status) bool {
	for _, allowed := range validTransitions[s.Status] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TransitionTo moves the saga to the next status or fails with
// ErrInvalidTransition. An invalid transition is a programmer error, not a
// business outcome.
func (s *State) TransitionTo(next Status) error {
	if !s.CanTransition(next) {
		return NewInvalidTransitionError(s.ID, s.Status, next)
	}
	s.Status = next
	return nil
}

// IsTerminal reports whether the saga can make no further transition.
func (s *State) IsTerminal() bool {
	return len(validTransitions[s.Status]) == 0
}

// StepByName returns the step record with the given name, or nil.
func (s *State) StepByName(name string) *Step {
	for _, st := range s.Steps {
		if st.Name == name {
			return st
		}
	}
	return nil
}

// NextPendingStep returns the first step still pending in definition order,
// or nil when none remain.
func (s *State) NextPendingStep() *Step {
	for _, st := range s.Steps {
		if st.Status == StepPending {
			return st
		}
	}
	return nil
}

// AllStepsDone reports whether every step reached Completed or Skipped.
func (s *State) AllStepsDone() bool {
	for _, st := range s.Steps {
		if st.Status != StepCompleted && st.Status != StepSkipped {
			return false
		}
	}
	return true
}

// CompensableSteps returns the steps eligible for compensation, most
// recently completed first. Only steps that are Completed and compensable
// qualify.
func (s *State) CompensableSteps() []*Step {
	var eligible []*Step
	for _, st := range s.Steps {
		if st.Status == StepCompleted && st.IsCompensable {
			eligible = append(eligible, st)
		}
	}
	// Reverse completion order: latest CompletedAt first. Steps complete
	// sequentially, so a stable ordering by CompletedAt is sufficient.
	for i := 0; i < len(eligible)/2; i++ {
		j := len(eligible) - 1 - i
		eligible[i], eligible[j] = eligible[j], eligible[i]
	}
	return eligible
}

// HasCompensableSteps reports whether any completed step can be compensated.
func (s *State) HasCompensableSteps() bool {
	for _, st := range s.Steps {
		if st.Status == StepCompleted && st.IsCompensable {
			return true
		}
	}
	return false
}

// Deadline returns the absolute point at which the saga times out, and
// whether a timeout is configured at all.
func (s *State) Deadline() (time.Time, bool) {
	if s.Metadata.Timeout <= 0 || s.CreatedAt.IsZero() {
		return time.Time{}, false
	}
	return s.CreatedAt.Add(s.Metadata.Timeout), true
}

// MarkRunning moves the step to Running. StartedAt is set exactly once, on
// first entry.
func (st *Step) MarkRunning(now time.Time) {
	st.Status = StepRunning
	if st.StartedAt == nil {
		t := now
		st.StartedAt = &t
	}
}

// finish moves the step to a terminal per-step status. CompletedAt is set
// exactly once.
func (st *Step) finish(status StepStatus, now time.Time) {
	st.Status = status
	if st.CompletedAt == nil {
		t := now
		st.CompletedAt = &t
	}
}

// MarkCompleted finishes the step successfully.
func (st *Step) MarkCompleted(now time.Time) { st.finish(StepCompleted, now) }

// MarkFailed finishes the step as failed.
func (st *Step) MarkFailed(now time.Time) { st.finish(StepFailed, now) }

// MarkSkipped finishes the step as skipped.
func (st *Step) MarkSkipped(now time.Time) { st.finish(StepSkipped, now) }

// EffectiveMaxRetries returns the per-step attempt bound, falling back to
// the framework default.
func (st *Step) EffectiveMaxRetries() int {
	if st.MaxRetries > 0 {
		return st.MaxRetries
	}
	return DefaultMaxRetries
}
