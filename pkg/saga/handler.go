package saga

import "context"

// StepHandler executes and compensates one named step. Implementations
// live entirely in business code; the framework resolves them by step name
// from a registry built at construction time.
type StepHandler interface {
	// StepName is the unique name this handler is registered under.
	StepName() string

	// Execute runs the step's forward action against the saga state.
	Execute(ctx context.Context, state *State) (*StepResult, error)

	// Compensate undoes a previously completed execution of this step.
	Compensate(ctx context.Context, state *State) (*StepResult, error)

	// CanExecute reports whether the step may run given the current state.
	CanExecute(ctx context.Context, state *State) bool

	// CanCompensate reports whether the step may be compensated.
	CanCompensate(ctx context.Context, state *State) bool
}
