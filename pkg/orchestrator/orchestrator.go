// Package orchestrator drives a saga through its step graph: it resolves
// step handlers from a registry built at construction, executes them
// through the retry policy and circuit breaker, persists the mutated state
// after every transition and emits lifecycle events.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/sagakit/sagakit/pkg/logger"
	"github.com/sagakit/sagakit/pkg/resilience"
	"github.com/sagakit/sagakit/pkg/saga"
	"github.com/sagakit/sagakit/pkg/store"
	"github.com/sagakit/sagakit/pkg/tracing"
)

// DeadlineTracker is notified when sagas with a configured timeout start
// and finish, so the timeout manager can scan an in-process deadline map
// without polling storage for every saga.
type DeadlineTracker interface {
	Track(sagaID, sagaType string, deadline time.Time)
	Forget(sagaID string)
}

// Options configures an Orchestrator. Zero values get sensible defaults.
type Options struct {
	// Retry is the backoff policy applied between step attempts.
	Retry resilience.RetryPolicy
	// Breaker, when set, wraps every handler invocation for this saga
	// type. One breaker per saga type.
	Breaker *resilience.CircuitBreaker
	// Publisher receives lifecycle events. Defaults to NopPublisher.
	Publisher saga.EventPublisher
	// Logger defaults to a silent logger.
	Logger *logger.Logger
	// Deadlines, when set, is informed of saga timeouts to watch.
	Deadlines DeadlineTracker
}

// Orchestrator owns the saga state machine for one saga type.
type Orchestrator struct {
	sagaType  string
	handlers  map[string]saga.StepHandler
	store     store.Store
	publisher saga.EventPublisher
	retry     resilience.RetryPolicy
	breaker   *resilience.CircuitBreaker
	log       *logger.Logger
	deadlines DeadlineTracker
	locks     *keyedMutex
}

// New builds an orchestrator for one saga type with its step handler set.
// Handler names must be unique; one handler per step name.
func New(sagaType string, st store.Store, handlers []saga.StepHandler, opts Options) (*Orchestrator, error) {
	if sagaType == "" {
		return nil, saga.NewValidationError("sagaType", "must not be empty")
	}
	if st == nil {
		return nil, saga.NewValidationError("store", "must not be nil")
	}

	byName := make(map[string]saga.StepHandler, len(handlers))
	for _, h := range handlers {
		if h == nil {
			return nil, saga.NewValidationError("handlers", "must not contain nil")
		}
		name := h.StepName()
		if name == "" {
			return nil, saga.NewValidationError("handlers", "handler with empty step name")
		}
		if _, dup := byName[name]; dup {
			return nil, saga.NewValidationError("handlers", "duplicate handler for step "+name)
		}
		byName[name] = h
	}

	publisher := opts.Publisher
	if publisher == nil {
		publisher = saga.NopPublisher{}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	retry := opts.Retry
	if retry.Strategy == "" && retry.BaseDelay == 0 {
		retry = resilience.DefaultRetryPolicy
	}

	return &Orchestrator{
		sagaType:  sagaType,
		handlers:  byName,
		store:     st,
		publisher: publisher,
		retry:     retry,
		breaker:   opts.Breaker,
		log:       log.WithField("sagaType", sagaType),
		deadlines: opts.Deadlines,
		locks:     newKeyedMutex(),
	}, nil
}

// SagaType returns the saga type this orchestrator drives.
func (o *Orchestrator) SagaType() string { return o.sagaType }

// Store returns the persistence backend.
func (o *Orchestrator) Store() store.Store { return o.store }

// HandlerNames lists the registered step handlers.
func (o *Orchestrator) HandlerNames() []string {
	names := make([]string, 0, len(o.handlers))
	for name := range o.handlers {
		names = append(names, name)
	}
	return names
}

// Start begins executing the saga: the status moves to Running, the state
// is persisted, a Started event goes out and the first step runs if any
// are defined. A saga that ends Failed, Aborted, TimedOut or Compensated
// is a normal return - the outcome is read from state.Status; the error is
// non-nil only for programmer errors and persistence failures.
func (o *Orchestrator) Start(ctx context.Context, state *saga.State) error {
	if state == nil {
		return saga.NewValidationError("state", "must not be nil")
	}

	unlock := o.locks.lock(state.ID)
	defer unlock()

	ctx, span := tracing.StartSagaSpan(ctx, "saga.start", state.ID, o.sagaType)
	defer span.End()

	state.CreatedAt = time.Now().UTC()
	if err := state.TransitionTo(saga.StatusRunning); err != nil {
		tracing.SetError(ctx, err)
		return err
	}
	state.Touch()
	if err := o.store.Save(ctx, state); err != nil {
		return err
	}
	o.publish(ctx, state, saga.EventStarted, "", "")

	if deadline, ok := state.Deadline(); ok && o.deadlines != nil {
		o.deadlines.Track(state.ID, state.Type, deadline)
	}

	first := state.NextPendingStep()
	if first == nil {
		return o.completeSaga(ctx, state)
	}
	return o.executeStep(ctx, state, first.Name)
}

// Continue resumes execution at a named step. It is used both for forward
// progression and for post-resume continuation.
func (o *Orchestrator) Continue(ctx context.Context, state *saga.State, stepName string) error {
	if state == nil {
		return saga.NewValidationError("state", "must not be nil")
	}

	unlock := o.locks.lock(state.ID)
	defer unlock()

	if state.Status != saga.StatusRunning {
		return saga.NewInvalidTransitionError(state.ID, state.Status, saga.StatusRunning)
	}
	return o.executeStep(ctx, state, stepName)
}

// Resume is legal only for a suspended saga; it moves the status back to
// Running and continues at CurrentStep.
func (o *Orchestrator) Resume(ctx context.Context, state *saga.State) error {
	if state == nil {
		return saga.NewValidationError("state", "must not be nil")
	}

	unlock := o.locks.lock(state.ID)
	defer unlock()

	if state.Status != saga.StatusSuspended {
		return saga.NewInvalidTransitionError(state.ID, state.Status, saga.StatusRunning)
	}
	if err := state.TransitionTo(saga.StatusRunning); err != nil {
		return err
	}
	state.Touch()
	if err := o.store.Save(ctx, state); err != nil {
		return err
	}
	o.publish(ctx, state, saga.EventResumed, state.CurrentStep, "")

	if state.CurrentStep != "" {
		return o.executeStep(ctx, state, state.CurrentStep)
	}
	next := state.NextPendingStep()
	if next == nil {
		return o.completeSaga(ctx, state)
	}
	return o.executeStep(ctx, state, next.Name)
}

// Suspend parks the saga with a reason recorded in its data bag.
func (o *Orchestrator) Suspend(ctx context.Context, state *saga.State, reason string) error {
	if state == nil {
		return saga.NewValidationError("state", "must not be nil")
	}
	unlock := o.locks.lock(state.ID)
	defer unlock()
	return o.suspend(ctx, state, reason)
}

// Abort terminates the saga without compensation.
func (o *Orchestrator) Abort(ctx context.Context, state *saga.State, reason string) error {
	if state == nil {
		return saga.NewValidationError("state", "must not be nil")
	}
	unlock := o.locks.lock(state.ID)
	defer unlock()
	return o.abort(ctx, state, reason)
}

// Compensate unwinds completed compensable steps in reverse completion
// order. A single compensation failure is recorded on the step and does
// not stop compensation of the remaining steps.
func (o *Orchestrator) Compensate(ctx context.Context, state *saga.State) error {
	if state == nil {
		return saga.NewValidationError("state", "must not be nil")
	}
	unlock := o.locks.lock(state.ID)
	defer unlock()
	return o.compensate(ctx, state)
}

// CanExecuteStep is a pure query: true only when the saga is Running and
// the resolved handler's CanExecute agrees. No side effects.
func (o *Orchestrator) CanExecuteStep(ctx context.Context, state *saga.State, stepName string) bool {
	if state == nil || state.Status != saga.StatusRunning {
		return false
	}
	handler, ok := o.handlers[stepName]
	if !ok {
		return false
	}
	return handler.CanExecute(ctx, state)
}

// HandleTimeout marks the saga TimedOut, persists it and then executes the
// configured timeout action: Compensate, Abort, or nothing beyond a
// TimedOut event.
func (o *Orchestrator) HandleTimeout(ctx context.Context, state *saga.State) error {
	if state == nil {
		return saga.NewValidationError("state", "must not be nil")
	}

	unlock := o.locks.lock(state.ID)
	defer unlock()

	if err := state.TransitionTo(saga.StatusTimedOut); err != nil {
		return err
	}
	state.Touch()
	if err := o.store.Save(ctx, state); err != nil {
		return err
	}
	if o.deadlines != nil {
		o.deadlines.Forget(state.ID)
	}

	switch state.Metadata.TimeoutAction {
	case saga.TimeoutActionCompensate:
		return o.compensate(ctx, state)
	case saga.TimeoutActionAbort:
		return o.abort(ctx, state, "timeout")
	default:
		o.publish(ctx, state, saga.EventTimedOut, "", "")
		return nil
	}
}

// executeStep runs one step through the retry policy and, when
// configured, the circuit breaker. Callers hold the per-saga lock.
func (o *Orchestrator) executeStep(ctx context.Context, state *saga.State, stepName string) error {
	if stepName == "" {
		return saga.NewValidationError("stepName", "must not be empty")
	}
	step := state.StepByName(stepName)
	if step == nil {
		return saga.NewNotFoundError("step", stepName)
	}
	handler, ok := o.handlers[stepName]
	if !ok {
		return saga.NewNotFoundError("handler", stepName)
	}

	ctx, span := tracing.StartSagaSpan(ctx, "saga.step."+stepName, state.ID, o.sagaType)
	defer span.End()

	now := time.Now().UTC()
	step.MarkRunning(now)
	state.CurrentStep = stepName
	state.Touch()
	if err := o.store.Save(ctx, state); err != nil {
		return err
	}
	o.publish(ctx, state, saga.EventStepStarted, stepName, "")

	maxAttempts := step.EffectiveMaxRetries()
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		result, err := o.invoke(ctx, handler, state)
		if err != nil {
			// Handler errors (and breaker rejections) are failed
			// attempts inside the retry loop.
			lastErr = err
			step.RetryCount = attempt
			if attempt < maxAttempts {
				if err := o.retry.Sleep(ctx, attempt); err != nil {
					return err
				}
			}
			continue
		}

		switch result.Action {
		case saga.ActionRetry:
			lastErr = resultError(result)
			step.RetryCount = attempt
			if attempt < maxAttempts {
				if err := o.sleepForRetry(ctx, result, attempt); err != nil {
					return err
				}
			}
			continue

		case saga.ActionComplete:
			o.recordStepSuccess(state, step, result)
			if err := o.store.Save(ctx, state); err != nil {
				return err
			}
			o.publish(ctx, state, saga.EventStepCompleted, stepName, "")
			return o.completeSaga(ctx, state)

		case saga.ActionCompensate:
			step.MarkFailed(time.Now().UTC())
			state.Touch()
			if err := o.store.Save(ctx, state); err != nil {
				return err
			}
			o.publish(ctx, state, saga.EventStepFailed, stepName, result.Error)
			return o.compensate(ctx, state)

		case saga.ActionSuspend:
			// The step re-runs from scratch after Resume; StartedAt
			// stays from the first entry.
			step.Status = saga.StepPending
			return o.suspend(ctx, state, result.Error)

		case saga.ActionAbort:
			step.MarkFailed(time.Now().UTC())
			return o.abort(ctx, state, result.Error)

		default: // ActionContinue
			if !result.Success {
				lastErr = resultError(result)
				step.RetryCount = attempt
				if attempt < maxAttempts {
					if err := o.retry.Sleep(ctx, attempt); err != nil {
						return err
					}
				}
				continue
			}
			o.recordStepSuccess(state, step, result)
			if err := o.store.Save(ctx, state); err != nil {
				return err
			}
			o.publish(ctx, state, saga.EventStepCompleted, stepName, "")

			next := o.nextStep(state, result)
			if next == "" {
				return o.completeSaga(ctx, state)
			}
			return o.executeStep(ctx, state, next)
		}
	}

	// Retries exhausted.
	stepErr := saga.NewStepExecutionError(state.ID, stepName, maxAttempts, lastErr)
	tracing.SetError(ctx, stepErr)
	step.MarkFailed(time.Now().UTC())
	state.Touch()
	if err := o.store.Save(ctx, state); err != nil {
		return err
	}
	o.publish(ctx, state, saga.EventStepFailed, stepName, stepErr.Message)
	return o.failSaga(ctx, state, stepErr)
}

// invoke runs the handler through the circuit breaker when one is
// configured. Only handler errors count against the breaker; a structured
// failure result is a business outcome, not a dependency fault.
func (o *Orchestrator) invoke(ctx context.Context, handler saga.StepHandler, state *saga.State) (*saga.StepResult, error) {
	var result *saga.StepResult
	op := func(ctx context.Context) error {
		r, err := handler.Execute(ctx, state)
		if err != nil {
			return err
		}
		if r == nil {
			return errors.New("handler returned nil result")
		}
		result = r
		return nil
	}

	var err error
	if o.breaker != nil {
		err = o.breaker.Execute(ctx, op)
	} else {
		err = op(ctx)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (o *Orchestrator) sleepForRetry(ctx context.Context, result *saga.StepResult, attempt int) error {
	if result.RetryDelay > 0 {
		timer := time.NewTimer(result.RetryDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	return o.retry.Sleep(ctx, attempt)
}

func (o *Orchestrator) recordStepSuccess(state *saga.State, step *saga.Step, result *saga.StepResult) {
	step.Output = result.Output
	for k, v := range result.Data {
		if state.Data == nil {
			state.Data = make(map[string]string)
		}
		state.Data[k] = v
	}
	step.MarkCompleted(time.Now().UTC())
	state.Touch()
}

// nextStep picks the handler-directed next step, or the first pending one
// in definition order. A forward jump marks every bypassed pending step
// Skipped so it never re-enters the rotation. Empty means the saga is done.
func (o *Orchestrator) nextStep(state *saga.State, result *saga.StepResult) string {
	if result.NextStep != "" {
		o.skipUntil(state, result.NextStep)
		return result.NextStep
	}
	if next := state.NextPendingStep(); next != nil {
		return next.Name
	}
	return ""
}

func (o *Orchestrator) skipUntil(state *saga.State, target string) {
	if state.StepByName(target) == nil {
		return
	}
	now := time.Now().UTC()
	for _, st := range state.Steps {
		if st.Name == target {
			return
		}
		if st.Status == saga.StepPending {
			st.MarkSkipped(now)
		}
	}
}

func (o *Orchestrator) completeSaga(ctx context.Context, state *saga.State) error {
	if err := state.TransitionTo(saga.StatusCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	if state.CompletedAt == nil {
		state.CompletedAt = &now
	}
	state.CurrentStep = ""
	state.Touch()
	if err := o.store.Save(ctx, state); err != nil {
		return err
	}
	o.publish(ctx, state, saga.EventCompleted, "", "")
	if o.deadlines != nil {
		o.deadlines.Forget(state.ID)
	}
	return nil
}

// failSaga moves the saga to Failed and auto-advances to compensation
// when any completed compensable step exists; otherwise Failed is
// terminal for this instance.
func (o *Orchestrator) failSaga(ctx context.Context, state *saga.State, cause *saga.StepExecutionError) error {
	if err := state.TransitionTo(saga.StatusFailed); err != nil {
		return err
	}
	if state.Data == nil {
		state.Data = make(map[string]string)
	}
	state.Data["failureReason"] = cause.Message
	state.Touch()
	if err := o.store.Save(ctx, state); err != nil {
		return err
	}
	o.publish(ctx, state, saga.EventFailed, cause.StepName, cause.Message)

	if state.HasCompensableSteps() {
		return o.compensate(ctx, state)
	}
	if o.deadlines != nil {
		o.deadlines.Forget(state.ID)
	}
	return nil
}

// compensate performs best-effort cleanup: every eligible step is
// attempted even when an earlier compensation fails.
func (o *Orchestrator) compensate(ctx context.Context, state *saga.State) error {
	if state.Status != saga.StatusCompensating {
		if err := state.TransitionTo(saga.StatusCompensating); err != nil {
			return err
		}
	}
	state.Touch()
	if err := o.store.Save(ctx, state); err != nil {
		return err
	}
	o.publish(ctx, state, saga.EventCompensating, "", "")

	for _, step := range state.CompensableSteps() {
		comp := &saga.Compensation{
			StepName: step.Name,
			Action:   step.CompensationAction,
			Status:   saga.CompensationRunning,
			Input:    step.Output,
		}
		state.Compensations = append(state.Compensations, comp)

		o.compensateStep(ctx, state, step, comp)

		state.Touch()
		if err := o.store.Save(ctx, state); err != nil {
			return err
		}
	}

	if err := state.TransitionTo(saga.StatusCompensated); err != nil {
		return err
	}
	now := time.Now().UTC()
	if state.CompletedAt == nil {
		state.CompletedAt = &now
	}
	state.Touch()
	if err := o.store.Save(ctx, state); err != nil {
		return err
	}
	o.publish(ctx, state, saga.EventCompensated, "", "")
	if o.deadlines != nil {
		o.deadlines.Forget(state.ID)
	}
	return nil
}

func (o *Orchestrator) compensateStep(ctx context.Context, state *saga.State, step *saga.Step, comp *saga.Compensation) {
	log := o.log.WithSaga(state.ID, state.Type).WithField("step", step.Name)

	handler, ok := o.handlers[step.Name]
	if !ok {
		comp.Status = saga.CompensationFailed
		comp.ErrorMessage = "no handler registered"
		step.Status = saga.StepCompensationFailed
		log.Error("compensation skipped: no handler registered")
		return
	}
	if !handler.CanCompensate(ctx, state) {
		comp.Status = saga.CompensationFailed
		comp.ErrorMessage = "handler refused compensation"
		step.Status = saga.StepCompensationFailed
		log.Warn("compensation refused by handler")
		return
	}

	step.Status = saga.StepCompensating
	result, err := handler.Compensate(ctx, state)
	now := time.Now().UTC()
	comp.ExecutedAt = &now

	switch {
	case err != nil:
		comp.Status = saga.CompensationFailed
		comp.ErrorMessage = err.Error()
		step.Status = saga.StepCompensationFailed
		log.WithError(err).Error("compensation failed")
	case result == nil || !result.Success:
		comp.Status = saga.CompensationFailed
		comp.ErrorMessage = resultError(result).Error()
		step.Status = saga.StepCompensationFailed
		log.Errorf("compensation failed", map[string]interface{}{"reason": comp.ErrorMessage})
	default:
		comp.Status = saga.CompensationCompleted
		comp.Output = result.Output
		step.Status = saga.StepCompensated
	}
}

func (o *Orchestrator) suspend(ctx context.Context, state *saga.State, reason string) error {
	if err := state.TransitionTo(saga.StatusSuspended); err != nil {
		return err
	}
	if state.Data == nil {
		state.Data = make(map[string]string)
	}
	state.Data["suspendReason"] = reason
	state.Touch()
	if err := o.store.Save(ctx, state); err != nil {
		return err
	}
	o.publish(ctx, state, saga.EventSuspended, state.CurrentStep, reason)
	return nil
}

func (o *Orchestrator) abort(ctx context.Context, state *saga.State, reason string) error {
	if err := state.TransitionTo(saga.StatusAborted); err != nil {
		return err
	}
	if state.Data == nil {
		state.Data = make(map[string]string)
	}
	state.Data["abortReason"] = reason
	now := time.Now().UTC()
	if state.CompletedAt == nil {
		state.CompletedAt = &now
	}
	state.Touch()
	if err := o.store.Save(ctx, state); err != nil {
		return err
	}
	o.publish(ctx, state, saga.EventAborted, state.CurrentStep, reason)
	if o.deadlines != nil {
		o.deadlines.Forget(state.ID)
	}
	return nil
}

// publish emits a lifecycle event. Publishing is fire-and-forget: a
// failure is logged and never aborts the transition that triggered it.
func (o *Orchestrator) publish(ctx context.Context, state *saga.State, t saga.EventType, stepName, message string) {
	event := saga.NewEvent(t, state, stepName, message)
	if err := o.publisher.Publish(ctx, event); err != nil {
		o.log.WithSaga(state.ID, state.Type).WithError(err).Warnf("event publish failed", map[string]interface{}{
			"event": string(t),
		})
	}
}

func resultError(result *saga.StepResult) error {
	if result == nil {
		return errors.New("handler returned nil result")
	}
	if result.Error != "" {
		return errors.New(result.Error)
	}
	return errors.New("step reported failure")
}
