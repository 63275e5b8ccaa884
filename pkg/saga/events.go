package saga

import (
	"context"
	"time"
)

// EventType names a saga lifecycle event.
type EventType string

// Lifecycle event taxonomy. These are stable string constants; consumers
// match on them when routing events.
const (
	EventStarted       EventType = "Started"
	EventStepStarted   EventType = "StepStarted"
	EventStepCompleted EventType = "StepCompleted"
	EventStepFailed    EventType = "StepFailed"
	EventCompleted     EventType = "Completed"
	EventFailed        EventType = "Failed"
	EventCompensating  EventType = "Compensating"
	EventCompensated   EventType = "Compensated"
	EventSuspended     EventType = "Suspended"
	EventResumed       EventType = "Resumed"
	EventTimedOut      EventType = "TimedOut"
	EventAborted       EventType = "Aborted"
)

// Event is published on every saga lifecycle transition.
type Event struct {
	Type          EventType `json:"type"`
	SagaID        string    `json:"sagaId"`
	SagaType      string    `json:"sagaType"`
	StepName      string    `json:"stepName,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Message       string    `json:"message,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewEvent builds an event snapshot for the given state.
func NewEvent(t EventType, state *State, stepName, message string) Event {
	return Event{
		Type:          t,
		SagaID:        state.ID,
		SagaType:      state.Type,
		StepName:      stepName,
		CorrelationID: state.CorrelationID,
		Message:       message,
		Timestamp:     time.Now().UTC(),
	}
}

// EventPublisher receives lifecycle events. Publishing is fire-and-forget:
// a failure is logged by the caller and never aborts the transition that
// triggered it.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher discards all events.
type NopPublisher struct{}

// Publish discards the event.
func (NopPublisher) Publish(ctx context.Context, event Event) error { return nil }

// MultiPublisher fans an event out to several publishers. Each publisher
// gets the event even when an earlier one fails; the first error is
// returned.
type MultiPublisher []EventPublisher

// Publish forwards the event to every wrapped publisher.
func (m MultiPublisher) Publish(ctx context.Context, event Event) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var (
	_ EventPublisher = NopPublisher{}
	_ EventPublisher = MultiPublisher{}
)
