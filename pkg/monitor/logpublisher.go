package monitor

import (
	"context"

	"github.com/sagakit/sagakit/pkg/logger"
	"github.com/sagakit/sagakit/pkg/saga"
)

// LogPublisher writes every lifecycle event as a structured log line. It
// is usually combined with a Monitor through saga.MultiPublisher.
type LogPublisher struct {
	log *logger.Logger
}

// NewLogPublisher creates a publisher over the given logger.
func NewLogPublisher(log *logger.Logger) *LogPublisher {
	if log == nil {
		log = logger.Nop()
	}
	return &LogPublisher{log: log}
}

// Publish logs the event. It never fails.
func (p *LogPublisher) Publish(ctx context.Context, event saga.Event) error {
	fields := map[string]interface{}{
		"event":    string(event.Type),
		"sagaId":   event.SagaID,
		"sagaType": event.SagaType,
	}
	if event.StepName != "" {
		fields["step"] = event.StepName
	}
	if event.CorrelationID != "" {
		fields["correlationId"] = event.CorrelationID
	}
	if event.Message != "" {
		fields["message"] = event.Message
	}

	switch event.Type {
	case saga.EventStepFailed, saga.EventFailed, saga.EventTimedOut:
		p.log.WithContext(ctx).Errorf("saga event", fields)
	case saga.EventCompensating, saga.EventCompensated, saga.EventSuspended, saga.EventAborted:
		p.log.WithContext(ctx).Warnf("saga event", fields)
	default:
		p.log.WithContext(ctx).Infof("saga event", fields)
	}
	return nil
}

var _ saga.EventPublisher = (*LogPublisher)(nil)
