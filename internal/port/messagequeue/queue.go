// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	// Pending messages are processed; no new messages are accepted.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subjects used by the deliberation service. Event subjects are published
// by the engine; intake subjects carry commands from chat front-ends.
const (
	SubjectSessionCreated = "deliberation.session.created"
	SubjectRoundStarted   = "deliberation.round.started"
	SubjectRoundCompleted = "deliberation.round.completed"
	SubjectSessionStatus  = "deliberation.session.status"

	SubjectIntakeSubmit   = "deliberation.intake.submit"
	SubjectIntakeFeedback = "deliberation.intake.feedback"
	SubjectIntakeRestart  = "deliberation.intake.restart"
	SubjectIntakeCancel   = "deliberation.intake.cancel"
)

// EventSubject maps a broadcast event type to its queue subject.
func EventSubject(eventType string) string {
	return "deliberation." + eventType
}
