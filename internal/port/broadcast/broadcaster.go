// Package broadcast defines the port for pushing deliberation progress
// events to connected clients and downstream consumers.
package broadcast

import "context"

// Event types emitted while a session runs.
const (
	EventSessionCreated = "session.created"
	EventRoundStarted   = "round.started"
	EventRoundCompleted = "round.completed"
	EventSessionStatus  = "session.status"
	EventModelHealth    = "models.health"
)

// Broadcaster sends real-time events to all connected clients.
type Broadcaster interface {
	// BroadcastEvent sends a typed event to all connected clients.
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}

// Fanout delivers every event to each wrapped broadcaster in order.
type Fanout []Broadcaster

// BroadcastEvent implements Broadcaster.
func (f Fanout) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	for _, b := range f {
		if b != nil {
			b.BroadcastEvent(ctx, eventType, payload)
		}
	}
}

// Nop discards every event.
type Nop struct{}

// BroadcastEvent implements Broadcaster.
func (Nop) BroadcastEvent(context.Context, string, any) {}
