package relay

import (
	"context"
	"encoding/json"
)

// Envelope is the wire format broadcast on the fan-out channel. Room is the
// subscription key (the owning inspection id), Event the client-facing event
// name, Payload the JSON body re-emitted to matching subscribers.
type Envelope struct {
	Room    string          `json:"channel"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Relay fans job-state changes out to every API process, regardless of which
// process produced them. Delivery is best-effort, at-most-once: a subscriber
// connecting after an event fires never sees it retroactively.
type Relay interface {
	// Emit broadcasts an event for a room. The payload is JSON-marshaled.
	Emit(ctx context.Context, room, event string, payload interface{}) error

	// Subscribe registers a callback invoked for every envelope broadcast on
	// the channel, from any process. It returns after the subscription is
	// established; the callback runs on a relay-owned goroutine until ctx is
	// canceled or the relay is closed.
	Subscribe(ctx context.Context, fn func(Envelope)) error

	Close() error
}
