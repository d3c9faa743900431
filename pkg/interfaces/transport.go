package interfaces

import (
	"context"
	"encoding/json"

	"collabsync/pkg/types"
)

// Transport is the client's duplex channel to the broker: request/ack plus a
// broadcast event stream, ordered per sender.
type Transport interface {
	// Connect establishes the channel; it is a no-op when already connected.
	Connect(ctx context.Context) error

	// Request sends a correlated request and decodes the ack into out. The
	// call suspends until the ack arrives or ctx is done.
	Request(ctx context.Context, event string, payload interface{}, out interface{}) error

	// Emit sends a fire-and-forget frame.
	Emit(event string, payload interface{}) error

	// Events yields broadcasts. The channel closes when the transport fails
	// or is closed.
	Events() <-chan types.Event

	// IsConnected reports channel liveness.
	IsConnected() bool

	// Close tears the channel down. Safe to call more than once.
	Close() error
}

// DiagramEngine is the graph-editing library the propagator drives. Both
// methods run inside the caller's transaction boundary; any mutation events
// the engine raises while applying happen synchronously within the call.
type DiagramEngine interface {
	ApplySnapshot(snapshot json.RawMessage) error
	ApplyDelta(delta json.RawMessage) error
}

// IdentityProvider supplies the current user's stable identifier.
type IdentityProvider interface {
	CurrentEmail() (string, error)
}
