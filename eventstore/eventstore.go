// Package eventstore abstracts the per-session outbound event journal used
// for SSE resumability. Each event appended for a session gets a store-scoped
// id; a subscriber can resume from a previous id and replay everything it
// missed before streaming live events.
package eventstore

import "context"

// HandlerFunc receives one stored event. Returning an error stops the
// subscription and surfaces the error from Subscribe.
type HandlerFunc func(ctx context.Context, eventID string, data []byte) error

// Store is a per-session append-only event journal.
type Store interface {
	// Append stores one event and returns its id. Ids are strictly
	// increasing within a session.
	Append(ctx context.Context, sessionID string, data []byte) (string, error)

	// Subscribe replays events recorded after lastEventID (all retained
	// events when empty), then blocks streaming live events to handler
	// until ctx is canceled or handler returns an error.
	Subscribe(ctx context.Context, sessionID string, lastEventID string, handler HandlerFunc) error

	// Drop discards a session's journal. Dropping an unknown session is a
	// no-op.
	Drop(ctx context.Context, sessionID string) error
}
