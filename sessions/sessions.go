package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

var (
	// ErrSessionExists is returned by Create for a duplicate session id.
	ErrSessionExists = errors.New("session id already exists")
	// ErrSessionNotFound is returned by lookups for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
)

// TransportKind discriminates the two mutually exclusive transport flavors a
// session can be bound to. The kind is fixed at creation and never changes.
type TransportKind string

const (
	// KindStreamable is the persistent-stream transport (streamable HTTP).
	KindStreamable TransportKind = "persistent-stream"
	// KindSSE is the legacy event-stream fallback transport.
	KindSSE TransportKind = "event-stream"
)

// TransportHandle is the session-owned view of a live transport. The handle's
// lifetime is tied 1:1 to its session entry; closing it releases any streams
// the transport holds open.
type TransportHandle interface {
	SessionID() string
	Kind() TransportKind
	Close(ctx context.Context) error
}

// CallExtra is the trailing context argument threaded through every capability
// invocation. The transport populates SessionID; the guard pipeline splices in
// the headers and body captured when the session was initialized, so handlers
// observe the original HTTP metadata on every round-trip.
type CallExtra struct {
	SessionID string
	Headers   http.Header
	Body      json.RawMessage
}

// Session is one registered client session. Instances are owned exclusively
// by the Store; callers treat them as read-only snapshots.
type Session struct {
	id        string
	kind      TransportKind
	transport TransportHandle
	store     *Store

	// Captured once, at session-initialization time.
	headers http.Header
	body    json.RawMessage

	// Guarded by the owning store's mutex.
	lastActivity time.Time
}

func (s *Session) ID() string                 { return s.id }
func (s *Session) Kind() TransportKind        { return s.kind }
func (s *Session) Transport() TransportHandle { return s.transport }
func (s *Session) Headers() http.Header       { return s.headers }
func (s *Session) Body() json.RawMessage      { return s.body }

// LastActivity returns the time of the last dispatch-path access. The read
// takes the owning store's lock so it is safe alongside concurrent Use calls.
func (s *Session) LastActivity() time.Time {
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()
	return s.lastActivity
}
