package sessions

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Store is the in-memory session registry. It holds no transport-specific
// logic, only bookkeeping: id, transport handle, captured originating request,
// and the last-activity timestamp used by the idle reaper.
//
// All mutation happens behind an RWMutex so the store is safe to share across
// request goroutines. Construct one per server and inject it; the store is
// never a package-level singleton.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Create inserts a new session bound to the given transport handle, capturing
// the originating request's headers and body. It fails with ErrSessionExists
// if the id is already registered; id uniqueness is the caller's problem
// (typically guaranteed by the generation scheme).
func (st *Store) Create(id string, transport TransportHandle, headers http.Header, body json.RawMessage) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session id must not be empty")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	var kind TransportKind
	if transport != nil {
		kind = transport.Kind()
	}
	sess := &Session{
		id:           id,
		kind:         kind,
		transport:    transport,
		store:        st,
		headers:      cloneHeader(headers),
		body:         append(json.RawMessage(nil), body...),
		lastActivity: st.now(),
	}
	st.sessions[id] = sess
	return sess, nil
}

// Use looks up a session on the dispatch path and bumps its last-activity
// timestamp. Returns ErrSessionNotFound for unknown ids.
func (st *Store) Use(id string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.lastActivity = st.now()
	return sess, nil
}

// Peek looks up a session without touching its last-activity timestamp. Mere
// existence checks (teardown validation, reaper scans, ops tooling) must not
// keep a session alive.
func (st *Store) Peek(id string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sess, ok := st.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// Delete removes the session. It is idempotent: deleting an absent id is a
// no-op, not an error.
func (st *Store) Delete(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, id)
}

// CountActive returns the number of registered sessions.
func (st *Store) CountActive() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// ListIDs returns the registered session ids in unspecified order.
func (st *Store) ListIDs() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	return ids
}

// IdleSince returns sessions whose last activity is strictly before cutoff.
// The scan itself has peek semantics and does not bump timestamps.
func (st *Store) IdleSince(cutoff time.Time) []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var idle []*Session
	for _, sess := range st.sessions {
		if sess.lastActivity.Before(cutoff) {
			idle = append(idle, sess)
		}
	}
	return idle
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := make(http.Header, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
