package eventstore

import (
	"context"
	"strconv"
	"sync"
)

// DefaultRetainedEvents bounds the per-session replay window of the memory
// store. Older events are evicted and can no longer be replayed.
const DefaultRetainedEvents = 256

type storedEvent struct {
	seq  uint64
	data []byte
}

type stream struct {
	mu     sync.Mutex
	events []storedEvent
	next   uint64
	// Closed and replaced on every append so blocked subscribers wake up.
	wake chan struct{}
}

// MemoryStore is the in-process Store used when no external backend is
// configured. Suitable for single-node deployments only.
type MemoryStore struct {
	mu      sync.Mutex
	streams map[string]*stream
	retain  int
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithRetainedEvents overrides the per-session replay window.
func WithRetainedEvents(n int) MemoryOption {
	return func(m *MemoryStore) {
		if n > 0 {
			m.retain = n
		}
	}
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		streams: make(map[string]*stream),
		retain:  DefaultRetainedEvents,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) stream(sessionID string) *stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[sessionID]
	if !ok {
		s = &stream{next: 1, wake: make(chan struct{})}
		m.streams[sessionID] = s
	}
	return s
}

func (m *MemoryStore) Append(ctx context.Context, sessionID string, data []byte) (string, error) {
	s := m.stream(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.next
	s.next++
	s.events = append(s.events, storedEvent{seq: seq, data: append([]byte(nil), data...)})
	if len(s.events) > m.retain {
		s.events = s.events[len(s.events)-m.retain:]
	}
	close(s.wake)
	s.wake = make(chan struct{})
	return strconv.FormatUint(seq, 10), nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, sessionID string, lastEventID string, handler HandlerFunc) error {
	s := m.stream(sessionID)
	var after uint64
	if lastEventID != "" {
		n, err := strconv.ParseUint(lastEventID, 10, 64)
		if err == nil {
			after = n
		}
		// An unparsable id falls back to a full replay.
	}

	for {
		s.mu.Lock()
		var pending []storedEvent
		for _, ev := range s.events {
			if ev.seq > after {
				pending = append(pending, ev)
			}
		}
		wake := s.wake
		s.mu.Unlock()

		for _, ev := range pending {
			if err := handler(ctx, strconv.FormatUint(ev.seq, 10), ev.data); err != nil {
				return err
			}
			after = ev.seq
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

func (m *MemoryStore) Drop(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, sessionID)
	return nil
}
