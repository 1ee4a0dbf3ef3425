// Package ssehttp serves the legacy event-stream fallback transport: a GET
// endpoint that opens a server-sent event stream and announces a message
// endpoint, and a POST endpoint that accepts inbound messages addressed by a
// sessionId query parameter. Responses flow back over the stream.
package ssehttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/relaykit/mcp-adapter-go/engine"
	"github.com/relaykit/mcp-adapter-go/internal/logctx"
	"github.com/relaykit/mcp-adapter-go/sessions"
)

const (
	// DefaultStreamPath is where clients open the event stream.
	DefaultStreamPath = "/sse"
	// DefaultMessagesPath is where clients post messages for an open stream.
	DefaultMessagesPath = "/messages"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// EngineFactory builds a fully registered engine for one new session.
type EngineFactory func() *engine.Engine

// Handler is the event-stream session manager.
type Handler struct {
	log          *slog.Logger
	store        *sessions.Store
	newEngine    EngineFactory
	newSessionID func() string
	streamPath   string
	messagesPath string
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler logger. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithPaths overrides the stream and messages paths. The messages path is
// what gets announced in the endpoint event.
func WithPaths(stream, messages string) Option {
	return func(h *Handler) {
		if stream != "" {
			h.streamPath = stream
		}
		if messages != "" {
			h.messagesPath = messages
		}
	}
}

// WithSessionIDGenerator overrides session id generation.
func WithSessionIDGenerator(gen func() string) Option {
	return func(h *Handler) {
		if gen != nil {
			h.newSessionID = gen
		}
	}
}

// New constructs an event-stream handler over the shared session store.
func New(store *sessions.Store, factory EngineFactory, opts ...Option) (*Handler, error) {
	if store == nil {
		return nil, fmt.Errorf("store must not be nil")
	}
	if factory == nil {
		return nil, fmt.Errorf("engine factory must not be nil")
	}
	h := &Handler{
		log:          slog.New(slog.DiscardHandler),
		store:        store,
		newEngine:    factory,
		newSessionID: uuid.NewString,
		streamPath:   DefaultStreamPath,
		messagesPath: DefaultMessagesPath,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// StreamPath returns the path serving the event stream.
func (h *Handler) StreamPath() string { return h.streamPath }

// MessagesPath returns the path accepting posted messages.
func (h *Handler) MessagesPath() string { return h.messagesPath }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	r = r.WithContext(ctx)

	switch r.URL.Path {
	case h.streamPath:
		h.handleStream(w, r)
	case h.messagesPath:
		h.handleMessages(w, r)
	default:
		http.NotFound(w, r)
	}
}

// transport is the per-session handle for an open event stream. Inbound
// responses are queued on out and drained by the stream loop.
type transport struct {
	id     string
	h      *Handler
	eng    *engine.Engine
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newTransport(h *Handler, id string, eng *engine.Engine) *transport {
	return &transport{
		id:     id,
		h:      h,
		eng:    eng,
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (t *transport) SessionID() string            { return t.id }
func (t *transport) Kind() sessions.TransportKind { return sessions.KindSSE }

func (t *transport) Close(ctx context.Context) error {
	t.once.Do(func() {
		close(t.closed)
		t.h.store.Delete(t.id)
	})
	return nil
}

// send queues an outbound payload for the stream loop. Payloads posted after
// the stream closed are dropped.
func (t *transport) send(payload []byte) error {
	// Checked first on its own: with buffer room in out both select cases
	// would be ready and the runtime could pick the queueing one.
	select {
	case <-t.closed:
		return fmt.Errorf("session %s stream is closed", t.id)
	default:
	}
	select {
	case <-t.closed:
		return fmt.Errorf("session %s stream is closed", t.id)
	case t.out <- payload:
		return nil
	}
}

// handleStream opens a fresh session and streams until the client leaves.
// Every GET creates a new session; there is no resumption on this transport.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		h.log.WarnContext(ctx, "sse.accept.unsupported")
		http.Error(w, "accept must include text/event-stream", http.StatusNotAcceptable)
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id := h.newSessionID()
	tr := newTransport(h, id, h.newEngine())
	if err := tr.eng.Connect(tr); err != nil {
		h.log.ErrorContext(ctx, "session.engine.connect.fail", slog.String("err", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if _, err := h.store.Create(id, tr, r.Header, nil); err != nil {
		h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tr.Close(context.WithoutCancel(ctx)) }()

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, Transport: string(sessions.KindSSE)})
	h.log.InfoContext(ctx, "sse.stream.start")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	endpoint := fmt.Sprintf("%s?sessionId=%s", h.messagesPath, id)
	if _, err := fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpoint); err != nil {
		h.log.WarnContext(ctx, "sse.endpoint.write.fail", slog.String("err", err.Error()))
		return
	}
	f.Flush()

	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.end")
			return
		case <-tr.closed:
			h.log.InfoContext(ctx, "sse.stream.end")
			return
		case payload := <-tr.out:
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload); err != nil {
				h.log.WarnContext(ctx, "sse.message.write.fail", slog.String("err", err.Error()))
				return
			}
			f.Flush()
		}
	}
}

// handleMessages accepts one inbound message for an open stream session.
func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessID := r.URL.Query().Get("sessionId")
	if sessID == "" {
		h.log.WarnContext(ctx, "messages.session.missing")
		http.Error(w, "sessionId query parameter is required", http.StatusBadRequest)
		return
	}
	sess, err := h.store.Use(sessID)
	if err != nil {
		h.log.WarnContext(ctx, "messages.session.unknown")
		http.Error(w, "session not found", http.StatusBadRequest)
		return
	}
	tr, ok := sess.Transport().(*transport)
	if !ok || sess.Kind() != sessions.KindSSE {
		h.log.ErrorContext(ctx, "messages.session.kind.invariant",
			slog.String("kind", string(sess.Kind())))
		http.Error(w, "session transport state is inconsistent", http.StatusInternalServerError)
		return
	}

	if ctype, err := contenttype.GetMediaType(r); err != nil || !ctype.Matches(jsonMediaType) {
		h.log.WarnContext(ctx, "messages.content_type.unsupported")
		http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.log.WarnContext(ctx, "messages.body.read.fail", slog.String("err", err.Error()))
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, Transport: string(sessions.KindSSE)})
	resp, err := tr.eng.HandleMessage(ctx, &sessions.CallExtra{SessionID: sessID}, body)
	if err != nil {
		h.writeDeliveryError(ctx, w, err)
		return
	}
	if resp != nil {
		payload, err := json.Marshal(resp)
		if err != nil {
			h.writeDeliveryError(ctx, w, err)
			return
		}
		if err := tr.send(payload); err != nil {
			h.writeDeliveryError(ctx, w, err)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) writeDeliveryError(ctx context.Context, w http.ResponseWriter, err error) {
	msg := "Unknown error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	h.log.ErrorContext(ctx, "messages.delivery.fail", slog.String("err", msg))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"statusCode": http.StatusInternalServerError,
		"error":      "Internal server error",
		"message":    msg,
	})
}
