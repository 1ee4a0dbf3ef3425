// Package streamablehttp serves the persistent-stream transport: a single
// path accepting POST for inbound messages, GET for a standalone server
// event stream, and DELETE for explicit session teardown. Session identity
// rides the Mcp-Session-Id header.
package streamablehttp

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
	"github.com/relaykit/mcp-adapter-go/eventstore"
	"github.com/relaykit/mcp-adapter-go/internal/jsonrpc"
	"github.com/relaykit/mcp-adapter-go/internal/logctx"
	"github.com/relaykit/mcp-adapter-go/mcp"
	"github.com/relaykit/mcp-adapter-go/sessions"
)

// SessionIDHeader carries the session identity on every streamable request
// after initialization.
const SessionIDHeader = "Mcp-Session-Id"

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// EngineFactory builds a fully registered engine for one new session.
type EngineFactory func() *engine.Engine

// Handler is the streamable HTTP session manager.
type Handler struct {
	log          *slog.Logger
	store        *sessions.Store
	events       eventstore.Store
	newEngine    EngineFactory
	maxSessions  int
	jsonResponse bool
	newSessionID func() string
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

// WithMaxSessions caps the number of live sessions admitted across both
// transports. Zero means unlimited. The cap is enforced only when a new
// session is created on this path.
func WithMaxSessions(n int) Option {
	return func(h *Handler) { h.maxSessions = n }
}

// WithJSONResponse makes POST answer application/json instead of opening a
// per-request SSE stream.
func WithJSONResponse(on bool) Option {
	return func(h *Handler) { h.jsonResponse = on }
}

// WithSessionIDGenerator overrides session id generation. The default
// produces UUIDv4 strings; DELETE insists on that shape, so custom
// generators must keep it.
func WithSessionIDGenerator(gen func() string) Option {
	return func(h *Handler) {
		if gen != nil {
			h.newSessionID = gen
		}
	}
}

// New constructs a streamable HTTP handler over the shared session store.
func New(store *sessions.Store, events eventstore.Store, factory EngineFactory, opts ...Option) (*Handler, error) {
	if store == nil {
		return nil, fmt.Errorf("store must not be nil")
	}
	if events == nil {
		return nil, fmt.Errorf("event store must not be nil")
	}
	if factory == nil {
		return nil, fmt.Errorf("engine factory must not be nil")
	}
	h := &Handler{
		log:          slog.New(slog.DiscardHandler),
		store:        store,
		events:       events,
		newEngine:    factory,
		newSessionID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	r = r.WithContext(ctx)

	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// transport is the per-session handle registered in the store. Close ends any
// standalone streams and drops the event journal; removing the store entry is
// the caller's decision, since a closed transport may outlive its entry.
type transport struct {
	id     string
	h      *Handler
	eng    *engine.Engine
	closed chan struct{}
	once   sync.Once
}

func newTransport(h *Handler, id string, eng *engine.Engine) *transport {
	return &transport{id: id, h: h, eng: eng, closed: make(chan struct{})}
}

func (t *transport) SessionID() string            { return t.id }
func (t *transport) Kind() sessions.TransportKind { return sessions.KindStreamable }

func (t *transport) Close(ctx context.Context) error {
	t.once.Do(func() {
		close(t.closed)
		if err := t.h.events.Drop(ctx, t.id); err != nil {
			t.h.log.WarnContext(ctx, "session.events.drop.fail",
				slog.String("err", err.Error()))
		}
	})
	return nil
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.log.WarnContext(ctx, "http.post.content_type.unsupported")
		writeRPCError(w, http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeServerError, "content-type must be application/json")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.log.WarnContext(ctx, "http.post.body.read.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "failed to read request body")
		return
	}

	var peek struct {
		Method string             `json:"method"`
		ID     *jsonrpc.RequestID `json:"id"`
	}
	if err := json.Unmarshal(body, &peek); err != nil {
		h.log.WarnContext(ctx, "http.post.json.decode.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "invalid JSON body")
		return
	}

	var tr *transport
	sessID := r.Header.Get(SessionIDHeader)
	switch {
	case sessID != "":
		sess, err := h.store.Use(sessID)
		if err != nil {
			h.log.WarnContext(ctx, "http.post.session.unknown")
			writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "no valid session id provided")
			return
		}
		var ok bool
		tr, ok = sess.Transport().(*transport)
		if !ok || sess.Kind() != sessions.KindStreamable {
			h.log.ErrorContext(ctx, "http.post.session.kind.invariant",
				slog.String("kind", string(sess.Kind())))
			http.Error(w, "session transport state is inconsistent", http.StatusInternalServerError)
			return
		}
	case mcp.Method(peek.Method) == mcp.InitializeMethod:
		if h.maxSessions > 0 && h.store.CountActive() >= h.maxSessions {
			h.log.WarnContext(ctx, "session.admission.reject",
				slog.Int("active", h.store.CountActive()),
				slog.Int("max", h.maxSessions))
			writeRPCError(w, http.StatusServiceUnavailable, jsonrpc.ErrorCodeServerError, "maximum number of concurrent sessions reached")
			return
		}
		sessID = h.newSessionID()
		tr = newTransport(h, sessID, h.newEngine())
		if err := tr.eng.Connect(tr); err != nil {
			h.log.ErrorContext(ctx, "session.engine.connect.fail", slog.String("err", err.Error()))
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if _, err := h.store.Create(sessID, tr, r.Header, body); err != nil {
			h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		w.Header().Set(SessionIDHeader, sessID)
		h.log.InfoContext(ctx, "session.initialize.ok",
			slog.String("sess_id", sessID))
	default:
		h.log.WarnContext(ctx, "http.post.session.missing")
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "no valid session id provided")
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, Transport: string(sessions.KindStreamable)})
	extra := &sessions.CallExtra{SessionID: sessID}
	resp, err := tr.eng.HandleMessage(ctx, extra, body)
	if err != nil {
		h.log.WarnContext(ctx, "rpc.dispatch.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, err.Error())
		return
	}
	if resp == nil {
		// Notification: nothing to send back.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	if h.jsonResponse {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
		return
	}

	// Default mode: answer over a short-lived per-request SSE stream. The
	// response is journaled first so a resumed stream can replay it.
	f, ok := w.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "http.post.flusher.missing")
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	eventID, err := h.events.Append(ctx, sessID, payload)
	if err != nil {
		h.log.WarnContext(ctx, "session.events.append.fail", slog.String("err", err.Error()))
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	if err := writeSSEEvent(wf, "", eventID, payload); err != nil {
		h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
	}
}

// handleGet opens the standalone server event stream for an existing
// session, replaying journaled events after the client's Last-Event-ID.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessID := r.Header.Get(SessionIDHeader)
	if sessID == "" {
		h.log.WarnContext(ctx, "http.get.session.missing")
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "no valid session id provided")
		return
	}
	sess, err := h.store.Use(sessID)
	if err != nil {
		h.log.WarnContext(ctx, "http.get.session.unknown")
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "no valid session id provided")
		return
	}
	tr, ok := sess.Transport().(*transport)
	if !ok || sess.Kind() != sessions.KindStreamable {
		h.log.ErrorContext(ctx, "http.get.session.kind.invariant",
			slog.String("kind", string(sess.Kind())))
		http.Error(w, "session transport state is inconsistent", http.StatusInternalServerError)
		return
	}

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		h.log.WarnContext(ctx, "http.get.accept.unsupported")
		http.Error(w, "accept must include text/event-stream", http.StatusNotAcceptable)
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "http.get.flusher.missing")
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, Transport: string(sessions.KindStreamable)})
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-tr.closed:
			cancel()
		case <-streamCtx.Done():
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: streamCtx}
	wf.Flush()

	lastEventID := r.Header.Get("Last-Event-ID")
	h.log.InfoContext(ctx, "sse.stream.start", slog.String("last_event_id", lastEventID))
	err = h.events.Subscribe(streamCtx, sessID, lastEventID, func(ctx context.Context, eventID string, data []byte) error {
		return writeSSEEvent(wf, "", eventID, data)
	})
	if err != nil && streamCtx.Err() == nil {
		h.log.WarnContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.end")
}

// handleDelete tears a session down. The transport is closed before the id's
// format is validated; a malformed id therefore aborts with 400 after the
// close, leaving the (now transportless) entry registered. The ordering is
// compatibility-binding for existing clients.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessID := r.Header.Get(SessionIDHeader)
	if sessID == "" {
		h.log.WarnContext(ctx, "http.delete.session.missing")
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "no valid session id provided")
		return
	}

	sess, err := h.store.Peek(sessID)
	if err != nil {
		h.log.InfoContext(ctx, "http.delete.session.unknown")
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":     "session not found",
			"sessionId": sessID,
		})
		return
	}
	handle := sess.Transport()
	if handle == nil {
		h.log.InfoContext(ctx, "http.delete.transport.missing")
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":     "session not found",
			"sessionId": sessID,
		})
		return
	}

	if err := handle.Close(ctx); err != nil {
		h.log.WarnContext(ctx, "session.close.fail", slog.String("err", err.Error()))
	}

	if u, err := uuid.Parse(sessID); err != nil || u.Version() != 4 {
		h.log.WarnContext(ctx, "http.delete.session_id.malformed")
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":     "invalid session id",
			"sessionId": sessID,
		})
		return
	}

	h.store.Delete(sessID)
	h.log.InfoContext(ctx, "session.delete.ok", slog.String("sess_id", sessID))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"sessionId": sessID,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeRPCError writes the structured JSON-RPC error body used for
// transport-level rejections.
func writeRPCError(w http.ResponseWriter, status int, code jsonrpc.ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(jsonrpc.ErrorBody(code, message))
}
