package ssehttp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/relaykit/mcp-adapter-go/engine"
	"github.com/relaykit/mcp-adapter-go/mcp"
	"github.com/relaykit/mcp-adapter-go/registry"
	"github.com/relaykit/mcp-adapter-go/sessions"
)

type pingProvider struct{}

func (p *pingProvider) IsResolver() {}

func (p *pingProvider) Tools() []registry.ToolDef {
	return []registry.ToolDef{{
		Name: "whoami",
		Handler: func(ctx context.Context, req *registry.ToolRequest) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(req.Extra.SessionID)}}, nil
		},
	}}
}

func newTestHandler(t *testing.T, store *sessions.Store, opts ...Option) *Handler {
	t.Helper()
	reg := registry.New(store, []any{&pingProvider{}})
	factory := func() *engine.Engine {
		eng := engine.New()
		reg.RegisterAll(eng)
		return eng
	}
	h, err := New(store, factory, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

type sseEvent struct {
	event string
	data  string
}

// readEvent consumes one event frame from the stream.
func readEvent(t *testing.T, sc *bufio.Scanner) sseEvent {
	t.Helper()
	var ev sseEvent
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if ev.data != "" || ev.event != "" {
				return ev
			}
			continue
		}
		if rest, ok := strings.CutPrefix(line, "event: "); ok {
			ev.event = rest
		}
		if rest, ok := strings.CutPrefix(line, "data: "); ok {
			ev.data = rest
		}
	}
	t.Fatalf("stream ended before a full event: %v", sc.Err())
	return ev
}

func openStream(t *testing.T, srv *httptest.Server) (*http.Response, *bufio.Scanner, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse", nil)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	sc := bufio.NewScanner(resp.Body)

	ev := readEvent(t, sc)
	if ev.event != "endpoint" {
		t.Fatalf("first event = %q, want endpoint", ev.event)
	}
	rest, ok := strings.CutPrefix(ev.data, "/messages?sessionId=")
	if !ok {
		t.Fatalf("endpoint data = %q", ev.data)
	}
	return resp, sc, rest
}

func TestStreamAnnouncesEndpointAndRegistersSession(t *testing.T) {
	store := sessions.NewStore()
	srv := httptest.NewServer(newTestHandler(t, store))
	defer srv.Close()

	resp, _, id := openStream(t, srv)

	sess, err := store.Peek(id)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if sess.Kind() != sessions.KindSSE {
		t.Fatalf("kind = %q", sess.Kind())
	}

	// Dropping the stream tears the session down.
	resp.Body.Close()
	deadline := time.Now().Add(5 * time.Second)
	for store.CountActive() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session was not deleted after stream close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEachStreamGetsItsOwnSession(t *testing.T) {
	store := sessions.NewStore()
	srv := httptest.NewServer(newTestHandler(t, store))
	defer srv.Close()

	_, _, a := openStream(t, srv)
	_, _, b := openStream(t, srv)
	if a == b {
		t.Fatalf("both streams got session %s", a)
	}
	if got := store.CountActive(); got != 2 {
		t.Fatalf("active sessions = %d, want 2", got)
	}
}

func TestMessagesRoundTripOverStream(t *testing.T) {
	store := sessions.NewStore()
	srv := httptest.NewServer(newTestHandler(t, store))
	defer srv.Close()

	_, sc, id := openStream(t, srv)

	body := `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"whoami"}}`
	resp, err := srv.Client().Post(srv.URL+"/messages?sessionId="+id, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("post status = %d", resp.StatusCode)
	}

	ev := readEvent(t, sc)
	if ev.event != "message" {
		t.Fatalf("event = %q", ev.event)
	}
	var rpc struct {
		Result mcp.CallToolResult `json:"result"`
	}
	if err := json.Unmarshal([]byte(ev.data), &rpc); err != nil {
		t.Fatalf("decode %q: %v", ev.data, err)
	}
	if len(rpc.Result.Content) != 1 || rpc.Result.Content[0].Text != id {
		t.Fatalf("result = %+v, want session id %s", rpc.Result.Content, id)
	}
}

func TestMessagesRequiresKnownSession(t *testing.T) {
	store := sessions.NewStore()
	h := newTestHandler(t, store)

	for name, target := range map[string]string{
		"missing param": "/messages",
		"unknown id":    "/messages?sessionId=ghost",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(`{}`))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rec.Code)
			}
		})
	}
}

type streamableHandle struct{ id string }

func (f *streamableHandle) SessionID() string               { return f.id }
func (f *streamableHandle) Kind() sessions.TransportKind    { return sessions.KindStreamable }
func (f *streamableHandle) Close(ctx context.Context) error { return nil }

func TestMessagesKindMismatchIsInvariantFailure(t *testing.T) {
	store := sessions.NewStore()
	h := newTestHandler(t, store)
	if _, err := store.Create("s1", &streamableHandle{id: "s1"}, nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/messages?sessionId=s1", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	store := sessions.NewStore()
	h := newTestHandler(t, store)
	tr := newTransport(h, "s1", engine.New())
	if err := tr.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	// A single send can pass by scheduler luck if closure is only raced
	// against the buffered queue, so hammer it.
	for i := 0; i < 64; i++ {
		if err := tr.send([]byte("late")); err == nil {
			t.Fatalf("send %d after close should fail", i)
		}
	}
	if got := len(tr.out); got != 0 {
		t.Fatalf("queued %d payloads after close", got)
	}
}

func TestDeliveryErrorBodyShape(t *testing.T) {
	store := sessions.NewStore()
	h := newTestHandler(t, store)

	rec := httptest.NewRecorder()
	h.writeDeliveryError(context.Background(), rec, fmt.Errorf("stream buffer full"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		StatusCode int    `json:"statusCode"`
		Error      string `json:"error"`
		Message    string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.StatusCode != 500 || body.Error != "Internal server error" || body.Message != "stream buffer full" {
		t.Fatalf("body = %+v", body)
	}

	rec = httptest.NewRecorder()
	h.writeDeliveryError(context.Background(), rec, nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Message != "Unknown error" {
		t.Fatalf("message = %q", body.Message)
	}
}
