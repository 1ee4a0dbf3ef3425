// Package mcpadapter exposes application capability providers as an MCP
// server over two HTTP transports: streamable HTTP on one path, and the
// legacy SSE fallback on a stream/messages path pair. Both transports share
// one session store and one capability registry; every new client session
// gets its own freshly built protocol engine.
package mcpadapter

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/relaykit/mcp-adapter-go/config"
	"github.com/relaykit/mcp-adapter-go/engine"
	"github.com/relaykit/mcp-adapter-go/eventstore"
	"github.com/relaykit/mcp-adapter-go/eventstore/redisstore"
	"github.com/relaykit/mcp-adapter-go/internal/logctx"
	"github.com/relaykit/mcp-adapter-go/mcp"
	"github.com/relaykit/mcp-adapter-go/registry"
	"github.com/relaykit/mcp-adapter-go/sessions"
	"github.com/relaykit/mcp-adapter-go/ssehttp"
	"github.com/relaykit/mcp-adapter-go/streamablehttp"
)

// Adapter wires the session store, capability registry, transports, and the
// idle reaper into one mountable HTTP handler.
type Adapter struct {
	log    *slog.Logger
	cfg    config.Config
	store  *sessions.Store
	reg    *registry.Registry
	events eventstore.Store
	reaper *sessions.Reaper
	mux    *http.ServeMux
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger. It is wrapped with the context-attr
// handler so request, session, and rpc groups appear on every line. Logs are
// discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.log = slog.New(logctx.Handler{Handler: l.Handler()})
		}
	}
}

// WithEventStore injects the resumability journal, overriding the backend
// the config selects.
func WithEventStore(es eventstore.Store) Option {
	return func(a *Adapter) {
		if es != nil {
			a.events = es
		}
	}
}

// New assembles an Adapter from configuration and the provider set. Provider
// capability definitions are discovered once, here; sessions built later all
// share the result.
func New(cfg config.Config, providers []any, opts ...Option) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &Adapter{
		log:   slog.New(slog.DiscardHandler),
		cfg:   cfg,
		store: sessions.NewStore(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.events == nil {
		switch cfg.EventStore {
		case config.EventStoreRedis:
			es, err := redisstore.NewFromEnv()
			if err != nil {
				return nil, fmt.Errorf("redis event store: %w", err)
			}
			a.events = es
		default:
			a.events = eventstore.NewMemoryStore()
		}
	}

	a.reg = registry.New(a.store, providers, registry.WithLogger(a.log))
	a.reaper = sessions.NewReaper(a.store,
		sessions.WithIdleTimeout(cfg.IdleTimeout),
		sessions.WithSweepInterval(cfg.SweepInterval),
		sessions.WithReaperLogger(a.log),
	)

	factory := func() *engine.Engine {
		eng := engine.New(
			engine.WithServerInfo(mcp.ImplementationInfo{Name: cfg.ServerName, Version: cfg.ServerVersion}),
			engine.WithInstructions(cfg.Instructions),
			engine.WithLogger(a.log),
		)
		a.reg.RegisterAll(eng)
		return eng
	}

	a.mux = http.NewServeMux()
	if cfg.EnableStreamable {
		sh, err := streamablehttp.New(a.store, a.events, factory,
			streamablehttp.WithLogger(a.log),
			streamablehttp.WithMaxSessions(cfg.MaxSessions),
			streamablehttp.WithJSONResponse(cfg.JSONResponse),
		)
		if err != nil {
			return nil, fmt.Errorf("streamable transport: %w", err)
		}
		a.mux.Handle(cfg.MCPPath, sh)
	}
	if cfg.EnableSSE {
		eh, err := ssehttp.New(a.store, factory,
			ssehttp.WithLogger(a.log),
			ssehttp.WithPaths(cfg.SSEPath, cfg.MessagesPath),
		)
		if err != nil {
			return nil, fmt.Errorf("sse transport: %w", err)
		}
		a.mux.Handle(cfg.SSEPath, eh)
		a.mux.Handle(cfg.MessagesPath, eh)
	}

	return a, nil
}

// Handler returns the HTTP handler serving every enabled transport path.
func (a *Adapter) Handler() http.Handler { return a.mux }

// Store exposes the shared session store, mainly for tests and operational
// introspection.
func (a *Adapter) Store() *sessions.Store { return a.store }

// Run starts the idle session reaper and blocks until ctx is canceled. Serve
// the handler separately; Run only owns background upkeep.
func (a *Adapter) Run(ctx context.Context) error {
	a.log.InfoContext(ctx, "adapter.run.start",
		slog.String("idle_timeout", a.cfg.IdleTimeout.String()),
		slog.String("sweep_interval", a.cfg.SweepInterval.String()))
	return a.reaper.Run(ctx)
}

// Close tears down every live session.
func (a *Adapter) Close(ctx context.Context) error {
	for _, id := range a.store.ListIDs() {
		sess, err := a.store.Peek(id)
		if err != nil {
			continue
		}
		if tr := sess.Transport(); tr != nil {
			if err := tr.Close(ctx); err != nil {
				a.log.WarnContext(ctx, "session.close.fail",
					slog.String("sess_id", id),
					slog.String("err", err.Error()))
			}
		}
		a.store.Delete(id)
	}
	return nil
}
