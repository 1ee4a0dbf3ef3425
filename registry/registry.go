// Package registry discovers capability definitions on provider instances
// and registers them, wrapped with the session and guard pipeline, onto a
// protocol engine.
//
// Discovery is structural: a provider exposes capabilities by implementing
// ToolProvider, PromptProvider, or ResourceProvider, and opts into dispatch
// with the Resolver marker. Definitions from an unmarked provider are still
// listed so the capability surface is visible, but invoking them fails.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/relaykit/mcp-adapter-go/engine"
	"github.com/relaykit/mcp-adapter-go/guards"
	"github.com/relaykit/mcp-adapter-go/mcp"
	"github.com/relaykit/mcp-adapter-go/sessions"
)

// Registry holds the provider set and the session store every wrapped
// handler resolves against.
type Registry struct {
	store     *sessions.Store
	providers []any
	log       *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// New constructs a Registry over the given providers. Provider order is
// preserved; within a provider, definition order is preserved.
func New(store *sessions.Store, providers []any, opts ...Option) *Registry {
	r := &Registry{
		store:     store,
		providers: providers,
		log:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Discovered pairs a definition with the provider instance that declared it.
type Discovered[D any] struct {
	Provider any
	Def      D
}

// DiscoverTools returns every tool definition in discovery order.
func (r *Registry) DiscoverTools() []Discovered[ToolDef] {
	var out []Discovered[ToolDef]
	for _, prov := range r.providers {
		tp, ok := prov.(ToolProvider)
		if !ok {
			continue
		}
		for _, def := range tp.Tools() {
			out = append(out, Discovered[ToolDef]{Provider: prov, Def: def})
		}
	}
	return out
}

// DiscoverPrompts returns every prompt definition in discovery order.
func (r *Registry) DiscoverPrompts() []Discovered[PromptDef] {
	var out []Discovered[PromptDef]
	for _, prov := range r.providers {
		pp, ok := prov.(PromptProvider)
		if !ok {
			continue
		}
		for _, def := range pp.Prompts() {
			out = append(out, Discovered[PromptDef]{Provider: prov, Def: def})
		}
	}
	return out
}

// DiscoverResources returns every resource definition in discovery order.
func (r *Registry) DiscoverResources() []Discovered[ResourceDef] {
	var out []Discovered[ResourceDef]
	for _, prov := range r.providers {
		rp, ok := prov.(ResourceProvider)
		if !ok {
			continue
		}
		for _, def := range rp.Resources() {
			out = append(out, Discovered[ResourceDef]{Provider: prov, Def: def})
		}
	}
	return out
}

// RegisterAll wires every discovered definition onto the engine, wrapped
// with session resolution and the guard pipeline. A definition that fails
// registration (duplicate name, malformed template, nil handler) is logged
// and skipped; the remaining definitions still register.
func (r *Registry) RegisterAll(eng *engine.Engine) {
	for _, d := range r.DiscoverTools() {
		desc := mcp.Tool{
			Name:        d.Def.Name,
			Description: d.Def.Description,
			Annotations: d.Def.Annotations,
		}
		if d.Def.InputSchema != nil {
			desc.InputSchema = *d.Def.InputSchema
		} else {
			desc.InputSchema = mcp.ToolInputSchema{Type: "object", Properties: map[string]mcp.SchemaProperty{}}
		}
		if err := eng.RegisterTool(desc, r.wrapTool(d.Provider, d.Def)); err != nil {
			r.log.Warn("registry.register.skip",
				slog.String("kind", "tool"),
				slog.String("name", d.Def.Name),
				slog.String("err", err.Error()))
			continue
		}
		r.log.Debug("registry.register.ok", slog.String("kind", "tool"), slog.String("name", d.Def.Name))
	}

	for _, d := range r.DiscoverPrompts() {
		desc := mcp.Prompt{
			Name:        d.Def.Name,
			Description: d.Def.Description,
			Arguments:   d.Def.Arguments,
		}
		if err := eng.RegisterPrompt(desc, r.wrapPrompt(d.Provider, d.Def)); err != nil {
			r.log.Warn("registry.register.skip",
				slog.String("kind", "prompt"),
				slog.String("name", d.Def.Name),
				slog.String("err", err.Error()))
			continue
		}
		r.log.Debug("registry.register.ok", slog.String("kind", "prompt"), slog.String("name", d.Def.Name))
	}

	for _, d := range r.DiscoverResources() {
		var err error
		switch {
		case d.Def.URI != "" && d.Def.URITemplate != "":
			err = fmt.Errorf("resource %q: uri and uriTemplate are mutually exclusive", d.Def.Name)
		case d.Def.URI != "":
			desc := mcp.Resource{
				URI:         d.Def.URI,
				Name:        d.Def.Name,
				Description: d.Def.Description,
				MimeType:    d.Def.MimeType,
			}
			err = eng.RegisterResource(desc, r.wrapResource(d.Provider, d.Def))
		case d.Def.URITemplate != "":
			desc := mcp.ResourceTemplate{
				URITemplate: d.Def.URITemplate,
				Name:        d.Def.Name,
				Description: d.Def.Description,
				MimeType:    d.Def.MimeType,
			}
			err = eng.RegisterResourceTemplate(desc, r.wrapResource(d.Provider, d.Def))
		default:
			err = fmt.Errorf("resource %q: uri or uriTemplate is required", d.Def.Name)
		}
		if err != nil {
			r.log.Warn("registry.register.skip",
				slog.String("kind", "resource"),
				slog.String("name", d.Def.Name),
				slog.String("err", err.Error()))
			continue
		}
		r.log.Debug("registry.register.ok", slog.String("kind", "resource"), slog.String("name", d.Def.Name))
	}
}

// resolveSession maps the transport-supplied extra onto a live session entry
// and returns a fresh extra enriched with the captured initialization
// metadata. A missing id means the caller never identified itself; an
// unknown id means it identified itself with something the store no longer
// holds. The two cases surface as distinct errors.
func (r *Registry) resolveSession(extra *sessions.CallExtra) (*sessions.CallExtra, error) {
	if extra == nil || extra.SessionID == "" {
		return nil, guards.ErrAuthenticationRequired
	}
	sess, err := r.store.Use(extra.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown session %q", guards.ErrAccessDenied, extra.SessionID)
	}
	return &sessions.CallExtra{
		SessionID: sess.ID(),
		Headers:   sess.Headers(),
		Body:      sess.Body(),
	}, nil
}

// guardChain concatenates class-level guards with a definition's own.
func guardChain(prov any, defGuards []guards.Guard) []guards.Guard {
	g, ok := prov.(Guarded)
	if !ok {
		return defGuards
	}
	class := g.Guards()
	if len(class) == 0 {
		return defGuards
	}
	chain := make([]guards.Guard, 0, len(class)+len(defGuards))
	chain = append(chain, class...)
	chain = append(chain, defGuards...)
	return chain
}

func requireResolver(prov any, name string) error {
	if _, ok := prov.(Resolver); !ok {
		return fmt.Errorf("provider %T is not a resolver; capability %q cannot be dispatched", prov, name)
	}
	return nil
}

func (r *Registry) wrapTool(prov any, def ToolDef) engine.ToolHandler {
	chain := guardChain(prov, def.Guards)
	return func(ctx context.Context, extra *sessions.CallExtra, params json.RawMessage) (*mcp.CallToolResult, error) {
		resolved, err := r.resolveSession(extra)
		if err != nil {
			return nil, err
		}
		if err := requireResolver(prov, def.Name); err != nil {
			return nil, err
		}
		args := &guards.Args{Extra: resolved}
		if len(params) > 0 {
			args.Params = params
		}
		ec := guards.NewExecutionContext("tool", def.Name, resolved.SessionID, prov, args,
			&guards.RequestInfo{Headers: resolved.Headers, Body: resolved.Body})
		if err := guards.Run(ctx, chain, ec); err != nil {
			return nil, err
		}
		return def.Handler(ctx, &ToolRequest{Params: args.Params, Extra: resolved})
	}
}

func (r *Registry) wrapPrompt(prov any, def PromptDef) engine.PromptHandler {
	chain := guardChain(prov, def.Guards)
	return func(ctx context.Context, extra *sessions.CallExtra, promptArgs map[string]string) (*mcp.GetPromptResult, error) {
		resolved, err := r.resolveSession(extra)
		if err != nil {
			return nil, err
		}
		if err := requireResolver(prov, def.Name); err != nil {
			return nil, err
		}
		args := &guards.Args{Extra: resolved}
		if len(promptArgs) > 0 {
			args.PromptArgs = promptArgs
		}
		ec := guards.NewExecutionContext("prompt", def.Name, resolved.SessionID, prov, args,
			&guards.RequestInfo{Headers: resolved.Headers, Body: resolved.Body})
		if err := guards.Run(ctx, chain, ec); err != nil {
			return nil, err
		}
		return def.Handler(ctx, &PromptRequest{Args: args.PromptArgs, Extra: resolved})
	}
}

func (r *Registry) wrapResource(prov any, def ResourceDef) engine.ResourceHandler {
	chain := guardChain(prov, def.Guards)
	return func(ctx context.Context, extra *sessions.CallExtra, uri string, variables map[string]string) ([]mcp.ResourceContents, error) {
		resolved, err := r.resolveSession(extra)
		if err != nil {
			return nil, err
		}
		if err := requireResolver(prov, def.Name); err != nil {
			return nil, err
		}
		args := &guards.Args{URI: uri, Variables: variables, Extra: resolved}
		ec := guards.NewExecutionContext("resource", def.Name, resolved.SessionID, prov, args,
			&guards.RequestInfo{Headers: resolved.Headers, Body: resolved.Body})
		if err := guards.Run(ctx, chain, ec); err != nil {
			return nil, err
		}
		return def.Handler(ctx, &ResourceRequest{URI: uri, Variables: variables, Extra: resolved})
	}
}
