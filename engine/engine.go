// Package engine implements the per-session protocol engine. Each client
// session gets a freshly constructed Engine with the full capability set
// registered before the transport delegates its first message.
//
// The engine owns method dispatch only. Session bookkeeping lives in the
// sessions package; authorization runs inside the wrapped handlers the
// registry hands in. The engine never calls user code directly.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relaykit/mcp-adapter-go/guards"
	"github.com/relaykit/mcp-adapter-go/internal/jsonrpc"
	"github.com/relaykit/mcp-adapter-go/internal/logctx"
	"github.com/relaykit/mcp-adapter-go/mcp"
	"github.com/relaykit/mcp-adapter-go/sessions"
	"github.com/yosida95/uritemplate/v3"
)

var (
	// ErrAlreadyConnected is returned by Connect on a second transport.
	ErrAlreadyConnected = errors.New("engine already connected to a transport")
	// ErrDuplicateName is returned when a capability name is registered
	// twice within its kind.
	ErrDuplicateName = errors.New("duplicate capability name")
)

// ToolHandler is the wrapped form of a tool invocation.
type ToolHandler func(ctx context.Context, extra *sessions.CallExtra, params json.RawMessage) (*mcp.CallToolResult, error)

// PromptHandler is the wrapped form of a prompt retrieval.
type PromptHandler func(ctx context.Context, extra *sessions.CallExtra, args map[string]string) (*mcp.GetPromptResult, error)

// ResourceHandler is the wrapped form of a resource read. For templated
// resources, variables holds the values extracted from the request URI.
type ResourceHandler func(ctx context.Context, extra *sessions.CallExtra, uri string, variables map[string]string) ([]mcp.ResourceContents, error)

// Transport is the engine's view of its owning transport.
type Transport interface {
	SessionID() string
}

type toolEntry struct {
	descriptor mcp.Tool
	handler    ToolHandler
}

type promptEntry struct {
	descriptor mcp.Prompt
	handler    PromptHandler
}

type resourceEntry struct {
	descriptor mcp.Resource
	handler    ResourceHandler
}

type templateEntry struct {
	descriptor mcp.ResourceTemplate
	template   *uritemplate.Template
	handler    ResourceHandler
}

// Engine dispatches protocol methods to registered capability handlers.
type Engine struct {
	log          *slog.Logger
	info         mcp.ImplementationInfo
	instructions string

	mu        sync.RWMutex
	transport Transport
	tools     []toolEntry
	prompts   []promptEntry
	resources []resourceEntry
	templates []templateEntry
	toolIdx   map[string]int
	promptIdx map[string]int
}

// Option configures an Engine.
type Option func(*Engine)

// WithServerInfo sets the implementation info returned by initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(e *Engine) { e.info = info }
}

// WithInstructions sets the instructions string returned by initialize.
func WithInstructions(s string) Option {
	return func(e *Engine) { e.instructions = s }
}

// WithLogger sets the engine logger. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// New constructs an empty Engine. Register the capability set before
// connecting a transport.
func New(opts ...Option) *Engine {
	e := &Engine{
		log:       slog.New(slog.DiscardHandler),
		info:      mcp.ImplementationInfo{Name: "mcp-adapter", Version: "0.0.0"},
		toolIdx:   make(map[string]int),
		promptIdx: make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Connect binds the engine to its transport. An engine serves exactly one
// transport for its lifetime.
func (e *Engine) Connect(t Transport) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.transport != nil {
		return ErrAlreadyConnected
	}
	e.transport = t
	return nil
}

// RegisterTool adds a tool. Duplicate names within the kind are rejected.
func (e *Engine) RegisterTool(tool mcp.Tool, h ToolHandler) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if h == nil {
		return fmt.Errorf("tool %q: handler must not be nil", tool.Name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.toolIdx[tool.Name]; ok {
		return fmt.Errorf("%w: tool %q", ErrDuplicateName, tool.Name)
	}
	e.toolIdx[tool.Name] = len(e.tools)
	e.tools = append(e.tools, toolEntry{descriptor: tool, handler: h})
	return nil
}

// RegisterPrompt adds a prompt. Duplicate names within the kind are rejected.
func (e *Engine) RegisterPrompt(p mcp.Prompt, h PromptHandler) error {
	if p.Name == "" {
		return fmt.Errorf("prompt name must not be empty")
	}
	if h == nil {
		return fmt.Errorf("prompt %q: handler must not be nil", p.Name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.promptIdx[p.Name]; ok {
		return fmt.Errorf("%w: prompt %q", ErrDuplicateName, p.Name)
	}
	e.promptIdx[p.Name] = len(e.prompts)
	e.prompts = append(e.prompts, promptEntry{descriptor: p, handler: h})
	return nil
}

// RegisterResource adds a fixed-URI resource.
func (e *Engine) RegisterResource(res mcp.Resource, h ResourceHandler) error {
	if res.URI == "" {
		return fmt.Errorf("resource %q: uri must not be empty", res.Name)
	}
	if h == nil {
		return fmt.Errorf("resource %q: handler must not be nil", res.Name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.resources {
		if existing.descriptor.URI == res.URI {
			return fmt.Errorf("%w: resource uri %q", ErrDuplicateName, res.URI)
		}
	}
	e.resources = append(e.resources, resourceEntry{descriptor: res, handler: h})
	return nil
}

// RegisterResourceTemplate adds a templated resource. The URI template is
// compiled eagerly so malformed templates surface at registration time.
func (e *Engine) RegisterResourceTemplate(rt mcp.ResourceTemplate, h ResourceHandler) error {
	if h == nil {
		return fmt.Errorf("resource template %q: handler must not be nil", rt.Name)
	}
	tpl, err := uritemplate.New(rt.URITemplate)
	if err != nil {
		return fmt.Errorf("resource template %q: %w", rt.Name, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.templates {
		if existing.descriptor.URITemplate == rt.URITemplate {
			return fmt.Errorf("%w: resource template %q", ErrDuplicateName, rt.URITemplate)
		}
	}
	e.templates = append(e.templates, templateEntry{descriptor: rt, template: tpl, handler: h})
	return nil
}

// HandleMessage dispatches a single inbound JSON-RPC message. Notifications
// produce a nil response. Request-handling failures are mapped onto protocol
// error responses, never returned as Go errors; the error return is reserved
// for undecodable input.
func (e *Engine) HandleMessage(ctx context.Context, extra *sessions.CallExtra, data []byte) (*jsonrpc.Response, error) {
	req, err := jsonrpc.ParseRequest(data)
	if err != nil {
		return jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, err.Error()), nil
	}

	ctx = logctx.WithRPCData(ctx, &logctx.RPCData{Method: req.Method, ID: req.ID.String()})

	if req.IsNotification() {
		e.log.DebugContext(ctx, "rpc.notification.recv")
		return nil, nil
	}

	var result any
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		result, err = e.handleInitialize(ctx, req)
	case mcp.PingMethod:
		result = mcp.EmptyResult{}
	case mcp.ToolsListMethod:
		result = e.listTools()
	case mcp.ToolsCallMethod:
		result, err = e.handleToolCall(ctx, extra, req)
	case mcp.PromptsListMethod:
		result = e.listPrompts()
	case mcp.PromptsGetMethod:
		result, err = e.handlePromptGet(ctx, extra, req)
	case mcp.ResourcesListMethod:
		result = e.listResources()
	case mcp.ResourcesTemplatesListMethod:
		result = e.listResourceTemplates()
	case mcp.ResourcesReadMethod:
		result, err = e.handleResourceRead(ctx, extra, req)
	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method)), nil
	}
	if err != nil {
		return e.errorResponse(ctx, req, err), nil
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		e.log.ErrorContext(ctx, "rpc.result.marshal.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error"), nil
	}
	return resp, nil
}

// errorResponse maps pipeline failures to protocol error codes. Guard and
// session errors get dedicated codes so clients can distinguish "log in"
// from "forbidden"; everything else is an internal error.
func (e *Engine) errorResponse(ctx context.Context, req *jsonrpc.Request, err error) *jsonrpc.Response {
	var code jsonrpc.ErrorCode
	switch {
	case errors.Is(err, guards.ErrAuthenticationRequired):
		code = jsonrpc.ErrorCodeAuthRequired
	case errors.Is(err, guards.ErrAccessDenied):
		code = jsonrpc.ErrorCodeAccessDenied
	case errors.Is(err, errInvalidParams):
		code = jsonrpc.ErrorCodeInvalidParams
	default:
		code = jsonrpc.ErrorCodeInternalError
	}
	e.log.InfoContext(ctx, "rpc.request.fail", slog.Int("code", int(code)), slog.String("err", err.Error()))
	return jsonrpc.NewErrorResponse(req.ID, code, err.Error())
}

var errInvalidParams = errors.New("invalid params")

func (e *Engine) handleInitialize(ctx context.Context, req *jsonrpc.Request) (*mcp.InitializeResult, error) {
	var initReq mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &initReq); err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalidParams, err)
		}
	}
	version := initReq.ProtocolVersion
	if version == "" {
		version = mcp.LatestProtocolVersion
	}
	res := &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    e.capabilities(),
		ServerInfo:      e.info,
		Instructions:    e.instructions,
	}
	e.log.InfoContext(ctx, "session.handshake.ok",
		slog.String("client", initReq.ClientInfo.Name),
		slog.String("protocol_version", version))
	return res, nil
}

func (e *Engine) capabilities() mcp.ServerCapabilities {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var caps mcp.ServerCapabilities
	if len(e.tools) > 0 {
		caps.Tools = &struct {
			ListChanged bool `json:"listChanged"`
		}{}
	}
	if len(e.prompts) > 0 {
		caps.Prompts = &struct {
			ListChanged bool `json:"listChanged"`
		}{}
	}
	if len(e.resources) > 0 || len(e.templates) > 0 {
		caps.Resources = &struct {
			ListChanged bool `json:"listChanged"`
			Subscribe   bool `json:"subscribe"`
		}{}
	}
	return caps
}

func (e *Engine) listTools() *mcp.ListToolsResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]mcp.Tool, len(e.tools))
	for i, t := range e.tools {
		out[i] = t.descriptor
	}
	return &mcp.ListToolsResult{Tools: out}
}

func (e *Engine) listPrompts() *mcp.ListPromptsResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]mcp.Prompt, len(e.prompts))
	for i, p := range e.prompts {
		out[i] = p.descriptor
	}
	return &mcp.ListPromptsResult{Prompts: out}
}

func (e *Engine) listResources() *mcp.ListResourcesResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]mcp.Resource, len(e.resources))
	for i, r := range e.resources {
		out[i] = r.descriptor
	}
	return &mcp.ListResourcesResult{Resources: out}
}

func (e *Engine) listResourceTemplates() *mcp.ListResourceTemplatesResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]mcp.ResourceTemplate, len(e.templates))
	for i, t := range e.templates {
		out[i] = t.descriptor
	}
	return &mcp.ListResourceTemplatesResult{ResourceTemplates: out}
}

func (e *Engine) handleToolCall(ctx context.Context, extra *sessions.CallExtra, req *jsonrpc.Request) (*mcp.CallToolResult, error) {
	var call mcp.CallToolRequest
	if err := json.Unmarshal(req.Params, &call); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	e.mu.RLock()
	idx, ok := e.toolIdx[call.Name]
	var entry toolEntry
	if ok {
		entry = e.tools[idx]
	}
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown tool %q", errInvalidParams, call.Name)
	}
	ctx = logctx.WithCapabilityData(ctx, &logctx.CapabilityData{Kind: "tool", Name: call.Name})
	return entry.handler(ctx, extra, call.Arguments)
}

func (e *Engine) handlePromptGet(ctx context.Context, extra *sessions.CallExtra, req *jsonrpc.Request) (*mcp.GetPromptResult, error) {
	var get mcp.GetPromptRequest
	if err := json.Unmarshal(req.Params, &get); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	e.mu.RLock()
	idx, ok := e.promptIdx[get.Name]
	var entry promptEntry
	if ok {
		entry = e.prompts[idx]
	}
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown prompt %q", errInvalidParams, get.Name)
	}
	ctx = logctx.WithCapabilityData(ctx, &logctx.CapabilityData{Kind: "prompt", Name: get.Name})
	return entry.handler(ctx, extra, get.Arguments)
}

// handleResourceRead resolves fixed URIs first; template matching only runs
// when no fixed resource claims the URI.
func (e *Engine) handleResourceRead(ctx context.Context, extra *sessions.CallExtra, req *jsonrpc.Request) (*mcp.ReadResourceResult, error) {
	var read mcp.ReadResourceRequest
	if err := json.Unmarshal(req.Params, &read); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	if read.URI == "" {
		return nil, fmt.Errorf("%w: uri is required", errInvalidParams)
	}

	e.mu.RLock()
	var handler ResourceHandler
	var name string
	for _, r := range e.resources {
		if r.descriptor.URI == read.URI {
			handler = r.handler
			name = r.descriptor.Name
			break
		}
	}
	var variables map[string]string
	if handler == nil {
		for _, t := range e.templates {
			match := t.template.Match(read.URI)
			if match == nil {
				continue
			}
			variables = make(map[string]string, len(t.template.Varnames()))
			for _, v := range t.template.Varnames() {
				variables[v] = match.Get(v).String()
			}
			handler = t.handler
			name = t.descriptor.Name
			break
		}
	}
	e.mu.RUnlock()

	if handler == nil {
		return nil, fmt.Errorf("%w: no resource for uri %q", errInvalidParams, read.URI)
	}
	ctx = logctx.WithCapabilityData(ctx, &logctx.CapabilityData{Kind: "resource", Name: name})
	contents, err := handler(ctx, extra, read.URI, variables)
	if err != nil {
		return nil, err
	}
	return &mcp.ReadResourceResult{Contents: contents}, nil
}
