package guards

import (
	"encoding/json"
	"net/http"

	"github.com/relaykit/mcp-adapter-go/sessions"
)

// Args is the per-kind view of the call's resolved arguments. Only the
// fields that apply to the capability kind are populated:
//
//	tool with params:      Params, Extra
//	tool without params:   Extra
//	prompt with args:      PromptArgs, Extra
//	prompt without args:   Extra
//	resource, fixed URI:   URI, Extra
//	resource, templated:   URI, Variables, Extra
type Args struct {
	Params     json.RawMessage
	PromptArgs map[string]string
	URI        string
	Variables  map[string]string
	Extra      *sessions.CallExtra
}

// RequestInfo exposes the HTTP metadata captured when the session was
// initialized. There is no live request object behind it.
type RequestInfo struct {
	Headers http.Header
	Body    json.RawMessage
}

// ExecutionContext carries everything a guard may inspect about one call.
type ExecutionContext struct {
	kind       string
	capability string
	sessionID  string
	provider   any
	args       *Args
	request    *RequestInfo
}

// NewExecutionContext assembles a context for one invocation. kind is one of
// "tool", "prompt", or "resource"; capability is the registered name.
func NewExecutionContext(kind, capability, sessionID string, provider any, args *Args, request *RequestInfo) *ExecutionContext {
	return &ExecutionContext{
		kind:       kind,
		capability: capability,
		sessionID:  sessionID,
		provider:   provider,
		args:       args,
		request:    request,
	}
}

// Kind returns the capability kind being invoked.
func (ec *ExecutionContext) Kind() string { return ec.kind }

// Capability returns the registered capability name.
func (ec *ExecutionContext) Capability() string { return ec.capability }

// SessionID returns the resolved session id.
func (ec *ExecutionContext) SessionID() string { return ec.sessionID }

// Provider returns the provider instance owning the target handler.
func (ec *ExecutionContext) Provider() any { return ec.provider }

// Args returns the typed argument view for the capability kind.
func (ec *ExecutionContext) Args() *Args { return ec.args }

// HTTPRequest returns the captured request metadata for guard logic.
func (ec *ExecutionContext) HTTPRequest() *RequestInfo { return ec.request }

// HTTPResponse always panics: the protocol has no per-call HTTP response
// object, and reaching for one from a guard is a programming error.
func (ec *ExecutionContext) HTTPResponse() any {
	panic("guards: HTTPResponse is not available in an MCP execution context")
}

// Next always panics: there is no middleware continuation in this protocol.
func (ec *ExecutionContext) Next() any {
	panic("guards: Next is not available in an MCP execution context")
}
