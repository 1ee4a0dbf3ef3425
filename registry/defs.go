package registry

import (
	"context"
	"encoding/json"

	"github.com/relaykit/mcp-adapter-go/guards"
	"github.com/relaykit/mcp-adapter-go/mcp"
	"github.com/relaykit/mcp-adapter-go/sessions"
)

// Resolver marks a provider as eligible for capability dispatch. Providers
// that expose tool, prompt, or resource definitions without this marker are
// still discovered and listed, but every invocation of their handlers fails.
type Resolver interface {
	IsResolver()
}

// Guarded lets a provider attach class-level guards. They run before any
// method-level guards, in the order returned.
type Guarded interface {
	Guards() []guards.Guard
}

// ToolRequest carries the decoded inputs for one tool invocation.
type ToolRequest struct {
	// Params is the raw tools/call arguments object. Empty when the caller
	// sent none.
	Params json.RawMessage
	// Extra carries the session id plus the HTTP metadata captured at
	// session initialization.
	Extra *sessions.CallExtra
}

// PromptRequest carries the decoded inputs for one prompt retrieval.
type PromptRequest struct {
	Args  map[string]string
	Extra *sessions.CallExtra
}

// ResourceRequest carries the decoded inputs for one resource read. Variables
// is populated only for template-backed resources.
type ResourceRequest struct {
	URI       string
	Variables map[string]string
	Extra     *sessions.CallExtra
}

// ToolHandlerFunc is the provider-level tool handler signature.
type ToolHandlerFunc func(ctx context.Context, req *ToolRequest) (*mcp.CallToolResult, error)

// PromptHandlerFunc is the provider-level prompt handler signature.
type PromptHandlerFunc func(ctx context.Context, req *PromptRequest) (*mcp.GetPromptResult, error)

// ResourceHandlerFunc is the provider-level resource handler signature.
type ResourceHandlerFunc func(ctx context.Context, req *ResourceRequest) ([]mcp.ResourceContents, error)

// ToolDef declares one tool a provider exposes.
type ToolDef struct {
	Name        string
	Description string
	// InputSchema describes the tool's arguments. Leave nil for a tool that
	// takes no input; SchemaFor reflects one from a typed args struct.
	InputSchema *mcp.ToolInputSchema
	Annotations *mcp.ToolAnnotations
	// Guards run after any class-level guards, in order.
	Guards  []guards.Guard
	Handler ToolHandlerFunc
}

// PromptDef declares one prompt a provider exposes.
type PromptDef struct {
	Name        string
	Description string
	Arguments   []mcp.PromptArgument
	Guards      []guards.Guard
	Handler     PromptHandlerFunc
}

// ResourceDef declares one resource a provider exposes. Exactly one of URI
// and URITemplate must be set; a templated resource yields extracted template
// variables to its handler.
type ResourceDef struct {
	Name        string
	Description string
	URI         string
	URITemplate string
	MimeType    string
	Guards      []guards.Guard
	Handler     ResourceHandlerFunc
}

// ToolProvider exposes tool definitions for discovery.
type ToolProvider interface {
	Tools() []ToolDef
}

// PromptProvider exposes prompt definitions for discovery.
type PromptProvider interface {
	Prompts() []PromptDef
}

// ResourceProvider exposes resource definitions for discovery.
type ResourceProvider interface {
	Resources() []ResourceDef
}
