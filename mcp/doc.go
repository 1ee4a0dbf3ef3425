// Package mcp defines the wire-level protocol types exchanged between MCP
// clients and servers: capability descriptors (tools, prompts, resources),
// request/result payloads, and method name constants.
//
// The package is intentionally free of behavior. Dispatch lives in the engine
// package; transports frame these types as JSON-RPC messages.
package mcp
