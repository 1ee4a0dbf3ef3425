// Package jsonrpc implements the small slice of JSON-RPC 2.0 framing the
// adapter needs: single-message parse/serialize, request ids that may be
// strings or numbers, and the error codes used on the wire.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	ErrorCodeParseError     ErrorCode = -32700
	ErrorCodeInvalidRequest ErrorCode = -32600
	ErrorCodeMethodNotFound ErrorCode = -32601
	ErrorCodeInvalidParams  ErrorCode = -32602
	ErrorCodeInternalError  ErrorCode = -32603

	// ErrorCodeServerError is the generic transport-level rejection code
	// used for missing-session and admission-control failures.
	ErrorCodeServerError ErrorCode = -32000
	// ErrorCodeAuthRequired signals that the call carried no session
	// identity at all.
	ErrorCodeAuthRequired ErrorCode = -32001
	// ErrorCodeAccessDenied signals a guard denial or an unknown session id.
	ErrorCodeAccessDenied ErrorCode = -32002
)

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// Request represents a JSON-RPC request (with an ID) or notification (without).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool { return r.ID.IsNil() }

// Response represents a JSON-RPC response.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// NewResultResponse builds a successful response, marshaling result.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPCVersion: ProtocolVersion, Result: b, ID: id}, nil
}

// NewErrorResponse builds an error response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error:          &Error{Code: code, Message: message},
		ID:             id,
	}
}

// ErrorBody is the structured error body written for transport-level HTTP
// rejections (no session, admission limit). Shape:
//
//	{"jsonrpc":"2.0","error":{"code":...,"message":"..."},"id":null}
func ErrorBody(code ErrorCode, message string) []byte {
	b, _ := json.Marshal(map[string]any{
		"jsonrpc": ProtocolVersion,
		"error":   map[string]any{"code": int(code), "message": message},
		"id":      nil,
	})
	return b
}

// ParseRequest decodes a single JSON-RPC request or notification. Batch
// arrays and response messages are rejected.
func ParseRequest(data []byte) (*Request, error) {
	for _, c := range data {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			return nil, fmt.Errorf("batch messages are not supported")
		}
		break
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON-RPC message: %w", err)
	}
	if req.JSONRPCVersion != ProtocolVersion {
		return nil, fmt.Errorf("invalid JSON-RPC version %q", req.JSONRPCVersion)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("message is not a request")
	}
	return &req, nil
}
