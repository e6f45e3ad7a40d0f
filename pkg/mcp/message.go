// Package mcp provides the JSON-RPC message types and helpers used by the
// latch gateway to speak MCP to the agent.
package mcp

import (
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Method names handled by the gateway.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodPing        = "ping"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
)

// Message is one JSON-RPC frame: the bytes as read or written, and the
// decoded form for frames read from the agent.
type Message struct {
	// Raw is the wire form of the message, without the trailing newline.
	Raw []byte

	// Decoded is nil for messages built by the gateway itself.
	// Otherwise it is a *jsonrpc.Request or *jsonrpc.Response.
	Decoded jsonrpc.Message
}

// IsRequest reports whether the message is a request or notification.
func (m *Message) IsRequest() bool {
	return m.Request() != nil
}

// IsNotification reports whether the message is a request without an id,
// which expects no response.
func (m *Message) IsNotification() bool {
	return m.IsRequest() && m.RawID() == nil
}

// Method returns the request method, or "" for anything else.
func (m *Message) Method() string {
	if req := m.Request(); req != nil {
		return req.Method
	}
	return ""
}

// IsToolCall reports whether the message is a tools/call request.
func (m *Message) IsToolCall() bool {
	return m.Method() == MethodToolsCall
}

// Request returns the decoded request, or nil.
func (m *Message) Request() *jsonrpc.Request {
	req, _ := m.Decoded.(*jsonrpc.Request)
	return req
}

// Params decodes the request params as an object. It returns nil when the
// message is not a request or its params are absent or not an object.
func (m *Message) Params() map[string]any {
	req := m.Request()
	if req == nil || req.Params == nil {
		return nil
	}
	var params map[string]any
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil
	}
	return params
}

// ToolCallParams are the params of a tools/call request.
type ToolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolCall decodes tools/call params. ok is false for other messages or
// params without a tool name. Missing arguments decode as an empty map.
func (m *Message) ToolCall() (params ToolCallParams, ok bool) {
	req := m.Request()
	if req == nil || req.Method != MethodToolsCall || req.Params == nil {
		return ToolCallParams{}, false
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return ToolCallParams{}, false
	}
	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}
	return params, true
}

// RawID returns the request id exactly as it appeared on the wire, or nil
// when there is none. jsonrpc.ID does not survive a round trip through
// interface{}, so responses echo these bytes instead.
func (m *Message) RawID() json.RawMessage {
	if m.Raw == nil {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(m.Raw, &raw); err != nil {
		return nil
	}
	return raw["id"]
}
