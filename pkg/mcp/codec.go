package mcp

import (
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// JSON-RPC error codes.
const (
	ErrCodeParse          int64 = -32700
	ErrCodeInvalidRequest int64 = -32600
	ErrCodeMethodNotFound int64 = -32601
	ErrCodeInvalidParams  int64 = -32602
	ErrCodeInternal       int64 = -32603
)

// ParseMessage decodes one JSON-RPC frame read from the agent. raw is
// retained, so callers must not reuse the buffer.
func ParseMessage(raw []byte) (*Message, error) {
	decoded, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, err
	}
	return &Message{Raw: raw, Decoded: decoded}, nil
}

type resultEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
}

type errorEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   ErrorDetail     `json:"error"`
}

// ErrorDetail is the error member of a JSON-RPC error response.
type ErrorDetail struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// NewResultResponse builds a success response to the request with id.
// result may be a json.RawMessage, which is embedded unchanged.
func NewResultResponse(id json.RawMessage, result any) (*Message, error) {
	raw, ok := result.(json.RawMessage)
	if !ok {
		var err error
		raw, err = json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshaling result: %w", err)
		}
	}
	data, err := json.Marshal(resultEnvelope{JSONRPC: "2.0", ID: nullID(id), Result: raw})
	if err != nil {
		return nil, fmt.Errorf("marshaling response: %w", err)
	}
	return &Message{Raw: data}, nil
}

// NewErrorResponse builds a JSON-RPC error response to the request with id.
func NewErrorResponse(id json.RawMessage, code int64, message string) *Message {
	data, _ := json.Marshal(errorEnvelope{
		JSONRPC: "2.0",
		ID:      nullID(id),
		Error:   ErrorDetail{Code: code, Message: message},
	})
	return &Message{Raw: data}
}

func nullID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// TextContent is a text content block of a tool result.
type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is a tools/call result built by the proxy itself.
type ToolResult struct {
	Content []TextContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ErrorResult is a tool-level failure carrying text for the agent.
func ErrorResult(text string) ToolResult {
	return ToolResult{
		Content: []TextContent{{Type: "text", Text: text}},
		IsError: true,
	}
}

// Tool is one entry of a tools/list result.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolsListResult is the tools/list result.
type ToolsListResult struct {
	Tools []Tool `json:"tools"`
}
