// Package mcp is the live-data tool gateway. It speaks a JSON-RPC tool
// protocol to a single tool server over stdio or HTTP and normalizes every
// outcome into a ToolResult the orchestrator can always render.
package mcp

import (
	"context"
	"encoding/json"
)

// Protocol selects the transport to the tool server.
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolStdio Protocol = "stdio"
)

// ToolSchema is the raw tool description from the server's tools/list.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Capabilities is the server capability set from the initialize handshake.
type Capabilities struct {
	Tools     bool `json:"tools"`
	Resources bool `json:"resources"`
	Prompts   bool `json:"prompts"`
}

// ToolCall names a tool and its arguments.
type ToolCall struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ContentItem is one normalized piece of tool output.
type ContentItem struct {
	Kind string `json:"kind"` // "text" is the only kind servers send today
	Text string `json:"text"`
}

// ToolResult is the gateway's uniform call outcome. IsError true means the
// text content is an error description rather than tool data. Content is
// never empty after normalization.
type ToolResult struct {
	ToolName  string        `json:"toolName"`
	Content   []ContentItem `json:"content"`
	IsError   bool          `json:"isError"`
	LatencyMs int64         `json:"latencyMs"`
}

// Text joins all text content items with newlines.
func (r ToolResult) Text() string {
	out := ""
	for i, item := range r.Content {
		if i > 0 {
			out += "\n"
		}
		out += item.Text
	}
	return out
}

// callResult is the raw transport-level outcome before normalization.
type callResult struct {
	Success   bool
	Output    json.RawMessage
	Error     string
	LatencyMs int64
}

// Transport moves JSON-RPC frames to the tool server. Stdio and HTTP
// implementations honor the same contract: Connect performs the initialize
// handshake, ListTools and CallTool fail with an error only for transport
// problems — a tool-level failure still comes back as a callResult.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	ListTools(ctx context.Context) ([]ToolSchema, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*callResult, error)
	IsConnected() bool
}

// =============================================================================
// JSON-RPC FRAMING
// =============================================================================

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

const protocolVersion = "2024-11-05"

func initializeParams() map[string]interface{} {
	return map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]string{
			"name":    "concierge",
			"version": "1.0.0",
		},
	}
}
