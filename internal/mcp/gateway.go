package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"concierge/internal/logging"
)

// Gateway is the orchestrator's single entry to the tool server. It
// connects lazily on first use, reuses the connection for every later
// call, and never returns an error from Call: any failure becomes a
// renderable ToolResult with IsError set.
type Gateway struct {
	mu        sync.Mutex
	transport Transport
	connected bool

	formatters *FormatterRegistry
}

// NewGateway wraps a transport. A nil registry falls back to defaults.
func NewGateway(transport Transport, formatters *FormatterRegistry) *Gateway {
	if formatters == nil {
		formatters = DefaultFormatters()
	}
	return &Gateway{transport: transport, formatters: formatters}
}

// ensureConnected lazily connects once; concurrent first callers collapse
// to a single handshake. A failed connect leaves the gateway ready to retry.
func (g *Gateway) ensureConnected(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.connected && g.transport.IsConnected() {
		return nil
	}

	if err := g.transport.Connect(ctx); err != nil {
		return err
	}
	g.connected = true
	return nil
}

// ListTools returns the server's tool catalog.
func (g *Gateway) ListTools(ctx context.Context) ([]ToolSchema, error) {
	if err := g.ensureConnected(ctx); err != nil {
		return nil, err
	}
	return g.transport.ListTools(ctx)
}

// Close shuts the transport down.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = false
	return g.transport.Close()
}

// Call invokes a tool and normalizes the outcome. It never returns an
// error: connection failures, transport failures, and tool-level errors all
// surface as a ToolResult with IsError set and a text description.
func (g *Gateway) Call(ctx context.Context, call ToolCall) ToolResult {
	timer := logging.StartTimer(logging.CategoryTools, "Call:"+call.Name)
	defer timer.StopWithThreshold(5 * time.Second)

	if err := g.ensureConnected(ctx); err != nil {
		logging.ToolsWarn("Tool server unreachable for %s: %v", call.Name, err)
		return ToolResult{
			ToolName: call.Name,
			Content:  []ContentItem{{Kind: "text", Text: "tool server is not reachable"}},
			IsError:  true,
		}
	}

	raw, err := g.transport.CallTool(ctx, call.Name, call.Arguments)
	if err != nil {
		logging.ToolsError("Transport failure calling %s: %v", call.Name, err)
		return ToolResult{
			ToolName: call.Name,
			Content:  []ContentItem{{Kind: "text", Text: err.Error()}},
			IsError:  true,
		}
	}

	if !raw.Success {
		return ToolResult{
			ToolName:  call.Name,
			Content:   []ContentItem{{Kind: "text", Text: raw.Error}},
			IsError:   true,
			LatencyMs: raw.LatencyMs,
		}
	}

	result := normalizeOutput(call.Name, raw.Output)
	result.LatencyMs = raw.LatencyMs
	logging.ToolsDebug("Tool %s returned %d content items (error=%v, %dms)",
		call.Name, len(result.Content), result.IsError, result.LatencyMs)
	return result
}

// CallFormatted invokes a tool and renders its payload through the
// per-category formatter. Tool-reported errors pass through verbatim;
// unparseable payloads yield the category's unavailable message.
func (g *Gateway) CallFormatted(ctx context.Context, call ToolCall) (string, ToolResult) {
	result := g.Call(ctx, call)

	if result.IsError {
		return result.Text(), result
	}

	formatted := g.formatters.Format(call.Name, result.Text())
	return formatted, result
}

// normalizeOutput turns the server's result payload into a uniform content
// slice. Servers send content as an array of typed items, a single item, or
// nothing at all; anything unrecognized is kept verbatim as one text item.
func normalizeOutput(toolName string, raw json.RawMessage) ToolResult {
	result := ToolResult{ToolName: toolName}

	var envelope struct {
		Content json.RawMessage `json:"content"`
		IsError bool            `json:"isError"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || len(envelope.Content) == 0 {
		result.Content = []ContentItem{{Kind: "text", Text: string(raw)}}
		return result
	}

	result.IsError = envelope.IsError

	type wireItem struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}

	var items []wireItem
	if err := json.Unmarshal(envelope.Content, &items); err != nil {
		var single wireItem
		if err := json.Unmarshal(envelope.Content, &single); err != nil {
			result.Content = []ContentItem{{Kind: "text", Text: string(envelope.Content)}}
			return result
		}
		items = []wireItem{single}
	}

	for _, item := range items {
		kind := item.Type
		if kind == "" {
			kind = "text"
		}
		result.Content = append(result.Content, ContentItem{Kind: kind, Text: item.Text})
	}

	if len(result.Content) == 0 {
		result.Content = []ContentItem{{Kind: "text", Text: ""}}
	}

	return result
}
