package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"concierge/internal/logging"
)

// HTTPTransport speaks JSON-RPC to a tool server over a single HTTP
// endpoint. Behaviorally identical to the stdio transport.
type HTTPTransport struct {
	mu sync.RWMutex

	baseURL   string
	client    *http.Client
	connected bool
}

// NewHTTPTransport creates an HTTP transport for the given endpoint.
func NewHTTPTransport(baseURL string, timeout time.Duration) *HTTPTransport {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Connect runs the initialize handshake to verify the server.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	if _, err := t.post(ctx, "initialize", initializeParams()); err != nil {
		return fmt.Errorf("failed to connect to tool server at %s: %w", t.baseURL, err)
	}

	t.connected = true
	logging.Tools("HTTP tool transport connected to %s", t.baseURL)
	return nil
}

// Close marks the transport disconnected. HTTP holds no persistent state.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connected = false
	logging.Tools("HTTP tool transport disconnected from %s", t.baseURL)
	return nil
}

// ListTools retrieves the tool catalog.
func (t *HTTPTransport) ListTools(ctx context.Context) ([]ToolSchema, error) {
	if !t.IsConnected() {
		return nil, fmt.Errorf("not connected to tool server")
	}

	resp, err := t.post(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	var result struct {
		Tools []ToolSchema `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tools response: %w", err)
	}

	logging.ToolsDebug("Tool server returned %d tools", len(result.Tools))
	return result.Tools, nil
}

// CallTool invokes a tool. Transport errors come back inside the result.
func (t *HTTPTransport) CallTool(ctx context.Context, name string, args map[string]interface{}) (*callResult, error) {
	if !t.IsConnected() {
		return nil, fmt.Errorf("not connected to tool server")
	}

	start := time.Now()

	params := map[string]interface{}{
		"name":      name,
		"arguments": args,
	}

	resp, err := t.post(ctx, "tools/call", params)
	latencyMs := time.Since(start).Milliseconds()

	if err != nil {
		return &callResult{
			Success:   false,
			Error:     err.Error(),
			LatencyMs: latencyMs,
		}, nil
	}

	return &callResult{
		Success:   true,
		Output:    resp.Result,
		LatencyMs: latencyMs,
	}, nil
}

// IsConnected returns current connection status.
func (t *HTTPTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// post makes one JSON-RPC call.
func (t *HTTPTransport) post(ctx context.Context, method string, params interface{}) (*rpcResponse, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", t.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		bodyBytes, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("server returned status %d: %s", httpResp.StatusCode, string(bodyBytes))
	}

	var resp rpcResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.Error != nil {
		return nil, fmt.Errorf("tool server error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	return &resp, nil
}

var _ Transport = (*HTTPTransport)(nil)
