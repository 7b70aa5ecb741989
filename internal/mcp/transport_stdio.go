package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"concierge/internal/logging"
)

// StdioTransport runs the tool server as a subprocess and exchanges
// newline-delimited JSON-RPC over its stdin/stdout. Responses are matched
// to requests by ID through a pending-request map fed by a reader goroutine.
type StdioTransport struct {
	mu sync.RWMutex

	command string
	args    []string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser

	connected bool

	pendingReqs map[int]chan *rpcResponse
	nextID      int

	wg sync.WaitGroup
}

// NewStdioTransport creates a stdio transport for the given command line.
func NewStdioTransport(command string, args []string) *StdioTransport {
	return &StdioTransport{
		command:     command,
		args:        args,
		pendingReqs: make(map[int]chan *rpcResponse),
		nextID:      1,
	}
}

// Connect starts the subprocess, the reader loops, and runs the initialize
// handshake.
func (t *StdioTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}

	if t.command == "" {
		t.mu.Unlock()
		return fmt.Errorf("empty command for stdio transport")
	}

	t.cmd = exec.Command(t.command, t.args...)

	var err error
	t.stdin, err = t.cmd.StdinPipe()
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	t.stdout, err = t.cmd.StdoutPipe()
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	t.stderr, err = t.cmd.StderrPipe()
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := t.cmd.Start(); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("failed to start command %s: %w", t.command, err)
	}

	t.connected = true

	t.wg.Add(2)
	go t.readStderr()
	go t.readStdout()

	// The lock cannot be held across the handshake: readStdout needs it to
	// dispatch the response.
	t.mu.Unlock()

	if err := t.initialize(ctx); err != nil {
		_ = t.Close()
		return fmt.Errorf("initialize handshake failed: %w", err)
	}

	logging.Tools("Stdio tool server started: %s", t.command)
	return nil
}

// initialize runs the protocol handshake and sends the initialized
// notification.
func (t *StdioTransport) initialize(ctx context.Context) error {
	if _, err := t.call(ctx, "initialize", initializeParams()); err != nil {
		return err
	}

	notification := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "notifications/initialized",
	}
	data, _ := json.Marshal(notification)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stdin != nil {
		_, _ = t.stdin.Write(append(data, '\n'))
	}
	return nil
}

// Close kills the subprocess and waits briefly for the readers to drain.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false

	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	if t.stdin != nil {
		_ = t.stdin.Close()
	}

	for id, ch := range t.pendingReqs {
		close(ch)
		delete(t.pendingReqs, id)
	}
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		if t.cmd != nil {
			_ = t.cmd.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		logging.ToolsWarn("Timeout waiting for stdio transport goroutines to exit")
	}

	logging.Tools("Stdio tool server stopped")
	return nil
}

// readStderr drains the server's stderr into the tools log.
func (t *StdioTransport) readStderr() {
	defer t.wg.Done()
	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		logging.ToolsDebug("[server stderr] %s", scanner.Text())
	}
}

// readStdout dispatches JSON-RPC responses to their waiting callers.
func (t *StdioTransport) readStdout() {
	defer t.wg.Done()
	scanner := bufio.NewScanner(t.stdout)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var raw map[string]interface{}
		if err := json.Unmarshal(line, &raw); err != nil {
			logging.ToolsWarn("Unparseable line on tool server stdout: %v", err)
			continue
		}

		idVal, ok := raw["id"]
		if !ok {
			// Notification from the server; nothing waits on it.
			logging.ToolsDebug("Server notification: %s", string(line))
			continue
		}

		// JSON numbers decode as float64.
		id, ok := idVal.(float64)
		if !ok {
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			logging.ToolsWarn("Failed to unmarshal response: %v", err)
			continue
		}

		t.mu.Lock()
		ch, exists := t.pendingReqs[int(id)]
		if exists {
			delete(t.pendingReqs, int(id))
			ch <- &resp
		} else {
			logging.ToolsWarn("Response for unknown request ID %d", int(id))
		}
		t.mu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		t.mu.RLock()
		connected := t.connected
		t.mu.RUnlock()
		if connected {
			logging.ToolsError("Error reading tool server stdout: %v", err)
		}
	}
}

// call sends one request and waits for its response or context cancellation.
func (t *StdioTransport) call(ctx context.Context, method string, params interface{}) (*rpcResponse, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, fmt.Errorf("not connected to tool server")
	}

	id := t.nextID
	t.nextID++

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	ch := make(chan *rpcResponse, 1)
	t.pendingReqs[id] = ch

	data, err := json.Marshal(req)
	if err != nil {
		delete(t.pendingReqs, id)
		t.mu.Unlock()
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		delete(t.pendingReqs, id)
		t.mu.Unlock()
		return nil, fmt.Errorf("failed to write to tool server: %w", err)
	}
	t.mu.Unlock()

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, fmt.Errorf("connection closed")
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("tool server error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pendingReqs, id)
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

// ListTools retrieves the tool catalog.
func (t *StdioTransport) ListTools(ctx context.Context) ([]ToolSchema, error) {
	resp, err := t.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	var result struct {
		Tools []ToolSchema `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tools response: %w", err)
	}

	return result.Tools, nil
}

// CallTool invokes a tool. Transport errors come back inside the result so
// the gateway has one shape to normalize.
func (t *StdioTransport) CallTool(ctx context.Context, name string, args map[string]interface{}) (*callResult, error) {
	start := time.Now()

	params := map[string]interface{}{
		"name":      name,
		"arguments": args,
	}

	resp, err := t.call(ctx, "tools/call", params)
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
func (t *StdioTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

var _ Transport = (*StdioTransport)(nil)
