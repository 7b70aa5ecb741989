// Package generator talks to an OpenAI-compatible chat completion backend,
// with optional token streaming and native tool calling. Failures surface
// as categorized APIError values so the orchestrator can pick a user-safe
// fallback message without leaking backend error bodies.
package generator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"concierge/internal/chat"
	"concierge/internal/config"
	"concierge/internal/logging"
)

// Client is a chat completion client. Safe for concurrent use.
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	routerModel string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
}

// NewClient builds a client from LLM configuration.
func NewClient(cfg config.LLMConfig) *Client {
	return &Client{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.Model,
		routerModel: cfg.RouterModel,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		httpClient:  &http.Client{Timeout: cfg.GetTimeout()},
	}
}

// Options adjusts a single generation call. Zero values inherit the
// client's configured defaults.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature *float64

	// OnChunk, when set, requests a token stream and receives each
	// non-empty content delta in arrival order.
	OnChunk chat.StreamFunc
}

// ToolDef describes one tool offered to the backend for native tool calling.
type ToolDef struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ToolRequest is a tool invocation the model asked for.
type ToolRequest struct {
	Name      string
	Arguments map[string]interface{}
}

// Result is a generation outcome: completion text, or one or more tool
// requests for the caller to execute and feed back.
type Result struct {
	Text      string
	ToolCalls []ToolRequest
}

// ============================================================================
// WIRE TYPES
// ============================================================================

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream,omitempty"`
	Tools       []wireTool    `json:"tools,omitempty"`
}

type wireToolCall struct {
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireChoice struct {
	Message *struct {
		Content   string         `json:"content"`
		ToolCalls []wireToolCall `json:"tool_calls"`
	} `json:"message"`
	Delta *struct {
		Content string `json:"content"`
	} `json:"delta"`
}

type wireResponse struct {
	Choices []wireChoice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ============================================================================
// GENERATION
// ============================================================================

// Generate produces a completion for the conversation. With opts.OnChunk
// set it streams, invoking the callback per delta before returning the full
// concatenated text. All errors are *APIError.
func (c *Client) Generate(ctx context.Context, conv chat.Conversation, opts Options) (string, error) {
	req := c.buildRequest(conv, opts, nil)

	if opts.OnChunk != nil {
		req.Stream = true
		return c.generateStreaming(ctx, req, opts.OnChunk)
	}

	resp, err := c.send(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return "", &APIError{Category: CategoryUnknown, Detail: "backend returned no completion"}
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// GenerateWithTools offers a tool catalog to the backend and returns either
// completion text or the tool calls the model requested.
func (c *Client) GenerateWithTools(ctx context.Context, conv chat.Conversation, tools []ToolDef, opts Options) (*Result, error) {
	wireTools := make([]wireTool, 0, len(tools))
	for _, tool := range tools {
		wireTools = append(wireTools, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	req := c.buildRequest(conv, opts, wireTools)
	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return nil, &APIError{Category: CategoryUnknown, Detail: "backend returned no completion"}
	}

	message := resp.Choices[0].Message
	result := &Result{Text: strings.TrimSpace(message.Content)}
	for _, call := range message.ToolCalls {
		args := map[string]interface{}{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				logging.GenerationWarn("Discarding tool call %s with unparseable arguments: %v", call.Function.Name, err)
				continue
			}
		}
		result.ToolCalls = append(result.ToolCalls, ToolRequest{Name: call.Function.Name, Arguments: args})
	}
	return result, nil
}

// Complete sends a one-shot system+user prompt and returns the text. Used
// by the LLM routing strategy with the cheaper router model.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	conv := chat.NewConversation(system, nil, user)
	model := c.routerModel
	if model == "" {
		model = c.model
	}
	return c.Generate(ctx, conv, Options{Model: model, MaxTokens: 256})
}

func (c *Client) buildRequest(conv chat.Conversation, opts Options, tools []wireTool) wireRequest {
	model := opts.Model
	if model == "" {
		model = c.model
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}
	temperature := c.temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}

	messages := make([]wireMessage, 0, len(conv))
	for _, m := range conv {
		messages = append(messages, wireMessage{Role: string(m.Role), Content: m.Content})
	}

	return wireRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Tools:       tools,
	}
}

// send performs a non-streaming request.
func (c *Client) send(ctx context.Context, req wireRequest) (*wireResponse, error) {
	start := time.Now()

	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err)
	}

	if resp.StatusCode != http.StatusOK {
		logging.GenerationError("Backend returned status %d: %s", resp.StatusCode, truncate(string(body), 500))
		return nil, categorizeStatus(resp.StatusCode, string(body))
	}

	var parsed wireResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &APIError{Category: CategoryUnknown, Detail: fmt.Sprintf("unparseable backend response: %v", err)}
	}
	if parsed.Error != nil {
		return nil, &APIError{Category: CategoryUnknown, Detail: parsed.Error.Message}
	}

	logging.Generation("Completion via %s in %v", req.Model, time.Since(start))
	return &parsed, nil
}

// generateStreaming reads server-sent event frames, invoking onChunk per
// content delta in arrival order, and returns the concatenated text.
func (c *Client) generateStreaming(ctx context.Context, req wireRequest, onChunk chat.StreamFunc) (string, error) {
	start := time.Now()

	resp, err := c.post(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		logging.GenerationError("Streaming request returned status %d: %s", resp.StatusCode, truncate(string(body), 500))
		return "", categorizeStatus(resp.StatusCode, string(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var full strings.Builder
	chunks := 0
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return "", streamError(ctx.Err())
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			logging.StreamDebug("Stream complete: %d chunks in %v", chunks, time.Since(start))
			return full.String(), nil
		}

		var frame wireResponse
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			continue
		}
		if frame.Error != nil {
			return "", streamError(fmt.Errorf("backend mid-stream error: %s", frame.Error.Message))
		}
		if len(frame.Choices) > 0 && frame.Choices[0].Delta != nil {
			delta := frame.Choices[0].Delta.Content
			if delta != "" {
				full.WriteString(delta)
				onChunk(delta)
				chunks++
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return "", streamError(err)
	}

	// The body ended without the [DONE] sentinel. Treat as a complete
	// stream: some compatible backends simply close the connection.
	logging.StreamDebug("Stream ended without sentinel: %d chunks in %v", chunks, time.Since(start))
	return full.String(), nil
}

func (c *Client) post(ctx context.Context, req wireRequest) (*http.Response, error) {
	if c.apiKey == "" {
		return nil, &APIError{Category: CategoryAuth, Detail: "API key not configured"}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, &APIError{Category: CategoryMalformed, Detail: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &APIError{Category: CategoryMalformed, Detail: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	return resp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
