// Package orchestrator drives one chat turn end to end: route the message,
// gather knowledge-base context or live tool data, then generate and stream
// the reply. Its central contract is totality: every well-formed request
// produces a terminal response, and each stage failure falls toward direct
// generation rather than surfacing an error.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"concierge/internal/chat"
	"concierge/internal/config"
	"concierge/internal/generator"
	"concierge/internal/logging"
	"concierge/internal/mcp"
	"concierge/internal/retrieval"
	"concierge/internal/router"

	"github.com/google/uuid"
)

// Searcher is the retrieval surface the orchestrator needs.
type Searcher interface {
	Search(ctx context.Context, query string, plan retrieval.Plan) []retrieval.Passage
}

// Gateway is the tool surface the orchestrator needs.
type Gateway interface {
	Call(ctx context.Context, call mcp.ToolCall) mcp.ToolResult
	CallFormatted(ctx context.Context, call mcp.ToolCall) (string, mcp.ToolResult)
	ListTools(ctx context.Context) ([]mcp.ToolSchema, error)
}

// Generator is the completion surface the orchestrator needs.
type Generator interface {
	Generate(ctx context.Context, conv chat.Conversation, opts generator.Options) (string, error)
	GenerateWithTools(ctx context.Context, conv chat.Conversation, tools []generator.ToolDef, opts generator.Options) (*generator.Result, error)
}

// Orchestrator wires the routing, retrieval, tool, and generation stages.
type Orchestrator struct {
	cfg       *config.Config
	router    router.Router
	searcher  Searcher
	gateway   Gateway
	generator Generator
}

// New assembles an orchestrator from its stages.
func New(cfg *config.Config, rt router.Router, searcher Searcher, gateway Gateway, gen Generator) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		router:    rt,
		searcher:  searcher,
		gateway:   gateway,
		generator: gen,
	}
}

// HandleChatTurn processes one visitor message. Chunks stream through
// onChunk in order; the returned response carries the full text. It never
// returns nil and never panics on a well-formed request: every failure path
// still delivers content.
func (o *Orchestrator) HandleChatTurn(ctx context.Context, req chat.Request, onChunk chat.StreamFunc) *chat.Response {
	requestID := shortID()
	log := logging.WithRequestID(logging.CategoryRouting, requestID)
	if onChunk == nil {
		onChunk = func(string) {}
	}

	start := time.Now()
	log.Info("Chat turn started: %d history messages, message len %d", len(req.History), len(req.Message))

	decision := o.router.Decide(ctx, req.Message, req.History)
	log.Info("Routed: knowledge=%v tool=%q confidence=%.2f rationale=%q", decision.UsePersonalKnowledge, decision.ToolName, decision.Confidence, decision.Rationale)

	var resp *chat.Response
	switch {
	case decision.ToolName != "":
		resp = o.handleTool(ctx, req, decision, onChunk, log)
	case decision.UsePersonalKnowledge:
		resp = o.handleKnowledge(ctx, req, decision, onChunk, log)
	default:
		resp = o.handleDirect(ctx, req, onChunk, log)
	}

	log.Info("Chat turn finished: kind=%s len=%d in %v", resp.Kind, len(resp.Text), time.Since(start))
	return resp
}

// ListTools exposes the tool catalog for diagnostics.
func (o *Orchestrator) ListTools(ctx context.Context) ([]mcp.ToolSchema, error) {
	return o.gateway.ListTools(ctx)
}

// ============================================================================
// TOOL PATH
// ============================================================================

func (o *Orchestrator) handleTool(ctx context.Context, req chat.Request, decision router.IntentDecision, onChunk chat.StreamFunc, log *logging.RequestLogger) *chat.Response {
	formatted, result := o.gateway.CallFormatted(ctx, mcp.ToolCall{Name: decision.ToolName})

	if result.IsError {
		log.Warn("Tool %s failed (%s), falling back to direct generation", decision.ToolName, result.Text())
		return o.handleDirect(ctx, req, onChunk, log)
	}

	if decision.DirectReply {
		o.streamWords(ctx, formatted, onChunk)
		return &chat.Response{Kind: chat.KindTool, Text: formatted, ToolName: decision.ToolName}
	}

	// Elaboration: the tool output becomes context for a model pass.
	system := o.systemPrompt() + "\n\nLive data relevant to the visitor's question:\n" + result.Text()
	conv := chat.NewConversation(system, req.History, req.Message)

	text, err := o.generator.Generate(ctx, conv, generator.Options{OnChunk: onChunk})
	if err != nil {
		return o.generationFallback(err, onChunk, log)
	}
	return &chat.Response{Kind: chat.KindTool, Text: text, ToolName: decision.ToolName}
}

// ============================================================================
// KNOWLEDGE PATH
// ============================================================================

func (o *Orchestrator) handleKnowledge(ctx context.Context, req chat.Request, decision router.IntentDecision, onChunk chat.StreamFunc, log *logging.RequestLogger) *chat.Response {
	passages := o.searcher.Search(ctx, req.Message, decision.Plan)
	if len(passages) == 0 {
		log.Info("No passages above cutoff %.2f, falling back to direct generation", decision.Plan.Cutoff)
		return o.handleDirect(ctx, req, onChunk, log)
	}

	block := retrieval.AssembleContext(passages, o.cfg.Retrieval.ContextBudget, o.cfg.Retrieval.MaxPerSource)
	log.Info("Assembled context: %d passages, %d chars, %d sources", len(passages), len(block.Text), len(block.Sources))

	system := o.systemPrompt() + "\n\nUse the following background when it is relevant. If it does not cover the question, say so honestly.\n\n" + block.Text
	conv := chat.NewConversation(system, req.History, req.Message)

	text, err := o.generator.Generate(ctx, conv, generator.Options{OnChunk: onChunk})
	if err != nil {
		return o.generationFallback(err, onChunk, log)
	}
	return &chat.Response{Kind: chat.KindRAG, Text: text, Sources: block.Sources}
}

// ============================================================================
// DIRECT PATH
// ============================================================================

func (o *Orchestrator) handleDirect(ctx context.Context, req chat.Request, onChunk chat.StreamFunc, log *logging.RequestLogger) *chat.Response {
	conv := chat.NewConversation(o.systemPrompt(), req.History, req.Message)

	if o.cfg.Tools.NativeToolCalling {
		if resp, handled := o.tryNativeTools(ctx, conv, onChunk, log); handled {
			return resp
		}
	}

	text, err := o.generator.Generate(ctx, conv, generator.Options{OnChunk: onChunk})
	if err != nil {
		return o.generationFallback(err, onChunk, log)
	}
	return &chat.Response{Kind: chat.KindDirect, Text: text}
}

// tryNativeTools offers the tool catalog to the backend. When the model
// requests a tool, the caller gets a starting notice, then the tool's
// formatted output streams as the final content. Returns handled=false when
// the catalog is unavailable or the model did not engage, so the plain
// generation path runs instead.
func (o *Orchestrator) tryNativeTools(ctx context.Context, conv chat.Conversation, onChunk chat.StreamFunc, log *logging.RequestLogger) (*chat.Response, bool) {
	schemas, err := o.gateway.ListTools(ctx)
	if err != nil || len(schemas) == 0 {
		return nil, false
	}

	tools := make([]generator.ToolDef, 0, len(schemas))
	for _, s := range schemas {
		tools = append(tools, generator.ToolDef{Name: s.Name, Description: s.Description, Parameters: s.InputSchema})
	}

	result, err := o.generator.GenerateWithTools(ctx, conv, tools, generator.Options{})
	if err != nil {
		return o.generationFallback(err, onChunk, log), true
	}

	if len(result.ToolCalls) == 0 {
		if result.Text != "" {
			o.streamWords(ctx, result.Text, onChunk)
			return &chat.Response{Kind: chat.KindDirect, Text: result.Text}, true
		}
		return nil, false
	}

	call := result.ToolCalls[0]
	log.Info("Model requested tool %s natively", call.Name)
	onChunk("Checking " + call.Name + "...\n\n")

	formatted, toolResult := o.gateway.CallFormatted(ctx, mcp.ToolCall{Name: call.Name, Arguments: call.Arguments})
	o.streamWords(ctx, formatted, onChunk)
	if toolResult.IsError {
		return &chat.Response{Kind: chat.KindDirect, Text: formatted}, true
	}
	return &chat.Response{Kind: chat.KindTool, Text: formatted, ToolName: call.Name}, true
}

// ============================================================================
// FALLBACK AND STREAMING
// ============================================================================

// generationFallback converts a terminal generation failure into exactly
// one user-safe chunk. No retry: generation is the last resort.
func (o *Orchestrator) generationFallback(err error, onChunk chat.StreamFunc, log *logging.RequestLogger) *chat.Response {
	log.Error("Generation failed: %v", err)
	message := generator.UserSafeMessage(err)
	onChunk(message)
	return &chat.Response{Kind: chat.KindDirect, Text: message}
}

// streamWords delivers text word by word with the configured pacing delay,
// so direct tool replies read like generated output. A zero delay streams
// without pauses; cancellation stops mid-text.
func (o *Orchestrator) streamWords(ctx context.Context, text string, onChunk chat.StreamFunc) {
	if text == "" {
		return
	}
	delay := o.cfg.Tools.GetStreamDelay()
	words := strings.Split(text, " ")

	for i, word := range words {
		chunk := word
		if i < len(words)-1 {
			chunk += " "
		}
		onChunk(chunk)

		if delay <= 0 || i == len(words)-1 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (o *Orchestrator) systemPrompt() string {
	if o.cfg.Persona.SystemPrompt != "" {
		return o.cfg.Persona.SystemPrompt
	}
	return "You are a friendly assistant embedded on a personal website. Answer as the site owner's representative, briefly and honestly."
}

func shortID() string {
	id := uuid.NewString()
	return id[:8]
}
