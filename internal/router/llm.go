package router

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"concierge/internal/chat"
	"concierge/internal/config"
	"concierge/internal/logging"
	"concierge/internal/retrieval"
)

// Completer is the single-shot completion surface the LLM strategy needs.
// The generator package satisfies it; tests supply stubs.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// LLMRouter asks a fast model for a JSON routing decision. Any transport or
// parse failure degrades to the safe fallback.
type LLMRouter struct {
	completer Completer
	routing   config.RoutingConfig
	retrieval config.RetrievalConfig
}

var _ Router = (*LLMRouter)(nil)

func NewLLMRouter(completer Completer, routing config.RoutingConfig, retr config.RetrievalConfig) *LLMRouter {
	return &LLMRouter{completer: completer, routing: routing, retrieval: retr}
}

// Decide sends one non-streaming completion and parses the returned JSON.
func (r *LLMRouter) Decide(ctx context.Context, message string, history []chat.Message) IntentDecision {
	raw, err := r.completer.Complete(ctx, r.systemPrompt(), r.userPrompt(message, history))
	if err != nil {
		logging.RoutingWarn("LLM routing call failed, using fallback decision: %v", err)
		return r.fallback()
	}

	decision, err := parseDecisionJSON(raw)
	if err != nil {
		logging.RoutingWarn("LLM routing response rejected, using fallback decision: %v", err)
		return r.fallback()
	}

	return r.finalize(decision)
}

// finalize validates the tool name against configuration and attaches the
// retrieval plan the decision implies.
func (r *LLMRouter) finalize(decision IntentDecision) IntentDecision {
	if decision.ToolName != "" {
		if !r.knownTool(decision.ToolName) {
			logging.RoutingWarn("LLM requested unknown tool %q, using fallback decision", decision.ToolName)
			return r.fallback()
		}
		decision.UsePersonalKnowledge = false
		decision.DirectReply = true
		return decision
	}

	if decision.UsePersonalKnowledge {
		decision.Plan = retrieval.Plan{
			Collections: r.retrieval.Collections,
			TopK:        r.routing.BroadTopK,
			Cutoff:      r.routing.BroadCutoff,
		}
	}
	return decision
}

func (r *LLMRouter) knownTool(name string) bool {
	for _, tool := range r.routing.ToolCategories {
		if tool == name {
			return true
		}
	}
	return false
}

func (r *LLMRouter) fallback() IntentDecision {
	decision := SafeFallback()
	decision.Plan = retrieval.Plan{
		Collections: r.retrieval.Collections,
		TopK:        r.routing.BroadTopK,
		Cutoff:      r.routing.BroadCutoff,
	}
	return decision
}

func (r *LLMRouter) systemPrompt() string {
	var tools []string
	for category, tool := range r.routing.ToolCategories {
		tools = append(tools, fmt.Sprintf("- %q: live data for the %s category", tool, category))
	}
	sort.Strings(tools)

	var sb strings.Builder
	sb.WriteString("You are a router for a personal-site assistant. Classify the visitor's message.\n\n")
	sb.WriteString("Available live-data tools:\n")
	sb.WriteString(strings.Join(tools, "\n"))
	sb.WriteString("\n\nRespond with ONLY a JSON object, no prose:\n")
	sb.WriteString(`{"usePersonalKnowledge": <bool>, "toolName": "<tool name or empty>", "confidence": <0..1>, "category": "<intent category>", "rationale": "<one short sentence>"}`)
	sb.WriteString("\n\nSet usePersonalKnowledge true for questions about the site owner's background, projects, or writing. Set toolName for live-data questions. Leave both unset for small talk.")
	return sb.String()
}

func (r *LLMRouter) userPrompt(message string, history []chat.Message) string {
	turns := r.routing.HistoryTurns
	if turns <= 0 {
		turns = 4
	}
	if len(history) > turns {
		history = history[len(history)-turns:]
	}

	var sb strings.Builder
	if len(history) > 0 {
		sb.WriteString("Recent conversation:\n")
		for _, m := range history {
			sb.WriteString(string(m.Role))
			sb.WriteString(": ")
			sb.WriteString(m.Content)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Message to classify: ")
	sb.WriteString(message)
	return sb.String()
}
