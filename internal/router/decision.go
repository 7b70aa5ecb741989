// Package router classifies an incoming chat message into one of three
// handling paths: retrieval over the personal knowledge base, a live-data
// tool call, or direct generation. Two interchangeable strategies exist: an
// embedding-similarity router that compares the message against cached
// exemplar phrases, and an LLM router that asks a fast model for a JSON
// decision. Both fail soft: Decide always returns a usable decision.
package router

import (
	"context"

	"concierge/internal/chat"
	"concierge/internal/retrieval"
)

// IntentDecision is the routing outcome for one message.
type IntentDecision struct {
	// UsePersonalKnowledge selects the retrieval path.
	UsePersonalKnowledge bool `json:"usePersonalKnowledge"`

	// ToolName selects the tool path when non-empty.
	ToolName string `json:"toolName"`

	// Confidence is the winning similarity score (embedding strategy) or
	// the model's self-reported confidence (LLM strategy), in [0, 1].
	Confidence float64 `json:"confidence"`

	// Category is the winning intent category, empty when unknown.
	Category string `json:"category,omitempty"`

	// Rationale is a short free-text explanation of the decision, for log
	// correlation only. Never shown to the end user.
	Rationale string `json:"rationale,omitempty"`

	// DirectReply marks a tool decision whose formatted output should be
	// streamed to the caller as-is, with no further model pass.
	DirectReply bool `json:"-"`

	// Plan carries the retrieval breadth and cutoff for the knowledge path.
	Plan retrieval.Plan `json:"-"`
}

// SafeFallback is the decision used when routing itself fails: favor the
// knowledge base at low confidence rather than surfacing an error state.
func SafeFallback() IntentDecision {
	return IntentDecision{
		UsePersonalKnowledge: true,
		ToolName:             "",
		Confidence:           0.5,
	}
}

// Router decides how a message should be handled. Implementations never
// return an error; any internal failure degrades to SafeFallback.
type Router interface {
	Decide(ctx context.Context, message string, history []chat.Message) IntentDecision
}
