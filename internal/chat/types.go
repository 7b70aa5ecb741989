// Package chat defines the conversation and response types shared by the
// router, retrieval, generation, and orchestration layers.
package chat

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Conversation is an ordered message list, oldest first.
type Conversation []Message

// NewConversation builds the message array sent to the model: exactly one
// leading system message, then history with any stray system messages
// dropped, then the current user message.
func NewConversation(system string, history []Message, userMsg string) Conversation {
	conv := make(Conversation, 0, len(history)+2)
	conv = append(conv, Message{Role: RoleSystem, Content: system})
	for _, m := range history {
		if m.Role == RoleSystem {
			continue
		}
		conv = append(conv, m)
	}
	conv = append(conv, Message{Role: RoleUser, Content: userMsg})
	return conv
}

// LastTurns returns up to n trailing non-system messages.
func (c Conversation) LastTurns(n int) []Message {
	filtered := make([]Message, 0, len(c))
	for _, m := range c {
		if m.Role != RoleSystem {
			filtered = append(filtered, m)
		}
	}
	if len(filtered) > n {
		filtered = filtered[len(filtered)-n:]
	}
	return filtered
}

// Request is one chat turn from the caller.
type Request struct {
	Message string    `json:"message"`
	History []Message `json:"history,omitempty"`
}

// ResponseKind discriminates the terminal response union.
type ResponseKind string

const (
	KindRAG    ResponseKind = "ragResponse"
	KindTool   ResponseKind = "toolResponse"
	KindDirect ResponseKind = "directResponse"
)

// Response is the tagged result of one chat turn. Kind determines which
// optional fields are meaningful: Sources for KindRAG, ToolName for KindTool.
type Response struct {
	Kind     ResponseKind `json:"kind"`
	Text     string       `json:"text"`
	Sources  []string     `json:"sources,omitempty"`
	ToolName string       `json:"toolName,omitempty"`
}

// StreamFunc receives output chunks in generation order. A nil StreamFunc
// disables streaming; implementations must tolerate that.
type StreamFunc func(chunk string)
