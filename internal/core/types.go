package core

// Role identifies the author of a conversation message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// TokenUsage holds token counts reported by the server.
// Its presence on a message means the counts are exact, not estimated.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens" bson:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens" bson:"completion_tokens"`
	TotalTokens      int `json:"total_tokens" bson:"total_tokens"`
}

// Message is one turn in the conversation.
type Message struct {
	Role             Role        `json:"role" bson:"role"`
	Content          string      `json:"content" bson:"content"`
	ReasoningContent string      `json:"reasoning_content,omitempty" bson:"reasoning_content,omitempty"`
	TokenUsage       *TokenUsage `json:"token_usage,omitempty" bson:"token_usage,omitempty"`
}

// ChatMessage is the wire form of a message sent upstream.
// It deliberately has no reasoning or usage fields: the API rejects them.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest represents the outbound streaming chat completion request
type ChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// NewChatRequest builds a streaming request from stored history,
// stripping reasoning_content and token_usage from every message.
func NewChatRequest(model string, history []Message) *ChatRequest {
	msgs := make([]ChatMessage, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, ChatMessage{Role: m.Role, Content: m.Content})
	}
	return &ChatRequest{
		Model:    model,
		Messages: msgs,
		Stream:   true,
	}
}

// Model represents a single model in the models list
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
	Created int64  `json:"created"`
}

// ModelsResponse represents the response from the /v1/models endpoint
type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
