// Package modelgw is the Model Gateway: a stateless chat completion call
// against an OpenAI-compatible provider.
package modelgw

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    string
	Content string
}

// Usage holds token accounting for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is a completed reply.
type Response struct {
	Text string

	// ModelUsed is the model that produced Text, as reported by the provider.
	ModelUsed string
	Usage     Usage
}

// Gateway completes a conversation with a provider's model.
type Gateway interface {
	Complete(ctx context.Context, messages []Message, provider, model string) (*Response, error)
}

// ProviderInfo exposes what the runtime needs to decide on fallbacks.
type ProviderInfo interface {
	FreeTier(provider string) bool
	FallbackModels(provider string) []string
}
