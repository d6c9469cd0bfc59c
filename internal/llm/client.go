// Package llm provides LLM client interfaces and implementations.
package llm

import (
	"context"
	"fmt"
)

// StreamCallback is called for each token during streaming.
type StreamCallback func(token string, index int) error

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
	Stream      bool
}

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the interface for LLM providers.
type Client interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// CompleteStream sends a streaming completion request. The callback
	// receives each token as it arrives.
	CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []string
}

// NewClient creates an LLM client for the named provider using the
// caller's credential.
func NewClient(provider, apiKey string) (Client, error) {
	switch provider {
	case "anthropic":
		return NewAnthropicClient(apiKey)
	case "openai":
		return NewOpenAIClient(apiKey)
	default:
		return nil, fmt.Errorf("unknown provider: %s", provider)
	}
}
