// Package agent provides the pluggable agent abstraction and its factory.
//
// An agent turns an input message plus conversation history into an
// incrementally produced text response. Agents are constructed per
// request with the caller's decrypted provider credential.
package agent

import (
	"context"
	"fmt"

	"github.com/parleyhq/chatbot-platform/internal/llm"
	"github.com/parleyhq/chatbot-platform/internal/model"
)

// Agent types accepted by the factory.
const (
	TypeDefault         = "default"
	TypeOpenAIDirect    = "openai_direct"
	TypeAnthropicDirect = "anthropic_direct"
)

// ChunkFunc receives each response chunk as it is produced.
type ChunkFunc func(chunk string, index int) error

// Result carries metadata about a completed response.
type Result struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Agent is the single-operation adapter every agent implements.
type Agent interface {
	// Chat produces a response to message given prior history. When
	// onChunk is non-nil the response is streamed through it.
	Chat(ctx context.Context, message string, history []llm.ChatMessage, onChunk ChunkFunc) (*Result, error)
}

// Params configure agent construction.
type Params struct {
	AgentType string
	Provider  model.Provider
	APIKey    string
	Model     string
}

// New creates the agent matching the client-supplied type name.
func New(p Params) (Agent, error) {
	switch p.AgentType {
	case TypeDefault:
		client, err := llm.NewClient(string(p.Provider), p.APIKey)
		if err != nil {
			return nil, err
		}
		return &directAgent{client: client, model: p.Model}, nil

	case TypeOpenAIDirect:
		if p.Provider != model.ProviderOpenAI {
			return nil, fmt.Errorf("%s agent requires %s provider", TypeOpenAIDirect, model.ProviderOpenAI)
		}
		client, err := llm.NewOpenAIClient(p.APIKey)
		if err != nil {
			return nil, err
		}
		return &directAgent{client: client, model: p.Model}, nil

	case TypeAnthropicDirect:
		if p.Provider != model.ProviderAnthropic {
			return nil, fmt.Errorf("%s agent requires %s provider", TypeAnthropicDirect, model.ProviderAnthropic)
		}
		client, err := llm.NewAnthropicClient(p.APIKey)
		if err != nil {
			return nil, err
		}
		return &directAgent{client: client, model: p.Model}, nil

	default:
		return nil, fmt.Errorf("unknown agent_type: %s (supported: %s, %s, %s)",
			p.AgentType, TypeDefault, TypeOpenAIDirect, TypeAnthropicDirect)
	}
}

// directAgent forwards the conversation to a provider client.
type directAgent struct {
	client llm.Client
	model  string
}

func (a *directAgent) Chat(ctx context.Context, message string, history []llm.ChatMessage, onChunk ChunkFunc) (*Result, error) {
	messages := make([]llm.ChatMessage, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, llm.ChatMessage{Role: "user", Content: message})

	req := &llm.CompletionRequest{
		Model:    a.model,
		Messages: messages,
	}

	var resp *llm.CompletionResponse
	var err error
	if onChunk != nil {
		req.Stream = true
		resp, err = a.client.CompleteStream(ctx, req, llm.StreamCallback(onChunk))
	} else {
		resp, err = a.client.Complete(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	return &Result{
		Content:    resp.Content,
		Model:      resp.Model,
		TokensIn:   resp.TokensIn,
		TokensOut:  resp.TokensOut,
		StopReason: resp.StopReason,
		LatencyMs:  resp.LatencyMs,
	}, nil
}
