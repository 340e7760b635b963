package llm

import (
	"context"
	"fmt"
	"strings"
)

// Request is a single completion call: a system prompt setting the role and a
// user prompt carrying the task.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Client abstracts a chat-completion provider. Implementations return the raw
// model text; structured extraction happens upstream.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
	ModelName() string
}

// New builds a client for the configured provider.
func New(provider, model, openAIKey, anthropicKey string) (Client, error) {
	switch provider {
	case "openai":
		if openAIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}
		return NewOpenAIClient(openAIKey, model), nil
	case "anthropic":
		if anthropicKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
		return NewAnthropicClient(anthropicKey, model), nil
	}
	return nil, fmt.Errorf("unknown llm provider %q", provider)
}

// IsRateLimited reports whether an error looks like a provider rate limit.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "429")
}
