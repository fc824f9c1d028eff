// Package llm provides a uniform interface over chat-completion backends.
// The chat layer never special-cases a backend: role remapping and wire
// formats are each provider's own business.
package llm

import (
	"context"
	"fmt"
)

// Role identifies who produced a prompt message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the prompt sent to a provider. Message lists are
// built per request and discarded after the call.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Provider generates completions for an ordered message list.
type Provider interface {
	// Generate returns the full completion text, blocking until done.
	Generate(ctx context.Context, messages []Message) (string, error)

	// Stream invokes onToken for each incremental chunk in arrival order.
	// It returns after the backend signals end-of-stream, or with an error
	// if the request or stream fails. Cancelling ctx aborts the underlying
	// transport.
	Stream(ctx context.Context, messages []Message, onToken func(token string)) error
}

// ProviderError wraps any backend request or stream failure so callers can
// tell a provider fault apart from quota conditions.
type ProviderError struct {
	Backend string
	Err     error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider error: %v", e.Backend, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ProviderKind tags a provider configuration variant.
type ProviderKind string

const (
	ProviderOpenAI    ProviderKind = "openai"
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderGemini    ProviderKind = "gemini"
)

// ProviderConfig is a tagged variant: exactly one backend, with its
// credentials. "Neither configured" is rejected at construction time, not
// at request time.
type ProviderConfig struct {
	Kind   ProviderKind
	APIKey string
	Model  string
}

// NewProvider constructs the configured backend. The switch is exhaustive
// over ProviderKind; anything else is a configuration bug.
func NewProvider(ctx context.Context, cfg ProviderConfig) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %q: missing API key", cfg.Kind)
	}
	switch cfg.Kind {
	case ProviderOpenAI:
		return NewOpenAIProvider(cfg.APIKey, cfg.Model), nil
	case ProviderAnthropic:
		return NewAnthropicProvider(cfg.APIKey, cfg.Model), nil
	case ProviderGemini:
		return NewGeminiProvider(ctx, cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
}
