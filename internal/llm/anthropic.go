package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultAnthropicModel   = "claude-3-opus-20240229"
	anthropicVersion        = "2023-06-01"

	anthropicTemperature = 0.7
	anthropicMaxTokens   = 150
)

// AnthropicProvider implements Provider against the messages API. Anthropic
// takes the system prompt as a top-level field and only accepts user and
// assistant roles in the message list, so prompts get remapped on the way
// out: system messages move to the system field, any non-assistant role
// becomes user.
type AnthropicProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicProvider{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultAnthropicBaseURL,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
	MaxTokens   int                `json:"max_tokens"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// remap splits the prompt into Anthropic's system field and user/assistant
// message list.
func (p *AnthropicProvider) remap(messages []Message) (string, []anthropicMessage) {
	var system []string
	formatted := make([]anthropicMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		role := "user"
		if msg.Role == RoleAssistant {
			role = "assistant"
		}
		formatted = append(formatted, anthropicMessage{Role: role, Content: msg.Content})
	}
	return strings.Join(system, "\n\n"), formatted
}

func (p *AnthropicProvider) Generate(ctx context.Context, messages []Message) (string, error) {
	system, formatted := p.remap(messages)
	resp, err := p.post(ctx, anthropicRequest{
		Model:       p.model,
		System:      system,
		Messages:    formatted,
		Temperature: anthropicTemperature,
		MaxTokens:   anthropicMaxTokens,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &ProviderError{Backend: "anthropic", Err: fmt.Errorf("decoding response: %w", err)}
	}
	if out.Error != nil {
		return "", &ProviderError{Backend: "anthropic", Err: fmt.Errorf("%s: %s", out.Error.Type, out.Error.Message)}
	}
	if len(out.Content) == 0 || out.Content[0].Type != "text" {
		return "", &ProviderError{Backend: "anthropic", Err: fmt.Errorf("unexpected response content")}
	}
	return out.Content[0].Text, nil
}

func (p *AnthropicProvider) Stream(ctx context.Context, messages []Message, onToken func(token string)) error {
	system, formatted := p.remap(messages)
	resp, err := p.post(ctx, anthropicRequest{
		Model:       p.model,
		System:      system,
		Messages:    formatted,
		Temperature: anthropicTemperature,
		MaxTokens:   anthropicMaxTokens,
		Stream:      true,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}
		switch event.Type {
		case "content_block_delta":
			if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				onToken(event.Delta.Text)
			}
		case "error":
			if event.Error != nil {
				return &ProviderError{Backend: "anthropic", Err: fmt.Errorf("%s: %s", event.Error.Type, event.Error.Message)}
			}
		case "message_stop":
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ProviderError{Backend: "anthropic", Err: fmt.Errorf("reading stream: %w", err)}
	}
	return nil
}

func (p *AnthropicProvider) post(ctx context.Context, body anthropicRequest) (*http.Response, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, &ProviderError{Backend: "anthropic", Err: fmt.Errorf("marshaling request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, &ProviderError{Backend: "anthropic", Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &ProviderError{Backend: "anthropic", Err: fmt.Errorf("calling API: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &ProviderError{Backend: "anthropic", Err: fmt.Errorf("API returned status %d", resp.StatusCode)}
	}
	return resp, nil
}
