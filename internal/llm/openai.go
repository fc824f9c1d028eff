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
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-4-turbo-preview"

	openAITemperature = 0.7
	openAIMaxTokens   = 150
)

// OpenAIProvider implements Provider against the chat-completions API.
// OpenAI accepts system/user/assistant role names directly, so messages go
// over the wire unchanged.
type OpenAIProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIProvider{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultOpenAIBaseURL,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Stream      bool      `json:"stream,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *OpenAIProvider) Generate(ctx context.Context, messages []Message) (string, error) {
	resp, err := p.post(ctx, openAIRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: openAITemperature,
		MaxTokens:   openAIMaxTokens,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &ProviderError{Backend: "openai", Err: fmt.Errorf("decoding response: %w", err)}
	}
	if len(out.Choices) == 0 {
		return "", &ProviderError{Backend: "openai", Err: fmt.Errorf("response contained no choices")}
	}
	return out.Choices[0].Message.Content, nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, messages []Message, onToken func(token string)) error {
	resp, err := p.post(ctx, openAIRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: openAITemperature,
		MaxTokens:   openAIMaxTokens,
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
		if payload == "[DONE]" {
			return nil
		}

		var chunk openAIResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue // skip malformed keep-alive lines
		}
		if chunk.Error != nil {
			return &ProviderError{Backend: "openai", Err: fmt.Errorf("%s: %s", chunk.Error.Type, chunk.Error.Message)}
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			onToken(chunk.Choices[0].Delta.Content)
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ProviderError{Backend: "openai", Err: fmt.Errorf("reading stream: %w", err)}
	}
	return nil
}

func (p *OpenAIProvider) post(ctx context.Context, body openAIRequest) (*http.Response, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, &ProviderError{Backend: "openai", Err: fmt.Errorf("marshaling request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, &ProviderError{Backend: "openai", Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &ProviderError{Backend: "openai", Err: fmt.Errorf("calling API: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &ProviderError{Backend: "openai", Err: fmt.Errorf("API returned status %d", resp.StatusCode)}
	}
	return resp, nil
}
