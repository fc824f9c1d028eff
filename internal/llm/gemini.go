package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const (
	defaultGeminiModel = "gemini-1.5-flash-latest"

	geminiTemperature = 0.7
	geminiMaxTokens   = 150
)

// GeminiProvider implements Provider on the Google GenAI SDK. Gemini has no
// assistant role and no system message in history: assistant turns are
// remapped to "model" and system messages become the model's
// SystemInstruction.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

func NewGeminiProvider(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiProvider{client: client, model: model}, nil
}

// Close releases the underlying client connection.
func (p *GeminiProvider) Close() error {
	return p.client.Close()
}

// session builds a chat session holding everything except the final user
// message, which is sent separately.
func (p *GeminiProvider) session(messages []Message) (*genai.ChatSession, []genai.Part, error) {
	model := p.client.GenerativeModel(p.model)

	temp := float32(geminiTemperature)
	maxTokens := int32(geminiMaxTokens)
	model.GenerationConfig = genai.GenerationConfig{
		Temperature:     &temp,
		MaxOutputTokens: &maxTokens,
	}

	var system []string
	var history []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.Content)
		case RoleAssistant:
			history = append(history, &genai.Content{
				Role:  "model",
				Parts: []genai.Part{genai.Text(msg.Content)},
			})
		default:
			history = append(history, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.Text(msg.Content)},
			})
		}
	}

	if len(system) > 0 {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(strings.Join(system, "\n\n"))},
		}
	}

	if len(history) == 0 {
		return nil, nil, fmt.Errorf("no user messages to send")
	}
	last := history[len(history)-1]
	if last.Role != "user" {
		return nil, nil, fmt.Errorf("last message is not from the user")
	}

	session := model.StartChat()
	session.History = history[:len(history)-1]
	return session, last.Parts, nil
}

func (p *GeminiProvider) Generate(ctx context.Context, messages []Message) (string, error) {
	session, parts, err := p.session(messages)
	if err != nil {
		return "", &ProviderError{Backend: "gemini", Err: err}
	}

	resp, err := session.SendMessage(ctx, parts...)
	if err != nil {
		return "", &ProviderError{Backend: "gemini", Err: fmt.Errorf("SendMessage failed: %w", err)}
	}

	text := responseText(resp)
	if text == "" {
		return "", &ProviderError{Backend: "gemini", Err: fmt.Errorf("response had no text candidates")}
	}
	return text, nil
}

func (p *GeminiProvider) Stream(ctx context.Context, messages []Message, onToken func(token string)) error {
	session, parts, err := p.session(messages)
	if err != nil {
		return &ProviderError{Backend: "gemini", Err: err}
	}

	iter := session.SendMessageStream(ctx, parts...)
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &ProviderError{Backend: "gemini", Err: fmt.Errorf("stream failed: %w", err)}
		}
		if chunk := responseText(resp); chunk != "" {
			onToken(chunk)
		}
	}
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return sb.String()
}
