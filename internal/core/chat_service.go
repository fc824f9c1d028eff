package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/pagetalk/pagetalk/internal/llm"
	"github.com/pagetalk/pagetalk/internal/quota"
)

// QuotaExceededError fails a chat before any provider call: the principal
// is already out of tokens, so no partial answer is shown and no usage is
// recorded.
type QuotaExceededError struct {
	CurrentUsage int64
	Limit        int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("token quota exceeded: %d/%d used", e.CurrentUsage, e.Limit)
}

// QuotaCutoffError terminates a stream mid-generation: the partial answer
// was delivered, the remaining tokens were not, and a usage record covering
// the emitted portion was written. Distinct from both success and provider
// failure.
type QuotaCutoffError struct {
	Emitted      int64
	CurrentUsage int64
	Limit        int64
}

func (e *QuotaCutoffError) Error() string {
	return fmt.Sprintf("token quota reached mid-stream after %d tokens (%d/%d used)", e.Emitted, e.CurrentUsage, e.Limit)
}

// ExampleRetriever supplies role-tagged few-shot examples for a query.
type ExampleRetriever interface {
	Retrieve(ctx context.Context, query string) ([]llm.Message, error)
}

// QuotaLedger is the accounting surface the orchestrator needs.
type QuotaLedger interface {
	Check(ctx context.Context, principalID string) (quota.State, error)
	Record(ctx context.Context, principalID string, tokens int64, outcome quota.Outcome) error
}

// PersonaSource supplies the per-principal "things to know about me" text
// appended to the base persona prompt.
type PersonaSource interface {
	PersonaNotes(ctx context.Context, principalID string) (string, error)
}

// ChatService assembles prompts, streams completions and enforces the token
// quota around them. One instance serves all requests; it holds no
// per-request state.
type ChatService struct {
	provider  llm.Provider
	retriever ExampleRetriever
	ledger    QuotaLedger
	personas  PersonaSource
	persona   string
	model     string
}

func NewChatService(provider llm.Provider, retriever ExampleRetriever, ledger QuotaLedger, personas PersonaSource, persona, model string) *ChatService {
	return &ChatService{
		provider:  provider,
		retriever: retriever,
		ledger:    ledger,
		personas:  personas,
		persona:   persona,
		model:     model,
	}
}

// RespondStream answers userMessage for the given principal, forwarding
// tokens to onToken as they arrive. It returns nil on normal completion, a
// QuotaExceededError before any generation, a QuotaCutoffError when the
// quota runs out mid-stream, or the provider's error. Exactly one usage
// record is written whenever the provider was invoked.
func (s *ChatService) RespondStream(ctx context.Context, principalID, userMessage string, onToken func(token string)) error {
	start := time.Now()

	state, err := s.ledger.Check(ctx, principalID)
	if err != nil {
		return err
	}
	if !state.CanUseTokens {
		return &QuotaExceededError{CurrentUsage: state.CurrentUsage, Limit: state.Limit}
	}

	messages, err := s.buildMessages(ctx, principalID, userMessage)
	if err != nil {
		return err
	}

	var emitted int64
	outcome := quota.Outcome{Model: s.model, Success: true}
	defer func() {
		s.recordUsage(principalID, emitted, start, outcome)
	}()

	// The quota decision is cooperative: once the next token would overrun
	// the remaining budget, forwarding stops and the transport is told to
	// close. Tokens that race in before it does are discarded.
	cutOff := false
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	streamErr := s.provider.Stream(streamCtx, messages, func(token string) {
		if cutOff {
			return
		}
		if emitted+int64(len(token)) > state.RemainingTokens {
			cutOff = true
			cancel()
			return
		}
		emitted += int64(len(token))
		onToken(token)
	})

	if cutOff {
		return &QuotaCutoffError{
			Emitted:      emitted,
			CurrentUsage: state.CurrentUsage + emitted,
			Limit:        state.Limit,
		}
	}
	if streamErr != nil {
		outcome.Success = false
		outcome.Error = streamErr.Error()
		return streamErr
	}
	return nil
}

// Respond answers userMessage in one blocking call and returns the full
// completion text.
func (s *ChatService) Respond(ctx context.Context, principalID, userMessage string) (string, error) {
	start := time.Now()

	state, err := s.ledger.Check(ctx, principalID)
	if err != nil {
		return "", err
	}
	if !state.CanUseTokens {
		return "", &QuotaExceededError{CurrentUsage: state.CurrentUsage, Limit: state.Limit}
	}

	messages, err := s.buildMessages(ctx, principalID, userMessage)
	if err != nil {
		return "", err
	}

	var emitted int64
	outcome := quota.Outcome{Model: s.model, Success: true}
	defer func() {
		s.recordUsage(principalID, emitted, start, outcome)
	}()

	text, err := s.provider.Generate(ctx, messages)
	if err != nil {
		outcome.Success = false
		outcome.Error = err.Error()
		return "", err
	}
	emitted = int64(len(text))
	return text, nil
}

// buildMessages assembles persona + retrieved examples + the user message.
// Retrieval is best-effort enrichment: only an index build failure aborts
// the chat; anything else degrades to "no examples".
func (s *ChatService) buildMessages(ctx context.Context, principalID, userMessage string) ([]llm.Message, error) {
	system := s.persona
	if s.personas != nil {
		notes, err := s.personas.PersonaNotes(ctx, principalID)
		if err != nil {
			log.Printf("Failed to load persona notes for %s: %v", principalID, err)
		} else if notes != "" {
			system = system + "\n\n" + notes
		}
	}

	messages := []llm.Message{{Role: llm.RoleSystem, Content: system}}

	examples, err := s.retriever.Retrieve(ctx, userMessage)
	if err != nil {
		var buildErr *IndexBuildError
		if errors.As(err, &buildErr) {
			return nil, buildErr
		}
		log.Printf("Failed to retrieve examples, continuing without: %v", err)
	}
	messages = append(messages, examples...)

	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: userMessage})
	return messages, nil
}

// recordUsage writes the accounting side effect. It runs on a background
// context so a disconnected caller or an in-flight shutdown cannot lose the
// debit that future quota checks depend on.
func (s *ChatService) recordUsage(principalID string, emitted int64, start time.Time, outcome quota.Outcome) {
	outcome.ResponseTime = time.Since(start)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.ledger.Record(ctx, principalID, emitted, outcome); err != nil {
		log.Printf("Failed to record usage for %s: %v", principalID, err)
	}
}
