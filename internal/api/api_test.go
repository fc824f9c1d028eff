package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pagetalk/pagetalk/internal/auth"
	"github.com/pagetalk/pagetalk/internal/core"
	"github.com/pagetalk/pagetalk/internal/llm"
	"github.com/pagetalk/pagetalk/internal/quota"
	"github.com/pagetalk/pagetalk/internal/store"
	"github.com/pagetalk/pagetalk/internal/training"
)

// fixedProvider answers every prompt with the same token sequence.
type fixedProvider struct {
	tokens []string
}

func (p *fixedProvider) Generate(ctx context.Context, messages []llm.Message) (string, error) {
	return strings.Join(p.tokens, ""), nil
}

func (p *fixedProvider) Stream(ctx context.Context, messages []llm.Message, onToken func(token string)) error {
	for _, token := range p.tokens {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		onToken(token)
	}
	return nil
}

// fixedEmbedder maps every text to the same vector, so every document
// matches every query.
type fixedEmbedder struct{}

func (fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

type testServer struct {
	*httptest.Server
	dbStore *store.SQLiteStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	dbStore, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { dbStore.Close() })

	const ownerID = "owner-1"
	retriever := core.NewRetriever(
		func() ([]training.Conversation, error) {
			return []training.Conversation{{
				PostID:    "p1",
				CommentID: "c1",
				Messages: []training.Message{
					{Content: "What camera do you use?", AuthorID: "u2"},
					{Content: "Whatever is in my pocket.", AuthorID: ownerID},
				},
			}}, nil
		},
		fixedEmbedder{},
		core.NewSectionComposer(ownerID, nil),
		ownerID,
		core.RetrievalConfig{Limit: 2, MinScore: 0.7, BatchSize: 100},
	)

	ledger := quota.NewLedger(dbStore)
	chat := core.NewChatService(&fixedProvider{tokens: []string{"Hi", " there!"}}, retriever, ledger, dbStore, "Stay in character.", "test-model")
	authManager := auth.NewManager("test-secret")

	handler := NewAPIHandler(chat, retriever, ledger, dbStore, authManager, 1000)
	srv := httptest.NewServer(NewRouter(handler))
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, dbStore: dbStore}
}

func (s *testServer) signupAndLogin(t *testing.T, userID string) string {
	t.Helper()

	body := fmt.Sprintf(`{"user_id":%q,"password":"hunter2"}`, userID)
	resp, err := http.Post(s.URL+"/api/signup", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("signup request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup returned %d", resp.StatusCode)
	}

	resp, err = http.Post(s.URL+"/api/login", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login returned %d", resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding login response: %v", err)
	}
	if out.Token == "" {
		t.Fatal("login returned an empty token")
	}
	return out.Token
}

func (s *testServer) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(s.URL + "/api/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health returned %d", resp.StatusCode)
	}
}

func TestChatRequiresAuth(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodPost, "/api/chat", "", `{"message":"hi"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without a token, got %d", resp.StatusCode)
	}

	resp = s.do(t, http.MethodPost, "/api/chat", "bogus-token", `{"message":"hi"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 with a bogus token, got %d", resp.StatusCode)
	}
}

func TestChatEndpoint(t *testing.T) {
	s := newTestServer(t)
	token := s.signupAndLogin(t, "alice")

	resp := s.do(t, http.MethodPost, "/api/chat", token, `{"message":"which camera?"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat returned %d", resp.StatusCode)
	}

	var out struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding chat response: %v", err)
	}
	if out.Response != "Hi there!" {
		t.Errorf("unexpected response: %q", out.Response)
	}
}

func TestChatQuotaExceeded(t *testing.T) {
	s := newTestServer(t)
	token := s.signupAndLogin(t, "alice")

	// Drain the quota entirely; the next chat must be refused up front.
	if err := s.dbStore.UpdateMonthlyTokens(context.Background(), "alice", 0); err != nil {
		t.Fatalf("updating limit: %v", err)
	}

	resp := s.do(t, http.MethodPost, "/api/chat", token, `{"message":"hi"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}

	var out struct {
		Error string `json:"error"`
		Limit int64  `json:"limit"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding error response: %v", err)
	}
	if out.Error != "quota_exceeded" {
		t.Errorf("unexpected error code: %q", out.Error)
	}
}

func TestChatStreamEndpoint(t *testing.T) {
	s := newTestServer(t)
	token := s.signupAndLogin(t, "alice")

	resp := s.do(t, http.MethodPost, "/api/chat/stream", token, `{"message":"which camera?"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream returned %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("unexpected content type: %s", got)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	text := string(body)
	if !strings.Contains(text, "event: token") {
		t.Errorf("no token events in stream:\n%s", text)
	}
	if !strings.Contains(text, `{"token":"Hi"}`) {
		t.Errorf("first token missing from stream:\n%s", text)
	}
	if !strings.Contains(text, "event: done") {
		t.Errorf("missing terminal done event:\n%s", text)
	}
	if strings.Count(text, "event: done")+strings.Count(text, "event: quota_exceeded")+strings.Count(text, "event: error") != 1 {
		t.Errorf("expected exactly one terminal event:\n%s", text)
	}
}

func TestChatStreamQuotaCutoff(t *testing.T) {
	s := newTestServer(t)
	token := s.signupAndLogin(t, "alice")

	// Room for the first chunk ("Hi") but not the second (" there!").
	if err := s.dbStore.UpdateMonthlyTokens(context.Background(), "alice", 3); err != nil {
		t.Fatalf("updating limit: %v", err)
	}

	resp := s.do(t, http.MethodPost, "/api/chat/stream", token, `{"message":"hi"}`)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	text := string(body)
	if !strings.Contains(text, `{"token":"Hi"}`) {
		t.Errorf("the affordable chunk should be delivered:\n%s", text)
	}
	if strings.Contains(text, "there!") {
		t.Errorf("the unaffordable chunk leaked:\n%s", text)
	}
	if !strings.Contains(text, "event: quota_exceeded") {
		t.Errorf("missing quota_exceeded terminal event:\n%s", text)
	}
	if strings.Contains(text, "event: done") {
		t.Errorf("cutoff stream must not also send done:\n%s", text)
	}

	// The emitted portion was debited.
	ledger := quota.NewLedger(s.dbStore)
	state, err := ledger.Check(context.Background(), "alice")
	if err != nil {
		t.Fatalf("checking quota: %v", err)
	}
	if state.CurrentUsage != 2 {
		t.Errorf("expected 2 tokens debited, got %d", state.CurrentUsage)
	}
}

func TestAccountEndpoint(t *testing.T) {
	s := newTestServer(t)
	token := s.signupAndLogin(t, "alice")

	resp := s.do(t, http.MethodGet, "/api/account", token, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("account returned %d", resp.StatusCode)
	}

	var state quota.State
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("decoding account response: %v", err)
	}
	if state.Limit != 1000 || !state.CanUseTokens {
		t.Errorf("unexpected quota state: %+v", state)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newTestServer(t)
	token := s.signupAndLogin(t, "alice")

	resp := s.do(t, http.MethodPut, "/api/settings", token, `{"about_me":"I run a bakery."}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("settings update returned %d", resp.StatusCode)
	}

	resp = s.do(t, http.MethodGet, "/api/settings", token, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("settings fetch returned %d", resp.StatusCode)
	}

	var out SettingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding settings: %v", err)
	}
	if out.AboutMe != "I run a bakery." {
		t.Errorf("unexpected about_me: %q", out.AboutMe)
	}
}

func TestStatsEndpoint(t *testing.T) {
	s := newTestServer(t)
	token := s.signupAndLogin(t, "alice")

	// One chat to have something to aggregate.
	resp := s.do(t, http.MethodPost, "/api/chat", token, `{"message":"hi"}`)
	resp.Body.Close()

	resp = s.do(t, http.MethodGet, "/api/stats", token, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats returned %d", resp.StatusCode)
	}

	var stats store.UsageStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if stats.TotalRequests != 1 {
		t.Errorf("expected 1 request in stats, got %d", stats.TotalRequests)
	}
	if stats.TotalTokens != int64(len("Hi there!")) {
		t.Errorf("expected %d tokens in stats, got %d", len("Hi there!"), stats.TotalTokens)
	}
}

func TestReindexEndpoint(t *testing.T) {
	s := newTestServer(t)
	token := s.signupAndLogin(t, "alice")

	resp := s.do(t, http.MethodPost, "/api/admin/reindex", token, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reindex returned %d", resp.StatusCode)
	}

	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if !strings.Contains(out.String(), "reindexed") {
		t.Errorf("unexpected response: %s", out.String())
	}
}
