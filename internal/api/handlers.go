package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/pagetalk/pagetalk/internal/auth"
	"github.com/pagetalk/pagetalk/internal/core"
	"github.com/pagetalk/pagetalk/internal/quota"
	"github.com/pagetalk/pagetalk/internal/store"
)

type ctxKey int

const principalIDKey ctxKey = iota

// PrincipalID extracts the authenticated principal from a request context.
func PrincipalID(ctx context.Context) string {
	id, _ := ctx.Value(principalIDKey).(string)
	return id
}

type APIHandler struct {
	chat      *core.ChatService
	retriever *core.Retriever
	ledger    *quota.Ledger
	dbStore   *store.SQLiteStore
	auth      *auth.Manager

	defaultMonthlyTokens int64
}

func NewAPIHandler(chat *core.ChatService, retriever *core.Retriever, ledger *quota.Ledger, dbStore *store.SQLiteStore, authManager *auth.Manager, defaultMonthlyTokens int64) *APIHandler {
	return &APIHandler{
		chat:                 chat,
		retriever:            retriever,
		ledger:               ledger,
		dbStore:              dbStore,
		auth:                 authManager,
		defaultMonthlyTokens: defaultMonthlyTokens,
	}
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		principalID, err := h.auth.ValidateJWT(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), principalIDKey, principalID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type SignupRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Password == "" {
		http.Error(w, "User ID and password are required", http.StatusBadRequest)
		return
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		log.Printf("Error hashing password for %s: %v", req.UserID, err)
		http.Error(w, "Failed to process password", http.StatusInternalServerError)
		return
	}

	principal, err := h.dbStore.CreatePrincipal(r.Context(), req.UserID, hashedPassword, h.defaultMonthlyTokens)
	if err != nil {
		log.Printf("Error creating principal %s: %v", req.UserID, err)
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(principal)
}

type LoginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Password == "" {
		http.Error(w, "User ID and password are required", http.StatusBadRequest)
		return
	}

	principal, err := h.dbStore.GetPrincipal(r.Context(), req.UserID)
	if err != nil {
		if !errors.Is(err, store.ErrPrincipalNotFound) {
			log.Printf("Error getting principal %s: %v", req.UserID, err)
		}
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	if !auth.CheckPasswordHash(req.Password, principal.PasswordHash) {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := h.auth.GenerateJWT(req.UserID)
	if err != nil {
		log.Printf("Error generating JWT for %s: %v", req.UserID, err)
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

type ChatRequest struct {
	Message string `json:"message"`
}

// ChatHandler answers one message in a single blocking call.
func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	principalID := PrincipalID(r.Context())

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	response, err := h.chat.Respond(r.Context(), principalID, req.Message)
	if err != nil {
		var exceeded *core.QuotaExceededError
		switch {
		case errors.As(err, &exceeded):
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error":        "quota_exceeded",
				"currentUsage": exceeded.CurrentUsage,
				"limit":        exceeded.Limit,
			})
		case errors.Is(err, store.ErrPrincipalNotFound):
			http.Error(w, "User not found", http.StatusNotFound)
		default:
			log.Printf("Chat failed for %s: %v", principalID, err)
			http.Error(w, "Failed to generate response", http.StatusInternalServerError)
		}
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"response": response})
}

// ChatStreamHandler answers one message as a server-sent event stream:
// token events followed by exactly one terminal event.
func (h *APIHandler) ChatStreamHandler(w http.ResponseWriter, r *http.Request) {
	principalID := PrincipalID(r.Context())

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	err = h.chat.RespondStream(r.Context(), principalID, req.Message, sse.token)

	var exceeded *core.QuotaExceededError
	var cutoff *core.QuotaCutoffError
	switch {
	case err == nil:
		sse.done()
	case errors.As(err, &exceeded):
		sse.quotaExceeded(exceeded.CurrentUsage, exceeded.Limit)
	case errors.As(err, &cutoff):
		sse.quotaExceeded(cutoff.CurrentUsage, cutoff.Limit)
	case errors.Is(err, store.ErrPrincipalNotFound):
		sse.error("user not found")
	default:
		log.Printf("Streaming chat failed for %s: %v", principalID, err)
		sse.error("failed to generate response")
	}
}

// AccountHandler returns the caller's current quota state.
func (h *APIHandler) AccountHandler(w http.ResponseWriter, r *http.Request) {
	principalID := PrincipalID(r.Context())

	state, err := h.ledger.Check(r.Context(), principalID)
	if err != nil {
		if errors.Is(err, store.ErrPrincipalNotFound) {
			http.Error(w, "User not found", http.StatusNotFound)
			return
		}
		log.Printf("Error checking quota for %s: %v", principalID, err)
		http.Error(w, "Failed to check quota", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(state)
}

// StatsHandler returns the caller's 30-day usage aggregate.
func (h *APIHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	principalID := PrincipalID(r.Context())

	since := time.Now().UTC().AddDate(0, 0, -30)
	stats, err := h.dbStore.UsageStats(r.Context(), principalID, since)
	if err != nil {
		log.Printf("Error loading usage stats for %s: %v", principalID, err)
		http.Error(w, "Failed to load stats", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(stats)
}

type SettingsResponse struct {
	AboutMe string `json:"about_me"`
}

func (h *APIHandler) GetSettingsHandler(w http.ResponseWriter, r *http.Request) {
	principalID := PrincipalID(r.Context())

	notes, err := h.dbStore.PersonaNotes(r.Context(), principalID)
	if err != nil {
		if errors.Is(err, store.ErrPrincipalNotFound) {
			http.Error(w, "User not found", http.StatusNotFound)
			return
		}
		log.Printf("Error loading settings for %s: %v", principalID, err)
		http.Error(w, "Failed to load settings", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(SettingsResponse{AboutMe: notes})
}

type UpdateSettingsRequest struct {
	AboutMe string `json:"about_me"`
}

func (h *APIHandler) UpdateSettingsHandler(w http.ResponseWriter, r *http.Request) {
	principalID := PrincipalID(r.Context())

	var req UpdateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.dbStore.UpdateAboutMe(r.Context(), principalID, req.AboutMe); err != nil {
		if errors.Is(err, store.ErrPrincipalNotFound) {
			http.Error(w, "User not found", http.StatusNotFound)
			return
		}
		log.Printf("Error updating settings for %s: %v", principalID, err)
		http.Error(w, "Failed to update settings", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ReindexHandler rebuilds the embedding index from the conversation store.
func (h *APIHandler) ReindexHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.retriever.Reinitialize(r.Context()); err != nil {
		log.Printf("Reindex failed: %v", err)
		http.Error(w, "Failed to rebuild index", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]bool{"reindexed": true})
}
