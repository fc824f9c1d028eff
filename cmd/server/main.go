package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pagetalk/pagetalk/internal/api"
	"github.com/pagetalk/pagetalk/internal/auth"
	"github.com/pagetalk/pagetalk/internal/config"
	"github.com/pagetalk/pagetalk/internal/core"
	"github.com/pagetalk/pagetalk/internal/llm"
	"github.com/pagetalk/pagetalk/internal/quota"
	"github.com/pagetalk/pagetalk/internal/store"
	"github.com/pagetalk/pagetalk/internal/training"
	"github.com/pagetalk/pagetalk/internal/watch"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Setup logging
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database store
	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer dbStore.Close()

	// Initialize completion provider
	providerCfg, err := cfg.ProviderConfig()
	if err != nil {
		log.Fatalf("Failed to resolve AI provider: %v", err)
	}
	provider, err := llm.NewProvider(ctx, providerCfg)
	if err != nil {
		log.Fatalf("Failed to create AI provider: %v", err)
	}
	if closer, ok := provider.(interface{ Close() error }); ok {
		defer closer.Close()
	}
	modelName := providerCfg.Model
	if modelName == "" {
		modelName = string(providerCfg.Kind)
	}
	log.Printf("Using %s provider (model %s)", providerCfg.Kind, modelName)

	// Initialize embedding backend
	embedder, err := newEmbedder(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create embedder: %v", err)
	}
	if closer, ok := embedder.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	// Load persona prompt
	persona, err := os.ReadFile(cfg.SystemPromptPath)
	if err != nil {
		log.Fatalf("Failed to load system prompt from %s: %v", cfg.SystemPromptPath, err)
	}

	// Document composer with optional topic tagging
	topicGroups, err := core.LoadTopicGroups(cfg.TopicGroupsPath)
	if err != nil {
		log.Fatalf("Failed to load topic groups: %v", err)
	}
	composer := core.NewSectionComposer(cfg.OwnerID, topicGroups)

	// Retrieval engine over the training-data export
	retriever := core.NewRetriever(
		func() ([]training.Conversation, error) {
			return training.LoadFile(cfg.TrainingDataPath)
		},
		embedder,
		composer,
		cfg.OwnerID,
		core.RetrievalConfig{
			Limit:     cfg.RetrievalLimit,
			MinScore:  float32(cfg.RetrievalMinScore),
			BatchSize: cfg.EmbedBatchSize,
		},
	)

	// Warm the index in the background; first requests share the build if
	// this hasn't finished yet.
	go func() {
		if err := retriever.Warm(ctx); err != nil {
			log.Printf("Index warm-up failed (will retry on first request): %v", err)
		}
	}()

	// Rebuild on training-data changes if requested
	if cfg.WatchTrainingData {
		watcher, err := watch.NewWatcher(cfg.TrainingDataPath, retriever)
		if err != nil {
			log.Fatalf("Failed to create training-data watcher: %v", err)
		}
		defer watcher.Stop()
		go func() {
			if err := watcher.Run(ctx); err != nil {
				log.Printf("Training-data watcher stopped: %v", err)
			}
		}()
	}

	// Quota ledger and chat orchestrator
	ledger := quota.NewLedger(dbStore)
	chatService := core.NewChatService(provider, retriever, ledger, dbStore, string(persona), modelName)

	// API handler and router
	authManager := auth.NewManager(cfg.JWTSecret)
	apiHandler := api.NewAPIHandler(chatService, retriever, ledger, dbStore, authManager, cfg.DefaultMonthlyTokens)
	router := api.NewRouter(apiHandler)

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // Streaming completions can run long
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Starting server on %s. Press Ctrl+C to quit.", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", serverAddr, err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exiting gracefully")
}

func newEmbedder(ctx context.Context, cfg *config.Config) (core.Embedder, error) {
	kind, err := cfg.EmbeddingProviderKind()
	if err != nil {
		return nil, err
	}
	switch kind {
	case "openai":
		return llm.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.EmbeddingModel), nil
	case "gemini":
		return llm.NewGeminiEmbedder(ctx, cfg.GeminiAPIKey, cfg.EmbeddingModel)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", kind)
	}
}
