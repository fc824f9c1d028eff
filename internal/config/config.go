package config

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/pagetalk/pagetalk/internal/llm"
)

type Config struct {
	HTTPPort    string
	DatabaseURL string
	JWTSecret   string

	// OwnerID is the social-media account owner's author id; it decides
	// which historical messages are assistant turns.
	OwnerID string

	TrainingDataPath string
	SystemPromptPath string
	TopicGroupsPath  string

	AIProvider      string
	OpenAIAPIKey    string
	OpenAIModel     string
	AnthropicAPIKey string
	AnthropicModel  string
	GeminiAPIKey    string
	GeminiModel     string

	EmbeddingProvider string
	EmbeddingModel    string

	RetrievalLimit    int
	RetrievalMinScore float64
	EmbedBatchSize    int

	DefaultMonthlyTokens int64
	WatchTrainingData    bool
}

func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", "pagetalk.db"),
		JWTSecret:   getEnv("JWT_SECRET", ""),

		OwnerID: getEnv("OWNER_ID", ""),

		TrainingDataPath: getEnv("TRAINING_DATA_PATH", "training-data.json"),
		SystemPromptPath: getEnv("SYSTEM_PROMPT_PATH", "prompts/system-prompt.txt"),
		TopicGroupsPath:  getEnv("TOPIC_GROUPS_PATH", ""),

		AIProvider:      getEnv("AI_PROVIDER", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:     getEnv("OPENAI_MODEL", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:  getEnv("ANTHROPIC_MODEL", ""),
		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
		GeminiModel:     getEnv("GEMINI_MODEL", ""),

		EmbeddingProvider: getEnv("EMBEDDING_PROVIDER", ""),
		EmbeddingModel:    getEnv("EMBEDDING_MODEL", ""),

		RetrievalLimit:    getEnvAsInt("RETRIEVAL_LIMIT", 2),
		RetrievalMinScore: getEnvAsFloat("RETRIEVAL_MIN_SCORE", 0.7),
		EmbedBatchSize:    getEnvAsInt("EMBED_BATCH_SIZE", 100),

		DefaultMonthlyTokens: int64(getEnvAsInt("DEFAULT_MONTHLY_TOKENS", 100)),
		WatchTrainingData:    getEnv("WATCH_TRAINING_DATA", "false") == "true",
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if cfg.OwnerID == "" {
		return nil, fmt.Errorf("OWNER_ID environment variable is required")
	}

	return cfg, nil
}

// ProviderConfig resolves the completion backend as a tagged variant. An
// explicit AI_PROVIDER wins; otherwise the first configured API key decides.
// No configured backend is a startup error, not a request-time one.
func (c *Config) ProviderConfig() (llm.ProviderConfig, error) {
	switch c.AIProvider {
	case "openai":
		return llm.ProviderConfig{Kind: llm.ProviderOpenAI, APIKey: c.OpenAIAPIKey, Model: c.OpenAIModel}, nil
	case "anthropic":
		return llm.ProviderConfig{Kind: llm.ProviderAnthropic, APIKey: c.AnthropicAPIKey, Model: c.AnthropicModel}, nil
	case "gemini":
		return llm.ProviderConfig{Kind: llm.ProviderGemini, APIKey: c.GeminiAPIKey, Model: c.GeminiModel}, nil
	case "":
		switch {
		case c.OpenAIAPIKey != "":
			return llm.ProviderConfig{Kind: llm.ProviderOpenAI, APIKey: c.OpenAIAPIKey, Model: c.OpenAIModel}, nil
		case c.AnthropicAPIKey != "":
			return llm.ProviderConfig{Kind: llm.ProviderAnthropic, APIKey: c.AnthropicAPIKey, Model: c.AnthropicModel}, nil
		case c.GeminiAPIKey != "":
			return llm.ProviderConfig{Kind: llm.ProviderGemini, APIKey: c.GeminiAPIKey, Model: c.GeminiModel}, nil
		default:
			return llm.ProviderConfig{}, fmt.Errorf("no AI provider configured: set OPENAI_API_KEY, ANTHROPIC_API_KEY or GEMINI_API_KEY")
		}
	default:
		return llm.ProviderConfig{}, fmt.Errorf("unknown AI_PROVIDER %q", c.AIProvider)
	}
}

// EmbeddingProviderKind picks the embedding backend: explicit setting
// first, then whichever of OpenAI/Gemini has a key.
func (c *Config) EmbeddingProviderKind() (string, error) {
	switch c.EmbeddingProvider {
	case "openai", "gemini":
		return c.EmbeddingProvider, nil
	case "":
		if c.OpenAIAPIKey != "" {
			return "openai", nil
		}
		if c.GeminiAPIKey != "" {
			return "gemini", nil
		}
		return "", fmt.Errorf("no embedding provider configured: set OPENAI_API_KEY or GEMINI_API_KEY")
	default:
		return "", fmt.Errorf("unknown EMBEDDING_PROVIDER %q", c.EmbeddingProvider)
	}
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}
