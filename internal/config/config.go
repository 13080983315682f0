// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type GoogleConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// LLMConfig holds the three provider credential sets plus the preferred tag
// used by llm.Select.
type LLMConfig struct {
	Preferred string
	Anthropic AnthropicConfig
	OpenAI    OpenAIConfig
	Google    GoogleConfig

	MaxContextTokens      int
	MaxUserInputTokens    int
	CompressionThreshold  float64
	RequestTimeoutSeconds int
	KeyCheckTimeoutSeconds int
}

// EmbeddingConfig describes the embedding HTTP endpoint used by the
// pedagogy engine's continuity detection.
type EmbeddingConfig struct {
	BaseURL   string
	Path      string
	Model     string
	APIHeader string
	APIKey    string
	Headers   map[string]string
	Timeout   int // seconds
}

type QuotaConfig struct {
	DailyInputTokenLimit  int
	DailyOutputTokenLimit int
}

type UploadConfig struct {
	StorageDir         string
	ExpiryHours        int
	MaxImagesPerMsg    int
	MaxDocumentsPerMsg int
	MaxImageMB         int
	MaxDocumentMB      int
	MaxDocumentTokens  int
}

type ChatDBConfig struct {
	Backend string // "", "memory", "auto", "postgres"/"pg"
	DSN     string
}

type DBConfig struct {
	Chat ChatDBConfig
}

type AuthConfig struct {
	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type PedagogyConfig struct {
	DriftStep float64
}

// ObsConfig configures the optional OTLP tracing exporter. A blank OTLP
// leaves tracing disabled; observability.InitOTel reports that as a
// non-fatal error the caller can log and move past.
type ObsConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLP           string
}

type Config struct {
	Host string
	Port int

	LogLevel   string
	LogPayloads bool

	LLM       LLMConfig
	Embedding EmbeddingConfig
	Quota     QuotaConfig
	Upload    UploadConfig
	DB        DBConfig
	Auth      AuthConfig
	Pedagogy  PedagogyConfig
	Obs       ObsConfig

	CORSOrigins []string
}

// Load reads configuration from the environment (optionally via a local
// .env file, which takes precedence over pre-existing OS environment
// variables so repository-local overrides are deterministic in dev).
func Load() (Config, error) {
	_ = godotenvOverload()

	cfg := Config{
		Host: firstNonEmpty(envStr("HOST"), "0.0.0.0"),
		Port: intFromEnv("PORT", 8080),

		LogLevel:    firstNonEmpty(envStr("LOG_LEVEL"), "info"),
		LogPayloads: boolFromEnv("LOG_PAYLOADS", false),

		CORSOrigins: parseCommaSeparatedList(envStr("CORS_ORIGINS")),
	}

	cfg.LLM = LLMConfig{
		Preferred: envStr("LLM_PROVIDER"),
		Anthropic: AnthropicConfig{
			APIKey:  envStr("ANTHROPIC_API_KEY"),
			BaseURL: envStr("ANTHROPIC_BASE_URL"),
			Model:   envStr("ANTHROPIC_MODEL"),
		},
		OpenAI: OpenAIConfig{
			APIKey:  envStr("OPENAI_API_KEY"),
			BaseURL: envStr("OPENAI_BASE_URL"),
			Model:   envStr("OPENAI_MODEL"),
		},
		Google: GoogleConfig{
			APIKey:  envStr("GOOGLE_API_KEY"),
			BaseURL: envStr("GOOGLE_BASE_URL"),
			Model:   envStr("GOOGLE_MODEL"),
		},
		MaxContextTokens:       intFromEnv("LLM_MAX_CONTEXT_TOKENS", 128000),
		MaxUserInputTokens:     intFromEnv("LLM_MAX_USER_INPUT_TOKENS", 16000),
		CompressionThreshold:   floatFromEnv("CONTEXT_COMPRESSION_THRESHOLD", 0.3),
		RequestTimeoutSeconds:  intFromEnv("LLM_REQUEST_TIMEOUT_SECONDS", 60),
		KeyCheckTimeoutSeconds: intFromEnv("LLM_KEY_CHECK_TIMEOUT_SECONDS", 15),
	}

	cfg.Embedding = EmbeddingConfig{
		BaseURL:   envStr("EMBEDDING_BASE_URL"),
		Path:      firstNonEmpty(envStr("EMBEDDING_PATH"), "/v1/embeddings"),
		Model:     envStr("EMBEDDING_MODEL"),
		APIHeader: firstNonEmpty(envStr("EMBEDDING_API_HEADER"), "Authorization"),
		APIKey:    firstNonEmpty(envStr("EMBEDDING_API_KEY"), envStr("COHERE_API_KEY"), envStr("VOYAGE_API_KEY")),
		Timeout:   intFromEnv("EMBEDDING_TIMEOUT_SECONDS", 30),
	}

	cfg.Quota = QuotaConfig{
		DailyInputTokenLimit:  intFromEnv("USER_DAILY_INPUT_TOKEN_LIMIT", 200000),
		DailyOutputTokenLimit: intFromEnv("USER_DAILY_OUTPUT_TOKEN_LIMIT", 50000),
	}

	cfg.Upload = UploadConfig{
		StorageDir:         firstNonEmpty(envStr("UPLOAD_STORAGE_DIR"), "./data/uploads"),
		ExpiryHours:        intFromEnv("UPLOAD_EXPIRY_HOURS", 24),
		MaxImagesPerMsg:    intFromEnv("UPLOAD_MAX_IMAGES_PER_MESSAGE", 4),
		MaxDocumentsPerMsg: intFromEnv("UPLOAD_MAX_DOCUMENTS_PER_MESSAGE", 4),
		MaxImageMB:         intFromEnv("UPLOAD_MAX_IMAGE_MB", 10),
		MaxDocumentMB:      intFromEnv("UPLOAD_MAX_DOCUMENT_MB", 20),
		MaxDocumentTokens:  intFromEnv("UPLOAD_MAX_DOCUMENT_TOKENS", 20000),
	}

	cfg.DB = DBConfig{
		Chat: ChatDBConfig{
			Backend: strings.ToLower(firstNonEmpty(envStr("CHAT_DB_BACKEND"), "memory")),
			DSN:     firstNonEmpty(envStr("CHAT_DB_DSN"), envStr("DATABASE_URL")),
		},
	}

	cfg.Auth = AuthConfig{
		JWTSecret:       envStr("JWT_SECRET"),
		AccessTokenTTL:  durationFromEnvMinutes("JWT_ACCESS_TTL_MINUTES", 60),
		RefreshTokenTTL: durationFromEnvMinutes("JWT_REFRESH_TTL_MINUTES", 60*24*7),
	}

	cfg.Pedagogy = PedagogyConfig{
		DriftStep: floatFromEnv("PEDAGOGY_DRIFT_STEP", 0.05),
	}

	cfg.Obs = ObsConfig{
		ServiceName:    firstNonEmpty(envStr("OTEL_SERVICE_NAME"), "codetutor"),
		ServiceVersion: envStr("SERVICE_VERSION"),
		Environment:    firstNonEmpty(envStr("ENVIRONMENT"), "dev"),
		OTLP:           envStr("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.Auth.JWTSecret == "" {
		log.Warn().Msg("no JWT_SECRET configured; authentication will reject every token")
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.LLM.CompressionThreshold <= 0 || cfg.LLM.CompressionThreshold > 1 {
		return fmt.Errorf("CONTEXT_COMPRESSION_THRESHOLD must be in (0,1], got %v", cfg.LLM.CompressionThreshold)
	}
	if cfg.DB.Chat.Backend != "" && cfg.DB.Chat.Backend != "memory" && cfg.DB.Chat.Backend != "auto" &&
		cfg.DB.Chat.Backend != "postgres" && cfg.DB.Chat.Backend != "pg" {
		return fmt.Errorf("unsupported CHAT_DB_BACKEND: %s", cfg.DB.Chat.Backend)
	}
	return nil
}

func durationFromEnvMinutes(key string, defMinutes int) time.Duration {
	return time.Duration(intFromEnv(key, defMinutes)) * time.Minute
}

func floatFromEnv(key string, def float64) float64 {
	if v := envStr(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
