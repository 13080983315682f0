package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"codetutor/internal/auth"
	"codetutor/internal/chatapi"
	"codetutor/internal/config"
	"codetutor/internal/llm"
	"codetutor/internal/llm/anthropic"
	"codetutor/internal/llm/google"
	"codetutor/internal/llm/openai"
	"codetutor/internal/observability"
	"codetutor/internal/pedagogy"
	"codetutor/internal/persistence/databases"
	"codetutor/internal/pipeline"
	"codetutor/internal/upload"
	"codetutor/internal/version"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("example.env")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		log.Fatal().Err(err).Msg("failed to load config")
	}

	observability.InitLogger("", cfg.LogLevel)
	llm.SetPayloadLogging(cfg.LogPayloads)
	log.Info().Str("version", version.Version).Msg("starting codetutor")

	shutdown, err := observability.InitOTel(context.Background(), cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without tracing")
		shutdown = nil
	}
	if shutdown != nil {
		defer func() { _ = shutdown(context.Background()) }()
		log.Logger = log.Logger.Output(zerolog.MultiLevelWriter(log.Logger, observability.NewOTelWriter(cfg.Obs.ServiceName)))
	}

	ctx := context.Background()

	manager, err := databases.NewManager(ctx, cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init persistence")
	}

	httpClient := observability.NewHTTPClient(&http.Client{Timeout: time.Duration(cfg.LLM.RequestTimeoutSeconds) * time.Second})
	provider, err := newProvider(cfg.LLM, httpClient)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to select an llm provider")
	}
	log.Info().Str("provider", provider.Name()).Msg("llm provider selected")

	uploadStore, err := upload.NewStore(cfg.Upload, manager.Chat)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init upload store")
	}
	pedagogyEngine := pedagogy.New(provider, cfg.Pedagogy.DriftStep)
	orchestrator := pipeline.NewOrchestrator(manager.Chat, provider, cfg.Embedding, uploadStore, pedagogyEngine, cfg.Quota, cfg.LLM)

	jwtSvc := auth.NewJWTService(cfg.Auth)
	authenticator := auth.NewAuthenticator(jwtSvc, manager.Chat)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { fmt.Fprintln(w, "ok") })
	mux.HandleFunc("/ws/chat", pipeline.Handler(authenticator, orchestrator))
	mux.Handle("/api/chat/", auth.Middleware(authenticator, true)(chatapi.NewServer(manager.Chat, cfg.Quota)))

	handler := withCORS(cfg.CORSOrigins, mux)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	log.Info().Str("addr", addr).Msg("codetutor listening")
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses over the websocket run indefinitely
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server exited")
	}
}

// newProvider resolves the configured credentials to a provider tag and
// constructs the matching client. The Anthropic and OpenAI constructors wrap
// the observability-instrumented httpClient so their upstream calls are
// traced; the Google client is built by the genai SDK and does not receive
// httpClient.
func newProvider(cfg config.LLMConfig, httpClient *http.Client) (llm.Provider, error) {
	tag, err := llm.Select(llm.Credentials{
		Preferred:        cfg.Preferred,
		AnthropicKey:     cfg.Anthropic.APIKey,
		AnthropicBaseURL: cfg.Anthropic.BaseURL,
		AnthropicModel:   cfg.Anthropic.Model,
		OpenAIKey:        cfg.OpenAI.APIKey,
		OpenAIBaseURL:    cfg.OpenAI.BaseURL,
		OpenAIModel:      cfg.OpenAI.Model,
		GoogleKey:        cfg.Google.APIKey,
		GoogleBaseURL:    cfg.Google.BaseURL,
		GoogleModel:      cfg.Google.Model,
	})
	if err != nil {
		return nil, err
	}
	switch tag {
	case "anthropic":
		return anthropic.New(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL, cfg.Anthropic.Model, httpClient), nil
	case "openai":
		return openai.New(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, httpClient), nil
	case "google":
		return google.New(cfg.Google.APIKey, cfg.Google.BaseURL, cfg.Google.Model)
	default:
		return nil, fmt.Errorf("unknown provider tag %q", tag)
	}
}

// withCORS applies the configured allow-list to every response. No pack
// example imports a CORS library, so this follows the plain net/http
// preflight pattern instead of reaching for one.
func withCORS(allowed []string, next http.Handler) http.Handler {
	allowAll := len(allowed) == 0
	allowedSet := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		allowedSet[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || allowedSet[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
