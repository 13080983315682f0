package llm

import (
	"context"
	"encoding/json"
	"sync"

	"codetutor/internal/observability"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	mu                   sync.RWMutex
	enablePayloadLogging = false
)

// SetPayloadLogging toggles debug-level logging of redacted request/response
// payloads. Off by default; enabled via configuration for local debugging.
func SetPayloadLogging(enable bool) {
	mu.Lock()
	defer mu.Unlock()
	enablePayloadLogging = enable
}

func payloadLoggingEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enablePayloadLogging
}

// StartRequestSpan starts a tracer span for an LLM request and sets common
// attributes.
func StartRequestSpan(ctx context.Context, operation, model string, messages int) (context.Context, trace.Span) {
	ctx, span := otel.Tracer("internal/llm").Start(ctx, operation)
	span.SetAttributes(attribute.String("llm.model", model), attribute.Int("llm.messages", messages))
	return ctx, span
}

// LogRedactedPrompt logs a redacted copy of the request messages at debug
// level, a no-op unless payload logging has been enabled.
func LogRedactedPrompt(ctx context.Context, msgs []Message) {
	if !payloadLoggingEnabled() {
		return
	}
	logger := observability.LoggerWithTrace(ctx)
	b, err := json.Marshal(msgs)
	if err != nil {
		return
	}
	entry := logger.With().RawJSON("prompt", observability.RedactJSON(b)).Logger()
	entry.Debug().Msg("llm_request")
}
