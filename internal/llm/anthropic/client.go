// Package anthropic adapts the Anthropic Messages API to the codetutor
// llm.Provider contract.
package anthropic

import (
	"context"
	"net/http"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"codetutor/internal/llm"
)

const defaultModel = "claude-sonnet-4-5-20250929"

// Client streams chat completions from Anthropic.
type Client struct {
	sdk   anthropic.Client
	model string
}

// New constructs a Client. apiKey must be non-empty; baseURL may be empty
// to use the default Anthropic endpoint.
func New(apiKey, baseURL, model string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(apiKey)),
		option.WithHTTPClient(httpClient),
	}
	if base := strings.TrimSpace(baseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModel
	}
	return &Client{sdk: anthropic.NewClient(opts...), model: model}
}

func (c *Client) Name() string { return "anthropic" }

func (c *Client) CountTokens(text string) int { return llm.CountTokens(text) }

// GenerateStream implements llm.Provider. It retries per the shared policy
// and decodes the provider's SSE text-delta events into onDelta calls.
func (c *Client) GenerateStream(ctx context.Context, req llm.Request, onDelta llm.DeltaFunc) error {
	converted, err := adaptMessages(req.Messages)
	if err != nil {
		return &llm.Error{Kind: llm.ErrMalformed, Provider: c.Name(), Detail: err.Error()}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		Messages:  converted,
		MaxTokens: maxTokens,
	}
	if sys := strings.TrimSpace(req.SystemPrompt); sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}

	return llm.WithRetry(ctx, c.Name(), func(int) error {
		ctx, span := llm.StartRequestSpan(ctx, "Anthropic ChatStream", string(params.Model), len(req.Messages))
		defer span.End()
		llm.LogRedactedPrompt(ctx, req.Messages)

		stream := c.sdk.Messages.NewStreaming(ctx, params)
		defer func() { _ = stream.Close() }()

		var emitted bool
		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if text, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
					if err := onDelta(text.Text); err != nil {
						return err
					}
					emitted = true
				}
			}
		}

		if err := stream.Err(); err != nil {
			llmErr := llm.ClassifyTransport(c.Name(), err)
			if llmErr == nil {
				if statusErr, ok := err.(*anthropic.Error); ok {
					llmErr = llm.ClassifyHTTP(c.Name(), statusErr.StatusCode, statusErr.Error())
				} else {
					llmErr = llm.ClassifyHTTP(c.Name(), 500, err.Error())
				}
			}
			llmErr.Partial = emitted
			return llmErr
		}
		return nil
	})
}

func adaptMessages(msgs []llm.Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := contentBlocks(m)
		switch strings.ToLower(m.Role) {
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out, nil
}

func contentBlocks(m llm.Message) []anthropic.ContentBlockParamUnion {
	if len(m.Parts) == 0 {
		return []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)}
	}
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case "image":
			blocks = append(blocks, anthropic.NewImageBlockBase64(p.MediaType, p.Data))
		default:
			blocks = append(blocks, anthropic.NewTextBlock(p.Text))
		}
	}
	return blocks
}
