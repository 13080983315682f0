// Package openai adapts the OpenAI Chat Completions API to the codetutor
// llm.Provider contract.
package openai

import (
	"context"
	"net/http"
	"strings"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"codetutor/internal/llm"
)

const defaultModel = "gpt-4o"

// Client streams chat completions from OpenAI (or an OpenAI-compatible
// endpoint when baseURL is set).
type Client struct {
	sdk   sdk.Client
	model string
}

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
	return &Client{sdk: sdk.NewClient(opts...), model: model}
}

func (c *Client) Name() string { return "openai" }

func (c *Client) CountTokens(text string) int { return llm.CountTokens(text) }

func (c *Client) GenerateStream(ctx context.Context, req llm.Request, onDelta llm.DeltaFunc) error {
	messages := adaptMessages(req)

	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(c.model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(req.MaxTokens))
	}

	return llm.WithRetry(ctx, c.Name(), func(int) error {
		ctx, span := llm.StartRequestSpan(ctx, "OpenAI ChatStream", string(params.Model), len(req.Messages))
		defer span.End()
		llm.LogRedactedPrompt(ctx, req.Messages)

		stream := c.sdk.Chat.Completions.NewStreaming(ctx, params)
		defer func() { _ = stream.Close() }()

		var emitted bool
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				if err := onDelta(delta); err != nil {
					return err
				}
				emitted = true
			}
		}

		if err := stream.Err(); err != nil {
			llmErr := llm.ClassifyTransport(c.Name(), err)
			if llmErr == nil {
				if statusErr, ok := err.(*sdk.Error); ok {
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

func adaptMessages(req llm.Request) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if sys := strings.TrimSpace(req.SystemPrompt); sys != "" {
		out = append(out, sdk.SystemMessage(sys))
	}
	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "assistant":
			out = append(out, sdk.AssistantMessage(m.Content))
		default:
			out = append(out, userMessage(m))
		}
	}
	return out
}

func userMessage(m llm.Message) sdk.ChatCompletionMessageParamUnion {
	if len(m.Parts) == 0 {
		return sdk.UserMessage(m.Content)
	}
	parts := make([]sdk.ChatCompletionContentPartUnionParam, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case "image":
			url := "data:" + p.MediaType + ";base64," + p.Data
			parts = append(parts, sdk.ChatCompletionContentPartUnionParam{
				OfImageURL: &sdk.ChatCompletionContentPartImageParam{
					ImageURL: sdk.ChatCompletionContentPartImageImageURLParam{URL: url},
				},
			})
		default:
			parts = append(parts, sdk.ChatCompletionContentPartUnionParam{
				OfText: &sdk.ChatCompletionContentPartTextParam{Text: p.Text},
			})
		}
	}
	return sdk.ChatCompletionMessageParamUnion{
		OfUser: &sdk.ChatCompletionUserMessageParam{
			Content: sdk.ChatCompletionUserMessageParamContentUnion{OfArrayOfContentParts: parts},
		},
	}
}
