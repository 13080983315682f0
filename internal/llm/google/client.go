// Package google adapts the Gemini API (via google.golang.org/genai) to
// the codetutor llm.Provider contract.
package google

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"codetutor/internal/llm"
)

const defaultModel = "gemini-2.5-flash"

// Client streams chat completions from Gemini.
type Client struct {
	sdk   *genai.Client
	model string
}

func New(apiKey, baseURL, model string) (*Client, error) {
	opts := &genai.ClientConfig{APIKey: strings.TrimSpace(apiKey)}
	if base := strings.TrimSpace(baseURL); base != "" {
		opts.HTTPOptions = genai.HTTPOptions{BaseURL: strings.TrimSuffix(base, "/") + "/"}
	}
	client, err := genai.NewClient(context.Background(), opts)
	if err != nil {
		return nil, fmt.Errorf("init google client: %w", err)
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModel
	}
	return &Client{sdk: client, model: model}, nil
}

func (c *Client) Name() string { return "google" }

func (c *Client) CountTokens(text string) int { return llm.CountTokens(text) }

func (c *Client) GenerateStream(ctx context.Context, req llm.Request, onDelta llm.DeltaFunc) error {
	contents := toContents(req.Messages)

	cfg := &genai.GenerateContentConfig{}
	if sys := strings.TrimSpace(req.SystemPrompt); sys != "" {
		cfg.SystemInstruction = genai.NewContentFromText(sys, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	return llm.WithRetry(ctx, c.Name(), func(int) error {
		ctx, span := llm.StartRequestSpan(ctx, "Google ChatStream", c.model, len(req.Messages))
		defer span.End()
		llm.LogRedactedPrompt(ctx, req.Messages)

		stream := c.sdk.Models.GenerateContentStream(ctx, c.model, contents, cfg)
		var emitted bool
		for resp, err := range stream {
			if err != nil {
				llmErr := llm.ClassifyTransport(c.Name(), err)
				if llmErr == nil {
					if apiErr, ok := err.(genai.APIError); ok {
						llmErr = llm.ClassifyHTTP(c.Name(), apiErr.Code, apiErr.Message)
					} else {
						llmErr = llm.ClassifyHTTP(c.Name(), 500, err.Error())
					}
				}
				llmErr.Partial = emitted
				return llmErr
			}
			for _, cand := range resp.Candidates {
				if cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					if part.Text != "" {
						if err := onDelta(part.Text); err != nil {
							return err
						}
						emitted = true
					}
				}
			}
		}
		return nil
	})
}

func toContents(msgs []llm.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := genai.RoleUser
		if strings.ToLower(m.Role) == "assistant" {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromParts(contentParts(m), role))
	}
	return out
}

func contentParts(m llm.Message) []*genai.Part {
	if len(m.Parts) == 0 {
		return []*genai.Part{genai.NewPartFromText(m.Content)}
	}
	parts := make([]*genai.Part, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case "image":
			parts = append(parts, genai.NewPartFromBytes([]byte(p.Data), p.MediaType))
		default:
			parts = append(parts, genai.NewPartFromText(p.Text))
		}
	}
	return parts
}
