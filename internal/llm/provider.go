// Package llm defines the provider-agnostic streaming chat contract used by
// the tutoring pipeline, plus the retry policy shared by every concrete
// provider implementation.
package llm

import "context"

// ContentPart is one piece of a multimodal message. Type is "text" or
// "image"; for images, MediaType is an IANA MIME type (e.g. "image/png")
// and Data is the base64-encoded payload.
type ContentPart struct {
	Type      string
	Text      string
	MediaType string
	Data      string
}

// Message is one turn of conversation. When Parts is non-empty it takes
// precedence over Content, allowing a single user turn to carry text plus
// inline images.
type Message struct {
	Role    string // "user" | "assistant"
	Content string
	Parts   []ContentPart
}

// Request bundles everything a provider needs to stream a completion.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
}

// DeltaFunc receives one incremental chunk of generated text. Returning an
// error aborts the stream.
type DeltaFunc func(chunk string) error

// Provider is the capability set every backing chat API must expose:
// streaming generation and an approximate, provider-agnostic token count.
type Provider interface {
	Name() string
	GenerateStream(ctx context.Context, req Request, onDelta DeltaFunc) error
	CountTokens(text string) int
}

// CountTokens is the approximate length-based estimator shared by every
// provider so history budgeting stays provider-agnostic. The system does
// not implement a real tokenizer by design.
func CountTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		return 1
	}
	return n
}
