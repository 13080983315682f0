package llm

import (
	"fmt"
	"net/http"
)

// Credentials is the minimal set of provider configuration the factory
// needs to pick a provider.
type Credentials struct {
	Preferred string // "anthropic" | "openai" | "google"

	AnthropicKey, AnthropicBaseURL, AnthropicModel string
	OpenAIKey, OpenAIBaseURL, OpenAIModel          string
	GoogleKey, GoogleBaseURL, GoogleModel          string
}

// priority is the fixed fallback order used when the preferred provider's
// credential is absent.
var priority = []string{"anthropic", "openai", "google"}

// NewProviderFunc is the signature of a constructor that builds a concrete
// Provider for one tag.
type NewProviderFunc func(tag string, c Credentials, httpClient *http.Client) (Provider, error)

// has reports whether a credential is configured for tag.
func has(tag string, c Credentials) bool {
	switch tag {
	case "anthropic":
		return c.AnthropicKey != ""
	case "openai":
		return c.OpenAIKey != ""
	case "google":
		return c.GoogleKey != ""
	default:
		return false
	}
}

// Select resolves the provider tag to use per spec §4.1: the preferred
// provider if its credential is present, else the first provider with a
// credential from the fixed priority list. No credentials at all fails.
func Select(c Credentials) (string, error) {
	if c.Preferred != "" && has(c.Preferred, c) {
		return c.Preferred, nil
	}
	for _, tag := range priority {
		if has(tag, c) {
			return tag, nil
		}
	}
	return "", fmt.Errorf("no llm provider credentials configured")
}
