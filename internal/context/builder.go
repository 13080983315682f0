// Package contextbuilder assembles the bounded message history sent to an
// LLM provider for one turn, truncating and compressing older history to
// fit a hard token budget (spec §4.4).
package contextbuilder

import (
	"context"

	"codetutor/internal/llm"
)

// HistoryItem is one stored turn.
type HistoryItem struct {
	Role    string
	Content string
}

// Summarizer produces a short synthetic summary of a dropped history
// prefix. Returning an error drops the prefix silently rather than
// failing the turn.
type Summarizer func(ctx context.Context, dropped []HistoryItem) (string, error)

const summaryBudgetTokens = 300

// Build returns the bounded message sequence for one turn: as much of the
// most recent history as fits within budget minus reserved tokens for the
// system prompt and the current user message, optionally prefixed with a
// synthetic summary of whatever had to be dropped.
//
// The returned sequence always ends with the current user message and
// preserves the relative order of kept history.
func Build(ctx context.Context, history []HistoryItem, userMessage, systemPrompt string, provider llm.Provider, budget int, compressionRatio float64, summarize Summarizer) []llm.Message {
	reserved := provider.CountTokens(systemPrompt) + provider.CountTokens(userMessage)
	remaining := budget - reserved
	if remaining < 0 {
		remaining = 0
	}

	kept, dropped := selectRecent(history, provider, remaining)

	out := make([]llm.Message, 0, len(kept)+2)
	if len(dropped) > 0 && droppedWeight(dropped, provider) > (1-compressionRatio)*float64(budget) {
		if summarize != nil {
			if summary, err := summarize(ctx, dropped); err == nil && summary != "" {
				out = append(out, llm.Message{Role: "user", Content: "[Earlier context summary: " + summary + "]"})
			}
		}
	}

	for _, h := range kept {
		out = append(out, llm.Message{Role: h.Role, Content: h.Content})
	}
	out = append(out, llm.Message{Role: "user", Content: userMessage})
	return out
}

// selectRecent walks history from most recent to oldest, keeping messages
// whose cumulative token cost stays within remaining. It returns the kept
// slice in original (chronological) order and the dropped prefix.
func selectRecent(history []HistoryItem, provider llm.Provider, remaining int) (kept, dropped []HistoryItem) {
	used := 0
	cut := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := provider.CountTokens(history[i].Content)
		if used+cost > remaining {
			break
		}
		used += cost
		cut = i
	}
	return history[cut:], history[:cut]
}

func droppedWeight(dropped []HistoryItem, provider llm.Provider) float64 {
	total := 0
	for _, h := range dropped {
		total += provider.CountTokens(h.Content)
	}
	return float64(total)
}

// BuildSummarizer turns an llm.Provider into a Summarizer that asks for a
// short synthesis of the dropped prefix with a dedicated system prompt.
func BuildSummarizer(provider llm.Provider) Summarizer {
	return func(ctx context.Context, dropped []HistoryItem) (string, error) {
		var text string
		for _, h := range dropped {
			text += h.Role + ": " + h.Content + "\n"
		}
		var out string
		err := provider.GenerateStream(ctx, llm.Request{
			SystemPrompt: "Summarise the following conversation history in at most a few sentences, preserving any facts the student established.",
			Messages:     []llm.Message{{Role: "user", Content: text}},
			MaxTokens:    summaryBudgetTokens,
		}, func(chunk string) error {
			out += chunk
			return nil
		})
		if err != nil {
			return "", err
		}
		return out, nil
	}
}
