package contextbuilder

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"codetutor/internal/llm"
)

type fakeProvider struct{}

func (fakeProvider) Name() string                  { return "fake" }
func (fakeProvider) CountTokens(text string) int   { return len(strings.Fields(text)) }
func (fakeProvider) GenerateStream(ctx context.Context, req llm.Request, onDelta llm.DeltaFunc) error {
	return nil
}

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "w"
	}
	return strings.Join(parts, " ")
}

func TestBuild_KeepsEverythingWhenUnderBudget(t *testing.T) {
	history := []HistoryItem{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}}
	out := Build(context.Background(), history, "what now", "sys", fakeProvider{}, 100, 0.3, nil)
	require.Len(t, out, 3)
	require.Equal(t, "what now", out[len(out)-1].Content)
}

func TestBuild_DropsOldestWhenOverBudget(t *testing.T) {
	history := []HistoryItem{
		{Role: "user", Content: words(20)},
		{Role: "assistant", Content: words(20)},
		{Role: "user", Content: words(5)},
	}
	out := Build(context.Background(), history, "current", "", fakeProvider{}, 10, 0.3, nil)
	// only the most recent short item plus the current message should survive
	require.Equal(t, "current", out[len(out)-1].Content)
	require.Less(t, len(out), 4)
}

func TestBuild_SummarizesWhenDroppedWeightExceedsThreshold(t *testing.T) {
	history := []HistoryItem{{Role: "user", Content: words(50)}}
	called := false
	summarizer := func(ctx context.Context, dropped []HistoryItem) (string, error) {
		called = true
		return "summary text", nil
	}
	out := Build(context.Background(), history, "current", "", fakeProvider{}, 5, 0.1, summarizer)
	require.True(t, called)
	require.Contains(t, out[0].Content, "summary text")
}

func TestBuild_SummaryFailureDropsSilently(t *testing.T) {
	history := []HistoryItem{{Role: "user", Content: words(50)}}
	summarizer := func(ctx context.Context, dropped []HistoryItem) (string, error) {
		return "", errors.New("boom")
	}
	out := Build(context.Background(), history, "current", "", fakeProvider{}, 5, 0.1, summarizer)
	require.Equal(t, "current", out[0].Content)
	require.Len(t, out, 1)
}

func TestBuild_AlwaysEndsWithCurrentMessage(t *testing.T) {
	out := Build(context.Background(), nil, "only message", "", fakeProvider{}, 1000, 0.5, nil)
	require.Len(t, out, 1)
	require.Equal(t, "only message", out[0].Content)
}
