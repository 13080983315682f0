package pedagogy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"codetutor/internal/llm"
)

// scriptedProvider returns queued responses in order, one per GenerateStream
// call, regardless of the request content.
type scriptedProvider struct {
	responses []string
	calls     int
}

func (p *scriptedProvider) Name() string { return "scripted" }
func (p *scriptedProvider) CountTokens(text string) int { return llm.CountTokens(text) }
func (p *scriptedProvider) GenerateStream(ctx context.Context, req llm.Request, onDelta llm.DeltaFunc) error {
	resp := ""
	if p.calls < len(p.responses) {
		resp = p.responses[p.calls]
	}
	p.calls++
	return onDelta(resp)
}

func TestProcess_GreetingReturnsCannedWithDisplayName(t *testing.T) {
	provider := &scriptedProvider{responses: []string{"GREETING"}}
	engine := New(provider, 0.05)
	state := &StudentState{EffectiveProgrammingLevel: 2, EffectiveMathsLevel: 2}

	decision := engine.Process(context.Background(), "hey there", state, "Ada", nil, true)
	require.Equal(t, FilterGreeting, decision.FilterResult)
	require.Contains(t, decision.CannedResponse, "Ada")
}

func TestProcess_OnTopicReturnsHintAndDifficulty(t *testing.T) {
	provider := &scriptedProvider{responses: []string{"ON_TOPIC", "2", "3,1"}}
	engine := New(provider, 0.05)
	state := &StudentState{EffectiveProgrammingLevel: 2, EffectiveMathsLevel: 2}

	decision := engine.Process(context.Background(), "how do I reverse a list?", state, "Ada", nil, true)
	require.Empty(t, decision.CannedResponse)
	require.Equal(t, 2, decision.HintLevel)
	require.Equal(t, 3, decision.ProgrammingDifficulty)
	require.Equal(t, 1, decision.MathsDifficulty)
}

func TestProcess_ContinuationEscalatesHintLevel(t *testing.T) {
	provider := &scriptedProvider{responses: []string{"2", "3,1"}}
	engine := New(provider, 0.05)
	state := &StudentState{
		EffectiveProgrammingLevel: 2,
		EffectiveMathsLevel:       2,
		LastEmbedding:             []float32{1, 0},
		LastEmbeddingAt:           time.Now().Add(-30 * time.Second),
	}

	decision := engine.Process(context.Background(), "I'm still stuck", state, "Ada", []float32{1, 0}, false)
	require.Equal(t, 3, decision.HintLevel)
}

func TestProcess_ContinuationBoundedAtFour(t *testing.T) {
	provider := &scriptedProvider{responses: []string{"4", "3,1"}}
	engine := New(provider, 0.05)
	state := &StudentState{
		LastEmbedding:   []float32{1, 0},
		LastEmbeddingAt: time.Now(),
	}

	decision := engine.Process(context.Background(), "still stuck", state, "Ada", []float32{1, 0}, false)
	require.Equal(t, 4, decision.HintLevel)
}

func TestProcess_StaleContinuityWindowIgnored(t *testing.T) {
	provider := &scriptedProvider{responses: []string{"2", "3,1"}}
	engine := New(provider, 0.05)
	state := &StudentState{
		LastEmbedding:   []float32{1, 0},
		LastEmbeddingAt: time.Now().Add(-20 * time.Minute),
	}

	decision := engine.Process(context.Background(), "still stuck", state, "Ada", []float32{1, 0}, false)
	require.Equal(t, 2, decision.HintLevel)
}

func TestProcess_MalformedClassifierFallsBackToDefaults(t *testing.T) {
	provider := &scriptedProvider{responses: []string{"banana", "nonsense"}}
	engine := New(provider, 0.05)
	state := &StudentState{EffectiveProgrammingLevel: 3, EffectiveMathsLevel: 4}

	decision := engine.Process(context.Background(), "what's this", state, "Ada", nil, false)
	require.Equal(t, defaultHintLevel, decision.HintLevel)
	require.Equal(t, 3, decision.ProgrammingDifficulty)
	require.Equal(t, 4, decision.MathsDifficulty)
}

func TestUpdateState_DriftsAndClampsAndUpdatesEmbedding(t *testing.T) {
	engine := New(&scriptedProvider{}, 0.05)
	state := &StudentState{EffectiveProgrammingLevel: 4.98, EffectiveMathsLevel: 1.0}

	at := time.Now()
	engine.UpdateState(state, []float32{0, 1}, 5, 1, at)

	require.InDelta(t, 5.0, state.EffectiveProgrammingLevel, 0.001)
	require.InDelta(t, 1.0, state.EffectiveMathsLevel, 0.001)
	require.Equal(t, []float32{0, 1}, state.LastEmbedding)
	require.Equal(t, at, state.LastEmbeddingAt)
}
