// Package pedagogy implements the Socratic tutoring decisions layered on
// top of a raw LLM provider: topic filtering, hint-level selection with
// continuity-driven escalation, difficulty estimation, and the slow drift
// of a student's effective skill levels.
package pedagogy

import (
	"context"
	"strconv"
	"strings"
	"time"

	"codetutor/internal/embedding"
	"codetutor/internal/llm"
)

const (
	minHintLevel = 1
	maxHintLevel = 4
	minLevel     = 1.0
	maxLevel     = 5.0

	continuityWindow    = 15 * time.Minute
	continuitySimilarity = 0.80

	defaultHintLevel = 2
)

// StudentState is the per-connection view of a user's tutoring progress.
// It is reconciled into the persisted user row on each commit and must not
// be shared between connections.
type StudentState struct {
	UserID                    int64
	EffectiveProgrammingLevel float64
	EffectiveMathsLevel       float64
	LastEmbedding             []float32
	LastEmbeddingAt           time.Time
}

// FilterResult names a canned-response trigger.
type FilterResult string

const (
	FilterGreeting  FilterResult = "greeting"
	FilterOffTopic  FilterResult = "off_topic"
	filterOnTopic   FilterResult = "on_topic"
)

// Decision is the pedagogy engine's verdict for one turn.
type Decision struct {
	FilterResult          FilterResult
	CannedResponse        string
	HintLevel             int
	ProgrammingDifficulty int
	MathsDifficulty       int
}

// Engine runs classification prompts against a provider-agnostic LLM and
// applies the resulting decisions to student state. It is process-global
// and safe for concurrent use; callers own a StudentState per connection.
type Engine struct {
	provider  llm.Provider
	driftStep float64
}

// New returns an Engine backed by the given provider. driftStep controls
// how far effective levels move toward the classified difficulty each
// turn (spec default 0.05; exposed as a tunable per Open Question (c)).
func New(provider llm.Provider, driftStep float64) *Engine {
	if driftStep <= 0 {
		driftStep = 0.05
	}
	return &Engine{provider: provider, driftStep: driftStep}
}

// Process runs the topic filter (when enabled), hint-level selection, and
// difficulty estimation for one turn. combinedEmbedding may be nil when
// embedding computation failed or degraded; continuity detection is then
// skipped, not treated as an error.
func (e *Engine) Process(ctx context.Context, userMessage string, state *StudentState, displayName string, combinedEmbedding []float32, enableTopicFilters bool) Decision {
	if enableTopicFilters {
		if fr := e.classifyTopic(ctx, userMessage); fr != filterOnTopic {
			return Decision{FilterResult: fr, CannedResponse: cannedResponse(fr, displayName)}
		}
	}

	hintLevel := e.classifyHintLevel(ctx, userMessage)
	if isContinuation(state, combinedEmbedding) {
		hintLevel++
	}
	hintLevel = clampInt(hintLevel, minHintLevel, maxHintLevel)

	progDiff, mathsDiff := e.classifyDifficulty(ctx, userMessage, state)

	return Decision{
		FilterResult:          filterOnTopic,
		HintLevel:             hintLevel,
		ProgrammingDifficulty: progDiff,
		MathsDifficulty:       mathsDiff,
	}
}

// UpdateState drifts effective levels toward the classified difficulties
// and replaces the state's continuity embedding with the combined
// embedding of the completed turn. Called after the answer is complete.
func (e *Engine) UpdateState(state *StudentState, combinedEmbedding []float32, progDifficulty, mathsDifficulty int, at time.Time) {
	state.EffectiveProgrammingLevel = drift(state.EffectiveProgrammingLevel, float64(progDifficulty), e.driftStep)
	state.EffectiveMathsLevel = drift(state.EffectiveMathsLevel, float64(mathsDifficulty), e.driftStep)
	if combinedEmbedding != nil {
		state.LastEmbedding = combinedEmbedding
		state.LastEmbeddingAt = at
	}
}

func drift(current, target, step float64) float64 {
	switch {
	case target > current:
		current += step
	case target < current:
		current -= step
	}
	return clampFloat(current, minLevel, maxLevel)
}

func isContinuation(state *StudentState, combined []float32) bool {
	if state == nil || combined == nil || state.LastEmbedding == nil {
		return false
	}
	if state.LastEmbeddingAt.IsZero() || time.Since(state.LastEmbeddingAt) > continuityWindow {
		return false
	}
	return embedding.CosineSimilarity(combined, state.LastEmbedding) >= continuitySimilarity
}

// classifyTopic asks a short secondary prompt to label the message. Any
// malformed or ambiguous output falls back to on_topic so the turn
// proceeds through normal generation rather than being silently dropped.
func (e *Engine) classifyTopic(ctx context.Context, userMessage string) FilterResult {
	out, err := e.classify(ctx, "Classify this message as one of: GREETING, OFF_TOPIC, ON_TOPIC. Reply with exactly one word.", userMessage, 30)
	if err != nil {
		return filterOnTopic
	}
	switch strings.ToUpper(strings.TrimSpace(out)) {
	case "GREETING":
		return FilterGreeting
	case "OFF_TOPIC":
		return FilterOffTopic
	default:
		return filterOnTopic
	}
}

// classifyHintLevel asks for a Socratic depth 1-4. Malformed output falls
// back to the spec default of 2.
func (e *Engine) classifyHintLevel(ctx context.Context, userMessage string) int {
	out, err := e.classify(ctx,
		"Rate how much help this programming/maths question needs, from 1 to 4: "+
			"1=conceptual nudge, 2=guiding question, 3=partial solution outline, 4=full worked solution. "+
			"Reply with exactly one digit.", userMessage, 10)
	if err != nil {
		return defaultHintLevel
	}
	n, ok := firstDigit(out)
	if !ok || n < minHintLevel || n > maxHintLevel {
		return defaultHintLevel
	}
	return n
}

// classifyDifficulty asks for a programming/maths difficulty pair 1-5
// each. Malformed output falls back to the current rounded effective
// level for each axis.
func (e *Engine) classifyDifficulty(ctx context.Context, userMessage string, state *StudentState) (int, int) {
	fallbackProg := clampInt(int(roundHalfUp(state.EffectiveProgrammingLevel)), 1, 5)
	fallbackMaths := clampInt(int(roundHalfUp(state.EffectiveMathsLevel)), 1, 5)

	out, err := e.classify(ctx,
		"Rate this question's difficulty on two axes, each 1-5: programming difficulty and maths difficulty. "+
			"Reply with exactly two digits separated by a comma, e.g. \"3,2\".", userMessage, 10)
	if err != nil {
		return fallbackProg, fallbackMaths
	}
	parts := strings.SplitN(strings.TrimSpace(out), ",", 2)
	if len(parts) != 2 {
		return fallbackProg, fallbackMaths
	}
	prog, okProg := firstDigit(parts[0])
	maths, okMaths := firstDigit(parts[1])
	if !okProg || !okMaths || prog < 1 || prog > 5 || maths < 1 || maths > 5 {
		return fallbackProg, fallbackMaths
	}
	return prog, maths
}

func (e *Engine) classify(ctx context.Context, systemPrompt, userMessage string, maxTokens int) (string, error) {
	var sb strings.Builder
	req := llm.Request{
		SystemPrompt: systemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: userMessage}},
		MaxTokens:    maxTokens,
	}
	err := e.provider.GenerateStream(ctx, req, func(chunk string) error {
		sb.WriteString(chunk)
		return nil
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}

func cannedResponse(fr FilterResult, displayName string) string {
	name := strings.TrimSpace(displayName)
	switch fr {
	case FilterGreeting:
		if name == "" {
			return "Hello! I'm your coding tutor. What programming or maths problem can I help you work through?"
		}
		return "Hello, " + name + "! I'm your coding tutor. What programming or maths problem can I help you work through?"
	case FilterOffTopic:
		return "I'm focused on helping with programming and maths problems. Could you share the problem you're working on?"
	default:
		return ""
	}
}

func firstDigit(s string) (int, bool) {
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n, err := strconv.Atoi(string(r))
			return n, err == nil
		}
	}
	return 0, false
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func roundHalfUp(v float64) float64 {
	return float64(int(v + 0.5))
}
