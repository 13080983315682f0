// Package pipeline implements the per-connection chat orchestrator (spec
// §4.6): frame parsing, quota enforcement, attachment resolution,
// pedagogy decisions, context assembly, and streamed generation, wired
// together in the sequence the external protocol observes.
package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"codetutor/internal/auth"
	contextbuilder "codetutor/internal/context"
	"codetutor/internal/embedding"
	"codetutor/internal/llm"
	"codetutor/internal/pedagogy"
	"codetutor/internal/persistence"
	"codetutor/internal/upload"

	"codetutor/internal/config"
)

// imageTokenWeight is the flat per-image token estimate added to the
// input-sizing check (spec §4.6 step 5).
const imageTokenWeight = 512

// EventSink receives the ordered events of one turn.
type EventSink interface {
	Send(OutgoingEvent) error
}

// Orchestrator holds the process-global collaborators shared by every
// connection: the LLM provider, store, upload ingestor, and pedagogy
// engine.
type Orchestrator struct {
	chat       persistence.ChatStore
	provider   llm.Provider
	embedCfg   config.EmbeddingConfig
	uploads    *upload.Store
	pedagogy   *pedagogy.Engine
	quota      config.QuotaConfig
	llm        config.LLMConfig
	summarizer contextbuilder.Summarizer
}

func NewOrchestrator(chat persistence.ChatStore, provider llm.Provider, embedCfg config.EmbeddingConfig, uploads *upload.Store, pedagogyEngine *pedagogy.Engine, quota config.QuotaConfig, llmCfg config.LLMConfig) *Orchestrator {
	return &Orchestrator{
		chat:       chat,
		provider:   provider,
		embedCfg:   embedCfg,
		uploads:    uploads,
		pedagogy:   pedagogyEngine,
		quota:      quota,
		llm:        llmCfg,
		summarizer: contextbuilder.BuildSummarizer(provider),
	}
}

// Connection is the per-connection state: the authenticated user and the
// StudentState loaded once at handshake time (spec §9 — do not share a
// StudentState between connections).
type Connection struct {
	o     *Orchestrator
	user  auth.User
	state *pedagogy.StudentState
}

// NewConnection loads a StudentState for user from its persisted fields,
// falling back to the self-reported integer levels when no effective
// level has ever been set.
func (o *Orchestrator) NewConnection(ctx context.Context, user auth.User) (*Connection, error) {
	record, err := o.chat.GetUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	state := &pedagogy.StudentState{
		UserID:                    user.ID,
		EffectiveProgrammingLevel: fallbackLevel(record.EffectiveProgrammingLevel, record.ProgrammingLevel),
		EffectiveMathsLevel:       fallbackLevel(record.EffectiveMathsLevel, record.MathsLevel),
	}
	if record.LastEmbedding != nil {
		state.LastEmbedding = record.LastEmbedding
		if record.LastEmbeddingAt != nil {
			state.LastEmbeddingAt = *record.LastEmbeddingAt
		}
	}

	return &Connection{o: o, user: user, state: state}, nil
}

func fallbackLevel(effective *float64, selfReported int) float64 {
	if effective != nil {
		return *effective
	}
	if selfReported < 1 || selfReported > 5 {
		return 3.0
	}
	return float64(selfReported)
}

// HandleTurn runs the full per-turn sequence described in spec §4.6,
// emitting events to sink in order. A returned error is either a
// persistence.ChatStore failure (StoreError per spec §7) or a failure of
// sink.Send — the caller should close the connection; every other failure
// mode is absorbed into an emitted error event and HandleTurn returns nil
// so the connection survives.
func (c *Connection) HandleTurn(ctx context.Context, frame IncomingFrame, sink EventSink) error {
	o := c.o
	now := time.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	// Step 2: quota check.
	ok, err := o.chat.CheckDailyLimit(ctx, c.user.ID, today, o.quota.DailyInputTokenLimit, o.quota.DailyOutputTokenLimit)
	if err != nil {
		return fmt.Errorf("check daily limit: %w", err)
	}
	if !ok {
		return sink.Send(errorEvent("daily token limit reached; resets tomorrow"))
	}

	// Step 3: attachment resolution.
	var attachments []persistence.UploadedFile
	if len(frame.UploadIDs) > 0 {
		attachments, err = upload.Resolve(ctx, o.chat, c.user.ID, frame.UploadIDs)
		if err != nil {
			return fmt.Errorf("resolve uploads: %w", err)
		}
		if len(attachments) != len(frame.UploadIDs) {
			return sink.Send(errorEvent("one or more attachments were not found or have expired"))
		}
	}
	var images, documents []persistence.UploadedFile
	for _, a := range attachments {
		if a.FileType == "image" {
			images = append(images, a)
		} else {
			documents = append(documents, a)
		}
	}

	// Step 4: enrich.
	enriched := upload.EnrichedMessage(frame.Content, documents)

	// Step 5: input sizing.
	estimatedInputTokens := o.provider.CountTokens(enriched) + imageTokenWeight*len(images)
	if estimatedInputTokens > o.llm.MaxUserInputTokens {
		return sink.Send(errorEvent("message is too large for the model's input budget"))
	}

	// Step 6: embedding (best effort).
	combinedEmbedding := c.computeCombinedEmbedding(ctx, enriched, images)

	// Step 7: persist user turn.
	sessionID, err := o.getOrCreateSession(ctx, c.user.ID, frame.SessionID)
	if err != nil {
		return fmt.Errorf("get or create session: %w", err)
	}
	attachmentIDs := make([]string, 0, len(attachments))
	for _, a := range attachments {
		attachmentIDs = append(attachmentIDs, a.ID)
	}
	inputTokens := estimatedInputTokens
	if _, err := o.chat.SaveMessage(ctx, sessionID, persistence.ChatMessage{
		Role:          "user",
		Content:       frame.Content,
		InputTokens:   &inputTokens,
		AttachmentIDs: attachmentIDs,
	}); err != nil {
		return fmt.Errorf("save user message: %w", err)
	}
	if err := sink.Send(sessionEvent(sessionID)); err != nil {
		return err
	}

	// Step 8: pedagogy decision.
	enableTopicFilters := len(attachments) == 0
	decision := o.pedagogy.Process(ctx, enriched, c.state, c.user.DisplayName, combinedEmbedding, enableTopicFilters)
	if decision.FilterResult != "" && decision.FilterResult != "on_topic" {
		if err := sink.Send(cannedEvent(decision.CannedResponse, string(decision.FilterResult))); err != nil {
			return err
		}
		if _, err := o.chat.SaveMessage(ctx, sessionID, persistence.ChatMessage{
			Role:    "assistant",
			Content: decision.CannedResponse,
		}); err != nil {
			return fmt.Errorf("save canned message: %w", err)
		}
		return nil
	}

	// Step 9: context assembly.
	history, err := o.chat.GetChatHistory(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if len(history) > 0 {
		history = history[:len(history)-1] // drop the just-saved user message
	}
	items := make([]contextbuilder.HistoryItem, 0, len(history))
	for _, m := range history {
		items = append(items, contextbuilder.HistoryItem{Role: m.Role, Content: m.Content})
	}
	messages := contextbuilder.Build(ctx, items, enriched, systemPrompt, o.provider, o.llm.MaxContextTokens, o.llm.CompressionThreshold, o.summarizer)
	if len(images) > 0 {
		o.overlayImages(ctx, &messages[len(messages)-1], images)
	}

	// Step 10: stream. Retries live inside the provider (only it can tell
	// "failed before first byte" from "failed mid-body"); HandleTurn must
	// not wrap this in another retry layer or a retryable-class failure
	// after partial output would re-emit already-sent token events.
	var answer string
	streamErr := o.provider.GenerateStream(ctx, llm.Request{
		SystemPrompt: systemPrompt,
		Messages:     messages,
		MaxTokens:    0,
	}, func(chunk string) error {
		answer += chunk
		return sink.Send(tokenEvent(chunk))
	})
	if streamErr != nil {
		var llmErr *llm.Error
		msg := streamErr.Error()
		if errors.As(streamErr, &llmErr) {
			msg = llmErr.Detail
		}
		return sink.Send(errorEvent(msg))
	}

	// Step 11: post-stream.
	outputTokens := o.provider.CountTokens(answer)
	turnEmbedding := c.computeCombinedEmbedding(ctx, enriched+"\n"+answer, nil)
	o.pedagogy.UpdateState(c.state, turnEmbedding, decision.ProgrammingDifficulty, decision.MathsDifficulty, time.Now().UTC())

	hintLevel := decision.HintLevel
	progDiff := decision.ProgrammingDifficulty
	mathsDiff := decision.MathsDifficulty
	if _, err := o.chat.SaveMessage(ctx, sessionID, persistence.ChatMessage{
		Role:              "assistant",
		Content:           answer,
		HintLevelUsed:     &hintLevel,
		ProblemDifficulty: &progDiff,
		MathsDifficulty:   &mathsDiff,
		OutputTokens:      &outputTokens,
	}); err != nil {
		return fmt.Errorf("save assistant message: %w", err)
	}
	if err := o.chat.IncrementTokenUsage(ctx, c.user.ID, today, inputTokens, outputTokens); err != nil {
		return fmt.Errorf("increment token usage: %w", err)
	}
	if err := o.chat.UpdateEffectiveLevels(ctx, c.user.ID, c.state.EffectiveProgrammingLevel, c.state.EffectiveMathsLevel); err != nil {
		return fmt.Errorf("update effective levels: %w", err)
	}
	if turnEmbedding != nil {
		if err := o.chat.UpdateLastEmbedding(ctx, c.user.ID, turnEmbedding, c.state.LastEmbeddingAt); err != nil {
			return fmt.Errorf("update last embedding: %w", err)
		}
	}

	// Step 12.
	return sink.Send(doneEvent(hintLevel, progDiff, mathsDiff))
}

// getOrCreateSession implements spec §4.6 step 7's "if session_id missing
// or not owned, create new" by retrying with an empty id on ErrForbidden.
func (o *Orchestrator) getOrCreateSession(ctx context.Context, userID int64, sessionID string) (string, error) {
	sess, err := o.chat.GetOrCreateSession(ctx, userID, sessionID)
	if errors.Is(err, persistence.ErrForbidden) {
		sess, err = o.chat.GetOrCreateSession(ctx, userID, "")
	}
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

// computeCombinedEmbedding embeds the text via embed_text and each image via
// embed_image (spec §4.2), reading the image's actual stored bytes, then
// combines every vector into one unit vector. Any failure — text, a given
// image, or combine itself — degrades continuity detection only (spec
// §7), not the turn: a failed image embed is simply dropped rather than
// failing the whole turn.
func (c *Connection) computeCombinedEmbedding(ctx context.Context, text string, images []persistence.UploadedFile) []float32 {
	if c.o.embedCfg.BaseURL == "" {
		return nil
	}
	vectors, err := embedding.EmbedText(ctx, c.o.embedCfg, []string{text})
	if err != nil {
		return nil
	}
	for _, img := range images {
		data, err := c.o.uploads.ReadFile(ctx, img.Path)
		if err != nil {
			continue
		}
		vec, err := embedding.EmbedImage(ctx, c.o.embedCfg, data, img.ContentType)
		if err != nil || vec == nil {
			continue
		}
		vectors = append(vectors, vec)
	}
	return embedding.Combine(vectors)
}

func (o *Orchestrator) overlayImages(ctx context.Context, msg *llm.Message, images []persistence.UploadedFile) {
	parts := []llm.ContentPart{{Type: "text", Text: msg.Content}}
	for _, img := range images {
		data, err := o.uploads.ReadFile(ctx, img.Path)
		if err != nil {
			continue
		}
		parts = append(parts, llm.ContentPart{
			Type:      "image",
			MediaType: img.ContentType,
			Data:      base64.StdEncoding.EncodeToString(data),
		})
	}
	msg.Parts = parts
}

const systemPrompt = "You are a patient coding and maths tutor. Guide the student with Socratic questions rather than handing over full solutions unless the requested hint level calls for one."
