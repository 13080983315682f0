package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"codetutor/internal/auth"
	"codetutor/internal/config"
	"codetutor/internal/llm"
	"codetutor/internal/pedagogy"
	"codetutor/internal/persistence"
	"codetutor/internal/persistence/databases"
	"codetutor/internal/upload"
)

func truncatedToday() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

type scriptedProvider struct {
	responses []string
	calls     int

	// failAfterCall, failChunks, and failErr let a test script a
	// mid-stream failure on a specific call (0-indexed): that call emits
	// failChunks via onDelta, then returns failErr instead of consuming
	// the next scripted response.
	failAfterCall int
	failChunks    []string
	failErr       error
}

func (p *scriptedProvider) Name() string { return "scripted" }
func (p *scriptedProvider) CountTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		return 1
	}
	return n
}
func (p *scriptedProvider) GenerateStream(ctx context.Context, req llm.Request, onDelta llm.DeltaFunc) error {
	if p.failErr != nil && p.calls == p.failAfterCall {
		p.calls++
		for _, c := range p.failChunks {
			if err := onDelta(c); err != nil {
				return err
			}
		}
		return p.failErr
	}
	if p.calls >= len(p.responses) {
		return onDelta("")
	}
	resp := p.responses[p.calls]
	p.calls++
	return onDelta(resp)
}

type recordingSink struct {
	events []OutgoingEvent
}

func (s *recordingSink) Send(ev OutgoingEvent) error {
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) typesOf() []string {
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

// seedUser creates the user row a real JWT authentication would already
// have resolved by the time a connection reaches the orchestrator.
func seedUser(t *testing.T, chat persistence.ChatStore, userID int64) {
	t.Helper()
	require.NoError(t, chat.UpdateEffectiveLevels(context.Background(), userID, 3.0, 3.0))
}

func newTestOrchestrator(t *testing.T, responses []string) (*Orchestrator, *scriptedProvider, persistence.ChatStore, *upload.Store) {
	t.Helper()
	manager, err := databases.NewManager(context.Background(), config.DBConfig{Chat: config.ChatDBConfig{Backend: "memory"}})
	require.NoError(t, err)

	provider := &scriptedProvider{responses: responses}
	uploadStore, err := upload.NewStore(config.UploadConfig{StorageDir: t.TempDir(), ExpiryHours: 24, MaxImagesPerMsg: 4, MaxDocumentsPerMsg: 4, MaxImageMB: 10, MaxDocumentMB: 10, MaxDocumentTokens: 10000}, manager.Chat)
	require.NoError(t, err)
	engine := pedagogy.New(provider, 0.05)

	o := NewOrchestrator(manager.Chat, provider, config.EmbeddingConfig{}, uploadStore, engine, config.QuotaConfig{DailyInputTokenLimit: 200000, DailyOutputTokenLimit: 50000}, config.LLMConfig{MaxContextTokens: 4000, MaxUserInputTokens: 16000, CompressionThreshold: 0.3})
	return o, provider, manager.Chat, uploadStore
}

func TestHandleTurn_HappyPathEmitsSessionTokenDone(t *testing.T) {
	o, _, chat, _ := newTestOrchestrator(t, []string{"ON_TOPIC", "2", "2,1", "Here's", " an answer."})
	seedUser(t, chat, 1)
	conn, err := o.NewConnection(context.Background(), auth.User{ID: 1, DisplayName: "Ada"})
	require.NoError(t, err)

	sink := &recordingSink{}
	err = conn.HandleTurn(context.Background(), IncomingFrame{Content: "What is a dictionary?"}, sink)
	require.NoError(t, err)

	types := sink.typesOf()
	require.Equal(t, "session", types[0])
	require.Contains(t, types, "token")
	require.Equal(t, "done", types[len(types)-1])
}

func TestHandleTurn_GreetingReturnsCannedWithDisplayName(t *testing.T) {
	o, _, chat, _ := newTestOrchestrator(t, []string{"GREETING"})
	seedUser(t, chat, 2)
	conn, err := o.NewConnection(context.Background(), auth.User{ID: 2, DisplayName: "Grace"})
	require.NoError(t, err)

	sink := &recordingSink{}
	err = conn.HandleTurn(context.Background(), IncomingFrame{Content: "Hi!"}, sink)
	require.NoError(t, err)

	types := sink.typesOf()
	require.Equal(t, []string{"session", "canned"}, types)
	require.Contains(t, sink.events[1].Content, "Grace")
	require.Equal(t, "greeting", sink.events[1].Filter)
}

func TestHandleTurn_QuotaExhaustedEmitsErrorOnly(t *testing.T) {
	manager, err := databases.NewManager(context.Background(), config.DBConfig{Chat: config.ChatDBConfig{Backend: "memory"}})
	require.NoError(t, err)
	provider := &scriptedProvider{}
	uploadStore, err := upload.NewStore(config.UploadConfig{StorageDir: t.TempDir(), MaxImagesPerMsg: 4, MaxDocumentsPerMsg: 4, MaxImageMB: 10, MaxDocumentMB: 10, MaxDocumentTokens: 10000}, manager.Chat)
	require.NoError(t, err)
	engine := pedagogy.New(provider, 0.05)
	o := NewOrchestrator(manager.Chat, provider, config.EmbeddingConfig{}, uploadStore, engine, config.QuotaConfig{DailyInputTokenLimit: 1, DailyOutputTokenLimit: 1}, config.LLMConfig{MaxContextTokens: 4000, MaxUserInputTokens: 16000, CompressionThreshold: 0.3})

	seedUser(t, manager.Chat, 3)
	conn, err := o.NewConnection(context.Background(), auth.User{ID: 3})
	require.NoError(t, err)

	// Exhaust quota directly via the store so the first turn already denies.
	err = manager.Chat.IncrementTokenUsage(context.Background(), 3, truncatedToday(), 1, 0)
	require.NoError(t, err)

	sink := &recordingSink{}
	err = conn.HandleTurn(context.Background(), IncomingFrame{Content: "hello"}, sink)
	require.NoError(t, err)
	require.Len(t, sink.events, 1)
	require.Equal(t, "error", sink.events[0].Type)
	require.True(t, strings.Contains(sink.events[0].Message, "limit"))
}

func TestHandleTurn_UnresolvedAttachmentEmitsError(t *testing.T) {
	o, _, chat, _ := newTestOrchestrator(t, []string{"2", "2,1", "answer"})
	seedUser(t, chat, 4)
	conn, err := o.NewConnection(context.Background(), auth.User{ID: 4})
	require.NoError(t, err)

	sink := &recordingSink{}
	err = conn.HandleTurn(context.Background(), IncomingFrame{Content: "Hi!", UploadIDs: []string{"missing-id"}}, sink)
	require.NoError(t, err)
	// Unknown upload id -> exact-count mismatch -> error event, no canned.
	require.Equal(t, "error", sink.events[0].Type)
}

func TestHandleTurn_ValidImageAttachmentBypassesTopicFilter(t *testing.T) {
	o, _, chat, uploadStore := newTestOrchestrator(t, []string{"2", "2,1", "answer"})
	seedUser(t, chat, 5)

	atts, err := uploadStore.SaveBatch(context.Background(), 5, []upload.IncomingFile{
		{Filename: "diagram.png", ContentType: "image/png", Data: []byte("fake-png-bytes")},
	})
	require.NoError(t, err)
	require.Len(t, atts, 1)

	conn, err := o.NewConnection(context.Background(), auth.User{ID: 5})
	require.NoError(t, err)

	sink := &recordingSink{}
	err = conn.HandleTurn(context.Background(), IncomingFrame{Content: "Hi!", UploadIDs: []string{atts[0].ID}}, sink)
	require.NoError(t, err)

	// Even though the text alone would classify as a greeting, attachments
	// disable the topic filter entirely (spec invariant #6): the classifier
	// responses are consumed as hint-level/difficulty, not GREETING/ON_TOPIC.
	types := sink.typesOf()
	require.NotContains(t, types, "canned")
	require.Equal(t, "session", types[0])
	require.Equal(t, "done", types[len(types)-1])
}

// TestHandleTurn_MidStreamFailureEmitsPartialTokensThenError is spec §8's
// S6: a stream that emits tokens and then fails surfaces exactly those
// tokens followed by one error event, and never replays the request — the
// orchestrator must not wrap GenerateStream in a second retry layer on top
// of the provider's own (spec §4.1: a successful stream that errors
// mid-body is never retried).
func TestHandleTurn_MidStreamFailureEmitsPartialTokensThenError(t *testing.T) {
	o, provider, chat, _ := newTestOrchestrator(t, []string{"ON_TOPIC", "2", "2,1"})
	provider.failAfterCall = 3
	provider.failChunks = []string{"Here's", " a partial"}
	provider.failErr = &llm.Error{Kind: llm.ErrUpstream5xx, Provider: "scripted", Detail: "connection reset mid-stream"}
	seedUser(t, chat, 6)

	conn, err := o.NewConnection(context.Background(), auth.User{ID: 6})
	require.NoError(t, err)

	sink := &recordingSink{}
	err = conn.HandleTurn(context.Background(), IncomingFrame{Content: "What is a dictionary?"}, sink)
	require.NoError(t, err)

	types := sink.typesOf()
	require.Equal(t, []string{"session", "token", "token", "error"}, types)
	// 3 classification calls (topic, hint, difficulty) + exactly 1
	// generation call: the failed generation must not be retried.
	require.Equal(t, 4, provider.calls)

	sessionID := sink.events[0].SessionID
	history, err := chat.GetChatHistory(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "user", history[0].Role)
}
