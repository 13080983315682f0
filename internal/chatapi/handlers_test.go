package chatapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"codetutor/internal/auth"
	"codetutor/internal/config"
	"codetutor/internal/persistence"
	"codetutor/internal/persistence/databases"
)

func truncatedToday() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func futureTime() time.Time {
	return time.Now().UTC().Add(time.Hour)
}

func newTestServer(t *testing.T) (*Server, persistence.ChatStore) {
	t.Helper()
	manager, err := databases.NewManager(context.Background(), config.DBConfig{Chat: config.ChatDBConfig{Backend: "memory"}})
	require.NoError(t, err)
	quota := config.QuotaConfig{DailyInputTokenLimit: 1000, DailyOutputTokenLimit: 500}
	return NewServer(manager.Chat, quota), manager.Chat
}

func withUser(r *http.Request, u auth.User) *http.Request {
	return r.WithContext(auth.WithUser(r.Context(), &u))
}

func TestHandleListSessions_ReturnsOwnedSessionsOnly(t *testing.T) {
	s, chat := newTestServer(t)
	sess, err := chat.GetOrCreateSession(context.Background(), 1, "")
	require.NoError(t, err)
	_, err = chat.SaveMessage(context.Background(), sess.ID, persistence.ChatMessage{Role: "user", Content: "hello there"})
	require.NoError(t, err)

	r := withUser(httptest.NewRequest(http.MethodGet, "/api/chat/sessions", nil), auth.User{ID: 1})
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var out []sessionOut
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 1)
	require.Equal(t, "hello there", out[0].Preview)
}

func TestHandleListSessions_RequiresAuth(t *testing.T) {
	s, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodGet, "/api/chat/sessions", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleDeleteSession_NotOwnedReturns404(t *testing.T) {
	s, chat := newTestServer(t)
	sess, err := chat.GetOrCreateSession(context.Background(), 1, "")
	require.NoError(t, err)

	r := withUser(httptest.NewRequest(http.MethodDelete, "/api/chat/sessions/"+sess.ID, nil), auth.User{ID: 2})
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleDeleteSession_OwnerSucceeds(t *testing.T) {
	s, chat := newTestServer(t)
	sess, err := chat.GetOrCreateSession(context.Background(), 1, "")
	require.NoError(t, err)

	r := withUser(httptest.NewRequest(http.MethodDelete, "/api/chat/sessions/"+sess.ID, nil), auth.User{ID: 1})
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestHandleGetUsage_ComputesPercentage(t *testing.T) {
	s, chat := newTestServer(t)
	require.NoError(t, chat.IncrementTokenUsage(context.Background(), 1, truncatedToday(), 500, 100))

	r := withUser(httptest.NewRequest(http.MethodGet, "/api/chat/usage", nil), auth.User{ID: 1})
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var out usageOut
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Equal(t, 500, out.InputTokensUsed)
	require.Equal(t, 50.0, out.UsagePercentage) // 500/1000 = 50%, 100/500 = 20%; max is 50
}

func TestHandleGetSessionMessages_IncludesAttachments(t *testing.T) {
	s, chat := newTestServer(t)
	sess, err := chat.GetOrCreateSession(context.Background(), 1, "")
	require.NoError(t, err)
	require.NoError(t, chat.SaveUpload(context.Background(), persistence.UploadedFile{
		ID: "f1", UserID: 1, OriginalName: "notes.txt", StoredName: "abc.txt", FileType: "document",
		ExpiresAt: futureTime(),
	}))
	_, err = chat.SaveMessage(context.Background(), sess.ID, persistence.ChatMessage{
		Role: "user", Content: "see attached", AttachmentIDs: []string{"f1"},
	})
	require.NoError(t, err)

	r := withUser(httptest.NewRequest(http.MethodGet, "/api/chat/sessions/"+sess.ID+"/messages", nil), auth.User{ID: 1})
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var out []messageOut
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 1)
	require.Len(t, out[0].Attachments, 1)
	require.Equal(t, "notes.txt", out[0].Attachments[0].Filename)
}
