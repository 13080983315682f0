package databases

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"codetutor/internal/persistence"
)

// newMemoryChatStore returns an in-process ChatStore used for local
// development and tests. It satisfies the same contract as the Postgres
// implementation but keeps everything in memory, mirroring the teacher's
// memChatStore pattern.
func newMemoryChatStore() persistence.ChatStore {
	return &memChatStore{
		sessions: map[string]persistence.ChatSession{},
		messages: map[string][]persistence.ChatMessage{},
		users:    map[int64]persistence.User{},
		usage:    map[string]persistence.DailyTokenUsage{},
		uploads:  map[string]persistence.UploadedFile{},
	}
}

type memChatStore struct {
	mu       sync.RWMutex
	sessions map[string]persistence.ChatSession
	messages map[string][]persistence.ChatMessage
	users    map[int64]persistence.User
	usage    map[string]persistence.DailyTokenUsage // key: date|userID
	uploads  map[string]persistence.UploadedFile
}

func (s *memChatStore) Init(ctx context.Context) error { return nil }

func dateKey(userID int64, date time.Time) string {
	return date.UTC().Format("2006-01-02") + "|" + strconv.FormatInt(userID, 10)
}

func (s *memChatStore) GetOrCreateSession(ctx context.Context, userID int64, sessionID string) (persistence.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionID != "" {
		if sess, ok := s.sessions[sessionID]; ok {
			if sess.UserID != userID {
				return persistence.ChatSession{}, persistence.ErrForbidden
			}
			return sess, nil
		}
	}
	now := time.Now().UTC()
	id := sessionID
	if id == "" {
		id = uuid.NewString()
	}
	sess := persistence.ChatSession{ID: id, UserID: userID, CreatedAt: now, UpdatedAt: now}
	s.sessions[id] = sess
	s.messages[id] = nil
	return sess, nil
}

func (s *memChatStore) sessionOwner(sessionID string) (int64, bool) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return 0, false
	}
	return sess.UserID, true
}

func (s *memChatStore) SaveMessage(ctx context.Context, sessionID string, msg persistence.ChatMessage) (persistence.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return persistence.ChatMessage{}, persistence.ErrNotFound
	}
	msg.ID = uuid.NewString()
	msg.SessionID = sessionID
	msg.CreatedAt = time.Now().UTC()
	s.messages[sessionID] = append(s.messages[sessionID], msg)

	sess := s.sessions[sessionID]
	sess.UpdatedAt = msg.CreatedAt
	if msg.Role == "user" {
		sess.Preview = previewOf(msg.Content)
	}
	s.sessions[sessionID] = sess
	return msg, nil
}

func (s *memChatStore) GetChatHistory(ctx context.Context, sessionID string) ([]persistence.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]persistence.ChatMessage, len(s.messages[sessionID]))
	copy(out, s.messages[sessionID])
	return out, nil
}

func (s *memChatStore) ListSessions(ctx context.Context, userID int64) ([]persistence.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []persistence.ChatSession
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *memChatStore) GetSessionMessages(ctx context.Context, userID int64, sessionID string) ([]persistence.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.sessionOwner(sessionID)
	if !ok {
		return nil, persistence.ErrNotFound
	}
	if owner != userID {
		return nil, persistence.ErrForbidden
	}
	out := make([]persistence.ChatMessage, len(s.messages[sessionID]))
	copy(out, s.messages[sessionID])
	return out, nil
}

func (s *memChatStore) DeleteSession(ctx context.Context, userID int64, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.sessionOwner(sessionID)
	if !ok {
		return persistence.ErrNotFound
	}
	if owner != userID {
		return persistence.ErrForbidden
	}
	delete(s.sessions, sessionID)
	delete(s.messages, sessionID)
	return nil
}

func (s *memChatStore) GetDailyUsage(ctx context.Context, userID int64, date time.Time) (persistence.DailyTokenUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dateKey(userID, date)
	if u, ok := s.usage[key]; ok {
		return u, nil
	}
	u := persistence.DailyTokenUsage{UserID: userID, Date: date.UTC()}
	s.usage[key] = u
	return u, nil
}

func (s *memChatStore) IncrementTokenUsage(ctx context.Context, userID int64, date time.Time, inputDelta, outputDelta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dateKey(userID, date)
	u := s.usage[key]
	u.UserID = userID
	u.Date = date.UTC()
	u.InputTokensUsed += inputDelta
	u.OutputTokensUsed += outputDelta
	s.usage[key] = u
	return nil
}

func (s *memChatStore) CheckDailyLimit(ctx context.Context, userID int64, date time.Time, inputLimit, outputLimit int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u := s.usage[dateKey(userID, date)]
	if inputLimit > 0 && u.InputTokensUsed >= inputLimit {
		return false, nil
	}
	if outputLimit > 0 && u.OutputTokensUsed >= outputLimit {
		return false, nil
	}
	return true, nil
}

func (s *memChatStore) GetUser(ctx context.Context, userID int64) (persistence.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return persistence.User{}, persistence.ErrNotFound
	}
	return u, nil
}

func (s *memChatStore) UpdateEffectiveLevels(ctx context.Context, userID int64, programming, maths float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[userID]
	u.ID = userID
	u.EffectiveProgrammingLevel = &programming
	u.EffectiveMathsLevel = &maths
	u.UpdatedAt = time.Now().UTC()
	s.users[userID] = u
	return nil
}

func (s *memChatStore) UpdateLastEmbedding(ctx context.Context, userID int64, vec []float32, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[userID]
	u.ID = userID
	u.LastEmbedding = vec
	u.LastEmbeddingAt = &at
	s.users[userID] = u
	return nil
}

func (s *memChatStore) SaveUpload(ctx context.Context, f persistence.UploadedFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[f.ID] = f
	return nil
}

func (s *memChatStore) GetUserUploadsByIDs(ctx context.Context, userID int64, ids []string, now time.Time) ([]persistence.UploadedFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]persistence.UploadedFile, 0, len(ids))
	for _, id := range ids {
		f, ok := s.uploads[id]
		if !ok || f.UserID != userID || f.ExpiresAt.Before(now) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *memChatStore) SweepExpiredUploads(ctx context.Context, now time.Time) ([]persistence.UploadedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []persistence.UploadedFile
	for id, f := range s.uploads {
		if f.ExpiresAt.Before(now) {
			expired = append(expired, f)
			delete(s.uploads, id)
		}
	}
	return expired, nil
}
