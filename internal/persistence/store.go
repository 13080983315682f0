// Package persistence defines the Chat Store contract required by the
// chat pipeline (spec §6) and the domain types it operates on.
package persistence

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session, message, or upload cannot be
// located at all.
var ErrNotFound = errors.New("persistence: not found")

// ErrForbidden is returned when a resource exists but is owned by a
// different user.
var ErrForbidden = errors.New("persistence: forbidden")

// User is a student account. Self-reported levels are integers 1-5;
// effective levels are fractional, continuously adjusted by the pedagogy
// engine, and clamped to [1.0, 5.0].
type User struct {
	ID                        int64
	Email                     string
	DisplayName               string
	ProgrammingLevel          int
	MathsLevel                int
	EffectiveProgrammingLevel *float64
	EffectiveMathsLevel       *float64
	LastEmbedding             []float32
	LastEmbeddingAt           *time.Time
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

// ChatSession groups messages for one conversation.
type ChatSession struct {
	ID        string
	UserID    int64
	Preview   string
	Model     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChatMessage is one immutable turn, either role=user or role=assistant.
type ChatMessage struct {
	ID                string
	SessionID         string
	Role              string
	Content           string
	HintLevelUsed     *int
	ProblemDifficulty *int
	MathsDifficulty   *int
	InputTokens       *int
	OutputTokens      *int
	AttachmentIDs     []string
	CreatedAt         time.Time
}

// DailyTokenUsage is the unique-per-(user,date) counter row.
type DailyTokenUsage struct {
	UserID           int64
	Date             time.Time
	InputTokensUsed  int
	OutputTokensUsed int
}

// UploadedFile is an ingested attachment, expiring after a configured TTL.
type UploadedFile struct {
	ID            string
	UserID        int64
	OriginalName  string
	StoredName    string
	ContentType   string
	FileType      string // "image" | "document"
	SizeBytes     int64
	Path          string
	ExtractedText string
	ExpiresAt     time.Time
	CreatedAt     time.Time
}

// ChatStore is the transactional persistence contract the chat pipeline
// requires from its storage collaborator (spec §6).
type ChatStore interface {
	Init(ctx context.Context) error

	GetOrCreateSession(ctx context.Context, userID int64, sessionID string) (ChatSession, error)
	SaveMessage(ctx context.Context, sessionID string, msg ChatMessage) (ChatMessage, error)
	GetChatHistory(ctx context.Context, sessionID string) ([]ChatMessage, error)
	ListSessions(ctx context.Context, userID int64) ([]ChatSession, error)
	GetSessionMessages(ctx context.Context, userID int64, sessionID string) ([]ChatMessage, error)
	DeleteSession(ctx context.Context, userID int64, sessionID string) error

	GetDailyUsage(ctx context.Context, userID int64, date time.Time) (DailyTokenUsage, error)
	IncrementTokenUsage(ctx context.Context, userID int64, date time.Time, inputDelta, outputDelta int) error
	CheckDailyLimit(ctx context.Context, userID int64, date time.Time, inputLimit, outputLimit int) (bool, error)

	GetUser(ctx context.Context, userID int64) (User, error)
	UpdateEffectiveLevels(ctx context.Context, userID int64, programming, maths float64) error
	UpdateLastEmbedding(ctx context.Context, userID int64, vec []float32, at time.Time) error

	SaveUpload(ctx context.Context, f UploadedFile) error
	GetUserUploadsByIDs(ctx context.Context, userID int64, ids []string, now time.Time) ([]UploadedFile, error)
	SweepExpiredUploads(ctx context.Context, now time.Time) ([]UploadedFile, error)
}
