package databases

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"codetutor/internal/persistence"
)

// NewPostgresChatStore returns a Postgres-backed ChatStore.
func NewPostgresChatStore(pool *pgxpool.Pool) persistence.ChatStore {
	return &pgChatStore{pool: pool}
}

type pgChatStore struct {
	pool *pgxpool.Pool
}

func (s *pgChatStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *pgChatStore) Init(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("postgres chat store requires pool")
	}
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS users (
    id BIGSERIAL PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    display_name TEXT NOT NULL DEFAULT '',
    programming_level INTEGER NOT NULL DEFAULT 1,
    maths_level INTEGER NOT NULL DEFAULT 1,
    effective_programming_level DOUBLE PRECISION,
    effective_maths_level DOUBLE PRECISION,
    last_embedding DOUBLE PRECISION[],
    last_embedding_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS chat_sessions (
    id UUID PRIMARY KEY,
    user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    last_message_preview TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS chat_sessions_user_created_idx ON chat_sessions(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS chat_messages (
    id UUID PRIMARY KEY,
    session_id UUID NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    hint_level_used INTEGER,
    problem_difficulty INTEGER,
    maths_difficulty INTEGER,
    input_tokens INTEGER,
    output_tokens INTEGER,
    attachment_ids TEXT[] NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS chat_messages_session_created_idx ON chat_messages(session_id, created_at);

CREATE TABLE IF NOT EXISTS daily_token_usage (
    user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    usage_date DATE NOT NULL,
    input_tokens_used INTEGER NOT NULL DEFAULT 0,
    output_tokens_used INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (user_id, usage_date)
);

CREATE TABLE IF NOT EXISTS uploaded_files (
    id UUID PRIMARY KEY,
    user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    original_name TEXT NOT NULL,
    stored_name TEXT NOT NULL,
    content_type TEXT NOT NULL,
    file_type TEXT NOT NULL,
    size_bytes BIGINT NOT NULL,
    path TEXT NOT NULL,
    extracted_text TEXT NOT NULL DEFAULT '',
    expires_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS uploaded_files_expires_idx ON uploaded_files(expires_at);
`)
	return err
}

func (s *pgChatStore) GetOrCreateSession(ctx context.Context, userID int64, sessionID string) (persistence.ChatSession, error) {
	id := sessionID
	if id == "" {
		id = uuid.NewString()
	}
	row := s.pool.QueryRow(ctx, `
WITH ins AS (
  INSERT INTO chat_sessions (id, user_id)
  VALUES ($1, $2)
  ON CONFLICT (id) DO NOTHING
  RETURNING id, user_id, last_message_preview, model, created_at, updated_at
)
SELECT id, user_id, last_message_preview, model, created_at, updated_at FROM ins
UNION ALL
SELECT id, user_id, last_message_preview, model, created_at, updated_at FROM chat_sessions WHERE id = $1
LIMIT 1`, id, userID)

	var cs persistence.ChatSession
	if err := row.Scan(&cs.ID, &cs.UserID, &cs.Preview, &cs.Model, &cs.CreatedAt, &cs.UpdatedAt); err != nil {
		return persistence.ChatSession{}, err
	}
	if cs.UserID != userID {
		return persistence.ChatSession{}, persistence.ErrForbidden
	}
	return cs, nil
}

func (s *pgChatStore) lookupSessionOwner(ctx context.Context, id string) (int64, error) {
	row := s.pool.QueryRow(ctx, `SELECT user_id FROM chat_sessions WHERE id = $1`, id)
	var owner int64
	if err := row.Scan(&owner); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, persistence.ErrNotFound
		}
		return 0, err
	}
	return owner, nil
}

func (s *pgChatStore) SaveMessage(ctx context.Context, sessionID string, msg persistence.ChatMessage) (persistence.ChatMessage, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return persistence.ChatMessage{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
INSERT INTO chat_messages (id, session_id, role, content, hint_level_used, problem_difficulty, maths_difficulty, input_tokens, output_tokens, attachment_ids, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		id, sessionID, msg.Role, msg.Content, msg.HintLevelUsed, msg.ProblemDifficulty, msg.MathsDifficulty,
		msg.InputTokens, msg.OutputTokens, msg.AttachmentIDs, now); err != nil {
		return persistence.ChatMessage{}, err
	}

	if msg.Role == "user" {
		if _, err := tx.Exec(ctx, `
UPDATE chat_sessions SET updated_at = $2, last_message_preview = $3 WHERE id = $1`,
			sessionID, now, previewOf(msg.Content)); err != nil {
			return persistence.ChatMessage{}, err
		}
	} else {
		if _, err := tx.Exec(ctx, `UPDATE chat_sessions SET updated_at = $2 WHERE id = $1`, sessionID, now); err != nil {
			return persistence.ChatMessage{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return persistence.ChatMessage{}, err
	}

	msg.ID = id
	msg.SessionID = sessionID
	msg.CreatedAt = now
	return msg, nil
}

func (s *pgChatStore) scanMessages(rows pgx.Rows) ([]persistence.ChatMessage, error) {
	var out []persistence.ChatMessage
	for rows.Next() {
		var m persistence.ChatMessage
		var attachments []string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.HintLevelUsed, &m.ProblemDifficulty,
			&m.MathsDifficulty, &m.InputTokens, &m.OutputTokens, &attachments, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.AttachmentIDs = attachments
		out = append(out, m)
	}
	if out == nil {
		out = make([]persistence.ChatMessage, 0)
	}
	return out, rows.Err()
}

const messageColumns = `id, session_id, role, content, hint_level_used, problem_difficulty, maths_difficulty, input_tokens, output_tokens, attachment_ids, created_at`

func (s *pgChatStore) GetChatHistory(ctx context.Context, sessionID string) ([]persistence.ChatMessage, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE session_id = $1 ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanMessages(rows)
}

func (s *pgChatStore) ListSessions(ctx context.Context, userID int64) ([]persistence.ChatSession, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, user_id, last_message_preview, model, created_at, updated_at
FROM chat_sessions WHERE user_id = $1
ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []persistence.ChatSession
	for rows.Next() {
		var cs persistence.ChatSession
		if err := rows.Scan(&cs.ID, &cs.UserID, &cs.Preview, &cs.Model, &cs.CreatedAt, &cs.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	if out == nil {
		out = make([]persistence.ChatSession, 0)
	}
	return out, rows.Err()
}

func (s *pgChatStore) GetSessionMessages(ctx context.Context, userID int64, sessionID string) ([]persistence.ChatMessage, error) {
	owner, err := s.lookupSessionOwner(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if owner != userID {
		return nil, persistence.ErrForbidden
	}
	return s.GetChatHistory(ctx, sessionID)
}

func (s *pgChatStore) DeleteSession(ctx context.Context, userID int64, sessionID string) error {
	cmd, err := s.pool.Exec(ctx, `DELETE FROM chat_sessions WHERE id = $1 AND user_id = $2`, sessionID, userID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.lookupSessionOwner(ctx, sessionID); err != nil {
		return err
	}
	return persistence.ErrForbidden
}

func (s *pgChatStore) GetDailyUsage(ctx context.Context, userID int64, date time.Time) (persistence.DailyTokenUsage, error) {
	day := date.UTC().Format("2006-01-02")
	row := s.pool.QueryRow(ctx, `
WITH ins AS (
  INSERT INTO daily_token_usage (user_id, usage_date)
  VALUES ($1, $2)
  ON CONFLICT (user_id, usage_date) DO NOTHING
  RETURNING user_id, usage_date, input_tokens_used, output_tokens_used
)
SELECT user_id, usage_date, input_tokens_used, output_tokens_used FROM ins
UNION ALL
SELECT user_id, usage_date, input_tokens_used, output_tokens_used FROM daily_token_usage WHERE user_id = $1 AND usage_date = $2
LIMIT 1`, userID, day)

	var u persistence.DailyTokenUsage
	if err := row.Scan(&u.UserID, &u.Date, &u.InputTokensUsed, &u.OutputTokensUsed); err != nil {
		return persistence.DailyTokenUsage{}, err
	}
	return u, nil
}

func (s *pgChatStore) IncrementTokenUsage(ctx context.Context, userID int64, date time.Time, inputDelta, outputDelta int) error {
	day := date.UTC().Format("2006-01-02")
	_, err := s.pool.Exec(ctx, `
INSERT INTO daily_token_usage (user_id, usage_date, input_tokens_used, output_tokens_used)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id, usage_date) DO UPDATE SET
  input_tokens_used = daily_token_usage.input_tokens_used + EXCLUDED.input_tokens_used,
  output_tokens_used = daily_token_usage.output_tokens_used + EXCLUDED.output_tokens_used`,
		userID, day, inputDelta, outputDelta)
	return err
}

func (s *pgChatStore) CheckDailyLimit(ctx context.Context, userID int64, date time.Time, inputLimit, outputLimit int) (bool, error) {
	u, err := s.GetDailyUsage(ctx, userID, date)
	if err != nil {
		return false, err
	}
	if inputLimit > 0 && u.InputTokensUsed >= inputLimit {
		return false, nil
	}
	if outputLimit > 0 && u.OutputTokensUsed >= outputLimit {
		return false, nil
	}
	return true, nil
}

func (s *pgChatStore) GetUser(ctx context.Context, userID int64) (persistence.User, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, email, display_name, programming_level, maths_level, effective_programming_level, effective_maths_level,
       last_embedding, last_embedding_at, created_at, updated_at
FROM users WHERE id = $1`, userID)

	var u persistence.User
	var effProg, effMaths sql.NullFloat64
	var lastEmbedding []float64
	var lastEmbeddingAt sql.NullTime
	if err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.ProgrammingLevel, &u.MathsLevel, &effProg, &effMaths,
		&lastEmbedding, &lastEmbeddingAt, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return persistence.User{}, persistence.ErrNotFound
		}
		return persistence.User{}, err
	}
	if effProg.Valid {
		u.EffectiveProgrammingLevel = &effProg.Float64
	}
	if effMaths.Valid {
		u.EffectiveMathsLevel = &effMaths.Float64
	}
	if lastEmbeddingAt.Valid {
		u.LastEmbeddingAt = &lastEmbeddingAt.Time
	}
	if len(lastEmbedding) > 0 {
		u.LastEmbedding = make([]float32, len(lastEmbedding))
		for i, v := range lastEmbedding {
			u.LastEmbedding[i] = float32(v)
		}
	}
	return u, nil
}

func (s *pgChatStore) UpdateEffectiveLevels(ctx context.Context, userID int64, programming, maths float64) error {
	_, err := s.pool.Exec(ctx, `
UPDATE users SET effective_programming_level = $2, effective_maths_level = $3, updated_at = NOW()
WHERE id = $1`, userID, programming, maths)
	return err
}

func (s *pgChatStore) UpdateLastEmbedding(ctx context.Context, userID int64, vec []float32, at time.Time) error {
	f64 := make([]float64, len(vec))
	for i, v := range vec {
		f64[i] = float64(v)
	}
	_, err := s.pool.Exec(ctx, `
UPDATE users SET last_embedding = $2, last_embedding_at = $3, updated_at = NOW()
WHERE id = $1`, userID, f64, at)
	return err
}

func (s *pgChatStore) SaveUpload(ctx context.Context, f persistence.UploadedFile) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO uploaded_files (id, user_id, original_name, stored_name, content_type, file_type, size_bytes, path, extracted_text, expires_at, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		f.ID, f.UserID, f.OriginalName, f.StoredName, f.ContentType, f.FileType, f.SizeBytes, f.Path, f.ExtractedText, f.ExpiresAt, f.CreatedAt)
	return err
}

func (s *pgChatStore) GetUserUploadsByIDs(ctx context.Context, userID int64, ids []string, now time.Time) ([]persistence.UploadedFile, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, user_id, original_name, stored_name, content_type, file_type, size_bytes, path, extracted_text, expires_at, created_at
FROM uploaded_files
WHERE user_id = $1 AND id = ANY($2) AND expires_at > $3`, userID, ids, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []persistence.UploadedFile
	for rows.Next() {
		var f persistence.UploadedFile
		if err := rows.Scan(&f.ID, &f.UserID, &f.OriginalName, &f.StoredName, &f.ContentType, &f.FileType,
			&f.SizeBytes, &f.Path, &f.ExtractedText, &f.ExpiresAt, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *pgChatStore) SweepExpiredUploads(ctx context.Context, now time.Time) ([]persistence.UploadedFile, error) {
	rows, err := s.pool.Query(ctx, `
DELETE FROM uploaded_files WHERE expires_at <= $1
RETURNING id, user_id, original_name, stored_name, content_type, file_type, size_bytes, path, extracted_text, expires_at, created_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []persistence.UploadedFile
	for rows.Next() {
		var f persistence.UploadedFile
		if err := rows.Scan(&f.ID, &f.UserID, &f.OriginalName, &f.StoredName, &f.ContentType, &f.FileType,
			&f.SizeBytes, &f.Path, &f.ExtractedText, &f.ExpiresAt, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
