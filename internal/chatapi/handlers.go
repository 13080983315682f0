package chatapi

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"codetutor/internal/auth"
	"codetutor/internal/persistence"
)

type sessionOut struct {
	ID        string    `json:"id"`
	Preview   string    `json:"preview"`
	CreatedAt time.Time `json:"created_at"`
}

type attachmentOut struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	FileType    string `json:"file_type"`
	URL         string `json:"url"`
}

type messageOut struct {
	ID                string          `json:"id"`
	Role              string          `json:"role"`
	Content           string          `json:"content"`
	HintLevelUsed     *int            `json:"hint_level_used,omitempty"`
	ProblemDifficulty *int            `json:"programming_difficulty,omitempty"`
	MathsDifficulty   *int            `json:"maths_difficulty,omitempty"`
	Attachments       []attachmentOut `json:"attachments,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

type usageOut struct {
	Date              string  `json:"date"`
	InputTokensUsed   int     `json:"input_tokens_used"`
	OutputTokensUsed  int     `json:"output_tokens_used"`
	DailyInputLimit   int     `json:"daily_input_limit"`
	DailyOutputLimit  int     `json:"daily_output_limit"`
	UsagePercentage   float64 `json:"usage_percentage"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}
	sessions, err := s.chat.ListSessions(r.Context(), user.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]sessionOut, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionOut{ID: sess.ID, Preview: sess.Preview, CreatedAt: sess.CreatedAt})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSessionMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}
	sessionID := r.PathValue("sessionID")
	messages, err := s.chat.GetSessionMessages(r.Context(), user.ID, sessionID)
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}

	out := make([]messageOut, 0, len(messages))
	for _, m := range messages {
		mo := messageOut{
			ID:                m.ID,
			Role:              m.Role,
			Content:           m.Content,
			HintLevelUsed:     m.HintLevelUsed,
			ProblemDifficulty: m.ProblemDifficulty,
			MathsDifficulty:   m.MathsDifficulty,
			CreatedAt:         m.CreatedAt,
		}
		if len(m.AttachmentIDs) > 0 {
			files, err := s.chat.GetUserUploadsByIDs(r.Context(), user.ID, m.AttachmentIDs, time.Now().UTC())
			if err == nil {
				for _, f := range files {
					mo.Attachments = append(mo.Attachments, attachmentOut{
						ID: f.ID, Filename: f.OriginalName, ContentType: f.ContentType,
						FileType: f.FileType, URL: "/uploads/" + f.StoredName,
					})
				}
			}
		}
		out = append(out, mo)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}
	sessionID := r.PathValue("sessionID")
	if err := s.chat.DeleteSession(r.Context(), user.ID, sessionID); err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}
	inputLimit := s.quota.DailyInputTokenLimit
	outputLimit := s.quota.DailyOutputTokenLimit

	now := time.Now().UTC()
	date := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	usage, err := s.chat.GetDailyUsage(r.Context(), user.ID, date)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, usageOut{
		Date:             date.Format("2006-01-02"),
		InputTokensUsed:  usage.InputTokensUsed,
		OutputTokensUsed: usage.OutputTokensUsed,
		DailyInputLimit:  inputLimit,
		DailyOutputLimit: outputLimit,
		UsagePercentage:  usagePercentage(usage.InputTokensUsed, usage.OutputTokensUsed, inputLimit, outputLimit),
	})
}

// usagePercentage implements spec §6's
// usage_percentage = min(100, round(max(input%, output%), 1)).
func usagePercentage(inputUsed, outputUsed, inputLimit, outputLimit int) float64 {
	var inputPct, outputPct float64
	if inputLimit > 0 {
		inputPct = float64(inputUsed) / float64(inputLimit) * 100
	}
	if outputLimit > 0 {
		outputPct = float64(outputUsed) / float64(outputLimit) * 100
	}
	pct := math.Max(inputPct, outputPct)
	pct = math.Round(pct*10) / 10
	return math.Min(100, pct)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

func statusFromError(err error) int {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, persistence.ErrForbidden):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
