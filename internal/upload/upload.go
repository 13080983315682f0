// Package upload validates, persists, and extracts text from chat
// attachments (spec §4.5).
package upload

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"codetutor/internal/config"
	"codetutor/internal/llm"
	"codetutor/internal/objectstore"
	"codetutor/internal/persistence"
)

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
}

var documentExtensions = map[string]bool{
	".pdf": true, ".txt": true, ".py": true, ".js": true, ".ts": true, ".csv": true, ".ipynb": true,
}

// Attachment is the accepted-file response payload returned to the client.
type Attachment struct {
	ID          string
	Filename    string
	ContentType string
	FileType    string // "image" | "document"
	URL         string
}

// IncomingFile is a single file in an upload batch before validation.
type IncomingFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Store validates and persists upload batches.
type Store struct {
	cfg   config.UploadConfig
	chat  persistence.ChatStore
	files objectstore.ObjectStore
}

func NewStore(cfg config.UploadConfig, chat persistence.ChatStore) (*Store, error) {
	disk, err := objectstore.NewDiskStore(cfg.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("init upload object store: %w", err)
	}
	return &Store{cfg: cfg, chat: chat, files: disk}, nil
}

// SaveBatch validates every file in the batch, rejecting the whole batch
// atomically: files already written for a rejected batch are deleted
// before the error is returned. An expiry sweep runs opportunistically
// first.
func (s *Store) SaveBatch(ctx context.Context, userID int64, files []IncomingFile) ([]Attachment, error) {
	s.sweep(ctx)

	imageCount, docCount := 0, 0
	for _, f := range files {
		ext := strings.ToLower(filepath.Ext(f.Filename))
		switch {
		case imageExtensions[ext]:
			imageCount++
		case documentExtensions[ext]:
			docCount++
		default:
			return nil, fmt.Errorf("unsupported file extension: %s", ext)
		}
	}
	if imageCount > s.cfg.MaxImagesPerMsg {
		return nil, fmt.Errorf("too many images: max %d per message", s.cfg.MaxImagesPerMsg)
	}
	if docCount > s.cfg.MaxDocumentsPerMsg {
		return nil, fmt.Errorf("too many documents: max %d per message", s.cfg.MaxDocumentsPerMsg)
	}

	var written []string
	rollback := func() {
		for _, key := range written {
			_ = s.files.Delete(ctx, key)
		}
	}

	out := make([]Attachment, 0, len(files))
	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(s.cfg.ExpiryHours) * time.Hour)

	for _, f := range files {
		ext := strings.ToLower(filepath.Ext(f.Filename))
		fileType := "document"
		maxBytes := int64(s.cfg.MaxDocumentMB) * 1024 * 1024
		if imageExtensions[ext] {
			fileType = "image"
			maxBytes = int64(s.cfg.MaxImageMB) * 1024 * 1024
		}
		if int64(len(f.Data)) > maxBytes {
			rollback()
			return nil, fmt.Errorf("file %s exceeds size limit", f.Filename)
		}

		var extracted string
		if fileType == "document" {
			text, err := extractText(ext, f.Data)
			if err != nil {
				rollback()
				return nil, fmt.Errorf("extract %s: %w", f.Filename, err)
			}
			if llm.CountTokens(text) > s.cfg.MaxDocumentTokens {
				rollback()
				return nil, fmt.Errorf("document %s exceeds max_document_tokens", f.Filename)
			}
			extracted = text
		}

		id := newID()
		storedName := id + ext
		if _, err := s.files.Put(ctx, storedName, bytes.NewReader(f.Data), objectstore.PutOptions{ContentType: f.ContentType}); err != nil {
			rollback()
			return nil, fmt.Errorf("write %s: %w", f.Filename, err)
		}
		written = append(written, storedName)

		rec := persistence.UploadedFile{
			ID:            id,
			UserID:        userID,
			OriginalName:  f.Filename,
			StoredName:    storedName,
			ContentType:   f.ContentType,
			FileType:      fileType,
			SizeBytes:     int64(len(f.Data)),
			Path:          storedName,
			ExtractedText: extracted,
			ExpiresAt:     expiresAt,
			CreatedAt:     now,
		}
		if err := s.chat.SaveUpload(ctx, rec); err != nil {
			rollback()
			return nil, fmt.Errorf("save upload record: %w", err)
		}

		out = append(out, Attachment{
			ID:          id,
			Filename:    f.Filename,
			ContentType: f.ContentType,
			FileType:    fileType,
			URL:         "/uploads/" + storedName,
		})
	}

	return out, nil
}

func (s *Store) sweep(ctx context.Context) {
	expired, err := s.chat.SweepExpiredUploads(ctx, time.Now().UTC())
	if err != nil {
		return
	}
	for _, f := range expired {
		_ = s.files.Delete(ctx, f.Path)
	}
}

// ReadFile returns the raw bytes of a previously stored attachment, keyed
// by its object store key (persistence.UploadedFile.Path).
func (s *Store) ReadFile(ctx context.Context, key string) ([]byte, error) {
	r, _, err := s.files.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func newID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Resolve loads the uploads referenced by ids, owned by userID and
// unexpired. An exact-count match is required by the caller (spec §4.6
// step 3); a short result here signals that to the pipeline.
func Resolve(ctx context.Context, chat persistence.ChatStore, userID int64, ids []string) ([]persistence.UploadedFile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return chat.GetUserUploadsByIDs(ctx, userID, ids, time.Now().UTC())
}

// EnrichedMessage concatenates the user's text with the extracted text of
// any attached documents, falling back to a generic prompt when both are
// empty (spec §4.6 step 4).
func EnrichedMessage(userMessage string, documents []persistence.UploadedFile) string {
	var sb strings.Builder
	sb.WriteString(userMessage)
	for _, d := range documents {
		sb.WriteString("\n[Attached document: ")
		sb.WriteString(d.OriginalName)
		sb.WriteString("]\n")
		sb.WriteString(d.ExtractedText)
	}
	enriched := sb.String()
	if strings.TrimSpace(userMessage) == "" && len(documents) == 0 {
		return "Please analyse the attached files."
	}
	return enriched
}
