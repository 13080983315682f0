// Package chatapi exposes the REST surface listed for completeness in
// spec §6: session listing, message history, session deletion, and daily
// usage, all read directly off the persistence.ChatStore collaborator.
package chatapi

import (
	"net/http"

	"codetutor/internal/config"
	"codetutor/internal/persistence"
)

// Server exposes the chat REST endpoints.
type Server struct {
	chat  persistence.ChatStore
	quota config.QuotaConfig
	mux   *http.ServeMux
}

func NewServer(chat persistence.ChatStore, quota config.QuotaConfig) *Server {
	s := &Server{chat: chat, quota: quota, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/chat/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/chat/sessions/{sessionID}/messages", s.handleGetSessionMessages)
	s.mux.HandleFunc("DELETE /api/chat/sessions/{sessionID}", s.handleDeleteSession)
	s.mux.HandleFunc("GET /api/chat/usage", s.handleGetUsage)
}
