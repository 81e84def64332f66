// Package api provides HTTP handlers for the interview API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/interview-bot/internal/domain"
	"github.com/ashureev/interview-bot/internal/session"
	"github.com/ashureev/interview-bot/internal/store"
	"github.com/ashureev/interview-bot/internal/transport"
)

// Resolver finds or creates the connection for an offer.
type Resolver interface {
	Resolve(ctx context.Context, offer transport.Offer) (transport.Connection, bool, error)
}

// SessionStarter runs a session for a newly created connection.
type SessionStarter interface {
	Start(conn transport.Connection, details domain.InterviewDetails) *session.Orchestrator
}

// Handler provides the signaling and transcript endpoints.
type Handler struct {
	connections Resolver
	sessions    SessionStarter
	store       store.TranscriptStore
	logger      *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(connections Resolver, sessions SessionStarter, st store.TranscriptStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		connections: connections,
		sessions:    sessions,
		store:       st,
		logger:      logger,
	}
}

// Routes mounts the API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/offer", h.Offer)
	r.Post("/offer", h.Offer)
	r.Get("/api/chats", h.ListChats)
	r.Get("/health", h.Health)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
