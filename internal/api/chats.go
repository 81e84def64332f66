package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ashureev/interview-bot/internal/domain"
)

type chatsResponse struct {
	Chats []*domain.ChatRecord `json:"chats"`
}

// ListChats returns the stored transcripts of a chat, oldest first.
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	chatID := r.URL.Query().Get("chat_id")
	if userID == "" || chatID == "" {
		Error(w, http.StatusBadRequest, "user_id and chat_id are required")
		return
	}

	records, err := h.store.List(r.Context(), userID, chatID)
	if err != nil {
		h.logger.Error("[API] Failed to list chats", "user_id", userID, "chat_id", chatID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load transcripts")
		return
	}
	if records == nil {
		records = []*domain.ChatRecord{}
	}
	JSON(w, http.StatusOK, chatsResponse{Chats: records})
}

// Health reports whether the transcript store is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("[API] Health check failed", "error", err)
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
