package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/homebase/internal/messaging"
)

type MessagingHandler struct {
	messages *messaging.Service
	logger   *slog.Logger
}

func NewMessagingHandler(messages *messaging.Service, logger *slog.Logger) *MessagingHandler {
	return &MessagingHandler{messages: messages, logger: logger}
}

// ListConversations handles GET /api/conversations
func (h *MessagingHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.messages.ListConversations(r.Context(), actor(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

// CreateConversation handles POST /api/conversations
func (h *MessagingHandler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title        string   `json:"title"`
		Participants []string `json:"participants"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	c, err := h.messages.CreateConversation(r.Context(), actor(r), req.Title, req.Participants)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// ListMessages handles GET /api/conversations/{id}/messages
func (h *MessagingHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.messages.ListMessages(r.Context(), actor(r), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// Send handles POST /api/conversations/{id}/messages
func (h *MessagingHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Body string `json:"body"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	m, err := h.messages.Send(r.Context(), actor(r), r.PathValue("id"), req.Body)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}
