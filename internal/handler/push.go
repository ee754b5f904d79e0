package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/homebase/internal/notify"
)

type PushHandler struct {
	service *notify.Service
	logger  *slog.Logger
}

func NewPushHandler(svc *notify.Service, logger *slog.Logger) *PushHandler {
	return &PushHandler{service: svc, logger: logger}
}

type subscribeRequest struct {
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

// Subscribe handles POST /api/push/subscribe
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	sub, err := h.service.Subscribe(r.Context(), actor(r), req.Endpoint, req.P256dh, req.Auth)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// Unsubscribe handles POST /api/push/unsubscribe
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.service.Unsubscribe(r.Context(), actor(r), req.Endpoint); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetVAPIDKey handles GET /api/push/vapid-key
func (h *PushHandler) GetVAPIDKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"publicKey": h.service.VAPIDPublicKey(),
		"enabled":   h.service.Enabled(),
	})
}
