package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/homebase/internal/timeoff"
)

type TimeOffHandler struct {
	requests *timeoff.Service
	logger   *slog.Logger
}

func NewTimeOffHandler(requests *timeoff.Service, logger *slog.Logger) *TimeOffHandler {
	return &TimeOffHandler{requests: requests, logger: logger}
}

// List handles GET /api/timeoff
func (h *TimeOffHandler) List(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.requests.List(r.Context(), actor(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

// Create handles POST /api/timeoff
func (h *TimeOffHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req timeoff.NewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	out, err := h.requests.Request(r.Context(), actor(r), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// Decide handles POST /api/timeoff/{id}/decide
func (h *TimeOffHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approve bool   `json:"approve"`
		Note    string `json:"note"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	out, err := h.requests.Decide(r.Context(), actor(r), r.PathValue("id"), req.Approve, req.Note)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Cancel handles POST /api/timeoff/{id}/cancel
func (h *TimeOffHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	out, err := h.requests.Cancel(r.Context(), actor(r), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
