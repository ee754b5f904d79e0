package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/homebase/internal/family"
)

type FamilyHandler struct {
	families        *family.Service
	defaultTimezone string
	logger          *slog.Logger
}

func NewFamilyHandler(families *family.Service, defaultTimezone string, logger *slog.Logger) *FamilyHandler {
	return &FamilyHandler{families: families, defaultTimezone: defaultTimezone, logger: logger}
}

type createFamilyRequest struct {
	Name       string `json:"name"`
	ParentName string `json:"parentName"`
	Timezone   string `json:"timezone"`
}

// memberWithToken is the only response that ever carries a bearer token.
type memberWithToken struct {
	Member family.Member `json:"member"`
	Token  string        `json:"token"`
}

// Create handles POST /api/families
func (h *FamilyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createFamilyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if req.Timezone == "" {
		req.Timezone = h.defaultTimezone
	}

	f, m, token, err := h.families.CreateFamily(r.Context(), req.Name, req.ParentName, req.Timezone)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"family": f,
		"parent": memberWithToken{Member: m.Public(), Token: token},
	})
}

// Get handles GET /api/family
func (h *FamilyHandler) Get(w http.ResponseWriter, r *http.Request) {
	f, err := h.families.GetFamily(r.Context(), actor(r).FamilyID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// ListMembers handles GET /api/members
func (h *FamilyHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.families.ListMembers(r.Context(), actor(r).FamilyID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	out := make([]family.Member, len(members))
	for i, m := range members {
		out[i] = m.Public()
	}
	writeJSON(w, http.StatusOK, out)
}

type addMemberRequest struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// AddMember handles POST /api/members
func (h *FamilyHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	var req addMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	m, token, err := h.families.AddMember(r.Context(), actor(r), req.Name, req.Role)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, memberWithToken{Member: m.Public(), Token: token})
}

// RemoveMember handles DELETE /api/members/{id}
func (h *FamilyHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	if err := h.families.RemoveMember(r.Context(), actor(r), r.PathValue("id")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReissueToken handles POST /api/members/{id}/token
func (h *FamilyHandler) ReissueToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.families.ReissueToken(r.Context(), actor(r), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
