package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/homebase/internal/shopping"
)

type ShoppingHandler struct {
	lists  *shopping.Service
	logger *slog.Logger
}

func NewShoppingHandler(lists *shopping.Service, logger *slog.Logger) *ShoppingHandler {
	return &ShoppingHandler{lists: lists, logger: logger}
}

// List handles GET /api/lists
func (h *ShoppingHandler) List(w http.ResponseWriter, r *http.Request) {
	lists, err := h.lists.ListLists(r.Context(), actor(r).FamilyID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	out := make([]shopping.View, len(lists))
	for i := range lists {
		out[i] = shopping.NewView(&lists[i])
	}
	writeJSON(w, http.StatusOK, out)
}

// Create handles POST /api/lists
func (h *ShoppingHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	l, err := h.lists.CreateList(r.Context(), actor(r), req.Name)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, shopping.NewView(l))
}

// Get handles GET /api/lists/{id}
func (h *ShoppingHandler) Get(w http.ResponseWriter, r *http.Request) {
	l, err := h.lists.GetList(r.Context(), actor(r).FamilyID, r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, shopping.NewView(l))
}

// Delete handles DELETE /api/lists/{id}
func (h *ShoppingHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.lists.DeleteList(r.Context(), actor(r), r.PathValue("id")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddItem handles POST /api/lists/{id}/items
func (h *ShoppingHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req shopping.NewItem
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	item, err := h.lists.AddItem(r.Context(), actor(r), r.PathValue("id"), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// ToggleItem handles POST /api/lists/{id}/items/{item_id}/toggle. An empty
// body marks the item purchased; {"purchased": false} un-marks it.
func (h *ShoppingHandler) ToggleItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Purchased *bool `json:"purchased"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}
	purchased := true
	if req.Purchased != nil {
		purchased = *req.Purchased
	}

	item, err := h.lists.ToggleItem(r.Context(), actor(r), r.PathValue("id"), r.PathValue("item_id"), purchased)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// RemoveItem handles DELETE /api/lists/{id}/items/{item_id}
func (h *ShoppingHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	if err := h.lists.RemoveItem(r.Context(), actor(r), r.PathValue("id"), r.PathValue("item_id")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearPurchased handles POST /api/lists/{id}/clear-purchased
func (h *ShoppingHandler) ClearPurchased(w http.ResponseWriter, r *http.Request) {
	n, err := h.lists.ClearPurchased(r.Context(), actor(r), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}
