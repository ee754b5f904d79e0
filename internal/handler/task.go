package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/homebase/internal/apperr"
	"github.com/dukerupert/homebase/internal/blob"
	"github.com/dukerupert/homebase/internal/family"
	"github.com/dukerupert/homebase/internal/task"
)

type TaskHandler struct {
	tasks    *task.Service
	families *family.Service
	photos   *blob.Store
	now      func() time.Time
	logger   *slog.Logger
}

func NewTaskHandler(tasks *task.Service, families *family.Service, photos *blob.Store, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{tasks: tasks, families: families, photos: photos, now: time.Now, logger: logger}
}

// List handles GET /api/tasks
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := task.ListOptions{
		IncludeConfirmed: q.Get("include_confirmed") == "true",
		Status:           task.Status(q.Get("status")),
		AssignedTo:       q.Get("assigned_to"),
	}
	if q.Get("assigned_to") == "me" {
		opts.AssignedTo = actor(r).MemberID
	}

	tasks, err := h.tasks.List(r.Context(), actor(r).FamilyID, opts)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// Create handles POST /api/tasks
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req task.NewTask
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	ac := actor(r)
	if req.AssignedTo != "" {
		if err := h.checkMember(r.Context(), ac.FamilyID, req.AssignedTo); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}

	t, err := h.tasks.Create(r.Context(), ac, req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *TaskHandler) checkMember(ctx context.Context, familyID, memberID string) error {
	ok, err := h.families.AreMembers(ctx, familyID, []string{memberID})
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Validation("assignee %s is not a member of the family", memberID)
	}
	return nil
}

// Get handles GET /api/tasks/{id}
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.tasks.Get(r.Context(), actor(r).FamilyID, r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Update handles PUT /api/tasks/{id}
func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req task.Patch
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	ac := actor(r)
	if req.AssignedTo != nil && *req.AssignedTo != "" {
		if err := h.checkMember(r.Context(), ac.FamilyID, *req.AssignedTo); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}

	t, err := h.tasks.Update(r.Context(), ac, r.PathValue("id"), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Delete handles DELETE /api/tasks/{id}
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.tasks.Delete(r.Context(), actor(r), r.PathValue("id")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type completeRequest struct {
	Notes  string   `json:"notes"`
	Photos []string `json:"photos"`
}

// Complete handles POST /api/tasks/{id}/complete
func (h *TaskHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	ac := actor(r)
	id := r.PathValue("id")
	prefix := photoPrefix(ac.FamilyID, id)
	for _, key := range req.Photos {
		if !strings.HasPrefix(key, prefix) {
			writeError(w, h.logger, apperr.Validation("photo %q was not uploaded for this task", key))
			return
		}
	}

	res, err := h.tasks.Complete(r.Context(), ac, id, req.Notes, req.Photos)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Confirm handles POST /api/tasks/{id}/confirm
func (h *TaskHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	res, err := h.tasks.Confirm(r.Context(), actor(r), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Help handles POST /api/tasks/{id}/help
func (h *TaskHandler) Help(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	t, err := h.tasks.RequestHelp(r.Context(), actor(r), r.PathValue("id"), req.Message)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func photoPrefix(familyID, taskID string) string {
	return "families/" + familyID + "/tasks/" + taskID + "/"
}

// UploadPhoto handles POST /api/tasks/{id}/photos. The body is the raw image
// and Content-Type names its format.
func (h *TaskHandler) UploadPhoto(w http.ResponseWriter, r *http.Request) {
	ac := actor(r)
	id := r.PathValue("id")
	if _, err := h.tasks.Get(r.Context(), ac.FamilyID, id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if r.ContentLength <= 0 {
		writeError(w, h.logger, apperr.Validation("Content-Length is required"))
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.photos.MaxBytes())
	contentType := strings.TrimSpace(strings.Split(r.Header.Get("Content-Type"), ";")[0])
	key, err := h.photos.Put(r.Context(), ac.FamilyID, id, contentType, body, r.ContentLength)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"key": key})
}

// GetPhoto handles GET /api/photos/{key...}
func (h *TaskHandler) GetPhoto(w http.ResponseWriter, r *http.Request) {
	rc, contentType, err := h.photos.Open(r.Context(), actor(r).FamilyID, r.PathValue("key"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=86400")
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("photo stream interrupted", "error", err)
	}
}

type sweepResult struct {
	Overdue int      `json:"overdue"`
	Reset   []string `json:"reset"`
}

// Sweep handles POST /api/tasks/sweep, running the overdue and stale passes
// for the caller's family now.
func (h *TaskHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	ac := actor(r)
	if !ac.IsParent() {
		writeError(w, h.logger, apperr.Permission("only parents can run a sweep"))
		return
	}
	f, err := h.families.GetFamily(r.Context(), ac.FamilyID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	now := h.now().In(f.Location())

	overdue, err := h.tasks.MarkOverdue(r.Context(), ac.FamilyID, now)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	reset, err := h.tasks.AutoResetStale(r.Context(), ac.FamilyID, now)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sweepResult{Overdue: overdue, Reset: reset})
}
