package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dukerupert/homebase/internal/config"
	"github.com/dukerupert/homebase/internal/database"
)

func setupServer(t *testing.T) http.Handler {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	srv := New(db, config.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() {
		srv.Close()
		db.Close()
	})
	return srv.Router()
}

func do(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

type memberResp struct {
	Member struct {
		ID   string `json:"id"`
		Role string `json:"role"`
	} `json:"member"`
	Token string `json:"token"`
}

// household creates a family with one parent and one au pair and returns
// their tokens and the au pair's member id.
func household(t *testing.T, h http.Handler) (parentToken, aupairToken, aupairID string) {
	t.Helper()
	rec := do(t, h, "POST", "/api/families", "", map[string]string{
		"name": "The Smiths", "parentName": "Jo", "timezone": "UTC",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create family: status %d body %s", rec.Code, rec.Body)
	}
	created := decode[struct {
		Parent memberResp `json:"parent"`
	}](t, rec)
	parentToken = created.Parent.Token

	rec = do(t, h, "POST", "/api/members", parentToken, map[string]string{"name": "Ana", "role": "aupair"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add member: status %d body %s", rec.Code, rec.Body)
	}
	ap := decode[memberResp](t, rec)
	return parentToken, ap.Token, ap.Member.ID
}

func TestHealth(t *testing.T) {
	h := setupServer(t)
	rec := do(t, h, "GET", "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	h := setupServer(t)

	for _, path := range []string{"/api/tasks", "/api/lists", "/api/family", "/ws"} {
		rec := do(t, h, "GET", path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without token: status %d, want 401", path, rec.Code)
		}
	}

	rec := do(t, h, "GET", "/api/tasks", "nobody.secret", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status %d, want 401", rec.Code)
	}
}

func TestTaskLifecycle(t *testing.T) {
	h := setupServer(t)
	parent, aupair, aupairID := household(t, h)

	rec := do(t, h, "POST", "/api/tasks", aupair, map[string]any{"title": "Laundry"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("aupair create: status %d, want 403", rec.Code)
	}

	rec = do(t, h, "POST", "/api/tasks", parent, map[string]any{
		"title":             "Laundry",
		"priority":          "high",
		"dueDate":           "2026-03-02T09:00:00Z",
		"isRecurring":       true,
		"recurringType":     "weekly",
		"recurringInterval": 1,
		"assignedTo":        aupairID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create task: status %d body %s", rec.Code, rec.Body)
	}
	created := decode[struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}](t, rec)
	if created.Status != "pending" {
		t.Errorf("status = %q, want pending", created.Status)
	}

	rec = do(t, h, "GET", "/api/tasks?assigned_to=me", aupair, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status %d body %s", rec.Code, rec.Body)
	}
	if got := decode[[]map[string]any](t, rec); len(got) != 1 {
		t.Errorf("assigned tasks = %d, want 1", len(got))
	}

	rec = do(t, h, "POST", "/api/tasks/"+created.ID+"/complete", aupair, map[string]any{"notes": "done"})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: status %d body %s", rec.Code, rec.Body)
	}
	res := decode[struct {
		Task struct {
			Status      string `json:"status"`
			CompletedBy string `json:"completedBy"`
		} `json:"task"`
		Successor *struct {
			DueDate string `json:"dueDate"`
		} `json:"successor"`
	}](t, rec)
	if res.Task.Status != "completed" || res.Task.CompletedBy != aupairID {
		t.Errorf("completed task = %+v", res.Task)
	}
	if res.Successor == nil || !strings.HasPrefix(res.Successor.DueDate, "2026-03-09") {
		t.Errorf("successor = %+v, want due 2026-03-09", res.Successor)
	}

	rec = do(t, h, "POST", "/api/tasks/"+created.ID+"/complete", aupair, map[string]any{})
	if rec.Code != http.StatusConflict {
		t.Errorf("second complete: status %d, want 409", rec.Code)
	}

	rec = do(t, h, "POST", "/api/tasks/"+created.ID+"/confirm", aupair, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("aupair confirm: status %d, want 403", rec.Code)
	}

	rec = do(t, h, "POST", "/api/tasks/"+created.ID+"/confirm", parent, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm: status %d body %s", rec.Code, rec.Body)
	}

	rec = do(t, h, "GET", "/api/tasks", parent, nil)
	if got := decode[[]map[string]any](t, rec); len(got) != 1 {
		t.Errorf("visible tasks = %d, want only the successor", len(got))
	}
	rec = do(t, h, "GET", "/api/tasks?include_confirmed=true", parent, nil)
	if got := decode[[]map[string]any](t, rec); len(got) != 2 {
		t.Errorf("tasks with confirmed = %d, want 2", len(got))
	}
}

func TestAssigneeMustBeFamilyMember(t *testing.T) {
	h := setupServer(t)
	parent, _, _ := household(t, h)

	rec := do(t, h, "POST", "/api/tasks", parent, map[string]any{"title": "Dishes", "assignedTo": "stranger"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", rec.Code)
	}
}

func TestParentOnlyRoutes(t *testing.T) {
	h := setupServer(t)
	_, aupair, _ := household(t, h)

	rec := do(t, h, "POST", "/api/members", aupair, map[string]string{"name": "Max", "role": "parent"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("aupair add member: status %d, want 403", rec.Code)
	}
	rec = do(t, h, "POST", "/api/tasks/sweep", aupair, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("aupair sweep: status %d, want 403", rec.Code)
	}
}

func TestShoppingList(t *testing.T) {
	h := setupServer(t)
	parent, aupair, _ := household(t, h)

	rec := do(t, h, "POST", "/api/lists", parent, map[string]string{"name": "Groceries"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create list: status %d body %s", rec.Code, rec.Body)
	}
	list := decode[struct {
		ID string `json:"id"`
	}](t, rec)

	rec = do(t, h, "POST", "/api/lists/"+list.ID+"/items", aupair, map[string]any{"name": "Milk", "quantity": 2})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add item: status %d body %s", rec.Code, rec.Body)
	}
	item := decode[struct {
		ID       string `json:"id"`
		Category string `json:"category"`
	}](t, rec)

	rec = do(t, h, "POST", "/api/lists/"+list.ID+"/items", parent, map[string]any{"name": "milk"})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate item: status %d, want 409", rec.Code)
	}

	rec = do(t, h, "POST", "/api/lists/"+list.ID+"/items/"+item.ID+"/toggle", aupair, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle: status %d body %s", rec.Code, rec.Body)
	}
	if got := decode[struct {
		IsPurchased bool `json:"isPurchased"`
	}](t, rec); !got.IsPurchased {
		t.Error("item not purchased after toggle")
	}

	rec = do(t, h, "POST", "/api/lists/"+list.ID+"/clear-purchased", parent, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear purchased: status %d body %s", rec.Code, rec.Body)
	}
	if got := decode[map[string]int](t, rec); got["removed"] != 1 {
		t.Errorf("removed = %d, want 1", got["removed"])
	}
}

func TestPhotoUploadWithoutStorage(t *testing.T) {
	h := setupServer(t)
	parent, _, _ := household(t, h)

	rec := do(t, h, "POST", "/api/tasks", parent, map[string]any{"title": "Windows"})
	created := decode[struct {
		ID string `json:"id"`
	}](t, rec)

	req := httptest.NewRequest("POST", "/api/tasks/"+created.ID+"/photos", strings.NewReader("jpegbytes"))
	req.Header.Set("Authorization", "Bearer "+parent)
	req.Header.Set("Content-Type", "image/jpeg")
	out := httptest.NewRecorder()
	h.ServeHTTP(out, req)
	if out.Code != http.StatusServiceUnavailable {
		t.Errorf("status %d, want 503", out.Code)
	}
}
