package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/coder/websocket"
	"github.com/dukerupert/homebase/internal/auth"
	"github.com/dukerupert/homebase/internal/database"
	"github.com/dukerupert/homebase/internal/docstore"
	"github.com/dukerupert/homebase/internal/subscription"
)

var (
	fam1 = auth.AuthContext{MemberID: "mum", FamilyID: "fam1", Role: auth.RoleParent}
	fam2 = auth.AuthContext{MemberID: "zed", FamilyID: "fam2", Role: auth.RoleParent}
)

func testHub(t *testing.T) (*Hub, *docstore.Store) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := docstore.New(db, docstore.Options{Logger: logger})
	t.Cleanup(func() {
		store.Close()
		db.Close()
	})
	renderers := map[string]Renderer{
		"tasks": func(docs []docstore.Document) (any, error) {
			ids := make([]string, len(docs))
			for i, d := range docs {
				ids[i] = d.ID
			}
			return ids, nil
		},
	}
	return NewHub(store, subscription.NewRegistry(logger), renderers, logger), store
}

// mockClient creates a Client with a send channel but no real connection.
func mockClient(hub *Hub, ac auth.AuthContext) *Client {
	return NewClient(hub, nil, ac)
}

func TestRegisterUnregister(t *testing.T) {
	hub, _ := testHub(t)

	c1 := mockClient(hub, fam1)
	c2 := mockClient(hub, fam1)
	hub.Register(c1)
	hub.Register(c2)

	if got := hub.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}

	hub.Unregister(c1)
	hub.Unregister(c1)
	if got := hub.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}
	hub.Unregister(c2)
}

func TestPublishIsFamilyScoped(t *testing.T) {
	hub, _ := testHub(t)

	mine := mockClient(hub, fam1)
	theirs := mockClient(hub, fam2)
	hub.Register(mine)
	hub.Register(theirs)
	defer hub.Unregister(mine)
	defer hub.Unregister(theirs)

	hub.Publish("fam1", "task", "completed", "t1", map[string]any{"status": "completed"})

	select {
	case data := <-mine.send:
		var got Message
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Type != "task_completed" || got.ID != "t1" {
			t.Errorf("message = %+v", got)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for message")
	}

	select {
	case <-theirs.send:
		t.Error("other family received the event")
	default:
	}
}

func TestPublishFullBufferDrops(t *testing.T) {
	hub, _ := testHub(t)
	c := mockClient(hub, fam1)
	hub.Register(c)

	for i := 0; i < sendBufferSize+5; i++ {
		hub.Publish("fam1", "test", "fill", "", nil)
	}
	if len(c.send) != sendBufferSize {
		t.Errorf("expected %d queued, got %d", sendBufferSize, len(c.send))
	}

	hub.Unregister(c)
	// Publishing after close must not panic.
	c.deliver([]byte("late"))
}

func readSnapshot(t *testing.T, c *Client) Snapshot {
	t.Helper()
	select {
	case data := <-c.send:
		var s Snapshot
		if err := json.Unmarshal(data, &s); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for snapshot")
	}
	return Snapshot{}
}

func TestSubscriptionsAreSharedAndReleased(t *testing.T) {
	hub, store := testHub(t)

	c1 := mockClient(hub, fam1)
	c2 := mockClient(hub, fam1)
	hub.Register(c1)
	hub.Register(c2)

	req := Request{Op: "subscribe", Sub: "s1", Collection: "tasks"}
	c1.handle(req)
	c2.handle(req)

	if s := readSnapshot(t, c1); s.Type != "snapshot" || s.Sub != "s1" {
		t.Errorf("c1 first frame = %+v", s)
	}
	readSnapshot(t, c2)

	if hub.Subscriptions() != 1 || store.Listeners() != 1 {
		t.Fatalf("subscriptions = %d, store listeners = %d, want 1 and 1", hub.Subscriptions(), store.Listeners())
	}

	err := store.RunTransaction(context.Background(), func(tx *docstore.Tx) error {
		tx.Create(docstore.Ref{Collection: "tasks", ID: "t1"}, "fam1", map[string]any{"title": "x"})
		return nil
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, c := range []*Client{c1, c2} {
		s := readSnapshot(t, c)
		ids, _ := s.Data.([]any)
		if len(ids) != 1 || ids[0] != "t1" {
			t.Errorf("snapshot data = %v, want [t1]", s.Data)
		}
	}

	c1.handle(Request{Op: "unsubscribe", Sub: "s1"})
	if hub.Subscriptions() != 1 {
		t.Errorf("shared subscription torn down early")
	}
	hub.Unregister(c2)
	if hub.Subscriptions() != 0 || store.Listeners() != 0 {
		t.Errorf("after disconnect: subscriptions = %d, listeners = %d", hub.Subscriptions(), store.Listeners())
	}
	hub.Unregister(c1)
}

func TestSubscribeErrors(t *testing.T) {
	hub, _ := testHub(t)
	c := mockClient(hub, fam1)
	hub.Register(c)
	defer hub.Unregister(c)

	tests := []Request{
		{Op: "subscribe", Sub: "a", Collection: "members"},
		{Op: "subscribe", Sub: "", Collection: "tasks"},
		{Op: "subscribe", Sub: "b", Collection: "tasks", Filters: []docstore.Filter{{Field: "status", Op: "~", Value: "x"}}},
		{Op: "explode", Sub: "c"},
	}
	for _, req := range tests {
		c.handle(req)
		var frame errorFrame
		if err := json.Unmarshal(<-c.send, &frame); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if frame.Type != "error" {
			t.Errorf("request %+v: frame = %+v, want error", req, frame)
		}
	}
}

func TestEndToEnd(t *testing.T) {
	hub, _ := testHub(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		HandleWebSocket(hub).ServeHTTP(w, r.WithContext(auth.WithAuth(r.Context(), fam1)))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if err := conn.Write(ctx, ws.MessageText, []byte(`{"op":"subscribe","sub":"s1","collection":"tasks"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `"sub":"s1"`) {
		t.Errorf("frame = %s", data)
	}

	conn.Close(ws.StatusNormalClosure, "")
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.ClientCount() != 0 || hub.Subscriptions() != 0 {
		t.Errorf("after close: clients = %d, subscriptions = %d", hub.ClientCount(), hub.Subscriptions())
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	hub, _ := testHub(t)
	rec := httptest.NewRecorder()
	HandleWebSocket(hub).ServeHTTP(rec, httptest.NewRequest("GET", "/ws", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestConcurrentAccess(t *testing.T) {
	hub, _ := testHub(t)
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := mockClient(hub, fam1)
			hub.Register(c)
			hub.Publish("fam1", "test", "concurrent", "", nil)
			hub.Unregister(c)
		}()
	}
	wg.Wait()

	if got := hub.ClientCount(); got != 0 {
		t.Errorf("expected 0 clients after concurrent test, got %d", got)
	}
}
