package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/homebase/internal/blob"
	"github.com/dukerupert/homebase/internal/config"
	"github.com/dukerupert/homebase/internal/docstore"
	"github.com/dukerupert/homebase/internal/family"
	"github.com/dukerupert/homebase/internal/handler"
	"github.com/dukerupert/homebase/internal/messaging"
	"github.com/dukerupert/homebase/internal/middleware"
	"github.com/dukerupert/homebase/internal/notify"
	"github.com/dukerupert/homebase/internal/shopping"
	"github.com/dukerupert/homebase/internal/subscription"
	"github.com/dukerupert/homebase/internal/sweep"
	"github.com/dukerupert/homebase/internal/task"
	"github.com/dukerupert/homebase/internal/timeoff"
	ws "github.com/dukerupert/homebase/internal/websocket"
)

type Server struct {
	db          *sql.DB
	store       *docstore.Store
	hub         *ws.Hub
	families    *family.Service
	tasks       *task.Service
	notifier    *notify.Service
	sweeper     *sweep.Sweeper
	familyH     *handler.FamilyHandler
	taskH       *handler.TaskHandler
	shoppingH   *handler.ShoppingHandler
	timeOffH    *handler.TimeOffHandler
	messagingH  *handler.MessagingHandler
	pushH       *handler.PushHandler
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func New(db *sql.DB, cfg *config.Config, logger *slog.Logger) *Server {
	store := docstore.New(db, docstore.Options{
		MaxAttempts: cfg.Store.MaxTxnAttempts,
		RetryBase:   cfg.Store.RetryBase,
		Logger:      logger.With("component", "docstore"),
	})

	families := family.NewService(store, family.Options{Logger: logger.With("component", "family")})
	notifier := notify.NewService(store, families, cfg.Push, logger.With("component", "push"))

	hub := ws.NewHub(store, subscription.NewRegistry(logger.With("component", "subscription")), map[string]ws.Renderer{
		task.Collection:     renderTasks,
		shopping.Collection: renderLists,
	}, logger.With("component", "websocket"))

	tasks := task.NewService(store, task.Options{
		OverdueGrace: cfg.Tasks.OverdueGrace,
		StaleAfter:   cfg.Tasks.StaleCompletionAfter,
		Logger:       logger.With("component", "task"),
		Publisher:    hub,
		Notifier:     notifier,
	})
	lists := shopping.NewService(store, logger.With("component", "shopping"), hub)
	timeOff := timeoff.NewService(store, logger.With("component", "timeoff"), hub, notifier)
	messages := messaging.NewService(store, families, logger.With("component", "messaging"), hub)
	photos := blob.New(cfg.S3, logger.With("component", "photos"))

	return &Server{
		db:          db,
		store:       store,
		hub:         hub,
		families:    families,
		tasks:       tasks,
		notifier:    notifier,
		sweeper:     sweep.New(families, tasks, cfg.Sweep.Interval, logger.With("component", "sweep")),
		familyH:     handler.NewFamilyHandler(families, cfg.Timezone, logger.With("component", "family_handler")),
		taskH:       handler.NewTaskHandler(tasks, families, photos, logger.With("component", "task_handler")),
		shoppingH:   handler.NewShoppingHandler(lists, logger.With("component", "shopping_handler")),
		timeOffH:    handler.NewTimeOffHandler(timeOff, logger.With("component", "timeoff_handler")),
		messagingH:  handler.NewMessagingHandler(messages, logger.With("component", "messaging_handler")),
		pushH:       handler.NewPushHandler(notifier, logger.With("component", "push_handler")),
		rateLimiter: middleware.NewRateLimiter(),
		logger:      logger,
	}
}

func renderTasks(docs []docstore.Document) (any, error) {
	tasks, err := task.DecodeAll(docs)
	if err != nil {
		return nil, err
	}
	task.Sort(tasks)
	return tasks, nil
}

func renderLists(docs []docstore.Document) (any, error) {
	lists, err := shopping.DecodeAll(docs)
	if err != nil {
		return nil, err
	}
	out := make([]shopping.View, len(lists))
	for i := range lists {
		out[i] = shopping.NewView(&lists[i])
	}
	return out, nil
}

// Sweeper returns the background sweeper.
func (s *Server) Sweeper() *sweep.Sweeper {
	return s.sweeper
}

// Start launches the background sweeper and rate limiter cleanup.
func (s *Server) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.sweeper.Start(ctx)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.rateLimiter.Cleanup()
			}
		}
	}()
}

// Close stops background work, waits for pending notifications and tears
// down every live subscription.
func (s *Server) Close() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.sweeper.Stop()
	s.notifier.Wait()
	s.store.Close()
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes (no auth required)
	outerMux.HandleFunc("GET /health", s.healthHandler)
	outerMux.HandleFunc("POST /api/families", s.rateLimitedHandler(s.familyH.Create))

	// Protected routes wrapped with RequireMember
	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	authMiddleware := middleware.RequireMember(s.families, s.rateLimiter, s.logger.With("component", "auth"))
	outerMux.Handle("/", authMiddleware(protectedMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := s.db.PingContext(r.Context()); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":        status,
		"clients":       s.hub.ClientCount(),
		"subscriptions": s.hub.Subscriptions(),
	})
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	keyFunc := func(r *http.Request) string {
		return "bootstrap:" + middleware.RealIP(r)
	}
	rl := middleware.RateLimit(s.rateLimiter, keyFunc, middleware.BootstrapPolicy)
	return func(w http.ResponseWriter, r *http.Request) {
		rl(http.HandlerFunc(h)).ServeHTTP(w, r)
	}
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	parentOnly := middleware.RequireParent

	// Family and members
	mux.HandleFunc("GET /api/family", s.familyH.Get)
	mux.HandleFunc("GET /api/members", s.familyH.ListMembers)
	mux.Handle("POST /api/members", parentOnly(http.HandlerFunc(s.familyH.AddMember)))
	mux.Handle("DELETE /api/members/{id}", parentOnly(http.HandlerFunc(s.familyH.RemoveMember)))
	mux.Handle("POST /api/members/{id}/token", parentOnly(http.HandlerFunc(s.familyH.ReissueToken)))

	// Tasks
	mux.HandleFunc("GET /api/tasks", s.taskH.List)
	mux.HandleFunc("POST /api/tasks", s.taskH.Create)
	mux.HandleFunc("POST /api/tasks/sweep", s.taskH.Sweep)
	mux.HandleFunc("GET /api/tasks/{id}", s.taskH.Get)
	mux.HandleFunc("PUT /api/tasks/{id}", s.taskH.Update)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.taskH.Delete)
	mux.HandleFunc("POST /api/tasks/{id}/complete", s.taskH.Complete)
	mux.HandleFunc("POST /api/tasks/{id}/confirm", s.taskH.Confirm)
	mux.HandleFunc("POST /api/tasks/{id}/help", s.taskH.Help)
	mux.HandleFunc("POST /api/tasks/{id}/photos", s.taskH.UploadPhoto)
	mux.HandleFunc("GET /api/photos/{key...}", s.taskH.GetPhoto)

	// Shopping lists
	mux.HandleFunc("GET /api/lists", s.shoppingH.List)
	mux.HandleFunc("POST /api/lists", s.shoppingH.Create)
	mux.HandleFunc("GET /api/lists/{id}", s.shoppingH.Get)
	mux.HandleFunc("DELETE /api/lists/{id}", s.shoppingH.Delete)
	mux.HandleFunc("POST /api/lists/{id}/items", s.shoppingH.AddItem)
	mux.HandleFunc("POST /api/lists/{id}/items/{item_id}/toggle", s.shoppingH.ToggleItem)
	mux.HandleFunc("DELETE /api/lists/{id}/items/{item_id}", s.shoppingH.RemoveItem)
	mux.HandleFunc("POST /api/lists/{id}/clear-purchased", s.shoppingH.ClearPurchased)

	// Time off
	mux.HandleFunc("GET /api/timeoff", s.timeOffH.List)
	mux.HandleFunc("POST /api/timeoff", s.timeOffH.Create)
	mux.HandleFunc("POST /api/timeoff/{id}/decide", s.timeOffH.Decide)
	mux.HandleFunc("POST /api/timeoff/{id}/cancel", s.timeOffH.Cancel)

	// Messaging
	mux.HandleFunc("GET /api/conversations", s.messagingH.ListConversations)
	mux.HandleFunc("POST /api/conversations", s.messagingH.CreateConversation)
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.messagingH.ListMessages)
	mux.HandleFunc("POST /api/conversations/{id}/messages", s.messagingH.Send)

	// Push notifications
	mux.HandleFunc("POST /api/push/subscribe", s.pushH.Subscribe)
	mux.HandleFunc("POST /api/push/unsubscribe", s.pushH.Unsubscribe)
	mux.HandleFunc("GET /api/push/vapid-key", s.pushH.GetVAPIDKey)

	// WebSocket
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub))
}
