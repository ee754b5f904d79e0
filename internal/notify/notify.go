// Package notify sends web push notifications to family members.
package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/dukerupert/homebase/internal/apperr"
	"github.com/dukerupert/homebase/internal/auth"
	"github.com/dukerupert/homebase/internal/docstore"
	"github.com/dukerupert/homebase/internal/task"
	"github.com/dukerupert/homebase/internal/timeoff"
)

const Collection = "push_subscriptions"

// ErrExpired is returned when a push subscription is no longer valid (410 Gone).
var ErrExpired = errors.New("push subscription expired")

// Payload is the JSON sent to the push service.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

type Subscription struct {
	ID        string    `json:"id"`
	FamilyID  string    `json:"familyId"`
	MemberID  string    `json:"memberId"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	CreatedAt time.Time `json:"createdAt"`
}

type Config struct {
	VAPIDPublicKey  string `yaml:"vapid_public_key"`
	VAPIDPrivateKey string `yaml:"vapid_private_key"`
	Subscriber      string `yaml:"subscriber"`
}

// Sender delivers one payload to one subscription.
type Sender interface {
	Send(ctx context.Context, sub *Subscription, payload Payload) error
}

// Parents looks up who should hear about family events.
type Parents interface {
	ParentIDs(ctx context.Context, familyID string) ([]string, error)
}

type webPushSender struct {
	cfg Config
}

func (w *webPushSender) Send(ctx context.Context, sub *Subscription, payload Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, data, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		VAPIDPublicKey:  w.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: w.cfg.VAPIDPrivateKey,
		Subscriber:      w.cfg.Subscriber,
		TTL:             86400,
	})
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		return ErrExpired
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("push service returned %d", resp.StatusCode)
	}
	return nil
}

// GenerateVAPIDKeys returns a fresh VAPID key pair.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("generate vapid keys: %w", err)
	}
	return publicKey, privateKey, nil
}

// Service stores subscriptions and fans notifications out to them. Sends
// run in the background; Wait blocks until they finish.
type Service struct {
	store     *docstore.Store
	parents   Parents
	sender    Sender
	publicKey string
	logger    *slog.Logger
	timeout   time.Duration
	wg        sync.WaitGroup
}

// NewService returns a service that only records subscriptions when the
// VAPID keys are missing.
func NewService(store *docstore.Store, parents Parents, cfg Config, logger *slog.Logger) *Service {
	s := &Service{
		store:     store,
		parents:   parents,
		publicKey: cfg.VAPIDPublicKey,
		logger:    logger,
		timeout:   30 * time.Second,
	}
	if cfg.VAPIDPublicKey != "" && cfg.VAPIDPrivateKey != "" {
		if cfg.Subscriber == "" {
			cfg.Subscriber = "mailto:noreply@homebase.local"
		}
		s.sender = &webPushSender{cfg: cfg}
	} else {
		logger.Info("push notifications disabled, no VAPID keys configured")
	}
	return s
}

func (s *Service) Enabled() bool { return s.sender != nil }

// VAPIDPublicKey returns the key clients need to subscribe.
func (s *Service) VAPIDPublicKey() string { return s.publicKey }

func subscriptionID(endpoint string) string {
	sum := sha256.Sum256([]byte(endpoint))
	return hex.EncodeToString(sum[:16])
}

// Subscribe records a browser push endpoint for the actor. Re-subscribing the
// same endpoint replaces the previous record.
func (s *Service) Subscribe(ctx context.Context, actor auth.AuthContext, endpoint, p256dh, authKey string) (*Subscription, error) {
	endpoint = strings.TrimSpace(endpoint)
	if !strings.HasPrefix(endpoint, "https://") {
		return nil, apperr.Validation("endpoint must be an https URL")
	}
	if p256dh == "" || authKey == "" {
		return nil, apperr.Validation("p256dh and auth keys are required")
	}

	sub := &Subscription{
		ID:        subscriptionID(endpoint),
		FamilyID:  actor.FamilyID,
		MemberID:  actor.MemberID,
		Endpoint:  endpoint,
		P256dh:    p256dh,
		Auth:      authKey,
		CreatedAt: time.Now().UTC(),
	}
	data, err := docstore.Encode(sub)
	if err != nil {
		return nil, err
	}
	err = s.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		tx.Set(docstore.Ref{Collection: Collection, ID: sub.ID}, sub.FamilyID, data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("save push subscription: %w", err)
	}
	return sub, nil
}

// Unsubscribe removes the actor's endpoint if it exists.
func (s *Service) Unsubscribe(ctx context.Context, actor auth.AuthContext, endpoint string) error {
	ref := docstore.Ref{Collection: Collection, ID: subscriptionID(strings.TrimSpace(endpoint))}
	err := s.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		d, err := tx.Get(ref)
		if err != nil {
			return err
		}
		if d == nil || d.FamilyID != actor.FamilyID {
			return nil
		}
		tx.Delete(ref)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete push subscription: %w", err)
	}
	return nil
}

// Wait blocks until in-flight notifications are done.
func (s *Service) Wait() { s.wg.Wait() }

func (s *Service) TaskCompleted(ctx context.Context, t *task.Task) {
	s.notifyParents(ctx, t.FamilyID, t.CompletedBy, Payload{
		Title: "Task completed",
		Body:  fmt.Sprintf("%q is ready to confirm", t.Title),
		URL:   "/tasks/" + t.ID,
		Tag:   "task-" + t.ID,
	})
}

func (s *Service) HelpRequested(ctx context.Context, t *task.Task, req task.HelpRequest) {
	body := fmt.Sprintf("Help needed with %q", t.Title)
	if req.Message != "" {
		body += ": " + req.Message
	}
	s.notifyParents(ctx, t.FamilyID, req.MemberID, Payload{
		Title: "Help requested",
		Body:  body,
		URL:   "/tasks/" + t.ID,
		Tag:   "help-" + t.ID,
	})
}

func (s *Service) TimeOffRequested(ctx context.Context, r *timeoff.Request) {
	s.notifyParents(ctx, r.FamilyID, r.RequestedBy, Payload{
		Title: "Time off requested",
		Body: fmt.Sprintf("%s to %s",
			r.StartDate.Format("Mon Jan 2"), r.EndDate.Format("Mon Jan 2")),
		URL: "/timeoff",
		Tag: "timeoff-" + r.ID,
	})
}

func (s *Service) notifyParents(ctx context.Context, familyID, actorID string, payload Payload) {
	if s.sender == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		parents, err := s.parents.ParentIDs(ctx, familyID)
		if err != nil {
			s.logger.Error("failed to load parents", "family_id", familyID, "error", err)
			return
		}
		recipients := slices.DeleteFunc(slices.Clone(parents), func(id string) bool { return id == actorID })
		if len(recipients) == 0 {
			return
		}
		s.deliver(ctx, familyID, recipients, payload)
	}()
}

func (s *Service) deliver(ctx context.Context, familyID string, memberIDs []string, payload Payload) {
	ids := make([]any, len(memberIDs))
	for i, id := range memberIDs {
		ids[i] = id
	}
	docs, err := s.store.Query(ctx, docstore.Query{
		Collection: Collection,
		FamilyID:   familyID,
		Filters:    []docstore.Filter{docstore.Where("memberId", docstore.OpIn, ids)},
	})
	if err != nil {
		s.logger.Error("failed to list push subscriptions", "family_id", familyID, "error", err)
		return
	}

	var expired []docstore.Op
	for _, d := range docs {
		var sub Subscription
		if err := d.Decode(&sub); err != nil {
			continue
		}
		sub.ID = d.ID
		if err := s.sender.Send(ctx, &sub, payload); err != nil {
			if errors.Is(err, ErrExpired) {
				expired = append(expired, docstore.Op{Kind: docstore.OpDelete, Ref: d.Ref(), IfVersion: d.Version})
				continue
			}
			s.logger.Warn("push send failed", "member_id", sub.MemberID, "tag", payload.Tag, "error", err)
		}
	}

	if len(expired) > 0 {
		if _, err := s.store.Batch(ctx, expired); err != nil {
			s.logger.Error("failed to delete expired subscriptions", "error", err)
			return
		}
		s.logger.Info("removed expired push subscriptions", "count", len(expired))
	}
}
