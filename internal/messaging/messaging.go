// Package messaging implements family conversations.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/dukerupert/homebase/internal/apperr"
	"github.com/dukerupert/homebase/internal/auth"
	"github.com/dukerupert/homebase/internal/docstore"
)

const (
	ConversationCollection = "conversations"
	MessageCollection      = "messages"
)

type Conversation struct {
	ID            string     `json:"id"`
	FamilyID      string     `json:"familyId"`
	Title         string     `json:"title"`
	Participants  []string   `json:"participants"`
	CreatedBy     string     `json:"createdBy"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastMessageAt *time.Time `json:"lastMessageAt"`
}

type Message struct {
	ID             string    `json:"id"`
	FamilyID       string    `json:"familyId"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Body           string    `json:"body"`
	SentAt         time.Time `json:"sentAt"`
}

// Directory answers membership questions about a family.
type Directory interface {
	AreMembers(ctx context.Context, familyID string, ids []string) (bool, error)
}

type Publisher interface {
	Publish(familyID, entity, action, id string, data any)
}

type Service struct {
	store     *docstore.Store
	dir       Directory
	logger    *slog.Logger
	publisher Publisher
	now       func() time.Time
}

func NewService(store *docstore.Store, dir Directory, logger *slog.Logger, publisher Publisher) *Service {
	return &Service{
		store:     store,
		dir:       dir,
		logger:    logger,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func conversationRef(id string) docstore.Ref {
	return docstore.Ref{Collection: ConversationCollection, ID: id}
}

func messageRef(id string) docstore.Ref {
	return docstore.Ref{Collection: MessageCollection, ID: id}
}

const (
	maxTitleLen = 100
	maxBodyLen  = 4000
)

// CreateConversation starts a conversation between family members. The
// creator is always a participant.
func (s *Service) CreateConversation(ctx context.Context, actor auth.AuthContext, title string, participants []string) (*Conversation, error) {
	title = strings.TrimSpace(title)
	if len(title) > maxTitleLen {
		return nil, apperr.Validation("title must be at most %d characters", maxTitleLen)
	}
	ids := []string{actor.MemberID}
	for _, p := range participants {
		p = strings.TrimSpace(p)
		if p != "" && !slices.Contains(ids, p) {
			ids = append(ids, p)
		}
	}
	if len(ids) < 2 {
		return nil, apperr.Validation("a conversation needs at least one other participant")
	}

	ok, err := s.dir.AreMembers(ctx, actor.FamilyID, ids)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	if !ok {
		return nil, apperr.Validation("participants must be members of the family")
	}

	c := &Conversation{
		ID:           docstore.NewID(),
		FamilyID:     actor.FamilyID,
		Title:        title,
		Participants: ids,
		CreatedBy:    actor.MemberID,
		CreatedAt:    s.now(),
	}
	data, err := docstore.Encode(c)
	if err != nil {
		return nil, err
	}
	err = s.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		tx.Create(conversationRef(c.ID), c.FamilyID, data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	if s.publisher != nil {
		s.publisher.Publish(c.FamilyID, "conversation", "created", c.ID, c)
	}
	return c, nil
}

// ListConversations returns the conversations actor takes part in, most
// recently active first.
func (s *Service) ListConversations(ctx context.Context, actor auth.AuthContext) ([]Conversation, error) {
	docs, err := s.store.Query(ctx, docstore.Query{
		Collection: ConversationCollection,
		FamilyID:   actor.FamilyID,
		Filters:    []docstore.Filter{docstore.Where("participants", docstore.OpArrayContains, actor.MemberID)},
		OrderBy:    "-lastMessageAt",
	})
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	out := make([]Conversation, 0, len(docs))
	for _, d := range docs {
		var c Conversation
		if err := d.Decode(&c); err != nil {
			return nil, err
		}
		c.ID, c.FamilyID = d.ID, d.FamilyID
		out = append(out, c)
	}
	return out, nil
}

func loadConversation(tx *docstore.Tx, actor auth.AuthContext, id string) (*Conversation, error) {
	d, err := tx.Get(conversationRef(id))
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if d == nil || d.FamilyID != actor.FamilyID {
		return nil, apperr.NotFound("conversation %s not found", id)
	}
	var c Conversation
	if err := d.Decode(&c); err != nil {
		return nil, err
	}
	c.ID, c.FamilyID = d.ID, d.FamilyID
	if !slices.Contains(c.Participants, actor.MemberID) {
		return nil, apperr.Permission("not a participant in this conversation")
	}
	return &c, nil
}

// Send posts a message and bumps the conversation's lastMessageAt in the
// same transaction.
func (s *Service) Send(ctx context.Context, actor auth.AuthContext, conversationID, body string) (*Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, apperr.Validation("message body is required")
	}
	if len(body) > maxBodyLen {
		return nil, apperr.Validation("message must be at most %d characters", maxBodyLen)
	}

	var m Message
	err := s.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		c, err := loadConversation(tx, actor, conversationID)
		if err != nil {
			return err
		}
		now := s.now()
		m = Message{
			ID:             docstore.NewID(),
			FamilyID:       c.FamilyID,
			ConversationID: c.ID,
			SenderID:       actor.MemberID,
			Body:           body,
			SentAt:         now,
		}
		data, err := docstore.Encode(m)
		if err != nil {
			return err
		}
		tx.Create(messageRef(m.ID), m.FamilyID, data)
		tx.Update(conversationRef(c.ID), map[string]any{"lastMessageAt": now})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	if s.publisher != nil {
		s.publisher.Publish(m.FamilyID, "message", "created", m.ConversationID, m)
	}
	return &m, nil
}

// ListMessages returns a conversation's messages oldest first.
func (s *Service) ListMessages(ctx context.Context, actor auth.AuthContext, conversationID string) ([]Message, error) {
	err := s.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		_, err := loadConversation(tx, actor, conversationID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	docs, err := s.store.Query(ctx, docstore.Query{
		Collection: MessageCollection,
		FamilyID:   actor.FamilyID,
		Filters:    []docstore.Filter{docstore.Where("conversationId", docstore.OpEq, conversationID)},
		OrderBy:    "sentAt",
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]Message, 0, len(docs))
	for _, d := range docs {
		var m Message
		if err := d.Decode(&m); err != nil {
			return nil, err
		}
		m.ID = d.ID
		out = append(out, m)
	}
	return out, nil
}
