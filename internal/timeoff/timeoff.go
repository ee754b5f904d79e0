// Package timeoff handles time-off requests from family members.
package timeoff

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukerupert/homebase/internal/apperr"
	"github.com/dukerupert/homebase/internal/auth"
	"github.com/dukerupert/homebase/internal/docstore"
)

const Collection = "timeoff_requests"

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

type Request struct {
	ID           string     `json:"id"`
	FamilyID     string     `json:"familyId"`
	RequestedBy  string     `json:"requestedBy"`
	StartDate    time.Time  `json:"startDate"`
	EndDate      time.Time  `json:"endDate"`
	Reason       string     `json:"reason"`
	Status       Status     `json:"status"`
	DecidedBy    string     `json:"decidedBy"`
	DecidedAt    *time.Time `json:"decidedAt"`
	DecisionNote string     `json:"decisionNote"`
	CreatedAt    time.Time  `json:"createdAt"`
}

type NewRequest struct {
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	Reason    string    `json:"reason"`
}

// Notifier is told about new requests so parents can decide on them.
type Notifier interface {
	TimeOffRequested(ctx context.Context, r *Request)
}

type Publisher interface {
	Publish(familyID, entity, action, id string, data any)
}

type Service struct {
	store     *docstore.Store
	logger    *slog.Logger
	publisher Publisher
	notifier  Notifier
	now       func() time.Time
}

func NewService(store *docstore.Store, logger *slog.Logger, publisher Publisher, notifier Notifier) *Service {
	return &Service{
		store:     store,
		logger:    logger,
		publisher: publisher,
		notifier:  notifier,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func ref(id string) docstore.Ref {
	return docstore.Ref{Collection: Collection, ID: id}
}

func (s *Service) publish(familyID, action string, r *Request) {
	if s.publisher != nil {
		s.publisher.Publish(familyID, "timeoff", action, r.ID, r)
	}
}

const maxReasonLen = 500

func (s *Service) Request(ctx context.Context, actor auth.AuthContext, n NewRequest) (*Request, error) {
	if n.StartDate.IsZero() || n.EndDate.IsZero() {
		return nil, apperr.Validation("startDate and endDate are required")
	}
	if n.EndDate.Before(n.StartDate) {
		return nil, apperr.Validation("endDate must not be before startDate")
	}
	n.Reason = strings.TrimSpace(n.Reason)
	if len(n.Reason) > maxReasonLen {
		return nil, apperr.Validation("reason must be at most %d characters", maxReasonLen)
	}

	r := &Request{
		ID:          docstore.NewID(),
		FamilyID:    actor.FamilyID,
		RequestedBy: actor.MemberID,
		StartDate:   n.StartDate,
		EndDate:     n.EndDate,
		Reason:      n.Reason,
		Status:      StatusPending,
		CreatedAt:   s.now(),
	}
	data, err := docstore.Encode(r)
	if err != nil {
		return nil, err
	}
	err = s.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		tx.Create(ref(r.ID), r.FamilyID, data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("request time off: %w", err)
	}

	s.publish(r.FamilyID, "created", r)
	if s.notifier != nil {
		s.notifier.TimeOffRequested(ctx, r)
	}
	return r, nil
}

func load(tx *docstore.Tx, familyID, id string) (*Request, error) {
	d, err := tx.Get(ref(id))
	if err != nil {
		return nil, fmt.Errorf("get time-off request: %w", err)
	}
	if d == nil || d.FamilyID != familyID {
		return nil, apperr.NotFound("time-off request %s not found", id)
	}
	var r Request
	if err := d.Decode(&r); err != nil {
		return nil, err
	}
	r.ID, r.FamilyID = d.ID, d.FamilyID
	return &r, nil
}

// Decide approves or rejects a pending request.
func (s *Service) Decide(ctx context.Context, actor auth.AuthContext, id string, approve bool, note string) (*Request, error) {
	if !actor.IsParent() {
		return nil, apperr.Permission("only parents can decide on time off")
	}
	note = strings.TrimSpace(note)
	if len(note) > maxReasonLen {
		return nil, apperr.Validation("note must be at most %d characters", maxReasonLen)
	}

	var decided *Request
	err := s.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		r, err := load(tx, actor.FamilyID, id)
		if err != nil {
			return err
		}
		if r.Status != StatusPending {
			return apperr.Conflict("request is already %s", r.Status)
		}
		now := s.now()
		r.Status = StatusRejected
		if approve {
			r.Status = StatusApproved
		}
		r.DecidedBy = actor.MemberID
		r.DecidedAt = &now
		r.DecisionNote = note
		decided = r

		data, err := docstore.Encode(r)
		if err != nil {
			return err
		}
		tx.Set(ref(r.ID), r.FamilyID, data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decide time off: %w", err)
	}

	s.publish(decided.FamilyID, "decided", decided)
	return decided, nil
}

// Cancel withdraws a pending request. Only the requester may cancel.
func (s *Service) Cancel(ctx context.Context, actor auth.AuthContext, id string) (*Request, error) {
	var cancelled *Request
	err := s.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		r, err := load(tx, actor.FamilyID, id)
		if err != nil {
			return err
		}
		if r.RequestedBy != actor.MemberID {
			return apperr.Permission("only the requester can cancel")
		}
		if r.Status != StatusPending {
			return apperr.Conflict("request is already %s", r.Status)
		}
		r.Status = StatusCancelled
		cancelled = r
		tx.Update(ref(r.ID), map[string]any{"status": string(StatusCancelled)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cancel time off: %w", err)
	}

	s.publish(cancelled.FamilyID, "cancelled", cancelled)
	return cancelled, nil
}

// List returns the family's requests, newest start date first. Aupairs only
// see their own.
func (s *Service) List(ctx context.Context, actor auth.AuthContext) ([]Request, error) {
	q := docstore.Query{Collection: Collection, FamilyID: actor.FamilyID, OrderBy: "-startDate"}
	if !actor.IsParent() {
		q.Filters = append(q.Filters, docstore.Where("requestedBy", docstore.OpEq, actor.MemberID))
	}
	docs, err := s.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list time off: %w", err)
	}
	out := make([]Request, 0, len(docs))
	for _, d := range docs {
		var r Request
		if err := d.Decode(&r); err != nil {
			return nil, err
		}
		r.ID, r.FamilyID = d.ID, d.FamilyID
		out = append(out, r)
	}
	return out, nil
}
