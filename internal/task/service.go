package task

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dukerupert/homebase/internal/apperr"
	"github.com/dukerupert/homebase/internal/auth"
	"github.com/dukerupert/homebase/internal/docstore"
)

// Publisher receives a change event after every committed mutation.
type Publisher interface {
	Publish(familyID, entity, action, id string, data any)
}

// Notifier tells parents about things that need their attention.
type Notifier interface {
	TaskCompleted(ctx context.Context, t *Task)
	HelpRequested(ctx context.Context, t *Task, req HelpRequest)
}

type Options struct {
	// OverdueGrace is how far behind now the overdue cutoff sits; a pending
	// task due before the end of that day becomes overdue.
	OverdueGrace time.Duration
	// StaleAfter is how long a completion may wait for confirmation before
	// it is reset to pending.
	StaleAfter time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
	Publisher  Publisher
	Notifier   Notifier
}

type Service struct {
	store *docstore.Store
	opts  Options
}

func NewService(store *docstore.Store, opts Options) *Service {
	if opts.OverdueGrace <= 0 {
		opts.OverdueGrace = 24 * time.Hour
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{store: store, opts: opts}
}

func (s *Service) now() time.Time { return s.opts.Now().UTC() }

func (s *Service) publish(familyID, action, id string, data any) {
	if s.opts.Publisher != nil {
		s.opts.Publisher.Publish(familyID, "task", action, id, data)
	}
}

// OverdueCutoff returns the instant before which a pending task's due date
// makes it overdue.
func (s *Service) OverdueCutoff(now time.Time) time.Time {
	return endOfDay(now.Add(-s.opts.OverdueGrace))
}

func requireParent(actor auth.AuthContext, what string) error {
	if !actor.IsParent() {
		return apperr.Permission("only parents can %s", what)
	}
	return nil
}

// load reads a task inside tx. Tasks of other families are reported as
// missing.
func load(tx *docstore.Tx, familyID, id string) (*Task, error) {
	d, err := tx.Get(ref(id))
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if d == nil || d.FamilyID != familyID {
		return nil, apperr.NotFound("task %s not found", id)
	}
	return decode(d)
}

func save(tx *docstore.Tx, t *Task) error {
	data, err := encode(t)
	if err != nil {
		return err
	}
	tx.Set(ref(t.ID), t.FamilyID, data)
	return nil
}

func create(tx *docstore.Tx, t *Task) error {
	data, err := encode(t)
	if err != nil {
		return err
	}
	tx.Create(ref(t.ID), t.FamilyID, data)
	return nil
}

func (s *Service) Create(ctx context.Context, actor auth.AuthContext, n NewTask) (*Task, error) {
	if err := requireParent(actor, "create tasks"); err != nil {
		return nil, err
	}
	if err := n.normalize(); err != nil {
		return nil, err
	}

	now := s.now()
	t := &Task{
		ID:                docstore.NewID(),
		FamilyID:          actor.FamilyID,
		Title:             n.Title,
		Description:       n.Description,
		Priority:          n.Priority,
		Category:          n.Category,
		EstimatedMinutes:  n.EstimatedMinutes,
		DueDate:           n.DueDate,
		IsRecurring:       n.IsRecurring,
		RecurringInterval: n.RecurringInterval,
		Status:            StatusPending,
		AssignedTo:        n.AssignedTo,
		CreatedBy:         actor.MemberID,
		CreatedAt:         now,
		UpdatedAt:         now,
		CompletionPhotos:  []string{},
		HelpRequests:      []HelpRequest{},
	}
	if n.IsRecurring {
		unit := n.RecurringType
		t.RecurringType = &unit
	}
	if err := t.recomputeNextDue(); err != nil {
		return nil, err
	}

	err := s.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		return create(tx, t)
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	s.publish(t.FamilyID, "created", t.ID, t)
	return t, nil
}

func (s *Service) Get(ctx context.Context, familyID, id string) (*Task, error) {
	d, err := s.store.Get(ctx, ref(id))
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if d == nil || d.FamilyID != familyID {
		return nil, apperr.NotFound("task %s not found", id)
	}
	return decode(d)
}

type ListOptions struct {
	IncludeConfirmed bool
	Status           Status
	AssignedTo       string
}

// Query builds the store query behind List. Confirmed tasks are archived
// and left out unless asked for.
func Query(familyID string, opts ListOptions) docstore.Query {
	q := docstore.Query{Collection: Collection, FamilyID: familyID}
	switch {
	case opts.Status != "":
		q.Filters = append(q.Filters, docstore.Where("status", docstore.OpEq, string(opts.Status)))
	case !opts.IncludeConfirmed:
		q.Filters = append(q.Filters, docstore.Where("status", docstore.OpNe, string(StatusConfirmed)))
	}
	if opts.AssignedTo != "" {
		q.Filters = append(q.Filters, docstore.Where("assignedTo", docstore.OpEq, opts.AssignedTo))
	}
	return q
}

// List returns the family's tasks ordered by due date (undated last), then
// priority, then creation time.
func (s *Service) List(ctx context.Context, familyID string, opts ListOptions) ([]Task, error) {
	if opts.Status != "" && !opts.Status.Valid() {
		return nil, apperr.Validation("invalid status %q", opts.Status)
	}
	docs, err := s.store.Query(ctx, Query(familyID, opts))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks, err := DecodeAll(docs)
	if err != nil {
		return nil, err
	}
	Sort(tasks)
	return tasks, nil
}

// DecodeAll converts a query snapshot into tasks.
func DecodeAll(docs []docstore.Document) ([]Task, error) {
	tasks := make([]Task, 0, len(docs))
	for i := range docs {
		t, err := decode(&docs[i])
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, nil
}

func Sort(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		switch {
		case a.DueDate != nil && b.DueDate == nil:
			return true
		case a.DueDate == nil && b.DueDate != nil:
			return false
		case a.DueDate != nil && !a.DueDate.Equal(*b.DueDate):
			return a.DueDate.Before(*b.DueDate)
		}
		if a.Priority.rank() != b.Priority.rank() {
			return a.Priority.rank() < b.Priority.rank()
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

func (s *Service) Update(ctx context.Context, actor auth.AuthContext, id string, p Patch) (*Task, error) {
	if err := requireParent(actor, "edit tasks"); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	var updated *Task
	err := s.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		t, err := load(tx, actor.FamilyID, id)
		if err != nil {
			return err
		}
		if t.Status == StatusConfirmed {
			return apperr.Conflict("confirmed tasks cannot be edited")
		}

		now := s.now()
		if p.apply(t) {
			if err := t.normalizeRecurrence(); err != nil {
				return err
			}
			if err := t.recomputeNextDue(); err != nil {
				return err
			}
		}

		// A moved due date can take an overdue task back to pending.
		if t.Status == StatusOverdue && (t.DueDate == nil || !t.DueDate.Before(s.OverdueCutoff(now))) {
			next, err := Transition(t.Status, EventReschedule)
			if err != nil {
				return err
			}
			t.Status = next
		}

		t.UpdatedAt = now
		updated = t
		return save(tx, t)
	})
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}

	s.publish(updated.FamilyID, "updated", updated.ID, updated)
	return updated, nil
}

func (s *Service) Delete(ctx context.Context, actor auth.AuthContext, id string) error {
	if err := requireParent(actor, "delete tasks"); err != nil {
		return err
	}
	err := s.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		if _, err := load(tx, actor.FamilyID, id); err != nil {
			return err
		}
		tx.Delete(ref(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}

	s.publish(actor.FamilyID, "deleted", id, nil)
	return nil
}

// transition applies ev to t, logging and returning the conflict when the
// current status does not allow it.
func (s *Service) transition(t *Task, ev Event) error {
	next, err := Transition(t.Status, ev)
	if err != nil {
		s.opts.Logger.Warn("rejected task transition", "task_id", t.ID, "status", t.Status, "event", ev)
		return err
	}
	t.Status = next
	return nil
}

// spawn creates t's successor in tx when t recurs and has none yet.
func spawn(tx *docstore.Tx, t *Task, createdBy string, now time.Time) (*Task, error) {
	succ, err := SpawnNext(*t, createdBy, now)
	if err != nil || succ == nil {
		return nil, err
	}
	if err := create(tx, succ); err != nil {
		return nil, err
	}
	t.SuccessorID = succ.ID
	return succ, nil
}

// Result is a task after a lifecycle change plus the successor it spawned,
// if any.
type Result struct {
	Task      *Task `json:"task"`
	Successor *Task `json:"successor,omitempty"`
}

// Complete marks a pending task done. Only the assignee or a parent may
// complete it. A recurring task spawns its successor in the same
// transaction.
func (s *Service) Complete(ctx context.Context, actor auth.AuthContext, id, notes string, photos []string) (*Result, error) {
	if photos == nil {
		photos = []string{}
	}
	for _, p := range photos {
		if strings.TrimSpace(p) == "" {
			return nil, apperr.Validation("photo keys cannot be empty")
		}
	}

	var res Result
	err := s.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		res = Result{}
		t, err := load(tx, actor.FamilyID, id)
		if err != nil {
			return err
		}
		if !actor.IsParent() && t.AssignedTo != "" && t.AssignedTo != actor.MemberID {
			return apperr.Permission("task is assigned to someone else")
		}
		if err := s.transition(t, EventComplete); err != nil {
			return err
		}

		now := s.now()
		t.CompletedAt = &now
		t.CompletedBy = actor.MemberID
		t.CompletionNotes = notes
		t.CompletionPhotos = photos
		t.UpdatedAt = now

		if res.Successor, err = spawn(tx, t, actor.MemberID, now); err != nil {
			return err
		}
		res.Task = t
		return save(tx, t)
	})
	if err != nil {
		return nil, fmt.Errorf("complete task: %w", err)
	}

	s.publish(res.Task.FamilyID, "completed", res.Task.ID, res.Task)
	if res.Successor != nil {
		s.publish(res.Successor.FamilyID, "spawned", res.Successor.ID, res.Successor)
	}
	if s.opts.Notifier != nil {
		s.opts.Notifier.TaskCompleted(ctx, res.Task)
	}
	return &res, nil
}

// Confirm accepts a task. Confirming a still-pending task records the
// parent as having completed it. Help requests are cleared.
func (s *Service) Confirm(ctx context.Context, actor auth.AuthContext, id string) (*Result, error) {
	if err := requireParent(actor, "confirm tasks"); err != nil {
		return nil, err
	}

	var res Result
	err := s.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		res = Result{}
		t, err := load(tx, actor.FamilyID, id)
		if err != nil {
			return err
		}
		wasPending := t.Status == StatusPending
		if err := s.transition(t, EventConfirm); err != nil {
			return err
		}

		now := s.now()
		if wasPending {
			t.CompletedAt = &now
			t.CompletedBy = actor.MemberID
			t.CompletionNotes = ""
			t.CompletionPhotos = []string{}
		}
		t.ConfirmedAt = &now
		t.ConfirmedBy = actor.MemberID
		t.HelpRequests = []HelpRequest{}
		t.UpdatedAt = now

		if res.Successor, err = spawn(tx, t, actor.MemberID, now); err != nil {
			return err
		}
		res.Task = t
		return save(tx, t)
	})
	if err != nil {
		return nil, fmt.Errorf("confirm task: %w", err)
	}

	s.publish(res.Task.FamilyID, "confirmed", res.Task.ID, res.Task)
	if res.Successor != nil {
		s.publish(res.Successor.FamilyID, "spawned", res.Successor.ID, res.Successor)
	}
	return &res, nil
}

const maxHelpMessageLen = 1000

// RequestHelp attaches a help request to an open task.
func (s *Service) RequestHelp(ctx context.Context, actor auth.AuthContext, id, message string) (*Task, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, apperr.Validation("message is required")
	}
	if len(message) > maxHelpMessageLen {
		return nil, apperr.Validation("message must be at most %d characters", maxHelpMessageLen)
	}

	var (
		updated *Task
		req     HelpRequest
	)
	err := s.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		t, err := load(tx, actor.FamilyID, id)
		if err != nil {
			return err
		}
		if t.Status != StatusPending && t.Status != StatusOverdue {
			return apperr.Conflict("cannot ask for help on a %s task", t.Status)
		}
		now := s.now()
		req = HelpRequest{MemberID: actor.MemberID, Message: message, RequestedAt: now}
		t.HelpRequests = append(t.HelpRequests, req)
		t.UpdatedAt = now
		updated = t
		return save(tx, t)
	})
	if err != nil {
		return nil, fmt.Errorf("request help: %w", err)
	}

	s.publish(updated.FamilyID, "updated", updated.ID, updated)
	if s.opts.Notifier != nil {
		s.opts.Notifier.HelpRequested(ctx, updated, req)
	}
	return updated, nil
}

// MarkOverdue moves every pending task of the family whose due date is
// before the overdue cutoff to overdue and returns how many moved. Each
// write is conditional on the version the sweep read, so running it again
// (or after a partial failure) is safe.
func (s *Service) MarkOverdue(ctx context.Context, familyID string, now time.Time) (int, error) {
	docs, err := s.store.Query(ctx, docstore.Query{
		Collection: Collection,
		FamilyID:   familyID,
		Filters:    []docstore.Filter{docstore.Where("status", docstore.OpEq, string(StatusPending))},
	})
	if err != nil {
		return 0, fmt.Errorf("mark overdue: %w", err)
	}

	cutoff := s.OverdueCutoff(now)
	stamp := now.UTC()
	var ops []docstore.Op
	for i := range docs {
		t, err := decode(&docs[i])
		if err != nil {
			return 0, err
		}
		if t.DueDate == nil || !t.DueDate.Before(cutoff) {
			continue
		}
		next, err := Transition(t.Status, EventMarkOverdue)
		if err != nil {
			continue
		}
		ops = append(ops, docstore.Op{
			Kind:      docstore.OpUpdate,
			Ref:       ref(t.ID),
			Data:      map[string]any{"status": string(next), "updatedAt": stamp},
			IfVersion: t.Version,
		})
	}

	applied, err := s.store.Batch(ctx, ops)
	if err != nil {
		return 0, fmt.Errorf("mark overdue: %w", err)
	}
	if len(applied) > 0 {
		s.opts.Logger.Info("tasks marked overdue", "family_id", familyID, "count", len(applied))
		s.publish(familyID, "overdue", "", refIDs(applied))
	}
	return len(applied), nil
}

// AutoResetStale returns completed tasks whose completion has gone
// unconfirmed for longer than StaleAfter to pending, clearing the
// completion. It returns the ids it reset.
func (s *Service) AutoResetStale(ctx context.Context, familyID string, now time.Time) ([]string, error) {
	docs, err := s.store.Query(ctx, docstore.Query{
		Collection: Collection,
		FamilyID:   familyID,
		Filters:    []docstore.Filter{docstore.Where("status", docstore.OpEq, string(StatusCompleted))},
	})
	if err != nil {
		return nil, fmt.Errorf("reset stale tasks: %w", err)
	}

	threshold := now.Add(-s.opts.StaleAfter)
	stamp := now.UTC()
	var ops []docstore.Op
	for i := range docs {
		t, err := decode(&docs[i])
		if err != nil {
			return nil, err
		}
		if t.CompletedAt == nil || !t.CompletedAt.Before(threshold) {
			continue
		}
		// The next occurrence is already pending; reopening this one
		// would put the chore in the queue twice.
		if t.SuccessorID != "" {
			continue
		}
		next, err := Transition(t.Status, EventResetStale)
		if err != nil {
			continue
		}
		ops = append(ops, docstore.Op{
			Kind: docstore.OpUpdate,
			Ref:  ref(t.ID),
			Data: map[string]any{
				"status":           string(next),
				"completedAt":      nil,
				"completedBy":      "",
				"completionNotes":  "",
				"completionPhotos": []any{},
				"updatedAt":        stamp,
			},
			IfVersion: t.Version,
		})
	}

	applied, err := s.store.Batch(ctx, ops)
	if err != nil {
		return nil, fmt.Errorf("reset stale tasks: %w", err)
	}
	ids := refIDs(applied)
	if len(ids) > 0 {
		s.opts.Logger.Info("stale completions reset", "family_id", familyID, "count", len(ids))
		s.publish(familyID, "reset", "", ids)
	}
	return ids, nil
}

func refIDs(refs []docstore.Ref) []string {
	ids := make([]string, len(refs))
	for i, r := range refs {
		ids[i] = r.ID
	}
	return ids
}
