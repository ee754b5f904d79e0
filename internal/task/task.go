// Package task manages household task records: their status lifecycle,
// recurrence and the periodic overdue and stale-completion sweeps.
package task

import (
	"strings"
	"time"

	"github.com/dukerupert/homebase/internal/apperr"
	"github.com/dukerupert/homebase/internal/docstore"
)

// Collection is the document collection tasks live in.
const Collection = "tasks"

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	}
	return 1
}

type RecurrenceUnit string

const (
	Daily   RecurrenceUnit = "daily"
	Weekly  RecurrenceUnit = "weekly"
	Monthly RecurrenceUnit = "monthly"
)

func (u RecurrenceUnit) Valid() bool {
	return u == Daily || u == Weekly || u == Monthly
}

type HelpRequest struct {
	MemberID    string    `json:"memberId"`
	Message     string    `json:"message"`
	RequestedAt time.Time `json:"requestedAt"`
}

type Task struct {
	ID                string          `json:"id"`
	FamilyID          string          `json:"familyId"`
	Title             string          `json:"title"`
	Description       string          `json:"description"`
	Priority          Priority        `json:"priority"`
	Category          string          `json:"category"`
	EstimatedMinutes  int             `json:"estimatedMinutes"`
	DueDate           *time.Time      `json:"dueDate"`
	IsRecurring       bool            `json:"isRecurring"`
	RecurringType     *RecurrenceUnit `json:"recurringType"`
	RecurringInterval int             `json:"recurringInterval"`
	NextDueDate       *time.Time      `json:"nextDueDate"`
	Status            Status          `json:"status"`
	AssignedTo        string          `json:"assignedTo"`
	CreatedBy         string          `json:"createdBy"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	CompletedAt       *time.Time      `json:"completedAt"`
	CompletedBy       string          `json:"completedBy"`
	CompletionNotes   string          `json:"completionNotes"`
	CompletionPhotos  []string        `json:"completionPhotos"`
	ConfirmedAt       *time.Time      `json:"confirmedAt"`
	ConfirmedBy       string          `json:"confirmedBy"`
	HelpRequests      []HelpRequest   `json:"helpRequests"`
	SpawnedFrom       string          `json:"spawnedFrom,omitempty"`
	SuccessorID       string          `json:"successorId,omitempty"`

	Version int64 `json:"-"`
}

// NewTask is the caller-supplied part of a task.
type NewTask struct {
	Title             string         `json:"title"`
	Description       string         `json:"description"`
	Priority          Priority       `json:"priority"`
	Category          string         `json:"category"`
	EstimatedMinutes  int            `json:"estimatedMinutes"`
	DueDate           *time.Time     `json:"dueDate"`
	IsRecurring       bool           `json:"isRecurring"`
	RecurringType     RecurrenceUnit `json:"recurringType"`
	RecurringInterval int            `json:"recurringInterval"`
	AssignedTo        string         `json:"assignedTo"`
}

const maxTitleLen = 200

func (n *NewTask) normalize() error {
	n.Title = strings.TrimSpace(n.Title)
	if n.Title == "" {
		return apperr.Validation("title is required")
	}
	if len(n.Title) > maxTitleLen {
		return apperr.Validation("title must be at most %d characters", maxTitleLen)
	}
	if n.Priority == "" {
		n.Priority = PriorityMedium
	}
	if !n.Priority.Valid() {
		return apperr.Validation("invalid priority %q", n.Priority)
	}
	if n.EstimatedMinutes < 0 {
		return apperr.Validation("estimatedMinutes cannot be negative")
	}
	if !n.IsRecurring {
		n.RecurringType = ""
		n.RecurringInterval = 0
		return nil
	}
	if !n.RecurringType.Valid() {
		return apperr.Validation("recurringType must be daily, weekly or monthly")
	}
	if n.RecurringInterval == 0 {
		n.RecurringInterval = 1
	}
	if n.RecurringInterval < 1 {
		return apperr.Validation("recurringInterval must be positive")
	}
	return nil
}

// Patch holds the fields of an edit; nil fields are left alone.
type Patch struct {
	Title             *string         `json:"title"`
	Description       *string         `json:"description"`
	Priority          *Priority       `json:"priority"`
	Category          *string         `json:"category"`
	EstimatedMinutes  *int            `json:"estimatedMinutes"`
	DueDate           *time.Time      `json:"dueDate"`
	ClearDueDate      bool            `json:"clearDueDate"`
	IsRecurring       *bool           `json:"isRecurring"`
	RecurringType     *RecurrenceUnit `json:"recurringType"`
	RecurringInterval *int            `json:"recurringInterval"`
	AssignedTo        *string         `json:"assignedTo"`
}

func (p Patch) validate() error {
	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		if title == "" {
			return apperr.Validation("title is required")
		}
		if len(title) > maxTitleLen {
			return apperr.Validation("title must be at most %d characters", maxTitleLen)
		}
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return apperr.Validation("invalid priority %q", *p.Priority)
	}
	if p.EstimatedMinutes != nil && *p.EstimatedMinutes < 0 {
		return apperr.Validation("estimatedMinutes cannot be negative")
	}
	if p.RecurringType != nil && *p.RecurringType != "" && !p.RecurringType.Valid() {
		return apperr.Validation("recurringType must be daily, weekly or monthly")
	}
	if p.RecurringInterval != nil && *p.RecurringInterval < 1 {
		return apperr.Validation("recurringInterval must be positive")
	}
	if p.DueDate != nil && p.ClearDueDate {
		return apperr.Validation("dueDate and clearDueDate are mutually exclusive")
	}
	return nil
}

// apply edits t in place and reports whether the schedule changed.
func (p Patch) apply(t *Task) (scheduleChanged bool) {
	if p.Title != nil {
		t.Title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Category != nil {
		t.Category = *p.Category
	}
	if p.EstimatedMinutes != nil {
		t.EstimatedMinutes = *p.EstimatedMinutes
	}
	if p.AssignedTo != nil {
		t.AssignedTo = *p.AssignedTo
	}
	if p.DueDate != nil {
		due := *p.DueDate
		t.DueDate = &due
		scheduleChanged = true
	}
	if p.ClearDueDate {
		t.DueDate = nil
		scheduleChanged = true
	}
	if p.IsRecurring != nil {
		t.IsRecurring = *p.IsRecurring
		scheduleChanged = true
	}
	if p.RecurringType != nil {
		unit := *p.RecurringType
		t.RecurringType = &unit
		scheduleChanged = true
	}
	if p.RecurringInterval != nil {
		t.RecurringInterval = *p.RecurringInterval
		scheduleChanged = true
	}
	return scheduleChanged
}

// normalizeRecurrence enforces that a non-recurring task carries no
// recurrence parameters and no next due date.
func (t *Task) normalizeRecurrence() error {
	if !t.IsRecurring {
		t.RecurringType = nil
		t.RecurringInterval = 0
		t.NextDueDate = nil
		return nil
	}
	if t.RecurringType == nil || !t.RecurringType.Valid() {
		return apperr.Validation("recurringType must be daily, weekly or monthly")
	}
	if t.RecurringInterval < 1 {
		t.RecurringInterval = 1
	}
	return nil
}

// recomputeNextDue derives NextDueDate from DueDate and the recurrence.
func (t *Task) recomputeNextDue() error {
	if !t.IsRecurring || t.DueDate == nil {
		t.NextDueDate = nil
		return nil
	}
	next, err := CalculateNextDueDate(*t.DueDate, *t.RecurringType, t.RecurringInterval)
	if err != nil {
		return err
	}
	t.NextDueDate = &next
	return nil
}

func ref(id string) docstore.Ref {
	return docstore.Ref{Collection: Collection, ID: id}
}

func decode(d *docstore.Document) (*Task, error) {
	var t Task
	if err := d.Decode(&t); err != nil {
		return nil, err
	}
	t.ID = d.ID
	t.FamilyID = d.FamilyID
	t.Version = d.Version
	if t.CompletionPhotos == nil {
		t.CompletionPhotos = []string{}
	}
	if t.HelpRequests == nil {
		t.HelpRequests = []HelpRequest{}
	}
	return &t, nil
}

func encode(t *Task) (map[string]any, error) {
	return docstore.Encode(t)
}
