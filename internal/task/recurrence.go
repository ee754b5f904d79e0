package task

import (
	"time"

	"github.com/dukerupert/homebase/internal/apperr"
	"github.com/dukerupert/homebase/internal/docstore"
)

// CalculateNextDueDate advances base by interval units. Monthly steps use
// calendar months and clamp the day to the last day of the target month,
// so Jan 31 + 1 month is Feb 28 (or 29).
func CalculateNextDueDate(base time.Time, unit RecurrenceUnit, interval int) (time.Time, error) {
	if interval < 1 {
		return time.Time{}, apperr.Validation("recurrence interval must be positive, got %d", interval)
	}
	switch unit {
	case Daily:
		return base.AddDate(0, 0, interval), nil
	case Weekly:
		return base.AddDate(0, 0, 7*interval), nil
	case Monthly:
		return addMonths(base, interval), nil
	}
	return time.Time{}, apperr.Validation("unknown recurrence unit %q", unit)
}

func addMonths(t time.Time, n int) time.Time {
	year, month, day := t.Date()
	// Day 1 never overflows, so this lands in the target month.
	first := time.Date(year, month+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	if last := daysInMonth(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// SpawnNext builds the successor of a recurring task. The successor is due
// on the original's next due date (or one cycle after its due date when
// that is unset) and has its own next due date one cycle further.
//
// It returns nil when the task is not recurring, has no due date, or
// already has a successor.
func SpawnNext(original Task, createdBy string, now time.Time) (*Task, error) {
	if !original.IsRecurring || original.DueDate == nil || original.RecurringType == nil {
		return nil, nil
	}
	if original.SuccessorID != "" {
		return nil, nil
	}

	unit, interval := *original.RecurringType, original.RecurringInterval
	due := original.NextDueDate
	if due == nil {
		d, err := CalculateNextDueDate(*original.DueDate, unit, interval)
		if err != nil {
			return nil, err
		}
		due = &d
	}
	next, err := CalculateNextDueDate(*due, unit, interval)
	if err != nil {
		return nil, err
	}

	dueCopy := *due
	unitCopy := unit
	return &Task{
		ID:                docstore.NewID(),
		FamilyID:          original.FamilyID,
		Title:             original.Title,
		Description:       original.Description,
		Priority:          original.Priority,
		Category:          original.Category,
		EstimatedMinutes:  original.EstimatedMinutes,
		DueDate:           &dueCopy,
		IsRecurring:       true,
		RecurringType:     &unitCopy,
		RecurringInterval: interval,
		NextDueDate:       &next,
		Status:            StatusPending,
		AssignedTo:        original.AssignedTo,
		CreatedBy:         createdBy,
		CreatedAt:         now,
		UpdatedAt:         now,
		CompletionPhotos:  []string{},
		HelpRequests:      []HelpRequest{},
		SpawnedFrom:       original.ID,
	}, nil
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// endOfDay is the last representable instant of t's calendar day.
func endOfDay(t time.Time) time.Time {
	return startOfDay(t).AddDate(0, 0, 1).Add(-time.Nanosecond)
}
