package task

import (
	"github.com/dukerupert/homebase/internal/apperr"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusOverdue   Status = "overdue"
	StatusConfirmed Status = "confirmed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusOverdue, StatusConfirmed:
		return true
	}
	return false
}

// Event is something that can happen to a task's status.
type Event string

const (
	EventComplete    Event = "complete"
	EventConfirm     Event = "confirm"
	EventMarkOverdue Event = "mark_overdue"
	EventResetStale  Event = "reset_stale"
	EventReschedule  Event = "reschedule"
)

var transitions = map[Status]map[Event]Status{
	StatusPending: {
		EventComplete:    StatusCompleted,
		EventConfirm:     StatusConfirmed,
		EventMarkOverdue: StatusOverdue,
		EventReschedule:  StatusPending,
	},
	StatusCompleted: {
		EventConfirm:    StatusConfirmed,
		EventResetStale: StatusPending,
	},
	StatusOverdue: {
		EventMarkOverdue: StatusOverdue,
		EventReschedule:  StatusPending,
	},
	StatusConfirmed: {},
}

// Transition returns the status a task moves to when ev happens in status
// from. Every status change in this package goes through here; an illegal
// pair is a conflict.
func Transition(from Status, ev Event) (Status, error) {
	next, ok := transitions[from][ev]
	if !ok {
		return from, apperr.Conflict("cannot %s a %s task", eventVerb(ev), from)
	}
	return next, nil
}

func eventVerb(ev Event) string {
	switch ev {
	case EventMarkOverdue:
		return "mark overdue"
	case EventResetStale:
		return "reset"
	}
	return string(ev)
}
