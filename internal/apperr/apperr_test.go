package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindsMatchSentinels(t *testing.T) {
	tests := []struct {
		err    error
		kind   error
		status int
	}{
		{Validation("name is required"), ErrValidation, http.StatusBadRequest},
		{NotFound("list %s not found", "abc"), ErrNotFound, http.StatusNotFound},
		{Conflict("item already exists"), ErrConflict, http.StatusConflict},
		{Permission("parents only"), ErrPermission, http.StatusForbidden},
		{Transient(errors.New("database is locked")), ErrTransient, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		if !errors.Is(tt.err, tt.kind) {
			t.Errorf("errors.Is(%v, %v) = false", tt.err, tt.kind)
		}
		if got := HTTPStatus(tt.err); got != tt.status {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.status)
		}
	}
}

func TestWrappedKindSurvives(t *testing.T) {
	err := fmt.Errorf("add item: %w", Conflict("item already exists"))
	if !errors.Is(err, ErrConflict) {
		t.Fatal("expected wrapped error to match ErrConflict")
	}
	if got := Message(err); got != "item already exists" {
		t.Errorf("Message = %q, want %q", got, "item already exists")
	}
}

func TestUnclassifiedIsInternal(t *testing.T) {
	err := errors.New("disk on fire")
	if got := HTTPStatus(err); got != http.StatusInternalServerError {
		t.Errorf("HTTPStatus = %d, want 500", got)
	}
	if got := Message(err); got != "internal error" {
		t.Errorf("Message = %q, want %q", got, "internal error")
	}
}

func TestTransientKeepsCause(t *testing.T) {
	cause := errors.New("database is locked")
	err := Transient(cause)
	if !errors.Is(err, cause) {
		t.Error("expected cause to remain in the chain")
	}
}
