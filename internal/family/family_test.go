package family

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/dukerupert/homebase/internal/apperr"
	"github.com/dukerupert/homebase/internal/auth"
	"github.com/dukerupert/homebase/internal/database"
	"github.com/dukerupert/homebase/internal/docstore"
	"golang.org/x/crypto/bcrypt"
)

func setupService(t *testing.T) *Service {
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
	return NewService(store, Options{BcryptCost: bcrypt.MinCost, Logger: logger})
}

func bootstrap(t *testing.T, svc *Service) (*Family, auth.AuthContext, string) {
	t.Helper()
	f, m, token, err := svc.CreateFamily(context.Background(), "The Smiths", "Jo", "Europe/Berlin")
	if err != nil {
		t.Fatalf("create family: %v", err)
	}
	return f, auth.AuthContext{MemberID: m.ID, FamilyID: f.ID, Role: m.Role}, token
}

func TestCreateFamilyAndAuthenticate(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()
	f, parent, token := bootstrap(t, svc)

	if f.Location().String() != "Europe/Berlin" {
		t.Errorf("location = %v, want Europe/Berlin", f.Location())
	}

	ac, err := svc.Authenticate(ctx, token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if ac != parent {
		t.Errorf("auth = %+v, want %+v", ac, parent)
	}

	// Second call is served from the cache and must agree.
	again, err := svc.Authenticate(ctx, token)
	if err != nil || again != ac {
		t.Errorf("cached authenticate = %+v, %v", again, err)
	}

	members, err := svc.ListMembers(ctx, f.ID)
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	if len(members) != 1 || members[0].TokenHash != "" {
		t.Errorf("members = %+v, want one without hash", members)
	}
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	svc := setupService(t)
	_, parent, _ := bootstrap(t, svc)

	for _, token := range []string{"", "nodot", ".secret", parent.MemberID + ".wrong", "unknown.secret"} {
		if _, err := svc.Authenticate(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("token %q: err = %v, want ErrInvalidToken", token, err)
		}
	}
}

func TestCreateFamilyValidation(t *testing.T) {
	svc := setupService(t)
	tests := []struct {
		name, family, parent, tz string
	}{
		{"no family name", "", "Jo", ""},
		{"no parent name", "Smiths", " ", ""},
		{"bad timezone", "Smiths", "Jo", "Mars/Olympus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, err := svc.CreateFamily(context.Background(), tt.family, tt.parent, tt.tz)
			if !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("err = %v, want validation", err)
			}
		})
	}
}

func TestAddMember(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()
	f, parent, _ := bootstrap(t, svc)

	m, token, err := svc.AddMember(ctx, parent, "Ana", auth.RoleAupair)
	if err != nil {
		t.Fatalf("add member: %v", err)
	}
	ac, err := svc.Authenticate(ctx, token)
	if err != nil {
		t.Fatalf("authenticate new member: %v", err)
	}
	if ac.MemberID != m.ID || ac.Role != auth.RoleAupair || ac.FamilyID != f.ID {
		t.Errorf("auth = %+v", ac)
	}

	if _, _, err := svc.AddMember(ctx, ac, "Sneaky", auth.RoleParent); !errors.Is(err, apperr.ErrPermission) {
		t.Errorf("aupair add: err = %v, want permission", err)
	}
	if _, _, err := svc.AddMember(ctx, parent, "Rex", "dog"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("bad role: err = %v, want validation", err)
	}

	ok, err := svc.AreMembers(ctx, f.ID, []string{parent.MemberID, m.ID})
	if err != nil || !ok {
		t.Errorf("AreMembers = %v, %v; want true", ok, err)
	}
	ok, _ = svc.AreMembers(ctx, f.ID, []string{m.ID, "stranger"})
	if ok {
		t.Error("AreMembers accepted a stranger")
	}
}

func TestRemoveMember(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()
	f, parent, _ := bootstrap(t, svc)

	if err := svc.RemoveMember(ctx, parent, parent.MemberID); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("remove last parent: err = %v, want conflict", err)
	}

	second, token, err := svc.AddMember(ctx, parent, "Sam", auth.RoleParent)
	if err != nil {
		t.Fatalf("add parent: %v", err)
	}
	parents, _ := svc.ParentIDs(ctx, f.ID)
	if len(parents) != 2 {
		t.Fatalf("parents = %v, want 2", parents)
	}

	if _, err := svc.Authenticate(ctx, token); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := svc.RemoveMember(ctx, parent, second.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := svc.Authenticate(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("removed member still authenticates: %v", err)
	}
	parents, _ = svc.ParentIDs(ctx, f.ID)
	if len(parents) != 1 || parents[0] != parent.MemberID {
		t.Errorf("parents = %v, want [%s]", parents, parent.MemberID)
	}
}

func TestReissueTokenRevokesOld(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()
	_, parent, oldToken := bootstrap(t, svc)

	if _, err := svc.Authenticate(ctx, oldToken); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	newToken, err := svc.ReissueToken(ctx, parent, parent.MemberID)
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if _, err := svc.Authenticate(ctx, oldToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("old token: err = %v, want ErrInvalidToken", err)
	}
	if _, err := svc.Authenticate(ctx, newToken); err != nil {
		t.Errorf("new token: %v", err)
	}
}

func TestRevocationDuringAuthenticateIsNotCached(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()
	_, parent, oldToken := bootstrap(t, svc)

	// The token is reissued after Authenticate verified the old hash but
	// before it cached the result.
	svc.beforeCache = func() {
		svc.beforeCache = nil
		if _, err := svc.ReissueToken(ctx, parent, parent.MemberID); err != nil {
			t.Errorf("reissue: %v", err)
		}
	}
	if _, err := svc.Authenticate(ctx, oldToken); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	if _, err := svc.Authenticate(ctx, oldToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("revoked token: err = %v, want ErrInvalidToken", err)
	}
}

func TestListFamilies(t *testing.T) {
	svc := setupService(t)
	bootstrap(t, svc)
	bootstrap(t, svc)

	families, err := svc.ListFamilies(context.Background())
	if err != nil {
		t.Fatalf("list families: %v", err)
	}
	if len(families) != 2 {
		t.Errorf("families = %d, want 2", len(families))
	}
}
