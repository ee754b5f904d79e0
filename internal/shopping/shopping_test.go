package shopping

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/homebase/internal/apperr"
	"github.com/dukerupert/homebase/internal/auth"
	"github.com/dukerupert/homebase/internal/database"
	"github.com/dukerupert/homebase/internal/docstore"
)

var (
	alice = auth.AuthContext{MemberID: "alice", FamilyID: "fam1", Role: auth.RoleParent}
	bea   = auth.AuthContext{MemberID: "bea", FamilyID: "fam1", Role: auth.RoleAupair}
)

func setupService(t *testing.T) (*Service, *docstore.Store) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := docstore.New(db, docstore.Options{
		MaxAttempts: 25,
		RetryBase:   time.Millisecond,
		Logger:      logger,
	})
	t.Cleanup(func() {
		store.Close()
		db.Close()
	})
	return NewService(store, logger, nil), store
}

func newList(t *testing.T, svc *Service) *List {
	t.Helper()
	l, err := svc.CreateList(context.Background(), alice, "Groceries")
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	return l
}

func TestAddItem(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	l := newList(t, svc)

	it, err := svc.AddItem(ctx, bea, l.ID, NewItem{Name: "  Bananas "})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}
	if it.Name != "Bananas" {
		t.Errorf("name = %q, want trimmed", it.Name)
	}
	if it.Quantity != 1 {
		t.Errorf("quantity = %v, want default 1", it.Quantity)
	}
	if it.Category != "Produce" {
		t.Errorf("category = %q, want Produce", it.Category)
	}
	if it.AddedBy != bea.MemberID || it.IsPurchased {
		t.Errorf("unexpected item %+v", it)
	}

	got, err := svc.GetList(ctx, "fam1", l.ID)
	if err != nil {
		t.Fatalf("get list: %v", err)
	}
	if _, ok := got.Items[it.ID]; !ok || len(got.Items) != 1 {
		t.Errorf("items = %+v, want just %s", got.Items, it.ID)
	}
}

func TestAddItemDuplicateNameConflicts(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	l := newList(t, svc)

	if _, err := svc.AddItem(ctx, alice, l.ID, NewItem{Name: "Milk"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	_, err := svc.AddItem(ctx, bea, l.ID, NewItem{Name: "mILK"})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestAddItemValidation(t *testing.T) {
	svc, _ := setupService(t)
	l := newList(t, svc)

	tests := []struct {
		name   string
		listID string
		item   NewItem
		want   error
	}{
		{"empty name", l.ID, NewItem{Name: " "}, apperr.ErrValidation},
		{"negative quantity", l.ID, NewItem{Name: "Eggs", Quantity: -2}, apperr.ErrValidation},
		{"huge quantity", l.ID, NewItem{Name: "Eggs", Quantity: 1e9}, apperr.ErrValidation},
		{"missing list id", "", NewItem{Name: "Eggs"}, apperr.ErrValidation},
		{"unknown list", "nope", NewItem{Name: "Eggs"}, apperr.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.AddItem(context.Background(), alice, tt.listID, tt.item)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestConcurrentAddSameNameOneWins(t *testing.T) {
	for round := range 10 {
		svc, _ := setupService(t)
		ctx := context.Background()
		l := newList(t, svc)

		names := []string{"Milk", "milk"}
		errs := make([]error, len(names))
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i, name := range names {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, errs[i] = svc.AddItem(ctx, alice, l.ID, NewItem{Name: name})
			}()
		}
		close(start)
		wg.Wait()

		successes, conflicts := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				successes++
			case errors.Is(err, apperr.ErrConflict):
				conflicts++
			default:
				t.Fatalf("round %d: unexpected error %v", round, err)
			}
		}
		if successes != 1 || conflicts != 1 {
			t.Fatalf("round %d: successes=%d conflicts=%d, want 1 and 1", round, successes, conflicts)
		}

		got, _ := svc.GetList(ctx, "fam1", l.ID)
		if len(got.Items) != 1 {
			t.Fatalf("round %d: %d items, want 1", round, len(got.Items))
		}
	}
}

func TestConcurrentAddDistinctNamesAllLand(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	l := newList(t, svc)

	const n = 6
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.AddItem(ctx, bea, l.ID, NewItem{Name: fmt.Sprintf("item %d", i)})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("add: %v", err)
		}
	}

	got, _ := svc.GetList(ctx, "fam1", l.ID)
	if len(got.Items) != n {
		t.Errorf("items = %d, want %d", len(got.Items), n)
	}
}

func TestToggleItem(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	l := newList(t, svc)
	it, _ := svc.AddItem(ctx, alice, l.ID, NewItem{Name: "Bread"})

	toggled, err := svc.ToggleItem(ctx, bea, l.ID, it.ID, true)
	if err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	if !toggled.IsPurchased || toggled.PurchasedBy != bea.MemberID || toggled.PurchasedAt == nil {
		t.Errorf("purchase not recorded: %+v", toggled)
	}

	toggled, err = svc.ToggleItem(ctx, bea, l.ID, it.ID, false)
	if err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	if toggled.IsPurchased || toggled.PurchasedBy != "" || toggled.PurchasedAt != nil {
		t.Errorf("purchase not cleared: %+v", toggled)
	}
}

func TestToggleMissingItemDoesNotMutate(t *testing.T) {
	svc, store := setupService(t)
	ctx := context.Background()
	l := newList(t, svc)
	svc.AddItem(ctx, alice, l.ID, NewItem{Name: "Bread"})

	before, _ := store.Get(ctx, ref(l.ID))
	for _, purchased := range []bool{true, false} {
		_, err := svc.ToggleItem(ctx, alice, l.ID, "missing-item", purchased)
		if !errors.Is(err, apperr.ErrNotFound) {
			t.Errorf("purchased=%v: err = %v, want not found", purchased, err)
		}
	}
	after, _ := store.Get(ctx, ref(l.ID))
	if after.Version != before.Version {
		t.Errorf("version moved from %d to %d", before.Version, after.Version)
	}

	if _, err := svc.ToggleItem(ctx, alice, "missing-list", "x", true); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing list: err = %v, want not found", err)
	}
}

func TestMalformedItemsNormalized(t *testing.T) {
	svc, store := setupService(t)
	ctx := context.Background()

	err := store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		tx.Create(ref("legacy"), "fam1", map[string]any{"name": "Old list", "items": []any{"not", "a", "map"}})
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	l, err := svc.GetList(ctx, "fam1", "legacy")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(l.Items) != 0 {
		t.Errorf("items = %+v, want empty", l.Items)
	}

	if _, err := svc.AddItem(ctx, alice, "legacy", NewItem{Name: "Eggs"}); err != nil {
		t.Fatalf("add to legacy list: %v", err)
	}
	l, _ = svc.GetList(ctx, "fam1", "legacy")
	if len(l.Items) != 1 {
		t.Errorf("items = %d, want 1", len(l.Items))
	}
}

func TestRemoveAndClearPurchased(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	l := newList(t, svc)

	a, _ := svc.AddItem(ctx, alice, l.ID, NewItem{Name: "Apples"})
	b, _ := svc.AddItem(ctx, alice, l.ID, NewItem{Name: "Butter"})
	c, _ := svc.AddItem(ctx, alice, l.ID, NewItem{Name: "Coffee"})

	if err := svc.RemoveItem(ctx, alice, l.ID, a.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := svc.RemoveItem(ctx, alice, l.ID, a.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second remove: err = %v, want not found", err)
	}

	svc.ToggleItem(ctx, bea, l.ID, b.ID, true)
	n, err := svc.ClearPurchased(ctx, alice, l.ID)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n != 1 {
		t.Errorf("cleared %d, want 1", n)
	}

	got, _ := svc.GetList(ctx, "fam1", l.ID)
	if len(got.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(got.Items))
	}
	if _, ok := got.Items[c.ID]; !ok {
		t.Errorf("coffee missing after clear")
	}
}

func TestOtherFamilyCannotSeeList(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	l := newList(t, svc)

	stranger := auth.AuthContext{MemberID: "x", FamilyID: "fam2", Role: auth.RoleParent}
	if _, err := svc.GetList(ctx, stranger.FamilyID, l.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("get: err = %v, want not found", err)
	}
	if _, err := svc.AddItem(ctx, stranger, l.ID, NewItem{Name: "Milk"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("add: err = %v, want not found", err)
	}
	if err := svc.DeleteList(ctx, stranger, l.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("delete: err = %v, want not found", err)
	}
}

func TestSortedItems(t *testing.T) {
	l := &List{Items: map[string]Item{
		"1": {ID: "1", Name: "zucchini", Category: "Produce"},
		"2": {ID: "2", Name: "Apples", Category: "Produce"},
		"3": {ID: "3", Name: "Milk", Category: "Dairy", IsPurchased: true},
		"4": {ID: "4", Name: "Cheese", Category: "Dairy"},
	}}
	var got []string
	for _, it := range SortedItems(l) {
		got = append(got, it.ID)
	}
	want := []string{"4", "2", "1", "3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}
