package shopping

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

type Publisher interface {
	Publish(familyID, entity, action, id string, data any)
}

type Service struct {
	store     *docstore.Store
	now       func() time.Time
	logger    *slog.Logger
	publisher Publisher
}

func NewService(store *docstore.Store, logger *slog.Logger, publisher Publisher) *Service {
	return &Service{
		store:     store,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
		publisher: publisher,
	}
}

func (s *Service) publish(familyID, action, id string, data any) {
	if s.publisher != nil {
		s.publisher.Publish(familyID, "list", action, id, data)
	}
}

func (s *Service) CreateList(ctx context.Context, actor auth.AuthContext, name string) (*List, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validation("list name is required")
	}
	if len(name) > maxListNameLen {
		return nil, apperr.Validation("list name must be at most %d characters", maxListNameLen)
	}

	now := s.now()
	l := &List{
		ID:        docstore.NewID(),
		FamilyID:  actor.FamilyID,
		Name:      name,
		Items:     map[string]Item{},
		CreatedBy: actor.MemberID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	data, err := docstore.Encode(l)
	if err != nil {
		return nil, err
	}
	err = s.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		tx.Create(ref(l.ID), l.FamilyID, data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create list: %w", err)
	}

	s.publish(l.FamilyID, "created", l.ID, l)
	return l, nil
}

func (s *Service) GetList(ctx context.Context, familyID, id string) (*List, error) {
	if id == "" {
		return nil, apperr.Validation("list id is required")
	}
	d, err := s.store.Get(ctx, ref(id))
	if err != nil {
		return nil, fmt.Errorf("get list: %w", err)
	}
	if d == nil || d.FamilyID != familyID {
		return nil, apperr.NotFound("list %s not found", id)
	}
	return decodeList(d)
}

// Query is the store query for every list of a family.
func Query(familyID string) docstore.Query {
	return docstore.Query{Collection: Collection, FamilyID: familyID, OrderBy: "createdAt"}
}

func (s *Service) ListLists(ctx context.Context, familyID string) ([]List, error) {
	docs, err := s.store.Query(ctx, Query(familyID))
	if err != nil {
		return nil, fmt.Errorf("list lists: %w", err)
	}
	return DecodeAll(docs)
}

// DecodeAll converts a query snapshot into lists.
func DecodeAll(docs []docstore.Document) ([]List, error) {
	lists := make([]List, 0, len(docs))
	for i := range docs {
		l, err := decodeList(&docs[i])
		if err != nil {
			return nil, err
		}
		lists = append(lists, *l)
	}
	return lists, nil
}

func (s *Service) DeleteList(ctx context.Context, actor auth.AuthContext, id string) error {
	if id == "" {
		return apperr.Validation("list id is required")
	}
	err := s.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		if _, err := load(tx, actor.FamilyID, id); err != nil {
			return err
		}
		tx.Delete(ref(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete list: %w", err)
	}
	s.publish(actor.FamilyID, "deleted", id, nil)
	return nil
}

func load(tx *docstore.Tx, familyID, id string) (*List, error) {
	d, err := tx.Get(ref(id))
	if err != nil {
		return nil, fmt.Errorf("get list: %w", err)
	}
	if d == nil || d.FamilyID != familyID {
		return nil, apperr.NotFound("list %s not found", id)
	}
	return decodeList(d)
}

// writeItems buffers the full item map back onto the list.
func writeItems(tx *docstore.Tx, l *List, now time.Time) error {
	items, err := docstore.Encode(l.Items)
	if err != nil {
		return err
	}
	l.UpdatedAt = now
	tx.Update(ref(l.ID), map[string]any{"items": items, "updatedAt": now})
	return nil
}

// AddItem adds an item to a list. A name already on the list, in any case,
// is a conflict; two concurrent adds of the same name yield one item and
// one conflict.
func (s *Service) AddItem(ctx context.Context, actor auth.AuthContext, listID string, n NewItem) (*Item, error) {
	if listID == "" {
		return nil, apperr.Validation("list id is required")
	}
	if err := n.normalize(); err != nil {
		return nil, err
	}

	var added Item
	err := s.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		l, err := load(tx, actor.FamilyID, listID)
		if err != nil {
			return err
		}
		if _, dup := findByName(l.Items, n.Name); dup {
			return apperr.Conflict("%q is already on the list", n.Name)
		}

		now := s.now()
		added = Item{
			ID:       docstore.NewID(),
			Name:     n.Name,
			Quantity: n.Quantity,
			Unit:     n.Unit,
			Category: n.Category,
			Notes:    n.Notes,
			AddedBy:  actor.MemberID,
			AddedAt:  now,
		}
		l.Items[added.ID] = added
		return writeItems(tx, l, now)
	})
	if err != nil {
		return nil, fmt.Errorf("add item: %w", err)
	}

	s.publish(actor.FamilyID, "item_added", listID, added)
	return &added, nil
}

// ToggleItem sets an item's purchased flag. Un-purchasing clears who bought
// it and when.
func (s *Service) ToggleItem(ctx context.Context, actor auth.AuthContext, listID, itemID string, purchased bool) (*Item, error) {
	if listID == "" || itemID == "" {
		return nil, apperr.Validation("list id and item id are required")
	}

	var toggled Item
	err := s.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		l, err := load(tx, actor.FamilyID, listID)
		if err != nil {
			return err
		}
		it, ok := l.Items[itemID]
		if !ok {
			return apperr.NotFound("item %s not found", itemID)
		}

		now := s.now()
		it.IsPurchased = purchased
		if purchased {
			it.PurchasedBy = actor.MemberID
			it.PurchasedAt = &now
		} else {
			it.PurchasedBy = ""
			it.PurchasedAt = nil
		}
		l.Items[itemID] = it
		toggled = it
		return writeItems(tx, l, now)
	})
	if err != nil {
		return nil, fmt.Errorf("toggle item: %w", err)
	}

	s.publish(actor.FamilyID, "item_toggled", listID, toggled)
	return &toggled, nil
}

func (s *Service) RemoveItem(ctx context.Context, actor auth.AuthContext, listID, itemID string) error {
	if listID == "" || itemID == "" {
		return apperr.Validation("list id and item id are required")
	}
	err := s.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		l, err := load(tx, actor.FamilyID, listID)
		if err != nil {
			return err
		}
		if _, ok := l.Items[itemID]; !ok {
			return apperr.NotFound("item %s not found", itemID)
		}
		delete(l.Items, itemID)
		return writeItems(tx, l, s.now())
	})
	if err != nil {
		return fmt.Errorf("remove item: %w", err)
	}
	s.publish(actor.FamilyID, "item_removed", listID, map[string]string{"itemId": itemID})
	return nil
}

// ClearPurchased drops every purchased item and returns how many went.
func (s *Service) ClearPurchased(ctx context.Context, actor auth.AuthContext, listID string) (int, error) {
	if listID == "" {
		return 0, apperr.Validation("list id is required")
	}
	var removed int
	err := s.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		removed = 0
		l, err := load(tx, actor.FamilyID, listID)
		if err != nil {
			return err
		}
		for id, it := range l.Items {
			if it.IsPurchased {
				delete(l.Items, id)
				removed++
			}
		}
		if removed == 0 {
			return nil
		}
		return writeItems(tx, l, s.now())
	})
	if err != nil {
		return 0, fmt.Errorf("clear purchased: %w", err)
	}
	if removed > 0 {
		s.logger.Info("cleared purchased items", "list_id", listID, "count", removed)
		s.publish(actor.FamilyID, "cleared", listID, map[string]int{"removed": removed})
	}
	return removed, nil
}

// SortedItems returns a list's items grouped by category, unpurchased
// first, then by name.
func SortedItems(l *List) []Item {
	items := make([]Item, 0, len(l.Items))
	for _, it := range l.Items {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.IsPurchased != b.IsPurchased {
			return !a.IsPurchased
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
	return items
}

// View is a list as clients see it, with items as a sorted array.
type View struct {
	*List
	Items []Item `json:"items"`
}

func NewView(l *List) View {
	return View{List: l, Items: SortedItems(l)}
}
