// Package shopping manages shared shopping lists. A list's items live in a
// single keyed map inside the list document, so every item mutation is a
// transactional read-modify-write of the whole map.
package shopping

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/dukerupert/homebase/internal/apperr"
	"github.com/dukerupert/homebase/internal/docstore"
)

const Collection = "shopping_lists"

type Item struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Quantity    float64    `json:"quantity"`
	Unit        string     `json:"unit"`
	Category    string     `json:"category"`
	Notes       string     `json:"notes"`
	IsPurchased bool       `json:"isPurchased"`
	AddedBy     string     `json:"addedBy"`
	AddedAt     time.Time  `json:"addedAt"`
	PurchasedBy string     `json:"purchasedBy"`
	PurchasedAt *time.Time `json:"purchasedAt"`
}

type List struct {
	ID        string          `json:"id"`
	FamilyID  string          `json:"familyId"`
	Name      string          `json:"name"`
	Items     map[string]Item `json:"items"`
	CreatedBy string          `json:"createdBy"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type NewItem struct {
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit"`
	Category string  `json:"category"`
	Notes    string  `json:"notes"`
}

const (
	maxNameLen     = 100
	maxNotesLen    = 500
	maxQuantity    = 10000
	maxListNameLen = 100
)

func (n *NewItem) normalize() error {
	n.Name = strings.TrimSpace(n.Name)
	if n.Name == "" {
		return apperr.Validation("item name is required")
	}
	if len(n.Name) > maxNameLen {
		return apperr.Validation("item name must be at most %d characters", maxNameLen)
	}
	if n.Quantity == 0 {
		n.Quantity = 1
	}
	if n.Quantity < 0 || n.Quantity > maxQuantity {
		return apperr.Validation("quantity must be between 0 and %d", maxQuantity)
	}
	if len(n.Notes) > maxNotesLen {
		return apperr.Validation("notes must be at most %d characters", maxNotesLen)
	}
	n.Unit = strings.TrimSpace(n.Unit)
	n.Category = strings.TrimSpace(n.Category)
	if n.Category == "" {
		n.Category = Categorize(n.Name)
	}
	return nil
}

func ref(id string) docstore.Ref {
	return docstore.Ref{Collection: Collection, ID: id}
}

// decodeList reads a list document. A missing or malformed items field
// reads as an empty map and unreadable entries are dropped.
func decodeList(d *docstore.Document) (*List, error) {
	raw := d.Data["items"]
	body := make(map[string]any, len(d.Data))
	for k, v := range d.Data {
		if k != "items" {
			body[k] = v
		}
	}
	shell := docstore.Document{Collection: d.Collection, ID: d.ID, Data: body}

	var l List
	if err := shell.Decode(&l); err != nil {
		return nil, err
	}
	l.ID = d.ID
	l.FamilyID = d.FamilyID
	l.Items = decodeItems(raw)
	return &l, nil
}

func decodeItems(raw any) map[string]Item {
	items := make(map[string]Item)
	m, ok := raw.(map[string]any)
	if !ok {
		return items
	}
	for key, v := range m {
		entry, ok := v.(map[string]any)
		if !ok {
			continue
		}
		b, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		var it Item
		if err := json.Unmarshal(b, &it); err != nil || strings.TrimSpace(it.Name) == "" {
			continue
		}
		it.ID = key
		items[key] = it
	}
	return items
}

// findByName returns the id of the item whose name matches name
// case-insensitively.
func findByName(items map[string]Item, name string) (string, bool) {
	for id, it := range items {
		if strings.EqualFold(strings.TrimSpace(it.Name), name) {
			return id, true
		}
	}
	return "", false
}
