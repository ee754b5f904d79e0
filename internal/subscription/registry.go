// Package subscription deduplicates live store queries.
//
// Many consumers (websocket clients, mostly) ask for the same query at the
// same time. The registry keeps one underlying store listener per canonical
// query key, fans its snapshots out to every consumer, and tears the
// listener down when the last consumer releases it.
package subscription

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dukerupert/homebase/internal/docstore"
)

// Key is the canonical signature of a query: collection, family, order and
// the filters sorted by their encoding. Each filter value carries its kind,
// so 30 and "30" never share a key.
type Key string

type keyParts struct {
	Collection string   `json:"c"`
	FamilyID   string   `json:"f"`
	Filters    []string `json:"w,omitempty"`
	OrderBy    string   `json:"o,omitempty"`
}

// KeyFor builds the canonical key for q. Filter order does not matter.
func KeyFor(q docstore.Query) Key {
	parts := make([]string, 0, len(q.Filters))
	for _, f := range q.Filters {
		parts = append(parts, encode([]any{f.Field, f.Op, canonicalValue(f.Value)}))
	}
	sort.Strings(parts)
	return Key(encode(keyParts{
		Collection: q.Collection,
		FamilyID:   q.FamilyID,
		Filters:    parts,
		OrderBy:    q.OrderBy,
	}))
}

// canonicalValue tags v with the kind the store compares it as: RFC3339
// strings and times are both times, every Go number is a number.
func canonicalValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case time.Time:
		return map[string]string{"time": x.UTC().Format(time.RFC3339Nano)}
	case *time.Time:
		if x == nil {
			return nil
		}
		return canonicalValue(*x)
	case string:
		if t, err := time.Parse(time.RFC3339Nano, x); err == nil {
			return canonicalValue(t)
		}
		return map[string]string{"string": x}
	case bool:
		return map[string]bool{"bool": x}
	case float64, float32, int, int64, int32, uint64:
		return map[string]any{"number": x}
	case []string:
		elems := make([]any, len(x))
		for i, e := range x {
			elems[i] = e
		}
		return canonicalValue(elems)
	case []any:
		elems := make([]string, len(x))
		for i, e := range x {
			elems[i] = encode(canonicalValue(e))
		}
		sort.Strings(elems)
		return map[string][]string{"list": elems}
	}
	return map[string]string{fmt.Sprintf("%T", v): fmt.Sprint(v)}
}

func encode(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}

// Listener receives every snapshot for the key it acquired.
type Listener func(docs []docstore.Document)

// Factory starts the real subscription. It must call deliver with each
// snapshot and return the function that stops it.
type Factory func(deliver func([]docstore.Document)) (teardown func(), err error)

type entry struct {
	teardown  func()
	listeners map[uint64]Listener

	// delivering serializes fan-outs and late-joiner replays so a replay
	// never overtakes a newer snapshot. last and hasLast are written with
	// both delivering and Registry.mu held.
	delivering sync.Mutex
	last       []docstore.Document
	hasLast    bool
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]*entry
	nextID  uint64
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		entries: make(map[Key]*entry),
		logger:  logger,
	}
}

// Acquire attaches l to key, starting the underlying subscription with
// factory if no one holds key yet. A listener joining an existing key is
// sent the most recent snapshot straight away. The returned id is passed to
// Release.
func (r *Registry) Acquire(key Key, factory Factory, l Listener) (uint64, error) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID

	if e, ok := r.entries[key]; ok {
		e.listeners[id] = l
		r.mu.Unlock()
		r.replay(key, e, id, l)
		return id, nil
	}

	e := &entry{listeners: map[uint64]Listener{id: l}}
	r.entries[key] = e
	r.mu.Unlock()

	teardown, err := factory(func(docs []docstore.Document) {
		r.fanOut(key, e, docs)
	})
	if err != nil {
		r.mu.Lock()
		if r.entries[key] == e {
			delete(r.entries, key)
		}
		r.mu.Unlock()
		return 0, fmt.Errorf("start subscription %s: %w", key, err)
	}

	r.mu.Lock()
	if r.entries[key] == e && len(e.listeners) > 0 {
		e.teardown = teardown
		r.mu.Unlock()
		r.logger.Debug("subscription started", "key", string(key))
		return id, nil
	}
	// Everyone released while the factory was running.
	r.mu.Unlock()
	teardown()
	return id, nil
}

func (r *Registry) fanOut(key Key, e *entry, docs []docstore.Document) {
	e.delivering.Lock()
	defer e.delivering.Unlock()

	r.mu.Lock()
	if r.entries[key] != e {
		r.mu.Unlock()
		return
	}
	e.last, e.hasLast = docs, true
	ls := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		ls = append(ls, l)
	}
	r.mu.Unlock()

	for _, l := range ls {
		l(docs)
	}
}

// replay sends a late joiner the latest snapshot, unless it was released
// in the meantime.
func (r *Registry) replay(key Key, e *entry, id uint64, l Listener) {
	e.delivering.Lock()
	defer e.delivering.Unlock()

	r.mu.Lock()
	_, attached := e.listeners[id]
	last, hasLast := e.last, e.hasLast
	live := r.entries[key] == e
	r.mu.Unlock()

	if live && attached && hasLast {
		l(last)
	}
}

// Release detaches listener id from key. The last release runs the real
// teardown. Releasing an unknown key or id is a no-op.
func (r *Registry) Release(key Key, id uint64) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(e.listeners, id)
	if len(e.listeners) > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, key)
	teardown := e.teardown
	r.mu.Unlock()

	if teardown != nil {
		teardown()
		r.logger.Debug("subscription stopped", "key", string(key))
	}
}

// Refs reports how many listeners hold key.
func (r *Registry) Refs(key Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return len(e.listeners)
	}
	return 0
}

// Len reports how many distinct keys are live.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// StoreFactory returns a Factory backed by a docstore subscription.
func StoreFactory(store *docstore.Store, q docstore.Query) Factory {
	return func(deliver func([]docstore.Document)) (func(), error) {
		if err := q.Validate(); err != nil {
			return nil, err
		}
		return store.Subscribe(q, deliver), nil
	}
}
