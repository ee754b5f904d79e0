package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/dukerupert/homebase/internal/apperr"
	"github.com/sethvargo/go-retry"
)

// errStale is returned from a commit attempt when a document changed
// between the transaction's read and its write.
var errStale = errors.New("document changed during transaction")

type writeKind int

const (
	writeCreate writeKind = iota
	writeSet
	writeUpdate
	writeDelete
)

type pendingWrite struct {
	kind     writeKind
	ref      Ref
	familyID string
	data     map[string]any
}

// Tx buffers writes and records the version of every document it reads.
// A transaction body may run several times and must not have effects
// outside the Tx.
type Tx struct {
	ctx    context.Context
	store  *Store
	reads  map[Ref]int64
	cache  map[Ref]*Document
	writes []pendingWrite
}

func (tx *Tx) Context() context.Context { return tx.ctx }

// Get reads a document, observing this transaction's own pending writes.
func (tx *Tx) Get(ref Ref) (*Document, error) {
	if d, ok := tx.cache[ref]; ok {
		return cloneDoc(d), nil
	}

	d, err := getDocument(tx.ctx, tx.store.db, ref)
	if err != nil {
		return nil, err
	}
	if d == nil {
		tx.reads[ref] = 0
	} else {
		tx.reads[ref] = d.Version
	}
	tx.cache[ref] = d
	return cloneDoc(d), nil
}

// Create inserts a new document; the commit conflicts if ref already exists.
func (tx *Tx) Create(ref Ref, familyID string, data map[string]any) {
	tx.buffer(pendingWrite{kind: writeCreate, ref: ref, familyID: familyID, data: data})
}

// Set replaces (or inserts) the whole document body.
func (tx *Tx) Set(ref Ref, familyID string, data map[string]any) {
	tx.buffer(pendingWrite{kind: writeSet, ref: ref, familyID: familyID, data: data})
}

// Update merges top-level fields into an existing document.
func (tx *Tx) Update(ref Ref, fields map[string]any) {
	tx.buffer(pendingWrite{kind: writeUpdate, ref: ref, data: fields})
}

func (tx *Tx) Delete(ref Ref) {
	tx.buffer(pendingWrite{kind: writeDelete, ref: ref})
}

func (tx *Tx) buffer(w pendingWrite) {
	w.data = maps.Clone(w.data)
	tx.writes = append(tx.writes, w)

	// Keep the read-your-writes view current.
	prev := tx.cache[w.ref]
	switch w.kind {
	case writeCreate, writeSet:
		tx.cache[w.ref] = &Document{Collection: w.ref.Collection, ID: w.ref.ID, FamilyID: w.familyID, Data: maps.Clone(w.data)}
	case writeUpdate:
		if prev != nil {
			next := cloneDoc(prev)
			maps.Copy(next.Data, w.data)
			tx.cache[w.ref] = next
		}
	case writeDelete:
		tx.cache[w.ref] = nil
	}
}

// RunTransaction runs fn with optimistic concurrency control. When a
// document fn read was modified before commit, fn is run again against the
// latest state, up to Options.MaxAttempts times. Errors returned by fn abort
// the transaction without a retry.
func (s *Store) RunTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	backoff := retry.WithCappedDuration(
		20*s.opts.RetryBase,
		retry.WithMaxRetries(s.opts.MaxAttempts-1, retry.NewExponential(s.opts.RetryBase)),
	)

	attempts := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		err := s.attempt(ctx, fn)
		if errors.Is(err, errStale) || errors.Is(err, apperr.ErrTransient) {
			return retry.RetryableError(err)
		}
		return err
	})

	if errors.Is(err, errStale) {
		s.opts.Logger.Warn("transaction gave up", "attempts", attempts, "error", err)
		return apperr.Conflict("too many concurrent changes, try again")
	}
	return err
}

func (s *Store) attempt(ctx context.Context, fn func(tx *Tx) error) error {
	tx := &Tx{
		ctx:   ctx,
		store: s,
		reads: make(map[Ref]int64),
		cache: make(map[Ref]*Document),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.writes) == 0 {
		return nil
	}

	changes, err := s.commit(ctx, tx)
	if err != nil {
		return err
	}
	s.notify(changes)
	return nil
}

type change struct {
	collection string
	familyID   string
}

func (s *Store) commit(ctx context.Context, tx *Tx) (map[change]struct{}, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("begin tx: %w", err))
	}
	defer sqlTx.Rollback()

	for ref, seen := range tx.reads {
		current, err := currentVersion(ctx, sqlTx, ref)
		if err != nil {
			return nil, err
		}
		if current != seen {
			return nil, fmt.Errorf("%s at version %d, read %d: %w", ref, current, seen, errStale)
		}
	}

	changes := make(map[change]struct{})
	now := s.now()
	for _, w := range tx.writes {
		familyID, err := s.apply(ctx, sqlTx, w, now)
		if err != nil {
			return nil, err
		}
		changes[change{collection: w.ref.Collection, familyID: familyID}] = struct{}{}
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, classify(fmt.Errorf("commit: %w", err))
	}
	return changes, nil
}

func currentVersion(ctx context.Context, sqlTx *sql.Tx, ref Ref) (int64, error) {
	var v int64
	err := sqlTx.QueryRowContext(ctx,
		`SELECT version FROM documents WHERE collection = ? AND id = ?`,
		ref.Collection, ref.ID,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, classify(fmt.Errorf("read version %s: %w", ref, err))
	}
	return v, nil
}

// apply executes one buffered write and returns the family it touched.
func (s *Store) apply(ctx context.Context, sqlTx *sql.Tx, w pendingWrite, now string) (string, error) {
	switch w.kind {
	case writeCreate:
		current, err := currentVersion(ctx, sqlTx, w.ref)
		if err != nil {
			return "", err
		}
		if current != 0 {
			return "", apperr.Conflict("%s already exists", w.ref)
		}
		return w.familyID, insertDocument(ctx, sqlTx, w.ref, w.familyID, w.data, now)

	case writeSet:
		body, err := json.Marshal(w.data)
		if err != nil {
			return "", fmt.Errorf("marshal %s: %w", w.ref, err)
		}
		_, err = sqlTx.ExecContext(ctx,
			`INSERT INTO documents (collection, id, family_id, version, data, created_at, updated_at)
			 VALUES (?, ?, ?, 1, ?, ?, ?)
			 ON CONFLICT (collection, id) DO UPDATE SET
			   family_id = excluded.family_id,
			   data = excluded.data,
			   version = documents.version + 1,
			   updated_at = excluded.updated_at`,
			w.ref.Collection, w.ref.ID, w.familyID, string(body), now, now,
		)
		if err != nil {
			return "", classify(fmt.Errorf("set %s: %w", w.ref, err))
		}
		return w.familyID, nil

	case writeUpdate:
		d, err := getDocument(ctx, sqlTx, w.ref)
		if err != nil {
			return "", err
		}
		if d == nil {
			return "", apperr.NotFound("%s not found", w.ref)
		}
		maps.Copy(d.Data, w.data)
		return d.FamilyID, updateBody(ctx, sqlTx, w.ref, d.Data, now)

	case writeDelete:
		var familyID string
		err := sqlTx.QueryRowContext(ctx,
			`DELETE FROM documents WHERE collection = ? AND id = ? RETURNING family_id`,
			w.ref.Collection, w.ref.ID,
		).Scan(&familyID)
		if err != nil && err != sql.ErrNoRows {
			return "", classify(fmt.Errorf("delete %s: %w", w.ref, err))
		}
		return familyID, nil
	}
	return "", fmt.Errorf("unknown write kind %d", w.kind)
}

func insertDocument(ctx context.Context, sqlTx *sql.Tx, ref Ref, familyID string, data map[string]any, now string) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ref, err)
	}
	_, err = sqlTx.ExecContext(ctx,
		`INSERT INTO documents (collection, id, family_id, version, data, created_at, updated_at) VALUES (?, ?, ?, 1, ?, ?, ?)`,
		ref.Collection, ref.ID, familyID, string(body), now, now,
	)
	if err != nil {
		return classify(fmt.Errorf("insert %s: %w", ref, err))
	}
	return nil
}

func updateBody(ctx context.Context, sqlTx *sql.Tx, ref Ref, data map[string]any, now string) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ref, err)
	}
	_, err = sqlTx.ExecContext(ctx,
		`UPDATE documents SET data = ?, version = version + 1, updated_at = ? WHERE collection = ? AND id = ?`,
		string(body), now, ref.Collection, ref.ID,
	)
	if err != nil {
		return classify(fmt.Errorf("update %s: %w", ref, err))
	}
	return nil
}

func cloneDoc(d *Document) *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Data = deepCopy(d.Data)
	return &c
}

func deepCopy(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return deepCopy(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = deepCopyValue(e)
		}
		return out
	}
	return v
}
