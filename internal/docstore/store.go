// Package docstore is a document store over SQLite with optimistic
// transactions, conditional batches and snapshot subscriptions.
//
// Documents are JSON objects addressed by (collection, id) and scoped to a
// family. Every write bumps the document version; transactions commit only
// when every document they read is still at the version they saw.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dukerupert/homebase/internal/apperr"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Ref addresses a single document.
type Ref struct {
	Collection string
	ID         string
}

func (r Ref) String() string { return r.Collection + "/" + r.ID }

// Document is a stored JSON object plus its bookkeeping.
type Document struct {
	Collection string
	ID         string
	FamilyID   string
	Version    int64
	Data       map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (d *Document) Ref() Ref { return Ref{Collection: d.Collection, ID: d.ID} }

// Decode unmarshals the document body into v.
func (d *Document) Decode(v any) error {
	b, err := json.Marshal(d.Data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", d.Ref(), err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", d.Ref(), err)
	}
	return nil
}

// Encode converts a json-tagged struct into a document body.
func Encode(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return m, nil
}

// NewID returns a fresh document id.
func NewID() string {
	return uuid.NewString()
}

// Options tune transaction retries.
type Options struct {
	// MaxAttempts bounds how many times a transaction body runs.
	MaxAttempts uint64
	// RetryBase is the first backoff delay; it doubles per attempt.
	RetryBase time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 10 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Store is safe for concurrent use.
type Store struct {
	db   *sql.DB
	opts Options

	mu        sync.Mutex
	listeners map[*listener]struct{}
	closed    bool
}

func New(db *sql.DB, opts Options) *Store {
	return &Store{
		db:        db,
		opts:      opts.withDefaults(),
		listeners: make(map[*listener]struct{}),
	}
}

const docCols = `collection, id, family_id, version, data, created_at, updated_at`

type rowScanner interface{ Scan(...any) error }

func scanDocument(scanner rowScanner) (*Document, error) {
	var d Document
	var data, createdAt, updatedAt string
	err := scanner.Scan(&d.Collection, &d.ID, &d.FamilyID, &d.Version, &data, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &d.Data); err != nil {
		return nil, fmt.Errorf("unmarshal %s/%s: %w", d.Collection, d.ID, err)
	}
	if d.Data == nil {
		d.Data = map[string]any{}
	}
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &d, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getDocument(ctx context.Context, q queryer, ref Ref) (*Document, error) {
	row := q.QueryRowContext(ctx, `SELECT `+docCols+` FROM documents WHERE collection = ? AND id = ?`, ref.Collection, ref.ID)
	d, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get %s: %w", ref, err))
	}
	return d, nil
}

// Get returns the document or nil when it does not exist.
func (s *Store) Get(ctx context.Context, ref Ref) (*Document, error) {
	return getDocument(ctx, s.db, ref)
}

// Query returns every document matching q, ordered by q.OrderBy then id.
func (s *Store) Query(ctx context.Context, q Query) ([]Document, error) {
	if q.Collection == "" {
		return nil, apperr.Validation("query needs a collection")
	}

	stmt := `SELECT ` + docCols + ` FROM documents WHERE collection = ?`
	args := []any{q.Collection}
	if q.FamilyID != "" {
		stmt += ` AND family_id = ?`
		args = append(args, q.FamilyID)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("query %s: %w", q.Collection, err))
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if q.Matches(d) {
			docs = append(docs, *d)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	q.sort(docs)
	return docs, nil
}

func (q Query) sort(docs []Document) {
	field, desc := q.OrderBy, false
	if len(field) > 0 && field[0] == '-' {
		field, desc = field[1:], true
	}
	sort.SliceStable(docs, func(i, j int) bool {
		if field != "" {
			a, _ := lookup(docs[i].Data, field)
			b, _ := lookup(docs[j].Data, field)
			if c, ok := compare(a, b); ok && c != 0 {
				if desc {
					return c > 0
				}
				return c < 0
			}
		}
		return docs[i].ID < docs[j].ID
	})
}

// Close stops every live subscription.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	ls := make([]*listener, 0, len(s.listeners))
	for l := range s.listeners {
		ls = append(ls, l)
	}
	s.mu.Unlock()

	for _, l := range ls {
		l.cancel()
	}
}

func (s *Store) now() string {
	return s.opts.Now().UTC().Format(time.RFC3339Nano)
}

// classify marks SQLite contention errors as transient.
func classify(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return apperr.Transient(err)
		}
	}
	return err
}
