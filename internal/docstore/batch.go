package docstore

import (
	"context"
	"fmt"
	"maps"
)

type OpKind int

const (
	OpSet OpKind = iota
	OpUpdate
	OpDelete
)

// Op is one write in a Batch. When IfVersion is non-zero the op only
// applies if the document is still at that version.
type Op struct {
	Kind      OpKind
	Ref       Ref
	FamilyID  string
	Data      map[string]any
	IfVersion int64
}

// Batch applies ops in a single SQL transaction and returns the refs that
// were applied. Ops whose IfVersion precondition fails are skipped, so a sweep
// built on Batch never overwrites a concurrent change; re-running the sweep
// picks up whatever was skipped.
func (s *Store) Batch(ctx context.Context, ops []Op) ([]Ref, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("begin batch: %w", err))
	}
	defer sqlTx.Rollback()

	now := s.now()
	var applied []Ref
	changes := make(map[change]struct{})

	for _, op := range ops {
		d, err := getDocument(ctx, sqlTx, op.Ref)
		if err != nil {
			return nil, err
		}
		if op.IfVersion != 0 && (d == nil || d.Version != op.IfVersion) {
			continue
		}

		familyID := op.FamilyID
		switch op.Kind {
		case OpSet:
			if d == nil {
				err = insertDocument(ctx, sqlTx, op.Ref, op.FamilyID, op.Data, now)
			} else {
				err = updateBody(ctx, sqlTx, op.Ref, op.Data, now)
				familyID = d.FamilyID
			}
		case OpUpdate:
			if d == nil {
				continue
			}
			maps.Copy(d.Data, op.Data)
			err = updateBody(ctx, sqlTx, op.Ref, d.Data, now)
			familyID = d.FamilyID
		case OpDelete:
			if d == nil {
				continue
			}
			_, err = sqlTx.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, op.Ref.Collection, op.Ref.ID)
			err = classify(err)
			familyID = d.FamilyID
		default:
			err = fmt.Errorf("unknown op kind %d", op.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("batch %s: %w", op.Ref, err)
		}
		applied = append(applied, op.Ref)
		changes[change{collection: op.Ref.Collection, familyID: familyID}] = struct{}{}
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, classify(fmt.Errorf("commit batch: %w", err))
	}
	s.notify(changes)
	return applied, nil
}
