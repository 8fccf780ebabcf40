package store

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/queryir"
)

// ApplyRemote applies changes received from the remote source through the
// normal write path with origin remote. No log entries are written.
//
// A change whose server version is not newer than the row's is ignored, so
// replaying a batch is harmless. An upsert keeps the fields of the row's
// pending local entries overlaid. A delete discards the row's pending local
// entries; their sequence numbers are reported in ChangeSet.Rejected.
func (s *Store) ApplyRemote(ctx context.Context, changes []ir.Change) (ChangeSet, error) {
	return s.write(ctx, OriginRemote, func(tx *Tx) error {
		for _, c := range changes {
			if err := tx.applyRemote(c); err != nil {
				return err
			}
		}
		return nil
	})
}

func (t *Tx) applyRemote(c ir.Change) error {
	if _, err := t.s.tableSchema(c.Table); err != nil {
		return err
	}
	existing, found, err := t.lookup(c.Table, c.PK)
	if err != nil {
		return err
	}
	if c.Kind == ir.ChangeMoveOut {
		covered, err := t.coveredByShape(c.Table, c.Data)
		if err != nil {
			return err
		}
		switch {
		case covered:
			c.Kind = ir.ChangeUpsert
		case !found || existing.Deleted:
			return nil
		default:
			c.Kind = ir.ChangeDelete
		}
	}
	if found && stale(existing, c) {
		return nil
	}
	return t.rebase(existing, found, c)
}

// stale reports whether c is not newer than the local row. An upsert at
// the version of a tombstone still applies: remote deletes carry their own
// version, so such a tombstone came from a move-out or a prune.
func stale(existing ir.Row, c ir.Change) bool {
	if c.ServerVersion == existing.ServerVersion {
		return c.Kind != ir.ChangeUpsert || !existing.Deleted
	}
	return c.ServerVersion < existing.ServerVersion
}

// coveredByShape reports whether a persisted shape still wants the row:
// the row matches a shape on its table, or a matching row of a shape that
// includes the table references it.
func (t *Tx) coveredByShape(table string, data ir.IRObject) (bool, error) {
	shapes, err := loadShapes(t.ctx, t.tx)
	if err != nil {
		return false, err
	}
	row := ir.Row{Table: table, Data: data}
	for _, rec := range shapes {
		if rec.Shape.Matches(row) {
			return true, nil
		}
		ts, ok := t.s.schema.Table(rec.Shape.Table)
		if !ok {
			continue
		}
		for _, name := range rec.Shape.Include {
			r, ok := ts.Relation(name)
			if !ok || r.Table != table || ir.IsNull(data[r.References]) {
				continue
			}
			refs, err := t.Select(queryir.Query{
				Table: rec.Shape.Table,
				Where: queryir.AllOf(rec.Shape.Where, queryir.Eq(r.Field, data[r.References])),
				Limit: 1,
			})
			if err != nil {
				return false, err
			}
			if len(refs) > 0 {
				return true, nil
			}
		}
	}
	return false, nil
}

// PruneShape tombstones the local rows of a shape that a full snapshot did
// not contain. present holds the pks the snapshot delivered, by table. Rows
// never seen by the remote, rows with pending entries and rows another
// shape still covers are kept.
func (s *Store) PruneShape(ctx context.Context, key string, present map[string]map[string]bool) (ChangeSet, error) {
	return s.write(ctx, OriginRemote, func(tx *Tx) error {
		shapes, err := loadShapes(tx.ctx, tx.tx)
		if err != nil {
			return err
		}
		var target *ShapeRecord
		var others []ShapeRecord
		for i := range shapes {
			if shapes[i].Key == key {
				target = &shapes[i]
			} else {
				others = append(others, shapes[i])
			}
		}
		if target == nil {
			return nil
		}
		rows, err := tx.Select(queryir.Query{Table: target.Shape.Table, Where: target.Shape.Where})
		if err != nil {
			return err
		}
		for _, row := range rows {
			if row.ServerVersion == 0 || present[row.Table][row.PK] || slices.ContainsFunc(others, func(o ShapeRecord) bool { return o.Shape.Matches(row) }) {
				continue
			}
			entries, err := tx.rowEntries(row.Table, row.PK)
			if err != nil {
				return err
			}
			if len(entries) > 0 {
				continue
			}
			gone := ir.Change{Kind: ir.ChangeDelete, Table: row.Table, PK: row.PK, ServerVersion: row.ServerVersion}
			if err := tx.rebase(row, true, gone); err != nil {
				return err
			}
		}
		return nil
	})
}

// rebase replaces the row's server state with c and re-applies whatever
// local entries remain pending on top of it.
func (t *Tx) rebase(existing ir.Row, found bool, c ir.Change) error {
	row := ir.Row{
		Table:         c.Table,
		PK:            c.PK,
		ServerVersion: c.ServerVersion,
	}

	switch c.Kind {
	case ir.ChangeUpsert:
		entries, err := t.rowEntries(c.Table, c.PK)
		if err != nil {
			return err
		}
		row.Data = c.Data.Clone()
		for _, e := range entries {
			switch e.Kind {
			case ir.MutationInsert, ir.MutationUpdate:
				row.Data = row.Data.Merge(e.Fields)
				row.Deleted = false
			case ir.MutationDelete:
				row.Deleted = true
			}
		}
	case ir.ChangeDelete:
		seqs, err := t.dropEntries(c.Table, c.PK)
		if err != nil {
			return err
		}
		t.cs.Rejected = append(t.cs.Rejected, seqs...)
		row.Data = ir.IRObject{}
		if found {
			row.Data = existing.Data
		}
		row.Deleted = true
	default:
		return fmt.Errorf("unknown change kind %q", c.Kind)
	}

	row.LocalVersion = t.s.clock.Next()
	if err := t.putRow(row); err != nil {
		return err
	}

	wasLive := found && !existing.Deleted
	switch {
	case !wasLive && !row.Deleted:
		t.record(RowChange{Kind: ir.MutationInsert, Table: row.Table, PK: row.PK, Columns: row.Data.SortedKeys(), Row: row})
	case wasLive && row.Deleted:
		t.record(RowChange{Kind: ir.MutationDelete, Table: row.Table, PK: row.PK, Columns: existing.Data.SortedKeys(), Row: row})
	case wasLive:
		if cols := changedColumns(existing.Data, row.Data); len(cols) > 0 {
			t.record(RowChange{Kind: ir.MutationUpdate, Table: row.Table, PK: row.PK, Columns: cols, Row: row})
		}
	}
	return nil
}
