package server

import (
	"fmt"
	"slices"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/queryir"
)

// snapshotBatch is the number of changes per snapshot message.
const snapshotBatch = 500

// subscription is one shape a session follows.
type subscription struct {
	key       string
	shape     queryir.Shape
	relations []ir.Relation // included relations, resolved
}

func (s *Server) newSubscription(key string, shape queryir.Shape) (*subscription, error) {
	shape = shape.Normalize()
	errs := queryir.ValidateShape(s.schema, shape)
	if len(errs) == 0 {
		errs = queryir.Validate(s.schema, queryir.Query{Table: shape.Table, Where: shape.Where})
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid shape: %s", ir.JoinValidationErrors(errs))
	}
	want, err := shape.Key()
	if err != nil {
		return nil, err
	}
	if key != want {
		return nil, fmt.Errorf("shape key mismatch: got %s, want %s", key, want)
	}
	ts, _ := s.schema.Table(shape.Table)
	sub := &subscription{key: key, shape: shape}
	for _, name := range shape.Include {
		r, _ := ts.Relation(name)
		sub.relations = append(sub.relations, r)
	}
	return sub, nil
}

func (sub *subscription) includes(table string) bool {
	for _, r := range sub.relations {
		if r.Table == table {
			return true
		}
	}
	return false
}

func (sub *subscription) matches(rec *record) bool {
	return rec.table == sub.shape.Table && !rec.deleted && queryir.Eval(sub.shape.Where, rec.data)
}

// snapshot returns the current content of the shape: matching rows in pk
// order, each followed by the rows it references through included
// relations. Called with s.mu held.
func (s *Server) snapshot(sub *subscription) []ir.Change {
	seen := make(map[string]bool)
	var out []ir.Change
	for _, rec := range s.sortedRecords(sub.shape.Table) {
		if sub.matches(rec) {
			out = s.appendWithParents(out, seen, sub, rec)
		}
	}
	return out
}

// tail returns the changes a session that has applied everything up to
// cursor needs to catch up. Rows of the shape's table that do not match now
// are reported only if they were in the shape at some point after cursor;
// anything else may belong to another shape of the same client. Called
// with s.mu held.
func (s *Server) tail(sub *subscription, cursor int64) []ir.Change {
	var touched []*record
	wasIn := make(map[*record]bool)
	for _, e := range s.logAfter(cursor) {
		rec := s.tables[e.Change.Table][e.Change.PK]
		if !slices.Contains(touched, rec) {
			touched = append(touched, rec)
		}
		if e.Before != nil && sub.shape.Matches(*e.Before) {
			wasIn[rec] = true
		}
	}
	seen := make(map[string]bool)
	var out []ir.Change
	for _, rec := range touched {
		if rec.table == sub.shape.Table && !sub.matches(rec) && !wasIn[rec] && !sub.includes(rec.table) {
			continue
		}
		out = append(out, s.currentChanges(sub, rec, seen)...)
	}
	return out
}

// changesFor returns what a subscription must receive for one new log
// entry. Called with s.mu held.
func (s *Server) changesFor(sub *subscription, e LogEntry) []ir.Change {
	rec := s.tables[e.Change.Table][e.Change.PK]
	switch {
	case rec.table == sub.shape.Table:
		// A row outside the shape concerns the session only if it just left.
		wasIn := e.Before != nil && sub.shape.Matches(*e.Before)
		if !sub.matches(rec) && !wasIn && !sub.includes(rec.table) {
			return nil
		}
	case !sub.includes(rec.table):
		return nil
	}
	return s.currentChanges(sub, rec, make(map[string]bool))
}

// currentChanges describes the current state of rec as seen through sub.
func (s *Server) currentChanges(sub *subscription, rec *record, seen map[string]bool) []ir.Change {
	var out []ir.Change
	if rec.table == sub.shape.Table {
		switch {
		case sub.matches(rec):
			return s.appendWithParents(out, seen, sub, rec)
		case rec.deleted:
			out = append(out, deletion(rec))
		default:
			out = append(out, moveOut(rec))
		}
		seen[rowKey(rec)] = true
	}
	if sub.includes(rec.table) && !seen[rowKey(rec)] {
		switch {
		case rec.deleted:
			out = append(out, deletion(rec))
		case s.referenced(sub, rec):
			out = append(out, rec.change())
		}
		seen[rowKey(rec)] = true
	}
	return out
}

func (s *Server) appendWithParents(out []ir.Change, seen map[string]bool, sub *subscription, rec *record) []ir.Change {
	if !seen[rowKey(rec)] {
		out = append(out, rec.change())
		seen[rowKey(rec)] = true
	}
	for _, r := range sub.relations {
		parent := s.lookupRef(r, rec.data[r.Field])
		if parent == nil || seen[rowKey(parent)] {
			continue
		}
		out = append(out, parent.change())
		seen[rowKey(parent)] = true
	}
	return out
}

// lookupRef finds the live row of r.Table whose r.References column equals v.
func (s *Server) lookupRef(r ir.Relation, v ir.IRValue) *record {
	if ir.IsNull(v) {
		return nil
	}
	target, ok := s.schema.Table(r.Table)
	if !ok {
		return nil
	}
	if r.References == target.PrimaryKey {
		pk, ok := v.(ir.IRString)
		if !ok {
			return nil
		}
		rec, ok := s.tables[r.Table][string(pk)]
		if !ok || rec.deleted {
			return nil
		}
		return rec
	}
	for _, rec := range s.sortedRecords(r.Table) {
		if !rec.deleted && ir.Equal(rec.data[r.References], v) {
			return rec
		}
	}
	return nil
}

// referenced reports whether a row of the shape points at target.
func (s *Server) referenced(sub *subscription, target *record) bool {
	for _, r := range sub.relations {
		if r.Table != target.table {
			continue
		}
		key := target.data[r.References]
		for _, rec := range s.tables[sub.shape.Table] {
			if sub.matches(rec) && ir.Equal(rec.data[r.Field], key) {
				return true
			}
		}
	}
	return false
}

func deletion(rec *record) ir.Change {
	return ir.Change{Kind: ir.ChangeDelete, Table: rec.table, PK: rec.pk, ServerVersion: rec.version}
}

// moveOut reports a live row that left the shape. The row travels along so
// the client can keep it when another of its shapes still covers it.
func moveOut(rec *record) ir.Change {
	return ir.Change{Kind: ir.ChangeMoveOut, Table: rec.table, PK: rec.pk, Data: rec.data.Clone(), ServerVersion: rec.version}
}

func rowKey(rec *record) string {
	return rec.table + "\x00" + rec.pk
}

func batches(changes []ir.Change, size int) [][]ir.Change {
	if len(changes) == 0 {
		return [][]ir.Change{nil}
	}
	var out [][]ir.Change
	for len(changes) > size {
		out = append(out, changes[:size])
		changes = changes[size:]
	}
	return append(out, changes)
}
