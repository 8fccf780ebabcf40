package store

import (
	"context"
	"slices"

	"github.com/roach88/lofi/internal/ir"
)

// Origin says where a change set came from.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// RowChange is one row-level change inside a committed transaction.
type RowChange struct {
	Kind    ir.MutationKind
	Table   string
	PK      string
	Columns []string // columns whose value changed, sorted
	Row     ir.Row   // state after the change (tombstone for deletes)
}

// ChangeSet is everything one committed transaction changed.
type ChangeSet struct {
	Origin  Origin
	Changes []RowChange

	// Rejected lists log sequence numbers removed because a remote delete
	// superseded them.
	Rejected []int64
}

// Empty reports whether the transaction changed no rows.
func (cs ChangeSet) Empty() bool {
	return len(cs.Changes) == 0
}

// Tables returns the tables touched, sorted.
func (cs ChangeSet) Tables() []string {
	var tables []string
	for _, c := range cs.Changes {
		if !slices.Contains(tables, c.Table) {
			tables = append(tables, c.Table)
		}
	}
	slices.Sort(tables)
	return tables
}

// Touches reports whether any change affects the table.
func (cs ChangeSet) Touches(table string) bool {
	for _, c := range cs.Changes {
		if c.Table == table {
			return true
		}
	}
	return false
}

// Keys returns the primary keys changed in a table, in change order.
func (cs ChangeSet) Keys(table string) []string {
	var keys []string
	for _, c := range cs.Changes {
		if c.Table == table {
			keys = append(keys, c.PK)
		}
	}
	return keys
}

// Observer receives every committed change set synchronously, before the
// write that produced it returns. A write issued from inside the callback
// with the callback's ctx is delivered depth-first.
type Observer func(ctx context.Context, cs ChangeSet)

type observerEntry struct {
	id int
	fn Observer
}

// AddObserver registers an observer. The returned function removes it and is
// safe to call more than once.
func (s *Store) AddObserver(fn Observer) (remove func()) {
	s.obsMu.Lock()
	s.nextObsID++
	id := s.nextObsID
	s.observers = append(s.observers, &observerEntry{id: id, fn: fn})
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		s.observers = slices.DeleteFunc(s.observers, func(e *observerEntry) bool {
			return e.id == id
		})
	}
}

// notify delivers a committed change set. Called with the writer lock held.
func (s *Store) notify(ctx context.Context, cs ChangeSet) {
	if cs.Empty() {
		return
	}
	s.obsMu.RLock()
	observers := slices.Clone(s.observers)
	s.obsMu.RUnlock()

	for _, o := range observers {
		o.fn(ctx, cs)
	}
}

// changedColumns returns the sorted keys whose values differ between two
// row images.
func changedColumns(before, after ir.IRObject) []string {
	var cols []string
	for k, v := range after {
		if old, ok := before[k]; !ok || !ir.Equal(old, v) {
			cols = append(cols, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			cols = append(cols, k)
		}
	}
	slices.Sort(cols)
	return cols
}
