package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/queryir"
)

// errNestedWrite is returned when Write is called with a context that is
// inside an open transaction of the same store.
var errNestedWrite = errors.New("store: Write called inside an open transaction; use the *Tx")

// Tx is an open write transaction. All methods operate on the transaction's
// snapshot; nothing is visible to readers until the write commits.
//
// Tx is not safe for concurrent use and must not be retained after the
// write function returns.
type Tx struct {
	s   *Store
	tx  *sql.Tx
	ctx context.Context
	cs  ChangeSet
}

// Context returns the transaction's context.
func (t *Tx) Context() context.Context {
	return t.ctx
}

// Write runs fn in a single transaction on the local write path.
//
// Either everything fn did commits, or nothing does. After commit, every
// observer receives the ChangeSet before Write returns. If fn returns an
// error the transaction is rolled back, the logical clock is rewound and the
// error is returned unchanged.
func (s *Store) Write(ctx context.Context, fn func(*Tx) error) (ChangeSet, error) {
	return s.write(ctx, OriginLocal, fn)
}

func (s *Store) write(ctx context.Context, origin Origin, fn func(*Tx) error) (ChangeSet, error) {
	if _, inTx := ctx.Value(txKey{}).(*Tx); inTx {
		return ChangeSet{}, errNestedWrite
	}
	ctx, unlock, err := s.lockWriter(ctx)
	if err != nil {
		return ChangeSet{}, err
	}
	defer unlock()

	start := s.clock.Current()
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ChangeSet{}, fmt.Errorf("begin write: %w", err)
	}

	tx := &Tx{s: s, tx: sqlTx, cs: ChangeSet{Origin: origin}}
	tx.ctx = context.WithValue(ctx, txKey{}, tx)

	if err := fn(tx); err != nil {
		sqlTx.Rollback()
		s.clock.reset(start)
		return ChangeSet{}, err
	}

	if s.clock.Current() != start {
		if _, err := sqlTx.ExecContext(ctx, `
			INSERT INTO meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, metaClock, strconv.FormatInt(s.clock.Current(), 10)); err != nil {
			sqlTx.Rollback()
			s.clock.reset(start)
			return ChangeSet{}, fmt.Errorf("persist clock: %w", err)
		}
	}

	if err := sqlTx.Commit(); err != nil {
		s.clock.reset(start)
		return ChangeSet{}, fmt.Errorf("commit write: %w", err)
	}

	if !tx.cs.Empty() {
		s.logger.Debug("write committed",
			"origin", origin,
			"changes", len(tx.cs.Changes),
			"tables", tx.cs.Tables(),
			"clock", s.clock.Current())
	}

	// Observers get the writer-owning ctx so they may write again.
	s.notify(ctx, tx.cs)
	return tx.cs, nil
}

type txKey struct{}

// Apply applies local mutations in one transaction and returns the resulting
// rows in order. Deletes return the tombstone.
func (s *Store) Apply(ctx context.Context, mutations ...ir.Mutation) ([]ir.Row, error) {
	var out []ir.Row
	_, err := s.Write(ctx, func(tx *Tx) error {
		for i, m := range mutations {
			row, err := tx.Mutate(m)
			if err != nil {
				if len(mutations) == 1 {
					return err
				}
				return fmt.Errorf("mutation %d: %w", i, err)
			}
			out = append(out, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Mutate applies one mutation.
func (t *Tx) Mutate(m ir.Mutation) (ir.Row, error) {
	switch m.Kind {
	case ir.MutationInsert:
		data := m.Data
		if m.PK != "" {
			ts, err := t.s.tableSchema(m.Table)
			if err != nil {
				return ir.Row{}, err
			}
			if v, ok := data[ts.PrimaryKey]; ok && !ir.Equal(v, ir.IRString(m.PK)) {
				return ir.Row{}, &ConstraintError{
					Table: m.Table, PK: m.PK, Column: ts.PrimaryKey,
					Reason:  ReasonKeyChanged,
					Message: "mutation key does not match primary key column",
				}
			}
			data = data.Merge(ir.IRObject{ts.PrimaryKey: ir.IRString(m.PK)})
		}
		return t.Insert(m.Table, data)
	case ir.MutationUpdate:
		return t.Update(m.Table, m.PK, m.Data)
	case ir.MutationDelete:
		return t.Delete(m.Table, m.PK)
	default:
		return ir.Row{}, fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
}

// Insert creates a row. The primary key is taken from data.
//
// Fails with a *ConstraintError when the key already exists (and is not a
// tombstone), a column is unknown or mistyped, a required column is missing,
// or a relation points at a missing row.
func (t *Tx) Insert(table string, data ir.IRObject) (ir.Row, error) {
	ts, err := t.s.tableSchema(table)
	if err != nil {
		return ir.Row{}, err
	}
	pkVal, ok := data[ts.PrimaryKey].(ir.IRString)
	if !ok || pkVal == "" {
		return ir.Row{}, &ConstraintError{
			Table: table, Column: ts.PrimaryKey,
			Reason:  ReasonMissingKey,
			Message: "primary key must be a non-empty string",
		}
	}
	pk := string(pkVal)

	if errs := ts.ValidateRow(data); len(errs) > 0 {
		return ir.Row{}, &ConstraintError{
			Table: table, PK: pk, Column: errs[0].Field,
			Reason:  ReasonInvalidColumn,
			Message: ir.JoinValidationErrors(errs),
		}
	}

	existing, found, err := t.lookup(table, pk)
	if err != nil {
		return ir.Row{}, err
	}
	if found && !existing.Deleted {
		return ir.Row{}, &ConstraintError{
			Table: table, PK: pk, Column: ts.PrimaryKey,
			Reason:  ReasonDuplicateKey,
			Message: "a row with this primary key already exists",
		}
	}
	if err := t.checkReferences(ts, pk, data, nil); err != nil {
		return ir.Row{}, err
	}

	version := t.s.clock.Next()
	row := ir.Row{
		Table:         table,
		PK:            pk,
		Data:          data.Clone(),
		LocalVersion:  version,
		ServerVersion: existing.ServerVersion,
	}
	if err := t.putRow(row); err != nil {
		return ir.Row{}, err
	}
	if err := t.appendLog(ir.OpEntry{
		Seq:         version,
		Kind:        ir.MutationInsert,
		Table:       table,
		PK:          pk,
		Fields:      row.Data,
		BaseVersion: existing.ServerVersion,
	}); err != nil {
		return ir.Row{}, err
	}
	t.record(RowChange{Kind: ir.MutationInsert, Table: table, PK: pk, Columns: row.Data.SortedKeys(), Row: row})
	return row, nil
}

// Update changes the given columns of a live row. Unchanged values are
// ignored; an update that changes nothing is not logged. The primary key may
// be repeated in the patch but not changed.
func (t *Tx) Update(table, pk string, patch ir.IRObject) (ir.Row, error) {
	ts, err := t.s.tableSchema(table)
	if err != nil {
		return ir.Row{}, err
	}
	existing, found, err := t.lookup(table, pk)
	if err != nil {
		return ir.Row{}, err
	}
	if !found || existing.Deleted {
		return ir.Row{}, notFound(table, pk)
	}

	patch = patch.Clone()
	if v, ok := patch[ts.PrimaryKey]; ok {
		if !ir.Equal(v, ir.IRString(pk)) {
			return ir.Row{}, &ConstraintError{
				Table: table, PK: pk, Column: ts.PrimaryKey,
				Reason:  ReasonKeyChanged,
				Message: "primary key cannot be changed",
			}
		}
		delete(patch, ts.PrimaryKey)
	}
	if errs := ts.ValidatePatch(patch); len(errs) > 0 {
		return ir.Row{}, &ConstraintError{
			Table: table, PK: pk, Column: errs[0].Field,
			Reason:  ReasonInvalidColumn,
			Message: ir.JoinValidationErrors(errs),
		}
	}

	next := existing.Data.Merge(patch)
	cols := changedColumns(existing.Data, next)
	if len(cols) == 0 {
		return existing, nil
	}
	if err := t.checkReferences(ts, pk, next, cols); err != nil {
		return ir.Row{}, err
	}

	fields := make(ir.IRObject, len(cols))
	for _, c := range cols {
		fields[c] = next[c]
	}

	version := t.s.clock.Next()
	row := existing
	row.Data = next
	row.LocalVersion = version
	if err := t.putRow(row); err != nil {
		return ir.Row{}, err
	}
	if err := t.appendLog(ir.OpEntry{
		Seq:         version,
		Kind:        ir.MutationUpdate,
		Table:       table,
		PK:          pk,
		Fields:      fields,
		BaseVersion: existing.ServerVersion,
	}); err != nil {
		return ir.Row{}, err
	}
	t.record(RowChange{Kind: ir.MutationUpdate, Table: table, PK: pk, Columns: cols, Row: row})
	return row, nil
}

// Delete tombstones a live row, first applying the on_delete action of every
// relation that references it: cascade deletes dependents (each logged),
// set_null clears the referencing column, restrict fails.
func (t *Tx) Delete(table, pk string) (ir.Row, error) {
	if _, err := t.s.tableSchema(table); err != nil {
		return ir.Row{}, err
	}
	existing, found, err := t.lookup(table, pk)
	if err != nil {
		return ir.Row{}, err
	}
	if !found || existing.Deleted {
		return ir.Row{}, notFound(table, pk)
	}

	for _, dep := range t.s.schema.Dependents(table) {
		ref := existing.Get(dep.Relation.References)
		if ir.IsNull(ref) {
			continue
		}
		children, err := t.Select(queryir.Query{Table: dep.Table, Where: queryir.Eq(dep.Relation.Field, ref)})
		if err != nil {
			return ir.Row{}, err
		}
		for _, child := range children {
			if child.Table == table && child.PK == pk {
				continue
			}
			switch dep.Relation.OnDelete {
			case ir.OnDeleteRestrict:
				return ir.Row{}, &ConstraintError{
					Table: table, PK: pk,
					Reason:  ReasonRestrictDelete,
					Message: fmt.Sprintf("referenced by %s/%s via %s", dep.Table, child.PK, dep.Relation.Field),
				}
			case ir.OnDeleteCascade:
				if _, err := t.Delete(dep.Table, child.PK); err != nil && !IsNotFound(err) {
					return ir.Row{}, err
				}
			case ir.OnDeleteSetNull:
				if _, err := t.Update(dep.Table, child.PK, ir.IRObject{dep.Relation.Field: ir.IRNull{}}); err != nil {
					return ir.Row{}, err
				}
			}
		}
	}

	version := t.s.clock.Next()
	row := existing
	row.Deleted = true
	row.LocalVersion = version
	if err := t.putRow(row); err != nil {
		return ir.Row{}, err
	}
	if err := t.appendLog(ir.OpEntry{
		Seq:         version,
		Kind:        ir.MutationDelete,
		Table:       table,
		PK:          pk,
		BaseVersion: existing.ServerVersion,
	}); err != nil {
		return ir.Row{}, err
	}
	t.record(RowChange{Kind: ir.MutationDelete, Table: table, PK: pk, Columns: existing.Data.SortedKeys(), Row: row})
	return row, nil
}

// checkReferences verifies that every non-null relation field points at a
// live row. When only is non-nil, only relations on those columns are checked.
func (t *Tx) checkReferences(ts *ir.TableSchema, pk string, data ir.IRObject, only []string) error {
	for _, r := range ts.Relations {
		if only != nil && !contains(only, r.Field) {
			continue
		}
		v := data[r.Field]
		if ir.IsNull(v) {
			continue
		}
		ok, err := t.referenceExists(r, v)
		if err != nil {
			return err
		}
		if !ok {
			return &ConstraintError{
				Table: ts.Name, PK: pk, Column: r.Field,
				Reason:  ReasonDanglingRef,
				Message: fmt.Sprintf("no live %s row with %s = %s", r.Table, r.References, valueString(v)),
			}
		}
	}
	return nil
}

func (t *Tx) referenceExists(r ir.Relation, v ir.IRValue) (bool, error) {
	target, err := t.s.tableSchema(r.Table)
	if err != nil {
		return false, err
	}
	if r.References == target.PrimaryKey {
		s, ok := v.(ir.IRString)
		if !ok {
			return false, nil
		}
		row, found, err := t.lookup(r.Table, string(s))
		if err != nil {
			return false, err
		}
		return found && !row.Deleted, nil
	}
	rows, err := t.Select(queryir.Query{Table: r.Table, Where: queryir.Eq(r.References, v), Limit: 1})
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// lookup returns a row including tombstones.
func (t *Tx) lookup(table, pk string) (ir.Row, bool, error) {
	row, err := scanRow(t.tx.QueryRowContext(t.ctx, `
		SELECT table_name, pk, data, local_version, server_version, deleted
		FROM rows WHERE table_name = ? AND pk = ?
	`, table, pk))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Row{}, false, nil
	}
	if err != nil {
		return ir.Row{}, false, fmt.Errorf("lookup %s/%s: %w", table, pk, err)
	}
	return row, true, nil
}

func (t *Tx) putRow(row ir.Row) error {
	data, err := marshalData(row.Data)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO rows (table_name, pk, data, local_version, server_version, deleted)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(table_name, pk) DO UPDATE SET
			data = excluded.data,
			local_version = excluded.local_version,
			server_version = excluded.server_version,
			deleted = excluded.deleted
	`, row.Table, row.PK, data, row.LocalVersion, row.ServerVersion, boolToInt(row.Deleted))
	if err != nil {
		return fmt.Errorf("write row %s/%s: %w", row.Table, row.PK, err)
	}
	return nil
}

func (t *Tx) appendLog(e ir.OpEntry) error {
	fields, err := marshalData(e.Fields)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO oplog (seq, kind, table_name, pk, fields, base_version, client_ts, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending')
	`, e.Seq, string(e.Kind), e.Table, e.PK, fields, e.BaseVersion, t.s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("append oplog %d: %w", e.Seq, err)
	}
	return nil
}

func (t *Tx) record(c RowChange) {
	t.cs.Changes = append(t.cs.Changes, c)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func valueString(v ir.IRValue) string {
	b, err := ir.MarshalIRValue(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
