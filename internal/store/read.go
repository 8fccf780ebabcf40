package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/queryir"
)

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Read runs a query against committed state.
// Results are ordered deterministically: the query's order_by, then pk
// ascending (binary collation). Tombstones are never returned.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) Read(ctx context.Context, q queryir.Query) ([]ir.Row, error) {
	return s.selectRows(ctx, s.db, q)
}

// Get returns a live row by primary key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, table, pk string) (ir.Row, error) {
	if _, err := s.tableSchema(table); err != nil {
		return ir.Row{}, err
	}
	return getRow(ctx, s.db, table, pk)
}

// Count returns the number of live rows in a table.
func (s *Store) Count(ctx context.Context, table string) (int, error) {
	if _, err := s.tableSchema(table); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rows WHERE table_name = ? AND deleted = 0
	`, table).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// Select runs a query inside the transaction, seeing its uncommitted writes.
func (t *Tx) Select(q queryir.Query) ([]ir.Row, error) {
	return t.s.selectRows(t.ctx, t.tx, q)
}

// Get returns a live row inside the transaction, or ErrNotFound.
func (t *Tx) Get(table, pk string) (ir.Row, error) {
	if _, err := t.s.tableSchema(table); err != nil {
		return ir.Row{}, err
	}
	return getRow(t.ctx, t.tx, table, pk)
}

func (s *Store) selectRows(ctx context.Context, db queryer, q queryir.Query) ([]ir.Row, error) {
	if _, err := s.tableSchema(q.Table); err != nil {
		return nil, err
	}
	if errs := queryir.Validate(s.schema, q); len(errs) > 0 {
		return nil, fmt.Errorf("invalid query: %s", ir.JoinValidationErrors(errs))
	}
	query, args, err := s.compiler.Compile(q)
	if err != nil {
		return nil, fmt.Errorf("compile query: %w", err)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Table, err)
	}
	return scanRows(rows)
}

func getRow(ctx context.Context, db queryer, table, pk string) (ir.Row, error) {
	row, err := scanRow(db.QueryRowContext(ctx, `
		SELECT table_name, pk, data, local_version, server_version, deleted
		FROM rows WHERE table_name = ? AND pk = ? AND deleted = 0
	`, table, pk))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Row{}, notFound(table, pk)
	}
	if err != nil {
		return ir.Row{}, fmt.Errorf("get %s/%s: %w", table, pk, err)
	}
	return row, nil
}

// scanAll reads every row of a table including tombstones, ordered by pk.
// Used by snapshots and diagnostics.
func (s *Store) scanAll(ctx context.Context, table string) ([]ir.Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT table_name, pk, data, local_version, server_version, deleted
		FROM rows WHERE table_name = ?
		ORDER BY pk COLLATE BINARY ASC
	`, table)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", table, err)
	}
	return scanRows(rows)
}

// Dump returns every row of every table, tombstones included, ordered by
// table then pk.
func (s *Store) Dump(ctx context.Context) ([]ir.Row, error) {
	out := []ir.Row{}
	for _, name := range s.schema.TableNames() {
		rows, err := s.scanAll(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}
