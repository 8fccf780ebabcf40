package replica

import (
	"context"
	"fmt"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/live"
	"github.com/roach88/lofi/internal/queryir"
	"github.com/roach88/lofi/internal/shape"
	"github.com/roach88/lofi/internal/store"
)

// Where is a loosely typed filter, see queryir.FromWhere.
type Where = map[string]any

// Data is a row or patch of plain Go values, see ir.FromGo.
type Data = map[string]any

// FindOptions selects rows for FindMany, FindFirst and the live variants.
type FindOptions struct {
	Where   Where
	OrderBy []queryir.Order
	Limit   int
}

// SyncOptions selects the remote rows a Sync subscribes to.
type SyncOptions struct {
	Where   Where
	Include []string // relation names declared on the table
}

// Table reads and writes one table of a replica.
type Table struct {
	r    *Replica
	name string
}

// Name returns the table name.
func (t *Table) Name() string {
	return t.name
}

func (t *Table) query(opts FindOptions) (queryir.Query, error) {
	where, err := queryir.FromWhere(opts.Where)
	if err != nil {
		return queryir.Query{}, fmt.Errorf("%s: %w", t.name, err)
	}
	return queryir.Query{Table: t.name, Where: where, OrderBy: opts.OrderBy, Limit: opts.Limit}, nil
}

func (t *Table) schema() (*ir.TableSchema, error) {
	ts, ok := t.r.store.Schema().Table(t.name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", store.ErrUnknownTable, t.name)
	}
	return ts, nil
}

// Create inserts a row. A missing primary key is generated.
func (t *Table) Create(ctx context.Context, data Data) (ir.Row, error) {
	ts, err := t.schema()
	if err != nil {
		return ir.Row{}, err
	}
	obj, err := ir.ObjectFromGo(data)
	if err != nil {
		return ir.Row{}, fmt.Errorf("create %s: %w", t.name, err)
	}
	if v, ok := obj[ts.PrimaryKey]; !ok || ir.IsNull(v) {
		obj[ts.PrimaryKey] = ir.IRString(t.r.newID())
	}
	rows, err := t.r.store.Apply(ctx, ir.Insert(t.name, obj))
	if err != nil {
		return ir.Row{}, err
	}
	return rows[0], nil
}

// Update applies data to the first row matching where, in primary key
// order. It fails with store.ErrNotFound when nothing matches.
func (t *Table) Update(ctx context.Context, where Where, data Data) (ir.Row, error) {
	var updated ir.Row
	err := t.each(ctx, where, 1, func(tx *store.Tx, pk string) error {
		patch, err := ir.ObjectFromGo(data)
		if err != nil {
			return fmt.Errorf("update %s: %w", t.name, err)
		}
		updated, err = tx.Update(t.name, pk, patch)
		return err
	})
	return updated, err
}

// UpdateMany applies data to every row matching where in one transaction
// and returns how many rows matched.
func (t *Table) UpdateMany(ctx context.Context, where Where, data Data) (int, error) {
	patch, err := ir.ObjectFromGo(data)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", t.name, err)
	}
	n := 0
	err = t.each(ctx, where, 0, func(tx *store.Tx, pk string) error {
		n++
		_, err := tx.Update(t.name, pk, patch)
		return err
	})
	if store.IsNotFound(err) && n == 0 {
		return 0, nil
	}
	return n, err
}

// Delete removes the first row matching where, in primary key order.
// It fails with store.ErrNotFound when nothing matches.
func (t *Table) Delete(ctx context.Context, where Where) (ir.Row, error) {
	var deleted ir.Row
	err := t.each(ctx, where, 1, func(tx *store.Tx, pk string) error {
		var err error
		deleted, err = tx.Delete(t.name, pk)
		return err
	})
	return deleted, err
}

// DeleteMany removes every row matching where in one transaction and
// returns how many were deleted. Rows already removed by a cascade from an
// earlier match are not counted twice.
func (t *Table) DeleteMany(ctx context.Context, where Where) (int, error) {
	n := 0
	err := t.each(ctx, where, 0, func(tx *store.Tx, pk string) error {
		_, err := tx.Delete(t.name, pk)
		if store.IsNotFound(err) {
			return nil
		}
		if err == nil {
			n++
		}
		return err
	})
	if store.IsNotFound(err) && n == 0 {
		return 0, nil
	}
	return n, err
}

// each runs fn for the rows matching where, inside one write transaction.
// It returns store.ErrNotFound when nothing matches.
func (t *Table) each(ctx context.Context, where Where, limit int, fn func(tx *store.Tx, pk string) error) error {
	q, err := t.query(FindOptions{Where: where, Limit: limit})
	if err != nil {
		return err
	}
	_, err = t.r.store.Write(ctx, func(tx *store.Tx) error {
		rows, err := tx.Select(q)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return fmt.Errorf("%w: no %s row matches", store.ErrNotFound, t.name)
		}
		for _, row := range rows {
			if err := fn(tx, row.PK); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

// FindMany returns the live rows matching opts.
func (t *Table) FindMany(ctx context.Context, opts FindOptions) ([]ir.Row, error) {
	q, err := t.query(opts)
	if err != nil {
		return nil, err
	}
	return t.r.store.Read(ctx, q)
}

// FindFirst returns the first row matching opts, or nil.
func (t *Table) FindFirst(ctx context.Context, opts FindOptions) (*ir.Row, error) {
	opts.Limit = 1
	rows, err := t.FindMany(ctx, opts)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// LiveMany returns the current result and calls cb with every new result
// until cancel is called.
func (t *Table) LiveMany(ctx context.Context, opts FindOptions, cb live.Callback) ([]ir.Row, func(), error) {
	q, err := t.query(opts)
	if err != nil {
		return nil, nil, err
	}
	return t.r.live.Subscribe(ctx, q, cb)
}

// LiveFirst is LiveMany limited to the first row.
func (t *Table) LiveFirst(ctx context.Context, opts FindOptions, cb live.FirstCallback) (*ir.Row, func(), error) {
	q, err := t.query(opts)
	if err != nil {
		return nil, nil, err
	}
	return t.r.live.SubscribeFirst(ctx, q, cb)
}

// Sync subscribes to the remote rows of this table matching opts. The
// subscription's Synced channel closes once they are all present locally.
func (t *Table) Sync(ctx context.Context, opts SyncOptions) (*shape.Subscription, error) {
	where, err := queryir.FromWhere(opts.Where)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shape.ErrShapeDefinitionInvalid, err)
	}
	return t.r.shapes.Sync(ctx, queryir.Shape{Table: t.name, Where: where, Include: opts.Include})
}
