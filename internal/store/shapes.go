package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/lofi/internal/queryir"
)

// ShapeRecord is the persisted state of one shape subscription.
type ShapeRecord struct {
	Key    string
	Shape  queryir.Shape
	State  string
	Cursor int64
}

// SaveShape inserts or replaces a shape record.
func (s *Store) SaveShape(ctx context.Context, rec ShapeRecord) error {
	def, err := marshalShape(rec.Shape)
	if err != nil {
		return err
	}
	if rec.Key == "" {
		rec.Key, err = rec.Shape.Key()
		if err != nil {
			return fmt.Errorf("shape key: %w", err)
		}
	}
	return s.execLocked(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO shapes (key, definition, state, cursor) VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				definition = excluded.definition,
				state = excluded.state,
				cursor = excluded.cursor
		`, rec.Key, def, rec.State, rec.Cursor)
		if err != nil {
			return fmt.Errorf("save shape %s: %w", rec.Key, err)
		}
		return nil
	})
}

// LoadShapes returns every persisted shape ordered by key.
func (s *Store) LoadShapes(ctx context.Context) ([]ShapeRecord, error) {
	return loadShapes(ctx, s.db)
}

func loadShapes(ctx context.Context, db queryer) ([]ShapeRecord, error) {
	rows, err := db.QueryContext(ctx, `SELECT key, definition, state, cursor FROM shapes ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("query shapes: %w", err)
	}
	defer rows.Close()

	out := []ShapeRecord{}
	for rows.Next() {
		var (
			rec ShapeRecord
			def string
		)
		if err := rows.Scan(&rec.Key, &def, &rec.State, &rec.Cursor); err != nil {
			return nil, fmt.Errorf("scan shape: %w", err)
		}
		rec.Shape, err = unmarshalShape(def)
		if err != nil {
			return nil, fmt.Errorf("shape %s: %w", rec.Key, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shapes: %w", err)
	}
	return out, nil
}

// DeleteShape removes a shape record. Deleting an unknown key is a no-op.
func (s *Store) DeleteShape(ctx context.Context, key string) error {
	return s.execLocked(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM shapes WHERE key = ?`, key); err != nil {
			return fmt.Errorf("delete shape %s: %w", key, err)
		}
		return nil
	})
}
