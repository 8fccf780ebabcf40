package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CollectGarbage physically removes tombstones that no log entry refers to,
// which means their delete has been acknowledged (or came from the remote).
// Returns the number of rows removed.
func (s *Store) CollectGarbage(ctx context.Context) (int, error) {
	var n int64
	err := s.execLocked(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM rows
			WHERE deleted = 1
			AND NOT EXISTS (
				SELECT 1 FROM oplog
				WHERE oplog.table_name = rows.table_name AND oplog.pk = rows.pk
			)
		`)
		if err != nil {
			return fmt.Errorf("collect garbage: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Debug("tombstones collected", "rows", n)
	}
	return int(n), nil
}

// TombstoneCount returns the number of tombstones still stored.
func (s *Store) TombstoneCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rows WHERE deleted = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tombstones: %w", err)
	}
	return n, nil
}
