package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/lofi/internal/ir"
)

const entryColumns = "seq, kind, table_name, pk, fields, base_version, client_ts, status, error"

// PendingEntries returns up to limit unacknowledged log entries (pending and
// sent) in sequence order. A limit <= 0 returns all of them.
func (s *Store) PendingEntries(ctx context.Context, limit int) ([]ir.OpEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM oplog ORDER BY seq ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query oplog: %w", err)
	}
	return scanEntries(rows)
}

// EntriesForRow returns the unacknowledged entries of one row in sequence
// order.
func (s *Store) EntriesForRow(ctx context.Context, table, pk string) ([]ir.OpEntry, error) {
	return entriesForRow(ctx, s.db, table, pk)
}

// Entry returns one log entry by sequence number.
func (s *Store) Entry(ctx context.Context, seq int64) (ir.OpEntry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM oplog WHERE seq = ?`, seq))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.OpEntry{}, fmt.Errorf("oplog %d: %w", seq, ErrNotFound)
	}
	if err != nil {
		return ir.OpEntry{}, fmt.Errorf("read oplog %d: %w", seq, err)
	}
	return e, nil
}

// PendingCount returns the number of unacknowledged entries.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM oplog`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count oplog: %w", err)
	}
	return n, nil
}

// MarkSent moves entries from pending to sent.
func (s *Store) MarkSent(ctx context.Context, seqs ...int64) error {
	if len(seqs) == 0 {
		return nil
	}
	return s.execLocked(ctx, func(tx *sql.Tx) error {
		args := make([]any, len(seqs))
		for i, seq := range seqs {
			args[i] = seq
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE oplog SET status = 'sent' WHERE seq IN (`+placeholders(len(seqs))+`)`, args...)
		if err != nil {
			return fmt.Errorf("mark sent: %w", err)
		}
		return nil
	})
}

// ResetSent moves every sent entry back to pending so it is uploaded again.
// Called when a connection is (re)established.
func (s *Store) ResetSent(ctx context.Context) (int, error) {
	var n int64
	err := s.execLocked(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE oplog SET status = 'pending' WHERE status = 'sent'`)
		if err != nil {
			return fmt.Errorf("reset sent: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// MarkAcked removes an acknowledged entry and records the server version on
// its row. Acknowledging an unknown entry is a no-op.
func (s *Store) MarkAcked(ctx context.Context, seq, serverVersion int64) error {
	return s.execLocked(ctx, func(tx *sql.Tx) error {
		e, err := scanEntry(tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM oplog WHERE seq = ?`, seq))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read oplog %d: %w", seq, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM oplog WHERE seq = ?`, seq); err != nil {
			return fmt.Errorf("delete oplog %d: %w", seq, err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE rows SET server_version = MAX(server_version, ?)
			WHERE table_name = ? AND pk = ?
		`, serverVersion, e.Table, e.PK)
		if err != nil {
			return fmt.Errorf("record server version %s/%s: %w", e.Table, e.PK, err)
		}
		return nil
	})
}

// MarkRejected removes a rejected entry and rebases its row on the server
// state, re-applying any entries of the row that are still pending. A server
// delete (or a row the server does not have) tombstones the row and discards
// its remaining entries.
func (s *Store) MarkRejected(ctx context.Context, seq int64, reason string, server ir.Change) (ChangeSet, error) {
	return s.write(ctx, OriginRemote, func(tx *Tx) error {
		e, err := scanEntry(tx.tx.QueryRowContext(tx.ctx, `SELECT `+entryColumns+` FROM oplog WHERE seq = ?`, seq))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read oplog %d: %w", seq, err)
		}
		if _, err := tx.tx.ExecContext(tx.ctx, `DELETE FROM oplog WHERE seq = ?`, seq); err != nil {
			return fmt.Errorf("delete oplog %d: %w", seq, err)
		}
		tx.cs.Rejected = append(tx.cs.Rejected, seq)
		s.logger.Warn("log entry rejected",
			"seq", seq,
			"table", e.Table,
			"pk", e.PK,
			"kind", e.Kind,
			"reason", reason)

		existing, found, err := tx.lookup(e.Table, e.PK)
		if err != nil {
			return err
		}
		server.Table, server.PK = e.Table, e.PK
		if found && server.ServerVersion < existing.ServerVersion {
			server.ServerVersion = existing.ServerVersion
		}
		return tx.rebase(existing, found, server)
	})
}

// execLocked runs fn in a transaction holding the writer lock. It produces
// no change set.
func (s *Store) execLocked(ctx context.Context, fn func(*sql.Tx) error) error {
	if _, inTx := ctx.Value(txKey{}).(*Tx); inTx {
		return errNestedWrite
	}
	ctx, unlock, err := s.lockWriter(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *Tx) rowEntries(table, pk string) ([]ir.OpEntry, error) {
	return entriesForRow(t.ctx, t.tx, table, pk)
}

// dropEntries deletes a row's entries and returns their sequence numbers.
func (t *Tx) dropEntries(table, pk string) ([]int64, error) {
	entries, err := t.rowEntries(table, pk)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM oplog WHERE table_name = ? AND pk = ?`, table, pk); err != nil {
		return nil, fmt.Errorf("drop oplog %s/%s: %w", table, pk, err)
	}
	seqs := make([]int64, len(entries))
	for i, e := range entries {
		seqs[i] = e.Seq
	}
	return seqs, nil
}

func entriesForRow(ctx context.Context, db queryer, table, pk string) ([]ir.OpEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM oplog
		WHERE table_name = ? AND pk = ?
		ORDER BY seq ASC
	`, table, pk)
	if err != nil {
		return nil, fmt.Errorf("query oplog %s/%s: %w", table, pk, err)
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]ir.OpEntry, error) {
	defer rows.Close()
	out := []ir.OpEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate oplog: %w", err)
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
