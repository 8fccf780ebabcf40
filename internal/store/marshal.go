package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/queryir"
)

// marshalData converts IRObject to canonical JSON TEXT for storage.
// Uses RFC 8785 canonical JSON for deterministic serialization.
func marshalData(data ir.IRObject) (string, error) {
	if data == nil {
		data = ir.IRObject{}
	}
	out, err := ir.MarshalCanonical(data)
	if err != nil {
		return "", fmt.Errorf("marshal data: %w", err)
	}
	return string(out), nil
}

// unmarshalData parses canonical JSON TEXT to IRObject.
// Uses ir.IRObject.UnmarshalJSON which handles large integers via json.Number
// to avoid float64 precision loss for values > 2^53.
func unmarshalData(data string) (ir.IRObject, error) {
	if data == "" || data == "{}" {
		return ir.IRObject{}, nil
	}
	var obj ir.IRObject
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal data: %w", err)
	}
	return obj, nil
}

func marshalShape(s queryir.Shape) (string, error) {
	out, err := ir.MarshalCanonical(s.ToIR())
	if err != nil {
		return "", fmt.Errorf("marshal shape: %w", err)
	}
	return string(out), nil
}

func unmarshalShape(data string) (queryir.Shape, error) {
	var s queryir.Shape
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return queryir.Shape{}, fmt.Errorf("unmarshal shape: %w", err)
	}
	return s, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanRow reads the querysql.RowColumns column list.
func scanRow(sc scanner) (ir.Row, error) {
	var (
		row     ir.Row
		data    string
		deleted int
	)
	if err := sc.Scan(&row.Table, &row.PK, &data, &row.LocalVersion, &row.ServerVersion, &deleted); err != nil {
		return ir.Row{}, err
	}
	obj, err := unmarshalData(data)
	if err != nil {
		return ir.Row{}, fmt.Errorf("row %s/%s: %w", row.Table, row.PK, err)
	}
	row.Data = obj
	row.Deleted = deleted != 0
	return row, nil
}

func scanRows(rows *sql.Rows) ([]ir.Row, error) {
	defer rows.Close()
	out := []ir.Row{}
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func scanEntry(sc scanner) (ir.OpEntry, error) {
	var (
		e      ir.OpEntry
		kind   string
		fields string
		status string
	)
	if err := sc.Scan(&e.Seq, &kind, &e.Table, &e.PK, &fields, &e.BaseVersion, &e.ClientTS, &status, &e.Error); err != nil {
		return ir.OpEntry{}, err
	}
	obj, err := unmarshalData(fields)
	if err != nil {
		return ir.OpEntry{}, fmt.Errorf("oplog %d: %w", e.Seq, err)
	}
	e.Kind = ir.MutationKind(kind)
	e.Fields = obj
	e.Status = ir.OpStatus(status)
	return e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
