package queryir

import (
	"slices"
	"strings"

	"github.com/roach88/lofi/internal/ir"
)

// truth is a SQL three-valued logic result.
type truth int8

const (
	unknown truth = iota
	isFalse
	isTrue
)

func truthOf(b bool) truth {
	if b {
		return isTrue
	}
	return isFalse
}

// Eval reports whether row data satisfies p. A nil predicate matches
// everything. Only a definite TRUE matches, as in a SQL WHERE clause.
func Eval(p Predicate, data ir.IRObject) bool {
	if p == nil {
		return true
	}
	return eval(p, data) == isTrue
}

func eval(p Predicate, data ir.IRObject) truth {
	switch pred := p.(type) {
	case Compare:
		return evalCompare(pred, data[pred.Field])
	case In:
		v := data[pred.Field]
		if ir.IsNull(v) {
			return unknown
		}
		for _, candidate := range pred.Values {
			if !ir.IsNull(candidate) && ir.Compare(v, candidate) == 0 {
				return isTrue
			}
		}
		return isFalse
	case IsNull:
		return truthOf(ir.IsNull(data[pred.Field]))
	case And:
		result := isTrue
		for _, sub := range pred.Predicates {
			switch eval(sub, data) {
			case isFalse:
				return isFalse
			case unknown:
				result = unknown
			}
		}
		return result
	case Or:
		result := isFalse
		for _, sub := range pred.Predicates {
			switch eval(sub, data) {
			case isTrue:
				return isTrue
			case unknown:
				result = unknown
			}
		}
		return result
	case Not:
		switch eval(pred.Predicate, data) {
		case isTrue:
			return isFalse
		case isFalse:
			return isTrue
		}
		return unknown
	case nil:
		return isTrue
	default:
		return unknown
	}
}

func evalCompare(c Compare, v ir.IRValue) truth {
	if ir.IsNull(c.Value) {
		switch c.Op {
		case OpEq:
			return truthOf(ir.IsNull(v))
		case OpNe:
			return truthOf(!ir.IsNull(v))
		}
		return unknown
	}
	if ir.IsNull(v) {
		return unknown
	}

	cmp := ir.Compare(v, c.Value)
	switch c.Op {
	case OpEq:
		return truthOf(cmp == 0)
	case OpNe:
		return truthOf(cmp != 0)
	case OpLt:
		return truthOf(cmp < 0)
	case OpLte:
		return truthOf(cmp <= 0)
	case OpGt:
		return truthOf(cmp > 0)
	case OpGte:
		return truthOf(cmp >= 0)
	}
	return unknown
}

// Less orders two rows by the query's ORDER BY terms, breaking ties by
// primary key in byte order. Nulls sort first ascending, last descending.
func (q Query) Less(a, b ir.Row) bool {
	return q.compareRows(a, b) < 0
}

func (q Query) compareRows(a, b ir.Row) int {
	for _, o := range q.OrderBy {
		c := ir.Compare(a.Get(o.Field), b.Get(o.Field))
		if o.Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return strings.Compare(a.PK, b.PK)
}

// Apply filters, orders and limits rows in memory. Tombstones are skipped.
// The result is what the compiled SQL returns for the same rows.
func (q Query) Apply(rows []ir.Row) []ir.Row {
	out := make([]ir.Row, 0, len(rows))
	for _, r := range rows {
		if r.Deleted || (q.Table != "" && r.Table != q.Table) {
			continue
		}
		if Eval(q.Where, r.Data) {
			out = append(out, r)
		}
	}
	slices.SortStableFunc(out, q.compareRows)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// Matches reports whether a row belongs to the shape's own table selection.
func (s Shape) Matches(row ir.Row) bool {
	return row.Table == s.Table && !row.Deleted && Eval(s.Where, row.Data)
}
