package queryir

import (
	"slices"

	"github.com/roach88/lofi/internal/ir"
)

// Predicate represents a filter condition over a row's columns.
//
// This is a sealed interface - only types in this package implement it.
type Predicate interface {
	predicateNode() // Marker method - seals interface to this package
}

// Op is a comparison operator.
type Op string

const (
	OpEq  Op = "eq"
	OpNe  Op = "ne"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	OpGt  Op = "gt"
	OpGte Op = "gte"
)

var validOps = map[Op]string{
	OpEq:  "=",
	OpNe:  "!=",
	OpLt:  "<",
	OpLte: "<=",
	OpGt:  ">",
	OpGte: ">=",
}

// SQL returns the SQL operator for op.
func (op Op) SQL() (string, bool) {
	s, ok := validOps[op]
	return s, ok
}

// Compare represents a field-op-literal predicate.
//
//	<field> <op> <value>
//
// A null Value is only meaningful with OpEq and OpNe, where it means
// IS NULL / IS NOT NULL.
type Compare struct {
	Field string
	Op    Op
	Value ir.IRValue
}

func (Compare) predicateNode() {}

// In is true when the field equals any of Values. An empty list never matches.
type In struct {
	Field  string
	Values []ir.IRValue
}

func (In) predicateNode() {}

// IsNull is true when the field is missing or null.
type IsNull struct {
	Field string
}

func (IsNull) predicateNode() {}

// And is true when every predicate is true. An empty And is true.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Or is true when any predicate is true. An empty Or is false.
type Or struct {
	Predicates []Predicate
}

func (Or) predicateNode() {}

// Not negates a predicate. NOT of UNKNOWN is UNKNOWN.
type Not struct {
	Predicate Predicate
}

func (Not) predicateNode() {}

// Eq is shorthand for Compare{Field, OpEq, value}.
func Eq(field string, value ir.IRValue) Compare {
	return Compare{Field: field, Op: OpEq, Value: value}
}

// AllOf returns the conjunction of preds, dropping nils and collapsing a
// single predicate.
func AllOf(preds ...Predicate) Predicate {
	var out []Predicate
	for _, p := range preds {
		if p != nil {
			out = append(out, p)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return And{Predicates: out}
}

// Order is one ORDER BY term. Ties are always broken by primary key.
type Order struct {
	Field string
	Desc  bool
}

// Query selects live (non-tombstoned) rows of one table.
//
//	SELECT * FROM <table> WHERE <where> ORDER BY <order>, pk LIMIT <limit>
type Query struct {
	Table   string
	Where   Predicate // nil = all rows
	OrderBy []Order
	Limit   int // 0 = unlimited
}

// Shape is a subscribable subset of a table: the rows of Table matching
// Where, plus rows of related tables reached through the named relations.
type Shape struct {
	Table   string
	Where   Predicate
	Include []string // relation names declared on Table
}

// Normalize returns a copy with Include sorted and deduplicated, so that
// equivalent shapes produce the same key.
func (s Shape) Normalize() Shape {
	inc := slices.Clone(s.Include)
	slices.Sort(inc)
	s.Include = slices.Compact(inc)
	return s
}

// Tables returns the tables a shape covers: its own table followed by the
// tables of its included relations.
func (s Shape) Tables(schema *ir.Schema) []string {
	tables := []string{s.Table}
	t, ok := schema.Table(s.Table)
	if !ok {
		return tables
	}
	for _, name := range s.Normalize().Include {
		if r, ok := t.Relation(name); ok && !slices.Contains(tables, r.Table) {
			tables = append(tables, r.Table)
		}
	}
	return tables
}

// Fields returns every column a predicate references, sorted and unique.
func Fields(p Predicate) []string {
	var fields []string
	collectFields(p, &fields)
	slices.Sort(fields)
	return slices.Compact(fields)
}

func collectFields(p Predicate, out *[]string) {
	switch pred := p.(type) {
	case Compare:
		*out = append(*out, pred.Field)
	case In:
		*out = append(*out, pred.Field)
	case IsNull:
		*out = append(*out, pred.Field)
	case And:
		for _, sub := range pred.Predicates {
			collectFields(sub, out)
		}
	case Or:
		for _, sub := range pred.Predicates {
			collectFields(sub, out)
		}
	case Not:
		collectFields(pred.Predicate, out)
	}
}
