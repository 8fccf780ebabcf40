package queryir

import (
	"fmt"

	"github.com/roach88/lofi/internal/ir"
)

// Validate checks a query against the schema.
//
// Rules:
//  1. The table exists
//  2. Every referenced column exists on the table
//  3. Literal values have the column's type (null only for nullable columns,
//     and only with eq/ne)
//  4. Array and object columns cannot be filtered or ordered on
//  5. Limit is not negative
//
// Returns all errors (not fail-fast). Validate is a pure function.
func Validate(schema *ir.Schema, q Query) []ir.ValidationError {
	v := &validator{}
	t, ok := schema.Table(q.Table)
	if !ok {
		v.add("table", "unknown table %q", q.Table)
		return v.errs
	}
	v.table = t
	v.validatePredicate("where", q.Where)

	for i, o := range q.OrderBy {
		field := fmt.Sprintf("order_by[%d]", i)
		col, ok := t.Column(o.Field)
		if !ok {
			v.add(field, "unknown column %q", o.Field)
			continue
		}
		if !scalar(col.Type) {
			v.add(field, "cannot order by %s column %q", col.Type, o.Field)
		}
	}
	if q.Limit < 0 {
		v.add("limit", "must not be negative, got %d", q.Limit)
	}
	return v.errs
}

// ValidateShape checks a shape definition against the schema. Includes must
// name relations declared on the shape's table.
func ValidateShape(schema *ir.Schema, s Shape) []ir.ValidationError {
	v := &validator{}
	t, ok := schema.Table(s.Table)
	if !ok {
		v.add("table", "unknown table %q", s.Table)
		return v.errs
	}
	v.table = t
	v.validatePredicate("where", s.Where)

	for i, name := range s.Include {
		if _, ok := t.Relation(name); !ok {
			v.add(fmt.Sprintf("include[%d]", i), "table %s has no relation %q", s.Table, name)
		}
	}
	return v.errs
}

// validator accumulates errors during traversal.
type validator struct {
	table *ir.TableSchema
	errs  []ir.ValidationError
}

func (v *validator) add(field, format string, args ...any) {
	v.errs = append(v.errs, ir.ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func scalar(t ir.ColumnType) bool {
	return t == ir.TypeString || t == ir.TypeInt || t == ir.TypeBool
}

// column resolves a referenced column and checks it can be filtered on.
func (v *validator) column(path, name string) (ir.Column, bool) {
	col, ok := v.table.Column(name)
	if !ok {
		v.add(path, "unknown column %q", name)
		return ir.Column{}, false
	}
	if !scalar(col.Type) {
		v.add(path, "cannot filter on %s column %q", col.Type, name)
		return ir.Column{}, false
	}
	return col, true
}

func (v *validator) validatePredicate(path string, p Predicate) {
	switch pred := p.(type) {
	case nil:
		// nil predicates are valid (no filter)
	case Compare:
		v.validateCompare(path, pred)
	case In:
		col, ok := v.column(path, pred.Field)
		if !ok {
			return
		}
		for i, val := range pred.Values {
			if ir.IsNull(val) {
				v.add(fmt.Sprintf("%s.values[%d]", path, i), "null never matches in 'in'; use is_null")
				continue
			}
			if !col.Type.Accepts(val) {
				v.add(fmt.Sprintf("%s.values[%d]", path, i), "expected %s, got %s", col.Type, ir.TypeName(val))
			}
		}
	case IsNull:
		v.column(path, pred.Field)
	case And:
		for i, sub := range pred.Predicates {
			v.validatePredicate(fmt.Sprintf("%s.and[%d]", path, i), sub)
		}
	case Or:
		for i, sub := range pred.Predicates {
			v.validatePredicate(fmt.Sprintf("%s.or[%d]", path, i), sub)
		}
	case Not:
		if pred.Predicate == nil {
			v.add(path+".not", "predicate is required")
			return
		}
		v.validatePredicate(path+".not", pred.Predicate)
	default:
		v.add(path, "unknown predicate type: %T", p)
	}
}

func (v *validator) validateCompare(path string, c Compare) {
	if _, ok := c.Op.SQL(); !ok {
		v.add(path, "unknown operator %q", c.Op)
		return
	}
	col, ok := v.column(path, c.Field)
	if !ok {
		return
	}
	if ir.IsNull(c.Value) {
		if c.Op != OpEq && c.Op != OpNe {
			v.add(path, "null can only be compared with eq or ne")
		}
		return
	}
	if !col.Type.Accepts(c.Value) {
		v.add(path, "column %q expects %s, got %s", c.Field, col.Type, ir.TypeName(c.Value))
	}
}
