package queryir

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/lofi/internal/ir"
)

// Predicates encode as tagged objects:
//
//	{"op":"eq","field":"list_id","value":"l1"}
//	{"op":"in","field":"status","values":["a","b"]}
//	{"op":"is_null","field":"list_id"}
//	{"op":"and","args":[...]}   {"op":"or","args":[...]}
//	{"op":"not","arg":{...}}
//
// The encoding is the input to the canonical shape and query keys, so it must
// stay stable.

// PredicateToIR encodes a predicate. A nil predicate encodes as null.
func PredicateToIR(p Predicate) ir.IRValue {
	switch pred := p.(type) {
	case nil:
		return ir.IRNull{}
	case Compare:
		value := pred.Value
		if value == nil {
			value = ir.IRNull{}
		}
		return ir.IRObject{
			"op":    ir.IRString(pred.Op),
			"field": ir.IRString(pred.Field),
			"value": value,
		}
	case In:
		values := make(ir.IRArray, len(pred.Values))
		copy(values, pred.Values)
		return ir.IRObject{
			"op":     ir.IRString("in"),
			"field":  ir.IRString(pred.Field),
			"values": values,
		}
	case IsNull:
		return ir.IRObject{
			"op":    ir.IRString("is_null"),
			"field": ir.IRString(pred.Field),
		}
	case And:
		return ir.IRObject{"op": ir.IRString("and"), "args": predicatesToIR(pred.Predicates)}
	case Or:
		return ir.IRObject{"op": ir.IRString("or"), "args": predicatesToIR(pred.Predicates)}
	case Not:
		return ir.IRObject{"op": ir.IRString("not"), "arg": PredicateToIR(pred.Predicate)}
	default:
		return ir.IRNull{}
	}
}

func predicatesToIR(preds []Predicate) ir.IRArray {
	out := make(ir.IRArray, len(preds))
	for i, p := range preds {
		out[i] = PredicateToIR(p)
	}
	return out
}

// PredicateFromIR decodes a predicate produced by PredicateToIR.
func PredicateFromIR(v ir.IRValue) (Predicate, error) {
	if ir.IsNull(v) {
		return nil, nil
	}
	obj, ok := v.(ir.IRObject)
	if !ok {
		return nil, fmt.Errorf("predicate must be an object, got %s", ir.TypeName(v))
	}
	op, ok := obj["op"].(ir.IRString)
	if !ok {
		return nil, fmt.Errorf("predicate missing string \"op\"")
	}

	field, _ := obj["field"].(ir.IRString)
	switch string(op) {
	case "and", "or":
		args, ok := obj["args"].(ir.IRArray)
		if !ok {
			return nil, fmt.Errorf("%s: missing \"args\" array", op)
		}
		preds := make([]Predicate, 0, len(args))
		for i, a := range args {
			p, err := PredicateFromIR(a)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", op, i, err)
			}
			preds = append(preds, p)
		}
		if op == "and" {
			return And{Predicates: preds}, nil
		}
		return Or{Predicates: preds}, nil
	case "not":
		p, err := PredicateFromIR(obj["arg"])
		if err != nil {
			return nil, fmt.Errorf("not: %w", err)
		}
		return Not{Predicate: p}, nil
	case "in":
		values, ok := obj["values"].(ir.IRArray)
		if !ok {
			return nil, fmt.Errorf("in: missing \"values\" array")
		}
		return In{Field: string(field), Values: []ir.IRValue(values)}, nil
	case "is_null":
		return IsNull{Field: string(field)}, nil
	default:
		if _, ok := Op(op).SQL(); !ok {
			return nil, fmt.Errorf("unknown predicate op %q", op)
		}
		value, ok := obj["value"]
		if !ok {
			value = ir.IRNull{}
		}
		return Compare{Field: string(field), Op: Op(op), Value: value}, nil
	}
}

// ToIR encodes the shape. Include is emitted sorted and deduplicated.
func (s Shape) ToIR() ir.IRObject {
	n := s.Normalize()
	obj := ir.IRObject{"table": ir.IRString(n.Table)}
	if n.Where != nil {
		obj["where"] = PredicateToIR(n.Where)
	}
	if len(n.Include) > 0 {
		inc := make(ir.IRArray, len(n.Include))
		for i, name := range n.Include {
			inc[i] = ir.IRString(name)
		}
		obj["include"] = inc
	}
	return obj
}

// ShapeFromIR decodes a shape produced by Shape.ToIR.
func ShapeFromIR(v ir.IRValue) (Shape, error) {
	obj, ok := v.(ir.IRObject)
	if !ok {
		return Shape{}, fmt.Errorf("shape must be an object, got %s", ir.TypeName(v))
	}
	table, ok := obj["table"].(ir.IRString)
	if !ok {
		return Shape{}, fmt.Errorf("shape missing string \"table\"")
	}
	where, err := PredicateFromIR(obj["where"])
	if err != nil {
		return Shape{}, fmt.Errorf("shape where: %w", err)
	}
	s := Shape{Table: string(table), Where: where}
	if inc, ok := obj["include"].(ir.IRArray); ok {
		for i, name := range inc {
			str, ok := name.(ir.IRString)
			if !ok {
				return Shape{}, fmt.Errorf("shape include[%d]: expected string", i)
			}
			s.Include = append(s.Include, string(str))
		}
	}
	return s, nil
}

// Key returns the content-addressed key of the shape. Equivalent shapes
// (same table, predicate and include set) share a key.
func (s Shape) Key() (string, error) {
	return ir.ContentHash(ir.DomainShape, s.ToIR())
}

// MarshalJSON implements json.Marshaler.
func (s Shape) MarshalJSON() ([]byte, error) {
	return ir.MarshalIRValue(s.ToIR())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Shape) UnmarshalJSON(data []byte) error {
	v, err := ir.UnmarshalIRValue(data)
	if err != nil {
		return err
	}
	decoded, err := ShapeFromIR(v)
	if err != nil {
		return err
	}
	*s = decoded
	return nil
}

// ToIR encodes the query.
func (q Query) ToIR() ir.IRObject {
	obj := ir.IRObject{"table": ir.IRString(q.Table)}
	if q.Where != nil {
		obj["where"] = PredicateToIR(q.Where)
	}
	if len(q.OrderBy) > 0 {
		order := make(ir.IRArray, len(q.OrderBy))
		for i, o := range q.OrderBy {
			order[i] = ir.IRObject{"field": ir.IRString(o.Field), "desc": ir.IRBool(o.Desc)}
		}
		obj["order_by"] = order
	}
	if q.Limit > 0 {
		obj["limit"] = ir.IRInt(q.Limit)
	}
	return obj
}

// QueryFromIR decodes a query produced by Query.ToIR.
func QueryFromIR(v ir.IRValue) (Query, error) {
	obj, ok := v.(ir.IRObject)
	if !ok {
		return Query{}, fmt.Errorf("query must be an object, got %s", ir.TypeName(v))
	}
	table, ok := obj["table"].(ir.IRString)
	if !ok {
		return Query{}, fmt.Errorf("query missing string \"table\"")
	}
	where, err := PredicateFromIR(obj["where"])
	if err != nil {
		return Query{}, fmt.Errorf("query where: %w", err)
	}
	q := Query{Table: string(table), Where: where}
	if order, ok := obj["order_by"].(ir.IRArray); ok {
		for i, o := range order {
			term, ok := o.(ir.IRObject)
			if !ok {
				return Query{}, fmt.Errorf("query order_by[%d]: expected object", i)
			}
			field, _ := term["field"].(ir.IRString)
			desc, _ := term["desc"].(ir.IRBool)
			q.OrderBy = append(q.OrderBy, Order{Field: string(field), Desc: bool(desc)})
		}
	}
	if limit, ok := obj["limit"].(ir.IRInt); ok {
		q.Limit = int(limit)
	}
	return q, nil
}

// Key returns the content-addressed key of the query. Live query
// registrations are shared by key.
func (q Query) Key() (string, error) {
	return ir.ContentHash(ir.DomainQuery, q.ToIR())
}

// MarshalJSON implements json.Marshaler.
func (q Query) MarshalJSON() ([]byte, error) {
	return ir.MarshalIRValue(q.ToIR())
}

// UnmarshalJSON implements json.Unmarshaler.
func (q *Query) UnmarshalJSON(data []byte) error {
	v, err := ir.UnmarshalIRValue(data)
	if err != nil {
		return err
	}
	decoded, err := QueryFromIR(v)
	if err != nil {
		return err
	}
	*q = decoded
	return nil
}

var (
	_ json.Marshaler   = Shape{}
	_ json.Unmarshaler = (*Shape)(nil)
	_ json.Marshaler   = Query{}
	_ json.Unmarshaler = (*Query)(nil)
)
