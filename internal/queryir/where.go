package queryir

import (
	"fmt"
	"sort"

	"github.com/roach88/lofi/internal/ir"
)

// FromWhere converts a loosely typed filter map into a predicate tree.
//
// Accepted forms, combined with AND across keys:
//
//	{"list_id": "l1"}                       list_id = 'l1'
//	{"list_id": nil}                        list_id IS NULL
//	{"done": {"equals": true}}              done = 1
//	{"position": {"gte": 2, "lt": 5}}       position >= 2 AND position < 5
//	{"status": {"in": ["a", "b"]}}          status IN ('a', 'b')
//	{"status": {"notIn": ["a"]}}            NOT (status IN ('a'))
//	{"title": {"not": "x"}}                 title != 'x'
//	{"title": {"not": {"in": [...]}}}       NOT (...)
//	{"AND": [{...}, {...}]}, {"OR": [...]}, {"NOT": {...}}
//
// Keys are processed in sorted order so the resulting tree, and therefore
// the query key, is deterministic. An empty or nil map yields nil.
func FromWhere(where map[string]any) (Predicate, error) {
	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var preds []Predicate
	for _, k := range keys {
		p, err := whereEntry(k, where[k])
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return AllOf(preds...), nil
}

func whereEntry(key string, raw any) (Predicate, error) {
	switch key {
	case "AND", "OR":
		list, ok := raw.([]any)
		if !ok {
			if maps, isMaps := raw.([]map[string]any); isMaps {
				list = make([]any, len(maps))
				for i, m := range maps {
					list[i] = m
				}
			} else {
				return nil, fmt.Errorf("where %s: expected a list of filters, got %T", key, raw)
			}
		}
		preds := make([]Predicate, 0, len(list))
		for i, elem := range list {
			m, ok := elem.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("where %s[%d]: expected a filter map, got %T", key, i, elem)
			}
			p, err := FromWhere(m)
			if err != nil {
				return nil, fmt.Errorf("where %s[%d]: %w", key, i, err)
			}
			if p == nil {
				p = And{}
			}
			preds = append(preds, p)
		}
		if key == "AND" {
			return And{Predicates: preds}, nil
		}
		return Or{Predicates: preds}, nil
	case "NOT":
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("where NOT: expected a filter map, got %T", raw)
		}
		p, err := FromWhere(m)
		if err != nil {
			return nil, fmt.Errorf("where NOT: %w", err)
		}
		if p == nil {
			p = And{}
		}
		return Not{Predicate: p}, nil
	}

	if ops, ok := raw.(map[string]any); ok {
		return fieldOps(key, ops)
	}
	v, err := ir.FromGo(raw)
	if err != nil {
		return nil, fmt.Errorf("where %s: %w", key, err)
	}
	if ir.IsNull(v) {
		return IsNull{Field: key}, nil
	}
	return Eq(key, v), nil
}

var whereOps = map[string]Op{
	"equals": OpEq,
	"lt":     OpLt,
	"lte":    OpLte,
	"gt":     OpGt,
	"gte":    OpGte,
}

func fieldOps(field string, ops map[string]any) (Predicate, error) {
	names := make([]string, 0, len(ops))
	for k := range ops {
		names = append(names, k)
	}
	sort.Strings(names)

	var preds []Predicate
	for _, name := range names {
		raw := ops[name]
		switch name {
		case "in", "notIn":
			values, err := valueList(raw)
			if err != nil {
				return nil, fmt.Errorf("where %s.%s: %w", field, name, err)
			}
			var p Predicate = In{Field: field, Values: values}
			if name == "notIn" {
				p = Not{Predicate: p}
			}
			preds = append(preds, p)
		case "not":
			if nested, ok := raw.(map[string]any); ok {
				p, err := fieldOps(field, nested)
				if err != nil {
					return nil, err
				}
				preds = append(preds, Not{Predicate: p})
				continue
			}
			v, err := ir.FromGo(raw)
			if err != nil {
				return nil, fmt.Errorf("where %s.not: %w", field, err)
			}
			preds = append(preds, Compare{Field: field, Op: OpNe, Value: v})
		default:
			op, ok := whereOps[name]
			if !ok {
				return nil, fmt.Errorf("where %s: unknown operator %q", field, name)
			}
			v, err := ir.FromGo(raw)
			if err != nil {
				return nil, fmt.Errorf("where %s.%s: %w", field, name, err)
			}
			if op == OpEq && ir.IsNull(v) {
				preds = append(preds, IsNull{Field: field})
				continue
			}
			preds = append(preds, Compare{Field: field, Op: op, Value: v})
		}
	}
	if len(preds) == 0 {
		return nil, fmt.Errorf("where %s: empty operator map", field)
	}
	return AllOf(preds...), nil
}

func valueList(raw any) ([]ir.IRValue, error) {
	v, err := ir.FromGo(raw)
	if err != nil {
		return nil, err
	}
	arr, ok := v.(ir.IRArray)
	if !ok {
		return nil, fmt.Errorf("expected a list, got %s", ir.TypeName(v))
	}
	return []ir.IRValue(arr), nil
}

// FromOrderBy converts {"created_at": "desc"} style ordering. Multiple keys
// are applied in sorted key order; use []Order directly when the order of
// terms matters.
func FromOrderBy(orderBy map[string]string) ([]Order, error) {
	keys := make([]string, 0, len(orderBy))
	for k := range orderBy {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Order, 0, len(keys))
	for _, k := range keys {
		switch orderBy[k] {
		case "asc", "ASC", "":
			out = append(out, Order{Field: k})
		case "desc", "DESC":
			out = append(out, Order{Field: k, Desc: true})
		default:
			return nil, fmt.Errorf("order by %s: direction must be asc or desc, got %q", k, orderBy[k])
		}
	}
	return out, nil
}
