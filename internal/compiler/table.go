package compiler

import (
	"fmt"

	"cuelang.org/go/cue"

	"github.com/roach88/lofi/internal/ir"
)

// DefaultPrimaryKey is used when a table omits primary_key.
const DefaultPrimaryKey = "id"

// CompileSchema parses every table under the top-level "table" struct.
//
//	table: items: {
//		primary_key: "id"            // optional, defaults to "id"
//		columns: {
//			id:      string
//			task:    string
//			done:    bool
//			rank?:   int             // optional: may be omitted on insert
//			list_id: string | null   // nullable
//		}
//		relations: lists: {
//			field:      "list_id"
//			table:      "lists"
//			references: "id"         // optional, defaults to the target's primary key
//			on_delete:  "cascade"    // optional, defaults to "restrict"
//		}
//	}
//
// The result is not checked for consistency; see Validate.
func CompileSchema(v cue.Value) (*ir.Schema, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	tablesVal := v.LookupPath(cue.ParsePath("table"))
	if !tablesVal.Exists() {
		return nil, &CompileError{
			Field:   "table",
			Message: "at least one table is required",
			Pos:     v.Pos(),
		}
	}

	iter, err := tablesVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	schema := ir.NewSchema()
	for iter.Next() {
		t, err := CompileTable(iter.Value())
		if err != nil {
			return nil, err
		}
		schema.Tables[t.Name] = t
	}
	if len(schema.Tables) == 0 {
		return nil, &CompileError{
			Field:   "table",
			Message: "at least one table is required",
			Pos:     tablesVal.Pos(),
		}
	}

	// Relations default to the referenced table's primary key.
	for _, t := range schema.Tables {
		for i, r := range t.Relations {
			if r.References != "" {
				continue
			}
			if target, ok := schema.Tables[r.Table]; ok {
				t.Relations[i].References = target.PrimaryKey
			}
		}
	}
	return schema, nil
}

// CompileTable parses one table definition. The table name is the last
// selector of v's path, e.g. table.items.
func CompileTable(v cue.Value) (*ir.TableSchema, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	t := &ir.TableSchema{PrimaryKey: DefaultPrimaryKey}
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		t.Name = labels[len(labels)-1].String()
	}

	if pkVal := v.LookupPath(cue.ParsePath("primary_key")); pkVal.Exists() {
		pk, err := pkVal.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		t.PrimaryKey = pk
	}

	var err error
	t.Columns, err = parseColumns(t.Name, v)
	if err != nil {
		return nil, err
	}
	if len(t.Columns) == 0 {
		return nil, &CompileError{
			Field:   fmt.Sprintf("table.%s.columns", t.Name),
			Message: "at least one column is required",
			Pos:     v.Pos(),
		}
	}

	t.Relations, err = parseRelations(t.Name, v)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func parseColumns(table string, v cue.Value) (map[string]ir.Column, error) {
	cols := make(map[string]ir.Column)
	colsVal := v.LookupPath(cue.ParsePath("columns"))
	if !colsVal.Exists() {
		return cols, nil
	}

	iter, err := colsVal.Fields(cue.Optional(true))
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		name := iter.Label()
		colType, nullable, err := columnType(fmt.Sprintf("table.%s.columns.%s", table, name), iter.Value())
		if err != nil {
			return nil, err
		}
		cols[name] = ir.Column{
			Name:     name,
			Type:     colType,
			Nullable: nullable,
			Optional: iter.IsOptional(),
		}
	}
	return cols, nil
}

// columnType converts a CUE type to a column type. A disjunction with null
// makes the column nullable. Floats are forbidden.
func columnType(field string, v cue.Value) (ir.ColumnType, bool, error) {
	if err := v.Err(); err != nil {
		return "", false, formatCUEError(err)
	}
	kind := v.IncompleteKind()
	nullable := kind&cue.NullKind != 0
	kind &^= cue.NullKind

	switch kind {
	case cue.StringKind:
		return ir.TypeString, nullable, nil
	case cue.IntKind:
		return ir.TypeInt, nullable, nil
	case cue.BoolKind:
		return ir.TypeBool, nullable, nil
	case cue.ListKind:
		return ir.TypeArray, nullable, nil
	case cue.StructKind:
		return ir.TypeObject, nullable, nil
	case cue.FloatKind, cue.NumberKind:
		return "", false, &CompileError{
			Field:   field,
			Message: "float types are forbidden - use int instead",
			Pos:     v.Pos(),
		}
	default:
		return "", false, &CompileError{
			Field:   field,
			Message: fmt.Sprintf("unsupported type kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

func parseRelations(table string, v cue.Value) ([]ir.Relation, error) {
	var rels []ir.Relation
	relsVal := v.LookupPath(cue.ParsePath("relations"))
	if !relsVal.Exists() {
		return rels, nil
	}

	iter, err := relsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		name := iter.Label()
		relVal := iter.Value()
		path := fmt.Sprintf("table.%s.relations.%s", table, name)

		r := ir.Relation{Name: name, OnDelete: ir.OnDeleteRestrict}
		for _, f := range []struct {
			label    string
			dst      *string
			required bool
		}{
			{"field", &r.Field, true},
			{"table", &r.Table, true},
			{"references", &r.References, false},
		} {
			fv := relVal.LookupPath(cue.ParsePath(f.label))
			if !fv.Exists() {
				if f.required {
					return nil, &CompileError{
						Field:   path + "." + f.label,
						Message: f.label + " is required",
						Pos:     relVal.Pos(),
					}
				}
				continue
			}
			s, err := fv.String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			*f.dst = s
		}

		if od := relVal.LookupPath(cue.ParsePath("on_delete")); od.Exists() {
			s, err := od.String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			r.OnDelete = ir.OnDelete(s)
		}
		rels = append(rels, r)
	}
	return rels, nil
}
