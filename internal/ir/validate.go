package ir

import (
	"fmt"
	"strings"
)

// ValidationError represents a validation error with field path and message.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func validTypeList() string {
	return "string, int, bool, array, object"
}

// Validate checks the schema for internal consistency.
// Returns all errors (not fail-fast) for better developer experience.
func (s *Schema) Validate() []ValidationError {
	var errs []ValidationError

	if s == nil || len(s.Tables) == 0 {
		return []ValidationError{{Field: "tables", Message: "at least one table is required"}}
	}

	for _, name := range s.TableNames() {
		t := s.Tables[name]
		prefix := "tables." + name

		// Rule: primary key exists and is a string column
		pk, ok := t.Columns[t.PrimaryKey]
		switch {
		case t.PrimaryKey == "":
			errs = append(errs, ValidationError{
				Field:   prefix + ".primary_key",
				Message: "primary key is required",
			})
		case !ok:
			errs = append(errs, ValidationError{
				Field:   prefix + ".primary_key",
				Message: fmt.Sprintf("primary key %q is not a column", t.PrimaryKey),
			})
		case pk.Type != TypeString:
			errs = append(errs, ValidationError{
				Field:   prefix + ".primary_key",
				Message: fmt.Sprintf("primary key %q must be a string column, got %s", t.PrimaryKey, pk.Type),
			})
		case pk.Nullable || pk.Optional:
			errs = append(errs, ValidationError{
				Field:   prefix + ".primary_key",
				Message: fmt.Sprintf("primary key %q must be required and non-null", t.PrimaryKey),
			})
		}

		for _, colName := range t.ColumnNames() {
			col := t.Columns[colName]
			if !ValidColumnTypes[col.Type] {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("%s.columns.%s", prefix, colName),
					Message: fmt.Sprintf("invalid type %q, must be one of: %s", col.Type, validTypeList()),
				})
			}
		}

		seen := make(map[string]bool)
		for i, r := range t.Relations {
			field := fmt.Sprintf("%s.relations[%d]", prefix, i)
			if seen[r.Name] {
				errs = append(errs, ValidationError{
					Field:   field + ".name",
					Message: fmt.Sprintf("duplicate relation name: %q", r.Name),
				})
			}
			seen[r.Name] = true

			if _, ok := t.Columns[r.Field]; !ok {
				errs = append(errs, ValidationError{
					Field:   field + ".field",
					Message: fmt.Sprintf("%q is not a column of %s", r.Field, name),
				})
			}
			target, ok := s.Tables[r.Table]
			if !ok {
				errs = append(errs, ValidationError{
					Field:   field + ".table",
					Message: fmt.Sprintf("unknown table %q", r.Table),
				})
			} else if _, ok := target.Columns[r.References]; !ok {
				errs = append(errs, ValidationError{
					Field:   field + ".references",
					Message: fmt.Sprintf("unknown column %s.%s", r.Table, r.References),
				})
			}
			switch r.OnDelete {
			case OnDeleteRestrict, OnDeleteCascade, OnDeleteSetNull:
			default:
				errs = append(errs, ValidationError{
					Field:   field + ".on_delete",
					Message: fmt.Sprintf("invalid on_delete %q, must be one of: cascade, restrict, set_null", r.OnDelete),
				})
			}
			if r.OnDelete == OnDeleteSetNull {
				if col, ok := t.Columns[r.Field]; ok && !col.Nullable {
					errs = append(errs, ValidationError{
						Field:   field + ".on_delete",
						Message: fmt.Sprintf("set_null requires %s.%s to be nullable", name, r.Field),
					})
				}
			}
		}
	}

	return errs
}

// ValidateRow checks a full row against the table definition: every column
// is known, every required column is present, and every value has the
// declared type. Nulls are accepted only for nullable columns.
func (t *TableSchema) ValidateRow(data IRObject) []ValidationError {
	var errs []ValidationError
	for _, k := range data.SortedKeys() {
		col, ok := t.Columns[k]
		if !ok {
			errs = append(errs, ValidationError{Field: k, Message: "unknown column"})
			continue
		}
		if err := col.check(k, data[k]); err != nil {
			errs = append(errs, *err)
		}
	}
	for _, name := range t.ColumnNames() {
		col := t.Columns[name]
		if _, ok := data[name]; !ok && !col.Optional {
			errs = append(errs, ValidationError{Field: name, Message: "missing required column"})
		}
	}
	return errs
}

// ValidatePatch checks a partial update: every column is known and typed.
// Missing columns are fine.
func (t *TableSchema) ValidatePatch(data IRObject) []ValidationError {
	var errs []ValidationError
	for _, k := range data.SortedKeys() {
		col, ok := t.Columns[k]
		if !ok {
			errs = append(errs, ValidationError{Field: k, Message: "unknown column"})
			continue
		}
		if err := col.check(k, data[k]); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

func (c Column) check(field string, v IRValue) *ValidationError {
	if IsNull(v) {
		if c.Nullable {
			return nil
		}
		return &ValidationError{Field: field, Message: "null is not allowed"}
	}
	if !c.Type.Accepts(v) {
		return &ValidationError{Field: field, Message: fmt.Sprintf("expected %s, got %s", c.Type, TypeName(v))}
	}
	return nil
}

// TypeName returns the column type name for a value, or "null".
func TypeName(v IRValue) string {
	switch v.(type) {
	case nil, IRNull:
		return "null"
	case IRString:
		return string(TypeString)
	case IRInt:
		return string(TypeInt)
	case IRBool:
		return string(TypeBool)
	case IRArray:
		return string(TypeArray)
	case IRObject:
		return string(TypeObject)
	default:
		return fmt.Sprintf("%T", v)
	}
}

// JoinValidationErrors renders a list of validation errors on one line.
func JoinValidationErrors(errs []ValidationError) string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}
