package compiler

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/lofi/internal/ir"
)

// Validation error codes (E100-E199)
const (
	// General validation errors (E100)
	ErrSchemaInvalid = "E100" // structural problem reported by the schema itself

	// Table errors (E101-E109)
	ErrNoTables          = "E101" // at least one table required
	ErrNoColumns         = "E102" // table must have columns
	ErrInvalidPrimaryKey = "E103" // primary key missing, untyped or nullable
	ErrInvalidFieldType  = "E104" // invalid column type
	ErrInvalidName       = "E105" // table or column name is not an identifier
	ErrReservedName      = "E106" // name clashes with store bookkeeping

	// Relation errors (E110-E119)
	ErrInvalidRelation   = "E110" // relation field, table or references unknown
	ErrInvalidOnDelete   = "E111" // on_delete not cascade, restrict or set_null
	ErrRelationType      = "E112" // field and referenced column types differ
	ErrDuplicateName     = "E113" // relation name reused
	ErrRelationNameTaken = "E114" // relation name shadows a column
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// identPattern matches table and column names usable unquoted in filters.
var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// reservedNames are column names the store uses for row bookkeeping.
var reservedNames = map[string]bool{
	"table_name":     true,
	"pk":             true,
	"server_version": true,
	"local_version":  true,
	"deleted":        true,
}

// Validate checks a compiled schema. Returns all errors found (does not
// fail-fast).
func Validate(s *ir.Schema) []ValidationError {
	var errs []ValidationError

	for _, e := range s.Validate() {
		errs = append(errs, ValidationError{Field: e.Field, Message: e.Message, Code: codeFor(e)})
	}
	if s == nil || len(s.Tables) == 0 {
		return errs
	}

	for _, name := range s.TableNames() {
		t := s.Tables[name]
		prefix := "tables." + name

		// E105: identifiers only
		if !identPattern.MatchString(name) {
			errs = append(errs, ValidationError{
				Field:   prefix,
				Message: fmt.Sprintf("table name %q must match %s", name, identPattern),
				Code:    ErrInvalidName,
			})
		}

		// E102: at least one column
		if len(t.Columns) == 0 {
			errs = append(errs, ValidationError{
				Field:   prefix + ".columns",
				Message: "at least one column is required",
				Code:    ErrNoColumns,
			})
		}

		for _, col := range t.ColumnNames() {
			if !identPattern.MatchString(col) {
				errs = append(errs, ValidationError{
					Field:   prefix + ".columns." + col,
					Message: fmt.Sprintf("column name %q must match %s", col, identPattern),
					Code:    ErrInvalidName,
				})
			}
			// E106
			if reservedNames[col] {
				errs = append(errs, ValidationError{
					Field:   prefix + ".columns." + col,
					Message: fmt.Sprintf("column name %q is reserved", col),
					Code:    ErrReservedName,
				})
			}
		}

		for i, r := range t.Relations {
			field := fmt.Sprintf("%s.relations[%d]", prefix, i)

			// E114: include names and column names share a namespace
			if _, ok := t.Columns[r.Name]; ok {
				errs = append(errs, ValidationError{
					Field:   field + ".name",
					Message: fmt.Sprintf("relation name %q is also a column of %s", r.Name, name),
					Code:    ErrRelationNameTaken,
				})
			}

			// E112: field type must match the referenced column
			col, ok := t.Columns[r.Field]
			if !ok {
				continue
			}
			target, ok := s.Tables[r.Table]
			if !ok {
				continue
			}
			ref, ok := target.Columns[r.References]
			if ok && col.Type != ref.Type {
				errs = append(errs, ValidationError{
					Field:   field + ".field",
					Message: fmt.Sprintf("%s.%s is %s but %s.%s is %s", name, r.Field, col.Type, r.Table, r.References, ref.Type),
					Code:    ErrRelationType,
				})
			}
		}
	}

	return errs
}

// codeFor assigns a code to an error reported by ir.Schema.Validate.
func codeFor(e ir.ValidationError) string {
	switch {
	case e.Field == "tables":
		return ErrNoTables
	case strings.HasSuffix(e.Field, ".primary_key"):
		return ErrInvalidPrimaryKey
	case strings.Contains(e.Field, ".columns."):
		return ErrInvalidFieldType
	case strings.HasSuffix(e.Field, ".on_delete"):
		return ErrInvalidOnDelete
	case strings.HasSuffix(e.Field, ".name") && strings.Contains(e.Field, ".relations["):
		return ErrDuplicateName
	case strings.Contains(e.Field, ".relations["):
		return ErrInvalidRelation
	default:
		return ErrSchemaInvalid
	}
}
