package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lofi/internal/ir"
)

func table(name string, cols ...ir.Column) *ir.TableSchema {
	t := &ir.TableSchema{Name: name, PrimaryKey: "id", Columns: map[string]ir.Column{}}
	for _, c := range cols {
		t.Columns[c.Name] = c
	}
	return t
}

func col(name string, typ ir.ColumnType) ir.Column {
	return ir.Column{Name: name, Type: typ}
}

func codes(errs []ValidationError) []string {
	out := []string{}
	for _, e := range errs {
		out = append(out, e.Code)
	}
	return out
}

func TestValidateValidSchema(t *testing.T) {
	items := table("items", col("id", ir.TypeString), ir.Column{Name: "list_id", Type: ir.TypeString, Nullable: true})
	items.Relations = []ir.Relation{{Name: "list", Field: "list_id", Table: "lists", References: "id", OnDelete: ir.OnDeleteSetNull}}
	s := ir.NewSchema(table("lists", col("id", ir.TypeString)), items)

	assert.Empty(t, Validate(s))
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		schema func() *ir.Schema
		code   string
	}{
		{"no tables", func() *ir.Schema { return ir.NewSchema() }, ErrNoTables},
		{"missing primary key column", func() *ir.Schema {
			return ir.NewSchema(table("t", col("name", ir.TypeString)))
		}, ErrInvalidPrimaryKey},
		{"int primary key", func() *ir.Schema {
			return ir.NewSchema(table("t", col("id", ir.TypeInt)))
		}, ErrInvalidPrimaryKey},
		{"bad type", func() *ir.Schema {
			return ir.NewSchema(table("t", col("id", ir.TypeString), col("price", "float")))
		}, ErrInvalidFieldType},
		{"bad table name", func() *ir.Schema {
			return ir.NewSchema(table("Todo-Items", col("id", ir.TypeString)))
		}, ErrInvalidName},
		{"reserved column", func() *ir.Schema {
			return ir.NewSchema(table("t", col("id", ir.TypeString), col("deleted", ir.TypeBool)))
		}, ErrReservedName},
		{"unknown relation table", func() *ir.Schema {
			t := table("t", col("id", ir.TypeString), col("p", ir.TypeString))
			t.Relations = []ir.Relation{{Name: "parent", Field: "p", Table: "nope", References: "id", OnDelete: ir.OnDeleteRestrict}}
			return ir.NewSchema(t)
		}, ErrInvalidRelation},
		{"bad on_delete", func() *ir.Schema {
			t := table("t", col("id", ir.TypeString), col("p", ir.TypeString))
			t.Relations = []ir.Relation{{Name: "parent", Field: "p", Table: "t", References: "id", OnDelete: "explode"}}
			return ir.NewSchema(t)
		}, ErrInvalidOnDelete},
		{"relation type mismatch", func() *ir.Schema {
			t := table("t", col("id", ir.TypeString), col("p", ir.TypeInt))
			t.Relations = []ir.Relation{{Name: "parent", Field: "p", Table: "t", References: "id", OnDelete: ir.OnDeleteRestrict}}
			return ir.NewSchema(t)
		}, ErrRelationType},
		{"relation shadows column", func() *ir.Schema {
			t := table("t", col("id", ir.TypeString), col("p", ir.TypeString))
			t.Relations = []ir.Relation{{Name: "p", Field: "p", Table: "t", References: "id", OnDelete: ir.OnDeleteRestrict}}
			return ir.NewSchema(t)
		}, ErrRelationNameTaken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := Validate(tt.schema())
			require.NotEmpty(t, errs)
			assert.Contains(t, codes(errs), tt.code, "errors: %v", errs)
		})
	}
}

func TestValidationErrorFormat(t *testing.T) {
	e := ValidationError{Field: "tables.t.primary_key", Message: "primary key is required", Code: ErrInvalidPrimaryKey}
	assert.Equal(t, "[E103] tables.t.primary_key: primary key is required", e.Error())
}

func TestSchemaResultErr(t *testing.T) {
	res, err := CompileString(`table: t: columns: {id: int}`, "s.cue")
	require.NoError(t, err)
	require.Error(t, res.Err())
	assert.Contains(t, res.Err().Error(), ErrInvalidPrimaryKey)
}
