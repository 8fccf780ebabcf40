package ir

import "sort"

// ColumnType is the declared type of a column.
type ColumnType string

const (
	TypeString ColumnType = "string"
	TypeInt    ColumnType = "int"
	TypeBool   ColumnType = "bool"
	TypeArray  ColumnType = "array"
	TypeObject ColumnType = "object"
)

// ValidColumnTypes lists the accepted column types. Floats are never valid.
var ValidColumnTypes = map[ColumnType]bool{
	TypeString: true,
	TypeInt:    true,
	TypeBool:   true,
	TypeArray:  true,
	TypeObject: true,
}

// Accepts reports whether v is a legal non-null value for the type.
func (t ColumnType) Accepts(v IRValue) bool {
	switch v.(type) {
	case IRString:
		return t == TypeString
	case IRInt:
		return t == TypeInt
	case IRBool:
		return t == TypeBool
	case IRArray:
		return t == TypeArray
	case IRObject:
		return t == TypeObject
	default:
		return false
	}
}

// Column describes one column of a table.
type Column struct {
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Nullable bool       `json:"nullable,omitempty"`
	Optional bool       `json:"optional,omitempty"` // may be omitted on insert
}

// OnDelete is the action taken on dependents when a referenced row is deleted.
type OnDelete string

const (
	OnDeleteRestrict OnDelete = "restrict"
	OnDeleteCascade  OnDelete = "cascade"
	OnDeleteSetNull  OnDelete = "set_null"
)

// Relation is a foreign key from Field to Table.References.
// Name is the label used by shape includes (e.g. include: {lists: true}).
type Relation struct {
	Name       string   `json:"name"`
	Field      string   `json:"field"`
	Table      string   `json:"table"`
	References string   `json:"references"`
	OnDelete   OnDelete `json:"on_delete"`
}

// TableSchema describes a replicated table.
type TableSchema struct {
	Name       string            `json:"name"`
	PrimaryKey string            `json:"primary_key"`
	Columns    map[string]Column `json:"columns"`
	Relations  []Relation        `json:"relations,omitempty"`
}

// Column returns a column definition by name.
func (t *TableSchema) Column(name string) (Column, bool) {
	c, ok := t.Columns[name]
	return c, ok
}

// ColumnNames returns the column names in sorted order.
func (t *TableSchema) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for name := range t.Columns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Relation returns the relation with the given name.
func (t *TableSchema) Relation(name string) (Relation, bool) {
	for _, r := range t.Relations {
		if r.Name == name {
			return r, true
		}
	}
	return Relation{}, false
}

// Schema is the set of replicated tables.
type Schema struct {
	Tables map[string]*TableSchema `json:"tables"`
}

// NewSchema builds a schema from table definitions.
func NewSchema(tables ...*TableSchema) *Schema {
	s := &Schema{Tables: make(map[string]*TableSchema, len(tables))}
	for _, t := range tables {
		s.Tables[t.Name] = t
	}
	return s
}

// Table returns a table definition by name.
func (s *Schema) Table(name string) (*TableSchema, bool) {
	if s == nil {
		return nil, false
	}
	t, ok := s.Tables[name]
	return t, ok
}

// TableNames returns the table names in sorted order.
func (s *Schema) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for name := range s.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dependents returns every (table, relation) pair whose relation references
// the given table, in deterministic order.
func (s *Schema) Dependents(table string) []DependentRelation {
	var deps []DependentRelation
	for _, name := range s.TableNames() {
		t := s.Tables[name]
		for _, r := range t.Relations {
			if r.Table == table {
				deps = append(deps, DependentRelation{Table: name, Relation: r})
			}
		}
	}
	return deps
}

// DependentRelation pairs a relation with the table that declares it.
type DependentRelation struct {
	Table    string
	Relation Relation
}

// Check returns the first problem reported by Validate, or nil.
func (s *Schema) Check() error {
	if errs := s.Validate(); len(errs) > 0 {
		return errs[0]
	}
	return nil
}
