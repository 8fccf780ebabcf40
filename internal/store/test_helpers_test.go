package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/lofi/internal/ir"
)

// todoSchema is the lists/items schema used throughout the store tests.
func todoSchema() *ir.Schema {
	return ir.NewSchema(
		&ir.TableSchema{
			Name:       "lists",
			PrimaryKey: "id",
			Columns: map[string]ir.Column{
				"id":   {Name: "id", Type: ir.TypeString},
				"name": {Name: "name", Type: ir.TypeString},
			},
		},
		&ir.TableSchema{
			Name:       "items",
			PrimaryKey: "id",
			Columns: map[string]ir.Column{
				"id":      {Name: "id", Type: ir.TypeString},
				"task":    {Name: "task", Type: ir.TypeString},
				"done":    {Name: "done", Type: ir.TypeBool},
				"rank":    {Name: "rank", Type: ir.TypeInt, Optional: true},
				"list_id": {Name: "list_id", Type: ir.TypeString, Nullable: true},
			},
			Relations: []ir.Relation{
				{Name: "lists", Field: "list_id", Table: "lists", References: "id", OnDelete: ir.OnDeleteCascade},
			},
		},
		&ir.TableSchema{
			Name:       "notes",
			PrimaryKey: "id",
			Columns: map[string]ir.Column{
				"id":      {Name: "id", Type: ir.TypeString},
				"body":    {Name: "body", Type: ir.TypeString},
				"item_id": {Name: "item_id", Type: ir.TypeString, Nullable: true},
				"list_id": {Name: "list_id", Type: ir.TypeString, Nullable: true},
			},
			Relations: []ir.Relation{
				{Name: "item", Field: "item_id", Table: "items", References: "id", OnDelete: ir.OnDeleteSetNull},
				{Name: "list", Field: "list_id", Table: "lists", References: "id", OnDelete: ir.OnDeleteRestrict},
			},
		},
	)
}

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	return openTestStore(t, filepath.Join(t.TempDir(), "test.db"))
}

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path,
		WithSchema(todoSchema()),
		WithClientID("client-a"),
		WithNow(func() time.Time { return testEpoch }))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func list(id, name string) ir.IRObject {
	return ir.IRObject{"id": ir.IRString(id), "name": ir.IRString(name)}
}

func item(id, task, listID string, done bool) ir.IRObject {
	obj := ir.IRObject{
		"id":      ir.IRString(id),
		"task":    ir.IRString(task),
		"done":    ir.IRBool(done),
		"list_id": ir.IRNull{},
	}
	if listID != "" {
		obj["list_id"] = ir.IRString(listID)
	}
	return obj
}

func mustApply(t *testing.T, s *Store, muts ...ir.Mutation) []ir.Row {
	t.Helper()
	rows, err := s.Apply(context.Background(), muts...)
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	return rows
}
