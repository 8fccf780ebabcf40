package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/queryir"
)

func TestApply_InsertAndGet(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rows := mustApply(t, s, ir.Insert("lists", list("l1", "New list 1")))
	require.Len(t, rows, 1)
	assert.Equal(t, "l1", rows[0].PK)
	assert.Equal(t, int64(1), rows[0].LocalVersion)
	assert.Equal(t, int64(0), rows[0].ServerVersion)

	got, err := s.Get(ctx, "lists", "l1")
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("New list 1"), got.Get("name"))

	entries, err := s.PendingEntries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ir.MutationInsert, entries[0].Kind)
	assert.Equal(t, int64(1), entries[0].Seq)
	assert.Equal(t, ir.OpPending, entries[0].Status)
	assert.Equal(t, testEpoch.UnixMilli(), entries[0].ClientTS)
	assert.Equal(t, list("l1", "New list 1"), entries[0].Fields)
}

func TestApply_InsertWithMutationKey(t *testing.T) {
	s := createTestStore(t)

	rows := mustApply(t, s, ir.Mutation{
		Kind:  ir.MutationInsert,
		Table: "lists",
		PK:    "l1",
		Data:  ir.IRObject{"name": ir.IRString("x")},
	})
	assert.Equal(t, ir.IRString("l1"), rows[0].Get("id"))

	_, err := s.Apply(context.Background(), ir.Mutation{
		Kind:  ir.MutationInsert,
		Table: "lists",
		PK:    "l2",
		Data:  list("other", "x"),
	})
	assertReason(t, err, ReasonKeyChanged)
}

func TestApply_ConstraintViolations(t *testing.T) {
	tests := []struct {
		name   string
		mut    ir.Mutation
		reason ConstraintReason
	}{
		{
			name:   "duplicate key",
			mut:    ir.Insert("lists", list("l1", "again")),
			reason: ReasonDuplicateKey,
		},
		{
			name:   "unknown column",
			mut:    ir.Insert("lists", ir.IRObject{"id": ir.IRString("l2"), "name": ir.IRString("x"), "color": ir.IRString("red")}),
			reason: ReasonInvalidColumn,
		},
		{
			name:   "wrong type",
			mut:    ir.Insert("lists", ir.IRObject{"id": ir.IRString("l2"), "name": ir.IRInt(3)}),
			reason: ReasonInvalidColumn,
		},
		{
			name:   "missing required column",
			mut:    ir.Insert("lists", ir.IRObject{"id": ir.IRString("l2")}),
			reason: ReasonInvalidColumn,
		},
		{
			name:   "missing key",
			mut:    ir.Insert("lists", ir.IRObject{"name": ir.IRString("x")}),
			reason: ReasonMissingKey,
		},
		{
			name:   "dangling relation",
			mut:    ir.Insert("items", item("i1", "t", "nope", false)),
			reason: ReasonDanglingRef,
		},
		{
			name:   "key change",
			mut:    ir.Update("lists", "l1", ir.IRObject{"id": ir.IRString("l9")}),
			reason: ReasonKeyChanged,
		},
		{
			name:   "update to dangling relation",
			mut:    ir.Update("items", "i0", ir.IRObject{"list_id": ir.IRString("nope")}),
			reason: ReasonDanglingRef,
		},
		{
			name:   "update with null in non-nullable",
			mut:    ir.Update("items", "i0", ir.IRObject{"task": ir.IRNull{}}),
			reason: ReasonInvalidColumn,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := createTestStore(t)
			mustApply(t, s,
				ir.Insert("lists", list("l1", "New list 1")),
				ir.Insert("items", item("i0", "seed", "l1", false)))
			before, err := s.PendingCount(context.Background())
			require.NoError(t, err)

			_, err = s.Apply(context.Background(), tt.mut)
			assertReason(t, err, tt.reason)

			after, err := s.PendingCount(context.Background())
			require.NoError(t, err)
			assert.Equal(t, before, after, "failed mutation must not be logged")
		})
	}
}

func TestApply_NotFound(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Apply(ctx, ir.Update("lists", "missing", ir.IRObject{"name": ir.IRString("x")}))
	assert.True(t, IsNotFound(err), "update: %v", err)

	_, err = s.Apply(ctx, ir.Delete("lists", "missing"))
	assert.True(t, IsNotFound(err), "delete: %v", err)

	mustApply(t, s, ir.Insert("lists", list("l1", "x")), ir.Delete("lists", "l1"))
	_, err = s.Get(ctx, "lists", "l1")
	assert.True(t, IsNotFound(err), "get tombstone: %v", err)

	_, err = s.Apply(ctx, ir.Insert("nope", list("x", "y")))
	assert.True(t, errors.Is(err, ErrUnknownTable), "unknown table: %v", err)
}

func TestApply_AtomicBatch(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	clock := s.Clock()
	_, err := s.Apply(ctx,
		ir.Insert("lists", list("l1", "a")),
		ir.Insert("lists", list("l1", "dup")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutation 1")

	n, err := s.Count(ctx, "lists")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "no partial writes")
	assert.Equal(t, clock, s.Clock(), "clock rewound after rollback")

	pending, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestApply_UpdateLogsChangedFieldsOnly(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustApply(t, s,
		ir.Insert("lists", list("l1", "a")),
		ir.Insert("items", item("i1", "milk", "l1", false)))

	rows := mustApply(t, s, ir.Update("items", "i1", ir.IRObject{
		"id":   ir.IRString("i1"),
		"task": ir.IRString("milk"),
		"done": ir.IRBool(true),
	}))
	assert.Equal(t, ir.IRBool(true), rows[0].Get("done"))
	assert.Equal(t, int64(3), rows[0].LocalVersion)

	entries, err := s.EntriesForRow(ctx, "items", "i1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ir.IRObject{"done": ir.IRBool(true)}, entries[1].Fields)

	// No-op update is not logged and does not bump the version.
	rows = mustApply(t, s, ir.Update("items", "i1", ir.IRObject{"done": ir.IRBool(true)}))
	assert.Equal(t, int64(3), rows[0].LocalVersion)
	entries, err = s.EntriesForRow(ctx, "items", "i1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestApply_LocalVersionStrictlyIncreases(t *testing.T) {
	s := createTestStore(t)

	mustApply(t, s, ir.Insert("lists", list("l1", "v0")))
	last := int64(1)
	for i := 0; i < 5; i++ {
		rows := mustApply(t, s, ir.Update("lists", "l1", ir.IRObject{"name": ir.IRString(string(rune('a' + i)))}))
		if rows[0].LocalVersion <= last {
			t.Fatalf("LocalVersion %d not greater than %d", rows[0].LocalVersion, last)
		}
		last = rows[0].LocalVersion
	}
}

func TestDelete_Cascade(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustApply(t, s,
		ir.Insert("lists", list("l1", "a")),
		ir.Insert("lists", list("l2", "b")),
		ir.Insert("items", item("i1", "x", "l1", false)),
		ir.Insert("items", item("i2", "y", "l1", true)),
		ir.Insert("items", item("i3", "z", "l2", false)))

	cs, err := s.Write(ctx, func(tx *Tx) error {
		_, err := tx.Delete("lists", "l1")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"items", "lists"}, cs.Tables())
	assert.ElementsMatch(t, []string{"i1", "i2"}, cs.Keys("items"))

	items, err := s.Read(ctx, queryir.Query{Table: "items"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "i3", items[0].PK)

	// Each cascaded delete is logged.
	pending, err := s.PendingEntries(ctx, 0)
	require.NoError(t, err)
	var deletes []string
	for _, e := range pending {
		if e.Kind == ir.MutationDelete {
			deletes = append(deletes, e.Table+"/"+e.PK)
		}
	}
	assert.Equal(t, []string{"items/i1", "items/i2", "lists/l1"}, deletes)
}

func TestDelete_Restrict(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustApply(t, s,
		ir.Insert("lists", list("l1", "a")),
		ir.Insert("items", item("i1", "x", "l1", false)),
		ir.Insert("notes", ir.IRObject{
			"id": ir.IRString("n1"), "body": ir.IRString("b"),
			"item_id": ir.IRNull{}, "list_id": ir.IRString("l1"),
		}))

	_, err := s.Apply(ctx, ir.Delete("lists", "l1"))
	assertReason(t, err, ReasonRestrictDelete)

	// Rolled back: the cascade into items did not happen either.
	_, err = s.Get(ctx, "items", "i1")
	assert.NoError(t, err)
	_, err = s.Get(ctx, "lists", "l1")
	assert.NoError(t, err)
}

func TestDelete_SetNull(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustApply(t, s,
		ir.Insert("lists", list("l1", "a")),
		ir.Insert("items", item("i1", "x", "l1", false)),
		ir.Insert("notes", ir.IRObject{
			"id": ir.IRString("n1"), "body": ir.IRString("b"),
			"item_id": ir.IRString("i1"), "list_id": ir.IRNull{},
		}))

	mustApply(t, s, ir.Delete("items", "i1"))

	note, err := s.Get(ctx, "notes", "n1")
	require.NoError(t, err)
	assert.Equal(t, ir.IRNull{}, note.Get("item_id"))

	entries, err := s.EntriesForRow(ctx, "notes", "n1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ir.MutationUpdate, entries[1].Kind)
}

func TestInsert_ResurrectsTombstone(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustApply(t, s, ir.Insert("lists", list("l1", "a")))
	_, err := s.ApplyRemote(ctx, []ir.Change{{
		Kind: ir.ChangeUpsert, Table: "lists", PK: "l1", Data: list("l1", "a"), ServerVersion: 7,
	}})
	require.NoError(t, err)
	mustApply(t, s, ir.Delete("lists", "l1"))

	rows := mustApply(t, s, ir.Insert("lists", list("l1", "again")))
	assert.Equal(t, int64(7), rows[0].ServerVersion)

	entries, err := s.EntriesForRow(ctx, "lists", "l1")
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, ir.MutationInsert, last.Kind)
	assert.Equal(t, int64(7), last.BaseVersion)
}

func TestWrite_ErrorRollsBack(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := s.Write(ctx, func(tx *Tx) error {
		if _, err := tx.Insert("lists", list("l1", "a")); err != nil {
			return err
		}
		got, err := tx.Get("lists", "l1")
		if err != nil {
			return err
		}
		if got.PK != "l1" {
			t.Errorf("Tx.Get inside write = %q", got.PK)
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.Get(ctx, "lists", "l1")
	assert.True(t, IsNotFound(err))
	assert.Equal(t, int64(0), s.Clock())
}

func TestWrite_NestedWriteInsideTxFails(t *testing.T) {
	s := createTestStore(t)

	_, err := s.Write(context.Background(), func(tx *Tx) error {
		_, err := s.Apply(tx.Context(), ir.Insert("lists", list("l1", "a")))
		return err
	})
	assert.ErrorIs(t, err, errNestedWrite)
}

func TestObserver_NotifiedBeforeReturn(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var got []ChangeSet
	remove := s.AddObserver(func(_ context.Context, cs ChangeSet) {
		got = append(got, cs)
	})

	mustApply(t, s,
		ir.Insert("lists", list("l1", "a")),
		ir.Insert("items", item("i1", "x", "l1", false)))
	require.Len(t, got, 1, "one notification per transaction")
	assert.Equal(t, OriginLocal, got[0].Origin)
	assert.Equal(t, []string{"items", "lists"}, got[0].Tables())
	assert.Equal(t, []string{"done", "id", "list_id", "task"}, got[0].Changes[1].Columns)

	// Failed writes and no-op writes notify nobody.
	_, _ = s.Apply(ctx, ir.Insert("lists", list("l1", "dup")))
	mustApply(t, s, ir.Update("lists", "l1", ir.IRObject{"name": ir.IRString("a")}))
	assert.Len(t, got, 1)

	remove()
	remove()
	mustApply(t, s, ir.Insert("lists", list("l2", "b")))
	assert.Len(t, got, 1)
}

func TestObserver_ReentrantWriteIsDepthFirst(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var order []string
	s.AddObserver(func(ctx context.Context, cs ChangeSet) {
		order = append(order, "a:"+cs.Changes[0].PK)
		if cs.Touches("lists") && cs.Changes[0].Kind == ir.MutationInsert {
			_, err := s.Apply(ctx, ir.Insert("items", item("auto-"+cs.Changes[0].PK, "first task", cs.Changes[0].PK, false)))
			if err != nil {
				t.Errorf("reentrant Apply: %v", err)
			}
		}
	})
	s.AddObserver(func(_ context.Context, cs ChangeSet) {
		order = append(order, "b:"+cs.Changes[0].PK)
	})

	mustApply(t, s, ir.Insert("lists", list("l1", "a")))
	assert.Equal(t, []string{"a:l1", "a:auto-l1", "b:auto-l1", "b:l1"}, order)

	_, err := s.Get(ctx, "items", "auto-l1")
	assert.NoError(t, err)
}

func assertReason(t *testing.T, err error, want ConstraintReason) {
	t.Helper()
	require.Error(t, err)
	require.True(t, IsConstraintViolation(err), "expected constraint violation, got %v", err)
	require.ErrorIs(t, err, ErrConstraintViolation)
	var ce *ConstraintError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, want, ce.Reason, "error: %v", err)
}
