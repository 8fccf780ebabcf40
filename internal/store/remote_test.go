package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/queryir"
)

func upsert(table, pk string, data ir.IRObject, version int64) ir.Change {
	return ir.Change{Kind: ir.ChangeUpsert, Table: table, PK: pk, Data: data, ServerVersion: version}
}

func TestApplyRemote_InsertsWithoutLogging(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var seen []ChangeSet
	s.AddObserver(func(_ context.Context, cs ChangeSet) { seen = append(seen, cs) })

	cs, err := s.ApplyRemote(ctx, []ir.Change{
		upsert("lists", "l1", list("l1", "remote"), 3),
		upsert("items", "i1", item("i1", "x", "l1", false), 4),
	})
	require.NoError(t, err)
	assert.Equal(t, OriginRemote, cs.Origin)
	require.Len(t, seen, 1)
	assert.Equal(t, ir.MutationInsert, cs.Changes[0].Kind)

	row, err := s.Get(ctx, "lists", "l1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), row.ServerVersion)

	pending, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestApplyRemote_IgnoresStaleVersions(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.ApplyRemote(ctx, []ir.Change{upsert("lists", "l1", list("l1", "v5"), 5)})
	require.NoError(t, err)

	cs, err := s.ApplyRemote(ctx, []ir.Change{
		upsert("lists", "l1", list("l1", "v4"), 4),
		upsert("lists", "l1", list("l1", "v5 again"), 5),
	})
	require.NoError(t, err)
	assert.True(t, cs.Empty())

	row, err := s.Get(ctx, "lists", "l1")
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("v5"), row.Get("name"))
}

func TestApplyRemote_UnchangedDataEmitsNothing(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.ApplyRemote(ctx, []ir.Change{upsert("lists", "l1", list("l1", "same"), 1)})
	require.NoError(t, err)
	cs, err := s.ApplyRemote(ctx, []ir.Change{upsert("lists", "l1", list("l1", "same"), 2)})
	require.NoError(t, err)
	assert.True(t, cs.Empty())

	row, err := s.Get(ctx, "lists", "l1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), row.ServerVersion)
}

func TestApplyRemote_PendingLocalFieldsSurvive(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.ApplyRemote(ctx, []ir.Change{
		upsert("lists", "l1", list("l1", "a"), 1),
		upsert("items", "i1", item("i1", "milk", "l1", false), 2),
	})
	require.NoError(t, err)

	mustApply(t, s, ir.Update("items", "i1", ir.IRObject{"done": ir.IRBool(true)}))

	remote := item("i1", "oat milk", "l1", false)
	cs, err := s.ApplyRemote(ctx, []ir.Change{upsert("items", "i1", remote, 3)})
	require.NoError(t, err)
	require.Len(t, cs.Changes, 1)
	assert.Equal(t, []string{"task"}, cs.Changes[0].Columns)

	row, err := s.Get(ctx, "items", "i1")
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("oat milk"), row.Get("task"))
	assert.Equal(t, ir.IRBool(true), row.Get("done"), "optimistic local field kept")
	assert.Equal(t, int64(3), row.ServerVersion)
}

func TestApplyRemote_PendingLocalDeleteKeepsTombstone(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.ApplyRemote(ctx, []ir.Change{upsert("lists", "l1", list("l1", "a"), 1)})
	require.NoError(t, err)
	mustApply(t, s, ir.Delete("lists", "l1"))

	cs, err := s.ApplyRemote(ctx, []ir.Change{upsert("lists", "l1", list("l1", "renamed"), 2)})
	require.NoError(t, err)
	assert.True(t, cs.Empty())

	_, err = s.Get(ctx, "lists", "l1")
	assert.True(t, IsNotFound(err))
}

func TestApplyRemote_DeleteRejectsPendingEntries(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.ApplyRemote(ctx, []ir.Change{upsert("lists", "l1", list("l1", "a"), 1)})
	require.NoError(t, err)
	mustApply(t, s,
		ir.Update("lists", "l1", ir.IRObject{"name": ir.IRString("b")}),
		ir.Insert("lists", list("l2", "other")))

	cs, err := s.ApplyRemote(ctx, []ir.Change{{Kind: ir.ChangeDelete, Table: "lists", PK: "l1", ServerVersion: 2}})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, cs.Rejected)
	require.Len(t, cs.Changes, 1)
	assert.Equal(t, ir.MutationDelete, cs.Changes[0].Kind)

	entries, err := s.PendingEntries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "l2", entries[0].PK)

	// A delete for a row never seen locally stores a tombstone silently.
	cs, err = s.ApplyRemote(ctx, []ir.Change{{Kind: ir.ChangeDelete, Table: "lists", PK: "l9", ServerVersion: 3}})
	require.NoError(t, err)
	assert.True(t, cs.Empty())
	n, err := s.TombstoneCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestApplyRemote_UnknownTableRollsBackBatch(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.ApplyRemote(ctx, []ir.Change{
		upsert("lists", "l1", list("l1", "a"), 1),
		upsert("nope", "x", ir.IRObject{}, 2),
	})
	assert.ErrorIs(t, err, ErrUnknownTable)

	_, err = s.Get(ctx, "lists", "l1")
	assert.True(t, IsNotFound(err))
}

func saveShape(t *testing.T, s *Store, shape queryir.Shape) string {
	t.Helper()
	key, err := shape.Key()
	require.NoError(t, err)
	require.NoError(t, s.SaveShape(context.Background(), ShapeRecord{Key: key, Shape: shape, State: "synced"}))
	return key
}

func moveOut(table, pk string, data ir.IRObject, version int64) ir.Change {
	return ir.Change{Kind: ir.ChangeMoveOut, Table: table, PK: pk, Data: data, ServerVersion: version}
}

func TestApplyRemote_MoveOutKeptByAnotherShape(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	saveShape(t, s, queryir.Shape{Table: "items", Where: queryir.Eq("done", ir.IRBool(false))})
	saveShape(t, s, queryir.Shape{Table: "items", Where: queryir.Eq("done", ir.IRBool(true))})

	_, err := s.ApplyRemote(ctx, []ir.Change{upsert("items", "i1", item("i1", "milk", "", false), 1)})
	require.NoError(t, err)
	_, err = s.Apply(ctx, ir.Update("items", "i1", ir.IRObject{"task": ir.IRString("oat milk")}))
	require.NoError(t, err)

	// The done=false shape reports the move before the done=true shape
	// delivers the same version.
	cs, err := s.ApplyRemote(ctx, []ir.Change{
		moveOut("items", "i1", item("i1", "milk", "", true), 2),
		upsert("items", "i1", item("i1", "milk", "", true), 2),
	})
	require.NoError(t, err)
	assert.Empty(t, cs.Rejected, "pending entries survive")

	row, err := s.Get(ctx, "items", "i1")
	require.NoError(t, err)
	assert.Equal(t, ir.IRBool(true), row.Get("done"))
	assert.Equal(t, ir.IRString("oat milk"), row.Get("task"))
	assert.Equal(t, int64(2), row.ServerVersion)

	pending, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestApplyRemote_MoveOutKeptByInclude(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	saveShape(t, s, queryir.Shape{Table: "lists", Where: queryir.Eq("name", ir.IRString("groceries"))})
	saveShape(t, s, queryir.Shape{Table: "items", Include: []string{"lists"}})

	_, err := s.ApplyRemote(ctx, []ir.Change{
		upsert("lists", "l1", list("l1", "groceries"), 1),
		upsert("items", "i1", item("i1", "milk", "l1", false), 2),
		moveOut("lists", "l1", list("l1", "errands"), 3),
	})
	require.NoError(t, err)

	row, err := s.Get(ctx, "lists", "l1")
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("errands"), row.Get("name"))
}

func TestApplyRemote_MoveOutWithoutOtherShape(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	saveShape(t, s, queryir.Shape{Table: "items", Where: queryir.Eq("done", ir.IRBool(false))})

	_, err := s.ApplyRemote(ctx, []ir.Change{upsert("items", "i1", item("i1", "milk", "", false), 1)})
	require.NoError(t, err)

	cs, err := s.ApplyRemote(ctx, []ir.Change{
		moveOut("items", "i1", item("i1", "milk", "", true), 2),
		moveOut("items", "i9", item("i9", "eggs", "", true), 3),
	})
	require.NoError(t, err)
	require.Len(t, cs.Changes, 1)
	assert.Equal(t, ir.MutationDelete, cs.Changes[0].Kind)

	_, err = s.Get(ctx, "items", "i1")
	assert.True(t, IsNotFound(err))
	tombstones, err := s.TombstoneCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, tombstones, "unknown rows leaving a shape leave no tombstone")

	// A shape subscribed later delivers the row at the same version.
	_, err = s.ApplyRemote(ctx, []ir.Change{upsert("items", "i1", item("i1", "milk", "", true), 2)})
	require.NoError(t, err)
	row, err := s.Get(ctx, "items", "i1")
	require.NoError(t, err)
	assert.Equal(t, ir.IRBool(true), row.Get("done"))
}

func TestApplyRemote_RemoteDeleteNotRevivedAtSameVersion(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.ApplyRemote(ctx, []ir.Change{
		upsert("lists", "l1", list("l1", "a"), 1),
		{Kind: ir.ChangeDelete, Table: "lists", PK: "l1", ServerVersion: 2},
	})
	require.NoError(t, err)
	_, err = s.ApplyRemote(ctx, []ir.Change{upsert("lists", "l1", list("l1", "a"), 1)})
	require.NoError(t, err)

	_, err = s.Get(ctx, "lists", "l1")
	assert.True(t, IsNotFound(err))
}

func TestPruneShape(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := saveShape(t, s, queryir.Shape{Table: "items", Where: queryir.Eq("done", ir.IRBool(false))})
	saveShape(t, s, queryir.Shape{Table: "items", Where: queryir.Eq("task", ir.IRString("kept"))})

	_, err := s.ApplyRemote(ctx, []ir.Change{
		upsert("items", "i1", item("i1", "present", "", false), 1),
		upsert("items", "i2", item("i2", "gone", "", false), 2),
		upsert("items", "i3", item("i3", "kept", "", false), 3),
		upsert("items", "i4", item("i4", "edited", "", false), 4),
		upsert("items", "i5", item("i5", "other shape", "", true), 5),
	})
	require.NoError(t, err)
	_, err = s.Apply(ctx,
		ir.Update("items", "i4", ir.IRObject{"task": ir.IRString("edited offline")}),
		ir.Insert("items", item("i6", "local only", "", false)),
	)
	require.NoError(t, err)

	cs, err := s.PruneShape(ctx, key, map[string]map[string]bool{"items": {"i1": true}})
	require.NoError(t, err)
	require.Len(t, cs.Changes, 1)
	assert.Equal(t, "i2", cs.Changes[0].PK)
	assert.Equal(t, OriginRemote, cs.Origin)

	rows, err := s.Read(ctx, queryir.Query{Table: "items"})
	require.NoError(t, err)
	var ids []string
	for _, r := range rows {
		ids = append(ids, r.PK)
	}
	assert.Equal(t, []string{"i1", "i3", "i4", "i5", "i6"}, ids)

	cs, err = s.PruneShape(ctx, "unknown", nil)
	require.NoError(t, err)
	assert.True(t, cs.Empty())
}
