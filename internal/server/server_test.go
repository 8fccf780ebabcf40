package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/protocol"
	"github.com/roach88/lofi/internal/queryir"
	"github.com/roach88/lofi/internal/transport"
)

func testSchema() *ir.Schema {
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
				"list_id": {Name: "list_id", Type: ir.TypeString, Nullable: true},
			},
			Relations: []ir.Relation{
				{Name: "lists", Field: "list_id", Table: "lists", References: "id", OnDelete: ir.OnDeleteCascade},
			},
		},
	)
}

func newServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testSchema(), WithNow(func() time.Time { return time.UnixMilli(1000) }))
	require.NoError(t, err)
	return s
}

func listData(id, name string) ir.IRObject {
	return ir.IRObject{"id": ir.IRString(id), "name": ir.IRString(name)}
}

func itemData(id, task, listID string, done bool) ir.IRObject {
	return ir.IRObject{
		"id":      ir.IRString(id),
		"task":    ir.IRString(task),
		"done":    ir.IRBool(done),
		"list_id": ir.IRString(listID),
	}
}

func insertEntry(seq int64, table, pk string, data ir.IRObject) ir.OpEntry {
	return ir.OpEntry{Seq: seq, Kind: ir.MutationInsert, Table: table, PK: pk, Fields: data, ClientTS: 10}
}

func updateEntry(seq, base int64, table, pk string, fields ir.IRObject) ir.OpEntry {
	return ir.OpEntry{Seq: seq, Kind: ir.MutationUpdate, Table: table, PK: pk, Fields: fields, BaseVersion: base, ClientTS: 20}
}

func TestUpload_AppliesAndDeduplicates(t *testing.T) {
	s := newServer(t)

	entries := []ir.OpEntry{
		insertEntry(1, "lists", "l1", listData("l1", "a")),
		updateEntry(2, 0, "lists", "l1", ir.IRObject{"name": ir.IRString("b")}),
	}
	res := s.Upload("A", entries)
	require.Len(t, res, 2)
	assert.Equal(t, protocol.StatusAcked, res[0].Status)
	assert.Equal(t, int64(1), res[0].ServerVersion)
	assert.Equal(t, protocol.StatusAcked, res[1].Status, "same client never conflicts with itself")
	assert.Equal(t, int64(2), res[1].ServerVersion)

	again := s.Upload("A", entries)
	assert.Equal(t, res, again)
	assert.Equal(t, int64(2), s.LSN(), "resend applied nothing")

	row, ok := s.Row("lists", "l1")
	require.True(t, ok)
	assert.Equal(t, ir.IRString("b"), row.Get("name"))
	assert.Len(t, s.Log(0), 2)
	assert.Len(t, s.Log(1), 1)
}

func TestUpload_Conflict(t *testing.T) {
	s := newServer(t)

	require.Equal(t, protocol.StatusAcked, s.Upload("A", []ir.OpEntry{insertEntry(1, "items", "i1", itemData("i1", "milk", "l1", false))})[0].Status)
	_, err := s.Put("B", ir.Update("items", "i1", ir.IRObject{"task": ir.IRString("oat milk")}))
	require.NoError(t, err)

	res := s.Upload("A", []ir.OpEntry{updateEntry(2, 1, "items", "i1", ir.IRObject{"done": ir.IRBool(true)})})
	require.Len(t, res, 1)
	require.Equal(t, protocol.StatusConflict, res[0].Status)
	c := res[0].Conflict
	require.NotNil(t, c)
	assert.Equal(t, []string{"task"}, c.ChangedFields)
	require.NotNil(t, res[0].Row)
	assert.Equal(t, ir.ChangeUpsert, res[0].Row.Kind)
	assert.Equal(t, int64(2), res[0].Row.ServerVersion)
	assert.Equal(t, ir.IRString("oat milk"), res[0].Row.Data["task"])

	// With the current base the same change applies.
	res = s.Upload("A", []ir.OpEntry{updateEntry(3, 2, "items", "i1", ir.IRObject{"done": ir.IRBool(true)})})
	assert.Equal(t, protocol.StatusAcked, res[0].Status)
}

func TestUpload_Rejections(t *testing.T) {
	s := newServer(t)
	s.Upload("A", []ir.OpEntry{insertEntry(1, "lists", "l1", listData("l1", "a"))})

	tests := []struct {
		name  string
		entry ir.OpEntry
	}{
		{"unknown table", insertEntry(10, "nope", "x", ir.IRObject{})},
		{"duplicate insert", insertEntry(11, "lists", "l1", listData("l1", "dup"))},
		{"bad column", insertEntry(12, "lists", "l2", ir.IRObject{"id": ir.IRString("l2"), "name": ir.IRInt(1)})},
		{"update missing row", updateEntry(13, 0, "lists", "l9", ir.IRObject{"name": ir.IRString("x")})},
		{"key change", updateEntry(14, 1, "lists", "l1", ir.IRObject{"id": ir.IRString("l2")})},
		{"delete missing row", ir.OpEntry{Seq: 15, Kind: ir.MutationDelete, Table: "lists", PK: "l9"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.Upload("A", []ir.OpEntry{tt.entry})
			assert.Equal(t, protocol.StatusRejected, res[0].Status)
			assert.NotEmpty(t, res[0].Error)
			assert.NotNil(t, res[0].Row)
		})
	}
	assert.Equal(t, int64(1), s.LSN())
}

type client struct {
	t    *testing.T
	conn transport.Conn
}

func connect(t *testing.T, s *Server, id string) *client {
	t.Helper()
	c := &client{t: t, conn: s.Connect()}
	t.Cleanup(func() { c.conn.Close() })
	require.NoError(t, c.conn.Send(context.Background(), protocol.NewHello(id)))
	msg := c.recv()
	require.Equal(t, protocol.TypeWelcome, msg.Type)
	return c
}

func (c *client) recv() protocol.Message {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := c.conn.Recv(ctx)
	require.NoError(c.t, err)
	return msg
}

func (c *client) subscribe(shape queryir.Shape, cursor int64) string {
	c.t.Helper()
	key, err := shape.Key()
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.Send(context.Background(), protocol.NewSubscribe(key, shape, cursor)))
	return key
}

func pks(changes []ir.Change) []string {
	out := []string{}
	for _, c := range changes {
		out = append(out, string(c.Kind)+":"+c.Table+"/"+c.PK)
	}
	return out
}

func TestSession_SnapshotThenLive(t *testing.T) {
	s := newServer(t)
	_, err := s.Put("seed", ir.Insert("lists", listData("l1", "a")))
	require.NoError(t, err)
	_, err = s.Put("seed", ir.Insert("lists", listData("l2", "unreferenced")))
	require.NoError(t, err)
	_, err = s.Put("seed", ir.Insert("items", itemData("i1", "milk", "l1", false)))
	require.NoError(t, err)

	c := connect(t, s, "A")
	key := c.subscribe(queryir.Shape{Table: "items", Include: []string{"lists"}}, 0)

	msg := c.recv()
	require.Equal(t, protocol.TypeChanges, msg.Type)
	assert.Equal(t, key, msg.Changes.Key)
	assert.True(t, msg.Changes.UpToDate)
	assert.Equal(t, int64(3), msg.Changes.Cursor)
	assert.Equal(t, []string{"upsert:items/i1", "upsert:lists/l1"}, pks(msg.Changes.Changes))

	// Another client's write streams live.
	other := connect(t, s, "B")
	require.NoError(t, other.conn.Send(context.Background(), protocol.NewUpload([]ir.OpEntry{
		updateEntry(1, 3, "items", "i1", ir.IRObject{"done": ir.IRBool(true)}),
	})))
	assert.Equal(t, protocol.TypeUploadResult, other.recv().Type)

	msg = c.recv()
	require.Equal(t, protocol.TypeChanges, msg.Type)
	assert.Equal(t, int64(4), msg.Changes.Cursor)
	assert.False(t, msg.Changes.UpToDate)
	assert.Equal(t, []string{"upsert:items/i1", "upsert:lists/l1"}, pks(msg.Changes.Changes))
}

func TestSession_FilteredShapeMoveOut(t *testing.T) {
	s := newServer(t)
	_, err := s.Put("seed", ir.Insert("items", itemData("i1", "milk", "l1", false)))
	require.NoError(t, err)

	c := connect(t, s, "A")
	c.subscribe(queryir.Shape{Table: "items", Where: queryir.Eq("done", ir.IRBool(false))}, 0)
	assert.Equal(t, []string{"upsert:items/i1"}, pks(c.recv().Changes.Changes))

	_, err = s.Put("B", ir.Update("items", "i1", ir.IRObject{"done": ir.IRBool(true)}))
	require.NoError(t, err)
	moved := c.recv().Changes.Changes
	assert.Equal(t, []string{"move_out:items/i1"}, pks(moved))
	assert.Equal(t, ir.IRBool(true), moved[0].Data["done"], "a move-out carries the current row")

	// Rows that never matched are not streamed.
	_, err = s.Put("B", ir.Insert("items", itemData("i2", "eggs", "l1", true)))
	require.NoError(t, err)
	_, err = s.Put("B", ir.Insert("items", itemData("i3", "bread", "l1", false)))
	require.NoError(t, err)
	assert.Equal(t, []string{"upsert:items/i3"}, pks(c.recv().Changes.Changes))
}

func TestSession_ResumeFromCursor(t *testing.T) {
	s := newServer(t)
	_, err := s.Put("seed", ir.Insert("items", itemData("i1", "milk", "l1", false)))
	require.NoError(t, err)
	_, err = s.Put("seed", ir.Insert("items", itemData("i2", "eggs", "l1", false)))
	require.NoError(t, err)

	_, err = s.Put("B", ir.Update("items", "i2", ir.IRObject{"task": ir.IRString("brown eggs")}))
	require.NoError(t, err)
	_, err = s.Put("B", ir.Delete("items", "i1"))
	require.NoError(t, err)

	c := connect(t, s, "A")
	c.subscribe(queryir.Shape{Table: "items"}, 2)
	msg := c.recv()
	assert.True(t, msg.Changes.UpToDate)
	assert.Equal(t, int64(4), msg.Changes.Cursor)
	assert.Equal(t, []string{"upsert:items/i2", "delete:items/i1"}, pks(msg.Changes.Changes))
}

func TestSession_ResumeSkipsRowsOfOtherShapes(t *testing.T) {
	s := newServer(t)
	_, err := s.Put("seed", ir.Insert("items", itemData("i1", "milk", "l1", false)))
	require.NoError(t, err)
	_, err = s.Put("seed", ir.Insert("items", itemData("i2", "eggs", "l1", true)))
	require.NoError(t, err)
	_, err = s.Put("seed", ir.Insert("items", itemData("i3", "bread", "l1", false)))
	require.NoError(t, err)

	_, err = s.Put("B", ir.Update("items", "i1", ir.IRObject{"task": ir.IRString("oat milk")}))
	require.NoError(t, err)
	_, err = s.Put("B", ir.Update("items", "i2", ir.IRObject{"task": ir.IRString("brown eggs")}))
	require.NoError(t, err)
	_, err = s.Put("B", ir.Update("items", "i3", ir.IRObject{"done": ir.IRBool(true)}))
	require.NoError(t, err)

	c := connect(t, s, "A")
	c.subscribe(queryir.Shape{Table: "items", Where: queryir.Eq("done", ir.IRBool(false))}, 3)
	msg := c.recv()
	assert.True(t, msg.Changes.UpToDate)
	assert.False(t, msg.Changes.Reset, "a resumed shape keeps its rows")
	// i2 was never in the shape; i3 left it after the cursor.
	assert.Equal(t, []string{"upsert:items/i1", "move_out:items/i3"}, pks(msg.Changes.Changes))
}

func TestSession_SnapshotStartsWithReset(t *testing.T) {
	s := newServer(t)
	c := connect(t, s, "A")
	c.subscribe(queryir.Shape{Table: "items"}, 0)
	msg := c.recv()
	assert.True(t, msg.Changes.Reset)
	assert.True(t, msg.Changes.UpToDate)
	assert.Empty(t, msg.Changes.Changes)
}

func TestSession_RequiresHello(t *testing.T) {
	s := newServer(t)
	conn := s.Connect()
	defer conn.Close()

	require.NoError(t, conn.Send(context.Background(), protocol.NewUnsubscribe("k")))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := conn.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeError, msg.Type)
}

func TestSession_InvalidShapeIsAnError(t *testing.T) {
	s := newServer(t)
	c := connect(t, s, "A")

	require.NoError(t, c.conn.Send(context.Background(), protocol.NewSubscribe("bogus", queryir.Shape{Table: "nope"}, 0)))
	assert.Equal(t, protocol.TypeError, c.recv().Type)
}

func TestDisconnect_ClosesSessions(t *testing.T) {
	s := newServer(t)
	c := connect(t, s, "A")
	require.Eventually(t, func() bool { return s.Sessions() == 1 }, 5*time.Second, 10*time.Millisecond)

	s.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.conn.Recv(ctx)
	assert.ErrorIs(t, err, transport.ErrClosed)
	require.Eventually(t, func() bool { return s.Sessions() == 0 }, 5*time.Second, 10*time.Millisecond)
}
