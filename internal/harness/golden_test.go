package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithGolden_TodoOffline(t *testing.T) {
	sc, err := LoadScenario("testdata/scenarios/todo_offline.yaml")
	require.NoError(t, err)

	result, err := RunWithGolden(t, sc)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestMarshalTrace(t *testing.T) {
	trace := []TraceEvent{
		{Seq: 1, Type: EventStep, Op: OpUpdateMany, Table: "items",
			Args:   map[string]any{"where": map[string]any{"done": false}, "data": map[string]any{"rank": 1}},
			Result: 2},
		{Seq: 2, Type: EventLive, Query: "open", Rows: []string{}},
		{Seq: 3, Type: EventStep, Op: OpDelete, Table: "items", Error: "row not found"},
	}
	data, err := MarshalTrace("sample", trace)
	require.NoError(t, err)

	want := `{"events":3,"scenario":"sample"}
{"args":{"data":{"rank":1},"where":{"done":false}},"op":"update_many","result":2,"seq":1,"table":"items","type":"step"}
{"query":"open","rows":[],"seq":2,"type":"live"}
{"error":"row not found","op":"delete","seq":3,"table":"items","type":"step"}
`
	assert.Equal(t, want, string(data))
}

func TestMarshalTrace_Deterministic(t *testing.T) {
	event := TraceEvent{Seq: 1, Type: EventStep, Op: OpCreate, Table: "items",
		Args: map[string]any{"data": map[string]any{"z": 1, "a": 2, "m": map[string]any{"y": true, "b": nil}}}}
	first, err := MarshalTrace("d", []TraceEvent{event})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := MarshalTrace("d", []TraceEvent{event})
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
	assert.Contains(t, string(first), `{"a":2,"m":{"b":null,"y":true},"z":1}`)
}

func TestMarshalTrace_RejectsFloats(t *testing.T) {
	_, err := MarshalTrace("f", []TraceEvent{{Seq: 1, Type: EventStep, Op: OpCreate, Args: map[string]any{"x": 1.5}}})
	require.Error(t, err)
}
