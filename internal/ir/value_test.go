package ir

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIRValueSealed(t *testing.T) {
	// Compile-time check: every value kind satisfies IRValue.
	values := []IRValue{IRNull{}, IRString(""), IRInt(0), IRBool(false), IRArray{}, IRObject{}}
	assert.Len(t, values, 6)
}

func TestIRObjectSortedKeysRFC8785Order(t *testing.T) {
	// U+FFFF sorts before U+1F600 in UTF-8 byte order but after it in UTF-16.
	obj := IRObject{
		"\U0001F600": IRInt(1),
		"\uFFFF":     IRInt(2),
		"a":          IRInt(3),
	}

	assert.Equal(t, []string{"a", "\U0001F600", "\uFFFF"}, obj.SortedKeys())
}

func TestIRObjectCloneAndMerge(t *testing.T) {
	base := IRObject{"title": IRString("Milk"), "done": IRBool(false)}

	merged := base.Merge(IRObject{"done": IRBool(true)})

	assert.Equal(t, IRBool(true), merged["done"])
	assert.Equal(t, IRString("Milk"), merged["title"])
	assert.Equal(t, IRBool(false), base["done"], "Merge must not mutate the receiver")

	var nilObj IRObject
	assert.NotNil(t, nilObj.Clone())
}

func TestUnmarshalIRValue(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected IRValue
	}{
		{"string", `"hi"`, IRString("hi")},
		{"int", `42`, IRInt(42)},
		{"negative", `-7`, IRInt(-7)},
		{"bool", `true`, IRBool(true)},
		{"null", `null`, IRNull{}},
		{"array", `[1,"a",null]`, IRArray{IRInt(1), IRString("a"), IRNull{}}},
		{"object", `{"a":{"b":false}}`, IRObject{"a": IRObject{"b": IRBool(false)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := UnmarshalIRValue([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, v)
		})
	}
}

func TestUnmarshalRejectsFloats(t *testing.T) {
	for _, input := range []string{`3.14`, `1e3`, `{"price":9.99}`, `[0.5]`} {
		t.Run(input, func(t *testing.T) {
			_, err := UnmarshalIRValue([]byte(input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "float")
		})
	}
}

func TestIRObjectJSONRoundTrip(t *testing.T) {
	obj := IRObject{
		"id":      IRString("i1"),
		"count":   IRInt(3),
		"list_id": IRNull{},
		"tags":    IRArray{IRString("a")},
	}

	data, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"count":3,"id":"i1","list_id":null,"tags":["a"]}`, string(data))

	var decoded IRObject
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, obj, decoded)
}

func TestFromGo(t *testing.T) {
	ts := time.UnixMilli(1700000000123)

	tests := []struct {
		name     string
		input    any
		expected IRValue
	}{
		{"nil", nil, IRNull{}},
		{"string", "x", IRString("x")},
		{"int", 5, IRInt(5)},
		{"uint8", uint8(5), IRInt(5)},
		{"integral float", float64(12), IRInt(12)},
		{"json number", json.Number("99"), IRInt(99)},
		{"time", ts, IRInt(1700000000123)},
		{"string slice", []string{"a", "b"}, IRArray{IRString("a"), IRString("b")}},
		{"nested map", map[string]any{"a": []any{true, nil}}, IRObject{"a": IRArray{IRBool(true), IRNull{}}}},
		{"passthrough", IRInt(1), IRInt(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := FromGo(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, v)
		})
	}
}

func TestFromGoRejects(t *testing.T) {
	for name, input := range map[string]any{
		"fractional float": 1.5,
		"struct":           struct{}{},
		"huge uint":        uint64(1 << 63),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := FromGo(input)
			assert.Error(t, err)
		})
	}
}

func TestToGo(t *testing.T) {
	v := IRObject{"a": IRArray{IRInt(1), IRNull{}, IRBool(true)}, "s": IRString("x")}

	assert.Equal(t, map[string]any{
		"a": []any{int64(1), nil, true},
		"s": "x",
	}, ToGo(v))
}

func TestCompareOrdering(t *testing.T) {
	ordered := []IRValue{
		IRNull{},
		IRBool(false),
		IRInt(1),
		IRInt(2),
		IRString("B"),
		IRString("a"),
		IRArray{IRInt(1)},
	}

	for i := 0; i < len(ordered)-1; i++ {
		assert.Equal(t, -1, Compare(ordered[i], ordered[i+1]), "%v < %v", ordered[i], ordered[i+1])
		assert.Equal(t, 1, Compare(ordered[i+1], ordered[i]), "%v > %v", ordered[i+1], ordered[i])
	}

	assert.Equal(t, 0, Compare(IRBool(true), IRInt(1)), "booleans compare as 0/1")
	assert.Equal(t, 0, Compare(nil, IRNull{}))
}

func TestEqualIsTypeStrict(t *testing.T) {
	assert.True(t, Equal(IRInt(1), IRInt(1)))
	assert.False(t, Equal(IRBool(true), IRInt(1)))
	assert.True(t, Equal(nil, IRNull{}))
	assert.True(t, Equal(
		IRObject{"a": IRArray{IRString("x")}},
		IRObject{"a": IRArray{IRString("x")}},
	))
	assert.False(t, Equal(IRObject{"a": IRInt(1)}, IRObject{"a": IRInt(1), "b": IRInt(2)}))
}

func TestRowAccessors(t *testing.T) {
	row := Row{
		Table: "items",
		PK:    "i1",
		Data:  IRObject{"title": IRString("Milk"), "done": IRBool(true), "position": IRInt(3)},
	}

	title, ok := row.String("title")
	assert.True(t, ok)
	assert.Equal(t, "Milk", title)

	done, ok := row.Bool("done")
	assert.True(t, ok)
	assert.True(t, done)

	pos, ok := row.Int("position")
	assert.True(t, ok)
	assert.Equal(t, int64(3), pos)

	_, ok = row.String("position")
	assert.False(t, ok)
	assert.Equal(t, IRNull{}, row.Get("missing"))
}
