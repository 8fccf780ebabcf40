package ir

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
	"unicode/utf16"
)

// IRValue is a column value. The set of implementations is closed: null,
// string, int64, bool, array and object. There is no float; a float column
// would hash differently across replicas and compare differently in SQLite.
type IRValue interface {
	irValue() // Sealed - only these types implement it
}

// IRNull represents a JSON null value (nullable columns, IS NULL filters).
type IRNull struct{}

func (IRNull) irValue() {}

func (IRNull) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

type IRString string

func (IRString) irValue() {}

// IRInt is always int64, including after a JSON round trip.
type IRInt int64

func (IRInt) irValue() {}

type IRBool bool

func (IRBool) irValue() {}

type IRArray []IRValue

func (IRArray) irValue() {}

// IRObject is a row or a nested object. Iterate with SortedKeys when the
// order is observable.
type IRObject map[string]IRValue

func (IRObject) irValue() {}

// Clone returns a shallow copy of the object. Nested arrays and objects are
// shared, which is safe because values are never mutated in place.
func (obj IRObject) Clone() IRObject {
	if obj == nil {
		return IRObject{}
	}
	out := make(IRObject, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	return out
}

// Merge returns a copy of obj with every key of patch written over it.
func (obj IRObject) Merge(patch IRObject) IRObject {
	out := obj.Clone()
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// SortedKeys orders keys by UTF-16 code units (RFC 8785), which differs
// from byte order for characters above U+FFFF.
func (obj IRObject) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	return slices.Compare(a16, b16)
}

func (obj *IRObject) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*obj = make(IRObject, len(raw))
	for k, v := range raw {
		val, err := UnmarshalIRValue(v)
		if err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		(*obj)[k] = val
	}
	return nil
}

func (arr *IRArray) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*arr = make(IRArray, len(raw))
	for i, v := range raw {
		val, err := UnmarshalIRValue(v)
		if err != nil {
			return fmt.Errorf("[%d]: %w", i, err)
		}
		(*arr)[i] = val
	}
	return nil
}

// MarshalJSON writes keys in sorted order. HTML escaping stays on, so the
// output is not canonical; hashes go through MarshalCanonical.
func (obj IRObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range obj.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := MarshalIRValue(obj[k])
		if err != nil {
			return nil, fmt.Errorf("value of %q: %w", k, err)
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (arr IRArray) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		elemBytes, err := MarshalIRValue(elem)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		buf.Write(elemBytes)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// MarshalIRValue encodes v as ordinary (non-canonical) JSON.
func MarshalIRValue(v IRValue) ([]byte, error) {
	switch val := v.(type) {
	case nil, IRNull:
		return []byte("null"), nil
	case IRString:
		return json.Marshal(string(val))
	case IRInt:
		return json.Marshal(int64(val))
	case IRBool:
		return json.Marshal(bool(val))
	case IRArray:
		return val.MarshalJSON()
	case IRObject:
		return val.MarshalJSON()
	default:
		return nil, fmt.Errorf("ir: not a value: %T", v)
	}
}

// UnmarshalIRValue decodes a single JSON value. JSON null becomes IRNull;
// numbers must be integral and fit in int64.
func UnmarshalIRValue(data []byte) (IRValue, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("ir: empty input")
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return IRString(s), nil

	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return IRBool(b), nil

	case 'n':
		return IRNull{}, nil

	case '[':
		var arr IRArray
		if err := json.Unmarshal(data, &arr); err != nil {
			return nil, err
		}
		return arr, nil

	case '{':
		var obj IRObject
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, err
		}
		return obj, nil

	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, err
		}
		i, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("floats are not allowed: %s", string(data))
		}
		return IRInt(i), nil
	}
}

// FromGo converts a plain Go value into an IRValue.
//
// Accepted inputs: nil, IRValue, string, bool, all signed and unsigned
// integer kinds, integral float64 (as produced by generic JSON or YAML
// decoding), time.Time (unix millis), []any, []string, map[string]any.
func FromGo(v any) (IRValue, error) {
	switch val := v.(type) {
	case nil:
		return IRNull{}, nil
	case IRValue:
		return val, nil
	case string:
		return IRString(val), nil
	case bool:
		return IRBool(val), nil
	case int:
		return IRInt(val), nil
	case int8:
		return IRInt(val), nil
	case int16:
		return IRInt(val), nil
	case int32:
		return IRInt(val), nil
	case int64:
		return IRInt(val), nil
	case uint:
		return IRInt(val), nil
	case uint8:
		return IRInt(val), nil
	case uint16:
		return IRInt(val), nil
	case uint32:
		return IRInt(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("integer out of int64 range: %d", val)
		}
		return IRInt(val), nil
	case float64:
		if val != math.Trunc(val) || val > math.MaxInt64 || val < math.MinInt64 {
			return nil, fmt.Errorf("floats are not allowed: %v", val)
		}
		return IRInt(int64(val)), nil
	case float32:
		return FromGo(float64(val))
	case json.Number:
		i, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("floats are not allowed: %s", val)
		}
		return IRInt(i), nil
	case time.Time:
		return IRInt(val.UnixMilli()), nil
	case []string:
		arr := make(IRArray, len(val))
		for i, s := range val {
			arr[i] = IRString(s)
		}
		return arr, nil
	case []any:
		arr := make(IRArray, len(val))
		for i, elem := range val {
			irElem, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = irElem
		}
		return arr, nil
	case map[string]any:
		obj := make(IRObject, len(val))
		for k, elem := range val {
			irElem, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			obj[k] = irElem
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("ir: cannot convert %T", v)
	}
}

// ObjectFromGo converts a map of plain Go values into an IRObject.
func ObjectFromGo(m map[string]any) (IRObject, error) {
	obj := make(IRObject, len(m))
	for k, v := range m {
		val, err := FromGo(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		obj[k] = val
	}
	return obj, nil
}

// ToGo converts an IRValue back into plain Go values
// (nil, string, int64, bool, []any, map[string]any).
func ToGo(v IRValue) any {
	switch val := v.(type) {
	case nil, IRNull:
		return nil
	case IRString:
		return string(val)
	case IRInt:
		return int64(val)
	case IRBool:
		return bool(val)
	case IRArray:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = ToGo(elem)
		}
		return out
	case IRObject:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = ToGo(elem)
		}
		return out
	default:
		return nil
	}
}

// IsNull reports whether v is absent or IRNull.
func IsNull(v IRValue) bool {
	if v == nil {
		return true
	}
	_, ok := v.(IRNull)
	return ok
}

// typeClass ranks values the way SQLite orders json_extract results:
// NULL < numeric (booleans extract as 0/1) < TEXT < JSON text (arrays, objects).
func typeClass(v IRValue) int {
	switch v.(type) {
	case nil, IRNull:
		return 0
	case IRBool, IRInt:
		return 1
	case IRString:
		return 2
	default:
		return 3
	}
}

func numeric(v IRValue) int64 {
	switch val := v.(type) {
	case IRInt:
		return int64(val)
	case IRBool:
		if val {
			return 1
		}
	}
	return 0
}

// Compare orders two values consistently with SQLite's ordering of
// json_extract results, so in-memory evaluation and compiled SQL agree.
// Strings compare by bytes (COLLATE BINARY).
func Compare(a, b IRValue) int {
	ca, cb := typeClass(a), typeClass(b)
	if ca != cb {
		if ca < cb {
			return -1
		}
		return 1
	}

	switch ca {
	case 0:
		return 0
	case 1:
		na, nb := numeric(a), numeric(b)
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	case 2:
		return strings.Compare(string(a.(IRString)), string(b.(IRString)))
	default:
		ja, _ := MarshalCanonical(a)
		jb, _ := MarshalCanonical(b)
		return bytes.Compare(ja, jb)
	}
}

// Equal reports whether two values are identical, including type.
// IRBool(true) and IRInt(1) are NOT Equal even though Compare returns 0.
func Equal(a, b IRValue) bool {
	if IsNull(a) || IsNull(b) {
		return IsNull(a) && IsNull(b)
	}
	switch av := a.(type) {
	case IRString:
		bv, ok := b.(IRString)
		return ok && av == bv
	case IRInt:
		bv, ok := b.(IRInt)
		return ok && av == bv
	case IRBool:
		bv, ok := b.(IRBool)
		return ok && av == bv
	case IRArray:
		bv, ok := b.(IRArray)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case IRObject:
		bv, ok := b.(IRObject)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, exists := bv[k]
			if !exists || !Equal(v, other) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
