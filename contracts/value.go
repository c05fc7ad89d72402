package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Kind identifies which variant a Value holds
type Kind int

const (
	NullKind Kind = iota
	BoolKind
	NumberKind
	StringKind
	ArrayKind
	ObjectKind
)

func (k Kind) String() string {
	switch k {
	case NullKind:
		return "null"
	case BoolKind:
		return "boolean"
	case NumberKind:
		return "number"
	case StringKind:
		return "string"
	case ArrayKind:
		return "array"
	case ObjectKind:
		return "object"
	default:
		return "invalid"
	}
}

// Value is an immutable JSON value. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    json.Number
	s    string
	arr  []Value
	obj  map[string]Value
}

// Null returns the null value
func Null() Value { return Value{} }

// BoolValue wraps a boolean
func BoolValue(b bool) Value { return Value{kind: BoolKind, b: b} }

// StringValue wraps a string
func StringValue(s string) Value { return Value{kind: StringKind, s: s} }

// NumberValue wraps a JSON number literal
func NumberValue(n json.Number) Value { return Value{kind: NumberKind, n: n} }

// IntValue wraps an integer
func IntValue(i int64) Value { return NumberValue(json.Number(strconv.FormatInt(i, 10))) }

// FloatValue wraps a float. NaN and infinities are not representable in JSON and become null.
func FloatValue(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Null()
	}
	return NumberValue(json.Number(strconv.FormatFloat(f, 'g', -1, 64)))
}

// ArrayValue builds an array from the given elements
func ArrayValue(elems ...Value) Value {
	arr := make([]Value, len(elems))
	copy(arr, elems)
	return Value{kind: ArrayKind, arr: arr}
}

// ObjectValue builds an object; the map is copied
func ObjectValue(fields map[string]Value) Value {
	obj := make(map[string]Value, len(fields))
	for k, v := range fields {
		obj[k] = v
	}
	return Value{kind: ObjectKind, obj: obj}
}

// ParseJSON decodes a JSON document, keeping numbers as literals
func ParseJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return Value{}, fmt.Errorf("failed to decode json: %w", err)
	}
	if dec.More() {
		return Value{}, fmt.Errorf("failed to decode json: trailing data after document")
	}
	return FromInterface(raw)
}

// FromInterface converts a Go value into a Value. Map keys of any type are
// normalized to strings; structs and other types go through encoding/json.
func FromInterface(in interface{}) (Value, error) {
	switch v := in.(type) {
	case nil:
		return Null(), nil
	case Value:
		return v, nil
	case *Value:
		if v == nil {
			return Null(), nil
		}
		return *v, nil
	case bool:
		return BoolValue(v), nil
	case string:
		return StringValue(v), nil
	case json.Number:
		if _, err := v.Float64(); err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", v, err)
		}
		return NumberValue(v), nil
	case float64:
		return FloatValue(v), nil
	case float32:
		return FloatValue(float64(v)), nil
	case int:
		return IntValue(int64(v)), nil
	case int8:
		return IntValue(int64(v)), nil
	case int16:
		return IntValue(int64(v)), nil
	case int32:
		return IntValue(int64(v)), nil
	case int64:
		return IntValue(v), nil
	case uint:
		return NumberValue(json.Number(strconv.FormatUint(uint64(v), 10))), nil
	case uint8:
		return IntValue(int64(v)), nil
	case uint16:
		return IntValue(int64(v)), nil
	case uint32:
		return IntValue(int64(v)), nil
	case uint64:
		return NumberValue(json.Number(strconv.FormatUint(v, 10))), nil
	case json.RawMessage:
		return ParseJSON(v)
	case []interface{}:
		arr := make([]Value, 0, len(v))
		for i, item := range v {
			elem, err := FromInterface(item)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			arr = append(arr, elem)
		}
		return Value{kind: ArrayKind, arr: arr}, nil
	case []string:
		arr := make([]Value, 0, len(v))
		for _, item := range v {
			arr = append(arr, StringValue(item))
		}
		return Value{kind: ArrayKind, arr: arr}, nil
	case map[string]interface{}:
		obj := make(map[string]Value, len(v))
		for k, item := range v {
			elem, err := FromInterface(item)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", k, err)
			}
			obj[k] = elem
		}
		return Value{kind: ObjectKind, obj: obj}, nil
	case map[interface{}]interface{}:
		obj := make(map[string]Value, len(v))
		for k, item := range v {
			key := fmt.Sprint(k)
			elem, err := FromInterface(item)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", key, err)
			}
			obj[key] = elem
		}
		return Value{kind: ObjectKind, obj: obj}, nil
	case map[string]string:
		obj := make(map[string]Value, len(v))
		for k, item := range v {
			obj[k] = StringValue(item)
		}
		return Value{kind: ObjectKind, obj: obj}, nil
	}

	data, err := json.Marshal(in)
	if err != nil {
		return Value{}, fmt.Errorf("unsupported value of type %T: %w", in, err)
	}
	return ParseJSON(data)
}

// Kind returns the variant held by v
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null
func (v Value) IsNull() bool { return v.kind == NullKind }

// AsBool returns the boolean held by v
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == BoolKind }

// AsString returns the string held by v
func (v Value) AsString() (string, bool) { return v.s, v.kind == StringKind }

// AsNumber returns the number literal held by v
func (v Value) AsNumber() (json.Number, bool) { return v.n, v.kind == NumberKind }

// AsFloat returns the number held by v as a float64
func (v Value) AsFloat() (float64, bool) {
	if v.kind != NumberKind {
		return 0, false
	}
	f, err := v.n.Float64()
	return f, err == nil
}

// Len returns the number of elements of an array or fields of an object
func (v Value) Len() int {
	switch v.kind {
	case ArrayKind:
		return len(v.arr)
	case ObjectKind:
		return len(v.obj)
	default:
		return 0
	}
}

// Index returns the i-th element of an array, or null when out of range
func (v Value) Index(i int) Value {
	if v.kind != ArrayKind || i < 0 || i >= len(v.arr) {
		return Null()
	}
	return v.arr[i]
}

// Elements returns a copy of the elements of an array
func (v Value) Elements() []Value {
	if v.kind != ArrayKind {
		return nil
	}
	out := make([]Value, len(v.arr))
	copy(out, v.arr)
	return out
}

// Field returns the named field of an object
func (v Value) Field(key string) (Value, bool) {
	if v.kind != ObjectKind {
		return Null(), false
	}
	f, ok := v.obj[key]
	return f, ok
}

// Keys returns the field names of an object in sorted order
func (v Value) Keys() []string {
	if v.kind != ObjectKind {
		return nil
	}
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Interface converts v into freshly allocated plain Go values
// (nil, bool, json.Number, string, []interface{}, map[string]interface{}).
func (v Value) Interface() interface{} {
	switch v.kind {
	case BoolKind:
		return v.b
	case NumberKind:
		return v.n
	case StringKind:
		return v.s
	case ArrayKind:
		out := make([]interface{}, len(v.arr))
		for i, elem := range v.arr {
			out[i] = elem.Interface()
		}
		return out
	case ObjectKind:
		out := make(map[string]interface{}, len(v.obj))
		for k, elem := range v.obj {
			out[k] = elem.Interface()
		}
		return out
	default:
		return nil
	}
}

// Equal reports deep equality. Numbers compare by value, so 1 and 1.0 are equal.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case NullKind:
		return true
	case BoolKind:
		return v.b == other.b
	case StringKind:
		return v.s == other.s
	case NumberKind:
		if v.n == other.n {
			return true
		}
		a, errA := v.n.Float64()
		b, errB := other.n.Float64()
		return errA == nil && errB == nil && a == b
	case ArrayKind:
		if len(v.arr) != len(other.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(other.arr[i]) {
				return false
			}
		}
		return true
	case ObjectKind:
		if len(v.obj) != len(other.obj) {
			return false
		}
		for k, a := range v.obj {
			b, ok := other.obj[k]
			if !ok || !a.Equal(b) {
				return false
			}
		}
		return true
	}
	return false
}

// MarshalJSON renders v with object keys sorted
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON implements json.Unmarshaler
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := ParseJSON(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// String renders v as compact JSON
func (v Value) String() string {
	data, err := v.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid json: %v>", err)
	}
	return string(data)
}
