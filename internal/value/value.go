// Package value holds the tagged parameter and variable values passed through
// pattern executions.
package value

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "boolean"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "null"
	}
}

// Value is one of String, Number, Bool, Array or Object. The zero Value is null.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	arr  []Value
	obj  map[string]Value
}

func Null() Value { return Value{} }

func String(s string) Value { return Value{kind: KindString, str: s} }

func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

func Int(n int) Value { return Value{kind: KindNumber, num: float64(n)} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func Array(items ...Value) Value {
	cloned := make([]Value, len(items))
	copy(cloned, items)
	return Value{kind: KindArray, arr: cloned}
}

func Object(fields map[string]Value) Value {
	cloned := make(map[string]Value, len(fields))
	for k, v := range fields {
		cloned[k] = v
	}
	return Value{kind: KindObject, obj: cloned}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

// IsZero lets encoders drop absent values with omitzero/omitempty.
func (v Value) IsZero() bool { return v.kind == KindNull }

func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

func (v Value) Num() (float64, bool) { return v.num, v.kind == KindNumber }

func (v Value) Boolean() (bool, bool) { return v.b, v.kind == KindBool }

func (v Value) Items() []Value {
	if v.kind != KindArray {
		return nil
	}
	out := make([]Value, len(v.arr))
	copy(out, v.arr)
	return out
}

func (v Value) Fields() map[string]Value {
	if v.kind != KindObject {
		return nil
	}
	out := make(map[string]Value, len(v.obj))
	for k, item := range v.obj {
		out[k] = item
	}
	return out
}

// Len is the rune count of a string, or the element count of an array or object.
func (v Value) Len() int {
	switch v.kind {
	case KindString:
		return utf8.RuneCountInString(v.str)
	case KindArray:
		return len(v.arr)
	case KindObject:
		return len(v.obj)
	default:
		return 0
	}
}

func (v Value) Truthy() bool {
	switch v.kind {
	case KindString:
		return v.str != ""
	case KindNumber:
		return v.num != 0 && !math.IsNaN(v.num)
	case KindBool:
		return v.b
	case KindArray, KindObject:
		return true
	default:
		return false
	}
}

// Text renders the value the way it appears inside a substituted template.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindArray, KindObject:
		raw, err := json.Marshal(v.Any())
		if err != nil {
			return ""
		}
		return string(raw)
	default:
		return ""
	}
}

func (v Value) String() string {
	if v.kind == KindString {
		return strconv.Quote(v.str)
	}
	if v.kind == KindNull {
		return "null"
	}
	return v.Text()
}

// Any converts the value to plain Go types: nil, string, float64, bool, []any, map[string]any.
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindArray:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Any()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, item := range v.obj {
			out[k] = item.Any()
		}
		return out
	default:
		return nil
	}
}

// FromAny converts decoded JSON/YAML data or plain Go values into a Value.
func FromAny(x any) (Value, error) {
	switch typed := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return typed, nil
	case string:
		return String(typed), nil
	case bool:
		return Bool(typed), nil
	case float64:
		return Number(typed), nil
	case float32:
		return Number(float64(typed)), nil
	case int:
		return Number(float64(typed)), nil
	case int8:
		return Number(float64(typed)), nil
	case int16:
		return Number(float64(typed)), nil
	case int32:
		return Number(float64(typed)), nil
	case int64:
		return Number(float64(typed)), nil
	case uint:
		return Number(float64(typed)), nil
	case uint8:
		return Number(float64(typed)), nil
	case uint16:
		return Number(float64(typed)), nil
	case uint32:
		return Number(float64(typed)), nil
	case uint64:
		return Number(float64(typed)), nil
	case json.Number:
		n, err := typed.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("value: invalid number %q: %w", typed, err)
		}
		return Number(n), nil
	case []any:
		items := make([]Value, len(typed))
		for i, item := range typed {
			converted, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("value: index %d: %w", i, err)
			}
			items[i] = converted
		}
		return Value{kind: KindArray, arr: items}, nil
	case []string:
		items := make([]Value, len(typed))
		for i, item := range typed {
			items[i] = String(item)
		}
		return Value{kind: KindArray, arr: items}, nil
	case map[string]any:
		fields := make(map[string]Value, len(typed))
		for k, item := range typed {
			converted, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("value: field %q: %w", k, err)
			}
			fields[k] = converted
		}
		return Value{kind: KindObject, obj: fields}, nil
	case map[string]string:
		fields := make(map[string]Value, len(typed))
		for k, item := range typed {
			fields[k] = String(item)
		}
		return Value{kind: KindObject, obj: fields}, nil
	default:
		return fromReflect(reflect.ValueOf(x))
	}
}

func fromReflect(rv reflect.Value) (Value, error) {
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]Value, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			converted, err := FromAny(rv.Index(i).Interface())
			if err != nil {
				return Value{}, err
			}
			items[i] = converted
		}
		return Value{kind: KindArray, arr: items}, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Value{}, fmt.Errorf("value: unsupported map key type %s", rv.Type().Key())
		}
		fields := make(map[string]Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			converted, err := FromAny(iter.Value().Interface())
			if err != nil {
				return Value{}, err
			}
			fields[iter.Key().String()] = converted
		}
		return Value{kind: KindObject, obj: fields}, nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Null(), nil
		}
		return FromAny(rv.Elem().Interface())
	default:
		return Value{}, fmt.Errorf("value: unsupported type %T", rv.Interface())
	}
}

// FromMap converts a decoded parameter object.
func FromMap(in map[string]any) (map[string]Value, error) {
	out := make(map[string]Value, len(in))
	for k, raw := range in {
		converted, err := FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", k, err)
		}
		out[k] = converted
	}
	return out, nil
}

func ToMap(in map[string]Value) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v.Any()
	}
	return out
}

func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindString:
		return a.str == b.str
	case KindNumber:
		return a.num == b.num
	case KindBool:
		return a.b == b.b
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(a.obj) != len(b.obj) {
			return false
		}
		for k, left := range a.obj {
			right, ok := b.obj[k]
			if !ok || !Equal(left, right) {
				return false
			}
		}
		return true
	}
	return false
}

// Equal lets go-cmp compare values without reaching into unexported fields.
func (v Value) Equal(other Value) bool { return Equal(v, other) }

// Keys returns the sorted field names of an object value.
func (v Value) Keys() []string {
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	converted, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = converted
	return nil
}

func (v Value) MarshalYAML() (any, error) {
	return v.Any(), nil
}

func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	converted, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = converted
	return nil
}
