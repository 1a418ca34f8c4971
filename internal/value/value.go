// Package value implements the dynamically-typed value tree that flows
// between Connectors, the Mapping Engine, and the Expression Sandbox: a
// tagged union over null/bool/number/string/list/object, addressable by
// dotted path (e.g. "customer.address.city", "items.0.sku").
package value

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies which variant of the tagged union a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is an immutable-by-convention tagged union node. Object and List
// hold mutable underlying maps/slices; callers that need isolation should
// Clone before mutating a shared tree.
type Value struct {
	kind   Kind
	b      bool
	n      float64
	s      string
	list   []Value
	object map[string]Value
	// keys preserves object insertion order for deterministic round-trips.
	keys []string
}

func Null() Value                { return Value{kind: KindNull} }
func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func Number(n float64) Value     { return Value{kind: KindNumber, n: n} }
func String(s string) Value      { return Value{kind: KindString, s: s} }
func List(items []Value) Value   { return Value{kind: KindList, list: items} }
func Object() Value              { return Value{kind: KindObject, object: map[string]Value{}} }

func (v Value) Kind() Kind          { return v.kind }
func (v Value) IsNull() bool        { return v.kind == KindNull }
func (v Value) Bool() bool          { return v.b }
func (v Value) Number() float64     { return v.n }
func (v Value) String() string     { return v.s }
func (v Value) List() []Value      { return v.list }
func (v Value) Keys() []string      { return append([]string(nil), v.keys...) }

// Set returns a copy of the object with key bound to val. The receiver must
// be KindObject (or KindNull, treated as an empty object).
func (v Value) Set(key string, val Value) Value {
	if v.kind != KindObject {
		v = Object()
	}
	obj := make(map[string]Value, len(v.object)+1)
	for k, existing := range v.object {
		obj[k] = existing
	}
	if _, exists := obj[key]; !exists {
		v.keys = append(append([]string(nil), v.keys...), key)
	}
	obj[key] = val
	v.object = obj
	return v
}

// Field returns a direct (non-path) field of an object value.
func (v Value) Field(key string) (Value, bool) {
	if v.kind != KindObject {
		return Null(), false
	}
	val, ok := v.object[key]
	return val, ok
}

// Clone performs a deep copy of the value tree.
func (v Value) Clone() Value {
	switch v.kind {
	case KindList:
		items := make([]Value, len(v.list))
		for i, item := range v.list {
			items[i] = item.Clone()
		}
		return Value{kind: KindList, list: items}
	case KindObject:
		obj := make(map[string]Value, len(v.object))
		for k, val := range v.object {
			obj[k] = val.Clone()
		}
		return Value{kind: KindObject, object: obj, keys: append([]string(nil), v.keys...)}
	default:
		return v
	}
}

// path is a single dotted-path token: a field name, or a decimal list index.
type pathSegment struct {
	field string
	index int
	isIdx bool
}

func parsePath(path string) []pathSegment {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, ".")
	segs := make([]pathSegment, len(parts))
	for i, p := range parts {
		if idx, err := strconv.Atoi(p); err == nil && p != "" {
			segs[i] = pathSegment{index: idx, isIdx: true}
		} else {
			segs[i] = pathSegment{field: p}
		}
	}
	return segs
}

// Get resolves a dotted path against v. It returns (Null(), false) if any
// segment of the path is absent or traverses through a non-container value.
func Get(v Value, path string) (Value, bool) {
	segs := parsePath(path)
	cur := v
	for _, seg := range segs {
		if seg.isIdx {
			if cur.kind != KindList || seg.index < 0 || seg.index >= len(cur.list) {
				return Null(), false
			}
			cur = cur.list[seg.index]
			continue
		}
		if cur.kind != KindObject {
			return Null(), false
		}
		next, ok := cur.object[seg.field]
		if !ok {
			return Null(), false
		}
		cur = next
	}
	return cur, true
}

// SetPath returns a new tree with val bound at path, creating intermediate
// objects as needed. Traversing through a list requires the index to
// already exist (SetPath never auto-extends a list).
func SetPath(root Value, path string, val Value) (Value, error) {
	segs := parsePath(path)
	if len(segs) == 0 {
		return val, nil
	}
	return setPathSegs(root, segs, val)
}

func setPathSegs(cur Value, segs []pathSegment, val Value) (Value, error) {
	seg := segs[0]
	rest := segs[1:]

	if seg.isIdx {
		if cur.kind != KindList {
			if cur.kind == KindNull {
				cur = Value{kind: KindList}
			} else {
				return Value{}, fmt.Errorf("value: cannot index into %s at segment %d", cur.kind, seg.index)
			}
		}
		if seg.index < 0 || seg.index >= len(cur.list) {
			return Value{}, fmt.Errorf("value: list index %d out of range (len %d)", seg.index, len(cur.list))
		}
		items := append([]Value(nil), cur.list...)
		if len(rest) == 0 {
			items[seg.index] = val
		} else {
			child, err := setPathSegs(items[seg.index], rest, val)
			if err != nil {
				return Value{}, err
			}
			items[seg.index] = child
		}
		return Value{kind: KindList, list: items}, nil
	}

	if cur.kind != KindObject && cur.kind != KindNull {
		return Value{}, fmt.Errorf("value: cannot set field %q on %s", seg.field, cur.kind)
	}
	if len(rest) == 0 {
		return cur.Set(seg.field, val), nil
	}
	child, _ := cur.Field(seg.field)
	newChild, err := setPathSegs(child, rest, val)
	if err != nil {
		return Value{}, err
	}
	return cur.Set(seg.field, newChild), nil
}

// ToGo converts a Value into plain Go types (nil, bool, float64, string,
// []any, map[string]any) suitable for JSON encoding or handing to the
// Expression Sandbox's goja runtime.
func ToGo(v Value) any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = ToGo(item)
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.object))
		for _, k := range v.keys {
			out[k] = ToGo(v.object[k])
		}
		return out
	default:
		return nil
	}
}

// FromGo converts plain Go types (as produced by encoding/json.Unmarshal
// into `any`, or returned from a goja script) into a Value tree.
func FromGo(in any) Value {
	switch x := in.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(x)
	case float64:
		return Number(x)
	case int:
		return Number(float64(x))
	case int64:
		return Number(float64(x))
	case string:
		return String(x)
	case []any:
		items := make([]Value, len(x))
		for i, item := range x {
			items[i] = FromGo(item)
		}
		return List(items)
	case map[string]any:
		obj := Object()
		for k, val := range x {
			obj = obj.Set(k, FromGo(val))
		}
		return obj
	default:
		return String(fmt.Sprintf("%v", x))
	}
}
