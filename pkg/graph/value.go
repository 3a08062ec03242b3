package graph

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies the shape held by a Value
type Kind uint8

const (
	KindScalar Kind = iota
	KindList
	KindTuple
	KindSet
	KindMap
	KindCallable
	KindRef
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindList:
		return "list"
	case KindTuple:
		return "tuple"
	case KindSet:
		return "set"
	case KindMap:
		return "map"
	case KindCallable:
		return "callable"
	case KindRef:
		return "ref"
	}
	return "unknown"
}

// Value is a node of a task payload: a scalar, a collection of values, a
// graph callable or a reference to a remote key. The zero Value is the nil
// scalar.
type Value struct {
	kind     Kind
	scalar   any
	items    []Value
	entries  []Entry
	callable *Callable
	ref      *Ref
}

// Entry is one key/value pair of a map Value
type Entry struct {
	Key   Value
	Value Value
}

// Ref points at a task key whose value lives on some worker. Two refs are
// the same reference when their keys are equal.
type Ref struct {
	Key Value
}

func (r *Ref) String() string {
	return fmt.Sprintf("Ref(%s)", r.Key)
}

// Callable is a deferred computation carrying its own subgraph. Calling it
// binds InKeys to the call arguments and evaluates the graph up to OutKey.
type Callable struct {
	Graph  map[string]Value
	OutKey string
	InKeys []Value
	Name   string
}

// Nil is the nil scalar
var Nil = Value{}

// Scalar wraps a plain value. Integers are normalised to int64 and floats to
// float64 so equal numbers compare equal.
func Scalar(v any) Value {
	switch x := v.(type) {
	case int:
		v = int64(x)
	case int8:
		v = int64(x)
	case int16:
		v = int64(x)
	case int32:
		v = int64(x)
	case uint:
		v = int64(x)
	case uint8:
		v = int64(x)
	case uint16:
		v = int64(x)
	case uint32:
		v = int64(x)
	case float32:
		v = float64(x)
	}
	return Value{kind: KindScalar, scalar: v}
}

// String is shorthand for Scalar(s)
func String(s string) Value {
	return Value{kind: KindScalar, scalar: s}
}

// List builds an ordered, mutable-style sequence
func List(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindList, items: items}
}

// Tuple builds an ordered sequence usable as a key
func Tuple(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindTuple, items: items}
}

// Set builds an unordered collection. Duplicates are dropped, first
// occurrence wins.
func Set(items ...Value) Value {
	out := make([]Value, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		k := it.String()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, it)
	}
	return Value{kind: KindSet, items: out}
}

// Map builds a mapping. A repeated key replaces the earlier value in place.
func Map(entries ...Entry) Value {
	out := make([]Entry, 0, len(entries))
	index := make(map[string]int, len(entries))
	for _, e := range entries {
		k := e.Key.String()
		if i, ok := index[k]; ok {
			out[i].Value = e.Value
			continue
		}
		index[k] = len(out)
		out = append(out, e)
	}
	return Value{kind: KindMap, entries: out}
}

// NewRef builds a reference to key
func NewRef(key Value) Value {
	return Value{kind: KindRef, ref: &Ref{Key: key}}
}

// NewCallable wraps c as a Value
func NewCallable(c *Callable) Value {
	return Value{kind: KindCallable, callable: c}
}

// From converts plain Go data into a Value. Slices become lists, maps become
// maps, *Ref becomes a reference and Values pass through.
func From(v any) Value {
	switch x := v.(type) {
	case Value:
		return x
	case *Ref:
		return Value{kind: KindRef, ref: x}
	case Ref:
		return NewRef(x.Key)
	case *Callable:
		return NewCallable(x)
	case []any:
		items := make([]Value, len(x))
		for i, it := range x {
			items[i] = From(it)
		}
		return List(items...)
	case []string:
		items := make([]Value, len(x))
		for i, it := range x {
			items[i] = String(it)
		}
		return List(items...)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		entries := make([]Entry, len(keys))
		for i, k := range keys {
			entries[i] = Entry{Key: String(k), Value: From(x[k])}
		}
		return Map(entries...)
	}
	return Scalar(v)
}

// Kind reports the shape of v
func (v Value) Kind() Kind {
	return v.kind
}

// Scalar returns the wrapped plain value of a scalar
func (v Value) Scalar() any {
	return v.scalar
}

// Items returns the elements of a list, tuple or set
func (v Value) Items() []Value {
	return v.items
}

// Entries returns the pairs of a map in insertion order
func (v Value) Entries() []Entry {
	return v.entries
}

// Callable returns the callable of a callable Value
func (v Value) Callable() *Callable {
	return v.callable
}

// Ref returns the reference of a ref Value
func (v Value) Ref() *Ref {
	return v.ref
}

// Len returns the number of elements or entries of a collection
func (v Value) Len() int {
	if v.kind == KindMap {
		return len(v.entries)
	}
	return len(v.items)
}

// Hashable reports whether v can name a task, i.e. be looked up in Known
func (v Value) Hashable() bool {
	switch v.kind {
	case KindScalar:
		return true
	case KindTuple:
		for _, it := range v.items {
			if !it.Hashable() {
				return false
			}
		}
		return true
	}
	return false
}

// Interface converts v back into plain Go data. Tuples and sets become
// slices; map keys are rendered with KeyString.
func (v Value) Interface() any {
	switch v.kind {
	case KindList, KindTuple, KindSet:
		out := make([]any, len(v.items))
		for i, it := range v.items {
			out[i] = it.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.entries))
		for _, e := range v.entries {
			out[KeyString(e.Key)] = e.Value.Interface()
		}
		return out
	case KindRef:
		return v.ref
	case KindCallable:
		return v.callable
	}
	return v.scalar
}

// KeyString renders a task key as a plain string: strings stay as they are,
// everything else uses the String form.
func KeyString(key Value) string {
	if s, ok := key.scalar.(string); ok && key.kind == KindScalar {
		return s
	}
	return key.String()
}

// String renders v in a canonical form that also serves as its identity for
// sets, map keys and Known lookups.
func (v Value) String() string {
	var b strings.Builder
	v.write(&b)
	return b.String()
}

func (v Value) write(b *strings.Builder) {
	switch v.kind {
	case KindScalar:
		writeScalar(b, v.scalar)
	case KindList:
		writeItems(b, "[", "]", v.items)
	case KindTuple:
		if len(v.items) == 1 {
			// keep ('x',) distinct from 'x'
			writeItems(b, "(", ",)", v.items)
		} else {
			writeItems(b, "(", ")", v.items)
		}
	case KindSet:
		writeItems(b, "{", "}", v.items)
	case KindMap:
		b.WriteString("{")
		for i, e := range v.entries {
			if i > 0 {
				b.WriteString(", ")
			}
			e.Key.write(b)
			b.WriteString(": ")
			e.Value.write(b)
		}
		b.WriteString("}")
	case KindRef:
		b.WriteString(v.ref.String())
	case KindCallable:
		fmt.Fprintf(b, "Callable(%s)", v.callable.Name)
	}
}

func writeItems(b *strings.Builder, open, close string, items []Value) {
	b.WriteString(open)
	for i, it := range items {
		if i > 0 {
			b.WriteString(", ")
		}
		it.write(b)
	}
	b.WriteString(close)
}

func writeScalar(b *strings.Builder, v any) {
	switch x := v.(type) {
	case nil:
		b.WriteString("None")
	case string:
		b.WriteString("'")
		b.WriteString(strings.ReplaceAll(x, "'", `\'`))
		b.WriteString("'")
	case bool:
		if x {
			b.WriteString("True")
		} else {
			b.WriteString("False")
		}
	case int64:
		b.WriteString(strconv.FormatInt(x, 10))
	case uint64:
		b.WriteString(strconv.FormatUint(x, 10))
	case float64:
		b.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
	default:
		fmt.Fprintf(b, "%v", x)
	}
}

// Equal reports deep equality. Sets and maps compare without regard to order.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindScalar:
		return a.String() == b.String()
	case KindList, KindTuple:
		if len(a.items) != len(b.items) {
			return false
		}
		for i := range a.items {
			if !Equal(a.items[i], b.items[i]) {
				return false
			}
		}
		return true
	case KindSet:
		if len(a.items) != len(b.items) {
			return false
		}
		members := make(map[string]struct{}, len(a.items))
		for _, it := range a.items {
			members[it.String()] = struct{}{}
		}
		for _, it := range b.items {
			if _, ok := members[it.String()]; !ok {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.entries) != len(b.entries) {
			return false
		}
		other := make(map[string]Value, len(b.entries))
		for _, e := range b.entries {
			other[e.Key.String()] = e.Value
		}
		for _, e := range a.entries {
			ov, ok := other[e.Key.String()]
			if !ok || !Equal(e.Value, ov) {
				return false
			}
		}
		return true
	case KindRef:
		return Equal(a.ref.Key, b.ref.Key)
	case KindCallable:
		return equalCallable(a.callable, b.callable)
	}
	return false
}

func equalCallable(a, b *Callable) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if a.Name != b.Name || a.OutKey != b.OutKey || len(a.Graph) != len(b.Graph) || len(a.InKeys) != len(b.InKeys) {
		return false
	}
	for i := range a.InKeys {
		if !Equal(a.InKeys[i], b.InKeys[i]) {
			return false
		}
	}
	for k, av := range a.Graph {
		bv, ok := b.Graph[k]
		if !ok || !Equal(av, bv) {
			return false
		}
	}
	return true
}
