package graph

import "sort"

// UnpackOptions tunes Unpack
type UnpackOptions struct {
	// StringKeys replaces references with the string form of their key
	// instead of the key itself.
	StringKeys bool
}

// refSet collects references in discovery order, one per distinct key
type refSet struct {
	refs []*Ref
	seen map[string]struct{}
}

func newRefSet() *refSet {
	return &refSet{seen: make(map[string]struct{})}
}

func (s *refSet) add(r *Ref) {
	k := r.Key.String()
	if _, ok := s.seen[k]; ok {
		return
	}
	s.seen[k] = struct{}{}
	s.refs = append(s.refs, r)
}

func (s *refSet) merge(o *refSet) {
	for _, r := range o.refs {
		s.add(r)
	}
}

// Unpack replaces every reference inside v with its key and returns the
// rewritten value with the distinct references found, in discovery order.
// Empty collections come back unchanged.
//
// A tuple headed by a Callable is a task: its subgraph values and call
// arguments are unpacked, and any references found become extra InKeys of
// the callable and extra trailing arguments of the task so the callable can
// bind them when it runs.
func Unpack(v Value, opts UnpackOptions) (Value, []*Ref) {
	refs := newRefSet()
	out := unpack(v, opts, refs)
	return out, refs.refs
}

func unpack(v Value, opts UnpackOptions, refs *refSet) Value {
	switch v.kind {
	case KindTuple:
		if len(v.items) == 0 {
			return v
		}
		if v.items[0].kind == KindCallable {
			return unpackTask(v, opts, refs)
		}
		return Value{kind: KindTuple, items: unpackItems(v.items, opts, refs)}
	case KindList, KindSet:
		if len(v.items) == 0 {
			return v
		}
		out := unpackItems(v.items, opts, refs)
		if v.kind == KindSet {
			// two refs to the same key collapse into one member
			return Set(out...)
		}
		return Value{kind: KindList, items: out}
	case KindMap:
		if len(v.entries) == 0 {
			return v
		}
		entries := make([]Entry, len(v.entries))
		for i, e := range v.entries {
			entries[i] = Entry{Key: e.Key, Value: unpack(e.Value, opts, refs)}
		}
		return Value{kind: KindMap, entries: entries}
	case KindRef:
		refs.add(v.ref)
		return refKey(v.ref, opts)
	}
	return v
}

func unpackItems(items []Value, opts UnpackOptions, refs *refSet) []Value {
	out := make([]Value, len(items))
	for i, it := range items {
		out[i] = unpack(it, opts, refs)
	}
	return out
}

func refKey(r *Ref, opts UnpackOptions) Value {
	if opts.StringKeys {
		return String(KeyString(r.Key))
	}
	return r.Key
}

func unpackTask(v Value, opts UnpackOptions, refs *refSet) Value {
	sc := v.items[0].callable
	found := newRefSet()

	names := make([]string, 0, len(sc.Graph))
	for k := range sc.Graph {
		names = append(names, k)
	}
	sort.Strings(names)
	graph := make(map[string]Value, len(sc.Graph))
	for _, k := range names {
		graph[k] = unpack(sc.Graph[k], opts, found)
	}
	args := unpackItems(v.items[1:], opts, found)

	if len(found.refs) == 0 {
		return v
	}
	refs.merge(found)

	keys := make([]Value, len(found.refs))
	for i, r := range found.refs {
		keys[i] = refKey(r, opts)
	}
	inKeys := make([]Value, 0, len(sc.InKeys)+len(keys))
	inKeys = append(inKeys, sc.InKeys...)
	inKeys = append(inKeys, keys...)

	items := make([]Value, 0, 1+len(args)+len(keys))
	items = append(items, NewCallable(&Callable{
		Graph:  graph,
		OutKey: sc.OutKey,
		InKeys: inKeys,
		Name:   sc.Name,
	}))
	items = append(items, args...)
	items = append(items, keys...)
	return Value{kind: KindTuple, items: items}
}

// Known maps task keys to resolved values
type Known map[string]Value

// Set records the value of key
func (k Known) Set(key, v Value) {
	k[key.String()] = v
}

// Lookup returns the value recorded for key
func (k Known) Lookup(key Value) (Value, bool) {
	if !key.Hashable() {
		return Value{}, false
	}
	v, ok := k[key.String()]
	return v, ok
}

// Pack substitutes resolved values back into v: any scalar or tuple that is
// a key of known is replaced by its value, collections are rebuilt around
// their packed elements and everything else passes through. Map keys are
// never replaced.
func Pack(v Value, known Known) Value {
	if resolved, ok := known.Lookup(v); ok {
		return resolved
	}
	switch v.kind {
	case KindList, KindTuple:
		items := make([]Value, len(v.items))
		for i, it := range v.items {
			items[i] = Pack(it, known)
		}
		return Value{kind: v.kind, items: items}
	case KindSet:
		items := make([]Value, len(v.items))
		for i, it := range v.items {
			items[i] = Pack(it, known)
		}
		return Set(items...)
	case KindMap:
		entries := make([]Entry, len(v.entries))
		for i, e := range v.entries {
			entries[i] = Entry{Key: e.Key, Value: Pack(e.Value, known)}
		}
		return Value{kind: KindMap, entries: entries}
	}
	return v
}
