package graph

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func refKeys(refs []*Ref) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.Key.String()
	}
	return out
}

func TestUnpack(t *testing.T) {
	rd := NewRef(String("mykey"))

	tests := []struct {
		name string
		in   Value
		want Value
		refs []string
	}{
		{"scalar", Scalar(1), Scalar(1), nil},
		{"empty tuple", Tuple(), Tuple(), nil},
		{"bare ref", rd, String("mykey"), []string{"'mykey'"}},
		{"list", List(Scalar(1), rd), List(Scalar(1), String("mykey")), []string{"'mykey'"}},
		{
			"map",
			Map(Entry{Key: Scalar(1), Value: rd}),
			Map(Entry{Key: Scalar(1), Value: String("mykey")}),
			[]string{"'mykey'"},
		},
		{
			"nested",
			Map(Entry{Key: Scalar(1), Value: List(rd)}),
			Map(Entry{Key: Scalar(1), Value: List(String("mykey"))}),
			[]string{"'mykey'"},
		},
		{
			"duplicate refs",
			Tuple(rd, List(rd), Set(rd)),
			Tuple(String("mykey"), List(String("mykey")), Set(String("mykey"))),
			[]string{"'mykey'"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, refs := Unpack(tt.in, UnpackOptions{})
			assert.True(t, Equal(tt.want, got), "got %s want %s", got, tt.want)
			if tt.refs == nil {
				assert.Empty(t, refs)
			} else {
				assert.Equal(t, tt.refs, refKeys(refs))
			}
		})
	}
}

func TestUnpackStringKeys(t *testing.T) {
	rd := NewRef(Tuple(String("x"), Scalar(1)))

	got, refs := Unpack(rd, UnpackOptions{StringKeys: true})
	assert.Equal(t, KindScalar, got.Kind())
	assert.Equal(t, "('x', 1)", got.Scalar())
	require.Len(t, refs, 1)
	assert.True(t, Equal(Tuple(String("x"), Scalar(1)), refs[0].Key))

	// string keys are used verbatim
	got, _ = Unpack(NewRef(String("y")), UnpackOptions{StringKeys: true})
	assert.Equal(t, "y", got.Scalar())
}

func TestUnpackEmptyCollectionsReturnedAsIs(t *testing.T) {
	for _, v := range []Value{List(), Tuple(), Set(), Map()} {
		got, refs := Unpack(v, UnpackOptions{})
		assert.Empty(t, refs)
		assert.Equal(t, v.Kind(), got.Kind())
		if v.Kind() == KindMap {
			assert.Equal(t, reflect.ValueOf(v.entries).Pointer(), reflect.ValueOf(got.entries).Pointer())
		} else {
			assert.Equal(t, reflect.ValueOf(v.items).Pointer(), reflect.ValueOf(got.items).Pointer())
		}
	}
}

func TestUnpackTaskWithCallable(t *testing.T) {
	a := NewRef(String("a"))
	b := NewRef(String("b"))

	sc := &Callable{
		Graph: map[string]Value{
			"out": Tuple(String("add"), String("in0"), a),
		},
		OutKey: "out",
		InKeys: []Value{String("in0")},
		Name:   "subgraph",
	}
	task := Tuple(NewCallable(sc), Scalar(10), b)

	got, refs := Unpack(task, UnpackOptions{})
	assert.Equal(t, []string{"'a'", "'b'"}, refKeys(refs))

	require.Equal(t, KindTuple, got.Kind())
	items := got.Items()
	require.Len(t, items, 5)

	out := items[0].Callable()
	require.NotNil(t, out)
	assert.Equal(t, "out", out.OutKey)
	assert.Equal(t, "subgraph", out.Name)
	assert.True(t, Equal(List(String("in0"), String("a"), String("b")), List(out.InKeys...)))
	assert.True(t, Equal(Tuple(String("add"), String("in0"), String("a")), out.Graph["out"]))

	// original args, unpacked, then the discovered keys
	assert.True(t, Equal(Scalar(10), items[1]))
	assert.True(t, Equal(String("b"), items[2]))
	assert.True(t, Equal(String("a"), items[3]))
	assert.True(t, Equal(String("b"), items[4]))

	// the input callable is left alone
	assert.Len(t, sc.InKeys, 1)
}

func TestUnpackTaskWithoutRefs(t *testing.T) {
	sc := &Callable{
		Graph:  map[string]Value{"out": Tuple(String("inc"), String("in0"))},
		OutKey: "out",
		InKeys: []Value{String("in0")},
		Name:   "plain",
	}
	task := Tuple(NewCallable(sc), Scalar(1))

	got, refs := Unpack(task, UnpackOptions{})
	assert.Empty(t, refs)
	assert.Same(t, sc, got.Items()[0].Callable())
	assert.True(t, Equal(task, got))
}

func TestPack(t *testing.T) {
	known := Known{}
	known.Set(String("x"), Scalar(1))
	known.Set(Tuple(String("y"), Scalar(0)), String("resolved"))

	tests := []struct {
		name string
		in   Value
		want Value
	}{
		{"tuple", Tuple(String("x"), String("y")), Tuple(Scalar(1), String("y"))},
		{
			"map values",
			Map(Entry{Key: String("a"), Value: String("x")}, Entry{Key: String("b"), Value: String("y")}),
			Map(Entry{Key: String("a"), Value: Scalar(1)}, Entry{Key: String("b"), Value: String("y")}),
		},
		{
			"nested list",
			Map(Entry{Key: String("a"), Value: List(String("x"))}),
			Map(Entry{Key: String("a"), Value: List(Scalar(1))}),
		},
		{"tuple key", List(Tuple(String("y"), Scalar(0))), List(String("resolved"))},
		{"map keys untouched", Map(Entry{Key: String("x"), Value: Nil}), Map(Entry{Key: String("x"), Value: Nil})},
		{"unknown", String("z"), String("z")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Pack(tt.in, known)
			assert.True(t, Equal(tt.want, got), "got %s want %s", got, tt.want)
		})
	}
}

func TestUnpackThenPackResolvesRefs(t *testing.T) {
	in := Map(
		Entry{Key: String("a"), Value: NewRef(String("x"))},
		Entry{Key: String("b"), Value: List(Scalar(2), NewRef(String("y")))},
	)
	unpacked, refs := Unpack(in, UnpackOptions{})
	require.Len(t, refs, 2)

	known := Known{}
	known.Set(String("x"), Scalar(10))
	known.Set(String("y"), Scalar(20))

	want := Map(
		Entry{Key: String("a"), Value: Scalar(10)},
		Entry{Key: String("b"), Value: List(Scalar(2), Scalar(20))},
	)
	assert.True(t, Equal(want, Pack(unpacked, known)))
}

func TestValueString(t *testing.T) {
	tests := []struct {
		in   Value
		want string
	}{
		{Nil, "None"},
		{Scalar(true), "True"},
		{Scalar(3), "3"},
		{String("it's"), `'it\'s'`},
		{Tuple(String("x")), "('x',)"},
		{Tuple(String("x"), Scalar(1)), "('x', 1)"},
		{List(Scalar(1), Scalar(2)), "[1, 2]"},
		{Map(Entry{Key: String("a"), Value: Scalar(1)}), "{'a': 1}"},
		{NewRef(String("k")), "Ref('k')"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.in.String())
	}
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(Scalar(1), Scalar(int32(1))))
	assert.False(t, Equal(Scalar(1), String("1")))
	assert.False(t, Equal(List(Scalar(1)), Tuple(Scalar(1))))
	assert.True(t, Equal(Set(Scalar(1), Scalar(2)), Set(Scalar(2), Scalar(1))))
	assert.True(t, Equal(
		Map(Entry{Key: String("a"), Value: Scalar(1)}, Entry{Key: String("b"), Value: Scalar(2)}),
		Map(Entry{Key: String("b"), Value: Scalar(2)}, Entry{Key: String("a"), Value: Scalar(1)}),
	))
	assert.True(t, Equal(NewRef(String("k")), NewRef(String("k"))))
	assert.Equal(t, 2, Set(Scalar(1), Scalar(1), Scalar(2)).Len())
}

func TestFromAndInterface(t *testing.T) {
	v := From(map[string]any{
		"a": []any{1, "two", nil},
		"b": &Ref{Key: String("k")},
	})
	require.Equal(t, KindMap, v.Kind())

	unpacked, refs := Unpack(v, UnpackOptions{})
	require.Len(t, refs, 1)

	assert.Equal(t, map[string]any{
		"a": []any{int64(1), "two", nil},
		"b": "k",
	}, unpacked.Interface())
}
