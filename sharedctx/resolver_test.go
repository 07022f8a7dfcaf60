package sharedctx

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEvent(id, session string, ts int64, key string, v Value) ContextEvent {
	return ContextEvent{
		EventID:   id,
		SessionID: session,
		Timestamp: ts,
		Type:      EventUpdate,
		Key:       key,
		NewValue:  &v,
	}
}

// elementSet extracts the canonical encodings of a list value's elements,
// sorted, for order-insensitive convergence checks.
func elementSet(t *testing.T, v *Value) []string {
	t.Helper()
	require.NotNil(t, v)
	require.Equal(t, KindList, v.Kind)
	out := make([]string, len(v.List))
	for i, item := range v.List {
		out[i] = item.Canonical()
	}
	sort.Strings(out)
	return out
}

func TestResolveScalars(t *testing.T) {
	var r Resolver

	t.Run("later timestamp wins", func(t *testing.T) {
		a := makeEvent("e1", "sess-a", 100, "task", NewScalar("auth"))
		b := makeEvent("e2", "sess-b", 200, "task", NewScalar("db"))

		resolved, err := r.Resolve(a, b)
		require.NoError(t, err)

		assert.Equal(t, EventMerge, resolved.Type)
		assert.Equal(t, "db", resolved.NewValue.Scalar)
		assert.Equal(t, "sess-b", resolved.SessionID)
		assert.Equal(t, int64(200), resolved.Timestamp)
		assert.Empty(t, resolved.Warning)
	})

	t.Run("equal timestamps break ties by session id", func(t *testing.T) {
		a := makeEvent("e1", "sess-a", 100, "task", NewScalar("auth"))
		b := makeEvent("e2", "sess-b", 100, "task", NewScalar("db"))

		resolved, err := r.Resolve(a, b)
		require.NoError(t, err)

		// sess-b orders after sess-a, so its write wins.
		assert.Equal(t, "db", resolved.NewValue.Scalar)
		assert.Equal(t, "sess-b", resolved.SessionID)
	})

	t.Run("key mismatch is an error", func(t *testing.T) {
		a := makeEvent("e1", "sess-a", 100, "task", NewScalar("auth"))
		b := makeEvent("e2", "sess-b", 200, "other", NewScalar("db"))

		_, err := r.Resolve(a, b)
		assert.Error(t, err)
	})
}

func TestResolveIsCommutative(t *testing.T) {
	var r Resolver

	cases := []struct {
		name string
		a, b ContextEvent
	}{
		{
			name: "scalars",
			a:    makeEvent("e1", "sess-a", 100, "k", NewScalar("x")),
			b:    makeEvent("e2", "sess-b", 200, "k", NewScalar("y")),
		},
		{
			name: "lists",
			a:    makeEvent("e1", "sess-a", 100, "k", NewList(NewScalar("x"), NewScalar("shared"))),
			b:    makeEvent("e2", "sess-b", 200, "k", NewList(NewScalar("shared"), NewScalar("y"))),
		},
		{
			name: "maps",
			a: makeEvent("e1", "sess-a", 100, "k", NewMap(map[string]Value{
				"left": NewScalar("1"), "both": NewScalar("a"),
			})),
			b: makeEvent("e2", "sess-b", 200, "k", NewMap(map[string]Value{
				"right": NewScalar("2"), "both": NewScalar("b"),
			})),
		},
		{
			name: "mismatched types",
			a:    makeEvent("e1", "sess-a", 100, "k", NewScalar("x")),
			b:    makeEvent("e2", "sess-b", 200, "k", NewList(NewScalar("y"))),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ab, err := r.Resolve(tc.a, tc.b)
			require.NoError(t, err)
			ba, err := r.Resolve(tc.b, tc.a)
			require.NoError(t, err)

			assert.Equal(t, ab, ba)
		})
	}
}

func TestResolveListUnion(t *testing.T) {
	var r Resolver

	a := makeEvent("e1", "sess-a", 100, "files",
		NewList(NewScalar("main.go"), NewScalar("util.go")))
	b := makeEvent("e2", "sess-b", 200, "files",
		NewList(NewScalar("util.go"), NewScalar("api.go")))

	resolved, err := r.Resolve(a, b)
	require.NoError(t, err)

	require.Equal(t, KindList, resolved.NewValue.Kind)
	got := make([]string, len(resolved.NewValue.List))
	for i, item := range resolved.NewValue.List {
		got[i] = item.Scalar
	}

	// Earlier event's elements first, then the later event's new ones,
	// duplicates removed.
	assert.Equal(t, []string{"main.go", "util.go", "api.go"}, got)
}

func TestResolveMapRecursion(t *testing.T) {
	var r Resolver

	a := makeEvent("e1", "sess-a", 100, "state", NewMap(map[string]Value{
		"owner": NewScalar("sess-a"),
		"files": NewList(NewScalar("main.go")),
		"meta": NewMap(map[string]Value{
			"phase": NewScalar("build"),
		}),
	}))
	b := makeEvent("e2", "sess-b", 200, "state", NewMap(map[string]Value{
		"owner": NewScalar("sess-b"),
		"files": NewList(NewScalar("api.go")),
		"meta": NewMap(map[string]Value{
			"phase":  NewScalar("test"),
			"branch": NewScalar("feature-x"),
		}),
	}))

	resolved, err := r.Resolve(a, b)
	require.NoError(t, err)

	m := resolved.NewValue.Map
	// Nested scalar conflict: later event wins.
	assert.Equal(t, "sess-b", m["owner"].Scalar)
	// Nested list conflict: union.
	assert.Len(t, m["files"].List, 2)
	// Nested map conflict: recursive merge.
	assert.Equal(t, "test", m["meta"].Map["phase"].Scalar)
	assert.Equal(t, "feature-x", m["meta"].Map["branch"].Scalar)
}

func TestResolveTypeMismatch(t *testing.T) {
	var r Resolver

	a := makeEvent("e1", "sess-a", 100, "k", NewScalar("plain"))
	b := makeEvent("e2", "sess-b", 200, "k", NewList(NewScalar("item")))

	resolved, err := r.Resolve(a, b)
	require.NoError(t, err)

	// Later write kept wholesale, and the merge carries a warning.
	assert.Equal(t, KindList, resolved.NewValue.Kind)
	assert.NotEmpty(t, resolved.Warning)

	t.Run("nested mismatch also warns", func(t *testing.T) {
		a := makeEvent("e1", "sess-a", 100, "k", NewMap(map[string]Value{
			"field": NewScalar("plain"),
		}))
		b := makeEvent("e2", "sess-b", 200, "k", NewMap(map[string]Value{
			"field": NewList(NewScalar("item")),
		}))

		resolved, err := r.Resolve(a, b)
		require.NoError(t, err)
		assert.NotEmpty(t, resolved.Warning)
		assert.Equal(t, KindList, resolved.NewValue.Map["field"].Kind)
	})
}

func TestResolveDeleteVersusUpdate(t *testing.T) {
	var r Resolver

	update := makeEvent("e1", "sess-a", 100, "k", NewScalar("kept"))
	del := ContextEvent{
		EventID: "e2", SessionID: "sess-b", Timestamp: 200,
		Type: EventDelete, Key: "k",
	}

	t.Run("later delete wins", func(t *testing.T) {
		resolved, err := r.Resolve(update, del)
		require.NoError(t, err)
		assert.Nil(t, resolved.NewValue)
	})

	t.Run("later update wins", func(t *testing.T) {
		lateUpdate := makeEvent("e3", "sess-a", 300, "k", NewScalar("revived"))
		resolved, err := r.Resolve(del, lateUpdate)
		require.NoError(t, err)
		require.NotNil(t, resolved.NewValue)
		assert.Equal(t, "revived", resolved.NewValue.Scalar)
	})
}

// Chained resolution must converge regardless of which pair resolves first:
// the element set, final timestamp, and winning session are identical for
// resolve(resolve(A,B),C) and resolve(resolve(A,C),B).
func TestResolveChainedConvergence(t *testing.T) {
	var r Resolver

	t.Run("lists", func(t *testing.T) {
		a := makeEvent("e1", "sess-a", 100, "k", NewList(NewScalar("x")))
		b := makeEvent("e2", "sess-b", 200, "k", NewList(NewScalar("y")))
		c := makeEvent("e3", "sess-c", 300, "k", NewList(NewScalar("z")))

		ab, err := r.Resolve(a, b)
		require.NoError(t, err)
		abc, err := r.Resolve(ab, c)
		require.NoError(t, err)

		ac, err := r.Resolve(a, c)
		require.NoError(t, err)
		acb, err := r.Resolve(ac, b)
		require.NoError(t, err)

		assert.Equal(t, elementSet(t, abc.NewValue), elementSet(t, acb.NewValue))
		assert.Equal(t, abc.Timestamp, acb.Timestamp)
		assert.Equal(t, abc.SessionID, acb.SessionID)
	})

	t.Run("maps", func(t *testing.T) {
		a := makeEvent("e1", "sess-a", 100, "k", NewMap(map[string]Value{
			"a": NewScalar("1"), "shared": NewScalar("from-a"),
		}))
		b := makeEvent("e2", "sess-b", 200, "k", NewMap(map[string]Value{
			"b": NewScalar("2"), "shared": NewScalar("from-b"),
		}))
		c := makeEvent("e3", "sess-c", 300, "k", NewMap(map[string]Value{
			"c": NewScalar("3"), "shared": NewScalar("from-c"),
		}))

		ab, err := r.Resolve(a, b)
		require.NoError(t, err)
		abc, err := r.Resolve(ab, c)
		require.NoError(t, err)

		ac, err := r.Resolve(a, c)
		require.NoError(t, err)
		acb, err := r.Resolve(ac, b)
		require.NoError(t, err)

		// Map merges have no ordering component, so the values are equal
		// outright: the highest-timestamp write of "shared" wins both ways.
		require.NotNil(t, abc.NewValue)
		require.NotNil(t, acb.NewValue)
		assert.True(t, abc.NewValue.Equal(*acb.NewValue))
		assert.Equal(t, "from-c", abc.NewValue.Map["shared"].Scalar)
		assert.Equal(t, abc.Timestamp, acb.Timestamp)
		assert.Equal(t, abc.SessionID, acb.SessionID)
	})

	t.Run("scalars", func(t *testing.T) {
		a := makeEvent("e1", "sess-a", 100, "k", NewScalar("first"))
		b := makeEvent("e2", "sess-b", 200, "k", NewScalar("second"))
		c := makeEvent("e3", "sess-c", 300, "k", NewScalar("third"))

		ab, err := r.Resolve(a, b)
		require.NoError(t, err)
		abc, err := r.Resolve(ab, c)
		require.NoError(t, err)

		ac, err := r.Resolve(a, c)
		require.NoError(t, err)
		acb, err := r.Resolve(ac, b)
		require.NoError(t, err)

		assert.Equal(t, "third", abc.NewValue.Scalar)
		assert.Equal(t, "third", acb.NewValue.Scalar)
	})
}
