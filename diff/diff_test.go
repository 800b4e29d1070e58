package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entryByPath(t *testing.T, res *Result, path string) Entry {
	t.Helper()
	for _, e := range res.Entries {
		if e.Path == path {
			return e
		}
	}
	t.Fatalf("no entry for path %q", path)
	return Entry{}
}

func TestDiff_Classification(t *testing.T) {
	a := map[string]any{
		"kept":    "same",
		"gone":    1,
		"changed": "old",
		"nested":  map[string]any{"deep": "x", "other": 1},
		"list":    []any{1, 2, 3},
	}
	b := map[string]any{
		"kept":    "same",
		"new":     true,
		"changed": "new",
		"nested":  map[string]any{"deep": "y", "other": 1},
		"list":    []any{1, 2, 4},
	}

	res := Diff(a, b)

	assert.Equal(t, OpUnchanged, entryByPath(t, res, "kept").Op)
	assert.Equal(t, OpRemoved, entryByPath(t, res, "gone").Op)
	assert.Equal(t, OpAdded, entryByPath(t, res, "new").Op)

	changed := entryByPath(t, res, "changed")
	assert.Equal(t, OpModified, changed.Op)
	assert.Equal(t, "old", changed.OldValue)
	assert.Equal(t, "new", changed.NewValue)

	// Diff recurses into maps, producing leaf paths.
	assert.Equal(t, OpModified, entryByPath(t, res, "nested.deep").Op)
	assert.Equal(t, OpUnchanged, entryByPath(t, res, "nested.other").Op)

	// Lists are atomic: one modified entry at the list's own path.
	list := entryByPath(t, res, "list")
	assert.Equal(t, OpModified, list.Op)
	assert.Equal(t, []any{1, 2, 3}, list.OldValue)
	assert.Equal(t, []any{1, 2, 4}, list.NewValue)
}

func TestDiff_NumericEquality(t *testing.T) {
	// int values that round-tripped through serialization come back as
	// int64 and must not register as modified.
	a := map[string]any{"n": 1}
	b := map[string]any{"n": int64(1)}

	res := Diff(a, b)
	assert.False(t, res.HasChanges())
}

func TestDiff_Identical(t *testing.T) {
	m := map[string]any{"a": 1, "b": map[string]any{"c": true}}
	res := Diff(m, m)
	assert.False(t, res.HasChanges())
	assert.Len(t, res.Changed(), 0)
}

func TestMerge_OneSidedChangeAppliesCleanly(t *testing.T) {
	base := map[string]any{"step": 1, "owner": "none"}
	left := map[string]any{"step": 2, "owner": "none"}
	right := map[string]any{"step": 1, "owner": "none"}

	res := Merge(base, left, right)

	require.True(t, res.Success)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, 2, res.Merged["step"])
	assert.Equal(t, 1, res.AutoApplied)
}

func TestMerge_BothSidesDisagreeProducesOneConflict(t *testing.T) {
	base := map[string]any{"step": 1}
	left := map[string]any{"step": 2}
	right := map[string]any{"step": 3}

	res := Merge(base, left, right)

	assert.False(t, res.Success)
	require.Len(t, res.Conflicts, 1)
	c := res.Conflicts[0]
	assert.Equal(t, "step", c.Path)
	assert.Equal(t, 1, c.Base)
	assert.Equal(t, 2, c.Left)
	assert.Equal(t, 3, c.Right)
	assert.False(t, c.Resolved)

	// Unresolved conflicts leave base value in place.
	assert.Equal(t, 1, res.Merged["step"])
}

func TestMerge_SameEditBothSidesIsNotAConflict(t *testing.T) {
	base := map[string]any{"step": 1}
	left := map[string]any{"step": 5}
	right := map[string]any{"step": 5}

	res := Merge(base, left, right)

	require.True(t, res.Success)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, 5, res.Merged["step"])
}

func TestMerge_BuiltinResolvers(t *testing.T) {
	base := map[string]any{"v": "base"}
	left := map[string]any{"v": "left"}
	right := map[string]any{"v": "right"}

	tests := []struct {
		name     string
		resolver Resolver
		want     any
	}{
		{"keep_left", KeepLeft, "left"},
		{"keep_right", KeepRight, "right"},
		{"keep_both", KeepBoth, map[string]any{"left": "left", "right": "right"}},
		{"union scalar right wins", Union, "right"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Merge(base, left, right, WithResolver(tt.resolver))
			require.True(t, res.Success)
			require.Len(t, res.Conflicts, 1)
			assert.True(t, res.Conflicts[0].Resolved)
			assert.Equal(t, tt.want, res.Merged["v"])
		})
	}
}

func TestMerge_UnionListsAndMaps(t *testing.T) {
	base := map[string]any{
		"tags": []any{"a"},
		"meta": map[string]any{"x": 1},
	}
	left := map[string]any{
		"tags": []any{"a", "b"},
		"meta": map[string]any{"x": 1, "l": true},
	}
	right := map[string]any{
		"tags": []any{"a", "c"},
		"meta": map[string]any{"x": 2},
	}

	res := Merge(base, left, right, WithResolver(Union))

	require.True(t, res.Success)
	assert.Equal(t, []any{"a", "b", "c"}, res.Merged["tags"])
	assert.Equal(t, map[string]any{"x": 2, "l": true}, res.Merged["meta"])
}

func TestMerge_PathResolverTakesPrecedence(t *testing.T) {
	base := map[string]any{
		"counters": map[string]any{"hits": 1},
		"name":     "base",
	}
	left := map[string]any{
		"counters": map[string]any{"hits": 2},
		"name":     "left",
	}
	right := map[string]any{
		"counters": map[string]any{"hits": 3},
		"name":     "right",
	}

	res := Merge(base, left, right,
		WithResolver(KeepRight),
		WithPathResolver("counters.*", KeepLeft),
	)

	require.True(t, res.Success)
	counters := res.Merged["counters"].(map[string]any)
	assert.Equal(t, 2, counters["hits"], "path resolver should win")
	assert.Equal(t, "right", res.Merged["name"], "default resolver applies elsewhere")
}

// A leaf edit on one side and a wholesale subtree replacement on the
// other collide even though their diff paths differ. The conflict must
// surface at the subtree root instead of the leaf edit rebuilding the
// map over the replacement.
func TestMerge_SubtreeReplacementVersusLeafEditConflicts(t *testing.T) {
	base := map[string]any{"a": map[string]any{"b": 1}}
	left := map[string]any{"a": map[string]any{"b": 2}}
	right := map[string]any{"a": "gone"}

	res := Merge(base, left, right)

	assert.False(t, res.Success)
	assert.Equal(t, 0, res.AutoApplied)
	require.Len(t, res.Conflicts, 1)
	c := res.Conflicts[0]
	assert.Equal(t, "a", c.Path)
	assert.Equal(t, map[string]any{"b": 1}, c.Base)
	assert.Equal(t, map[string]any{"b": 2}, c.Left)
	assert.Equal(t, "gone", c.Right)
	assert.False(t, c.Resolved)

	// Unresolved, the base subtree stays in place untouched.
	assert.Equal(t, map[string]any{"b": 1}, res.Merged["a"])
}

func TestMerge_SubtreeOverlapResolvedByResolver(t *testing.T) {
	base := map[string]any{"a": map[string]any{"b": 1}}
	left := map[string]any{"a": map[string]any{"b": 2}}
	right := map[string]any{"a": "gone"}

	res := Merge(base, left, right, WithResolver(KeepRight))

	require.True(t, res.Success)
	require.Len(t, res.Conflicts, 1)
	assert.True(t, res.Conflicts[0].Resolved)
	assert.Equal(t, "gone", res.Merged["a"])
}

// The mirror direction: left removes the subtree, right edits inside it.
func TestMerge_SubtreeRemovalVersusLeafEditConflicts(t *testing.T) {
	base := map[string]any{"cfg": map[string]any{"retries": 3, "delay": 10}}
	left := map[string]any{}
	right := map[string]any{"cfg": map[string]any{"retries": 5, "delay": 10}}

	res := Merge(base, left, right)

	assert.False(t, res.Success)
	require.Len(t, res.Conflicts, 1)
	c := res.Conflicts[0]
	assert.Equal(t, "cfg", c.Path)
	assert.Nil(t, c.Left)
	assert.Equal(t, map[string]any{"retries": 5, "delay": 10}, c.Right)
}

// Edits outside the contested subtree are still applied automatically.
func TestMerge_SubtreeOverlapLeavesOtherPathsAlone(t *testing.T) {
	base := map[string]any{
		"a":    map[string]any{"b": 1},
		"step": 1,
	}
	left := map[string]any{
		"a":    map[string]any{"b": 2},
		"step": 2,
	}
	right := map[string]any{
		"a":    "gone",
		"step": 1,
	}

	res := Merge(base, left, right)

	assert.False(t, res.Success)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "a", res.Conflicts[0].Path)
	assert.Equal(t, 1, res.AutoApplied)
	assert.Equal(t, 2, res.Merged["step"])
}

func TestMerge_RemoveVersusModifyConflicts(t *testing.T) {
	base := map[string]any{"flag": true}
	left := map[string]any{}                 // removed
	right := map[string]any{"flag": "maybe"} // modified

	res := Merge(base, left, right)

	assert.False(t, res.Success)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "flag", res.Conflicts[0].Path)
	assert.Nil(t, res.Conflicts[0].Left)
	assert.Equal(t, "maybe", res.Conflicts[0].Right)
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	base := map[string]any{"a": map[string]any{"b": 1}}
	left := map[string]any{"a": map[string]any{"b": 2}}
	right := map[string]any{"a": map[string]any{"b": 1}, "c": 3}

	_ = Merge(base, left, right)

	assert.Equal(t, map[string]any{"a": map[string]any{"b": 1}}, base)
	assert.Equal(t, map[string]any{"a": map[string]any{"b": 2}}, left)
}
