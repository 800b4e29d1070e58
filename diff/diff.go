// Package diff computes structural diffs of workflow data maps and
// reconciles concurrent branches with a three-way merge.
//
// Comparison recurses into nested maps; lists and scalars are atomic, so
// a changed element inside a list is one "modified" entry at the list's
// path, never an element-wise diff.
package diff

import (
	"reflect"
	"sort"
	"strings"
)

// Op classifies what happened to a path between two states.
type Op string

const (
	OpAdded     Op = "added"
	OpRemoved   Op = "removed"
	OpModified  Op = "modified"
	OpUnchanged Op = "unchanged"
)

// Entry is one leaf-path difference.
type Entry struct {
	Path     string `json:"path"`
	Op       Op     `json:"operation"`
	OldValue any    `json:"old_value,omitempty"`
	NewValue any    `json:"new_value,omitempty"`
}

// Result aggregates the entries of one diff.
type Result struct {
	Entries []Entry `json:"entries"`
}

// Changed returns the entries that are not unchanged.
func (r *Result) Changed() []Entry {
	out := make([]Entry, 0, len(r.Entries))
	for _, e := range r.Entries {
		if e.Op != OpUnchanged {
			out = append(out, e)
		}
	}
	return out
}

// HasChanges reports whether any path differs.
func (r *Result) HasChanges() bool {
	for _, e := range r.Entries {
		if e.Op != OpUnchanged {
			return true
		}
	}
	return false
}

// Diff compares two data maps and produces one Entry per leaf path.
func Diff(a, b map[string]any) *Result {
	res := &Result{}
	diffMaps("", a, b, res)
	sort.Slice(res.Entries, func(i, j int) bool {
		return res.Entries[i].Path < res.Entries[j].Path
	})
	return res
}

func diffMaps(prefix string, a, b map[string]any, res *Result) {
	keys := make(map[string]bool, len(a)+len(b))
	for k := range a {
		keys[k] = true
	}
	for k := range b {
		keys[k] = true
	}

	for k := range keys {
		path := joinPath(prefix, k)
		av, inA := a[k]
		bv, inB := b[k]

		switch {
		case !inA:
			res.Entries = append(res.Entries, Entry{Path: path, Op: OpAdded, NewValue: bv})
		case !inB:
			res.Entries = append(res.Entries, Entry{Path: path, Op: OpRemoved, OldValue: av})
		default:
			am, aIsMap := av.(map[string]any)
			bm, bIsMap := bv.(map[string]any)
			if aIsMap && bIsMap {
				diffMaps(path, am, bm, res)
				continue
			}
			if equal(av, bv) {
				res.Entries = append(res.Entries, Entry{Path: path, Op: OpUnchanged, OldValue: av, NewValue: bv})
			} else {
				res.Entries = append(res.Entries, Entry{Path: path, Op: OpModified, OldValue: av, NewValue: bv})
			}
		}
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// equal compares two values structurally. Numeric values are compared by
// magnitude so int64(1) from a decode round-trip equals int(1).
func equal(a, b any) bool {
	if na, ok := asFloat(a); ok {
		if nb, ok := asFloat(b); ok {
			return na == nb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

// matchPathPattern matches a dotted path against a pattern with at most a
// single '*' wildcard.
func matchPathPattern(pattern, path string) bool {
	i := strings.IndexByte(pattern, '*')
	if i < 0 {
		return pattern == path
	}
	prefix, suffix := pattern[:i], pattern[i+1:]
	return len(path) >= len(prefix)+len(suffix) &&
		strings.HasPrefix(path, prefix) &&
		strings.HasSuffix(path, suffix)
}
