package diff

import (
	"sort"
	"strings"
)

// Conflict is a path both branches changed relative to base, to values
// that disagree with each other.
type Conflict struct {
	Path          string `json:"path"`
	Base          any    `json:"base_value,omitempty"`
	Left          any    `json:"left_value,omitempty"`
	Right         any    `json:"right_value,omitempty"`
	Resolved      bool   `json:"resolved"`
	ResolvedValue any    `json:"resolved_value,omitempty"`
}

// MergeResult is the outcome of a three-way merge. Success is true iff
// every detected conflict was resolved; unresolved conflicts are returned
// for manual handling, never dropped.
type MergeResult struct {
	Success     bool           `json:"success"`
	Merged      map[string]any `json:"merged"`
	Conflicts   []Conflict     `json:"conflicts,omitempty"`
	AutoApplied int            `json:"auto_applied"`
}

// Unresolved returns the conflicts no resolver handled.
func (r *MergeResult) Unresolved() []Conflict {
	out := make([]Conflict, 0, len(r.Conflicts))
	for _, c := range r.Conflicts {
		if !c.Resolved {
			out = append(out, c)
		}
	}
	return out
}

// Resolver decides a conflict's value. The second return value reports
// whether the conflict was resolved.
type Resolver interface {
	Resolve(c Conflict) (any, bool)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(c Conflict) (any, bool)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(c Conflict) (any, bool) { return f(c) }

// Built-in resolution strategies.
var (
	// KeepLeft keeps the left branch's value.
	KeepLeft Resolver = ResolverFunc(func(c Conflict) (any, bool) { return c.Left, true })

	// KeepRight keeps the right branch's value.
	KeepRight Resolver = ResolverFunc(func(c Conflict) (any, bool) { return c.Right, true })

	// KeepBoth wraps both values in a record for later reconciliation.
	KeepBoth Resolver = ResolverFunc(func(c Conflict) (any, bool) {
		return map[string]any{"left": c.Left, "right": c.Right}, true
	})

	// Union merges structurally: union for lists, shallow union for maps
	// with right winning key collisions, right wins for scalars.
	Union Resolver = ResolverFunc(func(c Conflict) (any, bool) {
		if ll, ok := c.Left.([]any); ok {
			if rl, ok := c.Right.([]any); ok {
				out := make([]any, 0, len(ll)+len(rl))
				out = append(out, ll...)
				for _, rv := range rl {
					dup := false
					for _, lv := range out {
						if equal(lv, rv) {
							dup = true
							break
						}
					}
					if !dup {
						out = append(out, rv)
					}
				}
				return out, true
			}
		}
		if lm, ok := c.Left.(map[string]any); ok {
			if rm, ok := c.Right.(map[string]any); ok {
				out := make(map[string]any, len(lm)+len(rm))
				for k, v := range lm {
					out[k] = v
				}
				for k, v := range rm {
					out[k] = v
				}
				return out, true
			}
		}
		return c.Right, true
	})
)

type pathResolver struct {
	pattern  string
	resolver Resolver
}

type mergeOptions struct {
	defaultResolver Resolver
	pathResolvers   []pathResolver
}

// MergeOption configures a merge.
type MergeOption func(*mergeOptions)

// WithResolver sets the default resolver for conflicts no path pattern
// claims.
func WithResolver(r Resolver) MergeOption {
	return func(o *mergeOptions) { o.defaultResolver = r }
}

// WithPathResolver routes conflicts whose path matches pattern (one '*'
// wildcard allowed) to r. Path resolvers take precedence over the default
// resolver, in registration order.
func WithPathResolver(pattern string, r Resolver) MergeOption {
	return func(o *mergeOptions) {
		o.pathResolvers = append(o.pathResolvers, pathResolver{pattern: pattern, resolver: r})
	}
}

// branchChange is one branch's edit at a path relative to base.
type branchChange struct {
	op    Op
	value any
}

// Merge reconciles left and right against their common base. Paths only
// one side changed are applied automatically; a conflict exists only when
// both sides changed the same path and disagree.
func Merge(base, left, right map[string]any, opts ...MergeOption) *MergeResult {
	var o mergeOptions
	for _, opt := range opts {
		opt(&o)
	}

	leftChanges := changesByPath(base, left)
	rightChanges := changesByPath(base, right)

	merged := deepCopyMap(base)
	res := &MergeResult{Merged: merged}

	// When one branch edits inside a subtree the other branch replaced
	// or removed wholesale, the two edits land on different path strings
	// but still collide. Surface that as a conflict at the shallower
	// path and withdraw the subtree's edits from auto-application, so
	// neither branch's change is silently overwritten.
	for _, path := range overlapPaths(leftChanges, rightChanges) {
		conflict := Conflict{
			Path:  path,
			Base:  getPath(base, path),
			Left:  getPath(left, path),
			Right: getPath(right, path),
		}
		if value, ok := resolve(conflict, &o); ok {
			conflict.Resolved = true
			conflict.ResolvedValue = value
			setPath(merged, path, value)
		}
		res.Conflicts = append(res.Conflicts, conflict)
		pruneSubtree(leftChanges, path)
		pruneSubtree(rightChanges, path)
	}

	paths := make([]string, 0, len(leftChanges)+len(rightChanges))
	seen := make(map[string]bool)
	for p := range leftChanges {
		paths = append(paths, p)
		seen[p] = true
	}
	for p := range rightChanges {
		if !seen[p] {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	for _, path := range paths {
		lc, inLeft := leftChanges[path]
		rc, inRight := rightChanges[path]

		switch {
		case inLeft && !inRight:
			applyChange(merged, path, lc)
			res.AutoApplied++
		case inRight && !inLeft:
			applyChange(merged, path, rc)
			res.AutoApplied++
		default:
			if lc.op == rc.op && equal(lc.value, rc.value) {
				// Both branches made the same edit.
				applyChange(merged, path, lc)
				res.AutoApplied++
				continue
			}
			conflict := Conflict{
				Path:  path,
				Base:  getPath(base, path),
				Left:  lc.value,
				Right: rc.value,
			}
			if value, ok := resolve(conflict, &o); ok {
				conflict.Resolved = true
				conflict.ResolvedValue = value
				setPath(merged, path, value)
			}
			res.Conflicts = append(res.Conflicts, conflict)
		}
	}

	res.Success = true
	for _, c := range res.Conflicts {
		if !c.Resolved {
			res.Success = false
			break
		}
	}
	return res
}

func resolve(c Conflict, o *mergeOptions) (any, bool) {
	for _, pr := range o.pathResolvers {
		if matchPathPattern(pr.pattern, c.Path) {
			return pr.resolver.Resolve(c)
		}
	}
	if o.defaultResolver != nil {
		return o.defaultResolver.Resolve(c)
	}
	return nil, false
}

// isAncestor reports whether path a strictly contains path b.
func isAncestor(a, b string) bool {
	return len(b) > len(a) && strings.HasPrefix(b, a+".")
}

// overlapPaths returns the shallowest path of every cross-branch
// ancestor/descendant pair, sorted. Paths within one branch are never
// overlapping because the diff reports disjoint paths.
func overlapPaths(leftChanges, rightChanges map[string]branchChange) []string {
	set := make(map[string]bool)
	for lp := range leftChanges {
		for rp := range rightChanges {
			if isAncestor(lp, rp) {
				set[lp] = true
			} else if isAncestor(rp, lp) {
				set[rp] = true
			}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		nested := false
		for q := range set {
			if isAncestor(q, p) {
				nested = true
				break
			}
		}
		if !nested {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// pruneSubtree drops root and every path under it from a change set.
func pruneSubtree(changes map[string]branchChange, root string) {
	delete(changes, root)
	for p := range changes {
		if isAncestor(root, p) {
			delete(changes, p)
		}
	}
}

func changesByPath(base, branch map[string]any) map[string]branchChange {
	out := make(map[string]branchChange)
	for _, e := range Diff(base, branch).Entries {
		switch e.Op {
		case OpAdded, OpModified:
			out[e.Path] = branchChange{op: e.Op, value: e.NewValue}
		case OpRemoved:
			out[e.Path] = branchChange{op: e.Op}
		}
	}
	return out
}

func applyChange(m map[string]any, path string, c branchChange) {
	if c.op == OpRemoved {
		deletePath(m, path)
		return
	}
	setPath(m, path, c.value)
}

func getPath(m map[string]any, path string) any {
	parts := strings.Split(path, ".")
	cur := m
	for i, p := range parts {
		v, ok := cur[p]
		if !ok {
			return nil
		}
		if i == len(parts)-1 {
			return v
		}
		next, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		cur = next
	}
	return nil
}

func setPath(m map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := m
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func deletePath(m map[string]any, path string) {
	parts := strings.Split(path, ".")
	cur := m
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return t
	}
}
