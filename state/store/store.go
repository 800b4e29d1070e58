// Package store provides versioned key/value persistence for workflow
// state, with memory, file, SQL, and Redis backends.
//
// Every save produces a new immutable version computed as
// max(existing versions) + 1 under the key's lock, so concurrent writers
// never collide. Entries are never mutated in place; a new version is a
// new row or file.
package store

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound    = errors.New("not found")
	ErrStoreClosed = errors.New("store is closed")
	ErrInvalidKey  = errors.New("invalid key")
)

// Entry is one immutable version of a stored value.
type Entry struct {
	Key         string         `json:"key"`
	Value       any            `json:"value"`
	Version     int            `json:"version"`
	Timestamp   time.Time      `json:"timestamp"`
	ComponentID string         `json:"component_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// clone returns a copy whose Value and Metadata share no structure with
// the original, so callers cannot mutate a stored version in place.
func (e *Entry) clone() *Entry {
	cp := *e
	cp.Value = cloneAny(e.Value)
	if e.Metadata != nil {
		md := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = cloneAny(v)
		}
		cp.Metadata = md
	}
	return &cp
}

func cloneAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneAny(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneAny(e)
		}
		return out
	case []byte:
		out := make([]byte, len(t))
		copy(out, t)
		return out
	default:
		return t
	}
}

// Stats summarizes a store's content.
type Stats struct {
	Backend       string         `json:"backend"`
	Keys          int            `json:"keys"`
	Versions      int            `json:"versions"`
	ComponentKeys map[string]int `json:"component_keys,omitempty"`
}

// SaveOption customizes a Save call.
type SaveOption func(*saveOptions)

type saveOptions struct {
	componentID string
	metadata    map[string]any
}

// WithComponentID records which component wrote the entry.
func WithComponentID(id string) SaveOption {
	return func(o *saveOptions) { o.componentID = id }
}

// WithMetadata attaches caller metadata to the entry.
func WithMetadata(md map[string]any) SaveOption {
	return func(o *saveOptions) { o.metadata = md }
}

func applySaveOptions(opts []SaveOption) saveOptions {
	var o saveOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Store is the versioned key/value persistence contract.
type Store interface {
	// Save writes a new version of key and returns the created entry.
	Save(ctx context.Context, key string, value any, opts ...SaveOption) (*Entry, error)

	// Load returns the entry at the given version, or the most recent one
	// when version is 0. Returns ErrNotFound when the key or version is
	// absent.
	Load(ctx context.Context, key string, version int) (*Entry, error)

	// Delete removes a key and all of its versions. Reports whether the
	// key existed.
	Delete(ctx context.Context, key string) (bool, error)

	// ListKeys returns all keys, optionally filtered by prefix.
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	// ListVersions returns a key's version numbers in ascending order.
	ListVersions(ctx context.Context, key string) ([]int, error)

	// PruneVersions deletes the oldest versions of key until at most
	// keep remain. Returns the number deleted.
	PruneVersions(ctx context.Context, key string, keep int) (int, error)

	// CompareAndSwap writes a new version only if the current latest
	// version still equals expectedVersion. On mismatch it is a no-op
	// and returns swapped=false with no error (optimistic concurrency,
	// not a lock).
	CompareAndSwap(ctx context.Context, key string, expectedVersion int, value any, opts ...SaveOption) (*Entry, bool, error)

	// Stats returns content statistics.
	Stats(ctx context.Context) (*Stats, error)

	// Close releases backend resources.
	Close() error
}
