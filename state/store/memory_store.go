package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]map[int]*Entry // key -> version -> entry
	keyLocks *keyLock
	closed   bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]map[int]*Entry),
		keyLocks: newKeyLock(),
	}
}

// Save implements Store.Save.
func (s *MemoryStore) Save(ctx context.Context, key string, value any, opts ...SaveOption) (*Entry, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	unlock := s.keyLocks.Lock(key)
	defer unlock()
	return s.saveLocked(key, value, opts)
}

func (s *MemoryStore) saveLocked(key string, value any, opts []SaveOption) (*Entry, error) {
	o := applySaveOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	versions, ok := s.entries[key]
	if !ok {
		versions = make(map[int]*Entry)
		s.entries[key] = versions
	}

	next := 1
	for v := range versions {
		if v >= next {
			next = v + 1
		}
	}

	// The stored entry owns a private copy of the value, matching the
	// other backends where persistence decouples it from the caller.
	entry := (&Entry{
		Key:         key,
		Value:       value,
		Version:     next,
		Timestamp:   time.Now(),
		ComponentID: o.componentID,
		Metadata:    o.metadata,
	}).clone()
	versions[next] = entry

	return entry.clone(), nil
}

// Load implements Store.Load.
func (s *MemoryStore) Load(ctx context.Context, key string, version int) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	versions, ok := s.entries[key]
	if !ok || len(versions) == 0 {
		return nil, ErrNotFound
	}

	if version == 0 {
		for v := range versions {
			if v > version {
				version = v
			}
		}
	}

	entry, ok := versions[version]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.clone(), nil
}

// Delete implements Store.Delete.
func (s *MemoryStore) Delete(ctx context.Context, key string) (bool, error) {
	unlock := s.keyLocks.Lock(key)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStoreClosed
	}

	if _, ok := s.entries[key]; !ok {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

// ListKeys implements Store.ListKeys.
func (s *MemoryStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		if prefix == "" || strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// ListVersions implements Store.ListVersions.
func (s *MemoryStore) ListVersions(ctx context.Context, key string) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	versions, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}

	out := make([]int, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	sort.Ints(out)
	return out, nil
}

// PruneVersions implements Store.PruneVersions.
func (s *MemoryStore) PruneVersions(ctx context.Context, key string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	unlock := s.keyLocks.Lock(key)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	versions, ok := s.entries[key]
	if !ok {
		return 0, ErrNotFound
	}

	ordered := make([]int, 0, len(versions))
	for v := range versions {
		ordered = append(ordered, v)
	}
	sort.Ints(ordered)

	deleted := 0
	for len(ordered)-deleted > keep {
		delete(versions, ordered[deleted])
		deleted++
	}
	return deleted, nil
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *MemoryStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int, value any, opts ...SaveOption) (*Entry, bool, error) {
	unlock := s.keyLocks.Lock(key)
	defer unlock()

	s.mu.RLock()
	current := 0
	for v := range s.entries[key] {
		if v > current {
			current = v
		}
	}
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return nil, false, ErrStoreClosed
	}
	if current != expectedVersion {
		return nil, false, nil
	}

	entry, err := s.saveLocked(key, value, opts)
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

// Stats implements Store.Stats.
func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &Stats{Backend: "memory", ComponentKeys: make(map[string]int)}
	for _, versions := range s.entries {
		stats.Keys++
		stats.Versions += len(versions)
		seen := make(map[string]bool)
		for _, e := range versions {
			if e.ComponentID != "" && !seen[e.ComponentID] {
				seen[e.ComponentID] = true
				stats.ComponentKeys[e.ComponentID]++
			}
		}
	}
	return stats, nil
}

// Close implements Store.Close.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*MemoryStore)(nil)
