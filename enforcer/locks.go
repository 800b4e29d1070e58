package enforcer

import (
	"fmt"
	"sync"
)

// MemoryLockRegistry is an in-process LockRegistry. Locks are advisory:
// the enforcer consults them, nothing else does.
type MemoryLockRegistry struct {
	mu      sync.RWMutex
	holders map[string]string
}

func NewMemoryLockRegistry() *MemoryLockRegistry {
	return &MemoryLockRegistry{holders: make(map[string]string)}
}

// Acquire records agentID as the holder of path. Re-acquiring an owned
// lock succeeds; acquiring another agent's lock fails.
func (r *MemoryLockRegistry) Acquire(path, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if holder, ok := r.holders[path]; ok && holder != agentID {
		return fmt.Errorf("path %q already locked by agent %s", path, holder)
	}
	r.holders[path] = agentID
	return nil
}

// Release drops the lock if agentID holds it.
func (r *MemoryLockRegistry) Release(path, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.holders[path] == agentID {
		delete(r.holders, path)
	}
}

// Holder implements LockRegistry.
func (r *MemoryLockRegistry) Holder(path string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	holder, ok := r.holders[path]
	return holder, ok
}

var _ LockRegistry = (*MemoryLockRegistry)(nil)
