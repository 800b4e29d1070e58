// Package persistence binds a workflow's live state to the versioned
// store and the checkpoint manager. One StatePersistence instance owns a
// workflow's state within a process; concurrent writers go through its
// lock, and an optional background loop checkpoints dirty state on a
// fixed interval.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/checkpoint"
	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/state"
	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/state/store"
)

const stateKeyPrefix = "workflow:"

// StatePersistence owns one workflow's state.
type StatePersistence struct {
	workflowID  string
	store       store.Store
	checkpoints *checkpoint.Manager
	serializer  *state.Serializer
	logger      *zap.Logger
	maxVersions int

	mu      sync.Mutex
	current *state.WorkflowState
	dirty   bool

	loopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option configures a StatePersistence.
type Option func(*StatePersistence)

// WithSerializer overrides the default serializer.
func WithSerializer(s *state.Serializer) Option {
	return func(p *StatePersistence) { p.serializer = s }
}

// WithMaxVersions prunes the store down to n versions after every
// update (0 keeps everything).
func WithMaxVersions(n int) Option {
	return func(p *StatePersistence) { p.maxVersions = n }
}

// New creates a StatePersistence for workflowID. The checkpoint manager
// is optional; without one, Checkpoint and the auto loop are disabled.
func New(workflowID string, st store.Store, cm *checkpoint.Manager, logger *zap.Logger, opts ...Option) (*StatePersistence, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("workflow id is required")
	}
	if st == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &StatePersistence{
		workflowID:  workflowID,
		store:       st,
		checkpoints: cm,
		serializer:  state.NewSerializer(),
		logger: logger.With(
			zap.String("component", "state_persistence"),
			zap.String("workflow_id", workflowID),
		),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *StatePersistence) stateKey() string {
	return stateKeyPrefix + p.workflowID
}

// Load pulls the latest stored state, or initializes a fresh one when
// nothing is stored yet.
func (p *StatePersistence) Load(ctx context.Context) (*state.WorkflowState, error) {
	entry, err := p.store.Load(ctx, p.stateKey(), 0)
	if errors.Is(err, store.ErrNotFound) {
		p.mu.Lock()
		p.current = state.NewWorkflowState(p.workflowID)
		st := p.current.Clone()
		p.mu.Unlock()
		return st, nil
	}
	if err != nil {
		return nil, err
	}

	st, err := stateFromValue(entry.Value)
	if err != nil {
		return nil, fmt.Errorf("stored state for %s is malformed: %w", p.workflowID, err)
	}
	if ok, err := p.serializer.VerifyChecksum(st); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("stored state for %s failed checksum validation", p.workflowID)
	}

	p.mu.Lock()
	p.current = st
	p.mu.Unlock()
	return st.Clone(), nil
}

// Update applies mutate to the state under the instance lock and saves a
// new version to the store.
func (p *StatePersistence) Update(ctx context.Context, mutate func(st *state.WorkflowState) error) (*state.WorkflowState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil {
		p.current = state.NewWorkflowState(p.workflowID)
	}
	next := p.current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Step++
	if err := p.serializer.StampChecksum(next); err != nil {
		return nil, err
	}

	entry, err := p.store.Save(ctx, p.stateKey(), valueFromState(next),
		store.WithComponentID("state_persistence"))
	if err != nil {
		return nil, err
	}

	p.current = next
	p.dirty = true
	if p.maxVersions > 0 {
		if _, err := p.store.PruneVersions(ctx, p.stateKey(), p.maxVersions); err != nil {
			p.logger.Warn("version pruning failed", zap.Error(err))
		}
	}
	p.logger.Debug("state updated",
		zap.Int("version", entry.Version),
		zap.Int("step", next.Step),
	)
	return next.Clone(), nil
}

// Current returns a copy of the in-memory state, or nil before Load or
// the first Update.
func (p *StatePersistence) Current() *state.WorkflowState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	return p.current.Clone()
}

// History lists the stored versions of this workflow's state, ascending.
func (p *StatePersistence) History(ctx context.Context) ([]int, error) {
	return p.store.ListVersions(ctx, p.stateKey())
}

// Checkpoint snapshots the current state through the checkpoint manager
// and clears the dirty flag.
func (p *StatePersistence) Checkpoint(ctx context.Context) (*checkpoint.Checkpoint, error) {
	if p.checkpoints == nil {
		return nil, fmt.Errorf("no checkpoint manager configured")
	}
	p.mu.Lock()
	if p.current == nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("no state to checkpoint")
	}
	snapshot := p.current.Clone()
	p.mu.Unlock()

	cp, err := p.checkpoints.Create(ctx, p.workflowID, snapshot)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.dirty = false
	p.mu.Unlock()
	return cp, nil
}

// Restore replaces the in-memory state, typically after recovery. The
// restored state is saved to the store as a new version.
func (p *StatePersistence) Restore(ctx context.Context, st *state.WorkflowState) error {
	p.mu.Lock()
	p.current = st.Clone()
	p.dirty = false
	p.mu.Unlock()

	_, err := p.store.Save(ctx, p.stateKey(), valueFromState(st),
		store.WithComponentID("state_persistence"),
		store.WithMetadata(map[string]any{"restored": true}))
	return err
}

// StartAutoCheckpoint launches the background loop that checkpoints the
// state every interval while it is dirty. It may be started once.
func (p *StatePersistence) StartAutoCheckpoint(interval time.Duration) {
	if p.checkpoints == nil || interval <= 0 {
		return
	}
	p.loopOnce.Do(func() {
		go p.autoCheckpointLoop(interval)
	})
}

func (p *StatePersistence) autoCheckpointLoop(interval time.Duration) {
	defer close(p.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.checkpointIfDirty(context.Background())
		}
	}
}

func (p *StatePersistence) checkpointIfDirty(ctx context.Context) {
	p.mu.Lock()
	dirty := p.dirty && p.current != nil
	p.mu.Unlock()
	if !dirty {
		return
	}
	if _, err := p.Checkpoint(ctx); err != nil {
		p.logger.Warn("auto checkpoint failed", zap.Error(err))
	}
}

// Close stops the auto-checkpoint loop and takes one final synchronous
// checkpoint if the state is dirty, so a clean shutdown never loses the
// tail of the work.
func (p *StatePersistence) Close(ctx context.Context) error {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}

	started := true
	p.loopOnce.Do(func() { started = false })
	if started {
		<-p.done
	}

	if p.checkpoints != nil {
		p.checkpointIfDirty(ctx)
	}
	return nil
}

// valueFromState flattens the state into the serializer's value model
// for storage.
func valueFromState(st *state.WorkflowState) map[string]any {
	v := map[string]any{
		"workflow_id": st.WorkflowID,
		"phase":       st.Phase,
		"step":        st.Step,
		"data":        st.Data,
		"checksum":    st.Checksum,
	}
	meta := map[string]any{}
	if st.Metadata.SerializerVersion != "" {
		meta["serializer_version"] = st.Metadata.SerializerVersion
	}
	if st.Metadata.ExecutorVersion != "" {
		meta["executor_version"] = st.Metadata.ExecutorVersion
	}
	if st.Metadata.Custom != nil {
		meta["custom"] = st.Metadata.Custom
	}
	if len(meta) > 0 {
		v["metadata"] = meta
	}
	return v
}

func stateFromValue(value any) (*state.WorkflowState, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("state value is not an object")
	}
	st := &state.WorkflowState{Data: map[string]any{}}
	st.WorkflowID, _ = m["workflow_id"].(string)
	st.Phase, _ = m["phase"].(string)
	switch n := m["step"].(type) {
	case int:
		st.Step = n
	case int64:
		st.Step = int(n)
	}
	st.Checksum, _ = m["checksum"].(string)
	if data, ok := m["data"].(map[string]any); ok {
		st.Data = data
	}
	if meta, ok := m["metadata"].(map[string]any); ok {
		st.Metadata.SerializerVersion, _ = meta["serializer_version"].(string)
		st.Metadata.ExecutorVersion, _ = meta["executor_version"].(string)
		if custom, ok := meta["custom"].(map[string]any); ok {
			st.Metadata.Custom = custom
		}
	}
	return st, nil
}
