package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/diff"
	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/internal/metrics"
	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/state"
)

// Config configures a Manager.
type Config struct {
	// StorageRoot is the checkpoint directory root.
	StorageRoot string `yaml:"storage_path" json:"storage_path"`

	// MaxCheckpoints bounds checkpoints kept per workflow (0 = unlimited).
	MaxCheckpoints int `yaml:"max_checkpoints" json:"max_checkpoints"`

	// DefaultTTL expires checkpoints after this duration (0 = never).
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`
}

// Manager writes, reads, and retires checkpoints. Individual writes are
// crash-safe through the atomic rename; retention shares the per-workflow
// lock with writes so it never races a concurrent Create.
type Manager struct {
	cfg        Config
	serializer *state.Serializer
	logger     *zap.Logger
	metrics    *metrics.Collector

	mu      sync.Mutex
	wfLocks map[string]*sync.Mutex
}

// ManagerOption configures optional Manager collaborators.
type ManagerOption func(*Manager)

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) ManagerOption {
	return func(m *Manager) { m.metrics = c }
}

// NewManager creates a checkpoint manager rooted at cfg.StorageRoot.
func NewManager(cfg Config, serializer *state.Serializer, logger *zap.Logger, opts ...ManagerOption) (*Manager, error) {
	if cfg.StorageRoot == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if serializer == nil {
		serializer = state.NewSerializer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.StorageRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	m := &Manager{
		cfg:        cfg,
		serializer: serializer,
		logger:     logger.With(zap.String("component", "checkpoint_manager")),
		wfLocks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) workflowLock(workflowID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.wfLocks[workflowID]
	if !ok {
		l = &sync.Mutex{}
		m.wfLocks[workflowID] = l
	}
	return l
}

func (m *Manager) workflowDir(workflowID string) string {
	return filepath.Join(m.cfg.StorageRoot, workflowID)
}

// highWaterName is the per-workflow marker recording the highest version
// ever assigned. It has no checkpoint suffix, so directory scans skip it.
const highWaterName = "highwater"

func (m *Manager) highWaterPath(workflowID string) string {
	return filepath.Join(m.workflowDir(workflowID), highWaterName)
}

func (m *Manager) readHighWater(workflowID string) (int, error) {
	raw, err := os.ReadFile(m.highWaterPath(workflowID))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || v < 0 {
		// A corrupt marker falls back to the directory scan, which
		// bounds the version by every checkpoint still on disk.
		return 0, nil
	}
	return v, nil
}

// CreateOption customizes one checkpoint write.
type CreateOption func(*createOptions)

type createOptions struct {
	ttl    time.Duration
	hasTTL bool
}

// WithTTL overrides the manager's default TTL for this checkpoint.
func WithTTL(d time.Duration) CreateOption {
	return func(o *createOptions) {
		o.ttl = d
		o.hasTTL = true
	}
}

// Create writes a new checkpoint for the workflow. The state is cloned,
// its checksum recomputed over data only, and the version assigned as
// max(existing)+1 under the workflow lock.
func (m *Manager) Create(ctx context.Context, workflowID string, st *state.WorkflowState, opts ...CreateOption) (*Checkpoint, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("workflow id is required")
	}
	if st == nil {
		return nil, fmt.Errorf("state is required")
	}
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}

	lock := m.workflowLock(workflowID)
	lock.Lock()
	defer lock.Unlock()

	dir := m.workflowDir(workflowID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workflow directory: %w", err)
	}

	version, err := m.nextVersionLocked(workflowID)
	if err != nil {
		return nil, err
	}
	// Record the version before the checkpoint exists. A crash between
	// the two writes skips a number, it never repeats one.
	if err := atomicWriteFile(m.highWaterPath(workflowID), []byte(strconv.Itoa(version))); err != nil {
		return nil, err
	}

	snapshot := st.Clone()
	snapshot.WorkflowID = workflowID
	snapshot.Metadata.SerializerVersion = state.SerializerVersion
	if err := m.serializer.StampChecksum(snapshot); err != nil {
		return nil, err
	}

	cp := &Checkpoint{
		ID:         newCheckpointID(version),
		WorkflowID: workflowID,
		Version:    version,
		State:      snapshot,
		CreatedAt:  time.Now().UTC(),
	}
	ttl := m.cfg.DefaultTTL
	if o.hasTTL {
		ttl = o.ttl
	}
	if ttl > 0 {
		expires := cp.CreatedAt.Add(ttl)
		cp.ExpiresAt = &expires
	}

	raw, err := m.encode(cp)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, checkpointFileName(cp.ID))
	if err := atomicWriteFile(path, raw); err != nil {
		return nil, err
	}

	m.metrics.RecordCheckpointWrite()
	m.logger.Info("checkpoint created",
		zap.String("workflow_id", workflowID),
		zap.String("checkpoint_id", cp.ID),
		zap.Int("version", version),
	)

	if err := m.enforceRetentionLocked(workflowID); err != nil {
		m.logger.Warn("retention enforcement failed",
			zap.String("workflow_id", workflowID),
			zap.Error(err),
		)
	}

	return cp, nil
}

// NextVersion computes the next version for a workflow from storage,
// never a cached counter, so it is correct after a crash.
func (m *Manager) NextVersion(workflowID string) (int, error) {
	lock := m.workflowLock(workflowID)
	lock.Lock()
	defer lock.Unlock()
	return m.nextVersionLocked(workflowID)
}

// nextVersionLocked takes the maximum of the directory scan and the
// high-water marker. The marker outlives deleted checkpoints, so a
// version number is never handed out twice even after the newest
// checkpoint is removed.
func (m *Manager) nextVersionLocked(workflowID string) (int, error) {
	max, _, err := m.scanVersions(workflowID)
	if err != nil {
		return 0, err
	}
	hw, err := m.readHighWater(workflowID)
	if err != nil {
		return 0, err
	}
	if hw > max {
		max = hw
	}
	return max + 1, nil
}

// scanVersions lists the workflow directory and returns the highest
// version plus every checkpoint ID keyed by version.
func (m *Manager) scanVersions(workflowID string) (int, map[int]string, error) {
	entries, err := os.ReadDir(m.workflowDir(workflowID))
	if os.IsNotExist(err) {
		return 0, map[int]string{}, nil
	}
	if err != nil {
		return 0, nil, err
	}

	max := 0
	byVersion := make(map[int]string, len(entries))
	for _, e := range entries {
		id, ok := idFromFileName(e.Name())
		if !ok {
			continue
		}
		v, ok := versionFromID(id)
		if !ok {
			continue
		}
		byVersion[v] = id
		if v > max {
			max = v
		}
	}
	return max, byVersion, nil
}

// GetOption customizes checkpoint reads.
type GetOption func(*getOptions)

type getOptions struct {
	workflowID     string
	skipValidation bool
}

// ForWorkflow narrows a Get by ID to one workflow's directory.
func ForWorkflow(workflowID string) GetOption {
	return func(o *getOptions) { o.workflowID = workflowID }
}

// SkipValidation disables checksum verification for this read.
func SkipValidation() GetOption {
	return func(o *getOptions) { o.skipValidation = true }
}

// Get reads a checkpoint by ID. Without a workflow hint every workflow
// directory is searched.
func (m *Manager) Get(ctx context.Context, checkpointID string, opts ...GetOption) (*Checkpoint, error) {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.workflowID != "" {
		return m.readCheckpoint(o.workflowID, checkpointID, !o.skipValidation)
	}

	workflows, err := m.ListWorkflows(ctx)
	if err != nil {
		return nil, err
	}
	for _, wf := range workflows {
		path := filepath.Join(m.workflowDir(wf), checkpointFileName(checkpointID))
		if _, err := os.Stat(path); err == nil {
			return m.readCheckpoint(wf, checkpointID, !o.skipValidation)
		}
	}
	return nil, &NotFoundError{CheckpointID: checkpointID}
}

// GetLatest reads the highest-version checkpoint of a workflow. Only one
// file is read; expiry is retention's concern, not the reader's.
func (m *Manager) GetLatest(ctx context.Context, workflowID string, opts ...GetOption) (*Checkpoint, error) {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}

	max, byVersion, err := m.scanVersions(workflowID)
	if err != nil {
		return nil, err
	}
	if max == 0 {
		return nil, &NotFoundError{WorkflowID: workflowID}
	}
	return m.readCheckpoint(workflowID, byVersion[max], !o.skipValidation)
}

// GetVersion reads one specific version of a workflow's checkpoints.
func (m *Manager) GetVersion(ctx context.Context, workflowID string, version int, opts ...GetOption) (*Checkpoint, error) {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}

	_, byVersion, err := m.scanVersions(workflowID)
	if err != nil {
		return nil, err
	}
	id, ok := byVersion[version]
	if !ok {
		return nil, &NotFoundError{WorkflowID: workflowID, CheckpointID: fmt.Sprintf("version %d", version)}
	}
	return m.readCheckpoint(workflowID, id, !o.skipValidation)
}

// List returns a workflow's checkpoints ordered by version.
func (m *Manager) List(ctx context.Context, workflowID string, includeExpired bool) ([]*Checkpoint, error) {
	_, byVersion, err := m.scanVersions(workflowID)
	if err != nil {
		return nil, err
	}

	versions := make([]int, 0, len(byVersion))
	for v := range byVersion {
		versions = append(versions, v)
	}
	sort.Ints(versions)

	now := time.Now()
	out := make([]*Checkpoint, 0, len(versions))
	for _, v := range versions {
		cp, err := m.readCheckpoint(workflowID, byVersion[v], false)
		if err != nil {
			return nil, err
		}
		if !includeExpired && cp.Expired(now) {
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

// Delete removes one checkpoint.
func (m *Manager) Delete(ctx context.Context, workflowID, checkpointID string) error {
	lock := m.workflowLock(workflowID)
	lock.Lock()
	defer lock.Unlock()
	return m.deleteLocked(workflowID, checkpointID)
}

func (m *Manager) deleteLocked(workflowID, checkpointID string) error {
	path := filepath.Join(m.workflowDir(workflowID), checkpointFileName(checkpointID))
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return &NotFoundError{CheckpointID: checkpointID, WorkflowID: workflowID}
	}
	return err
}

// ListWorkflows returns every workflow ID with a checkpoint directory.
func (m *Manager) ListWorkflows(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(m.cfg.StorageRoot)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Compare diffs the data of two checkpoint versions.
func (m *Manager) Compare(ctx context.Context, workflowID string, v1, v2 int) (*diff.Result, error) {
	a, err := m.GetVersion(ctx, workflowID, v1)
	if err != nil {
		return nil, err
	}
	b, err := m.GetVersion(ctx, workflowID, v2)
	if err != nil {
		return nil, err
	}
	return diff.Diff(a.State.Data, b.State.Data), nil
}

// RollbackTo writes a new checkpoint whose state is an older version's.
// The version sequence keeps increasing; rollback never rewrites history.
func (m *Manager) RollbackTo(ctx context.Context, workflowID string, version int) (*Checkpoint, error) {
	old, err := m.GetVersion(ctx, workflowID, version)
	if err != nil {
		return nil, err
	}

	st := old.State.Clone()
	if st.Metadata.Custom == nil {
		st.Metadata.Custom = make(map[string]any)
	}
	st.Metadata.Custom["rollback_from"] = int64(version)

	cp, err := m.Create(ctx, workflowID, st)
	if err != nil {
		return nil, err
	}
	m.logger.Info("rolled back to version",
		zap.String("workflow_id", workflowID),
		zap.Int("version", version),
		zap.Int("new_version", cp.Version),
	)
	return cp, nil
}

// enforceRetentionLocked deletes expired checkpoints first, then the
// oldest by version until MaxCheckpoints is satisfied. The single
// remaining checkpoint of a workflow is never deleted.
func (m *Manager) enforceRetentionLocked(workflowID string) error {
	_, byVersion, err := m.scanVersions(workflowID)
	if err != nil {
		return err
	}
	if len(byVersion) <= 1 {
		return nil
	}

	versions := make([]int, 0, len(byVersion))
	for v := range byVersion {
		versions = append(versions, v)
	}
	sort.Ints(versions)

	now := time.Now()
	deleted := 0
	remaining := len(versions)

	// Expired first.
	for _, v := range versions {
		if remaining <= 1 {
			break
		}
		cp, err := m.readCheckpoint(workflowID, byVersion[v], false)
		if err != nil {
			continue
		}
		if cp.Expired(now) {
			if err := m.deleteLocked(workflowID, byVersion[v]); err == nil {
				delete(byVersion, v)
				deleted++
				remaining--
			}
		}
	}

	// Then oldest beyond the cap.
	if m.cfg.MaxCheckpoints > 0 {
		kept := make([]int, 0, len(byVersion))
		for v := range byVersion {
			kept = append(kept, v)
		}
		sort.Ints(kept)
		for _, v := range kept {
			if remaining <= m.cfg.MaxCheckpoints || remaining <= 1 {
				break
			}
			if err := m.deleteLocked(workflowID, byVersion[v]); err == nil {
				deleted++
				remaining--
			}
		}
	}

	if deleted > 0 {
		m.metrics.RecordRetentionDeletes(deleted)
		m.logger.Debug("retention enforced",
			zap.String("workflow_id", workflowID),
			zap.Int("deleted", deleted),
			zap.Int("remaining", remaining),
		)
	}
	return nil
}

func (m *Manager) readCheckpoint(workflowID, checkpointID string, validate bool) (*Checkpoint, error) {
	path := filepath.Join(m.workflowDir(workflowID), checkpointFileName(checkpointID))
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, &NotFoundError{CheckpointID: checkpointID, WorkflowID: workflowID}
	}
	if err != nil {
		return nil, err
	}

	cp, err := m.decode(raw)
	if err != nil {
		return nil, err
	}

	if validate {
		computed, err := m.serializer.ChecksumData(cp.State.Data)
		if err != nil {
			return nil, err
		}
		if computed != cp.State.Checksum {
			m.metrics.RecordChecksumFailure()
			return nil, &ChecksumError{
				CheckpointID: cp.ID,
				Expected:     cp.State.Checksum,
				Actual:       computed,
			}
		}
	}
	return cp, nil
}
