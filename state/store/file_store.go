package store

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

	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/state"
)

const (
	currentFileName = "current.json"
	versionsDirName = "versions"
)

// FileStore is a file-backed Store. Each key owns a directory holding a
// current pointer plus an append-only versions/ directory:
//
//	<dir>/<sanitized_key>/current.json
//	<dir>/<sanitized_key>/versions/v000001.json
//
// The next version number is always computed from the versions directory,
// never a cached counter, so it is correct after a crash.
type FileStore struct {
	dir        string
	serializer *state.Serializer
	logger     *zap.Logger
	keyLocks   *keyLock
	mu         sync.RWMutex
	closed     bool
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(dir string, serializer *state.Serializer, logger *zap.Logger) (*FileStore, error) {
	if serializer == nil {
		serializer = state.NewSerializer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{
		dir:        dir,
		serializer: serializer,
		logger:     logger.With(zap.String("component", "file_store")),
		keyLocks:   newKeyLock(),
	}, nil
}

// sanitizeKey maps a key to a directory name. The original key is kept
// inside every entry file, so sanitization never loses information.
func sanitizeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func (s *FileStore) keyDir(key string) string {
	return filepath.Join(s.dir, sanitizeKey(key))
}

func (s *FileStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Save implements Store.Save.
func (s *FileStore) Save(ctx context.Context, key string, value any, opts ...SaveOption) (*Entry, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	unlock := s.keyLocks.Lock(key)
	defer unlock()
	return s.saveLocked(key, value, opts)
}

func (s *FileStore) saveLocked(key string, value any, opts []SaveOption) (*Entry, error) {
	o := applySaveOptions(opts)

	versionsDir := filepath.Join(s.keyDir(key), versionsDirName)
	if err := os.MkdirAll(versionsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create versions directory: %w", err)
	}

	next, err := s.nextVersion(versionsDir)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		Key:         key,
		Value:       value,
		Version:     next,
		Timestamp:   time.Now(),
		ComponentID: o.componentID,
		Metadata:    o.metadata,
	}

	raw, err := s.encodeEntry(entry)
	if err != nil {
		return nil, err
	}

	versionPath := filepath.Join(versionsDir, versionFileName(next))
	if err := atomicWriteFile(versionPath, raw); err != nil {
		return nil, err
	}
	currentPath := filepath.Join(s.keyDir(key), currentFileName)
	if err := atomicWriteFile(currentPath, raw); err != nil {
		return nil, err
	}

	s.logger.Debug("entry saved",
		zap.String("key", key),
		zap.Int("version", next),
	)

	return entry, nil
}

// nextVersion scans the versions directory for the highest existing
// version number.
func (s *FileStore) nextVersion(versionsDir string) (int, error) {
	names, err := os.ReadDir(versionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, err
	}
	max := 0
	for _, d := range names {
		if v, ok := parseVersionFileName(d.Name()); ok && v > max {
			max = v
		}
	}
	return max + 1, nil
}

func versionFileName(v int) string {
	return fmt.Sprintf("v%06d.json", v)
}

func parseVersionFileName(name string) (int, bool) {
	if !strings.HasPrefix(name, "v") || !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "v"), ".json"))
	if err != nil || v < 1 {
		return 0, false
	}
	return v, true
}

func (s *FileStore) encodeEntry(e *Entry) ([]byte, error) {
	envelope := map[string]any{
		"key":       e.Key,
		"value":     e.Value,
		"version":   e.Version,
		"timestamp": e.Timestamp,
	}
	if e.ComponentID != "" {
		envelope["component_id"] = e.ComponentID
	}
	if e.Metadata != nil {
		envelope["metadata"] = e.Metadata
	}
	return s.serializer.Serialize(envelope)
}

func (s *FileStore) decodeEntry(raw []byte) (*Entry, error) {
	decoded, err := s.serializer.Deserialize(raw)
	if err != nil {
		return nil, err
	}
	envelope, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("entry file is not an object")
	}

	entry := &Entry{Value: envelope["value"]}
	entry.Key, _ = envelope["key"].(string)
	if v, ok := envelope["version"].(int64); ok {
		entry.Version = int(v)
	}
	if ts, ok := envelope["timestamp"].(time.Time); ok {
		entry.Timestamp = ts
	}
	entry.ComponentID, _ = envelope["component_id"].(string)
	if md, ok := envelope["metadata"].(map[string]any); ok {
		entry.Metadata = md
	}
	return entry, nil
}

// Load implements Store.Load.
func (s *FileStore) Load(ctx context.Context, key string, version int) (*Entry, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	var path string
	if version == 0 {
		path = filepath.Join(s.keyDir(key), currentFileName)
	} else {
		path = filepath.Join(s.keyDir(key), versionsDirName, versionFileName(version))
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.decodeEntry(raw)
}

// Delete implements Store.Delete.
func (s *FileStore) Delete(ctx context.Context, key string) (bool, error) {
	if s.isClosed() {
		return false, ErrStoreClosed
	}

	unlock := s.keyLocks.Lock(key)
	defer unlock()

	dir := s.keyDir(key)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

// ListKeys implements Store.ListKeys. Original (unsanitized) keys are read
// back from each key's current pointer.
func (s *FileStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	dirs, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, d.Name(), currentFileName))
		if err != nil {
			continue
		}
		entry, err := s.decodeEntry(raw)
		if err != nil || entry.Key == "" {
			continue
		}
		if prefix == "" || strings.HasPrefix(entry.Key, prefix) {
			keys = append(keys, entry.Key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// ListVersions implements Store.ListVersions.
func (s *FileStore) ListVersions(ctx context.Context, key string) ([]int, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	versionsDir := filepath.Join(s.keyDir(key), versionsDirName)
	names, err := os.ReadDir(versionsDir)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	out := make([]int, 0, len(names))
	for _, d := range names {
		if v, ok := parseVersionFileName(d.Name()); ok {
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out, nil
}

// PruneVersions implements Store.PruneVersions.
func (s *FileStore) PruneVersions(ctx context.Context, key string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	if s.isClosed() {
		return 0, ErrStoreClosed
	}

	unlock := s.keyLocks.Lock(key)
	defer unlock()

	versions, err := s.ListVersions(ctx, key)
	if err != nil {
		return 0, err
	}

	deleted := 0
	versionsDir := filepath.Join(s.keyDir(key), versionsDirName)
	for len(versions)-deleted > keep {
		v := versions[deleted]
		if err := os.Remove(filepath.Join(versionsDir, versionFileName(v))); err != nil {
			return deleted, err
		}
		deleted++
	}

	if deleted > 0 {
		s.logger.Debug("versions pruned",
			zap.String("key", key),
			zap.Int("deleted", deleted),
		)
	}
	return deleted, nil
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *FileStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int, value any, opts ...SaveOption) (*Entry, bool, error) {
	if s.isClosed() {
		return nil, false, ErrStoreClosed
	}

	unlock := s.keyLocks.Lock(key)
	defer unlock()

	current := 0
	if entry, err := s.Load(ctx, key, 0); err == nil {
		current = entry.Version
	} else if err != ErrNotFound {
		return nil, false, err
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
func (s *FileStore) Stats(ctx context.Context) (*Stats, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	keys, err := s.ListKeys(ctx, "")
	if err != nil {
		return nil, err
	}

	stats := &Stats{Backend: "file", Keys: len(keys)}
	for _, key := range keys {
		versions, err := s.ListVersions(ctx, key)
		if err != nil {
			continue
		}
		stats.Versions += len(versions)
	}
	return stats, nil
}

// Close implements Store.Close.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*FileStore)(nil)
