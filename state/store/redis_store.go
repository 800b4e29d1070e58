package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/state"
)

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	PoolSize  int    `yaml:"pool_size" json:"pool_size"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// RedisStore is a Redis-backed Store for deployments that share state
// across nodes. Version numbers come from a per-key INCR counter, so they
// are monotonic even after versions are pruned.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	serializer *state.Serializer
	logger     *zap.Logger
	keyLocks   *keyLock
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig, serializer *state.Serializer, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "maestro:state:"
	}
	if serializer == nil {
		serializer = state.NewSerializer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RedisStore{
		client:     client,
		prefix:     prefix,
		serializer: serializer,
		logger:     logger.With(zap.String("component", "redis_store")),
		keyLocks:   newKeyLock(),
	}, nil
}

func (s *RedisStore) keysKey() string              { return s.prefix + "keys" }
func (s *RedisStore) counterKey(key string) string { return s.prefix + "ver:" + key }
func (s *RedisStore) latestKey(key string) string  { return s.prefix + "latest:" + key }
func (s *RedisStore) indexKey(key string) string   { return s.prefix + "versions:" + key }
func (s *RedisStore) entryKey(key string, v int) string {
	return s.prefix + "entry:" + key + ":" + strconv.Itoa(v)
}

// Save implements Store.Save.
func (s *RedisStore) Save(ctx context.Context, key string, value any, opts ...SaveOption) (*Entry, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	unlock := s.keyLocks.Lock(key)
	defer unlock()
	return s.saveLocked(ctx, key, value, opts)
}

func (s *RedisStore) saveLocked(ctx context.Context, key string, value any, opts []SaveOption) (*Entry, error) {
	o := applySaveOptions(opts)

	version, err := s.client.Incr(ctx, s.counterKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate version: %w", err)
	}

	entry := &Entry{
		Key:         key,
		Value:       value,
		Version:     int(version),
		Timestamp:   time.Now(),
		ComponentID: o.componentID,
		Metadata:    o.metadata,
	}

	envelope := map[string]any{
		"key":       entry.Key,
		"value":     entry.Value,
		"version":   entry.Version,
		"timestamp": entry.Timestamp,
	}
	if entry.ComponentID != "" {
		envelope["component_id"] = entry.ComponentID
	}
	if entry.Metadata != nil {
		envelope["metadata"] = entry.Metadata
	}
	raw, err := s.serializer.Serialize(envelope)
	if err != nil {
		return nil, err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.entryKey(key, entry.Version), raw, 0)
	pipe.Set(ctx, s.latestKey(key), entry.Version, 0)
	pipe.ZAdd(ctx, s.indexKey(key), redis.Z{Score: float64(entry.Version), Member: entry.Version})
	pipe.SAdd(ctx, s.keysKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to write entry: %w", err)
	}

	return entry, nil
}

func (s *RedisStore) decodeEntry(raw string) (*Entry, error) {
	decoded, err := s.serializer.Deserialize([]byte(raw))
	if err != nil {
		return nil, err
	}
	envelope, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("entry payload is not an object")
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
func (s *RedisStore) Load(ctx context.Context, key string, version int) (*Entry, error) {
	if version == 0 {
		latest, err := s.client.Get(ctx, s.latestKey(key)).Int()
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		version = latest
	}

	raw, err := s.client.Get(ctx, s.entryKey(key, version)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.decodeEntry(raw)
}

// Delete implements Store.Delete.
func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	unlock := s.keyLocks.Lock(key)
	defer unlock()

	versions, err := s.client.ZRange(ctx, s.indexKey(key), 0, -1).Result()
	if err != nil {
		return false, err
	}
	existed, err := s.client.SIsMember(ctx, s.keysKey(), key).Result()
	if err != nil {
		return false, err
	}
	if !existed && len(versions) == 0 {
		return false, nil
	}

	pipe := s.client.TxPipeline()
	for _, v := range versions {
		if n, err := strconv.Atoi(v); err == nil {
			pipe.Del(ctx, s.entryKey(key, n))
		}
	}
	pipe.Del(ctx, s.latestKey(key), s.indexKey(key), s.counterKey(key))
	pipe.SRem(ctx, s.keysKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ListKeys implements Store.ListKeys.
func (s *RedisStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.keysKey()).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(members))
	for _, k := range members {
		if prefix == "" || strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// ListVersions implements Store.ListVersions.
func (s *RedisStore) ListVersions(ctx context.Context, key string) ([]int, error) {
	members, err := s.client.ZRange(ctx, s.indexKey(key), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, ErrNotFound
	}
	out := make([]int, 0, len(members))
	for _, m := range members {
		if v, err := strconv.Atoi(m); err == nil {
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out, nil
}

// PruneVersions implements Store.PruneVersions.
func (s *RedisStore) PruneVersions(ctx context.Context, key string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	unlock := s.keyLocks.Lock(key)
	defer unlock()

	versions, err := s.ListVersions(ctx, key)
	if err != nil {
		return 0, err
	}
	if len(versions) <= keep {
		return 0, nil
	}

	doomed := versions[:len(versions)-keep]
	pipe := s.client.TxPipeline()
	for _, v := range doomed {
		pipe.Del(ctx, s.entryKey(key, v))
		pipe.ZRem(ctx, s.indexKey(key), v)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(doomed), nil
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int, value any, opts ...SaveOption) (*Entry, bool, error) {
	unlock := s.keyLocks.Lock(key)
	defer unlock()

	current, err := s.client.Get(ctx, s.latestKey(key)).Int()
	if err == redis.Nil {
		current = 0
	} else if err != nil {
		return nil, false, err
	}
	if current != expectedVersion {
		return nil, false, nil
	}

	entry, err := s.saveLocked(ctx, key, value, opts)
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

// Stats implements Store.Stats.
func (s *RedisStore) Stats(ctx context.Context) (*Stats, error) {
	keys, err := s.ListKeys(ctx, "")
	if err != nil {
		return nil, err
	}
	stats := &Stats{Backend: "redis", Keys: len(keys)}
	for _, key := range keys {
		n, err := s.client.ZCard(ctx, s.indexKey(key)).Result()
		if err != nil {
			continue
		}
		stats.Versions += int(n)
	}
	return stats, nil
}

// Close implements Store.Close.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
