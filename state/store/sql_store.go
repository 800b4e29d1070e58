package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/state"
)

// entryRecord is the gorm model backing SQLStore. Uniqueness on
// (state_key, version) guarantees two concurrent writers can never
// commit the same version even across processes.
type entryRecord struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	StateKey    string    `gorm:"column:state_key;size:512;uniqueIndex:idx_state_key_version;index:idx_state_key"`
	Version     int       `gorm:"column:version;uniqueIndex:idx_state_key_version"`
	Value       []byte    `gorm:"column:value"`
	Timestamp   time.Time `gorm:"column:timestamp"`
	ComponentID string    `gorm:"column:component_id;size:256"`
	Metadata    []byte    `gorm:"column:metadata"`
}

func (entryRecord) TableName() string { return "state_entries" }

// SQLStore is a SQL-backed Store built on gorm.
type SQLStore struct {
	db         *gorm.DB
	serializer *state.Serializer
	logger     *zap.Logger
	keyLocks   *keyLock
}

// OpenSQL opens a database by driver name (sqlite, postgres, mysql) and
// returns a migrated SQLStore. The sqlite driver is pure Go and works on
// a file path or ":memory:".
func OpenSQL(driver, dsn string, serializer *state.Serializer, logger *zap.Logger) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver: %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return NewSQLStore(db, serializer, logger)
}

// NewSQLStore wraps an existing gorm handle and runs migrations.
func NewSQLStore(db *gorm.DB, serializer *state.Serializer, logger *zap.Logger) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if serializer == nil {
		serializer = state.NewSerializer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&entryRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate state_entries: %w", err)
	}
	return &SQLStore{
		db:         db,
		serializer: serializer,
		logger:     logger.With(zap.String("component", "sql_store")),
		keyLocks:   newKeyLock(),
	}, nil
}

// Save implements Store.Save. The read-max/insert sequence runs in a
// transaction; the unique index backstops any race the in-process lock
// cannot see.
func (s *SQLStore) Save(ctx context.Context, key string, value any, opts ...SaveOption) (*Entry, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	unlock := s.keyLocks.Lock(key)
	defer unlock()
	return s.saveLocked(ctx, key, value, opts)
}

func (s *SQLStore) saveLocked(ctx context.Context, key string, value any, opts []SaveOption) (*Entry, error) {
	o := applySaveOptions(opts)

	raw, err := s.serializer.Serialize(value)
	if err != nil {
		return nil, err
	}
	var md []byte
	if o.metadata != nil {
		md, err = json.Marshal(o.metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	entry := &Entry{
		Key:         key,
		Value:       value,
		Timestamp:   time.Now(),
		ComponentID: o.componentID,
		Metadata:    o.metadata,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var max int
		if err := tx.Model(&entryRecord{}).
			Where("state_key = ?", key).
			Select("COALESCE(MAX(version), 0)").
			Scan(&max).Error; err != nil {
			return err
		}
		entry.Version = max + 1
		return tx.Create(&entryRecord{
			StateKey:    key,
			Version:     entry.Version,
			Value:       raw,
			Timestamp:   entry.Timestamp,
			ComponentID: o.componentID,
			Metadata:    md,
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save entry: %w", err)
	}

	return entry, nil
}

func (s *SQLStore) recordToEntry(rec *entryRecord) (*Entry, error) {
	value, err := s.serializer.Deserialize(rec.Value)
	if err != nil {
		return nil, err
	}
	entry := &Entry{
		Key:         rec.StateKey,
		Value:       value,
		Version:     rec.Version,
		Timestamp:   rec.Timestamp,
		ComponentID: rec.ComponentID,
	}
	if len(rec.Metadata) > 0 {
		if err := json.Unmarshal(rec.Metadata, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return entry, nil
}

// Load implements Store.Load.
func (s *SQLStore) Load(ctx context.Context, key string, version int) (*Entry, error) {
	q := s.db.WithContext(ctx).Where("state_key = ?", key)
	if version > 0 {
		q = q.Where("version = ?", version)
	} else {
		q = q.Order("version DESC")
	}

	var rec entryRecord
	if err := q.First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.recordToEntry(&rec)
}

// Delete implements Store.Delete.
func (s *SQLStore) Delete(ctx context.Context, key string) (bool, error) {
	unlock := s.keyLocks.Lock(key)
	defer unlock()

	res := s.db.WithContext(ctx).Where("state_key = ?", key).Delete(&entryRecord{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListKeys implements Store.ListKeys.
func (s *SQLStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	q := s.db.WithContext(ctx).Model(&entryRecord{}).Distinct("state_key")
	if prefix != "" {
		q = q.Where("state_key LIKE ?", escapeLike(prefix)+"%")
	}
	var keys []string
	if err := q.Pluck("state_key", &keys).Error; err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// ListVersions implements Store.ListVersions.
func (s *SQLStore) ListVersions(ctx context.Context, key string) ([]int, error) {
	var versions []int
	err := s.db.WithContext(ctx).Model(&entryRecord{}).
		Where("state_key = ?", key).
		Order("version ASC").
		Pluck("version", &versions).Error
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	return versions, nil
}

// PruneVersions implements Store.PruneVersions.
func (s *SQLStore) PruneVersions(ctx context.Context, key string, keep int) (int, error) {
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

	cutoff := versions[len(versions)-keep]
	res := s.db.WithContext(ctx).
		Where("state_key = ? AND version < ?", key, cutoff).
		Delete(&entryRecord{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *SQLStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int, value any, opts ...SaveOption) (*Entry, bool, error) {
	unlock := s.keyLocks.Lock(key)
	defer unlock()

	var max int
	err := s.db.WithContext(ctx).Model(&entryRecord{}).
		Where("state_key = ?", key).
		Select("COALESCE(MAX(version), 0)").
		Scan(&max).Error
	if err != nil {
		return nil, false, err
	}
	if max != expectedVersion {
		return nil, false, nil
	}

	entry, err := s.saveLocked(ctx, key, value, opts)
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

// Stats implements Store.Stats.
func (s *SQLStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Backend: "sql"}

	var total int64
	if err := s.db.WithContext(ctx).Model(&entryRecord{}).Count(&total).Error; err != nil {
		return nil, err
	}
	stats.Versions = int(total)

	var keys int64
	if err := s.db.WithContext(ctx).Model(&entryRecord{}).
		Distinct("state_key").Count(&keys).Error; err != nil {
		return nil, err
	}
	stats.Keys = int(keys)
	return stats, nil
}

// Close implements Store.Close.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ Store = (*SQLStore)(nil)
