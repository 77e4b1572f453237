package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrStorage wraps every failure of the underlying storage.
	ErrStorage = errors.New("cache: storage failure")
	// ErrInvalidKey indicates an empty cache key.
	ErrInvalidKey = errors.New("cache: invalid key")
)

// Store is the durable key-value persistence that survives process restarts.
type Store interface {
	// Get returns the value and whether the key was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Entry is one persisted cache value.
type Entry struct {
	Key       string    `gorm:"column:cache_key;primaryKey;size:190;not null"`
	Value     string    `gorm:"column:cache_value;type:text;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName exposes the table backing cache entries.
func (Entry) TableName() string {
	return "cache_entries"
}

// SQLiteStore implements Store on a gorm connection.
type SQLiteStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewSQLiteStore constructs the store; the cache_entries table must already exist.
func NewSQLiteStore(db *gorm.DB, clock func() time.Time) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("cache: database connection required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &SQLiteStore{db: db, now: clock}, nil
}

// Get returns the stored value for key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	normalized := strings.TrimSpace(key)
	if normalized == "" {
		return "", false, ErrInvalidKey
	}
	var entry Entry
	err := s.db.WithContext(ctx).Where("cache_key = ?", normalized).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: get %s: %v", ErrStorage, normalized, err)
	}
	return entry.Value, true, nil
}

// Set overwrites the value for key in a single statement.
func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	normalized := strings.TrimSpace(key)
	if normalized == "" {
		return ErrInvalidKey
	}
	entry := Entry{Key: normalized, Value: value, UpdatedAt: s.now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"cache_value", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrStorage, normalized, err)
	}
	return nil
}

// Remove deletes key; removing an absent key is not an error.
func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	normalized := strings.TrimSpace(key)
	if normalized == "" {
		return ErrInvalidKey
	}
	if err := s.db.WithContext(ctx).Where("cache_key = ?", normalized).Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("%w: remove %s: %v", ErrStorage, normalized, err)
	}
	return nil
}
