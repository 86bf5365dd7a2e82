package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type sqliteEntry struct {
	Key       string         `gorm:"column:key;primaryKey"`
	Value     datatypes.JSON `gorm:"column:value;not null"`
	UpdatedAt time.Time      `gorm:"column:updated_at;not null"`
}

func (sqliteEntry) TableName() string { return "entitlement_cache" }

// SQLStore persists entries in a local SQLite file so they survive restarts.
type SQLStore struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenSQLStore opens (or creates) the database at path.
func OpenSQLStore(path string, log *zap.Logger) (*SQLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("cache sqlite path is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open cache sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&sqliteEntry{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate cache sqlite: %w", err)
	}

	log.Named("cache.sqlite").Info("cache store opened", zap.String("path", path))
	return &SQLStore{db: db, now: time.Now}, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var entries []sqliteEntry
	err := s.db.WithContext(ctx).
		Where("key = ?", key).
		Limit(1).
		Find(&entries).Error
	if err != nil {
		return nil, false, err
	}
	if len(entries) == 0 {
		return nil, false, nil
	}
	return []byte(entries[0].Value), true, nil
}

func (s *SQLStore) Set(ctx context.Context, key string, value []byte) error {
	entry := sqliteEntry{
		Key:       key,
		Value:     datatypes.JSON(value),
		UpdatedAt: s.now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry).Error
}

func (s *SQLStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Where("key IN ?", keys).
		Delete(&sqliteEntry{}).Error
}

// Keys compares a substring instead of LIKE because keys contain underscores.
func (s *SQLStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).
		Model(&sqliteEntry{}).
		Where("substr(key, 1, ?) = ?", len(prefix), prefix).
		Order("key").
		Pluck("key", &keys).Error
	return keys, err
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
