package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SnapshotRecord 快照表的行结构，与 internal/migration 中的建表语句一致
type SnapshotRecord struct {
	Path      string    `gorm:"column:path;primaryKey;size:512"`
	Data      []byte    `gorm:"column:data;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName 表名
func (SnapshotRecord) TableName() string { return "pacegate_snapshots" }

// SQLStore 基于 gorm 的存储，支持 postgres / mysql / sqlite
type SQLStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewSQLStore 用已打开的 gorm 连接创建存储；autoMigrate 为 true 时自动建表
func NewSQLStore(db *gorm.DB, autoMigrate bool) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: gorm db is nil", ErrInvalidInput)
	}
	if autoMigrate {
		if err := db.AutoMigrate(&SnapshotRecord{}); err != nil {
			return nil, fmt.Errorf("auto migrate snapshots: %w", err)
		}
	}
	return &SQLStore{db: db, now: time.Now}, nil
}

// Save 实现 Store.Save，按 path upsert
func (s *SQLStore) Save(ctx context.Context, path string, value any) error {
	p, err := cleanPath(path)
	if err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	rec := SnapshotRecord{Path: p, Data: data, UpdatedAt: s.now().UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&rec).Error
}

// Load 实现 Store.Load
func (s *SQLStore) Load(ctx context.Context, path string, dest any) error {
	p, err := cleanPath(path)
	if err != nil {
		return err
	}
	var rec SnapshotRecord
	err = s.db.WithContext(ctx).Where("path = ?", p).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(rec.Data, dest)
}

// Delete 实现 Store.Delete
func (s *SQLStore) Delete(ctx context.Context, path string) error {
	p, err := cleanPath(path)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Where("path = ?", p).Delete(&SnapshotRecord{}).Error
}

// Ping 实现 Store.Ping
func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 实现 Store.Close
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
