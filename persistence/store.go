package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// StoreType 存储后端类型
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeSQL    StoreType = "sql"
	StoreTypeMongo  StoreType = "mongo"
)

// Store 审计快照的持久化接口。
// path 是以 "/" 分隔的逻辑路径，例如 "antidetect/acct-1/state"；值以 JSON 编码。
type Store interface {
	// Save 写入（覆盖）path 上的值
	Save(ctx context.Context, path string, value any) error

	// Load 读取 path 上的值到 dest；不存在时返回 ErrNotFound
	Load(ctx context.Context, path string, dest any) error

	// Delete 删除 path；不存在时不报错
	Delete(ctx context.Context, path string) error

	// Ping 健康检查
	Ping(ctx context.Context) error

	// Close 释放资源
	Close() error
}

// LoadAs 读取 path 上的值，不存在时返回 (nil, nil)
func LoadAs[T any](ctx context.Context, s Store, path string) (*T, error) {
	var v T
	if err := s.Load(ctx, path, &v); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &v, nil
}

// StoreConfig 存储配置
type StoreConfig struct {
	// Type 后端类型
	Type StoreType `json:"type" yaml:"type" env:"TYPE"`

	// BaseDir 文件后端的根目录
	BaseDir string `json:"base_dir" yaml:"base_dir" env:"BASE_DIR"`

	// KeyPrefix redis/mongo 的 key 前缀
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" env:"KEY_PREFIX"`

	// TTL 快照保留时长，0 表示永久（redis 生效）
	TTL time.Duration `json:"ttl" yaml:"ttl" env:"TTL"`

	// Redis 仅 Type 为 redis 时使用
	Redis RedisStoreConfig `json:"redis" yaml:"redis" env:"REDIS"`

	// SQL 仅 Type 为 sql 时使用
	SQL SQLStoreConfig `json:"sql" yaml:"sql" env:"SQL"`

	// Mongo 仅 Type 为 mongo 时使用
	Mongo MongoStoreConfig `json:"mongo" yaml:"mongo" env:"MONGO"`
}

// RedisStoreConfig Redis 连接配置
type RedisStoreConfig struct {
	Addr     string `json:"addr" yaml:"addr" env:"ADDR"`
	Password string `json:"password" yaml:"password" env:"PASSWORD"`
	DB       int    `json:"db" yaml:"db" env:"DB"`
	PoolSize int    `json:"pool_size" yaml:"pool_size" env:"POOL_SIZE"`
}

// SQLStoreConfig SQL 连接配置
type SQLStoreConfig struct {
	// Driver postgres / mysql / sqlite（纯 Go）/ sqlite3（cgo）
	Driver string `json:"driver" yaml:"driver" env:"DRIVER"`
	DSN    string `json:"dsn" yaml:"dsn" env:"DSN"`
	// AutoMigrate 启动时自动建表；生产环境建议用 pacegate migrate
	AutoMigrate bool `json:"auto_migrate" yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// MongoStoreConfig MongoDB 连接配置
type MongoStoreConfig struct {
	URI        string `json:"uri" yaml:"uri" env:"URI"`
	Database   string `json:"database" yaml:"database" env:"DATABASE"`
	Collection string `json:"collection" yaml:"collection" env:"COLLECTION"`
}

// DefaultStoreConfig 默认使用内存后端
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:      StoreTypeMemory,
		BaseDir:   "./data/snapshots",
		KeyPrefix: "pacegate:",
		Redis: RedisStoreConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		SQL: SQLStoreConfig{
			Driver:      "sqlite",
			DSN:         "file:pacegate.db",
			AutoMigrate: true,
		},
		Mongo: MongoStoreConfig{
			URI:        "mongodb://localhost:27017",
			Database:   "pacegate",
			Collection: "snapshots",
		},
	}
}

// Validate 结构性校验
func (c StoreConfig) Validate() error {
	switch c.Type {
	case StoreTypeMemory:
	case StoreTypeFile:
		if c.BaseDir == "" {
			return fmt.Errorf("%w: file store requires base_dir", ErrInvalidInput)
		}
	case StoreTypeRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("%w: redis store requires addr", ErrInvalidInput)
		}
	case StoreTypeSQL:
		if c.SQL.Driver == "" || c.SQL.DSN == "" {
			return fmt.Errorf("%w: sql store requires driver and dsn", ErrInvalidInput)
		}
	case StoreTypeMongo:
		if c.Mongo.URI == "" || c.Mongo.Database == "" {
			return fmt.Errorf("%w: mongo store requires uri and database", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unsupported store type %q", ErrInvalidInput, c.Type)
	}
	return nil
}

// cleanPath 校验并规范化逻辑路径
func cleanPath(path string) (string, error) {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidInput)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: bad path %q", ErrInvalidInput, path)
		}
	}
	return path, nil
}
