package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// 与 gorm 的 glebarez 方言共用同一个纯 Go "sqlite" 驱动注册
	_ "github.com/glebarez/go-sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

// Dialect 数据库方言
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
)

// DefaultTable golang-migrate 的版本表，与快照表分开命名
const DefaultTable = "pacegate_schema_migrations"

// driverName 返回 database/sql 注册的驱动名
func (d Dialect) driverName() string {
	switch d {
	case DialectPostgres:
		return "postgres"
	case DialectMySQL:
		return "mysql"
	case DialectSQLite:
		return "sqlite"
	}
	return ""
}

func (d Dialect) dir() string { return path.Join("migrations", string(d)) }

// ParseDialect 解析驱动名，接受常见别名
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	case "mysql", "mariadb":
		return DialectMySQL, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", s)
}

// Config 迁移器配置
type Config struct {
	Dialect Dialect
	// DSN 为 database/sql 连接串；sqlite 可以直接是文件路径
	DSN string
	// Table 版本表名，默认 DefaultTable
	Table string
	// PingTimeout 打开连接后的探活超时
	PingTimeout time.Duration
}

// Status 单个迁移文件的状态
type Status struct {
	Version uint
	Name    string
	Applied bool
	Dirty   bool
}

// Migrator 快照表的 schema 迁移
type Migrator interface {
	Up(ctx context.Context) error
	Down(ctx context.Context) error
	Steps(ctx context.Context, n int) error
	Version(ctx context.Context) (version uint, dirty bool, err error)
	Status(ctx context.Context) ([]Status, error)
	Close() error
}

// SQLMigrator 基于 golang-migrate 与内嵌 SQL 的实现
type SQLMigrator struct {
	dialect Dialect
	m       *migrate.Migrate
}

var _ Migrator = (*SQLMigrator)(nil)

// New 打开数据库并准备内嵌迁移源
func New(ctx context.Context, cfg Config) (*SQLMigrator, error) {
	if cfg.DSN == "" {
		return nil, errors.New("migration: dsn is required")
	}
	drv := cfg.Dialect.driverName()
	if drv == "" {
		return nil, fmt.Errorf("migration: unsupported dialect %q", cfg.Dialect)
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 5 * time.Second
	}

	dsn := cfg.DSN
	if cfg.Dialect == DialectMySQL {
		dsn = withMultiStatements(dsn)
	}

	db, err := sql.Open(drv, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Dialect, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Dialect, err)
	}

	target, err := dbDriver(cfg.Dialect, db, cfg.Table)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, cfg.Dialect.dir())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, string(cfg.Dialect), target)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate instance: %w", err)
	}
	return &SQLMigrator{dialect: cfg.Dialect, m: m}, nil
}

func dbDriver(d Dialect, db *sql.DB, table string) (database.Driver, error) {
	switch d {
	case DialectPostgres:
		return postgres.WithInstance(db, &postgres.Config{MigrationsTable: table})
	case DialectMySQL:
		return mysql.WithInstance(db, &mysql.Config{MigrationsTable: table})
	case DialectSQLite:
		return sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: table})
	}
	return nil, fmt.Errorf("unsupported dialect %q", d)
}

// withMultiStatements 为 mysql 连接串补 multiStatements=true
func withMultiStatements(dsn string) string {
	if strings.Contains(dsn, "multiStatements=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&multiStatements=true"
	}
	return dsn + "?multiStatements=true"
}

// golang-migrate 不接收 context；在开始前检查一次取消
func ignoreNoChange(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration %s: %w", op, err)
	}
	return nil
}

// Up 应用全部未执行的迁移
func (s *SQLMigrator) Up(ctx context.Context) error {
	return ignoreNoChange(ctx, "up", s.m.Up)
}

// Down 回滚最近一个迁移
func (s *SQLMigrator) Down(ctx context.Context) error {
	return s.Steps(ctx, -1)
}

// Steps n>0 前进，n<0 回滚
func (s *SQLMigrator) Steps(ctx context.Context, n int) error {
	if n == 0 {
		return nil
	}
	return ignoreNoChange(ctx, "steps", func() error { return s.m.Steps(n) })
}

// Version 当前版本；尚未迁移时返回 0
func (s *SQLMigrator) Version(ctx context.Context) (uint, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	v, dirty, err := s.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("migration version: %w", err)
	}
	return v, dirty, nil
}

// Status 列出内嵌迁移及其是否已应用
func (s *SQLMigrator) Status(ctx context.Context) ([]Status, error) {
	current, dirty, err := s.Version(ctx)
	if err != nil {
		return nil, err
	}
	files, err := Available(s.dialect)
	if err != nil {
		return nil, err
	}
	for i := range files {
		files[i].Applied = files[i].Version <= current
		files[i].Dirty = dirty && files[i].Version == current
	}
	return files, nil
}

// Close 关闭源与数据库连接
func (s *SQLMigrator) Close() error {
	srcErr, dbErr := s.m.Close()
	return errors.Join(srcErr, dbErr)
}

// Available 按版本升序列出某方言的内嵌迁移
func Available(d Dialect) ([]Status, error) {
	entries, err := fs.ReadDir(migrationsFS, d.dir())
	if err != nil {
		return nil, fmt.Errorf("read migrations for %s: %w", d, err)
	}
	var out []Status
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		num, rest, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(num, 10, 32)
		if err != nil {
			continue
		}
		out = append(out, Status{Version: uint(v), Name: strings.TrimSuffix(rest, ".up.sql")})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// SQLiteDSN 把文件路径转成 go-sqlite 驱动可用的连接串
func SQLiteDSN(file string) string {
	if strings.HasPrefix(file, "file:") {
		return file
	}
	q := url.Values{}
	q.Set("_pragma", "busy_timeout(5000)")
	return "file:" + file + "?" + q.Encode()
}
