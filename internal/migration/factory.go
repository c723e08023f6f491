package migration

import (
	"context"

	"github.com/BaSui01/pacegate/config"
)

// FromDatabaseConfig 用应用配置中的 database 段创建迁移器
func FromDatabaseConfig(ctx context.Context, db config.DatabaseConfig) (*SQLMigrator, error) {
	d, err := ParseDialect(db.Driver)
	if err != nil {
		return nil, err
	}
	dsn := db.ConnectionString()
	if d == DialectSQLite {
		dsn = SQLiteDSN(dsn)
	}
	return New(ctx, Config{Dialect: d, DSN: dsn})
}
