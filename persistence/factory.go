package persistence

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/pacegate/internal/database"
)

// NewStore 按配置创建存储后端
func NewStore(ctx context.Context, config StoreConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Type {
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	case StoreTypeFile:
		return NewFileStore(config)
	case StoreTypeRedis:
		return NewRedisStore(config)
	case StoreTypeSQL:
		db, err := database.Open(config.SQL.Driver, config.SQL.DSN, logger)
		if err != nil {
			return nil, err
		}
		return NewSQLStore(db, config.SQL.AutoMigrate)
	case StoreTypeMongo:
		return NewMongoStore(ctx, config)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
