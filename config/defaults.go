package config

import (
	"time"

	"github.com/BaSui01/pacegate/internal/database"
	"github.com/BaSui01/pacegate/persistence"
	"github.com/BaSui01/pacegate/resilience"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
		Database:   DefaultDatabaseConfig(),
		Store:      persistence.DefaultStoreConfig(),
		Resilience: resilience.DefaultSettings(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxConnections:  1024,
		RateLimitRPS:    50,
		RateLimitBurst:  100,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:          false,
		OTLPEndpoint:     "localhost:4317",
		ServiceName:      "pacegate",
		SampleRate:       0.1,
		MetricsNamespace: "pacegate",
	}
}

// DefaultDatabaseConfig 默认使用纯 Go 的 sqlite
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:  "sqlite",
		Host:    "localhost",
		Port:    5432,
		User:    "pacegate",
		Name:    "pacegate.db",
		SSLMode: "disable",
		Pool:    database.DefaultPoolConfig(),
	}
}
