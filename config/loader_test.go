// 配置加载器测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/pacegate/persistence"
	"github.com/BaSui01/pacegate/resilience/antidetect"
	"github.com/BaSui01/pacegate/resilience/ratelimit"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pacegate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().WithEnvLookup(envMap(nil)).Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, persistence.StoreTypeMemory, cfg.Store.Type)
	assert.Equal(t, 6, cfg.Resilience.AntiDetection.SlidingWindow)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 8888
  read_timeout: 60s
log:
  level: debug
  format: console
store:
  type: redis
  redis:
    addr: "redis:6379"
resilience:
  anti_detection:
    sliding_window: 10
    minimum_adjustment_interval: 5m
    initial_pacing: Conservative
  breaker:
    failure_threshold: 5
    open_duration: 45s
  rate_limit:
    max_wait: 3s
    buckets:
      like: { capacity: 2, refill_per_second: 0.1 }
  governor:
    per_account_read_concurrency: 4
  gate:
    pause_duration: 10m
`)

	cfg, err := NewLoader().WithConfigPath(path).WithEnvLookup(envMap(nil)).Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, persistence.StoreTypeRedis, cfg.Store.Type)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)

	r := cfg.Resilience
	assert.Equal(t, 10, r.AntiDetection.SlidingWindow)
	assert.Equal(t, 5*time.Minute, r.AntiDetection.MinimumAdjustmentInterval)
	assert.Equal(t, antidetect.PacingConservative, r.AntiDetection.InitialPacing)
	assert.Equal(t, 3, r.AntiDetection.AggressiveWindowRequirement, "untouched defaults survive")
	assert.Equal(t, 5, r.Breaker.FailureThreshold)
	assert.Equal(t, 45*time.Second, r.Breaker.OpenDuration)
	assert.Equal(t, 3*time.Second, r.RateLimit.MaxWait)
	assert.Equal(t, ratelimit.BucketConfig{Capacity: 2, RefillPerSecond: 0.1}, r.RateLimit.Buckets[ratelimit.CategoryLike])
	assert.Equal(t, 4, r.Governor.PerAccountReadConcurrency)
	assert.Equal(t, 1, r.Governor.PerAccountWriteConcurrency)
	assert.Equal(t, 10*time.Minute, r.Gate.PauseDuration)
}

func TestLoader_MissingFileKeepsDefaults(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")).
		WithEnvLookup(envMap(nil)).
		Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [unclosed")
	_, err := NewLoader().WithConfigPath(path).WithEnvLookup(envMap(nil)).Load()
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: 8888\n")
	env := envMap(map[string]string{
		"PACEGATE_SERVER_HTTP_PORT":                               "9999",
		"PACEGATE_LOG_OUTPUT_PATHS":                               "stdout, /var/log/pacegate.log",
		"PACEGATE_STORE_TYPE":                                     "file",
		"PACEGATE_STORE_BASE_DIR":                                 "/data",
		"PACEGATE_DATABASE_POOL_MAX_OPEN_CONNS":                   "3",
		"PACEGATE_RESILIENCE_ANTI_DETECTION_INITIAL_PACING":       "aggressive",
		"PACEGATE_RESILIENCE_ANTI_DETECTION_STEPWISE_PROMOTION":   "true",
		"PACEGATE_RESILIENCE_ANTI_DETECTION_MIN_HUMAN_LIKE_SCORE": "0.75",
		"PACEGATE_RESILIENCE_ADVISOR_MAX_DELAY_MULTIPLIER":        "4",
		"PACEGATE_RESILIENCE_BREAKER_WINDOW":                      "20s",
		"PACEGATE_RESILIENCE_RATE_LIMIT_MAX_WAIT":                 "2s",
	})

	cfg, err := NewLoader().WithConfigPath(path).WithEnvLookup(env).Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, []string{"stdout", "/var/log/pacegate.log"}, cfg.Log.OutputPaths)
	assert.Equal(t, persistence.StoreTypeFile, cfg.Store.Type)
	assert.Equal(t, "/data", cfg.Store.BaseDir)
	assert.Equal(t, 3, cfg.Database.Pool.MaxOpenConns)
	assert.Equal(t, antidetect.PacingAggressive, cfg.Resilience.AntiDetection.InitialPacing)
	assert.True(t, cfg.Resilience.AntiDetection.StepwisePromotion)
	assert.Equal(t, 0.75, cfg.Resilience.AntiDetection.MinHumanLikeScore)
	assert.Equal(t, 4.0, cfg.Resilience.Advisor.MaxDelayMultiplier)
	assert.Equal(t, 20*time.Second, cfg.Resilience.Breaker.Window)
	assert.Equal(t, 2*time.Second, cfg.Resilience.RateLimit.MaxWait)
	assert.NotEmpty(t, cfg.Resilience.RateLimit.Buckets, "maps are not touched by env")
}

func TestLoader_EnvErrors(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"bad int", "PACEGATE_SERVER_HTTP_PORT", "eighty"},
		{"bad duration", "PACEGATE_SERVER_READ_TIMEOUT", "soon"},
		{"bad bool", "PACEGATE_LOG_ENABLE_CALLER", "maybe"},
		{"bad float", "PACEGATE_TELEMETRY_SAMPLE_RATE", "half"},
		{"bad profile", "PACEGATE_RESILIENCE_ANTI_DETECTION_INITIAL_PACING", "reckless"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().WithEnvLookup(envMap(map[string]string{tt.key: tt.val})).Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoader_CustomPrefix(t *testing.T) {
	cfg, err := NewLoader().
		WithEnvPrefix("PG").
		WithEnvLookup(envMap(map[string]string{"PG_SERVER_HTTP_PORT": "7000", "PACEGATE_SERVER_HTTP_PORT": "1"})).
		Load()
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.HTTPPort)
}

func TestLoader_Validators(t *testing.T) {
	_, err := NewLoader().
		WithEnvLookup(envMap(map[string]string{"PACEGATE_SERVER_HTTP_PORT": "70000"})).
		WithValidator(func(c *Config) error { return c.Validate() }).
		Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid HTTP port")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"port", func(c *Config) { c.Server.HTTPPort = 0 }, "invalid HTTP port"},
		{"connections", func(c *Config) { c.Server.MaxConnections = -1 }, "max_connections"},
		{"tls", func(c *Config) { c.Server.TLSCertFile = "cert.pem" }, "tls_cert_file"},
		{"jwt", func(c *Config) { c.Server.JWT.Secret = "short" }, "jwt secret"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "unsupported log format"},
		{"telemetry", func(c *Config) { c.Telemetry.Enabled = true; c.Telemetry.OTLPEndpoint = "" }, "otlp_endpoint"},
		{"store", func(c *Config) { c.Store.Type = "tape" }, "tape"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_ConnectionString(t *testing.T) {
	d := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "n", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", d.ConnectionString())

	d.Driver = "mysql"
	assert.Equal(t, "u:p@tcp(db:5432)/n?parseTime=true", d.ConnectionString())

	d.Driver = "sqlite"
	assert.Equal(t, "n", d.ConnectionString())

	d.DSN = "file::memory:"
	assert.Equal(t, "file::memory:", d.ConnectionString(), "explicit dsn wins")

	assert.Empty(t, DatabaseConfig{Driver: "oracle"}.ConnectionString())
}

func TestMustLoad_Panics(t *testing.T) {
	path := writeConfig(t, "server: [")
	assert.Panics(t, func() { MustLoad(path) })
}
