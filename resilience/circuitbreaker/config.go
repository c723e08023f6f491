package circuitbreaker

import "time"

// Config 熔断器配置，同一 Registry 下所有 key 共享
type Config struct {
	// FailureThreshold 窗口内失败次数达到该值即熔断
	FailureThreshold int `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`

	// Window 采样窗口
	Window time.Duration `yaml:"window" env:"WINDOW"`

	// OpenDuration 熔断持续时间（Open -> HalfOpen），下限 30s
	OpenDuration time.Duration `yaml:"open_duration" env:"OPEN_DURATION"`

	// FailureRatio 可选的附加条件：失败率也须达到该值，0 关闭
	FailureRatio float64 `yaml:"failure_ratio" env:"FAILURE_RATIO"`

	// HalfOpenMaxCalls 半开状态下通过 Call 放行的最大并发试探数
	HalfOpenMaxCalls int `yaml:"half_open_max_calls" env:"HALF_OPEN_MAX_CALLS"`
}

const (
	defaultFailureThreshold = 3
	defaultWindow           = 10 * time.Second
	minOpenDuration         = 30 * time.Second
	defaultHalfOpenMaxCalls = 1
)

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		FailureThreshold: defaultFailureThreshold,
		Window:           defaultWindow,
		OpenDuration:     minOpenDuration,
		HalfOpenMaxCalls: defaultHalfOpenMaxCalls,
	}
}

// normalize 把非法配置修正为安全值，从不返回错误
func (c Config) normalize() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	if c.OpenDuration < minOpenDuration {
		c.OpenDuration = minOpenDuration
	}
	if c.FailureRatio < 0 || c.FailureRatio > 1 {
		c.FailureRatio = 0
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = defaultHalfOpenMaxCalls
	}
	return c
}
