package resilience

import (
	"time"

	"github.com/BaSui01/pacegate/resilience/advisor"
	"github.com/BaSui01/pacegate/resilience/antidetect"
	"github.com/BaSui01/pacegate/resilience/circuitbreaker"
	"github.com/BaSui01/pacegate/resilience/concurrency"
	"github.com/BaSui01/pacegate/resilience/ratelimit"
)

// GateConfig Gate 自身的配置
type GateConfig struct {
	// PauseDuration 编排器要求暂停时，拒绝该账号新交互的时长
	PauseDuration time.Duration `yaml:"pause_duration" env:"PAUSE_DURATION"`
	// DefaultHumanLikeScore 执行方未提供拟人分数时使用
	DefaultHumanLikeScore float64 `yaml:"default_human_like_score" env:"DEFAULT_HUMAN_LIKE_SCORE"`
}

// DefaultGateConfig 默认暂停 5 分钟
func DefaultGateConfig() GateConfig {
	return GateConfig{PauseDuration: 5 * time.Minute, DefaultHumanLikeScore: 1}
}

func (c GateConfig) normalize() GateConfig {
	if c.PauseDuration <= 0 {
		c.PauseDuration = 5 * time.Minute
	}
	if c.DefaultHumanLikeScore <= 0 || c.DefaultHumanLikeScore > 1 {
		c.DefaultHumanLikeScore = 1
	}
	return c
}

// Settings 五个组件与 Gate 的配置
type Settings struct {
	AntiDetection antidetect.Config     `yaml:"anti_detection" env:"ANTI_DETECTION"`
	Advisor       advisor.Config        `yaml:"advisor" env:"ADVISOR"`
	RateLimit     ratelimit.Config      `yaml:"rate_limit" env:"RATE_LIMIT"`
	Breaker       circuitbreaker.Config `yaml:"breaker" env:"BREAKER"`
	Governor      concurrency.Config    `yaml:"governor" env:"GOVERNOR"`
	Gate          GateConfig            `yaml:"gate" env:"GATE"`
}

// DefaultSettings 各组件默认配置
func DefaultSettings() Settings {
	return Settings{
		AntiDetection: antidetect.DefaultConfig(),
		Advisor:       advisor.DefaultConfig(),
		RateLimit:     ratelimit.DefaultConfig(),
		Breaker:       circuitbreaker.DefaultConfig(),
		Governor:      concurrency.DefaultConfig(),
		Gate:          DefaultGateConfig(),
	}
}
