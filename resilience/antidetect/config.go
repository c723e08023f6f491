package antidetect

import "time"

// Config 编排器配置
type Config struct {
	// SlidingWindow 每个上下文保留的最近信号数
	SlidingWindow int `yaml:"sliding_window" env:"SLIDING_WINDOW"`

	// MinimumAdjustmentInterval 两次提升之间的最短间隔；降级不受限
	MinimumAdjustmentInterval time.Duration `yaml:"minimum_adjustment_interval" env:"MINIMUM_ADJUSTMENT_INTERVAL"`

	// AggressiveWindowRequirement 提升前需要的连续无风险信号数
	AggressiveWindowRequirement int `yaml:"aggressive_window_requirement" env:"AGGRESSIVE_WINDOW_REQUIREMENT"`

	// RiskyLatencyMsThreshold P95 延迟超过该值视为风险
	RiskyLatencyMsThreshold float64 `yaml:"risky_latency_ms_threshold" env:"RISKY_LATENCY_MS_THRESHOLD"`

	// MinHumanLikeScore 拟人分数低于该值视为风险
	MinHumanLikeScore float64 `yaml:"min_human_like_score" env:"MIN_HUMAN_LIKE_SCORE"`

	// HistoryLimit 每个上下文保留的决策历史条数
	HistoryLimit int `yaml:"history_limit" env:"HISTORY_LIMIT"`

	// PauseAfterRiskyWindows 连续多少个风险信号后要求暂停交互，0 表示关闭
	PauseAfterRiskyWindows int `yaml:"pause_after_risky_windows" env:"PAUSE_AFTER_RISKY_WINDOWS"`

	// StepwisePromotion 为 true 时每次只提升一级，否则直接提升到 Aggressive
	StepwisePromotion bool `yaml:"stepwise_promotion" env:"STEPWISE_PROMOTION"`

	// InitialPacing 新上下文的初始档位
	InitialPacing PacingProfile `yaml:"initial_pacing" env:"INITIAL_PACING"`

	// PersistPrefix 快照路径前缀，空字符串表示不持久化
	PersistPrefix string `yaml:"persist_prefix" env:"PERSIST_PREFIX"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		SlidingWindow:               6,
		MinimumAdjustmentInterval:   2 * time.Minute,
		AggressiveWindowRequirement: 3,
		RiskyLatencyMsThreshold:     2500,
		MinHumanLikeScore:           0.6,
		HistoryLimit:                50,
		InitialPacing:               PacingNormal,
		PersistPrefix:               "antidetect",
	}
}

// normalize 非法阈值修正为安全下限，从不报错
func (c Config) normalize() Config {
	c.SlidingWindow = max(c.SlidingWindow, 1)
	c.AggressiveWindowRequirement = max(c.AggressiveWindowRequirement, 1)
	c.MinimumAdjustmentInterval = max(c.MinimumAdjustmentInterval, 0)
	if c.RiskyLatencyMsThreshold <= 0 {
		c.RiskyLatencyMsThreshold = 2500
	}
	c.MinHumanLikeScore = min(max(c.MinHumanLikeScore, 0), 1)
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	c.PauseAfterRiskyWindows = max(c.PauseAfterRiskyWindows, 0)
	if c.InitialPacing < PacingConservative || c.InitialPacing > PacingAggressive {
		c.InitialPacing = PacingNormal
	}
	return c
}
