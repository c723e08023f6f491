package antidetect

import (
	"fmt"
	"strings"
	"time"
)

// PacingProfile 节奏档位，按激进程度递增：Conservative < Normal < Aggressive
type PacingProfile int

const (
	PacingConservative PacingProfile = iota
	PacingNormal
	PacingAggressive
)

func (p PacingProfile) String() string {
	switch p {
	case PacingConservative:
		return "Conservative"
	case PacingNormal:
		return "Normal"
	case PacingAggressive:
		return "Aggressive"
	default:
		return "Unknown"
	}
}

// ParsePacingProfile 解析档位名，大小写不敏感
func ParsePacingProfile(s string) (PacingProfile, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "conservative":
		return PacingConservative, nil
	case "normal":
		return PacingNormal, nil
	case "aggressive":
		return PacingAggressive, nil
	default:
		return PacingNormal, fmt.Errorf("unknown pacing profile %q", s)
	}
}

// MarshalText 以名称序列化
func (p PacingProfile) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText 从名称反序列化
func (p *PacingProfile) UnmarshalText(b []byte) error {
	v, err := ParsePacingProfile(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// promote 提升一级，已是最高档时不变
func (p PacingProfile) promote() PacingProfile {
	if p >= PacingAggressive {
		return PacingAggressive
	}
	return p + 1
}

// Signal 一个观察窗口内的交互风险信号，创建后不可变
type Signal struct {
	ContextID         string    `json:"context_id"`
	Workflow          string    `json:"workflow,omitempty"`
	ObservedAt        time.Time `json:"observed_at"`
	TotalInteractions int       `json:"total_interactions"`
	HTTP429           int       `json:"http_429"`
	HTTP403           int       `json:"http_403"`
	CaptchaChallenges int       `json:"captcha_challenges"`
	P95LatencyMs      float64   `json:"p95_latency_ms"`
	P99LatencyMs      float64   `json:"p99_latency_ms"`
	HumanLikeScore    float64   `json:"human_like_score"`
}

// normalized 修正越界字段：计数不为负，分数截断到 [0,1]
func (s Signal) normalized(now time.Time) Signal {
	s.ContextID = strings.TrimSpace(s.ContextID)
	if s.ObservedAt.IsZero() {
		s.ObservedAt = now
	}
	s.TotalInteractions = max(s.TotalInteractions, 0)
	s.HTTP429 = max(s.HTTP429, 0)
	s.HTTP403 = max(s.HTTP403, 0)
	s.CaptchaChallenges = max(s.CaptchaChallenges, 0)
	s.P95LatencyMs = max(s.P95LatencyMs, 0)
	s.P99LatencyMs = max(s.P99LatencyMs, 0)
	s.HumanLikeScore = min(max(s.HumanLikeScore, 0), 1)
	return s
}

// Adjustment 编排器的一次决策，创建后不可变
type Adjustment struct {
	ID                   string        `json:"id"`
	ContextID            string        `json:"context_id"`
	PacingProfile        PacingProfile `json:"pacing_profile"`
	EnableNavigatorPatch bool          `json:"enable_navigator_patch"`
	PauseInteractions    bool          `json:"pause_interactions"`
	Reason               string        `json:"reason"`
	DecidedAt            time.Time     `json:"decided_at"`
	// Transition 是否为真实状态变化；镜像决策为 false 且不进入历史
	Transition bool `json:"transition"`
}

// State 单个上下文的不可变快照
type State struct {
	ContextID                 string        `json:"context_id"`
	Signals                   []Signal      `json:"signals"`
	CurrentPacing             PacingProfile `json:"current_pacing"`
	NavigatorPatchEnabled     bool          `json:"navigator_patch_enabled"`
	LastAdjustmentAt          time.Time     `json:"last_adjustment_at"`
	ConsecutiveHealthyWindows int           `json:"consecutive_healthy_windows"`
	ConsecutiveRiskyWindows   int           `json:"consecutive_risky_windows"`
	Adjustments               []Adjustment  `json:"adjustments"`
}
