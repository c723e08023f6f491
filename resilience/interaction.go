package resilience

import (
	"strings"
	"time"

	"github.com/BaSui01/pacegate/resilience/antidetect"
	"github.com/BaSui01/pacegate/resilience/concurrency"
	"github.com/BaSui01/pacegate/resilience/ratelimit"
)

// Interaction 一次浏览器操作的身份与类别
type Interaction struct {
	AccountID string             `json:"account_id"`
	ContextID string             `json:"context_id,omitempty"` // 为空时使用 AccountID
	Workflow  string             `json:"workflow,omitempty"`
	Category  ratelimit.Category `json:"category"`
	Kind      concurrency.Kind   `json:"kind,omitempty"` // 为空时按 Category 推导
}

func (in Interaction) normalized() Interaction {
	in.AccountID = strings.TrimSpace(in.AccountID)
	in.ContextID = strings.TrimSpace(in.ContextID)
	if in.ContextID == "" {
		in.ContextID = in.AccountID
	}
	in.Category = ratelimit.ParseCategory(string(in.Category))
	in.Kind = concurrency.ParseKind(string(in.Kind))
	if in.Kind == "" {
		in.Kind = concurrency.KindRead
		if in.Category.IsWrite() {
			in.Kind = concurrency.KindWrite
		}
	}
	return in
}

// breakerKey 写类别一律落在 RateLimiter 检查的 key 上，与 Kind 无关
func (in Interaction) breakerKey() string {
	if in.Category.IsWrite() {
		return ratelimit.BreakerKey(in.AccountID)
	}
	return in.AccountID + ":" + string(in.Kind)
}

// Outcome 操作结果，由执行方填写
type Outcome struct {
	StatusCode        int           `json:"status_code"`
	Latency           time.Duration `json:"latency"` // 为 0 时由 Gate 计时
	CaptchaChallenges int           `json:"captcha_challenges,omitempty"`
	// HumanLikeScore 0 表示未知，使用 GateConfig.DefaultHumanLikeScore
	HumanLikeScore float64 `json:"human_like_score,omitempty"`

	// Adjustment 由 Gate 填写：本次信号产生的编排决策
	Adjustment *antidetect.Adjustment `json:"adjustment,omitempty"`
}

// failureReason 判断结果是否计入熔断失败
func (o Outcome) failureReason() (string, bool) {
	switch {
	case o.StatusCode == 403:
		return "HTTP_403", true
	case o.StatusCode == 429:
		return "HTTP_429", true
	case o.CaptchaChallenges > 0:
		return "CAPTCHA", true
	case o.StatusCode >= 500:
		return "HTTP_5XX", true
	}
	return "", false
}

func (o Outcome) signal(in Interaction, defaultScore float64, at time.Time) antidetect.Signal {
	ms := float64(o.Latency) / float64(time.Millisecond)
	score := o.HumanLikeScore
	if score <= 0 {
		score = defaultScore
	}
	s := antidetect.Signal{
		ContextID:         in.ContextID,
		Workflow:          in.Workflow,
		ObservedAt:        at,
		TotalInteractions: 1,
		CaptchaChallenges: o.CaptchaChallenges,
		P95LatencyMs:      ms,
		P99LatencyMs:      ms,
		HumanLikeScore:    score,
	}
	switch o.StatusCode {
	case 403:
		s.HTTP403 = 1
	case 429:
		s.HTTP429 = 1
	}
	return s
}
