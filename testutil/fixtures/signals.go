// Package fixtures 提供测试用的风险信号与配置
package fixtures

import (
	"time"

	"github.com/BaSui01/pacegate/resilience/antidetect"
	"github.com/BaSui01/pacegate/resilience/ratelimit"
)

// Epoch 测试统一的起始时间
var Epoch = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

// CleanSignal 无风险信号
func CleanSignal(contextID string) antidetect.Signal {
	return antidetect.Signal{
		ContextID:         contextID,
		Workflow:          "Discovery",
		TotalInteractions: 12,
		P95LatencyMs:      800,
		P99LatencyMs:      1200,
		HumanLikeScore:    0.9,
	}
}

// ThrottledSignal 带 n 次 429 的信号
func ThrottledSignal(contextID string, n int) antidetect.Signal {
	s := CleanSignal(contextID)
	s.HTTP429 = n
	return s
}

// ForbiddenSignal 带 n 次 403 的信号
func ForbiddenSignal(contextID string, n int) antidetect.Signal {
	s := CleanSignal(contextID)
	s.HTTP403 = n
	return s
}

// CaptchaSignal 出现验证码的信号
func CaptchaSignal(contextID string) antidetect.Signal {
	s := CleanSignal(contextID)
	s.CaptchaChallenges = 1
	return s
}

// SlowSignal P95 延迟超过默认阈值的信号
func SlowSignal(contextID string) antidetect.Signal {
	s := CleanSignal(contextID)
	s.P95LatencyMs = 4000
	s.P99LatencyMs = 6000
	return s
}

// FastOrchestratorConfig 无提升间隔、窗口 6 的编排器配置
func FastOrchestratorConfig() antidetect.Config {
	cfg := antidetect.DefaultConfig()
	cfg.SlidingWindow = 6
	cfg.MinimumAdjustmentInterval = 0
	cfg.AggressiveWindowRequirement = 3
	return cfg
}

// GenerousRateLimit 所有类别容量充足，避免测试中真实等待
func GenerousRateLimit() ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	for _, c := range []ratelimit.Category{
		ratelimit.CategoryLike, ratelimit.CategoryCollect, ratelimit.CategoryComment,
		ratelimit.CategorySearch, ratelimit.CategoryFeed,
	} {
		cfg.Buckets[c] = ratelimit.BucketConfig{Capacity: 100, RefillPerSecond: 100}
	}
	cfg.DefaultBucket = ratelimit.BucketConfig{Capacity: 100, RefillPerSecond: 100}
	return cfg
}
