// Package retry 提供指数退避重试，用于状态快照落盘等尽力而为的 I/O。
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/pacegate/types"
)

// Policy 重试策略
type Policy struct {
	MaxRetries   int           `yaml:"max_retries" env:"MAX_RETRIES"`     // 最大重试次数（0 表示不重试）
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"` // 首次重试前的等待
	MaxDelay     time.Duration `yaml:"max_delay" env:"MAX_DELAY"`         // 单次等待上限
	Multiplier   float64       `yaml:"multiplier" env:"MULTIPLIER"`       // 指数因子
	Jitter       bool          `yaml:"jitter" env:"JITTER"`               // ±25% 抖动

	// Retryable 判断错误是否值得重试，为空时使用 DefaultRetryable
	Retryable func(error) bool `yaml:"-"`
	// OnRetry 每次重试前回调
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-"`
}

// DefaultPolicy 快照写入的默认策略：3 次，200ms 起步
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func (p Policy) normalize() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 200 * time.Millisecond
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	if p.Retryable == nil {
		p.Retryable = DefaultRetryable
	}
	return p
}

// DefaultRetryable context 错误不重试；结构化错误遵循其 Retryable 标记；其余错误都重试
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if _, ok := types.AsError(err); ok {
		return types.IsRetryable(err)
	}
	return true
}

// Retryer 指数退避重试器
type Retryer struct {
	policy Policy
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New 创建重试器
func New(policy Policy, logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retryer{policy: policy.normalize(), logger: logger, sleep: sleepCtx}
}

// Policy 返回修正后的策略
func (r *Retryer) Policy() Policy { return r.policy }

// Do 执行 fn，失败时按策略重试
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do 执行 fn 并返回结果
func Do[T any](ctx context.Context, r *Retryer, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.delay(attempt)
			r.logger.Debug("重试中",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}
			if err := r.sleep(ctx, delay); err != nil {
				return zero, fmt.Errorf("重试被取消: %w", err)
			}
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				r.logger.Debug("重试成功", zap.Int("attempt", attempt))
			}
			return result, nil
		}
		lastErr = err
		if !r.policy.Retryable(err) {
			return zero, err
		}
	}

	r.logger.Warn("重试次数耗尽",
		zap.Int("attempts", r.policy.MaxRetries+1),
		zap.Error(lastErr),
	)
	return zero, fmt.Errorf("重试 %d 次后仍失败: %w", r.policy.MaxRetries, lastErr)
}

// delay = initial * multiplier^(attempt-1)，上限 MaxDelay，可选抖动
func (r *Retryer) delay(attempt int) time.Duration {
	d := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	if d > float64(r.policy.MaxDelay) {
		d = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter {
		d += (rand.Float64()*2 - 1) * d * 0.25
	}
	if d < float64(r.policy.InitialDelay) {
		d = float64(r.policy.InitialDelay)
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
