package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/pacegate/internal/metrics"
)

// MultiplierSource 提供账号当前的延迟倍率
type MultiplierSource interface {
	MultiplierFor(accountID string) float64
}

// MultiplierFunc 函数适配器
type MultiplierFunc func(accountID string) float64

func (f MultiplierFunc) MultiplierFor(accountID string) float64 { return f(accountID) }

// BreakerView 只读的熔断状态；剩余时间与是否熔断
type BreakerView interface {
	RemainingOpen(key string) (time.Duration, bool)
}

type bucket struct {
	accountID string
	category  Category
	capacity  int
	refill    float64
	lim       *rate.Limiter
	lastUsed  atomic.Int64 // unix nano

	// mu 串行化预约与清理；retired 的桶已从表中移除，不能再预约
	mu      sync.Mutex
	retired bool
}

func (b *bucket) touch(now time.Time) { b.lastUsed.Store(now.UnixNano()) }

// Limiter 按 (account, category) 的令牌桶准入控制。
// 令牌消耗按倍率放大；写类请求先检查账号的写熔断器。
type Limiter struct {
	config  Config
	logger  *zap.Logger
	now     func() time.Time
	breaker BreakerView
	source  MultiplierSource

	buckets sync.Map // "account:category" -> *bucket

	admissions metrics.Counter
	permits    metrics.Counter
	waitHist   metrics.Histogram
}

// Option 配置 Limiter
type Option func(*Limiter)

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithBreaker 写类请求检查的熔断器
func WithBreaker(b BreakerView) Option {
	return func(l *Limiter) { l.breaker = b }
}

// WithMultiplierSource 倍率来源，缺省为 1
func WithMultiplierSource(s MultiplierSource) Option {
	return func(l *Limiter) { l.source = s }
}

// WithMetrics 注入指标出口
func WithMetrics(sink metrics.Sink) Option {
	return func(l *Limiter) {
		if sink == nil {
			return
		}
		l.admissions = sink.CreateCounter("ratelimit_admissions_total", "Rate limiter admission decisions")
		l.permits = sink.CreateCounter("ratelimit_permits_total", "Permits acquired from token buckets")
		l.waitHist = sink.CreateHistogram("ratelimit_wait_seconds", "Time spent waiting for tokens")
	}
}

// NewLimiter 创建限流器
func NewLimiter(config Config, logger *zap.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	nop := metrics.NopSink{}
	l := &Limiter{
		config:     config.normalize(),
		logger:     logger.With(zap.String("component", "rate_limiter")),
		now:        time.Now,
		admissions: nop.CreateCounter("", ""),
		permits:    nop.CreateCounter("", ""),
		waitHist:   nop.CreateHistogram("", ""),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config 返回修正后的配置
func (l *Limiter) Config() Config { return l.config }

func bucketKey(accountID string, c Category) string {
	return accountID + ":" + string(c)
}

func (l *Limiter) bucket(c Category, accountID string) *bucket {
	key := bucketKey(accountID, c)
	if v, ok := l.buckets.Load(key); ok {
		return v.(*bucket)
	}
	cfg := l.config.bucketFor(c)
	b := &bucket{
		accountID: accountID,
		category:  c,
		capacity:  cfg.Capacity,
		refill:    cfg.RefillPerSecond,
		lim:       rate.NewLimiter(rate.Limit(cfg.RefillPerSecond), cfg.Capacity),
	}
	b.touch(l.now())
	v, _ := l.buckets.LoadOrStore(key, b)
	return v.(*bucket)
}

func (l *Limiter) multiplier(accountID string) float64 {
	if l.source == nil {
		return 1
	}
	return l.source.MultiplierFor(accountID)
}

// Acquire 等待直到获得令牌、被拒绝或 ctx 取消。
// 写类请求在熔断期间立即拒绝，不进入排队；同一个桶的等待者按预约顺序放行。
// 取消时撤销预约，令牌归还给桶。
func (l *Limiter) Acquire(ctx context.Context, category Category, accountID string) Admission {
	return l.acquire(ctx, category, accountID, true)
}

// TryAcquire 不等待：令牌不足时立即返回 RATE_EXHAUSTED 及预计等待时间
func (l *Limiter) TryAcquire(category Category, accountID string) Admission {
	return l.acquire(context.Background(), category, accountID, false)
}

func (l *Limiter) acquire(ctx context.Context, category Category, accountID string, wait bool) Admission {
	category = ParseCategory(string(category))
	a := l.decide(ctx, category, accountID, wait)
	l.observe(category, a)
	return a
}

func (l *Limiter) decide(ctx context.Context, category Category, accountID string, wait bool) Admission {
	if err := ctx.Err(); err != nil {
		return errored(err)
	}
	if category.IsWrite() && l.breaker != nil {
		if remaining, open := l.breaker.RemainingOpen(BreakerKey(accountID)); open {
			return rejected(ReasonBreakerOpen, remaining)
		}
	}

	b, n, r, now := l.reserve(category, accountID)
	if !r.OK() {
		return errored(fmt.Errorf("ratelimit: %d permits exceed bucket %s capacity %d", n, bucketKey(accountID, category), b.capacity))
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return admitted(n, 0)
	}
	if !wait || (l.config.MaxWait > 0 && delay > l.config.MaxWait) {
		r.CancelAt(now)
		return rejected(ReasonRateExhausted, delay)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		b.touch(l.now())
		return admitted(n, delay)
	case <-ctx.Done():
		r.CancelAt(l.now())
		l.logger.Debug("等待令牌时取消，已撤销预约",
			zap.String("account_id", accountID),
			zap.String("category", string(category)),
			zap.Int("permits", n))
		return errored(ctx.Err())
	}
}

// reserve 在未被清理的桶上预约令牌；桶恰好被 Sweep 移除时改用新桶
func (l *Limiter) reserve(category Category, accountID string) (*bucket, int, *rate.Reservation, time.Time) {
	for {
		b := l.bucket(category, accountID)
		b.mu.Lock()
		if b.retired {
			b.mu.Unlock()
			continue
		}
		n := permitsFor(category, l.multiplier(accountID), b.capacity)
		now := l.now()
		b.touch(now)
		r := b.lim.ReserveN(now, n)
		b.mu.Unlock()
		return b, n, r, now
	}
}

func (l *Limiter) observe(c Category, a Admission) {
	label := c.metricLabel()
	outcome := a.Decision.String()
	if a.Decision == Rejected {
		outcome = string(a.Reason)
	}
	l.admissions.Add(1, metrics.Labels{"category": label, "outcome": outcome})
	if a.Admitted() {
		l.permits.Add(float64(a.Permits), metrics.Labels{"category": label})
		l.waitHist.Record(a.Waited.Seconds(), metrics.Labels{"category": label})
	}
}

// BucketSnapshot 单个桶的诊断信息
type BucketSnapshot struct {
	Key             string  `json:"key"`
	AccountID       string  `json:"account_id"`
	Category        string  `json:"category"`
	Capacity        int     `json:"capacity"`
	RefillPerSecond float64 `json:"refill_per_second"`
	Available       float64 `json:"available"`
	IdleSeconds     float64 `json:"idle_seconds"`
}

// Snapshot 所有桶当前可用令牌，按 key 排序。
// Available 可能为负，表示已有等待者预约了未来的令牌。
func (l *Limiter) Snapshot() []BucketSnapshot {
	now := l.now()
	var out []BucketSnapshot
	l.buckets.Range(func(k, v any) bool {
		b := v.(*bucket)
		out = append(out, BucketSnapshot{
			Key:             k.(string),
			AccountID:       b.accountID,
			Category:        string(b.category),
			Capacity:        b.capacity,
			RefillPerSecond: b.refill,
			Available:       b.lim.TokensAt(now),
			IdleSeconds:     now.Sub(time.Unix(0, b.lastUsed.Load())).Seconds(),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Sweep 删除空闲超过 idle 且令牌已满的桶，返回删除数量。
// 满桶删除后重建的效果与原桶一致。
func (l *Limiter) Sweep(idle time.Duration) int {
	now := l.now()
	removed := 0
	l.buckets.Range(func(k, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.retired || now.Sub(time.Unix(0, b.lastUsed.Load())) < idle {
			return true
		}
		if b.lim.TokensAt(now) < float64(b.capacity) {
			return true
		}
		if l.buckets.CompareAndDelete(k, v) {
			b.retired = true
			removed++
		}
		return true
	})
	if removed > 0 {
		l.logger.Debug("清理空闲令牌桶", zap.Int("removed", removed))
	}
	return removed
}

// StartJanitor 按 SweepInterval 周期清理空闲桶，ctx 结束时退出；SweepInterval 为 0 时不启动
func (l *Limiter) StartJanitor(ctx context.Context) {
	interval := l.config.SweepInterval
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Sweep(l.config.IdleTTL)
			}
		}
	}()
}
