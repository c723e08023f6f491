package concurrency

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/pacegate/internal/metrics"
)

// Kind 操作类别
type Kind string

const (
	KindWrite Kind = "write"
	KindRead  Kind = "read"
)

// ParseKind 大小写不敏感；无法识别时返回空串，由调用方推导
func ParseKind(s string) Kind {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindWrite, KindRead:
		return k
	default:
		return ""
	}
}

// ErrNoSlot TryAcquire 时没有空闲名额
var ErrNoSlot = errors.New("concurrency: no free slot")

// Config 每账号并发上限
type Config struct {
	PerAccountWriteConcurrency int `yaml:"per_account_write_concurrency" env:"PER_ACCOUNT_WRITE_CONCURRENCY"`
	PerAccountReadConcurrency  int `yaml:"per_account_read_concurrency" env:"PER_ACCOUNT_READ_CONCURRENCY"`
}

// DefaultConfig 写 1、读 2
func DefaultConfig() Config {
	return Config{PerAccountWriteConcurrency: 1, PerAccountReadConcurrency: 2}
}

func (c Config) capacity(kind Kind) int64 {
	n := c.PerAccountReadConcurrency
	if kind == KindWrite {
		n = c.PerAccountWriteConcurrency
	}
	if n < 1 {
		return 1
	}
	return int64(n)
}

type slot struct {
	sem      *semaphore.Weighted
	capacity int64
	inFlight atomic.Int64
}

// SlotSnapshot 单个 (account, kind) 的诊断信息
type SlotSnapshot struct {
	Key      string `json:"key"`
	Capacity int64  `json:"capacity"`
	InFlight int64  `json:"in_flight"`
}

// Governor 按 (account, kind) 限制同时在途的操作数
type Governor struct {
	config Config
	logger *zap.Logger
	slots  sync.Map // "account:kind" -> *slot

	waitHist metrics.Histogram
}

// Option 配置 Governor
type Option func(*governorOptions)

type governorOptions struct {
	sink metrics.Sink
}

// WithMetrics 注入指标出口
func WithMetrics(sink metrics.Sink) Option {
	return func(o *governorOptions) {
		if sink != nil {
			o.sink = sink
		}
	}
}

// NewGovernor 创建并发控制器，非正数容量被修正为 1
func NewGovernor(config Config, logger *zap.Logger, opts ...Option) *Governor {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := governorOptions{sink: metrics.NopSink{}}
	for _, opt := range opts {
		opt(&o)
	}
	if config.PerAccountWriteConcurrency < 1 {
		logger.Warn("写并发配置非法，已修正为 1", zap.Int("configured", config.PerAccountWriteConcurrency))
		config.PerAccountWriteConcurrency = 1
	}
	if config.PerAccountReadConcurrency < 1 {
		logger.Warn("读并发配置非法，已修正为 1", zap.Int("configured", config.PerAccountReadConcurrency))
		config.PerAccountReadConcurrency = 1
	}
	return &Governor{
		config:   config,
		logger:   logger.With(zap.String("component", "concurrency_governor")),
		waitHist: o.sink.CreateHistogram("governor_wait_seconds", "Time spent waiting for a concurrency slot"),
	}
}

func slotKey(kind Kind, resourceKey string) string {
	return resourceKey + ":" + string(kind)
}

func (g *Governor) slot(kind Kind, resourceKey string) *slot {
	key := slotKey(kind, resourceKey)
	if v, ok := g.slots.Load(key); ok {
		return v.(*slot)
	}
	c := g.config.capacity(kind)
	v, _ := g.slots.LoadOrStore(key, &slot{sem: semaphore.NewWeighted(c), capacity: c})
	return v.(*slot)
}

// Acquire 阻塞直到获得名额或 ctx 取消。取消时不占用任何名额。
func (g *Governor) Acquire(ctx context.Context, kind Kind, resourceKey string) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := g.slot(kind, resourceKey)
	start := time.Now()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		g.logger.Debug("等待并发名额被取消",
			zap.String("key", slotKey(kind, resourceKey)),
			zap.Error(err),
		)
		return nil, err
	}
	g.waitHist.Record(time.Since(start).Seconds(), metrics.Labels{"kind": string(kind)})
	return newLease(s, kind, resourceKey), nil
}

// TryAcquire 非阻塞获取，没有名额时返回 ErrNoSlot
func (g *Governor) TryAcquire(kind Kind, resourceKey string) (*Lease, error) {
	s := g.slot(kind, resourceKey)
	if !s.sem.TryAcquire(1) {
		return nil, ErrNoSlot
	}
	return newLease(s, kind, resourceKey), nil
}

// Snapshot 返回所有已创建名额的在途数量
func (g *Governor) Snapshot() []SlotSnapshot {
	var out []SlotSnapshot
	g.slots.Range(func(k, v any) bool {
		s := v.(*slot)
		out = append(out, SlotSnapshot{Key: k.(string), Capacity: s.capacity, InFlight: s.inFlight.Load()})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
