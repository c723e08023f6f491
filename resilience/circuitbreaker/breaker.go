package circuitbreaker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/pacegate/internal/metrics"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// StateChangeListener 状态变更监听器
type StateChangeListener func(key string, from, to State, reason string)

// EntrySnapshot 单个 key 的诊断快照
type EntrySnapshot struct {
	Key                  string  `json:"key"`
	State                string  `json:"state"`
	RemainingOpenSeconds float64 `json:"remaining_open_seconds"`
	LastReason           string  `json:"last_reason,omitempty"`
}

// Option 配置 Registry
type Option func(*Registry)

// WithClock 注入时钟，测试用
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithMetrics 注入指标出口
func WithMetrics(sink metrics.Sink) Option {
	return func(r *Registry) {
		if sink != nil {
			r.sink = sink
		}
	}
}

// WithStateChangeListener 注册状态变更监听器
func WithStateChangeListener(l StateChangeListener) Option {
	return func(r *Registry) {
		if l != nil {
			r.listeners = append(r.listeners, l)
		}
	}
}

// Registry 按 key 隔离的熔断器集合。
// 每个 key 的状态在首次使用时惰性创建，key 之间没有共享锁。
type Registry struct {
	config    Config
	logger    *zap.Logger
	now       func() time.Time
	sink      metrics.Sink
	listeners []StateChangeListener

	entries sync.Map // key -> *entry

	openCounter       metrics.Counter
	transitionCounter metrics.Counter
}

// NewRegistry 创建熔断器注册表
func NewRegistry(config Config, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		config: config.normalize(),
		logger: logger.With(zap.String("component", "circuit_breaker")),
		now:    time.Now,
		sink:   metrics.NopSink{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.openCounter = r.sink.CreateCounter("breaker_open_total", "Number of times a breaker key tripped open")
	r.transitionCounter = r.sink.CreateCounter("breaker_transitions_total", "Breaker state transitions")
	return r
}

// Config 返回修正后的配置
func (r *Registry) Config() Config { return r.config }

func (r *Registry) entry(key string) *entry {
	if v, ok := r.entries.Load(key); ok {
		return v.(*entry)
	}
	v, _ := r.entries.LoadOrStore(key, &entry{state: StateClosed})
	return v.(*entry)
}

// RecordSuccess 记录一次成功调用
func (r *Registry) RecordSuccess(key string) {
	r.dispatch(key, r.entry(key).record(r.now(), r.config, false, "", ""))
}

// RecordFailure 记录一次失败调用。reason 会作为指标标签，必须取自有限集合。
func (r *Registry) RecordFailure(key, reason string) {
	r.recordFailure(key, reason, "")
}

// RecordError 用 DefaultClassifier 归类 err 并记录结果。
// 计入失败时返回 true；不计入的错误按成功处理。
func (r *Registry) RecordError(key string, err error) bool {
	reason, failed := DefaultClassifier(err)
	if !failed {
		r.RecordSuccess(key)
		return false
	}
	r.recordFailure(key, reason, err.Error())
	return true
}

// recordFailure detail 只写入日志与 LastReason，不进入指标标签
func (r *Registry) recordFailure(key, reason, detail string) {
	r.dispatch(key, r.entry(key).record(r.now(), r.config, true, reason, detail))
}

// IsOpen 是否处于熔断状态。半开状态返回 false，允许试探调用通过。
func (r *Registry) IsOpen(key string) bool {
	_, ok := r.RemainingOpen(key)
	return ok
}

// RemainingOpen 返回剩余熔断时间；未熔断时第二个返回值为 false
func (r *Registry) RemainingOpen(key string) (time.Duration, bool) {
	v, ok := r.entries.Load(key)
	if !ok {
		return 0, false
	}
	state, remaining, ts := v.(*entry).view(r.now(), r.config)
	r.dispatch(key, ts)
	if state != StateOpen {
		return 0, false
	}
	return remaining, true
}

// State 返回 key 的当前状态，未知 key 视为 Closed
func (r *Registry) State(key string) State {
	v, ok := r.entries.Load(key)
	if !ok {
		return StateClosed
	}
	state, _, ts := v.(*entry).view(r.now(), r.config)
	r.dispatch(key, ts)
	return state
}

// Reset 手动恢复 key
func (r *Registry) Reset(key string) {
	v, ok := r.entries.Load(key)
	if !ok {
		return
	}
	t := v.(*entry).reset()
	r.logger.Info("熔断器已重置",
		zap.String("key", key),
		zap.String("from_state", t.from.String()),
	)
	r.dispatch(key, []transition{t})
}

// Snapshot 返回全部 key 的诊断快照，按 key 排序
func (r *Registry) Snapshot() []EntrySnapshot {
	now := r.now()
	var out []EntrySnapshot
	r.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		state, remaining, _ := e.view(now, r.config)
		e.mu.Lock()
		reason := e.lastReason
		e.mu.Unlock()
		out = append(out, EntrySnapshot{
			Key:                  k.(string),
			State:                state.String(),
			RemainingOpenSeconds: remaining.Seconds(),
			LastReason:           reason,
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (r *Registry) dispatch(key string, ts []transition) {
	for _, t := range ts {
		if t.from == t.to {
			continue
		}
		switch t.to {
		case StateOpen:
			r.openCounter.Add(1, metrics.Labels{"reason": t.reason})
			r.logger.Warn("熔断器打开",
				zap.String("key", key),
				zap.String("from_state", t.from.String()),
				zap.String("reason", t.reason),
				zap.String("detail", t.detail),
				zap.Duration("open_duration", r.config.OpenDuration),
			)
		case StateHalfOpen:
			r.logger.Info("熔断器进入半开状态", zap.String("key", key))
		case StateClosed:
			r.logger.Info("熔断器恢复正常", zap.String("key", key), zap.String("from_state", t.from.String()))
		}
		r.transitionCounter.Add(1, metrics.Labels{"state": t.to.String()})
		for _, l := range r.listeners {
			l(key, t.from, t.to, t.reason)
		}
	}
}

// 错误定义
var (
	ErrCircuitOpen            = errors.New("熔断器已打开")
	ErrTooManyCallsInHalfOpen = errors.New("半开状态下调用次数过多")
)
