package advisor

import (
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/pacegate/internal/metrics"
	"github.com/BaSui01/pacegate/resilience/antidetect"
)

// Set 每个账号一个 Advisor，首次使用时创建
type Set struct {
	config   Config
	now      func() time.Time
	advisors sync.Map // accountID -> *Advisor

	observations metrics.Counter
	multipliers  metrics.Histogram
}

// SetOption 配置 Set
type SetOption func(*Set)

// WithSetClock 注入时钟，传递给每个 Advisor
func WithSetClock(now func() time.Time) SetOption {
	return func(s *Set) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics 注入指标出口
func WithMetrics(sink metrics.Sink) SetOption {
	return func(s *Set) {
		if sink != nil {
			s.observations = sink.CreateCounter("advisor_observations_total", "403/429 responses fed into the pacing advisor")
			s.multipliers = sink.CreateHistogram("advisor_multiplier", "Delay multiplier after each observation")
		}
	}
}

// NewSet 创建账号级顾问集合
func NewSet(config Config, opts ...SetOption) *Set {
	nop := metrics.NopSink{}
	s := &Set{
		config:       config.normalize(),
		now:          time.Now,
		observations: nop.CreateCounter("", ""),
		multipliers:  nop.CreateHistogram("", ""),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// For 返回账号的 Advisor
func (s *Set) For(accountID string) *Advisor {
	if v, ok := s.advisors.Load(accountID); ok {
		return v.(*Advisor)
	}
	v, _ := s.advisors.LoadOrStore(accountID, New(s.config, WithClock(s.now)))
	return v.(*Advisor)
}

// Observe 记录账号的一批 403 与 429
func (s *Set) Observe(accountID string, http403, http429 int) {
	if http403 <= 0 && http429 <= 0 {
		return
	}
	a := s.For(accountID)
	a.Observe(http403, http429)
	if http403 > 0 {
		s.observations.Add(float64(http403), metrics.Labels{"status": "403"})
	}
	if http429 > 0 {
		s.observations.Add(float64(http429), metrics.Labels{"status": "429"})
	}
	s.multipliers.Record(a.CurrentMultiplier(), nil)
}

// ApplyProfile 把编排器档位传给账号的 Advisor
func (s *Set) ApplyProfile(accountID string, p antidetect.PacingProfile) {
	s.For(accountID).ApplyProfile(p)
}

// MultiplierFor 账号当前倍率；未知账号为 1
func (s *Set) MultiplierFor(accountID string) float64 {
	if v, ok := s.advisors.Load(accountID); ok {
		return v.(*Advisor).CurrentMultiplier()
	}
	return 1
}

// PacedMultiplierFor 账号的停顿倍率（含档位下限）；未知账号为 1
func (s *Set) PacedMultiplierFor(accountID string) float64 {
	if v, ok := s.advisors.Load(accountID); ok {
		return v.(*Advisor).PacedMultiplier()
	}
	return 1
}

// AccountMultiplier 诊断快照
type AccountMultiplier struct {
	AccountID  string  `json:"account_id"`
	Multiplier float64 `json:"multiplier"`
	Energy     float64 `json:"energy"`
}

// Snapshot 所有账号的当前倍率，按账号排序
func (s *Set) Snapshot() []AccountMultiplier {
	var out []AccountMultiplier
	s.advisors.Range(func(k, v any) bool {
		a := v.(*Advisor)
		out = append(out, AccountMultiplier{AccountID: k.(string), Multiplier: a.CurrentMultiplier(), Energy: a.Energy()})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}
