package circuitbreaker

import (
	"sync"
	"time"
)

type sample struct {
	at     time.Time
	failed bool
}

// entry 单个 key 的熔断状态，只由自身的锁保护
type entry struct {
	mu               sync.Mutex
	state            State
	samples          []sample
	openedAt         time.Time
	lastReason       string
	halfOpenInFlight int
}

// transition 描述一次状态变化，在锁外分发给监听器
type transition struct {
	from, to State
	reason   string
	detail   string // 原始错误文本，只进日志
}

// refreshLocked 惰性推进 Open -> HalfOpen
func (e *entry) refreshLocked(now time.Time, cfg Config) (transition, bool) {
	if e.state == StateOpen && !now.Before(e.openedAt.Add(cfg.OpenDuration)) {
		e.state = StateHalfOpen
		e.halfOpenInFlight = 0
		return transition{from: StateOpen, to: StateHalfOpen, reason: "cooldown elapsed"}, true
	}
	return transition{}, false
}

// pruneLocked 丢弃窗口外的样本
func (e *entry) pruneLocked(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(e.samples) && e.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		e.samples = append(e.samples[:0], e.samples[i:]...)
	}
}

func (e *entry) failuresLocked() int {
	n := 0
	for _, s := range e.samples {
		if s.failed {
			n++
		}
	}
	return n
}

func (e *entry) openLocked(now time.Time, reason, detail string) transition {
	from := e.state
	e.state = StateOpen
	e.openedAt = now
	e.lastReason = reason
	if detail != "" {
		e.lastReason = reason + ": " + detail
	}
	e.samples = e.samples[:0]
	e.halfOpenInFlight = 0
	return transition{from: from, to: StateOpen, reason: reason, detail: detail}
}

// record 写入一次调用结果，返回发生的状态变化（最多两次：Open->HalfOpen->X）
func (e *entry) record(now time.Time, cfg Config, failed bool, reason, detail string) []transition {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []transition
	if t, ok := e.refreshLocked(now, cfg); ok {
		out = append(out, t)
	}

	switch e.state {
	case StateClosed:
		e.samples = append(e.samples, sample{at: now, failed: failed})
		e.pruneLocked(now, cfg.Window)
		if !failed {
			return out
		}
		failures := e.failuresLocked()
		if failures < cfg.FailureThreshold {
			return out
		}
		if cfg.FailureRatio > 0 && float64(failures)/float64(len(e.samples)) < cfg.FailureRatio {
			return out
		}
		out = append(out, e.openLocked(now, reason, detail))

	case StateHalfOpen:
		if failed {
			out = append(out, e.openLocked(now, reason, detail))
		} else {
			e.state = StateClosed
			e.samples = e.samples[:0]
			e.halfOpenInFlight = 0
			e.lastReason = ""
			out = append(out, transition{from: StateHalfOpen, to: StateClosed, reason: "trial call succeeded"})
		}

	case StateOpen:
		// 冷却期内的结果不参与统计
	}
	return out
}

// view 返回当前状态与剩余熔断时间
func (e *entry) view(now time.Time, cfg Config) (State, time.Duration, []transition) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []transition
	if t, ok := e.refreshLocked(now, cfg); ok {
		out = append(out, t)
	}
	if e.state != StateOpen {
		return e.state, 0, out
	}
	return e.state, e.openedAt.Add(cfg.OpenDuration).Sub(now), out
}

// admit 半开状态下占用一个试探名额
func (e *entry) admit(now time.Time, cfg Config) (State, bool, []transition) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []transition
	if t, ok := e.refreshLocked(now, cfg); ok {
		out = append(out, t)
	}
	switch e.state {
	case StateClosed:
		return e.state, true, out
	case StateHalfOpen:
		if e.halfOpenInFlight >= cfg.HalfOpenMaxCalls {
			return e.state, false, out
		}
		e.halfOpenInFlight++
		return e.state, true, out
	default:
		return e.state, false, out
	}
}

func (e *entry) reset() transition {
	e.mu.Lock()
	defer e.mu.Unlock()
	from := e.state
	e.state = StateClosed
	e.samples = e.samples[:0]
	e.halfOpenInFlight = 0
	e.lastReason = ""
	return transition{from: from, to: StateClosed, reason: "manual reset"}
}
