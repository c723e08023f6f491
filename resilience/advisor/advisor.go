package advisor

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/BaSui01/pacegate/resilience/antidetect"
)

// Config 节奏顾问配置
type Config struct {
	// HTTP403BaseMultiplier 每次 403 对倍率的增量为 (base - 1)
	HTTP403BaseMultiplier float64 `yaml:"http_403_base_multiplier" env:"HTTP_403_BASE_MULTIPLIER"`
	// HTTP429BaseMultiplier 每次 429 对倍率的增量为 (base - 1)
	HTTP429BaseMultiplier float64 `yaml:"http_429_base_multiplier" env:"HTTP_429_BASE_MULTIPLIER"`
	// MaxDelayMultiplier 倍率上限
	MaxDelayMultiplier float64 `yaml:"max_delay_multiplier" env:"MAX_DELAY_MULTIPLIER"`
	// DegradeHalfLifeSeconds 能量衰减半衰期（秒）
	DegradeHalfLifeSeconds float64 `yaml:"degrade_half_life_seconds" env:"DEGRADE_HALF_LIFE_SECONDS"`

	// 各档位的倍率下限，编排器的档位经 ApplyProfile 生效。
	// 默认均为 1，即不在 1+E 之上额外放大；只影响 PacedMultiplier
	ConservativeFloor float64 `yaml:"conservative_floor" env:"CONSERVATIVE_FLOOR"`
	NormalFloor       float64 `yaml:"normal_floor" env:"NORMAL_FLOOR"`
	AggressiveFloor   float64 `yaml:"aggressive_floor" env:"AGGRESSIVE_FLOOR"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		HTTP403BaseMultiplier:  2.0,
		HTTP429BaseMultiplier:  1.5,
		MaxDelayMultiplier:     8.0,
		DegradeHalfLifeSeconds: 120,
		ConservativeFloor:      1.0,
		NormalFloor:            1.0,
		AggressiveFloor:        1.0,
	}
}

func (c Config) normalize() Config {
	c.HTTP403BaseMultiplier = max(c.HTTP403BaseMultiplier, 1)
	c.HTTP429BaseMultiplier = max(c.HTTP429BaseMultiplier, 1)
	c.MaxDelayMultiplier = max(c.MaxDelayMultiplier, 1)
	if c.DegradeHalfLifeSeconds <= 0 || math.IsNaN(c.DegradeHalfLifeSeconds) {
		c.DegradeHalfLifeSeconds = 120
	}
	c.ConservativeFloor = min(max(c.ConservativeFloor, 1), c.MaxDelayMultiplier)
	c.NormalFloor = min(max(c.NormalFloor, 1), c.MaxDelayMultiplier)
	c.AggressiveFloor = min(max(c.AggressiveFloor, 1), c.MaxDelayMultiplier)
	return c
}

func (c Config) floorFor(p antidetect.PacingProfile) float64 {
	switch p {
	case antidetect.PacingConservative:
		return c.ConservativeFloor
	case antidetect.PacingAggressive:
		return c.AggressiveFloor
	default:
		return c.NormalFloor
	}
}

// point 不可变的 (能量, 时间) 对，整体替换
type point struct {
	energy float64
	at     time.Time
	floor  float64
}

// Advisor 把 403/429 转换为随时间指数衰减的延迟倍率。
// 读取时按 E(t) = E0 · 0.5^(Δt/halfLife) 计算，不需要后台定时器；
// 写入通过 CAS 替换，无锁。
type Advisor struct {
	config Config
	now    func() time.Time
	state  atomic.Pointer[point]
}

// Option 配置 Advisor
type Option func(*Advisor)

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(a *Advisor) {
		if now != nil {
			a.now = now
		}
	}
}

// New 创建节奏顾问
func New(config Config, opts ...Option) *Advisor {
	a := &Advisor{config: config.normalize(), now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	a.state.Store(&point{at: a.now(), floor: 1})
	return a
}

// Config 返回修正后的配置
func (a *Advisor) Config() Config { return a.config }

func (a *Advisor) decay(p *point, now time.Time) float64 {
	dt := now.Sub(p.at).Seconds()
	if dt <= 0 || p.energy == 0 {
		return p.energy
	}
	return p.energy * math.Pow(0.5, dt/a.config.DegradeHalfLifeSeconds)
}

func (a *Advisor) update(fn func(energy, floor float64) (float64, float64)) {
	for {
		old := a.state.Load()
		now := a.now()
		if now.Before(old.at) {
			now = old.at
		}
		energy, floor := fn(a.decay(old, now), old.floor)
		if a.state.CompareAndSwap(old, &point{energy: max(energy, 0), at: now, floor: floor}) {
			return
		}
	}
}

// Observe 记录一批 403 与 429
func (a *Advisor) Observe(http403, http429 int) {
	add := float64(max(http403, 0))*(a.config.HTTP403BaseMultiplier-1) +
		float64(max(http429, 0))*(a.config.HTTP429BaseMultiplier-1)
	if add == 0 {
		return
	}
	a.update(func(e, floor float64) (float64, float64) { return e + add, floor })
}

// Observe403 记录一次 403
func (a *Advisor) Observe403() { a.Observe(1, 0) }

// Observe429 记录一次 429
func (a *Advisor) Observe429() { a.Observe(0, 1) }

// ApplyProfile 按编排器档位设置倍率下限
func (a *Advisor) ApplyProfile(p antidetect.PacingProfile) {
	floor := a.config.floorFor(p)
	a.update(func(e, _ float64) (float64, float64) { return e, floor })
}

// Energy 当前衰减后的能量
func (a *Advisor) Energy() float64 {
	return a.decay(a.state.Load(), a.now())
}

// CurrentMultiplier = clamp(1+E, 1, MaxDelayMultiplier)
func (a *Advisor) CurrentMultiplier() float64 {
	return a.clamp(1 + a.Energy())
}

// PacedMultiplier 在 CurrentMultiplier 之上叠加当前档位的下限，
// 用于命令间停顿；令牌许可数不受下限影响
func (a *Advisor) PacedMultiplier() float64 {
	p := a.state.Load()
	return a.clamp(max(1+a.decay(p, a.now()), p.floor))
}

func (a *Advisor) clamp(m float64) float64 {
	return min(max(m, 1), a.config.MaxDelayMultiplier)
}

// MultiplierFor 忽略账号，返回全局倍率
func (a *Advisor) MultiplierFor(string) float64 {
	return a.CurrentMultiplier()
}

// Reset 清空能量与下限
func (a *Advisor) Reset() {
	a.state.Store(&point{at: a.now(), floor: 1})
}
