package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/pacegate/internal/metrics"
	"github.com/BaSui01/pacegate/internal/pool"
	"github.com/BaSui01/pacegate/persistence"
	"github.com/BaSui01/pacegate/resilience/advisor"
	"github.com/BaSui01/pacegate/resilience/antidetect"
	"github.com/BaSui01/pacegate/resilience/circuitbreaker"
	"github.com/BaSui01/pacegate/resilience/concurrency"
	"github.com/BaSui01/pacegate/resilience/ratelimit"
	"github.com/BaSui01/pacegate/types"
)

const instrumentationName = "github.com/BaSui01/pacegate/resilience"

// Gate 按固定顺序编排五个组件：
// 并发租约 → 令牌准入 → 执行 → 熔断记录 → 风险信号 → 决策回写顾问。
// 组件之间没有跨组件锁，只靠这里的调用顺序协作。
type Gate struct {
	config GateConfig
	logger *zap.Logger
	now    func() time.Time
	tracer trace.Tracer

	governor     *concurrency.Governor
	limiter      *ratelimit.Limiter
	breaker      *circuitbreaker.Registry
	orchestrator *antidetect.Orchestrator
	advisors     *advisor.Set

	paused sync.Map // accountID -> time.Time

	bgMu   sync.Mutex
	stopBg context.CancelFunc

	interactions metrics.Counter
}

// Option 配置 Gate 及其组件
type Option func(*options)

type options struct {
	now   func() time.Time
	sink  metrics.Sink
	store persistence.Store
	pool  *pool.GoroutinePool
	tp    trace.TracerProvider
}

// WithClock 注入时钟，传递给所有组件
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMetrics 注入指标出口，传递给所有组件
func WithMetrics(sink metrics.Sink) Option {
	return func(o *options) {
		if sink != nil {
			o.sink = sink
		}
	}
}

// WithStore 编排器审计快照的存储
func WithStore(store persistence.Store) Option {
	return func(o *options) { o.store = store }
}

// WithPool 快照写入使用的协程池
func WithPool(p *pool.GoroutinePool) Option {
	return func(o *options) { o.pool = p }
}

// WithTracerProvider 默认使用全局 TracerProvider
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tp = tp }
}

// New 在组合根创建全部组件并连接：限流器读取顾问倍率与写熔断器
func New(settings Settings, logger *zap.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{now: time.Now, sink: metrics.NopSink{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tp == nil {
		o.tp = otel.GetTracerProvider()
	}

	breaker := circuitbreaker.NewRegistry(settings.Breaker, logger,
		circuitbreaker.WithClock(o.now), circuitbreaker.WithMetrics(o.sink))
	advisors := advisor.NewSet(settings.Advisor,
		advisor.WithSetClock(o.now), advisor.WithMetrics(o.sink))
	limiter := ratelimit.NewLimiter(settings.RateLimit, logger,
		ratelimit.WithClock(o.now),
		ratelimit.WithMetrics(o.sink),
		ratelimit.WithBreaker(breaker),
		ratelimit.WithMultiplierSource(advisors))
	governor := concurrency.NewGovernor(settings.Governor, logger, concurrency.WithMetrics(o.sink))

	orcOpts := []antidetect.Option{antidetect.WithClock(o.now), antidetect.WithMetrics(o.sink)}
	if o.store != nil {
		orcOpts = append(orcOpts, antidetect.WithStore(o.store))
	}
	if o.pool != nil {
		orcOpts = append(orcOpts, antidetect.WithPool(o.pool))
	}
	orchestrator := antidetect.NewOrchestrator(settings.AntiDetection, logger, orcOpts...)

	return &Gate{
		config:       settings.Gate.normalize(),
		logger:       logger.With(zap.String("component", "gate")),
		now:          o.now,
		tracer:       o.tp.Tracer(instrumentationName),
		governor:     governor,
		limiter:      limiter,
		breaker:      breaker,
		orchestrator: orchestrator,
		advisors:     advisors,
		interactions: o.sink.CreateCounter("gate_interactions_total", "Interactions handled by the gate, by outcome"),
	}
}

func (g *Gate) Governor() *concurrency.Governor        { return g.governor }
func (g *Gate) Limiter() *ratelimit.Limiter            { return g.limiter }
func (g *Gate) Breaker() *circuitbreaker.Registry      { return g.breaker }
func (g *Gate) Orchestrator() *antidetect.Orchestrator { return g.orchestrator }
func (g *Gate) Advisors() *advisor.Set                 { return g.advisors }

// Do 在全部准入检查通过后执行 fn，并把结果反馈给熔断器、编排器与顾问。
//
// 准入被拒时返回 *types.Error（BREAKER_OPEN、RATE_EXHAUSTED、INTERACTIONS_PAUSED），
// 携带 RetryAfter；取消时返回 ctx 的错误且不记录任何反馈。
// fn 返回的错误原样返回，同时计入熔断失败。
func (g *Gate) Do(ctx context.Context, in Interaction, fn func(context.Context) (Outcome, error)) (Outcome, error) {
	in = in.normalized()
	if in.AccountID == "" {
		return Outcome{}, types.NewError(types.ErrInvalidRequest, "interaction account id is empty")
	}

	// fn 内的浏览器实现可以从 ctx 取到账号与工作流
	ctx = types.WithAccountID(types.WithWorkflow(ctx, in.Workflow), in.AccountID)
	ctx, span := g.tracer.Start(ctx, "pacegate.interaction",
		trace.WithAttributes(
			attribute.String("pacegate.account_id", in.AccountID),
			attribute.String("pacegate.category", string(in.Category)),
			attribute.String("pacegate.kind", string(in.Kind)),
		))
	defer span.End()

	out, outcome, err := g.do(ctx, in, fn)
	g.interactions.Add(1, metrics.Labels{"outcome": outcome, "kind": string(in.Kind)})
	span.SetAttributes(attribute.String("pacegate.outcome", outcome))
	if out.StatusCode != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", out.StatusCode))
	}
	if out.Adjustment != nil {
		span.SetAttributes(attribute.String("pacegate.pacing", out.Adjustment.PacingProfile.String()))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	return out, err
}

func (g *Gate) do(ctx context.Context, in Interaction, fn func(context.Context) (Outcome, error)) (Outcome, string, error) {
	if remaining, ok := g.PausedFor(in.AccountID); ok {
		return Outcome{}, "paused", types.NewError(types.ErrInteractionsPaused, "interactions paused after repeated risk signals").
			WithHTTPStatus(429).WithRetryAfter(remaining).WithAccount(in.AccountID)
	}

	lease, err := g.governor.Acquire(ctx, in.Kind, in.AccountID)
	if err != nil {
		return Outcome{}, "cancelled", err
	}
	defer lease.Release()

	adm := g.limiter.Acquire(ctx, in.Category, in.AccountID)
	if !adm.Admitted() {
		err := adm.AsError()
		if e, ok := types.AsError(err); ok {
			e.WithAccount(in.AccountID)
		}
		if adm.Decision == ratelimit.Errored {
			return Outcome{}, "cancelled", err
		}
		return Outcome{}, string(adm.Reason), err
	}

	start := g.now()
	out, runErr := fn(ctx)
	if runErr != nil && ctx.Err() != nil && errors.Is(runErr, ctx.Err()) {
		return out, "cancelled", runErr
	}
	if out.Latency <= 0 {
		out.Latency = g.now().Sub(start)
	}

	outcome := "success"
	if reason, failed := out.failureReason(); failed {
		outcome = "failure"
		g.breaker.RecordFailure(in.breakerKey(), reason)
	} else if runErr != nil {
		if g.breaker.RecordError(in.breakerKey(), runErr) {
			outcome = "failure"
		}
	} else {
		g.breaker.RecordSuccess(in.breakerKey())
	}

	if adj, ok := g.feedback(ctx, in, out); ok {
		out.Adjustment = &adj
	}
	return out, outcome, runErr
}

// feedback 信号写入编排器，决策回写到账号的顾问；fn 已执行，不再受调用方取消影响
func (g *Gate) feedback(ctx context.Context, in Interaction, out Outcome) (antidetect.Adjustment, bool) {
	sig := out.signal(in, g.config.DefaultHumanLikeScore, g.now())
	adj, err := g.orchestrator.Record(context.WithoutCancel(ctx), sig)
	if err != nil {
		g.logger.Warn("风险信号记录失败",
			zap.String("account_id", in.AccountID),
			zap.String("context_id", in.ContextID),
			zap.Error(err))
		return antidetect.Adjustment{}, false
	}

	g.advisors.Observe(in.AccountID, sig.HTTP403, sig.HTTP429)
	g.advisors.ApplyProfile(in.AccountID, adj.PacingProfile)

	if adj.PauseInteractions {
		until := g.now().Add(g.config.PauseDuration)
		g.paused.Store(in.AccountID, until)
		g.logger.Warn("连续风险窗口，暂停账号交互",
			zap.String("account_id", in.AccountID),
			zap.Duration("pause", g.config.PauseDuration),
			zap.String("reason", adj.Reason))
	}
	return adj, true
}

// PausedFor 账号剩余暂停时间
func (g *Gate) PausedFor(accountID string) (time.Duration, bool) {
	v, ok := g.paused.Load(accountID)
	if !ok {
		return 0, false
	}
	remaining := v.(time.Time).Sub(g.now())
	if remaining <= 0 {
		g.paused.CompareAndDelete(accountID, v)
		return 0, false
	}
	return remaining, true
}

// PausedAccount 诊断用的暂停记录
type PausedAccount struct {
	AccountID        string  `json:"account_id"`
	RemainingSeconds float64 `json:"remaining_seconds"`
}

// Paused 当前仍在暂停中的账号，按账号排序
func (g *Gate) Paused() []PausedAccount {
	var out []PausedAccount
	g.paused.Range(func(k, _ any) bool {
		if remaining, ok := g.PausedFor(k.(string)); ok {
			out = append(out, PausedAccount{AccountID: k.(string), RemainingSeconds: remaining.Seconds()})
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Resume 提前解除账号暂停
func (g *Gate) Resume(accountID string) {
	g.paused.Delete(accountID)
}

// Close 等待未完成的快照写入
func (g *Gate) Close(ctx context.Context) error {
	g.bgMu.Lock()
	if g.stopBg != nil {
		g.stopBg()
		g.stopBg = nil
	}
	g.bgMu.Unlock()
	return g.orchestrator.Close(ctx)
}

// Start 启动后台维护（限流器空闲桶清理），重复调用无效；Close 时停止
func (g *Gate) Start(ctx context.Context) {
	g.bgMu.Lock()
	defer g.bgMu.Unlock()
	if g.stopBg != nil {
		return
	}
	ctx, g.stopBg = context.WithCancel(ctx)
	g.limiter.StartJanitor(ctx)
}
