package antidetect

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/pacegate/internal/metrics"
	"github.com/BaSui01/pacegate/internal/pool"
	"github.com/BaSui01/pacegate/internal/retry"
	"github.com/BaSui01/pacegate/persistence"
	"github.com/BaSui01/pacegate/types"
)

// PromotionReason 提升节奏时 Reason 的固定前缀
const PromotionReason = "连续窗口零异常，提升节奏"

// Listener 决策监听器，在上下文锁释放后同步调用，不应阻塞
type Listener func(Adjustment)

// Orchestrator 按上下文维护滑动窗口并给出节奏决策。
// 同一上下文的 Record 串行执行；不同上下文互不阻塞。
type Orchestrator struct {
	config Config
	logger *zap.Logger
	now    func() time.Time

	contexts sync.Map // contextID -> *contextState

	store    persistence.Store
	pool     *pool.GoroutinePool
	ownsPool bool
	retryer  *retry.Retryer

	listenersMu sync.RWMutex
	listeners   map[uint64]Listener
	nextID      uint64

	signalCounter     metrics.Counter
	adjustmentCounter metrics.Counter
}

// contextState 单个上下文的可变状态，只由 mu 保护
type contextState struct {
	mu               sync.Mutex
	signals          []Signal
	pacing           PacingProfile
	navigatorPatch   bool
	lastAdjustmentAt time.Time
	healthy          int
	risky            int
	history          []Adjustment // 最新在前

	// version 每次迁移 +1，在 mu 内递增
	version atomic.Uint64

	// 持久化协调：每个上下文最多一个在途写入任务
	persistMu  sync.Mutex
	persisting bool
	attempted  uint64 // 已尝试写入的最高版本
}

// Option 配置 Orchestrator
type Option func(*options)

type options struct {
	now         func() time.Time
	sink        metrics.Sink
	store       persistence.Store
	pool        *pool.GoroutinePool
	retryPolicy retry.Policy
}

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMetrics 注入指标出口
func WithMetrics(sink metrics.Sink) Option {
	return func(o *options) {
		if sink != nil {
			o.sink = sink
		}
	}
}

// WithStore 开启审计快照持久化
func WithStore(store persistence.Store) Option {
	return func(o *options) { o.store = store }
}

// WithPool 使用共享的后台任务池写快照；未设置时自建
func WithPool(p *pool.GoroutinePool) Option {
	return func(o *options) { o.pool = p }
}

// WithRetryPolicy 快照写入的重试策略
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *options) { o.retryPolicy = p }
}

// NewOrchestrator 创建编排器，非法配置会被修正而不是报错
func NewOrchestrator(config Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{now: time.Now, sink: metrics.NopSink{}, retryPolicy: retry.DefaultPolicy()}
	for _, opt := range opts {
		opt(&o)
	}

	orc := &Orchestrator{
		config:    config.normalize(),
		logger:    logger.With(zap.String("component", "anti_detection")),
		now:       o.now,
		store:     o.store,
		pool:      o.pool,
		listeners: make(map[uint64]Listener),
	}
	if orc.store != nil && orc.pool == nil {
		orc.pool = pool.NewGoroutinePool(pool.Config{MaxWorkers: 4, QueueSize: 1024}, logger)
		orc.ownsPool = true
	}
	orc.retryer = retry.New(o.retryPolicy, orc.logger)
	orc.signalCounter = o.sink.CreateCounter("antidetect_signals_total", "Risk signals recorded, by outcome")
	orc.adjustmentCounter = o.sink.CreateCounter("antidetect_adjustments_total", "Pacing transitions, by profile")
	return orc
}

// Config 返回修正后的配置
func (o *Orchestrator) Config() Config { return o.config }

func (o *Orchestrator) state(ctx context.Context, contextID string) *contextState {
	if cs, ok := o.lookup(ctx, contextID); ok {
		return cs
	}
	v, _ := o.contexts.LoadOrStore(contextID, &contextState{pacing: o.config.InitialPacing})
	return v.(*contextState)
}

// lookup 查找上下文；内存中没有且开启了持久化时，先尝试从存储恢复
func (o *Orchestrator) lookup(ctx context.Context, contextID string) (*contextState, bool) {
	if v, ok := o.contexts.Load(contextID); ok {
		return v.(*contextState), true
	}
	if !o.persistEnabled() {
		return nil, false
	}
	if _, err := o.Restore(ctx, contextID); err != nil {
		o.logger.Warn("上下文状态恢复失败，按新上下文处理",
			zap.String("context_id", contextID),
			zap.Error(err),
		)
	}
	if v, ok := o.contexts.Load(contextID); ok {
		return v.(*contextState), true
	}
	return nil, false
}

// Record 写入一个信号并返回决策。
// 风险信号立即降级到 Conservative；连续无风险信号满足数量与间隔后提升；
// 其余情况返回镜像当前状态的决策，不进入历史。
func (o *Orchestrator) Record(ctx context.Context, sig Signal) (Adjustment, error) {
	if err := ctx.Err(); err != nil {
		return Adjustment{}, err
	}
	now := o.now()
	sig = sig.normalized(now)
	if sig.ContextID == "" {
		return Adjustment{}, types.NewError(types.ErrInvalidRequest, "signal context id is empty")
	}

	cs := o.state(ctx, sig.ContextID)
	cs.mu.Lock()
	cs.pushSignal(sig, o.config.SlidingWindow)

	var adj Adjustment
	if causes := o.riskCauses(sig); len(causes) > 0 {
		adj = o.demoteLocked(cs, sig, causes, now)
	} else {
		adj = o.observeCleanLocked(cs, sig, now)
	}

	if adj.Transition {
		cs.pushHistory(adj, o.config.HistoryLimit)
		cs.version.Add(1)
	}
	cs.mu.Unlock()

	outcome := "clean"
	if adj.Transition && adj.PacingProfile == PacingConservative {
		outcome = "risky"
	}
	o.signalCounter.Add(1, metrics.Labels{"outcome": outcome})

	if adj.Transition {
		o.adjustmentCounter.Add(1, metrics.Labels{"profile": adj.PacingProfile.String()})
		o.persistAsync(cs, sig.ContextID)
		o.notify(adj)
	}
	return adj, nil
}

func (o *Orchestrator) demoteLocked(cs *contextState, sig Signal, causes []string, now time.Time) Adjustment {
	from := cs.pacing
	cs.pacing = PacingConservative
	cs.navigatorPatch = true
	cs.healthy = 0
	cs.risky++
	cs.lastAdjustmentAt = now

	pause := o.config.PauseAfterRiskyWindows > 0 && cs.risky >= o.config.PauseAfterRiskyWindows
	reason := "检测到风险信号: " + strings.Join(causes, "; ")
	if sig.Workflow != "" {
		reason = fmt.Sprintf("[%s] %s", sig.Workflow, reason)
	}
	if pause {
		reason += fmt.Sprintf("; 连续 %d 个风险窗口，暂停交互", cs.risky)
	}

	o.logger.Warn("风险信号，降级节奏",
		zap.String("context_id", sig.ContextID),
		zap.String("workflow", sig.Workflow),
		zap.String("from", from.String()),
		zap.Strings("causes", causes),
		zap.Int("consecutive_risky", cs.risky),
		zap.Bool("pause", pause),
	)

	return Adjustment{
		ID:                   uuid.NewString(),
		ContextID:            sig.ContextID,
		PacingProfile:        PacingConservative,
		EnableNavigatorPatch: true,
		PauseInteractions:    pause,
		Reason:               reason,
		DecidedAt:            now,
		Transition:           true,
	}
}

func (o *Orchestrator) observeCleanLocked(cs *contextState, sig Signal, now time.Time) Adjustment {
	cs.risky = 0
	cs.healthy++

	if cs.healthy >= o.config.AggressiveWindowRequirement &&
		now.Sub(cs.lastAdjustmentAt) >= o.config.MinimumAdjustmentInterval &&
		cs.pacing < PacingAggressive {
		from := cs.pacing
		to := PacingAggressive
		if o.config.StepwisePromotion {
			to = from.promote()
		}
		streak := cs.healthy
		cs.pacing = to
		cs.healthy = 0
		cs.lastAdjustmentAt = now

		o.logger.Info("节奏提升",
			zap.String("context_id", sig.ContextID),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.Int("clean_windows", streak),
		)
		return Adjustment{
			ID:                   uuid.NewString(),
			ContextID:            sig.ContextID,
			PacingProfile:        to,
			EnableNavigatorPatch: cs.navigatorPatch,
			Reason:               fmt.Sprintf("%s: %s -> %s (%d 个无风险窗口)", PromotionReason, from, to, streak),
			DecidedAt:            now,
			Transition:           true,
		}
	}

	return Adjustment{
		ID:                   uuid.NewString(),
		ContextID:            sig.ContextID,
		PacingProfile:        cs.pacing,
		EnableNavigatorPatch: cs.navigatorPatch,
		Reason: fmt.Sprintf("保持 %s，无风险窗口 %d/%d",
			cs.pacing, cs.healthy, o.config.AggressiveWindowRequirement),
		DecidedAt: now,
	}
}

// riskCauses 返回信号中的风险项，为空表示无风险
func (o *Orchestrator) riskCauses(s Signal) []string {
	var causes []string
	if s.HTTP429 > 0 {
		causes = append(causes, fmt.Sprintf("HTTP 429 x%d", s.HTTP429))
	}
	if s.HTTP403 > 0 {
		causes = append(causes, fmt.Sprintf("HTTP 403 x%d", s.HTTP403))
	}
	if s.CaptchaChallenges > 0 {
		causes = append(causes, fmt.Sprintf("验证码 x%d", s.CaptchaChallenges))
	}
	if s.P95LatencyMs > o.config.RiskyLatencyMsThreshold {
		causes = append(causes, fmt.Sprintf("P95 延迟 %.0fms > %.0fms", s.P95LatencyMs, o.config.RiskyLatencyMsThreshold))
	}
	if s.HumanLikeScore < o.config.MinHumanLikeScore {
		causes = append(causes, fmt.Sprintf("拟人分数 %.2f < %.2f", s.HumanLikeScore, o.config.MinHumanLikeScore))
	}
	return causes
}

// IsRisky 按当前配置判断信号是否有风险
func (o *Orchestrator) IsRisky(s Signal) bool {
	return len(o.riskCauses(s.normalized(o.now()))) > 0
}

// GetState 返回上下文的快照；从未记录过信号时返回 false
func (o *Orchestrator) GetState(ctx context.Context, contextID string) (*State, bool) {
	cs, ok := o.lookup(ctx, contextID)
	if !ok {
		return nil, false
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	s := cs.snapshotLocked(contextID)
	return &s, true
}

// GetRecentAdjustments 返回最近的决策，最新在前，最多 take 条
func (o *Orchestrator) GetRecentAdjustments(ctx context.Context, contextID string, take int) []Adjustment {
	if take <= 0 {
		return []Adjustment{}
	}
	cs, ok := o.lookup(ctx, contextID)
	if !ok {
		return []Adjustment{}
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	n := min(take, len(cs.history))
	out := make([]Adjustment, n)
	copy(out, cs.history[:n])
	return out
}

// Contexts 返回所有已知上下文 ID，已排序
func (o *Orchestrator) Contexts() []string {
	var ids []string
	o.contexts.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// Subscribe 注册决策监听器，返回取消函数
func (o *Orchestrator) Subscribe(l Listener) (unsubscribe func()) {
	o.listenersMu.Lock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = l
	o.listenersMu.Unlock()

	return func() {
		o.listenersMu.Lock()
		delete(o.listeners, id)
		o.listenersMu.Unlock()
	}
}

func (o *Orchestrator) notify(adj Adjustment) {
	o.listenersMu.RLock()
	defer o.listenersMu.RUnlock()
	for _, l := range o.listeners {
		l(adj)
	}
}

// Close 等待未完成的快照写入，再补写任务被拒绝而从未尝试过的上下文
func (o *Orchestrator) Close(ctx context.Context) error {
	var err error
	if o.ownsPool {
		err = o.pool.Close(ctx)
	}
	return errors.Join(err, o.Flush(ctx))
}

// =============================================================================
// 持久化
// =============================================================================

func (o *Orchestrator) statePath(contextID string) string {
	return o.config.PersistPrefix + "/" + url.PathEscape(contextID) + "/state"
}

func (o *Orchestrator) persistEnabled() bool {
	return o.store != nil && o.config.PersistPrefix != ""
}

// persistAsync 提交后立即返回；失败只记录日志，不影响内存中的决策。
// 同一上下文只有一个在途任务，快照在任务运行时才截取，
// 写完发现又有新迁移就继续写，最后一次迁移一定会被写入。
func (o *Orchestrator) persistAsync(cs *contextState, contextID string) {
	if !o.persistEnabled() {
		return
	}
	cs.persistMu.Lock()
	if cs.persisting {
		cs.persistMu.Unlock()
		return
	}
	cs.persisting = true
	cs.persistMu.Unlock()

	err := o.pool.Submit("antidetect.persist", func(ctx context.Context) error {
		_ = o.drain(ctx, cs, contextID)
		return nil
	})
	if err != nil {
		cs.persistMu.Lock()
		cs.persisting = false
		cs.persistMu.Unlock()
		o.logger.Warn("审计快照任务被拒绝，关闭时补写",
			zap.String("context_id", contextID),
			zap.Error(err),
		)
	}
}

// drain 写入最新快照，直到版本不再前进；调用方已把 persisting 置为 true
func (o *Orchestrator) drain(ctx context.Context, cs *contextState, contextID string) error {
	for {
		version, err := o.saveLatest(ctx, cs, contextID)

		cs.persistMu.Lock()
		cs.attempted = max(cs.attempted, version)
		if cs.version.Load() == version || ctx.Err() != nil {
			cs.persisting = false
			cs.persistMu.Unlock()
			return err
		}
		cs.persistMu.Unlock()
	}
}

func (o *Orchestrator) saveLatest(ctx context.Context, cs *contextState, contextID string) (uint64, error) {
	cs.mu.Lock()
	version := cs.version.Load()
	snap := cs.snapshotLocked(contextID)
	cs.mu.Unlock()

	path := o.statePath(contextID)
	err := o.retryer.Do(ctx, func(ctx context.Context) error {
		return o.store.Save(ctx, path, &snap)
	})
	if err != nil {
		o.logger.Warn("审计快照写入失败",
			zap.String("context_id", contextID),
			zap.String("path", path),
			zap.Uint64("version", version),
			zap.Error(err),
		)
	}
	return version, err
}

// Flush 同步写入最新迁移尚未尝试写入、且没有在途任务的上下文
func (o *Orchestrator) Flush(ctx context.Context) error {
	if !o.persistEnabled() {
		return nil
	}
	var errs []error
	o.contexts.Range(func(k, v any) bool {
		cs := v.(*contextState)
		cs.persistMu.Lock()
		if cs.persisting || cs.attempted >= cs.version.Load() {
			cs.persistMu.Unlock()
			return true
		}
		cs.persisting = true
		cs.persistMu.Unlock()

		if err := o.drain(ctx, cs, k.(string)); err != nil {
			errs = append(errs, err)
		}
		return ctx.Err() == nil
	})
	return errors.Join(errs...)
}

// Restore 从持久化存储恢复上下文状态，用于进程重启后预热。
// 内存中已有该上下文时不覆盖，返回 false。
func (o *Orchestrator) Restore(ctx context.Context, contextID string) (bool, error) {
	if o.store == nil || o.config.PersistPrefix == "" {
		return false, nil
	}
	saved, err := persistence.LoadAs[State](ctx, o.store, o.statePath(contextID))
	if err != nil {
		return false, types.NewError(types.ErrPersistence, "load anti-detection state").WithCause(err).WithRetryable(true)
	}
	if saved == nil {
		return false, nil
	}

	cs := &contextState{
		pacing:           saved.CurrentPacing,
		navigatorPatch:   saved.NavigatorPatchEnabled,
		lastAdjustmentAt: saved.LastAdjustmentAt,
		healthy:          max(saved.ConsecutiveHealthyWindows, 0),
		risky:            max(saved.ConsecutiveRiskyWindows, 0),
	}
	if cs.pacing < PacingConservative || cs.pacing > PacingAggressive {
		cs.pacing = o.config.InitialPacing
	}
	for _, s := range saved.Signals {
		cs.pushSignal(s, o.config.SlidingWindow)
	}
	for i := len(saved.Adjustments) - 1; i >= 0; i-- {
		cs.pushHistory(saved.Adjustments[i], o.config.HistoryLimit)
	}

	if _, loaded := o.contexts.LoadOrStore(contextID, cs); loaded {
		return false, nil
	}
	o.logger.Info("上下文状态已恢复",
		zap.String("context_id", contextID),
		zap.String("pacing", cs.pacing.String()),
		zap.Int("signals", len(cs.signals)),
	)
	return true, nil
}

// =============================================================================
// contextState
// =============================================================================

// pushSignal 追加信号，超出窗口时淘汰最旧的
func (cs *contextState) pushSignal(s Signal, window int) {
	cs.signals = append(cs.signals, s)
	if over := len(cs.signals) - window; over > 0 {
		cs.signals = append(cs.signals[:0], cs.signals[over:]...)
	}
}

// pushHistory 头插决策，超出上限时丢弃最旧的
func (cs *contextState) pushHistory(a Adjustment, limit int) {
	cs.history = append(cs.history, Adjustment{})
	copy(cs.history[1:], cs.history)
	cs.history[0] = a
	if len(cs.history) > limit {
		cs.history = cs.history[:limit]
	}
}

func (cs *contextState) snapshotLocked(contextID string) State {
	signals := make([]Signal, len(cs.signals))
	copy(signals, cs.signals)
	history := make([]Adjustment, len(cs.history))
	copy(history, cs.history)
	return State{
		ContextID:                 contextID,
		Signals:                   signals,
		CurrentPacing:             cs.pacing,
		NavigatorPatchEnabled:     cs.navigatorPatch,
		LastAdjustmentAt:          cs.lastAdjustmentAt,
		ConsecutiveHealthyWindows: cs.healthy,
		ConsecutiveRiskyWindows:   cs.risky,
		Adjustments:               history,
	}
}
