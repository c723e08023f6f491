package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/pacegate/resilience"
	"github.com/BaSui01/pacegate/resilience/circuitbreaker"
	"github.com/BaSui01/pacegate/resilience/ratelimit"
	"github.com/BaSui01/pacegate/types"
)

// SessionConfig 受控会话配置
type SessionConfig struct {
	// CommandTimeout 单条命令的执行上限，<=0 不限制
	CommandTimeout time.Duration `yaml:"command_timeout" env:"COMMAND_TIMEOUT"`
	// ThinkTime 相邻命令之间的基础停顿，按账号当前的顾问倍率放大
	ThinkTime time.Duration `yaml:"think_time" env:"THINK_TIME"`
	// HistoryLimit 保留的命令历史条数
	HistoryLimit int `yaml:"history_limit" env:"HISTORY_LIMIT"`
}

// DefaultSessionConfig 默认配置
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		CommandTimeout: 30 * time.Second,
		ThinkTime:      800 * time.Millisecond,
		HistoryLimit:   200,
	}
}

// Batch 同一类别的一组命令，作为一次交互通过 Gate
type Batch struct {
	Category  ratelimit.Category
	Workflow  string
	ContextID string // 为空时使用账号 ID
	Commands  []BrowserCommand
}

// BatchResult 批次执行结果
type BatchResult struct {
	Results []*BrowserResult
	Outcome resilience.Outcome
}

// GuardedSession 单个账号的浏览器会话，所有命令都经过 Gate 的准入与反馈
type GuardedSession struct {
	accountID string
	browser   Browser
	gate      *resilience.Gate
	config    SessionConfig
	logger    *zap.Logger

	// sleep 可在测试中替换
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	history []BrowserCommand
	closed  bool
}

// NewGuardedSession 创建受控会话
func NewGuardedSession(accountID string, b Browser, gate *resilience.Gate, config SessionConfig, logger *zap.Logger) *GuardedSession {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = DefaultSessionConfig().HistoryLimit
	}
	return &GuardedSession{
		accountID: accountID,
		browser:   b,
		gate:      gate,
		config:    config,
		logger:    logger.With(zap.String("component", "guarded_session"), zap.String("account_id", accountID)),
		sleep:     sleepContext,
	}
}

// AccountID 会话所属账号
func (s *GuardedSession) AccountID() string { return s.accountID }

// Run 把批次作为一次交互交给 Gate。
// 准入被拒时不执行任何命令；遇到 4xx/5xx 或验证码时停止后续命令。
func (s *GuardedSession) Run(ctx context.Context, batch Batch) (*BatchResult, error) {
	if len(batch.Commands) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "batch has no commands")
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, types.NewError(types.ErrBrowserUnavailable, "session is closed").WithAccount(s.accountID)
	}

	res := &BatchResult{}
	in := resilience.Interaction{
		AccountID: s.accountID,
		ContextID: batch.ContextID,
		Workflow:  batch.Workflow,
		Category:  batch.Category,
	}
	out, err := s.gate.Do(ctx, in, func(ctx context.Context) (resilience.Outcome, error) {
		return s.execute(ctx, batch.Commands, res)
	})
	res.Outcome = out
	if err != nil {
		return res, err
	}
	return res, nil
}

// execute 顺序执行命令并汇总为 Outcome
func (s *GuardedSession) execute(ctx context.Context, cmds []BrowserCommand, res *BatchResult) (resilience.Outcome, error) {
	var out resilience.Outcome
	for i, cmd := range cmds {
		if i > 0 && s.config.ThinkTime > 0 {
			pause := time.Duration(float64(s.config.ThinkTime) * s.gate.Advisors().PacedMultiplierFor(s.accountID))
			if err := s.sleep(ctx, pause); err != nil {
				return out, err
			}
		}

		r, err := s.executeOne(ctx, cmd)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			return out, types.NewError(types.ErrBrowserUnavailable, fmt.Sprintf("%s failed", cmd.Action)).
				WithCause(err).WithAccount(s.accountID)
		}
		res.Results = append(res.Results, r)

		out.Latency += r.Duration
		if r.StatusCode != 0 {
			out.StatusCode = r.StatusCode
		}
		if r.HumanLikeScore > 0 && (out.HumanLikeScore == 0 || r.HumanLikeScore < out.HumanLikeScore) {
			out.HumanLikeScore = r.HumanLikeScore
		}
		if r.CaptchaDetected {
			out.CaptchaChallenges++
		}
		if r.CaptchaDetected || r.StatusCode >= 400 {
			s.logger.Info("命令触发风控响应，停止批次",
				zap.String("action", string(cmd.Action)),
				zap.Int("status", r.StatusCode),
				zap.Bool("captcha", r.CaptchaDetected))
			break
		}
	}
	return out, nil
}

func (s *GuardedSession) executeOne(ctx context.Context, cmd BrowserCommand) (*BrowserResult, error) {
	s.record(cmd)
	if s.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.CommandTimeout)
		defer cancel()
	}
	r, err := s.browser.Execute(ctx, cmd)
	if err != nil {
		s.logger.Warn("browser command failed", zap.String("action", string(cmd.Action)), zap.Error(err))
		return nil, err
	}
	if r == nil {
		return nil, errors.New("browser returned nil result")
	}
	return r, nil
}

func (s *GuardedSession) record(cmd BrowserCommand) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, cmd)
	if over := len(s.history) - s.config.HistoryLimit; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
}

// History 最近执行过的命令，旧的在前
func (s *GuardedSession) History() []BrowserCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]BrowserCommand(nil), s.history...)
}

// State 当前页面状态。不占用 Gate 的配额，但驱动连续出错时
// 由 "<account>:state" 熔断器快速失败，不再打到已经失联的浏览器。
func (s *GuardedSession) State(ctx context.Context) (*PageState, error) {
	st, err := circuitbreaker.CallWithResult(ctx, s.gate.Breaker(), s.accountID+":state", nil, s.browser.GetState)
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyCallsInHalfOpen) {
		return nil, types.NewError(types.ErrBrowserUnavailable, "browser state unavailable").
			WithCause(err).WithAccount(s.accountID)
	}
	return st, err
}

// Close 关闭底层浏览器；重复调用无副作用
func (s *GuardedSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.browser.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Sessions 按账号复用 GuardedSession
type Sessions struct {
	factory Factory
	gate    *resilience.Gate
	config  SessionConfig
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*GuardedSession
}

// NewSessions 创建会话注册表
func NewSessions(factory Factory, gate *resilience.Gate, config SessionConfig, logger *zap.Logger) *Sessions {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sessions{
		factory:  factory,
		gate:     gate,
		config:   config,
		logger:   logger,
		sessions: make(map[string]*GuardedSession),
	}
}

// Get 返回账号的会话，不存在时经 Factory 创建
func (m *Sessions) Get(ctx context.Context, accountID string) (*GuardedSession, error) {
	if accountID == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "account id is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[accountID]; ok {
		return s, nil
	}
	b, err := m.factory.Create(ctx, accountID)
	if err != nil {
		return nil, types.NewError(types.ErrBrowserUnavailable, "create browser").WithCause(err).WithAccount(accountID)
	}
	s := NewGuardedSession(accountID, b, m.gate, m.config, m.logger)
	m.sessions[accountID] = s
	return s, nil
}

// Close 关闭并移除账号的会话
func (m *Sessions) Close(accountID string) error {
	m.mu.Lock()
	s, ok := m.sessions[accountID]
	delete(m.sessions, accountID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Close()
}

// CloseAll 关闭全部会话，返回合并的错误
func (m *Sessions) CloseAll() error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*GuardedSession)
	m.mu.Unlock()

	var errs []error
	for id, s := range sessions {
		if err := s.Close(); err != nil {
			m.logger.Error("failed to close session", zap.String("account_id", id), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len 当前会话数
func (m *Sessions) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
