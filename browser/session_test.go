package browser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/pacegate/resilience"
	"github.com/BaSui01/pacegate/resilience/antidetect"
	"github.com/BaSui01/pacegate/resilience/ratelimit"
	"github.com/BaSui01/pacegate/testutil"
	"github.com/BaSui01/pacegate/testutil/fixtures"
	"github.com/BaSui01/pacegate/types"
)

// fakeBrowser 按脚本返回结果
type fakeBrowser struct {
	mu       sync.Mutex
	results  map[Action]*BrowserResult
	errs     map[Action]error
	executed []Action
	closed   int

	stateErr   error
	stateCalls int
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{results: map[Action]*BrowserResult{}, errs: map[Action]error{}}
}

func (f *fakeBrowser) Execute(ctx context.Context, cmd BrowserCommand) (*BrowserResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, cmd.Action)
	if err := f.errs[cmd.Action]; err != nil {
		return nil, err
	}
	if r, ok := f.results[cmd.Action]; ok {
		return r, nil
	}
	return &BrowserResult{Success: true, Action: cmd.Action, Duration: 100 * time.Millisecond, StatusCode: 200}, nil
}

func (f *fakeBrowser) GetState(context.Context) (*PageState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateCalls++
	if f.stateErr != nil {
		return nil, f.stateErr
	}
	return &PageState{URL: "https://example.test/feed", Title: "feed"}, nil
}

func (f *fakeBrowser) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeBrowser) actions() []Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Action(nil), f.executed...)
}

func newGate(t *testing.T) *resilience.Gate {
	t.Helper()
	s := resilience.DefaultSettings()
	s.AntiDetection = fixtures.FastOrchestratorConfig()
	s.RateLimit = fixtures.GenerousRateLimit()
	clock := testutil.NewFakeClock(fixtures.Epoch)
	g := resilience.New(s, zap.NewNop(), resilience.WithClock(clock.Now))
	t.Cleanup(func() { _ = g.Close(context.Background()) })
	return g
}

// newSession 停顿不真正等待，只记录时长
func newSession(t *testing.T, g *resilience.Gate, b Browser, think time.Duration) (*GuardedSession, *[]time.Duration) {
	t.Helper()
	cfg := DefaultSessionConfig()
	cfg.ThinkTime = think
	s := NewGuardedSession("acct", b, g, cfg, zap.NewNop())
	var pauses []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return ctx.Err()
	}
	return s, &pauses
}

func commands(actions ...Action) []BrowserCommand {
	out := make([]BrowserCommand, len(actions))
	for i, a := range actions {
		out[i] = BrowserCommand{Action: a}
	}
	return out
}

func TestGuardedSession_RunAggregatesOutcome(t *testing.T) {
	g := newGate(t)
	b := newFakeBrowser()
	b.results[ActionClick] = &BrowserResult{Success: true, Action: ActionClick, Duration: 250 * time.Millisecond, StatusCode: 200, HumanLikeScore: 0.7}
	s, pauses := newSession(t, g, b, 500*time.Millisecond)

	res, err := s.Run(context.Background(), Batch{
		Category: ratelimit.CategoryLike,
		Workflow: "Engage",
		Commands: commands(ActionNavigate, ActionClick),
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.Equal(t, 200, res.Outcome.StatusCode)
	assert.Equal(t, 350*time.Millisecond, res.Outcome.Latency)
	assert.Equal(t, 0.7, res.Outcome.HumanLikeScore)
	require.NotNil(t, res.Outcome.Adjustment)
	assert.Equal(t, antidetect.PacingNormal, res.Outcome.Adjustment.PacingProfile)

	// 只有命令之间停顿，倍率为 1
	assert.Equal(t, []time.Duration{500 * time.Millisecond}, *pauses)
	assert.Len(t, s.History(), 2)

	state, ok := g.Orchestrator().GetState(context.Background(), "acct")
	require.True(t, ok)
	assert.Len(t, state.Signals, 1)
}

func TestGuardedSession_StopsOnThrottleAndSlowsDown(t *testing.T) {
	g := newGate(t)
	b := newFakeBrowser()
	b.results[ActionClick] = &BrowserResult{Action: ActionClick, Duration: 80 * time.Millisecond, StatusCode: 429}
	s, pauses := newSession(t, g, b, time.Second)

	res, err := s.Run(context.Background(), Batch{
		Category: ratelimit.CategoryLike,
		Commands: commands(ActionNavigate, ActionClick, ActionScroll),
	})
	require.NoError(t, err, "a 429 is feedback, not an error")
	assert.Equal(t, []Action{ActionNavigate, ActionClick}, b.actions())
	assert.Equal(t, 429, res.Outcome.StatusCode)
	require.NotNil(t, res.Outcome.Adjustment)
	assert.Equal(t, antidetect.PacingConservative, res.Outcome.Adjustment.PacingProfile)

	// 下一个批次的停顿按 Conservative 的倍率放大
	*pauses = nil
	_, err = s.Run(context.Background(), Batch{
		Category: ratelimit.CategoryFeed,
		Commands: commands(ActionNavigate, ActionScroll),
	})
	require.NoError(t, err)
	require.Len(t, *pauses, 1)
	assert.Greater(t, (*pauses)[0], time.Second)
}

func TestGuardedSession_CaptchaCounted(t *testing.T) {
	g := newGate(t)
	b := newFakeBrowser()
	b.results[ActionClick] = &BrowserResult{Action: ActionClick, Duration: 50 * time.Millisecond, CaptchaDetected: true}
	s, _ := newSession(t, g, b, 0)

	res, err := s.Run(context.Background(), Batch{
		Category: ratelimit.CategoryComment,
		Commands: commands(ActionClick, ActionType),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Outcome.CaptchaChallenges)
	assert.Equal(t, []Action{ActionClick}, b.actions())
}

func TestGuardedSession_BrowserErrorBecomesTypedError(t *testing.T) {
	g := newGate(t)
	b := newFakeBrowser()
	b.errs[ActionNavigate] = errors.New("target closed")
	s, _ := newSession(t, g, b, 0)

	res, err := s.Run(context.Background(), Batch{Category: ratelimit.CategoryFeed, Commands: commands(ActionNavigate)})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrBrowserUnavailable))
	assert.ErrorContains(t, err, "target closed")
	assert.Empty(t, res.Results)
}

func TestGuardedSession_RejectedBatchRunsNothing(t *testing.T) {
	g := newGate(t)
	b := newFakeBrowser()
	s, _ := newSession(t, g, b, 0)

	for i := 0; i < 3; i++ {
		_, err := g.Do(context.Background(),
			resilience.Interaction{AccountID: "acct", Category: ratelimit.CategoryLike},
			func(context.Context) (resilience.Outcome, error) { return resilience.Outcome{StatusCode: 403}, nil })
		require.NoError(t, err)
	}
	require.True(t, g.Breaker().IsOpen("acct:write"))

	_, err := s.Run(context.Background(), Batch{Category: ratelimit.CategoryLike, Commands: commands(ActionClick)})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrBreakerOpen))
	assert.Empty(t, b.actions())
}

func TestGuardedSession_Cancelled(t *testing.T) {
	g := newGate(t)
	s, _ := newSession(t, g, newFakeBrowser(), 0)

	_, err := s.Run(testutil.CancelledContext(), Batch{Category: ratelimit.CategoryFeed, Commands: commands(ActionNavigate)})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	_, ok := g.Orchestrator().GetState(context.Background(), "acct")
	assert.False(t, ok, "cancelled interactions leave no signal")
}

func TestGuardedSession_Validation(t *testing.T) {
	g := newGate(t)
	b := newFakeBrowser()
	s, _ := newSession(t, g, b, 0)

	_, err := s.Run(context.Background(), Batch{Category: ratelimit.CategoryFeed})
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, b.closed)

	_, err = s.Run(context.Background(), Batch{Category: ratelimit.CategoryFeed, Commands: commands(ActionNavigate)})
	assert.True(t, types.IsErrorCode(err, types.ErrBrowserUnavailable))
}

func TestGuardedSession_HistoryBounded(t *testing.T) {
	g := newGate(t)
	s := NewGuardedSession("acct", newFakeBrowser(), g, SessionConfig{HistoryLimit: 3}, nil)
	_, err := s.Run(context.Background(), Batch{
		Category: ratelimit.CategoryFeed,
		Commands: commands(ActionNavigate, ActionScroll, ActionScroll, ActionExtract, ActionBack),
	})
	require.NoError(t, err)
	h := s.History()
	require.Len(t, h, 3)
	assert.Equal(t, ActionBack, h[2].Action)
}

func TestGuardedSession_StateFailsFastWhenDriverIsDown(t *testing.T) {
	g := newGate(t)
	b := newFakeBrowser()
	b.stateErr = errors.New("devtools socket closed")
	s, _ := newSession(t, g, b, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.State(ctx)
		require.ErrorIs(t, err, b.stateErr)
	}
	require.True(t, g.Breaker().IsOpen("acct:state"))

	_, err := s.State(ctx)
	assert.True(t, types.IsErrorCode(err, types.ErrBrowserUnavailable))
	assert.Equal(t, 3, b.stateCalls, "open breaker must not reach the driver")

	// 交互熔断不受影响
	assert.False(t, g.Breaker().IsOpen("acct:read"))
	assert.False(t, g.Breaker().IsOpen("acct:write"))
	snap := g.Breaker().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "RUN_ERROR: devtools socket closed", snap[0].LastReason)
}

func TestGuardedSession_StateHealthy(t *testing.T) {
	g := newGate(t)
	s, _ := newSession(t, g, newFakeBrowser(), 0)
	st, err := s.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "feed", st.Title)
	assert.Equal(t, "Closed", g.Breaker().Snapshot()[0].State)
}

func TestSessions_ReuseAndClose(t *testing.T) {
	g := newGate(t)
	created := map[string]*fakeBrowser{}
	factory := FactoryFunc(func(_ context.Context, accountID string) (Browser, error) {
		if accountID == "broken" {
			return nil, errors.New("no profile")
		}
		b := newFakeBrowser()
		created[accountID] = b
		return b, nil
	})
	m := NewSessions(factory, g, DefaultSessionConfig(), nil)

	a1, err := m.Get(context.Background(), "a")
	require.NoError(t, err)
	a2, err := m.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Same(t, a1, a2)
	_, err = m.Get(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())

	_, err = m.Get(context.Background(), "broken")
	assert.True(t, types.IsErrorCode(err, types.ErrBrowserUnavailable))
	_, err = m.Get(context.Background(), "")
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))

	require.NoError(t, m.Close("a"))
	assert.Equal(t, 1, created["a"].closed)
	require.NoError(t, m.CloseAll())
	assert.Equal(t, 1, created["b"].closed)
	assert.Zero(t, m.Len())
}
