package resilience_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/pacegate/persistence"
	"github.com/BaSui01/pacegate/resilience"
	"github.com/BaSui01/pacegate/resilience/antidetect"
	"github.com/BaSui01/pacegate/resilience/ratelimit"
	"github.com/BaSui01/pacegate/testutil"
	"github.com/BaSui01/pacegate/testutil/fixtures"
	"github.com/BaSui01/pacegate/types"
)

func testSettings() resilience.Settings {
	s := resilience.DefaultSettings()
	s.AntiDetection = fixtures.FastOrchestratorConfig()
	s.RateLimit = fixtures.GenerousRateLimit()
	return s
}

func newTestGate(t *testing.T, s resilience.Settings, opts ...resilience.Option) (*resilience.Gate, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(fixtures.Epoch)
	g := resilience.New(s, zap.NewNop(), append([]resilience.Option{resilience.WithClock(clock.Now)}, opts...)...)
	t.Cleanup(func() { _ = g.Close(context.Background()) })
	return g, clock
}

func respond(status int) func(context.Context) (resilience.Outcome, error) {
	return func(context.Context) (resilience.Outcome, error) {
		return resilience.Outcome{StatusCode: status, Latency: 300 * time.Millisecond, HumanLikeScore: 0.9}, nil
	}
}

func like(account string) resilience.Interaction {
	return resilience.Interaction{AccountID: account, Workflow: "Engage", Category: ratelimit.CategoryLike}
}

func feed(account string) resilience.Interaction {
	return resilience.Interaction{AccountID: account, Workflow: "Discovery", Category: ratelimit.CategoryFeed}
}

func TestGate_SuccessMirrorsCurrentPacing(t *testing.T) {
	g, _ := newTestGate(t, testSettings())

	out, err := g.Do(context.Background(), feed("acct"), respond(200))
	require.NoError(t, err)
	require.NotNil(t, out.Adjustment)
	assert.Equal(t, antidetect.PacingNormal, out.Adjustment.PacingProfile)
	assert.False(t, out.Adjustment.Transition)
	assert.Equal(t, 1.0, g.Advisors().MultiplierFor("acct"))

	state, ok := g.Orchestrator().GetState(context.Background(), "acct")
	require.True(t, ok)
	assert.Len(t, state.Signals, 1)
	assert.Equal(t, 1, state.Signals[0].TotalInteractions)
}

func TestGate_ThrottleDemotesAndScalesPermits(t *testing.T) {
	g, _ := newTestGate(t, testSettings())

	out, err := g.Do(context.Background(), like("acct"), respond(429))
	require.NoError(t, err, "fn errors are returned as-is; a 429 outcome is not an error")
	require.NotNil(t, out.Adjustment)
	assert.Equal(t, antidetect.PacingConservative, out.Adjustment.PacingProfile)
	assert.True(t, out.Adjustment.EnableNavigatorPatch)
	assert.Contains(t, out.Adjustment.Reason, "HTTP 429")

	// 429 贡献 0.5 能量
	assert.InDelta(t, 1.5, g.Advisors().MultiplierFor("acct"), 1e-9)

	before := availableTokens(g, "acct:like")
	_, err = g.Do(context.Background(), like("acct"), respond(200))
	require.NoError(t, err)
	assert.InDelta(t, before-2, availableTokens(g, "acct:like"), 0.5, "ceil(1.5) permits")
}

func TestGate_CaptchaDemotionKeepsSinglePermit(t *testing.T) {
	g, _ := newTestGate(t, testSettings())

	out, err := g.Do(context.Background(), like("acct"), func(context.Context) (resilience.Outcome, error) {
		return resilience.Outcome{StatusCode: 200, Latency: 300 * time.Millisecond, CaptchaChallenges: 1, HumanLikeScore: 0.9}, nil
	})
	require.NoError(t, err)
	require.NotNil(t, out.Adjustment)
	assert.Equal(t, antidetect.PacingConservative, out.Adjustment.PacingProfile)
	assert.Equal(t, 1.0, g.Advisors().MultiplierFor("acct"), "no 403/429 energy, no extra permits")

	before := availableTokens(g, "acct:like")
	_, err = g.Do(context.Background(), like("acct"), respond(200))
	require.NoError(t, err)
	assert.InDelta(t, before-1, availableTokens(g, "acct:like"), 0.5)
}

func availableTokens(g *resilience.Gate, key string) float64 {
	for _, b := range g.Limiter().Snapshot() {
		if b.Key == key {
			return b.Available
		}
	}
	return -1
}

func TestGate_RecoversToAggressive(t *testing.T) {
	g, _ := newTestGate(t, testSettings())

	_, err := g.Do(context.Background(), feed("acct"), respond(429))
	require.NoError(t, err)

	var last *antidetect.Adjustment
	for i := 0; i < 3; i++ {
		out, err := g.Do(context.Background(), feed("acct"), respond(200))
		require.NoError(t, err)
		last = out.Adjustment
	}
	require.NotNil(t, last)
	assert.Equal(t, antidetect.PacingAggressive, last.PacingProfile)
	assert.Contains(t, last.Reason, antidetect.PromotionReason)
}

func TestGate_BreakerOpensOnWriteFailures(t *testing.T) {
	g, clock := newTestGate(t, testSettings())

	for i := 0; i < 3; i++ {
		_, err := g.Do(context.Background(), like("acct"), respond(403))
		require.NoError(t, err)
	}
	require.True(t, g.Breaker().IsOpen("acct:write"))

	var called atomic.Bool
	_, err := g.Do(context.Background(), like("acct"), func(context.Context) (resilience.Outcome, error) {
		called.Store(true)
		return resilience.Outcome{StatusCode: 200}, nil
	})
	require.Error(t, err)
	assert.False(t, called.Load())
	assert.True(t, types.IsErrorCode(err, types.ErrBreakerOpen))
	assert.Equal(t, 30*time.Second, types.RetryAfter(err))
	e, _ := types.AsError(err)
	assert.Equal(t, "acct", e.AccountID)

	// 读类不经过写熔断
	_, err = g.Do(context.Background(), feed("acct"), respond(200))
	assert.NoError(t, err)

	// 冷却结束后一次成功即恢复
	clock.Advance(31 * time.Second)
	_, err = g.Do(context.Background(), like("acct"), respond(200))
	require.NoError(t, err)
	assert.False(t, g.Breaker().IsOpen("acct:write"))
}

func TestGate_RunErrorCountsAsFailure(t *testing.T) {
	g, _ := newTestGate(t, testSettings())
	boom := errors.New("navigation failed")

	for i := 0; i < 3; i++ {
		_, err := g.Do(context.Background(), feed("acct"), func(context.Context) (resilience.Outcome, error) {
			return resilience.Outcome{}, boom
		})
		assert.ErrorIs(t, err, boom)
	}
	assert.True(t, g.Breaker().IsOpen("acct:read"))
	assert.False(t, g.Breaker().IsOpen("acct:write"))

	snap := g.Breaker().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "RUN_ERROR: navigation failed", snap[0].LastReason)
}

func TestGate_WriteCategoryUsesWriteBreakerWhateverKind(t *testing.T) {
	g, _ := newTestGate(t, testSettings())
	in := like("acct")
	in.Kind = "read"

	for i := 0; i < 3; i++ {
		_, err := g.Do(context.Background(), in, respond(403))
		require.NoError(t, err)
	}
	assert.True(t, g.Breaker().IsOpen("acct:write"))
	assert.False(t, g.Breaker().IsOpen("acct:read"))

	// RateLimiter 检查的正是这个 key
	_, err := g.Do(context.Background(), like("acct"), respond(200))
	assert.True(t, types.IsErrorCode(err, types.ErrBreakerOpen))
}

func TestGate_KindIsCaseInsensitive(t *testing.T) {
	g, _ := newTestGate(t, testSettings())
	in := feed("acct")
	in.Kind = " Write "

	var keys []string
	_, err := g.Do(context.Background(), in, func(context.Context) (resilience.Outcome, error) {
		for _, s := range g.Governor().Snapshot() {
			keys = append(keys, s.Key)
			assert.EqualValues(t, 1, s.Capacity)
		}
		return resilience.Outcome{StatusCode: 200, HumanLikeScore: 0.9}, nil
	})
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0], "write")
}

func TestGate_PauseAfterRiskyWindows(t *testing.T) {
	s := testSettings()
	s.AntiDetection.PauseAfterRiskyWindows = 2
	s.Gate.PauseDuration = time.Minute
	g, clock := newTestGate(t, s)

	out, err := g.Do(context.Background(), feed("acct"), respond(429))
	require.NoError(t, err)
	assert.False(t, out.Adjustment.PauseInteractions)

	out, err = g.Do(context.Background(), feed("acct"), respond(429))
	require.NoError(t, err)
	assert.True(t, out.Adjustment.PauseInteractions)

	_, err = g.Do(context.Background(), feed("acct"), respond(200))
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrInteractionsPaused))
	assert.Equal(t, time.Minute, types.RetryAfter(err))

	_, err = g.Do(context.Background(), feed("other"), respond(200))
	assert.NoError(t, err, "pause is per account")

	paused := g.Paused()
	require.Len(t, paused, 1)
	assert.Equal(t, "acct", paused[0].AccountID)
	assert.InDelta(t, 60, paused[0].RemainingSeconds, 1e-9)

	clock.Advance(time.Minute)
	assert.Empty(t, g.Paused())
	_, ok := g.PausedFor("acct")
	assert.False(t, ok)
	_, err = g.Do(context.Background(), feed("acct"), respond(200))
	assert.NoError(t, err)
}

func TestGate_Resume(t *testing.T) {
	s := testSettings()
	s.AntiDetection.PauseAfterRiskyWindows = 1
	g, _ := newTestGate(t, s)

	_, err := g.Do(context.Background(), feed("acct"), respond(403))
	require.NoError(t, err)
	_, paused := g.PausedFor("acct")
	require.True(t, paused)

	g.Resume("acct")
	_, err = g.Do(context.Background(), feed("acct"), respond(200))
	assert.NoError(t, err)
}

func TestGate_ContextCarriesAccountAndWorkflow(t *testing.T) {
	g, _ := newTestGate(t, testSettings())

	in := feed("acct")
	in.Workflow = "Discovery"
	_, err := g.Do(context.Background(), in, func(ctx context.Context) (resilience.Outcome, error) {
		account, ok := types.AccountID(ctx)
		assert.True(t, ok)
		assert.Equal(t, "acct", account)
		workflow, _ := types.Workflow(ctx)
		assert.Equal(t, "Discovery", workflow)
		return resilience.Outcome{StatusCode: 200}, nil
	})
	require.NoError(t, err)
}

func TestGate_CancelledBeforeRunHasNoSideEffects(t *testing.T) {
	g, _ := newTestGate(t, testSettings())

	var called atomic.Bool
	_, err := g.Do(testutil.CancelledContext(), like("acct"), func(context.Context) (resilience.Outcome, error) {
		called.Store(true)
		return resilience.Outcome{}, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called.Load())
	assert.Empty(t, g.Orchestrator().Contexts())
	assert.Empty(t, g.Breaker().Snapshot())
	for _, s := range g.Governor().Snapshot() {
		assert.Zero(t, s.InFlight)
	}
}

func TestGate_CancelledDuringRunSkipsFeedback(t *testing.T) {
	g, _ := newTestGate(t, testSettings())
	ctx, cancel := context.WithCancel(context.Background())

	_, err := g.Do(ctx, like("acct"), func(ctx context.Context) (resilience.Outcome, error) {
		cancel()
		return resilience.Outcome{}, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, g.Orchestrator().Contexts())
	assert.Equal(t, "Closed", g.Breaker().State("acct:write").String())
	for _, s := range g.Governor().Snapshot() {
		assert.Zero(t, s.InFlight, "lease released on cancellation")
	}
}

func TestGate_InvalidInteraction(t *testing.T) {
	g, _ := newTestGate(t, testSettings())
	_, err := g.Do(context.Background(), resilience.Interaction{AccountID: "  "}, respond(200))
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
}

func TestGate_WritesAreSerializedPerAccount(t *testing.T) {
	g := resilience.New(testSettings(), zap.NewNop())
	t.Cleanup(func() { _ = g.Close(context.Background()) })

	var inFlight, peak atomic.Int32
	eg, ctx := errgroup.WithContext(testutil.TestContextWithTimeout(t, 5*time.Second))
	for i := 0; i < 8; i++ {
		eg.Go(func() error {
			_, err := g.Do(ctx, like("acct"), func(context.Context) (resilience.Outcome, error) {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inFlight.Add(-1)
				return resilience.Outcome{StatusCode: 200, HumanLikeScore: 0.9}, nil
			})
			return err
		})
	}
	require.NoError(t, eg.Wait())
	assert.Equal(t, int32(1), peak.Load())
}

func TestGate_ContextIDOverridesAccount(t *testing.T) {
	g, _ := newTestGate(t, testSettings())
	in := feed("acct")
	in.ContextID = "acct/session-7"

	_, err := g.Do(context.Background(), in, respond(200))
	require.NoError(t, err)
	assert.Equal(t, []string{"acct/session-7"}, g.Orchestrator().Contexts())
}

func TestGate_PersistsTransitions(t *testing.T) {
	store := persistence.NewMemoryStore()
	g, _ := newTestGate(t, testSettings(), resilience.WithStore(store))

	_, err := g.Do(context.Background(), feed("acct"), respond(429))
	require.NoError(t, err)
	require.NoError(t, g.Close(context.Background()))

	keys := store.Keys("")
	assert.NotEmpty(t, keys)
}

func TestGate_RestoresPacingAfterRestart(t *testing.T) {
	store := persistence.NewMemoryStore()
	ctx := context.Background()

	first, _ := newTestGate(t, testSettings(), resilience.WithStore(store))
	_, err := first.Do(ctx, feed("acct"), respond(429))
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	second, _ := newTestGate(t, testSettings(), resilience.WithStore(store))
	out, err := second.Do(ctx, feed("acct"), respond(200))
	require.NoError(t, err)
	require.NotNil(t, out.Adjustment)
	assert.Equal(t, antidetect.PacingConservative, out.Adjustment.PacingProfile, "pacing survives the restart")

	state, ok := second.Orchestrator().GetState(ctx, "acct")
	require.True(t, ok)
	assert.Len(t, state.Signals, 2)
}

func TestGate_StartSweepsIdleBuckets(t *testing.T) {
	s := testSettings()
	s.RateLimit.SweepInterval = 10 * time.Millisecond
	s.RateLimit.IdleTTL = time.Minute
	g, clock := newTestGate(t, s)

	_, err := g.Do(context.Background(), feed("acct"), respond(200))
	require.NoError(t, err)
	require.Len(t, g.Limiter().Snapshot(), 1)

	g.Start(context.Background())
	g.Start(context.Background())
	clock.Advance(time.Hour)
	testutil.AssertEventuallyTrue(t, func() bool { return len(g.Limiter().Snapshot()) == 0 }, 2*time.Second)
}

func TestGate_Span(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	g, _ := newTestGate(t, testSettings(), resilience.WithTracerProvider(tp))

	_, err := g.Do(context.Background(), like("acct"), respond(429))
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "pacegate.interaction", spans[0].Name())

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "like", attrs["pacegate.category"].AsString())
	assert.Equal(t, "write", attrs["pacegate.kind"].AsString())
	assert.Equal(t, "failure", attrs["pacegate.outcome"].AsString())
	assert.Equal(t, int64(429), attrs["http.response.status_code"].AsInt64())
	assert.Equal(t, "Conservative", attrs["pacegate.pacing"].AsString())
}

func TestGate_ConcurrentAccountsIndependent(t *testing.T) {
	g, _ := newTestGate(t, testSettings())

	var wg sync.WaitGroup
	for _, acct := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(acct string) {
			defer wg.Done()
			status := 200
			if acct == "a" {
				status = 403
			}
			for i := 0; i < 5; i++ {
				_, _ = g.Do(context.Background(), feed(acct), respond(status))
			}
		}(acct)
	}
	wg.Wait()

	a, _ := g.Orchestrator().GetState(context.Background(), "a")
	b, _ := g.Orchestrator().GetState(context.Background(), "b")
	assert.Equal(t, antidetect.PacingConservative, a.CurrentPacing)
	assert.Equal(t, antidetect.PacingAggressive, b.CurrentPacing)
}
