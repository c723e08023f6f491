package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"pgregory.net/rapid"

	"github.com/BaSui01/pacegate/internal/metrics"
	"github.com/BaSui01/pacegate/resilience/circuitbreaker"
	"github.com/BaSui01/pacegate/testutil"
	"github.com/BaSui01/pacegate/types"
)

var epoch = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func singleBucket(c Category, capacity int, refill float64) Config {
	cfg := DefaultConfig()
	cfg.Buckets = map[Category]BucketConfig{c: {Capacity: capacity, RefillPerSecond: refill}}
	return cfg
}

func newFakeLimiter(cfg Config, opts ...Option) (*Limiter, *testutil.FakeClock) {
	clock := testutil.NewFakeClock(epoch)
	return NewLimiter(cfg, zap.NewNop(), append([]Option{WithClock(clock.Now)}, opts...)...), clock
}

func TestCategory(t *testing.T) {
	assert.True(t, CategoryLike.IsWrite())
	assert.True(t, CategoryCollect.IsWrite())
	assert.True(t, CategoryComment.IsWrite())
	assert.False(t, CategorySearch.IsWrite())
	assert.False(t, CategoryFeed.IsWrite())
	assert.False(t, Category("profile").IsWrite())

	assert.Equal(t, CategoryLike, ParseCategory(" Like "))
	assert.Equal(t, "other", Category("profile").metricLabel())
	assert.Equal(t, "acct-1:write", BreakerKey("acct-1"))
}

func TestPermitsFor(t *testing.T) {
	tests := []struct {
		name       string
		category   Category
		multiplier float64
		capacity   int
		want       int
	}{
		{"write at 1", CategoryLike, 1, 5, 1},
		{"write rounds up", CategoryLike, 1.2, 5, 2},
		{"write below 1", CategoryComment, 0.3, 5, 1},
		{"write clamped", CategoryComment, 7.5, 3, 3},
		{"read at 1", CategoryFeed, 1, 20, 1},
		{"read halves", CategorySearch, 3, 10, 2},
		{"read rounds down", CategorySearch, 2.4, 10, 1},
		{"read clamped", CategoryFeed, 40, 3, 3},
		{"nan", CategoryLike, math.NaN(), 5, 1},
		{"unknown is read", Category("profile"), 4, 10, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, permitsFor(tt.category, tt.multiplier, tt.capacity))
		})
	}
}

func TestConfig_Normalize(t *testing.T) {
	c := Config{
		Buckets:       map[Category]BucketConfig{"LIKE": {Capacity: 0, RefillPerSecond: -1}},
		MaxWait:       -time.Second,
		SweepInterval: -time.Second,
	}.normalize()

	b := c.bucketFor(CategoryLike)
	assert.Equal(t, 1, b.Capacity)
	assert.Equal(t, minRefillPerSecond, b.RefillPerSecond)
	assert.Equal(t, 1, c.bucketFor(CategoryFeed).Capacity, "falls back to default bucket")
	assert.Zero(t, c.MaxWait)
	assert.Zero(t, c.SweepInterval)
	assert.Equal(t, 10*time.Minute, c.IdleTTL)
}

func TestLimiter_BurstThenExhausted(t *testing.T) {
	l, clock := newFakeLimiter(singleBucket(CategoryLike, 3, 1))

	for i := 0; i < 3; i++ {
		a := l.TryAcquire(CategoryLike, "acct")
		require.True(t, a.Admitted(), "attempt %d", i)
		assert.Equal(t, 1, a.Permits)
	}

	a := l.TryAcquire(CategoryLike, "acct")
	assert.Equal(t, Rejected, a.Decision)
	assert.Equal(t, ReasonRateExhausted, a.Reason)
	assert.Equal(t, time.Second, a.RetryAfter)

	err := a.AsError()
	assert.True(t, types.IsErrorCode(err, types.ErrRateExhausted))
	assert.Equal(t, time.Second, types.RetryAfter(err))

	clock.Advance(time.Second)
	assert.True(t, l.TryAcquire(CategoryLike, "acct").Admitted())
}

func TestLimiter_KeysAreIsolated(t *testing.T) {
	l, _ := newFakeLimiter(singleBucket(CategoryLike, 1, 0.1))

	assert.True(t, l.TryAcquire(CategoryLike, "a").Admitted())
	assert.False(t, l.TryAcquire(CategoryLike, "a").Admitted())
	assert.True(t, l.TryAcquire(CategoryLike, "b").Admitted(), "other account")
	assert.True(t, l.TryAcquire(CategoryFeed, "a").Admitted(), "other category")
}

func TestLimiter_WriteRejectedWhenBreakerOpen(t *testing.T) {
	clock := testutil.NewFakeClock(epoch)
	breaker := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), zap.NewNop(), circuitbreaker.WithClock(clock.Now))
	l := NewLimiter(singleBucket(CategoryLike, 5, 1), zap.NewNop(), WithClock(clock.Now), WithBreaker(breaker))

	for i := 0; i < 3; i++ {
		breaker.RecordFailure(BreakerKey("acct"), "HTTP_403")
	}
	require.True(t, breaker.IsOpen("acct:write"))

	start := time.Now()
	a := l.Acquire(context.Background(), CategoryLike, "acct")
	assert.Less(t, time.Since(start), 50*time.Millisecond, "breaker rejection never queues")
	assert.Equal(t, Rejected, a.Decision)
	assert.Equal(t, ReasonBreakerOpen, a.Reason)
	assert.Equal(t, 30*time.Second, a.RetryAfter)
	assert.True(t, types.IsErrorCode(a.AsError(), types.ErrBreakerOpen))

	// 读类不受写熔断影响，且拒绝不消耗令牌
	assert.True(t, l.TryAcquire(CategoryFeed, "acct").Admitted())
	for _, s := range l.Snapshot() {
		assert.NotEqual(t, "acct:like", s.Key, "rejected write never creates a bucket")
	}

	clock.Advance(31 * time.Second)
	breaker.RecordSuccess(BreakerKey("acct"))
	assert.True(t, l.TryAcquire(CategoryLike, "acct").Admitted())
}

func TestLimiter_MultiplierScalesPermits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Buckets = map[Category]BucketConfig{
		CategoryLike: {Capacity: 5, RefillPerSecond: 1},
		CategoryFeed: {Capacity: 5, RefillPerSecond: 1},
	}
	l, _ := newFakeLimiter(cfg, WithMultiplierSource(MultiplierFunc(func(accountID string) float64 {
		if accountID == "risky" {
			return 3
		}
		return 1
	})))

	a := l.TryAcquire(CategoryLike, "risky")
	require.True(t, a.Admitted())
	assert.Equal(t, 3, a.Permits)

	a = l.TryAcquire(CategoryFeed, "risky")
	require.True(t, a.Admitted())
	assert.Equal(t, 2, a.Permits)

	a = l.TryAcquire(CategoryLike, "risky")
	assert.Equal(t, Rejected, a.Decision, "2 left, 3 needed")
	assert.Equal(t, time.Second, a.RetryAfter)

	assert.Equal(t, 1, l.TryAcquire(CategoryLike, "calm").Permits)
}

func TestLimiter_CancelReturnsTokens(t *testing.T) {
	l, clock := newFakeLimiter(singleBucket(CategoryComment, 1, 0.1))

	require.True(t, l.TryAcquire(CategoryComment, "acct").Admitted())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	a := l.Acquire(ctx, CategoryComment, "acct")
	assert.Equal(t, Errored, a.Decision)
	assert.True(t, errors.Is(a.Err, context.DeadlineExceeded))
	assert.True(t, errors.Is(a.AsError(), context.DeadlineExceeded))

	// 撤销预约后，10 秒恰好补回一个令牌
	clock.Advance(10 * time.Second)
	assert.True(t, l.TryAcquire(CategoryComment, "acct").Admitted())
	assert.False(t, l.TryAcquire(CategoryComment, "acct").Admitted())
}

func TestLimiter_CancelledContext(t *testing.T) {
	l, _ := newFakeLimiter(DefaultConfig())
	a := l.Acquire(testutil.CancelledContext(), CategoryFeed, "acct")
	assert.Equal(t, Errored, a.Decision)
	assert.ErrorIs(t, a.Err, context.Canceled)
	assert.Empty(t, l.Snapshot())
}

func TestLimiter_MaxWait(t *testing.T) {
	cfg := singleBucket(CategoryLike, 1, 1)
	cfg.MaxWait = 100 * time.Millisecond
	l, clock := newFakeLimiter(cfg)

	require.True(t, l.Acquire(context.Background(), CategoryLike, "acct").Admitted())

	a := l.Acquire(context.Background(), CategoryLike, "acct")
	assert.Equal(t, Rejected, a.Decision)
	assert.Equal(t, ReasonRateExhausted, a.Reason)
	assert.Equal(t, time.Second, a.RetryAfter)

	clock.Advance(time.Second)
	assert.True(t, l.TryAcquire(CategoryLike, "acct").Admitted(), "rejected reservation was cancelled")
}

func TestLimiter_WaitsForRefill(t *testing.T) {
	l := NewLimiter(singleBucket(CategorySearch, 1, 20), zap.NewNop())
	ctx := testutil.TestContextWithTimeout(t, 2*time.Second)

	require.True(t, l.Acquire(ctx, CategorySearch, "acct").Admitted())
	a := l.Acquire(ctx, CategorySearch, "acct")
	require.True(t, a.Admitted())
	assert.Greater(t, a.Waited, time.Duration(0))
	assert.LessOrEqual(t, a.Waited, 50*time.Millisecond)
}

func TestLimiter_ConcurrentBurstCompletes(t *testing.T) {
	l := NewLimiter(singleBucket(CategoryLike, 5, 5), zap.NewNop())
	ctx := testutil.TestContextWithTimeout(t, 5*time.Second)

	var (
		mu      sync.Mutex
		results []Admission
	)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			a := l.Acquire(gctx, CategoryLike, "acct")
			mu.Lock()
			results = append(results, a)
			mu.Unlock()
			return a.AsError()
		})
	}
	require.NoError(t, g.Wait())
	elapsed := time.Since(start)

	assert.Len(t, results, 10)
	assert.Less(t, elapsed, 2*time.Second)
	for _, a := range results {
		assert.True(t, a.Admitted())
	}
}

func TestLimiter_BucketBoundProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(1, 10).Draw(rt, "capacity")
		refill := rapid.Float64Range(0.5, 10).Draw(rt, "refill")
		l, clock := newFakeLimiter(singleBucket(CategoryLike, capacity, refill))

		var times []time.Time
		steps := rapid.IntRange(1, 80).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			clock.Advance(time.Duration(rapid.IntRange(0, 400).Draw(rt, "ms")) * time.Millisecond)
			if l.TryAcquire(CategoryLike, "acct").Admitted() {
				times = append(times, clock.Now())
			}
		}

		// 任意区间 [ti, tj] 内放行数不超过 capacity + refill·(tj-ti)
		for i := range times {
			for j := i; j < len(times); j++ {
				count := j - i + 1
				bound := float64(capacity) + refill*times[j].Sub(times[i]).Seconds()
				if float64(count) > bound+1e-6 {
					rt.Fatalf("admitted %d in %s, bound %.3f", count, times[j].Sub(times[i]), bound)
				}
			}
		}
	})
}

func TestLimiter_SnapshotAndSweep(t *testing.T) {
	cfg := DefaultConfig()
	l, clock := newFakeLimiter(cfg)

	require.True(t, l.TryAcquire(CategoryLike, "b").Admitted())
	require.True(t, l.TryAcquire(CategoryFeed, "a").Admitted())
	require.True(t, l.TryAcquire(Category("profile"), "a").Admitted())

	snap := l.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "a:feed", snap[0].Key)
	assert.Equal(t, "a:profile", snap[1].Key)
	assert.Equal(t, cfg.DefaultBucket.Capacity, snap[1].Capacity)
	assert.Equal(t, "b:like", snap[2].Key)
	assert.InDelta(t, 4, snap[2].Available, 1e-9)

	clock.Advance(time.Second)
	assert.Zero(t, l.Sweep(time.Minute), "not idle yet")

	clock.Advance(time.Minute)
	assert.Equal(t, 3, l.Sweep(time.Minute))
	assert.Empty(t, l.Snapshot())
}

func TestLimiter_SweepKeepsDrainedBucket(t *testing.T) {
	l, clock := newFakeLimiter(singleBucket(CategoryComment, 3, minRefillPerSecond))
	for i := 0; i < 3; i++ {
		require.True(t, l.TryAcquire(CategoryComment, "acct").Admitted())
	}
	clock.Advance(time.Minute)
	assert.Zero(t, l.Sweep(time.Second), "a drained bucket would reset to full if dropped")
}

func TestLimiter_SweepRacingAcquireNeverDoublesCapacity(t *testing.T) {
	const capacity = 5
	l, clock := newFakeLimiter(singleBucket(CategoryFeed, capacity, 1))

	for round := 0; round < 50; round++ {
		acct := fmt.Sprintf("acct-%d", round)
		require.True(t, l.TryAcquire(CategoryFeed, acct).Admitted())
		// 桶已满且空闲，Sweep 随时可能移除它
		clock.Advance(time.Hour)

		var admitted atomic.Int32
		var wg sync.WaitGroup
		stop := make(chan struct{})
		go func() {
			for {
				select {
				case <-stop:
					return
				default:
					l.Sweep(time.Minute)
				}
			}
		}()
		for i := 0; i < 4*capacity; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if l.TryAcquire(CategoryFeed, acct).Admitted() {
					admitted.Add(1)
				}
			}()
		}
		wg.Wait()
		close(stop)
		require.LessOrEqual(t, int(admitted.Load()), capacity, "round %d", round)
	}
}

func TestLimiter_Janitor(t *testing.T) {
	cfg := singleBucket(CategoryFeed, 2, 100)
	cfg.SweepInterval = 10 * time.Millisecond
	cfg.IdleTTL = time.Millisecond
	l := NewLimiter(cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.StartJanitor(ctx)

	require.True(t, l.TryAcquire(CategoryFeed, "acct").Admitted())
	testutil.AssertEventuallyTrue(t, func() bool { return len(l.Snapshot()) == 0 }, 2*time.Second)
}

func TestLimiter_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := metrics.NewPrometheusSink(reg, "pacegate", nil, zap.NewNop())
	l, _ := newFakeLimiter(singleBucket(CategoryLike, 1, 1), WithMetrics(sink))

	l.TryAcquire(CategoryLike, "acct")
	l.TryAcquire(CategoryLike, "acct")

	count, err := promtestutil.GatherAndCount(reg, "pacegate_ratelimit_admissions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "admitted and rate_exhausted series")

	count, err = promtestutil.GatherAndCount(reg, "pacegate_ratelimit_wait_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestAdmission_String(t *testing.T) {
	assert.Contains(t, admitted(2, 0).String(), "permits=2")
	assert.Contains(t, rejected(ReasonBreakerOpen, time.Second).String(), "breaker_open")
	assert.Contains(t, errored(context.Canceled).String(), "canceled")
	assert.Nil(t, admitted(1, 0).AsError())
	assert.True(t, types.IsErrorCode(Admission{Decision: Errored}.AsError(), types.ErrInternalError))
}
