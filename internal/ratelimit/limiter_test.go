package ratelimit_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/alejandrodnm/skysync/internal/domain"
	"github.com/alejandrodnm/skysync/internal/ratelimit"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newMockLimiter(t *testing.T, cfg ratelimit.Config) (*ratelimit.Limiter, *quartz.Mock) {
	t.Helper()
	clock := quartz.NewMock(t)
	return ratelimit.New(cfg, clock, nil), clock
}

func testConfig(perMinute, perDay int) ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	cfg.Anonymous = ratelimit.Quota{PerMinute: perMinute, PerDay: perDay}
	cfg.MinInterval = time.Second
	cfg.MaxInterval = time.Minute
	return cfg
}

func TestLimiter_TwoPerMinute_ThirdRefused(t *testing.T) {
	l, clock := newMockLimiter(t, testConfig(2, 100))
	start := clock.Now()

	assert.True(t, l.TryAcquire())
	assert.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire(), "tercera llamada dentro del mismo minuto debe fallar")
	assert.True(t, l.IsRateLimited())

	next := l.NextAvailableSlot()
	assert.False(t, next.Before(start.Add(time.Minute)), "next slot %s debe ser >= start+60s", next)

	clock.Advance(time.Minute).MustWait(context.Background())
	assert.False(t, l.IsRateLimited())
	assert.True(t, l.TryAcquire())
}

func TestLimiter_DailyCeiling(t *testing.T) {
	l, clock := newMockLimiter(t, testConfig(100, 3))
	first := clock.Now()

	for i := 0; i < 3; i++ {
		require.True(t, l.TryAcquire(), "request %d", i)
		clock.Advance(2 * time.Minute).MustWait(context.Background())
	}
	assert.False(t, l.TryAcquire())
	assert.True(t, l.IsRateLimited())
	assert.Equal(t, first.Add(24*time.Hour), l.NextAvailableSlot())
}

func TestLimiter_NeverExceedsRollingWindows(t *testing.T) {
	const perMinute, perDay = 5, 40
	l, clock := newMockLimiter(t, testConfig(perMinute, perDay))

	var granted []time.Time
	for i := 0; i < 2000; i++ {
		step := time.Duration(1+(i*7)%23) * time.Second
		clock.Advance(step).MustWait(context.Background())
		if l.TryAcquire() {
			granted = append(granted, clock.Now())
		}
	}
	require.NotEmpty(t, granted)

	countIn := func(from time.Time, span time.Duration) int {
		n := 0
		for _, g := range granted {
			if !g.Before(from) && g.Before(from.Add(span)) {
				n++
			}
		}
		return n
	}
	for _, g := range granted {
		assert.LessOrEqual(t, countIn(g, time.Minute), perMinute)
		assert.LessOrEqual(t, countIn(g, 24*time.Hour), perDay)
	}
}

func TestLimiter_IntervalStaysWithinBounds(t *testing.T) {
	cfg := testConfig(10, 400)
	l, _ := newMockLimiter(t, cfg)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		switch rng.Intn(3) {
		case 0:
			l.RecordSuccess()
		case 1:
			l.RecordFailure(0)
		default:
			l.RecordFailure(time.Duration(rng.Intn(120)) * time.Second)
		}
		iv := l.Interval()
		require.GreaterOrEqual(t, iv, cfg.MinInterval)
		require.LessOrEqual(t, iv, cfg.MaxInterval)
	}
}

func TestLimiter_IntervalSteps(t *testing.T) {
	l, _ := newMockLimiter(t, testConfig(10, 400))

	assert.Equal(t, time.Second, l.Interval())
	l.RecordFailure(0)
	assert.Equal(t, 2*time.Second, l.Interval())
	l.RecordFailure(0)
	assert.Equal(t, 4*time.Second, l.Interval())
	assert.Equal(t, 2, l.ConsecutiveFailures())

	l.RecordSuccess()
	recovery := 1.5
	assert.Equal(t, time.Duration(float64(4*time.Second)/recovery), l.Interval())
	assert.Equal(t, 0, l.ConsecutiveFailures())

	for i := 0; i < 20; i++ {
		l.RecordFailure(0)
	}
	assert.Equal(t, time.Minute, l.Interval(), "clamp al máximo")

	for i := 0; i < 50; i++ {
		l.RecordSuccess()
	}
	assert.Equal(t, time.Second, l.Interval(), "clamp al mínimo")
}

func TestLimiter_RetryAfterOverridesBackoff(t *testing.T) {
	l, clock := newMockLimiter(t, testConfig(10, 400))
	now := clock.Now()

	l.RecordFailure(30 * time.Second)
	assert.Equal(t, 30*time.Second, l.Interval())
	assert.True(t, l.IsRateLimited(), "bloqueo explícito del upstream")
	assert.False(t, l.NextAvailableSlot().Before(now.Add(30*time.Second)))

	// Un retry-after menor que el mínimo se eleva al mínimo.
	l.RecordFailure(100 * time.Millisecond)
	assert.Equal(t, time.Second, l.Interval())
}

func TestLimiter_AuthenticatedDoublesQuota(t *testing.T) {
	cfg := testConfig(10, 400)
	cfg.Mode = ratelimit.ModeAuthenticated
	l, _ := newMockLimiter(t, cfg)

	assert.Equal(t, ratelimit.ModeAuthenticated, l.Mode())
	assert.Equal(t, ratelimit.Quota{PerMinute: 20, PerDay: 800}, l.Quota())

	granted := 0
	for i := 0; i < 30; i++ {
		if l.TryAcquire() {
			granted++
		}
	}
	assert.Equal(t, 20, granted)
}

func TestLimiter_ConcurrentTryAcquire(t *testing.T) {
	l, _ := newMockLimiter(t, testConfig(10, 400))

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAcquire() {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), granted.Load())
}

func TestLimiter_Schedule_RunsOpAndRecordsSuccess(t *testing.T) {
	l, _ := newMockLimiter(t, testConfig(10, 400))
	l.RecordFailure(0)
	l.RecordFailure(0)
	require.Equal(t, 4*time.Second, l.Interval())

	called := false
	err := l.Schedule(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, 0, l.ConsecutiveFailures())
	assert.Less(t, l.Interval(), 4*time.Second)
	assert.Equal(t, 1, l.Stats().MinuteCount)
}

func TestLimiter_Schedule_TransientErrorBacksOff(t *testing.T) {
	l, _ := newMockLimiter(t, testConfig(10, 400))

	upstreamErr := domain.NewError(domain.KindUpstreamUnavailable, "fetch", errors.New("502"))
	err := l.Schedule(context.Background(), func(context.Context) error { return upstreamErr })
	require.ErrorIs(t, err, upstreamErr)
	assert.Equal(t, 2*time.Second, l.Interval())
	assert.Equal(t, 1, l.ConsecutiveFailures())
}

func TestLimiter_Schedule_InvalidInputDoesNotAdapt(t *testing.T) {
	l, _ := newMockLimiter(t, testConfig(10, 400))

	err := l.Schedule(context.Background(), func(context.Context) error {
		return domain.InvalidInput("fetch", "bad id %q", "zz")
	})
	require.Error(t, err)
	assert.Equal(t, time.Second, l.Interval())
	assert.Equal(t, 0, l.ConsecutiveFailures())
}

func TestLimiter_Schedule_RefusesBeyondMaxWait(t *testing.T) {
	cfg := testConfig(1, 100)
	cfg.MaxWait = time.Second
	l, clock := newMockLimiter(t, cfg)
	start := clock.Now()

	require.True(t, l.TryAcquire())

	called := false
	err := l.Schedule(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.Equal(t, domain.KindRateLimited, domain.KindOf(err))
	assert.ErrorIs(t, err, domain.ErrQuotaExhausted)

	var se *domain.SyncError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, start.Add(time.Minute), se.RetryAt)
}

func TestLimiter_Schedule_WaitsForInterval(t *testing.T) {
	cfg := testConfig(100, 1000)
	cfg.MinInterval = 40 * time.Millisecond
	l := ratelimit.New(cfg, quartz.NewReal(), nil)

	var stamps []time.Time
	for i := 0; i < 2; i++ {
		err := l.Schedule(context.Background(), func(context.Context) error {
			stamps = append(stamps, time.Now())
			return nil
		})
		require.NoError(t, err)
	}
	require.Len(t, stamps, 2)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 35*time.Millisecond)
}

func TestLimiter_Schedule_ContextCancelledWhileWaiting(t *testing.T) {
	cfg := testConfig(1, 100)
	cfg.MaxWait = 0
	l := ratelimit.New(cfg, quartz.NewReal(), nil)
	require.True(t, l.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	called := false
	err := l.Schedule(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
}
