package fault

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func failing(context.Context) error { return errBoom }
func ok(context.Context) error      { return nil }

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          10 * time.Second,
		HalfOpenMaxCalls: 1,
		Window:           time.Minute,
	}
}

// TestBreakerLifecycle walks the breaker through
// CLOSED → OPEN → HALF_OPEN → CLOSED.
func TestBreakerLifecycle(t *testing.T) {
	mock := clock.NewMock()
	b := NewCircuitBreaker("dev-1", testBreakerConfig(), mock)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Execute(ctx, failing), errBoom)
		assert.Equal(t, StateClosed, b.State())
	}
	assert.ErrorIs(t, b.Execute(ctx, failing), errBoom)
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.CanExecute())

	calls := 0
	err := b.Execute(ctx, func(context.Context) error { calls++; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "dev-1", openErr.Key)
	assert.Zero(t, calls, "open breaker must not invoke the wrapped function")

	mock.Add(10 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
	assert.True(t, b.CanExecute())

	require.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	mock := clock.NewMock()
	b := NewCircuitBreaker("dev-2", testBreakerConfig(), mock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, failing)
	}
	mock.Add(11 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	assert.ErrorIs(t, b.Execute(ctx, failing), errBoom)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenLimitsProbes(t *testing.T) {
	mock := clock.NewMock()
	b := NewCircuitBreaker("dev-3", testBreakerConfig(), mock)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, failing)
	}
	mock.Add(10 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.False(t, b.CanExecute())
	assert.ErrorIs(t, b.Execute(ctx, ok), ErrCircuitOpen)

	close(release)
	require.NoError(t, <-done)
}

func TestBreakerSlidingWindow(t *testing.T) {
	mock := clock.NewMock()
	b := NewCircuitBreaker("dev-4", testBreakerConfig(), mock)
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	_ = b.Execute(ctx, failing)
	mock.Add(2 * time.Minute)
	_ = b.Execute(ctx, failing)

	assert.Equal(t, StateClosed, b.State(), "failures outside the window must not count")
	assert.Equal(t, 1, b.Stats().WindowFailures)
}

func TestBreakerReset(t *testing.T) {
	b := NewCircuitBreaker("dev-5", testBreakerConfig(), clock.NewMock())
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failing)
	}
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.CanExecute())
}

func TestBreakerRegistryIsolatesKeys(t *testing.T) {
	reg := NewBreakerRegistry(testBreakerConfig(), clock.NewMock())
	ctx := context.Background()

	assert.Same(t, reg.Get("a"), reg.Get("a"))
	for i := 0; i < 3; i++ {
		_ = reg.Get("a").Execute(ctx, failing)
	}
	assert.Equal(t, StateOpen, reg.Get("a").State())
	assert.Equal(t, StateClosed, reg.Get("b").State())
	assert.Equal(t, 1, reg.OpenCount())

	assert.True(t, reg.Reset("a"))
	assert.False(t, reg.Reset("missing"))
	assert.Equal(t, 0, reg.OpenCount())
}

// TestRetrySucceedsAfterMaxRetries verifies a function failing exactly
// MaxRetries times still succeeds, with MaxRetries+1 calls in total.
func TestRetrySucceedsAfterMaxRetries(t *testing.T) {
	m := NewRetryManager(RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, nil)

	calls := 0
	err := m.Do(context.Background(), func(context.Context) error {
		calls++
		if calls <= 3 {
			return errBoom
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 4, calls)
	stats := m.Stats()
	assert.Equal(t, int64(4), stats.Attempts)
	assert.Equal(t, int64(3), stats.Retries)
	assert.Equal(t, int64(1), stats.Successes)
}

func TestRetryExhaustedReturnsLastError(t *testing.T) {
	m := NewRetryManager(RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond}, nil)

	calls := 0
	last := errors.New("third")
	err := m.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 3 {
			return last
		}
		return errBoom
	})

	assert.Equal(t, 3, calls)
	assert.Same(t, last, err)
	assert.Equal(t, int64(1), m.Stats().Failures)
}

func TestRetryStopsOnPermanent(t *testing.T) {
	m := NewRetryManager(RetryConfig{MaxRetries: 5, BaseDelay: time.Millisecond}, nil)

	calls := 0
	err := m.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(errBoom)
	})

	assert.Equal(t, 1, calls)
	assert.Same(t, errBoom, err)
}

func TestRetryDelay(t *testing.T) {
	m := NewRetryManager(RetryConfig{MaxRetries: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}, nil)

	assert.Equal(t, 100*time.Millisecond, m.Delay(0))
	assert.Equal(t, 200*time.Millisecond, m.Delay(1))
	assert.Equal(t, 400*time.Millisecond, m.Delay(2))
	assert.Equal(t, time.Second, m.Delay(5), "delay is capped")

	jittered := NewRetryManager(RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: true}, nil)
	for i := 0; i < 20; i++ {
		d := jittered.Delay(1)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 200*time.Millisecond)
	}
}

func TestRetryHonoursContext(t *testing.T) {
	m := NewRetryManager(RetryConfig{MaxRetries: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := m.Do(ctx, func(context.Context) error { calls++; return errBoom })

	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, calls)
}

// TestFailoverPromotesHealthy verifies that with one unhealthy and one
// healthy secondary, the healthy one is always promoted.
func TestFailoverPromotesHealthy(t *testing.T) {
	m := NewFailoverManager(FailoverConfig{}, clock.NewMock(), nil)
	healthy := func(_ context.Context, c string) bool { return c == "good" }
	m.Register("cams", "primary", []string{"bad", "good"}, healthy)

	got, err := m.Failover(context.Background(), "cams")
	require.NoError(t, err)
	assert.Equal(t, "good", got)

	primary, _ := m.Primary("cams")
	assert.Equal(t, "good", primary)
	st := m.Status()["cams"]
	assert.Equal(t, []string{"bad", "primary"}, st.Secondaries, "old primary is demoted to the pool")
	assert.Equal(t, 1, st.Failovers)
}

func TestFailoverNoHealthyCandidate(t *testing.T) {
	m := NewFailoverManager(FailoverConfig{}, nil, nil)
	m.Register("r", "p", []string{"a", "b"}, func(context.Context, string) bool { return false })

	got, err := m.Failover(context.Background(), "r")
	require.NoError(t, err)
	assert.Empty(t, got)
	primary, _ := m.Primary("r")
	assert.Equal(t, "p", primary)

	_, err = m.Failover(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownResource)
}

func TestFailoverMonitorLoop(t *testing.T) {
	m := NewFailoverManager(FailoverConfig{CheckInterval: 10 * time.Millisecond}, nil, nil)
	var primaryDown atomic.Bool
	primaryDown.Store(true)
	m.Register("r", "p", []string{"s"}, func(_ context.Context, c string) bool {
		return c != "p" || !primaryDown.Load()
	})

	m.Start(context.Background())
	defer m.Stop()

	assert.Eventually(t, func() bool {
		p, _ := m.Primary("r")
		return p == "s"
	}, time.Second, 5*time.Millisecond)
}

func TestLayerIsolatesPerKeyBreakers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Breaker = testBreakerConfig()
	cfg.Retry = RetryConfig{MaxRetries: 0}
	l := NewLayer(cfg, clock.NewMock(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, l.ExecuteWithResilience(ctx, "bad", failing), errBoom)
	}
	assert.ErrorIs(t, l.ExecuteWithResilience(ctx, "bad", ok), ErrCircuitOpen)
	assert.NoError(t, l.ExecuteWithResilience(ctx, "good", ok))

	st := l.Status()
	assert.Equal(t, 1, st.OpenBreakers)
	assert.Equal(t, StateOpen, st.Breakers["bad"].State)
	assert.Equal(t, StateClosed, st.Breakers["good"].State)
}

func TestLayerStopsRetryingWhenBreakerOpens(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Breaker = testBreakerConfig()
	cfg.Retry = RetryConfig{MaxRetries: 10, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	l := NewLayer(cfg, nil, nil)

	calls := 0
	err := l.ExecuteWithResilience(context.Background(), "flaky", func(context.Context) error {
		calls++
		return MarkTransient(errBoom)
	})

	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 3, calls, "calls stop at the failure threshold")
}
