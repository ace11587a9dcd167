package fault

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrTransient marks errors worth retrying, such as timeouts and
// unreachable devices.
var ErrTransient = errors.New("transient failure")

type transientError struct{ err error }

func (e *transientError) Error() string        { return e.err.Error() }
func (e *transientError) Unwrap() error        { return e.err }
func (e *transientError) Is(target error) bool { return target == ErrTransient }

// MarkTransient wraps err so that errors.Is(err, ErrTransient) holds.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that RetryManager gives up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err must not be retried. Breaker rejections
// and context cancellation are permanent as well.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, context.Canceled)
}

// RetryConfig tunes a RetryManager.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `yaml:"max_retries"`
	// BaseDelay is the delay before the first retry; it doubles each time.
	BaseDelay time.Duration `yaml:"base_delay"`
	// MaxDelay caps a single delay.
	MaxDelay time.Duration `yaml:"max_delay"`
	// Jitter randomizes each delay into [delay/2, delay].
	Jitter bool `yaml:"jitter"`
}

// DefaultRetryConfig returns the default retry tuning.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Jitter:     true,
	}
}

// RetryStats counts RetryManager activity.
type RetryStats struct {
	Calls     int64 `json:"calls"`
	Attempts  int64 `json:"attempts"`
	Retries   int64 `json:"retries"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// RetryManager re-runs failing operations with exponential backoff.
type RetryManager struct {
	clock clock.Clock
	cfg   RetryConfig

	calls     atomic.Int64
	attempts  atomic.Int64
	retries   atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
}

// NewRetryManager creates a RetryManager. Negative MaxRetries are treated
// as zero.
func NewRetryManager(cfg RetryConfig, clk clock.Clock) *RetryManager {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultRetryConfig().MaxDelay
	}
	return &RetryManager{cfg: cfg, clock: clk}
}

// Delay returns the wait before retry number attempt (0-based):
// BaseDelay * 2^attempt, capped at MaxDelay, optionally jittered.
func (m *RetryManager) Delay(attempt int) time.Duration {
	d := float64(m.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if d > float64(m.cfg.MaxDelay) {
		d = float64(m.cfg.MaxDelay)
	}
	if m.cfg.Jitter && d > 0 {
		d = d/2 + rand.Float64()*d/2 //nolint:gosec // jitter does not need crypto randomness
	}
	return time.Duration(d)
}

// Do calls fn up to MaxRetries+1 times. It returns nil on the first
// success, the last error once retries are exhausted, or immediately on a
// permanent error or context cancellation.
func (m *RetryManager) Do(ctx context.Context, fn func(context.Context) error) error {
	m.calls.Add(1)
	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			m.retries.Add(1)
			select {
			case <-ctx.Done():
				m.failures.Add(1)
				return lastErr
			case <-m.clock.After(m.Delay(attempt - 1)):
			}
		}

		m.attempts.Add(1)
		lastErr = fn(ctx)
		if lastErr == nil {
			m.successes.Add(1)
			return nil
		}
		if IsPermanent(lastErr) {
			break
		}
	}
	m.failures.Add(1)
	if p, ok := lastErr.(*permanentError); ok {
		return p.err
	}
	return lastErr
}

// Stats returns the manager's counters.
func (m *RetryManager) Stats() RetryStats {
	return RetryStats{
		Calls:     m.calls.Load(),
		Attempts:  m.attempts.Load(),
		Retries:   m.retries.Load(),
		Successes: m.successes.Load(),
		Failures:  m.failures.Load(),
	}
}
