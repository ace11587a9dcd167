// Package fault provides the fleet's resilience primitives: per-resource
// circuit breakers, exponential-backoff retries, primary/secondary failover
// and a Layer facade composing them.
package fault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// BreakerState is the state of a circuit breaker.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// ErrCircuitOpen is matched by every error returned when a breaker rejects
// a call.
var ErrCircuitOpen = errors.New("circuit breaker open")

// OpenError reports a call rejected by the breaker for Key.
type OpenError struct {
	Key       string
	RetryAt   time.Time
	Remaining time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s (retry in %s)", e.Key, e.Remaining.Round(time.Millisecond))
}

// Is makes errors.Is(err, ErrCircuitOpen) hold for OpenError values.
func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

// BreakerConfig tunes a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold failures inside Window open the breaker.
	FailureThreshold int `yaml:"failure_threshold"`
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int `yaml:"success_threshold"`
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration `yaml:"timeout"`
	// HalfOpenMaxCalls bounds concurrent probes while half-open.
	HalfOpenMaxCalls int `yaml:"half_open_max_calls"`
	// Window is the sliding window failures are counted in.
	Window time.Duration `yaml:"window"`
}

// DefaultBreakerConfig returns the default breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 1,
		Window:           60 * time.Second,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	return c
}

// BreakerStats is a point-in-time view of a breaker.
type BreakerStats struct {
	OpenedAt       time.Time    `json:"opened_at,omitempty"`
	Key            string       `json:"key"`
	State          BreakerState `json:"state"`
	WindowFailures int          `json:"window_failures"`
	TotalCalls     int64        `json:"total_calls"`
	TotalFailures  int64        `json:"total_failures"`
	Rejected       int64        `json:"rejected"`
}

// CircuitBreaker implements CLOSED → OPEN → HALF_OPEN → {CLOSED|OPEN}.
//
// Closed: failures are recorded with their timestamps and pruned once they
// fall out of Window. Reaching FailureThreshold opens the breaker.
// Open: every call is rejected with an *OpenError until Timeout elapses.
// Half-open: at most HalfOpenMaxCalls probes run concurrently;
// SuccessThreshold consecutive successes close the breaker and any failure
// reopens it.
type CircuitBreaker struct {
	clock clock.Clock
	cfg   BreakerConfig
	key   string

	mu             sync.Mutex
	state          BreakerState
	failures       []time.Time
	openedAt       time.Time
	halfOpenCalls  int
	halfOpenOK     int
	totalCalls     int64
	totalFailures  int64
	rejectedCalls  int64
	onStateChanged func(key string, from, to BreakerState)
}

// NewCircuitBreaker creates a closed breaker for key.
func NewCircuitBreaker(key string, cfg BreakerConfig, clk clock.Clock) *CircuitBreaker {
	if clk == nil {
		clk = clock.New()
	}
	return &CircuitBreaker{
		key:   key,
		cfg:   cfg.withDefaults(),
		clock: clk,
		state: StateClosed,
	}
}

// Key returns the resource key the breaker guards.
func (b *CircuitBreaker) Key() string { return b.key }

// State returns the current state, moving OPEN to HALF_OPEN once the
// timeout has elapsed.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	return b.state
}

// CanExecute reports whether a call would currently be admitted. It does
// not reserve a half-open probe slot.
func (b *CircuitBreaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return b.halfOpenCalls < b.cfg.HalfOpenMaxCalls
	default:
		return false
	}
}

// Execute runs fn if the breaker admits the call and records the outcome.
// A rejected call returns an *OpenError without invoking fn.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

func (b *CircuitBreaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()

	switch b.state {
	case StateOpen:
		b.rejectedCalls++
		retryAt := b.openedAt.Add(b.cfg.Timeout)
		return &OpenError{Key: b.key, RetryAt: retryAt, Remaining: retryAt.Sub(b.clock.Now())}
	case StateHalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			b.rejectedCalls++
			return &OpenError{Key: b.key, RetryAt: b.clock.Now()}
		}
		b.halfOpenCalls++
	}
	b.totalCalls++
	return nil
}

// RecordSuccess records a successful call.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateHalfOpen {
		return
	}
	if b.halfOpenCalls > 0 {
		b.halfOpenCalls--
	}
	b.halfOpenOK++
	if b.halfOpenOK >= b.cfg.SuccessThreshold {
		b.transitionLocked(StateClosed)
	}
}

// RecordFailure records a failed call.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	now := b.clock.Now()
	switch b.state {
	case StateHalfOpen:
		b.transitionLocked(StateOpen)
	case StateClosed:
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	}
}

// Reset forces the breaker closed and clears its failure window.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateClosed)
}

// Stats returns a snapshot of the breaker's counters.
func (b *CircuitBreaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	b.pruneLocked(b.clock.Now())
	return BreakerStats{
		Key:            b.key,
		State:          b.state,
		WindowFailures: len(b.failures),
		OpenedAt:       b.openedAt,
		TotalCalls:     b.totalCalls,
		TotalFailures:  b.totalFailures,
		Rejected:       b.rejectedCalls,
	}
}

func (b *CircuitBreaker) advanceLocked() {
	if b.state == StateOpen && !b.clock.Now().Before(b.openedAt.Add(b.cfg.Timeout)) {
		b.transitionLocked(StateHalfOpen)
	}
}

func (b *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	b.failures = b.failures[i:]
}

func (b *CircuitBreaker) transitionLocked(to BreakerState) {
	from := b.state
	b.state = to
	b.halfOpenCalls = 0
	b.halfOpenOK = 0
	switch to {
	case StateOpen:
		b.openedAt = b.clock.Now()
	case StateClosed:
		b.failures = nil
		b.openedAt = time.Time{}
	}
	if from != to && b.onStateChanged != nil {
		// invoked under the breaker lock; must not call back into b
		b.onStateChanged(b.key, from, to)
	}
}

// BreakerRegistry lazily creates and caches one breaker per resource key.
type BreakerRegistry struct {
	clock    clock.Clock
	onChange func(key string, from, to BreakerState)
	breakers map[string]*CircuitBreaker
	cfg      BreakerConfig
	mu       sync.Mutex
}

// NewBreakerRegistry creates an empty registry whose breakers share cfg.
func NewBreakerRegistry(cfg BreakerConfig, clk clock.Clock) *BreakerRegistry {
	if clk == nil {
		clk = clock.New()
	}
	return &BreakerRegistry{
		cfg:      cfg.withDefaults(),
		clock:    clk,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// OnStateChange installs a callback fired on every breaker transition.
// It runs synchronously under the breaker's lock and must not block.
func (r *BreakerRegistry) OnStateChange(fn func(key string, from, to BreakerState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
	for _, b := range r.breakers {
		b.mu.Lock()
		b.onStateChanged = fn
		b.mu.Unlock()
	}
}

// Get returns the breaker for key, creating it on first use.
func (r *BreakerRegistry) Get(key string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[key]
	if !ok {
		b = NewCircuitBreaker(key, r.cfg, r.clock)
		b.onStateChanged = r.onChange
		r.breakers[key] = b
	}
	return b
}

// Reset forces the breaker for key closed. Unknown keys are ignored.
func (r *BreakerRegistry) Reset(key string) bool {
	r.mu.Lock()
	b, ok := r.breakers[key]
	r.mu.Unlock()
	if ok {
		b.Reset()
	}
	return ok
}

// Stats returns stats for every cached breaker keyed by resource.
func (r *BreakerRegistry) Stats() map[string]BreakerStats {
	r.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make(map[string]BreakerStats, len(list))
	for _, b := range list {
		out[b.key] = b.Stats()
	}
	return out
}

// OpenCount returns how many breakers are currently open.
func (r *BreakerRegistry) OpenCount() int {
	n := 0
	for _, s := range r.Stats() {
		if s.State == StateOpen {
			n++
		}
	}
	return n
}
