package fault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ErrUnknownResource is returned for resources never registered with the
// FailoverManager.
var ErrUnknownResource = errors.New("unknown failover resource")

// HealthCheck reports whether candidate can serve as primary. A nil
// HealthCheck treats every candidate as healthy.
type HealthCheck func(ctx context.Context, candidate string) bool

// FailoverConfig tunes the FailoverManager's monitoring loop.
type FailoverConfig struct {
	// CheckInterval is how often primaries are health-checked. Zero
	// disables the monitoring loop; Failover can still be called directly.
	CheckInterval time.Duration `yaml:"check_interval"`
	// CheckTimeout bounds a single health check.
	CheckTimeout time.Duration `yaml:"check_timeout"`
}

type failoverGroup struct {
	check       HealthCheck
	primary     string
	secondaries []string
	failovers   int
	lastSwitch  time.Time
}

// FailoverStatus describes one resource's primary and standby pool.
type FailoverStatus struct {
	LastFailover time.Time `json:"last_failover,omitempty"`
	Resource     string    `json:"resource"`
	Primary      string    `json:"primary"`
	Secondaries  []string  `json:"secondaries"`
	Failovers    int       `json:"failovers"`
}

// FailoverManager keeps one primary and an ordered list of secondaries per
// resource and promotes a healthy secondary on demand.
type FailoverManager struct {
	clock  clock.Clock
	logger *zap.Logger
	groups map[string]*failoverGroup
	cancel context.CancelFunc
	cfg    FailoverConfig
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewFailoverManager creates an empty FailoverManager.
func NewFailoverManager(cfg FailoverConfig, clk clock.Clock, logger *zap.Logger) *FailoverManager {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 2 * time.Second
	}
	return &FailoverManager{
		cfg:    cfg,
		clock:  clk,
		logger: logger,
		groups: make(map[string]*failoverGroup),
	}
}

// Register sets the primary and secondaries for resource, replacing any
// previous registration.
func (m *FailoverManager) Register(resource, primary string, secondaries []string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[resource] = &failoverGroup{
		primary:     primary,
		secondaries: append([]string(nil), secondaries...),
		check:       check,
	}
}

// Unregister forgets resource.
func (m *FailoverManager) Unregister(resource string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, resource)
}

// Primary returns the current primary for resource.
func (m *FailoverManager) Primary(resource string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[resource]
	if !ok {
		return "", false
	}
	return g.primary, true
}

// Failover promotes the first secondary that passes the health check and
// demotes the old primary to the end of the pool.
//
// Returns the new primary, or "" if no healthy candidate exists (the
// registration is then left unchanged). Health checks run without the
// manager lock held.
func (m *FailoverManager) Failover(ctx context.Context, resource string) (string, error) {
	m.mu.Lock()
	g, ok := m.groups[resource]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownResource, resource)
	}
	candidates := append([]string(nil), g.secondaries...)
	check := g.check
	oldPrimary := g.primary
	m.mu.Unlock()

	chosen := ""
	for _, c := range candidates {
		if check == nil || m.runCheck(ctx, check, c) {
			chosen = c
			break
		}
		m.logger.Debug("failover candidate unhealthy",
			zap.String("resource", resource), zap.String("candidate", c))
	}
	if chosen == "" {
		m.logger.Warn("no healthy failover candidate", zap.String("resource", resource))
		return "", nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok = m.groups[resource]
	if !ok || g.primary != oldPrimary {
		// registration changed while checks were running
		return "", nil
	}
	pool := make([]string, 0, len(g.secondaries))
	for _, s := range g.secondaries {
		if s != chosen {
			pool = append(pool, s)
		}
	}
	if oldPrimary != "" {
		pool = append(pool, oldPrimary)
	}
	g.primary = chosen
	g.secondaries = pool
	g.failovers++
	g.lastSwitch = m.clock.Now()

	m.logger.Info("failover promoted secondary",
		zap.String("resource", resource),
		zap.String("old_primary", oldPrimary),
		zap.String("new_primary", chosen))
	return chosen, nil
}

func (m *FailoverManager) runCheck(ctx context.Context, check HealthCheck, candidate string) bool {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	defer cancel()
	return check(ctx, candidate)
}

// Start launches the primary health-check loop if CheckInterval is set.
func (m *FailoverManager) Start(ctx context.Context) {
	if m.cfg.CheckInterval <= 0 {
		return
	}
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := m.clock.Ticker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.checkPrimaries(ctx)
			}
		}
	}()
}

// Stop cancels the health-check loop and waits for it.
func (m *FailoverManager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *FailoverManager) checkPrimaries(ctx context.Context) {
	type probe struct {
		check    HealthCheck
		resource string
		primary  string
	}
	m.mu.Lock()
	probes := make([]probe, 0, len(m.groups))
	for r, g := range m.groups {
		if g.check != nil && g.primary != "" {
			probes = append(probes, probe{resource: r, primary: g.primary, check: g.check})
		}
	}
	m.mu.Unlock()

	for _, p := range probes {
		if m.runCheck(ctx, p.check, p.primary) {
			continue
		}
		m.logger.Warn("primary failed health check",
			zap.String("resource", p.resource), zap.String("primary", p.primary))
		if _, err := m.Failover(ctx, p.resource); err != nil {
			m.logger.Debug("automatic failover skipped", zap.Error(err))
		}
	}
}

// Status returns the state of every registered resource.
func (m *FailoverManager) Status() map[string]FailoverStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]FailoverStatus, len(m.groups))
	for r, g := range m.groups {
		out[r] = FailoverStatus{
			Resource:     r,
			Primary:      g.primary,
			Secondaries:  append([]string(nil), g.secondaries...),
			Failovers:    g.failovers,
			LastFailover: g.lastSwitch,
		}
	}
	return out
}
