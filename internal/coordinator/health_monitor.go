package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dreamware/fleet/internal/device"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Health statuses tracked per device.
const (
	HealthUnknown   = "unknown"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// DeviceHealth tracks probe results for a single device.
type DeviceHealth struct {
	LastCheck        time.Time `json:"last_check"`
	LastHealthy      time.Time `json:"last_healthy"`
	DeviceID         string    `json:"device_id"`
	Status           string    `json:"status"`
	LastError        string    `json:"last_error,omitempty"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// HealthConfig tunes device probing and the engine's health report loop.
type HealthConfig struct {
	// Interval is how often the engine publishes its health report.
	Interval time.Duration `yaml:"interval"`
	// ProbeInterval is how often devices are probed. Zero disables probing.
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	// MaxFailures consecutive failed probes mark a device unhealthy.
	MaxFailures int `yaml:"max_failures"`
	// Parallelism bounds concurrent probes.
	Parallelism int `yaml:"parallelism"`
}

// DefaultHealthConfig returns the default health tuning.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Interval:      30 * time.Second,
		ProbeInterval: 15 * time.Second,
		ProbeTimeout:  2 * time.Second,
		MaxFailures:   3,
		Parallelism:   8,
	}
}

// HealthMonitor probes devices periodically and keeps its own view of
// which ones answer. It never changes device state in the registry;
// consumers such as group failover read IsHealthy instead.
// Thread-safe: all methods are safe for concurrent access.
type HealthMonitor struct {
	clock       clock.Clock
	logger      *zap.Logger
	checkFunc   func(ctx context.Context, d *device.Device) error
	onUnhealthy func(deviceID string)
	onProbe     func(ok bool)
	devices     map[string]*DeviceHealth
	cancel      context.CancelFunc
	cfg         HealthConfig
	mu          sync.RWMutex
	wg          sync.WaitGroup
}

// NewHealthMonitor creates a monitor that probes with check.
//
// Example:
//
//	monitor := NewHealthMonitor(cfg, client.Ping, clk, logger)
//	monitor.Start(ctx, registry.List)
func NewHealthMonitor(cfg HealthConfig, check func(ctx context.Context, d *device.Device) error, clk clock.Clock, logger *zap.Logger) *HealthMonitor {
	d := DefaultHealthConfig()
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = d.ProbeTimeout
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = d.MaxFailures
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = d.Parallelism
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthMonitor{
		cfg:       cfg,
		clock:     clk,
		logger:    logger,
		checkFunc: check,
		devices:   make(map[string]*DeviceHealth),
	}
}

// SetOnUnhealthy sets the callback invoked, in its own goroutine, when a
// device crosses MaxFailures.
func (h *HealthMonitor) SetOnUnhealthy(callback func(deviceID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnhealthy = callback
}

// SetCheckFunction replaces the probe.
func (h *HealthMonitor) SetCheckFunction(check func(ctx context.Context, d *device.Device) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkFunc = check
}

func (h *HealthMonitor) setOnProbe(fn func(ok bool)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onProbe = fn
}

// Start probes every device returned by provider immediately and then
// every ProbeInterval, until ctx is cancelled or Stop is called. It
// returns at once; probing runs in the background. A zero ProbeInterval
// disables the loop.
func (h *HealthMonitor) Start(ctx context.Context, provider func() []*device.Device) {
	if h.cfg.ProbeInterval <= 0 {
		return
	}
	h.mu.Lock()
	if h.cancel != nil {
		h.mu.Unlock()
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := h.clock.Ticker(h.cfg.ProbeInterval)
		defer ticker.Stop()

		h.logger.Info("health monitor started", zap.Duration("interval", h.cfg.ProbeInterval))
		h.CheckAll(ctx, provider())
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.CheckAll(ctx, provider())
			}
		}
	}()
}

// Stop cancels the probe loop and waits for it.
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
}

// CheckAll probes devices concurrently and forgets devices no longer in
// the list. Offline and maintenance devices are skipped.
func (h *HealthMonitor) CheckAll(ctx context.Context, devices []*device.Device) {
	current := make(map[string]bool, len(devices))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.cfg.Parallelism)
	for _, d := range devices {
		current[d.ID] = true
		if !d.Available() {
			continue
		}
		d := d
		g.Go(func() error {
			h.Check(gctx, d)
			return nil
		})
	}
	_ = g.Wait()

	h.mu.Lock()
	for id := range h.devices {
		if !current[id] {
			delete(h.devices, id)
			h.logger.Debug("device removed from health monitoring", zap.String("device_id", id))
		}
	}
	h.mu.Unlock()
}

// Check probes one device and records the outcome. It returns the probe
// error.
func (h *HealthMonitor) Check(ctx context.Context, d *device.Device) error {
	h.mu.Lock()
	health, exists := h.devices[d.ID]
	if !exists {
		now := h.clock.Now()
		health = &DeviceHealth{DeviceID: d.ID, Status: HealthUnknown, LastCheck: now, LastHealthy: now}
		h.devices[d.ID] = health
	}
	check, onProbe := h.checkFunc, h.onProbe
	h.mu.Unlock()

	var err error
	if check != nil {
		pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
		err = check(pctx, d)
		cancel()
	}
	if onProbe != nil {
		onProbe(err == nil)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	health.LastCheck = h.clock.Now()
	if err != nil {
		health.ConsecutiveFails++
		health.LastError = err.Error()
		h.logger.Debug("device probe failed",
			zap.String("device_id", d.ID),
			zap.Int("attempt", health.ConsecutiveFails),
			zap.Int("max", h.cfg.MaxFailures),
			zap.Error(err))
		if health.ConsecutiveFails >= h.cfg.MaxFailures && health.Status != HealthUnhealthy {
			health.Status = HealthUnhealthy
			h.logger.Warn("device marked unhealthy",
				zap.String("device_id", d.ID), zap.Int("failures", health.ConsecutiveFails))
			if h.onUnhealthy != nil {
				go h.onUnhealthy(d.ID)
			}
		}
		return err
	}
	if health.Status == HealthUnhealthy {
		h.logger.Info("device recovered", zap.String("device_id", d.ID))
	}
	health.Status = HealthHealthy
	health.ConsecutiveFails = 0
	health.LastError = ""
	health.LastHealthy = health.LastCheck
	return nil
}

// GetDeviceHealth returns a copy of the device's health record, or nil if
// it is not being monitored.
func (h *HealthMonitor) GetDeviceHealth(deviceID string) *DeviceHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.devices[deviceID]
	if !ok {
		return nil
	}
	c := *health
	return &c
}

// GetAllDeviceHealth returns copies of every health record.
func (h *HealthMonitor) GetAllDeviceHealth() map[string]*DeviceHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]*DeviceHealth, len(h.devices))
	for id, health := range h.devices {
		c := *health
		out[id] = &c
	}
	return out
}

// IsHealthy reports whether the device's last probes succeeded.
func (h *HealthMonitor) IsHealthy(deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.devices[deviceID]
	return ok && health.Status == HealthHealthy
}
