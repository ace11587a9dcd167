package coordinator

import (
	"context"
	"time"

	"github.com/dreamware/fleet/internal/device"
	"github.com/dreamware/fleet/internal/discovery"
	"github.com/dreamware/fleet/internal/fault"
	"github.com/dreamware/fleet/internal/scheduler"
	"github.com/dreamware/fleet/internal/statesync"
	"go.uber.org/zap"
)

// heartbeatTick marks silent devices offline and pushes every live
// device's heartbeat into the synchronizer.
func (e *Engine) heartbeatTick(context.Context) {
	for _, id := range e.registry.MarkStale(e.cfg.Heartbeat.Timeout) {
		e.metrics.StaleDevices.Inc()
		e.logger.Warn("device missed heartbeats, marked offline",
			zap.String("device_id", id), zap.Duration("timeout", e.cfg.Heartbeat.Timeout))
		e.replicate(id, map[string]any{"state": string(device.StateOffline)})
	}
	for _, d := range e.registry.List() {
		if d.State == device.StateOffline {
			continue
		}
		if d.State == device.StateBusy {
			e.releaseDevice(d.ID)
		}
		e.replicate(d.ID, map[string]any{
			"state":          string(d.State),
			"last_heartbeat": d.LastHeartbeat.UnixMilli(),
		})
	}
}

// HealthReport is what the health loop publishes. Producing it never
// changes any state.
type HealthReport struct {
	At           time.Time `json:"at"`
	State        State     `json:"state"`
	Unhealthy    []string  `json:"unhealthy_devices,omitempty"`
	Devices      int       `json:"devices"`
	Offline      int       `json:"offline"`
	Backlog      int       `json:"task_backlog"`
	OpenBreakers int       `json:"open_breakers"`
}

// Report computes a fresh health report.
func (e *Engine) Report() HealthReport {
	counts := e.registry.CountByState()
	total := 0
	for _, n := range counts {
		total += n
	}
	r := HealthReport{
		At:           e.clock.Now(),
		State:        e.State(),
		Devices:      total,
		Offline:      counts[device.StateOffline],
		Backlog:      e.scheduler.Backlog(),
		OpenBreakers: e.fault.Status().OpenBreakers,
	}
	for id, h := range e.monitor.GetAllDeviceHealth() {
		if h.Status == HealthUnhealthy {
			r.Unhealthy = append(r.Unhealthy, id)
		}
	}
	return r
}

func (e *Engine) healthTick(context.Context) {
	r := e.Report()
	e.metrics.observeDevices(e.registry.CountByState())
	e.metrics.TaskBacklog.Set(float64(r.Backlog))
	e.metrics.OpenBreakers.Set(float64(r.OpenBreakers))

	e.mu.Lock()
	e.report = r
	e.mu.Unlock()

	e.logger.Info("health report",
		zap.Int("devices", r.Devices),
		zap.Int("offline", r.Offline),
		zap.Int("task_backlog", r.Backlog),
		zap.Int("open_breakers", r.OpenBreakers))
}

// LastReport returns the report published by the last health tick.
func (e *Engine) LastReport() HealthReport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.report
}

// Health summarizes liveness for /health.
type Health struct {
	Status string `json:"status"`
	State  State  `json:"state"`
	NodeID string `json:"node_id"`
}

// Health reports "healthy" while running or paused, "degraded" after an
// initialization error and "unhealthy" otherwise.
func (e *Engine) Health() Health {
	st := e.State()
	h := Health{State: st, NodeID: e.cfg.NodeID}
	switch st {
	case StateRunning, StatePaused:
		h.Status = "healthy"
	case StateError:
		h.Status = "degraded"
	default:
		h.Status = "unhealthy"
	}
	return h
}

// Status is the engine view served on /status.
type Status struct {
	StartedAt  time.Time        `json:"started_at,omitempty"`
	Components map[string]bool  `json:"components"`
	NodeID     string           `json:"node_id"`
	State      State            `json:"state"`
	LastError  string           `json:"last_error,omitempty"`
	Uptime     string           `json:"uptime,omitempty"`
	Report     HealthReport     `json:"last_report"`
	Discovery  discovery.Status `json:"discovery"`
	Errors     int              `json:"errors"`
	Groups     int              `json:"groups"`
}

// Status returns the engine's lifecycle view.
func (e *Engine) Status() Status {
	e.mu.RLock()
	st := Status{
		NodeID:    e.cfg.NodeID,
		State:     e.state,
		StartedAt: e.startedAt,
		Errors:    e.errCount,
		LastError: e.lastError,
		Report:    e.report,
		Groups:    len(e.groups),
	}
	e.mu.RUnlock()
	if !st.StartedAt.IsZero() && st.State != StateStopped {
		st.Uptime = e.clock.Since(st.StartedAt).Round(time.Second).String()
	}
	disc := e.discovery.Status()
	st.Discovery = disc
	st.Components = map[string]bool{
		"discovery": disc.Running,
		"sync":      e.sync.GetSyncStatus().Running,
		"scheduler": st.State == StateRunning,
	}
	return st
}

// Stats aggregates counters from every component.
type Stats struct {
	DevicesByState map[device.State]int `json:"devices_by_state"`
	Fault          fault.Status         `json:"fault_tolerance"`
	Tasks          scheduler.Stats      `json:"tasks"`
	Sync           statesync.Stats      `json:"sync"`
	State          State                `json:"state"`
	Devices        int                  `json:"devices"`
	Discovered     int                  `json:"discovered"`
	Groups         int                  `json:"groups"`
	Errors         int                  `json:"errors"`
}

// Stats returns aggregated counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	groups, errs, st := len(e.groups), e.errCount, e.state
	e.mu.RUnlock()
	return Stats{
		State:          st,
		Devices:        e.registry.Count(),
		DevicesByState: e.registry.CountByState(),
		Discovered:     e.discovery.Count(),
		Groups:         groups,
		Errors:         errs,
		Tasks:          e.scheduler.Stats(),
		Sync:           e.sync.Stats(),
		Fault:          e.fault.Status(),
	}
}
