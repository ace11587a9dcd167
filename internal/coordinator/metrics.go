package coordinator

import (
	"github.com/dreamware/fleet/internal/device"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's prometheus collectors.
type Metrics struct {
	registry       *prometheus.Registry
	Devices        *prometheus.GaugeVec
	TaskBacklog    prometheus.Gauge
	OfflineDevices prometheus.Gauge
	OpenBreakers   prometheus.Gauge
	EngineErrors   prometheus.Counter
	Commands       *prometheus.CounterVec
	StaleDevices   prometheus.Counter
	HealthProbes   *prometheus.CounterVec
	TaskStates     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on a fresh
// registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Devices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleet",
			Name:      "devices",
			Help:      "Registered devices by state.",
		}, []string{"state"}),
		TaskBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleet",
			Name:      "task_backlog",
			Help:      "Tasks not yet in a terminal state.",
		}),
		OfflineDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleet",
			Name:      "devices_offline",
			Help:      "Devices currently offline.",
		}),
		OpenBreakers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleet",
			Name:      "circuit_breakers_open",
			Help:      "Per-device circuit breakers currently open.",
		}),
		EngineErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleet",
			Name:      "engine_errors_total",
			Help:      "Engine initialization errors.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Name:      "device_commands_total",
			Help:      "Commands sent to devices by outcome.",
		}, []string{"result"}),
		StaleDevices: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleet",
			Name:      "devices_marked_offline_total",
			Help:      "Devices marked offline after missing heartbeats.",
		}),
		HealthProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Name:      "health_probes_total",
			Help:      "Device health probes by outcome.",
		}, []string{"result"}),
		TaskStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Name:      "task_transitions_total",
			Help:      "Task state transitions by target state.",
		}, []string{"state"}),
	}
	m.registry.MustRegister(
		m.Devices, m.TaskBacklog, m.OfflineDevices, m.OpenBreakers,
		m.EngineErrors, m.Commands, m.StaleDevices, m.HealthProbes, m.TaskStates,
	)
	return m
}

// Registry returns the registry holding the collectors, for /metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) observeDevices(counts map[device.State]int) {
	for _, st := range []device.State{
		device.StateIdle, device.StateBusy, device.StateOffline, device.StateError, device.StateMaintenance,
	} {
		m.Devices.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
	m.OfflineDevices.Set(float64(counts[device.StateOffline]))
}
