// Package coordinator implements the fleet coordination engine: the
// composition root that ties the device registry, discovery, state
// synchronization, task scheduling and fault tolerance into one control
// plane, and drives devices through their agents.
//
// # Overview
//
// An Engine owns one instance of every component and connects them with
// callbacks. Discovery events feed the registry, registry changes are
// replicated through the synchronizer, scheduled tasks are executed as
// commands sent to device agents, and every command to a device passes
// through that device's circuit breaker.
//
// # Architecture
//
//	┌──────────────────────────────────────────────┐
//	│                   ENGINE                      │
//	├──────────────────────────────────────────────┤
//	│                                              │
//	│  discovery ──found/seen/lost──▶ registry     │
//	│                                    │         │
//	│                          replicate │         │
//	│                                    ▼         │
//	│  scheduler ──assign──▶ executor   sync ◀──▶ peers
//	│                          │                   │
//	│                          ▼                   │
//	│            fault layer (breaker + retry)     │
//	│                          │                   │
//	│                          ▼                   │
//	│                    DeviceClient ──▶ agents   │
//	│                                              │
//	│  heartbeat loop   health loop   HealthMonitor│
//	└──────────────────────────────────────────────┘
//
// # Lifecycle
//
// New wires the components; nothing runs until Start. Start moves the
// engine through INITIALIZING to RUNNING, or to ERROR when a component
// fails to come up. An initialization failure is recorded in the error
// counter and never aborts the process: components that did start keep
// serving. Pause and Resume only gate task dispatch. Stop halts the loops
// and every component and leaves the engine STOPPED.
//
// # Background loops
//
// The heartbeat loop marks devices silent for longer than
// Heartbeat.Timeout offline and replicates every live device's state.
// The health loop publishes a HealthReport and the prometheus gauges; it
// never changes state. The HealthMonitor probes device agents and feeds
// the failover health check used by groups.
//
// # Groups
//
// A group is a named set of devices. BroadcastToGroup sends one command
// to every member in parallel and reports per-device outcomes: an
// unreachable member fails its own entry without failing the call, and
// its breaker isolates it from later broadcasts. Each group is also a
// failover resource whose primary is its first member.
//
// # Usage Example
//
//	engine, err := coordinator.New(coordinator.DefaultConfig(),
//	    coordinator.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	engine.Start(ctx)
//	defer engine.Stop()
//
//	engine.RegisterDevice(&device.Device{ID: "cam-1", Type: device.TypeCamera,
//	    Host: "10.0.0.7", Port: 8081})
//	g, _ := engine.CreateGroup("porch", []string{"cam-1"})
//	res, _ := engine.BroadcastToGroup(ctx, g.ID, "snapshot", nil)
//
// # See Also
//
//   - internal/device: device model and registry
//   - internal/discovery: broadcast, mDNS and UPnP discovery
//   - internal/statesync: vector-clock state replication
//   - internal/scheduler: task queue, dependencies and selection
//   - internal/fault: circuit breakers, retries and failover
//   - cmd/coordinator: HTTP server exposing the engine
package coordinator
