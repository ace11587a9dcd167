package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dreamware/fleet/internal/device"
	"github.com/dreamware/fleet/internal/discovery"
	"github.com/dreamware/fleet/internal/fault"
	"github.com/dreamware/fleet/internal/scheduler"
	"github.com/dreamware/fleet/internal/statesync"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// State is the engine lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateError        State = "error"
)

var (
	// ErrValidation wraps every error caused by bad input: unknown ids,
	// invalid state names, empty target lists.
	ErrValidation = errors.New("validation failed")
	// ErrGroupNotFound is returned for unknown group ids.
	ErrGroupNotFound = errors.New("group not found")
	// ErrEmptyTargets is returned when an operation names no devices or
	// subtasks.
	ErrEmptyTargets = errors.New("no targets given")
	// ErrNotRunning is returned by Pause and Resume outside RUNNING/PAUSED.
	ErrNotRunning = errors.New("engine not running")
)

func invalid(err error) error { return fmt.Errorf("%w: %w", ErrValidation, err) }

// HeartbeatConfig tunes the heartbeat loop.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Timeout is how long a device may go without a heartbeat before it
	// is marked offline.
	Timeout time.Duration `yaml:"timeout"`
}

// Config assembles every component's tuning.
type Config struct {
	NodeID    string           `yaml:"node_id"`
	Discovery discovery.Config `yaml:"discovery"`
	Sync      statesync.Config `yaml:"sync"`
	Scheduler scheduler.Config `yaml:"scheduler"`
	Fault     fault.Config     `yaml:"fault"`
	Heartbeat HeartbeatConfig  `yaml:"heartbeat"`
	Health    HealthConfig     `yaml:"health"`
	// CommandTimeout bounds one request to a device agent.
	CommandTimeout time.Duration `yaml:"command_timeout"`
	// AutoRegister adds discovered devices to the registry.
	AutoRegister bool `yaml:"auto_register"`
}

// DefaultConfig returns a working engine configuration.
func DefaultConfig() Config {
	return Config{
		Discovery:      discovery.DefaultConfig(),
		Sync:           statesync.DefaultConfig(),
		Scheduler:      scheduler.DefaultConfig(),
		Fault:          fault.DefaultConfig(),
		Heartbeat:      HeartbeatConfig{Interval: 10 * time.Second, Timeout: 30 * time.Second},
		Health:         DefaultHealthConfig(),
		CommandTimeout: 5 * time.Second,
		AutoRegister:   true,
	}
}

// Option customizes engine construction.
type Option func(*options)

type options struct {
	clock     clock.Clock
	logger    *zap.Logger
	client    DeviceClient
	transport statesync.Transport
	protocols []discovery.Protocol
	protoSet  bool
}

// WithClock sets the time source shared by every component.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithLogger sets the root logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithDeviceClient replaces the HTTP device client.
func WithDeviceClient(c DeviceClient) Option { return func(o *options) { o.client = c } }

// WithTransport replaces the HTTP gossip transport.
func WithTransport(t statesync.Transport) Option { return func(o *options) { o.transport = t } }

// WithProtocols replaces the discovery protocols built from config.
func WithProtocols(p ...discovery.Protocol) Option {
	return func(o *options) {
		o.protocols = p
		o.protoSet = true
	}
}

// Engine is the composition root. It owns the registry, discovery,
// synchronizer, scheduler, fault layer and health monitor, and runs the
// heartbeat and health report loops.
type Engine struct {
	cfg       Config
	clock     clock.Clock
	logger    *zap.Logger
	registry  *device.Registry
	discovery *discovery.Service
	sync      *statesync.Synchronizer
	scheduler *scheduler.Scheduler
	fault     *fault.Layer
	monitor   *HealthMonitor
	client    DeviceClient
	metrics   *Metrics

	mu        sync.RWMutex
	state     State
	groups    map[string]*Group
	startedAt time.Time
	errCount  int
	lastError string
	report    HealthReport

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New constructs an engine and wires its components. Nothing runs until
// Start.
func New(cfg Config, opts ...Option) (*Engine, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	d := DefaultConfig()
	if cfg.Heartbeat.Interval <= 0 {
		cfg.Heartbeat.Interval = d.Heartbeat.Interval
	}
	if cfg.Heartbeat.Timeout <= 0 {
		cfg.Heartbeat.Timeout = d.Heartbeat.Timeout
	}
	if cfg.Health.Interval <= 0 {
		cfg.Health.Interval = d.Health.Interval
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = d.CommandTimeout
	}
	if o.client == nil {
		o.client = NewHTTPDeviceClient(cfg.CommandTimeout)
	}
	if o.transport == nil {
		o.transport = statesync.NewHTTPTransport(cfg.CommandTimeout)
	}
	if !o.protoSet {
		o.protocols = discovery.Protocols(cfg.Discovery, o.clock, o.logger.Named("discovery"))
	}

	cfg.Sync.NodeID = cfg.NodeID
	syncer, err := statesync.New(cfg.Sync, o.transport, o.clock, o.logger.Named("sync"))
	if err != nil {
		return nil, fmt.Errorf("state synchronizer: %w", err)
	}
	cfg.NodeID = syncer.NodeID()

	registry := device.NewRegistry(o.clock)
	e := &Engine{
		cfg:       cfg,
		clock:     o.clock,
		logger:    o.logger.With(zap.String("node_id", cfg.NodeID)),
		registry:  registry,
		discovery: discovery.NewService(cfg.Discovery, o.protocols, o.clock, o.logger.Named("discovery")),
		sync:      syncer,
		scheduler: scheduler.New(cfg.Scheduler, registry, o.clock, o.logger.Named("scheduler")),
		fault:     fault.NewLayer(cfg.Fault, o.clock, o.logger.Named("fault")),
		client:    o.client,
		metrics:   NewMetrics(),
		state:     StateStopped,
		groups:    make(map[string]*Group),
	}
	e.monitor = NewHealthMonitor(cfg.Health, e.client.Ping, o.clock, o.logger.Named("health"))
	e.monitor.setOnProbe(func(ok bool) {
		if ok {
			e.metrics.HealthProbes.WithLabelValues("success").Inc()
		} else {
			e.metrics.HealthProbes.WithLabelValues("failure").Inc()
		}
	})

	for _, t := range []scheduler.TaskType{scheduler.TypeCommand, scheduler.TypeQuery, scheduler.TypeTransfer, scheduler.TypeSync} {
		e.scheduler.Executors().Register(string(t), scheduler.ExecutorFunc(e.executeTask))
	}
	e.scheduler.OnStateChange(e.onTaskChange)
	e.discovery.OnEvent(e.onDiscovery)
	e.sync.OnEvent(func(n statesync.Notification) {
		if n.Type == statesync.StateConflict {
			e.logger.Debug("state conflict", zap.String("device_id", n.DeviceID), zap.String("from", n.NodeID))
		}
	})
	return e, nil
}

// Registry returns the device registry.
func (e *Engine) Registry() *device.Registry { return e.registry }

// Discovery returns the discovery service.
func (e *Engine) Discovery() *discovery.Service { return e.discovery }

// Synchronizer returns the state synchronizer.
func (e *Engine) Synchronizer() *statesync.Synchronizer { return e.sync }

// Scheduler returns the task scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.scheduler }

// Fault returns the fault-tolerance layer.
func (e *Engine) Fault() *fault.Layer { return e.fault }

// Monitor returns the device health monitor.
func (e *Engine) Monitor() *HealthMonitor { return e.monitor }

// Metrics returns the engine's prometheus collectors.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// NodeID returns the replica id used in vector clocks.
func (e *Engine) NodeID() string { return e.cfg.NodeID }

// State returns the lifecycle state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	if prev != s {
		e.logger.Info("engine state changed", zap.String("from", string(prev)), zap.String("to", string(s)))
	}
}

// Start brings up every component and the background loops. A component
// that fails to start moves the engine to ERROR and bumps the error
// counter; components that did start keep running. Calling Start on a
// started engine is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.cancel != nil {
		return
	}
	e.setState(StateInitializing)
	ctx, e.cancel = context.WithCancel(ctx)

	steps := []struct {
		fn   func() error
		name string
	}{
		{name: "fault", fn: func() error { e.fault.Start(ctx); return nil }},
		{name: "sync", fn: func() error { e.sync.Start(ctx); return nil }},
		{name: "scheduler", fn: func() error { e.scheduler.Start(ctx); return nil }},
		{name: "discovery", fn: func() error { return e.discovery.Start(ctx) }},
		{name: "health", fn: func() error { e.monitor.Start(ctx, e.registry.List); return nil }},
	}
	var initErr error
	for _, step := range steps {
		if err := runStep(step.name, step.fn); err != nil {
			e.logger.Error("component failed to start", zap.String("component", step.name), zap.Error(err))
			initErr = multierr.Append(initErr, err)
		}
	}

	e.wg.Add(2)
	go e.loop(ctx, e.cfg.Heartbeat.Interval, e.heartbeatTick)
	go e.loop(ctx, e.cfg.Health.Interval, e.healthTick)

	e.mu.Lock()
	e.startedAt = e.clock.Now()
	e.mu.Unlock()
	if initErr != nil {
		e.recordError(initErr)
		e.setState(StateError)
		return
	}
	e.setState(StateRunning)
}

func runStep(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", name, r)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (e *Engine) recordError(err error) {
	e.mu.Lock()
	e.errCount++
	e.lastError = err.Error()
	e.mu.Unlock()
	e.metrics.EngineErrors.Inc()
}

// Stop halts the loops and every component, waiting for each. Errors
// from individual components are combined. Stop on a stopped engine is a
// no-op.
func (e *Engine) Stop() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.cancel == nil {
		return nil
	}
	e.setState(StateStopping)
	e.cancel()
	e.cancel = nil
	e.wg.Wait()

	var err error
	err = multierr.Append(err, e.discovery.Stop())
	e.monitor.Stop()
	e.scheduler.Stop()
	e.sync.Stop()
	e.fault.Stop()
	e.setState(StateStopped)
	return err
}

// Pause stops task dispatch. Running tasks finish; discovery and sync
// continue.
func (e *Engine) Pause() error {
	e.mu.Lock()
	if e.state != StateRunning {
		st := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: state is %s", ErrNotRunning, st)
	}
	e.state = StatePaused
	e.mu.Unlock()
	e.scheduler.Pause()
	e.logger.Info("engine paused")
	return nil
}

// Resume re-enables task dispatch after Pause.
func (e *Engine) Resume() error {
	e.mu.Lock()
	if e.state != StatePaused {
		st := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: state is %s", ErrNotRunning, st)
	}
	e.state = StateRunning
	e.mu.Unlock()
	e.scheduler.Resume()
	e.logger.Info("engine resumed")
	return nil
}

func (e *Engine) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer e.wg.Done()
	ticker := e.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// replicate pushes a device update into the synchronizer.
func (e *Engine) replicate(deviceID string, data map[string]any) {
	if _, err := e.sync.UpdateState(deviceID, data); err != nil {
		e.logger.Debug("state replication skipped", zap.String("device_id", deviceID), zap.Error(err))
	}
}

func (e *Engine) onDiscovery(ev discovery.Event) {
	switch ev.Type {
	case discovery.DeviceFound:
		if !e.cfg.AutoRegister || ev.Device == nil {
			return
		}
		if e.registry.Register(ev.Device) {
			e.logger.Info("discovered device registered",
				zap.String("device_id", ev.Device.ID), zap.String("protocol", ev.Protocol))
			e.replicate(ev.Device.ID, map[string]any{
				"state":    string(device.StateIdle),
				"type":     string(ev.Device.Type),
				"protocol": ev.Protocol,
			})
			return
		}
		_ = e.registry.Heartbeat(ev.Device.ID)
	case discovery.DeviceSeen:
		if ev.Device != nil {
			_ = e.registry.Heartbeat(ev.Device.ID)
		}
	case discovery.DeviceLost:
		if ev.Device == nil {
			return
		}
		if err := e.registry.UpdateState(ev.Device.ID, device.StateOffline); err == nil {
			e.logger.Info("discovered device lost", zap.String("device_id", ev.Device.ID))
			e.replicate(ev.Device.ID, map[string]any{"state": string(device.StateOffline)})
		}
	}
}

// RegisterDevice adds d to the registry. It returns false when the id is
// already registered.
func (e *Engine) RegisterDevice(d *device.Device) (bool, error) {
	if d == nil || d.ID == "" {
		return false, invalid(fmt.Errorf("%w: device_id is required", device.ErrInvalidDevice))
	}
	if d.Type != "" {
		d.Type = device.ParseType(string(d.Type))
	}
	if !e.registry.Register(d) {
		return false, nil
	}
	stored, _ := e.registry.Get(d.ID)
	e.logger.Info("device registered", zap.String("device_id", d.ID), zap.String("type", string(stored.Type)))
	e.replicate(d.ID, map[string]any{"state": string(stored.State), "type": string(stored.Type)})
	return true, nil
}

// UnregisterDevice removes a device.
func (e *Engine) UnregisterDevice(id string) error {
	if !e.registry.Unregister(id) {
		return invalid(fmt.Errorf("%w: %s", device.ErrNotFound, id))
	}
	e.discovery.RemoveDevice(id)
	e.replicate(id, map[string]any{"state": string(device.StateOffline), "unregistered": true})
	e.logger.Info("device unregistered", zap.String("device_id", id))
	return nil
}

// GetDevice returns a copy of a device.
func (e *Engine) GetDevice(id string) (*device.Device, error) {
	d, ok := e.registry.Get(id)
	if !ok {
		return nil, invalid(fmt.Errorf("%w: %s", device.ErrNotFound, id))
	}
	return d, nil
}

// ListDevices returns devices matching f.
func (e *Engine) ListDevices(f device.Filter) []*device.Device {
	return e.registry.Filter(f)
}

// UpdateDeviceState moves a device to the named state.
func (e *Engine) UpdateDeviceState(id, state string) error {
	st, err := device.ParseState(state)
	if err != nil {
		return invalid(err)
	}
	if err := e.registry.UpdateState(id, st); err != nil {
		return invalid(err)
	}
	e.replicate(id, map[string]any{"state": string(st)})
	return nil
}

// Heartbeat records liveness for a device.
func (e *Engine) Heartbeat(id string) error {
	if err := e.registry.Heartbeat(id); err != nil {
		return invalid(err)
	}
	return nil
}

// CreateTask validates t against the registry and submits it.
func (e *Engine) CreateTask(t *scheduler.Task) (string, error) {
	ids, err := e.CreateTasks([]*scheduler.Task{t})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// CreateTasks submits tasks that may depend on each other. The batch is
// accepted or rejected as a whole.
func (e *Engine) CreateTasks(tasks []*scheduler.Task) ([]string, error) {
	for _, t := range tasks {
		if t == nil {
			return nil, invalid(scheduler.ErrInvalidTask)
		}
		for _, id := range t.RequiredDevices {
			if !e.registry.Exists(id) {
				return nil, invalid(fmt.Errorf("%w: required device %s", device.ErrNotFound, id))
			}
		}
	}
	ids, err := e.scheduler.SubmitBatch(tasks)
	switch {
	case err == nil:
		return ids, nil
	case errors.Is(err, scheduler.ErrInvalidTask), errors.Is(err, scheduler.ErrUnknownDependency):
		return nil, invalid(err)
	default:
		return nil, err
	}
}

// GetTask returns a copy of a task.
func (e *Engine) GetTask(id string) (*scheduler.Task, error) {
	t, err := e.scheduler.Get(id)
	if err != nil {
		return nil, invalid(err)
	}
	return t, nil
}

// ListTasks lists tasks, optionally filtered by state name.
func (e *Engine) ListTasks(state string, limit int) ([]*scheduler.Task, error) {
	var st scheduler.State
	if state != "" {
		parsed, err := scheduler.ParseState(state)
		if err != nil {
			return nil, invalid(err)
		}
		st = parsed
	}
	return e.scheduler.List(st, limit), nil
}

// CancelTask cancels a task.
func (e *Engine) CancelTask(id string) error {
	err := e.scheduler.Cancel(id)
	if errors.Is(err, scheduler.ErrTaskNotFound) {
		return invalid(err)
	}
	return err
}

// ExecuteTask waits for a task to reach a terminal state and returns it.
func (e *Engine) ExecuteTask(ctx context.Context, id string) (*scheduler.Task, error) {
	t, err := e.scheduler.Wait(ctx, id)
	if errors.Is(err, scheduler.ErrTaskNotFound) {
		return nil, invalid(err)
	}
	return t, err
}

// executeTask is the default executor for every built-in task type.
// Tasks with subtasks fan out across devices; others send one command to
// the assigned device.
func (e *Engine) executeTask(ctx context.Context, task *scheduler.Task, dev *device.Device) (any, error) {
	if len(task.SubTasks) > 0 {
		res := e.fanOut(ctx, task.ID, task.SubTasks)
		if res.Failed > 0 {
			return res, fmt.Errorf("%d of %d subtasks failed", res.Failed, len(task.SubTasks))
		}
		return res, nil
	}
	action := string(task.Type)
	if a, ok := task.Params["action"].(string); ok && a != "" {
		action = a
	}
	resp, err := e.SendCommand(ctx, dev.ID, Command{Action: action, Params: task.Params, TaskID: task.ID})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// SendCommand sends cmd to one device under that device's circuit breaker
// and the retry policy.
func (e *Engine) SendCommand(ctx context.Context, deviceID string, cmd Command) (*CommandResponse, error) {
	dev, ok := e.registry.Get(deviceID)
	if !ok {
		return nil, invalid(fmt.Errorf("%w: %s", device.ErrNotFound, deviceID))
	}
	var resp *CommandResponse
	err := e.fault.ExecuteWithResilience(ctx, deviceID, func(ctx context.Context) error {
		r, err := e.client.Send(ctx, dev, cmd)
		resp = r
		return err
	})
	switch {
	case err == nil:
		e.metrics.Commands.WithLabelValues("success").Inc()
		if resp == nil {
			resp = &CommandResponse{DeviceID: deviceID, Success: true}
		}
		return resp, nil
	case errors.Is(err, fault.ErrCircuitOpen):
		e.metrics.Commands.WithLabelValues("rejected").Inc()
	default:
		e.metrics.Commands.WithLabelValues("failure").Inc()
	}
	return nil, err
}

func (e *Engine) onTaskChange(t *scheduler.Task) {
	e.metrics.TaskStates.WithLabelValues(string(t.State)).Inc()
	if t.AssignedDevice == "" {
		return
	}
	switch t.State {
	case scheduler.StateAssigned:
		_ = e.registry.Update(t.AssignedDevice, func(d *device.Device) {
			if d.State == device.StateIdle {
				d.State = device.StateBusy
			}
		})
	case scheduler.StateRunning:
	default:
		e.releaseDevice(t.AssignedDevice)
	}
}

func (e *Engine) releaseDevice(id string) {
	if e.scheduler.DeviceLoad(id).Active > 0 {
		return
	}
	_ = e.registry.Update(id, func(d *device.Device) {
		if d.State == device.StateBusy {
			d.State = device.StateIdle
		}
	})
}
