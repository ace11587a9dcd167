// Package discovery finds fleet devices on the local network.
//
// A Service runs a set of Protocols (UDP broadcast, mDNS, UPnP), merges
// what they report into one de-duplicated view keyed by device id, and
// ages out devices that fall silent. Discovery is best-effort: a protocol
// that cannot run is logged and skipped, never fatal.
package discovery

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dreamware/fleet/internal/device"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// EventType tags a discovery event.
type EventType string

const (
	DeviceFound EventType = "device_found"
	// DeviceSeen is emitted when a known device announces itself again.
	DeviceSeen EventType = "device_seen"
	DeviceLost EventType = "device_lost"
)

// Event is delivered to handlers registered with OnEvent.
type Event struct {
	At       time.Time
	Device   *device.Device
	Type     EventType
	Protocol string
}

// Handler receives discovery events. Handlers run synchronously on the
// protocol goroutine that produced the event and must not block.
type Handler func(Event)

// Config tunes the discovery service and its protocols.
type Config struct {
	Broadcast BroadcastConfig `yaml:"broadcast"`
	MDNS      MDNSConfig      `yaml:"mdns"`
	UPnP      UPnPConfig      `yaml:"upnp"`
	// HeartbeatTimeout is how long a device may stay silent before it is
	// reported lost.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	// SweepInterval is how often silent devices are checked for.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig enables broadcast discovery only.
func DefaultConfig() Config {
	return Config{
		Broadcast:        DefaultBroadcastConfig(),
		MDNS:             DefaultMDNSConfig(),
		UPnP:             DefaultUPnPConfig(),
		HeartbeatTimeout: 90 * time.Second,
		SweepInterval:    10 * time.Second,
	}
}

// Protocols builds every protocol enabled in cfg. Protocols that cannot
// run on this host come back as *Disabled handles.
func Protocols(cfg Config, clk clock.Clock, logger *zap.Logger) []Protocol {
	var out []Protocol
	if cfg.Broadcast.Enabled {
		out = append(out, NewBroadcast(cfg.Broadcast, clk, logger))
	}
	if cfg.MDNS.Enabled {
		out = append(out, NewMDNS(cfg.MDNS, clk, logger))
	}
	if cfg.UPnP.Enabled {
		out = append(out, NewUPnP(cfg.UPnP, clk, logger))
	}
	return out
}

type entry struct {
	lastSeen time.Time
	dev      *device.Device
	protocol string
}

// ProtocolStatus describes one protocol on /discovery/status.
type ProtocolStatus struct {
	Name    string `json:"name"`
	Reason  string `json:"reason,omitempty"`
	Found   int64  `json:"found"`
	Lost    int64  `json:"lost"`
	Enabled bool   `json:"enabled"`
}

// Status is the discovery service's observable state.
type Status struct {
	Protocols []ProtocolStatus `json:"protocols"`
	Devices   int              `json:"devices"`
	Running   bool             `json:"running"`
}

type protocolState struct {
	proto  Protocol
	reason string
	found  int64
	lost   int64
	active bool
}

// Service multiplexes protocols into one view of discovered devices.
type Service struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	mu        sync.RWMutex
	devices   map[string]*entry
	protocols []*protocolState

	handlersMu sync.RWMutex
	handlers   []Handler

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   atomic.Bool
}

// NewService creates a Service over protocols.
func NewService(cfg Config, protocols []Protocol, clk clock.Clock, logger *zap.Logger) *Service {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := DefaultConfig()
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = d.SweepInterval
	}
	s := &Service{
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		devices: make(map[string]*entry),
	}
	for _, p := range protocols {
		st := &protocolState{proto: p}
		if dis, ok := p.(*Disabled); ok {
			st.reason = dis.Reason()
		}
		s.protocols = append(s.protocols, st)
	}
	return s
}

// OnEvent registers h for found, seen and lost events.
func (s *Service) OnEvent(h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers = append(s.handlers, h)
}

func (s *Service) emit(ev Event) {
	s.handlersMu.RLock()
	handlers := s.handlers
	s.handlersMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

// Start starts every protocol and the silence sweep. A protocol that
// fails to start is logged and left inactive. Calling Start again while
// running is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.running.Load() {
		return nil
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running.Store(true)

	for _, st := range s.protocols {
		if st.reason != "" {
			s.logger.Info("discovery protocol disabled",
				zap.String("protocol", st.proto.Name()), zap.String("reason", st.reason))
			continue
		}
		if err := st.proto.Start(ctx, &protocolSink{svc: s, state: st}); err != nil {
			s.logger.Warn("discovery protocol failed to start",
				zap.String("protocol", st.proto.Name()), zap.Error(err))
			s.mu.Lock()
			st.reason = err.Error()
			s.mu.Unlock()
			continue
		}
		s.mu.Lock()
		st.active = true
		s.mu.Unlock()
		s.logger.Info("discovery protocol started", zap.String("protocol", st.proto.Name()))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := s.clock.Ticker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
	return nil
}

// Stop stops every protocol and the sweep loop. Stop errors from
// individual protocols are combined.
func (s *Service) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)
	s.cancel()

	var err error
	for _, st := range s.protocols {
		s.mu.Lock()
		active := st.active
		st.active = false
		s.mu.Unlock()
		if active {
			err = multierr.Append(err, st.proto.Stop())
		}
	}
	s.wg.Wait()
	return err
}

type protocolSink struct {
	svc   *Service
	state *protocolState
}

func (p *protocolSink) Found(d *device.Device) { p.svc.found(p.state, d) }
func (p *protocolSink) Lost(id string)         { p.svc.lost(p.state, id) }

func (s *Service) found(st *protocolState, d *device.Device) {
	if d == nil || d.ID == "" {
		return
	}
	d = d.Clone()
	name := st.proto.Name()
	if d.Protocol == "" {
		d.Protocol = name
	}
	now := s.clock.Now()
	d.LastHeartbeat = now

	s.mu.Lock()
	e, known := s.devices[d.ID]
	if known {
		e.dev = d
		e.lastSeen = now
		e.protocol = name
	} else {
		s.devices[d.ID] = &entry{dev: d, lastSeen: now, protocol: name}
		st.found++
	}
	s.mu.Unlock()

	if known {
		s.emit(Event{Type: DeviceSeen, Device: d.Clone(), Protocol: name, At: now})
		return
	}
	s.logger.Info("device found",
		zap.String("device_id", d.ID), zap.String("protocol", name), zap.String("addr", d.Addr()))
	s.emit(Event{Type: DeviceFound, Device: d.Clone(), Protocol: name, At: now})
}

func (s *Service) lost(st *protocolState, id string) {
	s.mu.Lock()
	e, ok := s.devices[id]
	if ok {
		delete(s.devices, id)
		st.lost++
	}
	s.mu.Unlock()
	if ok {
		s.logger.Info("device left", zap.String("device_id", id), zap.String("protocol", st.proto.Name()))
		s.emit(Event{Type: DeviceLost, Device: e.dev, Protocol: st.proto.Name(), At: s.clock.Now()})
	}
}

// Sweep reports and forgets devices silent for longer than
// HeartbeatTimeout. It returns their ids.
func (s *Service) Sweep() []string {
	now := s.clock.Now()
	var gone []*entry

	s.mu.Lock()
	for id, e := range s.devices {
		if now.Sub(e.lastSeen) > s.cfg.HeartbeatTimeout {
			gone = append(gone, e)
			delete(s.devices, id)
			for _, st := range s.protocols {
				if st.proto.Name() == e.protocol {
					st.lost++
				}
			}
		}
	}
	s.mu.Unlock()

	sort.Slice(gone, func(i, j int) bool { return gone[i].dev.ID < gone[j].dev.ID })
	ids := make([]string, 0, len(gone))
	for _, e := range gone {
		ids = append(ids, e.dev.ID)
		s.logger.Info("device lost", zap.String("device_id", e.dev.ID), zap.Time("last_seen", e.lastSeen))
		s.emit(Event{Type: DeviceLost, Device: e.dev, Protocol: e.protocol, At: now})
	}
	return ids
}

// GetDiscoveredDevices returns copies of every discovered device sorted
// by id.
func (s *Service) GetDiscoveredDevices() []*device.Device {
	return s.filter(func(*device.Device) bool { return true })
}

// GetDevicesByType returns discovered devices of type t.
func (s *Service) GetDevicesByType(t device.Type) []*device.Device {
	return s.filter(func(d *device.Device) bool { return d.Type == t })
}

func (s *Service) filter(keep func(*device.Device) bool) []*device.Device {
	s.mu.RLock()
	out := make([]*device.Device, 0, len(s.devices))
	for _, e := range s.devices {
		if keep(e.dev) {
			out = append(out, e.dev.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of discovered devices.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

// RemoveDevice forgets id without emitting an event. It reports whether
// the device was known.
func (s *Service) RemoveDevice(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.devices[id]
	delete(s.devices, id)
	return ok
}

// Status reports per-protocol state and the device count.
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{Running: s.running.Load(), Devices: len(s.devices)}
	for _, p := range s.protocols {
		st.Protocols = append(st.Protocols, ProtocolStatus{
			Name:    p.proto.Name(),
			Enabled: p.reason == "",
			Reason:  p.reason,
			Found:   p.found,
			Lost:    p.lost,
		})
	}
	return st
}
