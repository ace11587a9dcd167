package discovery

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// BroadcastConfig tunes UDP broadcast discovery.
//
// The coordinator listens on ListenPort for announcements and
// periodically broadcasts a probe to AgentPort, where device agents
// listen. Agents answer probes directly and also announce unprompted.
type BroadcastConfig struct {
	Enabled    bool          `yaml:"enabled"`
	ListenPort int           `yaml:"listen_port"`
	AgentPort  int           `yaml:"agent_port"`
	Address    string        `yaml:"address"`
	Interval   time.Duration `yaml:"interval"`
}

// DefaultBroadcastConfig returns the default broadcast settings.
func DefaultBroadcastConfig() BroadcastConfig {
	return BroadcastConfig{
		Enabled:    true,
		ListenPort: 37021,
		AgentPort:  37020,
		Address:    "255.255.255.255",
		Interval:   30 * time.Second,
	}
}

const maxDatagram = 64 * 1024

// Broadcast discovers devices through UDP announcements.
type Broadcast struct {
	cfg    BroadcastConfig
	clock  clock.Clock
	logger *zap.Logger

	mu     sync.Mutex
	conn   *net.UDPConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBroadcast creates a broadcast protocol. Nothing is bound until Start.
func NewBroadcast(cfg BroadcastConfig, clk clock.Clock, logger *zap.Logger) *Broadcast {
	d := DefaultBroadcastConfig()
	if cfg.AgentPort == 0 {
		cfg.AgentPort = d.AgentPort
	}
	if cfg.Address == "" {
		cfg.Address = d.Address
	}
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcast{cfg: cfg, clock: clk, logger: logger.With(zap.String("protocol", ProtocolBroadcast))}
}

// Name implements Protocol.
func (b *Broadcast) Name() string { return ProtocolBroadcast }

// LocalAddr returns the bound listen address, or nil before Start.
func (b *Broadcast) LocalAddr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	return b.conn.LocalAddr()
}

// Start binds ListenPort (0 picks an ephemeral port), then runs the
// receive loop and the probe loop.
func (b *Broadcast) Start(ctx context.Context, sink Sink) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return nil
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: b.cfg.ListenPort})
	if err != nil {
		return err
	}
	b.conn = conn
	ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(2)
	go b.receive(conn, sink)
	go b.probeLoop(ctx, conn)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	return nil
}

// Stop closes the socket and waits for the loops.
func (b *Broadcast) Stop() error {
	b.mu.Lock()
	cancel := b.cancel
	conn := b.conn
	b.cancel = nil
	b.conn = nil
	b.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	err := conn.Close()
	b.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (b *Broadcast) receive(conn *net.UDPConn, sink Sink) {
	defer b.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				b.logger.Warn("broadcast read failed", zap.Error(err))
			}
			return
		}
		a, err := ParseAnnouncement(buf[:n])
		if err != nil {
			b.logger.Debug("ignoring datagram", zap.Stringer("from", from), zap.Error(err))
			continue
		}
		switch a.Kind {
		case KindAnnounce:
			sink.Found(a.Device(from.IP.String()))
		case KindBye:
			sink.Lost(a.DeviceID)
		}
	}
}

func (b *Broadcast) probeLoop(ctx context.Context, conn *net.UDPConn) {
	defer b.wg.Done()
	target := &net.UDPAddr{IP: net.ParseIP(b.cfg.Address), Port: b.cfg.AgentPort}
	if target.IP == nil {
		b.logger.Warn("invalid broadcast address, probing disabled", zap.String("address", b.cfg.Address))
		return
	}
	probe, _ := Announcement{Kind: KindProbe}.Marshal()

	send := func() {
		if _, err := conn.WriteToUDP(probe, target); err != nil && !errors.Is(err, net.ErrClosed) {
			b.logger.Debug("probe send failed",
				zap.String("target", net.JoinHostPort(b.cfg.Address, strconv.Itoa(b.cfg.AgentPort))), zap.Error(err))
		}
	}
	send()
	ticker := b.clock.Ticker(b.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}

// Announcer is the device side of broadcast discovery. It answers probes
// on its own socket and can announce to a coordinator's listen port.
type Announcer struct {
	conn   *net.UDPConn
	logger *zap.Logger
	self   func() Announcement
}

// NewAnnouncer binds port (0 for ephemeral). self is called for every
// outgoing announcement so it reflects current device state.
func NewAnnouncer(port int, self func() Announcement, logger *zap.Logger) (*Announcer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	return &Announcer{conn: conn, self: self, logger: logger}, nil
}

// LocalAddr returns the bound address.
func (a *Announcer) LocalAddr() *net.UDPAddr { return a.conn.LocalAddr().(*net.UDPAddr) }

// Serve answers probes until ctx is cancelled or the socket is closed.
func (a *Announcer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		a.conn.Close()
	}()
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		msg, err := ParseAnnouncement(buf[:n])
		if err != nil || msg.Kind != KindProbe {
			continue
		}
		if err := a.SendTo(from, a.self()); err != nil {
			a.logger.Debug("probe reply failed", zap.Stringer("to", from), zap.Error(err))
		}
	}
}

// SendTo writes one announcement to addr.
func (a *Announcer) SendTo(addr *net.UDPAddr, msg Announcement) error {
	b, err := msg.Marshal()
	if err != nil {
		return err
	}
	_, err = a.conn.WriteToUDP(b, addr)
	return err
}

// Close releases the socket.
func (a *Announcer) Close() error { return a.conn.Close() }
