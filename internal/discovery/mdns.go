package discovery

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dreamware/fleet/internal/device"
	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// MDNSConfig tunes mDNS browsing.
type MDNSConfig struct {
	Enabled bool `yaml:"enabled"`
	// Service is the DNS-SD service type browsed for.
	Service string `yaml:"service"`
	Domain  string `yaml:"domain"`
	// Interface restricts queries to one network interface.
	Interface string        `yaml:"interface"`
	Interval  time.Duration `yaml:"interval"`
	// Timeout is how long responses are collected per query.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultMDNSConfig returns the default mDNS settings (disabled).
func DefaultMDNSConfig() MDNSConfig {
	return MDNSConfig{
		Service:  "_fleet._tcp",
		Domain:   "local.",
		Interval: time.Minute,
		Timeout:  2 * time.Second,
	}
}

var mdnsGroup = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353}

// MDNS browses DNS-SD records over multicast DNS. Device attributes are
// read from TXT records: id, name, type, location, caps (comma
// separated) and tags (comma separated); other keys become metadata.
type MDNS struct {
	cfg    MDNSConfig
	iface  *net.Interface
	clock  clock.Clock
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMDNS returns an mDNS protocol, or a *Disabled handle when no
// multicast-capable interface exists.
func NewMDNS(cfg MDNSConfig, clk clock.Clock, logger *zap.Logger) Protocol {
	if logger == nil {
		logger = zap.NewNop()
	}
	ifc, err := multicastInterface(cfg.Interface)
	if err != nil {
		logger.Info("mdns unavailable", zap.Error(err))
		return NewDisabled(ProtocolMDNS, err.Error())
	}
	d := DefaultMDNSConfig()
	if cfg.Service == "" {
		cfg.Service = d.Service
	}
	if cfg.Domain == "" {
		cfg.Domain = d.Domain
	}
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if clk == nil {
		clk = clock.New()
	}
	return &MDNS{cfg: cfg, iface: ifc, clock: clk, logger: logger.With(zap.String("protocol", ProtocolMDNS))}
}

// Name implements Protocol.
func (m *MDNS) Name() string { return ProtocolMDNS }

// Start runs a browse immediately and then every Interval.
func (m *MDNS) Start(ctx context.Context, sink Sink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return nil
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.logger.Info("mdns browsing",
		zap.String("service", m.cfg.Service), zap.String("interface", m.iface.Name))
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := m.clock.Ticker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			m.browseOnce(ctx, sink)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

// Stop ends browsing.
func (m *MDNS) Stop() error {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		m.wg.Wait()
	}
	return nil
}

func (m *MDNS) browseOnce(ctx context.Context, sink Sink) {
	devs, err := m.Browse(ctx)
	if err != nil {
		m.logger.Debug("mdns browse failed", zap.Error(err))
		return
	}
	for _, d := range devs {
		sink.Found(d)
	}
}

// Browse sends one PTR query and collects answers until Timeout.
func (m *MDNS) Browse(ctx context.Context) ([]*device.Device, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(m.cfg.Service+"."+m.cfg.Domain), dns.TypePTR)
	q.RecursionDesired = false
	q.Id = 0
	packed, err := q.Pack()
	if err != nil {
		return nil, err
	}
	if _, err := conn.WriteToUDP(packed, mdnsGroup); err != nil {
		return nil, err
	}

	deadline := m.clock.Now().Add(m.cfg.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	seen := make(map[string]*device.Device)
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				break
			}
			return nil, err
		}
		resp := new(dns.Msg)
		if err := resp.Unpack(buf[:n]); err != nil {
			continue
		}
		for _, d := range ParseMDNSResponse(resp, m.cfg.Service) {
			seen[d.ID] = d
		}
		if ctx.Err() != nil {
			break
		}
	}
	out := make([]*device.Device, 0, len(seen))
	for _, d := range seen {
		out = append(out, d)
	}
	return out, nil
}

// ParseMDNSResponse extracts devices from a DNS-SD response: PTR records
// for service name instances, matched with their SRV, TXT and A records
// from the answer and additional sections.
func ParseMDNSResponse(msg *dns.Msg, service string) []*device.Device {
	records := append(append([]dns.RR{}, msg.Answer...), msg.Extra...)

	var instances []string
	srv := make(map[string]*dns.SRV)
	txt := make(map[string][]string)
	addrs := make(map[string]string)
	for _, rr := range records {
		name := strings.ToLower(rr.Header().Name)
		switch r := rr.(type) {
		case *dns.PTR:
			if service == "" || strings.HasPrefix(name, strings.ToLower(service)+".") {
				instances = append(instances, r.Ptr)
			}
		case *dns.SRV:
			srv[name] = r
		case *dns.TXT:
			txt[name] = append(txt[name], r.Txt...)
		case *dns.A:
			addrs[name] = r.A.String()
		}
	}

	var out []*device.Device
	for _, inst := range instances {
		key := strings.ToLower(inst)
		s, ok := srv[key]
		if !ok {
			continue
		}
		attrs := parseTXT(txt[key])
		id := attrs["id"]
		if id == "" {
			id = instanceLabel(inst)
		}
		d := &device.Device{
			ID:       id,
			Name:     attrs["name"],
			Type:     device.ParseType(attrs["type"]),
			State:    device.StateIdle,
			Host:     addrs[strings.ToLower(s.Target)],
			Port:     int(s.Port),
			Protocol: ProtocolMDNS,
			Location: attrs["location"],
			Tags:     splitList(attrs["tags"]),
			Metadata: map[string]string{"mdns_instance": inst},
		}
		if d.Host == "" {
			d.Host = strings.TrimSuffix(s.Target, ".")
		}
		if d.Name == "" {
			d.Name = instanceLabel(inst)
		}
		for _, c := range splitList(attrs["caps"]) {
			d.Capabilities = append(d.Capabilities, parseCapability(c))
		}
		for k, v := range attrs {
			switch k {
			case "id", "name", "type", "location", "tags", "caps":
			default:
				d.Metadata[k] = v
			}
		}
		out = append(out, d)
	}
	return out
}

func parseTXT(entries []string) map[string]string {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		k, v, _ := strings.Cut(e, "=")
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			out[k] = v
		}
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseCapability reads "name", "name@version" or "name@version:priority".
func parseCapability(s string) device.Capability {
	name, rest, _ := strings.Cut(s, "@")
	c := device.Capability{Name: name}
	version, prio, ok := strings.Cut(rest, ":")
	c.Version = version
	if ok {
		c.Priority, _ = strconv.Atoi(prio)
	}
	return c
}

// instanceLabel returns the first label of a DNS-SD instance name,
// "cam-7._fleet._tcp.local." → "cam-7".
func instanceLabel(inst string) string {
	labels := dns.SplitDomainName(inst)
	if len(labels) == 0 {
		return inst
	}
	return labels[0]
}
