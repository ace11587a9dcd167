package discovery

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dreamware/fleet/internal/device"
	"github.com/huin/goupnp"
	"github.com/koron/go-ssdp"
	"go.uber.org/zap"
)

// UPnPConfig tunes SSDP search.
type UPnPConfig struct {
	Enabled bool `yaml:"enabled"`
	// SearchTarget is the SSDP ST header, e.g. ssdp:all.
	SearchTarget string        `yaml:"search_target"`
	Interface    string        `yaml:"interface"`
	Interval     time.Duration `yaml:"interval"`
	// WaitSeconds is the MX value: how long responders may delay.
	WaitSeconds int `yaml:"wait_seconds"`
	// Describe fetches each root device description for richer records.
	Describe        bool          `yaml:"describe"`
	DescribeTimeout time.Duration `yaml:"describe_timeout"`
}

// DefaultUPnPConfig returns the default UPnP settings (disabled).
func DefaultUPnPConfig() UPnPConfig {
	return UPnPConfig{
		SearchTarget:    ssdp.RootDevice,
		Interval:        2 * time.Minute,
		WaitSeconds:     2,
		Describe:        true,
		DescribeTimeout: 3 * time.Second,
	}
}

// searchFunc matches ssdp.Search.
type searchFunc func(searchType string, waitSec int, localAddr string) ([]ssdp.Service, error)

// describeFunc matches goupnp.DeviceByURLCtx.
type describeFunc func(ctx context.Context, loc *url.URL) (*goupnp.RootDevice, error)

// UPnP discovers devices with SSDP M-SEARCH and, optionally, their UPnP
// device descriptions.
type UPnP struct {
	cfg      UPnPConfig
	clock    clock.Clock
	logger   *zap.Logger
	search   searchFunc
	describe describeFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUPnP returns a UPnP protocol, or a *Disabled handle when no
// multicast-capable interface exists.
func NewUPnP(cfg UPnPConfig, clk clock.Clock, logger *zap.Logger) Protocol {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := multicastInterface(cfg.Interface); err != nil {
		logger.Info("upnp unavailable", zap.Error(err))
		return NewDisabled(ProtocolUPnP, err.Error())
	}
	return newUPnP(cfg, clk, logger, ssdp.Search, goupnp.DeviceByURLCtx)
}

func newUPnP(cfg UPnPConfig, clk clock.Clock, logger *zap.Logger, search searchFunc, describe describeFunc) *UPnP {
	d := DefaultUPnPConfig()
	if cfg.SearchTarget == "" {
		cfg.SearchTarget = d.SearchTarget
	}
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.WaitSeconds <= 0 {
		cfg.WaitSeconds = d.WaitSeconds
	}
	if cfg.DescribeTimeout <= 0 {
		cfg.DescribeTimeout = d.DescribeTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UPnP{
		cfg:      cfg,
		clock:    clk,
		logger:   logger.With(zap.String("protocol", ProtocolUPnP)),
		search:   search,
		describe: describe,
	}
}

// Name implements Protocol.
func (u *UPnP) Name() string { return ProtocolUPnP }

// Start searches immediately and then every Interval.
func (u *UPnP) Start(ctx context.Context, sink Sink) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cancel != nil {
		return nil
	}
	ctx, u.cancel = context.WithCancel(ctx)
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		ticker := u.clock.Ticker(u.cfg.Interval)
		defer ticker.Stop()
		for {
			devs, err := u.Search(ctx)
			if err != nil {
				u.logger.Debug("ssdp search failed", zap.Error(err))
			}
			for _, d := range devs {
				sink.Found(d)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

// Stop ends searching. An in-flight search finishes first.
func (u *UPnP) Stop() error {
	u.mu.Lock()
	cancel := u.cancel
	u.cancel = nil
	u.mu.Unlock()
	if cancel != nil {
		cancel()
		u.wg.Wait()
	}
	return nil
}

// Search runs one M-SEARCH and converts the responses, de-duplicated by
// USN. Description fetch failures fall back to the SSDP fields.
func (u *UPnP) Search(ctx context.Context) ([]*device.Device, error) {
	services, err := u.search(u.cfg.SearchTarget, u.cfg.WaitSeconds, "")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(services))
	var out []*device.Device
	for _, svc := range services {
		if svc.USN == "" || seen[svc.USN] {
			continue
		}
		seen[svc.USN] = true
		d, err := deviceFromSSDP(svc)
		if err != nil {
			u.logger.Debug("skipping ssdp response", zap.String("usn", svc.USN), zap.Error(err))
			continue
		}
		if u.cfg.Describe && u.describe != nil {
			u.enrich(ctx, d, svc.Location)
		}
		out = append(out, d)
	}
	return out, nil
}

func (u *UPnP) enrich(ctx context.Context, d *device.Device, location string) {
	loc, err := url.Parse(location)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, u.cfg.DescribeTimeout)
	defer cancel()
	root, err := u.describe(ctx, loc)
	if err != nil {
		u.logger.Debug("upnp description fetch failed", zap.String("location", location), zap.Error(err))
		return
	}
	applyDescription(d, &root.Device)
}

func deviceFromSSDP(svc ssdp.Service) (*device.Device, error) {
	loc, err := url.Parse(svc.Location)
	if err != nil {
		return nil, err
	}
	port, _ := strconv.Atoi(loc.Port())
	id := svc.USN
	if uuidPart, _, ok := strings.Cut(svc.USN, "::"); ok {
		id = uuidPart
	}
	return &device.Device{
		ID:       strings.TrimPrefix(id, "uuid:"),
		Name:     svc.Server,
		Type:     classifyUPnP(svc.Type),
		State:    device.StateIdle,
		Host:     loc.Hostname(),
		Port:     port,
		Protocol: ProtocolUPnP,
		Metadata: map[string]string{
			"ssdp_type":     svc.Type,
			"ssdp_usn":      svc.USN,
			"ssdp_location": svc.Location,
		},
	}, nil
}

func applyDescription(d *device.Device, desc *goupnp.Device) {
	if desc.FriendlyName != "" {
		d.Name = desc.FriendlyName
	}
	if t := classifyUPnP(desc.DeviceType); t != device.TypeUnknown {
		d.Type = t
	}
	if desc.UDN != "" {
		d.ID = strings.TrimPrefix(desc.UDN, "uuid:")
	}
	for k, v := range map[string]string{
		"manufacturer": desc.Manufacturer,
		"model":        desc.ModelName,
		"model_number": desc.ModelNumber,
		"serial":       desc.SerialNumber,
		"upnp_type":    desc.DeviceType,
	} {
		if v != "" {
			d.Metadata[k] = v
		}
	}
}

// classifyUPnP maps a UPnP device type URN onto a fleet device type.
func classifyUPnP(urn string) device.Type {
	s := strings.ToLower(urn)
	switch {
	case strings.Contains(s, "camera"):
		return device.TypeCamera
	case strings.Contains(s, "sensor"):
		return device.TypeSensor
	case strings.Contains(s, "gateway"), strings.Contains(s, "wanconnection"):
		return device.TypeGateway
	case strings.Contains(s, "binarylight"), strings.Contains(s, "dimmablelight"), strings.Contains(s, "hvac"):
		return device.TypeActuator
	default:
		return device.TypeUnknown
	}
}
