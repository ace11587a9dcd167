// Command device-agent runs a simulated fleet device. It answers
// coordinator discovery probes over UDP, announces itself periodically,
// optionally registers and heartbeats over HTTP, and executes commands
// posted to /command.
//
// Example usage:
//
//	# discovered by broadcast on the local network
//	./device-agent --id cam-1 --type camera --capability video --listen :8081
//
//	# explicit registration with a coordinator
//	./device-agent --id drone-7 --type drone --coordinator http://localhost:8080
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pbnjay/memory"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/dreamware/fleet/internal/cluster"
	"github.com/dreamware/fleet/internal/config"
	"github.com/dreamware/fleet/internal/device"
	"github.com/dreamware/fleet/internal/discovery"
)

type options struct {
	id                string
	name              string
	deviceType        string
	location          string
	listen            string
	advertiseHost     string
	coordinator       string
	announceAddr      string
	logLevel          string
	capabilities      []string
	tags              []string
	probePort         int
	announceInterval  time.Duration
	heartbeatInterval time.Duration
}

func parseFlags(args []string) (*options, error) {
	bc := discovery.DefaultBroadcastConfig()
	o := &options{}
	fs := pflag.NewFlagSet("device-agent", pflag.ContinueOnError)
	fs.StringVar(&o.id, "id", os.Getenv("AGENT_ID"), "device id (default $AGENT_ID)")
	fs.StringVar(&o.name, "name", "", "human readable name")
	fs.StringVar(&o.deviceType, "type", "sensor", "device type")
	fs.StringVar(&o.location, "location", "", "device location")
	fs.StringVar(&o.listen, "listen", ":8081", "HTTP listen address for commands")
	fs.StringVar(&o.advertiseHost, "advertise-host", "", "host coordinators should dial (default: sender address)")
	fs.StringVar(&o.coordinator, "coordinator", os.Getenv("COORDINATOR_ADDR"), "coordinator URL for explicit registration")
	fs.StringVar(&o.announceAddr, "announce-addr", net.JoinHostPort(bc.Address, strconv.Itoa(bc.ListenPort)), "UDP address for unsolicited announcements; empty disables")
	fs.StringVar(&o.logLevel, "log-level", "info", "log level")
	fs.StringSliceVar(&o.capabilities, "capability", nil, "capability name (repeatable)")
	fs.StringSliceVar(&o.tags, "tag", nil, "tag (repeatable)")
	fs.IntVar(&o.probePort, "probe-port", bc.AgentPort, "UDP port probes arrive on; 0 picks one")
	fs.DurationVar(&o.announceInterval, "announce-interval", bc.Interval, "interval between unsolicited announcements")
	fs.DurationVar(&o.heartbeatInterval, "heartbeat-interval", 10*time.Second, "interval between HTTP heartbeats when registered")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.id == "" {
		return nil, errors.New("--id is required")
	}
	return o, nil
}

// describe builds the device record the agent advertises.
func (o *options) describe(port int) device.Device {
	d := device.Device{
		ID:       o.id,
		Name:     o.name,
		Type:     device.ParseType(o.deviceType),
		State:    device.StateIdle,
		Host:     o.advertiseHost,
		Port:     port,
		Protocol: discovery.ProtocolBroadcast,
		Location: o.location,
		Tags:     o.tags,
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	if total := memory.TotalMemory(); total > 0 {
		d.Resources.MemoryMB = int(total / (1 << 20))
	}
	for _, c := range o.capabilities {
		d.Capabilities = append(d.Capabilities, device.Capability{Name: c})
	}
	return d
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := config.NewLogger(config.LogConfig{Level: o.logLevel, Format: "console"})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, o, logger); err != nil {
		logger.Error("agent stopped", zap.Error(err))
		os.Exit(1)
	}
}

// run serves until ctx is cancelled.
func run(ctx context.Context, o *options, logger *zap.Logger) error {
	ln, err := net.Listen("tcp", o.listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", o.listen, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	agent := NewAgent(o.describe(port), clock.New(), logger.Named("agent"))

	srv := &http.Server{Handler: agent.routes(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", zap.Error(err))
		}
	}()
	logger.Info("device agent listening",
		zap.String("device_id", o.id), zap.String("addr", ln.Addr().String()))

	ann, err := discovery.NewAnnouncer(o.probePort, agent.Announcement, logger.Named("announcer"))
	if err != nil {
		_ = srv.Close()
		return fmt.Errorf("probe socket: %w", err)
	}
	// probes are answered until the bye has gone out
	serveCtx, stopServe := context.WithCancel(context.Background())
	defer stopServe()
	go func() {
		if err := ann.Serve(serveCtx); err != nil {
			logger.Warn("probe listener stopped", zap.Error(err))
		}
	}()

	var target *net.UDPAddr
	if o.announceAddr != "" {
		if target, err = net.ResolveUDPAddr("udp4", o.announceAddr); err != nil {
			logger.Warn("announcements disabled", zap.String("addr", o.announceAddr), zap.Error(err))
			target = nil
		}
	}
	if target != nil {
		go announceLoop(ctx, ann, target, agent, o.announceInterval, logger)
	}

	if o.coordinator != "" {
		reg := newRegistrar(cluster.NewClient(5*time.Second), o.coordinator, clock.New(), logger.Named("registrar"))
		dev := agent.Device()
		if dev.Host == "" {
			// registration has no sender address to fall back on
			dev.Host, _ = os.Hostname()
		}
		go reg.run(ctx, dev, o.heartbeatInterval)
	}

	<-ctx.Done()
	if target != nil {
		bye := agent.Announcement()
		bye.Kind = discovery.KindBye
		if err := ann.SendTo(target, bye); err != nil {
			logger.Debug("bye not sent", zap.Error(err))
		}
	}
	stopServe()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("device agent stopped")
	return nil
}

func announceLoop(ctx context.Context, ann *discovery.Announcer, to *net.UDPAddr, agent *Agent, interval time.Duration, logger *zap.Logger) {
	send := func() {
		if err := ann.SendTo(to, agent.Announcement()); err != nil {
			logger.Debug("announce failed", zap.Stringer("to", to), zap.Error(err))
		}
	}
	send()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
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
