// Command coordinator runs a fleet coordinator: it discovers devices,
// keeps the device registry, replicates device state with peer
// coordinators, schedules tasks onto devices and serves the HTTP API.
//
// Configuration is layered: built-in defaults, then the YAML file named
// by --config (or FLEET_CONFIG), then FLEET_* environment variables, then
// command line flags.
//
// Example usage:
//
//	# single coordinator on the default port
//	./coordinator
//
//	# two replicas gossiping with each other
//	./coordinator --node-id east --listen :8080 --peer http://localhost:8090
//	./coordinator --node-id west --listen :8090 --peer http://localhost:8080
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/dreamware/fleet/internal/config"
	"github.com/dreamware/fleet/internal/coordinator"
)

type flags struct {
	configPath string
	listen     string
	nodeID     string
	logLevel   string
	peers      []string
}

func parseFlags(args []string) (*flags, error) {
	f := &flags{}
	fs := pflag.NewFlagSet("coordinator", pflag.ContinueOnError)
	fs.StringVarP(&f.configPath, "config", "c", "", "path to YAML config file (default $FLEET_CONFIG)")
	fs.StringVar(&f.listen, "listen", "", "HTTP listen address")
	fs.StringVar(&f.nodeID, "node-id", "", "replica id used in vector clocks")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringSliceVar(&f.peers, "peer", nil, "peer coordinator base URL (repeatable)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// loadConfig applies defaults, file, environment and flags in that order.
func loadConfig(f *flags) (*config.Config, error) {
	path := f.configPath
	if path == "" {
		path = os.Getenv("FLEET_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if f.listen != "" {
		cfg.HTTP.Listen = f.listen
	}
	if f.nodeID != "" {
		cfg.Node.ID = f.nodeID
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if len(f.peers) > 0 {
		cfg.Node.Peers = f.peers
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	fx.New(appOptions(cfg, logger)...).Run()
}

// appOptions assembles the application graph.
func appOptions(cfg *config.Config, logger *zap.Logger) []fx.Option {
	return []fx.Option{
		fx.Supply(cfg, logger),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		fx.Provide(
			newEngine,
			newServer,
			newHTTPServer,
		),
		fx.Invoke(func(*http.Server) {}),
	}
}

// newEngine builds the engine and ties its lifecycle to the app.
func newEngine(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*coordinator.Engine, error) {
	engine, err := coordinator.New(cfg.Engine(), coordinator.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	for _, p := range cfg.Node.Peers {
		engine.Synchronizer().AddPeer(p)
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			// the hook context ends with startup; the engine outlives it
			engine.Start(context.Background())
			return nil
		},
		OnStop: func(context.Context) error {
			return engine.Stop()
		},
	})
	return engine, nil
}

func newHTTPServer(lc fx.Lifecycle, cfg *config.Config, srv *server, logger *zap.Logger) *http.Server {
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", httpSrv.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", httpSrv.Addr, err)
			}
			logger.Info("coordinator listening", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
			defer cancel()
			return httpSrv.Shutdown(ctx)
		},
	})
	return httpSrv
}
