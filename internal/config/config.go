// Package config loads the coordinator's configuration.
//
// Values come from three layers applied in order: Default, an optional
// YAML file (Load) and FLEET_* environment variables (ApplyEnv). Command
// line flags are applied by the binary on top of the result. Validate
// must pass before the configuration is used.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dreamware/fleet/internal/coordinator"
	"github.com/dreamware/fleet/internal/discovery"
	"github.com/dreamware/fleet/internal/fault"
	"github.com/dreamware/fleet/internal/scheduler"
	"github.com/dreamware/fleet/internal/statesync"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every Validate error.
var ErrInvalid = errors.New("invalid configuration")

// NodeConfig identifies this coordinator and its replica peers.
type NodeConfig struct {
	// ID is the replica id used in vector clocks. Empty generates one.
	ID string `yaml:"id"`
	// Peers are base URLs of peer coordinators for gossip.
	Peers []string `yaml:"peers"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Listen          string        `yaml:"listen"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is json or console.
	Format string `yaml:"format"`
}

// Config is the complete coordinator configuration.
type Config struct {
	Node      NodeConfig                  `yaml:"node"`
	HTTP      HTTPConfig                  `yaml:"http"`
	Log       LogConfig                   `yaml:"log"`
	Discovery discovery.Config            `yaml:"discovery"`
	Sync      statesync.Config            `yaml:"sync"`
	Scheduler scheduler.Config            `yaml:"scheduler"`
	Heartbeat coordinator.HeartbeatConfig `yaml:"heartbeat"`
	Fault     fault.Config                `yaml:"fault"`
	Health    coordinator.HealthConfig    `yaml:"health"`
	// CommandTimeout bounds one request to a device agent or peer.
	CommandTimeout time.Duration `yaml:"command_timeout"`
	// AutoRegister adds discovered devices to the registry.
	AutoRegister bool `yaml:"auto_register"`
}

// Default returns a configuration that runs a single coordinator with
// broadcast discovery on the default ports.
func Default() *Config {
	e := coordinator.DefaultConfig()
	return &Config{
		HTTP: HTTPConfig{
			Listen:          ":8080",
			ReadTimeout:     5 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Log:            LogConfig{Level: "info", Format: "json"},
		Discovery:      e.Discovery,
		Sync:           e.Sync,
		Scheduler:      e.Scheduler,
		Heartbeat:      e.Heartbeat,
		Fault:          e.Fault,
		Health:         e.Health,
		CommandTimeout: e.CommandTimeout,
		AutoRegister:   e.AutoRegister,
	}
}

// Load returns Default overlaid with the YAML file at path. An empty path
// returns Default unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays FLEET_* environment variables. Malformed values are
// reported; unset variables leave the field alone.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("FLEET_NODE_ID", &c.Node.ID)
	if v, ok := lookup("FLEET_PEERS"); ok && v != "" {
		c.Node.Peers = splitList(v)
	}
	str("FLEET_LISTEN", &c.HTTP.Listen)
	str("FLEET_LOG_LEVEL", &c.Log.Level)
	str("FLEET_LOG_FORMAT", &c.Log.Format)

	flag("FLEET_BROADCAST_ENABLED", &c.Discovery.Broadcast.Enabled)
	num("FLEET_BROADCAST_PORT", &c.Discovery.Broadcast.ListenPort)
	num("FLEET_BROADCAST_AGENT_PORT", &c.Discovery.Broadcast.AgentPort)
	flag("FLEET_MDNS_ENABLED", &c.Discovery.MDNS.Enabled)
	flag("FLEET_UPNP_ENABLED", &c.Discovery.UPnP.Enabled)

	str("FLEET_SYNC_STRATEGY", &c.Sync.Strategy)
	dur("FLEET_GOSSIP_INTERVAL", &c.Sync.GossipInterval)
	num("FLEET_GOSSIP_FANOUT", &c.Sync.GossipFanout)
	num("FLEET_GOSSIP_MAX_HOPS", &c.Sync.GossipMaxHops)

	dur("FLEET_HEARTBEAT_INTERVAL", &c.Heartbeat.Interval)
	dur("FLEET_HEARTBEAT_TIMEOUT", &c.Heartbeat.Timeout)

	num("FLEET_BREAKER_FAILURE_THRESHOLD", &c.Fault.Breaker.FailureThreshold)
	num("FLEET_BREAKER_SUCCESS_THRESHOLD", &c.Fault.Breaker.SuccessThreshold)
	dur("FLEET_BREAKER_TIMEOUT", &c.Fault.Breaker.Timeout)
	num("FLEET_RETRY_MAX", &c.Fault.Retry.MaxRetries)
	dur("FLEET_RETRY_BASE_DELAY", &c.Fault.Retry.BaseDelay)
	dur("FLEET_FAILOVER_CHECK_INTERVAL", &c.Fault.Failover.CheckInterval)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects values the components cannot run with.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	check(c.HTTP.Listen != "", "http.listen is required")
	check(c.HTTP.ShutdownTimeout > 0, "http.shutdown_timeout must be positive")
	check(c.Heartbeat.Interval > 0, "heartbeat.interval must be positive")
	check(c.Heartbeat.Timeout >= c.Heartbeat.Interval, "heartbeat.timeout must not be shorter than heartbeat.interval")
	check(c.Sync.GossipInterval > 0, "sync.gossip_interval must be positive")
	check(c.Sync.GossipFanout > 0, "sync.gossip_fanout must be positive")
	check(c.Sync.GossipMaxHops >= 0, "sync.gossip_max_hops must not be negative")
	if _, err := statesync.NewResolver(c.Sync.Strategy); err != nil {
		problems = append(problems, err.Error())
	}
	check(c.Fault.Breaker.FailureThreshold > 0, "fault.breaker.failure_threshold must be positive")
	check(c.Fault.Breaker.SuccessThreshold > 0, "fault.breaker.success_threshold must be positive")
	check(c.Fault.Breaker.Timeout > 0, "fault.breaker.timeout must be positive")
	check(c.Fault.Retry.MaxRetries >= 0, "fault.retry.max_retries must not be negative")
	check(c.Fault.Retry.BaseDelay >= 0, "fault.retry.base_delay must not be negative")
	check(c.Scheduler.QueueSize > 0, "scheduler.queue_size must be positive")
	check(c.Scheduler.MaxConcurrent > 0, "scheduler.max_concurrent must be positive")
	if c.Scheduler.DefaultStrategy != "" {
		if _, err := scheduler.NewSelectors(0).Get(c.Scheduler.DefaultStrategy); err != nil {
			problems = append(problems, fmt.Sprintf("scheduler.default_strategy %q is unknown", c.Scheduler.DefaultStrategy))
		}
	}
	check(c.Health.MaxFailures > 0, "health.max_failures must be positive")
	check(c.CommandTimeout > 0, "command_timeout must be positive")
	for _, p := range []int{c.Discovery.Broadcast.ListenPort, c.Discovery.Broadcast.AgentPort} {
		check(p >= 0 && p <= 65535, fmt.Sprintf("discovery port %d out of range", p))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q must be json or console", c.Log.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Engine returns the engine configuration derived from c.
func (c *Config) Engine() coordinator.Config {
	return coordinator.Config{
		NodeID:         c.Node.ID,
		Discovery:      c.Discovery,
		Sync:           c.Sync,
		Scheduler:      c.Scheduler,
		Fault:          c.Fault,
		Heartbeat:      c.Heartbeat,
		Health:         c.Health,
		CommandTimeout: c.CommandTimeout,
		AutoRegister:   c.AutoRegister,
	}
}
