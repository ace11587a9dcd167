package device

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/slices"
)

var (
	// ErrNotFound is returned when a device id is not in the registry.
	ErrNotFound = errors.New("device not found")
	// ErrInvalidState is returned when a state name does not parse.
	ErrInvalidState = errors.New("invalid device state")
	// ErrInvalidDevice is returned for devices missing an id.
	ErrInvalidDevice = errors.New("invalid device")
)

// Type classifies a device by what it physically is.
type Type string

const (
	TypeSensor   Type = "sensor"
	TypeCamera   Type = "camera"
	TypeDrone    Type = "drone"
	TypeRobot    Type = "robot"
	TypeActuator Type = "actuator"
	TypeGateway  Type = "gateway"
	TypeUnknown  Type = "unknown"
)

// ParseType normalizes a free-form type name. Unrecognized names map to
// TypeUnknown rather than failing, since discovery records are untrusted.
func ParseType(s string) Type {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeSensor, TypeCamera, TypeDrone, TypeRobot, TypeActuator, TypeGateway:
		return t
	default:
		return TypeUnknown
	}
}

// State is the operational state of a device.
type State string

const (
	StateIdle        State = "idle"
	StateBusy        State = "busy"
	StateOffline     State = "offline"
	StateError       State = "error"
	StateMaintenance State = "maintenance"
)

var validStates = []State{StateIdle, StateBusy, StateOffline, StateError, StateMaintenance}

// ParseState converts a state name into a State.
// Returns ErrInvalidState for unknown names.
func ParseState(s string) (State, error) {
	st := State(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(validStates, st) {
		return "", fmt.Errorf("%w: %q", ErrInvalidState, s)
	}
	return st, nil
}

// Capability is a named feature a device exposes. Tasks match on Name.
type Capability struct {
	Parameters map[string]any `json:"parameters,omitempty"`
	Name       string         `json:"name"`
	Version    string         `json:"version,omitempty"`
	Priority   int            `json:"priority,omitempty"`
}

// UnmarshalJSON accepts a capability object or a bare capability name,
// so ["video", {"name": "zoom"}] decodes to two capabilities.
func (c *Capability) UnmarshalJSON(b []byte) error {
	if b = bytes.TrimSpace(b); len(b) > 0 && b[0] == '"' {
		var name string
		if err := json.Unmarshal(b, &name); err != nil {
			return err
		}
		*c = Capability{Name: name}
		return nil
	}
	type plain Capability
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*c = Capability(p)
	return nil
}

// Metadata is free-form string metadata attached to a device.
type Metadata map[string]string

// UnmarshalJSON keeps string values as they are and stores any other
// JSON value as its compact JSON text. Null values are dropped.
func (m *Metadata) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == nil {
		*m = nil
		return nil
	}
	out := make(Metadata, len(raw))
	for k, v := range raw {
		v = bytes.TrimSpace(v)
		switch {
		case bytes.Equal(v, []byte("null")):
		case len(v) > 0 && v[0] == '"':
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			out[k] = s
		default:
			var buf bytes.Buffer
			if err := json.Compact(&buf, v); err != nil {
				return err
			}
			out[k] = buf.String()
		}
	}
	*m = out
	return nil
}

// Resources describes the constraints a device operates under.
type Resources struct {
	CPUCores      float64 `json:"cpu_cores,omitempty"`
	MemoryMB      int     `json:"memory_mb,omitempty"`
	BatteryPct    float64 `json:"battery_pct,omitempty"`
	BandwidthKbps int     `json:"bandwidth_kbps,omitempty"`
	MaxConcurrent int     `json:"max_concurrent,omitempty"`
}

// Device is a single member of the fleet.
type Device struct {
	LastHeartbeat  time.Time    `json:"last_heartbeat"`
	StateChangedAt time.Time    `json:"state_changed_at"`
	RegisteredAt   time.Time    `json:"registered_at"`
	Metadata       Metadata     `json:"metadata,omitempty"`
	ID             string       `json:"device_id"`
	Name           string       `json:"name"`
	Type           Type         `json:"device_type"`
	State          State        `json:"state"`
	Host           string       `json:"host,omitempty"`
	Protocol       string       `json:"discovery_protocol,omitempty"`
	Location       string       `json:"location,omitempty"`
	Capabilities   []Capability `json:"capabilities,omitempty"`
	Tags           []string     `json:"tags,omitempty"`
	Resources      Resources    `json:"resources"`
	Port           int          `json:"port,omitempty"`
}

// Addr returns host:port, or "" when the device has no network endpoint.
func (d *Device) Addr() string {
	if d.Host == "" {
		return ""
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Capability returns the named capability if the device exposes it.
func (d *Device) Capability(name string) (Capability, bool) {
	for _, c := range d.Capabilities {
		if c.Name == name {
			return c, true
		}
	}
	return Capability{}, false
}

// HasCapability reports whether the device exposes the named capability.
func (d *Device) HasCapability(name string) bool {
	_, ok := d.Capability(name)
	return ok
}

// HasAllCapabilities reports whether every name in names is exposed.
// An empty list is trivially satisfied.
func (d *Device) HasAllCapabilities(names []string) bool {
	for _, n := range names {
		if !d.HasCapability(n) {
			return false
		}
	}
	return true
}

// Available reports whether the device can accept new work.
func (d *Device) Available() bool {
	switch d.State {
	case StateOffline, StateError, StateMaintenance:
		return false
	default:
		return true
	}
}

// HasTag reports whether the device carries tag.
func (d *Device) HasTag(tag string) bool {
	return slices.Contains(d.Tags, tag)
}

// Clone returns a deep copy of the device.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	c := *d
	c.Tags = slices.Clone(d.Tags)
	if d.Capabilities != nil {
		c.Capabilities = make([]Capability, len(d.Capabilities))
		for i, src := range d.Capabilities {
			cp := src
			if src.Parameters != nil {
				cp.Parameters = make(map[string]any, len(src.Parameters))
				for k, v := range src.Parameters {
					cp.Parameters[k] = v
				}
			}
			c.Capabilities[i] = cp
		}
	}
	if d.Metadata != nil {
		c.Metadata = make(Metadata, len(d.Metadata))
		for k, v := range d.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Filter selects devices in Registry.Filter. Zero-valued fields match
// everything.
type Filter struct {
	Type       Type
	State      State
	Location   string
	Capability string
	Tag        string
}

// Match reports whether d satisfies every set field of f.
func (f Filter) Match(d *Device) bool {
	if f.Type != "" && d.Type != f.Type {
		return false
	}
	if f.State != "" && d.State != f.State {
		return false
	}
	if f.Location != "" && d.Location != f.Location {
		return false
	}
	if f.Capability != "" && !d.HasCapability(f.Capability) {
		return false
	}
	if f.Tag != "" && !d.HasTag(f.Tag) {
		return false
	}
	return true
}
