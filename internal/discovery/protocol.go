package discovery

import (
	"context"
	"errors"
	"net"

	"github.com/dreamware/fleet/internal/device"
)

var errNoMulticast = errors.New("no multicast-capable network interface")

// Protocol names.
const (
	ProtocolBroadcast = "broadcast"
	ProtocolMDNS      = "mdns"
	ProtocolUPnP      = "upnp"
)

// Sink receives what a protocol finds. Implementations must be safe for
// concurrent use.
type Sink interface {
	// Found reports a device seen on the network, new or already known.
	Found(d *device.Device)
	// Lost reports a device that announced its departure.
	Lost(id string)
}

// Protocol is one discovery mechanism.
//
// Start must return promptly, running any network loops in the
// background until ctx is cancelled or Stop is called. Stop must be safe
// to call more than once.
type Protocol interface {
	Name() string
	Start(ctx context.Context, sink Sink) error
	Stop() error
}

// Disabled stands in for a protocol that cannot run on this host. It
// satisfies Protocol and does nothing.
type Disabled struct {
	name   string
	reason string
}

// NewDisabled returns a disabled handle for protocol name.
func NewDisabled(name, reason string) *Disabled {
	return &Disabled{name: name, reason: reason}
}

func (d *Disabled) Name() string                      { return d.name }
func (d *Disabled) Start(context.Context, Sink) error { return nil }
func (d *Disabled) Stop() error                       { return nil }

// Reason explains why the protocol is disabled.
func (d *Disabled) Reason() string { return d.reason }

// pickMulticastInterface returns the first up, non-loopback interface
// supporting multicast. When name is set only that interface qualifies.
func pickMulticastInterface(ifaces []net.Interface, name string) (*net.Interface, bool) {
	for i := range ifaces {
		ifc := &ifaces[i]
		if name != "" && ifc.Name != name {
			continue
		}
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagMulticast == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		return ifc, true
	}
	return nil, false
}

func multicastInterface(name string) (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	ifc, ok := pickMulticastInterface(ifaces, name)
	if !ok {
		return nil, errNoMulticast
	}
	return ifc, nil
}
