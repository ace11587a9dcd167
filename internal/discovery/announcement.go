package discovery

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dreamware/fleet/internal/device"
)

// Announcement kinds carried over the broadcast protocol.
const (
	KindProbe    = "probe"
	KindAnnounce = "announce"
	KindBye      = "bye"
)

// ErrMalformedAnnouncement is returned for datagrams that do not decode
// into a usable Announcement.
var ErrMalformedAnnouncement = errors.New("malformed announcement")

// Announcement is the JSON datagram exchanged by coordinators and device
// agents. Coordinators send probes; agents answer with announces and say
// bye on shutdown.
type Announcement struct {
	Metadata     device.Metadata     `json:"metadata,omitempty"`
	Kind         string              `json:"kind"`
	DeviceID     string              `json:"device_id,omitempty"`
	Name         string              `json:"name,omitempty"`
	DeviceType   string              `json:"device_type,omitempty"`
	Host         string              `json:"host,omitempty"`
	Location     string              `json:"location,omitempty"`
	Capabilities []device.Capability `json:"capabilities,omitempty"`
	Tags         []string            `json:"tags,omitempty"`
	Resources    device.Resources    `json:"resources"`
	Port         int                 `json:"port,omitempty"`
}

// AnnouncementFor builds an announce datagram describing d.
func AnnouncementFor(d *device.Device) Announcement {
	return Announcement{
		Kind:         KindAnnounce,
		DeviceID:     d.ID,
		Name:         d.Name,
		DeviceType:   string(d.Type),
		Host:         d.Host,
		Port:         d.Port,
		Location:     d.Location,
		Capabilities: d.Capabilities,
		Tags:         d.Tags,
		Resources:    d.Resources,
		Metadata:     d.Metadata,
	}
}

// Device converts an announce into a device record. senderHost is used
// when the announcement carries no host of its own.
func (a Announcement) Device(senderHost string) *device.Device {
	host := a.Host
	if host == "" {
		host = senderHost
	}
	name := a.Name
	if name == "" {
		name = a.DeviceID
	}
	return &device.Device{
		ID:           a.DeviceID,
		Name:         name,
		Type:         device.ParseType(a.DeviceType),
		State:        device.StateIdle,
		Host:         host,
		Port:         a.Port,
		Protocol:     ProtocolBroadcast,
		Location:     a.Location,
		Capabilities: a.Capabilities,
		Tags:         a.Tags,
		Resources:    a.Resources,
		Metadata:     a.Metadata,
	}
}

// Marshal encodes a for the wire.
func (a Announcement) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

// ParseAnnouncement decodes a datagram. Announces and byes must name a
// device.
func ParseAnnouncement(b []byte) (Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(b, &a); err != nil {
		return a, fmt.Errorf("%w: %v", ErrMalformedAnnouncement, err)
	}
	switch a.Kind {
	case KindProbe:
	case KindAnnounce, KindBye:
		if a.DeviceID == "" {
			return a, fmt.Errorf("%w: %s without device_id", ErrMalformedAnnouncement, a.Kind)
		}
	default:
		return a, fmt.Errorf("%w: unknown kind %q", ErrMalformedAnnouncement, a.Kind)
	}
	return a, nil
}
