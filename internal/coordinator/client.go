package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dreamware/fleet/internal/cluster"
	"github.com/dreamware/fleet/internal/device"
	"github.com/dreamware/fleet/internal/fault"
)

// Paths every device agent serves.
const (
	CommandPath = "/command"
	HealthPath  = "/health"
)

// Command is what the coordinator asks a device to do.
type Command struct {
	Params    map[string]any `json:"params,omitempty"`
	Action    string         `json:"action"`
	TaskID    string         `json:"task_id,omitempty"`
	SubTaskID string         `json:"subtask_id,omitempty"`
	GroupID   string         `json:"group_id,omitempty"`
}

// CommandResponse is a device's reply to a Command.
type CommandResponse struct {
	Result   map[string]any `json:"result,omitempty"`
	DeviceID string         `json:"device_id"`
	Error    string         `json:"error,omitempty"`
	Success  bool           `json:"success"`
}

// DeviceClient sends commands and health probes to devices.
type DeviceClient interface {
	Send(ctx context.Context, dev *device.Device, cmd Command) (*CommandResponse, error)
	Ping(ctx context.Context, dev *device.Device) error
}

// ErrNoEndpoint is returned for devices registered without host and port.
var ErrNoEndpoint = errors.New("device has no network endpoint")

// HTTPDeviceClient talks to device agents over JSON/HTTP.
//
// Network failures and 5xx responses are marked transient so the fault
// layer retries them; 4xx responses and device-reported failures are
// permanent.
type HTTPDeviceClient struct {
	client *cluster.Client
}

// NewHTTPDeviceClient creates a client whose requests time out after
// timeout.
func NewHTTPDeviceClient(timeout time.Duration) *HTTPDeviceClient {
	return &HTTPDeviceClient{client: cluster.NewClient(timeout)}
}

// Send posts cmd to the device's /command endpoint.
func (c *HTTPDeviceClient) Send(ctx context.Context, dev *device.Device, cmd Command) (*CommandResponse, error) {
	addr := dev.Addr()
	if addr == "" {
		return nil, fault.Permanent(fmt.Errorf("%w: %s", ErrNoEndpoint, dev.ID))
	}
	var resp CommandResponse
	if err := c.client.PostJSON(ctx, cluster.BaseURL(addr)+CommandPath, cmd, &resp); err != nil {
		return nil, classify(err)
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "command rejected"
		}
		return &resp, fault.Permanent(fmt.Errorf("device %s: %s", dev.ID, msg))
	}
	return &resp, nil
}

// Ping checks the device's /health endpoint.
func (c *HTTPDeviceClient) Ping(ctx context.Context, dev *device.Device) error {
	addr := dev.Addr()
	if addr == "" {
		return fmt.Errorf("%w: %s", ErrNoEndpoint, dev.ID)
	}
	_, err := c.client.GetBytes(ctx, cluster.BaseURL(addr)+HealthPath)
	return err
}

func classify(err error) error {
	var se *cluster.StatusError
	if errors.As(err, &se) && se.Code < http.StatusInternalServerError {
		return fault.Permanent(err)
	}
	return fault.MarkTransient(err)
}
