package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dreamware/fleet/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func monitorDevices(ids ...string) []*device.Device {
	out := make([]*device.Device, len(ids))
	for i, id := range ids {
		out[i] = &device.Device{ID: id, State: device.StateIdle}
	}
	return out
}

// TestNewHealthMonitorDefaults verifies zero config values fall back to
// defaults.
func TestNewHealthMonitorDefaults(t *testing.T) {
	monitor := NewHealthMonitor(HealthConfig{}, nil, nil, nil)

	assert.Equal(t, 2*time.Second, monitor.cfg.ProbeTimeout)
	assert.Equal(t, 3, monitor.cfg.MaxFailures)
	assert.Equal(t, 8, monitor.cfg.Parallelism)
	assert.Empty(t, monitor.GetAllDeviceHealth())
}

// TestHealthMonitorStartProbesPeriodically checks the loop probes every
// device at start and again on each tick.
func TestHealthMonitorStartProbesPeriodically(t *testing.T) {
	mock := clock.NewMock()
	var calls atomic.Int32
	monitor := NewHealthMonitor(HealthConfig{ProbeInterval: 10 * time.Second},
		func(context.Context, *device.Device) error {
			calls.Add(1)
			return nil
		}, mock, nil)

	monitor.Start(context.Background(), func() []*device.Device { return monitorDevices("d1", "d2") })
	defer monitor.Stop()

	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
	mock.Add(10 * time.Second)
	require.Eventually(t, func() bool { return calls.Load() == 4 }, time.Second, time.Millisecond)

	assert.True(t, monitor.IsHealthy("d1"))
	assert.True(t, monitor.IsHealthy("d2"))
	assert.Len(t, monitor.GetAllDeviceHealth(), 2)
}

// TestHealthMonitorMarksUnhealthy verifies the unknown → unhealthy →
// healthy transitions and that the callback fires once per transition.
func TestHealthMonitorMarksUnhealthy(t *testing.T) {
	var down atomic.Bool
	down.Store(true)
	monitor := NewHealthMonitor(HealthConfig{MaxFailures: 2}, func(_ context.Context, d *device.Device) error {
		if d.ID == "cam" && down.Load() {
			return errors.New("connection refused")
		}
		return nil
	}, clock.NewMock(), nil)

	var mu sync.Mutex
	var unhealthy []string
	monitor.SetOnUnhealthy(func(id string) {
		mu.Lock()
		unhealthy = append(unhealthy, id)
		mu.Unlock()
	})

	ctx := context.Background()
	devs := monitorDevices("cam", "sensor")

	monitor.CheckAll(ctx, devs)
	h := monitor.GetDeviceHealth("cam")
	require.NotNil(t, h)
	assert.Equal(t, HealthUnknown, h.Status, "one failure is below the threshold")
	assert.Equal(t, 1, h.ConsecutiveFails)
	assert.Equal(t, "connection refused", h.LastError)

	monitor.CheckAll(ctx, devs)
	monitor.CheckAll(ctx, devs)
	assert.Equal(t, HealthUnhealthy, monitor.GetDeviceHealth("cam").Status)
	assert.False(t, monitor.IsHealthy("cam"))
	assert.True(t, monitor.IsHealthy("sensor"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(unhealthy) == 1
	}, time.Second, time.Millisecond)

	down.Store(false)
	monitor.CheckAll(ctx, devs)
	h = monitor.GetDeviceHealth("cam")
	assert.Equal(t, HealthHealthy, h.Status)
	assert.Zero(t, h.ConsecutiveFails)
	assert.Empty(t, h.LastError)
}

// TestHealthMonitorForgetsRemovedDevices verifies devices missing from
// the provider are dropped and unavailable devices are not probed.
func TestHealthMonitorForgetsRemovedDevices(t *testing.T) {
	var probed sync.Map
	monitor := NewHealthMonitor(HealthConfig{}, func(_ context.Context, d *device.Device) error {
		probed.Store(d.ID, true)
		return nil
	}, nil, nil)

	ctx := context.Background()
	monitor.CheckAll(ctx, monitorDevices("a", "b"))
	require.Len(t, monitor.GetAllDeviceHealth(), 2)

	offline := &device.Device{ID: "c", State: device.StateOffline}
	monitor.CheckAll(ctx, append(monitorDevices("a"), offline))

	assert.Len(t, monitor.GetAllDeviceHealth(), 1)
	assert.Nil(t, monitor.GetDeviceHealth("b"))
	_, ok := probed.Load("c")
	assert.False(t, ok, "offline devices are not probed")
}

// TestHealthMonitorProbeTimeout verifies a hanging probe is cut off.
func TestHealthMonitorProbeTimeout(t *testing.T) {
	monitor := NewHealthMonitor(HealthConfig{ProbeTimeout: 20 * time.Millisecond}, func(ctx context.Context, _ *device.Device) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil, nil)

	start := time.Now()
	err := monitor.Check(context.Background(), &device.Device{ID: "slow", State: device.StateIdle})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

// TestHealthMonitorStopIdempotent verifies Stop is safe without Start and
// twice after it.
func TestHealthMonitorStopIdempotent(t *testing.T) {
	monitor := NewHealthMonitor(HealthConfig{ProbeInterval: time.Hour}, nil, clock.NewMock(), nil)
	monitor.Stop()
	monitor.Start(context.Background(), func() []*device.Device { return nil })
	monitor.Stop()
	monitor.Stop()
}
