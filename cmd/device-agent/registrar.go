package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/dreamware/fleet/internal/cluster"
	"github.com/dreamware/fleet/internal/device"
)

// registerAttempts and registerDelay bound how long the agent waits for a
// coordinator that is still starting.
const (
	registerAttempts = 10
	registerDelay    = 400 * time.Millisecond
)

// registrar registers the device with a coordinator over HTTP and keeps
// it alive with heartbeats. A coordinator that forgot the device (404 on
// heartbeat) gets a fresh registration.
type registrar struct {
	client *cluster.Client
	clock  clock.Clock
	logger *zap.Logger
	base   string
	delay  time.Duration
}

func newRegistrar(client *cluster.Client, coordinatorURL string, clk clock.Clock, logger *zap.Logger) *registrar {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &registrar{
		client: client,
		clock:  clk,
		logger: logger,
		base:   cluster.BaseURL(coordinatorURL),
		delay:  registerDelay,
	}
}

// register posts dev to the coordinator, retrying until it is accepted
// or attempts run out. An already registered device counts as success.
func (r *registrar) register(ctx context.Context, dev *device.Device) error {
	var lastErr error
	for i := 0; i < registerAttempts; i++ {
		lastErr = r.client.PostJSON(ctx, r.base+"/devices", dev, nil)
		if lastErr == nil || statusCode(lastErr) == http.StatusConflict {
			r.logger.Info("registered with coordinator", zap.String("coordinator", r.base))
			return nil
		}
		r.logger.Debug("register retry", zap.Int("attempt", i+1), zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(r.delay):
		}
	}
	return lastErr
}

// heartbeat reports liveness once.
func (r *registrar) heartbeat(ctx context.Context, id string) error {
	return r.client.PostJSON(ctx, r.base+"/devices/"+id+"/heartbeat", nil, nil)
}

// run registers and then heartbeats every interval until ctx ends.
func (r *registrar) run(ctx context.Context, dev *device.Device, interval time.Duration) {
	if err := r.register(ctx, dev); err != nil {
		r.logger.Warn("registration failed; relying on discovery", zap.Error(err))
	}
	if interval <= 0 {
		return
	}
	ticker := r.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := r.heartbeat(ctx, dev.ID)
		switch {
		case err == nil:
		case statusCode(err) == http.StatusNotFound:
			r.logger.Info("coordinator lost the device; registering again")
			if err := r.register(ctx, dev); err != nil {
				r.logger.Warn("re-registration failed", zap.Error(err))
			}
		default:
			r.logger.Debug("heartbeat failed", zap.Error(err))
		}
	}
}

func statusCode(err error) int {
	var se *cluster.StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}
