package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/dreamware/fleet/internal/coordinator"
	"github.com/dreamware/fleet/internal/device"
	"github.com/dreamware/fleet/internal/discovery"
)

// ActionFunc performs one command on the device.
type ActionFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// errRequestedFailure is what the "fail" action reports.
var errRequestedFailure = errors.New("failure requested by caller")

// Agent is a simulated device. It describes itself through discovery
// announcements and executes coordinator commands.
//
// Actions without a registered handler are acknowledged as simulated
// work so any task type can target the agent.
type Agent struct {
	clock   clock.Clock
	logger  *zap.Logger
	actions map[string]ActionFunc
	self    device.Device
	started time.Time

	mu       sync.Mutex
	active   int
	executed map[string]int
	failed   int
}

// NewAgent creates an agent describing dev. A nil clock uses wall time.
func NewAgent(dev device.Device, clk clock.Clock, logger *zap.Logger) *Agent {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Agent{
		clock:    clk,
		logger:   logger,
		self:     dev,
		started:  clk.Now(),
		actions:  make(map[string]ActionFunc),
		executed: make(map[string]int),
	}
	a.Handle("ping", func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"pong": true}, nil
	})
	a.Handle("status", func(context.Context, map[string]any) (map[string]any, error) {
		return a.status(), nil
	})
	a.Handle("sleep", a.sleep)
	a.Handle("fail", func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errRequestedFailure
	})
	return a
}

// Handle registers fn for action, replacing any earlier handler.
func (a *Agent) Handle(action string, fn ActionFunc) {
	a.actions[action] = fn
}

// Device returns the agent's self description.
func (a *Agent) Device() *device.Device {
	return a.self.Clone()
}

// Announcement builds the announce datagram for this device.
func (a *Agent) Announcement() discovery.Announcement {
	return discovery.AnnouncementFor(&a.self)
}

// Execute runs one command and converts the outcome into a reply.
func (a *Agent) Execute(ctx context.Context, cmd coordinator.Command) coordinator.CommandResponse {
	a.mu.Lock()
	a.active++
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.active--
		a.mu.Unlock()
	}()

	fn, ok := a.actions[cmd.Action]
	if !ok {
		fn = a.simulate(cmd.Action)
	}
	result, err := fn(ctx, cmd.Params)

	a.mu.Lock()
	a.executed[cmd.Action]++
	if err != nil {
		a.failed++
	}
	a.mu.Unlock()

	resp := coordinator.CommandResponse{DeviceID: a.self.ID, Result: result, Success: err == nil}
	if err != nil {
		resp.Error = err.Error()
		a.logger.Warn("command failed",
			zap.String("action", cmd.Action), zap.String("task_id", cmd.TaskID), zap.Error(err))
	} else {
		a.logger.Debug("command executed",
			zap.String("action", cmd.Action), zap.String("task_id", cmd.TaskID))
	}
	return resp
}

func (a *Agent) simulate(action string) ActionFunc {
	return func(_ context.Context, params map[string]any) (map[string]any, error) {
		out := map[string]any{"action": action, "simulated": true}
		if len(params) > 0 {
			out["params"] = params
		}
		return out, nil
	}
}

// sleep holds the device busy for params["seconds"].
func (a *Agent) sleep(ctx context.Context, params map[string]any) (map[string]any, error) {
	secs, _ := params["seconds"].(float64)
	if secs < 0 {
		return nil, fmt.Errorf("seconds must not be negative, got %v", secs)
	}
	d := time.Duration(secs * float64(time.Second))
	t := a.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return map[string]any{"slept": d.String()}, nil
	}
}

func (a *Agent) status() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	executed := make(map[string]any, len(a.executed))
	for k, v := range a.executed {
		executed[k] = v
	}
	return map[string]any{
		"device_id": a.self.ID,
		"uptime":    a.clock.Since(a.started).String(),
		"active":    a.active,
		"executed":  executed,
		"failed":    a.failed,
	}
}

// Actions lists the registered action names.
func (a *Agent) Actions() []string {
	out := make([]string, 0, len(a.actions))
	for k := range a.actions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// routes serves the endpoints the coordinator's device client calls.
func (a *Agent) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+coordinator.HealthPath, a.handleHealth)
	mux.HandleFunc("POST "+coordinator.CommandPath, a.handleCommand)
	mux.HandleFunc("GET /info", a.handleInfo)
	return mux
}

func (a *Agent) handleHealth(w http.ResponseWriter, _ *http.Request) {
	a.mu.Lock()
	busy := a.active > 0
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "device_id": a.self.ID, "busy": busy})
}

func (a *Agent) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd coordinator.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, coordinator.CommandResponse{DeviceID: a.self.ID, Error: "bad json: " + err.Error()})
		return
	}
	if cmd.Action == "" {
		writeJSON(w, http.StatusBadRequest, coordinator.CommandResponse{DeviceID: a.self.ID, Error: "action is required"})
		return
	}
	writeJSON(w, http.StatusOK, a.Execute(r.Context(), cmd))
}

func (a *Agent) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"device":  a.Device(),
		"actions": a.Actions(),
		"status":  a.status(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
