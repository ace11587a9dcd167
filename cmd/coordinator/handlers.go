package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/fleet/internal/cluster"
	"github.com/dreamware/fleet/internal/coordinator"
	"github.com/dreamware/fleet/internal/device"
	"github.com/dreamware/fleet/internal/scheduler"
	"github.com/dreamware/fleet/internal/statesync"
)

// maxBody bounds request bodies.
const maxBody = 4 << 20

type server struct {
	engine *coordinator.Engine
	logger *zap.Logger
}

func newServer(engine *coordinator.Engine, logger *zap.Logger) *server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &server{engine: engine, logger: logger}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /devices", s.handleRegisterDevice)
	mux.HandleFunc("GET /devices", s.handleListDevices)
	mux.HandleFunc("GET /devices/{id}", s.handleGetDevice)
	mux.HandleFunc("DELETE /devices/{id}", s.handleDeleteDevice)
	mux.HandleFunc("PUT /devices/{id}/state", s.handleDeviceState)
	mux.HandleFunc("POST /devices/{id}/heartbeat", s.handleHeartbeat)

	mux.HandleFunc("POST /tasks", s.handleCreateTask)
	mux.HandleFunc("POST /tasks/batch", s.handleCreateTasks)
	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /tasks/{id}/execute", s.handleExecuteTask)
	mux.HandleFunc("POST /tasks/{id}/cancel", s.handleCancelTask)
	mux.HandleFunc("POST /tasks/{id}/coordinate", s.handleCoordinateTask)

	mux.HandleFunc("POST /groups", s.handleCreateGroup)
	mux.HandleFunc("GET /groups", s.handleListGroups)
	mux.HandleFunc("GET /groups/{id}", s.handleGetGroup)
	mux.HandleFunc("POST /groups/{id}/broadcast", s.handleBroadcast)
	mux.HandleFunc("POST /groups/{id}/failover", s.handleFailover)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.engine.Status())
	})
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.engine.Stats())
	})
	mux.HandleFunc("GET /sync/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.engine.Synchronizer().GetSyncStatus())
	})
	mux.HandleFunc("GET /discovery/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, struct {
			Status  any              `json:"status"`
			Devices []*device.Device `json:"devices"`
		}{s.engine.Discovery().Status(), s.engine.Discovery().GetDiscoveredDevices()})
	})
	mux.HandleFunc("GET /fault-tolerance/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.engine.Fault().Status())
	})

	mux.HandleFunc("POST "+statesync.GossipPath, s.handleGossip)
	mux.HandleFunc("GET "+statesync.SnapshotPath, s.handleSnapshot)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.engine.Metrics().Registry(), promhttp.HandlerOpts{}))

	return mux
}

type envelope struct {
	Error   string `json:"error,omitempty"`
	Success bool   `json:"success"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, device.ErrNotFound),
		errors.Is(err, coordinator.ErrGroupNotFound),
		errors.Is(err, scheduler.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrDuplicateTask),
		errors.Is(err, scheduler.ErrTaskTerminal),
		errors.Is(err, coordinator.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, coordinator.ErrValidation),
		errors.Is(err, scheduler.ErrCycleDetected),
		errors.Is(err, scheduler.ErrInvalidTask):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, code, envelope{Error: err.Error()})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v); err != nil {
		return fmt.Errorf("%w: bad json: %w", coordinator.ErrValidation, err)
	}
	return nil
}

func (s *server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var d device.Device
	if err := decode(r, &d); err != nil {
		s.fail(w, r, err)
		return
	}
	if d.State != "" {
		st, err := device.ParseState(string(d.State))
		if err != nil {
			s.fail(w, r, fmt.Errorf("%w: %w", coordinator.ErrValidation, err))
			return
		}
		d.State = st
	}
	created, err := s.engine.RegisterDevice(&d)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !created {
		writeJSON(w, http.StatusConflict, envelope{Error: "device " + d.ID + " already registered"})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		envelope
		DeviceID string `json:"device_id"`
	}{envelope{Success: true}, d.ID})
}

func (s *server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := device.Filter{
		Location:   q.Get("location"),
		Capability: q.Get("capability"),
		Tag:        q.Get("tag"),
	}
	if v := q.Get("device_type"); v != "" {
		f.Type = device.ParseType(v)
	}
	if v := q.Get("state"); v != "" {
		st, err := device.ParseState(v)
		if err != nil {
			s.fail(w, r, fmt.Errorf("%w: %w", coordinator.ErrValidation, err))
			return
		}
		f.State = st
	}
	devices := s.engine.ListDevices(f)
	writeJSON(w, http.StatusOK, struct {
		Devices []*device.Device `json:"devices"`
		Count   int              `json:"count"`
	}{devices, len(devices)})
}

func (s *server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.GetDevice(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.UnregisterDevice(r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (s *server) handleDeviceState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State string `json:"state"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.engine.UpdateDeviceState(r.PathValue("id"), req.State); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Heartbeat(r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

// taskRequest is the wire form of a task submission. Durations are in
// seconds.
type taskRequest struct {
	Params               map[string]any      `json:"params"`
	Retry                *retryRequest       `json:"retry_policy"`
	ID                   string              `json:"task_id"`
	Name                 string              `json:"name"`
	Description          string              `json:"description"`
	Type                 string              `json:"task_type"`
	Strategy             string              `json:"scheduling_strategy"`
	RequiredDevices      []string            `json:"required_devices"`
	RequiredCapabilities []string            `json:"required_capabilities"`
	Dependencies         []string            `json:"dependencies"`
	SubTasks             []scheduler.SubTask `json:"subtasks"`
	Timeout              float64             `json:"timeout"`
	Priority             int                 `json:"priority"`
}

type retryRequest struct {
	MaxRetries int     `json:"max_retries"`
	RetryDelay float64 `json:"retry_delay"`
}

func seconds(v float64) time.Duration { return time.Duration(v * float64(time.Second)) }

func (req taskRequest) task() *scheduler.Task {
	t := &scheduler.Task{
		ID:                   req.ID,
		Name:                 req.Name,
		Description:          req.Description,
		Type:                 scheduler.TaskType(req.Type),
		Priority:             req.Priority,
		Strategy:             req.Strategy,
		RequiredDevices:      req.RequiredDevices,
		RequiredCapabilities: req.RequiredCapabilities,
		Dependencies:         req.Dependencies,
		SubTasks:             req.SubTasks,
		Params:               req.Params,
		Timeout:              seconds(req.Timeout),
	}
	if req.Retry != nil {
		t.RetryPolicy = scheduler.RetryPolicy{
			MaxRetries: req.Retry.MaxRetries,
			RetryDelay: seconds(req.Retry.RetryDelay),
		}
	}
	return t
}

func (s *server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.engine.CreateTask(req.task())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		envelope
		TaskID string `json:"task_id"`
	}{envelope{Success: true}, id})
}

func (s *server) handleCreateTasks(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tasks []taskRequest `json:"tasks"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	tasks := make([]*scheduler.Task, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		tasks = append(tasks, t.task())
	}
	ids, err := s.engine.CreateTasks(tasks)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		envelope
		TaskIDs []string `json:"task_ids"`
	}{envelope{Success: true}, ids})
}

func (s *server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.fail(w, r, fmt.Errorf("%w: limit must be a non-negative integer", coordinator.ErrValidation))
			return
		}
		limit = n
	}
	tasks, err := s.engine.ListTasks(r.URL.Query().Get("state"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Tasks []*scheduler.Task `json:"tasks"`
		Count int               `json:"count"`
	}{tasks, len(tasks)})
}

func (s *server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.GetTask(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleExecuteTask blocks until the task finishes. An optional
// ?timeout=<seconds> bounds the wait.
func (s *server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if v := r.URL.Query().Get("timeout"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs <= 0 {
			s.fail(w, r, fmt.Errorf("%w: timeout must be a positive number of seconds", coordinator.ErrValidation))
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, seconds(secs))
		defer cancel()
	}
	t, err := s.engine.ExecuteTask(ctx, r.PathValue("id"))
	if errors.Is(err, context.DeadlineExceeded) {
		writeJSON(w, http.StatusAccepted, envelope{Error: "task still running"})
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		envelope
		Task *scheduler.Task `json:"task"`
	}{envelope{Success: t.State == scheduler.StateCompleted, Error: t.Error}, t})
}

func (s *server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.CancelTask(r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (s *server) handleCoordinateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubTasks []scheduler.SubTask `json:"subtasks"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	res, err := s.engine.CoordinateTask(r.Context(), r.PathValue("id"), req.SubTasks)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string   `json:"name"`
		DeviceIDs []string `json:"device_ids"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	g, err := s.engine.CreateGroup(req.Name, req.DeviceIDs)
	if err != nil {
		// unknown members are a bad request here, not a missing resource
		writeJSON(w, http.StatusBadRequest, envelope{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		envelope
		GroupID string `json:"group_id"`
	}{envelope{Success: true}, g.ID})
}

func (s *server) handleListGroups(w http.ResponseWriter, _ *http.Request) {
	groups := s.engine.ListGroups()
	writeJSON(w, http.StatusOK, struct {
		Groups []*coordinator.Group `json:"groups"`
		Count  int                  `json:"count"`
	}{groups, len(groups)})
}

func (s *server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.engine.GetGroup(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Params map[string]any `json:"params"`
		Action string         `json:"action"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Action == "" {
		s.fail(w, r, fmt.Errorf("%w: action is required", coordinator.ErrValidation))
		return
	}
	res, err := s.engine.BroadcastToGroup(r.Context(), r.PathValue("id"), req.Action, req.Params)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleFailover(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.FailoverGroup(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.engine.Health()
	code := http.StatusOK
	if h.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *server) handleGossip(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var msg statesync.GossipMessage
	if err := cluster.UnmarshalCBOR(body, &msg); err != nil {
		http.Error(w, "bad cbor", http.StatusBadRequest)
		return
	}
	applied := s.engine.Synchronizer().HandleGossip(&msg)
	s.logger.Debug("gossip received",
		zap.String("source", msg.Source), zap.Int("events", len(msg.Events)), zap.Int("applied", applied))
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Synchronizer().Snapshot()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	blob, err := statesync.EncodeSnapshot(snap)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zstd")
	_, _ = w.Write(blob)
}
