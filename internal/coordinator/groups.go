package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dreamware/fleet/internal/device"
	"github.com/dreamware/fleet/internal/scheduler"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Group is a named set of devices addressed together.
type Group struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"group_id"`
	Name      string    `json:"name"`
	DeviceIDs []string  `json:"device_ids"`
}

func (g *Group) clone() *Group {
	c := *g
	c.DeviceIDs = append([]string(nil), g.DeviceIDs...)
	return &c
}

// DeviceResult is one device's outcome in a group broadcast.
type DeviceResult struct {
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
	Success bool           `json:"success"`
}

// BroadcastResult collects per-device outcomes. Success reports that the
// broadcast ran; individual failures are in Results.
type BroadcastResult struct {
	Results   map[string]DeviceResult `json:"results"`
	GroupID   string                  `json:"group_id"`
	Action    string                  `json:"action"`
	Succeeded int                     `json:"succeeded"`
	Failed    int                     `json:"failed"`
	Success   bool                    `json:"success"`
}

// SubTaskResult is one subtask's outcome.
type SubTaskResult struct {
	Result   map[string]any `json:"result,omitempty"`
	DeviceID string         `json:"device_id"`
	Action   string         `json:"action"`
	Error    string         `json:"error,omitempty"`
	Success  bool           `json:"success"`
}

// CoordinationResult collects per-subtask outcomes of a fan-out. Success
// holds only when every subtask succeeded.
type CoordinationResult struct {
	Results   map[string]SubTaskResult `json:"results"`
	TaskID    string                   `json:"task_id"`
	Completed int                      `json:"completed"`
	Failed    int                      `json:"failed"`
	Success   bool                     `json:"success"`
}

// FailoverResult reports a group failover.
type FailoverResult struct {
	GroupID         string `json:"group_id"`
	PreviousPrimary string `json:"previous_primary"`
	Primary         string `json:"primary"`
	Promoted        bool   `json:"promoted"`
}

// CreateGroup creates a group over registered devices. The first device
// is the group's failover primary; the rest are secondaries in order.
func (e *Engine) CreateGroup(name string, deviceIDs []string) (*Group, error) {
	ids := make([]string, 0, len(deviceIDs))
	seen := make(map[string]bool, len(deviceIDs))
	for _, id := range deviceIDs {
		if id == "" || seen[id] {
			continue
		}
		if !e.registry.Exists(id) {
			return nil, invalid(fmt.Errorf("%w: %s", device.ErrNotFound, id))
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, invalid(fmt.Errorf("%w: group needs at least one device", ErrEmptyTargets))
	}
	g := &Group{
		ID:        uuid.NewString(),
		Name:      name,
		DeviceIDs: ids,
		CreatedAt: e.clock.Now(),
	}
	if g.Name == "" {
		g.Name = g.ID
	}

	e.mu.Lock()
	e.groups[g.ID] = g
	e.mu.Unlock()

	e.fault.Failover().Register(g.ID, ids[0], ids[1:], e.deviceHealthy)
	e.logger.Info("group created",
		zap.String("group_id", g.ID), zap.String("name", g.Name), zap.Strings("devices", ids))
	return g.clone(), nil
}

// GetGroup returns a copy of a group.
func (e *Engine) GetGroup(id string) (*Group, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	g, ok := e.groups[id]
	if !ok {
		return nil, invalid(fmt.Errorf("%w: %s", ErrGroupNotFound, id))
	}
	return g.clone(), nil
}

// ListGroups returns every group, oldest first.
func (e *Engine) ListGroups() []*Group {
	e.mu.RLock()
	out := make([]*Group, 0, len(e.groups))
	for _, g := range e.groups {
		out = append(out, g.clone())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// BroadcastToGroup sends action to every device of the group in
// parallel. Each device is protected by its own circuit breaker, and a
// failing device shows up in the result instead of failing the call.
func (e *Engine) BroadcastToGroup(ctx context.Context, groupID, action string, params map[string]any) (*BroadcastResult, error) {
	g, err := e.GetGroup(groupID)
	if err != nil {
		return nil, err
	}
	res := &BroadcastResult{
		GroupID: g.ID,
		Action:  action,
		Results: make(map[string]DeviceResult, len(g.DeviceIDs)),
		Success: true,
	}
	var mu sync.Mutex
	var eg errgroup.Group
	for _, id := range g.DeviceIDs {
		id := id
		eg.Go(func() error {
			r := DeviceResult{}
			resp, err := e.SendCommand(ctx, id, Command{Action: action, Params: params, GroupID: g.ID})
			if err != nil {
				r.Error = err.Error()
			} else {
				r.Success = true
				r.Result = resp.Result
			}
			mu.Lock()
			res.Results[id] = r
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	for _, r := range res.Results {
		if r.Success {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}
	e.logger.Info("group broadcast",
		zap.String("group_id", g.ID), zap.String("action", action),
		zap.Int("succeeded", res.Succeeded), zap.Int("failed", res.Failed))
	return res, nil
}

// CoordinateTask fans subtasks out to their target devices in parallel
// and collects every outcome; one failing subtask does not stop the
// others. When subtasks is empty the task's own subtasks are used.
func (e *Engine) CoordinateTask(ctx context.Context, taskID string, subtasks []scheduler.SubTask) (*CoordinationResult, error) {
	task, err := e.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if len(subtasks) == 0 {
		subtasks = task.SubTasks
	}
	if len(subtasks) == 0 {
		return nil, invalid(fmt.Errorf("%w: task %s has no subtasks", ErrEmptyTargets, taskID))
	}
	subtasks, err = scheduler.NormalizeSubTasks(taskID, subtasks)
	if err != nil {
		return nil, invalid(err)
	}
	return e.fanOut(ctx, taskID, subtasks), nil
}

func (e *Engine) fanOut(ctx context.Context, taskID string, subtasks []scheduler.SubTask) *CoordinationResult {
	res := &CoordinationResult{
		TaskID:  taskID,
		Results: make(map[string]SubTaskResult, len(subtasks)),
	}
	var mu sync.Mutex
	var eg errgroup.Group
	for _, st := range subtasks {
		st := st
		id := st.ID
		eg.Go(func() error {
			r := SubTaskResult{DeviceID: st.TargetDevice, Action: st.Action}
			resp, err := e.SendCommand(ctx, st.TargetDevice, Command{
				Action:    st.Action,
				Params:    st.Params,
				TaskID:    taskID,
				SubTaskID: id,
			})
			if err != nil {
				r.Error = err.Error()
			} else {
				r.Success = true
				r.Result = resp.Result
			}
			mu.Lock()
			res.Results[id] = r
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	for _, r := range res.Results {
		if r.Success {
			res.Completed++
		} else {
			res.Failed++
		}
	}
	res.Success = res.Failed == 0
	return res
}

// FailoverGroup promotes the first healthy secondary of the group to
// primary. Promoted is false when no secondary is healthy.
func (e *Engine) FailoverGroup(ctx context.Context, groupID string) (*FailoverResult, error) {
	if _, err := e.GetGroup(groupID); err != nil {
		return nil, err
	}
	fm := e.fault.Failover()
	prev, _ := fm.Primary(groupID)
	next, err := fm.Failover(ctx, groupID)
	if err != nil {
		return nil, err
	}
	res := &FailoverResult{GroupID: groupID, PreviousPrimary: prev, Primary: prev}
	if next != "" {
		res.Primary = next
		res.Promoted = true
	}
	return res, nil
}

// deviceHealthy is the failover health check: the device must be
// registered and available, and either be healthy per the monitor or
// answer a fresh probe.
func (e *Engine) deviceHealthy(ctx context.Context, id string) bool {
	d, ok := e.registry.Get(id)
	if !ok || !d.Available() {
		return false
	}
	return e.monitor.IsHealthy(id) || e.monitor.Check(ctx, d) == nil
}
