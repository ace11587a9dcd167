package scheduler

import (
	"context"
	"sync"

	"github.com/dreamware/fleet/internal/device"
)

// Executor runs one attempt of a task on a device. It must honour ctx;
// the scheduler enforces the timeout either way.
type Executor interface {
	Execute(ctx context.Context, task *Task, dev *device.Device) (any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task *Task, dev *device.Device) (any, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, task *Task, dev *device.Device) (any, error) {
	return f(ctx, task, dev)
}

// NoopExecutor succeeds immediately, echoing where the task ran.
var NoopExecutor = ExecutorFunc(func(_ context.Context, task *Task, dev *device.Device) (any, error) {
	return map[string]any{"task_id": task.ID, "device_id": dev.ID, "status": "ok"}, nil
})

// Executors is a registration table from task type to Executor. The last
// registration for a key wins.
type Executors struct {
	mu sync.RWMutex
	m  map[string]Executor
}

// NewExecutors returns a table with no-op executors for the built-in
// task types.
func NewExecutors() *Executors {
	e := &Executors{m: make(map[string]Executor)}
	for _, t := range []TaskType{TypeCommand, TypeQuery, TypeTransfer, TypeSync} {
		e.m[string(t)] = NoopExecutor
	}
	return e
}

// Register installs ex for key.
func (e *Executors) Register(key string, ex Executor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.m[key] = ex
}

// Get returns the executor for key.
func (e *Executors) Get(key string) (Executor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ex, ok := e.m[key]
	return ex, ok
}
