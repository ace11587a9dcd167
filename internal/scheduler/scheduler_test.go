package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dreamware/fleet/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticDevices []*device.Device

func (s staticDevices) List() []*device.Device {
	out := make([]*device.Device, len(s))
	for i, d := range s {
		out[i] = d.Clone()
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DispatchInterval = 10 * time.Millisecond
	cfg.TaskTimeout = time.Second
	cfg.Retry = RetryPolicy{MaxRetries: 0, RetryDelay: time.Millisecond}
	cfg.StopTimeout = time.Second
	return cfg
}

func startScheduler(t *testing.T, cfg Config, devices DeviceSource) *Scheduler {
	t.Helper()
	s := New(cfg, devices, nil, nil)
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

func waitTask(t *testing.T, s *Scheduler, id string) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	task, err := s.Wait(ctx, id)
	require.NoError(t, err)
	return task
}

func TestSubmitValidation(t *testing.T) {
	s := New(testConfig(), staticDevices{}, nil, nil)

	_, err := s.Submit(nil)
	assert.ErrorIs(t, err, ErrInvalidTask)
	_, err = s.Submit(&Task{Priority: 11})
	assert.ErrorIs(t, err, ErrInvalidTask)
	_, err = s.Submit(&Task{Type: "teleport"})
	assert.ErrorIs(t, err, ErrNoExecutor)
	_, err = s.Submit(&Task{Strategy: "round_robin"})
	assert.ErrorIs(t, err, ErrInvalidTask)
	_, err = s.Submit(&Task{Dependencies: []string{"ghost"}})
	assert.ErrorIs(t, err, ErrUnknownDependency)
	_, err = s.Submit(&Task{SubTasks: []SubTask{{ID: "s"}, {ID: "s"}}})
	assert.ErrorIs(t, err, ErrInvalidTask)

	id, err := s.Submit(&Task{ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "t1", id)
	_, err = s.Submit(&Task{ID: "t1"})
	assert.ErrorIs(t, err, ErrDuplicateTask)

	got, err := s.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)
	assert.Equal(t, TypeCommand, got.Type)
	assert.Equal(t, PriorityNormal, got.Priority)
	assert.Equal(t, StrategyPriority, got.Strategy)

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSubmitGeneratesID(t *testing.T) {
	s := New(testConfig(), staticDevices{}, nil, nil)
	id, err := s.Submit(&Task{Name: "probe"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 2
	s := New(cfg, staticDevices{}, nil, nil)

	_, err := s.Submit(&Task{})
	require.NoError(t, err)
	_, err = s.SubmitBatch([]*Task{{ID: "x"}, {ID: "y"}})
	assert.ErrorIs(t, err, ErrQueueFull)
	_, err = s.Get("x")
	assert.ErrorIs(t, err, ErrTaskNotFound, "rejected batch leaves no trace")
}

// TestCapabilityFiltering checks that only the device exposing the
// required capability is ever assigned.
func TestCapabilityFiltering(t *testing.T) {
	devices := staticDevices{
		dev("plain-1"),
		dev("cap-sensor", capability("humidity", 1)),
		dev("plain-2", capability("temp", 1)),
	}
	s := startScheduler(t, testConfig(), devices)

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := s.Submit(&Task{RequiredCapabilities: []string{"humidity"}})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		task := waitTask(t, s, id)
		assert.Equal(t, StateCompleted, task.State)
		assert.Equal(t, "cap-sensor", task.AssignedDevice)
	}
}

func TestNoEligibleDeviceWaits(t *testing.T) {
	s := startScheduler(t, testConfig(), staticDevices{dev("d1")})
	id, err := s.Submit(&Task{RequiredCapabilities: []string{"lidar"}})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	task, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatePending, task.State)
	assert.Equal(t, 1, s.Stats().Queued)
}

// TestDependencyOrdering checks B never starts before A completes.
func TestDependencyOrdering(t *testing.T) {
	s := startScheduler(t, testConfig(), staticDevices{dev("d1"), dev("d2")})

	var mu sync.Mutex
	var order []string
	release := make(chan struct{})
	s.Executors().Register(string(TypeCommand), ExecutorFunc(func(ctx context.Context, task *Task, _ *device.Device) (any, error) {
		if task.ID == "a" {
			<-release
		}
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return nil, nil
	}))

	_, err := s.Submit(&Task{ID: "a"})
	require.NoError(t, err)
	_, err = s.Submit(&Task{ID: "b", Dependencies: []string{"a"}})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	b, err := s.Get("b")
	require.NoError(t, err)
	assert.Equal(t, StatePending, b.State, "b waits while a is running")

	close(release)
	assert.Equal(t, StateCompleted, waitTask(t, s, "b").State)
	mu.Lock()
	assert.Equal(t, []string{"a", "b"}, order)
	mu.Unlock()
}

// TestCancelledDependencyBlocksDependents checks that cancelling A
// permanently prevents B from running.
func TestCancelledDependencyBlocksDependents(t *testing.T) {
	s := New(testConfig(), staticDevices{dev("d1")}, nil, nil)

	var ran atomic.Int32
	s.Executors().Register(string(TypeCommand), ExecutorFunc(func(context.Context, *Task, *device.Device) (any, error) {
		ran.Add(1)
		return nil, nil
	}))

	_, err := s.SubmitBatch([]*Task{{ID: "a"}, {ID: "b", Dependencies: []string{"a"}}})
	require.NoError(t, err)
	require.NoError(t, s.Cancel("a"))

	s.Start(context.Background())
	defer s.Stop()
	time.Sleep(80 * time.Millisecond)

	b, err := s.Get("b")
	require.NoError(t, err)
	assert.Equal(t, StatePending, b.State)
	assert.Zero(t, ran.Load())

	assert.ErrorIs(t, s.Cancel("a"), ErrTaskTerminal)
	assert.ErrorIs(t, s.Cancel("nope"), ErrTaskNotFound)
}

func TestCancelRunningTask(t *testing.T) {
	s := startScheduler(t, testConfig(), staticDevices{dev("d1")})
	started := make(chan struct{})
	s.Executors().Register(string(TypeCommand), ExecutorFunc(func(ctx context.Context, _ *Task, _ *device.Device) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	id, err := s.Submit(&Task{})
	require.NoError(t, err)
	<-started
	require.NoError(t, s.Cancel(id))

	task := waitTask(t, s, id)
	assert.Equal(t, StateCancelled, task.State)
	assert.Eventually(t, func() bool { return s.Stats().Running == 0 }, time.Second, 5*time.Millisecond)
}

func TestSubmitBatchCycle(t *testing.T) {
	s := New(testConfig(), staticDevices{}, nil, nil)
	_, err := s.SubmitBatch([]*Task{
		{ID: "a", Dependencies: []string{"c"}},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"b"}},
	})
	assert.ErrorIs(t, err, ErrCycleDetected)
	assert.Empty(t, s.List("", 0))
}

// TestRetryExcludesFailedDevice checks a retried task moves to a device
// that has not failed it yet.
func TestRetryExcludesFailedDevice(t *testing.T) {
	s := startScheduler(t, testConfig(), staticDevices{dev("a"), dev("b")})

	var mu sync.Mutex
	var tried []string
	s.Executors().Register(string(TypeCommand), ExecutorFunc(func(_ context.Context, _ *Task, d *device.Device) (any, error) {
		mu.Lock()
		tried = append(tried, d.ID)
		mu.Unlock()
		if d.ID == "a" {
			return nil, errors.New("sensor fault")
		}
		return "ok", nil
	}))

	var states []State
	var smu sync.Mutex
	s.OnStateChange(func(t *Task) {
		smu.Lock()
		states = append(states, t.State)
		smu.Unlock()
	})

	id, err := s.Submit(&Task{
		Strategy:    StrategyLeastLoaded,
		RetryPolicy: RetryPolicy{MaxRetries: 2, RetryDelay: 20 * time.Millisecond},
	})
	require.NoError(t, err)

	task := waitTask(t, s, id)
	assert.Equal(t, StateCompleted, task.State)
	assert.Equal(t, "b", task.AssignedDevice)
	assert.Equal(t, 2, task.Attempts)
	assert.Equal(t, "ok", task.Result)
	mu.Lock()
	assert.Equal(t, []string{"a", "b"}, tried)
	mu.Unlock()
	smu.Lock()
	assert.Equal(t, []State{
		StateAssigned, StateRunning, StateFailed, StateRetrying,
		StateAssigned, StateRunning, StateCompleted,
	}, states)
	smu.Unlock()
	assert.Equal(t, int64(1), s.Stats().Retried)
}

func TestRetriesExhausted(t *testing.T) {
	s := startScheduler(t, testConfig(), staticDevices{dev("only")})
	var calls atomic.Int32
	s.Executors().Register(string(TypeCommand), ExecutorFunc(func(context.Context, *Task, *device.Device) (any, error) {
		calls.Add(1)
		return nil, errors.New("unreachable")
	}))

	id, err := s.Submit(&Task{RetryPolicy: RetryPolicy{MaxRetries: 2, RetryDelay: time.Millisecond}})
	require.NoError(t, err)

	task := waitTask(t, s, id)
	assert.Equal(t, StateFailed, task.State)
	assert.Equal(t, "unreachable", task.Error)
	assert.Equal(t, 3, task.Attempts, "excluded devices are reused once nothing else is eligible")
	assert.Equal(t, int32(3), calls.Load())
}

func TestTimeoutAndPanic(t *testing.T) {
	s := startScheduler(t, testConfig(), staticDevices{dev("d1")})
	s.Executors().Register(string(TypeQuery), ExecutorFunc(func(ctx context.Context, _ *Task, _ *device.Device) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	s.Executors().Register(string(TypeSync), ExecutorFunc(func(context.Context, *Task, *device.Device) (any, error) {
		panic("firmware bug")
	}))

	slow, err := s.Submit(&Task{Type: TypeQuery, Timeout: 20 * time.Millisecond, RetryPolicy: RetryPolicy{MaxRetries: -1}})
	require.NoError(t, err)
	crash, err := s.Submit(&Task{Type: TypeSync, RetryPolicy: RetryPolicy{MaxRetries: -1}})
	require.NoError(t, err)

	st := waitTask(t, s, slow)
	assert.Equal(t, StateFailed, st.State)
	assert.Contains(t, st.Error, "deadline exceeded")

	ct := waitTask(t, s, crash)
	assert.Equal(t, StateFailed, ct.State)
	assert.Contains(t, ct.Error, "firmware bug")
}

func TestPriorityOrder(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	s := New(cfg, staticDevices{dev("d1")}, nil, nil)

	var mu sync.Mutex
	var order []string
	s.Executors().Register(string(TypeCommand), ExecutorFunc(func(_ context.Context, task *Task, _ *device.Device) (any, error) {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return nil, nil
	}))

	_, err := s.SubmitBatch([]*Task{
		{ID: "background", Priority: PriorityBackground},
		{ID: "critical", Priority: PriorityCritical},
		{ID: "normal"},
	})
	require.NoError(t, err)
	s.Pause()
	s.Start(context.Background())
	defer s.Stop()

	// let intake move everything to the ready queue before dispatching
	require.Eventually(t, func() bool { return len(s.intake) == 0 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	s.Resume()

	waitTask(t, s, "background")
	mu.Lock()
	assert.Equal(t, []string{"critical", "normal", "background"}, order)
	mu.Unlock()
}

func TestPauseHoldsDispatch(t *testing.T) {
	s := startScheduler(t, testConfig(), staticDevices{dev("d1")})
	s.Pause()
	id, err := s.Submit(&Task{})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	task, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatePending, task.State)
	assert.True(t, s.Stats().Paused)

	s.Resume()
	assert.Equal(t, StateCompleted, waitTask(t, s, id).State)
}

func TestDeviceConcurrencyLimit(t *testing.T) {
	d := dev("d1")
	d.Resources.MaxConcurrent = 1
	s := startScheduler(t, testConfig(), staticDevices{d})

	var active, peak atomic.Int32
	s.Executors().Register(string(TypeCommand), ExecutorFunc(func(context.Context, *Task, *device.Device) (any, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return nil, nil
	}))

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := s.Submit(&Task{})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		assert.Equal(t, StateCompleted, waitTask(t, s, id).State)
	}
	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, 4, s.Stats().DeviceLoad["d1"].Total)
}

func TestListAndStats(t *testing.T) {
	s := New(testConfig(), staticDevices{}, nil, nil)
	_, err := s.SubmitBatch([]*Task{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	require.NoError(t, err)
	require.NoError(t, s.Cancel("b"))

	assert.Len(t, s.List("", 0), 3)
	assert.Len(t, s.List("", 2), 2)
	cancelled := s.List(StateCancelled, 0)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "b", cancelled[0].ID)

	st := s.Stats()
	assert.Equal(t, int64(3), st.Submitted)
	assert.Equal(t, int64(1), st.Cancelled)
	assert.Equal(t, 2, st.ByState[StatePending])
	assert.Equal(t, 2, s.Backlog())
}

func TestStartStopIdempotent(t *testing.T) {
	s := New(testConfig(), staticDevices{dev("d1")}, nil, nil)
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()

	s.Start(context.Background())
	defer s.Stop()
	id, err := s.Submit(&Task{})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, waitTask(t, s, id).State)
}

func TestNormalizeSubTasks(t *testing.T) {
	in := []SubTask{{Action: "scan"}, {ID: "named", Action: "scan"}}
	out, err := NormalizeSubTasks("t1", in)
	require.NoError(t, err)
	assert.Equal(t, "t1-0", out[0].ID)
	assert.Equal(t, "named", out[1].ID)
	assert.Empty(t, in[0].ID, "input is not modified")

	_, err = NormalizeSubTasks("t1", []SubTask{{}, {ID: "t1-0"}})
	assert.ErrorIs(t, err, ErrInvalidTask)
}
