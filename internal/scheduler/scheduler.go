// Package scheduler dispatches tasks to fleet devices.
//
// Submissions enter an intake queue. A task becomes ready once every
// dependency has completed; ready tasks are ordered by priority and
// creation time, matched to a device by the task's selection strategy and
// run by the executor registered for the task type. Failed attempts are
// retried on a different device when one is eligible.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dreamware/fleet/internal/device"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrExecutorPanic wraps a panic raised by an executor.
	ErrExecutorPanic = errors.New("executor panicked")
	// ErrNoExecutor is returned when no executor is registered for a
	// task type.
	ErrNoExecutor = errors.New("no executor registered")
)

// DeviceSource lists candidate devices. *device.Registry satisfies it.
type DeviceSource interface {
	List() []*device.Device
}

// Config tunes a Scheduler.
type Config struct {
	QueueSize     int `yaml:"queue_size"`
	MaxConcurrent int `yaml:"max_concurrent"`
	// TaskTimeout bounds one execution attempt when a task sets none.
	TaskTimeout time.Duration `yaml:"task_timeout"`
	// Retry applies to tasks submitted without a retry policy.
	Retry           RetryPolicy `yaml:"retry"`
	DefaultStrategy string      `yaml:"default_strategy"`
	// DispatchInterval is how often tasks waiting for a device are
	// reconsidered.
	DispatchInterval time.Duration `yaml:"dispatch_interval"`
	// StopTimeout bounds how long Stop waits for running tasks before
	// cancelling them.
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// DefaultConfig returns the default scheduler tuning.
func DefaultConfig() Config {
	return Config{
		QueueSize:        1024,
		MaxConcurrent:    64,
		TaskTimeout:      30 * time.Second,
		Retry:            RetryPolicy{MaxRetries: 3, RetryDelay: 2 * time.Second},
		DefaultStrategy:  StrategyPriority,
		DispatchInterval: 500 * time.Millisecond,
		StopTimeout:      10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = d.TaskTimeout
	}
	if c.Retry == (RetryPolicy{}) {
		c.Retry = d.Retry
	}
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = d.DefaultStrategy
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = d.DispatchInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	return c
}

// Stats summarizes scheduler activity.
type Stats struct {
	ByState    map[State]int   `json:"by_state"`
	DeviceLoad map[string]Load `json:"device_load"`
	Queued     int             `json:"queued"`
	Running    int             `json:"running"`
	Submitted  int64           `json:"submitted"`
	Completed  int64           `json:"completed"`
	Failed     int64           `json:"failed"`
	Retried    int64           `json:"retried"`
	Cancelled  int64           `json:"cancelled"`
	Paused     bool            `json:"paused"`
}

type record struct {
	task     *Task
	excluded map[string]bool
	done     chan struct{}
	cancel   context.CancelFunc
	retry    *clock.Timer
	seq      uint64
	index    int
	queued   bool
}

type readyQueue []*record

func (q readyQueue) Len() int { return len(q) }
func (q readyQueue) Less(i, j int) bool {
	a, b := q[i].task, q[j].task
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return q[i].seq < q[j].seq
}
func (q readyQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *readyQueue) Push(x any) {
	r := x.(*record)
	r.index = len(*q)
	*q = append(*q, r)
}
func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return r
}

type launch struct {
	ctx    context.Context
	cancel context.CancelFunc
	rec    *record
	dev    *device.Device
}

// Scheduler owns every submitted task. All methods are safe for
// concurrent use.
type Scheduler struct {
	cfg       Config
	clock     clock.Clock
	logger    *zap.Logger
	devices   DeviceSource
	executors *Executors
	selectors *Selectors
	intake    chan string
	wake      chan struct{}

	mu      sync.Mutex
	tasks   map[string]*record
	graph   *Graph
	ready   readyQueue
	load    map[string]Load
	seq     uint64
	running int
	paused  bool

	submitted, completed, failed, retried, cancelled int64

	hooksMu sync.RWMutex
	hooks   []func(*Task)

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	runCancel context.CancelFunc
	runCtx    context.Context
	wg        sync.WaitGroup
	runWG     sync.WaitGroup
}

// New creates a Scheduler drawing devices from devices.
func New(cfg Config, devices DeviceSource, clk clock.Clock, logger *zap.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:       cfg,
		clock:     clk,
		logger:    logger,
		devices:   devices,
		executors: NewExecutors(),
		selectors: NewSelectors(clk.Now().UnixNano()),
		intake:    make(chan string, cfg.QueueSize),
		wake:      make(chan struct{}, 1),
		tasks:     make(map[string]*record),
		graph:     NewGraph(),
		load:      make(map[string]Load),
	}
}

// Executors returns the executor table.
func (s *Scheduler) Executors() *Executors { return s.executors }

// Selectors returns the selection strategy table.
func (s *Scheduler) Selectors() *Selectors { return s.selectors }

// OnStateChange registers fn to receive a copy of a task after every
// transition. fn runs synchronously on the scheduler goroutine that made
// the transition and must not block.
func (s *Scheduler) OnStateChange(fn func(*Task)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *Scheduler) notify(tasks ...*Task) {
	s.hooksMu.RLock()
	hooks := s.hooks
	s.hooksMu.RUnlock()
	for _, t := range tasks {
		for _, h := range hooks {
			h(t)
		}
	}
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) prepare(t *Task) (*Task, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil task", ErrInvalidTask)
	}
	c := t.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	if c.Type == "" {
		c.Type = TypeCommand
	}
	if _, ok := s.executors.Get(string(c.Type)); !ok {
		return nil, fmt.Errorf("%w: %w for task type %q", ErrInvalidTask, ErrNoExecutor, c.Type)
	}
	if c.Priority == 0 {
		c.Priority = PriorityNormal
	}
	if c.Priority < PriorityCritical || c.Priority > PriorityBackground {
		return nil, fmt.Errorf("%w: priority %d outside 1..10", ErrInvalidTask, c.Priority)
	}
	if c.Strategy == "" {
		c.Strategy = s.cfg.DefaultStrategy
	}
	c.Strategy = normalizeStrategy(c.Strategy)
	if _, err := s.selectors.Get(c.Strategy); err != nil {
		return nil, err
	}
	if c.Timeout <= 0 {
		c.Timeout = s.cfg.TaskTimeout
	}
	if c.RetryPolicy == (RetryPolicy{}) {
		c.RetryPolicy = s.cfg.Retry
	}
	if c.RetryPolicy.MaxRetries < 0 {
		c.RetryPolicy.MaxRetries = 0
	}
	if len(c.SubTasks) > 0 {
		sts, err := NormalizeSubTasks(c.ID, c.SubTasks)
		if err != nil {
			return nil, err
		}
		c.SubTasks = sts
	}
	c.State = StatePending
	c.CreatedAt = s.clock.Now()
	c.StartedAt, c.CompletedAt = time.Time{}, time.Time{}
	c.Attempts = 0
	c.AssignedDevice, c.Error, c.Result = "", "", nil
	return c, nil
}

// Submit validates t and queues a copy of it. It returns the task id,
// generating one when t has none.
func (s *Scheduler) Submit(t *Task) (string, error) {
	ids, err := s.SubmitBatch([]*Task{t})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// SubmitBatch queues tasks that may depend on each other. The batch is
// accepted or rejected as a whole; dependencies must name submitted tasks
// or batch members, and a cycle rejects the batch with ErrCycleDetected.
// Ids are returned in submission order.
func (s *Scheduler) SubmitBatch(tasks []*Task) ([]string, error) {
	prepared := make([]*Task, 0, len(tasks))
	nodes := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		c, err := s.prepare(t)
		if err != nil {
			return nil, err
		}
		if _, dup := nodes[c.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, c.ID)
		}
		nodes[c.ID] = c.Dependencies
		prepared = append(prepared, c)
	}

	s.mu.Lock()
	if len(s.intake)+len(prepared) > cap(s.intake) {
		s.mu.Unlock()
		return nil, ErrQueueFull
	}
	if err := s.graph.AddBatch(nodes); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	order, err := TopologicalOrder(nodes)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	byID := make(map[string]*Task, len(prepared))
	for _, c := range prepared {
		byID[c.ID] = c
	}
	for _, id := range order {
		s.seq++
		s.tasks[id] = &record{
			task:     byID[id],
			excluded: make(map[string]bool),
			done:     make(chan struct{}),
			seq:      s.seq,
			index:    -1,
		}
		s.intake <- id
		s.submitted++
	}
	s.mu.Unlock()

	ids := make([]string, len(prepared))
	for i, c := range prepared {
		ids[i] = c.ID
		s.logger.Debug("task submitted",
			zap.String("task_id", c.ID), zap.String("type", string(c.Type)),
			zap.Int("priority", c.Priority), zap.Strings("dependencies", c.Dependencies))
	}
	return ids, nil
}

// Get returns a copy of the task.
func (s *Scheduler) Get(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return rec.task.Clone(), nil
}

// List returns copies of tasks in state (empty for all), oldest first,
// at most limit when limit > 0.
func (s *Scheduler) List(state State, limit int) []*Task {
	s.mu.Lock()
	recs := make([]*record, 0, len(s.tasks))
	for _, rec := range s.tasks {
		if state == "" || rec.task.State == state {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	out := make([]*Task, len(recs))
	for i, rec := range recs {
		out[i] = rec.task.Clone()
	}
	s.mu.Unlock()
	return out
}

// Cancel moves a non-terminal task to CANCELLED. A running attempt has
// its context cancelled and its outcome discarded. Tasks depending on a
// cancelled task never become ready.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	rec, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if rec.task.State.Terminal() {
		st := rec.task.State
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, id, st)
	}
	rec.task.State = StateCancelled
	rec.task.CompletedAt = s.clock.Now()
	if rec.retry != nil {
		rec.retry.Stop()
		rec.retry = nil
	}
	if rec.cancel != nil {
		rec.cancel()
	}
	close(rec.done)
	s.cancelled++
	snap := rec.task.Clone()
	s.mu.Unlock()

	s.logger.Info("task cancelled", zap.String("task_id", id))
	s.notify(snap)
	return nil
}

// Wait blocks until the task reaches a terminal state or ctx ends.
func (s *Scheduler) Wait(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	rec, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	select {
	case <-rec.done:
		return s.Get(id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pause stops new dispatches. Running tasks continue.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume re-enables dispatching.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.kick()
}

// Stats returns task counts and device load.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		ByState:    make(map[State]int),
		DeviceLoad: make(map[string]Load, len(s.load)),
		Queued:     len(s.intake) + s.ready.Len(),
		Running:    s.running,
		Submitted:  s.submitted,
		Completed:  s.completed,
		Failed:     s.failed,
		Retried:    s.retried,
		Cancelled:  s.cancelled,
		Paused:     s.paused,
	}
	for _, rec := range s.tasks {
		st.ByState[rec.task.State]++
	}
	for id, l := range s.load {
		st.DeviceLoad[id] = l
	}
	return st
}

// DeviceLoad returns the scheduler's load on one device.
func (s *Scheduler) DeviceLoad(deviceID string) Load {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load[deviceID]
}

// Backlog returns the number of non-terminal tasks.
func (s *Scheduler) Backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.tasks {
		if !rec.task.State.Terminal() {
			n++
		}
	}
	return n
}

// Start launches the intake and dispatch loops. Calling Start on a
// running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))

	s.wg.Add(2)
	go s.intakeLoop(ctx)
	go s.dispatchLoop(ctx)
	s.kick()
	s.logger.Info("scheduler started", zap.Int("max_concurrent", s.cfg.MaxConcurrent))
}

// Stop halts both loops, waits up to StopTimeout for running tasks and
// then cancels the ones still running.
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	s.wg.Wait()

	drained := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(drained)
	}()
	// wall-clock bound so shutdown never depends on an injected clock
	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		s.logger.Warn("cancelling tasks still running at shutdown")
		s.runCancel()
		<-drained
	}
	s.runCancel()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) intakeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.intake:
			s.mu.Lock()
			s.enqueueIfReadyLocked(id)
			s.mu.Unlock()
			s.kick()
		}
	}
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := s.clock.Ticker(s.cfg.DispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
		s.dispatch()
	}
}

func (s *Scheduler) enqueueIfReadyLocked(id string) {
	rec, ok := s.tasks[id]
	if !ok || rec.queued {
		return
	}
	if st := rec.task.State; st != StatePending && st != StateRetrying {
		return
	}
	if !s.graph.Ready(id) {
		return
	}
	heap.Push(&s.ready, rec)
	rec.queued = true
}

// dispatch assigns as many ready tasks as devices and concurrency allow.
// The PENDING/RETRYING check and the ASSIGNED transition happen under one
// lock hold, so a task cancelled before this point is never started.
func (s *Scheduler) dispatch() {
	s.mu.Lock()
	if s.paused || s.runCtx == nil {
		s.mu.Unlock()
		return
	}
	var (
		devices  []*device.Device
		deferred []*record
		launches []launch
		notes    []*Task
	)
	if s.devices != nil && s.ready.Len() > 0 {
		devices = s.devices.List()
	}
	for s.ready.Len() > 0 && s.running < s.cfg.MaxConcurrent {
		rec := heap.Pop(&s.ready).(*record)
		rec.queued = false
		if st := rec.task.State; st != StatePending && st != StateRetrying {
			continue
		}
		if !s.graph.Ready(rec.task.ID) {
			continue
		}
		dev := s.selectLocked(rec, devices)
		if dev == nil {
			deferred = append(deferred, rec)
			continue
		}

		rec.task.State = StateAssigned
		rec.task.AssignedDevice = dev.ID
		rec.task.Attempts++
		l := s.load[dev.ID]
		l.Active++
		l.Total++
		s.load[dev.ID] = l
		s.running++

		ctx, cancel := context.WithTimeout(s.runCtx, rec.task.Timeout)
		rec.cancel = cancel
		s.runWG.Add(1)
		launches = append(launches, launch{ctx: ctx, cancel: cancel, rec: rec, dev: dev})
		notes = append(notes, rec.task.Clone())
	}
	for _, rec := range deferred {
		heap.Push(&s.ready, rec)
		rec.queued = true
	}
	s.mu.Unlock()

	s.notify(notes...)
	for _, l := range launches {
		s.logger.Debug("task assigned",
			zap.String("task_id", l.rec.task.ID), zap.String("device_id", l.dev.ID))
		go s.execute(l)
	}
}

func (s *Scheduler) selectLocked(rec *record, devices []*device.Device) *device.Device {
	sel, err := s.selectors.Get(rec.task.Strategy)
	if err != nil {
		sel, _ = s.selectors.Get(StrategyPriority)
	}
	pick := func(excluded map[string]bool) []*device.Device {
		var out []*device.Device
		for _, d := range devices {
			if Eligible(rec.task, d, s.load[d.ID], excluded) {
				out = append(out, d)
			}
		}
		return out
	}
	candidates := pick(rec.excluded)
	if len(candidates) == 0 && len(rec.excluded) > 0 {
		// every eligible device already failed this task; allow repeats
		candidates = pick(nil)
	}
	if len(candidates) == 0 {
		return nil
	}
	return sel.Select(rec.task, candidates, s.load)
}

func (s *Scheduler) releaseLocked(devID string) {
	l := s.load[devID]
	if l.Active > 0 {
		l.Active--
	}
	s.load[devID] = l
	s.running--
}

func (s *Scheduler) execute(l launch) {
	defer s.runWG.Done()
	defer l.cancel()

	s.mu.Lock()
	if l.rec.task.State != StateAssigned {
		// cancelled between assignment and start
		s.releaseLocked(l.dev.ID)
		s.mu.Unlock()
		s.kick()
		return
	}
	l.rec.task.State = StateRunning
	l.rec.task.StartedAt = s.clock.Now()
	snap := l.rec.task.Clone()
	s.mu.Unlock()
	s.notify(snap)

	var (
		result any
		err    error
	)
	ex, ok := s.executors.Get(string(snap.Type))
	if !ok {
		err = fmt.Errorf("%w for task type %q", ErrNoExecutor, snap.Type)
	} else {
		result, err = runExecutor(l.ctx, ex, snap, l.dev)
	}
	s.finish(l.rec, l.dev.ID, result, err)
}

func runExecutor(ctx context.Context, ex Executor, task *Task, dev *device.Device) (any, error) {
	type outcome struct {
		err   error
		value any
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("%w: %v", ErrExecutorPanic, r)}
			}
		}()
		v, err := ex.Execute(ctx, task, dev)
		ch <- outcome{value: v, err: err}
	}()
	select {
	case o := <-ch:
		return o.value, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("task %s on %s: %w", task.ID, dev.ID, ctx.Err())
	}
}

func (s *Scheduler) finish(rec *record, devID string, result any, err error) {
	s.mu.Lock()
	s.releaseLocked(devID)
	rec.cancel = nil
	task := rec.task
	attempt := task.Attempts

	var notes []*Task
	switch {
	case task.State == StateCancelled:
		// outcome discarded
	case err == nil:
		task.State = StateCompleted
		task.Result = result
		task.Error = ""
		task.CompletedAt = s.clock.Now()
		close(rec.done)
		s.completed++
		notes = append(notes, task.Clone())
		for _, id := range s.graph.MarkCompleted(task.ID) {
			s.enqueueIfReadyLocked(id)
		}
	case task.Attempts <= task.RetryPolicy.MaxRetries:
		task.Error = err.Error()
		task.State = StateFailed
		notes = append(notes, task.Clone())
		task.State = StateRetrying
		rec.excluded[devID] = true
		s.retried++
		notes = append(notes, task.Clone())
		if delay := task.RetryPolicy.RetryDelay; delay > 0 {
			rec.retry = s.clock.AfterFunc(delay, func() {
				s.mu.Lock()
				rec.retry = nil
				s.enqueueIfReadyLocked(rec.task.ID)
				s.mu.Unlock()
				s.kick()
			})
		} else {
			s.enqueueIfReadyLocked(task.ID)
		}
	default:
		task.Error = err.Error()
		task.State = StateFailed
		task.CompletedAt = s.clock.Now()
		close(rec.done)
		s.failed++
		notes = append(notes, task.Clone())
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("task attempt failed",
			zap.String("task_id", task.ID), zap.String("device_id", devID),
			zap.Int("attempt", attempt), zap.Error(err))
	}
	s.notify(notes...)
	s.kick()
}
