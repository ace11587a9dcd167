package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrDuplicateTask is returned when a task id is submitted twice.
	ErrDuplicateTask = errors.New("duplicate task id")
	// ErrTaskTerminal is returned when cancelling a finished task.
	ErrTaskTerminal = errors.New("task already finished")
	// ErrQueueFull is returned when the intake queue has no room.
	ErrQueueFull = errors.New("task queue full")
	// ErrInvalidTask is returned for submissions failing validation.
	ErrInvalidTask = errors.New("invalid task")
)

// TaskType selects the executor that runs a task.
type TaskType string

const (
	TypeCommand  TaskType = "command"
	TypeQuery    TaskType = "query"
	TypeTransfer TaskType = "transfer"
	TypeSync     TaskType = "sync"
)

// State is a task's position in the scheduling state machine:
//
//	PENDING → ASSIGNED → RUNNING → COMPLETED
//	                             → FAILED → RETRYING → ASSIGNED ...
//	any non-terminal state → CANCELLED
type State string

const (
	StatePending   State = "pending"
	StateAssigned  State = "assigned"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateRetrying  State = "retrying"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ParseState converts a state name into a State.
func ParseState(s string) (State, error) {
	st := State(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatePending, StateAssigned, StateRunning, StateCompleted, StateFailed, StateCancelled, StateRetrying:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown state %q", ErrInvalidTask, s)
}

// Priority bounds: 1 is critical, 10 is background.
const (
	PriorityCritical   = 1
	PriorityHigh       = 3
	PriorityNormal     = 5
	PriorityLow        = 7
	PriorityBackground = 10
)

// SubTask is one unit of cross-device fan-out inside a task.
type SubTask struct {
	Params       map[string]any `json:"params,omitempty"`
	ID           string         `json:"id"`
	Name         string         `json:"name,omitempty"`
	Action       string         `json:"action"`
	TargetDevice string         `json:"target_device"`
}

// NormalizeSubTasks returns a copy of subtasks with empty ids defaulted
// to "<taskID>-<index>". Duplicate ids are rejected with ErrInvalidTask
// since fan-out results are keyed by subtask id.
func NormalizeSubTasks(taskID string, subtasks []SubTask) ([]SubTask, error) {
	out := make([]SubTask, len(subtasks))
	seen := make(map[string]bool, len(subtasks))
	for i, st := range subtasks {
		if st.ID == "" {
			st.ID = fmt.Sprintf("%s-%d", taskID, i)
		}
		if seen[st.ID] {
			return nil, fmt.Errorf("%w: duplicate subtask id %q", ErrInvalidTask, st.ID)
		}
		seen[st.ID] = true
		out[i] = st
	}
	return out, nil
}

// RetryPolicy bounds how often a failed task is rescheduled.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay"`
}

// Task is a unit of work dispatched to one device.
type Task struct {
	CreatedAt            time.Time      `json:"created_at"`
	StartedAt            time.Time      `json:"started_at,omitempty"`
	CompletedAt          time.Time      `json:"completed_at,omitempty"`
	Params               map[string]any `json:"params,omitempty"`
	Result               any            `json:"result,omitempty"`
	ID                   string         `json:"task_id"`
	Name                 string         `json:"name"`
	Description          string         `json:"description,omitempty"`
	Type                 TaskType       `json:"task_type"`
	State                State          `json:"state"`
	Strategy             string         `json:"scheduling_strategy,omitempty"`
	AssignedDevice       string         `json:"assigned_device,omitempty"`
	Error                string         `json:"error,omitempty"`
	RequiredDevices      []string       `json:"required_devices,omitempty"`
	RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
	Dependencies         []string       `json:"dependencies,omitempty"`
	SubTasks             []SubTask      `json:"subtasks,omitempty"`
	RetryPolicy          RetryPolicy    `json:"retry_policy"`
	Timeout              time.Duration  `json:"timeout,omitempty"`
	Priority             int            `json:"priority"`
	Attempts             int            `json:"attempts"`
}

// Clone returns a deep copy of t. Result is copied by reference.
func (t *Task) Clone() *Task {
	c := *t
	c.Params = copyParams(t.Params)
	c.RequiredDevices = append([]string(nil), t.RequiredDevices...)
	c.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	c.Dependencies = append([]string(nil), t.Dependencies...)
	if t.SubTasks != nil {
		c.SubTasks = make([]SubTask, len(t.SubTasks))
		for i, st := range t.SubTasks {
			st.Params = copyParams(st.Params)
			c.SubTasks[i] = st
		}
	}
	return &c
}

func copyParams(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
