package scheduler

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/dreamware/fleet/internal/device"
	"golang.org/x/exp/slices"
)

// Strategy names for device selection.
const (
	StrategyPriority    = "priority"
	StrategyRandom      = "random"
	StrategyLeastLoaded = "least_loaded"
	StrategyFair        = "fair"
	StrategyCapability  = "capability"
)

// Load is the scheduler's view of one device's work.
type Load struct {
	// Active counts tasks currently assigned or running on the device.
	Active int `json:"active"`
	// Total counts every assignment ever made to the device.
	Total int `json:"total"`
}

// Selector picks a device for a task from candidates that already passed
// eligibility filtering. Selectors must be safe for concurrent use.
type Selector interface {
	Select(task *Task, candidates []*device.Device, load map[string]Load) *device.Device
}

// SelectorFunc adapts a function to Selector.
type SelectorFunc func(task *Task, candidates []*device.Device, load map[string]Load) *device.Device

// Select implements Selector.
func (f SelectorFunc) Select(task *Task, candidates []*device.Device, load map[string]Load) *device.Device {
	return f(task, candidates, load)
}

// Eligible reports whether d may run task: it must be available, not in
// excluded, listed in RequiredDevices when that is set, expose every
// required capability and have a free concurrency slot.
func Eligible(task *Task, d *device.Device, load Load, excluded map[string]bool) bool {
	if !d.Available() || excluded[d.ID] {
		return false
	}
	if len(task.RequiredDevices) > 0 && !slices.Contains(task.RequiredDevices, d.ID) {
		return false
	}
	if !d.HasAllCapabilities(task.RequiredCapabilities) {
		return false
	}
	if limit := d.Resources.MaxConcurrent; limit > 0 && load.Active >= limit {
		return false
	}
	return true
}

// capabilityPriority sums the priorities of the capabilities task needs.
func capabilityPriority(task *Task, d *device.Device) int {
	total := 0
	for _, name := range task.RequiredCapabilities {
		if c, ok := d.Capability(name); ok {
			total += c.Priority
		}
	}
	return total
}

// best returns the candidate with the highest score; ties go to the
// lowest id so selection is deterministic.
func best(candidates []*device.Device, score func(*device.Device) float64) *device.Device {
	var out *device.Device
	var top float64
	for _, d := range candidates {
		s := score(d)
		if out == nil || s > top || (s == top && d.ID < out.ID) {
			out, top = d, s
		}
	}
	return out
}

func selectPriority(task *Task, candidates []*device.Device, load map[string]Load) *device.Device {
	return best(candidates, func(d *device.Device) float64 {
		return float64(len(d.Capabilities)) + float64(capabilityPriority(task, d)) - 2*float64(load[d.ID].Active)
	})
}

func selectLeastLoaded(_ *Task, candidates []*device.Device, load map[string]Load) *device.Device {
	return best(candidates, func(d *device.Device) float64 { return -float64(load[d.ID].Active) })
}

func selectFair(_ *Task, candidates []*device.Device, load map[string]Load) *device.Device {
	return best(candidates, func(d *device.Device) float64 { return -float64(load[d.ID].Total) })
}

// selectCapability prefers the device whose required capabilities carry
// the highest priority, then the least loaded one.
func selectCapability(task *Task, candidates []*device.Device, load map[string]Load) *device.Device {
	return best(candidates, func(d *device.Device) float64 {
		return float64(capabilityPriority(task, d))*1000 - float64(load[d.ID].Active)
	})
}

type randomSelector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (r *randomSelector) Select(_ *Task, candidates []*device.Device, _ map[string]Load) *device.Device {
	if len(candidates) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return candidates[r.rng.Intn(len(candidates))]
}

// Selectors is a registration table from strategy name to Selector.
type Selectors struct {
	mu sync.RWMutex
	m  map[string]Selector
}

// NewSelectors returns a table holding the built-in strategies.
func NewSelectors(seed int64) *Selectors {
	return &Selectors{m: map[string]Selector{
		StrategyPriority:    SelectorFunc(selectPriority),
		StrategyRandom:      &randomSelector{rng: rand.New(rand.NewSource(seed))}, //nolint:gosec // load spreading only
		StrategyLeastLoaded: SelectorFunc(selectLeastLoaded),
		StrategyFair:        SelectorFunc(selectFair),
		StrategyCapability:  SelectorFunc(selectCapability),
	}}
}

// Register adds or replaces the selector for name.
func (s *Selectors) Register(name string, sel Selector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[normalizeStrategy(name)] = sel
}

// Get returns the selector for name.
func (s *Selectors) Get(name string) (Selector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sel, ok := s.m[normalizeStrategy(name)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown scheduling strategy %q", ErrInvalidTask, name)
	}
	return sel, nil
}

// Names lists registered strategies.
func (s *Selectors) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.m))
	for k := range s.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalizeStrategy(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
}
