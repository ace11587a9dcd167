// Package device implements the device catalogue for the fleet coordinator.
// See doc.go for complete package documentation.
package device

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Registry is the concurrency-safe catalogue of known devices and the sole
// writer of device fields.
//
// Architecture:
//
//	┌─────────────────────────────────────┐
//	│             Registry                │
//	├─────────────────────────────────────┤
//	│  devices: map[id]*Device            │
//	│  clock:   timestamps state changes  │
//	│  mu:      RWMutex                   │
//	├─────────────────────────────────────┤
//	│  Register → Heartbeat → MarkStale   │
//	│  idle ──────────────────→ offline   │
//	└─────────────────────────────────────┘
//
// Concurrency Model:
//   - Read operations use RLock for parallel access
//   - Write operations use Lock for exclusive access
//   - All returned devices are deep copies
//   - No locks held during external calls
type Registry struct {
	// devices maps device IDs to their current record.
	devices map[string]*Device

	// clock stamps heartbeats and state transitions.
	clock clock.Clock

	// mu protects concurrent access to the devices map.
	mu sync.RWMutex
}

// NewRegistry creates an empty registry. A nil clock uses wall time.
func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		devices: make(map[string]*Device),
		clock:   clk,
	}
}

// Register adds a device to the registry.
//
// The stored record is a copy of d. A missing state defaults to StateIdle,
// and zero timestamps are set to the current time.
//
// Returns:
//   - false if the id is empty or already registered, true otherwise
//
// Example:
//
//	if !reg.Register(&Device{ID: "drone-7", Type: TypeDrone}) {
//	    return ErrDuplicate
//	}
func (r *Registry) Register(d *Device) bool {
	if d == nil || d.ID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[d.ID]; exists {
		return false
	}

	now := r.clock.Now()
	stored := d.Clone()
	if stored.State == "" {
		stored.State = StateIdle
	}
	if stored.Type == "" {
		stored.Type = TypeUnknown
	}
	if stored.Name == "" {
		stored.Name = stored.ID
	}
	if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = now
	}
	if stored.LastHeartbeat.IsZero() {
		stored.LastHeartbeat = now
	}
	stored.StateChangedAt = now
	r.devices[d.ID] = stored
	return true
}

// Unregister removes a device. Returns false if the id was unknown.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[id]; !exists {
		return false
	}
	delete(r.devices, id)
	return true
}

// Get returns a copy of the device with the given id.
func (r *Registry) Get(id string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// Exists reports whether id is registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.devices[id]
	return ok
}

// List returns copies of every device, sorted by id.
func (r *Registry) List() []*Device {
	return r.Filter(Filter{})
}

// ListByType returns devices of the given type.
func (r *Registry) ListByType(t Type) []*Device {
	return r.Filter(Filter{Type: t})
}

// ListByState returns devices in the given state.
func (r *Registry) ListByState(s State) []*Device {
	return r.Filter(Filter{State: s})
}

// Filter returns copies of the devices matching f, sorted by id.
func (r *Registry) Filter(f Filter) []*Device {
	r.mu.RLock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		if f.Match(d) {
			out = append(out, d.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateState moves a device to state s and timestamps the change.
// Setting the current state again is a no-op that keeps the old timestamp.
func (r *Registry) UpdateState(id string, s State) error {
	if _, err := ParseState(string(s)); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if d.State != s {
		d.State = s
		d.StateChangedAt = r.clock.Now()
	}
	return nil
}

// Heartbeat records liveness for a device. An offline device that
// heartbeats again comes back as idle.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	now := r.clock.Now()
	d.LastHeartbeat = now
	if d.State == StateOffline {
		d.State = StateIdle
		d.StateChangedAt = now
	}
	return nil
}

// Update applies fn to the stored device under the registry lock. fn must
// not call back into the registry. The id cannot be changed.
func (r *Registry) Update(id string, fn func(*Device)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	prev := d.State
	fn(d)
	d.ID = id
	if d.State != prev {
		d.StateChangedAt = r.clock.Now()
	}
	return nil
}

// MarkStale marks every device whose last heartbeat is older than timeout
// as offline and returns the ids that changed state.
func (r *Registry) MarkStale(timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var changed []string
	for id, d := range r.devices {
		if d.State == StateOffline {
			continue
		}
		if now.Sub(d.LastHeartbeat) > timeout {
			d.State = StateOffline
			d.StateChangedAt = now
			changed = append(changed, id)
		}
	}
	sort.Strings(changed)
	return changed
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// CountByState returns the number of devices in each state.
func (r *Registry) CountByState() map[State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[State]int)
	for _, d := range r.devices {
		counts[d.State]++
	}
	return counts
}
