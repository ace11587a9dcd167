package statesync

import (
	"time"
)

// StateEvent is one replicated state mutation for a device.
type StateEvent struct {
	Timestamp   time.Time      `json:"timestamp"`
	VectorClock VectorClock    `json:"vector_clock"`
	Data        map[string]any `json:"data"`
	ID          string         `json:"id"`
	DeviceID    string         `json:"device_id"`
	SourceNode  string         `json:"source_node"`
	// Hops counts how many times the event has been forwarded.
	Hops int `json:"hops"`
}

func (e *StateEvent) clone() *StateEvent {
	if e == nil {
		return nil
	}
	c := *e
	c.VectorClock = e.VectorClock.Copy()
	c.Data = copyData(e.Data)
	return &c
}

// GossipMessage is the unit exchanged between replicas.
type GossipMessage struct {
	SentAt time.Time     `json:"sent_at"`
	Source string        `json:"source"`
	Events []*StateEvent `json:"events"`
}

// NotificationType tags a synchronizer notification.
type NotificationType string

const (
	SyncStarted   NotificationType = "sync_started"
	StateUpdated  NotificationType = "state_updated"
	StateConflict NotificationType = "state_conflict"
	StateMerged   NotificationType = "state_merged"
)

// Notification is delivered to handlers registered with OnEvent.
type Notification struct {
	Event    *StateEvent
	State    map[string]any
	Type     NotificationType
	DeviceID string
	NodeID   string
	// Strategy is set for conflict and merge notifications.
	Strategy Strategy
}

// Handler receives notifications. Handlers run synchronously on the
// goroutine that produced the change and must not block or call back into
// the Synchronizer's mutating methods.
type Handler func(Notification)

func copyData(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// overlay returns base with every key of top written over it.
func overlay(base, top map[string]any) map[string]any {
	out := copyData(base)
	for k, v := range top {
		out[k] = v
	}
	return out
}
