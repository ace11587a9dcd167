package statesync

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Strategy names a conflict resolution policy.
type Strategy string

const (
	LastWriteWins   Strategy = "last_write_wins"
	FirstWriteWins  Strategy = "first_write_wins"
	Merge           Strategy = "merge"
	HighestPriority Strategy = "highest_priority"
)

// ErrUnknownStrategy is returned for unregistered strategy names.
var ErrUnknownStrategy = errors.New("unknown conflict resolution strategy")

// Resolution is the outcome of resolving a concurrent update.
type Resolution struct {
	// Data is the device state after resolution.
	Data map[string]any
	// Winner is the event now considered the device's latest.
	Winner *StateEvent
	// RemoteWon reports whether the remote event won the keys both
	// events wrote.
	RemoteWon bool
}

// Resolver decides how two concurrent events for one device combine.
// current is the device's state before the remote event, local is the
// event that produced it.
type Resolver interface {
	Strategy() Strategy
	Resolve(current map[string]any, local, remote *StateEvent) Resolution
}

var resolvers = map[Strategy]func() Resolver{
	LastWriteWins:   func() Resolver { return lastWriteWins{} },
	FirstWriteWins:  func() Resolver { return firstWriteWins{} },
	Merge:           func() Resolver { return mergeResolver{} },
	HighestPriority: func() Resolver { return highestPriority{} },
}

// NewResolver returns the resolver registered for name. Names are
// case-insensitive and accept dashes, so "LAST-WRITE-WINS" works.
func NewResolver(name string) (Resolver, error) {
	key := Strategy(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_"))
	ctor, ok := resolvers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return ctor(), nil
}

// resolveKeys applies remote.Data to current one key at a time. A key
// the local event also wrote is a collision and takes the remote value
// only when remoteWins; every other remote key is applied. Both replicas
// of a concurrent pair therefore end with the same state.
func resolveKeys(current map[string]any, local, remote *StateEvent, remoteWins bool) Resolution {
	out := copyData(current)
	for k, v := range remote.Data {
		if !remoteWins && local != nil {
			if _, collides := local.Data[k]; collides {
				continue
			}
		}
		out[k] = v
	}
	winner := remote
	if !remoteWins {
		winner = local
	}
	return Resolution{Data: out, Winner: winner, RemoteWon: remoteWins}
}

// newer reports whether a is strictly newer than b. Equal timestamps are
// ordered by source node so every replica picks the same winner.
func newer(a, b *StateEvent) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.SourceNode > b.SourceNode
}

type lastWriteWins struct{}

func (lastWriteWins) Strategy() Strategy { return LastWriteWins }

func (lastWriteWins) Resolve(current map[string]any, local, remote *StateEvent) Resolution {
	return resolveKeys(current, local, remote, local == nil || newer(remote, local))
}

type firstWriteWins struct{}

func (firstWriteWins) Strategy() Strategy { return FirstWriteWins }

func (firstWriteWins) Resolve(current map[string]any, local, remote *StateEvent) Resolution {
	return resolveKeys(current, local, remote, local == nil || newer(local, remote))
}

// mergeResolver unions both sides; remote values win on key collisions.
type mergeResolver struct{}

func (mergeResolver) Strategy() Strategy { return Merge }

func (mergeResolver) Resolve(current map[string]any, local, remote *StateEvent) Resolution {
	winner := remote
	if local != nil && newer(local, remote) {
		winner = local
	}
	return Resolution{Data: overlay(current, remote.Data), Winner: winner, RemoteWon: true}
}

// highestPriority favours the event with the lower numeric "priority"
// data field on colliding keys. Events without a priority rank last.
// Equal priorities resolve to the remote event; this tie-break is
// arbitrary but kept stable.
type highestPriority struct{}

func (highestPriority) Strategy() Strategy { return HighestPriority }

func (highestPriority) Resolve(current map[string]any, local, remote *StateEvent) Resolution {
	if local == nil {
		return resolveKeys(current, nil, remote, true)
	}
	return resolveKeys(current, local, remote, eventPriority(local) >= eventPriority(remote))
}

func eventPriority(e *StateEvent) float64 {
	if p, ok := toFloat(e.Data["priority"]); ok {
		return p
	}
	return math.Inf(1)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
