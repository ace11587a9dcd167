package statesync

import (
	"sort"
	"strconv"
	"strings"
)

// Ordering is the causal relation between two vector clocks.
type Ordering int

const (
	// Equal clocks describe the same causal history.
	Equal Ordering = iota
	// Before means the receiver happened before the argument.
	Before
	// After means the receiver happened after the argument.
	After
	// Concurrent clocks are causally unrelated.
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// VectorClock maps node ids to event counters. A missing entry is zero.
// The zero value (nil) is an empty clock; mutating methods require a
// non-nil map, so use NewVectorClock or Copy.
type VectorClock map[string]uint64

// NewVectorClock returns an empty clock.
func NewVectorClock() VectorClock { return make(VectorClock) }

// Increment bumps node's counter and returns the new value.
func (vc VectorClock) Increment(node string) uint64 {
	vc[node]++
	return vc[node]
}

// Get returns node's counter.
func (vc VectorClock) Get(node string) uint64 { return vc[node] }

// Copy returns an independent copy.
func (vc VectorClock) Copy() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Merge returns the component-wise maximum of vc and other. Neither input
// is modified. Merge is commutative, associative and idempotent.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	out := vc.Copy()
	for k, v := range other {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Compare reports the causal relation of vc to other.
func (vc VectorClock) Compare(other VectorClock) Ordering {
	less, greater := false, false
	for k, v := range vc {
		switch o := other[k]; {
		case v < o:
			less = true
		case v > o:
			greater = true
		}
	}
	for k, o := range other {
		if _, seen := vc[k]; !seen && o > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// HappenedBefore reports whether vc strictly precedes other.
func (vc VectorClock) HappenedBefore(other VectorClock) bool {
	return vc.Compare(other) == Before
}

// ConcurrentWith reports whether neither clock precedes the other.
func (vc VectorClock) ConcurrentWith(other VectorClock) bool {
	return vc.Compare(other) == Concurrent
}

// String renders the clock with sorted keys, e.g. {a:1,b:3}.
func (vc VectorClock) String() string {
	keys := make([]string, 0, len(vc))
	for k := range vc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(vc[k], 10))
	}
	b.WriteByte('}')
	return b.String()
}
