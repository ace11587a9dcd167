// Package shard partitions a key space over a fixed set of stripes so
// that work on the same key is serialized while work on different keys
// proceeds in parallel.
package shard

import (
	"sync"
	"sync/atomic"

	"github.com/spaolacci/murmur3"
)

// DefaultStripes is the stripe count used when a non-positive count is
// requested.
const DefaultStripes = 64

// Locks is a fixed array of mutexes indexed by key hash. Two keys that
// hash to the same stripe share a mutex, which is safe but serializes
// them.
type Locks struct {
	stripes []sync.Mutex
	stats   []LockStats
}

// LockStats tracks acquisitions per stripe.
type LockStats struct {
	Acquired uint64 // Number of times the stripe was locked
}

// NewLocks creates a lock set with n stripes.
func NewLocks(n int) *Locks {
	if n <= 0 {
		n = DefaultStripes
	}
	return &Locks{
		stripes: make([]sync.Mutex, n),
		stats:   make([]LockStats, n),
	}
}

// Stripe returns the stripe index that owns key.
// Uses murmur3 so the mapping is stable across processes.
func (l *Locks) Stripe(key string) int {
	return StripeFor(key, len(l.stripes))
}

// StripeFor maps key onto [0, n).
func StripeFor(key string, n int) int {
	if n <= 0 {
		return 0
	}
	return int(murmur3.Sum32([]byte(key)) % uint32(n))
}

// Lock acquires the stripe owning key and returns its unlock function.
//
//	unlock := locks.Lock(deviceID)
//	defer unlock()
func (l *Locks) Lock(key string) func() {
	i := l.Stripe(key)
	l.stripes[i].Lock()
	atomic.AddUint64(&l.stats[i].Acquired, 1)
	return l.stripes[i].Unlock
}

// With runs fn while holding the stripe owning key.
func (l *Locks) With(key string, fn func()) {
	unlock := l.Lock(key)
	defer unlock()
	fn()
}

// Len returns the number of stripes.
func (l *Locks) Len() int { return len(l.stripes) }

// Acquisitions returns the total number of lock acquisitions.
func (l *Locks) Acquisitions() uint64 {
	var total uint64
	for i := range l.stats {
		total += atomic.LoadUint64(&l.stats[i].Acquired)
	}
	return total
}
