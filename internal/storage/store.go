// Package storage keeps recent state snapshots in memory for anti-entropy
// recovery. Nothing here touches disk; persistence is an external concern.
package storage

import (
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when a snapshot id is not retained.
var ErrNotFound = errors.New("snapshot not found")

// Store defines retention storage for encoded snapshots.
// All implementations must be thread-safe for concurrent access.
type Store interface {
	// Put stores an encoded snapshot under id, evicting the oldest
	// entries beyond the retention limit.
	Put(id string, takenAt time.Time, blob []byte) error

	// Get returns the encoded snapshot stored under id.
	// Returns ErrNotFound if it was never stored or has been evicted.
	Get(id string) ([]byte, error)

	// Latest returns the most recently stored snapshot.
	// Returns ErrNotFound if the store is empty.
	Latest() (Entry, error)

	// List returns entry metadata, oldest first.
	List() []Entry

	// Stats returns storage statistics.
	Stats() StoreStats
}

// Entry describes one retained snapshot. Blob is only populated by Latest.
type Entry struct {
	TakenAt time.Time
	ID      string
	Blob    []byte
	Size    int
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Snapshots int // Number of retained snapshots
	Bytes     int // Total size of retained blobs
	Evicted   int // Snapshots dropped by retention so far
}

// MemoryStore implements Store with a bounded in-memory ring.
type MemoryStore struct {
	mu      sync.RWMutex
	order   []string
	data    map[string]Entry
	limit   int
	evicted int
}

// NewMemoryStore creates a store retaining at most limit snapshots.
// A non-positive limit keeps a single snapshot.
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = 1
	}
	return &MemoryStore{
		data:  make(map[string]Entry),
		limit: limit,
	}
}

// Put stores a copy of blob.
func (m *MemoryStore) Put(id string, takenAt time.Time, blob []byte) error {
	stored := make([]byte, len(blob))
	copy(stored, blob)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.data[id]; !exists {
		m.order = append(m.order, id)
	}
	m.data[id] = Entry{ID: id, TakenAt: takenAt, Blob: stored, Size: len(stored)}

	for len(m.order) > m.limit {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.data, oldest)
		m.evicted++
	}
	return nil
}

// Get returns a copy of the blob stored under id.
func (m *MemoryStore) Get(id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.Blob))
	copy(out, e.Blob)
	return out, nil
}

// Latest returns the newest entry including a copy of its blob.
func (m *MemoryStore) Latest() (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.order) == 0 {
		return Entry{}, ErrNotFound
	}
	e := m.data[m.order[len(m.order)-1]]
	blob := make([]byte, len(e.Blob))
	copy(blob, e.Blob)
	e.Blob = blob
	return e, nil
}

// List returns metadata for every retained snapshot, oldest first.
func (m *MemoryStore) List() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.order))
	for _, id := range m.order {
		e := m.data[id]
		e.Blob = nil
		out = append(out, e)
	}
	return out
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, e := range m.data {
		total += e.Size
	}
	return StoreStats{
		Snapshots: len(m.data),
		Bytes:     total,
		Evicted:   m.evicted,
	}
}
