// Package statesync replicates per-device key/value state between
// coordinator instances. Updates carry vector clocks so replicas can tell
// causally ordered updates from concurrent ones; concurrent updates are
// resolved by the configured Resolver. Events spread by gossip and
// periodic snapshots give anti-entropy recovery after partitions.
package statesync

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dreamware/fleet/internal/shard"
	"github.com/dreamware/fleet/internal/storage"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrEmptyDeviceID is returned when an update names no device.
var ErrEmptyDeviceID = errors.New("device id is required")

// Config tunes a Synchronizer.
type Config struct {
	// NodeID identifies this replica in vector clocks. Set by the owner.
	NodeID string `yaml:"-"`
	// Strategy is the conflict resolution strategy name.
	Strategy string `yaml:"conflict_strategy"`

	GossipInterval time.Duration `yaml:"gossip_interval"`
	GossipFanout   int           `yaml:"gossip_fanout"`
	GossipMaxHops  int           `yaml:"gossip_max_hops"`

	SeenCacheSize int           `yaml:"seen_cache_size"`
	SeenCacheTTL  time.Duration `yaml:"seen_cache_ttl"`

	// SnapshotInterval of zero disables periodic snapshots.
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	SnapshotRetention int           `yaml:"snapshot_retention"`

	HistorySize int `yaml:"history_size"`
	// MaxPending bounds events waiting for gossip; the oldest are dropped.
	MaxPending int `yaml:"max_pending"`
}

// DefaultConfig returns the default synchronizer tuning.
func DefaultConfig() Config {
	return Config{
		Strategy:          string(LastWriteWins),
		GossipInterval:    time.Second,
		GossipFanout:      3,
		GossipMaxHops:     5,
		SeenCacheSize:     10000,
		SeenCacheTTL:      5 * time.Minute,
		SnapshotInterval:  time.Minute,
		SnapshotRetention: 5,
		HistorySize:       1000,
		MaxPending:        10000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	if c.GossipInterval <= 0 {
		c.GossipInterval = d.GossipInterval
	}
	if c.GossipFanout <= 0 {
		c.GossipFanout = d.GossipFanout
	}
	if c.GossipMaxHops <= 0 {
		c.GossipMaxHops = d.GossipMaxHops
	}
	if c.SeenCacheSize <= 0 {
		c.SeenCacheSize = d.SeenCacheSize
	}
	if c.SeenCacheTTL <= 0 {
		c.SeenCacheTTL = d.SeenCacheTTL
	}
	if c.SnapshotRetention <= 0 {
		c.SnapshotRetention = d.SnapshotRetention
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.MaxPending <= 0 {
		c.MaxPending = d.MaxPending
	}
	return c
}

type deviceRecord struct {
	updatedAt time.Time
	data      map[string]any
	clock     VectorClock
	last      *StateEvent
}

// Stats counts synchronizer activity.
type Stats struct {
	EventsCreated    int64 `json:"events_created"`
	EventsReceived   int64 `json:"events_received"`
	EventsApplied    int64 `json:"events_applied"`
	EventsIgnored    int64 `json:"events_ignored"`
	EventsSent       int64 `json:"events_sent"`
	EventsDropped    int64 `json:"events_dropped"`
	Conflicts        int64 `json:"conflicts"`
	GossipRounds     int64 `json:"gossip_rounds"`
	GossipErrors     int64 `json:"gossip_errors"`
	SnapshotsTaken   int64 `json:"snapshots_taken"`
	SnapshotsApplied int64 `json:"snapshots_applied"`
}

// SyncStatus is served on /sync/status.
type SyncStatus struct {
	LastGossip    time.Time   `json:"last_gossip,omitempty"`
	LastSnapshot  time.Time   `json:"last_snapshot,omitempty"`
	VectorClock   VectorClock `json:"vector_clock"`
	NodeID        string      `json:"node_id"`
	Strategy      Strategy    `json:"strategy"`
	Peers         []string    `json:"peers"`
	Stats         Stats       `json:"stats"`
	Devices       int         `json:"devices"`
	PendingEvents int         `json:"pending_events"`
	SeenCache     int         `json:"seen_cache"`
	Running       bool        `json:"running"`
}

// Synchronizer owns this node's replica of the device state map.
//
// Lock order: the device stripe in locks, then mu. Handlers are invoked
// while the device stripe is held so notifications for one device are
// delivered in apply order.
type Synchronizer struct {
	cfg       Config
	clock     clock.Clock
	logger    *zap.Logger
	transport Transport
	resolver  Resolver
	locks     *shard.Locks
	seen      *expirable.LRU[string, struct{}]
	snapshots storage.Store

	mu           sync.RWMutex
	states       map[string]*deviceRecord
	nodeClock    VectorClock
	history      []*StateEvent
	pending      []*StateEvent
	peers        map[string]struct{}
	lastGossip   time.Time
	lastSnapshot time.Time

	handlersMu sync.RWMutex
	handlers   []Handler

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   atomic.Bool

	created, received, applied, ignored   atomic.Int64
	sent, dropped, conflicts              atomic.Int64
	rounds, gossipErrors, taken, restored atomic.Int64
}

// New creates a Synchronizer. transport may be nil, in which case events
// stay local.
func New(cfg Config, transport Transport, clk clock.Clock, logger *zap.Logger) (*Synchronizer, error) {
	cfg = cfg.withDefaults()
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	resolver, err := NewResolver(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		cfg:       cfg,
		clock:     clk,
		logger:    logger.With(zap.String("node_id", cfg.NodeID)),
		transport: transport,
		resolver:  resolver,
		locks:     shard.NewLocks(shard.DefaultStripes),
		seen:      expirable.NewLRU[string, struct{}](cfg.SeenCacheSize, nil, cfg.SeenCacheTTL),
		snapshots: storage.NewMemoryStore(cfg.SnapshotRetention),
		states:    make(map[string]*deviceRecord),
		nodeClock: NewVectorClock(),
		peers:     make(map[string]struct{}),
	}, nil
}

// NodeID returns this replica's id.
func (s *Synchronizer) NodeID() string { return s.cfg.NodeID }

// Strategy returns the active conflict resolution strategy.
func (s *Synchronizer) Strategy() Strategy { return s.resolver.Strategy() }

// Snapshots returns the store retaining this node's recent snapshots.
func (s *Synchronizer) Snapshots() storage.Store { return s.snapshots }

// OnEvent registers h for every notification. See Handler.
func (s *Synchronizer) OnEvent(h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers = append(s.handlers, h)
}

func (s *Synchronizer) emit(notes ...Notification) {
	if len(notes) == 0 {
		return
	}
	s.handlersMu.RLock()
	handlers := s.handlers
	s.handlersMu.RUnlock()
	for _, n := range notes {
		n.NodeID = s.cfg.NodeID
		for _, h := range handlers {
			h(n)
		}
	}
}

// UpdateState records a local update of deviceID's state. The node's
// entry in the device's vector clock is incremented, the update is
// applied to the local replica and queued for gossip.
func (s *Synchronizer) UpdateState(deviceID string, data map[string]any) (*StateEvent, error) {
	if deviceID == "" {
		return nil, ErrEmptyDeviceID
	}
	unlock := s.locks.Lock(deviceID)
	defer unlock()

	s.mu.Lock()
	rec, ok := s.states[deviceID]
	if !ok {
		rec = &deviceRecord{clock: NewVectorClock()}
		s.states[deviceID] = rec
	}
	if rec.clock == nil {
		rec.clock = NewVectorClock()
	}
	// the node clock only summarizes; events carry the device's clock
	rec.clock.Increment(s.cfg.NodeID)
	s.nodeClock = s.nodeClock.Merge(rec.clock)
	ev := &StateEvent{
		ID:          uuid.NewString(),
		DeviceID:    deviceID,
		Timestamp:   s.clock.Now().UTC(),
		VectorClock: rec.clock.Copy(),
		Data:        copyData(data),
		SourceNode:  s.cfg.NodeID,
	}
	rec.data = overlay(rec.data, ev.Data)
	rec.last = ev
	rec.updatedAt = ev.Timestamp
	state := copyData(rec.data)
	s.appendHistoryLocked(ev)
	s.enqueueLocked(ev.clone())
	s.mu.Unlock()

	s.seen.Add(ev.ID, struct{}{})
	s.created.Add(1)
	s.emit(Notification{Type: StateUpdated, DeviceID: deviceID, Event: ev.clone(), State: state})
	return ev.clone(), nil
}

// HandleGossip applies a message received from a peer and returns the
// number of events that changed local state. Already-seen events are
// skipped; the others are re-queued for forwarding until they reach
// GossipMaxHops.
func (s *Synchronizer) HandleGossip(msg *GossipMessage) int {
	if msg == nil {
		return 0
	}
	applied := 0
	for _, ev := range msg.Events {
		if ev == nil || ev.DeviceID == "" || ev.ID == "" {
			continue
		}
		if s.seen.Contains(ev.ID) {
			continue
		}
		s.seen.Add(ev.ID, struct{}{})
		s.received.Add(1)
		if ev.VectorClock == nil {
			ev.VectorClock = NewVectorClock()
		}
		if s.applyRemote(ev) {
			applied++
		}
		if ev.Hops+1 < s.cfg.GossipMaxHops {
			fwd := ev.clone()
			fwd.Hops++
			s.mu.Lock()
			s.enqueueLocked(fwd)
			s.mu.Unlock()
		}
	}
	if applied > 0 {
		s.logger.Debug("applied gossip",
			zap.String("source", msg.Source), zap.Int("events", len(msg.Events)), zap.Int("applied", applied))
	}
	return applied
}

// applyRemote merges a peer's event into the local replica and reports
// whether local state changed.
func (s *Synchronizer) applyRemote(ev *StateEvent) bool {
	unlock := s.locks.Lock(ev.DeviceID)
	defer unlock()

	var notes []Notification
	s.mu.Lock()
	s.nodeClock = s.nodeClock.Merge(ev.VectorClock)
	rec, ok := s.states[ev.DeviceID]
	changed := true
	switch {
	case !ok:
		rec = &deviceRecord{
			data:      copyData(ev.Data),
			clock:     ev.VectorClock.Copy(),
			last:      ev,
			updatedAt: ev.Timestamp,
		}
		s.states[ev.DeviceID] = rec
		notes = append(notes, Notification{Type: StateUpdated, DeviceID: ev.DeviceID, Event: ev})
	default:
		switch ev.VectorClock.Compare(rec.clock) {
		case Before, Equal:
			changed = false
		case After:
			rec.data = overlay(rec.data, ev.Data)
			rec.clock = rec.clock.Merge(ev.VectorClock)
			rec.last = ev
			rec.updatedAt = ev.Timestamp
			notes = append(notes, Notification{Type: StateUpdated, DeviceID: ev.DeviceID, Event: ev})
		case Concurrent:
			s.conflicts.Add(1)
			notes = append(notes, Notification{Type: StateConflict, DeviceID: ev.DeviceID, Event: ev, Strategy: s.resolver.Strategy()})
			res := s.resolver.Resolve(rec.data, rec.last, ev)
			rec.data = res.Data
			rec.clock = rec.clock.Merge(ev.VectorClock)
			if res.Winner != nil {
				rec.last = res.Winner
				rec.updatedAt = res.Winner.Timestamp
			}
			notes = append(notes, Notification{Type: StateMerged, DeviceID: ev.DeviceID, Event: res.Winner, Strategy: s.resolver.Strategy()})
		}
	}
	if changed {
		s.appendHistoryLocked(ev)
		state := copyData(rec.data)
		for i := range notes {
			notes[i].State = state
		}
	}
	s.mu.Unlock()

	if changed {
		s.applied.Add(1)
	} else {
		s.ignored.Add(1)
	}
	s.emit(notes...)
	return changed
}

func (s *Synchronizer) appendHistoryLocked(ev *StateEvent) {
	s.history = append(s.history, ev)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
}

func (s *Synchronizer) enqueueLocked(ev *StateEvent) {
	s.pending = append(s.pending, ev)
	if over := len(s.pending) - s.cfg.MaxPending; over > 0 {
		s.pending = append(s.pending[:0:0], s.pending[over:]...)
		s.dropped.Add(int64(over))
	}
}

// GetState returns a copy of deviceID's replicated state.
func (s *Synchronizer) GetState(deviceID string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.states[deviceID]
	if !ok {
		return nil, false
	}
	return copyData(rec.data), true
}

// GetAllStates returns a copy of every device state.
func (s *Synchronizer) GetAllStates() map[string]map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]map[string]any, len(s.states))
	for id, rec := range s.states {
		out[id] = copyData(rec.data)
	}
	return out
}

// GetEventHistory returns up to limit of the most recent applied events,
// oldest first. An empty deviceID matches every device; limit <= 0 means
// no limit.
func (s *Synchronizer) GetEventHistory(deviceID string, limit int) []*StateEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*StateEvent
	for i := len(s.history) - 1; i >= 0; i-- {
		ev := s.history[i]
		if deviceID != "" && ev.DeviceID != deviceID {
			continue
		}
		out = append(out, ev.clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// VectorClock returns a copy of the node clock.
func (s *Synchronizer) VectorClock() VectorClock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodeClock.Copy()
}

// AddPeer adds a replica address to the gossip set.
func (s *Synchronizer) AddPeer(peer string) {
	if peer == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[peer] = struct{}{}
}

// RemovePeer removes a replica from the gossip set.
func (s *Synchronizer) RemovePeer(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, peer)
}

// Peers returns the gossip set sorted.
func (s *Synchronizer) Peers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerListLocked()
}

func (s *Synchronizer) peerListLocked() []string {
	out := make([]string, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// GetSyncStatus reports the replica's gossip and snapshot state.
func (s *Synchronizer) GetSyncStatus() SyncStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SyncStatus{
		NodeID:        s.cfg.NodeID,
		Running:       s.running.Load(),
		Strategy:      s.resolver.Strategy(),
		Peers:         s.peerListLocked(),
		Devices:       len(s.states),
		PendingEvents: len(s.pending),
		SeenCache:     s.seen.Len(),
		VectorClock:   s.nodeClock.Copy(),
		LastGossip:    s.lastGossip,
		LastSnapshot:  s.lastSnapshot,
		Stats:         s.Stats(),
	}
}

// Stats returns activity counters.
func (s *Synchronizer) Stats() Stats {
	return Stats{
		EventsCreated:    s.created.Load(),
		EventsReceived:   s.received.Load(),
		EventsApplied:    s.applied.Load(),
		EventsIgnored:    s.ignored.Load(),
		EventsSent:       s.sent.Load(),
		EventsDropped:    s.dropped.Load(),
		Conflicts:        s.conflicts.Load(),
		GossipRounds:     s.rounds.Load(),
		GossipErrors:     s.gossipErrors.Load(),
		SnapshotsTaken:   s.taken.Load(),
		SnapshotsApplied: s.restored.Load(),
	}
}

// Start launches the gossip loop and, when SnapshotInterval is set, the
// snapshot loop. Calling Start on a running Synchronizer is a no-op.
func (s *Synchronizer) Start(ctx context.Context) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running.Store(true)
	s.emit(Notification{Type: SyncStarted})

	s.wg.Add(1)
	go s.loop(ctx, s.cfg.GossipInterval, s.gossipRound)
	if s.cfg.SnapshotInterval > 0 {
		s.wg.Add(1)
		go s.loop(ctx, s.cfg.SnapshotInterval, s.antiEntropyRound)
	}
	s.logger.Info("state synchronizer started",
		zap.String("strategy", string(s.resolver.Strategy())),
		zap.Duration("gossip_interval", s.cfg.GossipInterval))
}

// Stop cancels the background loops and waits for them to exit.
func (s *Synchronizer) Stop() {
	s.lifecycle.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.lifecycle.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.running.Store(false)
	s.logger.Info("state synchronizer stopped")
}

func (s *Synchronizer) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer s.wg.Done()
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// gossipRound sends every pending event to up to GossipFanout random
// peers. A failing peer does not affect the others.
func (s *Synchronizer) gossipRound(ctx context.Context) {
	s.mu.Lock()
	if len(s.pending) == 0 || len(s.peers) == 0 || s.transport == nil {
		s.mu.Unlock()
		return
	}
	batch := s.pending
	s.pending = nil
	targets := s.pickPeersLocked(s.cfg.GossipFanout)
	s.lastGossip = s.clock.Now()
	s.mu.Unlock()

	s.rounds.Add(1)
	msg := &GossipMessage{Source: s.cfg.NodeID, SentAt: s.clock.Now().UTC(), Events: batch}
	var g errgroup.Group
	for _, peer := range targets {
		peer := peer
		g.Go(func() error {
			if err := s.transport.SendGossip(ctx, peer, msg); err != nil {
				s.gossipErrors.Add(1)
				s.logger.Warn("gossip send failed", zap.String("peer", peer), zap.Error(err))
				return nil
			}
			s.sent.Add(int64(len(batch)))
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Synchronizer) pickPeersLocked(n int) []string {
	peers := s.peerListLocked()
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	if n < len(peers) {
		peers = peers[:n]
	}
	return peers
}

func (s *Synchronizer) antiEntropyRound(ctx context.Context) {
	if _, err := s.TakeSnapshot(); err != nil {
		s.logger.Warn("snapshot failed", zap.Error(err))
	}
	s.mu.RLock()
	peers := s.pickPeersLocked(1)
	s.mu.RUnlock()
	if len(peers) == 0 || s.transport == nil {
		return
	}
	if _, err := s.SyncWithPeer(ctx, peers[0]); err != nil {
		s.logger.Warn("anti-entropy sync failed", zap.String("peer", peers[0]), zap.Error(err))
	}
}

// Snapshot builds a checksummed snapshot of the current replica.
func (s *Synchronizer) Snapshot() (*Snapshot, error) {
	s.mu.RLock()
	snap := &Snapshot{
		ID:          uuid.NewString(),
		NodeID:      s.cfg.NodeID,
		Timestamp:   s.clock.Now().UTC(),
		States:      make(map[string]DeviceState, len(s.states)),
		VectorClock: s.nodeClock.Copy(),
	}
	for id, rec := range s.states {
		st := DeviceState{
			Data:        copyData(rec.data),
			VectorClock: rec.clock.Copy(),
			UpdatedAt:   rec.updatedAt,
		}
		if rec.last != nil {
			st.SourceNode = rec.last.SourceNode
			st.EventID = rec.last.ID
		}
		snap.States[id] = st
	}
	s.mu.RUnlock()

	sum, err := snap.ComputeChecksum()
	if err != nil {
		return nil, err
	}
	snap.Checksum = sum
	return snap, nil
}

// TakeSnapshot builds a snapshot and retains its encoded form.
func (s *Synchronizer) TakeSnapshot() (*Snapshot, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	blob, err := EncodeSnapshot(snap)
	if err != nil {
		return nil, err
	}
	if err := s.snapshots.Put(snap.ID, snap.Timestamp, blob); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.lastSnapshot = snap.Timestamp
	s.mu.Unlock()
	s.taken.Add(1)
	s.logger.Debug("snapshot taken",
		zap.String("snapshot_id", snap.ID), zap.Int("devices", len(snap.States)), zap.Int("bytes", len(blob)))
	return snap, nil
}

// ApplySnapshot verifies snap and merges every device state it carries
// as if it were a remote event. It returns how many devices changed.
func (s *Synchronizer) ApplySnapshot(snap *Snapshot) (int, error) {
	if err := snap.Verify(); err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(snap.States))
	for id := range snap.States {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	changed := 0
	for _, id := range ids {
		st := snap.States[id]
		vc := st.VectorClock
		if vc == nil {
			vc = NewVectorClock()
		}
		ev := &StateEvent{
			ID:          "snapshot:" + snap.ID + ":" + id,
			DeviceID:    id,
			Timestamp:   st.UpdatedAt,
			VectorClock: vc,
			Data:        copyData(st.Data),
			SourceNode:  st.SourceNode,
		}
		if s.applyRemote(ev) {
			changed++
		}
	}
	s.mu.Lock()
	s.nodeClock = s.nodeClock.Merge(snap.VectorClock)
	s.mu.Unlock()
	s.restored.Add(1)
	return changed, nil
}

// SyncWithPeer pulls peer's snapshot and merges it.
func (s *Synchronizer) SyncWithPeer(ctx context.Context, peer string) (int, error) {
	if s.transport == nil {
		return 0, ErrUnknownPeer
	}
	s.emit(Notification{Type: SyncStarted})
	snap, err := s.transport.FetchSnapshot(ctx, peer)
	if err != nil {
		return 0, err
	}
	n, err := s.ApplySnapshot(snap)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("anti-entropy merged peer snapshot", zap.String("peer", peer), zap.Int("devices", n))
	}
	return n, nil
}
