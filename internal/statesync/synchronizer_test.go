package statesync

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReplica(t *testing.T, node string, strategy Strategy, clk clock.Clock, tr Transport) *Synchronizer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.NodeID = node
	cfg.Strategy = string(strategy)
	s, err := New(cfg, tr, clk, nil)
	require.NoError(t, err)
	return s
}

func TestUpdateStateStampsClockAndHistory(t *testing.T) {
	s := newReplica(t, "n1", LastWriteWins, clock.NewMock(), nil)

	ev, err := s.UpdateState("cam-1", map[string]any{"zoom": 2})
	require.NoError(t, err)
	assert.Equal(t, VectorClock{"n1": 1}, ev.VectorClock)
	assert.Equal(t, "n1", ev.SourceNode)

	ev2, err := s.UpdateState("cam-1", map[string]any{"pan": 10})
	require.NoError(t, err)
	assert.Equal(t, VectorClock{"n1": 2}, ev2.VectorClock)
	assert.True(t, ev.VectorClock.HappenedBefore(ev2.VectorClock))

	state, ok := s.GetState("cam-1")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"zoom": 2, "pan": 10}, state)

	history := s.GetEventHistory("cam-1", 0)
	require.Len(t, history, 2)
	assert.Equal(t, ev.ID, history[0].ID)
	assert.Len(t, s.GetEventHistory("cam-1", 1), 1)
	assert.Empty(t, s.GetEventHistory("other", 0))

	_, err = s.UpdateState("", nil)
	assert.ErrorIs(t, err, ErrEmptyDeviceID)
	assert.Equal(t, 2, s.GetSyncStatus().PendingEvents)
}

func TestGetStateReturnsCopy(t *testing.T) {
	s := newReplica(t, "n1", LastWriteWins, nil, nil)
	_, err := s.UpdateState("d", map[string]any{"k": 1})
	require.NoError(t, err)

	st, _ := s.GetState("d")
	st["k"] = 99
	again, _ := s.GetState("d")
	assert.Equal(t, 1, again["k"])
}

// TestConcurrentUpdatesConvergeUnderLWW has two replicas update the same
// key concurrently; after one gossip exchange both hold the value with
// the higher timestamp.
func TestConcurrentUpdatesConvergeUnderLWW(t *testing.T) {
	tr := NewLocalTransport()
	clkA, clkB := clock.NewMock(), clock.NewMock()
	clkA.Add(time.Second)
	clkB.Add(2 * time.Second)

	a := newReplica(t, "a", LastWriteWins, clkA, tr)
	b := newReplica(t, "b", LastWriteWins, clkB, tr)
	tr.Attach("a", a)
	tr.Attach("b", b)
	a.AddPeer("b")
	b.AddPeer("a")

	var mu sync.Mutex
	var seen []NotificationType
	a.OnEvent(func(n Notification) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, n.Type)
	})

	_, err := a.UpdateState("drone-1", map[string]any{"altitude": 100})
	require.NoError(t, err)
	_, err = b.UpdateState("drone-1", map[string]any{"altitude": 120})
	require.NoError(t, err)

	ctx := context.Background()
	a.gossipRound(ctx)
	b.gossipRound(ctx)

	stA, _ := a.GetState("drone-1")
	stB, _ := b.GetState("drone-1")
	assert.Equal(t, 120, stA["altitude"])
	assert.Equal(t, stA, stB)

	assert.Equal(t, int64(1), a.Stats().Conflicts)
	assert.Equal(t, int64(1), b.Stats().Conflicts)
	mu.Lock()
	assert.Equal(t, []NotificationType{StateUpdated, StateConflict, StateMerged}, seen)
	mu.Unlock()

	assert.Equal(t, VectorClock{"a": 1, "b": 1}, a.VectorClock())
	assert.Equal(t, a.VectorClock(), b.VectorClock())
}

// TestDisjointKeysConverge has replica a write a superset of the keys b
// writes concurrently. Whichever side wins the shared key, both replicas
// must end with the same state, including a's extra key.
func TestDisjointKeysConverge(t *testing.T) {
	tests := []struct {
		strategy Strategy
		dataA    map[string]any
		dataB    map[string]any
		want     map[string]any
	}{
		{
			strategy: LastWriteWins,
			dataA:    map[string]any{"x": 1, "y": 1},
			dataB:    map[string]any{"x": 2},
			want:     map[string]any{"x": 2, "y": 1},
		},
		{
			strategy: FirstWriteWins,
			dataA:    map[string]any{"x": 1, "y": 1},
			dataB:    map[string]any{"x": 2},
			want:     map[string]any{"x": 1, "y": 1},
		},
		{
			strategy: HighestPriority,
			dataA:    map[string]any{"x": 1, "y": 1, "priority": 5},
			dataB:    map[string]any{"x": 2, "priority": 1},
			want:     map[string]any{"x": 2, "y": 1, "priority": 1},
		},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			tr := NewLocalTransport()
			clkA, clkB := clock.NewMock(), clock.NewMock()
			clkA.Add(time.Second)
			clkB.Add(2 * time.Second)

			a := newReplica(t, "a", tt.strategy, clkA, tr)
			b := newReplica(t, "b", tt.strategy, clkB, tr)
			tr.Attach("a", a)
			tr.Attach("b", b)
			a.AddPeer("b")
			b.AddPeer("a")

			_, err := a.UpdateState("d", tt.dataA)
			require.NoError(t, err)
			_, err = b.UpdateState("d", tt.dataB)
			require.NoError(t, err)

			ctx := context.Background()
			a.gossipRound(ctx)
			b.gossipRound(ctx)

			stA, _ := a.GetState("d")
			stB, _ := b.GetState("d")
			assert.Equal(t, tt.want, stA)
			assert.Equal(t, tt.want, stB)

			_, err = b.SyncWithPeer(ctx, "a")
			require.NoError(t, err)
			stB, _ = b.GetState("d")
			assert.Equal(t, tt.want, stB, "anti-entropy keeps the converged state")
		})
	}
}

func TestCausallyNewerRemoteApplies(t *testing.T) {
	tr := NewLocalTransport()
	a := newReplica(t, "a", FirstWriteWins, nil, tr)
	b := newReplica(t, "b", FirstWriteWins, nil, tr)
	tr.Attach("b", b)
	a.AddPeer("b")

	_, _ = a.UpdateState("s1", map[string]any{"v": 1})
	a.gossipRound(context.Background())
	_, _ = a.UpdateState("s1", map[string]any{"v": 2})
	a.gossipRound(context.Background())

	st, _ := b.GetState("s1")
	assert.Equal(t, 2, st["v"], "causally ordered updates never conflict")
	assert.Zero(t, b.Stats().Conflicts)
}

// TestUpdateStateClockIsPerDevice checks that learning a peer's history
// for one device does not make local writes to another device look
// causally newer than the peer's concurrent writes to it.
func TestUpdateStateClockIsPerDevice(t *testing.T) {
	s := newReplica(t, "a", FirstWriteWins, clock.NewMock(), nil)

	s.HandleGossip(&GossipMessage{Source: "b", Events: []*StateEvent{{
		ID:          "b3",
		DeviceID:    "d2",
		VectorClock: VectorClock{"b": 3},
		Data:        map[string]any{"v": "b"},
		SourceNode:  "b",
	}}})

	ev, err := s.UpdateState("d1", map[string]any{"v": "a"})
	require.NoError(t, err)
	assert.Equal(t, VectorClock{"a": 1}, ev.VectorClock)
	assert.Equal(t, VectorClock{"a": 1, "b": 3}, s.VectorClock(), "node clock summarizes all devices")

	// b's earlier write to d1 never reached a, so it is concurrent
	s.HandleGossip(&GossipMessage{Source: "b", Events: []*StateEvent{{
		ID:          "b2",
		DeviceID:    "d1",
		Timestamp:   time.Unix(0, 0).Add(-time.Minute).UTC(),
		VectorClock: VectorClock{"b": 2},
		Data:        map[string]any{"v": "b"},
		SourceNode:  "b",
	}}})
	assert.Equal(t, int64(1), s.Stats().Conflicts)
	st, _ := s.GetState("d1")
	assert.Equal(t, "b", st["v"], "first write wins")

	ev, err = s.UpdateState("d1", map[string]any{"v": "c"})
	require.NoError(t, err)
	assert.Equal(t, VectorClock{"a": 2, "b": 2}, ev.VectorClock)
}

func TestHandleGossipSkipsSeenAndIgnoresStale(t *testing.T) {
	s := newReplica(t, "n1", LastWriteWins, nil, nil)
	ev := &StateEvent{
		ID:          "e1",
		DeviceID:    "d",
		VectorClock: VectorClock{"n2": 2},
		Data:        map[string]any{"x": 1},
		SourceNode:  "n2",
	}
	assert.Equal(t, 1, s.HandleGossip(&GossipMessage{Source: "n2", Events: []*StateEvent{ev}}))
	assert.Equal(t, 0, s.HandleGossip(&GossipMessage{Source: "n2", Events: []*StateEvent{ev}}), "duplicate ids are skipped")

	stale := &StateEvent{ID: "e0", DeviceID: "d", VectorClock: VectorClock{"n2": 1}, Data: map[string]any{"x": 0}, SourceNode: "n2"}
	assert.Equal(t, 0, s.HandleGossip(&GossipMessage{Events: []*StateEvent{stale}}))

	st, _ := s.GetState("d")
	assert.Equal(t, 1, st["x"])
	assert.Equal(t, int64(1), s.Stats().EventsIgnored)
	assert.Equal(t, 0, s.HandleGossip(nil))
}

func TestGossipForwardingStopsAtMaxHops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NodeID = "n1"
	cfg.GossipMaxHops = 2
	s, err := New(cfg, nil, nil, nil)
	require.NoError(t, err)

	s.HandleGossip(&GossipMessage{Events: []*StateEvent{
		{ID: "fresh", DeviceID: "d1", VectorClock: VectorClock{"x": 1}, Hops: 0},
		{ID: "tired", DeviceID: "d2", VectorClock: VectorClock{"y": 1}, Hops: 1},
	}})

	s.mu.RLock()
	defer s.mu.RUnlock()
	require.Len(t, s.pending, 1)
	assert.Equal(t, "fresh", s.pending[0].ID)
	assert.Equal(t, 1, s.pending[0].Hops)
}

func TestGossipFanoutAndFailingPeer(t *testing.T) {
	tr := NewLocalTransport()
	cfg := DefaultConfig()
	cfg.NodeID = "src"
	cfg.GossipFanout = 5
	src, err := New(cfg, tr, nil, nil)
	require.NoError(t, err)

	dst := newReplica(t, "dst", LastWriteWins, nil, tr)
	tr.Attach("dst", dst)
	src.AddPeer("dst")
	src.AddPeer("ghost")

	_, _ = src.UpdateState("d", map[string]any{"ok": true})
	src.gossipRound(context.Background())

	_, ok := dst.GetState("d")
	assert.True(t, ok, "reachable peer receives the event")
	assert.Equal(t, int64(1), src.Stats().GossipErrors)
	assert.Equal(t, 0, src.GetSyncStatus().PendingEvents)
}

func TestSnapshotRoundTripAndVerify(t *testing.T) {
	s := newReplica(t, "n1", LastWriteWins, nil, nil)
	_, _ = s.UpdateState("d1", map[string]any{"temp": 21.5, "label": "lab"})
	_, _ = s.UpdateState("d2", map[string]any{"count": 3})

	snap, err := s.TakeSnapshot()
	require.NoError(t, err)
	require.NoError(t, snap.Verify())

	entry, err := s.Snapshots().Latest()
	require.NoError(t, err)
	assert.Equal(t, snap.ID, entry.ID)

	decoded, err := DecodeSnapshot(entry.Blob)
	require.NoError(t, err)
	require.NoError(t, decoded.Verify(), "checksum survives the wire encoding")
	assert.Equal(t, 21.5, decoded.States["d1"].Data["temp"])

	decoded.States["d1"].Data["temp"] = 99.0
	assert.ErrorIs(t, decoded.Verify(), ErrChecksumMismatch)

	other := newReplica(t, "n2", LastWriteWins, nil, nil)
	_, err = other.ApplySnapshot(decoded)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestSyncWithPeerHealsPartition(t *testing.T) {
	tr := NewLocalTransport()
	a := newReplica(t, "a", LastWriteWins, nil, tr)
	b := newReplica(t, "b", LastWriteWins, nil, tr)
	tr.Attach("a", a)

	_, _ = a.UpdateState("r1", map[string]any{"pos": "dock"})
	_, _ = a.UpdateState("r2", map[string]any{"pos": "aisle-3"})

	n, err := b.SyncWithPeer(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, a.GetAllStates(), b.GetAllStates())

	n, err = b.SyncWithPeer(context.Background(), "a")
	require.NoError(t, err)
	assert.Zero(t, n, "second sync is a no-op")

	_, err = b.SyncWithPeer(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestStartStopIdempotent(t *testing.T) {
	mock := clock.NewMock()
	tr := NewLocalTransport()
	cfg := DefaultConfig()
	cfg.NodeID = "a"
	cfg.SnapshotInterval = 0
	a, err := New(cfg, tr, mock, nil)
	require.NoError(t, err)
	b := newReplica(t, "b", LastWriteWins, nil, tr)
	tr.Attach("b", b)
	a.AddPeer("b")

	var started atomic.Int32
	a.OnEvent(func(n Notification) {
		if n.Type == SyncStarted {
			started.Add(1)
		}
	})
	a.Start(context.Background())
	a.Start(context.Background())
	assert.True(t, a.GetSyncStatus().Running)
	assert.Equal(t, int32(1), started.Load())

	_, _ = a.UpdateState("d", map[string]any{"v": 1})
	assert.Eventually(t, func() bool {
		mock.Add(time.Second)
		_, ok := b.GetState("d")
		return ok
	}, time.Second, 10*time.Millisecond)

	a.Stop()
	a.Stop()
	assert.False(t, a.GetSyncStatus().Running)
}

func TestUnknownStrategyRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = "dice"
	_, err := New(cfg, nil, nil, nil)
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}
