package statesync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(source string, ts time.Time, data map[string]any) *StateEvent {
	return &StateEvent{ID: source + ts.String(), DeviceID: "dev", SourceNode: source, Timestamp: ts, Data: data}
}

func TestNewResolver(t *testing.T) {
	for _, name := range []string{"last_write_wins", "LAST-WRITE-WINS", "first_write_wins", "merge", "highest_priority"} {
		r, err := NewResolver(name)
		require.NoError(t, err, name)
		assert.NotNil(t, r)
	}
	_, err := NewResolver("coin_flip")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestResolvers(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	current := map[string]any{"temp": 20, "mode": "auto"}

	tests := []struct {
		name      string
		strategy  Strategy
		local     *StateEvent
		remote    *StateEvent
		wantData  map[string]any
		wantWin   string
		remoteWon bool
	}{
		{
			name:      "lww remote newer",
			strategy:  LastWriteWins,
			local:     event("a", t0, map[string]any{"temp": 20}),
			remote:    event("b", t0.Add(time.Second), map[string]any{"temp": 25}),
			wantData:  map[string]any{"temp": 25, "mode": "auto"},
			wantWin:   "b",
			remoteWon: true,
		},
		{
			name:     "lww local newer",
			strategy: LastWriteWins,
			local:    event("a", t0.Add(time.Second), map[string]any{"temp": 20}),
			remote:   event("b", t0, map[string]any{"temp": 25}),
			wantData: current,
			wantWin:  "a",
		},
		{
			name:     "lww local newer keeps remote disjoint keys",
			strategy: LastWriteWins,
			local:    event("a", t0.Add(time.Second), map[string]any{"temp": 20}),
			remote:   event("b", t0, map[string]any{"temp": 25, "battery": 80}),
			wantData: map[string]any{"temp": 20, "mode": "auto", "battery": 80},
			wantWin:  "a",
		},
		{
			name:      "fww remote older",
			strategy:  FirstWriteWins,
			local:     event("a", t0.Add(time.Second), map[string]any{"temp": 20}),
			remote:    event("b", t0, map[string]any{"temp": 25}),
			wantData:  map[string]any{"temp": 25, "mode": "auto"},
			wantWin:   "b",
			remoteWon: true,
		},
		{
			name:     "fww local older",
			strategy: FirstWriteWins,
			local:    event("a", t0, map[string]any{"temp": 20}),
			remote:   event("b", t0.Add(time.Second), map[string]any{"temp": 25}),
			wantData: current,
			wantWin:  "a",
		},
		{
			name:     "fww local older keeps remote disjoint keys",
			strategy: FirstWriteWins,
			local:    event("a", t0, map[string]any{"temp": 20}),
			remote:   event("b", t0.Add(time.Second), map[string]any{"temp": 25, "mode": "eco"}),
			wantData: map[string]any{"temp": 20, "mode": "eco"},
			wantWin:  "a",
		},
		{
			name:      "merge unions with remote winning collisions",
			strategy:  Merge,
			local:     event("a", t0.Add(time.Second), map[string]any{"temp": 20}),
			remote:    event("b", t0, map[string]any{"temp": 25, "battery": 80}),
			wantData:  map[string]any{"temp": 25, "mode": "auto", "battery": 80},
			wantWin:   "a",
			remoteWon: true,
		},
		{
			name:     "priority lower local wins collisions only",
			strategy: HighestPriority,
			local:    event("a", t0, map[string]any{"priority": 1}),
			remote:   event("b", t0, map[string]any{"priority": 5, "temp": 99}),
			wantData: map[string]any{"temp": 99, "mode": "auto"},
			wantWin:  "a",
		},
		{
			name:      "priority lower remote wins",
			strategy:  HighestPriority,
			local:     event("a", t0, map[string]any{"priority": 3}),
			remote:    event("b", t0, map[string]any{"priority": 2.0, "temp": 99}),
			wantData:  map[string]any{"temp": 99, "mode": "auto", "priority": 2.0},
			wantWin:   "b",
			remoteWon: true,
		},
		{
			name:      "priority tie resolves to remote",
			strategy:  HighestPriority,
			local:     event("a", t0, map[string]any{"priority": 2}),
			remote:    event("b", t0, map[string]any{"priority": uint64(2), "temp": 1}),
			wantData:  map[string]any{"temp": 1, "mode": "auto", "priority": uint64(2)},
			wantWin:   "b",
			remoteWon: true,
		},
		{
			name:     "priority missing ranks last",
			strategy: HighestPriority,
			local:    event("a", t0, map[string]any{"priority": 9, "temp": 20}),
			remote:   event("b", t0, map[string]any{"temp": 1}),
			wantData: current,
			wantWin:  "a",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewResolver(string(tt.strategy))
			require.NoError(t, err)
			res := r.Resolve(current, tt.local, tt.remote)
			assert.Equal(t, tt.wantData, res.Data)
			assert.Equal(t, tt.wantWin, res.Winner.SourceNode)
			assert.Equal(t, tt.remoteWon, res.RemoteWon)
		})
	}
	assert.Equal(t, map[string]any{"temp": 20, "mode": "auto"}, current, "current state is not modified")
}

func TestLastWriteWinsTieBreaksBySource(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := lastWriteWins{}
	a := event("a", ts, map[string]any{"v": "a"})
	b := event("b", ts, map[string]any{"v": "b"})

	assert.Equal(t, "b", r.Resolve(nil, a, b).Data["v"])
	assert.Equal(t, map[string]any{}, r.Resolve(nil, b, a).Data, "both replicas keep b")
}

func TestResolveIsSymmetricAcrossReplicas(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ea := event("a", t0, map[string]any{"x": 1, "y": 1, "priority": 2})
	eb := event("b", t0.Add(time.Second), map[string]any{"x": 2, "priority": 1})

	for _, strategy := range []Strategy{LastWriteWins, FirstWriteWins, HighestPriority} {
		t.Run(string(strategy), func(t *testing.T) {
			r, err := NewResolver(string(strategy))
			require.NoError(t, err)
			atA := r.Resolve(copyData(ea.Data), ea, eb)
			atB := r.Resolve(copyData(eb.Data), eb, ea)
			assert.Equal(t, atA.Data, atB.Data)
			assert.Equal(t, 1, atA.Data["y"])
			assert.Equal(t, atA.Winner.ID, atB.Winner.ID)
		})
	}
}
