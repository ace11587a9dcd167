package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/fleet/internal/cluster"
	"github.com/dreamware/fleet/internal/device"
)

// fakeCoordinator records registrations and heartbeats. The first
// unavailable registrations get a 503; known devices are answered 409
// on repeat registration and unknown ones 404 on heartbeat.
type fakeCoordinator struct {
	mu          sync.Mutex
	unavailable int
	known       map[string]bool
	registers   int
	heartbeats  int
}

func (f *fakeCoordinator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/devices":
		f.registers++
		if f.unavailable > 0 {
			f.unavailable--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var d device.Device
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if f.known[d.ID] {
			w.WriteHeader(http.StatusConflict)
			return
		}
		f.known[d.ID] = true
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPost && r.URL.Path == "/devices/cam-1/heartbeat":
		f.heartbeats++
		if !f.known["cam-1"] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeCoordinator) forget(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.known, id)
}

func (f *fakeCoordinator) counts() (registers, heartbeats int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registers, f.heartbeats
}

func newFakeCoordinator(t *testing.T, unavailable int) (*fakeCoordinator, *registrar) {
	t.Helper()
	fc := &fakeCoordinator{unavailable: unavailable, known: make(map[string]bool)}
	srv := httptest.NewServer(fc)
	t.Cleanup(srv.Close)
	r := newRegistrar(cluster.NewClient(time.Second), srv.URL+"/", clock.New(), nil)
	r.delay = time.Millisecond
	return fc, r
}

func TestRegisterRetriesUntilAccepted(t *testing.T) {
	fc, r := newFakeCoordinator(t, 2)
	dev := testDevice()

	require.NoError(t, r.register(context.Background(), &dev))
	registers, _ := fc.counts()
	assert.Equal(t, 3, registers)

	// a repeat registration is answered 409 and still counts as done
	require.NoError(t, r.register(context.Background(), &dev))
	registers, _ = fc.counts()
	assert.Equal(t, 4, registers)
}

func TestRegisterGivesUp(t *testing.T) {
	_, r := newFakeCoordinator(t, registerAttempts)
	dev := testDevice()
	err := r.register(context.Background(), &dev)
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, statusCode(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, r = newFakeCoordinator(t, registerAttempts)
	assert.ErrorIs(t, r.register(ctx, &dev), context.Canceled)
}

func TestRunHeartbeatsAndReregisters(t *testing.T) {
	fc, r := newFakeCoordinator(t, 0)
	dev := testDevice()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.run(ctx, &dev, 5*time.Millisecond)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		_, hb := fc.counts()
		return hb >= 2
	}, 2*time.Second, 5*time.Millisecond)

	fc.forget("cam-1")
	require.Eventually(t, func() bool {
		registers, _ := fc.counts()
		return registers >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, 0, statusCode(nil))
	assert.Equal(t, 0, statusCode(context.Canceled))
	assert.Equal(t, 404, statusCode(&cluster.StatusError{Code: 404}))
}
