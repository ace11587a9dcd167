package statesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dreamware/fleet/internal/cluster"
)

// Paths served by the coordinator for replica traffic.
const (
	GossipPath   = "/sync/gossip"
	SnapshotPath = "/sync/snapshot"
)

// ErrUnknownPeer is returned by LocalTransport for peers never attached.
var ErrUnknownPeer = errors.New("unknown peer")

// Transport moves gossip and snapshots between replicas. Peers are
// addressed by the strings passed to Synchronizer.AddPeer.
type Transport interface {
	SendGossip(ctx context.Context, peer string, msg *GossipMessage) error
	FetchSnapshot(ctx context.Context, peer string) (*Snapshot, error)
}

// HTTPTransport talks to peer coordinators over HTTP with CBOR bodies.
type HTTPTransport struct {
	client *cluster.Client
}

// NewHTTPTransport creates a transport whose requests time out after
// timeout.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{client: cluster.NewClient(timeout)}
}

// SendGossip posts msg to the peer's gossip endpoint.
func (t *HTTPTransport) SendGossip(ctx context.Context, peer string, msg *GossipMessage) error {
	return t.client.PostCBOR(ctx, cluster.BaseURL(peer)+GossipPath, msg, nil)
}

// FetchSnapshot downloads and decodes the peer's current snapshot.
func (t *HTTPTransport) FetchSnapshot(ctx context.Context, peer string) (*Snapshot, error) {
	blob, err := t.client.GetBytes(ctx, cluster.BaseURL(peer)+SnapshotPath)
	if err != nil {
		return nil, err
	}
	return DecodeSnapshot(blob)
}

// LocalTransport connects Synchronizers living in the same process.
// Messages are deep-copied so replicas never share maps.
type LocalTransport struct {
	mu    sync.RWMutex
	nodes map[string]*Synchronizer
}

// NewLocalTransport creates an empty in-process transport.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{nodes: make(map[string]*Synchronizer)}
}

// Attach makes s reachable under peer.
func (t *LocalTransport) Attach(peer string, s *Synchronizer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[peer] = s
}

// Detach makes peer unreachable, simulating a partition.
func (t *LocalTransport) Detach(peer string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nodes, peer)
}

func (t *LocalTransport) lookup(peer string) (*Synchronizer, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.nodes[peer]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	return s, nil
}

// SendGossip delivers a copy of msg to peer.
func (t *LocalTransport) SendGossip(ctx context.Context, peer string, msg *GossipMessage) error {
	s, err := t.lookup(peer)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := &GossipMessage{Source: msg.Source, SentAt: msg.SentAt, Events: make([]*StateEvent, len(msg.Events))}
	for i, ev := range msg.Events {
		cp.Events[i] = ev.clone()
	}
	s.HandleGossip(cp)
	return nil
}

// FetchSnapshot returns peer's current snapshot.
func (t *LocalTransport) FetchSnapshot(ctx context.Context, peer string) (*Snapshot, error) {
	s, err := t.lookup(peer)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Snapshot()
}
