// Package transport defines the datagram send/receive contract the engine
// depends on and an in-memory implementation for tests and the simulation
// harness. The engine is agnostic to reliability: a Transport either
// delivers a datagram intact or drops it, never corrupts it in transit.
package transport

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/duskline/convo/types"
)

// Handler is invoked for every datagram addressed to a Transport's local
// peer. The engine registers one per Transport to learn about inbound
// wire.ProtocolMessage bytes; decoding is the caller's responsibility, not
// the transport's.
type Handler func(from types.PhysicalDevicePk, data []byte)

// Transport is the engine's view of the network: who it is, and how to
// reach one peer by public key.
type Transport interface {
	LocalPk() types.PhysicalDevicePk
	Send(ctx context.Context, peer types.PhysicalDevicePk, data []byte) error
}

// MemNetwork is a shared in-memory switch: every MemTransport registered
// against the same MemNetwork can reach every other by public key, the
// send/subscribe split a single-process stand-in for a pubsub broker
// modeled on the publish/dispatch split other_examples' hare consensus
// loop gets from its pubsub.PublishSubscriber collaborator.
type MemNetwork struct {
	mu      sync.RWMutex
	peers   map[types.PhysicalDevicePk]*MemTransport
	dropSet map[types.PhysicalDevicePk]bool // peers currently modeling a network partition
}

// NewMemNetwork returns an empty switch.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		peers:   make(map[types.PhysicalDevicePk]*MemTransport),
		dropSet: make(map[types.PhysicalDevicePk]bool),
	}
}

// SetReachable marks peer as reachable or partitioned; Send to or from a
// partitioned peer is silently dropped, modeling the "external
// reachability flag" the engine's poll loop is told to respect.
func (n *MemNetwork) SetReachable(peer types.PhysicalDevicePk, reachable bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if reachable {
		delete(n.dropSet, peer)
	} else {
		n.dropSet[peer] = true
	}
}

func (n *MemNetwork) register(t *MemTransport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[t.local] = t
}

func (n *MemNetwork) unregister(pk types.PhysicalDevicePk) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, pk)
}

func (n *MemNetwork) deliver(ctx context.Context, from, to types.PhysicalDevicePk, data []byte) error {
	n.mu.RLock()
	if n.dropSet[from] || n.dropSet[to] {
		n.mu.RUnlock()
		return nil
	}
	dst, ok := n.peers[to]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: no registered peer %s", to)
	}
	dst.mu.RLock()
	h := dst.handler
	dst.mu.RUnlock()
	if h == nil {
		return nil
	}
	h(from, append([]byte(nil), data...))
	return nil
}

// MemTransport is one peer's handle onto a MemNetwork.
type MemTransport struct {
	net   *MemNetwork
	local types.PhysicalDevicePk

	mu      sync.RWMutex
	handler Handler
}

// NewMemTransport registers a new endpoint for local on net.
func NewMemTransport(net *MemNetwork, local types.PhysicalDevicePk) *MemTransport {
	t := &MemTransport{net: net, local: local}
	net.register(t)
	return t
}

// Close unregisters the endpoint; subsequent sends to it are dropped as
// unreachable.
func (t *MemTransport) Close() {
	t.net.unregister(t.local)
}

// SetHandler installs the callback invoked for every inbound datagram.
// Only the engine's dispatch loop should call this, once, at startup.
func (t *MemTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *MemTransport) LocalPk() types.PhysicalDevicePk { return t.local }

func (t *MemTransport) Send(ctx context.Context, peer types.PhysicalDevicePk, data []byte) error {
	return t.net.deliver(ctx, t.local, peer, data)
}

// Broadcast sends data to every peer in to concurrently, the same
// errgroup-fan-out shape other_examples' hare consensus loop uses to
// publish a round's messages to every signer at once, returning the first
// error encountered (if any) after all sends complete.
func Broadcast(ctx context.Context, t Transport, to []types.PhysicalDevicePk, data []byte) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, peer := range to {
		peer := peer
		g.Go(func() error {
			return t.Send(ctx, peer, data)
		})
	}
	return g.Wait()
}

var _ Transport = (*MemTransport)(nil)
