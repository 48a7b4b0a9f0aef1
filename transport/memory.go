// Package transport provides reference Collaborator implementations used
// by tests and local simulation: an in-process medium and a UDP
// multicast medium. Neither implements TransMIC encryption or anything
// beyond simple TTL decrement-and-drop — both are explicitly out of
// scope per the routing engine's own specification.
package transport

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nylon-mesh/aodv-engine/state"
)

// ctlReceiver is the subset of core.Engine that MemoryMedium delivers
// into; declared locally to avoid an import cycle with core.
type ctlReceiver interface {
	OnCtlReceive(ctx context.Context, op state.ControlOp, rx state.RxMeta, payload []byte) error
}

// MemoryMedium is a shared in-process broadcast medium: every SendCtl
// call is fanned out synchronously, on the sender's goroutine, to
// whichever registered nodes are within radio range, simulating the shared
// BLE broadcast domain for unit and scenario tests.
type MemoryMedium struct {
	mu    sync.RWMutex
	nodes map[state.Address]*MemoryNode
	links map[state.Address]map[state.Address]int8 // sender -> receiver -> rssi
	log   *slog.Logger
}

// NewMemoryMedium returns an empty medium.
func NewMemoryMedium(log *slog.Logger) *MemoryMedium {
	return &MemoryMedium{
		nodes: make(map[state.Address]*MemoryNode),
		links: make(map[state.Address]map[state.Address]int8),
		log:   log,
	}
}

// Link declares a bidirectional radio link between a and b with the
// given RSSI, as heard by each side. Nodes with no declared link cannot
// hear each other directly — only through relays.
func (m *MemoryMedium) Link(a, b state.Address, rssi int8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addLink(a, b, rssi)
	m.addLink(b, a, rssi)
}

func (m *MemoryMedium) addLink(from, to state.Address, rssi int8) {
	if m.links[from] == nil {
		m.links[from] = make(map[state.Address]int8)
	}
	m.links[from][to] = rssi
}

// NewNode registers a node on the medium and returns its Collaborator
// handle. recv is set once the caller's Engine exists (see SetReceiver),
// since Engine construction itself needs a Collaborator.
func (m *MemoryMedium) NewNode(primary state.Address, elemCount uint16, netIdx state.NetIdx) *MemoryNode {
	n := &MemoryNode{
		medium:    m,
		primary:   primary,
		elemCount: elemCount,
		netIdx:    netIdx,
		subnets:   map[state.NetIdx]state.Subnet{netIdx: {NetIdx: netIdx}},
	}
	m.mu.Lock()
	m.nodes[primary] = n
	m.mu.Unlock()
	return n
}

// MemoryNode is this node's Collaborator handle into the shared medium.
type MemoryNode struct {
	medium    *MemoryMedium
	primary   state.Address
	elemCount uint16
	netIdx    state.NetIdx
	subnets   map[state.NetIdx]state.Subnet
	seq       atomic.Uint32
	recv      ctlReceiver
}

// SetReceiver binds the Engine that OnCtlReceive calls land on. Must be
// called before any traffic flows.
func (n *MemoryNode) SetReceiver(recv ctlReceiver) { n.recv = recv }

// SendCtl implements state.Collaborator. A directed send (tx != the
// broadcast sentinel) goes only to the node owning tx; a flooded send
// goes to every node within radio range of n, each with RecvTTL
// decremented from the TTL attached to ctx via state.WithSendTTL.
func (n *MemoryNode) SendCtl(ctx context.Context, tx state.Address, op state.ControlOp, payload []byte) error {
	ttl := state.SendTTLFromContext(ctx)
	if ttl == 0 {
		return nil
	}

	if tx != state.BroadcastAddress {
		target := n.medium.lookup(tx)
		if target == nil || target.recv == nil {
			return nil
		}
		rssi := n.medium.rssiBetween(n.primary, tx)
		return target.deliver(ctx, op, n.primary, rssi, ttl-1, payload)
	}

	for peer, rssi := range n.medium.neighboursOf(n.primary) {
		target := n.medium.lookup(peer)
		if target == nil || target.recv == nil {
			continue
		}
		if err := target.deliver(ctx, op, n.primary, rssi, ttl-1, payload); err != nil {
			n.medium.log.Warn("memory medium delivery failed", "from", n.primary, "to", peer, "err", err)
		}
	}
	return nil
}

func (n *MemoryNode) deliver(ctx context.Context, op state.ControlOp, from state.Address, rssi int8, recvTTL uint8, payload []byte) error {
	rx := state.RxMeta{
		SourceAddr: from,
		DestAddr:   n.primary,
		NetIdx:     n.netIdx,
		Rssi:       rssi,
		RecvTTL:    recvTTL,
	}
	return n.recv.OnCtlReceive(ctx, op, rx, append([]byte(nil), payload...))
}

// SubnetGet implements state.Collaborator.
func (n *MemoryNode) SubnetGet(netIdx state.NetIdx) (state.Subnet, bool) {
	s, ok := n.subnets[netIdx]
	return s, ok
}

// PrimaryAddr implements state.Collaborator.
func (n *MemoryNode) PrimaryAddr() state.Address { return n.primary }

// ElemCount implements state.Collaborator.
func (n *MemoryNode) ElemCount() uint16 { return n.elemCount }

// ElemFind implements state.Collaborator.
func (n *MemoryNode) ElemFind(addr state.Address) bool {
	return addr >= n.primary && uint32(addr) < uint32(n.primary)+uint32(n.elemCount)
}

// SessionSeq implements state.Collaborator: a locally monotonic counter,
// advanced on every call (callers stamp it into an outgoing RREQ).
func (n *MemoryNode) SessionSeq() uint32 { return n.seq.Add(1) }

func (m *MemoryMedium) lookup(addr state.Address) *MemoryNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n, ok := m.nodes[addr]; ok {
		return n
	}
	for a, n := range m.nodes {
		if addr >= a && uint32(addr) < uint32(a)+uint32(n.elemCount) {
			return n
		}
	}
	return nil
}

func (m *MemoryMedium) rssiBetween(a, b state.Address) int8 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if peers, ok := m.links[a]; ok {
		if rssi, ok := peers[b]; ok {
			return rssi
		}
	}
	return state.RssiMin
}

func (m *MemoryMedium) neighboursOf(addr state.Address) map[state.Address]int8 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[state.Address]int8, len(m.links[addr]))
	for peer, rssi := range m.links[addr] {
		out[peer] = rssi
	}
	return out
}
