package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nylon-mesh/aodv-engine/state"
)

// DiscoveryCoordinator runs the ring-search loop of spec §4.2: emit a
// RREQ, wait on matching ReplyEvents, expand TTL on timeout, give up
// after RING_MAX_TTL steps (RWAIT extensions aside).
type DiscoveryCoordinator struct {
	coll   state.Collaborator
	log    *slog.Logger
	routes *RouteTable              // consulted to seed dest_seq, see Discover
	slab   *arena[state.ReplyEvent] // bounds outstanding event deliveries

	mu      sync.Mutex
	waiters map[waitKey]chan state.ReplyEvent
}

type waitKey struct {
	dest state.Address
	net  state.NetIdx
}

// NewDiscoveryCoordinator wires a coordinator with a RWAIT_LIST_SIZE
// event slab (the "Event allocation uses a slab" line of spec §4.2).
// routes may be nil (tests exercising the ring-search loop in
// isolation); production wiring always supplies the engine's RouteTable
// so step 2 of Discover can seed dest_seq from a stale Invalid entry.
func NewDiscoveryCoordinator(coll state.Collaborator, log *slog.Logger, routes *RouteTable) *DiscoveryCoordinator {
	return &DiscoveryCoordinator{
		coll:    coll,
		log:     log,
		routes:  routes,
		slab:    newArena[state.ReplyEvent](state.RwaitListSize),
		waiters: make(map[waitKey]chan state.ReplyEvent),
	}
}

// Push delivers a RREP/RWAIT ReplyEvent to whichever Discover call is
// waiting for (dest, net). Slab exhaustion surfaces ResourceExhausted to
// the caller (the receive handler), which drops the event — the
// originator recovers on its next TTL step (spec §4.2).
func (c *DiscoveryCoordinator) Push(ctx context.Context, net state.NetIdx, ev state.ReplyEvent) error {
	h, err := c.slab.alloc(ctx, ev)
	if err != nil {
		return err
	}
	defer c.slab.release(h)

	c.mu.Lock()
	ch, ok := c.waiters[waitKey{dest: ev.Dest, net: net}]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case ch <- ev:
	default:
		c.log.Warn("reply event dropped, waiter queue full", "dest", ev.Dest)
	}
	return nil
}

// Discover implements discover(src, dst, net): blocks until a RREP
// arrives or the ring search exhausts RING_MAX_TTL, returning true on
// Success.
func (c *DiscoveryCoordinator) Discover(ctx context.Context, src, dst state.Address, net state.NetIdx) (bool, error) {
	key := waitKey{dest: dst, net: net}
	ch := make(chan state.ReplyEvent, state.RwaitListSize)

	c.mu.Lock()
	c.waiters[key] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, key)
		c.mu.Unlock()
	}()

	ttl := state.InitialTTL

	// Step 2 of spec §4.3: if a stale Invalid entry for dst exists, seed
	// dest_seq from it and clear U, instead of flooding with an unknown
	// destination sequence number.
	destSeq := state.Seq(0)
	unknownDestSeq := true
	if c.routes != nil {
		if _, inv, ok := c.routes.SearchInvalidByDst(dst, net); ok {
			destSeq = inv.DestSeq
			unknownDestSeq = false
		}
	}

	emit := func() error {
		pdu := RreqPDU{
			Source:      src,
			Dest:        dst,
			SourceElems: c.coll.ElemCount(),
			HopCount:    0,
			Rssi:        0,
			U:           unknownDestSeq,
			SourceSeq:   state.Seq(c.coll.SessionSeq()),
			DestSeq:     destSeq,
		}
		sendCtx := state.WithSendTTL(ctx, ttl)
		return c.coll.SendCtl(sendCtx, state.BroadcastAddress, state.OpRREQ, pdu.Encode())
	}

	if err := emit(); err != nil {
		return false, err
	}

	timer := time.NewTimer(state.RingInterval)
	defer timer.Stop()

	for {
		select {
		case ev := <-ch:
			if ev.IsRwait() {
				timer.Stop()
				timer.Reset(state.RwaitExtension)
				continue
			}
			timer.Stop()
			return true, nil

		case <-timer.C:
			ttl++
			if ttl > state.RingMaxTTL {
				return false, nil
			}
			if err := emit(); err != nil {
				return false, err
			}
			timer.Reset(state.RingInterval)

		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}
