package core

import (
	"context"
	"log/slog"

	"github.com/jellydator/ttlcache/v3"
	"github.com/nylon-mesh/aodv-engine/state"
)

// HelloTracker is the one-hop neighbour liveness list of spec §4.3: every
// Hello received from an address refreshes its HELLO_LIFETIME; silence for
// that long evicts the neighbour and triggers link-failure handling for
// every route using it as a next hop.
type HelloTracker struct {
	cache  *ttlcache.Cache[helloKey, state.NeighbourRecord]
	log    *slog.Logger
	routes *RouteTable
	errs   *ErrorCollector
	emit   func(*state.RerrRecord)
}

type helloKey struct {
	addr   state.Address
	netIdx state.NetIdx
}

// NewHelloTracker wires a tracker whose eviction handler walks routes for
// the dying neighbour's address, folds every match into errs, flushes a
// coalesced RERR per affected next hop via emit, and then invalidates
// those entries and their reverse entries (spec §4.3/§4.4).
func NewHelloTracker(log *slog.Logger, routes *RouteTable, emit func(*state.RerrRecord)) *HelloTracker {
	cache := ttlcache.New[helloKey, state.NeighbourRecord](
		ttlcache.WithTTL[helloKey, state.NeighbourRecord](state.HelloLifetime),
	)
	t := &HelloTracker{
		cache:  cache,
		log:    log,
		routes: routes,
		errs:   NewErrorCollector(routes),
		emit:   emit,
	}
	cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[helloKey, state.NeighbourRecord]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		t.onNeighbourLost(item.Value())
	})
	go cache.Start()
	return t
}

// Stop halts the tracker's background expiry loop.
func (t *HelloTracker) Stop() { t.cache.Stop() }

// AddNeighbour starts or refreshes the liveness timer for addr. Idempotent,
// called when a route's next hop is installed (spec §4.2).
func (t *HelloTracker) AddNeighbour(addr state.Address, netIdx state.NetIdx) {
	k := helloKey{addr: addr, netIdx: netIdx}
	t.cache.Set(k, state.NeighbourRecord{Addr: addr, NetIdx: netIdx}, ttlcache.DefaultTTL)
}

// OnHello refreshes a tracked neighbour's timer; untracked addresses are
// ignored (spec §4.2 — only a known neighbour's Hello matters).
func (t *HelloTracker) OnHello(addr state.Address, netIdx state.NetIdx) {
	k := helloKey{addr: addr, netIdx: netIdx}
	if item := t.cache.Get(k); item != nil {
		t.cache.Set(k, item.Value(), ttlcache.DefaultTTL)
	}
}

// RemoveNeighbourIfUnused drops addr from the tracker if RouteTable no
// longer has any valid route using it as a next hop (spec §4.2).
func (t *HelloTracker) RemoveNeighbourIfUnused(addr state.Address, netIdx state.NetIdx) {
	if t.routes.SearchValidByNextHop(addr, netIdx) {
		return
	}
	t.cache.Delete(helloKey{addr: addr, netIdx: netIdx})
}

// IsLive reports whether addr has been heard from within HELLO_LIFETIME.
func (t *HelloTracker) IsLive(addr state.Address, netIdx state.NetIdx) bool {
	item := t.cache.Get(helloKey{addr: addr, netIdx: netIdx},
		ttlcache.WithDisableTouchOnHit[helloKey, state.NeighbourRecord]())
	return item != nil
}

// Len reports the number of tracked neighbours.
func (t *HelloTracker) Len() int { return t.cache.Len() }

func (t *HelloTracker) onNeighbourLost(n state.NeighbourRecord) {
	t.log.Info("neighbour expired, invalidating routes", "addr", n.Addr, "net", n.NetIdx)

	type broken struct {
		id EntryID
		e  state.RouteEntry
	}
	var routes []broken
	t.routes.EnumerateValidByNextHop(n.Addr, n.NetIdx, func(id EntryID, e state.RouteEntry) {
		t.errs.Record(e)
		routes = append(routes, broken{id: id, e: e})
	})
	t.errs.Flush(t.emit)

	ctx := context.Background()
	for _, b := range routes {
		if _, err := t.routes.Invalidate(ctx, b.id); err != nil {
			continue
		}
		t.RemoveNeighbourIfUnused(b.e.NextHop, b.e.NetIdx)

		if rid, rev, ok := t.routes.SearchValid(b.e.Dest.Base, b.e.Source.Base, b.e.NetIdx); ok {
			if _, err := t.routes.Invalidate(ctx, rid); err == nil {
				t.RemoveNeighbourIfUnused(rev.NextHop, rev.NetIdx)
			}
		}
	}
}
