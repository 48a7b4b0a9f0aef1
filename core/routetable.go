package core

import (
	"context"
	"log/slog"
	"math/bits"
	"net/netip"
	"sync"
	"time"

	"github.com/gaissmai/bart"
	"github.com/nylon-mesh/aodv-engine/state"
)

// EntryID is the opaque handle returned by the RouteTable creation
// contracts (spec §4.1). It is only meaningful to the RouteTable that
// issued it; passing a stale handle (an entry since deleted) is detected
// and reported, never dereferenced.
type EntryID handle

// entryRecord is what the arena actually stores: the data record plus the
// bookkeeping RouteTable needs to implement timers and the nexthop index.
type entryRecord struct {
	data     state.RouteEntry
	onExpiry func(EntryID)
	timer    *time.Timer
}

// routeList is one of the two lists (valid/invalid) backing a RouteTable,
// guarded by its own mutex (spec §5, "each list has its own binary
// mutex"). Searches snapshot matching records under the lock and return
// owned copies; mutation always goes back through the list's methods so a
// single critical section handles the index and the deadline timer
// together.
type routeList struct {
	mu      sync.Mutex
	arena   *arena[entryRecord]
	nhIndex *bart.Table[[]EntryID] // next_hop address -> entries using it
	// dstIndex/srcIndex back search_*_by_dst/search_*_by_src and the
	// "_with_*_range" variants (spec §4.1) with a bart longest-prefix-match
	// lookup instead of a full scan: each entry's AddrRange is decomposed
	// into the CIDR blocks that exactly cover it (rangePrefixes) and
	// indexed under both tries, so a query address resolves straight to
	// its candidate entries. A range query that doesn't happen to contain
	// its own base address as a point (a Subset/Overlaps match offset from
	// the query's base) isn't found this way; searchFirst/searchRange
	// fall back to a linear scan in that case, so correctness never
	// depends on the index hitting.
	dstIndex *bart.Table[[]EntryID]
	srcIndex *bart.Table[[]EntryID]
	state    state.EntryState
	log      *slog.Logger
}

func newRouteList(capacity int, st state.EntryState, log *slog.Logger) *routeList {
	return &routeList{
		arena:    newArena[entryRecord](capacity),
		nhIndex:  &bart.Table[[]EntryID]{},
		dstIndex: &bart.Table[[]EntryID]{},
		srcIndex: &bart.Table[[]EntryID]{},
		state:    st,
		log:      log,
	}
}

func addrPoint(a state.Address) netip.Addr {
	var b [4]byte
	b[2] = byte(a >> 8)
	b[3] = byte(a)
	return netip.AddrFrom4(b)
}

func addrPrefix(a state.Address) netip.Prefix {
	return netip.PrefixFrom(addrPoint(a), 32)
}

// rangePrefixes splits [r.Base, r.Base+elems) into the minimal set of
// CIDR-aligned blocks that exactly cover it, the same range-to-prefix
// decomposition a route aggregator uses, so an AddrRange of arbitrary
// (non-power-of-two-aligned) size can still be keyed into a bart.Table.
func rangePrefixes(r state.AddrRange) []netip.Prefix {
	count := uint32(r.Elems)
	if count == 0 {
		count = 1
	}
	base := uint32(r.Base)
	end := base + count

	var out []netip.Prefix
	for base < end {
		block := uint32(1) << 16
		if base != 0 {
			if lowBit := base & -base; lowBit < block {
				block = lowBit
			}
		}
		for block > end-base {
			block >>= 1
		}
		prefixLen := 32 - bits.TrailingZeros32(block)
		out = append(out, netip.PrefixFrom(addrPoint(state.Address(base)), prefixLen))
		base += block
	}
	return out
}

func (l *routeList) indexNextHop(id EntryID, nh state.Address) {
	p := addrPrefix(nh)
	cur, _ := l.nhIndex.Get(p)
	l.nhIndex.Insert(p, append(cur, id))
}

func (l *routeList) unindexNextHop(id EntryID, nh state.Address) {
	p := addrPrefix(nh)
	cur, ok := l.nhIndex.Get(p)
	if !ok {
		return
	}
	out := cur[:0]
	for _, x := range cur {
		if x != id {
			out = append(out, x)
		}
	}
	if len(out) == 0 {
		l.nhIndex.Delete(p)
	} else {
		l.nhIndex.Insert(p, out)
	}
}

// indexRange/unindexRange maintain a dstIndex/srcIndex entry across every
// block rangePrefixes splits r into. Callers hold l.mu.
func indexRange(idx *bart.Table[[]EntryID], id EntryID, r state.AddrRange) {
	for _, p := range rangePrefixes(r) {
		cur, _ := idx.Get(p)
		idx.Insert(p, append(cur, id))
	}
}

func unindexRange(idx *bart.Table[[]EntryID], id EntryID, r state.AddrRange) {
	for _, p := range rangePrefixes(r) {
		cur, ok := idx.Get(p)
		if !ok {
			continue
		}
		out := cur[:0]
		for _, x := range cur {
			if x != id {
				out = append(out, x)
			}
		}
		if len(out) == 0 {
			idx.Delete(p)
		} else {
			idx.Insert(p, out)
		}
	}
}

// bartCandidates does a longest-prefix-match lookup for addr against idx
// and returns an owned copy of the winning bucket, or nil if nothing
// covers addr.
func (l *routeList) bartCandidates(idx *bart.Table[[]EntryID], addr state.Address) []EntryID {
	l.mu.Lock()
	v, ok := idx.Lookup(addrPoint(addr))
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return append([]EntryID(nil), v...)
}

// create inserts a new record and arms its deadline timer for ttl.
// expireFn is invoked (outside any lock) when the deadline fires while
// the record is still present in this list. ttl is ordinarily
// state.LifetimeData, except for the destination-side RREQ-wait entry,
// which uses state.RreqWait instead (spec §4.1/§4.2: RREQ_WAIT bounds
// how long the destination waits before replying, a much shorter window
// than how long a route entry otherwise stays live).
func (l *routeList) create(ctx context.Context, e state.RouteEntry, ttl time.Duration, onExpiry func(EntryID), expireFn func(EntryID)) (EntryID, error) {
	e.State = l.state
	e.Deadline = time.Now().Add(ttl)
	h, err := l.arena.alloc(ctx, entryRecord{data: e, onExpiry: onExpiry})
	if err != nil {
		l.log.Warn("route arena exhausted", "state", l.state.String())
		return EntryID{}, err
	}
	id := EntryID(h)

	l.mu.Lock()
	l.indexNextHop(id, e.NextHop)
	indexRange(l.dstIndex, id, e.Dest)
	indexRange(l.srcIndex, id, e.Source)
	l.mu.Unlock()

	l.armTimer(id, ttl, expireFn)
	l.log.Debug("route entry created", "state", l.state.String(), "src", e.Source, "dst", e.Dest, "nh", e.NextHop, "hops", e.HopCount)
	return id, nil
}

func (l *routeList) armTimer(id EntryID, ttl time.Duration, expireFn func(EntryID)) {
	rec, ok := l.arena.get(handle(id))
	if !ok {
		return
	}
	if rec.timer != nil {
		rec.timer.Stop()
	}
	t := time.AfterFunc(ttl, func() {
		expireFn(id)
	})
	l.arena.mutate(handle(id), func(r *entryRecord) { r.timer = t })
}

// get returns a copy of the live entry, if id is still valid.
func (l *routeList) get(id EntryID) (state.RouteEntry, bool) {
	rec, ok := l.arena.get(handle(id))
	if !ok {
		return state.RouteEntry{}, false
	}
	return rec.data, true
}

// refresh restarts the deadline without changing state.
func (l *routeList) refresh(id EntryID, expireFn func(EntryID)) bool {
	_, ok := l.arena.get(handle(id))
	if !ok {
		return false
	}
	l.armTimer(id, state.LifetimeData, expireFn)
	l.arena.mutate(handle(id), func(r *entryRecord) { r.data.Deadline = time.Now().Add(state.LifetimeData) })
	return true
}

// update applies fn to the stored entry in place (used by the RREQ
// replace-in-place path and freshness refresh, spec §4.1/§4.5) and
// re-indexes the next hop/dest/source if any of them changed.
func (l *routeList) update(id EntryID, fn func(*state.RouteEntry)) bool {
	rec, ok := l.arena.get(handle(id))
	if !ok {
		return false
	}
	oldNh, oldDst, oldSrc := rec.data.NextHop, rec.data.Dest, rec.data.Source
	var newNh state.Address
	var newDst, newSrc state.AddrRange
	ok = l.arena.mutate(handle(id), func(r *entryRecord) {
		fn(&r.data)
		newNh, newDst, newSrc = r.data.NextHop, r.data.Dest, r.data.Source
	})
	if ok {
		l.mu.Lock()
		if newNh != oldNh {
			l.unindexNextHop(id, oldNh)
			l.indexNextHop(id, newNh)
		}
		if newDst != oldDst {
			unindexRange(l.dstIndex, id, oldDst)
			indexRange(l.dstIndex, id, newDst)
		}
		if newSrc != oldSrc {
			unindexRange(l.srcIndex, id, oldSrc)
			indexRange(l.srcIndex, id, newSrc)
		}
		l.mu.Unlock()
	}
	return ok
}

// remove deletes the record unconditionally (deadline fire or link_drop).
func (l *routeList) remove(id EntryID) (state.RouteEntry, bool) {
	rec, ok := l.arena.get(handle(id))
	if !ok {
		return state.RouteEntry{}, false
	}
	if rec.timer != nil {
		rec.timer.Stop()
	}
	l.mu.Lock()
	l.unindexNextHop(id, rec.data.NextHop)
	unindexRange(l.dstIndex, id, rec.data.Dest)
	unindexRange(l.srcIndex, id, rec.data.Source)
	l.mu.Unlock()
	l.arena.release(handle(id))
	return rec.data, true
}

// snapshot returns owned copies of every live entry, following the
// spec §9 "bounded snapshot" preference over callback re-entrancy.
func (l *routeList) snapshot() []struct {
	ID EntryID
	E  state.RouteEntry
} {
	raw := l.arena.snapshot()
	out := make([]struct {
		ID EntryID
		E  state.RouteEntry
	}, len(raw))
	for i, r := range raw {
		out[i] = struct {
			ID EntryID
			E  state.RouteEntry
		}{ID: EntryID(r.H), E: r.V.data}
	}
	return out
}

func (l *routeList) byNextHop(nh state.Address, net state.NetIdx) []struct {
	ID EntryID
	E  state.RouteEntry
} {
	l.mu.Lock()
	ids, _ := l.nhIndex.Get(addrPrefix(nh))
	idsCopy := append([]EntryID(nil), ids...)
	l.mu.Unlock()

	out := make([]struct {
		ID EntryID
		E  state.RouteEntry
	}, 0, len(idsCopy))
	for _, id := range idsCopy {
		if e, ok := l.get(id); ok && e.NetIdx == net {
			out = append(out, struct {
				ID EntryID
				E  state.RouteEntry
			}{ID: id, E: e})
		}
	}
	return out
}

func (l *routeList) len() int { return l.arena.len() }
