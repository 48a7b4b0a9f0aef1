package core

import (
	"context"
	"log/slog"

	"github.com/gaissmai/bart"
	"github.com/nylon-mesh/aodv-engine/state"
)

// RouteTable is the valid/invalid entry store of spec §4.1: lifetime
// bounded forward and reverse routing hypotheses, searched by address
// range containment, transitioned between Valid/Invalid by the control
// message handlers.
type RouteTable struct {
	valid   *routeList
	invalid *routeList
	log     *slog.Logger
}

// NewRouteTable allocates a table with state.NumberOfEntries capacity per
// list, per spec §6.
func NewRouteTable(log *slog.Logger) *RouteTable {
	return &RouteTable{
		valid:   newRouteList(state.NumberOfEntries, state.Valid, log),
		invalid: newRouteList(state.NumberOfEntries, state.Invalid, log),
		log:     log,
	}
}

func (t *RouteTable) list(st state.EntryState) *routeList {
	if st == state.Valid {
		return t.valid
	}
	return t.invalid
}

func (t *RouteTable) expire(st state.EntryState, id EntryID) {
	l := t.list(st)
	rec, ok := l.remove(id)
	if !ok {
		return
	}
	t.log.Debug("route entry expired", "state", st.String(), "src", rec.Source, "dst", rec.Dest)
}

// CreateValid implements create_valid.
func (t *RouteTable) CreateValid(ctx context.Context, e state.RouteEntry) (EntryID, error) {
	return t.valid.create(ctx, e, state.LifetimeData, nil, func(id EntryID) { t.expire(state.Valid, id) })
}

// CreateInvalid implements create_invalid.
func (t *RouteTable) CreateInvalid(ctx context.Context, e state.RouteEntry) (EntryID, error) {
	return t.invalid.create(ctx, e, state.LifetimeData, nil, func(id EntryID) { t.expire(state.Invalid, id) })
}

// CreateInvalidWithCallback implements create_invalid_with_callback: used
// only for the destination-side RREQ-wait reverse entry, bounded by
// state.RreqWait rather than the ordinary state.LifetimeData. onExpiry
// fires once, with the entry still present (not yet removed), so the
// callback can validate/promote it instead of simply deleting it — the
// RREQ-wait deadline doubles as the "time to send the RREP" signal.
func (t *RouteTable) CreateInvalidWithCallback(ctx context.Context, e state.RouteEntry, onExpiry func(EntryID)) (EntryID, error) {
	return t.invalid.create(ctx, e, state.RreqWait, onExpiry, func(id EntryID) {
		rec, ok := t.invalid.arena.get(handle(id))
		if !ok {
			return
		}
		if rec.onExpiry != nil {
			rec.onExpiry(id)
			return
		}
		t.expire(state.Invalid, id)
	})
}

func matches(e state.RouteEntry, src, dst *state.Address, net state.NetIdx) bool {
	if e.NetIdx != net {
		return false
	}
	if src != nil && !e.Source.Contains(*src) {
		return false
	}
	if dst != nil && !e.Dest.Contains(*dst) {
		return false
	}
	return true
}

// searchRange tries the bart-indexed candidate bucket for anchor first
// (O(log n), the common case: the matching entry's range actually
// contains anchor) and only falls back to a full scan if that bucket is
// empty or none of its members satisfy pred — e.g. a Subset/Overlaps
// match whose own range doesn't contain anchor as a point.
func searchRange(l *routeList, idx *bart.Table[[]EntryID], anchor state.Address, pred func(state.RouteEntry) bool) (EntryID, state.RouteEntry, bool) {
	for _, id := range l.bartCandidates(idx, anchor) {
		if e, ok := l.get(id); ok && pred(e) {
			return id, e, true
		}
	}
	for _, r := range l.snapshot() {
		if pred(r.E) {
			return r.ID, r.E, true
		}
	}
	return EntryID{}, state.RouteEntry{}, false
}

func searchFirst(l *routeList, src, dst *state.Address, net state.NetIdx) (EntryID, state.RouteEntry, bool) {
	pred := func(e state.RouteEntry) bool { return matches(e, src, dst, net) }
	switch {
	case dst != nil:
		return searchRange(l, l.dstIndex, *dst, pred)
	case src != nil:
		return searchRange(l, l.srcIndex, *src, pred)
	default:
		for _, r := range l.snapshot() {
			if pred(r.E) {
				return r.ID, r.E, true
			}
		}
		return EntryID{}, state.RouteEntry{}, false
	}
}

// SearchValid implements search_valid(src, dst, net).
func (t *RouteTable) SearchValid(src, dst state.Address, net state.NetIdx) (EntryID, state.RouteEntry, bool) {
	return searchFirst(t.valid, &src, &dst, net)
}

// SearchValidByDst implements search_valid_by_dst (the "_without_source"
// variant used by intermediate-node lookups).
func (t *RouteTable) SearchValidByDst(dst state.Address, net state.NetIdx) (EntryID, state.RouteEntry, bool) {
	return searchFirst(t.valid, nil, &dst, net)
}

// SearchValidBySrc implements search_valid_by_src.
func (t *RouteTable) SearchValidBySrc(src state.Address, net state.NetIdx) (EntryID, state.RouteEntry, bool) {
	return searchFirst(t.valid, &src, nil, net)
}

// SearchInvalid implements search_invalid_destination.
func (t *RouteTable) SearchInvalid(src, dst state.Address, net state.NetIdx) (EntryID, state.RouteEntry, bool) {
	return searchFirst(t.invalid, &src, &dst, net)
}

// SearchInvalidByDst implements search_invalid_destination_without_source.
func (t *RouteTable) SearchInvalidByDst(dst state.Address, net state.NetIdx) (EntryID, state.RouteEntry, bool) {
	return searchFirst(t.invalid, nil, &dst, net)
}

// SearchInvalidBySrc implements search_invalid_source_without_destination.
func (t *RouteTable) SearchInvalidBySrc(src state.Address, net state.NetIdx) (EntryID, state.RouteEntry, bool) {
	return searchFirst(t.invalid, &src, nil, net)
}

// rangeMatch is the predicate behind the "_with_range" search variants:
// used once a RREP reveals the true element count of an endpoint whose
// count wasn't known when the reverse entry was created (spec §4.1,
// "subset of or overlaps").
func rangeMatch(entryRange, queryRange state.AddrRange) bool {
	return entryRange.Subset(queryRange) || entryRange.Overlaps(queryRange)
}

// SearchValidWithDstRange implements search_valid_destination_with_range.
func (t *RouteTable) SearchValidWithDstRange(src state.Address, dst state.Address, dstElems uint16, net state.NetIdx) (EntryID, state.RouteEntry, bool) {
	q := state.AddrRange{Base: dst, Elems: dstElems}
	pred := func(e state.RouteEntry) bool {
		return e.NetIdx == net && e.Source.Contains(src) && rangeMatch(e.Dest, q)
	}
	return searchRange(t.valid, t.valid.dstIndex, dst, pred)
}

// SearchInvalidWithDstRange implements
// search_invalid_destination_with_range.
func (t *RouteTable) SearchInvalidWithDstRange(src state.Address, dst state.Address, dstElems uint16, net state.NetIdx) (EntryID, state.RouteEntry, bool) {
	q := state.AddrRange{Base: dst, Elems: dstElems}
	pred := func(e state.RouteEntry) bool {
		return e.NetIdx == net && e.Source.Contains(src) && rangeMatch(e.Dest, q)
	}
	return searchRange(t.invalid, t.invalid.dstIndex, dst, pred)
}

// SearchValidWithSrcRange implements search_valid_source_with_range.
func (t *RouteTable) SearchValidWithSrcRange(src state.Address, srcElems uint16, dst state.Address, net state.NetIdx) (EntryID, state.RouteEntry, bool) {
	q := state.AddrRange{Base: src, Elems: srcElems}
	pred := func(e state.RouteEntry) bool {
		return e.NetIdx == net && e.Dest.Contains(dst) && rangeMatch(e.Source, q)
	}
	return searchRange(t.valid, t.valid.srcIndex, src, pred)
}

// SearchInvalidWithSrcRange implements search_invalid_source_with_range.
func (t *RouteTable) SearchInvalidWithSrcRange(src state.Address, srcElems uint16, dst state.Address, net state.NetIdx) (EntryID, state.RouteEntry, bool) {
	q := state.AddrRange{Base: src, Elems: srcElems}
	pred := func(e state.RouteEntry) bool {
		return e.NetIdx == net && e.Dest.Contains(dst) && rangeMatch(e.Source, q)
	}
	return searchRange(t.invalid, t.invalid.srcIndex, src, pred)
}

// SearchValidByNextHop implements search_valid_by_nexthop.
func (t *RouteTable) SearchValidByNextHop(hop state.Address, net state.NetIdx) bool {
	return len(t.valid.byNextHop(hop, net)) > 0
}

// EnumerateValidByNextHop implements enumerate_valid_by_nexthop: each
// match is handed to cb as an owned copy (the spec's safe-enumeration
// discipline), outside of any list lock.
func (t *RouteTable) EnumerateValidByNextHop(hop state.Address, net state.NetIdx, cb func(EntryID, state.RouteEntry)) {
	for _, r := range t.valid.byNextHop(hop, net) {
		cb(r.ID, r.E)
	}
}

// EnumerateValidBy implements enumerate_valid_by: matches by destination
// and next hop together.
func (t *RouteTable) EnumerateValidBy(dst, nextHop state.Address, net state.NetIdx, cb func(EntryID, state.RouteEntry)) {
	for _, r := range t.valid.byNextHop(nextHop, net) {
		if r.E.Dest.Contains(dst) {
			cb(r.ID, r.E)
		}
	}
}

// Validate moves an Invalid entry to the Valid list with a fresh
// LIFETIME_DATA deadline, returning its new handle. Field values are
// otherwise unchanged — the idempotence property of spec §8
// (validate(invalidate(e)) == e with a fresh deadline).
func (t *RouteTable) Validate(ctx context.Context, id EntryID) (EntryID, error) {
	e, ok := t.invalid.remove(id)
	if !ok {
		return EntryID{}, state.ErrUnknownEntry
	}
	nid, err := t.valid.create(ctx, e, state.LifetimeData, nil, func(nid EntryID) { t.expire(state.Valid, nid) })
	if err != nil {
		return EntryID{}, err
	}
	t.log.Debug("route entry validated", "src", e.Source, "dst", e.Dest, "nh", e.NextHop)
	return nid, nil
}

// Invalidate moves a Valid entry to the Invalid list with a fresh
// deadline.
func (t *RouteTable) Invalidate(ctx context.Context, id EntryID) (EntryID, error) {
	e, ok := t.valid.remove(id)
	if !ok {
		return EntryID{}, state.ErrUnknownEntry
	}
	nid, err := t.invalid.create(ctx, e, state.LifetimeData, nil, func(nid EntryID) { t.expire(state.Invalid, nid) })
	if err != nil {
		return EntryID{}, err
	}
	t.log.Debug("route entry invalidated", "src", e.Source, "dst", e.Dest, "nh", e.NextHop)
	return nid, nil
}

// Refresh restarts an entry's lifetime in place, without a state change.
func (t *RouteTable) Refresh(st state.EntryState, id EntryID) bool {
	l := t.list(st)
	return l.refresh(id, func(eid EntryID) { t.expire(st, eid) })
}

// Update mutates an entry's fields in place (used by the RREQ
// replace-in-place path and freshness refresh) without touching its
// deadline or state.
func (t *RouteTable) Update(st state.EntryState, id EntryID, fn func(*state.RouteEntry)) bool {
	return t.list(st).update(id, fn)
}

// Get returns a copy of the entry if id is still live in list st.
func (t *RouteTable) Get(st state.EntryState, id EntryID) (state.RouteEntry, bool) {
	return t.list(st).get(id)
}

// LinkDrop implements link_drop: unconditional removal, used when the
// lower layer reports the link itself is gone.
func (t *RouteTable) LinkDrop(st state.EntryState, id EntryID) (state.RouteEntry, bool) {
	return t.list(st).remove(id)
}

// ValidLen/InvalidLen support introspection (cmd inspect, tests).
func (t *RouteTable) ValidLen() int   { return t.valid.len() }
func (t *RouteTable) InvalidLen() int { return t.invalid.len() }

// SnapshotValid/SnapshotInvalid return owned copies of every live entry.
func (t *RouteTable) SnapshotValid() []state.RouteEntry   { return snapshotEntries(t.valid) }
func (t *RouteTable) SnapshotInvalid() []state.RouteEntry { return snapshotEntries(t.invalid) }

func snapshotEntries(l *routeList) []state.RouteEntry {
	raw := l.snapshot()
	out := make([]state.RouteEntry, len(raw))
	for i, r := range raw {
		out[i] = r.E
	}
	return out
}
