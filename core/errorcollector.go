package core

import (
	"sync"

	"github.com/nylon-mesh/aodv-engine/state"
)

// ErrorCollector aggregates broken route entries into per-(next_hop,
// net_idx) RERR records while a link failure or a HELLO_LIFETIME
// expiry is being processed, so that one coalesced RERR is emitted per
// affected neighbour instead of one per destination (spec §4.4).
type ErrorCollector struct {
	mu      sync.Mutex
	records map[rerrKey]*state.RerrRecord
	routes  *RouteTable
}

type rerrKey struct {
	nextHop state.Address
	netIdx  state.NetIdx
}

// NewErrorCollector returns an empty collector. routes is consulted by
// Record to resolve the reverse entry's next hop (spec §4.4); it may be
// nil, in which case Record falls back to the broken entry's own next
// hop, which is only correct for tests exercising aggregation/dedup in
// isolation.
func NewErrorCollector(routes *RouteTable) *ErrorCollector {
	return &ErrorCollector{records: make(map[rerrKey]*state.RerrRecord), routes: routes}
}

// Record folds a single broken entry into the aggregation, deduplicating
// by destination address and keeping the higher sequence number on a
// duplicate (spec §4.4). The aggregation key is not the broken entry's
// own next hop: spec §4.4 requires looking up the *reverse* entry
// matching (entry.destination, entry.source, net) to find the next hop
// toward the originator of the broken forward route. If no reverse
// entry is known, there is nowhere to relay the RERR and the entry is
// dropped silently (mirrors S4's "if any exist in A's reverse table").
func (c *ErrorCollector) Record(entry state.RouteEntry) {
	nextHop, ok := c.reverseNextHop(entry)
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	k := rerrKey{nextHop: nextHop, netIdx: entry.NetIdx}
	rec, ok := c.records[k]
	if !ok {
		rec = state.NewRerrRecord(nextHop, entry.NetIdx)
		c.records[k] = rec
	}
	rec.Record(entry.Dest.Base, entry.DestSeq)
}

func (c *ErrorCollector) reverseNextHop(entry state.RouteEntry) (state.Address, bool) {
	if c.routes == nil {
		return entry.NextHop, true
	}
	if _, rev, ok := c.routes.SearchValid(entry.Dest.Base, entry.Source.Base, entry.NetIdx); ok {
		return rev.NextHop, true
	}
	if _, rev, ok := c.routes.SearchInvalid(entry.Dest.Base, entry.Source.Base, entry.NetIdx); ok {
		return rev.NextHop, true
	}
	return 0, false
}

// Flush drains every aggregated record, handing each one to emit exactly
// once, then resets the collector so it can be reused for the next
// failure event. emit is expected to send the coalesced RERR and is
// called outside of the collector's lock.
func (c *ErrorCollector) Flush(emit func(*state.RerrRecord)) {
	c.mu.Lock()
	records := c.records
	c.records = make(map[rerrKey]*state.RerrRecord)
	c.mu.Unlock()

	for _, rec := range records {
		if rec.Len() == 0 {
			continue
		}
		emit(rec)
	}
}

// Len reports the number of distinct (next_hop, net_idx) aggregations
// currently pending.
func (c *ErrorCollector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}
