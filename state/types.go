package state

import (
	"sort"
	"time"
)

// Address is a 16-bit unicast element address on the mesh.
type Address uint16

// NetIdx identifies a subnet (a keyed broadcast domain) that a route,
// neighbour or control message belongs to.
type NetIdx uint16

// Seq is a monotonic freshness counter, carried 3 bytes wide on the wire
// for RREQ and 4 bytes wide for RREP (see aodv wire formats). Sequence
// number wrap is not handled; comparisons are plain integer comparisons.
type Seq uint32

// EntryState is the list membership of a RouteEntry.
type EntryState uint8

const (
	Invalid EntryState = iota
	Valid
)

func (s EntryState) String() string {
	if s == Valid {
		return "valid"
	}
	return "invalid"
}

// AddrRange is a contiguous range of element addresses [Base, Base+Elems).
type AddrRange struct {
	Base  Address
	Elems uint16
}

// Contains reports whether addr falls within the range.
func (r AddrRange) Contains(addr Address) bool {
	if r.Elems == 0 {
		return addr == r.Base
	}
	return addr >= r.Base && uint32(addr) < uint32(r.Base)+uint32(r.Elems)
}

// Overlaps reports whether the two ranges share at least one address.
func (r AddrRange) Overlaps(o AddrRange) bool {
	rEnd := uint32(r.Base) + uint32(max16(r.Elems, 1))
	oEnd := uint32(o.Base) + uint32(max16(o.Elems, 1))
	return uint32(r.Base) < oEnd && uint32(o.Base) < rEnd
}

// Subset reports whether o is entirely contained within r.
func (r AddrRange) Subset(o AddrRange) bool {
	rEnd := uint32(r.Base) + uint32(max16(r.Elems, 1))
	oEnd := uint32(o.Base) + uint32(max16(o.Elems, 1))
	return uint32(o.Base) >= uint32(r.Base) && oEnd <= rEnd
}

func max16(a, b uint16) uint16 {
	if a > b {
		return a
	}
	return b
}

// RouteEntry represents one directional reachability hypothesis from a
// source-element range to a destination-element range. See spec §3. It is
// a plain data record — RouteTable owns the arena slot, timer and handle
// that back a live entry (spec §9's "arena + indices vs raw pointers").
type RouteEntry struct {
	Source  AddrRange
	Dest    AddrRange
	DestSeq Seq

	NextHop    Address
	HopCount   uint8
	Rssi       int8 // running weighted-mean signal strength, signed
	NetIdx     NetIdx
	Repairable bool

	State    EntryState
	Deadline time.Time
}

// cost implements the path-cost function of spec §4.1:
//
//	cost(hop_count, rssi) = 10*hop_count + 10*rssi/RSSI_MIN
//
// lower is better.
func cost(hopCount uint8, rssi int8) float64 {
	return 10*float64(hopCount) + 10*float64(rssi)/float64(RssiMin)
}

// Cost reports this entry's path cost under the spec §4.1 formula.
func (e *RouteEntry) Cost() float64 {
	return cost(e.HopCount, e.Rssi)
}

// ReplyEvent is a notification from a receive handler to a waiting
// originator. HopCount == 0 means a RREP arrived; nonzero marks a RWAIT
// (an intermediate node asks the originator to extend its patience).
type ReplyEvent struct {
	Dest     Address
	HopCount uint8
}

// IsRwait reports whether this event represents a RWAIT rather than the
// terminal RREP.
func (e ReplyEvent) IsRwait() bool { return e.HopCount != 0 }

// RerrDestination is one destination carried in an aggregated or wire RERR.
type RerrDestination struct {
	Dest Address
	Seq  Seq
}

// RerrRecord aggregates the destinations that became unreachable through a
// single next hop, to be emitted as one coalesced RERR (spec §4.4).
type RerrRecord struct {
	NextHop Address
	NetIdx  NetIdx
	// dests is keyed by destination address to deduplicate insertions.
	dests map[Address]Seq
}

// NewRerrRecord starts a fresh aggregation for the given next hop.
func NewRerrRecord(nextHop Address, netIdx NetIdx) *RerrRecord {
	return &RerrRecord{NextHop: nextHop, NetIdx: netIdx, dests: make(map[Address]Seq)}
}

// Record inserts (or refreshes) a destination in the aggregation,
// deduplicating by destination address.
func (r *RerrRecord) Record(dest Address, seq Seq) {
	if r.dests == nil {
		r.dests = make(map[Address]Seq)
	}
	if existing, ok := r.dests[dest]; !ok || seq > existing {
		r.dests[dest] = seq
	}
}

// Len reports the number of deduplicated destinations.
func (r *RerrRecord) Len() int { return len(r.dests) }

// Destinations returns the deduplicated destination set as a stable-order
// slice, suitable for wire encoding.
func (r *RerrRecord) Destinations() []RerrDestination {
	out := make([]RerrDestination, 0, len(r.dests))
	for addr, seq := range r.dests {
		out = append(out, RerrDestination{Dest: addr, Seq: seq})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dest < out[j].Dest })
	return out
}

// NeighbourRecord tracks liveness of a one-hop peer reached directly over
// the radio, refreshed by incoming Hellos and expired by HELLO_LIFETIME.
type NeighbourRecord struct {
	Addr   Address
	NetIdx NetIdx
}

// RxMeta carries the network-layer metadata the lower transport/framing
// layer (out of scope, see spec §1) attaches to every received control
// message.
type RxMeta struct {
	SourceAddr Address
	DestAddr   Address
	NetIdx     NetIdx
	Rssi       int8
	RecvTTL    uint8
}
