package core

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nylon-mesh/aodv-engine/state"
)

// ControlMessages is the role-dispatch state machine of spec §4.5: it
// decodes RREQ/RREP/RWAIT/RERR, mutates RouteTable, feeds
// DiscoveryCoordinator and notifies HelloTracker.
type ControlMessages struct {
	coll   state.Collaborator
	log    *slog.Logger
	routes *RouteTable
	hello  *HelloTracker
	disco  *DiscoveryCoordinator
	errs   *ErrorCollector
}

// NewControlMessages wires the state machine to its collaborating
// components.
func NewControlMessages(coll state.Collaborator, log *slog.Logger, routes *RouteTable, hello *HelloTracker, disco *DiscoveryCoordinator) *ControlMessages {
	return &ControlMessages{
		coll:   coll,
		log:    log,
		routes: routes,
		hello:  hello,
		disco:  disco,
		errs:   NewErrorCollector(routes),
	}
}

// runningRssi implements the running weighted-mean of spec §4.5:
// rssi_new = (rssi_prev*hop_count + rx.rssi) / (hop_count+1).
func runningRssi(rssiPrev int8, hopCount uint8, rxRssi int8) int8 {
	sum := float64(rssiPrev)*float64(hopCount) + float64(rxRssi)
	return int8(sum / float64(hopCount+1))
}

func (c *ControlMessages) sendRreq(ctx context.Context, tx state.Address, p RreqPDU) error {
	if err := c.coll.SendCtl(ctx, tx, state.OpRREQ, p.Encode()); err != nil {
		return fmt.Errorf("send rreq: %w", err)
	}
	return nil
}

func (c *ControlMessages) sendRrep(ctx context.Context, tx state.Address, p RrepPDU) error {
	if err := c.coll.SendCtl(ctx, tx, state.OpRREP, p.Encode()); err != nil {
		return fmt.Errorf("send rrep: %w", err)
	}
	return nil
}

func (c *ControlMessages) sendRwait(ctx context.Context, tx state.Address, p RwaitPDU) error {
	if err := c.coll.SendCtl(ctx, tx, state.OpRWAIT, p.Encode()); err != nil {
		return fmt.Errorf("send rwait: %w", err)
	}
	return nil
}

func (c *ControlMessages) sendRerr(ctx context.Context, tx state.Address, p RerrPDU) error {
	if err := c.coll.SendCtl(ctx, tx, state.OpRERR, p.Encode()); err != nil {
		return fmt.Errorf("send rerr: %w", err)
	}
	return nil
}

// OnRreq implements RREQ reception — role dispatch, strict order
// (spec §4.5).
func (c *ControlMessages) OnRreq(ctx context.Context, rx state.RxMeta, data RreqPDU) error {
	if c.coll.ElemFind(data.Source) {
		return state.ErrLocalLoopback
	}

	rssiNew := runningRssi(data.Rssi, data.HopCount, rx.Rssi)
	hopNew := data.HopCount + 1

	if c.coll.ElemFind(data.Dest) {
		return c.onRreqAtDestination(ctx, rx, data, rssiNew, hopNew)
	}

	if id, stored, ok := c.routes.SearchValidByDst(data.Dest, rx.NetIdx); ok && !data.D && !data.I {
		return c.onRreqIntermediateWithRoute(ctx, rx, data, rssiNew, hopNew, id, stored)
	}

	return c.onRreqPlainRelay(ctx, rx, data, rssiNew, hopNew)
}

func (c *ControlMessages) onRreqAtDestination(ctx context.Context, rx state.RxMeta, data RreqPDU, rssiNew int8, hopNew uint8) error {
	if _, _, ok := c.routes.SearchValid(data.Dest, data.Source, rx.NetIdx); ok {
		return state.ErrLateRreq
	}

	newEntry := state.RouteEntry{
		Source:  state.AddrRange{Base: data.Dest, Elems: c.coll.ElemCount()},
		Dest:    state.AddrRange{Base: data.Source, Elems: data.SourceElems},
		DestSeq: data.SourceSeq,
		NextHop: rx.SourceAddr,
		HopCount: hopNew,
		Rssi:    rssiNew,
		NetIdx:  rx.NetIdx,
	}

	if id, existing, ok := c.routes.SearchInvalid(data.Dest, data.Source, rx.NetIdx); ok {
		if newEntry.Cost() < existing.Cost() {
			c.routes.Update(state.Invalid, id, func(e *state.RouteEntry) {
				e.NextHop = newEntry.NextHop
				e.HopCount = newEntry.HopCount
				e.Rssi = newEntry.Rssi
				e.DestSeq = newEntry.DestSeq
			})
		}
		return nil
	}

	_, err := c.routes.CreateInvalidWithCallback(ctx, newEntry, func(eid EntryID) {
		c.onRreqWaitExpired(eid, data)
	})
	return err
}

// onRreqWaitExpired is the RREQ-wait callback of spec §4.1/§4.5: it runs
// when RREQ_WAIT fires with the reverse entry still present, validates
// it, registers the next hop, and emits the RREP.
func (c *ControlMessages) onRreqWaitExpired(id EntryID, data RreqPDU) {
	entry, ok := c.routes.Get(state.Invalid, id)
	if !ok {
		return
	}
	ctx := context.Background()
	if _, err := c.routes.Validate(ctx, id); err != nil {
		c.log.Warn("failed to validate reverse entry on rreq-wait expiry", "err", err)
		return
	}
	c.hello.AddNeighbour(entry.NextHop, entry.NetIdx)

	rrep := RrepPDU{
		Source:    data.Source,
		Dest:      data.Dest,
		DestSeq:   state.Seq(c.coll.SessionSeq()),
		HopCount:  0,
		DestElems: c.coll.ElemCount(),
	}
	if err := c.sendRrep(ctx, entry.NextHop, rrep); err != nil {
		c.log.Warn("failed to send rrep", "err", err)
	}
}

func (c *ControlMessages) onRreqIntermediateWithRoute(ctx context.Context, rx state.RxMeta, data RreqPDU, rssiNew int8, hopNew uint8, routeID EntryID, stored state.RouteEntry) error {
	reverse := state.RouteEntry{
		Source:   state.AddrRange{Base: data.Dest, Elems: 1}, // placeholder, corrected by later RREP
		Dest:     state.AddrRange{Base: data.Source, Elems: data.SourceElems},
		DestSeq:  data.SourceSeq,
		NextHop:  rx.SourceAddr,
		HopCount: hopNew,
		Rssi:     rssiNew,
		NetIdx:   rx.NetIdx,
	}
	if _, err := c.routes.CreateInvalid(ctx, reverse); err != nil {
		return err
	}

	if stored.DestSeq >= data.DestSeq {
		directed := RreqPDU{
			Source:      data.Source,
			Dest:        data.Dest,
			SourceElems: data.SourceElems,
			HopCount:    hopNew,
			Rssi:        rssiNew,
			I:           true,
			U:           data.U,
			SourceSeq:   data.SourceSeq,
			DestSeq:     data.DestSeq,
		}
		if err := c.sendRreq(state.WithSendTTL(ctx, 1), stored.NextHop, directed); err != nil {
			return err
		}

		rwait := RwaitPDU{
			Dest:      data.Dest,
			Source:    data.Source,
			SourceSeq: data.SourceSeq,
			HopCount:  stored.HopCount,
		}
		if err := c.sendRwait(ctx, rx.SourceAddr, rwait); err != nil {
			return err
		}
	}
	return nil
}

func (c *ControlMessages) onRreqPlainRelay(ctx context.Context, rx state.RxMeta, data RreqPDU, rssiNew int8, hopNew uint8) error {
	id, existing, ok := c.routes.SearchInvalid(data.Dest, data.Source, rx.NetIdx)
	if !ok {
		reverse := state.RouteEntry{
			Source:   state.AddrRange{Base: data.Dest, Elems: 1},
			Dest:     state.AddrRange{Base: data.Source, Elems: data.SourceElems},
			DestSeq:  data.SourceSeq,
			NextHop:  rx.SourceAddr,
			HopCount: hopNew,
			Rssi:     rssiNew,
			NetIdx:   rx.NetIdx,
		}
		if _, err := c.routes.CreateInvalid(ctx, reverse); err != nil {
			return err
		}
	} else if existing.DestSeq < data.SourceSeq {
		c.routes.Update(state.Invalid, id, func(e *state.RouteEntry) {
			e.DestSeq = data.SourceSeq
			e.NextHop = rx.SourceAddr
			e.HopCount = hopNew
			e.Rssi = rssiNew
		})
		c.routes.Refresh(state.Invalid, id)
	}

	if rx.RecvTTL == 0 {
		return nil
	}
	relayed := data
	relayed.HopCount = hopNew
	relayed.Rssi = rssiNew
	return c.sendRreq(state.WithSendTTL(ctx, rx.RecvTTL), state.BroadcastAddress, relayed)
}

// OnRrep implements RREP reception (spec §4.5).
func (c *ControlMessages) OnRrep(ctx context.Context, rx state.RxMeta, data RrepPDU) error {
	if data.Source == c.coll.PrimaryAddr() {
		return c.onRrepAtOriginator(ctx, rx, data)
	}
	return c.onRrepAtIntermediate(ctx, rx, data)
}

func (c *ControlMessages) onRrepAtOriginator(ctx context.Context, rx state.RxMeta, data RrepPDU) error {
	_, existing, hasValid := c.routes.SearchValid(data.Source, data.Dest, rx.NetIdx)
	if hasValid && existing.DestSeq >= data.DestSeq {
		return nil
	}

	forward := state.RouteEntry{
		Source:   state.AddrRange{Base: data.Source, Elems: c.coll.ElemCount()},
		Dest:     state.AddrRange{Base: data.Dest, Elems: data.DestElems},
		DestSeq:  data.DestSeq,
		NextHop:  rx.SourceAddr,
		HopCount: data.HopCount + 1,
		Rssi:     rx.Rssi,
		NetIdx:   rx.NetIdx,
	}
	if _, err := c.routes.CreateValid(ctx, forward); err != nil {
		return err
	}
	c.hello.AddNeighbour(rx.SourceAddr, rx.NetIdx)

	return c.disco.Push(ctx, rx.NetIdx, state.ReplyEvent{Dest: data.Dest, HopCount: 0})
}

func (c *ControlMessages) onRrepAtIntermediate(ctx context.Context, rx state.RxMeta, data RrepPDU) error {
	id, _, ok := c.routes.SearchInvalidWithDstRange(data.Dest, data.Source, data.DestElems, rx.NetIdx)
	if !ok {
		c.log.Debug("rrep with no matching reverse entry, dropping", "dest", data.Dest, "source", data.Source)
		return nil
	}

	c.routes.Update(state.Invalid, id, func(e *state.RouteEntry) {
		e.Source = state.AddrRange{Base: data.Dest, Elems: data.DestElems}
	})
	nid, err := c.routes.Validate(ctx, id)
	if err != nil {
		return err
	}
	validated, ok := c.routes.Get(state.Valid, nid)
	if !ok {
		return state.ErrUnknownEntry
	}
	c.hello.AddNeighbour(validated.NextHop, rx.NetIdx)

	forward := state.RouteEntry{
		Source:   validated.Dest, // = original originator range, known exactly since request time
		Dest:     state.AddrRange{Base: data.Dest, Elems: data.DestElems},
		DestSeq:  data.DestSeq,
		NextHop:  rx.SourceAddr,
		HopCount: data.HopCount,
		Rssi:     rx.Rssi,
		NetIdx:   rx.NetIdx,
	}
	if _, err := c.routes.CreateValid(ctx, forward); err != nil {
		return err
	}
	c.hello.AddNeighbour(rx.SourceAddr, rx.NetIdx)

	fwd := data
	fwd.HopCount = data.HopCount + 1
	return c.sendRrep(ctx, validated.NextHop, fwd)
}

// OnRwait implements RWAIT reception (spec §4.5).
func (c *ControlMessages) OnRwait(ctx context.Context, rx state.RxMeta, data RwaitPDU) error {
	if data.Source == c.coll.PrimaryAddr() {
		if _, _, ok := c.routes.SearchValid(data.Source, data.Dest, rx.NetIdx); ok {
			return nil
		}
		return c.disco.Push(ctx, rx.NetIdx, state.ReplyEvent{Dest: data.Dest, HopCount: maxUint8(data.HopCount, 1)})
	}

	_, reverse, ok := c.routes.SearchInvalid(data.Dest, data.Source, rx.NetIdx)
	if !ok {
		return nil
	}
	relayed := data
	relayed.HopCount = reverse.HopCount
	return c.sendRwait(ctx, reverse.NextHop, relayed)
}

func maxUint8(v, min uint8) uint8 {
	if v == 0 {
		return min
	}
	return v
}

// OnRerr implements RERR reception (spec §4.5/§4.4).
func (c *ControlMessages) OnRerr(ctx context.Context, rx state.RxMeta, data RerrPDU) error {
	for _, d := range data.Destinations {
		c.routes.EnumerateValidBy(d.Dest, rx.SourceAddr, rx.NetIdx, func(id EntryID, e state.RouteEntry) {
			c.errs.Record(e)
			if _, err := c.routes.Invalidate(ctx, id); err != nil {
				c.log.Warn("failed to invalidate route on rerr", "err", err)
			}
		})
	}
	c.errs.Flush(func(rec *state.RerrRecord) {
		c.emitRerr(ctx, rec)
	})
	return nil
}

func (c *ControlMessages) emitRerr(ctx context.Context, rec *state.RerrRecord) {
	pdu := RerrPDU{Destinations: rec.Destinations()}
	if err := c.sendRerr(ctx, rec.NextHop, pdu); err != nil {
		c.log.Warn("failed to send rerr", "err", err)
	}
}

// OnHello implements Hello reception: forward to HelloTracker.
func (c *ControlMessages) OnHello(src state.Address, netIdx state.NetIdx) {
	c.hello.OnHello(src, netIdx)
}

// HandleLinkLoss is the neighbour-loss path of spec §4.4: called by the
// HelloTracker eviction handler's caller-supplied emit hook with an
// aggregated record; recording of the broken entries themselves already
// happened in HelloTracker.onNeighbourLost, so this just sends the RERR
// and lets HelloTracker remove the neighbour afterward.
func (c *ControlMessages) HandleLinkLoss(ctx context.Context, rec *state.RerrRecord) {
	c.emitRerr(ctx, rec)
}
