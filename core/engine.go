package core

import (
	"context"
	"fmt"

	"github.com/nylon-mesh/aodv-engine/state"
)

// Engine is the facade of spec §2/§6: it owns every component and
// exposes the three entry points the host stack calls.
type Engine struct {
	env    *state.Env
	routes *RouteTable
	hello  *HelloTracker
	disco  *DiscoveryCoordinator
	ctl    *ControlMessages
}

// NewEngine performs the init sequence: build RouteTable, wire
// HelloTracker's expiry emit hook to ControlMessages.HandleLinkLoss,
// build DiscoveryCoordinator and ControlMessages.
func NewEngine(env *state.Env) *Engine {
	routes := NewRouteTable(env.Log)
	disco := NewDiscoveryCoordinator(env.Coll, env.Log, routes)

	e := &Engine{env: env, routes: routes, disco: disco}

	e.hello = NewHelloTracker(env.Log, routes, func(rec *state.RerrRecord) {
		e.ctl.HandleLinkLoss(env.Ctx, rec)
	})
	e.ctl = NewControlMessages(env.Coll, env.Log, routes, e.hello, disco)
	return e
}

// Close tears down background loops (the HelloTracker eviction ticker).
func (e *Engine) Close() {
	e.hello.Stop()
}

// RouteSendRequest implements route_send_request(tx): invoked when the
// host has data for an unrouted destination. Returns nil (Ok) once a
// route exists, state.ErrNoReply on ring-search exhaustion, or a
// ResourceExhausted/send error unchanged.
func (e *Engine) RouteSendRequest(ctx context.Context, tx state.Address, netIdx state.NetIdx) error {
	if _, _, ok := e.routes.SearchValidByDst(tx, netIdx); ok {
		return nil
	}
	ok, err := e.disco.Discover(ctx, e.env.Coll.PrimaryAddr(), tx, netIdx)
	if err != nil {
		return err
	}
	if !ok {
		return state.ErrNoReply
	}
	return nil
}

// OnCtlReceive implements on_ctl_receive(op, rx, bytes): the entry point
// the host invokes for every decrypted, de-framed control PDU.
func (e *Engine) OnCtlReceive(ctx context.Context, op state.ControlOp, rx state.RxMeta, payload []byte) error {
	switch op {
	case state.OpRREQ:
		p, err := DecodeRreq(payload)
		if err != nil {
			e.env.Log.Warn("dropping short rreq", "err", err)
			return nil
		}
		if err := e.ctl.OnRreq(ctx, rx, p); err != nil {
			e.env.Log.Debug("rreq handling", "err", err)
		}
		return nil

	case state.OpRREP:
		p, err := DecodeRrep(payload)
		if err != nil {
			e.env.Log.Warn("dropping short rrep", "err", err)
			return nil
		}
		return e.ctl.OnRrep(ctx, rx, p)

	case state.OpRWAIT:
		p, err := DecodeRwait(payload)
		if err != nil {
			e.env.Log.Warn("dropping short rwait", "err", err)
			return nil
		}
		return e.ctl.OnRwait(ctx, rx, p)

	case state.OpRERR:
		p, err := DecodeRerr(payload)
		if err != nil {
			e.env.Log.Warn("dropping short rerr", "err", err)
			return nil
		}
		return e.ctl.OnRerr(ctx, rx, p)

	default:
		return fmt.Errorf("on_ctl_receive: unhandled opcode %s", op)
	}
}

// OnHello implements on_hello(src): invoked by the heartbeat handler.
func (e *Engine) OnHello(src state.Address, netIdx state.NetIdx) {
	e.ctl.OnHello(src, netIdx)
}

// Routes exposes the route table for introspection (cmd inspect, tests).
func (e *Engine) Routes() *RouteTable { return e.routes }

// Hello exposes the neighbour tracker for introspection.
func (e *Engine) Hello() *HelloTracker { return e.hello }
