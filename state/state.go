package state

import (
	"context"
	"log/slog"
)

// Env is the per-node environment shared read-only across every
// goroutine that touches the engine: receive handlers, timer
// expirations, and the discovery loop (spec §5, "parallel" scheduling
// model). Unlike the teacher's Env, there is no single-actor dispatch
// channel here — the spec requires concurrent handlers coordinated by
// per-list mutexes (see core.RouteTable and friends), not serialization
// onto one goroutine.
type Env struct {
	Node   NodeCfg
	Log    *slog.Logger
	Coll   Collaborator
	Ctx    context.Context
	Cancel context.CancelFunc
}

// NewEnv constructs an Env whose Ctx is derived from ctx. The engine
// passes Ctx to the RERRs it sends on neighbour loss; cancelling it does
// not stop route-entry timers or the HelloTracker expiry loop.
func NewEnv(ctx context.Context, node NodeCfg, log *slog.Logger, coll Collaborator) *Env {
	ctx, cancel := context.WithCancel(ctx)
	return &Env{
		Node:   node,
		Log:    log,
		Coll:   coll,
		Ctx:    ctx,
		Cancel: cancel,
	}
}
