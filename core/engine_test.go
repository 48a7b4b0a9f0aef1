package core

import (
	"context"
	"testing"
	"time"

	"github.com/nylon-mesh/aodv-engine/state"
	"github.com/nylon-mesh/aodv-engine/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// buildEngine wires one Engine onto medium at addr, following the
// two-phase construction the transport package requires: the
// Collaborator must exist before the Engine does, and the Engine must
// exist before the medium can deliver into it.
func buildEngine(ctx context.Context, t *testing.T, medium *transport.MemoryMedium, addr state.Address) *Engine {
	t.Helper()
	node := medium.NewNode(addr, 1, 0)
	env := state.NewEnv(ctx, state.NodeCfg{Id: string(rune('A' + int(addr)))}, testLogger(), node)
	eng := NewEngine(env)
	node.SetReceiver(eng)
	return eng
}

func TestEngine_DirectDiscovery(t *testing.T) {
	origRreqWait := state.RreqWait
	state.RreqWait = 20 * time.Millisecond
	defer func() { state.RreqWait = origRreqWait }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	medium := transport.NewMemoryMedium(testLogger())
	medium.Link(1, 2, -20)

	a := buildEngine(ctx, t, medium, 1)
	b := buildEngine(ctx, t, medium, 2)
	defer a.Close()
	defer b.Close()

	err := a.RouteSendRequest(ctx, 2, 0)
	require.NoError(t, err)

	_, _, ok := a.Routes().SearchValidByDst(2, 0)
	assert.True(t, ok, "originator should have installed a forward route")
	_, _, ok = b.Routes().SearchValidByDst(1, 0)
	assert.True(t, ok, "destination should have installed a reverse-direction route back")

	// a second request for an already-routed destination must short
	// circuit without another ring search.
	err = a.RouteSendRequest(ctx, 2, 0)
	assert.NoError(t, err)
}

func TestEngine_MultiHopDiscoveryThroughRelay(t *testing.T) {
	origRreqWait := state.RreqWait
	state.RreqWait = 20 * time.Millisecond
	defer func() { state.RreqWait = origRreqWait }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	medium := transport.NewMemoryMedium(testLogger())
	medium.Link(1, 2, -20)
	medium.Link(2, 3, -20)
	// 1 and 3 are out of direct radio range; only reachable via 2.

	a := buildEngine(ctx, t, medium, 1)
	r := buildEngine(ctx, t, medium, 2)
	c := buildEngine(ctx, t, medium, 3)
	defer a.Close()
	defer r.Close()
	defer c.Close()

	err := a.RouteSendRequest(ctx, 3, 0)
	require.NoError(t, err)

	_, e, ok := a.Routes().SearchValidByDst(3, 0)
	require.True(t, ok)
	assert.Equal(t, state.Address(2), e.NextHop, "originator's route to 3 must go via the relay")
	assert.Equal(t, uint8(2), e.HopCount)

	_, e, ok = c.Routes().SearchValidByDst(1, 0)
	require.True(t, ok)
	assert.Equal(t, state.Address(2), e.NextHop)

	_, _, ok = r.Routes().SearchValidByDst(3, 0)
	assert.True(t, ok, "the relay keeps its own forward route as a side effect of relaying the RREP")
	_, _, ok = r.Routes().SearchValidByDst(1, 0)
	assert.True(t, ok, "the relay keeps its own reverse route as a side effect of relaying the RREQ")
}

func TestEngine_NoReplyWhenDestinationUnreachable(t *testing.T) {
	origMax := state.RingMaxTTL
	origInterval := state.RingInterval
	state.RingMaxTTL = 3
	state.RingInterval = 5 * time.Millisecond
	defer func() {
		state.RingMaxTTL = origMax
		state.RingInterval = origInterval
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	medium := transport.NewMemoryMedium(testLogger())
	a := buildEngine(ctx, t, medium, 1)
	defer a.Close()
	// no node 2 registered on the medium at all

	err := a.RouteSendRequest(ctx, 2, 0)
	assert.ErrorIs(t, err, state.ErrNoReply)
}

func TestEngine_LinkLossInvalidatesDownstreamRoute(t *testing.T) {
	origLifetime := state.HelloLifetime
	origRreqWait := state.RreqWait
	state.HelloLifetime = 25 * time.Millisecond
	state.RreqWait = 20 * time.Millisecond
	defer func() {
		state.HelloLifetime = origLifetime
		state.RreqWait = origRreqWait
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	medium := transport.NewMemoryMedium(testLogger())
	medium.Link(1, 2, -20)

	a := buildEngine(ctx, t, medium, 1)
	b := buildEngine(ctx, t, medium, 2)
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.RouteSendRequest(ctx, 2, 0))
	_, _, ok := a.Routes().SearchValidByDst(2, 0)
	require.True(t, ok)

	// simulate the neighbour going silent: stop refreshing it and wait
	// out HELLO_LIFETIME.
	require.Eventually(t, func() bool {
		_, _, ok := a.Routes().SearchValidByDst(2, 0)
		return !ok
	}, 2*time.Second, 5*time.Millisecond, "route must be invalidated once the neighbour's Hello expires")
}

func TestEngineScenarios_NoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("github.com/jellydator/ttlcache/v3.(*Cache[...]).Start"),
	)

	origRreqWait := state.RreqWait
	state.RreqWait = 20 * time.Millisecond
	defer func() { state.RreqWait = origRreqWait }()

	ctx, cancel := context.WithCancel(context.Background())
	medium := transport.NewMemoryMedium(testLogger())
	medium.Link(1, 2, -20)

	a := buildEngine(ctx, t, medium, 1)
	b := buildEngine(ctx, t, medium, 2)

	require.NoError(t, a.RouteSendRequest(ctx, 2, 0))

	a.Close()
	b.Close()
	cancel()
}
