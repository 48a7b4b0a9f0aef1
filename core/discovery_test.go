package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nylon-mesh/aodv-engine/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCollaborator is a minimal state.Collaborator stub that records
// every SendCtl call, for exercising DiscoveryCoordinator in isolation.
type fakeCollaborator struct {
	mu    sync.Mutex
	sent  []fakeSend
	errFn func() error
	seq   atomic.Uint32
}

type fakeSend struct {
	tx      state.Address
	op      state.ControlOp
	payload []byte
	ttl     uint8
}

func (f *fakeCollaborator) SendCtl(ctx context.Context, tx state.Address, op state.ControlOp, payload []byte) error {
	if f.errFn != nil {
		if err := f.errFn(); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, fakeSend{tx: tx, op: op, payload: payload, ttl: state.SendTTLFromContext(ctx)})
	f.mu.Unlock()
	return nil
}

func (f *fakeCollaborator) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeCollaborator) sentCopy() []fakeSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeSend(nil), f.sent...)
}

func (f *fakeCollaborator) SubnetGet(state.NetIdx) (state.Subnet, bool) { return state.Subnet{}, false }
func (f *fakeCollaborator) PrimaryAddr() state.Address                 { return 1 }
func (f *fakeCollaborator) ElemCount() uint16                          { return 1 }
func (f *fakeCollaborator) ElemFind(a state.Address) bool              { return a == 1 }
func (f *fakeCollaborator) SessionSeq() uint32                         { return f.seq.Add(1) }

func TestDiscoveryCoordinator_SuccessOnRrep(t *testing.T) {
	coll := &fakeCollaborator{}
	dc := NewDiscoveryCoordinator(coll, testLogger(), nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, dc.Push(context.Background(), 0, state.ReplyEvent{Dest: 5, HopCount: 0}))
	}()

	ok, err := dc.Discover(context.Background(), 1, 5, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, coll.sendCount())
}

func TestDiscoveryCoordinator_ExpandsTTLOnTimeout(t *testing.T) {
	origInterval := state.RingInterval
	state.RingInterval = 10 * time.Millisecond
	defer func() { state.RingInterval = origInterval }()

	coll := &fakeCollaborator{}
	dc := NewDiscoveryCoordinator(coll, testLogger(), nil)

	go func() {
		time.Sleep(35 * time.Millisecond)
		require.NoError(t, dc.Push(context.Background(), 0, state.ReplyEvent{Dest: 5, HopCount: 0}))
	}()

	ok, err := dc.Discover(context.Background(), 1, 5, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, coll.sendCount(), 2, "should have re-emitted on at least one timeout")
}

func TestDiscoveryCoordinator_NoReplyExhaustsRingMaxTTL(t *testing.T) {
	origInterval, origMax := state.RingInterval, state.RingMaxTTL
	state.RingInterval = 2 * time.Millisecond
	state.RingMaxTTL = 3
	defer func() {
		state.RingInterval = origInterval
		state.RingMaxTTL = origMax
	}()

	coll := &fakeCollaborator{}
	dc := NewDiscoveryCoordinator(coll, testLogger(), nil)

	ok, err := dc.Discover(context.Background(), 1, 5, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDiscoveryCoordinator_RwaitExtendsWait(t *testing.T) {
	origInterval, origExt := state.RingInterval, state.RwaitExtension
	state.RingInterval = 15 * time.Millisecond
	state.RwaitExtension = 200 * time.Millisecond
	defer func() {
		state.RingInterval = origInterval
		state.RwaitExtension = origExt
	}()

	coll := &fakeCollaborator{}
	dc := NewDiscoveryCoordinator(coll, testLogger(), nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, dc.Push(context.Background(), 0, state.ReplyEvent{Dest: 5, HopCount: 2}))
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, dc.Push(context.Background(), 0, state.ReplyEvent{Dest: 5, HopCount: 0}))
	}()

	ok, err := dc.Discover(context.Background(), 1, 5, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	// the RWAIT should have suppressed a second ring-interval emission
	assert.Equal(t, 1, coll.sendCount())
}

func TestDiscoveryCoordinator_PushWithNoWaiterIsANoop(t *testing.T) {
	coll := &fakeCollaborator{}
	dc := NewDiscoveryCoordinator(coll, testLogger(), nil)
	err := dc.Push(context.Background(), 0, state.ReplyEvent{Dest: 99, HopCount: 0})
	assert.NoError(t, err)
}
