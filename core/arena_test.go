package core

import (
	"context"
	"testing"

	"github.com/nylon-mesh/aodv-engine/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArena_AllocGetRelease(t *testing.T) {
	a := newArena[int](2)

	h1, err := a.alloc(context.Background(), 1)
	require.NoError(t, err)
	h2, err := a.alloc(context.Background(), 2)
	require.NoError(t, err)

	v, ok := a.get(h1)
	require.True(t, ok)
	assert.Equal(t, 1, v)

	assert.True(t, a.release(h1))
	_, ok = a.get(h1)
	assert.False(t, ok, "released handle must not resolve")

	v, ok = a.get(h2)
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestArena_ExhaustionReportsResourceExhausted(t *testing.T) {
	a := newArena[int](1)

	_, err := a.alloc(context.Background(), 1)
	require.NoError(t, err)

	_, err = a.alloc(context.Background(), 2)
	assert.ErrorIs(t, err, state.ErrResourceExhausted)
}

func TestArena_ReusedSlotGetsFreshGeneration(t *testing.T) {
	a := newArena[int](1)

	h1, err := a.alloc(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, a.release(h1))

	h2, err := a.alloc(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, h1.idx, h2.idx, "freed slot should be reused")
	assert.NotEqual(t, h1.gen, h2.gen, "reused slot must bump generation")

	_, ok := a.get(h1)
	assert.False(t, ok, "stale handle into a reused slot must not resolve")
}

func TestArena_MutateAndSnapshot(t *testing.T) {
	a := newArena[int](3)
	var handles []handle
	for i := 0; i < 3; i++ {
		h, err := a.alloc(context.Background(), i)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	ok := a.mutate(handles[0], func(v *int) { *v = 100 })
	require.True(t, ok)

	v, _ := a.get(handles[0])
	assert.Equal(t, 100, v)

	snap := a.snapshot()
	assert.Len(t, snap, 3)
	assert.Equal(t, 3, a.len())
	assert.Equal(t, 3, a.cap())
}
