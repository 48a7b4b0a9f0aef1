package core

import (
	"context"
	"sync"

	"github.com/nylon-mesh/aodv-engine/state"
)

// handle is a generic arena index: a stale handle (pointing at a slot that
// has since been freed and possibly reused) is detected by comparing
// generations on lookup, rather than dereferencing a freed record — the
// "arena + indices vs raw pointers" approach of spec §9.
type handle struct {
	idx uint32
	gen uint32
}

type arenaSlot[T any] struct {
	val  T
	used bool
	gen  uint32
}

// arena is a fixed-capacity, mutex-guarded slab. Allocation blocks for at
// most state.AllocTimeout before surfacing state.ErrResourceExhausted,
// matching the ALLOCATION_INTERVAL semantics of spec §6.
type arena[T any] struct {
	mu    sync.Mutex
	slots []arenaSlot[T]
	free  []uint32
	sem   chan struct{}
}

func newArena[T any](capacity int) *arena[T] {
	a := &arena[T]{
		slots: make([]arenaSlot[T], capacity),
		free:  make([]uint32, capacity),
		sem:   make(chan struct{}, capacity),
	}
	for i := 0; i < capacity; i++ {
		a.free[i] = uint32(capacity - 1 - i)
		a.sem <- struct{}{}
	}
	return a
}

// alloc reserves a slot within state.AllocTimeout, or returns
// state.ErrResourceExhausted. val is stored in the slot and the slot's
// handle is returned so the caller can keep a cheap reference.
func (a *arena[T]) alloc(ctx context.Context, val T) (handle, error) {
	ctx, cancel := context.WithTimeout(ctx, state.AllocTimeout)
	defer cancel()

	select {
	case <-a.sem:
	case <-ctx.Done():
		return handle{}, state.ErrResourceExhausted
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	idx := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	slot := &a.slots[idx]
	slot.used = true
	slot.gen++
	slot.val = val
	return handle{idx: idx, gen: slot.gen}, nil
}

// get returns a copy of the stored value if h is still live.
func (a *arena[T]) get(h handle) (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(h.idx) >= len(a.slots) {
		var zero T
		return zero, false
	}
	slot := &a.slots[h.idx]
	if !slot.used || slot.gen != h.gen {
		var zero T
		return zero, false
	}
	return slot.val, true
}

// mutate applies fn to the live value in place under the arena lock,
// reporting false if the handle is stale.
func (a *arena[T]) mutate(h handle, fn func(*T)) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(h.idx) >= len(a.slots) {
		return false
	}
	slot := &a.slots[h.idx]
	if !slot.used || slot.gen != h.gen {
		return false
	}
	fn(&slot.val)
	return true
}

// release returns a slot to the pool, if still live.
func (a *arena[T]) release(h handle) bool {
	a.mu.Lock()
	if int(h.idx) >= len(a.slots) {
		a.mu.Unlock()
		return false
	}
	slot := &a.slots[h.idx]
	if !slot.used || slot.gen != h.gen {
		a.mu.Unlock()
		return false
	}
	slot.used = false
	var zero T
	slot.val = zero
	a.free = append(a.free, h.idx)
	a.mu.Unlock()

	select {
	case a.sem <- struct{}{}:
	default:
	}
	return true
}

// snapshot returns owned copies of every live value and its handle,
// taken under a single short critical section — the "bounded snapshot"
// alternative to callback re-entrancy the spec prefers (§9).
func (a *arena[T]) snapshot() []struct {
	H handle
	V T
} {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]struct {
		H handle
		V T
	}, 0, len(a.slots))
	for i := range a.slots {
		if a.slots[i].used {
			out = append(out, struct {
				H handle
				V T
			}{H: handle{idx: uint32(i), gen: a.slots[i].gen}, V: a.slots[i].val})
		}
	}
	return out
}

func (a *arena[T]) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for i := range a.slots {
		if a.slots[i].used {
			n++
		}
	}
	return n
}

func (a *arena[T]) cap() int {
	return len(a.slots)
}
