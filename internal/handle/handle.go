// Package handle implements a generation-counted arena for identities that
// cross into asynchronous callback contexts.
//
// A callback fired by the embedded TCP/IP stack carries only the argument it
// was armed with; if that argument were a raw pointer or map key, a
// use-after-free (the owning Connection closed and its slot reused) would
// resolve silently to the wrong object. Handles pair a slot index with a
// generation counter so a stale handle fails to resolve instead.
package handle

import "sync"

// Handle names a slot in an Arena at a particular generation.
type Handle struct {
	index uint32
	gen   uint32
}

// Valid reports whether h was ever issued by an Arena (the zero Handle is not).
func (h Handle) Valid() bool { return h.gen != 0 }

// Arena is a generation-counted slot allocator, guarded by its own mutex so
// it can be shared between the reactor goroutine and callback producers that
// only ever read a handle back to post it onto the event channel.
type Arena[T any] struct {
	mu   sync.Mutex
	gen  []uint32
	vals []T
	free []uint32
}

// New returns an empty Arena.
func New[T any]() *Arena[T] {
	return &Arena[T]{}
}

// Insert stores v in a fresh or recycled slot and returns its handle.
func (a *Arena[T]) Insert(v T) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		a.vals[idx] = v
		return Handle{index: idx, gen: a.gen[idx]}
	}

	idx := uint32(len(a.vals))
	a.vals = append(a.vals, v)
	a.gen = append(a.gen, 1)
	return Handle{index: idx, gen: 1}
}

// Get resolves h to its value. ok is false for a stale or unknown handle.
func (a *Arena[T]) Get(h Handle) (v T, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !h.Valid() || int(h.index) >= len(a.vals) || a.gen[h.index] != h.gen {
		return v, false
	}
	return a.vals[h.index], true
}

// Remove invalidates h, bumping the slot's generation so any callback still
// in flight for the old occupant resolves to nothing rather than the new one.
func (a *Arena[T]) Remove(h Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !h.Valid() || int(h.index) >= len(a.vals) || a.gen[h.index] != h.gen {
		return
	}
	var zero T
	a.vals[h.index] = zero
	a.gen[h.index]++
	if a.gen[h.index] == 0 {
		a.gen[h.index] = 1
	}
	a.free = append(a.free, h.index)
}

// Len reports the number of live (non-removed) slots.
func (a *Arena[T]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.vals) - len(a.free)
}

// Range calls fn for every live slot's handle and value, in index order. fn
// must not call back into the same Arena, since Range holds the arena lock
// for its duration. Meant for housekeeping sweeps, not hot paths.
func (a *Arena[T]) Range(fn func(Handle, T)) {
	a.mu.Lock()
	defer a.mu.Unlock()

	free := make(map[uint32]struct{}, len(a.free))
	for _, idx := range a.free {
		free[idx] = struct{}{}
	}
	for idx := range a.vals {
		if _, isFree := free[uint32(idx)]; isFree {
			continue
		}
		fn(Handle{index: uint32(idx), gen: a.gen[idx]}, a.vals[idx])
	}
}
