package slot

import (
	"fmt"
	"sync/atomic"

	"github.com/ardnew/softfpga/pkg"
)

// Handle identifies an acquired slot. It is the slot's index in the pool.
type Handle int

// Invalid is returned alongside an error when no slot could be acquired.
const Invalid Handle = -1

// entry is one slot: a lock bit, an ownership count and the caller's element.
type entry[T any] struct {
	locked atomic.Uint32
	refs   atomic.Int32
	value  T
}

// Pool is a fixed-capacity allocator of slots holding elements of type T.
//
// Acquire and Release use only atomic operations and never block. The pool is
// not a free list: a shared cursor marks where the next search starts, and
// Release pulls the cursor back to the released index. Under concurrent churn
// Acquire may report [pkg.ErrExhausted] while a slot below the cursor is free;
// the caller retries after another release.
type Pool[T any] struct {
	cursor atomic.Int64
	slots  []entry[T]
}

// New creates a pool with capacity slots. Capacity must be positive.
func New[T any](capacity int) *Pool[T] {
	if capacity <= 0 {
		panic(fmt.Sprintf("slot: invalid capacity %d", capacity))
	}
	return &Pool[T]{slots: make([]entry[T], capacity)}
}

// Cap returns the number of slots in the pool.
func (p *Pool[T]) Cap() int {
	return len(p.slots)
}

// Acquire claims a free slot and returns its handle, or [pkg.ErrExhausted]
// if the cursor runs past the last slot without finding one.
func (p *Pool[T]) Acquire() (Handle, error) {
	n := int64(len(p.slots))
	for {
		cur := p.cursor.Load()
		if cur >= n {
			return Invalid, pkg.ErrExhausted
		}
		if !p.cursor.CompareAndSwap(cur, cur+1) {
			continue
		}
		e := &p.slots[cur]
		if !e.locked.CompareAndSwap(0, 1) {
			continue
		}
		if refs := e.refs.Add(1); refs > 1 {
			panic(fmt.Sprintf("slot: slot %d has %d owners", cur, refs))
		}
		return Handle(cur), nil
	}
}

// Release returns the slot identified by h to the pool.
//
// The ownership count is dropped before the lock bit is cleared so that a
// concurrent Acquire of the same slot never observes two owners.
func (p *Pool[T]) Release(h Handle) error {
	if h < 0 || int(h) >= len(p.slots) {
		return fmt.Errorf("release slot %d: %w", h, pkg.ErrInvalidParameter)
	}
	e := &p.slots[h]
	if e.locked.Load() == 0 {
		return fmt.Errorf("release slot %d: %w", h, pkg.ErrInvalidState)
	}
	if refs := e.refs.Add(-1); refs != 0 {
		panic(fmt.Sprintf("slot: slot %d released with %d owners remaining", h, refs))
	}
	e.locked.Store(0)

	idx := int64(h)
	for {
		cur := p.cursor.Load()
		if cur <= idx || p.cursor.CompareAndSwap(cur, idx) {
			return nil
		}
	}
}

// Get returns a pointer to the element stored in slot h. The pointer stays
// valid for the life of the pool; only the slot's owner should use it.
func (p *Pool[T]) Get(h Handle) *T {
	return &p.slots[h].value
}

// InUse reports whether slot h is currently held.
func (p *Pool[T]) InUse(h Handle) bool {
	if h < 0 || int(h) >= len(p.slots) {
		return false
	}
	return p.slots[h].locked.Load() != 0
}

// Len returns the number of held slots. The result is a snapshot and may be
// stale by the time it is used.
func (p *Pool[T]) Len() int {
	n := 0
	for i := range p.slots {
		if p.slots[i].locked.Load() != 0 {
			n++
		}
	}
	return n
}
