// Package slot provides a fixed-capacity, lock-free handle allocator.
//
// A [Pool] owns C slots, each holding one caller-defined element. Acquire
// hands out the index of a free slot and Release returns it. Both operations
// use only atomics, so they are safe to call from code that must not block,
// such as interrupt delivery paths.
//
// Acquisition favors low indexes: releasing a slot pulls the shared search
// cursor back to it, so the next Acquire usually reuses the slot that was
// just freed.
//
//	pool := slot.New[buffer](4)
//	h, err := pool.Acquire()
//	if errors.Is(err, pkg.ErrExhausted) {
//	    // retry after another owner releases
//	}
//	defer pool.Release(h)
//	buf := pool.Get(h)
package slot
