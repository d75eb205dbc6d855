package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/softfpga/pkg"
)

// AccessMode governs how many concurrent holders a device instance admits.
type AccessMode uint8

// Access modes.
const (
	// Exclusive excludes every other Exclusive or Shared holder.
	Exclusive AccessMode = iota
	// Shared admits other Shared and Monitor holders.
	Shared
	// Monitor observes the device and coexists with any holder.
	Monitor

	numAccessModes
)

// String returns a human-readable access mode.
func (m AccessMode) String() string {
	switch m {
	case Exclusive:
		return "exclusive"
	case Shared:
		return "shared"
	case Monitor:
		return "monitor"
	default:
		return fmt.Sprintf("AccessMode(%d)", uint8(m))
	}
}

// Valid reports whether m is a known access mode.
func (m AccessMode) Valid() bool {
	return m < numAccessModes
}

// ParseAccessMode parses the String form of an access mode.
func ParseAccessMode(s string) (AccessMode, error) {
	for m := AccessMode(0); m < numAccessModes; m++ {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("access mode %q: %w", s, pkg.ErrInvalidParameter)
}

// ArbiterState summarizes who holds a device.
type ArbiterState uint8

// Arbiter states.
const (
	Unclaimed     ArbiterState = iota // No instance
	ExclusiveHeld                     // One exclusive holder, nothing else
	SharedHeld                        // Only shared holders
	MonitorOnly                       // Only monitor holders
	Mixed                             // Monitors alongside an exclusive or shared holders
)

// String returns a human-readable arbiter state.
func (s ArbiterState) String() string {
	switch s {
	case Unclaimed:
		return "unclaimed"
	case ExclusiveHeld:
		return "exclusive"
	case SharedHeld:
		return "shared"
	case MonitorOnly:
		return "monitor"
	case Mixed:
		return "mixed"
	default:
		return "unknown"
	}
}

// Arbiter is the per-device access-mode state machine. It counts holders per
// mode and owns the lifetime of one instance of T: the instance is opened by
// the first Acquire and closed when the last holder releases.
type Arbiter[T any] struct {
	mu   sync.Mutex
	refs [numAccessModes]int
	inst T
	live bool

	open  func(ctx context.Context) (T, error)
	close func(T) error

	onChange func(refs [numAccessModes]int)
}

// NewArbiter creates an arbiter that opens instances with open and tears them
// down with close.
func NewArbiter[T any](open func(context.Context) (T, error), close func(T) error) *Arbiter[T] {
	return &Arbiter[T]{open: open, close: close}
}

// Acquire registers a holder with the given mode and returns the instance,
// opening it if none exists. A conflicting request fails with [pkg.ErrBusy]
// and changes nothing.
func (a *Arbiter[T]) Acquire(ctx context.Context, mode AccessMode) (T, error) {
	var zero T
	if !mode.Valid() {
		return zero, fmt.Errorf("acquire %v: %w", mode, pkg.ErrInvalidParameter)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.live {
		inst, err := a.open(ctx)
		if err != nil {
			return zero, err
		}
		a.inst = inst
		a.live = true
		a.refs = [numAccessModes]int{}
		a.refs[mode] = 1
		pkg.LogDebug(pkg.ComponentArbiter, "instance opened", "mode", mode.String())
		a.notify()
		return inst, nil
	}

	if a.refs[Exclusive] > 0 && mode != Monitor {
		return zero, fmt.Errorf("acquire %v: exclusive holder present: %w", mode, pkg.ErrBusy)
	}
	if a.refs[Shared] > 0 && mode == Exclusive {
		return zero, fmt.Errorf("acquire %v: %d shared holders present: %w", mode, a.refs[Shared], pkg.ErrBusy)
	}

	a.refs[mode]++
	a.notify()
	return a.inst, nil
}

// Release drops one holder of the given mode. When the last holder of any
// mode leaves, the instance is closed; its close error is returned but the
// arbiter returns to Unclaimed regardless. Releasing a mode with no holders
// fails with [pkg.ErrInvalidState].
func (a *Arbiter[T]) Release(mode AccessMode) error {
	if !mode.Valid() {
		return fmt.Errorf("release %v: %w", mode, pkg.ErrInvalidParameter)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.live || a.refs[mode] == 0 {
		return fmt.Errorf("release %v: no holders: %w", mode, pkg.ErrInvalidState)
	}

	a.refs[mode]--
	a.notify()
	if a.total() > 0 {
		return nil
	}

	inst := a.inst
	var zero T
	a.inst = zero
	a.live = false
	pkg.LogDebug(pkg.ComponentArbiter, "last holder released", "mode", mode.String())
	return a.close(inst)
}

// Reset drops every holder and closes the live instance, if any.
func (a *Arbiter[T]) Reset() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.live {
		return nil
	}
	inst := a.inst
	var zero T
	a.inst = zero
	a.live = false
	a.refs = [numAccessModes]int{}
	a.notify()
	return a.close(inst)
}

// Instance returns the live instance, if any.
func (a *Arbiter[T]) Instance() (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inst, a.live
}

// Refs returns the number of holders of mode.
func (a *Arbiter[T]) Refs(mode AccessMode) int {
	if !mode.Valid() {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refs[mode]
}

// State returns the current arbiter state.
func (a *Arbiter[T]) State() ArbiterState {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.live {
		return Unclaimed
	}
	ex, sh, mon := a.refs[Exclusive], a.refs[Shared], a.refs[Monitor]
	switch {
	case ex > 0 && mon == 0:
		return ExclusiveHeld
	case sh > 0 && mon == 0:
		return SharedHeld
	case ex == 0 && sh == 0:
		return MonitorOnly
	default:
		return Mixed
	}
}

// setOnChange installs a callback invoked with the holder counts after every
// change. It runs under the arbiter lock.
func (a *Arbiter[T]) setOnChange(fn func(refs [numAccessModes]int)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onChange = fn
}

func (a *Arbiter[T]) notify() {
	if a.onChange != nil {
		a.onChange(a.refs)
	}
}

func (a *Arbiter[T]) total() int {
	n := 0
	for _, r := range a.refs {
		n += r
	}
	return n
}
