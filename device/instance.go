package device

import (
	"context"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/ardnew/softfpga/device/hal"
	"github.com/ardnew/softfpga/pkg"
)

// InstanceState is the lifecycle state of a device instance.
type InstanceState uint8

// Instance lifecycle states.
const (
	Uninitialized InstanceState = iota
	Initializing
	Ready
	TearingDown
	Destroyed
)

// String returns a human-readable instance state.
func (s InstanceState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case TearingDown:
		return "tearing-down"
	case Destroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("InstanceState(%d)", uint8(s))
	}
}

// undoStack records how to release each resource acquired during
// initialization so they can be released in reverse order.
type undoStack struct {
	steps []undoStep
}

type undoStep struct {
	name string
	fn   func() error
}

func (u *undoStack) push(name string, fn func() error) {
	u.steps = append(u.steps, undoStep{name: name, fn: fn})
}

func (u *undoStack) len() int {
	return len(u.steps)
}

// unwind runs every recorded step, last first, and empties the stack.
func (u *undoStack) unwind() error {
	var result *multierror.Error
	for i := len(u.steps) - 1; i >= 0; i-- {
		s := u.steps[i]
		if err := s.fn(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "release %s", s.name))
		}
	}
	u.steps = nil
	return result.ErrorOrNil()
}

// Instance is the live runtime state of an in-use device: its register
// mapping, status descriptor, notification channel and DMA engines.
//
// Interrupts are handled in two halves. The backend's delivery callback only
// acknowledges DMA completions or marks a processing element pending, and
// never blocks. A per-instance worker drains the pending set and forwards
// each completion to its sink, which may block.
type Instance struct {
	name    string
	backend hal.Backend
	cfg     Config
	metrics *deviceMetrics

	mu    sync.RWMutex
	state InstanceState
	undo  undoStack

	regs    hal.RegisterSpace
	status  hal.StatusDescriptor
	channel *NotificationChannel
	engines map[int]*DMAEngine
	order   []int

	// pending holds one bit per processing element with an undelivered
	// completion. Repeated completions before delivery coalesce.
	pending []atomic.Uint64
	wake    chan struct{}

	routesMu sync.RWMutex
	routes   map[uint32]Sink
}

// NewInstance initializes a device instance on backend. Initialization maps
// the register space, reads the status descriptor, creates the notification
// channel, opens every DMA engine the descriptor lists, starts the deferred
// interrupt worker and registers interrupt delivery, in that order. If any
// step fails, the steps that succeeded are undone in reverse order.
func NewInstance(ctx context.Context, name string, backend hal.Backend, cfg Config, metrics *Metrics) (*Instance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	i := &Instance{
		name:    name,
		backend: backend,
		cfg:     cfg,
		metrics: metrics.forDevice(name),
		state:   Initializing,
		engines: make(map[int]*DMAEngine),
		pending: make([]atomic.Uint64, (cfg.MaxPEs+63)/64),
		wake:    make(chan struct{}, 1),
		routes:  make(map[uint32]Sink),
	}
	pkg.LogDebug(pkg.ComponentDevice, "initializing instance", "device", name)

	if err := i.init(ctx); err != nil {
		if uerr := i.undo.unwind(); uerr != nil {
			err = multierror.Append(err, uerr)
		}
		i.state = Destroyed
		pkg.LogWarn(pkg.ComponentDevice, "instance initialization failed",
			"device", name, "error", err)
		return nil, err
	}

	i.state = Ready
	pkg.LogInfo(pkg.ComponentDevice, "instance ready",
		"device", name, "engines", len(i.engines))
	return i, nil
}

func (i *Instance) init(ctx context.Context) error {
	regs, err := i.backend.MapRegisters(ctx)
	if err != nil {
		return errors.Wrap(err, "map registers")
	}
	i.regs = regs
	i.undo.push("registers", regs.Close)

	status, err := i.backend.ReadStatus(ctx, regs)
	if err != nil {
		return errors.Wrap(err, "read status descriptor")
	}
	i.status = status

	ch, err := NewNotificationChannel(i.cfg.Notify)
	if err != nil {
		return errors.Wrap(err, "create notification channel")
	}
	ch.metrics = i.metrics
	i.channel = ch
	i.undo.push("notification channel", ch.Close)

	for _, name := range status.DMAEngines() {
		c, _ := status.Lookup(name)
		unit, err := i.backend.OpenDMA(ctx, name, c, regs)
		if err != nil {
			return errors.Wrapf(err, "open %s", name)
		}
		e := NewDMAEngine(name, unit, i.cfg.DMA)
		e.metrics = i.metrics
		n, _ := hal.DMAIndex(name)
		i.engines[n] = e
		i.order = append(i.order, n)
		i.undo.push(name, e.Close)
	}

	wctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go i.deferred(wctx, done)
	i.undo.push("interrupt worker", func() error {
		cancel()
		<-done
		return nil
	})

	unregister, err := i.backend.RegisterInterrupts(ctx, i.interrupt)
	if err != nil {
		return errors.Wrap(err, "register interrupts")
	}
	i.undo.push("interrupts", func() error {
		unregister()
		return nil
	})
	return nil
}

// Name returns the name of the device the instance belongs to.
func (i *Instance) Name() string {
	return i.name
}

// State returns the lifecycle state.
func (i *Instance) State() InstanceState {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// Status returns the status descriptor read during initialization.
func (i *Instance) Status() hal.StatusDescriptor {
	return i.status
}

// Channel returns the notification channel.
func (i *Instance) Channel() *NotificationChannel {
	return i.channel
}

// Engines returns the DMA engines ordered by engine number.
func (i *Instance) Engines() []*DMAEngine {
	engines := make([]*DMAEngine, 0, len(i.order))
	for _, n := range i.order {
		engines = append(engines, i.engines[n])
	}
	return engines
}

// Engine returns DMA engine n.
func (i *Instance) Engine(n int) (*DMAEngine, error) {
	e, ok := i.engines[n]
	if !ok {
		return nil, fmt.Errorf("dma engine %d: %w", n, pkg.ErrInvalidParameter)
	}
	return e, nil
}

// Close tears the instance down, releasing every resource in reverse order
// of acquisition. Only a Ready instance can be closed.
func (i *Instance) Close() error {
	i.mu.Lock()
	if i.state != Ready {
		state := i.state
		i.mu.Unlock()
		return fmt.Errorf("close instance in state %v: %w", state, pkg.ErrInvalidState)
	}
	i.state = TearingDown
	i.mu.Unlock()

	err := i.undo.unwind()

	i.mu.Lock()
	i.state = Destroyed
	i.mu.Unlock()
	pkg.LogInfo(pkg.ComponentDevice, "instance destroyed", "device", i.name)
	return err
}

// ready fails unless the instance accepts operations.
func (i *Instance) ready() error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.state != Ready {
		return fmt.Errorf("instance %s is %v: %w", i.name, i.state, pkg.ErrInvalidState)
	}
	return nil
}

// ReadCtl reads control words from register space.
func (i *Instance) ReadCtl(ctx context.Context, addr uint64, buf []byte) error {
	if err := i.ready(); err != nil {
		return err
	}
	return i.regs.ReadCtl(ctx, addr, buf)
}

// WriteCtl writes control words to register space.
func (i *Instance) WriteCtl(ctx context.Context, addr uint64, data []byte) error {
	if err := i.ready(); err != nil {
		return err
	}
	return i.regs.WriteCtl(ctx, addr, data)
}

// CopyTo copies data to device memory through DMA engine n.
func (i *Instance) CopyTo(ctx context.Context, engine int, devAddr uint64, data []byte) (int, error) {
	if err := i.ready(); err != nil {
		return 0, err
	}
	e, err := i.Engine(engine)
	if err != nil {
		return 0, err
	}
	return e.CopyTo(ctx, devAddr, data)
}

// CopyFrom copies device memory into data through DMA engine n.
func (i *Instance) CopyFrom(ctx context.Context, engine int, devAddr uint64, data []byte) (int, error) {
	if err := i.ready(); err != nil {
		return 0, err
	}
	e, err := i.Engine(engine)
	if err != nil {
		return 0, err
	}
	return e.CopyFrom(ctx, devAddr, data)
}

// ReadNotification blocks for the next completed source id.
func (i *Instance) ReadNotification(ctx context.Context) (uint32, error) {
	if err := i.ready(); err != nil {
		return 0, err
	}
	return i.channel.Read(ctx)
}

// WriteNotification injects a synthetic completion through the same path
// as a delivered one.
func (i *Instance) WriteNotification(ctx context.Context, id uint32) error {
	if err := i.ready(); err != nil {
		return err
	}
	return i.channel.Signal(ctx, id)
}

// RegisterInterrupt routes completions of processing element pe to sink.
// A nil sink restores the default route to the notification channel.
func (i *Instance) RegisterInterrupt(pe uint32, sink Sink) error {
	if err := i.ready(); err != nil {
		return err
	}
	if pe >= uint32(i.cfg.MaxPEs) {
		return fmt.Errorf("register interrupt for pe %d (max %d): %w", pe, i.cfg.MaxPEs, pkg.ErrInvalidParameter)
	}
	i.routesMu.Lock()
	defer i.routesMu.Unlock()
	if sink == nil {
		delete(i.routes, pe)
		return nil
	}
	i.routes[pe] = sink
	pkg.LogDebug(pkg.ComponentIRQ, "interrupt routed", "device", i.name, "pe", pe)
	return nil
}

func (i *Instance) sink(pe uint32) Sink {
	i.routesMu.RLock()
	defer i.routesMu.RUnlock()
	if s, ok := i.routes[pe]; ok {
		return s
	}
	return i.channel
}

// interrupt is the delivery callback handed to the backend. It must not
// block.
func (i *Instance) interrupt(source uint32) {
	src := i.backend.Classify(source)
	i.metrics.interrupt(src.Kind)

	switch src.Kind {
	case hal.SourceDMA:
		e, ok := i.engines[src.Engine]
		if !ok {
			pkg.LogDebug(pkg.ComponentIRQ, "completion for unknown engine",
				"device", i.name, "engine", src.Engine)
			return
		}
		e.Acknowledge(src.Dir, src.Fault)

	case hal.SourcePE:
		if src.PE >= uint32(i.cfg.MaxPEs) {
			pkg.LogDebug(pkg.ComponentIRQ, "completion for out-of-range pe",
				"device", i.name, "pe", src.PE)
			return
		}
		i.pending[src.PE/64].Or(1 << (src.PE % 64))
		select {
		case i.wake <- struct{}{}:
		default:
		}

	default:
		pkg.LogDebug(pkg.ComponentIRQ, "unclassified interrupt dropped",
			"device", i.name, "source", source)
	}
}

// deferred is the worker goroutine draining pending completions.
func (i *Instance) deferred(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-i.wake:
		}
		for w := range i.pending {
			set := i.pending[w].Swap(0)
			for set != 0 {
				b := bits.TrailingZeros64(set)
				set &= set - 1
				pe := uint32(w*64 + b)
				if err := i.sink(pe).Notify(ctx, pe); err != nil {
					if ctx.Err() != nil {
						return
					}
					pkg.LogWarn(pkg.ComponentIRQ, "completion not delivered",
						"device", i.name, "pe", pe, "error", err)
				}
			}
		}
	}
}
