package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ardnew/softfpga/device/hal"
	"github.com/ardnew/softfpga/device/hal/wire"
	"github.com/ardnew/softfpga/pkg"
	"github.com/ardnew/softfpga/pkg/slot"
)

// Backend is a simulated accelerator. It drives an in-process [Model], or a
// model in another process when Config.Remote is set.
//
// DMA units always run in the host process and move data through the device
// memory window of the register space, so transfers behave the same whether
// the model is local or remote.
type Backend struct {
	cfg    Config
	layout layout
	serial uuid.UUID
	model  *Model // Nil when remote

	mu      sync.RWMutex // Held for reading while a handler runs
	handler hal.InterruptHandler

	allocs *slot.Pool[uint64] // Requested size per allocation window
}

// NewBackend creates a simulated accelerator for cfg. Unless cfg.Remote is
// set, a new model is created for it.
func NewBackend(cfg Config) (*Backend, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	b := &Backend{
		cfg:    cfg,
		layout: newLayout(cfg),
		serial: uuid.New(),
	}
	if n := cfg.MemorySize / cfg.AllocSize; n > 0 {
		b.allocs = slot.New[uint64](int(n))
	}
	if cfg.Remote == "" {
		m, err := NewModel(cfg)
		if err != nil {
			return nil, err
		}
		b.model = m
		m.Subscribe(b.deliver)
	}
	return b, nil
}

// Model returns the in-process model, or nil for a remote backend.
func (b *Backend) Model() *Model {
	return b.model
}

// Serial returns the serial number assigned at creation.
func (b *Backend) Serial() string {
	return b.serial.String()
}

// Identity implements [hal.Backend].
func (b *Backend) Identity() hal.Identity {
	name := b.cfg.Name
	if name == "" {
		name = "sim-" + b.serial.String()[:8]
	}
	return hal.Identity{VendorID: b.cfg.VendorID, ProductID: b.cfg.ProductID, Name: name}
}

// Sizes implements [hal.Backend].
func (b *Backend) Sizes() hal.Sizes {
	return b.layout.sizes()
}

// MapRegisters implements [hal.Backend]. A remote backend dials the serving
// process; interrupts pushed on that connection are delivered to the handler
// registered with RegisterInterrupts.
func (b *Backend) MapRegisters(ctx context.Context) (hal.RegisterSpace, error) {
	if b.model != nil {
		return b.model.Map(), nil
	}
	c, err := wire.Dial(ctx, b.cfg.Network, b.cfg.Remote, wire.WithInterruptHandler(b.deliver))
	if err != nil {
		return nil, err
	}
	pkg.LogInfo(pkg.ComponentHAL, "connected to remote model", "device", b.Identity().Name, "remote", b.cfg.Remote)
	return c, nil
}

// ReadStatus implements [hal.Backend]. The status region holds the
// descriptor in the [hal.EncodeStatus] format.
func (b *Backend) ReadStatus(ctx context.Context, regs hal.RegisterSpace) (hal.StatusDescriptor, error) {
	return hal.ReadStatus(ctx, regs, 0, StatusSize)
}

// OpenDMA implements [hal.Backend].
func (b *Backend) OpenDMA(_ context.Context, name string, c hal.Component, regs hal.RegisterSpace) (hal.DMAUnit, error) {
	n, ok := hal.DMAIndex(name)
	if !ok || n >= b.cfg.DMAEngines {
		return nil, fmt.Errorf("open %s: %w", name, pkg.ErrNoDevice)
	}
	return newDMAUnit(n, regs, c.Offset, b.layout.memBase(), b.layout.memSize, b.deliver), nil
}

// RegisterInterrupts implements [hal.Backend]. Only one handler may be
// registered at a time.
func (b *Backend) RegisterInterrupts(_ context.Context, h hal.InterruptHandler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handler != nil {
		return nil, fmt.Errorf("register interrupts on %s: %w", b.Identity().Name, pkg.ErrBusy)
	}
	b.handler = h
	return b.unregister, nil
}

func (b *Backend) unregister() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = nil
}

// deliver passes source to the registered handler. Unregistering waits for a
// delivery in progress to return.
func (b *Backend) deliver(source uint32) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.handler != nil {
		b.handler(source)
	}
}

// Classify implements [hal.Backend].
func (b *Backend) Classify(source uint32) hal.Source {
	return Classify(source)
}

// Alloc implements [hal.MemoryManager]. Device memory is handed out in
// windows of Config.AllocSize bytes.
func (b *Backend) Alloc(size uint64) (uint64, error) {
	if b.allocs == nil || size == 0 || size > b.cfg.AllocSize {
		return 0, fmt.Errorf("alloc %d bytes: %w", size, pkg.ErrInvalidParameter)
	}
	h, err := b.allocs.Acquire()
	if err != nil {
		return 0, fmt.Errorf("alloc %d bytes: %w", size, err)
	}
	*b.allocs.Get(h) = size
	return uint64(h) * b.cfg.AllocSize, nil
}

// Free implements [hal.MemoryManager].
func (b *Backend) Free(addr uint64) error {
	if b.allocs == nil || addr%b.cfg.AllocSize != 0 {
		return fmt.Errorf("free 0x%x: %w", addr, pkg.ErrInvalidParameter)
	}
	h := slot.Handle(addr / b.cfg.AllocSize)
	if !b.allocs.InUse(h) {
		return fmt.Errorf("free 0x%x: not allocated: %w", addr, pkg.ErrInvalidParameter)
	}
	return b.allocs.Release(h)
}

// Driver discovers simulated accelerators.
type Driver struct {
	cfgs []Config

	mu       sync.Mutex
	backends []*Backend
}

// NewDriver returns a driver that discovers one backend per configuration.
func NewDriver(cfgs ...Config) *Driver {
	return &Driver{cfgs: cfgs}
}

// Name implements [hal.Driver].
func (d *Driver) Name() string {
	return "sim"
}

// Discover implements [hal.Driver].
func (d *Driver) Discover(context.Context) ([]hal.Backend, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]hal.Backend, 0, len(d.cfgs))
	for i, cfg := range d.cfgs {
		b, err := NewBackend(cfg)
		if err != nil {
			return nil, fmt.Errorf("sim device %d: %w", i, err)
		}
		d.backends = append(d.backends, b)
		out = append(out, b)
	}
	return out, nil
}

// Close stops the models of every discovered backend.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, b := range d.backends {
		if b.model != nil {
			b.model.Close()
		}
	}
	d.backends = nil
	return nil
}
