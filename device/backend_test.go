package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/softfpga/device/hal"
	"github.com/ardnew/softfpga/pkg"
)

var errInjected = errors.New("injected failure")

// Fake source encoding: DMA completions set the top bit, unknown sources
// set bit 30, anything else is a PE number.
const (
	fakeDMABit     = 1 << 31
	fakeUnknownBit = 1 << 30
)

func fakeDMASource(engine int, dir hal.Direction, fault bool) uint32 {
	src := uint32(fakeDMABit) | uint32(engine)<<2 | uint32(dir)<<1
	if fault {
		src |= 1
	}
	return src
}

// fakeRegs is an in-memory register space.
type fakeRegs struct {
	b   *fakeBackend
	mu  sync.Mutex
	mem []byte
}

func (r *fakeRegs) ReadCtl(_ context.Context, addr uint64, buf []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if addr+uint64(len(buf)) > uint64(len(r.mem)) {
		return fmt.Errorf("read 0x%x: %w", addr, pkg.ErrInvalidParameter)
	}
	copy(buf, r.mem[addr:])
	return nil
}

func (r *fakeRegs) WriteCtl(_ context.Context, addr uint64, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if addr+uint64(len(data)) > uint64(len(r.mem)) {
		return fmt.Errorf("write 0x%x: %w", addr, pkg.ErrInvalidParameter)
	}
	copy(r.mem[addr:], data)
	return nil
}

func (r *fakeRegs) Close() error {
	r.b.record("close regs")
	return nil
}

// fakeUnit reports its Close to the backend event log.
type fakeUnit struct {
	*memUnit
	b    *fakeBackend
	name string
}

func (u *fakeUnit) Close() error {
	u.b.record("close " + u.name)
	return u.memUnit.Close()
}

// fakeBackend is a configurable hal.Backend. Every acquisition and release
// is appended to an event log. failAt names the step that fails: "map",
// "status", a DMA component name, or "interrupts".
type fakeBackend struct {
	ident  hal.Identity
	status hal.StatusDescriptor
	failAt string

	mu      sync.Mutex
	events  []string
	handler hal.InterruptHandler
	units   map[int]*memUnit
}

func newFakeBackend(name string) *fakeBackend {
	return &fakeBackend{
		ident: hal.Identity{VendorID: 0x10ee, ProductID: 0x7038, Name: name},
		status: hal.StatusDescriptor{
			"pe":   {Offset: 0x0000, Size: 0x1000},
			"dma0": {Offset: 0x1000, Size: 0x100},
			"dma1": {Offset: 0x1100, Size: 0x100},
		},
		units: make(map[int]*memUnit),
	}
}

func (b *fakeBackend) record(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *fakeBackend) log() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

// raise delivers an interrupt if a handler is registered.
func (b *fakeBackend) raise(source uint32) {
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	if h != nil {
		h(source)
	}
}

func (b *fakeBackend) unit(n int) *memUnit {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.units[n]
}

func (b *fakeBackend) Identity() hal.Identity { return b.ident }

func (b *fakeBackend) Sizes() hal.Sizes {
	return hal.Sizes{Status: 0x100, Arch: 0x1000, Platform: 0x1000}
}

func (b *fakeBackend) MapRegisters(context.Context) (hal.RegisterSpace, error) {
	if b.failAt == "map" {
		return nil, errInjected
	}
	b.record("map")
	return &fakeRegs{b: b, mem: make([]byte, 0x2000)}, nil
}

func (b *fakeBackend) ReadStatus(context.Context, hal.RegisterSpace) (hal.StatusDescriptor, error) {
	if b.failAt == "status" {
		return nil, errInjected
	}
	return b.status, nil
}

func (b *fakeBackend) OpenDMA(_ context.Context, name string, _ hal.Component, _ hal.RegisterSpace) (hal.DMAUnit, error) {
	if b.failAt == name {
		return nil, errInjected
	}
	n, _ := hal.DMAIndex(name)
	u := newMemUnit(0x10000)
	u.ack = func(dir hal.Direction, fault bool) {
		b.raise(fakeDMASource(n, dir, fault))
	}
	go u.run()
	b.mu.Lock()
	b.units[n] = u
	b.mu.Unlock()
	b.record("open " + name)
	return &fakeUnit{memUnit: u, b: b, name: name}, nil
}

func (b *fakeBackend) RegisterInterrupts(_ context.Context, h hal.InterruptHandler) (func(), error) {
	if b.failAt == "interrupts" {
		return nil, errInjected
	}
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
	b.record("register")
	return func() {
		b.mu.Lock()
		b.handler = nil
		b.mu.Unlock()
		b.record("unregister")
	}, nil
}

func (b *fakeBackend) Classify(source uint32) hal.Source {
	switch {
	case source&fakeDMABit != 0:
		return hal.Source{
			Kind:   hal.SourceDMA,
			Engine: int(source>>2) & 0xff,
			Dir:    hal.Direction(source>>1) & 1,
			Fault:  source&1 != 0,
		}
	case source&fakeUnknownBit != 0:
		return hal.Source{Kind: hal.SourceUnknown}
	default:
		return hal.Source{Kind: hal.SourcePE, PE: source}
	}
}

// fakeMemBackend adds a memory manager to fakeBackend.
type fakeMemBackend struct {
	*fakeBackend
	next uint64
	live map[uint64]bool
}

func (b *fakeMemBackend) Alloc(size uint64) (uint64, error) {
	if size == 0 {
		return 0, pkg.ErrInvalidParameter
	}
	addr := b.next
	b.next += (size + 0xfff) &^ 0xfff
	b.live[addr] = true
	return addr, nil
}

func (b *fakeMemBackend) Free(addr uint64) error {
	if !b.live[addr] {
		return pkg.ErrInvalidParameter
	}
	delete(b.live, addr)
	return nil
}

// fakeDriver discovers a fixed set of backends.
type fakeDriver struct {
	backends []hal.Backend
	err      error
}

func (d fakeDriver) Name() string { return "fake" }

func (d fakeDriver) Discover(context.Context) ([]hal.Backend, error) {
	return d.backends, d.err
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Notify.Capacity = 16
	cfg.DMA = DMAConfig{ChunkSize: 64, Buffers: 2, Alignment: 8}
	cfg.MaxPEs = 128
	return cfg
}
