package sim

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/softfpga/device/hal"
	"github.com/ardnew/softfpga/pkg"
)

// Model is the device side of a simulated accelerator: its register file,
// processing elements, device memory and interrupt line.
//
// A Model is served in-process by a [Backend] or exposed to other processes
// through a wire server.
type Model struct {
	cfg    Config
	layout layout

	mu    sync.RWMutex
	regs  []byte // Status, architecture and platform windows
	mem   []byte // Device memory
	busy  []bool // Per-PE run state
	timer map[int]*time.Timer

	subMu   sync.RWMutex
	subs    map[int]hal.InterruptHandler
	nextSub int

	failNext atomic.Int64
	closed   atomic.Bool
}

// NewModel creates a device model with the register map described by cfg.
func NewModel(cfg Config) (*Model, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l := newLayout(cfg)
	m := &Model{
		cfg:    cfg,
		layout: l,
		regs:   make([]byte, l.memBase()),
		mem:    make([]byte, cfg.MemorySize),
		busy:   make([]bool, cfg.PEs),
		timer:  make(map[int]*time.Timer),
		subs:   make(map[int]hal.InterruptHandler),
	}

	blob, err := hal.EncodeStatus(l.status(), StatusSize)
	if err != nil {
		return nil, err
	}
	copy(m.regs, blob)
	return m, nil
}

// Config returns the model configuration with defaults applied.
func (m *Model) Config() Config {
	return m.cfg
}

// Sizes returns the register region sizes.
func (m *Model) Sizes() hal.Sizes {
	return m.layout.sizes()
}

// Map returns a view of the register space. Closing the view does not
// affect the model or other views.
func (m *Model) Map() hal.RegisterSpace {
	return &mapping{model: m}
}

// Subscribe adds h to the interrupt line and returns a function that removes
// it. No call to h starts after the returned function returns.
func (m *Model) Subscribe(h hal.InterruptHandler) (cancel func()) {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = h
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

// Raise delivers source to every subscriber.
func (m *Model) Raise(source uint32) {
	if m.closed.Load() {
		return
	}
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, h := range m.subs {
		h(source)
	}
}

// FailNext makes the next n device memory accesses fail, as if the device
// raised error flags.
func (m *Model) FailNext(n int) {
	m.failNext.Store(int64(n))
}

// Close stops running processing elements. Pending completions are dropped.
func (m *Model) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.timer {
		t.Stop()
		delete(m.timer, i)
	}
	return nil
}

// ReadCtl reads register space or device memory.
func (m *Model) ReadCtl(_ context.Context, addr uint64, buf []byte) error {
	if err := m.check(addr, len(buf)); err != nil {
		return fmt.Errorf("read 0x%x: %w", addr, err)
	}
	if addr >= m.layout.memBase() {
		if err := m.inject(); err != nil {
			return fmt.Errorf("read 0x%x: %w", addr, err)
		}
		m.mu.RLock()
		copy(buf, m.mem[addr-m.layout.memBase():])
		m.mu.RUnlock()
		return nil
	}
	m.mu.RLock()
	copy(buf, m.regs[addr:])
	m.mu.RUnlock()
	return nil
}

// WriteCtl writes register space or device memory. Writing [PEStart] to a
// processing element's control word launches it.
func (m *Model) WriteCtl(_ context.Context, addr uint64, data []byte) error {
	if err := m.check(addr, len(data)); err != nil {
		return fmt.Errorf("write 0x%x: %w", addr, err)
	}
	if addr < StatusSize {
		return fmt.Errorf("write 0x%x: status region is read-only: %w", addr, pkg.ErrInvalidParameter)
	}
	if addr >= m.layout.memBase() {
		if err := m.inject(); err != nil {
			return fmt.Errorf("write 0x%x: %w", addr, err)
		}
		m.mu.Lock()
		copy(m.mem[addr-m.layout.memBase():], data)
		m.mu.Unlock()
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.regs[addr:], data)
	end := addr + uint64(len(data))
	for pe := range m.cfg.PEs {
		ctl := m.layout.pe(pe) + PECtl
		if ctl >= addr && ctl < end && data[ctl-addr]&PEStart != 0 {
			m.launch(pe)
		}
	}
	return nil
}

// check rejects accesses that leave the address space or straddle the start
// of device memory.
func (m *Model) check(addr uint64, n int) error {
	end := addr + uint64(n)
	switch {
	case m.closed.Load():
		return pkg.ErrClosed
	case end < addr || end > m.layout.size():
		return fmt.Errorf("%d bytes outside register space: %w", n, pkg.ErrInvalidParameter)
	case addr < m.layout.memBase() && end > m.layout.memBase():
		return fmt.Errorf("%d bytes across device memory boundary: %w", n, pkg.ErrInvalidParameter)
	}
	return nil
}

func (m *Model) inject() error {
	for {
		n := m.failNext.Load()
		if n <= 0 {
			return nil
		}
		if m.failNext.CompareAndSwap(n, n-1) {
			return fmt.Errorf("injected: %w", pkg.ErrHardwareFault)
		}
	}
}

// launch starts pe. The caller holds m.mu. A launch while running is ignored.
func (m *Model) launch(pe int) {
	if m.busy[pe] {
		pkg.LogDebug(pkg.ComponentHAL, "launch of running pe ignored", "pe", pe)
		return
	}
	m.busy[pe] = true
	m.timer[pe] = time.AfterFunc(time.Duration(m.cfg.Latency), func() { m.complete(pe) })
}

func (m *Model) complete(pe int) {
	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		return
	}
	w := m.regs[m.layout.pe(pe):]
	arg := binary.LittleEndian.Uint64(w[PEArg:])
	binary.LittleEndian.PutUint64(w[PEResult:], arg+1)
	binary.LittleEndian.PutUint64(w[PECount:], binary.LittleEndian.Uint64(w[PECount:])+1)
	w[PECtl] &^= PEStart
	m.busy[pe] = false
	delete(m.timer, pe)
	m.mu.Unlock()

	m.Raise(PESource(pe))
}

// mapping is one view of a model's register space.
type mapping struct {
	model  *Model
	closed atomic.Bool
}

func (v *mapping) ReadCtl(ctx context.Context, addr uint64, buf []byte) error {
	if v.closed.Load() {
		return fmt.Errorf("read 0x%x: %w", addr, pkg.ErrClosed)
	}
	return v.model.ReadCtl(ctx, addr, buf)
}

func (v *mapping) WriteCtl(ctx context.Context, addr uint64, data []byte) error {
	if v.closed.Load() {
		return fmt.Errorf("write 0x%x: %w", addr, pkg.ErrClosed)
	}
	return v.model.WriteCtl(ctx, addr, data)
}

func (v *mapping) Close() error {
	if v.closed.Swap(true) {
		return fmt.Errorf("close mapping: %w", pkg.ErrClosed)
	}
	return nil
}
