//go:build linux

package linux

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softfpga/device/hal"
	"github.com/ardnew/softfpga/pkg"
	"github.com/ardnew/softfpga/pkg/linux/pciid"
)

// Default platform parameters.
const (
	DefaultDevRoot    = "/dev"
	DefaultStatusSize = 0x2000
)

// StatusDecoder reads the status descriptor of a mapped device.
type StatusDecoder func(ctx context.Context, regs hal.RegisterSpace) (hal.StatusDescriptor, error)

// DMAOpener opens the DMA unit of a component. DMA programming is specific
// to the platform design loaded on the device.
type DMAOpener func(ctx context.Context, name string, c hal.Component, regs hal.RegisterSpace) (hal.DMAUnit, error)

// PendingReader reads and acknowledges the interrupt sources pending at the
// device's interrupt controller. It runs once per UIO event.
type PendingReader func(ctx context.Context, regs hal.RegisterSpace) ([]uint32, error)

// Config selects and describes the PCI accelerators of one platform.
type Config struct {
	// SysfsRoot is the PCI device directory. Defaults to [SysfsPCIPath].
	SysfsRoot string
	// DevRoot holds the UIO device nodes. Defaults to [DefaultDevRoot].
	DevRoot string

	// VendorID selects functions by vendor.
	VendorID uint16
	// ProductIDs, when not empty, further restricts the device ids.
	ProductIDs []uint16

	// BARs lists the base address registers mapped into register space, in
	// order. The first holds the status and architecture regions, the rest
	// form the platform region. Defaults to BAR 0 and 2.
	BARs []int
	// StatusSize is the size of the status region at the start of the first
	// BAR. Defaults to [DefaultStatusSize].
	StatusSize uint64

	// Decode reads the status descriptor. Defaults to [hal.ReadStatus] over
	// the status region.
	Decode StatusDecoder
	// OpenDMA opens DMA units. Without it devices with DMA engines fail to
	// initialize.
	OpenDMA DMAOpener
	// Pending reads interrupt sources. Without it interrupts are unsupported.
	Pending PendingReader
	// Classify decodes interrupt sources. Without it every source is
	// unknown and dropped.
	Classify hal.Classifier

	// IDs names discovered functions in logs. Optional.
	IDs *pciid.Database
}

func (c Config) withDefaults() Config {
	if c.SysfsRoot == "" {
		c.SysfsRoot = SysfsPCIPath
	}
	if c.DevRoot == "" {
		c.DevRoot = DefaultDevRoot
	}
	if len(c.BARs) == 0 {
		c.BARs = []int{0, 2}
	}
	if c.StatusSize == 0 {
		c.StatusSize = DefaultStatusSize
	}
	return c
}

// Driver discovers PCI accelerators through sysfs.
type Driver struct {
	cfg Config
}

// NewDriver creates a driver for the platform described by cfg.
func NewDriver(cfg Config) *Driver {
	return &Driver{cfg: cfg.withDefaults()}
}

// Name implements [hal.Driver].
func (d *Driver) Name() string {
	return "pci"
}

// Discover implements [hal.Driver].
func (d *Driver) Discover(context.Context) ([]hal.Backend, error) {
	for _, n := range d.cfg.BARs {
		if n < 0 || n >= maxBARs {
			return nil, fmt.Errorf("bar %d: %w", n, pkg.ErrInvalidParameter)
		}
	}
	infos, err := scanPCIDevices(d.cfg.SysfsRoot, d.cfg.VendorID)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", d.cfg.SysfsRoot, err)
	}
	var out []hal.Backend
	for _, info := range infos {
		if len(d.cfg.ProductIDs) > 0 && !slices.Contains(d.cfg.ProductIDs, info.deviceID) {
			continue
		}
		out = append(out, &Backend{cfg: d.cfg, info: info, openUIO: openUIO})
		pkg.LogInfo(pkg.ComponentHAL, "found pci accelerator",
			"addr", info.addr, "device", d.describe(info), "uio", info.uio)
	}
	return out, nil
}

func (d *Driver) describe(info pciDeviceInfo) string {
	if d.cfg.IDs == nil {
		return fmt.Sprintf("[%04x:%04x]", info.vendorID, info.deviceID)
	}
	return d.cfg.IDs.Describe(info.vendorID, info.deviceID)
}

// Backend is one PCI accelerator.
type Backend struct {
	cfg  Config
	info pciDeviceInfo

	openUIO func(path string) (int, error)

	mu     sync.Mutex
	regs   hal.RegisterSpace // Most recent mapping, read by the interrupt path
	poller *poller
	uiofd  int
}

func openUIO(path string) (int, error) {
	return unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
}

// Identity implements [hal.Backend]. The name is the PCI bus address.
func (b *Backend) Identity() hal.Identity {
	return hal.Identity{VendorID: b.info.vendorID, ProductID: b.info.deviceID, Name: b.info.addr}
}

// Sizes implements [hal.Backend].
func (b *Backend) Sizes() hal.Sizes {
	var s hal.Sizes
	for i, n := range b.cfg.BARs {
		size := b.info.bars[n].size()
		if i == 0 {
			s.Status = min(b.cfg.StatusSize, size)
			s.Arch = size - s.Status
			continue
		}
		s.Platform += size
	}
	return s
}

// MapRegisters implements [hal.Backend].
func (b *Backend) MapRegisters(context.Context) (hal.RegisterSpace, error) {
	paths := make([]string, len(b.cfg.BARs))
	for i, n := range b.cfg.BARs {
		paths[i] = filepath.Join(b.info.sysfsPath, fmt.Sprintf("resource%d", n))
	}
	regs, err := mapBARs(paths)
	if err != nil {
		return nil, fmt.Errorf("map %s: %w", b.info.addr, err)
	}
	b.mu.Lock()
	b.regs = regs
	b.mu.Unlock()
	return regs, nil
}

// ReadStatus implements [hal.Backend].
func (b *Backend) ReadStatus(ctx context.Context, regs hal.RegisterSpace) (hal.StatusDescriptor, error) {
	if b.cfg.Decode != nil {
		return b.cfg.Decode(ctx, regs)
	}
	return hal.ReadStatus(ctx, regs, 0, b.cfg.StatusSize)
}

// OpenDMA implements [hal.Backend].
func (b *Backend) OpenDMA(ctx context.Context, name string, c hal.Component, regs hal.RegisterSpace) (hal.DMAUnit, error) {
	if b.cfg.OpenDMA == nil {
		return nil, fmt.Errorf("open %s on %s: %w", name, b.info.addr, pkg.ErrNotSupported)
	}
	return b.cfg.OpenDMA(ctx, name, c, regs)
}

// RegisterInterrupts implements [hal.Backend]. Interrupts arrive through
// the UIO device bound to the function. After each event the pending
// sources are read from the device and the UIO interrupt is re-enabled.
//
// Without a UIO node or a Pending hook no interrupts are delivered and the
// returned unregister function does nothing; callers then poll.
func (b *Backend) RegisterInterrupts(_ context.Context, h hal.InterruptHandler) (func(), error) {
	if b.info.uio == "" || b.cfg.Pending == nil {
		pkg.LogWarn(pkg.ComponentIRQ, "interrupts unavailable",
			"device", b.info.addr, "uio", b.info.uio != "", "pending", b.cfg.Pending != nil)
		return func() {}, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.poller != nil {
		return nil, fmt.Errorf("interrupts on %s: %w", b.info.addr, pkg.ErrBusy)
	}

	fd, err := b.openUIO(filepath.Join(b.cfg.DevRoot, b.info.uio))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", b.info.uio, err)
	}
	p, err := newPoller()
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("create poller: %w", err)
	}
	b.uiofd, b.poller = fd, p

	if err := b.enable(); err != nil {
		b.stopInterrupts()
		return nil, err
	}
	regs := b.regs
	if err := p.add(fd, func() { b.service(regs, h) }); err != nil {
		b.stopInterrupts()
		return nil, fmt.Errorf("watch %s: %w", b.info.uio, err)
	}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.stopInterrupts()
	}, nil
}

// stopInterrupts tears down interrupt delivery. The caller holds b.mu.
func (b *Backend) stopInterrupts() {
	if b.poller == nil {
		return
	}
	b.poller.close()
	unix.Close(b.uiofd)
	b.poller, b.uiofd = nil, -1
}

// enable unmasks the UIO interrupt.
func (b *Backend) enable() error {
	var on [4]byte
	binary.NativeEndian.PutUint32(on[:], 1)
	if _, err := unix.Write(b.uiofd, on[:]); err != nil {
		return fmt.Errorf("enable %s: %w", b.info.uio, err)
	}
	return nil
}

// service runs on the poller goroutine for each UIO event. stopInterrupts
// waits for the poller, so regs and h outlive every call.
func (b *Backend) service(regs hal.RegisterSpace, h hal.InterruptHandler) {
	var count [4]byte
	if _, err := unix.Read(b.uiofd, count[:]); err != nil {
		if !errors.Is(err, unix.EAGAIN) {
			pkg.LogWarn(pkg.ComponentIRQ, "read uio event", "device", b.info.addr, "error", err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	sources, err := b.cfg.Pending(ctx, regs)
	cancel()
	if err != nil {
		pkg.LogWarn(pkg.ComponentIRQ, "read pending sources", "device", b.info.addr, "error", err)
	}
	for _, s := range sources {
		h(s)
	}
	if err := b.enable(); err != nil {
		pkg.LogWarn(pkg.ComponentIRQ, "re-enable interrupts", "device", b.info.addr, "error", err)
	}
}

// Classify implements [hal.Backend].
func (b *Backend) Classify(source uint32) hal.Source {
	if b.cfg.Classify == nil {
		return hal.Source{Kind: hal.SourceUnknown}
	}
	return b.cfg.Classify(source)
}
