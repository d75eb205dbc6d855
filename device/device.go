package device

import (
	"context"
	"fmt"

	"github.com/ardnew/softfpga/device/hal"
	"github.com/ardnew/softfpga/pkg"
)

// Device is one discovered accelerator. It persists for the lifetime of the
// bus; its Instance exists only while at least one holder has it acquired.
type Device struct {
	id      int
	backend hal.Backend
	arbiter *Arbiter[*Instance]
}

func newDevice(id int, backend hal.Backend, cfg Config, metrics *Metrics) *Device {
	d := &Device{id: id, backend: backend}
	name := d.Name()
	d.arbiter = NewArbiter(
		func(ctx context.Context) (*Instance, error) {
			return NewInstance(ctx, name, backend, cfg, metrics)
		},
		(*Instance).Close,
	)
	if dm := metrics.forDevice(name); dm != nil {
		d.arbiter.setOnChange(dm.setHolders)
	}
	return d
}

// ID returns the bus-assigned device number.
func (d *Device) ID() int {
	return d.id
}

// Name returns the device name.
func (d *Device) Name() string {
	if name := d.backend.Identity().Name; name != "" {
		return name
	}
	return fmt.Sprintf("fpga%d", d.id)
}

// Identity returns the backend identity.
func (d *Device) Identity() hal.Identity {
	return d.backend.Identity()
}

// Backend returns the backend the device was discovered on.
func (d *Device) Backend() hal.Backend {
	return d.backend
}

// Acquire registers a holder in mode, creating the instance on first use.
func (d *Device) Acquire(ctx context.Context, mode AccessMode) (*Instance, error) {
	inst, err := d.arbiter.Acquire(ctx, mode)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", d.Name(), err)
	}
	pkg.LogDebug(pkg.ComponentDevice, "device acquired",
		"device", d.Name(), "mode", mode.String(), "state", d.arbiter.State().String())
	return inst, nil
}

// Release drops one holder in mode, destroying the instance with the last.
func (d *Device) Release(mode AccessMode) error {
	if err := d.arbiter.Release(mode); err != nil {
		return fmt.Errorf("device %s: %w", d.Name(), err)
	}
	pkg.LogDebug(pkg.ComponentDevice, "device released",
		"device", d.Name(), "mode", mode.String(), "state", d.arbiter.State().String())
	return nil
}

// State returns the arbiter state.
func (d *Device) State() ArbiterState {
	return d.arbiter.State()
}

// Refs returns the number of holders in mode.
func (d *Device) Refs(mode AccessMode) int {
	return d.arbiter.Refs(mode)
}

// Instance returns the live instance, if any.
func (d *Device) Instance() (*Instance, bool) {
	return d.arbiter.Instance()
}

// Info returns the enumeration entry of the device.
func (d *Device) Info() DeviceInfo {
	id := d.backend.Identity()
	return DeviceInfo{
		ID:        d.id,
		Name:      d.Name(),
		VendorID:  id.VendorID,
		ProductID: id.ProductID,
		State:     d.arbiter.State(),
	}
}

// Execute runs a device command. Commands other than INFO, SIZE, ALLOC and
// FREE require a live instance.
//
// Execute does not check that the caller holds an access mode; callers
// acquire one with [Device.Acquire] first. A command that races with
// teardown of the instance fails with [pkg.ErrInvalidState] or
// [pkg.ErrClosed].
func (d *Device) Execute(ctx context.Context, cmd Command) (Response, error) {
	if cmd == nil {
		return nil, fmt.Errorf("nil command: %w", pkg.ErrInvalidCommand)
	}
	pkg.LogDebug(pkg.ComponentDevice, "execute", "device", d.Name(), "command", cmd.ID().String())

	switch c := cmd.(type) {
	case EnumDevicesCmd, CreateDeviceCmd, DestroyDeviceCmd, VersionCmd:
		return nil, fmt.Errorf("%v is not a device command: %w", c.ID(), pkg.ErrInvalidCommand)

	case InfoCmd:
		return InfoResponse{Identity: d.Identity()}, nil

	case SizeCmd:
		return SizeResponse{Sizes: d.backend.Sizes()}, nil

	case AllocCmd:
		mm, ok := d.backend.(hal.MemoryManager)
		if !ok {
			return nil, fmt.Errorf("%v on %s: %w", c.ID(), d.Name(), pkg.ErrNotSupported)
		}
		addr, err := mm.Alloc(c.Size)
		if err != nil {
			return nil, err
		}
		return AllocResponse{Addr: addr}, nil

	case FreeCmd:
		mm, ok := d.backend.(hal.MemoryManager)
		if !ok {
			return nil, fmt.Errorf("%v on %s: %w", c.ID(), d.Name(), pkg.ErrNotSupported)
		}
		if err := mm.Free(c.Addr); err != nil {
			return nil, err
		}
		return Done{}, nil
	}

	inst, ok := d.Instance()
	if !ok {
		return nil, fmt.Errorf("%v on %s: device not created: %w", cmd.ID(), d.Name(), pkg.ErrInvalidState)
	}

	switch c := cmd.(type) {
	case CopyToCmd:
		n, err := inst.CopyTo(ctx, c.Engine, c.DevAddr, c.Data)
		return CopyResponse{N: n}, err

	case CopyFromCmd:
		n, err := inst.CopyFrom(ctx, c.Engine, c.DevAddr, c.Data)
		return CopyResponse{N: n}, err

	case RegisterInterruptCmd:
		if err := inst.RegisterInterrupt(c.PE, c.Sink); err != nil {
			return nil, err
		}
		return Done{}, nil

	case ReadCmd:
		if c.Length < 0 {
			return nil, fmt.Errorf("read length %d: %w", c.Length, pkg.ErrInvalidParameter)
		}
		buf := make([]byte, c.Length)
		if err := inst.ReadCtl(ctx, c.Addr, buf); err != nil {
			return nil, err
		}
		return ReadResponse{Data: buf}, nil

	case WriteCmd:
		if err := inst.WriteCtl(ctx, c.Addr, c.Data); err != nil {
			return nil, err
		}
		return Done{}, nil

	case ReadNotificationCmd:
		id, err := inst.ReadNotification(ctx)
		if err != nil {
			return nil, err
		}
		return NotificationResponse{ID: id}, nil

	case WriteNotificationCmd:
		if err := inst.WriteNotification(ctx, c.Source); err != nil {
			return nil, err
		}
		return Done{}, nil

	default:
		return nil, fmt.Errorf("%v is not a device command: %w", cmd.ID(), pkg.ErrInvalidCommand)
	}
}
