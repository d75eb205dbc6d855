package device

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/ardnew/softfpga/device/hal"
	"github.com/ardnew/softfpga/pkg"
)

// Version is the control plane version reported by [VersionCmd].
const Version = "1.0.0"

// Bus owns every discovered device. Devices are discovered once, when the
// bus is created, and are independent of each other.
type Bus struct {
	cfg     Config
	devices []*Device
}

// NewBus discovers devices with each driver in turn. Device numbers follow
// discovery order.
func NewBus(ctx context.Context, cfg Config, metrics *Metrics, drivers ...hal.Driver) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Bus{cfg: cfg}
	for _, drv := range drivers {
		backends, err := drv.Discover(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "discover %s devices", drv.Name())
		}
		for _, be := range backends {
			d := newDevice(len(b.devices), be, cfg, metrics)
			b.devices = append(b.devices, d)
			pkg.LogInfo(pkg.ComponentBus, "device discovered",
				"id", d.ID(), "name", d.Name(), "driver", drv.Name(),
				"vendor", fmt.Sprintf("0x%04x", d.Identity().VendorID),
				"product", fmt.Sprintf("0x%04x", d.Identity().ProductID))
		}
	}
	return b, nil
}

// Config returns the configuration applied to every device instance.
func (b *Bus) Config() Config {
	return b.cfg
}

// Devices returns all discovered devices.
func (b *Bus) Devices() []*Device {
	return b.devices
}

// Device returns device id.
func (b *Bus) Device(id int) (*Device, error) {
	if id < 0 || id >= len(b.devices) {
		return nil, fmt.Errorf("device %d: %w", id, pkg.ErrNoDevice)
	}
	return b.devices[id], nil
}

// Execute runs a bus command.
func (b *Bus) Execute(ctx context.Context, cmd Command) (Response, error) {
	if cmd == nil {
		return nil, fmt.Errorf("nil command: %w", pkg.ErrInvalidCommand)
	}
	pkg.LogDebug(pkg.ComponentBus, "execute", "command", cmd.ID().String())

	switch c := cmd.(type) {
	case EnumDevicesCmd:
		devices := make([]DeviceInfo, 0, len(b.devices))
		for _, d := range b.devices {
			devices = append(devices, d.Info())
		}
		return EnumResponse{Devices: devices}, nil

	case CreateDeviceCmd:
		d, err := b.Device(c.Dev)
		if err != nil {
			return nil, err
		}
		if _, err := d.Acquire(ctx, c.Mode); err != nil {
			return nil, err
		}
		return StateResponse{State: d.State()}, nil

	case DestroyDeviceCmd:
		d, err := b.Device(c.Dev)
		if err != nil {
			return nil, err
		}
		if err := d.Release(c.Mode); err != nil {
			return nil, err
		}
		return StateResponse{State: d.State()}, nil

	case VersionCmd:
		return VersionResponse{Version: Version}, nil

	default:
		return nil, fmt.Errorf("%v is not a bus command: %w", cmd.ID(), pkg.ErrInvalidCommand)
	}
}

// Close destroys every live instance regardless of holders.
func (b *Bus) Close() error {
	var result *multierror.Error
	for _, d := range b.devices {
		if err := d.arbiter.Reset(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "close %s", d.Name()))
		}
	}
	return result.ErrorOrNil()
}
