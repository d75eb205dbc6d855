// Package linux provides a backend for PCI accelerators on Linux.
//
// Functions are discovered through sysfs (/sys/bus/pci/devices/) by vendor
// and optionally device id. Register space is the concatenation of the
// configured BARs, mapped from their sysfs resource files. Interrupts are
// taken from the UIO device bound to the function and waited for with epoll,
// in pure Go with no cgo dependencies.
//
// The register layout of the design loaded on the device is not fixed, so
// reading the interrupt controller, programming DMA and decoding interrupt
// sources are supplied through [Config]:
//
//	drv := linux.NewDriver(linux.Config{
//	    VendorID: 0x10ee,
//	    Pending:  readIntc,
//	    OpenDMA:  openDMA,
//	    Classify: classify,
//	})
//	bus, err := device.NewBus(ctx, cfg, nil, drv)
//
// Mapping resource files and opening UIO nodes requires root or matching
// device permissions.
package linux
