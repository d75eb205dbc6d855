// Package hal defines the hardware collaborators of the accelerator control
// plane.
//
// The device core (arbiter, notification channel, DMA engine) never talks to
// hardware directly. Everything platform-specific sits behind the interfaces
// in this package, and one [Backend] implementation exists per platform:
//
//   - [RegisterSpace]: read and write control words
//   - [StatusDescriptor]: component name to register window, decoded once
//   - [DMAUnit]: queue chunk copies between transfer buffers and device memory
//   - [InterruptHandler] and [Classifier]: raw interrupt delivery and decoding
//   - [MemoryManager]: optional device memory allocation
//
// # Interrupt Context
//
// A backend calls the registered [InterruptHandler] from its delivery
// context, which stands in for a hardware interrupt top half. The handler
// only bumps counters and schedules deferred work; it never blocks. Backends
// in turn must not call the handler while holding locks the handler could
// need.
//
// # Implementations
//
// A simulated backend is available in
// [github.com/ardnew/softfpga/device/hal/sim], a socket register space in
// [github.com/ardnew/softfpga/device/hal/wire], and a Linux PCI backend in
// [github.com/ardnew/softfpga/device/hal/linux].
package hal
