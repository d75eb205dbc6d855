// Package device implements the control plane of an FPGA accelerator
// platform.
//
// It is platform-agnostic and interacts with hardware via the [hal.Backend]
// interface defined in the [github.com/ardnew/softfpga/device/hal] package.
// A backend maps register space, decodes the status descriptor, opens DMA
// units and delivers interrupts; the control plane arbitrates access to the
// device, bridges interrupt completions into a blocking notification stream
// and pipelines bulk copies through a small set of reusable buffers.
//
// # Architecture
//
// The control plane is organized into several layers:
//
//   - [Bus] discovers devices once and serves bus commands
//   - [Device] owns an [Arbiter] and serves per-device commands
//   - [Instance] is the live state of an acquired device
//   - [NotificationChannel] is the bounded completion FIFO with backpressure
//   - [DMAEngine] moves data through ping-pong transfer buffers
//
// # Access Modes
//
// A device admits holders in three modes:
//
//	Exclusive  excludes other Exclusive and Shared holders
//	Shared     excludes Exclusive holders
//	Monitor    coexists with any holder
//
// The instance is created by the first acquire and destroyed when the last
// holder releases.
//
// # Instance Lifecycle
//
//	Uninitialized → Initializing → Ready → TearingDown → Destroyed
//
// Initialization steps are recorded on an undo stack; a failing step unwinds
// only the steps that completed.
//
// # Interrupts
//
// Backends call the instance's delivery callback with raw source ids, which
// the backend also classifies. DMA completions advance the engine's processed
// counter directly. Processing element completions are coalesced into a
// pending bitmask and forwarded by a worker goroutine to the notification
// channel or to a [Sink] installed with [RegisterInterruptCmd].
//
// # Cancellation
//
// Every blocking call takes a [context.Context]. A cancelled wait returns an
// error matching [pkg.ErrInterrupted] and leaves ring indices, holder counts
// and sequence numbers consistent. DMA chunks issued before cancellation are
// not rolled back.
//
// # Example
//
//	bus, err := device.NewBus(ctx, device.DefaultConfig(), nil, sim.NewDriver(cfgs...))
//	dev, _ := bus.Device(0)
//	inst, err := dev.Acquire(ctx, device.Exclusive)
//	defer dev.Release(device.Exclusive)
//	n, err := inst.CopyTo(ctx, 0, 0x1000, payload)
//
// A simulated backend for testing is available in
// [github.com/ardnew/softfpga/device/hal/sim].
package device
