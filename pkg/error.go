package pkg

import "errors"

// Control plane errors.
var (
	// ErrExhausted indicates a slot pool has no free slot.
	ErrExhausted = errors.New("no free slot")

	// ErrBusy indicates an access-mode conflict on a device.
	ErrBusy = errors.New("device busy")

	// ErrInvalidState indicates an operation that is not valid in the current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrMisaligned indicates a device address that violates DMA alignment.
	ErrMisaligned = errors.New("misaligned device address")

	// ErrInterrupted indicates a blocking wait was cancelled.
	ErrInterrupted = errors.New("interrupted")

	// ErrHardwareFault indicates the device reported a transfer error.
	ErrHardwareFault = errors.New("hardware fault")

	// ErrClosed indicates the resource was torn down while in use.
	ErrClosed = errors.New("closed")

	// ErrNoDevice indicates the requested device does not exist.
	ErrNoDevice = errors.New("no such device")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNotSupported indicates the backend does not implement an operation.
	ErrNotSupported = errors.New("not supported")

	// ErrInvalidCommand indicates an unknown or malformed command.
	ErrInvalidCommand = errors.New("invalid command")
)

// Status is the completion status a device reports for a DMA chunk.
type Status uint8

// Completion status values.
const (
	StatusOK        Status = iota // Chunk landed
	StatusFault                   // Device raised error flags
	StatusCancelled               // Wait for the chunk was abandoned
)

// String returns a string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFault:
		return "fault"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error returns the error corresponding to the status, or nil for StatusOK.
func (s Status) Error() error {
	switch s {
	case StatusOK:
		return nil
	case StatusFault:
		return ErrHardwareFault
	case StatusCancelled:
		return ErrInterrupted
	default:
		return ErrInvalidState
	}
}
