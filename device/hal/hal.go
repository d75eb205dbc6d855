package hal

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Identity describes an accelerator as reported during discovery.
type Identity struct {
	VendorID  uint16
	ProductID uint16
	Name      string
}

// Sizes reports the sizes of the three register regions of a device.
type Sizes struct {
	Status   uint64 // Status descriptor region
	Arch     uint64 // Architecture region (processing elements)
	Platform uint64 // Platform region (DMA, interrupt controllers)
}

// RegisterSpace provides access to the control words of a device.
//
// Implementations may be memory-mapped, socket-simulated or purely in-memory.
// They must be safe for use from multiple goroutines and must not reorder a
// caller's writes relative to its reads.
type RegisterSpace interface {
	// ReadCtl reads len(buf) bytes starting at addr into buf.
	ReadCtl(ctx context.Context, addr uint64, buf []byte) error

	// WriteCtl writes data starting at addr.
	WriteCtl(ctx context.Context, addr uint64, data []byte) error

	// Close releases the mapping. Further calls fail.
	Close() error
}

// Component is the location of one hardware component in register space.
type Component struct {
	Offset uint64 `json:"offset"`
	Size   uint64 `json:"size"`
}

// StatusDescriptor maps component names to their location. It is produced
// once during device initialization and read-only afterwards.
type StatusDescriptor map[string]Component

// DMAPrefix is the name prefix of DMA engine components.
const DMAPrefix = "dma"

// Lookup returns the component with the given name.
func (s StatusDescriptor) Lookup(name string) (Component, bool) {
	c, ok := s[name]
	return c, ok
}

// Names returns all component names in sorted order.
func (s StatusDescriptor) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DMAEngines returns the names of DMA engine components ("dma0", "dma1", ...)
// ordered by engine number.
func (s StatusDescriptor) DMAEngines() []string {
	var names []string
	for name := range s {
		if _, ok := DMAIndex(name); ok {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		a, _ := DMAIndex(names[i])
		b, _ := DMAIndex(names[j])
		return a < b
	})
	return names
}

// DMAIndex parses the engine number of a DMA component name.
func DMAIndex(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, DMAPrefix)
	if !ok || rest == "" {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// DMAName returns the component name of DMA engine n.
func DMAName(n int) string {
	return DMAPrefix + strconv.Itoa(n)
}

// Direction is the direction of a DMA transfer.
type Direction uint8

// Transfer directions.
const (
	ToDevice   Direction = iota // Host memory to device memory
	FromDevice                  // Device memory to host memory
)

// String returns a human-readable direction name.
func (d Direction) String() string {
	switch d {
	case ToDevice:
		return "to-device"
	case FromDevice:
		return "from-device"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

// DMACommand asks a DMA unit to move one chunk.
//
// For ToDevice, Data holds the bytes to write at DevAddr. For FromDevice, the
// unit fills Data from DevAddr. The unit must not touch Data after it reports
// completion of Seq.
type DMACommand struct {
	Dir     Direction
	Buffer  int    // Index of the transfer buffer backing Data
	Data    []byte // Transfer buffer slice, len(Data) is the chunk length
	DevAddr uint64
	Seq     uint64 // Sequence number within Dir, starting at 1
}

// DMAUnit is the device side of a DMA engine. Issue queues a command and
// returns without waiting for it. Completions are reported in issue order,
// per direction, through the interrupt handler.
type DMAUnit interface {
	Issue(cmd DMACommand) error
	Close() error
}

// InterruptHandler receives raw interrupt source ids. It is called from the
// backend's delivery context and must not block.
type InterruptHandler func(source uint32)

// SourceKind classifies an interrupt source.
type SourceKind uint8

// Interrupt source kinds.
const (
	SourceUnknown SourceKind = iota // Unrecognized; dropped
	SourcePE                        // Processing element completion
	SourceDMA                       // DMA chunk completion
)

// String returns a human-readable source kind.
func (k SourceKind) String() string {
	switch k {
	case SourcePE:
		return "pe"
	case SourceDMA:
		return "dma"
	default:
		return "unknown"
	}
}

// Source is a decoded interrupt source.
type Source struct {
	Kind   SourceKind
	PE     uint32    // For SourcePE
	Engine int       // For SourceDMA
	Dir    Direction // For SourceDMA
	Fault  bool      // For SourceDMA: device reported error flags
}

// Classifier decodes a raw interrupt source id.
type Classifier func(source uint32) Source

// Backend is one discovered accelerator. The device core depends only on
// this interface, never on which platform provides it.
type Backend interface {
	// Identity returns the vendor/product identity of the device.
	Identity() Identity

	// Sizes returns the register region sizes.
	Sizes() Sizes

	// MapRegisters maps the device's register space.
	MapRegisters(ctx context.Context) (RegisterSpace, error)

	// ReadStatus decodes the status descriptor from register space.
	ReadStatus(ctx context.Context, regs RegisterSpace) (StatusDescriptor, error)

	// OpenDMA opens the DMA unit of the named component.
	OpenDMA(ctx context.Context, name string, c Component, regs RegisterSpace) (DMAUnit, error)

	// RegisterInterrupts starts delivering interrupts to h. The returned
	// function stops delivery; no call to h starts after it returns.
	RegisterInterrupts(ctx context.Context, h InterruptHandler) (unregister func(), err error)

	// Classify decodes a raw interrupt source id.
	Classify(source uint32) Source
}

// MemoryManager allocates device memory regions. Backends implement it
// optionally.
type MemoryManager interface {
	Alloc(size uint64) (addr uint64, err error)
	Free(addr uint64) error
}

// Driver discovers backends of one platform.
type Driver interface {
	Name() string
	Discover(ctx context.Context) ([]Backend, error)
}
