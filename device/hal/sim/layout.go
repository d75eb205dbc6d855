package sim

import (
	"github.com/ardnew/softfpga/device/hal"
)

// Register map of a simulated device. The status region comes first, the
// architecture region (one window per processing element) follows, then the
// platform region: one window per DMA engine, the interrupt controller and
// finally device memory.
const (
	StatusSize = 0x1000
	WindowSize = 0x100
)

// Processing element register offsets within its window.
const (
	PECtl    = 0x00 // Bit 0: write 1 to launch; reads 1 while running
	PEArg    = 0x08 // Argument, u64
	PEResult = 0x10 // Result of the last run (arg + 1), u64
	PECount  = 0x18 // Number of completed runs, u64
)

// DMA engine register offsets within its window.
const (
	DMALastSeq = 0x00 // Sequence number of the last completed chunk, u64
)

// PE control bits.
const (
	PEStart = 1 << 0
)

// Component names besides "peN" and "dmaN".
const (
	ComponentIntc   = "intc"
	ComponentMemory = "mem"
)

// layout resolves a Config into absolute addresses.
type layout struct {
	pes, engines int
	memSize      uint64
}

func newLayout(c Config) layout {
	return layout{pes: c.PEs, engines: c.DMAEngines, memSize: c.MemorySize}
}

func (l layout) archBase() uint64     { return StatusSize }
func (l layout) archSize() uint64     { return uint64(l.pes) * WindowSize }
func (l layout) platformBase() uint64 { return l.archBase() + l.archSize() }
func (l layout) pe(i int) uint64      { return l.archBase() + uint64(i)*WindowSize }
func (l layout) dma(i int) uint64     { return l.platformBase() + uint64(i)*WindowSize }
func (l layout) intc() uint64         { return l.dma(l.engines) }
func (l layout) memBase() uint64      { return l.intc() + WindowSize }
func (l layout) size() uint64         { return l.memBase() + l.memSize }

func (l layout) sizes() hal.Sizes {
	return hal.Sizes{
		Status:   StatusSize,
		Arch:     l.archSize(),
		Platform: l.size() - l.platformBase(),
	}
}

// status returns the descriptor published in the status region.
func (l layout) status() hal.StatusDescriptor {
	s := hal.StatusDescriptor{
		ComponentIntc:   {Offset: l.intc(), Size: WindowSize},
		ComponentMemory: {Offset: l.memBase(), Size: l.memSize},
	}
	for i := range l.pes {
		s[PEName(i)] = hal.Component{Offset: l.pe(i), Size: WindowSize}
	}
	for i := range l.engines {
		s[hal.DMAName(i)] = hal.Component{Offset: l.dma(i), Size: WindowSize}
	}
	return s
}

// peAt returns the processing element whose window contains addr.
func (l layout) peAt(addr uint64) (int, bool) {
	if addr < l.archBase() || addr >= l.platformBase() {
		return 0, false
	}
	return int((addr - l.archBase()) / WindowSize), true
}
