package sim

import (
	"strconv"

	"github.com/ardnew/softfpga/device/hal"
)

// Interrupt source encoding. Processing element i raises source i. DMA
// completions set dmaBit, carry the engine number shifted left by one and
// the direction in bit 0. faultBit marks a chunk the device failed.
const (
	dmaBit   = 1 << 31
	faultBit = 1 << 30
)

// PEName returns the component name of processing element i.
func PEName(i int) string {
	return "pe" + strconv.Itoa(i)
}

// PESource returns the interrupt source id of processing element i.
func PESource(i int) uint32 {
	return uint32(i)
}

// DMASource returns the interrupt source id of a DMA chunk completion.
func DMASource(engine int, dir hal.Direction, fault bool) uint32 {
	s := uint32(dmaBit) | uint32(engine)<<1 | uint32(dir&1)
	if fault {
		s |= faultBit
	}
	return s
}

// Classify decodes a source id produced by [PESource] or [DMASource].
func Classify(source uint32) hal.Source {
	switch {
	case source&dmaBit != 0:
		return hal.Source{
			Kind:   hal.SourceDMA,
			Engine: int(source&^(dmaBit|faultBit)) >> 1,
			Dir:    hal.Direction(source & 1),
			Fault:  source&faultBit != 0,
		}
	case source&faultBit != 0:
		return hal.Source{Kind: hal.SourceUnknown}
	default:
		return hal.Source{Kind: hal.SourcePE, PE: source}
	}
}
