package sim

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ardnew/softfpga/pkg"
)

// Default simulated platform parameters.
const (
	DefaultVendorID   = 0x10ee
	DefaultProductID  = 0x7038
	DefaultPEs        = 4
	DefaultDMAEngines = 1
	DefaultMemorySize = 1 << 20
	DefaultAllocSize  = 4 << 10
	DefaultLatency    = Duration(time.Millisecond)
)

// Duration is a time.Duration that unmarshals from either a Go duration
// string ("5ms") or an integer nanosecond count.
type Duration time.Duration

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON decodes a duration string or nanosecond count.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case float64:
		*d = Duration(v)
	case string:
		p, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("duration %q: %w", v, pkg.ErrInvalidParameter)
		}
		*d = Duration(p)
	default:
		return fmt.Errorf("duration %s: %w", b, pkg.ErrInvalidParameter)
	}
	return nil
}

// Config describes one simulated accelerator.
type Config struct {
	Name      string `json:"name,omitempty"`
	VendorID  uint16 `json:"vendorID,omitempty"`
	ProductID uint16 `json:"productID,omitempty"`

	// PEs is the number of processing elements.
	PEs int `json:"pes,omitempty"`
	// DMAEngines is the number of DMA engines.
	DMAEngines int `json:"dmaEngines,omitempty"`
	// MemorySize is the size of device memory in bytes.
	MemorySize uint64 `json:"memorySize,omitempty"`
	// AllocSize is the size of each region handed out by ALLOC.
	AllocSize uint64 `json:"allocSize,omitempty"`
	// Latency is the time a launched processing element takes to complete.
	Latency Duration `json:"latency,omitempty"`

	// Remote is the address of a serving process. When set, the backend
	// reaches the device model over the network instead of in-process.
	Remote string `json:"remote,omitempty"`
	// Network is the network of Remote. Defaults to "tcp".
	Network string `json:"network,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.VendorID == 0 {
		c.VendorID = DefaultVendorID
	}
	if c.ProductID == 0 {
		c.ProductID = DefaultProductID
	}
	if c.PEs == 0 {
		c.PEs = DefaultPEs
	}
	if c.DMAEngines == 0 {
		c.DMAEngines = DefaultDMAEngines
	}
	if c.MemorySize == 0 {
		c.MemorySize = DefaultMemorySize
	}
	if c.AllocSize == 0 {
		c.AllocSize = DefaultAllocSize
	}
	if c.Latency == 0 {
		c.Latency = DefaultLatency
	}
	if c.Network == "" {
		c.Network = "tcp"
	}
	return c
}

func (c Config) validate() error {
	switch {
	case c.PEs < 0 || c.PEs >= faultBit:
		return fmt.Errorf("pes %d: %w", c.PEs, pkg.ErrInvalidParameter)
	case c.DMAEngines < 0:
		return fmt.Errorf("dmaEngines %d: %w", c.DMAEngines, pkg.ErrInvalidParameter)
	case c.AllocSize > c.MemorySize:
		return fmt.Errorf("allocSize %d exceeds memorySize %d: %w", c.AllocSize, c.MemorySize, pkg.ErrInvalidParameter)
	case c.Latency < 0:
		return fmt.Errorf("latency %v: %w", time.Duration(c.Latency), pkg.ErrInvalidParameter)
	}
	return nil
}
