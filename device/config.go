package device

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"github.com/ardnew/softfpga/pkg"
)

// Default configuration values.
const (
	DefaultNotifyCapacity = 1024
	DefaultChunkSize      = 256 << 10
	DefaultDMABuffers     = 4
	DefaultDMAAlignment   = 64
	DefaultMaxPEs         = 256
)

// NotifyConfig configures a NotificationChannel.
type NotifyConfig struct {
	// Capacity is the number of ids the ring holds.
	Capacity int `json:"capacity"`
	// HighWater is the outstanding count above which Signal blocks.
	// Defaults to Capacity-2.
	HighWater *int `json:"highWater,omitempty"`
	// LowWater is the outstanding count a blocked Signal waits for.
	// Defaults to Capacity/2.
	LowWater *int `json:"lowWater,omitempty"`
}

func (c NotifyConfig) thresholds() (high, low int) {
	high, low = c.Capacity-2, c.Capacity/2
	if c.HighWater != nil {
		high = *c.HighWater
	}
	if c.LowWater != nil {
		low = *c.LowWater
	}
	return high, low
}

// DMAConfig configures a DMA engine.
type DMAConfig struct {
	// ChunkSize is the size of each transfer buffer and the largest chunk.
	ChunkSize int `json:"chunkSize"`
	// Buffers is the number of transfer buffers per direction.
	Buffers int `json:"buffers"`
	// Alignment is the required alignment of device addresses.
	Alignment uint64 `json:"alignment"`
}

// Config configures the runtime state of a device instance.
type Config struct {
	Notify NotifyConfig `json:"notify"`
	DMA    DMAConfig    `json:"dma"`
	// MaxPEs bounds the processing element ids accepted from interrupts.
	MaxPEs int `json:"maxPEs"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Notify: NotifyConfig{Capacity: DefaultNotifyCapacity},
		DMA: DMAConfig{
			ChunkSize: DefaultChunkSize,
			Buffers:   DefaultDMABuffers,
			Alignment: DefaultDMAAlignment,
		},
		MaxPEs: DefaultMaxPEs,
	}
}

// ParseConfig parses YAML (or JSON) configuration on top of the defaults
// and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse device config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses the configuration file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read device config %s", path)
	}
	return ParseConfig(data)
}

// Validate checks the configuration for values the components cannot use.
func (c Config) Validate() error {
	high, low := c.Notify.thresholds()
	switch {
	case c.Notify.Capacity < 1:
		return fmt.Errorf("notify.capacity %d: %w", c.Notify.Capacity, pkg.ErrInvalidParameter)
	case high >= c.Notify.Capacity:
		return fmt.Errorf("notify.highWater %d: %w", high, pkg.ErrInvalidParameter)
	case low < 0 || low >= c.Notify.Capacity:
		return fmt.Errorf("notify.lowWater %d: %w", low, pkg.ErrInvalidParameter)
	case c.DMA.ChunkSize < 1:
		return fmt.Errorf("dma.chunkSize %d: %w", c.DMA.ChunkSize, pkg.ErrInvalidParameter)
	case c.DMA.Buffers < 1:
		return fmt.Errorf("dma.buffers %d: %w", c.DMA.Buffers, pkg.ErrInvalidParameter)
	case c.DMA.Alignment == 0 || c.DMA.Alignment&(c.DMA.Alignment-1) != 0:
		return fmt.Errorf("dma.alignment %d: %w", c.DMA.Alignment, pkg.ErrInvalidParameter)
	case c.MaxPEs < 1:
		return fmt.Errorf("maxPEs %d: %w", c.MaxPEs, pkg.ErrInvalidParameter)
	}
	return nil
}
