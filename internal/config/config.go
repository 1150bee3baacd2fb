// Package config loads camerad's server-level configuration: listen
// address, ring sizing, device selection, and the ambient logging
// level. It is grounded on coordinator/cfg.go's read-file,
// default-then-unmarshal, YAML loader shape.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/camerad/camerad/internal/logging"
)

// Config is camerad's top-level server configuration.
type Config struct {
	// Listen is the TCP address the control protocol listens on.
	Listen string `yaml:"listen"`
	// DeviceIndex selects which device index to open at startup.
	DeviceIndex int `yaml:"device_index"`
	// Simulate runs against the in-memory simdevice instead of a real
	// vendor SDK binding.
	Simulate bool `yaml:"simulate"`

	Ring    RingConfig     `yaml:"ring"`
	Logging logging.Config `yaml:"logging"`

	// FrameTimeout bounds each wait_buffer call, keeping command
	// observation latency bounded while ACQUIRING.
	FrameTimeout time.Duration `yaml:"frame_timeout"`
	// DefaultBuffers is loaded and defaulted but not read by the server:
	// a start request that does not specify a count always uses 4.
	DefaultBuffers int `yaml:"default_buffers"`
}

// RingConfig sizes the frame ring.
type RingConfig struct {
	// BaseCapacity is the number of slots allocated at ring creation.
	BaseCapacity int `yaml:"base_capacity"`
	// MaxCapacity is the hard maximum the ring may grow to when every
	// existing slot is held by a reader.
	MaxCapacity int `yaml:"max_capacity"`
	// SlotSizeHint sizes pre-allocation; actual slots grow to fit
	// whatever geometry/encoding the device reports.
	SlotSizeHint datasize.ByteSize `yaml:"slot_size_hint"`
}

// DefaultConfig returns camerad's default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      "127.0.0.1:9494",
		DeviceIndex: 0,
		Simulate:    true,
		Ring: RingConfig{
			BaseCapacity: 4,
			MaxCapacity:  32,
			SlotSizeHint: 4 * datasize.MB,
		},
		Logging:        logging.DefaultConfig(),
		FrameTimeout:   100 * time.Millisecond,
		DefaultBuffers: 4,
	}
}

// LoadConfig reads and parses a YAML configuration file at path,
// starting from DefaultConfig so an omitted field keeps its default.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}
	return cfg, nil
}
