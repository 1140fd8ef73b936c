// Package config describes the geometry of the flash region owned by the
// environment store and the defaults installed when the region is blank or
// corrupt.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrConfigNotFound = errors.New("configuration file not found")
)

// Entry is one default key/value pair. Order matters: defaults are written
// to a blank region in the order given.
type Entry struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// Config holds the store configuration
type Config struct {
	// DevicePath is the backing file for the flash window. Empty means an
	// in-memory device (nothing survives the process).
	DevicePath string `yaml:"device_path"`

	// Region geometry
	StartAddr uint32 `yaml:"start_addr"`
	TotalSize uint32 `yaml:"total_size"`
	EraseSize uint32 `yaml:"erase_size"`

	// CRCCheck enables the CRC-32 word in the data block header
	CRCCheck bool `yaml:"crc_check"`

	// Defaults are installed on first boot and on corruption recovery
	Defaults []Entry `yaml:"defaults"`
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig() *Config {
	return &Config{
		StartAddr: 0x0000,
		TotalSize: 64 * 1024, // 64KB region
		EraseSize: 4 * 1024,  // 4KB sectors
		CRCCheck:  true,
	}
}

// HeaderSize returns the data block parameter header size in bytes: one
// word for the detail end address, plus one for the CRC when enabled.
func (c *Config) HeaderSize() uint32 {
	if c.CRCCheck {
		return 8
	}
	return 4
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.TotalSize == 0 || c.TotalSize%4 != 0 {
		return fmt.Errorf("%w: total size %d must be a non-zero multiple of 4", ErrInvalidConfig, c.TotalSize)
	}

	if c.EraseSize < 4 || c.EraseSize&(c.EraseSize-1) != 0 {
		return fmt.Errorf("%w: erase size %d must be a power of two >= 4", ErrInvalidConfig, c.EraseSize)
	}

	if c.TotalSize <= c.EraseSize {
		return fmt.Errorf("%w: total size %d must exceed erase size %d", ErrInvalidConfig, c.TotalSize, c.EraseSize)
	}

	if c.StartAddr%c.EraseSize != 0 {
		return fmt.Errorf("%w: start address 0x%08X must be erase-unit aligned", ErrInvalidConfig, c.StartAddr)
	}

	if c.StartAddr+c.TotalSize < c.StartAddr {
		return fmt.Errorf("%w: region overflows the 32-bit address space", ErrInvalidConfig)
	}

	var defaultsSize uint32
	for _, e := range c.Defaults {
		if e.Key == "" {
			return fmt.Errorf("%w: default keys must not be empty", ErrInvalidConfig)
		}
		if strings.Contains(e.Key, "=") {
			return fmt.Errorf("%w: default key %q must not contain '='", ErrInvalidConfig, e.Key)
		}
		recordLen := uint32(len(e.Key) + len(e.Value) + 2)
		if rem := recordLen % 4; rem != 0 {
			recordLen += 4 - rem
		}
		defaultsSize += recordLen
	}
	if defaultsSize+c.HeaderSize() >= c.TotalSize {
		return fmt.Errorf("%w: defaults (%d bytes) do not fit in the region", ErrInvalidConfig, defaultsSize)
	}

	return nil
}

// LoadFromFile reads and validates a YAML configuration file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	cfg := NewDefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveToFile writes the configuration as YAML
func (c *Config) SaveToFile(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename configuration: %w", err)
	}

	return nil
}
