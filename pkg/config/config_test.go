package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		StartAddr: 0x1000,
		TotalSize: 0x1000,
		EraseSize: 0x200,
		CRCCheck:  true,
		Defaults: []Entry{
			{Key: "boot_times", Value: "0"},
		},
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}
	if err := NewDefaultConfig().Validate(); err != nil {
		t.Errorf("Expected valid default config, got %v", err)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero total size", func(c *Config) { c.TotalSize = 0 }},
		{"unaligned total size", func(c *Config) { c.TotalSize = 0x1002 }},
		{"erase not power of two", func(c *Config) { c.EraseSize = 0x300 }},
		{"erase too small", func(c *Config) { c.EraseSize = 2 }},
		{"total not larger than erase", func(c *Config) { c.TotalSize = 0x200 }},
		{"unaligned start", func(c *Config) { c.StartAddr = 0x1100 }},
		{"region overflow", func(c *Config) { c.StartAddr = 0xFFFFF000; c.TotalSize = 0x2000 }},
		{"empty default key", func(c *Config) { c.Defaults = []Entry{{Key: "", Value: "x"}} }},
		{"default key with equals", func(c *Config) { c.Defaults = []Entry{{Key: "a=b", Value: "x"}} }},
		{"defaults too large", func(c *Config) {
			c.Defaults = []Entry{{Key: "big", Value: string(make([]byte, 0x1000))}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestHeaderSize(t *testing.T) {
	cfg := validConfig()
	if got := cfg.HeaderSize(); got != 8 {
		t.Errorf("Expected 8 byte header with CRC, got %d", got)
	}
	cfg.CRCCheck = false
	if got := cfg.HeaderSize(); got != 4 {
		t.Errorf("Expected 4 byte header without CRC, got %d", got)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flashenv.yaml")
	data := `
device_path: region.bin
start_addr: 0x1000
total_size: 4096
erase_size: 512
crc_check: true
defaults:
  - key: boot_times
    value: "0"
  - key: user
    value: admin
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.DevicePath != "region.bin" {
		t.Errorf("DevicePath = %q, want region.bin", cfg.DevicePath)
	}
	if cfg.StartAddr != 0x1000 || cfg.TotalSize != 4096 || cfg.EraseSize != 512 {
		t.Errorf("Geometry = 0x%X/%d/%d, want 0x1000/4096/512",
			cfg.StartAddr, cfg.TotalSize, cfg.EraseSize)
	}
	if !cfg.CRCCheck {
		t.Error("Expected CRC check enabled")
	}
	if len(cfg.Defaults) != 2 || cfg.Defaults[1].Key != "user" || cfg.Defaults[1].Value != "admin" {
		t.Errorf("Defaults = %v", cfg.Defaults)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml")); !errors.Is(err, ErrConfigNotFound) {
		t.Errorf("Expected ErrConfigNotFound, got %v", err)
	}
}

func TestLoadFromFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flashenv.yaml")
	if err := os.WriteFile(path, []byte("total_size: 6\n"), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	if _, err := LoadFromFile(path); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
}

func TestSaveToFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flashenv.yaml")

	cfg := validConfig()
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if loaded.StartAddr != cfg.StartAddr || loaded.TotalSize != cfg.TotalSize ||
		loaded.EraseSize != cfg.EraseSize || loaded.CRCCheck != cfg.CRCCheck {
		t.Errorf("Round trip mismatch: %+v vs %+v", loaded, cfg)
	}
	if len(loaded.Defaults) != 1 || loaded.Defaults[0] != cfg.Defaults[0] {
		t.Errorf("Defaults round trip mismatch: %v", loaded.Defaults)
	}
}
