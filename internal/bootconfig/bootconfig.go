// Package bootconfig loads the YAML boot-time configuration SPEC_FULL.md
// §2.3 describes: RAM size, disk image path, and candidate VirtIO MMIO
// base addresses, in the same structured-config idiom
// internal/bundle/bundle.go and cmd/ccapp/site_config.go use
// (gopkg.in/yaml.v3, a Go struct with `yaml:"..."` tags).
package bootconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaultMMIOBases mirrors spec.md §6's "the driver expects one of
// {0x10001000, ..., 0x10008000} to host a block device" when a config
// file doesn't list any.
var defaultMMIOBases = []uint64{
	0x10001000, 0x10002000, 0x10003000, 0x10004000,
	0x10005000, 0x10006000, 0x10007000, 0x10008000,
}

// BootConfig is the parsed shape of a boot-config YAML file:
//
//	ram: 128MiB
//	disk: disk.img
//	mmioBases: [0x10001000, 0x10002000]
type BootConfig struct {
	RAM       uint64
	Disk      string
	MMIOBases []uint64
}

// rawConfig is the YAML wire shape; RAM is a size string (KiB/MiB/GiB
// suffix) and MMIOBases are hex or decimal strings, decoded into
// BootConfig's typed fields by Load.
type rawConfig struct {
	RAM       string   `yaml:"ram"`
	Disk      string   `yaml:"disk"`
	MMIOBases []string `yaml:"mmioBases"`
}

// Load reads and parses path into a BootConfig. A missing file is not an
// error: it returns the zero-RAM, default-MMIO-bases config, letting
// cmd/elinos fall back to hardware probing per SPEC_FULL.md §2.3 ("the
// config only overrides fallbacks and test fixtures").
func Load(path string) (*BootConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &BootConfig{MMIOBases: append([]uint64(nil), defaultMMIOBases...)}, nil
		}
		return nil, fmt.Errorf("bootconfig: read %s: %w", path, err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("bootconfig: parse %s: %w", path, err)
	}

	cfg := &BootConfig{Disk: raw.Disk}

	if raw.RAM != "" {
		ram, err := ParseSize(raw.RAM)
		if err != nil {
			return nil, fmt.Errorf("bootconfig: ram: %w", err)
		}
		cfg.RAM = ram
	}

	if len(raw.MMIOBases) == 0 {
		cfg.MMIOBases = append([]uint64(nil), defaultMMIOBases...)
	} else {
		for _, s := range raw.MMIOBases {
			addr, err := parseAddr(s)
			if err != nil {
				return nil, fmt.Errorf("bootconfig: mmioBases: %w", err)
			}
			cfg.MMIOBases = append(cfg.MMIOBases, addr)
		}
	}

	return cfg, nil
}

// ParseSize parses a size string with an optional KiB/MiB/GiB suffix
// (case-insensitive, "B"/"" meaning bytes), the shape spec.md's example
// "ram: 128MiB" uses.
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	multiplier := uint64(1)
	numPart := s
	switch {
	case strings.HasSuffix(strings.ToUpper(s), "GIB"):
		multiplier = 1 << 30
		numPart = s[:len(s)-3]
	case strings.HasSuffix(strings.ToUpper(s), "MIB"):
		multiplier = 1 << 20
		numPart = s[:len(s)-3]
	case strings.HasSuffix(strings.ToUpper(s), "KIB"):
		multiplier = 1 << 10
		numPart = s[:len(s)-3]
	case strings.HasSuffix(strings.ToUpper(s), "B"):
		numPart = s[:len(s)-1]
	}

	n, err := strconv.ParseUint(strings.TrimSpace(numPart), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n * multiplier, nil
}

func parseAddr(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		base = 16
		s = s[2:]
	}
	addr, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return addr, nil
}
