package bootconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"128MiB", 128 * 1024 * 1024},
		{"1GiB", 1 << 30},
		{"512KiB", 512 * 1024},
		{"4096B", 4096},
		{"4096", 4096},
		{"  64MiB  ", 64 * 1024 * 1024},
	}
	for _, c := range cases {
		got, err := ParseSize(c.in)
		if err != nil {
			t.Fatalf("ParseSize(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("ParseSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseSizeRejectsGarbage(t *testing.T) {
	if _, err := ParseSize("not-a-size"); err == nil {
		t.Fatalf("expected error for garbage size")
	}
	if _, err := ParseSize(""); err == nil {
		t.Fatalf("expected error for empty size")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RAM != 0 {
		t.Fatalf("expected zero RAM for missing file, got %d", cfg.RAM)
	}
	if len(cfg.MMIOBases) != len(defaultMMIOBases) {
		t.Fatalf("expected %d default MMIO bases, got %d", len(defaultMMIOBases), len(cfg.MMIOBases))
	}
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.yml")
	content := "ram: 128MiB\ndisk: disk.img\nmmioBases: [0x10001000, 0x10002000]\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RAM != 128*1024*1024 {
		t.Fatalf("ram = %d, want %d", cfg.RAM, 128*1024*1024)
	}
	if cfg.Disk != "disk.img" {
		t.Fatalf("disk = %q, want %q", cfg.Disk, "disk.img")
	}
	if len(cfg.MMIOBases) != 2 || cfg.MMIOBases[0] != 0x10001000 || cfg.MMIOBases[1] != 0x10002000 {
		t.Fatalf("mmioBases = %v, want [0x10001000 0x10002000]", cfg.MMIOBases)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yml")
	if err := os.WriteFile(path, []byte("ram: [this is not a scalar\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for malformed YAML")
	}
}
