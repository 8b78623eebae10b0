// Package sbi defines the narrow interfaces through which the kernel core
// reaches the subsystems spec.md §1 lists as out of scope: the SBI
// firmware client, the UART console, and device-tree parsing. None of
// those are implemented here — boot assembly, the real ecall-based SBI
// client, and a DTB parser belong to a hosting environment (OpenSBI under
// QEMU, or a test double), not to this module.
package sbi

// Console is the opaque putchar/getchar sink+source spec.md §1 describes.
// The UART driver that backs it in a real boot is out of scope.
type Console interface {
	PutChar(b byte)
	GetChar() (b byte, ok bool)
}

// MemoryRegion is a single interval reported by a hardware prober, prior
// to the zone classification internal/memory performs on it.
type MemoryRegion struct {
	Start uint64
	Size  uint64
	IsRAM bool
}

// Firmware is the SBI client boundary: shutdown/reboot and the SBI v0.3+
// GetSystemMemory or legacy probe used to enumerate RAM, wrapped as spec.md
// §1 describes ("opaque sbi_shutdown, sbi_reboot, sbi_probe_memory
// interface").
type Firmware interface {
	ProbeMemory() ([]MemoryRegion, error)
	Shutdown() error
	Reboot() error
}

// DeviceTree is the device-tree collaborator used, per spec.md §9's
// restored hardware-probing order, ahead of the SBI probe and the
// hardcoded fallback. Parsing the DTB wire format itself is out of scope
// (spec.md §1); this interface only needs the memory-node subset.
type DeviceTree interface {
	MemoryRegions() ([]MemoryRegion, error)
}

// NoFirmware is a Firmware that reports nothing, forcing
// internal/memory's hardcoded fallback region. Useful in tests and as the
// zero value for a kernel built without SBI access.
type NoFirmware struct{}

func (NoFirmware) ProbeMemory() ([]MemoryRegion, error) { return nil, nil }
func (NoFirmware) Shutdown() error                      { return nil }
func (NoFirmware) Reboot() error                        { return nil }

var _ Firmware = NoFirmware{}
