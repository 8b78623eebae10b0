package memory

import (
	"github.com/elinos-project/elinos/internal/klog"
	"github.com/elinos-project/elinos/internal/sbi"
)

// Zone classifies a MemoryRegion by its start address, per spec.md §3.
type Zone int

const (
	ZoneDMA Zone = iota
	ZoneNormal
	ZoneHigh
)

func (z Zone) String() string {
	switch z {
	case ZoneDMA:
		return "DMA"
	case ZoneNormal:
		return "Normal"
	case ZoneHigh:
		return "High"
	default:
		return "Unknown"
	}
}

const (
	dmaZoneLimit    = 16 * 1024 * 1024
	normalZoneLimit = 896 * 1024 * 1024
)

func classifyZone(start uint64) Zone {
	switch {
	case start < dmaZoneLimit:
		return ZoneDMA
	case start < normalZoneLimit:
		return ZoneNormal
	default:
		return ZoneHigh
	}
}

// MemoryRegion is an immutable interval of physical address space, tagged
// with whether it backs RAM and which zone it falls in. Spec.md §3: "Up
// to 16 regions are tracked."
type MemoryRegion struct {
	Start uint64
	Size  uint64
	IsRAM bool
	Zone  Zone
}

// End returns the exclusive end of the region (start+size).
func (r MemoryRegion) End() uint64 { return r.Start + r.Size }

// Contains reports whether [addr, addr+size) lies entirely within r.
func (r MemoryRegion) Contains(addr, size uint64) bool {
	if size == 0 {
		return addr >= r.Start && addr < r.End()
	}
	end := addr + size
	return addr >= r.Start && end <= r.End() && end >= addr
}

// MaxRegions is the fixed capacity spec.md §3 names.
const MaxRegions = 16

// fallbackRegion is used when neither a device tree nor SBI reports any
// memory, per spec.md §4.1: "a single conservative region of 128 MiB at
// 0x80000000".
var fallbackRegion = MemoryRegion{Start: 0x80000000, Size: 128 * 1024 * 1024, IsRAM: true}

// ProbeRegions enumerates physical memory regions. Per spec.md §9's
// restored probing order (from original_source/library/src/memory/hardware.rs),
// a device tree is consulted first when present, then SBI, and only when
// both report nothing does the hardcoded fallback apply. At most
// MaxRegions are kept; extras are dropped with a warning.
func ProbeRegions(dt sbi.DeviceTree, fw sbi.Firmware, log *klog.Logger) []MemoryRegion {
	log = klog.OrDiscard(log)

	var raw []sbi.MemoryRegion
	var err error

	if dt != nil {
		raw, err = dt.MemoryRegions()
		if err != nil {
			log.Warnf("device-tree memory probe failed: %v", err)
			raw = nil
		}
	}

	if len(raw) == 0 && fw != nil {
		raw, err = fw.ProbeMemory()
		if err != nil {
			log.Warnf("SBI memory probe failed: %v", err)
			raw = nil
		}
	}

	if len(raw) == 0 {
		log.Warnf("no memory reported by device tree or SBI, falling back to %d bytes at 0x%x",
			fallbackRegion.Size, fallbackRegion.Start)
		return []MemoryRegion{fallbackRegion}
	}

	regions := make([]MemoryRegion, 0, MaxRegions)
	for _, r := range raw {
		if len(regions) == MaxRegions {
			log.Warnf("dropping memory region at 0x%x: already tracking %d regions", r.Start, MaxRegions)
			break
		}
		regions = append(regions, MemoryRegion{
			Start: r.Start,
			Size:  r.Size,
			IsRAM: r.IsRAM,
			Zone:  classifyZone(r.Start),
		})
	}
	return regions
}

// TotalRAM sums the size of every RAM region.
func TotalRAM(regions []MemoryRegion) uint64 {
	var total uint64
	for _, r := range regions {
		if r.IsRAM {
			total += r.Size
		}
	}
	return total
}
