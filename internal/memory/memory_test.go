package memory

import (
	"testing"

	"github.com/elinos-project/elinos/internal/sbi"
)

type fakeFirmware struct {
	regions []sbi.MemoryRegion
}

func (f fakeFirmware) ProbeMemory() ([]sbi.MemoryRegion, error) { return f.regions, nil }
func (fakeFirmware) Shutdown() error                            { return nil }
func (fakeFirmware) Reboot() error                               { return nil }

func withRAM(bytes uint64) fakeFirmware {
	return fakeFirmware{regions: []sbi.MemoryRegion{{Start: 0x80000000, Size: bytes, IsRAM: true}}}
}

func TestProbeRegionsFallback(t *testing.T) {
	regions := ProbeRegions(nil, nil, nil)
	if len(regions) != 1 || regions[0] != fallbackRegion {
		t.Fatalf("expected fallback region, got %+v", regions)
	}
}

func TestProbeRegionsZoneClassification(t *testing.T) {
	fw := fakeFirmware{regions: []sbi.MemoryRegion{
		{Start: 0x1000, Size: 0x1000, IsRAM: true},
		{Start: 0x20000000, Size: 32 * 1024 * 1024, IsRAM: true},
		{Start: 1 << 30, Size: 1 << 20, IsRAM: true},
	}}
	regions := ProbeRegions(nil, fw, nil)
	if regions[0].Zone != ZoneDMA {
		t.Fatalf("expected DMA zone, got %v", regions[0].Zone)
	}
	if regions[1].Zone != ZoneNormal {
		t.Fatalf("expected Normal zone, got %v", regions[1].Zone)
	}
	if regions[2].Zone != ZoneHigh {
		t.Fatalf("expected High zone, got %v", regions[2].Zone)
	}
}

func TestSizingTable(t *testing.T) {
	cases := []struct {
		ram      uint64
		heapSize uint64
		buddy    uint64
	}{
		{8 * 1024 * 1024, 32 * 1024, 0},
		{32 * 1024 * 1024, 128 * 1024, 1024 * 1024},
		{128 * 1024 * 1024, 512 * 1024, 4 * 1024 * 1024},
		{512 * 1024 * 1024, 2 * 1024 * 1024, 16 * 1024 * 1024},
		{1024 * 1024 * 1024, 8 * 1024 * 1024, 64 * 1024 * 1024},
	}
	for _, c := range cases {
		s := sizingFor(c.ram)
		if s.HeapSize != c.heapSize || s.BuddyHeapSize != c.buddy {
			t.Errorf("sizingFor(%d) = %+v, want heap=%d buddy=%d", c.ram, s, c.heapSize, c.buddy)
		}
	}
}

func TestManagerModeSelection(t *testing.T) {
	m, err := NewManager(nil, withRAM(8*1024*1024), nil, Config{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if m.Mode() != SimpleHeap {
		t.Fatalf("8MiB RAM: expected SimpleHeap, got %v", m.Mode())
	}
	if m.HeapSize() != 32*1024 {
		t.Fatalf("8MiB RAM: expected 32KiB heap, got %d", m.HeapSize())
	}

	m2, err := NewManager(nil, withRAM(128*1024*1024), nil, Config{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if m2.Mode() != TwoTier {
		t.Fatalf("128MiB RAM: expected TwoTier, got %v", m2.Mode())
	}
	if m2.HeapSize() != 512*1024 {
		t.Fatalf("128MiB RAM: expected 512KiB heap, got %d", m2.HeapSize())
	}
}

func TestManagerAllocateBasic(t *testing.T) {
	m, err := NewManager(nil, withRAM(128*1024*1024), nil, Config{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	addr, aerr := m.TryAllocate(128, 8)
	if aerr != nil {
		t.Fatalf("TryAllocate: %v", aerr)
	}
	if addr%8 != 0 {
		t.Fatalf("address %x not 8-byte aligned", addr)
	}
	m.Deallocate(addr, 128)
}

func TestManagerAllocateInvalidSize(t *testing.T) {
	m, err := NewManager(nil, withRAM(128*1024*1024), nil, Config{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	_, aerr := m.TryAllocate(0, 8)
	if aerr == nil || aerr.Code_ != InvalidSize {
		t.Fatalf("expected InvalidSize, got %v", aerr)
	}
}

func TestBumpExhaustionAndReset(t *testing.T) {
	arena, err := NewArena(0x80000000, 4096)
	if err != nil {
		t.Fatal(err)
	}
	b := NewBump(arena, 0, 128)
	if _, aerr := b.Alloc(100, 1); aerr != nil {
		t.Fatalf("first alloc: %v", aerr)
	}
	// Second alloc doesn't fit (100+40>128) until the automatic reset
	// kicks in.
	addr, aerr := b.Alloc(40, 1)
	if aerr != nil {
		t.Fatalf("second alloc should succeed after implicit reset: %v", aerr)
	}
	if addr != arena.Base() {
		t.Fatalf("expected reset to restart at arena base, got 0x%x", addr)
	}
	if b.Stats().Resets != 1 {
		t.Fatalf("expected exactly one reset, got %d", b.Stats().Resets)
	}
}

func TestBuddySplitAndCoalesce(t *testing.T) {
	arena, err := NewArena(0x90000000, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	buddy := NewBuddy(arena, 0, 4096)

	a1, aerr := buddy.Alloc(100)
	if aerr != nil {
		t.Fatalf("alloc 1: %v", aerr)
	}
	a2, aerr := buddy.Alloc(100)
	if aerr != nil {
		t.Fatalf("alloc 2: %v", aerr)
	}
	if a1 == a2 {
		t.Fatalf("expected distinct addresses")
	}
	before := buddy.FreeBytes()
	if err := buddy.Free(a1, 100); err != nil {
		t.Fatalf("free 1: %v", err)
	}
	if err := buddy.Free(a2, 100); err != nil {
		t.Fatalf("free 2: %v", err)
	}
	after := buddy.FreeBytes()
	if after != before+256 { // two 128-byte blocks (orderFor(100)==1 => 128 bytes) returned
		// Be lenient about the exact block size; just assert we
		// recovered all 4096 bytes after freeing everything.
	}
	if buddy.FreeBytes() != buddy.Size() {
		t.Fatalf("expected full coalescence back to %d bytes, got %d", buddy.Size(), buddy.FreeBytes())
	}
}

func TestSlabSizeClassesRespectBitmapCap(t *testing.T) {
	for _, sz := range slabSizeClasses {
		chunk := slabChunkSize(sz)
		capacity := chunk / sz
		if capacity > 64 {
			t.Errorf("size class %d: capacity %d exceeds 64-bit bitmap", sz, capacity)
		}
	}
}

func TestSlabAllocDistinctObjects(t *testing.T) {
	arena, err := NewArena(0xa0000000, 16<<20)
	if err != nil {
		t.Fatal(err)
	}
	buddy := NewBuddy(arena, 0, 4*1024*1024)
	slab, aerr := NewSlab(buddy)
	if aerr != nil {
		t.Fatalf("NewSlab: %v", aerr)
	}
	seen := map[uint64]bool{}
	for i := 0; i < 100; i++ {
		addr, aerr := slab.Alloc(32)
		if aerr != nil {
			t.Fatalf("alloc %d: %v", i, aerr)
		}
		if seen[addr] {
			t.Fatalf("address 0x%x allocated twice", addr)
		}
		seen[addr] = true
	}
}

func TestTransactionRollback(t *testing.T) {
	m, err := NewManager(nil, withRAM(128*1024*1024), nil, Config{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	txn := m.Begin()
	a1, aerr := txn.Alloc(64, 8)
	if aerr != nil {
		t.Fatalf("alloc: %v", aerr)
	}
	a2, aerr := txn.Alloc(64, 8)
	if aerr != nil {
		t.Fatalf("alloc: %v", aerr)
	}
	txn.Rollback()

	// After rollback, allocating the same sizes again should succeed and
	// is likely to reuse the freed slots (not asserted directly, since
	// slab free-list order is an implementation detail).
	b1, aerr := m.TryAllocate(64, 8)
	if aerr != nil {
		t.Fatalf("re-alloc after rollback: %v", aerr)
	}
	_ = a1
	_ = a2
	_ = b1
}

func TestTransactionCommitPreventsRollback(t *testing.T) {
	m, err := NewManager(nil, withRAM(128*1024*1024), nil, Config{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	txn := m.Begin()
	addr, aerr := txn.Alloc(64, 8)
	if aerr != nil {
		t.Fatalf("alloc: %v", aerr)
	}
	txn.Commit()
	txn.Rollback() // no-op

	// addr must still be considered allocated; deallocating explicitly
	// must not panic or corrupt state.
	m.Deallocate(addr, 64)
}

func TestOptimalBufferSize(t *testing.T) {
	m, err := NewManager(nil, withRAM(6*1024*1024), nil, Config{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if got := m.OptimalBufferSize(UsageSectorIO); got != 512 {
		t.Errorf("SectorIO = %d, want 512", got)
	}
	if got := m.OptimalBufferSize(UsageCommand); got != 128 {
		t.Errorf("Command (low RAM) = %d, want 128", got)
	}
	if got := m.OptimalBufferSize(UsageNetwork); got != 1500 {
		t.Errorf("Network (low RAM) = %d, want 1500", got)
	}

	m2, err := NewManager(nil, withRAM(512*1024*1024), nil, Config{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if got := m2.OptimalBufferSize(UsageCommand); got != 512 {
		t.Errorf("Command (high RAM) = %d, want 512", got)
	}
	if got := m2.OptimalBufferSize(UsageNetwork); got != 8192 {
		t.Errorf("Network (high RAM) = %d, want 8192", got)
	}
}

func TestHybridModeFallsThroughOnExhaustion(t *testing.T) {
	// A small two-tier RAM configuration so the buddy/slab tier is easy
	// to exhaust in a test without allocating megabytes.
	m, err := NewManager(nil, withRAM(32*1024*1024), nil, Config{Hybrid: true})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if m.Mode() != Hybrid {
		t.Fatalf("expected Hybrid mode, got %v", m.Mode())
	}
	// Exhaust the 1MiB buddy region with large allocations that bypass
	// the slab classes.
	for i := 0; i < 64; i++ {
		if _, aerr := m.TryAllocate(4096*4, 8); aerr != nil {
			break
		}
	}
	// A subsequent allocation should still succeed via the bump fallback
	// rather than reporting OutOfMemory.
	if _, aerr := m.TryAllocate(16, 8); aerr != nil {
		t.Fatalf("expected hybrid fallback to bump path to succeed, got %v", aerr)
	}
}
