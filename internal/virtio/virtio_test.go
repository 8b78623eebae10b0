package virtio

import (
	"encoding/binary"
	"testing"

	"github.com/elinos-project/elinos/internal/memory"
	"github.com/elinos-project/elinos/internal/sbi"
)

const testBase = 0x10001000

func newTestMem(t *testing.T) *memory.Arena {
	t.Helper()
	arena, err := memory.NewArena(0x10000000, 0x20000)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	return arena
}

func putReg32(t *testing.T, mem *memory.Arena, addr uint64, v uint32) {
	t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	if _, err := mem.WriteAt(buf[:], int64(addr)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
}

func getReg32(t *testing.T, mem *memory.Arena, addr uint64) uint32 {
	t.Helper()
	var buf [4]byte
	if _, err := mem.ReadAt(buf[:], int64(addr)); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// seedDevice writes the minimal register state a modern virtio-blk device
// exposes before the driver side ever touches it.
func seedDevice(t *testing.T, mem *memory.Arena, base uint64, deviceID uint32) {
	t.Helper()
	putReg32(t, mem, base+regMagicValue, mmioMagicValue)
	putReg32(t, mem, base+regVersion, 2)
	putReg32(t, mem, base+regDeviceID, deviceID)
	putReg32(t, mem, base+regDeviceFeatures, uint32(blkFeatureBlkSize))
	putReg32(t, mem, base+regQueueNumMax, 64)
}

func TestProbeNoDevice(t *testing.T) {
	mem := newTestMem(t)
	_, _, ok, err := Probe(mem, testBase)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if ok {
		t.Fatalf("expected no device present")
	}
}

func TestProbeAndOpenHandshake(t *testing.T) {
	mem := newTestMem(t)
	seedDevice(t, mem, testBase, 2)

	deviceID, version, ok, err := Probe(mem, testBase)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !ok || deviceID != 2 || version != 2 {
		t.Fatalf("Probe = (%d, %d, %v), want (2, 2, true)", deviceID, version, ok)
	}

	dev, err := Open(mem, testBase, version, blkFeatureBlkSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	status := getReg32(t, mem, testBase+regStatus)
	want := statusAcknowledge | statusDriver | statusFeaturesOK
	if status != want {
		t.Fatalf("status register = 0x%x, want 0x%x", status, want)
	}

	if err := dev.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	status = getReg32(t, mem, testBase+regStatus)
	want |= statusDriverOK
	if status != want {
		t.Fatalf("status register after Finalize = 0x%x, want 0x%x", status, want)
	}
}

func TestOpenAcceptsUnofferedFeatures(t *testing.T) {
	mem := newTestMem(t)
	seedDevice(t, mem, testBase, 2)
	// Device offers nothing; asking for blkFeatureBlkSize negotiates to
	// zero, which Open still accepts (negotiating down to nothing is not
	// itself an error at the MMIO transport layer).
	putReg32(t, mem, testBase+regDeviceFeatures, 0)
	if _, err := Open(mem, testBase, 2, blkFeatureBlkSize); err != nil {
		t.Fatalf("Open with reduced features: %v", err)
	}
}

func TestQueueSubmitAndPollRoundTrip(t *testing.T) {
	mem := newTestMem(t)
	seedDevice(t, mem, testBase, 2)
	dev, err := Open(mem, testBase, 2, blkFeatureBlkSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	const queueSize = 8
	descAddr := uint64(0x10010000)
	availAddr := descAddr + queueSize*descSize
	usedAddr := availAddr + 4 + 2*queueSize
	for _, r := range []struct {
		addr uint64
		n    uint64
	}{{descAddr, queueSize * descSize}, {availAddr, 4 + 2*queueSize}, {usedAddr, 4 + 8*queueSize}} {
		if err := mem.Zero(r.addr, r.n); err != nil {
			t.Fatalf("Zero: %v", err)
		}
	}

	q, err := dev.SetupQueue(0, queueSize, descAddr, availAddr, usedAddr)
	if err != nil {
		t.Fatalf("SetupQueue: %v", err)
	}
	if err := dev.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	dataAddr := uint64(0x10011000)
	payload := []byte("hello, virtio")
	if _, err := mem.WriteAt(payload, int64(dataAddr)); err != nil {
		t.Fatalf("WriteAt payload: %v", err)
	}

	head, err := q.Submit([]Chain{{Addr: dataAddr, Len: uint32(len(payload)), Write: false}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Act as the device: move the used ring forward with this chain's
	// head and the number of bytes "processed".
	completeChain(t, mem, usedAddr, queueSize, 0, head, uint32(len(payload)))

	entries, err := q.Poll()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(entries) != 1 || entries[0].Head != head || entries[0].Len != uint32(len(payload)) {
		t.Fatalf("Poll = %+v, want one entry for head %d", entries, head)
	}
}

// completeChain simulates the device side of a split virtqueue: write one
// used-ring entry at usedSlot and bump the ring's idx field.
func completeChain(t *testing.T, mem *memory.Arena, usedAddr uint64, size uint16, usedSlot uint16, head uint16, length uint32) {
	t.Helper()
	off := usedAddr + 4 + uint64(usedSlot)*8
	putReg32(t, mem, off, uint32(head))
	putReg32(t, mem, off+4, length)
	var idxBuf [2]byte
	binary.LittleEndian.PutUint16(idxBuf[:], usedSlot+1)
	if _, err := mem.WriteAt(idxBuf[:], int64(usedAddr+2)); err != nil {
		t.Fatalf("WriteAt used idx: %v", err)
	}
}

func TestQueueSubmitRejectsOversizeChain(t *testing.T) {
	mem := newTestMem(t)
	seedDevice(t, mem, testBase, 2)
	dev, err := Open(mem, testBase, 2, blkFeatureBlkSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	q, err := dev.SetupQueue(0, 2, 0x10020000, 0x10020100, 0x10020200)
	if err != nil {
		t.Fatalf("SetupQueue: %v", err)
	}
	chain := make([]Chain, 3)
	if _, err := q.Submit(chain); err == nil {
		t.Fatalf("expected QueueFull for a chain longer than the queue size")
	}
}

func TestOpenBlockEndToEnd(t *testing.T) {
	fw := blockTestFirmware(256 * 1024 * 1024)
	mgr, err := memory.NewManager(nil, fw, nil, memory.Config{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	arena := mgr.Arena()

	// Placed a few KiB into the arena: well below where the heap window
	// starts (minSafeHeapStart sits above the fixed kernel load address),
	// so the manager's own allocations never collide with the registers
	// this test writes directly.
	base := arena.Base() + 0x1000
	seedDevice(t, arena, base, 2)
	// Capacity field (config space offset 0) in 512-byte sectors.
	var capBuf [8]byte
	binary.LittleEndian.PutUint64(capBuf[:], 2048)
	if _, err := arena.WriteAt(capBuf[:], int64(base+regConfig)); err != nil {
		t.Fatalf("WriteAt capacity: %v", err)
	}

	blk, err := OpenBlock(mgr, base)
	if err != nil {
		t.Fatalf("OpenBlock: %v", err)
	}
	if blk.CapacitySectors() != 2048 {
		t.Fatalf("CapacitySectors = %d, want 2048", blk.CapacitySectors())
	}
	if err := blk.checkSector(9999); err == nil {
		t.Fatalf("expected InvalidSector for an out-of-range sector")
	}
}

// TestReadSectorTimesOutOnWedgedDevice simulates a device that never
// posts a used-ring completion: ReadSector must give up after
// maxCompletionPolls rather than spinning forever.
func TestReadSectorTimesOutOnWedgedDevice(t *testing.T) {
	fw := blockTestFirmware(256 * 1024 * 1024)
	mgr, err := memory.NewManager(nil, fw, nil, memory.Config{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	arena := mgr.Arena()

	base := arena.Base() + 0x1000
	seedDevice(t, arena, base, 2)
	var capBuf [8]byte
	binary.LittleEndian.PutUint64(capBuf[:], 2048)
	if _, err := arena.WriteAt(capBuf[:], int64(base+regConfig)); err != nil {
		t.Fatalf("WriteAt capacity: %v", err)
	}

	blk, err := OpenBlock(mgr, base)
	if err != nil {
		t.Fatalf("OpenBlock: %v", err)
	}

	_, err = blk.submitAndWait(blkTypeIn, 0, blk.dataScratch, SectorSize, true)
	if err == nil {
		t.Fatalf("expected submitAndWait to time out against a device that never completes")
	}
	e, ok := err.(*Error)
	if !ok || e.Code_ != IoError {
		t.Fatalf("err = %v, want an IoError", err)
	}
}

type blockTestFirmware uint64

func (f blockTestFirmware) ProbeMemory() ([]sbi.MemoryRegion, error) {
	return []sbi.MemoryRegion{{Start: 0x80000000, Size: uint64(f), IsRAM: true}}, nil
}
func (blockTestFirmware) Shutdown() error { return nil }
func (blockTestFirmware) Reboot() error   { return nil }
