package virtio

import (
	"encoding/binary"

	gsync "gvisor.dev/gvisor/pkg/sync"

	"github.com/elinos-project/elinos/internal/memory"
)

// Request types and status codes, VirtIO 1.1 §5.2.6, matching the
// teacher's VIRTIO_BLK_T_*/VIRTIO_BLK_S_* constants in
// internal/devices/virtio/blk.go.
const (
	blkTypeIn    = 0
	blkTypeOut   = 1
	blkTypeFlush = 4

	blkStatusOK     = 0
	blkStatusIOErr  = 1
	blkStatusUnsupp = 2
)

const (
	// SectorSize is the fixed logical sector size this driver assumes,
	// per spec.md's block-device model.
	SectorSize = 512

	blkReqHeaderSize = 16
	blkStatusSize    = 1
)

const blkFeatureBlkSize = 1 << 6

// maxCompletionPolls bounds submitAndWait's busy-poll of the used ring: a
// device that never posts a completion (wedged or absent) returns IoError
// instead of hanging the caller forever, per spec.md's ~2x10^6-poll
// timeout for the block driver's completion wait.
const maxCompletionPolls = 2_000_000

// Block is a synchronous virtio-blk driver: every Read/Write submits one
// descriptor chain and polls the used ring to completion, since this
// kernel's model has no interrupt delivery path (spec.md §9).
type Block struct {
	dev   *MMIODevice
	queue *Queue
	arena *memory.Arena

	capacitySectors uint64

	scratch     uint64 // physical scratch region for request headers/status
	dataScratch uint64 // physical scratch region for one sector of data

	// inFlight serializes ReadSector/WriteSector/Flush: the driver is
	// synchronous and reuses scratch and dataScratch for one request at
	// a time (spec.md §9 names no interrupt delivery path, so there is
	// no benefit to queuing more than one request ahead of the poll
	// loop that waits for it).
	inFlight gsync.Mutex
}

// OpenBlock discovers, negotiates, and brings up a virtio-blk device at
// base, carving its virtqueue rings and per-request scratch buffers out
// of arena via mgr.
func OpenBlock(mgr *memory.Manager, base uint64) (*Block, error) {
	arena := mgr.Arena()
	deviceID, version, ok, err := Probe(arena, base)
	if err != nil {
		return nil, wrapErr(VirtIOError, "probe mmio device", err)
	}
	if !ok {
		return nil, newErr(DeviceNotFound, "no virtio device present at mmio base")
	}
	const virtioBlkDeviceID = 2
	if deviceID != virtioBlkDeviceID {
		return nil, newErr(DeviceNotFound, "mmio device is not virtio-blk")
	}

	dev, err := Open(arena, base, version, blkFeatureBlkSize)
	if err != nil {
		return nil, err
	}

	const queueSize = 64
	descBytes := uint64(queueSize) * descSize
	availBytes := uint64(6 + 2*queueSize) // flags+idx+ring+used_event
	usedBytes := uint64(6 + 8*queueSize)  // flags+idx+ring+avail_event

	descAddr, aerr := mgr.TryAllocate(descBytes, 16)
	if aerr != nil {
		return nil, wrapErr(VirtIOError, "allocate descriptor table", aerr)
	}
	availAddr, aerr := mgr.TryAllocate(availBytes, 2)
	if aerr != nil {
		return nil, wrapErr(VirtIOError, "allocate avail ring", aerr)
	}
	usedAddr, aerr := mgr.TryAllocate(usedBytes, 4)
	if aerr != nil {
		return nil, wrapErr(VirtIOError, "allocate used ring", aerr)
	}
	if err := arena.Zero(descAddr, descBytes); err != nil {
		return nil, wrapErr(VirtIOError, "zero descriptor table", err)
	}
	if err := arena.Zero(availAddr, availBytes); err != nil {
		return nil, wrapErr(VirtIOError, "zero avail ring", err)
	}
	if err := arena.Zero(usedAddr, usedBytes); err != nil {
		return nil, wrapErr(VirtIOError, "zero used ring", err)
	}

	queue, err := dev.SetupQueue(0, queueSize, descAddr, availAddr, usedAddr)
	if err != nil {
		return nil, err
	}
	if err := dev.Finalize(); err != nil {
		return nil, err
	}

	scratch, aerr := mgr.TryAllocate(blkReqHeaderSize+blkStatusSize, 8)
	if aerr != nil {
		return nil, wrapErr(VirtIOError, "allocate request scratch", aerr)
	}
	dataScratch, aerr := mgr.TryAllocate(SectorSize, 8)
	if aerr != nil {
		return nil, wrapErr(VirtIOError, "allocate data scratch", aerr)
	}

	cap64, err := readConfigU64(arena, base, 0)
	if err != nil {
		return nil, wrapErr(VirtIOError, "read capacity config field", err)
	}

	return &Block{
		dev:             dev,
		queue:           queue,
		arena:           arena,
		capacitySectors: cap64,
		scratch:         scratch,
		dataScratch:     dataScratch,
	}, nil
}

func readConfigU64(mem GuestMemory, base uint64, offset uint64) (uint64, error) {
	var buf [8]byte
	if _, err := mem.ReadAt(buf[:], int64(base+regConfig+offset)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// CapacitySectors reports the device's total addressable size in 512-byte
// sectors, per the virtio-blk config space's capacity field.
func (b *Block) CapacitySectors() uint64 { return b.capacitySectors }

func (b *Block) checkSector(sector uint64) error {
	if b.capacitySectors != 0 && sector >= b.capacitySectors {
		return newErr(InvalidSector, "sector out of range")
	}
	return nil
}

// submitAndWait performs one request/response round trip: write the
// header, submit the descriptor chain, and poll the used ring until this
// chain's head appears.
func (b *Block) submitAndWait(reqType uint32, sector uint64, dataAddr uint64, dataLen uint32, dataWrite bool) (byte, error) {
	header := b.scratch
	status := b.scratch + blkReqHeaderSize

	var hbuf [blkReqHeaderSize]byte
	binary.LittleEndian.PutUint32(hbuf[0:4], reqType)
	binary.LittleEndian.PutUint32(hbuf[4:8], 0)
	binary.LittleEndian.PutUint64(hbuf[8:16], sector)
	if _, err := b.arena.WriteAt(hbuf[:], int64(header)); err != nil {
		return 0, wrapErr(IoError, "write request header", err)
	}
	if err := b.arena.Zero(status, blkStatusSize); err != nil {
		return 0, wrapErr(IoError, "clear status byte", err)
	}

	chain := []Chain{{Addr: header, Len: blkReqHeaderSize, Write: false}}
	if dataLen > 0 {
		chain = append(chain, Chain{Addr: dataAddr, Len: dataLen, Write: dataWrite})
	}
	chain = append(chain, Chain{Addr: status, Len: blkStatusSize, Write: true})

	head, err := b.queue.Submit(chain)
	if err != nil {
		return 0, err
	}

	for polls := 0; polls < maxCompletionPolls; polls++ {
		entries, err := b.queue.Poll()
		if err != nil {
			return 0, err
		}
		for _, e := range entries {
			if e.Head == head {
				sbuf, err := b.arena.Slice(status, blkStatusSize)
				if err != nil {
					return 0, wrapErr(IoError, "read status byte", err)
				}
				return sbuf[0], nil
			}
		}
	}
	return 0, newErr(IoError, "timed out waiting for device completion")
}

// ReadSector reads exactly one 512-byte sector into dst.
func (b *Block) ReadSector(sector uint64, dst []byte) error {
	if len(dst) < SectorSize {
		return newErr(BufferTooSmall, "destination buffer smaller than sector size")
	}
	if err := b.checkSector(sector); err != nil {
		return err
	}
	b.inFlight.Lock()
	defer b.inFlight.Unlock()

	status, err := b.submitAndWait(blkTypeIn, sector, b.dataScratch, SectorSize, true)
	if err != nil {
		return err
	}
	if status != blkStatusOK {
		return newErr(IoError, statusName(status))
	}
	buf, err := b.arena.Slice(b.dataScratch, SectorSize)
	if err != nil {
		return wrapErr(IoError, "read sector data", err)
	}
	copy(dst, buf)
	return nil
}

// WriteSector writes exactly one 512-byte sector from src.
func (b *Block) WriteSector(sector uint64, src []byte) error {
	if len(src) < SectorSize {
		return newErr(BufferTooSmall, "source buffer smaller than sector size")
	}
	if err := b.checkSector(sector); err != nil {
		return err
	}
	b.inFlight.Lock()
	defer b.inFlight.Unlock()

	if _, err := b.arena.WriteAt(src[:SectorSize], int64(b.dataScratch)); err != nil {
		return wrapErr(IoError, "stage sector data", err)
	}
	status, err := b.submitAndWait(blkTypeOut, sector, b.dataScratch, SectorSize, false)
	if err != nil {
		return err
	}
	if status != blkStatusOK {
		return newErr(IoError, statusName(status))
	}
	return nil
}

// ReadBlocks reads count contiguous sectors starting at sector into dst,
// one virtqueue round trip per sector (spec.md leaves batching as an
// implementation detail; this favors the simpler, easier-to-verify
// sequential form).
func (b *Block) ReadBlocks(sector uint64, count uint32, dst []byte) error {
	if uint64(len(dst)) < uint64(count)*SectorSize {
		return newErr(BufferTooSmall, "destination buffer too small for requested blocks")
	}
	for i := uint32(0); i < count; i++ {
		off := uint64(i) * SectorSize
		if err := b.ReadSector(sector+uint64(i), dst[off:off+SectorSize]); err != nil {
			return err
		}
	}
	return nil
}

// WriteBlocks writes count contiguous sectors starting at sector from src.
func (b *Block) WriteBlocks(sector uint64, count uint32, src []byte) error {
	if uint64(len(src)) < uint64(count)*SectorSize {
		return newErr(InvalidParameter, "source buffer too small for requested blocks")
	}
	for i := uint32(0); i < count; i++ {
		off := uint64(i) * SectorSize
		if err := b.WriteSector(sector+uint64(i), src[off:off+SectorSize]); err != nil {
			return err
		}
	}
	return nil
}

// Flush issues a VIRTIO_BLK_T_FLUSH request. A device that answers
// VIRTIO_BLK_S_UNSUPP is treated as having nothing to flush.
func (b *Block) Flush() error {
	b.inFlight.Lock()
	defer b.inFlight.Unlock()
	status, err := b.submitAndWait(blkTypeFlush, 0, 0, 0, false)
	if err != nil {
		return err
	}
	if status == blkStatusUnsupp {
		return nil
	}
	if status != blkStatusOK {
		return newErr(IoError, statusName(status))
	}
	return nil
}

func statusName(status byte) string {
	switch status {
	case blkStatusIOErr:
		return "device reported VIRTIO_BLK_S_IOERR"
	case blkStatusUnsupp:
		return "device reported VIRTIO_BLK_S_UNSUPP"
	default:
		return "device reported an unknown status code"
	}
}
