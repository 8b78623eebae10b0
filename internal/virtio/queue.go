package virtio

import (
	"encoding/binary"
	"io"
)

// GuestMemory is the address space a Queue reads and writes descriptors,
// rings, and data buffers through. *memory.Arena satisfies this directly
// (see internal/memory/arena.go), since this kernel has no MMU and guest-
// physical addresses are host-physical addresses.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// Descriptor flags, VirtIO 1.1 §2.6.5.
const (
	descFNext  = 1
	descFWrite = 2
)

const descSize = 16 // sizeof(struct virtq_desc)

// Queue is the driver side of a split virtqueue: this kernel owns and
// writes the descriptor table and the available ring, and reads the used
// ring the device populates. This is the mirror image of the teacher's
// device-side internal/devices/virtio/queue.go, which reads avail and
// writes used.
type Queue struct {
	dev   *MMIODevice
	idx   uint16
	size  uint16
	mem   GuestMemory

	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	nextFree  uint16 // next unused descriptor table slot
	freeHead  []uint16
	availIdx  uint16 // local shadow of the avail ring's idx field
	lastUsed  uint16
}

func newQueue(dev *MMIODevice, idx, size uint16, descAddr, availAddr, usedAddr uint64) *Queue {
	q := &Queue{
		dev: dev, idx: idx, size: size, mem: dev.mem,
		descAddr: descAddr, availAddr: availAddr, usedAddr: usedAddr,
	}
	q.freeHead = make([]uint16, size)
	for i := range q.freeHead {
		q.freeHead[i] = uint16(i)
	}
	return q
}

// Size is the negotiated number of descriptor slots.
func (q *Queue) Size() uint16 { return q.size }

func (q *Queue) allocDesc() (uint16, bool) {
	if len(q.freeHead) == 0 {
		return 0, false
	}
	idx := q.freeHead[len(q.freeHead)-1]
	q.freeHead = q.freeHead[:len(q.freeHead)-1]
	return idx, true
}

func (q *Queue) freeDesc(idx uint16) {
	q.freeHead = append(q.freeHead, idx)
}

func (q *Queue) writeDesc(slot uint16, addr uint64, length uint32, flags uint16, next uint16) error {
	var buf [descSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)
	_, err := q.mem.WriteAt(buf[:], int64(q.descAddr+uint64(slot)*descSize))
	return err
}

// Chain describes a single buffer in a descriptor chain submitted to a
// device: Addr/Len identify a guest-physical span, Write reports whether
// the device writes into it (as opposed to the driver having already
// filled it in).
type Chain struct {
	Addr  uint64
	Len   uint32
	Write bool
}

// Submit writes a descriptor chain into the queue's descriptor table,
// pushes its head index onto the available ring, and rings the doorbell.
// It returns the head index, which the caller later matches against the
// entries Poll returns (as Block.submitAndWait does).
func (q *Queue) Submit(chain []Chain) (uint16, error) {
	if len(chain) == 0 {
		return 0, newErr(InvalidParameter, "descriptor chain must not be empty")
	}
	if len(chain) > int(q.size) {
		return 0, newErr(QueueFull, "descriptor chain longer than queue size")
	}

	slots := make([]uint16, len(chain))
	for i := range chain {
		slot, ok := q.allocDesc()
		if !ok {
			for _, s := range slots[:i] {
				q.freeDesc(s)
			}
			return 0, newErr(QueueFull, "no free descriptor slots")
		}
		slots[i] = slot
	}

	for i, c := range chain {
		flags := uint16(0)
		if c.Write {
			flags |= descFWrite
		}
		next := uint16(0)
		if i < len(chain)-1 {
			flags |= descFNext
			next = slots[i+1]
		}
		if err := q.writeDesc(slots[i], c.Addr, c.Len, flags, next); err != nil {
			return 0, wrapErr(IoError, "write descriptor", err)
		}
	}

	head := slots[0]
	ringSlot := q.availIdx % q.size
	if err := writeReg16At(q.mem, q.availAddr+4+uint64(ringSlot)*2, head); err != nil {
		return 0, wrapErr(IoError, "write avail ring entry", err)
	}
	q.availIdx++
	if err := writeReg16At(q.mem, q.availAddr+2, q.availIdx); err != nil {
		return 0, wrapErr(IoError, "write avail ring index", err)
	}

	if err := q.dev.Notify(q.idx); err != nil {
		return 0, err
	}
	return head, nil
}

// UsedEntry is one completed request read from the used ring.
type UsedEntry struct {
	Head uint16
	Len  uint32
}

// Poll reads every new entry from the used ring without blocking, freeing
// their descriptor chains back to the free list.
func (q *Queue) Poll() ([]UsedEntry, error) {
	usedIdx, err := readReg16At(q.mem, q.usedAddr+2)
	if err != nil {
		return nil, wrapErr(IoError, "read used ring index", err)
	}

	var entries []UsedEntry
	for q.lastUsed != usedIdx {
		ringSlot := q.lastUsed % q.size
		off := q.usedAddr + 4 + uint64(ringSlot)*8
		id, err := readReg32At(q.mem, off)
		if err != nil {
			return entries, wrapErr(IoError, "read used ring entry id", err)
		}
		length, err := readReg32At(q.mem, off+4)
		if err != nil {
			return entries, wrapErr(IoError, "read used ring entry length", err)
		}
		q.releaseChain(uint16(id))
		entries = append(entries, UsedEntry{Head: uint16(id), Len: length})
		q.lastUsed++
	}
	return entries, nil
}

// releaseChain walks the descriptor chain starting at head, freeing every
// slot back to the free list.
func (q *Queue) releaseChain(head uint16) {
	slot := head
	for {
		var buf [descSize]byte
		if _, err := q.mem.ReadAt(buf[:], int64(q.descAddr+uint64(slot)*descSize)); err != nil {
			return
		}
		flags := binary.LittleEndian.Uint16(buf[12:14])
		next := binary.LittleEndian.Uint16(buf[14:16])
		q.freeDesc(slot)
		if flags&descFNext == 0 {
			return
		}
		slot = next
	}
}

func writeReg16At(mem GuestMemory, addr uint64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	_, err := mem.WriteAt(buf[:], int64(addr))
	return err
}

func readReg16At(mem GuestMemory, addr uint64) (uint16, error) {
	var buf [2]byte
	if _, err := mem.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func readReg32At(mem GuestMemory, addr uint64) (uint32, error) {
	var buf [4]byte
	if _, err := mem.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
