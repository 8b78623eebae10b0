package memory

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Arena is the backing store for a MemoryRegion: a byte slice addressed
// by the region's real physical addresses (Base..Base+len(mem)). There is
// no MMU in this model (spec.md §9: "the core operates on physical
// addresses with no MMU enabled"), so every subsystem that holds an
// *Arena* — the allocator tiers, the virtio driver's DMA window, the
// ELF loader's segment copies — reads and writes through the same
// absolute-address space, the same way real physical RAM would behave.
//
// On a hosted build the backing bytes come from an anonymous mmap when
// the platform supports it (golang.org/x/sys/unix, the same package
// internal/hv/riscv/rv64/machine.go in the teacher uses for guest-memory
// mapping), falling back to a plain slice otherwise.
type Arena struct {
	base uint64
	mem  []byte
}

// NewArena allocates size bytes of backing storage, presented as physical
// addresses starting at base.
func NewArena(base, size uint64) (*Arena, error) {
	if size == 0 {
		return nil, fmt.Errorf("memory: zero-size arena")
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		mem = make([]byte, size)
	}
	return &Arena{base: base, mem: mem}, nil
}

// Base is the physical address of the first byte of the arena.
func (a *Arena) Base() uint64 { return a.base }

// Size is the number of bytes the arena backs.
func (a *Arena) Size() uint64 { return uint64(len(a.mem)) }

// End is the exclusive physical address past the end of the arena.
func (a *Arena) End() uint64 { return a.base + a.Size() }

func (a *Arena) offset(addr uint64, n int) (int, error) {
	if addr < a.base || addr-a.base > a.Size() || uint64(n) > a.Size()-(addr-a.base) {
		return 0, fmt.Errorf("memory: address range [0x%x, 0x%x) outside arena [0x%x, 0x%x)",
			addr, addr+uint64(n), a.base, a.End())
	}
	return int(addr - a.base), nil
}

// ReadAt implements io.ReaderAt with off interpreted as a physical
// address, so an *Arena can be handed directly to internal/virtio as its
// GuestMemory (single address space: guest-physical is host-physical).
func (a *Arena) ReadAt(p []byte, off int64) (int, error) {
	start, err := a.offset(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, a.mem[start:start+len(p)]), nil
}

// WriteAt implements io.WriterAt, see ReadAt.
func (a *Arena) WriteAt(p []byte, off int64) (int, error) {
	start, err := a.offset(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(a.mem[start:start+len(p)], p), nil
}

// Zero clears [addr, addr+size) to zero.
func (a *Arena) Zero(addr, size uint64) error {
	start, err := a.offset(addr, int(size))
	if err != nil {
		return err
	}
	clear(a.mem[start : start+int(size)])
	return nil
}

// Slice returns a direct view of [addr, addr+size) for callers that need
// in-place access (the virtio driver's status and data scratch buffers).
// Mutating the slice mutates the arena.
func (a *Arena) Slice(addr, size uint64) ([]byte, error) {
	start, err := a.offset(addr, int(size))
	if err != nil {
		return nil, err
	}
	return a.mem[start : start+int(size)], nil
}
