package elf

import "fmt"

// MaxSegments is the fixed segment-table capacity spec.md §4.4 gives the
// loader ("track up to 8 loadable segments"), carried over from
// original_source's heapless::Vec<ElfSegment, 8>.
const MaxSegments = 8

// Allocator is the memory-manager collaborator the loader allocates
// segment and stack storage from. Satisfied by *internal/memory.Manager.
type Allocator interface {
	Allocate(size, align uint64) (uint64, bool)
}

// Memory is the physical-address read/write surface the loader copies
// segment bytes through. Satisfied by *internal/memory.Arena.
type Memory interface {
	WriteAt(p []byte, off int64) (int, error)
	Zero(addr, size uint64) error
}

// Segment is one loaded PT_LOAD mapping, the Go-idiomatic counterpart to
// original_source/src/elf.rs's ElfSegment.
type Segment struct {
	VAddr    uint64
	MemSize  uint64
	Flags    uint32
	DataAddr uint64 // physical address the segment was copied to
	DataSize uint64 // bytes actually copied from the file (<= MemSize)
}

// Executable reports whether the segment's PF_X bit is set.
func (s Segment) Executable() bool { return s.Flags&FlagExec != 0 }

// Contains reports whether vaddr falls within [VAddr, VAddr+MemSize).
func (s Segment) Contains(vaddr uint64) bool {
	return vaddr >= s.VAddr && vaddr < s.VAddr+s.MemSize
}

// LoadedElf is a validated, loaded ELF64 image: the entry point (a
// virtual address) and its segments' physical placements, the
// counterpart to original_source/src/elf.rs's LoadedElf.
type LoadedElf struct {
	EntryPoint uint64
	Segments   []Segment
}

// Translate performs the "software MMU" lookup spec.md §4.4 describes:
// find the executable segment containing vaddr and return the physical
// address vaddr maps to within it. Reports false if no executable
// segment contains vaddr.
func (l *LoadedElf) Translate(vaddr uint64) (uint64, bool) {
	for _, seg := range l.Segments {
		if seg.Executable() && seg.Contains(vaddr) {
			return seg.DataAddr + (vaddr - seg.VAddr), true
		}
	}
	return 0, false
}

// TranslateAny is like Translate but considers every loaded segment, not
// only executable ones — used to resolve data pointers (e.g. a SYS_WRITE
// buffer argument) that live in a non-executable segment.
func (l *LoadedElf) TranslateAny(vaddr uint64) (uint64, bool) {
	for _, seg := range l.Segments {
		if seg.Contains(vaddr) {
			return seg.DataAddr + (vaddr - seg.VAddr), true
		}
	}
	return 0, false
}

// Summary renders a one-line human-readable description, in the same
// spirit as internal/memory's Mode.String.
func (l *LoadedElf) Summary() string {
	total := uint64(0)
	for _, seg := range l.Segments {
		total += seg.MemSize
	}
	return fmt.Sprintf("entry=0x%x segments=%d total=%d bytes", l.EntryPoint, len(l.Segments), total)
}

// Load validates data as an ELF64 image and loads every PT_LOAD segment,
// in the five steps spec.md §4.4 enumerates: parse fields, allocate
// p_memsz bytes 8-byte aligned, zero them, copy min(p_filesz,
// available) bytes from the file, and record the mapping.
func Load(data []byte, alloc Allocator, mem Memory) (*LoadedElf, error) {
	hdr, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	phdrs, err := ProgramHeaders(data, hdr)
	if err != nil {
		return nil, err
	}

	loaded := &LoadedElf{EntryPoint: hdr.Entry}
	for _, ph := range phdrs {
		if !ph.IsLoad() || ph.MemSz == 0 {
			continue
		}
		if len(loaded.Segments) >= MaxSegments {
			return nil, newErr(LoadError, "too many PT_LOAD segments (max 8)")
		}
		if ph.FileSz > ph.MemSz {
			return nil, newErr(InvalidHeader, "p_filesz exceeds p_memsz")
		}

		addr, ok := alloc.Allocate(ph.MemSz, 8)
		if !ok {
			return nil, newErr(LoadError, "allocate segment memory")
		}
		if err := mem.Zero(addr, ph.MemSz); err != nil {
			return nil, wrapErr(LoadError, "zero segment memory", err)
		}

		fileSize := availableFileBytes(data, ph)
		if fileSize > 0 {
			if _, err := mem.WriteAt(data[ph.Offset:ph.Offset+fileSize], int64(addr)); err != nil {
				return nil, wrapErr(LoadError, "copy segment data", err)
			}
		}

		loaded.Segments = append(loaded.Segments, Segment{
			VAddr:    ph.VAddr,
			MemSize:  ph.MemSz,
			Flags:    ph.Flags,
			DataAddr: addr,
			DataSize: fileSize,
		})
	}

	if len(loaded.Segments) == 0 {
		return nil, newErr(InvalidHeader, "no loadable segments")
	}
	return loaded, nil
}

// availableFileBytes clamps p_filesz to what the file buffer actually
// holds at p_offset, treating an out-of-range offset as a pure-BSS
// segment (zero file bytes) rather than an error — original_source's
// loader does the same rather than rejecting the image.
func availableFileBytes(data []byte, ph ProgramHeader) uint64 {
	if ph.Offset >= uint64(len(data)) {
		return 0
	}
	avail := uint64(len(data)) - ph.Offset
	if ph.FileSz < avail {
		return ph.FileSz
	}
	return avail
}
