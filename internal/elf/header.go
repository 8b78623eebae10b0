package elf

import (
	"bytes"
	"encoding/binary"
)

// Field values spec.md §4.4 and original_source/src/elf.rs's ELF_MAGIC,
// ELFCLASS64, ELFDATA2LSB, EM_RISCV, ET_EXEC/ET_DYN, PT_LOAD, PF_* consts
// name explicitly.
const (
	elfMagic0, elfMagic1, elfMagic2, elfMagic3 = 0x7f, 'E', 'L', 'F'

	classELF64  = 2
	dataLSB     = 1
	machineRISC = 243

	TypeExec   = 2
	TypeDyn    = 3
	TypeLoad   = 1 // ProgramHeader.Type for a PT_LOAD segment
	headerSize = 64
	phEntSize  = 56

	// FlagExec, FlagWrite, FlagRead are ProgramHeader.Flags bits (p_flags).
	FlagExec  = 1
	FlagWrite = 2
	FlagRead  = 4
)

// Header64 is the ELF64 file header, byte-for-byte the layout
// original_source/src/elf.rs's Elf64Header packs (and
// other_examples/0e99ac4c_xyproto-vibe67__elf_complete.go.go writes in
// the same field order from the writer's side).
type Header64 struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	PhOff     uint64
	ShOff     uint64
	Flags     uint32
	EhSize    uint16
	PhEntSize uint16
	PhNum     uint16
	ShEntSize uint16
	ShNum     uint16
	ShStrNdx  uint16
}

// ProgramHeader is the ELF64 program header entry.
type ProgramHeader struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	VAddr  uint64
	PAddr  uint64
	FileSz uint64
	MemSz  uint64
	Align  uint64
}

// IsLoad reports whether ph is a PT_LOAD segment.
func (ph ProgramHeader) IsLoad() bool { return ph.Type == TypeLoad }

// ParseHeader validates and decodes the ELF64 header at the start of
// data, in the exact check order spec.md §4.4 specifies: magic, class,
// endianness, machine, then type.
func ParseHeader(data []byte) (*Header64, error) {
	if len(data) < headerSize {
		return nil, newErr(InvalidHeader, "file shorter than an ELF64 header")
	}

	var hdr Header64
	if err := binary.Read(bytes.NewReader(data[:headerSize]), binary.LittleEndian, &hdr); err != nil {
		return nil, wrapErr(InvalidHeader, "decode ELF64 header", err)
	}

	if hdr.Ident[0] != elfMagic0 || hdr.Ident[1] != elfMagic1 || hdr.Ident[2] != elfMagic2 || hdr.Ident[3] != elfMagic3 {
		return nil, newErr(InvalidMagic, "missing 0x7f 'E' 'L' 'F' magic")
	}
	if hdr.Ident[4] != classELF64 {
		return nil, newErr(UnsupportedClass, "not ELFCLASS64")
	}
	if hdr.Ident[5] != dataLSB {
		return nil, newErr(UnsupportedEndian, "not little-endian")
	}
	if hdr.Machine != machineRISC {
		return nil, newErr(UnsupportedMachine, "not EM_RISCV")
	}
	if hdr.Type != TypeExec && hdr.Type != TypeDyn {
		return nil, newErr(UnsupportedType, "not ET_EXEC or ET_DYN")
	}

	return &hdr, nil
}

// IsELF reports whether data begins with a header ParseHeader accepts.
func IsELF(data []byte) bool {
	_, err := ParseHeader(data)
	return err == nil
}

// ProgramHeaders decodes hdr.PhNum entries starting at hdr.PhOff, the
// table-bounds check spec.md §4.4 requires before iterating it.
func ProgramHeaders(data []byte, hdr *Header64) ([]ProgramHeader, error) {
	entSize := uint64(hdr.PhEntSize)
	if entSize == 0 {
		entSize = phEntSize
	}
	start := hdr.PhOff
	size := uint64(hdr.PhNum) * entSize
	if start > uint64(len(data)) || size > uint64(len(data))-start {
		return nil, newErr(InvalidHeader, "program header table out of bounds")
	}

	out := make([]ProgramHeader, 0, hdr.PhNum)
	for i := uint16(0); i < hdr.PhNum; i++ {
		off := start + uint64(i)*entSize
		if off+phEntSize > uint64(len(data)) {
			continue
		}
		var ph ProgramHeader
		if err := binary.Read(bytes.NewReader(data[off:off+phEntSize]), binary.LittleEndian, &ph); err != nil {
			return nil, wrapErr(InvalidHeader, "decode program header", err)
		}
		out = append(out, ph)
	}
	return out, nil
}
