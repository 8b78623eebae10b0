package elf

import (
	"encoding/binary"
	"testing"
)

// fakeArena is a tiny bump allocator plus a flat byte slice standing in
// for *internal/memory.Manager + *internal/memory.Arena in tests, the
// same role memBlockDevice plays for internal/ext4.
type fakeArena struct {
	next uint64
	mem  []byte
}

func newFakeArena(size int) *fakeArena {
	return &fakeArena{next: 0x1000, mem: make([]byte, size)}
}

func (a *fakeArena) Allocate(size, align uint64) (uint64, bool) {
	if align == 0 {
		align = 1
	}
	addr := (a.next + align - 1) &^ (align - 1)
	if addr+size > uint64(len(a.mem)) {
		return 0, false
	}
	a.next = addr + size
	return addr, true
}

func (a *fakeArena) WriteAt(p []byte, off int64) (int, error) {
	return copy(a.mem[off:], p), nil
}

func (a *fakeArena) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, a.mem[off:]), nil
}

func (a *fakeArena) Zero(addr, size uint64) error {
	for i := uint64(0); i < size; i++ {
		a.mem[addr+i] = 0
	}
	return nil
}

type fakeConsole struct {
	written []byte
	input   []byte
}

func (c *fakeConsole) PutChar(b byte) { c.written = append(c.written, b) }

func (c *fakeConsole) GetChar() (byte, bool) {
	if len(c.input) == 0 {
		return 0, false
	}
	b := c.input[0]
	c.input = c.input[1:]
	return b, true
}

// buildELF assembles a minimal valid ELF64 RISC-V executable: one
// PT_LOAD segment containing code bytes, entry point at its start.
func buildELF(t *testing.T, code []byte) []byte {
	t.Helper()
	const phOff = headerSize
	body := make([]byte, phOff+phEntSize)

	hdr := Header64{
		Type:      TypeExec,
		Machine:   machineRISC,
		Version:   1,
		Entry:     0x10000,
		PhOff:     phOff,
		EhSize:    headerSize,
		PhEntSize: phEntSize,
		PhNum:     1,
	}
	hdr.Ident[0], hdr.Ident[1], hdr.Ident[2], hdr.Ident[3] = elfMagic0, elfMagic1, elfMagic2, elfMagic3
	hdr.Ident[4] = classELF64
	hdr.Ident[5] = dataLSB

	putHeader(body, hdr)

	dataOff := uint64(len(body))
	ph := ProgramHeader{
		Type:   TypeLoad,
		Flags:  FlagRead | FlagExec,
		Offset: dataOff,
		VAddr:  0x10000,
		FileSz: uint64(len(code)),
		MemSz:  uint64(len(code)) + 16, // extra BSS beyond file data
		Align:  0x1000,
	}
	putProgramHeader(body[phOff:], ph)

	return append(body, code...)
}

func putHeader(buf []byte, hdr Header64) {
	copy(buf[0:16], hdr.Ident[:])
	binary.LittleEndian.PutUint16(buf[16:], hdr.Type)
	binary.LittleEndian.PutUint16(buf[18:], hdr.Machine)
	binary.LittleEndian.PutUint32(buf[20:], hdr.Version)
	binary.LittleEndian.PutUint64(buf[24:], hdr.Entry)
	binary.LittleEndian.PutUint64(buf[32:], hdr.PhOff)
	binary.LittleEndian.PutUint64(buf[40:], hdr.ShOff)
	binary.LittleEndian.PutUint32(buf[48:], hdr.Flags)
	binary.LittleEndian.PutUint16(buf[52:], hdr.EhSize)
	binary.LittleEndian.PutUint16(buf[54:], hdr.PhEntSize)
	binary.LittleEndian.PutUint16(buf[56:], hdr.PhNum)
	binary.LittleEndian.PutUint16(buf[58:], hdr.ShEntSize)
	binary.LittleEndian.PutUint16(buf[60:], hdr.ShNum)
	binary.LittleEndian.PutUint16(buf[62:], hdr.ShStrNdx)
}

func putProgramHeader(buf []byte, ph ProgramHeader) {
	binary.LittleEndian.PutUint32(buf[0:], ph.Type)
	binary.LittleEndian.PutUint32(buf[4:], ph.Flags)
	binary.LittleEndian.PutUint64(buf[8:], ph.Offset)
	binary.LittleEndian.PutUint64(buf[16:], ph.VAddr)
	binary.LittleEndian.PutUint64(buf[24:], ph.PAddr)
	binary.LittleEndian.PutUint64(buf[32:], ph.FileSz)
	binary.LittleEndian.PutUint64(buf[40:], ph.MemSz)
	binary.LittleEndian.PutUint64(buf[48:], ph.Align)
}

func TestParseHeaderRejectsBadMagic(t *testing.T) {
	data := buildELF(t, []byte{1, 2, 3, 4})
	data[0] = 0
	if _, err := ParseHeader(data); err == nil {
		t.Fatalf("expected error for bad magic")
	} else if e, ok := err.(*Error); !ok || e.Code_ != InvalidMagic {
		t.Fatalf("expected InvalidMagic, got %v", err)
	}
}

func TestParseHeaderRejectsWrongMachine(t *testing.T) {
	data := buildELF(t, []byte{1, 2, 3, 4})
	binary.LittleEndian.PutUint16(data[18:], 0x3e) // EM_X86_64
	if _, err := ParseHeader(data); err == nil {
		t.Fatalf("expected error for wrong machine")
	} else if e, ok := err.(*Error); !ok || e.Code_ != UnsupportedMachine {
		t.Fatalf("expected UnsupportedMachine, got %v", err)
	}
}

func TestParseHeaderTooShort(t *testing.T) {
	if _, err := ParseHeader([]byte{0x7f, 'E', 'L', 'F'}); err == nil {
		t.Fatalf("expected error for truncated header")
	}
}

func TestLoadSingleSegment(t *testing.T) {
	code := []byte{0xde, 0xad, 0xbe, 0xef}
	data := buildELF(t, code)
	arena := newFakeArena(1 << 20)

	loaded, err := Load(data, arena, arena)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.EntryPoint != 0x10000 {
		t.Fatalf("entry point = 0x%x, want 0x10000", loaded.EntryPoint)
	}
	if len(loaded.Segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(loaded.Segments))
	}
	seg := loaded.Segments[0]
	if seg.DataSize != uint64(len(code)) {
		t.Fatalf("data size = %d, want %d", seg.DataSize, len(code))
	}
	if seg.MemSize != uint64(len(code))+16 {
		t.Fatalf("mem size = %d, want %d", seg.MemSize, len(code)+16)
	}
	got := make([]byte, len(code))
	if _, err := arena.ReadAt(got, int64(seg.DataAddr)); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i, b := range code {
		if got[i] != b {
			t.Fatalf("byte %d = 0x%x, want 0x%x", i, got[i], b)
		}
	}
	// BSS tail beyond the file-backed bytes must be zeroed.
	tail := make([]byte, 4)
	if _, err := arena.ReadAt(tail, int64(seg.DataAddr)+int64(len(code))+8); err != nil {
		t.Fatalf("ReadAt tail: %v", err)
	}
	for _, b := range tail {
		if b != 0 {
			t.Fatalf("expected zeroed BSS tail, got %v", tail)
		}
	}
}

func TestLoadRejectsFileSzExceedingMemSz(t *testing.T) {
	data := buildELF(t, []byte{1, 2, 3, 4})
	// Corrupt p_memsz (at offset phOff+40) to be smaller than p_filesz.
	binary.LittleEndian.PutUint64(data[headerSize+40:], 1)
	arena := newFakeArena(1 << 20)
	if _, err := Load(data, arena, arena); err == nil {
		t.Fatalf("expected error for filesz > memsz")
	}
}

func TestTranslateEntryPoint(t *testing.T) {
	code := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	data := buildELF(t, code)
	arena := newFakeArena(1 << 20)

	loaded, err := Load(data, arena, arena)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	phys, ok := loaded.Translate(loaded.EntryPoint)
	if !ok {
		t.Fatalf("expected entry point to translate")
	}
	if phys != loaded.Segments[0].DataAddr {
		t.Fatalf("translated entry = 0x%x, want 0x%x", phys, loaded.Segments[0].DataAddr)
	}
	if _, ok := loaded.Translate(0xdeadbeef); ok {
		t.Fatalf("expected out-of-range vaddr to fail translation")
	}
}

func TestPrepareLaunch(t *testing.T) {
	code := []byte{1, 2, 3, 4}
	data := buildELF(t, code)
	arena := newFakeArena(1 << 20)

	loaded, err := Load(data, arena, arena)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	launch, err := Prepare(loaded, arena, arena)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if launch.EntryPhys != loaded.Segments[0].DataAddr {
		t.Fatalf("entry phys = 0x%x, want 0x%x", launch.EntryPhys, loaded.Segments[0].DataAddr)
	}
	if launch.StackTop == 0 {
		t.Fatalf("expected nonzero stack top")
	}
	if launch.SStatus&sstatusSPIE == 0 {
		t.Fatalf("expected SPIE set in sstatus")
	}

	stub := make([]byte, 16)
	if _, err := arena.ReadAt(stub, int64(launch.ExitStub)); err != nil {
		t.Fatalf("ReadAt exit stub: %v", err)
	}
	if binary.LittleEndian.Uint32(stub[0:]) != exitStubInstructions[0] {
		t.Fatalf("exit stub first instruction mismatch")
	}
	if binary.LittleEndian.Uint32(stub[4:]) != exitStubInstructions[1] {
		t.Fatalf("exit stub second instruction mismatch")
	}
}

func TestHandleTrapWrite(t *testing.T) {
	code := []byte{1, 2, 3, 4}
	data := buildELF(t, code)
	arena := newFakeArena(1 << 20)
	loaded, err := Load(data, arena, arena)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	msg := []byte("ok\n")
	msgAddr := loaded.Segments[0].DataAddr + 8
	if _, err := arena.WriteAt(msg, int64(msgAddr)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	vaddr := loaded.Segments[0].VAddr + 8

	console := &fakeConsole{}
	frame := &TrapFrame{A0: 1, A2: vaddr, A3: uint64(len(msg)), A7: SysWrite, SEPC: 0x4000}
	state, err := HandleTrap(frame, loaded, arena, console)
	if err != nil {
		t.Fatalf("HandleTrap: %v", err)
	}
	if state.Exited {
		t.Fatalf("expected write syscall not to exit")
	}
	if frame.A0 != uint64(len(msg)) {
		t.Fatalf("a0 = %d, want %d", frame.A0, len(msg))
	}
	if frame.SEPC != 0x4004 {
		t.Fatalf("sepc = 0x%x, want 0x4004", frame.SEPC)
	}
	if string(console.written) != "ok\n" {
		t.Fatalf("console got %q, want %q", console.written, "ok\n")
	}
}

func TestHandleTrapExit(t *testing.T) {
	frame := &TrapFrame{A0: 7, A7: SysExit, SEPC: 0x8000}
	state, err := HandleTrap(frame, &LoadedElf{}, newFakeArena(16), &fakeConsole{})
	if err != nil {
		t.Fatalf("HandleTrap: %v", err)
	}
	if !state.Exited || state.Code != 7 {
		t.Fatalf("expected exit code 7, got %+v", state)
	}
}

func TestHandleTrapUnsupportedSyscall(t *testing.T) {
	frame := &TrapFrame{A7: 9999, SEPC: 0x100}
	state, err := HandleTrap(frame, &LoadedElf{}, newFakeArena(16), &fakeConsole{})
	if err != nil {
		t.Fatalf("HandleTrap: %v", err)
	}
	if state.Exited {
		t.Fatalf("unsupported syscall must not exit")
	}
	if frame.A0 != 0 {
		t.Fatalf("a0 = %d, want 0", frame.A0)
	}
	if frame.SEPC != 0x104 {
		t.Fatalf("sepc = 0x%x, want 0x104", frame.SEPC)
	}
}
