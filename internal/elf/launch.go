package elf

import "encoding/binary"

// UserStackSize is the 8-KiB user stack spec.md §4.4 allocates per
// launch.
const UserStackSize = 8 * 1024

// exitStubInstructions are the four RISC-V instructions
// original_source/src/elf.rs's execute_with_syscall_support hand-encodes:
// "li a7, 93; ecall; ebreak; nop", used as the return address a launched
// program jumps to when its entry function returns normally.
var exitStubInstructions = [4]uint32{
	0x05d00893, // addi a7, x0, 93  (li a7, SYS_EXIT)
	0x00000073, // ecall
	0x00100073, // ebreak
	0x00000013, // nop
}

// sstatusSPIE, sstatusSPP are the two sstatus bits spec.md §4.4 names:
// SPIE=1 (re-enable interrupts on return), SPP=0 (return to user, not
// supervisor, mode).
const (
	sstatusSPIE = 1 << 5
	SStatusUser = sstatusSPIE // SPP is bit 8; leaving it clear is implicit
)

// Launch is the register state a trampoline programs before executing
// sret to hand control to a loaded program, per spec.md §4.4's
// "Execution" steps. This package only computes the values; the actual
// sepc/sstatus/sp/ra csrw and sret belong to the supervisor-mode boot
// assembly, out of scope here the same way internal/sbi's Firmware
// interface leaves the real SBI ecall client out of scope.
type Launch struct {
	EntryPhys   uint64 // sepc: physical address translated from EntryPoint
	StackTop    uint64 // sp: top of the allocated user stack
	ExitStub    uint64 // ra: physical address of the exit-stub instructions
	SStatus     uint64 // sstatus value to program before sret
}

// Prepare allocates a user stack and exit stub for loaded and resolves
// its entry point to a physical address via the software MMU, returning
// the Launch a trampoline needs. Fails with LoadError if the entry point
// does not fall inside any executable segment (a malformed or
// non-executable image) or if either allocation fails.
func Prepare(loaded *LoadedElf, alloc Allocator, mem Memory) (*Launch, error) {
	entryPhys, ok := loaded.Translate(loaded.EntryPoint)
	if !ok {
		return nil, newErr(LoadError, "entry point is not inside any executable segment")
	}

	stackAddr, ok := alloc.Allocate(UserStackSize, 16)
	if !ok {
		return nil, newErr(LoadError, "allocate user stack")
	}
	if err := mem.Zero(stackAddr, UserStackSize); err != nil {
		return nil, wrapErr(LoadError, "zero user stack", err)
	}

	stubAddr, ok := alloc.Allocate(uint64(len(exitStubInstructions))*4, 4)
	if !ok {
		return nil, newErr(LoadError, "allocate exit stub")
	}
	stub := make([]byte, len(exitStubInstructions)*4)
	for i, ins := range exitStubInstructions {
		binary.LittleEndian.PutUint32(stub[i*4:], ins)
	}
	if _, err := mem.WriteAt(stub, int64(stubAddr)); err != nil {
		return nil, wrapErr(LoadError, "write exit stub", err)
	}

	return &Launch{
		EntryPhys: entryPhys,
		StackTop:  stackAddr + UserStackSize,
		ExitStub:  stubAddr,
		SStatus:   SStatusUser,
	}, nil
}
