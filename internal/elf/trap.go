package elf

import "github.com/elinos-project/elinos/internal/sbi"

// Syscall numbers spec.md §6's user-kernel ABI table names, Linux-
// compatible where Linux defines one.
const (
	SysOpenat     = 56
	SysClose      = 57
	SysRead       = 63
	SysWrite      = 64
	SysGetdents64 = 61
	SysFstat      = 80
	SysExit       = 93
	SysGetpid     = 172
	SysGetppid    = 173
)

const maxTrapCopy = 4096 // bounds a single read/write syscall's byte count

// TrapFrame is the subset of user-mode register state a syscall trap
// handler reads and rewrites: a0-a3 carry the fd/buffer/args and return
// value (original_source's syscall_trap_handler reads a0-a3 off the
// trapped context), a7 selects the syscall, sepc is advanced past the
// ecall on every path that resumes the user program.
type TrapFrame struct {
	A0, A1, A2, A3, A7 uint64
	SEPC               uint64
}

// TrapMemory is the physical-address read/write surface syscalls that
// touch user buffers (SYS_READ, SYS_WRITE) copy through. Satisfied by
// *internal/memory.Arena.
type TrapMemory interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// ExitState reports whether a trap requested the process-wide exit
// spec.md §4.4 describes ("set a process-wide flag with the exit code
// ... jump to the shell entry point" instead of resuming the user
// program via sret).
type ExitState struct {
	Exited bool
	Code   int32
}

// HandleTrap dispatches one environment-call trap on a7, per spec.md
// §4.4's table, mutating frame in place (a0's return value, sepc
// advanced past the ecall) the way the real trap handler would before a
// sret back to user mode. Any syscall number outside the implemented set
// returns 0 in a0 and resumes the program, matching "others: return 0 or
// -ENOSYS".
func HandleTrap(frame *TrapFrame, loaded *LoadedElf, mem TrapMemory, console sbi.Console) (ExitState, error) {
	switch frame.A7 {
	case SysWrite:
		frame.A0 = dispatchWrite(loaded, mem, console, frame.A0, frame.A2, frame.A3)
		frame.SEPC += 4
		return ExitState{}, nil

	case SysRead:
		frame.A0 = dispatchRead(loaded, mem, console, frame.A0, frame.A2, frame.A3)
		frame.SEPC += 4
		return ExitState{}, nil

	case SysExit:
		frame.SEPC += 4
		return ExitState{Exited: true, Code: int32(uint32(frame.A0))}, nil

	case SysGetpid, SysGetppid:
		frame.A0 = 1
		frame.SEPC += 4
		return ExitState{}, nil

	case SysOpenat, SysClose, SysGetdents64, SysFstat:
		// Stubs: spec.md §6 lists these as "stubs or very partial".
		frame.A0 = 0
		frame.SEPC += 4
		return ExitState{}, nil

	default:
		frame.A0 = 0
		frame.SEPC += 4
		return ExitState{}, nil
	}
}

// dispatchWrite implements SYS_WRITE for fd==1 (stdout to the console);
// any other fd returns 0 written, matching the ABI table's "fd==1 writes
// to UART, returns bytes written".
func dispatchWrite(loaded *LoadedElf, mem TrapMemory, console sbi.Console, fd, vaddr, count uint64) uint64 {
	if fd != 1 {
		return 0
	}
	n := clampTrapCopy(count)
	if n == 0 {
		return 0
	}
	phys, ok := loaded.TranslateAny(vaddr)
	if !ok {
		return 0
	}
	buf := make([]byte, n)
	got, err := mem.ReadAt(buf, int64(phys))
	if err != nil || got == 0 {
		return 0
	}
	for _, b := range buf[:got] {
		console.PutChar(b)
	}
	return uint64(got)
}

// dispatchRead implements SYS_READ for fd==0 (stdin), "partial" per the
// ABI table: it returns as soon as the console has no more buffered
// bytes rather than blocking for count bytes.
func dispatchRead(loaded *LoadedElf, mem TrapMemory, console sbi.Console, fd, vaddr, count uint64) uint64 {
	if fd != 0 {
		return 0
	}
	n := clampTrapCopy(count)
	if n == 0 {
		return 0
	}
	phys, ok := loaded.TranslateAny(vaddr)
	if !ok {
		return 0
	}
	buf := make([]byte, 0, n)
	for uint64(len(buf)) < n {
		b, ok := console.GetChar()
		if !ok {
			break
		}
		buf = append(buf, b)
	}
	if len(buf) == 0 {
		return 0
	}
	written, err := mem.WriteAt(buf, int64(phys))
	if err != nil {
		return 0
	}
	return uint64(written)
}

func clampTrapCopy(count uint64) uint64 {
	if count > maxTrapCopy {
		return maxTrapCopy
	}
	return count
}
