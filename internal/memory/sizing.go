package memory

const (
	// KernelLoadAddress and KernelMaxSize bound the kernel image, per
	// spec.md §4.1.
	KernelLoadAddress = 0x80200000
	KernelMaxSize     = 2 * 1024 * 1024

	PageSize = 4096
)

// minSafeHeapStart is the page-aligned address immediately above the
// kernel image.
func minSafeHeapStart() uint64 {
	return alignUp(KernelLoadAddress+KernelMaxSize, PageSize)
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

func alignDown(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return v &^ (align - 1)
}

func isPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// sizingRow is one row of the dynamic-sizing table in spec.md §4.1.
type sizingRow struct {
	maxRAM         uint64 // inclusive upper bound of detected RAM for this row, 0 = unbounded
	heapSize       uint64
	stackSize      uint64
	buddyHeapSize  uint64 // 0 means no buddy tier
	maxFileBuffer  uint64
}

var sizingTable = []sizingRow{
	{maxRAM: 8 * 1024 * 1024, heapSize: 32 * 1024, stackSize: 8 * 1024, buddyHeapSize: 0, maxFileBuffer: 4 * 1024},
	{maxRAM: 32 * 1024 * 1024, heapSize: 128 * 1024, stackSize: 16 * 1024, buddyHeapSize: 1024 * 1024, maxFileBuffer: 16 * 1024},
	{maxRAM: 128 * 1024 * 1024, heapSize: 512 * 1024, stackSize: 32 * 1024, buddyHeapSize: 4 * 1024 * 1024, maxFileBuffer: 64 * 1024},
	{maxRAM: 512 * 1024 * 1024, heapSize: 2 * 1024 * 1024, stackSize: 64 * 1024, buddyHeapSize: 16 * 1024 * 1024, maxFileBuffer: 256 * 1024},
	{maxRAM: 0, heapSize: 8 * 1024 * 1024, stackSize: 64 * 1024, buddyHeapSize: 64 * 1024 * 1024, maxFileBuffer: 1024 * 1024},
}

// Sizing is the set of piecewise-constant quantities chosen from total
// detected RAM, per spec.md §4.1's table.
type Sizing struct {
	HeapSize      uint64
	StackSize     uint64
	BuddyHeapSize uint64
	MaxFileBuffer uint64
}

func sizingFor(totalRAM uint64) Sizing {
	for _, row := range sizingTable {
		if row.maxRAM == 0 || totalRAM <= row.maxRAM {
			return Sizing{
				HeapSize:      row.heapSize,
				StackSize:     row.stackSize,
				BuddyHeapSize: row.buddyHeapSize,
				MaxFileBuffer: row.maxFileBuffer,
			}
		}
	}
	// Unreachable: the last row has maxRAM == 0 and always matches.
	return sizingTable[len(sizingTable)-1].sizing()
}

func (r sizingRow) sizing() Sizing {
	return Sizing{HeapSize: r.heapSize, StackSize: r.stackSize, BuddyHeapSize: r.buddyHeapSize, MaxFileBuffer: r.maxFileBuffer}
}

// BufferUsage selects which optimal_buffer_size table spec.md §4.1 names.
type BufferUsage int

const (
	UsageSectorIO BufferUsage = iota
	UsageFileRead
	UsageCommand
	UsageNetwork
)

// OptimalBufferSize implements spec.md §4.1's optimal_buffer_size query.
func (m *Manager) OptimalBufferSize(usage BufferUsage) uint64 {
	switch usage {
	case UsageSectorIO:
		return 512
	case UsageFileRead:
		if m.sizing.MaxFileBuffer < 64*1024 {
			return m.sizing.MaxFileBuffer
		}
		return 64 * 1024
	case UsageCommand:
		if m.totalRAM < 8*1024*1024 {
			return 128
		}
		return 512
	case UsageNetwork:
		if m.totalRAM < 32*1024*1024 {
			return 1500
		}
		return 8192
	default:
		return 512
	}
}
