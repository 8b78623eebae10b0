package memory

// buddyMinBlock is the smallest block the buddy allocator tracks. spec.md
// §4.1 leaves the choice open ("pick a minimum in {32, 64} bytes"); 64 is
// used here so a 64-bit free bitmap could address every block of the
// largest slab class without a second index (see slab.go).
const buddyMinBlock = 64

// Buddy is a power-of-two buddy allocator over a single contiguous
// region, placed (by the Manager) at the high end of the RAM region
// chosen for the heap. Splits happen on allocation, coalesces happen on
// free via XOR buddy-pair detection, per spec.md §4.1.
type Buddy struct {
	arena    *Arena
	offset   uint64 // start of the buddy region, relative to arena base
	size     uint64 // power-of-two total size
	maxOrder int
	free     [][]uint64 // free[order] = list of block offsets (relative to offset)
}

// NewBuddy creates a buddy allocator covering at least minSize bytes,
// rounded up to the next power of two no smaller than buddyMinBlock.
func NewBuddy(arena *Arena, offset, minSize uint64) *Buddy {
	size := buddyMinBlock
	for uint64(size) < minSize {
		size *= 2
	}
	maxOrder := 0
	for (buddyMinBlock << maxOrder) < size {
		maxOrder++
	}
	b := &Buddy{
		arena:    arena,
		offset:   offset,
		size:     uint64(size),
		maxOrder: maxOrder,
		free:     make([][]uint64, maxOrder+1),
	}
	b.free[maxOrder] = []uint64{0}
	return b
}

// Size is the total number of bytes the buddy allocator manages.
func (b *Buddy) Size() uint64 { return b.size }

func orderFor(size uint64) int {
	blocks := (size + buddyMinBlock - 1) / buddyMinBlock
	order := 0
	cap := uint64(1)
	for cap < blocks {
		cap *= 2
		order++
	}
	return order
}

// Alloc reserves size bytes (rounded up to a power-of-two multiple of
// buddyMinBlock) and returns its physical address.
func (b *Buddy) Alloc(size uint64) (uint64, *AllocError) {
	if size == 0 {
		return 0, newErr(InvalidSize, "size must be non-zero")
	}
	order := orderFor(size)
	if order > b.maxOrder {
		return 0, newErr(OutOfMemory, "request exceeds buddy region size")
	}

	avail := order
	for avail <= b.maxOrder && len(b.free[avail]) == 0 {
		avail++
	}
	if avail > b.maxOrder {
		return 0, newErr(OutOfMemory, "buddy allocator exhausted")
	}

	block := b.pop(avail)
	for avail > order {
		avail--
		buddy := block + (buddyMinBlock << avail)
		b.push(avail, buddy)
	}
	return b.arena.Base() + b.offset + block, nil
}

// Free releases a block previously returned by Alloc, coalescing with its
// buddy (found via XOR of block offset and block size) whenever the
// buddy is also free.
func (b *Buddy) Free(addr, size uint64) *AllocError {
	if addr < b.arena.Base()+b.offset || addr >= b.arena.Base()+b.offset+b.size {
		return newErr(CorruptionDetected, "free address outside buddy region")
	}
	block := addr - b.arena.Base() - b.offset
	order := orderFor(size)

	for order < b.maxOrder {
		blockSize := uint64(buddyMinBlock) << order
		buddy := block ^ blockSize
		idx := b.find(order, buddy)
		if idx < 0 {
			break
		}
		b.removeAt(order, idx)
		if buddy < block {
			block = buddy
		}
		order++
	}
	b.push(order, block)
	return nil
}

func (b *Buddy) pop(order int) uint64 {
	list := b.free[order]
	v := list[len(list)-1]
	b.free[order] = list[:len(list)-1]
	return v
}

func (b *Buddy) push(order int, block uint64) {
	b.free[order] = append(b.free[order], block)
}

func (b *Buddy) find(order int, block uint64) int {
	for i, v := range b.free[order] {
		if v == block {
			return i
		}
	}
	return -1
}

func (b *Buddy) removeAt(order, idx int) {
	list := b.free[order]
	list[idx] = list[len(list)-1]
	b.free[order] = list[:len(list)-1]
}

// FreeBytes sums the bytes currently available across every order, for
// diagnostics.
func (b *Buddy) FreeBytes() uint64 {
	var total uint64
	for order, list := range b.free {
		total += uint64(len(list)) * (uint64(buddyMinBlock) << order)
	}
	return total
}
