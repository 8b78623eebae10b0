package memory

// BumpStats reports the running state of a Bump allocator. spec.md §4.1
// only says the manager provides "statistics"; original_source's
// small_alloc.rs exposes used/capacity/resets, restored here (see
// SPEC_FULL.md §4).
type BumpStats struct {
	Used     uint64
	Capacity uint64
	Resets   uint64
}

// Bump is the early, linear allocator carved from a single HeapWindow. It
// is used directly in SimpleHeap mode and as the Hybrid-mode fallback.
//
// Deallocation is deliberately a no-op beyond accounting: spec.md §9
// states this is intentional ("does not actually free memory ... must not
// be mistaken for a correctness bug"), so Free never reclaims space.
type Bump struct {
	arena  *Arena
	offset uint64 // start of the heap window, relative to arena base
	size   uint64
	cursor uint64 // bump_pos: monotonically increasing except via Reset
	resets uint64
	used   uint64
}

// NewBump creates a bump allocator over [arena.Base()+offset, +size).
func NewBump(arena *Arena, offset, size uint64) *Bump {
	return &Bump{arena: arena, offset: offset, size: size}
}

// Alloc implements the simple bump path described in spec.md §4.1:
// round the cursor up to align, advance by round_up(size, align); on
// exhaustion, try exactly one reset of the cursor to zero before
// reporting OutOfMemory.
func (b *Bump) Alloc(size, align uint64) (uint64, *AllocError) {
	if size == 0 {
		return 0, newErr(InvalidSize, "size must be non-zero")
	}
	if align == 0 {
		align = 1
	}
	if !isPowerOfTwo(align) {
		return 0, newErr(InvalidAlignment, "alignment must be a power of two")
	}

	addr, newCursor, ok := b.tryAlloc(size, align)
	if !ok {
		b.cursor = 0
		b.resets++
		addr, newCursor, ok = b.tryAlloc(size, align)
		if !ok {
			return 0, newErr(OutOfMemory, "bump heap exhausted even after reset")
		}
	}
	b.cursor = newCursor
	b.used += size
	return addr, nil
}

func (b *Bump) tryAlloc(size, align uint64) (addr uint64, newCursor uint64, ok bool) {
	aligned := alignUp(b.cursor, align)
	advance := alignUp(size, align)
	newCursor = aligned + advance
	if newCursor > b.size {
		return 0, 0, false
	}
	return b.arena.Base() + b.offset + aligned, newCursor, true
}

// Free is an accounting-only no-op; see the type comment.
func (b *Bump) Free(_ uint64, size uint64) {
	if size > b.used {
		b.used = 0
		return
	}
	b.used -= size
}

// Reset manually rewinds the cursor to zero. spec.md §4.1 documents the
// automatic single reset on exhaustion as "dangerous; retained for
// testing" — this exposes the same operation for callers (and tests)
// that want it explicitly.
func (b *Bump) Reset() {
	b.cursor = 0
	b.resets++
}

// Stats reports the allocator's running totals.
func (b *Bump) Stats() BumpStats {
	return BumpStats{Used: b.used, Capacity: b.size, Resets: b.resets}
}
