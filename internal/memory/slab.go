package memory

// slabSizeClasses are the size classes spec.md §4.1 names.
var slabSizeClasses = []uint64{8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096}

// slabPrepopulate lists the classes the manager pre-populates with one
// slab at init, per spec.md §4.1.
var slabPrepopulate = []uint64{32, 64, 128, 256}

// maxSlabsPerClass is the cap spec.md §4.1 names.
const maxSlabsPerClass = 16

// slabChunkSize computes the buddy-backed chunk size for a size class.
// spec.md §4.1 targets 4 KiB, switching to max(objSize*8, 4096) above
// 256 B, but also requires "capacity per slab ... must not exceed 64"
// (a 64-bit allocation bitmap, one bit per object). Capping the chunk at
// objSize*64 keeps both constraints satisfied simultaneously: it equals
// the spec's target for every class of 64 B and above (where objSize*64
// is at least the target, so the cap does not bind) and trims the
// smaller classes down from
// a naive 4 KiB chunk, which would otherwise need a 512-object bitmap at
// the 8 B class.
func slabChunkSize(objSize uint64) uint64 {
	target := uint64(4096)
	if objSize > 256 {
		if bigger := objSize * 8; bigger > target {
			target = bigger
		}
	}
	if cap := objSize * 64; cap < target {
		target = cap
	}
	return target
}

// slab is a single buddy-allocated chunk subdivided into equal-size
// objects, tracked by a 64-bit allocation bitmap.
type slab struct {
	base     uint64 // physical address of the chunk
	size     uint64
	objSize  uint64
	capacity int
	bitmap   uint64 // bit i set => object i allocated
}

func (s *slab) full() bool {
	if s.capacity == 64 {
		return s.bitmap == ^uint64(0)
	}
	return s.bitmap == (uint64(1)<<s.capacity)-1
}

func (s *slab) allocOne() (uint64, bool) {
	for i := 0; i < s.capacity; i++ {
		if s.bitmap&(1<<uint(i)) == 0 {
			s.bitmap |= 1 << uint(i)
			return s.base + uint64(i)*s.objSize, true
		}
	}
	return 0, false
}

func (s *slab) freeOne(addr uint64) bool {
	if addr < s.base || addr >= s.base+s.size {
		return false
	}
	i := (addr - s.base) / s.objSize
	s.bitmap &^= 1 << uint(i)
	return true
}

type slabClass struct {
	objSize uint64
	slabs   []*slab
}

// Slab is the size-classed allocator layered over a Buddy allocator.
// Requests larger than the top size class bypass directly to the buddy
// tier, per spec.md §4.1.
type Slab struct {
	buddy   *Buddy
	classes map[uint64]*slabClass
}

// NewSlab creates a slab allocator over buddy, pre-populating the
// classes spec.md §4.1 names with one slab each.
func NewSlab(buddy *Buddy) (*Slab, *AllocError) {
	s := &Slab{buddy: buddy, classes: make(map[uint64]*slabClass, len(slabSizeClasses))}
	for _, sz := range slabSizeClasses {
		s.classes[sz] = &slabClass{objSize: sz}
	}
	for _, sz := range slabPrepopulate {
		if _, err := s.growClass(s.classes[sz]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func sizeClassFor(size uint64) uint64 {
	for _, c := range slabSizeClasses {
		if size <= c {
			return c
		}
	}
	return 0 // bypass
}

func (s *Slab) growClass(c *slabClass) (*slab, *AllocError) {
	if len(c.slabs) >= maxSlabsPerClass {
		return nil, newErr(OutOfMemory, "slab class at maximum slab count")
	}
	chunkSize := slabChunkSize(c.objSize)
	base, err := s.buddy.Alloc(chunkSize)
	if err != nil {
		return nil, err
	}
	capacity := int(chunkSize / c.objSize)
	if capacity > 64 {
		capacity = 64
	}
	sl := &slab{base: base, size: chunkSize, objSize: c.objSize, capacity: capacity}
	c.slabs = append(c.slabs, sl)
	return sl, nil
}

// Alloc returns size bytes from the appropriate size class, or from the
// buddy allocator directly when size exceeds the largest class.
func (s *Slab) Alloc(size uint64) (uint64, *AllocError) {
	if size == 0 {
		return 0, newErr(InvalidSize, "size must be non-zero")
	}
	class := sizeClassFor(size)
	if class == 0 {
		return s.buddy.Alloc(size)
	}
	c := s.classes[class]
	for _, sl := range c.slabs {
		if !sl.full() {
			addr, ok := sl.allocOne()
			if ok {
				return addr, nil
			}
		}
	}
	sl, err := s.growClass(c)
	if err != nil {
		return 0, err
	}
	addr, ok := sl.allocOne()
	if !ok {
		return 0, newErr(CorruptionDetected, "freshly grown slab reports no free object")
	}
	return addr, nil
}

// Free releases size bytes previously allocated by Alloc. Requests above
// the largest size class are routed to the buddy allocator; matching
// object sizes within a class are located by address range.
func (s *Slab) Free(addr, size uint64) *AllocError {
	class := sizeClassFor(size)
	if class == 0 {
		return s.buddy.Free(addr, size)
	}
	c := s.classes[class]
	for _, sl := range c.slabs {
		if sl.freeOne(addr) {
			return nil
		}
	}
	return newErr(CorruptionDetected, "free address does not belong to any slab in its class")
}
