package memory

import "fmt"

// chooseHeap implements spec.md §4.1's three ordered rules for heap
// placement: first a Normal-zone region big enough, then any region big
// enough, then the largest region with heapSize shrunk to fit. Returns
// the chosen region, the (possibly shrunk) heap start/size, or an error
// if no region can host any heap at all.
func chooseHeap(regions []MemoryRegion, heapSize uint64) (region MemoryRegion, heapStart, size uint64, err error) {
	fits := func(r MemoryRegion, want uint64) (uint64, bool) {
		if !r.IsRAM {
			return 0, false
		}
		start := r.Start
		if minSafeHeapStart() > start {
			start = minSafeHeapStart()
		}
		start = alignUp(start, PageSize)
		if start >= r.End() {
			return 0, false
		}
		if r.End()-start < want {
			return 0, false
		}
		return start, true
	}

	// Rule 1: first Normal-zone region that fits heapSize exactly.
	for _, r := range regions {
		if r.Zone != ZoneNormal {
			continue
		}
		if start, ok := fits(r, heapSize); ok {
			return r, start, heapSize, nil
		}
	}

	// Rule 2: any region that fits heapSize exactly.
	for _, r := range regions {
		if start, ok := fits(r, heapSize); ok {
			return r, start, heapSize, nil
		}
	}

	// Rule 3: the largest RAM region, shrinking heapSize if necessary.
	var largest *MemoryRegion
	for i := range regions {
		r := &regions[i]
		if !r.IsRAM {
			continue
		}
		if largest == nil || r.Size > largest.Size {
			largest = r
		}
	}
	if largest == nil {
		return MemoryRegion{}, 0, 0, fmt.Errorf("memory: no RAM region reported")
	}
	start := largest.Start
	if minSafeHeapStart() > start {
		start = minSafeHeapStart()
	}
	start = alignUp(start, PageSize)
	if start >= largest.End() {
		return MemoryRegion{}, 0, 0, fmt.Errorf("memory: largest RAM region too small to host any heap above 0x%x", minSafeHeapStart())
	}
	available := largest.End() - start
	if available < heapSize {
		heapSize = available
	}
	return *largest, start, heapSize, nil
}
