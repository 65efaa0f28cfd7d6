// Package pmm implements the physical frame allocator: a bitmap partitioned
// into one region per Available entry of the loader-provided memory map. Bit
// i of a region is set iff the frame at region start + i*PageSize is
// allocated or locked. Allocation scans regions in insertion order which is
// O(regions * bits); acceptable since regions are few and frame allocation is
// never on the scheduler hot path.
package pmm

import (
	"kestrel/bootinfo"
	"kestrel/kernel"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/heap"
)

var (
	// ErrOutOfFrames is returned when no region has a free frame left.
	// Callers treat this as fatal.
	ErrOutOfFrames = &kernel.Error{Module: "pmm", Message: "out of physical frames"}

	// ErrRegionNotCovered is returned by LockRegion when the requested
	// range does not lie within a single bitmap region.
	ErrRegionNotCovered = &kernel.Error{Module: "pmm", Message: "range does not lie within a single bitmap region"}

	errFrameNotManaged = &kernel.Error{Module: "pmm", Message: "frame does not belong to any bitmap region"}

	// allocBitmapFn reserves backing storage for region bitmaps from the
	// kernel heap. Tests override it to allocate from the host heap.
	allocBitmapFn = heap.AllocBytes
)

// bitmapRegion tracks the allocation state for the frames of one Available
// memory map entry.
type bitmapRegion struct {
	start     mm.PhysicalAddress
	numFrames uintptr
	bitmap    []byte
}

func (r *bitmapRegion) startAddr() mm.PhysicalAddress {
	return r.start
}

func (r *bitmapRegion) endAddr() mm.PhysicalAddress {
	return r.start.Add(r.numFrames*mm.PageSize - 1)
}

func (r *bitmapRegion) testBit(index uintptr) bool {
	return r.bitmap[index>>3]&(1<<(index&7)) != 0
}

func (r *bitmapRegion) setBit(index uintptr, value bool) {
	if value {
		r.bitmap[index>>3] |= 1 << (index & 7)
		return
	}
	r.bitmap[index>>3] &^= 1 << (index & 7)
}

func (r *bitmapRegion) allocFrame() (mm.Frame, bool) {
	for i := uintptr(0); i < r.numFrames; i++ {
		if r.testBit(i) {
			continue
		}

		r.setBit(i, true)
		return mm.FrameFromAddress(r.start.Add(i * mm.PageSize)), true
	}

	return mm.InvalidFrame, false
}

func (r *bitmapRegion) freeFrame(frame mm.Frame) {
	r.setBit(uintptr(frame.Address()-r.start)>>mm.PageShift, false)
}

func (r *bitmapRegion) lockFrames(start mm.PhysicalAddress, numFrames uintptr) {
	first := uintptr(start-r.start) >> mm.PageShift
	for i := first; i < first+numFrames; i++ {
		r.setBit(i, true)
	}
}

// BitmapAllocator hands out physical frames from the Available regions of the
// boot memory map.
type BitmapAllocator struct {
	regions []bitmapRegion
}

// Init constructs one bitmap region per Available memory map entry. Entry
// lengths are rounded down to a page multiple; entries smaller than a page
// are ignored.
func (alloc *BitmapAllocator) Init(info *bootinfo.BootInfo) *kernel.Error {
	var err *kernel.Error

	info.VisitMemRegions(func(entry *bootinfo.MemoryMapEntry) bool {
		if entry.Type != bootinfo.MemAvailable {
			return true
		}

		numFrames := mm.AlignDown(uintptr(entry.Length), mm.PageSize) >> mm.PageShift
		if numFrames == 0 {
			return true
		}

		var bitmap []byte
		if bitmap, err = allocBitmapFn(numFrames/8 + 1); err != nil {
			return false
		}
		for i := range bitmap {
			bitmap[i] = 0
		}

		alloc.regions = append(alloc.regions, bitmapRegion{
			start:     entry.Addr,
			numFrames: numFrames,
			bitmap:    bitmap,
		})
		return true
	})

	return err
}

// LockRegion marks the length bytes at addr as allocated so they are never
// handed out. The range must lie within a single bitmap region.
func (alloc *BitmapAllocator) LockRegion(addr mm.PhysicalAddress, length uintptr) *kernel.Error {
	end := addr.Add(length - 1)

	for i := range alloc.regions {
		region := &alloc.regions[i]
		if addr < region.startAddr() || end > region.endAddr() {
			continue
		}

		region.lockFrames(addr, length>>mm.PageShift)
		return nil
	}

	return ErrRegionNotCovered
}

// AllocFrame reserves the first free frame, scanning regions in the order
// they appeared in the memory map.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	for i := range alloc.regions {
		if frame, ok := alloc.regions[i].allocFrame(); ok {
			return frame, nil
		}
	}

	return mm.InvalidFrame, ErrOutOfFrames
}

// FreeFrame releases a frame previously obtained via AllocFrame.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	addr := frame.Address()

	for i := range alloc.regions {
		region := &alloc.regions[i]
		if addr >= region.startAddr() && addr <= region.endAddr() {
			region.freeFrame(frame)
			return nil
		}
	}

	return errFrameNotManaged
}

// TotalFrames returns the number of frames managed by the allocator.
func (alloc *BitmapAllocator) TotalFrames() uintptr {
	var total uintptr
	for i := range alloc.regions {
		total += alloc.regions[i].numFrames
	}
	return total
}
