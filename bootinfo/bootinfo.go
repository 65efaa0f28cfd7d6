// Package bootinfo provides access to the boot information structure that the
// loader places in physical memory before handing control to the kernel. The
// structure is packed and little-endian; its layout is part of the contract
// with the loader:
//
//	heap_addr              u64
//	heap_length            u64
//	initrd_addr            u64
//	initrd_length          u64
//	memory_map             [64]{addr u64, length u64, type u64}
//	num_memory_map_entries u64
package bootinfo

import (
	"kestrel/kernel"
	"kestrel/kernel/mm"
)

// MemRegionType describes the type of a memory map entry.
type MemRegionType uint64

const (
	// MemAvailable describes RAM that the kernel is free to use.
	MemAvailable MemRegionType = iota

	// MemReserved describes memory that must not be touched.
	MemReserved

	// MemAcpi describes memory holding ACPI data.
	MemAcpi

	// MemUnknown describes memory the loader could not classify.
	MemUnknown
)

// String implements fmt.Stringer for memory region types without pulling in
// the fmt package.
func (t MemRegionType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpi:
		return "acpi"
	}
	return "unknown"
}

const (
	maxMemoryMapEntries = 64

	offHeapAddr     = 0
	offHeapLength   = 8
	offInitrdAddr   = 16
	offInitrdLength = 24
	offMemoryMap    = 32
	memoryMapEntry  = 24
	offNumEntries   = offMemoryMap + maxMemoryMapEntries*memoryMapEntry
)

var errBadEntryCount = &kernel.Error{Module: "bootinfo", Message: "memory map entry count exceeds the structure capacity"}

// MemoryMapEntry describes one region of the loader-provided memory map.
// Entries do not overlap each other; their order is not specified.
type MemoryMapEntry struct {
	// The physical address where the region begins.
	Addr mm.PhysicalAddress

	// The region length in bytes.
	Length uint64

	// The region type.
	Type MemRegionType
}

// BootInfo is the decoded boot information structure.
type BootInfo struct {
	// HeapAddr and HeapLength describe the physical memory region the
	// loader set aside for the kernel heap.
	HeapAddr   mm.PhysicalAddress
	HeapLength uint64

	// InitrdAddr and InitrdLength describe the loaded initrd image.
	InitrdAddr   mm.PhysicalAddress
	InitrdLength uint64

	memoryMap [maxMemoryMapEntries]MemoryMapEntry
	numMap    int
}

// MemRegionVisitor is invoked by VisitMemRegions for each memory map entry.
// Returning false aborts the iteration.
type MemRegionVisitor func(*MemoryMapEntry) bool

// FromAddr decodes the boot information structure located at paddr using the
// supplied physical memory window.
func FromAddr(p mm.PhysicalMemory, paddr mm.PhysicalAddress) (*BootInfo, *kernel.Error) {
	info := &BootInfo{
		HeapAddr:     mm.PhysicalAddress(p.ReadU64(paddr.Add(offHeapAddr))),
		HeapLength:   p.ReadU64(paddr.Add(offHeapLength)),
		InitrdAddr:   mm.PhysicalAddress(p.ReadU64(paddr.Add(offInitrdAddr))),
		InitrdLength: p.ReadU64(paddr.Add(offInitrdLength)),
	}

	numMap := p.ReadU64(paddr.Add(offNumEntries))
	if numMap > maxMemoryMapEntries {
		return nil, errBadEntryCount
	}
	info.numMap = int(numMap)

	for i := 0; i < info.numMap; i++ {
		entryAddr := paddr.Add(offMemoryMap + uintptr(i)*memoryMapEntry)

		typ := MemRegionType(p.ReadU64(entryAddr.Add(16)))
		if typ > MemUnknown {
			typ = MemUnknown
		}

		info.memoryMap[i] = MemoryMapEntry{
			Addr:   mm.PhysicalAddress(p.ReadU64(entryAddr)),
			Length: p.ReadU64(entryAddr.Add(8)),
			Type:   typ,
		}
	}

	return info, nil
}

// VisitMemRegions invokes visitor for each entry of the memory map in the
// order the loader emitted them.
func (info *BootInfo) VisitMemRegions(visitor MemRegionVisitor) {
	for i := 0; i < info.numMap; i++ {
		if !visitor(&info.memoryMap[i]) {
			return
		}
	}
}

// HighestAddress returns the highest physical address covered by any memory
// map entry. The memory manager uses it to size the physmap window.
func (info *BootInfo) HighestAddress() mm.PhysicalAddress {
	var highest mm.PhysicalAddress
	for i := 0; i < info.numMap; i++ {
		if end := info.memoryMap[i].Addr.Add(uintptr(info.memoryMap[i].Length)); end > highest {
			highest = end
		}
	}
	return highest
}

// AvailableMemory returns the total number of bytes in Available regions.
func (info *BootInfo) AvailableMemory() uint64 {
	var total uint64
	for i := 0; i < info.numMap; i++ {
		if info.memoryMap[i].Type == MemAvailable {
			total += info.memoryMap[i].Length
		}
	}
	return total
}
