// Package vmm implements the kernel's virtual memory management: the 4-level
// page-table engine and the memory manager that owns the kernel vmalloc arena
// and the reference top-level table shared by every address space.
package vmm

import (
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/mm"
)

// EntryFlag describes a flag that can be applied to a page table entry.
type EntryFlag uint64

const (
	// FlagPresent is set when the entry references a valid next-level
	// table or mapped page.
	FlagPresent EntryFlag = 1 << 0

	// FlagWrite is set if the page can be written to.
	FlagWrite EntryFlag = 1 << 1

	// FlagUser is set if user-mode code can access the page.
	FlagUser EntryFlag = 1 << 2

	// FlagCacheDisable prevents the page contents from being cached.
	FlagCacheDisable EntryFlag = 1 << 4

	// FlagAccessed is set by the CPU when the page is accessed.
	FlagAccessed EntryFlag = 1 << 5

	// FlagDirty is set by the CPU when the page is modified.
	FlagDirty EntryFlag = 1 << 6

	// FlagSize marks an intermediate entry as a 2M or 1G mapping.
	FlagSize EntryFlag = 1 << 7

	// FlagNoExecute marks the page as non-executable.
	FlagNoExecute EntryFlag = 1 << 63

	// entryAddrMask extracts the physical address stored in bits 12-51 of
	// an entry.
	entryAddrMask = uint64(0x000ffffffffff000)

	// pageLevels is the number of paging levels on amd64.
	pageLevels = 4

	// entriesPerTable is the number of entries each table level holds.
	entriesPerTable = 512
)

// Entry describes a 64-bit page table entry: a physical address in bits 12-51
// plus the flag bits.
type Entry uint64

// HasFlags returns true if the entry has all the input flags set.
func (e Entry) HasFlags(flags EntryFlag) bool {
	return uint64(e)&uint64(flags) == uint64(flags)
}

// SetFlags sets the input flags on the entry.
func (e *Entry) SetFlags(flags EntryFlag) {
	*e = Entry(uint64(*e) | uint64(flags))
}

// ClearFlags unsets the input flags from the entry.
func (e *Entry) ClearFlags(flags EntryFlag) {
	*e = Entry(uint64(*e) &^ uint64(flags))
}

// Address returns the physical address stored in the entry.
func (e Entry) Address() mm.PhysicalAddress {
	return mm.PhysicalAddress(uint64(e) & entryAddrMask)
}

// SetAddress stores a page-aligned physical address in the entry.
func (e *Entry) SetAddress(addr mm.PhysicalAddress) {
	*e = Entry(uint64(*e)&^entryAddrMask | uint64(addr)&entryAddrMask)
}

// PageType selects the mapping granularity for MapRaw.
type PageType uint8

const (
	// Page4K maps a single 4K frame.
	Page4K PageType = iota

	// Page2M maps a 2M region via a size-bit entry at the p2 level.
	Page2M

	// Page1G would map a 1G region via a size-bit entry at the p3 level.
	// The unmap path cannot reclaim such mappings so MapRaw rejects the
	// type outright.
	Page1G
)

// Mapping holds the physical addresses of the page-table entries touched by a
// walk for some virtual address. Levels indicates how many of the entry
// addresses are valid; the walk stops early when an entry is not present or
// carries the size bit.
type Mapping struct {
	// EntryAddrs contains the entry addresses for the p4, p3, p2 and p1
	// levels in that order.
	EntryAddrs [pageLevels]mm.PhysicalAddress

	// Levels is the number of valid EntryAddrs.
	Levels int
}

var (
	// flushTLBEntryFn is used by tests to override calls to
	// cpu.FlushTLBEntry which would fault in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// ErrAlreadyMapped is returned by MapRaw when the target entry is
	// already present. Callers must treat this as fatal.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}

	errPage1GUnsupported = &kernel.Error{Module: "vmm", Message: "1G page mappings are not supported"}
	errHugeUnmap         = &kernel.Error{Module: "vmm", Message: "unmap of a 1G mapping is not supported"}
	errNotMapped         = &kernel.Error{Module: "vmm", Message: "virtual address is not mapped"}
)

// PageTable describes the top-most table of a 4-level paging hierarchy by the
// physical address of its root frame.
type PageTable struct {
	root mm.PhysicalAddress
}

// NewPageTable allocates and zero-fills a frame for a new top-level table.
func NewPageTable(alloc mm.FrameAllocator, p mm.PhysicalMemory) (PageTable, *kernel.Error) {
	frame, err := alloc.AllocFrame()
	if err != nil {
		return PageTable{}, err
	}

	zeroTable(p, frame.Address())
	return PageTable{root: frame.Address()}, nil
}

// PageTableFromAddr returns a PageTable for an existing root frame (e.g. the
// contents of CR3).
func PageTableFromAddr(root mm.PhysicalAddress) PageTable {
	return PageTable{root: root &^ mm.PhysicalAddress(mm.PageSize-1)}
}

// Root returns the physical address of the top-level table frame.
func (pt PageTable) Root() mm.PhysicalAddress {
	return pt.root
}

// Index splits a virtual address into its per-level table indices and the
// page offset.
func Index(vaddr mm.VirtualAddress) (p4, p3, p2, p1, offset uintptr) {
	addr := uintptr(vaddr)
	return (addr >> 39) & 0x1ff,
		(addr >> 30) & 0x1ff,
		(addr >> 21) & 0x1ff,
		(addr >> 12) & 0x1ff,
		addr & 0xfff
}

// zeroTable clears the page-sized table at the given physical address.
func zeroTable(p mm.PhysicalMemory, table mm.PhysicalAddress) {
	s := p.Slice(table, mm.PageSize)
	for i := range s {
		s[i] = 0
	}
}

func readEntry(p mm.PhysicalMemory, entryAddr mm.PhysicalAddress) Entry {
	return Entry(p.ReadU64(entryAddr))
}

func writeEntry(p mm.PhysicalMemory, entryAddr mm.PhysicalAddress, entry Entry) {
	p.WriteU64(entryAddr, uint64(entry))
}

// TranslateMapping walks the table hierarchy for vaddr and returns the
// physical addresses of the entries touched at each level. The walk stops
// after recording an entry that is not present or that carries the size bit.
func (pt PageTable) TranslateMapping(p mm.PhysicalMemory, vaddr mm.VirtualAddress) Mapping {
	var (
		mapping Mapping
		indices = pt.levelIndices(vaddr)
		table   = pt.root
	)

	for level := 0; level < pageLevels; level++ {
		entryAddr := table.Add(indices[level] << mm.PointerShift)
		mapping.EntryAddrs[level] = entryAddr
		mapping.Levels = level + 1

		entry := readEntry(p, entryAddr)
		if !entry.HasFlags(FlagPresent) || entry.HasFlags(FlagSize) {
			break
		}

		table = entry.Address()
	}

	return mapping
}

func (pt PageTable) levelIndices(vaddr mm.VirtualAddress) [pageLevels]uintptr {
	p4, p3, p2, p1, _ := Index(vaddr)
	return [pageLevels]uintptr{p4, p3, p2, p1}
}

// entryFlags converts region flags into the leaf entry flag set. Entries are
// always tagged Present and User; Write and CacheDisable follow the region
// flags and 2M mappings get the size bit.
func entryFlags(flags mm.RegionFlag, pageType PageType) EntryFlag {
	entry := FlagPresent | FlagUser
	if flags.Has(mm.RegionWrite) {
		entry |= FlagWrite
	}
	if flags.Has(mm.RegionNoCache) {
		entry |= FlagCacheDisable
	}
	if pageType != Page4K {
		entry |= FlagSize
	}
	return entry
}

// MapRaw establishes a mapping from vaddr to paddr at the requested
// granularity, allocating and zero-filling intermediate tables as needed.
// Intermediate entries are created with Present|Write|User. MapRaw returns
// ErrAlreadyMapped when the target entry is already present.
func (pt PageTable) MapRaw(alloc mm.FrameAllocator, p mm.PhysicalMemory,
	vaddr mm.VirtualAddress, paddr mm.PhysicalAddress,
	pageType PageType, flags mm.RegionFlag) *kernel.Error {

	var leafLevel int
	switch pageType {
	case Page4K:
		leafLevel = 3
	case Page2M:
		leafLevel = 2
	default:
		return errPage1GUnsupported
	}

	var (
		indices = pt.levelIndices(vaddr)
		table   = pt.root
	)

	for level := 0; level < leafLevel; level++ {
		entryAddr := table.Add(indices[level] << mm.PointerShift)
		entry := readEntry(p, entryAddr)

		if entry.HasFlags(FlagSize) {
			// A huge mapping already covers vaddr.
			return ErrAlreadyMapped
		}

		if !entry.HasFlags(FlagPresent) {
			frame, err := alloc.AllocFrame()
			if err != nil {
				return err
			}
			zeroTable(p, frame.Address())

			entry = 0
			entry.SetAddress(frame.Address())
			entry.SetFlags(FlagPresent | FlagWrite | FlagUser)
			writeEntry(p, entryAddr, entry)
		}

		table = entry.Address()
	}

	leafAddr := table.Add(indices[leafLevel] << mm.PointerShift)
	if readEntry(p, leafAddr).HasFlags(FlagPresent) {
		return ErrAlreadyMapped
	}

	var leaf Entry
	leaf.SetAddress(paddr)
	leaf.SetFlags(entryFlags(flags, pageType))
	writeEntry(p, leafAddr, leaf)

	return nil
}

// tableIsEmpty returns true if no entry of the table at tableAddr is present.
func tableIsEmpty(p mm.PhysicalMemory, tableAddr mm.PhysicalAddress) bool {
	for i := uintptr(0); i < entriesPerTable; i++ {
		if readEntry(p, tableAddr.Add(i<<mm.PointerShift)).HasFlags(FlagPresent) {
			return false
		}
	}
	return true
}

// clearPresent unsets the present bit of the entry at entryAddr.
func clearPresent(p mm.PhysicalMemory, entryAddr mm.PhysicalAddress) {
	entry := readEntry(p, entryAddr)
	entry.ClearFlags(FlagPresent)
	writeEntry(p, entryAddr, entry)
}

// UnmapRaw removes the mapping for vaddr: the leaf entry loses its present
// bit, the TLB entry is invalidated, and intermediate tables that become
// fully empty are returned to the allocator with their parent entries
// cleared. 1G mappings cannot be reclaimed and cause a panic.
func (pt PageTable) UnmapRaw(alloc mm.FrameAllocator, p mm.PhysicalMemory,
	vaddr mm.VirtualAddress) *kernel.Error {

	mapping := pt.TranslateMapping(p, vaddr)

	leaf := mapping.EntryAddrs[mapping.Levels-1]
	if !readEntry(p, leaf).HasFlags(FlagPresent) {
		return errNotMapped
	}

	// A walk that stopped above the p2 level hit a present 1G mapping.
	if mapping.Levels < 3 {
		panic(errHugeUnmap)
	}

	clearPresent(p, leaf)
	flushTLBEntryFn(uintptr(vaddr))

	// Walk upward: free each table that became empty and clear its entry
	// in the parent.
	for level := mapping.Levels - 1; level > 0; level-- {
		tableAddr := mapping.EntryAddrs[level] &^ mm.PhysicalAddress(mm.PageSize-1)
		if !tableIsEmpty(p, tableAddr) {
			break
		}

		if err := alloc.FreeFrame(mm.FrameFromAddress(tableAddr)); err != nil {
			return err
		}
		clearPresent(p, mapping.EntryAddrs[level-1])
	}

	return nil
}

// Translate returns the physical address that vaddr maps to, or errNotMapped
// when the walk does not terminate at a present leaf.
func (pt PageTable) Translate(p mm.PhysicalMemory, vaddr mm.VirtualAddress) (mm.PhysicalAddress, *kernel.Error) {
	mapping := pt.TranslateMapping(p, vaddr)

	entry := readEntry(p, mapping.EntryAddrs[mapping.Levels-1])
	if !entry.HasFlags(FlagPresent) {
		return 0, errNotMapped
	}

	switch mapping.Levels {
	case pageLevels: // 4K
		_, _, _, _, off := Index(vaddr)
		return entry.Address().Add(off), nil
	case 3: // 2M
		return entry.Address().Add(uintptr(vaddr) & (1<<21 - 1)), nil
	default: // 1G
		return entry.Address().Add(uintptr(vaddr) & (1<<30 - 1)), nil
	}
}

// TopLevelEntry returns the top-level entry at the given index.
func (pt PageTable) TopLevelEntry(p mm.PhysicalMemory, index uintptr) Entry {
	return readEntry(p, pt.root.Add(index<<mm.PointerShift))
}

// SetTopLevelEntry replaces the top-level entry at the given index. It is
// used to share upper-half kernel slots across address spaces.
func (pt PageTable) SetTopLevelEntry(p mm.PhysicalMemory, index uintptr, entry Entry) {
	writeEntry(p, pt.root.Add(index<<mm.PointerShift), entry)
}
