package vmm

import (
	"kestrel/bootinfo"
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/ksync"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/pmm"
)

const (
	// kernelPhysStart is the physical address where the loader places the
	// kernel image.
	kernelPhysStart = mm.PhysicalAddress(0x100000)

	// biosReservedEnd is the exclusive end of the physical range holding
	// the IVT and BIOS data area which must never be handed out.
	biosReservedEnd = uintptr(0x4000)

	page2M = uintptr(2 << 20)
)

var (
	// bootMem and kernMem are the physical memory windows the manager
	// operates through. Tests replace them with buffer-backed windows.
	bootMem = mm.BootMemory
	kernMem = mm.KernelMemory

	// switchPageTableFn is used by tests to override calls to
	// cpu.SwitchPageTable which would fault in user-mode.
	switchPageTableFn = cpu.SwitchPageTable

	// interruptsEnabledFn is used by tests to override the hardware
	// interrupt flag check backing verifyInterruptsDisabled.
	interruptsEnabledFn = cpu.InterruptsEnabled

	// memsetFn is used by tests to override kernel.Memset which operates
	// on raw kernel virtual addresses.
	memsetFn = kernel.Memset

	// currentPageTableFn returns the page table of the process running on
	// the current CPU. It is installed by the process package to avoid a
	// dependency cycle between the scheduler and the memory manager.
	currentPageTableFn func() (PageTable, bool)

	errIntsEnabled   = &kernel.Error{Module: "vmm", Message: "operation requires interrupts to be disabled"}
	errZeroSize      = &kernel.Error{Module: "vmm", Message: "allocation size cannot be 0"}
	errReinitialized = &kernel.Error{Module: "vmm", Message: "memory manager already initialized"}

	mmLock ksync.Spinlock
	mgr    *Manager
)

// verifyInterruptsDisabled panics when the hardware interrupt flag is set.
// Every routine that mutates paging structures runs with interrupts disabled;
// a violation is a kernel bug.
func verifyInterruptsDisabled() {
	if interruptsEnabledFn() {
		panic(errIntsEnabled)
	}
}

// SetCurrentPageTableProvider installs the function the page-fault path uses
// to locate the faulting address space's page table.
func SetCurrentPageTableProvider(fn func() (PageTable, bool)) {
	currentPageTableFn = fn
}

// VMRegion describes a region of the kernel vmalloc arena. Regions are
// disjoint and page-aligned. A region backed by a fixed physical range keeps
// that range in paddr (MMIO windows and known RAM); otherwise its pages are
// backed by individually allocated frames.
type VMRegion struct {
	name      string
	vaddr     mm.VirtualAddress
	paddr     mm.PhysicalAddress
	hasPaddr  bool
	pageCount uintptr
	flags     mm.RegionFlag
	mapped    bool
}

// Name returns the region name.
func (r *VMRegion) Name() string { return r.name }

// Addr returns the region start address.
func (r *VMRegion) Addr() mm.VirtualAddress { return r.vaddr }

// PageCount returns the number of pages the region spans.
func (r *VMRegion) PageCount() uintptr { return r.pageCount }

// MemoryRegion describes a user-space mapping owned by a MemorySpace.
type MemoryRegion struct {
	// Addr is the virtual address where the region begins.
	Addr mm.VirtualAddress

	// Size is the region length in bytes.
	Size uintptr

	// Flags holds the region access rights.
	Flags mm.RegionFlag
}

// MemorySpace describes a user address space: a page table seeded from the
// reference table plus the list of user-space regions mapped into it.
type MemorySpace struct {
	pageTable PageTable
	regions   []MemoryRegion
}

// PageTable returns the address space's page table.
func (ms *MemorySpace) PageTable() PageTable { return ms.pageTable }

// Regions returns the user-space regions mapped into the address space.
func (ms *MemorySpace) Regions() []MemoryRegion { return ms.regions }

func (ms *MemorySpace) addRegion(addr mm.VirtualAddress, size uintptr, flags mm.RegionFlag) {
	ms.regions = append(ms.regions, MemoryRegion{Addr: addr, Size: size, Flags: flags})
}

// Manager owns the physical frame allocator, the kernel vmalloc arena and the
// reference top-level table whose upper-half entries are inherited by every
// address space.
type Manager struct {
	frameAllocator pmm.BitmapAllocator

	// nextAddr is the monotonically increasing vmalloc cursor.
	nextAddr mm.VirtualAddress

	// kernelRegions indexes the arena regions by start address. Regions
	// are never reclaimed; the kernel arena grows monotonically.
	kernelRegions map[mm.VirtualAddress]*VMRegion

	referenceTable PageTable
}

// NewManager builds a memory manager from the loader-provided boot
// information: it constructs the frame allocator, locks the reserved physical
// ranges, creates the reference table, maps the kernel text and the physmap
// window and finally loads the new table into the hardware page-table root.
// It must be called exactly once with interrupts disabled.
func NewManager(info *bootinfo.BootInfo) (*Manager, *kernel.Error) {
	verifyInterruptsDisabled()

	m := &Manager{
		nextAddr:      mm.VMAllocStart,
		kernelRegions: make(map[mm.VirtualAddress]*VMRegion),
	}

	if err := m.frameAllocator.Init(info); err != nil {
		return nil, err
	}

	// The IVT/BIOS data area and the kernel image + heap must never be
	// handed out as free frames.
	if err := m.frameAllocator.LockRegion(0, biosReservedEnd); err != nil {
		return nil, err
	}
	heapEndPhys := info.HeapAddr.Add(uintptr(info.HeapLength))
	if err := m.frameAllocator.LockRegion(kernelPhysStart, mm.AlignUp(uintptr(heapEndPhys-kernelPhysStart), mm.PageSize)); err != nil {
		return nil, err
	}

	pt, err := NewPageTable(&m.frameAllocator, bootMem)
	if err != nil {
		return nil, err
	}
	m.referenceTable = pt

	// Map the kernel text window: every 2M page maps to the physical
	// address obtained by subtracting the window base.
	for off := uintptr(0); off < mm.KernelTextSize; off += page2M {
		err = m.referenceTable.MapRaw(&m.frameAllocator, bootMem,
			mm.KernelTextStart.Add(off), mm.PhysicalAddress(off),
			Page2M, mm.RegionRead|mm.RegionWrite|mm.RegionExecute)
		if err != nil {
			return nil, err
		}
	}

	// Map all of physical memory 1:1 at the physmap base.
	highest := uintptr(info.HighestAddress())
	for off := uintptr(0); off <= highest; off += page2M {
		err = m.referenceTable.MapRaw(&m.frameAllocator, bootMem,
			mm.PhysMapStart.Add(off), mm.PhysicalAddress(off),
			Page2M, mm.RegionRead|mm.RegionWrite)
		if err != nil {
			return nil, err
		}
	}

	switchPageTableFn(uintptr(m.referenceTable.Root()))

	return m, nil
}

// mapRegion materializes a vmalloc region inside the reference table only.
// Address spaces created before the region pick it up lazily through the
// page-fault path, so no TLB shootdown is required.
func (m *Manager) mapRegion(region *VMRegion) *kernel.Error {
	for page := uintptr(0); page < region.pageCount; page++ {
		var frame mm.Frame
		if region.hasPaddr {
			frame = mm.FrameFromAddress(region.paddr) + mm.Frame(page)
		} else {
			var err *kernel.Error
			if frame, err = m.frameAllocator.AllocFrame(); err != nil {
				return err
			}
		}

		err := m.referenceTable.MapRaw(&m.frameAllocator, kernMem,
			region.vaddr.Add(page*mm.PageSize), frame.Address(),
			Page4K, region.flags)
		if err != nil {
			return err
		}
	}

	region.mapped = true
	return nil
}

// insertRegion claims the next pageCount pages of the arena for a region and
// maps it into the reference table.
func (m *Manager) insertRegion(region *VMRegion, pageCount uintptr) (mm.VirtualAddress, *kernel.Error) {
	region.vaddr = m.nextAddr
	region.pageCount = pageCount
	m.nextAddr = m.nextAddr.Add(pageCount * mm.PageSize)

	m.kernelRegions[region.vaddr] = region
	if err := m.mapRegion(region); err != nil {
		return 0, err
	}

	return region.vaddr, nil
}

// AllocateKernelVM reserves size bytes of the kernel vmalloc arena backed by
// freshly allocated, possibly discontiguous frames. The mapping is recorded
// in the reference table only and becomes visible to other address spaces on
// their first fault inside the region.
func (m *Manager) AllocateKernelVM(name string, size uintptr) (mm.VirtualAddress, *kernel.Error) {
	verifyInterruptsDisabled()

	if size == 0 {
		return 0, errZeroSize
	}

	region := &VMRegion{
		name:  name,
		flags: mm.RegionRead | mm.RegionWrite,
	}
	return m.insertRegion(region, mm.AlignUp(size, mm.PageSize)>>mm.PageShift)
}

// MapPhysicalToKernelVM maps the contiguous physical range [paddr,
// paddr+size) into the kernel vmalloc arena (MMIO windows, known RAM).
func (m *Manager) MapPhysicalToKernelVM(paddr mm.PhysicalAddress, size uintptr, flags mm.RegionFlag) (mm.VirtualAddress, *kernel.Error) {
	verifyInterruptsDisabled()

	if size == 0 {
		return 0, errZeroSize
	}

	region := &VMRegion{
		paddr:    paddr,
		hasPaddr: true,
		flags:    flags,
	}
	return m.insertRegion(region, mm.AlignUp(size, mm.PageSize)>>mm.PageShift)
}

// MapInUserspace maps size bytes of freshly allocated frames at vaddr inside
// the supplied memory space and records the matching MemoryRegion.
func (m *Manager) MapInUserspace(ms *MemorySpace, vaddr mm.VirtualAddress, size uintptr, flags mm.RegionFlag) *kernel.Error {
	verifyInterruptsDisabled()

	if size == 0 {
		return errZeroSize
	}

	pages := mm.AlignUp(size, mm.PageSize) >> mm.PageShift
	for page := uintptr(0); page < pages; page++ {
		frame, err := m.frameAllocator.AllocFrame()
		if err != nil {
			return err
		}

		err = ms.pageTable.MapRaw(&m.frameAllocator, kernMem,
			vaddr.Add(page*mm.PageSize), frame.Address(), Page4K, flags)
		if err != nil {
			return err
		}
	}

	ms.addRegion(vaddr, size, flags)
	return nil
}

// CreatePageTable allocates a new top-level table seeded with all 512 entries
// of the reference table. The new table therefore aliases every upper-half
// next-level table, so kernel leaf updates are automatically visible in all
// address spaces.
func (m *Manager) CreatePageTable() (PageTable, *kernel.Error) {
	pt, err := NewPageTable(&m.frameAllocator, kernMem)
	if err != nil {
		return PageTable{}, err
	}

	for i := uintptr(0); i < entriesPerTable; i++ {
		pt.SetTopLevelEntry(kernMem, i, m.referenceTable.TopLevelEntry(kernMem, i))
	}

	return pt, nil
}

// findRegion returns the arena region containing vaddr, if any.
func (m *Manager) findRegion(vaddr mm.VirtualAddress) *VMRegion {
	vaddr = mm.VirtualAddress(mm.AlignDown(uintptr(vaddr), mm.PageSize))
	for _, region := range m.kernelRegions {
		end := region.vaddr.Add((region.pageCount - 1) * mm.PageSize)
		if vaddr >= region.vaddr && vaddr <= end {
			return region
		}
	}
	return nil
}

// isVMAllocAddr returns true when vaddr lies inside the vmalloc arena.
func isVMAllocAddr(vaddr mm.VirtualAddress) bool {
	return vaddr >= mm.VMAllocStart && vaddr < mm.VMAllocEnd
}

// PageFault resolves a fault at vaddr. Faults inside the vmalloc arena are
// repaired by copying the reference table's top-level slots covering the
// arena into the faulting process's table; this is the only path that writes
// upper-half top-level entries into per-process tables. Every other fault is
// reported as unhandled.
func (m *Manager) PageFault(vaddr mm.VirtualAddress) bool {
	if !isVMAllocAddr(vaddr) {
		return false
	}

	if currentPageTableFn == nil {
		return false
	}
	pt, ok := currentPageTableFn()
	if !ok {
		return false
	}

	startP4, _, _, _, _ := Index(mm.VMAllocStart)
	endP4, _, _, _, _ := Index(mm.VMAllocEnd)

	for i := startP4; i < endP4; i++ {
		pt.SetTopLevelEntry(kernMem, i, m.referenceTable.TopLevelEntry(kernMem, i))
	}

	return true
}

// KernelPageTableRoot returns the physical address of the reference table.
// Threads of pure-kernel processes run on it directly.
func (m *Manager) KernelPageTableRoot() mm.PhysicalAddress {
	return m.referenceTable.Root()
}

// Init sets up the global memory manager. It must be called exactly once,
// with interrupts disabled, before any other function of this package.
func Init(info *bootinfo.BootInfo) *kernel.Error {
	mmLock.Acquire()
	defer mmLock.Release()

	if mgr != nil {
		return errReinitialized
	}

	var err *kernel.Error
	mgr, err = NewManager(info)
	return err
}

// AllocateKernelVM reserves size bytes of the kernel vmalloc arena. The new
// region's reference-table entries are published before the address is
// returned to the caller.
func AllocateKernelVM(name string, size uintptr) (mm.VirtualAddress, *kernel.Error) {
	mmLock.Acquire()
	defer mmLock.Release()

	return mgr.AllocateKernelVM(name, size)
}

// AllocateKernelVMZeroed behaves like AllocateKernelVM and additionally
// clears the returned region.
func AllocateKernelVMZeroed(name string, size uintptr) (mm.VirtualAddress, *kernel.Error) {
	addr, err := AllocateKernelVM(name, size)
	if err != nil {
		return 0, err
	}

	memsetFn(uintptr(addr), 0, size)
	return addr, nil
}

// MapPhysicalToKernelVM maps a contiguous physical range into the kernel
// vmalloc arena.
func MapPhysicalToKernelVM(paddr mm.PhysicalAddress, size uintptr, flags mm.RegionFlag) (mm.VirtualAddress, *kernel.Error) {
	mmLock.Acquire()
	defer mmLock.Release()

	return mgr.MapPhysicalToKernelVM(paddr, size, flags)
}

// MapInUserspace maps freshly allocated frames into a user memory space.
func MapInUserspace(ms *MemorySpace, vaddr mm.VirtualAddress, size uintptr, flags mm.RegionFlag) *kernel.Error {
	mmLock.Acquire()
	defer mmLock.Release()

	return mgr.MapInUserspace(ms, vaddr, size, flags)
}

// NewMemorySpace creates an empty user memory space whose page table is
// seeded from the reference table.
func NewMemorySpace() (*MemorySpace, *kernel.Error) {
	mmLock.Acquire()
	defer mmLock.Release()

	pt, err := mgr.CreatePageTable()
	if err != nil {
		return nil, err
	}

	return &MemorySpace{pageTable: pt}, nil
}

// PageFault dispatches a page fault at vaddr to the memory manager and
// returns true when the fault was repaired.
func PageFault(vaddr mm.VirtualAddress) bool {
	mmLock.Acquire()
	defer mmLock.Release()

	return mgr.PageFault(vaddr)
}

// KernelPageTableRoot returns the physical address of the reference table.
func KernelPageTableRoot() mm.PhysicalAddress {
	mmLock.Acquire()
	defer mmLock.Release()

	return mgr.KernelPageTableRoot()
}
