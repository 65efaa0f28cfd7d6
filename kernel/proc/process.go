package proc

import (
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/gdt"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/vmm"
	"kestrel/kernel/percpu"
	"unsafe"
)

const (
	// userStackBase is the fixed virtual address of the user stack mapped
	// by ReplaceImage.
	userStackBase = mm.VirtualAddress(0x0000700000000000)

	// userStackSize is the size of the initial user stack.
	userStackSize = 4 * mm.PageSize
)

// Segment describes one loadable part of a program image.
type Segment struct {
	// Vaddr is the virtual address the segment must be mapped at.
	Vaddr mm.VirtualAddress

	// MemSize is the in-memory size; the portion past len(Data) is
	// zero-filled.
	MemSize uintptr

	// Flags carries the access rights derived from the image.
	Flags mm.RegionFlag

	// Data holds the file-backed portion of the segment.
	Data []byte
}

// Image is the view of a parsed executable that ReplaceImage consumes. The
// loader that produces it (ELF parsing) lives outside this package.
type Image interface {
	// Entry returns the program entry point.
	Entry() uint64

	// Segments returns the loadable segments.
	Segments() []Segment
}

var (
	// The following are used by tests to stub out address-space switching
	// and raw memory access during image replacement.
	activePageTableFn = cpu.ActivePageTable
	switchPageTableFn = cpu.SwitchPageTable
	memcopyFn         = kernel.Memcopy
	memsetFn          = kernel.Memset
	newMemorySpaceFn  = vmm.NewMemorySpace
	mapInUserspaceFn  = vmm.MapInUserspace
	kernelRootFn      = vmm.KernelPageTableRoot
	verifyIntsFn      = percpu.VerifyInterruptsDisabled
	currentCPUFn      = percpu.Current
)

// sliceAddr returns the address of the first byte of s.
func sliceAddr(s []byte) uintptr {
	return uintptr(unsafe.Pointer(&s[0]))
}

// Process groups the threads sharing one address space. A process without a
// MemorySpace is a pure-kernel process running on the reference page table.
type Process struct {
	name   string
	kernel bool

	memorySpace *vmm.MemorySpace

	threads []*Thread
}

// NewKernelProcess creates a kernel process with a single thread entering
// entry on a fresh kernel stack.
func NewKernelProcess(name string, entry func()) (*Process, *kernel.Error) {
	proc := &Process{
		name:   name,
		kernel: true,
	}

	main, err := newThread(proc, entry)
	if err != nil {
		return nil, err
	}
	proc.threads = append(proc.threads, main)

	return proc, nil
}

// NewIdleProcess creates the per-core idle process. Its thread is never
// placed on the global ready queue; the scheduler dispatches it when the
// queue runs dry.
func NewIdleProcess(coreID uint32, entry func()) (*Process, *kernel.Error) {
	proc, err := NewKernelProcess("idle-"+coreName(coreID), entry)
	if err != nil {
		return nil, err
	}
	return proc, nil
}

// Name returns the process name.
func (p *Process) Name() string { return p.name }

// Kernel returns true for pure-kernel processes.
func (p *Process) Kernel() bool { return p.kernel }

// MemorySpace returns the process address space, or nil for kernel
// processes.
func (p *Process) MemorySpace() *vmm.MemorySpace { return p.memorySpace }

// Threads returns the process thread list.
func (p *Process) Threads() []*Thread { return p.threads }

// MainThread returns the first thread of the process.
func (p *Process) MainThread() *Thread { return p.threads[0] }

// pageTableRoot returns the physical root the process's threads run on.
func (p *Process) pageTableRoot() mm.PhysicalAddress {
	if p.memorySpace != nil {
		return p.memorySpace.PageTable().Root()
	}
	return kernelRootFn()
}

// ReplaceImage rebuilds the process around the supplied program image: a new
// memory space seeded from the reference table, the image segments copied in,
// a fresh user stack, and the current thread's registers rewritten to enter
// ring 3 at the image entry point. It must be called on the process of the
// currently running thread with interrupts disabled.
func (p *Process) ReplaceImage(img Image) *kernel.Error {
	verifyIntsFn()

	ms, err := newMemorySpaceFn()
	if err != nil {
		return err
	}

	// Switch to the new address space so the segment payloads can be
	// copied through their user-space addresses.
	oldRoot := activePageTableFn()
	switchPageTableFn(uintptr(ms.PageTable().Root()))

	for _, seg := range img.Segments() {
		if err = mapInUserspaceFn(ms, seg.Vaddr, seg.MemSize, seg.Flags); err != nil {
			switchPageTableFn(oldRoot)
			return err
		}

		if len(seg.Data) != 0 {
			memcopyFn(uintptr(sliceAddr(seg.Data)), uintptr(seg.Vaddr), uintptr(len(seg.Data)))
		}
		if zero := seg.MemSize - uintptr(len(seg.Data)); zero > 0 {
			memsetFn(uintptr(seg.Vaddr)+uintptr(len(seg.Data)), 0, zero)
		}
	}

	if err = mapInUserspaceFn(ms, userStackBase, userStackSize, mm.RegionRead|mm.RegionWrite); err != nil {
		switchPageTableFn(oldRoot)
		return err
	}
	memsetFn(uintptr(userStackBase), 0, userStackSize)

	switchPageTableFn(oldRoot)

	// Rewrite the current thread's register image so the next dispatch
	// enters user mode at the image entry.
	thread := CurrentScheduler().CurrentThread()
	thread.Registers = RegisterState{
		RIP:    img.Entry(),
		RSP:    uint64(userStackBase) + uint64(userStackSize),
		CS:     gdt.SelUserCode | 3,
		SS:     gdt.SelUserData | 3,
		RFlags: rflagsDefault,
	}
	thread.stack = userStackBase

	// The prepared registers must survive the next scheduler pass intact.
	thread.needsSave = false

	p.memorySpace = ms
	p.kernel = false

	return nil
}

// coreName formats a core id without the fmt machinery.
func coreName(id uint32) string {
	var buf [10]byte
	pos := len(buf)
	v := id
	for {
		pos--
		buf[pos] = '0' + byte(v%10)
		v /= 10
		if v == 0 {
			break
		}
	}
	return string(buf[pos:])
}
