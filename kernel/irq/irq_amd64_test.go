package irq

import (
	"kestrel/device/pic"
	"kestrel/kernel/cpu"
	"kestrel/kernel/gdt"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/vmm"
	"kestrel/kernel/percpu"
	"kestrel/kernel/proc"
	"testing"
	"unsafe"
)

func TestIDTEntryEncoding(t *testing.T) {
	entry := newIDTEntry(gdt.SelKernelCode, 0xffff80001234abcd, 2, gateInterrupt, 0)

	if entry.offset0 != 0xabcd || entry.offset1 != 0x1234 || entry.offset2 != 0xffff8000 {
		t.Errorf("unexpected offset split: %04x %04x %08x", entry.offset0, entry.offset1, entry.offset2)
	}
	if entry.selector != gdt.SelKernelCode {
		t.Errorf("unexpected selector %#x", entry.selector)
	}
	if entry.ist != 2 {
		t.Errorf("unexpected ist %d", entry.ist)
	}
	// present | interrupt gate, DPL 0
	if entry.typeAttr != 0x8e {
		t.Errorf("unexpected type/attr byte %#x", entry.typeAttr)
	}

	if size := unsafe.Sizeof(idtEntry{}); size != 16 {
		t.Errorf("expected 16-byte IDT entries; got %d", size)
	}
}

func TestISTAssignment(t *testing.T) {
	for vector := 0; vector < idtEntries; vector++ {
		exp := uint8(istNormal)
		switch vector {
		case 2, 8, 18:
			exp = istCritical
		}
		if got := istForVector(vector); got != exp {
			t.Errorf("[vector %d] expected IST %d; got %d", vector, exp, got)
		}
	}
}

func TestInitBuildsTable(t *testing.T) {
	var loads []idtDescriptor
	loadIDTFn = func(desc *idtDescriptor) { loads = append(loads, *desc) }
	vectorStubBaseFn = func() uintptr { return 0x1000 }
	defer func() {
		loadIDTFn = loadIDT
		vectorStubBaseFn = vectorStubBase
	}()

	Init()

	if len(loads) != 1 {
		t.Fatalf("expected one lidt; got %d", len(loads))
	}
	if loads[0].limit != idtEntries*16-1 {
		t.Errorf("unexpected IDT limit %d", loads[0].limit)
	}

	for i, entry := range idt {
		expOffset := uint64(0x1000 + i*stubSize)
		gotOffset := uint64(entry.offset0) | uint64(entry.offset1)<<16 | uint64(entry.offset2)<<32
		if gotOffset != expOffset {
			t.Fatalf("[vector %d] expected stub offset %#x; got %#x", i, expOffset, gotOffset)
		}
		if entry.selector != gdt.SelKernelCode {
			t.Fatalf("[vector %d] unexpected selector %#x", i, entry.selector)
		}
		if entry.ist != istForVector(i) {
			t.Fatalf("[vector %d] unexpected IST %d", i, entry.ist)
		}
	}
}

type dispatchEnv struct {
	pc        *percpu.PerCpu
	faults    []mm.VirtualAddress
	handled   bool
	cr2       uint64
	picEOIs   []uint8
	cr3Loads  []uintptr
	portReads []uint16
	nextState *proc.RegisterState
	nextRoot  mm.PhysicalAddress
	captured  []proc.RegisterState
}

func installDispatchEnv(t *testing.T) *dispatchEnv {
	t.Helper()

	env := &dispatchEnv{
		pc: &percpu.PerCpu{Arch: percpu.ArchInfo{TSS: &gdt.TSS{}}},
	}

	currentCPUFn = func() *percpu.PerCpu { return env.pc }
	pageFaultFn = func(vaddr mm.VirtualAddress) bool {
		env.faults = append(env.faults, vaddr)
		return env.handled
	}
	readCR2Fn = func() uint64 { return env.cr2 }
	portReadByteFn = func(port uint16) uint8 {
		env.portReads = append(env.portReads, port)
		return 0x2a
	}
	picEOIFn = func(vector uint8) { env.picEOIs = append(env.picEOIs, vector) }
	switchPageTableFn = func(root uintptr) { env.cr3Loads = append(env.cr3Loads, root) }
	scheduleFn = func(departing proc.RegisterState) (*proc.Thread, mm.PhysicalAddress) {
		env.captured = append(env.captured, departing)
		if env.nextState == nil {
			return nil, 0
		}
		next := &proc.Thread{Registers: *env.nextState}
		return next, env.nextRoot
	}

	t.Cleanup(func() {
		currentCPUFn = percpu.Current
		pageFaultFn = vmm.PageFault
		readCR2Fn = cpu.ReadCR2
		portReadByteFn = cpu.PortReadByte
		picEOIFn = pic.SendEOI
		switchPageTableFn = cpu.SwitchPageTable
		scheduleFn = schedule
	})

	return env
}

func TestDispatchHandledPageFault(t *testing.T) {
	env := installDispatchEnv(t)
	env.handled = true
	env.cr2 = 0xffffa88000001042

	frame := &Frame{CS: gdt.SelKernelCode}
	dispatchInterrupt(vecPageFault, frame, 2, &Regs{})

	if len(env.faults) != 1 || env.faults[0] != mm.VirtualAddress(env.cr2) {
		t.Errorf("expected one fault dispatch for cr2; got %v", env.faults)
	}
	if env.pc.InterruptDepth() != 0 {
		t.Error("expected the interrupt depth guard to unwind")
	}
}

func TestDispatchUnhandledPageFaultPanics(t *testing.T) {
	env := installDispatchEnv(t)
	env.handled = false

	defer func() {
		if recover() == nil {
			t.Error("expected an unhandled page fault to panic")
		}
		if env.pc.InterruptDepth() != 0 {
			t.Error("expected the depth guard to unwind through the panic")
		}
	}()
	dispatchInterrupt(vecPageFault, &Frame{}, 2, &Regs{})
}

func TestDispatchUnknownExceptionPanics(t *testing.T) {
	installDispatchEnv(t)

	defer func() {
		if recover() == nil {
			t.Error("expected an unknown exception to panic")
		}
	}()
	dispatchInterrupt(6, &Frame{}, 0, &Regs{})
}

func TestDispatchTimerKeepsRunning(t *testing.T) {
	env := installDispatchEnv(t)

	frame := &Frame{RIP: 0x100, CS: gdt.SelKernelCode, RFlags: 0x202, RSP: 0x5000, SS: gdt.SelKernelData}
	regs := &Regs{RAX: 7, R15: 9}
	dispatchInterrupt(VecTimer, frame, 0, regs)

	// The departing state was captured exactly as the stub saw it.
	if len(env.captured) != 1 {
		t.Fatalf("expected one scheduler entry; got %d", len(env.captured))
	}
	got := env.captured[0]
	if got.RAX != 7 || got.R15 != 9 || got.RIP != 0x100 || got.RSP != 0x5000 {
		t.Errorf("captured state mismatch: %+v", got)
	}

	// No thread switch: frame and regs stay untouched, PIC gets its EOI.
	if frame.RIP != 0x100 || regs.RAX != 7 {
		t.Error("expected the departing state to stay installed")
	}
	if len(env.cr3Loads) != 0 {
		t.Error("expected no address-space switch")
	}
	if len(env.picEOIs) != 1 || env.picEOIs[0] != VecTimer {
		t.Errorf("expected a PIC EOI for the timer; got %v", env.picEOIs)
	}
}

func TestDispatchTimerSwitchesThreads(t *testing.T) {
	env := installDispatchEnv(t)
	env.nextState = &proc.RegisterState{
		RAX: 0x11, R15: 0x22,
		RIP: 0xdead0000, CS: gdt.SelUserCode | 3, RFlags: 0x202,
		RSP: 0x7fffff00, SS: gdt.SelUserData | 3,
	}
	env.nextRoot = 0x42000

	frame := &Frame{RIP: 0x100, CS: gdt.SelKernelCode}
	regs := &Regs{RAX: 7}
	dispatchInterrupt(VecTimer, frame, 0, regs)

	// The arriving thread's register image replaces the frame/regs.
	if regs.RAX != 0x11 || regs.R15 != 0x22 {
		t.Errorf("general registers not installed: %+v", regs)
	}
	if frame.RIP != 0xdead0000 || frame.CS != gdt.SelUserCode|3 || frame.SS != gdt.SelUserData|3 {
		t.Errorf("interrupt frame not installed: %+v", frame)
	}

	// The address space root was loaded and the TSS kernel stack
	// reprogrammed for the new thread.
	if len(env.cr3Loads) != 1 || env.cr3Loads[0] != 0x42000 {
		t.Errorf("expected a CR3 load of %x; got %v", env.nextRoot, env.cr3Loads)
	}
	if len(env.picEOIs) != 1 {
		t.Error("expected the timer EOI after the switch")
	}
}

func TestDispatchKeyboard(t *testing.T) {
	env := installDispatchEnv(t)

	dispatchInterrupt(VecKeyboard, &Frame{}, 0, &Regs{})

	if len(env.portReads) != 1 || env.portReads[0] != keyboardDataPort {
		t.Errorf("expected a read of the keyboard data port; got %v", env.portReads)
	}
}

func TestDispatchLegacyIRQSendsEOI(t *testing.T) {
	env := installDispatchEnv(t)

	dispatchInterrupt(40, &Frame{}, 0, &Regs{})

	if len(env.picEOIs) != 1 || env.picEOIs[0] != 40 {
		t.Errorf("expected a PIC EOI for vector 40; got %v", env.picEOIs)
	}
}

func TestDispatchAPICTimer(t *testing.T) {
	env := installDispatchEnv(t)

	// Without a mapped LAPIC the EOI is skipped; the dispatch must not
	// fault and the depth guard must unwind.
	dispatchInterrupt(VecAPICTimer, &Frame{}, 0, &Regs{})
	if env.pc.InterruptDepth() != 0 {
		t.Error("expected the depth guard to unwind")
	}
}
