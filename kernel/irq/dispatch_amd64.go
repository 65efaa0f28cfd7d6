package irq

import (
	"kestrel/device/pic"
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/vmm"
	"kestrel/kernel/percpu"
	"kestrel/kernel/proc"
)

// Well-known vectors.
const (
	vecPageFault = 14

	// VecTimer is the legacy timer vector driving the scheduler.
	VecTimer = 32

	// VecAPICTimer is the local APIC timer vector.
	VecAPICTimer = 0xe0

	// VecKeyboard is the vector the IOAPIC delivers keyboard IRQs on.
	VecKeyboard = 222

	numExceptions  = 32
	legacyIRQLimit = 48

	keyboardDataPort = uint16(0x60)
)

var (
	// The following are used by tests to stub out the privileged
	// operations and the scheduler entry.
	currentCPUFn      = percpu.Current
	pageFaultFn       = vmm.PageFault
	readCR2Fn         = cpu.ReadCR2
	portReadByteFn    = cpu.PortReadByte
	picEOIFn          = pic.SendEOI
	switchPageTableFn = cpu.SwitchPageTable
	scheduleFn        = schedule

	errUnhandledPageFault = &kernel.Error{Module: "irq", Message: "unhandled page fault"}
	errUnhandledException = &kernel.Error{Module: "irq", Message: "unhandled CPU exception"}
)

// schedule enters the current CPU's scheduler with the departing register
// state.
func schedule(departing proc.RegisterState) (*proc.Thread, mm.PhysicalAddress) {
	return proc.CurrentScheduler().Schedule(departing)
}

// captureState assembles the scheduler's register record from the stub's
// frame and register snapshot.
func captureState(frame *Frame, regs *Regs) proc.RegisterState {
	return proc.RegisterState{
		R15: regs.R15, R14: regs.R14, R13: regs.R13, R12: regs.R12,
		R11: regs.R11, R10: regs.R10, R9: regs.R9, R8: regs.R8,
		RBP: regs.RBP, RDI: regs.RDI, RSI: regs.RSI, RDX: regs.RDX,
		RCX: regs.RCX, RBX: regs.RBX, RAX: regs.RAX,
		RIP: frame.RIP, CS: frame.CS, RFlags: frame.RFlags,
		RSP: frame.RSP, SS: frame.SS,
	}
}

// installState writes a thread's register record over the stub's frame and
// register snapshot so iretq resumes the new thread.
func installState(state *proc.RegisterState, frame *Frame, regs *Regs) {
	regs.R15, regs.R14, regs.R13, regs.R12 = state.R15, state.R14, state.R13, state.R12
	regs.R11, regs.R10, regs.R9, regs.R8 = state.R11, state.R10, state.R9, state.R8
	regs.RBP, regs.RDI, regs.RSI, regs.RDX = state.RBP, state.RDI, state.RSI, state.RDX
	regs.RCX, regs.RBX, regs.RAX = state.RCX, state.RBX, state.RAX
	frame.RIP, frame.CS, frame.RFlags = state.RIP, state.CS, state.RFlags
	frame.RSP, frame.SS = state.RSP, state.SS
}

// dumpState prints the full CPU state for a fatal vector.
func dumpState(vector uint64, frame *Frame, errorCode uint64, regs *Regs) {
	kfmt.Printf("\nvector = %d error = %x\n", vector, errorCode)
	regs.Print()
	frame.Print()
}

// dispatchInterrupt is the single entry point the vector stubs funnel into.
// The stubs have already saved the register snapshot and performed the
// swapgs dance for entries from CPL 3.
func dispatchInterrupt(vector uint64, frame *Frame, errorCode uint64, regs *Regs) {
	pc := currentCPUFn()
	guard := pc.EnterInterrupt()
	defer guard.Leave()

	switch {
	case vector < numExceptions:
		if vector == vecPageFault {
			if pageFaultFn(mm.VirtualAddress(readCR2Fn())) {
				return
			}
			kfmt.Printf("\npage fault at address %16x\n", readCR2Fn())
			dumpState(vector, frame, errorCode, regs)
			panic(errUnhandledPageFault)
		}

		dumpState(vector, frame, errorCode, regs)
		panic(errUnhandledException)

	case vector == VecTimer:
		if next, root := scheduleFn(captureState(frame, regs)); next != nil {
			installState(&next.Registers, frame, regs)
			pc.Arch.TSS.SetKernelStack(uint64(next.KernelStackTop()))
			switchPageTableFn(uintptr(root))
		}
		picEOIFn(uint8(vector))

	case vector == VecAPICTimer:
		if pc.Arch.APIC != nil {
			pc.Arch.APIC.EOI()
		}

	case vector == VecKeyboard:
		scancode := portReadByteFn(keyboardDataPort)
		kfmt.Printf("[irq] scancode: %d\n", scancode)
		if pc.Arch.APIC != nil {
			pc.Arch.APIC.EOI()
		}

	default:
		if vector < legacyIRQLimit {
			picEOIFn(uint8(vector))
			return
		}
		kfmt.Printf("\nunexpected interrupt\n")
		dumpState(vector, frame, errorCode, regs)
	}
}
