// Package syscall programs the fast system call machinery and implements the
// kernel-side handler. The entry trampoline swaps stacks through the per-CPU
// block, captures the caller's registers, zeroes them and funnels into
// syscallHandler; the register record layout is shared with the irq package.
package syscall

import (
	"kestrel/api"
	"kestrel/kernel/cpu"
	"kestrel/kernel/gdt"
	"kestrel/kernel/irq"
)

// Model-specific registers driving syscall/sysret.
const (
	msrEFER  = uint32(0xc0000080)
	msrSTAR  = uint32(0xc0000081)
	msrLSTAR = uint32(0xc0000082)
	msrFMASK = uint32(0xc0000084)

	// eferSCE enables the syscall/sysret instructions.
	eferSCE = uint64(1)

	// fmaskIF clears the interrupt flag on syscall entry.
	fmaskIF = uint64(0x200)

	// starSysretBase is the selector base sysret derives the user
	// segments from: CS = base+16 (0x30|3), SS = base+8 (0x28|3).
	starSysretBase = uint64(gdt.SelUserData-8) | 3
)

var (
	// readMSRFn and writeMSRFn are used by tests to capture the MSR
	// programming.
	readMSRFn  = cpu.ReadMSR
	writeMSRFn = cpu.WriteMSR

	// entryAddrFn is used by tests to stand in for the assembly entry
	// trampoline address.
	entryAddrFn = syscallEntryAddr

	// putcFn emits a character on the kernel console; the boot path wires
	// it to the serial device.
	putcFn = func(byte) {}
)

// syscallEntryAddr returns the address of the assembly entry trampoline.
func syscallEntryAddr() uintptr

// SetConsolePutc installs the sink for the debug putc syscall.
func SetConsolePutc(fn func(byte)) {
	putcFn = fn
}

// Init enables syscall/sysret and points the MSRs at the entry trampoline:
// STAR selects the segment bases for both privilege transitions, LSTAR the
// entry address and FMASK masks the interrupt flag during entry.
func Init() {
	writeMSRFn(msrEFER, readMSRFn(msrEFER)|eferSCE)

	writeMSRFn(msrFMASK, fmaskIF)
	writeMSRFn(msrLSTAR, uint64(entryAddrFn()))
	writeMSRFn(msrSTAR, starSysretBase<<48|uint64(gdt.SelKernelCode)<<32)
}

// syscallHandler executes a system call. The number arrives in rax with the
// arguments in rdi, rsi, rdx and r10; the result is returned in rax. Unknown
// numbers yield the test error code.
func syscallHandler(regs *irq.Regs) {
	number := regs.RAX
	arg0 := regs.RDI

	switch number {
	case api.SyscallDebugPutc:
		putcFn(byte(arg0))
	}

	regs.RAX = uint64(api.ErrTest)
}
