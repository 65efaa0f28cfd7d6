// Package proc implements the thread and process model together with the
// round-robin scheduler that drives them from the timer interrupt.
package proc

import (
	"kestrel/kernel"
	"kestrel/kernel/gdt"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/vmm"
	"sync/atomic"
	"unsafe"
)

// ThreadState tracks where a thread is in its lifecycle.
type ThreadState uint8

const (
	// ThreadRunnable means the thread sits on the ready queue.
	ThreadRunnable ThreadState = iota

	// ThreadRunning means the thread is the current thread of some CPU.
	ThreadRunning

	// ThreadStopped means the thread exited and awaits teardown.
	ThreadStopped
)

// RegisterState is the exact register image a trap-frame return expects: the
// fifteen general registers in stack-pop order followed by the hardware
// interrupt frame.
type RegisterState struct {
	R15    uint64
	R14    uint64
	R13    uint64
	R12    uint64
	R11    uint64
	R10    uint64
	R9     uint64
	R8     uint64
	RBP    uint64
	RDI    uint64
	RSI    uint64
	RDX    uint64
	RCX    uint64
	RBX    uint64
	RAX    uint64
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

const (
	// rflagsDefault has the interrupt flag plus the always-set reserved
	// bit 1.
	rflagsDefault = 0x202

	// kernelStackSize is the stack allocated for every kernel thread.
	kernelStackSize = 2 * mm.PageSize
)

var (
	// allocKernelVMFn is used by tests to back thread stacks with host
	// memory.
	allocKernelVMFn = vmm.AllocateKernelVM

	// nextThreadID hands out kernel-wide unique thread ids.
	nextThreadID uint64
)

// Thread is a single flow of execution inside a process. Threads outlive a
// context switch through the shared ownership of their parent process;
// destruction is deferred because a departing thread may still own the
// currently running kernel stack.
type Thread struct {
	id     uint64
	parent *Process

	// Registers holds the trap-frame image the thread resumes from.
	Registers RegisterState

	state ThreadState

	// stack is the user stack for user threads; for kernel threads it
	// aliases kernelStack.
	stack           mm.VirtualAddress
	kernelStack     mm.VirtualAddress
	kernelStackSize uintptr

	// needsSave is cleared by ReplaceImage so the first scheduler pass
	// afterwards installs the prepared registers instead of overwriting
	// them with the captured CPU state.
	needsSave bool
}

// newThread builds a kernel-mode thread that starts at entry with a fresh
// kernel stack.
func newThread(parent *Process, entry func()) (*Thread, *kernel.Error) {
	id := atomic.AddUint64(&nextThreadID, 1)

	kstack, err := allocKernelVMFn(stackRegionName(id), kernelStackSize)
	if err != nil {
		return nil, err
	}

	thread := &Thread{
		id:              id,
		parent:          parent,
		state:           ThreadRunnable,
		stack:           kstack,
		kernelStack:     kstack,
		kernelStackSize: kernelStackSize,
		needsSave:       true,
	}

	thread.Registers = RegisterState{
		RIP:    uint64(funcPC(entry)),
		RSP:    uint64(thread.KernelStackTop()),
		CS:     gdt.SelKernelCode,
		SS:     gdt.SelKernelData,
		RFlags: rflagsDefault,
	}

	return thread, nil
}

// ID returns the thread id.
func (t *Thread) ID() uint64 { return t.id }

// Parent returns the owning process.
func (t *Thread) Parent() *Process { return t.parent }

// State returns the thread lifecycle state.
func (t *Thread) State() ThreadState { return t.state }

// KernelStackTop returns the initial stack pointer for the thread's kernel
// stack.
func (t *Thread) KernelStackTop() mm.VirtualAddress {
	return t.kernelStack.Add(t.kernelStackSize)
}

// stackRegionName formats "#<id>-kstack" without the fmt machinery, which is
// unavailable this early.
func stackRegionName(id uint64) string {
	var buf [20]byte
	pos := len(buf)
	for {
		pos--
		buf[pos] = '0' + byte(id%10)
		id /= 10
		if id == 0 {
			break
		}
	}
	return "#" + string(buf[pos:]) + "-kstack"
}

// funcPC returns the entry address of fn. The double indirection follows the
// funcval layout used by the Go runtime.
func funcPC(fn func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&fn))
}
