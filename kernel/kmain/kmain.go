// Package kmain contains the kernel bootstrap sequence. The rt0 assembly
// code jumps here after the loader has switched to long mode, mapped the
// kernel at its text base and disabled interrupts.
package kmain

import (
	"kestrel/bootinfo"
	"kestrel/device"
	"kestrel/device/acpi"
	"kestrel/device/apic"
	"kestrel/device/pic"
	"kestrel/device/uart"
	"kestrel/kernel/cpu"
	"kestrel/kernel/gdt"
	"kestrel/kernel/irq"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/heap"
	"kestrel/kernel/mm/vmm"
	"kestrel/kernel/percpu"
	"kestrel/kernel/proc"
	"kestrel/kernel/syscall"
	"kestrel/kernel/time"
)

// InitImageProvider is installed by the initrd loader glue and returns the
// parsed init program image once the initrd has been located. The init
// thread replaces its own image with it.
var InitImageProvider func() (proc.Image, bool)

var console *uart.Device

// KernelInit is the kernel entry point. It never returns: once the
// subsystems are online the scheduler dispatches the first kernel thread.
func KernelInit(bootInfoAddr uint64) {
	cpu.DisableInterrupts()

	// Bring up the serial console first so early panic output has
	// somewhere to go; buffered output is replayed once the sink
	// registers.
	console = uart.New(uart.COM1)
	kfmt.SetOutputSink(console)

	kfmt.Printf("kestrel starting; boot info at 0x%x\n", bootInfoAddr)

	info, err := bootinfo.FromAddr(mm.BootMemory, mm.PhysicalAddress(bootInfoAddr))
	if err != nil {
		kfmt.Panic(err)
	}
	printMemoryMap(info)

	// The heap backs all early allocations (frame bitmaps included) and
	// must come up before the memory manager.
	heap.Init(mm.BootMemory.Translate(info.HeapAddr), uintptr(info.HeapLength))

	if err := vmm.Init(info); err != nil {
		kfmt.Panic(err)
	}

	pc, err := percpu.Init(0)
	if err != nil {
		kfmt.Panic(err)
	}

	time.Init()

	if err := device.Register("serial00", console); err != nil {
		kfmt.Panic(err)
	}

	if acpiErr := acpiInit(); acpiErr != nil {
		kfmt.Printf("[kmain] warning: %s\n", acpiErr.Error())
	}

	pc.Arch.GDT, pc.Arch.TSS = gdt.Init()
	irq.Init()
	pic.Init()

	if apicErr := apic.Init(mm.KernelMemory); apicErr != nil {
		kfmt.Printf("[kmain] warning: %s\n", apicErr.Error())
	} else if pc.Arch.APIC, err = apic.InitCore(); err != nil {
		kfmt.Printf("[kmain] warning: %s\n", err.Error())
	}

	syscall.SetConsolePutc(console.WriteByte)
	syscall.Init()

	sched, err := proc.NewScheduler(pc.CoreID)
	if err != nil {
		kfmt.Panic(err)
	}

	initProc, err := proc.NewKernelProcess("init", kernelInitThread)
	if err != nil {
		kfmt.Panic(err)
	}
	proc.AddProcess(initProc)

	testProc, err := proc.NewKernelProcess("ktest", kernelTestThread)
	if err != nil {
		kfmt.Panic(err)
	}
	proc.AddProcess(testProc)

	proc.DumpState()

	// The bring-up path holds the single boot-time interrupt disable
	// reference; drop it before handing the CPU to the scheduler.
	pc.EnableInterrupts()

	sched.Start()
}

// acpiInit locates the ACPI tables and logs their signatures.
func acpiInit() error {
	if err := acpi.Init(mm.KernelMemory); err != nil {
		return err
	}

	kfmt.Printf("[kmain] ACPI tables:\n")
	if err := acpi.VisitTables(mm.KernelMemory, func(hdr *acpi.SDTHeader) {
		kfmt.Printf("  - %s\n", hdr.Signature[:])
	}); err != nil {
		return err
	}
	return nil
}

// kernelInitThread is the first scheduled thread. It arms the scheduler and,
// when an init image is available, replaces itself with it.
func kernelInitThread() {
	kfmt.Printf("[kmain] init thread running\n")

	// Probe the registered serial device through the registry.
	if drv, err := device.Find("serial00"); err == nil {
		drv.Write([]byte("serial device online\n"))
	}

	sched := proc.CurrentScheduler()
	sched.SetReady()

	if InitImageProvider != nil {
		if img, ok := InitImageProvider(); ok {
			p := sched.CurrentThread().Parent()
			percpu.Current().WithoutInterrupts(func() {
				if err := p.ReplaceImage(img); err != nil {
					kfmt.Panic(err)
				}
			})
			sched.Exec()
		}
	}

	for {
	}
}

// kernelTestThread exercises preemptive switching during bring-up.
func kernelTestThread() {
	for {
		time.Sleep(2 * 1000 * 1000)
		kfmt.Printf("[kmain] test thread tick; uptime %d s\n", uint64(time.Uptime()))
	}
}

// printMemoryMap logs the loader-provided memory map.
func printMemoryMap(info *bootinfo.BootInfo) {
	kfmt.Printf("memory map:\n")
	info.VisitMemRegions(func(entry *bootinfo.MemoryMapEntry) bool {
		kfmt.Printf("  [0x%16x - 0x%16x] %s\n",
			uintptr(entry.Addr),
			uintptr(entry.Addr)+uintptr(entry.Length)-1,
			entry.Type.String(),
		)
		return true
	})
	kfmt.Printf("available memory: %dKiB\n", info.AvailableMemory()/1024)
}
