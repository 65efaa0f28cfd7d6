// Package apic brings up the local APIC and the IOAPIC from the ACPI MADT
// table. The scheduler depends on the local APIC for its periodic timer and
// for end-of-interrupt signalling. The IOAPIC window is mapped; its
// redirection entries are not programmed here.
package apic

import (
	"kestrel/device/acpi"
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/ksync"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/vmm"
	"reflect"
	"unsafe"
)

// Register identifies a local APIC register by its offset into the register
// window.
type Register uintptr

const (
	// RegID holds the local APIC id.
	RegID Register = 0x20

	// RegEOI acknowledges the in-service interrupt when written.
	RegEOI Register = 0xb0

	// RegSpurious configures the spurious interrupt vector and the APIC
	// software enable bit.
	RegSpurious Register = 0xf0

	// RegLVTTimer configures the local timer interrupt.
	RegLVTTimer Register = 0x320

	// RegInitialCount arms the timer countdown.
	RegInitialCount Register = 0x380

	// RegDivide configures the timer divider.
	RegDivide Register = 0x3e0
)

const (
	// TimerVector is the vector the periodic APIC timer fires on.
	TimerVector = 0xe0

	// KeyboardVector is the vector the IOAPIC delivers the keyboard IRQ
	// on.
	KeyboardVector = 222

	// timerPeriodic turns on periodic mode in the LVT timer register.
	timerPeriodic = 1 << 17

	// timerInitialCount approximates a scheduler tick on QEMU's default
	// timer frequency.
	timerInitialCount = 50000000

	// spuriousEnable is the APIC software-enable bit of the spurious
	// register.
	spuriousEnable = 1 << 8

	msrAPICBase    = uint32(0x1b)
	apicBaseEnable = uint64(1 << 11)

	// MADT record types.
	recLocalAPIC         = 0
	recIOAPIC            = 1
	recSourceOverride    = 2
	recNMISource         = 3
	recLocalAPICNMI      = 4
	recLocalAPICOverride = 5
)

var (
	// mapPhysicalFn is used by tests to override the kernel VM mapping of
	// the APIC MMIO windows.
	mapPhysicalFn = vmm.MapPhysicalToKernelVM

	// readMSRFn / writeMSRFn are used by tests to stub out MSR access.
	readMSRFn  = cpu.ReadMSR
	writeMSRFn = cpu.WriteMSR

	errMissingMADT = &kernel.Error{Module: "apic", Message: "could not locate the MADT table"}
	errNoLocalAPIC = &kernel.Error{Module: "apic", Message: "MADT reported no local APIC window"}

	stateLock ksync.Spinlock

	// lapicWindow/ioapicWindow record the mapped MMIO windows; numCores
	// counts the usable local APICs the MADT reported.
	lapicWindow  mm.VirtualAddress
	ioapicWindow mm.VirtualAddress
	numCores     int
)

// LAPIC provides register access to a mapped local APIC window.
type LAPIC struct {
	mapping []uint32
}

// lapicFromAddr overlays the register window at the given virtual address.
func lapicFromAddr(addr mm.VirtualAddress) *LAPIC {
	return &LAPIC{mapping: *(*[]uint32)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  1024,
		Cap:  1024,
		Data: uintptr(addr),
	}))}
}

// lapicForMapping wraps an existing register slice; tests use it to observe
// register traffic.
func lapicForMapping(mapping []uint32) *LAPIC {
	return &LAPIC{mapping: mapping}
}

// ReadReg returns the contents of a local APIC register.
func (apic *LAPIC) ReadReg(reg Register) uint32 {
	return apic.mapping[reg/4]
}

// WriteReg replaces the contents of a local APIC register.
func (apic *LAPIC) WriteReg(reg Register, value uint32) {
	apic.mapping[reg/4] = value
}

// EOI signals end-of-interrupt for the in-service vector.
func (apic *LAPIC) EOI() {
	apic.WriteReg(RegEOI, 0)
}

// startTimer enables the spurious vector, programs the divider and arms the
// periodic timer on TimerVector.
func (apic *LAPIC) startTimer() {
	apic.WriteReg(RegSpurious, spuriousEnable|0xff)
	apic.WriteReg(RegDivide, 0)
	apic.WriteReg(RegLVTTimer, timerPeriodic|TimerVector)
	apic.WriteReg(RegInitialCount, timerInitialCount)
}

// madt is the decoded interrupt controller topology.
type madt struct {
	lapicAddr  mm.PhysicalAddress
	ioapicAddr mm.PhysicalAddress
	hasIOAPIC  bool
	numCores   int
}

// parseMADT walks the variable-length records following the MADT header.
func parseMADT(p mm.PhysicalMemory, table acpi.Table) (*madt, *kernel.Error) {
	var out madt

	out.lapicAddr = mm.PhysicalAddress(p.ReadU32(table.DataAddr))
	end := table.DataAddr.Add(table.DataLength)

	// Records start after the 4-byte APIC address and 4-byte flags.
	for cur := table.DataAddr.Add(8); cur < end; {
		typ := p.ReadU8(cur)
		length := p.ReadU8(cur.Add(1))
		if length < 2 {
			break
		}

		switch typ {
		case recLocalAPIC:
			flags := p.ReadU32(cur.Add(4))
			// Enabled, or capable of being enabled.
			if flags&0x1 != 0 || flags&0x2 != 0 {
				out.numCores++
			}
		case recIOAPIC:
			out.ioapicAddr = mm.PhysicalAddress(p.ReadU32(cur.Add(4)))
			out.hasIOAPIC = true
		case recSourceOverride, recNMISource, recLocalAPICNMI:
			// Routing hints; the single-IOAPIC identity routing the
			// kernel uses does not consume them.
		case recLocalAPICOverride:
			out.lapicAddr = mm.PhysicalAddress(p.ReadU64(cur.Add(4)))
		}

		cur = cur.Add(uintptr(length))
	}

	return &out, nil
}

// Init parses the MADT, maps the APIC MMIO windows into kernel VM and
// records the reported core count. It must run before InitCore.
func Init(p mm.PhysicalMemory) *kernel.Error {
	table, err := acpi.FindTable(p, [4]byte{'A', 'P', 'I', 'C'})
	if err != nil {
		return errMissingMADT
	}

	info, err := parseMADT(p, table)
	if err != nil {
		return err
	}
	if info.lapicAddr == 0 {
		return errNoLocalAPIC
	}

	stateLock.Acquire()
	defer stateLock.Release()

	numCores = info.numCores
	kfmt.Printf("[apic] %d core(s) reported by the MADT\n", numCores)

	mmioFlags := mm.RegionRead | mm.RegionWrite | mm.RegionNoCache

	if lapicWindow, err = mapPhysicalFn(info.lapicAddr, mm.PageSize, mmioFlags); err != nil {
		return err
	}

	if info.hasIOAPIC {
		if ioapicWindow, err = mapPhysicalFn(info.ioapicAddr, mm.PageSize, mmioFlags); err != nil {
			return err
		}
	}

	return nil
}

// NumCores returns the number of usable cores the MADT reported.
func NumCores() int {
	stateLock.Acquire()
	defer stateLock.Release()

	return numCores
}

// InitCore enables the local APIC for the calling core and starts its
// periodic timer. The returned LAPIC is stored in the core's per-CPU block.
func InitCore() (*LAPIC, *kernel.Error) {
	stateLock.Acquire()
	defer stateLock.Release()

	if lapicWindow == 0 {
		return nil, errNoLocalAPIC
	}

	// Set the global enable bit before touching the register window.
	writeMSRFn(msrAPICBase, readMSRFn(msrAPICBase)|apicBaseEnable)

	apic := lapicFromAddr(lapicWindow)
	apic.startTimer()

	return apic, nil
}
