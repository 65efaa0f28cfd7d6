package irq

import (
	"kestrel/kernel/gdt"
	"unsafe"
)

const (
	idtEntries = 256

	// istCritical backs the vectors that must run on a known-good stack:
	// NMI, double fault and machine check.
	istCritical = 1

	// istNormal backs every other vector.
	istNormal = 2

	// gateInterrupt is the 64-bit interrupt gate type.
	gateInterrupt = 0xe

	// stubSize is the distance between consecutive vector stubs in the
	// stub table.
	stubSize = 32
)

// idtEntry is a 16-byte interrupt gate descriptor.
type idtEntry struct {
	offset0  uint16
	selector uint16
	ist      uint8
	typeAttr uint8
	offset1  uint16
	offset2  uint32
	reserved uint32
}

// newIDTEntry encodes a present interrupt gate for the given handler.
func newIDTEntry(selector uint16, offset uint64, ist, gateType, dpl uint8) idtEntry {
	return idtEntry{
		offset0:  uint16(offset),
		selector: selector,
		ist:      ist,
		typeAttr: 1<<7 | dpl<<5 | gateType,
		offset1:  uint16(offset >> 16),
		offset2:  uint32(offset >> 32),
	}
}

// idtDescriptor is the operand for lidt; the base is split into words to
// keep the packed 10-byte layout.
type idtDescriptor struct {
	limit uint16
	base  [4]uint16
}

var (
	idt [idtEntries]idtEntry

	// loadIDTFn and vectorStubBaseFn are used by tests to stub out the
	// privileged load and the assembly stub table address.
	loadIDTFn        = loadIDT
	vectorStubBaseFn = vectorStubBase
)

// idtAddr returns the address of the table for the lidt operand.
func idtAddr() unsafe.Pointer {
	return unsafe.Pointer(&idt)
}

// loadIDT performs lidt with the supplied descriptor.
func loadIDT(desc *idtDescriptor)

// vectorStubBase returns the address of the first entry of the assembly
// vector stub table. Stub i lives at base + i*stubSize.
func vectorStubBase() uintptr

// istForVector selects the interrupt stack for a vector: NMI(2), double
// fault(8) and machine check(18) run on the critical stack, everything else
// on the normal stack.
func istForVector(vector int) uint8 {
	switch vector {
	case 2, 8, 18:
		return istCritical
	}
	return istNormal
}

// Init populates all 256 IDT entries with their vector stubs and loads the
// table on the current CPU.
func Init() {
	stubBase := vectorStubBaseFn()

	for i := 0; i < idtEntries; i++ {
		offset := uint64(stubBase) + uint64(i*stubSize)
		idt[i] = newIDTEntry(gdt.SelKernelCode, offset, istForVector(i), gateInterrupt, 0)
	}

	base := uint64(uintptr(idtAddr()))
	desc := idtDescriptor{
		limit: uint16(idtEntries*16 - 1),
		base: [4]uint16{
			uint16(base),
			uint16(base >> 16),
			uint16(base >> 32),
			uint16(base >> 48),
		},
	}
	loadIDTFn(&desc)
}
