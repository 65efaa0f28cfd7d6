// Package gdt builds and loads the per-CPU global descriptor table and task
// state segment. The table layout is fixed and part of the kernel ABI:
//
//	0x00 null
//	0x08 kernel code (long mode, DPL 0)
//	0x10 kernel data (DPL 0)
//	0x18 TSS (16-byte system descriptor)
//	0x28 user data (DPL 3)
//	0x30 user code (long mode, DPL 3)
package gdt

import (
	"kestrel/kernel/mm"
	"unsafe"
)

// Selector values for the fixed table layout.
const (
	SelKernelCode = 0x08
	SelKernelData = 0x10
	SelTSS        = 0x18
	SelUserData   = 0x28
	SelUserCode   = 0x30
)

// TSS is the 64-bit task state segment. The hardware layout packs 64-bit
// stack pointers at 4-byte offsets, so the fields are split into dwords; the
// accessors below reassemble them. The CPU loads rsp0 when an interrupt
// lowers the privilege level and the ist slots when an IDT gate requests a
// dedicated stack.
type TSS struct {
	_    uint32
	rsp  [6]uint32 // RSP0-RSP2
	_    [2]uint32
	ist  [14]uint32 // IST1-IST7
	_    [2]uint32
	_    uint16
	iopb uint16
}

// SetKernelStack points rsp0 at the kernel stack that privilege-level
// transitions should switch to. The scheduler updates it on every context
// switch.
func (tss *TSS) SetKernelStack(stackTop uint64) {
	tss.rsp[0] = uint32(stackTop)
	tss.rsp[1] = uint32(stackTop >> 32)
}

// KernelStack returns the rsp0 value.
func (tss *TSS) KernelStack() uint64 {
	return uint64(tss.rsp[0]) | uint64(tss.rsp[1])<<32
}

// setIST points the 1-based IST slot at stackTop.
func (tss *TSS) setIST(slot int, stackTop uint64) {
	tss.ist[(slot-1)*2] = uint32(stackTop)
	tss.ist[(slot-1)*2+1] = uint32(stackTop >> 32)
}

// IST returns the stack top stored in the 1-based IST slot.
func (tss *TSS) IST(slot int) uint64 {
	return uint64(tss.ist[(slot-1)*2]) | uint64(tss.ist[(slot-1)*2+1])<<32
}

// Entry is a regular 8-byte GDT descriptor.
type Entry struct {
	limit0      uint16
	base0       uint16
	base1       uint8
	access      uint8
	limit1Flags uint8
	base2       uint8
}

// tssEntry is the 16-byte system descriptor referencing the TSS.
type tssEntry struct {
	low  uint64
	high uint64
}

// newEntry packs limit, base, access and flags into a descriptor.
func newEntry(limit uint32, base uint32, access uint8, flags uint8) Entry {
	return Entry{
		limit0:      uint16(limit),
		base0:       uint16(base),
		base1:       uint8(base >> 16),
		access:      access,
		limit1Flags: flags&0xf<<4 | uint8(limit>>16)&0xf,
		base2:       uint8(base >> 24),
	}
}

// newTSSEntry encodes the 16-byte available-TSS descriptor for the segment at
// base.
func newTSSEntry(base uint64, limit uint16) tssEntry {
	return tssEntry{
		low: 0x890000000000 |
			(base>>24&0xff)<<56 |
			(base&0xffffff)<<16 |
			uint64(limit),
		high: base >> 32,
	}
}

// Table is the in-memory GDT image.
type Table struct {
	null       Entry // 0x00
	kernelCode Entry // 0x08
	kernelData Entry // 0x10
	tss        tssEntry
	userData   Entry // 0x28
	userCode   Entry // 0x30
}

// descriptor is the operand for lgdt. The 64-bit base is split into words to
// keep the 10-byte packed layout the instruction expects.
type descriptor struct {
	limit uint16
	base  [4]uint16
}

func newDescriptor(base uint64, limit uint16) descriptor {
	return descriptor{
		limit: limit,
		base: [4]uint16{
			uint16(base),
			uint16(base >> 16),
			uint16(base >> 32),
			uint16(base >> 48),
		},
	}
}

const stackSize = 2 * mm.PageSize

// The IST stacks. Double faults, NMIs and machine checks must run on a
// known-good stack even when the interrupted context has a corrupted one.
var (
	criticalStack [stackSize]byte
	normalStack   [stackSize]byte
	initialStack  [stackSize]byte
)

var (
	// loadGDTFn is used by tests to override the privileged table load.
	loadGDTFn = loadGDT
)

// loadGDT performs lgdt with the supplied descriptor, reloads the data
// segment registers and the task register, and far-returns into the kernel
// code selector.
func loadGDT(desc *descriptor)

// Init builds the GDT and TSS for the current CPU, loads them and returns
// both so the per-CPU block can keep them reachable.
func Init() (*Table, *TSS) {
	tss := &TSS{}
	tss.SetKernelStack(uint64(uintptr(unsafe.Pointer(&initialStack))) + uint64(stackSize))
	tss.setIST(1, uint64(uintptr(unsafe.Pointer(&criticalStack)))+uint64(stackSize))
	tss.setIST(2, uint64(uintptr(unsafe.Pointer(&normalStack)))+uint64(stackSize))

	table := &Table{
		kernelCode: newEntry(0, 0, 0x9a, 0x0a),
		kernelData: newEntry(0, 0, 0x92, 0x0a),
		tss:        newTSSEntry(uint64(uintptr(unsafe.Pointer(tss))), uint16(unsafe.Sizeof(TSS{})-1)),
		userData:   newEntry(0, 0, 0xf2, 0x0a),
		userCode:   newEntry(0, 0, 0xfa, 0x0a),
	}

	desc := newDescriptor(uint64(uintptr(unsafe.Pointer(table))), uint16(unsafe.Sizeof(Table{})-1))
	loadGDTFn(&desc)

	return table, tss
}
