package mm

import (
	"kestrel/kernel"
	"reflect"
	"unsafe"
)

// PhysicalMemory provides bounds-checked access to a window of physical
// memory. Readers translate physical addresses into the window's virtual
// range; all reads assemble values byte-wise so callers may access packed
// structures at unaligned addresses.
//
// The kernel ships two implementations: BootMemory, which is valid from the
// moment the loader hands over control, and KernelMemory which becomes valid
// once the memory manager has established the physical memory mapping.
type PhysicalMemory interface {
	// Translate returns the virtual address that maps the given physical
	// address inside this window.
	Translate(paddr PhysicalAddress) VirtualAddress

	// ReadU8 reads a byte from physical memory.
	ReadU8(paddr PhysicalAddress) uint8

	// ReadU16 reads a little-endian uint16 from physical memory.
	ReadU16(paddr PhysicalAddress) uint16

	// ReadU32 reads a little-endian uint32 from physical memory.
	ReadU32(paddr PhysicalAddress) uint32

	// ReadU64 reads a little-endian uint64 from physical memory.
	ReadU64(paddr PhysicalAddress) uint64

	// WriteU64 writes a little-endian uint64 to physical memory.
	WriteU64(paddr PhysicalAddress, value uint64)

	// Slice returns a byte slice aliasing size bytes of physical memory
	// starting at paddr.
	Slice(paddr PhysicalAddress, size uintptr) []byte
}

var (
	// BootMemory accesses physical memory through the loader-provided
	// kernel text window. It is only usable until the memory manager
	// switches to its own page table.
	BootMemory PhysicalMemory = &window{
		name: "boot",
		base: KernelTextStart,
		span: KernelTextSize,
	}

	// KernelMemory accesses physical memory through the physmap window
	// that covers all of RAM. It is usable once the memory manager is
	// online.
	KernelMemory PhysicalMemory = &window{
		name: "physmap",
		base: PhysMapStart,
		span: PhysMapSize,
	}
)

// window implements PhysicalMemory for a fixed linear mapping of physical
// memory at a virtual base address.
type window struct {
	name string
	base VirtualAddress
	span uintptr
}

// checkBounds panics if the size bytes at paddr fall outside the window. An
// access outside the window indicates a kernel bug rather than a condition
// the caller could recover from.
func (w *window) checkBounds(paddr PhysicalAddress, size uintptr) {
	if uintptr(paddr)+size > w.span {
		panic(&kernel.Error{Module: "mm", Message: "physical access outside the " + w.name + " window"})
	}
}

func (w *window) Translate(paddr PhysicalAddress) VirtualAddress {
	return w.base.Add(uintptr(paddr))
}

func (w *window) ReadU8(paddr PhysicalAddress) uint8 {
	return w.Slice(paddr, 1)[0]
}

func (w *window) ReadU16(paddr PhysicalAddress) uint16 {
	s := w.Slice(paddr, 2)
	return uint16(s[0]) | uint16(s[1])<<8
}

func (w *window) ReadU32(paddr PhysicalAddress) uint32 {
	s := w.Slice(paddr, 4)
	return uint32(s[0]) | uint32(s[1])<<8 | uint32(s[2])<<16 | uint32(s[3])<<24
}

func (w *window) ReadU64(paddr PhysicalAddress) uint64 {
	s := w.Slice(paddr, 8)
	return uint64(s[0]) | uint64(s[1])<<8 | uint64(s[2])<<16 | uint64(s[3])<<24 |
		uint64(s[4])<<32 | uint64(s[5])<<40 | uint64(s[6])<<48 | uint64(s[7])<<56
}

func (w *window) WriteU64(paddr PhysicalAddress, value uint64) {
	s := w.Slice(paddr, 8)
	for i := 0; i < 8; i, value = i+1, value>>8 {
		s[i] = byte(value)
	}
}

func (w *window) Slice(paddr PhysicalAddress, size uintptr) []byte {
	w.checkBounds(paddr, size)

	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: uintptr(w.Translate(paddr)),
	}))
}
