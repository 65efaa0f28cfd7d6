package mm

import "kestrel/kernel"

// BufferMemory implements PhysicalMemory on top of a byte slice that stands
// in for a chunk of physical memory starting at a fixed base address. It
// backs the package tests for every component that consumes a PhysicalMemory
// and is also usable for parsing physical data that has been copied into
// kernel-owned buffers.
type BufferMemory struct {
	Base PhysicalAddress
	Buf  []byte
}

// NewBufferMemory returns a BufferMemory over buf which represents the
// physical region [base, base+len(buf)).
func NewBufferMemory(base PhysicalAddress, buf []byte) *BufferMemory {
	return &BufferMemory{Base: base, Buf: buf}
}

// Translate returns the offset of paddr inside the buffer as a virtual
// address. It is only meaningful for address arithmetic performed by callers
// that treat the buffer as their address space.
func (m *BufferMemory) Translate(paddr PhysicalAddress) VirtualAddress {
	return VirtualAddress(paddr - m.Base)
}

// ReadU8 reads a byte from the buffer.
func (m *BufferMemory) ReadU8(paddr PhysicalAddress) uint8 {
	return m.Slice(paddr, 1)[0]
}

// ReadU16 reads a little-endian uint16 from the buffer.
func (m *BufferMemory) ReadU16(paddr PhysicalAddress) uint16 {
	s := m.Slice(paddr, 2)
	return uint16(s[0]) | uint16(s[1])<<8
}

// ReadU32 reads a little-endian uint32 from the buffer.
func (m *BufferMemory) ReadU32(paddr PhysicalAddress) uint32 {
	s := m.Slice(paddr, 4)
	return uint32(s[0]) | uint32(s[1])<<8 | uint32(s[2])<<16 | uint32(s[3])<<24
}

// ReadU64 reads a little-endian uint64 from the buffer.
func (m *BufferMemory) ReadU64(paddr PhysicalAddress) uint64 {
	s := m.Slice(paddr, 8)
	return uint64(s[0]) | uint64(s[1])<<8 | uint64(s[2])<<16 | uint64(s[3])<<24 |
		uint64(s[4])<<32 | uint64(s[5])<<40 | uint64(s[6])<<48 | uint64(s[7])<<56
}

// WriteU64 writes a little-endian uint64 to the buffer.
func (m *BufferMemory) WriteU64(paddr PhysicalAddress, value uint64) {
	s := m.Slice(paddr, 8)
	for i := 0; i < 8; i, value = i+1, value>>8 {
		s[i] = byte(value)
	}
}

// Slice returns the size bytes of the buffer starting at paddr.
func (m *BufferMemory) Slice(paddr PhysicalAddress, size uintptr) []byte {
	off := uintptr(paddr - m.Base)
	if paddr < m.Base || off+size > uintptr(len(m.Buf)) {
		panic(&kernel.Error{Module: "mm", Message: "physical access outside the buffer window"})
	}

	return m.Buf[off : off+size]
}
