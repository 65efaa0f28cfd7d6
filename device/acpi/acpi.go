// Package acpi locates the root system description pointer and provides
// lookup of ACPI tables by their 4-byte signature. Downstream parsers (e.g.
// the MADT walk in the apic package) consume the returned table descriptors;
// interpreting table payloads is out of this package's scope.
package acpi

import (
	"kestrel/kernel"
	"kestrel/kernel/ksync"
	"kestrel/kernel/mm"
)

const (
	// RSDP scanning range and alignment mandated by the specification:
	// the extended BIOS data area and the upper BIOS region, on 16-byte
	// boundaries.
	rsdpLocationLow = mm.PhysicalAddress(0xe0000)
	rsdpLocationHi  = mm.PhysicalAddress(0xfffff)
	rsdpAlignment   = uintptr(16)

	// ebdaPointerAddr is the BDA word holding the EBDA segment.
	ebdaPointerAddr = mm.PhysicalAddress(0x40e)

	rsdpSize      = uintptr(20)
	sdtHeaderSize = uintptr(36)
)

var (
	rsdpSignature = [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '}

	// ErrMissingRSDP is returned when neither the boot handoff nor the
	// BIOS regions contain a root system descriptor pointer.
	ErrMissingRSDP = &kernel.Error{Module: "acpi", Message: "could not locate ACPI RSDP"}

	// ErrTableNotFound is returned when no table carries the requested
	// signature.
	ErrTableNotFound = &kernel.Error{Module: "acpi", Message: "no ACPI table with the requested signature"}

	errNotInitialized = &kernel.Error{Module: "acpi", Message: "acpi subsystem not initialized"}

	acpiLock ksync.Spinlock

	// rsdtAddr holds the physical address of the root system description
	// table once Init locates it.
	rsdtAddr    mm.PhysicalAddress
	rsdtPresent bool
)

// SDTHeader is the common header that prefixes every ACPI table.
type SDTHeader struct {
	Signature       [4]byte
	Length          uint32
	Revision        uint8
	Checksum        uint8
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       uint32
	CreatorRevision uint32
}

// readSDTHeader decodes the packed header at paddr.
func readSDTHeader(p mm.PhysicalMemory, paddr mm.PhysicalAddress) SDTHeader {
	var hdr SDTHeader

	raw := p.Slice(paddr, sdtHeaderSize)
	copy(hdr.Signature[:], raw[0:4])
	hdr.Length = p.ReadU32(paddr.Add(4))
	hdr.Revision = raw[8]
	hdr.Checksum = raw[9]
	copy(hdr.OEMID[:], raw[10:16])
	copy(hdr.OEMTableID[:], raw[16:24])
	hdr.OEMRevision = p.ReadU32(paddr.Add(24))
	hdr.CreatorID = p.ReadU32(paddr.Add(28))
	hdr.CreatorRevision = p.ReadU32(paddr.Add(32))

	return hdr
}

// Table describes a located ACPI table: its header plus the physical location
// and length of the payload following the header.
type Table struct {
	Header     SDTHeader
	DataAddr   mm.PhysicalAddress
	DataLength uintptr
}

// searchRSDP scans the EBDA and the upper BIOS region for the RSDP signature
// and returns the RSDT address it points to.
func searchRSDP(p mm.PhysicalMemory) (mm.PhysicalAddress, bool) {
	ebda := mm.PhysicalAddress(p.ReadU16(ebdaPointerAddr)) << 4

	regions := [2][2]mm.PhysicalAddress{
		{ebda, ebda.Add(1024 - 1)},
		{rsdpLocationLow, rsdpLocationHi},
	}

	for _, region := range regions {
		start := mm.PhysicalAddress(mm.AlignUp(uintptr(region[0]), rsdpAlignment))

		for paddr := start; paddr <= region[1]; paddr = paddr.Add(rsdpAlignment) {
			if paddr.Add(rsdpSize-1) > region[1] {
				break
			}

			sig := p.Slice(paddr, 8)
			match := true
			for i := range rsdpSignature {
				if sig[i] != rsdpSignature[i] {
					match = false
					break
				}
			}
			if !match {
				continue
			}

			// RSDP layout: signature(8), checksum(1), oemid(6),
			// revision(1), rsdt address(4).
			return mm.PhysicalAddress(p.ReadU32(paddr.Add(16))), true
		}
	}

	return 0, false
}

// InitFromAddr records a loader-provided RSDT address directly.
func InitFromAddr(addr mm.PhysicalAddress) {
	acpiLock.Acquire()
	defer acpiLock.Release()

	rsdtAddr, rsdtPresent = addr, true
}

// Init locates the RSDT by scanning the BIOS regions for the RSDP. The boot
// handoff structure carries no RSDP pointer, so the scan is the normal path;
// loaders that do know the address use InitFromAddr instead.
func Init(p mm.PhysicalMemory) *kernel.Error {
	acpiLock.Acquire()
	defer acpiLock.Release()

	var found bool
	if rsdtAddr, found = searchRSDP(p); !found {
		return ErrMissingRSDP
	}

	rsdtPresent = true
	return nil
}

// FindTable walks the RSDT entries and returns the first table whose header
// carries the requested 4-byte signature.
func FindTable(p mm.PhysicalMemory, signature [4]byte) (Table, *kernel.Error) {
	acpiLock.Acquire()
	defer acpiLock.Release()

	if !rsdtPresent {
		return Table{}, errNotInitialized
	}

	rsdt := readSDTHeader(p, rsdtAddr)

	// The RSDT payload is an array of 4-byte physical table pointers.
	numEntries := (uintptr(rsdt.Length) - sdtHeaderSize) / 4
	entryStart := rsdtAddr.Add(sdtHeaderSize)

	for i := uintptr(0); i < numEntries; i++ {
		tableAddr := mm.PhysicalAddress(p.ReadU32(entryStart.Add(i * 4)))
		header := readSDTHeader(p, tableAddr)

		if header.Signature == signature {
			return Table{
				Header:     header,
				DataAddr:   tableAddr.Add(sdtHeaderSize),
				DataLength: uintptr(header.Length) - sdtHeaderSize,
			}, nil
		}
	}

	return Table{}, ErrTableNotFound
}

// VisitTables invokes visitor with the header of every table listed in the
// RSDT. It backs the boot-time table dump.
func VisitTables(p mm.PhysicalMemory, visitor func(*SDTHeader)) *kernel.Error {
	acpiLock.Acquire()
	defer acpiLock.Release()

	if !rsdtPresent {
		return errNotInitialized
	}

	rsdt := readSDTHeader(p, rsdtAddr)
	numEntries := (uintptr(rsdt.Length) - sdtHeaderSize) / 4
	entryStart := rsdtAddr.Add(sdtHeaderSize)

	for i := uintptr(0); i < numEntries; i++ {
		header := readSDTHeader(p, mm.PhysicalAddress(p.ReadU32(entryStart.Add(i*4))))
		visitor(&header)
	}

	return nil
}
