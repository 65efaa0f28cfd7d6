package bootinfo

import (
	"kestrel/kernel/mm"
	"testing"
)

func putU64(buf []byte, off int, v uint64) {
	for i := 0; i < 8; i, v = i+1, v>>8 {
		buf[off+i] = byte(v)
	}
}

func encodeBootInfo(entries []MemoryMapEntry) []byte {
	buf := make([]byte, offNumEntries+8)
	putU64(buf, offHeapAddr, 0x200000)
	putU64(buf, offHeapLength, 0x100000)
	putU64(buf, offInitrdAddr, 0x800000)
	putU64(buf, offInitrdLength, 0x1234)

	for i, entry := range entries {
		off := offMemoryMap + i*memoryMapEntry
		putU64(buf, off, uint64(entry.Addr))
		putU64(buf, off+8, entry.Length)
		putU64(buf, off+16, uint64(entry.Type))
	}
	putU64(buf, offNumEntries, uint64(len(entries)))

	return buf
}

func TestFromAddr(t *testing.T) {
	entries := []MemoryMapEntry{
		{Addr: 0, Length: 0x9fc00, Type: MemAvailable},
		{Addr: 0x9fc00, Length: 0x400, Type: MemReserved},
		{Addr: 0xe0000, Length: 0x20000, Type: MemAcpi},
		{Addr: 0x100000, Length: 128 << 20, Type: MemAvailable},
		{Addr: 0xfffc0000, Length: 0x40000, Type: 99},
	}

	p := mm.NewBufferMemory(0x7000, encodeBootInfo(entries))
	info, err := FromAddr(p, 0x7000)
	if err != nil {
		t.Fatal(err)
	}

	if info.HeapAddr != 0x200000 || info.HeapLength != 0x100000 {
		t.Errorf("unexpected heap region: %x/%x", info.HeapAddr, info.HeapLength)
	}
	if info.InitrdAddr != 0x800000 || info.InitrdLength != 0x1234 {
		t.Errorf("unexpected initrd region: %x/%x", info.InitrdAddr, info.InitrdLength)
	}

	var visited int
	info.VisitMemRegions(func(entry *MemoryMapEntry) bool {
		if entry.Addr != entries[visited].Addr || entry.Length != entries[visited].Length {
			t.Errorf("[entry %d] address/length mismatch", visited)
		}
		visited++
		return true
	})
	if visited != len(entries) {
		t.Errorf("expected to visit %d entries; got %d", len(entries), visited)
	}

	// Unrecognized types collapse to MemUnknown
	info.VisitMemRegions(func(entry *MemoryMapEntry) bool {
		if entry.Addr == 0xfffc0000 && entry.Type != MemUnknown {
			t.Errorf("expected type 99 to map to MemUnknown; got %d", entry.Type)
		}
		return true
	})

	if exp := mm.PhysicalAddress(0x100000000); info.HighestAddress() != exp {
		t.Errorf("expected highest address %x; got %x", exp, info.HighestAddress())
	}

	if exp := uint64(0x9fc00 + 128<<20); info.AvailableMemory() != exp {
		t.Errorf("expected available memory %d; got %d", exp, info.AvailableMemory())
	}
}

func TestVisitAbort(t *testing.T) {
	entries := []MemoryMapEntry{
		{Addr: 0, Length: 0x1000, Type: MemAvailable},
		{Addr: 0x1000, Length: 0x1000, Type: MemAvailable},
	}

	p := mm.NewBufferMemory(0, encodeBootInfo(entries))
	info, err := FromAddr(p, 0)
	if err != nil {
		t.Fatal(err)
	}

	var visited int
	info.VisitMemRegions(func(*MemoryMapEntry) bool {
		visited++
		return false
	})
	if visited != 1 {
		t.Errorf("expected visitor abort after 1 entry; got %d", visited)
	}
}

func TestBadEntryCount(t *testing.T) {
	buf := encodeBootInfo(nil)
	putU64(buf, offNumEntries, maxMemoryMapEntries+1)

	if _, err := FromAddr(mm.NewBufferMemory(0, buf), 0); err != errBadEntryCount {
		t.Errorf("expected errBadEntryCount; got %v", err)
	}
}
