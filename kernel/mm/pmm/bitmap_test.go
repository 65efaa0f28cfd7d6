package pmm

import (
	"kestrel/bootinfo"
	"kestrel/kernel"
	"kestrel/kernel/mm"
	"testing"
)

func putU64(buf []byte, off int, v uint64) {
	for i := 0; i < 8; i, v = i+1, v>>8 {
		buf[off+i] = byte(v)
	}
}

// bootInfoFixture builds a decoded BootInfo with the supplied memory map.
func bootInfoFixture(t *testing.T, entries []bootinfo.MemoryMapEntry) *bootinfo.BootInfo {
	t.Helper()

	// header (32) + 64 entries (24 each) + count
	buf := make([]byte, 32+64*24+8)
	for i, entry := range entries {
		off := 32 + i*24
		putU64(buf, off, uint64(entry.Addr))
		putU64(buf, off+8, entry.Length)
		putU64(buf, off+16, uint64(entry.Type))
	}
	putU64(buf, 32+64*24, uint64(len(entries)))

	info, err := bootinfo.FromAddr(mm.NewBufferMemory(0, buf), 0)
	if err != nil {
		t.Fatal(err)
	}
	return info
}

func newTestAllocator(t *testing.T, entries []bootinfo.MemoryMapEntry) *BitmapAllocator {
	t.Helper()

	allocBitmapFn = func(size uintptr) ([]byte, *kernel.Error) {
		return make([]byte, size), nil
	}

	var alloc BitmapAllocator
	if err := alloc.Init(bootInfoFixture(t, entries)); err != nil {
		t.Fatal(err)
	}
	return &alloc
}

func TestInitSkipsUnusableEntries(t *testing.T) {
	alloc := newTestAllocator(t, []bootinfo.MemoryMapEntry{
		{Addr: 0x100000, Length: 16 * 4096, Type: bootinfo.MemAvailable},
		{Addr: 0x9fc00, Length: 0x400, Type: bootinfo.MemReserved},
		{Addr: 0x200000, Length: 100, Type: bootinfo.MemAvailable}, // sub-page
		{Addr: 0x300000, Length: 8*4096 + 123, Type: bootinfo.MemAvailable},
	})

	if got := len(alloc.regions); got != 2 {
		t.Fatalf("expected 2 bitmap regions; got %d", got)
	}
	if got := alloc.TotalFrames(); got != 24 {
		t.Errorf("expected 24 managed frames; got %d", got)
	}
}

func TestAllocSetsBitAndFreeClears(t *testing.T) {
	alloc := newTestAllocator(t, []bootinfo.MemoryMapEntry{
		{Addr: 0x100000, Length: 4 * 4096, Type: bootinfo.MemAvailable},
	})

	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if frame.Address() != 0x100000 {
		t.Fatalf("expected first frame at 0x100000; got %x", frame.Address())
	}

	// The bit for the returned frame must be set.
	if !alloc.regions[0].testBit(0) {
		t.Error("expected bit 0 to be set after AllocFrame")
	}

	if err := alloc.FreeFrame(frame); err != nil {
		t.Fatal(err)
	}

	// After free, the same frame is allocatable again.
	again, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if again != frame {
		t.Errorf("expected frame %x to be handed out again; got %x", frame, again)
	}
}

func TestAllocScansRegionsInOrder(t *testing.T) {
	alloc := newTestAllocator(t, []bootinfo.MemoryMapEntry{
		{Addr: 0x100000, Length: 2 * 4096, Type: bootinfo.MemAvailable},
		{Addr: 0x400000, Length: 2 * 4096, Type: bootinfo.MemAvailable},
	})

	exp := []mm.PhysicalAddress{0x100000, 0x101000, 0x400000, 0x401000}
	for i, expAddr := range exp {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatal(err)
		}
		if frame.Address() != expAddr {
			t.Errorf("[alloc %d] expected %x; got %x", i, expAddr, frame.Address())
		}
	}

	if _, err := alloc.AllocFrame(); err != ErrOutOfFrames {
		t.Errorf("expected ErrOutOfFrames; got %v", err)
	}
}

func TestLockRegion(t *testing.T) {
	alloc := newTestAllocator(t, []bootinfo.MemoryMapEntry{
		{Addr: 0, Length: 8 * 4096, Type: bootinfo.MemAvailable},
	})

	if err := alloc.LockRegion(0, 0x4000); err != nil {
		t.Fatal(err)
	}

	// The first four frames are locked; allocation starts at frame 4.
	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if frame.Address() != 0x4000 {
		t.Errorf("expected first allocation at 0x4000; got %x", frame.Address())
	}

	// Ranges spanning outside any single region are rejected.
	if err := alloc.LockRegion(0x7000, 0x2000); err != ErrRegionNotCovered {
		t.Errorf("expected ErrRegionNotCovered; got %v", err)
	}
	if err := alloc.LockRegion(0x100000, 0x1000); err != ErrRegionNotCovered {
		t.Errorf("expected ErrRegionNotCovered; got %v", err)
	}
}

func TestFreeFrameNotManaged(t *testing.T) {
	alloc := newTestAllocator(t, []bootinfo.MemoryMapEntry{
		{Addr: 0x100000, Length: 4096, Type: bootinfo.MemAvailable},
	})

	if err := alloc.FreeFrame(mm.FrameFromAddress(0x900000)); err != errFrameNotManaged {
		t.Errorf("expected errFrameNotManaged; got %v", err)
	}
}
