package heap

import (
	"kestrel/kernel/mm"
	"testing"
	"unsafe"
)

// newTestHeap returns an allocator over a host buffer together with the
// buffer bounds.
func newTestHeap(t *testing.T, size uintptr) (*Allocator, mm.VirtualAddress, mm.VirtualAddress) {
	t.Helper()

	buf := make([]byte, size+64)
	start := mm.VirtualAddress(mm.AlignUp(uintptr(unsafe.Pointer(&buf[0])), 64))

	var alloc Allocator
	alloc.Init(start, size)

	return &alloc, start, start.Add(size)
}

func TestAllocFreeRoundTrip(t *testing.T) {
	alloc, start, end := newTestHeap(t, 4096)

	addr, err := alloc.Alloc(128, 8)
	if err != nil {
		t.Fatal(err)
	}
	if addr < start || addr.Add(128) > end {
		t.Fatalf("allocation %x outside heap [%x, %x)", addr, start, end)
	}

	// The allocation is writable without clobbering the free list.
	for _, off := range []uintptr{0, 64, 127} {
		*(*byte)(unsafe.Pointer(uintptr(addr) + off)) = 0xaa
	}

	second, err := alloc.Alloc(128, 8)
	if err != nil {
		t.Fatal(err)
	}
	if second == addr {
		t.Fatal("expected distinct allocations")
	}

	alloc.Free(addr, 128)
	alloc.Free(second, 128)

	// After freeing, the heap still satisfies a 2048-byte allocation.
	if _, err := alloc.Alloc(2048, 8); err != nil {
		t.Fatalf("expected allocation to succeed after free; got %v", err)
	}
}

func TestAllocAlignment(t *testing.T) {
	alloc, _, _ := newTestHeap(t, 8192)

	for _, align := range []uintptr{8, 16, 64, 256} {
		addr, err := alloc.Alloc(32, align)
		if err != nil {
			t.Fatalf("alloc with align %d: %v", align, err)
		}
		if uintptr(addr)%align != 0 {
			t.Errorf("expected %x to be aligned to %d", addr, align)
		}
	}
}

func TestAllocExhaustion(t *testing.T) {
	alloc, _, _ := newTestHeap(t, 1024)

	if _, err := alloc.Alloc(4096, 8); err != ErrOutOfMemory {
		t.Errorf("expected ErrOutOfMemory; got %v", err)
	}

	// Small allocations drain the region; the next one fails.
	var allocated int
	for {
		if _, err := alloc.Alloc(64, 8); err != nil {
			break
		}
		allocated++
	}
	if allocated == 0 || allocated > 16 {
		t.Errorf("unexpected number of 64-byte allocations from a 1024-byte heap: %d", allocated)
	}
}

func TestTinyTailFragmentIsNotLeaked(t *testing.T) {
	alloc, _, _ := newTestHeap(t, 256)

	// Carving 248 bytes would leave an 8-byte tail which cannot hold a
	// node header; the allocator must absorb it or refuse the node.
	addr, err := alloc.Alloc(248, 8)
	if err != nil {
		// Refusing is acceptable; the region must still serve smaller
		// requests.
		if _, err := alloc.Alloc(128, 8); err != nil {
			t.Fatalf("heap unusable after refused allocation: %v", err)
		}
		return
	}

	alloc.Free(addr, 248)
	if _, err := alloc.Alloc(128, 8); err != nil {
		t.Fatalf("heap unusable after free: %v", err)
	}
}

func TestUninitialized(t *testing.T) {
	var alloc Allocator
	if _, err := alloc.Alloc(16, 8); err != errUninitialized {
		t.Errorf("expected errUninitialized; got %v", err)
	}
}
