package kernel

import (
	"reflect"
	"unsafe"
)

// overlay returns a byte slice on top of the size bytes starting at addr. No
// allocation takes place; the returned slice aliases the raw memory region.
func overlay(addr uintptr, size uintptr) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: addr,
	}))
}

// Memset sets size bytes at the given address to the supplied value. Instead
// of a byte-at-a-time loop, this function uses log2(size) copy calls; page
// addresses are always aligned so the copies stay fast.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := overlay(addr, size)

	// Set first element and make log2(size) optimized copies
	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from src to dst. The regions must not overlap.
func Memcopy(src, dst uintptr, size uintptr) {
	if size == 0 {
		return
	}

	copy(overlay(dst, size), overlay(src, size))
}
