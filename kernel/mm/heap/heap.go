// Package heap implements the kernel heap: an intrusive singly-linked
// free-list allocator spanning the region between the end of the kernel image
// and the heap end reported by the loader. The allocator carves blocks out of
// the first free node that satisfies the requested size and alignment;
// leftover head and tail fragments are re-linked as free nodes when they are
// large enough to hold the node header themselves.
package heap

import (
	"kestrel/kernel"
	"kestrel/kernel/mm"
	"reflect"
	"unsafe"
)

var (
	// ErrOutOfMemory is returned when no free node can satisfy an
	// allocation request.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory"}

	errUninitialized = &kernel.Error{Module: "heap", Message: "heap not initialized"}

	// kernelHeap is the allocator instance that serves the kernel.
	kernelHeap Allocator
)

// freeNode is the header placed at the start of every free block. Free blocks
// form a singly linked list threaded through the blocks themselves.
type freeNode struct {
	size uintptr
	next *freeNode
}

var nodeSize = unsafe.Sizeof(freeNode{})

func (n *freeNode) startAddr() mm.VirtualAddress {
	return mm.VirtualAddress(uintptr(unsafe.Pointer(n)))
}

func (n *freeNode) endAddr() mm.VirtualAddress {
	return n.startAddr().Add(n.size)
}

// Allocator tracks the free list for a heap region.
type Allocator struct {
	head        freeNode
	initialized bool
}

// Init installs a single free node covering [start, start+size).
func (alloc *Allocator) Init(start mm.VirtualAddress, size uintptr) {
	alloc.head.next = nil
	alloc.addFreeRegion(start, size)
	alloc.initialized = true
}

// addFreeRegion links the block [addr, addr+size) back into the free list.
// The block must be node-aligned and large enough to hold a node header.
func (alloc *Allocator) addFreeRegion(addr mm.VirtualAddress, size uintptr) {
	if mm.AlignUp(uintptr(addr), unsafe.Alignof(freeNode{})) != uintptr(addr) {
		panic(&kernel.Error{Module: "heap", Message: "free region is not node-aligned"})
	}
	if size < nodeSize {
		panic(&kernel.Error{Module: "heap", Message: "free region cannot hold a node header"})
	}

	node := (*freeNode)(unsafe.Pointer(uintptr(addr)))
	node.size = size
	node.next = alloc.head.next
	alloc.head.next = node
}

// allocFromNode returns the aligned start address for carving size bytes out
// of node, or false when the node cannot satisfy the request. A tail fragment
// too small to hold a node header disqualifies the node so the fragment is
// never leaked.
func allocFromNode(node *freeNode, size, align uintptr) (mm.VirtualAddress, bool) {
	allocStart := mm.AlignUp(uintptr(node.startAddr()), align)

	// A head fragment must be able to hold a node header; skip forward by
	// one alignment step when it cannot.
	if headExcess := allocStart - uintptr(node.startAddr()); headExcess > 0 && headExcess < nodeSize {
		allocStart += mm.AlignUp(nodeSize-headExcess, align)
	}

	allocEnd := allocStart + size

	if allocEnd > uintptr(node.endAddr()) {
		return 0, false
	}

	excess := uintptr(node.endAddr()) - allocEnd
	if excess > 0 && excess < nodeSize {
		return 0, false
	}

	return mm.VirtualAddress(allocStart), true
}

// Alloc reserves size bytes with the requested alignment. The size is rounded
// up so that freed blocks can always hold a node header.
func (alloc *Allocator) Alloc(size, align uintptr) (mm.VirtualAddress, *kernel.Error) {
	if !alloc.initialized {
		return 0, errUninitialized
	}

	if align < unsafe.Alignof(freeNode{}) {
		align = unsafe.Alignof(freeNode{})
	}
	if size < nodeSize {
		size = nodeSize
	}
	size = mm.AlignUp(size, unsafe.Alignof(freeNode{}))

	for current := &alloc.head; current.next != nil; current = current.next {
		node := current.next

		allocStart, ok := allocFromNode(node, size, align)
		if !ok {
			continue
		}

		// Unlink the node; re-link the head and tail fragments that
		// the carved block does not cover.
		current.next = node.next

		if headExcess := uintptr(allocStart) - uintptr(node.startAddr()); headExcess > 0 {
			alloc.addFreeRegion(node.startAddr(), headExcess)
		}

		if tailExcess := uintptr(node.endAddr()) - (uintptr(allocStart) + size); tailExcess > 0 {
			alloc.addFreeRegion(allocStart.Add(size), tailExcess)
		}

		return allocStart, nil
	}

	return 0, ErrOutOfMemory
}

// Free returns the size bytes at addr to the free list. The block must have
// been obtained from a previous Alloc call with the same size.
func (alloc *Allocator) Free(addr mm.VirtualAddress, size uintptr) {
	if size < nodeSize {
		size = nodeSize
	}
	size = mm.AlignUp(size, unsafe.Alignof(freeNode{}))

	alloc.addFreeRegion(addr, size)
}

// Init sets up the kernel heap over the region [start, start+size).
func Init(start mm.VirtualAddress, size uintptr) {
	kernelHeap.Init(start, size)
}

// Alloc reserves size bytes from the kernel heap.
func Alloc(size, align uintptr) (mm.VirtualAddress, *kernel.Error) {
	return kernelHeap.Alloc(size, align)
}

// Free returns a block previously obtained via Alloc to the kernel heap.
func Free(addr mm.VirtualAddress, size uintptr) {
	kernelHeap.Free(addr, size)
}

// AllocBytes reserves size bytes from the kernel heap and returns them as a
// byte slice aliasing the allocation.
func AllocBytes(size uintptr) ([]byte, *kernel.Error) {
	addr, err := Alloc(size, unsafe.Alignof(freeNode{}))
	if err != nil {
		return nil, err
	}

	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: uintptr(addr),
	})), nil
}
