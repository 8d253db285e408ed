// Package segregated layers fixed-size-class free lists on top of
// kernel/mem/heap's first-fit allocator, the way a userspace slab cache
// sits on top of a general-purpose malloc: frequent small allocations
// (task control blocks, page table bookkeeping, small buffers) are served
// from a per-class free list instead of going through first-fit search and
// splitting on every call.
package segregated

import (
	"gopheros/kernel"
	"gopheros/kernel/mem"
	"unsafe"
)

// classSizes lists the size classes this cache maintains, in ascending
// order. A request larger than the last class falls through to the
// backing allocator directly.
var classSizes = [...]mem.Size{16, 32, 64, 128, 256, 512}

// backingAlloc and backingFree are bound to heap.Alloc/heap.Free; they are
// package vars (rather than a direct import) so tests can exercise the
// class-selection and free-list logic without depending on heap's own
// growth/mapping machinery.
var (
	backingAlloc func(mem.Size) (unsafe.Pointer, *kernel.Error)
	backingFree  func(unsafe.Pointer) *kernel.Error
)

// Bind wires this cache to the backing allocator's Alloc/Free functions.
// It must be called once during heap initialization before any Alloc call.
func Bind(alloc func(mem.Size) (unsafe.Pointer, *kernel.Error), free func(unsafe.Pointer) *kernel.Error) {
	backingAlloc = alloc
	backingFree = free
}

// freeSlot is overlaid on top of a free block's payload, so a slab class's
// free list costs no extra memory beyond what the backing allocator's own
// header already reserves.
type freeSlot struct {
	next *freeSlot
}

// class tracks the free slot list and live/backing stats for one size
// class.
type class struct {
	size      mem.Size
	free      *freeSlot
	liveCount int
}

var classes [len(classSizes)]class

func init() {
	for i, sz := range classSizes {
		classes[i].size = sz
	}
}

// classFor returns the index of the smallest class able to satisfy size,
// or -1 if size exceeds every class.
func classFor(size mem.Size) int {
	for i, c := range classes {
		if size <= c.size {
			return i
		}
	}
	return -1
}

// Alloc returns a block of at least size bytes, served from the matching
// size class's free list when possible, falling back to the backing
// allocator (and, for oversized requests, going to it directly).
func Alloc(size mem.Size) (unsafe.Pointer, *kernel.Error) {
	idx := classFor(size)
	if idx < 0 {
		return backingAlloc(size)
	}

	c := &classes[idx]
	if c.free != nil {
		slot := c.free
		c.free = slot.next
		c.liveCount++
		return unsafe.Pointer(slot), nil
	}

	ptr, err := backingAlloc(c.size)
	if err != nil {
		return nil, err
	}
	c.liveCount++
	return ptr, nil
}

// Free returns a block previously obtained from Alloc for the given size
// back to its size class's free list, or to the backing allocator directly
// for oversized requests.
func Free(ptr unsafe.Pointer, size mem.Size) *kernel.Error {
	if ptr == nil {
		return nil
	}

	idx := classFor(size)
	if idx < 0 {
		return backingFree(ptr)
	}

	c := &classes[idx]
	slot := (*freeSlot)(ptr)
	slot.next = c.free
	c.free = slot
	c.liveCount--
	return nil
}

// Stats reports the number of currently live (allocated, not yet freed)
// blocks for each configured size class, indexed the same as classSizes.
func Stats() [len(classSizes)]int {
	var out [len(classSizes)]int
	for i, c := range classes {
		out[i] = c.liveCount
	}
	return out
}
