// Package heap implements the kernel's dynamic memory allocator: a
// first-fit free list over boundary-tagged blocks, grown on demand by
// mapping additional frames into the kernel's virtual address space.
package heap

import (
	"gopheros/kernel"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/vmm"
	"unsafe"
)

const (
	// headerMagicFree marks a block header belonging to a free block.
	headerMagicFree = uint32(0xDEADC0DE)
	// headerMagicUsed marks a block header belonging to an allocated block.
	headerMagicUsed = uint32(0xC0FFEE11)
	// footerMagic marks the trailing boundary tag appended to every
	// block, used to detect heap corruption (an overrun write from the
	// previous block) on free.
	footerMagic = uint32(0xFEEDFACE)

	// expansionIncrement is the minimum amount of address space requested
	// from the vmm when the heap needs to grow.
	expansionIncrement = mem.Size(64 * 1024)

	// maxRegions bounds how many disjoint virtual ranges the heap may be
	// grown into; past this point growHeap refuses further expansion so
	// a leak cannot silently consume the entire kernel scratch range.
	maxRegions = 8

	// alignment all returned pointers satisfy.
	alignment = 8
)

var (
	// ErrOutOfMemory is returned when the heap cannot satisfy an
	// allocation request, either because growth failed or because the
	// region budget (maxRegions) has been exhausted.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "heap out of memory"}

	// ErrCorruption is returned by Free when a block's boundary tags do
	// not match the expected magic values.
	ErrCorruption = &kernel.Error{Module: "heap", Message: "heap corruption detected"}

	// ErrInvalidPointer is returned by Free when passed a pointer that
	// was not previously returned by Alloc.
	ErrInvalidPointer = &kernel.Error{Module: "heap", Message: "pointer was not allocated by this heap"}

	// mapRegionFn and frameAllocatorFn are used by tests to avoid
	// touching real hardware; in production they are bound to
	// vmm.MapRegion and the registered physical frame allocator.
	mapRegionFn     = vmm.MapRegion
	frameAllocatorFn vmm.FrameAllocatorFn
)

// SetFrameAllocator registers the physical frame allocator growHeap uses
// when it needs to back newly reserved virtual address ranges.
func SetFrameAllocator(fn vmm.FrameAllocatorFn) {
	frameAllocatorFn = fn
}

// blockStatus records whether a block is on the free list or handed out to
// a caller.
type blockStatus uint8

const (
	statusFree blockStatus = iota
	statusUsed
)

// blockHeader is the header placed at the start of every heap block,
// allocated or free. size is the total block size including the header and
// the trailing footer. The free list is intrusive: free blocks link through
// the header's prevFree/nextFree fields, and the caller's data region starts
// right after the header.
type blockHeader struct {
	magic    uint32
	size     mem.Size
	status   blockStatus
	prevFree *blockHeader
	nextFree *blockHeader
}

const headerSize = mem.Size(unsafe.Sizeof(blockHeader{}))
const footerSize = mem.Size(unsafe.Sizeof(uint32(0)))

// minBlockSize is the smallest block the allocator will ever create:
// header + footer plus one alignment unit of payload.
const minBlockSize = headerSize + footerSize + mem.Size(alignment)

func (h *blockHeader) footerAddr() uintptr {
	return uintptr(unsafe.Pointer(h)) + uintptr(h.size) - uintptr(footerSize)
}

func (h *blockHeader) footer() *uint32 {
	return (*uint32)(unsafe.Pointer(h.footerAddr()))
}

func (h *blockHeader) setFooter() {
	*h.footer() = footerMagic
}

func (h *blockHeader) dataAddr() uintptr {
	return uintptr(unsafe.Pointer(h)) + uintptr(headerSize)
}

func (h *blockHeader) dataSize() mem.Size {
	return h.size - headerSize - footerSize
}

func blockAt(addr uintptr) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(addr))
}

func headerFromData(dataAddr uintptr) *blockHeader {
	return blockAt(dataAddr - uintptr(headerSize))
}

// region describes one virtual address range the heap has carved out of
// the kernel's address space via growHeap.
type region struct {
	start uintptr
	size  mem.Size
}

var (
	regions      [maxRegions]region
	regionCount  int
	freeListHead *blockHeader
)

func roundUp(size, to mem.Size) mem.Size {
	return (size + to - 1) &^ (to - 1)
}

// align8 rounds n up to the next multiple of alignment.
func align8(n mem.Size) mem.Size {
	return roundUp(n, mem.Size(alignment))
}

func unlinkFree(b *blockHeader) {
	if b.prevFree != nil {
		b.prevFree.nextFree = b.nextFree
	} else {
		freeListHead = b.nextFree
	}
	if b.nextFree != nil {
		b.nextFree.prevFree = b.prevFree
	}
	b.prevFree, b.nextFree = nil, nil
}

// pushFree marks b free and inserts it into the free list, which is kept
// sorted by ascending block address.
func pushFree(b *blockHeader) {
	b.status = statusFree
	b.magic = headerMagicFree
	b.setFooter()
	b.prevFree = nil
	b.nextFree = freeListHead
	for b.nextFree != nil && uintptr(unsafe.Pointer(b.nextFree)) < uintptr(unsafe.Pointer(b)) {
		b.prevFree = b.nextFree
		b.nextFree = b.nextFree.nextFree
	}
	if b.prevFree != nil {
		b.prevFree.nextFree = b
	} else {
		freeListHead = b
	}
	if b.nextFree != nil {
		b.nextFree.prevFree = b
	}
}

// initRegionFreeBlock carves a single free block spanning the entire
// region and adds it to the free list.
func initRegionFreeBlock(start uintptr, size mem.Size) {
	b := blockAt(start)
	b.size = size
	pushFree(b)
}

// growHeap reserves and maps at least minSize additional bytes, rounded up
// to expansionIncrement, and adds the result as a new free block (or grows
// the most recently added region in place when the new range is adjacent).
func growHeap(minSize mem.Size) *kernel.Error {
	if regionCount >= maxRegions {
		return ErrOutOfMemory
	}

	grow := roundUp(minSize, expansionIncrement)
	pageCount := (grow + mem.PageSize - 1) >> mem.PageShift

	firstFrame, err := frameAllocatorFn()
	if err != nil {
		return ErrOutOfMemory
	}

	startPage, err := mapRegionFn(firstFrame, grow, vmm.FlagPresent|vmm.FlagRW)
	if err != nil {
		return ErrOutOfMemory
	}

	for i := mem.Size(1); i < pageCount; i++ {
		frame, ferr := frameAllocatorFn()
		if ferr != nil {
			return ErrOutOfMemory
		}
		page := vmm.PageFromAddress(startPage.Address() + uintptr(i)*uintptr(mem.PageSize))
		if merr := vmm.Map(page, frame, vmm.FlagPresent|vmm.FlagRW); merr != nil {
			return ErrOutOfMemory
		}
	}

	start := startPage.Address()
	if regionCount > 0 {
		last := &regions[regionCount-1]
		if start == last.start+uintptr(last.size) || start+uintptr(grow) == last.start {
			if start < last.start {
				last.start = start
			}
			last.size += grow
			initRegionFreeBlock(start, grow)
			coalesce(blockAt(start))
			return nil
		}
	}

	regions[regionCount] = region{start: startPage.Address(), size: grow}
	regionCount++
	initRegionFreeBlock(startPage.Address(), grow)
	return nil
}

// Init resets the heap to an empty state; used by tests and by the first
// caller of Alloc to lazily grow the heap on demand, so no eager
// reservation is made until the first allocation actually happens.
func Init() {
	regionCount = 0
	freeListHead = nil
}

// Alloc reserves size bytes from the heap and returns a pointer to the
// start of the reserved region. The returned region is at least 8-byte
// aligned but its contents are not zeroed; use Zalloc for zeroed memory.
func Alloc(size mem.Size) (unsafe.Pointer, *kernel.Error) {
	return AllocAligned(size, alignment)
}

// Zalloc behaves like Alloc but clears the returned memory.
func Zalloc(size mem.Size) (unsafe.Pointer, *kernel.Error) {
	ptr, err := Alloc(size)
	if err != nil {
		return nil, err
	}
	mem.Memset(uintptr(ptr), 0, size)
	return ptr, nil
}

// AllocAligned behaves like Alloc but guarantees the returned pointer is a
// multiple of align, which must be a power of two no larger than
// mem.PageSize. A block's data pointer is never shifted to meet align: only
// free blocks whose data pointer already has that alignment are used. When
// none is found, the heap is grown at most twice before ErrOutOfMemory is
// returned.
func AllocAligned(size mem.Size, align mem.Size) (unsafe.Pointer, *kernel.Error) {
	if size == 0 {
		size = 1
	}

	want := align8(size + headerSize + footerSize)
	if want < minBlockSize {
		want = minBlockSize
	}

	for attempt := 0; attempt < 2; attempt++ {
		if b := findFit(want, align); b != nil {
			allocateBlock(b, want)
			return unsafe.Pointer(b.dataAddr()), nil
		}

		if err := growHeap(want); err != nil {
			return nil, err
		}
	}

	return nil, ErrOutOfMemory
}

// Realloc resizes a block previously returned by Alloc/Zalloc/AllocAligned
// to newSize, preserving the lesser of the old and new sizes worth of
// contents. A nil ptr behaves like Alloc; a newSize of 0 frees ptr and
// returns nil.
func Realloc(ptr unsafe.Pointer, newSize mem.Size) (unsafe.Pointer, *kernel.Error) {
	if ptr == nil {
		return Alloc(newSize)
	}
	if newSize == 0 {
		return nil, Free(ptr)
	}

	b := headerFromData(uintptr(ptr))
	if b.magic != headerMagicUsed || *b.footer() != footerMagic {
		return nil, ErrCorruption
	}

	if newSize <= b.dataSize() {
		return ptr, nil
	}

	newPtr, err := Alloc(newSize)
	if err != nil {
		return nil, err
	}
	mem.Memcopy(uintptr(ptr), uintptr(newPtr), b.dataSize())
	if ferr := Free(ptr); ferr != nil {
		return nil, ferr
	}
	return newPtr, nil
}

// findFit scans the free list for the first block large enough to satisfy
// want bytes once a caller-visible region aligned to align is carved out
// of it.
func findFit(want, align mem.Size) *blockHeader {
	for b := freeListHead; b != nil; b = b.nextFree {
		if b.size >= want && dataAlignedWithin(b, align) {
			return b
		}
	}
	return nil
}

// dataAlignedWithin reports whether b's data pointer already satisfies
// align; this allocator never shifts the data pointer to meet an alignment.
func dataAlignedWithin(b *blockHeader, align mem.Size) bool {
	return b.dataAddr()%uintptr(align) == 0
}

// allocateBlock removes b from the free list, splitting off a trailing
// free remainder when the leftover is large enough to be useful.
func allocateBlock(b *blockHeader, want mem.Size) {
	unlinkFree(b)

	remainder := b.size - want
	if remainder >= minBlockSize {
		b.size = want
		tail := blockAt(uintptr(unsafe.Pointer(b)) + uintptr(want))
		tail.size = remainder
		pushFree(tail)
	}

	b.status = statusUsed
	b.magic = headerMagicUsed
	b.setFooter()
}

// Free returns a block previously obtained from Alloc/Zalloc/AllocAligned
// to the heap, coalescing with adjacent free neighbours when possible.
func Free(ptr unsafe.Pointer) *kernel.Error {
	if ptr == nil {
		return nil
	}

	b := headerFromData(uintptr(ptr))
	if b.magic != headerMagicUsed || *b.footer() != footerMagic {
		return ErrCorruption
	}
	if b.status != statusUsed {
		return ErrInvalidPointer
	}

	pushFree(b)
	coalesce(b)
	return nil
}

// coalesce merges b with its immediate physical neighbours if they are
// also free, walking the regions table to avoid merging across a region
// boundary (which would create a block spanning non-contiguous memory).
func coalesce(b *blockHeader) {
	r := ownerRegion(b)
	if r == nil {
		return
	}

	// Merge with the next block.
	nextAddr := uintptr(unsafe.Pointer(b)) + uintptr(b.size)
	if nextAddr < r.start+uintptr(r.size) {
		next := blockAt(nextAddr)
		if next.magic == headerMagicFree {
			unlinkFree(next)
			unlinkFree(b)
			b.size += next.size
			pushFree(b)
		}
	}

	// Merge with the previous block, found by walking the region's blocks
	// from its start since the footer does not record a block size.
	bAddr := uintptr(unsafe.Pointer(b))
	for addr := r.start; addr < bAddr; {
		prev := blockAt(addr)
		if addr+uintptr(prev.size) == bAddr {
			if prev.magic == headerMagicFree {
				unlinkFree(b)
				unlinkFree(prev)
				prev.size += b.size
				pushFree(prev)
			}
			break
		}
		addr += uintptr(prev.size)
	}
}

func ownerRegion(b *blockHeader) *region {
	addr := uintptr(unsafe.Pointer(b))
	for i := 0; i < regionCount; i++ {
		if addr >= regions[i].start && addr < regions[i].start+uintptr(regions[i].size) {
			return &regions[i]
		}
	}
	return nil
}

// Stats returns the number of regions the heap has grown into and the
// cumulative free bytes currently available without growing further.
func Stats() (regionCountOut int, freeBytes mem.Size) {
	for b := freeListHead; b != nil; b = b.nextFree {
		freeBytes += b.size
	}
	return regionCount, freeBytes
}

// validateFreeList walks the free list checking every header's magic,
// intended for use by tests and by a future corruption-detection sweep.
func validateFreeList() *kernel.Error {
	for b := freeListHead; b != nil; b = b.nextFree {
		if b.magic != headerMagicFree || *b.footer() != footerMagic {
			return ErrCorruption
		}
	}
	return nil
}
